package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/coursely/offline/internal/errors"
	"github.com/coursely/offline/internal/models"
)

func newTestClient(t *testing.T, h http.Handler, tokens TokenSource) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := DefaultClientConfig(srv.URL + "/")
	cfg.Tokens = tokens
	cfg.RetryBackOff = backoff.NewConstantBackOff(time.Millisecond)
	return NewHTTPClient(cfg)
}

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func TestClient_DecodesAndSendsBearer(t *testing.T) {
	var gotAuth string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/courses/c%201", r.URL.EscapedPath())
		json.NewEncoder(w).Encode(models.Course{ID: "c 1", Title: "Go"})
	}), StaticToken("opaque"))

	course, err := c.GetCourse(context.Background(), "c 1")
	require.NoError(t, err)
	assert.Equal(t, "Go", course.Title)
	assert.Equal(t, "Bearer opaque", gotAuth)
}

func TestClient_RetriesGetOnServerError(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode([]models.Course{{ID: "c1", Title: "Go"}})
	}), nil)

	courses, err := c.ListCourses(context.Background())
	require.NoError(t, err)
	assert.Len(t, courses, 1)
	assert.EqualValues(t, 3, calls.Load())
}

func TestClient_ExhaustedRetriesAreNetworkErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}), nil)

	_, err := c.ListCourses(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsNetwork(err))
	assert.EqualValues(t, 3, calls.Load())

	var appErr *apperrors.AppError
	require.True(t, apperrors.As(err, &appErr))
	assert.Equal(t, http.StatusBadGateway, appErr.Status)
}

func TestClient_ApplicationErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   apperrors.ErrorCode
	}{
		{"mapped code", http.StatusConflict, `{"code":"NOT_ENROLLED","message":"enroll first"}`, apperrors.ErrNotEnrolled},
		{"already completed", http.StatusConflict, `{"code":"already_completed"}`, apperrors.ErrAlreadyCompleted},
		{"not found", http.StatusNotFound, ``, apperrors.ErrNotFound},
		{"unauthorized", http.StatusUnauthorized, ``, apperrors.ErrAuthExpired},
		{"forbidden", http.StatusForbidden, ``, apperrors.ErrPermission},
		{"bad request", http.StatusBadRequest, `{"error":"bad"}`, apperrors.ErrValidation},
		{"other 4xx", http.StatusConflict, `{"code":"SOMETHING_ELSE"}`, apperrors.ErrApplication},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}), nil)

			_, err := c.GetQuiz(context.Background(), "q1")
			require.Error(t, err)
			assert.Equal(t, tt.want, apperrors.CodeOf(err))
			assert.True(t, apperrors.IsApplication(err))
			assert.False(t, apperrors.IsNetwork(err))
			assert.EqualValues(t, 1, calls.Load())
		})
	}
}

func TestClient_WritesAreSentOnce(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}), nil)

	_, err := c.Enroll(context.Background(), "c1")
	require.Error(t, err)
	assert.True(t, apperrors.IsNetwork(err))
	assert.EqualValues(t, 1, calls.Load())
}

func TestClient_TransportFailureIsNetwork(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewHTTPClient(ClientConfig{BaseURL: url, Timeout: time.Second, MaxGetRetries: 1})
	err := c.Health(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsNetwork(err))
}

func TestClient_ExpiredTokenRejectedLocally(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}), StaticToken(""))
	c.config.Tokens = StaticToken(signed(t, jwt.MapClaims{
		"sub": "student-1",
		"exp": time.Now().Add(-time.Minute).Unix(),
	}))

	_, err := c.ListEnrollments(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrAuthExpired, apperrors.CodeOf(err))
	assert.Zero(t, calls.Load())
}

func TestClient_ValidTokenPasses(t *testing.T) {
	tok := signed(t, jwt.MapClaims{"sub": "student-1", "exp": time.Now().Add(time.Hour).Unix()})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[]`))
	}), StaticToken(tok))

	_, err := c.ListEnrollments(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "student-1", SubjectFromToken(tok))
	assert.Empty(t, SubjectFromToken("opaque"))
}

func TestClient_CallPassesRawPayload(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "c1", body["course_id"])
		w.Write([]byte(`{"id":"enr-1"}`))
	}), nil)

	var res models.MutationResult
	err := c.Call(context.Background(), http.MethodPost, "/enrollments", json.RawMessage(`{"course_id":"c1"}`), &res)
	require.NoError(t, err)
	assert.Equal(t, "enr-1", res.ID)
}

func TestClient_SyncOfflineProgress(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/offline/sync-progress", r.URL.Path)
		var req SyncProgressRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "s1", req.SessionID)
		json.NewEncoder(w).Encode(models.SyncProgressResult{
			Success:       true,
			ContentSynced: len(req.Progress.ContentCompletions),
			Conflicts:     []models.Conflict{{Entity: "content_progress", Field: "status", Resolution: models.PolicyServerWins}},
			Warnings:      []string{"late"},
		})
	}), nil)

	res, err := c.SyncOfflineProgress(context.Background(), SyncProgressRequest{
		SessionID: "s1",
		CourseID:  "c1",
		Progress:  models.ProgressBatchData{ContentCompletions: []models.ContentEvent{{ContentID: "b1"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ContentSynced)
	assert.Len(t, res.Conflicts, 1)
	assert.Equal(t, []string{"late"}, res.Warnings)
}

func TestClient_AbandonIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}), nil)

	err := c.AbandonQuizAttempt(context.Background(), "a1")
	assert.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestClient_CancelledContext(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.ListCourses(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
