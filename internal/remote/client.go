package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	apperrors "github.com/coursely/offline/internal/errors"
	"github.com/coursely/offline/internal/logging"
	"github.com/coursely/offline/internal/models"
)

// =====================================================
// Configuration
// =====================================================

// ClientConfig contains configuration for the platform API client.
type ClientConfig struct {
	// BaseURL is the API root, for example https://learn.example.com/api.
	BaseURL string

	// Timeout bounds a single HTTP exchange.
	Timeout time.Duration

	// HealthPath is probed by Health.
	HealthPath string

	// MaxGetRetries bounds attempts for idempotent reads. Writes are sent once.
	MaxGetRetries uint

	// Tokens supplies the bearer token. Nil sends no Authorization header.
	Tokens TokenSource

	// HTTPClient overrides the transport. Tests inject httptest clients here.
	HTTPClient *http.Client

	// RetryBackOff overrides the GET retry schedule.
	RetryBackOff backoff.BackOff
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:       baseURL,
		Timeout:       15 * time.Second,
		HealthPath:    "/health",
		MaxGetRetries: 3,
	}
}

// =====================================================
// Client
// =====================================================

// HTTPClient is the JSON-over-HTTP realisation of Service.
type HTTPClient struct {
	config     ClientConfig
	httpClient *http.Client
	now        func() time.Time
}

var _ Service = (*HTTPClient)(nil)

// NewHTTPClient creates a new platform API client.
func NewHTTPClient(config ClientConfig) *HTTPClient {
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.HealthPath == "" {
		config.HealthPath = "/health"
	}
	hc := config.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: config.Timeout}
	}
	return &HTTPClient{config: config, httpClient: hc, now: time.Now}
}

// SetClock replaces the clock used for token expiry checks.
func (c *HTTPClient) SetClock(now func() time.Time) {
	c.now = now
}

// Call sends one JSON request and decodes the response into out.
func (c *HTTPClient) Call(ctx context.Context, method, path string, body, out any) error {
	return c.doRequest(ctx, method, path, body, out)
}

// doRequest sends the request, retrying idempotent reads on network-class
// failures.
func (c *HTTPClient) doRequest(ctx context.Context, method, path string, body, out any) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}

	if method != http.MethodGet || c.config.MaxGetRetries <= 1 {
		return c.doSingleRequest(ctx, method, path, token, body, out)
	}

	b := c.config.RetryBackOff
	if b == nil {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 200 * time.Millisecond
		eb.MaxInterval = 2 * time.Second
		b = eb
	}

	attempt := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := c.doSingleRequest(ctx, method, path, token, body, out)
		if err == nil {
			return struct{}{}, nil
		}
		if !apperrors.IsNetwork(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		logging.Debug("retrying request", map[string]interface{}{
			"method":  method,
			"path":    path,
			"attempt": attempt,
			"error":   err.Error(),
		})
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.config.MaxGetRetries))
	if err != nil && ctx.Err() != nil && !apperrors.IsNetwork(err) && !apperrors.IsApplication(err) {
		return ctx.Err()
	}
	return err
}

func (c *HTTPClient) token(ctx context.Context) (string, error) {
	if c.config.Tokens == nil {
		return "", nil
	}
	token, err := c.config.Tokens.Token(ctx)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrAuthExpired, "token unavailable", err)
	}
	if err := checkToken(token, c.now()); err != nil {
		return "", err
	}
	return token, nil
}

// doSingleRequest performs a single HTTP request.
func (c *HTTPClient) doSingleRequest(ctx context.Context, method, path, token string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		raw, ok := body.(json.RawMessage)
		if !ok {
			var err error
			raw, err = json.Marshal(body)
			if err != nil {
				return apperrors.Wrap(apperrors.ErrInvalid, "marshal request body", err)
			}
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, bodyReader)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "create request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return transportError(method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return transportError(method, path, err)
	}

	if resp.StatusCode >= 400 {
		return statusError(method, path, resp.StatusCode, respBody)
	}

	if out != nil && len(respBody) > 0 {
		if raw, ok := out.(*json.RawMessage); ok {
			*raw = append((*raw)[:0], respBody...)
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return apperrors.Wrap(apperrors.ErrApplication, fmt.Sprintf("%s %s: malformed response", method, path), err)
		}
	}
	return nil
}

// =====================================================
// Error classification
// =====================================================

// errorBody is the platform's error envelope.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// applicationCodes maps platform error codes onto local ones.
var applicationCodes = map[string]apperrors.ErrorCode{
	"NOT_ENROLLED":      apperrors.ErrNotEnrolled,
	"ALREADY_COMPLETED": apperrors.ErrAlreadyCompleted,
	"ALREADY_ENROLLED":  apperrors.ErrAlreadyCompleted,
	"INELIGIBLE":        apperrors.ErrIneligible,
	"NOT_ELIGIBLE":      apperrors.ErrIneligible,
	"AUTH_EXPIRED":      apperrors.ErrAuthExpired,
	"TOKEN_EXPIRED":     apperrors.ErrAuthExpired,
	"NOT_FOUND":         apperrors.ErrNotFound,
	"VALIDATION_ERROR":  apperrors.ErrValidation,
}

func transportError(method, path string, err error) error {
	code := apperrors.ErrNetwork
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		code = apperrors.ErrTimeout
	}
	return apperrors.Wrap(code, fmt.Sprintf("%s %s", method, path), err)
}

func statusError(method, path string, status int, body []byte) error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	msg := eb.Message
	if msg == "" {
		msg = eb.Error
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	msg = fmt.Sprintf("%s %s: %s", method, path, msg)

	var code apperrors.ErrorCode
	switch {
	case status >= 500, status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		code = apperrors.ErrNetwork
	default:
		if mapped, ok := applicationCodes[strings.ToUpper(eb.Code)]; ok {
			code = mapped
			break
		}
		switch status {
		case http.StatusUnauthorized:
			code = apperrors.ErrAuthExpired
		case http.StatusForbidden:
			code = apperrors.ErrPermission
		case http.StatusNotFound:
			code = apperrors.ErrNotFound
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			code = apperrors.ErrValidation
		default:
			code = apperrors.ErrApplication
		}
	}
	return &apperrors.AppError{Code: code, Message: msg, Status: status}
}

// =====================================================
// Health
// =====================================================

// Health probes the backend once, without retries.
func (c *HTTPClient) Health(ctx context.Context) error {
	return c.doSingleRequest(ctx, http.MethodGet, c.config.HealthPath, "", nil, nil)
}

// =====================================================
// Catalog
// =====================================================

// ListCourses fetches the course catalog.
func (c *HTTPClient) ListCourses(ctx context.Context) ([]models.Course, error) {
	var out []models.Course
	if err := c.doRequest(ctx, http.MethodGet, "/courses", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetCourse fetches one course.
func (c *HTTPClient) GetCourse(ctx context.Context, courseID string) (*models.Course, error) {
	var out models.Course
	if err := c.doRequest(ctx, http.MethodGet, "/courses/"+url.PathEscape(courseID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetCourseModules fetches a course's modules.
func (c *HTTPClient) GetCourseModules(ctx context.Context, courseID string) ([]models.Module, error) {
	var out []models.Module
	if err := c.doRequest(ctx, http.MethodGet, "/courses/"+url.PathEscape(courseID)+"/modules", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetModuleContent fetches a module's content blocks.
func (c *HTTPClient) GetModuleContent(ctx context.Context, moduleID string) ([]models.ContentBlock, error) {
	var out []models.ContentBlock
	if err := c.doRequest(ctx, http.MethodGet, "/modules/"+url.PathEscape(moduleID)+"/content", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// =====================================================
// Enrollments and progress
// =====================================================

// ListEnrollments fetches the current student's enrollments.
func (c *HTTPClient) ListEnrollments(ctx context.Context) ([]models.Enrollment, error) {
	var out []models.Enrollment
	if err := c.doRequest(ctx, http.MethodGet, "/enrollments", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Enroll enrolls the current student in a course.
func (c *HTTPClient) Enroll(ctx context.Context, courseID string) (*models.Enrollment, error) {
	var out models.Enrollment
	body := map[string]string{"course_id": courseID}
	if err := c.doRequest(ctx, http.MethodPost, "/enrollments", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Unenroll drops an enrollment.
func (c *HTTPClient) Unenroll(ctx context.Context, enrollmentID string) error {
	return c.doRequest(ctx, http.MethodDelete, "/enrollments/"+url.PathEscape(enrollmentID), nil, nil)
}

// GetEnrollmentProgress fetches module and content progress for an enrollment.
func (c *HTTPClient) GetEnrollmentProgress(ctx context.Context, enrollmentID string) (*models.EnrollmentProgress, error) {
	var out models.EnrollmentProgress
	if err := c.doRequest(ctx, http.MethodGet, "/enrollments/"+url.PathEscape(enrollmentID)+"/progress", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkContentViewed records a content view.
func (c *HTTPClient) MarkContentViewed(ctx context.Context, enrollmentID, contentID string) (*models.ContentProgress, error) {
	return c.markContent(ctx, enrollmentID, contentID, "view")
}

// MarkContentCompleted records a content completion.
func (c *HTTPClient) MarkContentCompleted(ctx context.Context, enrollmentID, contentID string) (*models.ContentProgress, error) {
	return c.markContent(ctx, enrollmentID, contentID, "complete")
}

func (c *HTTPClient) markContent(ctx context.Context, enrollmentID, contentID, action string) (*models.ContentProgress, error) {
	var out models.ContentProgress
	path := ContentProgressPath(enrollmentID, contentID, action)
	if err := c.doRequest(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkModuleCompleted records a module completion.
func (c *HTTPClient) MarkModuleCompleted(ctx context.Context, enrollmentID, moduleID string) (*models.ModuleProgress, error) {
	var out models.ModuleProgress
	path := "/enrollments/" + url.PathEscape(enrollmentID) + "/modules/" + url.PathEscape(moduleID) + "/complete"
	if err := c.doRequest(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ContentProgressPath builds the endpoint for a content view or completion.
func ContentProgressPath(enrollmentID, contentID, action string) string {
	return "/enrollments/" + url.PathEscape(enrollmentID) + "/content/" + url.PathEscape(contentID) + "/" + action
}

// =====================================================
// Quizzes
// =====================================================

// GetQuiz fetches quiz metadata.
func (c *HTTPClient) GetQuiz(ctx context.Context, quizID string) (*models.Quiz, error) {
	var out models.Quiz
	if err := c.doRequest(ctx, http.MethodGet, "/quizzes/"+url.PathEscape(quizID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetQuizQuestions fetches a quiz's questions with their options.
func (c *HTTPClient) GetQuizQuestions(ctx context.Context, quizID string) ([]models.Question, error) {
	var out []models.Question
	if err := c.doRequest(ctx, http.MethodGet, "/quizzes/"+url.PathEscape(quizID)+"/questions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StartQuizAttempt opens a new attempt.
func (c *HTTPClient) StartQuizAttempt(ctx context.Context, quizID string) (*models.QuizAttempt, error) {
	var out models.QuizAttempt
	if err := c.doRequest(ctx, http.MethodPost, "/quizzes/"+url.PathEscape(quizID)+"/attempts", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitQuizAnswer records one answer.
func (c *HTTPClient) SubmitQuizAnswer(ctx context.Context, attemptID string, req AnswerRequest) (*models.QuizAnswer, error) {
	var out models.QuizAnswer
	if err := c.doRequest(ctx, http.MethodPost, "/attempts/"+url.PathEscape(attemptID)+"/answers", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CompleteQuizAttempt closes and grades an attempt.
func (c *HTTPClient) CompleteQuizAttempt(ctx context.Context, attemptID string) (*models.QuizAttempt, error) {
	var out models.QuizAttempt
	if err := c.doRequest(ctx, http.MethodPost, "/attempts/"+url.PathEscape(attemptID)+"/complete", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AbandonQuizAttempt tells the server the attempt was left. Failures are
// logged and returned; the call is never retried.
func (c *HTTPClient) AbandonQuizAttempt(ctx context.Context, attemptID string) error {
	err := c.doRequest(ctx, http.MethodPost, "/attempts/"+url.PathEscape(attemptID)+"/abandon", nil, nil)
	if err != nil {
		logging.Warn("abandon attempt not delivered", map[string]interface{}{
			"attempt_id": attemptID,
			"error":      err.Error(),
		})
	}
	return err
}

// GetQuizResults fetches the graded attempt.
func (c *HTTPClient) GetQuizResults(ctx context.Context, attemptID string) (*QuizResult, error) {
	var out QuizResult
	if err := c.doRequest(ctx, http.MethodGet, "/attempts/"+url.PathEscape(attemptID)+"/results", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// =====================================================
// Dashboard and offline endpoints
// =====================================================

// GetDashboard fetches the student dashboard.
func (c *HTTPClient) GetDashboard(ctx context.Context) (*models.Dashboard, error) {
	var out models.Dashboard
	if err := c.doRequest(ctx, http.MethodGet, "/dashboard", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DownloadCoursePackage fetches the full offline package for a course.
func (c *HTTPClient) DownloadCoursePackage(ctx context.Context, courseID string) (*models.CoursePackage, error) {
	var out models.CoursePackage
	if err := c.doRequest(ctx, http.MethodGet, "/offline/courses/"+url.PathEscape(courseID)+"/package", nil, &out); err != nil {
		return nil, err
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// SyncOfflineProgress submits one progress batch.
func (c *HTTPClient) SyncOfflineProgress(ctx context.Context, req SyncProgressRequest) (*models.SyncProgressResult, error) {
	var out models.SyncProgressResult
	if err := c.doRequest(ctx, http.MethodPost, "/offline/sync-progress", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ValidateOfflineSessions asks the server which local sessions are still valid.
func (c *HTTPClient) ValidateOfflineSessions(ctx context.Context, sessions []SessionRef) ([]models.SessionValidation, error) {
	var out struct {
		Sessions []models.SessionValidation `json:"sessions"`
	}
	body := map[string]interface{}{"sessions": sessions}
	if err := c.doRequest(ctx, http.MethodPost, "/offline/sessions/validate", body, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// ListOfflineSessions fetches the sessions the server knows about.
func (c *HTTPClient) ListOfflineSessions(ctx context.Context) ([]models.OfflineSession, error) {
	var out []models.OfflineSession
	if err := c.doRequest(ctx, http.MethodGet, "/offline/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
