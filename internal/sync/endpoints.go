package sync

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	apperrors "github.com/coursely/offline/internal/errors"
	"github.com/coursely/offline/internal/models"
	"github.com/coursely/offline/internal/uuid"
)

// Endpoint maps a queued mutation to the remote call that replays it.
type Endpoint struct {
	Method string
	// Path may contain {record_id} and {field} placeholders, where field is
	// a top-level string in the item's payload.
	Path string
	// Body lists the payload fields sent as the request body. Nil sends no
	// body.
	Body []string
	// Canonical means the response carries the server-assigned id of a
	// record created with a local id.
	Canonical bool
	// MissingIsDone treats a not-found answer as success.
	MissingIsDone bool
}

type endpointKey struct {
	table string
	op    models.OperationType
}

// endpoints is the static replay table. Anything not listed here can never
// be replayed.
var endpoints = map[endpointKey]Endpoint{
	{"enrollments", models.OpCreate}: {
		Method: http.MethodPost, Path: "/enrollments",
		Body: []string{"course_id"}, Canonical: true,
	},
	{"enrollments", models.OpDelete}: {
		Method: http.MethodDelete, Path: "/enrollments/{record_id}", MissingIsDone: true,
	},
	{"content_progress", models.OpUpdate}: {
		Method: http.MethodPost, Path: "/enrollments/{enrollment_id}/content/{content_id}/{action}",
	},
	{"module_progress", models.OpUpdate}: {
		Method: http.MethodPost, Path: "/enrollments/{enrollment_id}/modules/{module_id}/complete",
	},
	{"quiz_attempts", models.OpCreate}: {
		Method: http.MethodPost, Path: "/quizzes/{quiz_id}/attempts", Canonical: true,
	},
	{"quiz_attempts", models.OpUpdate}: {
		Method: http.MethodPost, Path: "/attempts/{record_id}/{action}",
	},
	{"quiz_answers", models.OpCreate}: {
		Method: http.MethodPost, Path: "/attempts/{attempt_id}/answers",
		Body: []string{"question_id", "selected_option_id"},
	},
}

// LookupEndpoint returns the replay endpoint for a table and operation.
func LookupEndpoint(table string, op models.OperationType) (Endpoint, bool) {
	ep, ok := endpoints[endpointKey{table, op}]
	return ep, ok
}

var (
	placeholder = regexp.MustCompile(`\{([a-z_]+)\}`)
	tempID      = regexp.MustCompile(uuid.TempPrefix + `[0-9a-fA-F-]{36}`)
)

// request is a resolved remote call.
type request struct {
	method string
	path   string
	body   map[string]any
}

// build fills the endpoint's templates from the item.
func (ep Endpoint) build(item *models.MutationQueueItem) (*request, error) {
	payload := map[string]any{}
	if len(item.Payload) > 0 && string(item.Payload) != "null" {
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "decode queued payload", err)
		}
	}

	field := func(name string) (string, bool) {
		if name == "record_id" {
			return item.RecordID, item.RecordID != ""
		}
		v, ok := payload[name]
		if !ok || v == nil {
			return "", false
		}
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		return s, s != ""
	}

	var missing []string
	path := placeholder.ReplaceAllStringFunc(ep.Path, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := field(name)
		if !ok {
			missing = append(missing, name)
			return m
		}
		return url.PathEscape(v)
	})
	if len(missing) > 0 {
		return nil, apperrors.New(apperrors.ErrValidation,
			"queued payload lacks "+strings.Join(missing, ", "))
	}

	req := &request{method: ep.Method, path: path}
	if ep.Body != nil {
		req.body = make(map[string]any, len(ep.Body))
		for _, name := range ep.Body {
			if v, ok := payload[name]; ok {
				req.body[name] = v
			}
		}
	}
	return req, nil
}

// blockedBy returns the first local id the item still depends on. Such an
// item cannot be replayed until the record it points at has been created
// remotely and reconciled.
func blockedBy(item *models.MutationQueueItem) string {
	if uuid.IsTemp(item.RecordID) && item.OperationType != models.OpCreate {
		return item.RecordID
	}
	return tempID.FindString(string(item.Payload))
}
