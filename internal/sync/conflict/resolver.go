// Package conflict classifies the conflicts a server reports while merging
// offline progress.
//
// The server has already applied its policy by the time a conflict reaches
// the client. Classification only tells the caller which side's value now
// stands, whether the local cache is stale, and whether a person has to look
// at it.
package conflict

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/coursely/offline/internal/logging"
	"github.com/coursely/offline/internal/models"
)

// Outcome says which value survived the server's merge.
type Outcome string

const (
	OutcomeServerKept  Outcome = "server_kept"
	OutcomeClientKept  Outcome = "client_kept"
	OutcomeNeedsReview Outcome = "needs_review"
)

// Resolver classifies conflicts. Conflicts without a recognised resolution
// are classified with the fallback policy.
type Resolver struct {
	fallback string
}

// NewResolver creates a Resolver. An unknown fallback means server_wins.
func NewResolver(fallback string) *Resolver {
	if !knownPolicy(fallback) {
		fallback = models.PolicyServerWins
	}
	return &Resolver{fallback: fallback}
}

// Classified is a conflict plus its interpretation.
type Classified struct {
	Conflict models.Conflict `json:"conflict"`
	Policy   string          `json:"policy"`
	Outcome  Outcome         `json:"outcome"`
	// RefreshLocal is set when the local cache holds the losing value.
	RefreshLocal bool `json:"refresh_local"`
}

// Summary counts classified conflicts by outcome.
type Summary struct {
	ServerKept  int `json:"server_kept"`
	ClientKept  int `json:"client_kept"`
	NeedsReview int `json:"needs_review"`
}

func knownPolicy(p string) bool {
	switch p {
	case models.PolicyServerWins, models.PolicyMostRecentWins, models.PolicyClientWins, models.PolicyManual:
		return true
	}
	return false
}

// Classify interprets one conflict.
func (r *Resolver) Classify(c models.Conflict) (*Classified, error) {
	if c.Entity == "" || c.EntityID == "" {
		return nil, ErrInvalidConflict
	}

	policy := c.Resolution
	if !knownPolicy(policy) {
		policy = r.fallback
	}

	out := &Classified{Conflict: c, Policy: policy}
	switch policy {
	case models.PolicyClientWins:
		out.Outcome = OutcomeClientKept
	case models.PolicyMostRecentWins:
		if offlineIsNewer(c) {
			out.Outcome = OutcomeClientKept
		} else {
			out.Outcome = OutcomeServerKept
		}
	case models.PolicyManual:
		out.Outcome = OutcomeNeedsReview
	default:
		out.Outcome = OutcomeServerKept
	}
	out.RefreshLocal = out.Outcome != OutcomeClientKept &&
		!bytes.Equal(bytes.TrimSpace(c.ServerValue), bytes.TrimSpace(c.OfflineValue))

	fields := map[string]interface{}{
		"entity":    c.Entity,
		"entity_id": c.EntityID,
		"field":     c.Field,
		"policy":    policy,
		"outcome":   string(out.Outcome),
	}
	if out.Outcome == OutcomeNeedsReview {
		logging.Warn("Conflict needs manual review", fields)
	} else {
		logging.Info("Conflict classified", fields)
	}
	return out, nil
}

// ClassifyAll classifies every conflict, skipping malformed ones.
func (r *Resolver) ClassifyAll(conflicts []models.Conflict) []Classified {
	out := make([]Classified, 0, len(conflicts))
	for _, c := range conflicts {
		cl, err := r.Classify(c)
		if err != nil {
			logging.Warn("Skipping malformed conflict", map[string]interface{}{
				"entity": c.Entity,
				"field":  c.Field,
			})
			continue
		}
		out = append(out, *cl)
	}
	return out
}

// Summarize counts outcomes.
func Summarize(classified []Classified) Summary {
	var s Summary
	for _, c := range classified {
		switch c.Outcome {
		case OutcomeServerKept:
			s.ServerKept++
		case OutcomeClientKept:
			s.ClientKept++
		case OutcomeNeedsReview:
			s.NeedsReview++
		}
	}
	return s
}

// offlineIsNewer compares the two values as timestamps. Values that are not
// numeric leave the server's value standing.
func offlineIsNewer(c models.Conflict) bool {
	server, ok1 := timestamp(c.ServerValue)
	offline, ok2 := timestamp(c.OfflineValue)
	return ok1 && ok2 && offline > server
}

func timestamp(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(s, 64)
	return n, err == nil
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: entity and entity_id are required"}
)

// ConflictError represents a conflict classification error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
