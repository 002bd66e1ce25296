package db

import (
	"context"
	"database/sql"
	"fmt"

	apperrors "github.com/coursely/offline/internal/errors"
	"github.com/coursely/offline/internal/models"
	"github.com/coursely/offline/internal/uuid"
)

type reference struct {
	table  string
	column string
	// fold runs before the column is repointed, with ?1 the canonical id
	// and ?2 the temp id. It settles rows that would collide on a unique key.
	fold []string
}

// Completion is sticky across the fold: the canonical row absorbs the temp
// row's timestamps and completion flag.
var foldContentProgress = []string{`
UPDATE content_progress SET
	is_completed = MAX(content_progress.is_completed, t.is_completed),
	viewed_at = MAX(content_progress.viewed_at, t.viewed_at),
	completed_at = MAX(content_progress.completed_at, t.completed_at),
	updated_at = MAX(content_progress.updated_at, t.updated_at)
FROM content_progress AS t
WHERE content_progress.enrollment_id = ?1 AND t.enrollment_id = ?2
	AND t.content_id = content_progress.content_id`, `
DELETE FROM content_progress WHERE enrollment_id = ?2
	AND content_id IN (SELECT content_id FROM content_progress WHERE enrollment_id = ?1)`,
}

// A completed canonical module stays as it is; otherwise the offline row,
// which is newer, replaces it.
var foldModuleProgress = []string{`
DELETE FROM module_progress WHERE enrollment_id = ?2
	AND module_id IN (SELECT module_id FROM module_progress
		WHERE enrollment_id = ?1 AND status = '` + models.StatusCompleted + `')`,
}

// idReferences lists, per table whose ids may be minted locally, every
// column that points at that id.
var idReferences = map[string][]reference{
	"enrollments": {
		{"module_progress", "enrollment_id", foldModuleProgress},
		{"content_progress", "enrollment_id", foldContentProgress},
	},
	"quiz_attempts": {
		{"quiz_answers", "attempt_id", nil},
	},
	"offline_sessions": {
		{"offline_progress_batch", "session_id", nil},
	},
	"module_progress":  nil,
	"content_progress": nil,
	"quiz_answers":     nil,
}

// ReplaceID rewrites tempID to canonicalID everywhere it is stored.
//
// When the canonical row already exists locally (for example cached by an
// earlier online read) the temp row is folded into it: references are
// repointed and the temp row removed.
func (r *Repository) ReplaceID(ctx context.Context, table, tempID, canonicalID string) error {
	refs, ok := idReferences[table]
	if !ok {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("table %q has no locally minted ids", table))
	}
	if !uuid.IsTemp(tempID) {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("%q is not a locally minted id", tempID))
	}
	if canonicalID == "" || uuid.IsTemp(canonicalID) {
		return apperrors.New(apperrors.ErrInvalid, "canonical id must be server-assigned")
	}

	const pk = "id"
	return r.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE %s = ?)", table, pk), canonicalID).Scan(&exists)
		if err != nil {
			return dbErr("replace id", err)
		}

		if !exists {
			// ON UPDATE CASCADE carries declared foreign keys along.
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?", table, pk, pk), canonicalID, tempID); err != nil {
				return dbErr("replace id", err)
			}
		}

		for _, ref := range refs {
			if exists {
				for _, stmt := range ref.fold {
					if _, err := tx.ExecContext(ctx, stmt, canonicalID, tempID); err != nil {
						return dbErr("fold "+ref.table, err)
					}
				}
			}
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("UPDATE OR REPLACE %s SET %s = ? WHERE %s = ?", ref.table, ref.column, ref.column),
				canonicalID, tempID); err != nil {
				return dbErr("replace id reference", err)
			}
		}

		if exists {
			if _, err := tx.ExecContext(ctx,
				fmt.Sprintf("DELETE FROM %s WHERE %s = ?", table, pk), tempID); err != nil {
				return dbErr("replace id", err)
			}
		}

		// Queued mutations and unsynced batches carry ids inside their payloads.
		if _, err := tx.ExecContext(ctx,
			"UPDATE sync_queue SET record_id = ? WHERE record_id = ?", canonicalID, tempID); err != nil {
			return dbErr("replace queued record id", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE sync_queue SET data = replace(data, ?, ?) WHERE instr(data, ?) > 0",
			tempID, canonicalID, tempID); err != nil {
			return dbErr("replace queued payload id", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE offline_progress_batch SET batch_data = replace(batch_data, ?, ?) WHERE synced = 0 AND instr(batch_data, ?) > 0",
			tempID, canonicalID, tempID); err != nil {
			return dbErr("replace batch payload id", err)
		}
		return nil
	})
}

// SaveCoursePackage stores a whole package and its session in one
// transaction, in dependency order.
func (r *Repository) SaveCoursePackage(ctx context.Context, pkg *models.CoursePackage, session *models.OfflineSession) error {
	if err := pkg.Validate(); err != nil {
		return err
	}
	now := r.now().Unix()
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertUser(ctx, tx, &pkg.User, now); err != nil {
			return err
		}
		if err := upsertCourses(ctx, tx, []models.Course{pkg.Course}, now); err != nil {
			return err
		}
		if err := upsertEnrollments(ctx, tx, []models.Enrollment{pkg.Enrollment}, now); err != nil {
			return err
		}
		if err := upsertModules(ctx, tx, pkg.Modules); err != nil {
			return err
		}
		if err := upsertContentBlocks(ctx, tx, pkg.ContentBlocks); err != nil {
			return err
		}
		if err := upsertQuizzes(ctx, tx, pkg.Quizzes); err != nil {
			return err
		}
		if err := upsertQuestions(ctx, tx, pkg.Questions); err != nil {
			return err
		}
		if pkg.FinalExam != nil {
			if err := upsertQuizzes(ctx, tx, []models.Quiz{*pkg.FinalExam}); err != nil {
				return err
			}
			if err := upsertQuestions(ctx, tx, pkg.FinalExamQuestions); err != nil {
				return err
			}
		}
		if session != nil {
			return upsertSession(ctx, tx, session, now)
		}
		return nil
	})
}
