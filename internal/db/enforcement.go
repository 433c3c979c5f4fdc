package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rawblock/ringwatch/pkg/models"
)

const actionColumns = `id, user_id, source_entity_id, source_kind, level, reason, applied_at, expires_at,
	applied_by, expired_at, reversed_by, reversal_reason, reversed_at`

const sqlInsertAction = `
	INSERT INTO enforcement_actions (id, user_id, source_entity_id, source_kind, level, reason,
		applied_at, expires_at, applied_by)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

const sqlInsertFlag = `
	INSERT INTO trust_flags (user_id, flag, source_action_id, created_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (user_id, flag, source_action_id) DO NOTHING`

const sqlDeleteFlags = `DELETE FROM trust_flags WHERE source_action_id = $1`

// CreateAction stores an action together with its trust flags in one
// transaction.
func (s *Store) CreateAction(ctx context.Context, action models.EnforcementAction, flags []models.TrustFlag) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, sqlInsertAction,
			action.ID, action.UserID, action.SourceEntityID, string(action.SourceKind), string(action.Level),
			action.Reason, action.AppliedAt.UTC(), utcPtr(action.ExpiresAt), action.AppliedBy)
		if err != nil {
			return classify(err, "insert action for %s", action.UserID)
		}
		for _, f := range flags {
			if _, err := tx.Exec(ctx, sqlInsertFlag, f.UserID, f.Flag, f.SourceActionID, f.CreatedAt.UTC()); err != nil {
				return classify(err, "insert flag %s for %s", f.Flag, f.UserID)
			}
		}
		return nil
	})
}

// GetAction returns one action.
func (s *Store) GetAction(ctx context.Context, id string) (models.EnforcementAction, error) {
	a, err := scanAction(s.pool.QueryRow(ctx, `SELECT `+actionColumns+` FROM enforcement_actions WHERE id = $1`, id))
	if err != nil {
		return models.EnforcementAction{}, classify(err, "action %s", id)
	}
	return a, nil
}

// ListActionsForUser returns every action ever applied to a user, newest first.
func (s *Store) ListActionsForUser(ctx context.Context, userID string) ([]models.EnforcementAction, error) {
	return s.queryActions(ctx, "actions for "+userID, `
		SELECT `+actionColumns+` FROM enforcement_actions
		WHERE user_id = $1
		ORDER BY applied_at DESC, id`, userID)
}

// ReverseAction marks an action reversed and strips its flags. An action
// that is already reversed or expired yields ErrConflict.
func (s *Store) ReverseAction(ctx context.Context, id string, rev models.Reversal) (models.EnforcementAction, error) {
	var reversed models.EnforcementAction
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		a, err := scanAction(tx.QueryRow(ctx, `
			UPDATE enforcement_actions
			SET reversed_by = $2, reversal_reason = $3, reversed_at = $4
			WHERE id = $1 AND reversed_at IS NULL AND expired_at IS NULL
			RETURNING `+actionColumns,
			id, rev.By, rev.Reason, rev.At.UTC()))
		if err != nil {
			err = classify(err, "reverse action %s", id)
			if !isNotFound(err) {
				return err
			}
			if _, getErr := scanAction(tx.QueryRow(ctx, `SELECT `+actionColumns+` FROM enforcement_actions WHERE id = $1`, id)); getErr != nil {
				return classify(getErr, "action %s", id)
			}
			return fmt.Errorf("action %s is no longer active: %w", id, models.ErrConflict)
		}
		if _, err := tx.Exec(ctx, sqlDeleteFlags, id); err != nil {
			return classify(err, "strip flags of %s", id)
		}
		reversed = a
		return nil
	})
	return reversed, err
}

// ListExpiredActions pages through actions whose expiry is at or before now
// and that have not been swept or reversed, ordered by id.
func (s *Store) ListExpiredActions(ctx context.Context, now time.Time, afterID string, limit int) ([]models.EnforcementAction, error) {
	return s.queryActions(ctx, "expired actions", `
		SELECT `+actionColumns+` FROM enforcement_actions
		WHERE expires_at IS NOT NULL AND expires_at <= $1
			AND expired_at IS NULL AND reversed_at IS NULL
			AND id > $2
		ORDER BY id
		LIMIT $3`, now.UTC(), afterID, limitArg(limit))
}

// MarkExpired sets expired_at if the action is still unswept and unreversed,
// and strips its flags. It reports whether this call did the marking.
func (s *Store) MarkExpired(ctx context.Context, id string, at time.Time) (bool, error) {
	marked := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE enforcement_actions SET expired_at = $2
			WHERE id = $1 AND expired_at IS NULL AND reversed_at IS NULL`, id, at.UTC())
		if err != nil {
			return classify(err, "expire action %s", id)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM enforcement_actions WHERE id = $1)`, id).Scan(&exists); err != nil {
				return classify(err, "action %s", id)
			}
			if !exists {
				return fmt.Errorf("action %s: %w", id, models.ErrNotFound)
			}
			return nil
		}
		if _, err := tx.Exec(ctx, sqlDeleteFlags, id); err != nil {
			return classify(err, "strip flags of %s", id)
		}
		marked = true
		return nil
	})
	return marked, err
}

// ListTrustFlags returns the flags currently set on a user's trust profile.
func (s *Store) ListTrustFlags(ctx context.Context, userID string) ([]models.TrustFlag, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, flag, source_action_id, created_at FROM trust_flags
		WHERE user_id = $1
		ORDER BY created_at, flag`, userID)
	if err != nil {
		return nil, classify(err, "trust flags for %s", userID)
	}
	defer rows.Close()

	out := make([]models.TrustFlag, 0)
	for rows.Next() {
		var f models.TrustFlag
		if err := rows.Scan(&f.UserID, &f.Flag, &f.SourceActionID, &f.CreatedAt); err != nil {
			return nil, classify(err, "scan trust flag")
		}
		out = append(out, f)
	}
	return out, classify(rows.Err(), "trust flags for %s", userID)
}

func (s *Store) queryActions(ctx context.Context, what, sql string, args ...any) ([]models.EnforcementAction, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err, "query %s", what)
	}
	defer rows.Close()

	out := make([]models.EnforcementAction, 0)
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, classify(err, "scan %s", what)
		}
		out = append(out, a)
	}
	return out, classify(rows.Err(), "read %s", what)
}

func scanAction(row pgx.Row) (models.EnforcementAction, error) {
	var (
		a                     models.EnforcementAction
		kind, level           string
		reversedBy, revReason *string
		reversedAt            *time.Time
	)
	err := row.Scan(&a.ID, &a.UserID, &a.SourceEntityID, &kind, &level, &a.Reason, &a.AppliedAt, &a.ExpiresAt,
		&a.AppliedBy, &a.ExpiredAt, &reversedBy, &revReason, &reversedAt)
	if err != nil {
		return models.EnforcementAction{}, err
	}
	a.SourceKind = models.EntityKind(kind)
	a.Level = models.EnforcementLevel(level)
	if reversedAt != nil {
		a.Reversal = &models.Reversal{At: *reversedAt}
		if reversedBy != nil {
			a.Reversal.By = *reversedBy
		}
		if revReason != nil {
			a.Reversal.Reason = *revReason
		}
	}
	return a, nil
}
