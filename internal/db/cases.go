package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rawblock/ringwatch/pkg/models"
)

const caseColumns = `id, case_type, entity_id, member_ids, priority, priority_score, priority_factors,
	opened_by, status, evidence, COALESCE(assigned_to, ''), COALESCE(outcome, ''),
	COALESCE(resolved_by, ''), COALESCE(resolution_notes, ''), opened_at, updated_at, resolved_at`

// The partial unique index uq_moderation_cases_active_entity turns a racing
// second insert for the same entity into a 23505.
const sqlInsertCase = `
	INSERT INTO moderation_cases (id, case_type, entity_id, member_ids, priority, priority_score,
		priority_factors, opened_by, status, evidence, opened_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

const sqlUpdateActiveCase = `
	UPDATE moderation_cases SET
		priority = $2, priority_score = $3, priority_factors = $4, status = $5, evidence = $6,
		assigned_to = NULLIF($7, ''), outcome = NULLIF($8, ''), resolved_by = NULLIF($9, ''),
		resolution_notes = NULLIF($10, ''), updated_at = $11, resolved_at = $12
	WHERE id = $1 AND status = ANY($13)`

// CreateCase inserts a case. A duplicate id or a second active case for the
// same entity yields ErrConflict.
func (s *Store) CreateCase(ctx context.Context, c *models.ModerationCase) error {
	evidence, err := encodeJSON(c.Evidence)
	if err != nil {
		return fmt.Errorf("encode case %s evidence: %w", c.ID, err)
	}
	_, err = s.pool.Exec(ctx, sqlInsertCase,
		c.ID, string(c.Type), c.EntityID, c.MemberIDs, string(c.Priority), c.PriorityScore,
		nonNilStrings(c.PriorityFactors), c.OpenedBy, string(c.Status), evidence,
		c.OpenedAt.UTC(), c.UpdatedAt.UTC())
	if err != nil {
		return classify(err, "create case for %s", c.EntityID)
	}
	return nil
}

// FindActiveCase returns the entity's active case, or ErrNotFound.
func (s *Store) FindActiveCase(ctx context.Context, entityID string) (*models.ModerationCase, error) {
	c, err := scanCase(s.pool.QueryRow(ctx,
		`SELECT `+caseColumns+` FROM moderation_cases WHERE entity_id = $1 AND status = ANY($2)`,
		entityID, activeStatuses()))
	if err != nil {
		return nil, classify(err, "active case for %s", entityID)
	}
	return c, nil
}

// GetCase returns one case.
func (s *Store) GetCase(ctx context.Context, id string) (*models.ModerationCase, error) {
	c, err := scanCase(s.pool.QueryRow(ctx, `SELECT `+caseColumns+` FROM moderation_cases WHERE id = $1`, id))
	if err != nil {
		return nil, classify(err, "case %s", id)
	}
	return c, nil
}

// UpdateCase overwrites a case that is still active. Resolved cases are
// immutable and yield ErrConflict.
func (s *Store) UpdateCase(ctx context.Context, c *models.ModerationCase) error {
	return s.updateActiveCase(ctx, s.pool, c)
}

// ResolveCase writes the resolved case and the linked entity's review in one
// transaction.
func (s *Store) ResolveCase(ctx context.Context, c *models.ModerationCase, review models.Review) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := s.updateActiveCase(ctx, tx, c); err != nil {
			return err
		}
		return setEntityStatus(ctx, tx, c.Type.EntityKind(), c.EntityID, review)
	})
}

// caseWriter is what updateActiveCase needs from a pool or transaction.
type caseWriter interface {
	execer
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) updateActiveCase(ctx context.Context, db caseWriter, c *models.ModerationCase) error {
	evidence, err := encodeJSON(c.Evidence)
	if err != nil {
		return fmt.Errorf("encode case %s evidence: %w", c.ID, err)
	}
	tag, err := db.Exec(ctx, sqlUpdateActiveCase,
		c.ID, string(c.Priority), c.PriorityScore, nonNilStrings(c.PriorityFactors), string(c.Status), evidence,
		c.AssignedTo, string(c.Outcome), c.ResolvedBy, c.ResolutionNotes, c.UpdatedAt.UTC(), utcPtr(c.ResolvedAt),
		activeStatuses())
	if err != nil {
		return classify(err, "update case %s", c.ID)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status string
	if err := db.QueryRow(ctx, `SELECT status FROM moderation_cases WHERE id = $1`, c.ID).Scan(&status); err != nil {
		return classify(err, "case %s", c.ID)
	}
	return fmt.Errorf("case %s is %s: %w", c.ID, status, models.ErrConflict)
}

// ListActiveCases returns the review queue: highest priority first, then
// oldest first.
func (s *Store) ListActiveCases(ctx context.Context, limit int) ([]*models.ModerationCase, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+caseColumns+` FROM moderation_cases
		WHERE status = ANY($1)
		ORDER BY CASE priority
			WHEN 'CRITICAL' THEN 3 WHEN 'HIGH' THEN 2 WHEN 'MEDIUM' THEN 1 ELSE 0 END DESC,
			opened_at, id
		LIMIT $2`, activeStatuses(), limitArg(limit))
	if err != nil {
		return nil, classify(err, "list active cases")
	}
	defer rows.Close()

	out := make([]*models.ModerationCase, 0)
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, classify(err, "scan case")
		}
		out = append(out, c)
	}
	return out, classify(rows.Err(), "list active cases")
}

func activeStatuses() []string {
	out := make([]string, len(models.ActiveCaseStatuses))
	for i, st := range models.ActiveCaseStatuses {
		out[i] = string(st)
	}
	return out
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func scanCase(row pgx.Row) (*models.ModerationCase, error) {
	var (
		c                                models.ModerationCase
		caseType, priority, status, outc string
		evidence                         []byte
	)
	err := row.Scan(&c.ID, &caseType, &c.EntityID, &c.MemberIDs, &priority, &c.PriorityScore, &c.PriorityFactors,
		&c.OpenedBy, &status, &evidence, &c.AssignedTo, &outc,
		&c.ResolvedBy, &c.ResolutionNotes, &c.OpenedAt, &c.UpdatedAt, &c.ResolvedAt)
	if err != nil {
		return nil, err
	}
	c.Type = models.CaseType(caseType)
	c.Priority = models.CasePriority(priority)
	c.Status = models.CaseStatus(status)
	c.Outcome = models.CaseOutcome(outc)
	if err := decodeJSON(evidence, &c.Evidence); err != nil {
		return nil, err
	}
	return &c, nil
}
