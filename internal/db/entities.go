package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rawblock/ringwatch/pkg/models"
)

const ringColumns = `id, member_ids, size, collusion_probability, risk_level, characteristics, signals,
	status, COALESCE(case_id, ''), scoring_version, detected_at, updated_at,
	COALESCE(reviewed_by, ''), COALESCE(review_notes, ''), reviewed_at, COALESCE(reviewed_risk, '')`

const clusterColumns = `id, member_ids, size, spam_probability, risk_level, characteristics, signals,
	status, COALESCE(case_id, ''), scoring_version, detected_at, updated_at,
	COALESCE(reviewed_by, ''), COALESCE(review_notes, ''), reviewed_at, COALESCE(reviewed_risk, '')`

// Refreshes leave status, case_id, review fields and detected_at alone.
const sqlUpsertRing = `
	INSERT INTO collusion_rings (id, member_ids, size, collusion_probability, risk_level,
		characteristics, signals, status, scoring_version, detected_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (id) DO UPDATE SET
		member_ids = EXCLUDED.member_ids,
		size = EXCLUDED.size,
		collusion_probability = EXCLUDED.collusion_probability,
		risk_level = EXCLUDED.risk_level,
		characteristics = EXCLUDED.characteristics,
		signals = EXCLUDED.signals,
		scoring_version = EXCLUDED.scoring_version,
		updated_at = EXCLUDED.updated_at
	RETURNING ` + ringColumns

const sqlUpsertCluster = `
	INSERT INTO spam_clusters (id, member_ids, size, spam_probability, risk_level,
		characteristics, signals, status, scoring_version, detected_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (id) DO UPDATE SET
		member_ids = EXCLUDED.member_ids,
		size = EXCLUDED.size,
		spam_probability = EXCLUDED.spam_probability,
		risk_level = EXCLUDED.risk_level,
		characteristics = EXCLUDED.characteristics,
		signals = EXCLUDED.signals,
		scoring_version = EXCLUDED.scoring_version,
		updated_at = EXCLUDED.updated_at
	RETURNING ` + clusterColumns

// entityTable maps a kind to its table. The result is a constant, never
// caller input.
func entityTable(kind models.EntityKind) string {
	if kind == models.KindCluster {
		return "spam_clusters"
	}
	return "collusion_rings"
}

// UpsertRing inserts a ring or refreshes an existing one with the same id.
func (s *Store) UpsertRing(ctx context.Context, ring *models.CollusionRing) (*models.CollusionRing, error) {
	ch, err := encodeJSON(ring.Characteristics)
	if err != nil {
		return nil, fmt.Errorf("encode ring %s: %w", ring.ID, err)
	}
	signals, err := encodeJSON(nonNilSignals(ring.Signals))
	if err != nil {
		return nil, fmt.Errorf("encode ring %s: %w", ring.ID, err)
	}
	row := s.pool.QueryRow(ctx, sqlUpsertRing,
		ring.ID, ring.MemberIDs, ring.Size, ring.CollusionProbability, string(ring.RiskLevel),
		ch, signals, string(ring.Status), ring.ScoringVersion, ring.DetectedAt.UTC(), ring.UpdatedAt.UTC())
	stored, err := scanRing(row)
	if err != nil {
		return nil, classify(err, "upsert ring %s", ring.ID)
	}
	return stored, nil
}

// UpsertCluster is UpsertRing for spam clusters.
func (s *Store) UpsertCluster(ctx context.Context, cluster *models.SpamCluster) (*models.SpamCluster, error) {
	ch, err := encodeJSON(cluster.Characteristics)
	if err != nil {
		return nil, fmt.Errorf("encode cluster %s: %w", cluster.ID, err)
	}
	signals, err := encodeJSON(nonNilSignals(cluster.Signals))
	if err != nil {
		return nil, fmt.Errorf("encode cluster %s: %w", cluster.ID, err)
	}
	row := s.pool.QueryRow(ctx, sqlUpsertCluster,
		cluster.ID, cluster.MemberIDs, cluster.Size, cluster.SpamProbability, string(cluster.RiskLevel),
		ch, signals, string(cluster.Status), cluster.ScoringVersion, cluster.DetectedAt.UTC(), cluster.UpdatedAt.UTC())
	stored, err := scanCluster(row)
	if err != nil {
		return nil, classify(err, "upsert cluster %s", cluster.ID)
	}
	return stored, nil
}

// GetRing returns one ring.
func (s *Store) GetRing(ctx context.Context, id string) (*models.CollusionRing, error) {
	r, err := scanRing(s.pool.QueryRow(ctx, `SELECT `+ringColumns+` FROM collusion_rings WHERE id = $1`, id))
	if err != nil {
		return nil, classify(err, "ring %s", id)
	}
	return r, nil
}

// GetCluster returns one cluster.
func (s *Store) GetCluster(ctx context.Context, id string) (*models.SpamCluster, error) {
	c, err := scanCluster(s.pool.QueryRow(ctx, `SELECT `+clusterColumns+` FROM spam_clusters WHERE id = $1`, id))
	if err != nil {
		return nil, classify(err, "cluster %s", id)
	}
	return c, nil
}

// ListRings returns rings at or above minRisk, highest probability first.
func (s *Store) ListRings(ctx context.Context, minRisk models.RiskLevel, limit int) ([]*models.CollusionRing, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+ringColumns+` FROM collusion_rings
		WHERE risk_level = ANY($1)
		ORDER BY collusion_probability DESC, id
		LIMIT $2`, levelsAtLeast(minRisk), limitArg(limit))
	if err != nil {
		return nil, classify(err, "list rings")
	}
	defer rows.Close()

	out := make([]*models.CollusionRing, 0)
	for rows.Next() {
		r, err := scanRing(rows)
		if err != nil {
			return nil, classify(err, "scan ring")
		}
		out = append(out, r)
	}
	return out, classify(rows.Err(), "list rings")
}

// ListClusters returns clusters at or above minRisk, highest probability first.
func (s *Store) ListClusters(ctx context.Context, minRisk models.RiskLevel, limit int) ([]*models.SpamCluster, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+clusterColumns+` FROM spam_clusters
		WHERE risk_level = ANY($1)
		ORDER BY spam_probability DESC, id
		LIMIT $2`, levelsAtLeast(minRisk), limitArg(limit))
	if err != nil {
		return nil, classify(err, "list clusters")
	}
	defer rows.Close()

	out := make([]*models.SpamCluster, 0)
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, classify(err, "scan cluster")
		}
		out = append(out, c)
	}
	return out, classify(rows.Err(), "list clusters")
}

// GetDetection returns the ring or cluster behind an entity id.
func (s *Store) GetDetection(ctx context.Context, kind models.EntityKind, id string) (models.Detection, error) {
	if kind == models.KindCluster {
		c, err := s.GetCluster(ctx, id)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	r, err := s.GetRing(ctx, id)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// LinkCase records the case opened for an entity without touching its status.
func (s *Store) LinkCase(ctx context.Context, kind models.EntityKind, id, caseID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+entityTable(kind)+` SET case_id = $2 WHERE id = $1`, id, caseID)
	if err != nil {
		return classify(err, "link case %s to %s %s", caseID, kind, id)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, models.ErrNotFound)
	}
	return nil
}

// SetEntityStatus applies a review to a ring or cluster.
func (s *Store) SetEntityStatus(ctx context.Context, kind models.EntityKind, id string, review models.Review) error {
	return setEntityStatus(ctx, s.pool, kind, id, review)
}

// execer is the part of pgx.Tx and DBPool that status writes need.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func setEntityStatus(ctx context.Context, db execer, kind models.EntityKind, id string, review models.Review) error {
	tag, err := db.Exec(ctx, `
		UPDATE `+entityTable(kind)+`
		SET status = $2, reviewed_by = $3, review_notes = $4, reviewed_at = $5, reviewed_risk = risk_level
		WHERE id = $1`,
		id, string(review.Status), review.Reviewer, review.Notes, review.At.UTC())
	if err != nil {
		return classify(err, "set %s %s status", kind, id)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, models.ErrNotFound)
	}
	return nil
}

// DeleteFalsePositives removes FALSE_POSITIVE entities reviewed before the
// cutoff and reports how many went.
func (s *Store) DeleteFalsePositives(ctx context.Context, kind models.EntityKind, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM `+entityTable(kind)+`
		WHERE status = $1 AND reviewed_at IS NOT NULL AND reviewed_at < $2`,
		string(models.StatusFalsePositive), before.UTC())
	if err != nil {
		return 0, classify(err, "delete false-positive %ss", kind)
	}
	return int(tag.RowsAffected()), nil
}

func levelsAtLeast(min models.RiskLevel) []string {
	out := make([]string, 0, 4)
	for _, l := range []models.RiskLevel{models.RiskNone, models.RiskLow, models.RiskMedium, models.RiskHigh} {
		if l.AtLeast(min) {
			out = append(out, string(l))
		}
	}
	return out
}

func nonNilSignals(s []models.DetectionSignal) []models.DetectionSignal {
	if s == nil {
		return []models.DetectionSignal{}
	}
	return s
}

type entityRow struct {
	risk, status string
	reviewedRisk string
	ch, signals  []byte
	reviewedAt   *time.Time
}

func scanRing(row pgx.Row) (*models.CollusionRing, error) {
	var (
		r  models.CollusionRing
		er entityRow
	)
	err := row.Scan(&r.ID, &r.MemberIDs, &r.Size, &r.CollusionProbability, &er.risk, &er.ch, &er.signals,
		&er.status, &r.CaseID, &r.ScoringVersion, &r.DetectedAt, &r.UpdatedAt,
		&r.ReviewedBy, &r.ReviewNotes, &er.reviewedAt, &er.reviewedRisk)
	if err != nil {
		return nil, err
	}
	r.RiskLevel, r.Status, r.ReviewedAt = models.RiskLevel(er.risk), models.EntityStatus(er.status), er.reviewedAt
	r.ReviewedRisk = models.RiskLevel(er.reviewedRisk)
	if err := decodeJSON(er.ch, &r.Characteristics); err != nil {
		return nil, err
	}
	if err := decodeJSON(er.signals, &r.Signals); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanCluster(row pgx.Row) (*models.SpamCluster, error) {
	var (
		c  models.SpamCluster
		er entityRow
	)
	err := row.Scan(&c.ID, &c.MemberIDs, &c.Size, &c.SpamProbability, &er.risk, &er.ch, &er.signals,
		&er.status, &c.CaseID, &c.ScoringVersion, &c.DetectedAt, &c.UpdatedAt,
		&c.ReviewedBy, &c.ReviewNotes, &er.reviewedAt, &er.reviewedRisk)
	if err != nil {
		return nil, err
	}
	c.RiskLevel, c.Status, c.ReviewedAt = models.RiskLevel(er.risk), models.EntityStatus(er.status), er.reviewedAt
	c.ReviewedRisk = models.RiskLevel(er.reviewedRisk)
	if err := decodeJSON(er.ch, &c.Characteristics); err != nil {
		return nil, err
	}
	if err := decodeJSON(er.signals, &c.Signals); err != nil {
		return nil, err
	}
	return &c, nil
}
