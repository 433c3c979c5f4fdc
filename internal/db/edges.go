package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rawblock/ringwatch/pkg/models"
)

const edgeColumns = `user_a, user_b, edge_type, weight, metadata, created_at, updated_at, last_seen_at`

const sqlMergeEdge = `
	INSERT INTO signal_edges (user_a, user_b, edge_type, weight, metadata, created_at, updated_at, last_seen_at)
	VALUES ($1, $2, $3, $4, $5, $6, $6, $6)
	ON CONFLICT (user_a, user_b, edge_type) DO UPDATE SET
		weight = GREATEST(signal_edges.weight, EXCLUDED.weight),
		metadata = signal_edges.metadata || EXCLUDED.metadata,
		last_seen_at = GREATEST(signal_edges.last_seen_at, EXCLUDED.last_seen_at),
		updated_at = GREATEST(signal_edges.updated_at, EXCLUDED.updated_at)
	RETURNING ` + edgeColumns

// Both branches re-check the horizon; under READ COMMITTED a concurrent
// reinforcement that moved last_seen_at makes the row fall out of both.
const sqlDecayEdge = `
	WITH removed AS (
		DELETE FROM signal_edges
		WHERE user_a = $1 AND user_b = $2 AND edge_type = $3
			AND last_seen_at < $4 AND weight - $5 <= $6
		RETURNING 1
	), lowered AS (
		UPDATE signal_edges SET weight = GREATEST(weight - $5, 0), updated_at = $7
		WHERE user_a = $1 AND user_b = $2 AND edge_type = $3
			AND last_seen_at < $4 AND weight - $5 > $6
		RETURNING 1
	)
	SELECT (SELECT COUNT(*) FROM removed), (SELECT COUNT(*) FROM lowered)`

// MergeEdge creates the edge or reinforces it in one upsert: weight is the
// max of old and new, metadata is merged with the new value winning.
func (s *Store) MergeEdge(ctx context.Context, edge models.SignalEdge) (models.SignalEdge, error) {
	at := edge.LastSeenAt
	if at.IsZero() {
		at = s.now()
	}
	meta, err := encodeJSON(nonNilMetadata(edge.Metadata))
	if err != nil {
		return models.SignalEdge{}, fmt.Errorf("encode metadata for %s: %w", edge.EdgeKey, models.ErrValidation)
	}

	row := s.pool.QueryRow(ctx, sqlMergeEdge,
		edge.UserA, edge.UserB, string(edge.Type), models.ClampWeight(edge.Weight), meta, at.UTC())
	merged, err := scanEdge(row)
	if err != nil {
		return models.SignalEdge{}, classify(err, "merge edge %s", edge.EdgeKey)
	}
	return merged, nil
}

// GetEdge returns one edge by key.
func (s *Store) GetEdge(ctx context.Context, key models.EdgeKey) (models.SignalEdge, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+edgeColumns+` FROM signal_edges WHERE user_a = $1 AND user_b = $2 AND edge_type = $3`,
		key.UserA, key.UserB, string(key.Type))
	e, err := scanEdge(row)
	if err != nil {
		return models.SignalEdge{}, classify(err, "edge %s", key)
	}
	return e, nil
}

// ListEdgesForUser pages through every edge touching userID.
func (s *Store) ListEdgesForUser(ctx context.Context, userID string, after models.EdgeKey, limit int) ([]models.SignalEdge, error) {
	return s.queryEdges(ctx, "edges for user "+userID, `
		SELECT `+edgeColumns+` FROM signal_edges
		WHERE (user_a = $1 OR user_b = $1) AND (user_a, user_b, edge_type) > ($2, $3, $4)
		ORDER BY user_a, user_b, edge_type
		LIMIT $5`,
		userID, after.UserA, after.UserB, string(after.Type), limitArg(limit))
}

// ListEdgesBetween returns every typed edge for the canonical pair.
func (s *Store) ListEdgesBetween(ctx context.Context, userA, userB string) ([]models.SignalEdge, error) {
	k := models.NewEdgeKey(userA, userB, "")
	return s.queryEdges(ctx, "edges between "+k.UserA+" and "+k.UserB, `
		SELECT `+edgeColumns+` FROM signal_edges
		WHERE user_a = $1 AND user_b = $2
		ORDER BY edge_type`,
		k.UserA, k.UserB)
}

// ListStrongEdges pages through edges at or above minWeight.
func (s *Store) ListStrongEdges(ctx context.Context, minWeight float64, after models.EdgeKey, limit int) ([]models.SignalEdge, error) {
	return s.queryEdges(ctx, "strong edges", `
		SELECT `+edgeColumns+` FROM signal_edges
		WHERE weight >= $1 AND (user_a, user_b, edge_type) > ($2, $3, $4)
		ORDER BY user_a, user_b, edge_type
		LIMIT $5`,
		minWeight, after.UserA, after.UserB, string(after.Type), limitArg(limit))
}

// ListStaleEdges pages through edges last seen before the cutoff.
func (s *Store) ListStaleEdges(ctx context.Context, before time.Time, after models.EdgeKey, limit int) ([]models.SignalEdge, error) {
	return s.queryEdges(ctx, "stale edges", `
		SELECT `+edgeColumns+` FROM signal_edges
		WHERE last_seen_at < $1 AND (user_a, user_b, edge_type) > ($2, $3, $4)
		ORDER BY user_a, user_b, edge_type
		LIMIT $5`,
		before.UTC(), after.UserA, after.UserB, string(after.Type), limitArg(limit))
}

// ListEdgesAmong pages through edges whose both endpoints are in members.
func (s *Store) ListEdgesAmong(ctx context.Context, members []string, after models.EdgeKey, limit int) ([]models.SignalEdge, error) {
	return s.queryEdges(ctx, "edges among members", `
		SELECT `+edgeColumns+` FROM signal_edges
		WHERE user_a = ANY($1) AND user_b = ANY($1) AND (user_a, user_b, edge_type) > ($2, $3, $4)
		ORDER BY user_a, user_b, edge_type
		LIMIT $5`,
		members, after.UserA, after.UserB, string(after.Type), limitArg(limit))
}

// DecayEdge lowers or deletes one stale edge in a single statement.
func (s *Store) DecayEdge(ctx context.Context, key models.EdgeKey, before time.Time, rate, floor float64) (models.DecayOutcome, error) {
	var removed, lowered int64
	err := s.pool.QueryRow(ctx, sqlDecayEdge,
		key.UserA, key.UserB, string(key.Type), before.UTC(), rate, floor+models.WeightEpsilon, s.now()).
		Scan(&removed, &lowered)
	if err != nil {
		return models.DecaySkipped, classify(err, "decay edge %s", key)
	}
	switch {
	case removed > 0:
		return models.DecayRemoved, nil
	case lowered > 0:
		return models.DecayLowered, nil
	}
	return models.DecaySkipped, nil
}

func (s *Store) queryEdges(ctx context.Context, what string, sql string, args ...any) ([]models.SignalEdge, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err, "query %s", what)
	}
	defer rows.Close()

	edges := make([]models.SignalEdge, 0)
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, classify(err, "scan %s", what)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "read %s", what)
	}
	return edges, nil
}

func scanEdge(row pgx.Row) (models.SignalEdge, error) {
	var (
		e        models.SignalEdge
		edgeType string
		meta     []byte
	)
	if err := row.Scan(&e.UserA, &e.UserB, &edgeType, &e.Weight, &meta, &e.CreatedAt, &e.UpdatedAt, &e.LastSeenAt); err != nil {
		return models.SignalEdge{}, err
	}
	e.Type = models.EdgeType(edgeType)
	if err := decodeJSON(meta, &e.Metadata); err != nil {
		return models.SignalEdge{}, err
	}
	if len(e.Metadata) == 0 {
		e.Metadata = nil
	}
	return e, nil
}

func nonNilMetadata(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// encodeJSON renders a value for a JSONB parameter.
func encodeJSON(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// decodeJSON reads a JSONB column; NULL or empty leaves dst untouched.
func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
