package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/rawblock/ringwatch/internal/config"
	"github.com/rawblock/ringwatch/pkg/models"
)

// ErrMissingURI is returned when the mirror is requested without a Bolt URI.
var ErrMissingURI = errors.New("neo4j uri is required")

// CypherRunner executes a single write statement. It is the seam between
// the mirror and the Bolt driver.
type CypherRunner interface {
	ExecuteWrite(ctx context.Context, cypher string, params map[string]any) error
	Close(ctx context.Context) error
}

const (
	mergeEdgeCypher = `
MERGE (a:Account {id: $userA})
MERGE (b:Account {id: $userB})
MERGE (a)-[r:SIGNAL {type: $type}]-(b)
SET r.weight = $weight, r.lastSeenAt = $lastSeenAt`

	removeEdgeCypher = `
MATCH (a:Account {id: $userA})-[r:SIGNAL {type: $type}]-(b:Account {id: $userB})
DELETE r`
)

// Neo4jMirror keeps a copy of strong edges in Neo4j so analysts can explore
// rings with Cypher. The relational store remains the source of truth.
type Neo4jMirror struct {
	runner CypherRunner
}

// NewNeo4jMirror wraps a runner.
func NewNeo4jMirror(runner CypherRunner) *Neo4jMirror {
	return &Neo4jMirror{runner: runner}
}

// MirrorEdge upserts the relationship for one edge.
func (m *Neo4jMirror) MirrorEdge(ctx context.Context, edge models.SignalEdge) error {
	return m.runner.ExecuteWrite(ctx, mergeEdgeCypher, map[string]any{
		"userA":      edge.UserA,
		"userB":      edge.UserB,
		"type":       string(edge.Type),
		"weight":     edge.Weight,
		"lastSeenAt": edge.LastSeenAt.UTC(),
	})
}

// RemoveEdge deletes the relationship for a pruned edge.
func (m *Neo4jMirror) RemoveEdge(ctx context.Context, key models.EdgeKey) error {
	return m.runner.ExecuteWrite(ctx, removeEdgeCypher, map[string]any{
		"userA": key.UserA,
		"userB": key.UserB,
		"type":  string(key.Type),
	})
}

// Close releases the underlying driver.
func (m *Neo4jMirror) Close(ctx context.Context) error {
	return m.runner.Close(ctx)
}

type boltRunner struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewBoltRunner opens a Bolt driver and verifies connectivity.
func NewBoltRunner(ctx context.Context, cfg config.Neo4jConfig) (CypherRunner, error) {
	if cfg.URI == "" {
		return nil, ErrMissingURI
	}

	auth := neo4j.NoAuth()
	if cfg.Username != "" {
		auth = neo4j.BasicAuth(cfg.Username, cfg.Password, "")
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, auth, func(c *neo4j.Config) {
		if cfg.MaxConnections > 0 {
			c.MaxConnectionPoolSize = cfg.MaxConnections
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify graph connectivity: %w", err)
	}
	return &boltRunner{driver: driver, database: cfg.Database}, nil
}

func (r *boltRunner) ExecuteWrite(ctx context.Context, cypher string, params map[string]any) error {
	session := r.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: r.database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	return err
}

func (r *boltRunner) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}
