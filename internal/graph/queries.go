package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/rawblock/ringwatch/pkg/models"
)

// DefaultPageSize bounds a single query page when the caller passes zero.
const DefaultPageSize = 500

// EdgesForUser returns one page of the user's edges after the given key.
func (g *Maintenance) EdgesForUser(ctx context.Context, userID string, after models.EdgeKey, limit int) ([]models.SignalEdge, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", models.ErrValidation)
	}
	return g.store.ListEdgesForUser(ctx, userID, after, pageSize(limit))
}

// EdgesBetween returns every typed edge linking the pair, in either order.
func (g *Maintenance) EdgesBetween(ctx context.Context, userA, userB string) ([]models.SignalEdge, error) {
	if userA == "" || userB == "" {
		return nil, fmt.Errorf("%w: both user ids are required", models.ErrValidation)
	}
	return g.store.ListEdgesBetween(ctx, userA, userB)
}

// StrongEdges walks every edge at or above minWeight page by page, handing
// each page to fn. Returning an error from fn stops the walk.
func (g *Maintenance) StrongEdges(ctx context.Context, minWeight float64, limit int, fn func([]models.SignalEdge) error) error {
	return walk(ctx, func(after models.EdgeKey) ([]models.SignalEdge, error) {
		return g.store.ListStrongEdges(ctx, minWeight, after, pageSize(limit))
	}, pageSize(limit), fn)
}

// ConnectedUsers lists the distinct users sharing any edge with userID,
// sorted.
func (g *Maintenance) ConnectedUsers(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", models.ErrValidation)
	}
	seen := make(map[string]struct{})
	err := walk(ctx, func(after models.EdgeKey) ([]models.SignalEdge, error) {
		return g.store.ListEdgesForUser(ctx, userID, after, DefaultPageSize)
	}, DefaultPageSize, func(page []models.SignalEdge) error {
		for _, e := range page {
			seen[e.Other(userID)] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Subgraph returns every edge with both endpoints in memberIDs.
func (g *Maintenance) Subgraph(ctx context.Context, memberIDs []string) ([]models.SignalEdge, error) {
	members := models.SortedMembers(memberIDs)
	if len(members) < 2 {
		return []models.SignalEdge{}, nil
	}
	out := make([]models.SignalEdge, 0)
	err := walk(ctx, func(after models.EdgeKey) ([]models.SignalEdge, error) {
		return g.store.ListEdgesAmong(ctx, members, after, DefaultPageSize)
	}, DefaultPageSize, func(page []models.SignalEdge) error {
		out = append(out, page...)
		return nil
	})
	return out, err
}

func walk(ctx context.Context, list func(after models.EdgeKey) ([]models.SignalEdge, error), limit int, fn func([]models.SignalEdge) error) error {
	after := models.EdgeKey{}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := list(after)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if len(page) < limit {
			return nil
		}
		after = page[len(page)-1].EdgeKey
	}
}

func pageSize(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	return limit
}
