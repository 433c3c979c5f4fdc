package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rawblock/ringwatch/pkg/models"
)

func TestMergeEdgeConcurrentKeepsMax(t *testing.T) {
	s := New()
	ctx := context.Background()
	key := models.NewEdgeKey("u1", "u2", models.EdgeDevice)

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.MergeEdge(ctx, models.SignalEdge{
				EdgeKey:  key,
				Weight:   float64(i) / 50,
				Metadata: map[string]any{"producer": i},
			})
			if err != nil {
				t.Errorf("merge %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	got, err := s.GetEdge(ctx, key)
	if err != nil {
		t.Fatalf("get edge: %v", err)
	}
	if got.Weight != 1.0 {
		t.Errorf("weight = %v, want 1.0", got.Weight)
	}
	if s.EdgeCount() != 1 {
		t.Errorf("edge count = %d, want 1", s.EdgeCount())
	}
}

func TestDecayEdgeRespectsHorizon(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	horizon := now.Add(-720 * time.Hour)

	stale := models.SignalEdge{EdgeKey: models.NewEdgeKey("a", "b", models.EdgePayment), Weight: 0.5, LastSeenAt: horizon.Add(-time.Hour)}
	dying := models.SignalEdge{EdgeKey: models.NewEdgeKey("a", "c", models.EdgePayment), Weight: 0.2, LastSeenAt: horizon.Add(-time.Hour)}
	fresh := models.SignalEdge{EdgeKey: models.NewEdgeKey("b", "c", models.EdgePayment), Weight: 0.5, LastSeenAt: now}
	for _, e := range []models.SignalEdge{stale, dying, fresh} {
		s.PutEdge(e)
	}

	tests := []struct {
		key  models.EdgeKey
		want models.DecayOutcome
	}{
		{stale.EdgeKey, models.DecayLowered},
		{dying.EdgeKey, models.DecayRemoved},
		{fresh.EdgeKey, models.DecaySkipped},
	}
	for _, tt := range tests {
		got, err := s.DecayEdge(ctx, tt.key, horizon, 0.1, 0.1)
		if err != nil {
			t.Fatalf("decay %s: %v", tt.key, err)
		}
		if got != tt.want {
			t.Errorf("decay %s = %v, want %v", tt.key, got, tt.want)
		}
	}

	e, _ := s.GetEdge(ctx, stale.EdgeKey)
	if e.Weight < 0.399 || e.Weight > 0.401 {
		t.Errorf("stale weight = %v, want 0.4", e.Weight)
	}
	if _, err := s.GetEdge(ctx, dying.EdgeKey); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("dying edge should be pruned, got %v", err)
	}
}

func TestListStrongEdgesPaging(t *testing.T) {
	s := New()
	ctx := context.Background()
	users := []string{"a", "b", "c", "d", "e"}
	for i := 0; i < len(users); i++ {
		for j := i + 1; j < len(users); j++ {
			s.PutEdge(models.SignalEdge{EdgeKey: models.NewEdgeKey(users[i], users[j], models.EdgeNetwork), Weight: 0.9})
		}
	}

	var seen []models.EdgeKey
	after := models.EdgeKey{}
	for {
		page, err := s.ListStrongEdges(ctx, 0.7, after, 3)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			seen = append(seen, e.EdgeKey)
		}
		after = page[len(page)-1].EdgeKey
	}
	if len(seen) != 10 {
		t.Fatalf("paged %d edges, want 10", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if !seen[i-1].Less(seen[i]) {
			t.Fatalf("page order broken at %d: %s then %s", i, seen[i-1], seen[i])
		}
	}
}

func TestCreateCaseConflict(t *testing.T) {
	s := New()
	ctx := context.Background()
	first := &models.ModerationCase{ID: "c1", EntityID: "ring-1", Status: models.CaseOpen}
	if err := s.CreateCase(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.CreateCase(ctx, &models.ModerationCase{ID: "c2", EntityID: "ring-1", Status: models.CaseOpen})
	if !errors.Is(err, models.ErrConflict) {
		t.Fatalf("second create = %v, want ErrConflict", err)
	}
}

func TestReverseActionStripsFlags(t *testing.T) {
	s := New()
	ctx := context.Background()
	action := models.EnforcementAction{ID: "act-1", UserID: "u1", Level: models.LevelMonetizationThrottle, AppliedAt: time.Now()}
	flags := []models.TrustFlag{
		{UserID: "u1", Flag: models.FlagCollusionRisk, SourceActionID: "act-1"},
		{UserID: "u1", Flag: models.FlagMonetizationThrottled, SourceActionID: "act-1"},
		{UserID: "u1", Flag: models.FlagSpamRisk, SourceActionID: "act-0"},
	}
	if err := s.CreateAction(ctx, action, flags); err != nil {
		t.Fatalf("create action: %v", err)
	}

	if _, err := s.ReverseAction(ctx, "act-1", models.Reversal{By: "rev", Reason: "appeal", At: time.Now()}); err != nil {
		t.Fatalf("reverse: %v", err)
	}
	left, _ := s.ListTrustFlags(ctx, "u1")
	if len(left) != 1 || left[0].SourceActionID != "act-0" {
		t.Fatalf("flags after reversal = %+v", left)
	}
	if _, err := s.ReverseAction(ctx, "act-1", models.Reversal{By: "rev"}); !errors.Is(err, models.ErrConflict) {
		t.Fatalf("double reversal = %v, want ErrConflict", err)
	}
}
