package heuristics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rawblock/ringwatch/internal/config"
	"github.com/rawblock/ringwatch/internal/memstore"
	"github.com/rawblock/ringwatch/pkg/models"
)

var detectNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func ringPolicy() config.RingPolicy {
	return config.NewDefaultConfig().Rings
}

func putEdge(s *memstore.Store, a, b string, t models.EdgeType, w float64) {
	s.PutEdge(models.SignalEdge{
		EdgeKey:    models.NewEdgeKey(a, b, t),
		Weight:     w,
		CreatedAt:  detectNow,
		UpdatedAt:  detectNow,
		LastSeenAt: detectNow,
	})
}

type capturingHandler struct {
	seen []models.Detection
	err  error
}

func (h *capturingHandler) HandleDetection(_ context.Context, d models.Detection) error {
	h.seen = append(h.seen, d)
	return h.err
}

func TestRingDetectorDeviceAndPaymentRing(t *testing.T) {
	s := memstore.New()
	putEdge(s, "u1", "u2", models.EdgeDevice, 1.0)
	putEdge(s, "u2", "u3", models.EdgeDevice, 1.0)
	putEdge(s, "u1", "u3", models.EdgeDevice, 1.0)
	putEdge(s, "u1", "u2", models.EdgePayment, 0.9)
	putEdge(s, "u2", "u3", models.EdgePayment, 0.9)

	handler := &capturingHandler{}
	d := NewRingDetector(s, s, ringPolicy(), zaptest.NewLogger(t),
		WithHandler(handler), WithClock(func() time.Time { return detectNow }))

	report, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Persisted)
	assert.Equal(t, 5, report.EdgesScanned)

	rings, err := s.ListRings(context.Background(), models.RiskNone, 10)
	require.NoError(t, err)
	require.Len(t, rings, 1)

	ring := rings[0]
	assert.Equal(t, []string{"u1", "u2", "u3"}, ring.MemberIDs)
	assert.Equal(t, 3, ring.Size)
	assert.Equal(t, 6, ring.Characteristics.SharedDevices)
	assert.Equal(t, 4, ring.Characteristics.InternalPayments)
	assert.Equal(t, 5, ring.Characteristics.InternalEdges)
	assert.True(t, models.HasSignal(ring.Signals, models.SignalDeviceOverlap))
	assert.True(t, models.HasSignal(ring.Signals, models.SignalPaymentLoop))
	assert.True(t, ring.RiskLevel.AtLeast(models.RiskMedium), "risk %s", ring.RiskLevel)
	assert.InDelta(t, 1.0, ring.CollusionProbability, 1e-9)
	assert.Equal(t, models.DetectionID(models.KindRing, []string{"u3", "u1", "u2"}), ring.ID)

	require.Len(t, handler.seen, 1)
	assert.Equal(t, ring.ID, handler.seen[0].EntityID())
}

func TestRingDetectorComponentsAreCompleteAndDisjoint(t *testing.T) {
	s := memstore.New()
	// Chain a-b-c-d joined only transitively, plus a separate triangle.
	putEdge(s, "a", "b", models.EdgeDevice, 0.9)
	putEdge(s, "b", "c", models.EdgeNetwork, 0.8)
	putEdge(s, "c", "d", models.EdgeDevice, 0.75)
	putEdge(s, "x", "y", models.EdgeDevice, 1.0)
	putEdge(s, "y", "z", models.EdgeDevice, 1.0)
	putEdge(s, "x", "z", models.EdgeDevice, 1.0)
	// Weak edges never join components.
	putEdge(s, "d", "x", models.EdgeSocial, 0.3)
	putEdge(s, "p", "q", models.EdgeDevice, 0.5)

	policy := ringPolicy()
	policy.MinProbability = 0
	policy.Risk.Low = 0
	policy.PageSize = 2
	d := NewRingDetector(s, nil, policy, zaptest.NewLogger(t))

	rings, report, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Components)
	require.Len(t, rings, 2)

	seen := make(map[string]int)
	for _, r := range rings {
		for _, m := range r.MemberIDs {
			seen[m]++
		}
	}
	for _, m := range []string{"a", "b", "c", "d", "x", "y", "z"} {
		assert.Equal(t, 1, seen[m], "member %s", m)
	}
	assert.NotContains(t, seen, "p")
	assert.Equal(t, []string{"a", "b", "c", "d"}, rings[0].MemberIDs)

	// d's weak tie to x does not count against isolation.
	assert.Zero(t, rings[0].Characteristics.ExternalEdges)
	assert.InDelta(t, 1.0, rings[0].Characteristics.IsolationScore, 1e-9)
}

func TestRingIsolationIgnoresWeakOutsideTies(t *testing.T) {
	s := memstore.New()
	putEdge(s, "u1", "u2", models.EdgeDevice, 1.0)
	putEdge(s, "u2", "u3", models.EdgeDevice, 1.0)
	putEdge(s, "u1", "u3", models.EdgeDevice, 1.0)
	for i, m := range []string{"u1", "u2", "u3"} {
		putEdge(s, m, fmt.Sprintf("o%d", 2*i), models.EdgeSocial, 0.2)
		putEdge(s, m, fmt.Sprintf("o%d", 2*i+1), models.EdgeBehavior, 0.2)
	}

	d := NewRingDetector(s, nil, ringPolicy(), zaptest.NewLogger(t))
	rings, _, err := d.Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, rings, 1)

	ch := rings[0].Characteristics
	assert.Equal(t, 3, ch.InternalEdges)
	assert.Zero(t, ch.ExternalEdges)
	assert.InDelta(t, 1.0, ch.IsolationScore, 1e-9)
	assert.True(t, models.HasSignal(rings[0].Signals, models.SignalClosedNetwork))
	assert.InDelta(t, 0.7, rings[0].CollusionProbability, 1e-9)
	assert.Equal(t, models.RiskMedium, rings[0].RiskLevel)
}

// lateStrongEdge reports one strong outside edge from a member's edge list
// that the strong-edge load never saw.
type lateStrongEdge struct {
	*memstore.Store
}

func (l lateStrongEdge) ListEdgesForUser(ctx context.Context, userID string, after models.EdgeKey, limit int) ([]models.SignalEdge, error) {
	page, err := l.Store.ListEdgesForUser(ctx, userID, after, limit)
	if err != nil || userID != "u1" || after != (models.EdgeKey{}) {
		return page, err
	}
	return append(page, models.SignalEdge{
		EdgeKey: models.NewEdgeKey("u1", "z9", models.EdgeDevice), Weight: 0.9,
		CreatedAt: detectNow, UpdatedAt: detectNow, LastSeenAt: detectNow,
	}), nil
}

func TestRingIsolationCountsStrongOutsideEdges(t *testing.T) {
	s := memstore.New()
	putEdge(s, "u1", "u2", models.EdgeDevice, 1.0)
	putEdge(s, "u2", "u3", models.EdgeDevice, 1.0)
	putEdge(s, "u1", "u3", models.EdgeDevice, 1.0)

	d := NewRingDetector(lateStrongEdge{s}, nil, ringPolicy(), zaptest.NewLogger(t))
	rings, _, err := d.Detect(context.Background())
	require.NoError(t, err)
	require.Len(t, rings, 1)
	assert.Equal(t, 1, rings[0].Characteristics.ExternalEdges)
	assert.InDelta(t, 0.75, rings[0].Characteristics.IsolationScore, 1e-9)
}

func TestRingDetectorDropsUndersizedComponents(t *testing.T) {
	s := memstore.New()
	putEdge(s, "a", "b", models.EdgeDevice, 1.0)

	d := NewRingDetector(s, s, ringPolicy(), zaptest.NewLogger(t))
	report, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Undersized)
	assert.Zero(t, report.Persisted)
}

type malformedEdges struct {
	*memstore.Store
	extra []models.SignalEdge
}

func (m malformedEdges) ListStrongEdges(ctx context.Context, minWeight float64, after models.EdgeKey, limit int) ([]models.SignalEdge, error) {
	page, err := m.Store.ListStrongEdges(ctx, minWeight, after, limit)
	if err != nil || (after != models.EdgeKey{}) {
		return page, err
	}
	return append(m.extra, page...), nil
}

func TestRingDetectorSkipsMalformedEdges(t *testing.T) {
	s := memstore.New()
	putEdge(s, "u1", "u2", models.EdgeDevice, 1.0)
	putEdge(s, "u2", "u3", models.EdgeDevice, 1.0)
	putEdge(s, "u1", "u3", models.EdgeDevice, 1.0)

	src := malformedEdges{Store: s, extra: []models.SignalEdge{
		{EdgeKey: models.EdgeKey{UserA: "", UserB: "u9", Type: models.EdgeDevice}, Weight: 1},
		{EdgeKey: models.EdgeKey{UserA: "u5", UserB: "u5", Type: models.EdgeDevice}, Weight: 1},
		{EdgeKey: models.EdgeKey{UserA: "u6", UserB: "u7", Type: "TELEPATHY"}, Weight: 1},
	}}
	d := NewRingDetector(src, s, ringPolicy(), zaptest.NewLogger(t))

	rings, report, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.EdgesSkipped)
	require.Len(t, rings, 1)
	assert.Equal(t, []string{"u1", "u2", "u3"}, rings[0].MemberIDs)
}

type failingRingStore struct{ calls int }

func (f *failingRingStore) UpsertRing(context.Context, *models.CollusionRing) (*models.CollusionRing, error) {
	f.calls++
	return nil, fmt.Errorf("write ring: %w", models.ErrTransient)
}

func TestRingDetectorCountsPersistFailures(t *testing.T) {
	s := memstore.New()
	putEdge(s, "u1", "u2", models.EdgeDevice, 1.0)
	putEdge(s, "u2", "u3", models.EdgeDevice, 1.0)

	store := &failingRingStore{}
	d := NewRingDetector(s, store, ringPolicy(), zaptest.NewLogger(t), WithRetry(2, time.Millisecond))

	report, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.PersistFailed)
	assert.Equal(t, 2, store.calls)
}

func TestRingDetectorHandlerFailureDoesNotAbort(t *testing.T) {
	s := memstore.New()
	putEdge(s, "u1", "u2", models.EdgeDevice, 1.0)
	putEdge(s, "u2", "u3", models.EdgeDevice, 1.0)

	handler := &capturingHandler{err: errors.New("case store down")}
	d := NewRingDetector(s, s, ringPolicy(), zaptest.NewLogger(t), WithHandler(handler))

	report, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Persisted)
	assert.Equal(t, 1, report.HandlerFailed)
}

func TestRingProbabilityIsBounded(t *testing.T) {
	policy := ringPolicy()
	tests := []struct {
		name string
		ch   models.RingCharacteristics
		size int
		want float64
	}{
		{name: "empty", ch: models.RingCharacteristics{}, size: 3, want: 0},
		{name: "zero size", ch: models.RingCharacteristics{SharedDevices: 10}, size: 0, want: 0},
		{
			name: "saturated",
			ch: models.RingCharacteristics{
				SharedDevices: 1000, SharedNetworks: 1000, InternalPayments: 1000,
				InternalEdges: 500, AvgInternalWeight: 1, IsolationScore: 1,
			},
			size: 3,
			want: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signals := RingSignals(tt.ch, tt.size, policy)
			got := RingProbability(tt.ch, tt.size, signals, policy)
			assert.InDelta(t, tt.want, got, 1e-9)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 1.0)
		})
	}
}

func TestRiskFor(t *testing.T) {
	th := config.RiskThresholds{High: 0.85, Medium: 0.6, Low: 0.3}
	tests := []struct {
		p    float64
		want models.RiskLevel
	}{
		{0.0, models.RiskNone},
		{0.29, models.RiskNone},
		{0.3, models.RiskLow},
		{0.6, models.RiskMedium},
		{0.849, models.RiskMedium},
		{0.85, models.RiskHigh},
		{1.0, models.RiskHigh},
	}
	for _, tt := range tests {
		if got := RiskFor(tt.p, th); got != tt.want {
			t.Errorf("RiskFor(%v) = %s, want %s", tt.p, got, tt.want)
		}
	}
}

func TestComponentIndex(t *testing.T) {
	c := newComponentIndex()
	assert.True(t, c.Union("a", "b"))
	assert.True(t, c.Union("c", "d"))
	assert.False(t, c.Union("b", "a"))
	assert.True(t, c.Union("b", "d"))
	c.Find("lonely")

	assert.Equal(t, 5, c.Len())
	assert.Equal(t, [][]string{{"a", "b", "c", "d"}, {"lonely"}}, c.Components())
	assert.Equal(t, c.Find("a"), c.Find("d"))
}
