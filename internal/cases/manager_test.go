package cases

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rawblock/ringwatch/internal/memstore"
	"github.com/rawblock/ringwatch/pkg/models"
)

var caseNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func seedRing(t *testing.T, store *memstore.Store, members ...string) *models.CollusionRing {
	t.Helper()
	ring := &models.CollusionRing{
		ID:                   models.DetectionID(models.KindRing, members),
		MemberIDs:            models.SortedMembers(members),
		Size:                 len(members),
		CollusionProbability: 0.9,
		RiskLevel:            models.RiskHigh,
		Characteristics:      models.RingCharacteristics{SharedDevices: 6, InternalPayments: 4, InternalEdges: 5, IsolationScore: 1},
		Signals: []models.DetectionSignal{
			{Type: models.SignalDeviceOverlap, Severity: 1, Description: "3 accounts share devices"},
			{Type: models.SignalPaymentLoop, Severity: 0.5, Description: "2 internal payment edges"},
		},
		Status:     models.StatusDetected,
		DetectedAt: caseNow,
		UpdatedAt:  caseNow,
	}
	stored, err := store.UpsertRing(context.Background(), ring)
	require.NoError(t, err)
	return stored
}

func newTestManager(store *memstore.Store) *Manager {
	return NewManager(store, zap.NewNop(), WithClock(func() time.Time { return caseNow }))
}

func TestOpenCaseIsIdempotent(t *testing.T) {
	store := memstore.New()
	ring := seedRing(t, store, "u1", "u2", "u3")
	m := newTestManager(store)

	first, created, err := m.OpenCase(context.Background(), ring, "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.SystemActor, first.OpenedBy)
	assert.Equal(t, models.CaseOpen, first.Status)
	assert.Equal(t, models.CaseCollusionRing, first.Type)
	assert.Len(t, first.Evidence.Signals, 2)
	assert.Contains(t, first.Evidence.Summary, "collusion probability 0.90")
	assert.EqualValues(t, 6, first.Evidence.Characteristics["sharedDevices"])

	second, created, err := m.OpenCase(context.Background(), ring, "rev-1")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	linked, err := store.GetRing(context.Background(), ring.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, linked.CaseID)
	assert.Equal(t, models.StatusDetected, linked.Status)
}

func TestOpenCaseConcurrentCallersShareOneCase(t *testing.T) {
	store := memstore.New()
	ring := seedRing(t, store, "u1", "u2", "u3")
	m := newTestManager(store)

	const callers = 16
	ids := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			c, _, err := m.OpenCase(context.Background(), ring, models.SystemActor)
			errs[i] = err
			if c != nil {
				ids[i] = c.ID
			}
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, store.CaseCount(ring.ID))
}

func TestScorePriority(t *testing.T) {
	members := func(n int) []string {
		out := make([]string, n)
		for i := range out {
			out[i] = string(rune('a' + i))
		}
		return out
	}
	device := []models.DetectionSignal{{Type: models.SignalDeviceOverlap}}
	rapid := []models.DetectionSignal{{Type: models.SignalRapidCreation}}

	tests := []struct {
		name  string
		d     models.Detection
		score int
		band  models.CasePriority
	}{
		{
			name: "large high-risk ring with heavy payments",
			d: &models.CollusionRing{MemberIDs: members(12), RiskLevel: models.RiskHigh, Signals: device,
				Characteristics: models.RingCharacteristics{InternalPayments: 10}},
			score: 100, band: models.PriorityCritical,
		},
		{
			name: "small medium-risk ring",
			d: &models.CollusionRing{MemberIDs: members(3), RiskLevel: models.RiskMedium, Signals: device,
				Characteristics: models.RingCharacteristics{InternalPayments: 4}},
			score: 40, band: models.PriorityMedium,
		},
		{
			name:  "mid-size high-risk ring without volume",
			d:     &models.CollusionRing{MemberIDs: members(5), RiskLevel: models.RiskHigh},
			score: 55, band: models.PriorityHigh,
		},
		{
			name: "rapid spam cluster",
			d: &models.SpamCluster{MemberIDs: members(5), RiskLevel: models.RiskHigh, Signals: rapid,
				Characteristics: models.ClusterCharacteristics{OutboundMessages: 100}},
			score: 75, band: models.PriorityCritical,
		},
		{
			name:  "quiet low-risk cluster",
			d:     &models.SpamCluster{MemberIDs: members(3), RiskLevel: models.RiskLow},
			score: 10, band: models.PriorityLow,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ScorePriority(tt.d)
			assert.Equal(t, tt.score, p.Score)
			assert.Equal(t, tt.band, p.Band)
			assert.NotEmpty(t, p.Factors)
		})
	}
}

func TestResolveWritesEntityStatus(t *testing.T) {
	tests := []struct {
		outcome models.CaseOutcome
		want    models.EntityStatus
	}{
		{models.OutcomePermanentSuspension, models.StatusConfirmed},
		{models.OutcomeNoAction, models.StatusFalsePositive},
		{models.OutcomeSoftRestriction, models.StatusUnderReview},
		{models.OutcomeTemporarySuspension, models.StatusUnderReview},
	}
	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			store := memstore.New()
			ring := seedRing(t, store, "u1", "u2", "u3")
			m := newTestManager(store)

			c, _, err := m.OpenCase(context.Background(), ring, "")
			require.NoError(t, err)

			resolved, err := m.Resolve(context.Background(), c.ID, tt.outcome, "rev-9", "checked device logs")
			require.NoError(t, err)
			assert.Equal(t, models.CaseResolved, resolved.Status)
			assert.Equal(t, "rev-9", resolved.ResolvedBy)
			require.NotNil(t, resolved.ResolvedAt)

			got, err := store.GetRing(context.Background(), ring.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, "rev-9", got.ReviewedBy)
			assert.Equal(t, "checked device logs", got.ReviewNotes)
		})
	}
}

func TestResolvedCaseIsImmutable(t *testing.T) {
	store := memstore.New()
	ring := seedRing(t, store, "u1", "u2", "u3")
	m := newTestManager(store)

	c, _, err := m.OpenCase(context.Background(), ring, "")
	require.NoError(t, err)
	_, err = m.Resolve(context.Background(), c.ID, models.OutcomeNoAction, "rev-1", "")
	require.NoError(t, err)

	_, err = m.Assign(context.Background(), c.ID, "rev-2")
	assert.ErrorIs(t, err, models.ErrConflict)
	_, err = m.Resolve(context.Background(), c.ID, models.OutcomePermanentSuspension, "rev-2", "")
	assert.ErrorIs(t, err, models.ErrConflict)

	// A fresh detection run may open a new case once the old one is closed.
	next, created, err := m.OpenCase(context.Background(), ring, "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, c.ID, next.ID)
}

func TestAssignAndEscalate(t *testing.T) {
	store := memstore.New()
	ring := seedRing(t, store, "u1", "u2", "u3")
	m := newTestManager(store)

	c, _, err := m.OpenCase(context.Background(), ring, "")
	require.NoError(t, err)
	require.Equal(t, models.PriorityHigh, c.Priority)

	assigned, err := m.Assign(context.Background(), c.ID, "rev-1")
	require.NoError(t, err)
	assert.Equal(t, models.CaseUnderReview, assigned.Status)
	assert.Equal(t, "rev-1", assigned.AssignedTo)

	escalated, err := m.Escalate(context.Background(), c.ID, "rev-1", "linked to payout fraud")
	require.NoError(t, err)
	assert.Equal(t, models.CaseEscalated, escalated.Status)
	assert.Equal(t, models.PriorityCritical, escalated.Priority)

	again, err := m.Escalate(context.Background(), c.ID, "rev-1", "")
	require.NoError(t, err)
	assert.Equal(t, models.PriorityCritical, again.Priority)

	// Escalated cases still block a duplicate.
	same, created, err := m.OpenCase(context.Background(), ring, "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, c.ID, same.ID)

	_, err = m.Assign(context.Background(), c.ID, " ")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestReviewQueueOrdersByPriorityThenAge(t *testing.T) {
	store := memstore.New()
	clock := caseNow
	m := NewManager(store, zap.NewNop(), WithClock(func() time.Time { return clock }))

	old := seedRing(t, store, "a1", "a2", "a3")
	young := seedRing(t, store, "b1", "b2", "b3")
	low := &models.SpamCluster{
		ID: models.DetectionID(models.KindCluster, []string{"c1", "c2", "c3"}), MemberIDs: []string{"c1", "c2", "c3"},
		Size: 3, SpamProbability: 0.35, RiskLevel: models.RiskLow, Status: models.StatusDetected,
	}
	_, err := store.UpsertCluster(context.Background(), low)
	require.NoError(t, err)

	ids := make(map[string]string)
	for _, d := range []models.Detection{low, old, young} {
		c, _, err := m.OpenCase(context.Background(), d, "")
		require.NoError(t, err)
		ids[d.EntityID()] = c.ID
		clock = clock.Add(time.Minute)
	}

	queue, err := m.ReviewQueue(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, queue, 3)
	assert.Equal(t, ids[old.ID], queue[0].ID)
	assert.Equal(t, ids[young.ID], queue[1].ID)
	assert.Equal(t, ids[low.ID], queue[2].ID)
}

func TestOverrideStatus(t *testing.T) {
	store := memstore.New()
	ring := seedRing(t, store, "u1", "u2", "u3")
	m := newTestManager(store)

	err := m.OverrideStatus(context.Background(), models.KindRing, ring.ID, "BOGUS", "rev-1", "")
	assert.ErrorIs(t, err, models.ErrValidation)

	err = m.OverrideStatus(context.Background(), models.KindRing, "missing", models.StatusConfirmed, "rev-1", "")
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, m.OverrideStatus(context.Background(), models.KindRing, ring.ID, models.StatusFalsePositive, "rev-1", "shared office wifi"))
	got, err := store.GetRing(context.Background(), ring.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFalsePositive, got.Status)
	assert.Equal(t, "shared office wifi", got.ReviewNotes)
}

func TestGetUnknownCase(t *testing.T) {
	m := newTestManager(memstore.New())
	_, err := m.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
