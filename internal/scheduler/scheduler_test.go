package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/rawblock/ringwatch/internal/memstore"
	"github.com/rawblock/ringwatch/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// blockingJob runs until release is closed and counts entries.
func blockingJob(name string, entered *atomic.Int32, started chan<- struct{}, release <-chan struct{}) Job {
	return Job{Name: name, Run: func(ctx context.Context) (any, error) {
		entered.Add(1)
		if started != nil {
			started <- struct{}{}
		}
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}}
}

func TestRegisterRejectsDuplicatesAndBadJobs(t *testing.T) {
	s := New(zap.NewNop())
	noop := func(context.Context) (any, error) { return nil, nil }
	require.NoError(t, s.Register(Job{Name: "a", Run: noop}))
	assert.ErrorIs(t, s.Register(Job{Name: "a", Run: noop}), models.ErrConflict)
	assert.ErrorIs(t, s.Register(Job{Name: "b"}), models.ErrValidation)
	assert.ErrorIs(t, s.Register(Job{Run: noop}), models.ErrValidation)
}

func TestJobIsSingleFlight(t *testing.T) {
	s := New(zap.NewNop())
	var entered atomic.Int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	require.NoError(t, s.Register(blockingJob("rings", &entered, started, release)))

	require.NoError(t, s.Trigger("rings"))
	<-started

	assert.ErrorIs(t, s.Trigger("rings"), ErrAlreadyRunning)
	_, err := s.RunNow(context.Background(), "rings")
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.ErrorIs(t, err, models.ErrConflict)

	progress := s.Progress()
	require.Len(t, progress, 1)
	assert.True(t, progress[0].IsRunning)

	close(release)
	s.Wait()

	assert.Equal(t, int32(1), entered.Load())
	progress = s.Progress()
	assert.False(t, progress[0].IsRunning)
	assert.Equal(t, int64(1), progress[0].Runs)
	assert.Equal(t, int64(1), progress[0].Skipped)
	assert.Equal(t, "done", progress[0].LastReport)
	assert.NotNil(t, progress[0].LastFinished)
}

func TestRunNowRecordsFailures(t *testing.T) {
	s := New(zap.NewNop())
	boom := errors.New("store unavailable")
	require.NoError(t, s.Register(Job{Name: "decay", Run: func(context.Context) (any, error) { return nil, boom }}))

	_, err := s.RunNow(context.Background(), "decay")
	assert.ErrorIs(t, err, boom)

	p := s.Progress()[0]
	assert.Equal(t, int64(1), p.Failures)
	assert.Equal(t, "store unavailable", p.LastError)

	_, err = s.RunNow(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.ErrorIs(t, s.Trigger("nope"), models.ErrNotFound)
}

func TestRunTicksAndStopsCleanly(t *testing.T) {
	s := New(zap.NewNop(), WithJobTimeout(time.Second))
	var runs atomic.Int32
	require.NoError(t, s.Register(Job{Name: "sweep", Interval: 5 * time.Millisecond, Run: func(context.Context) (any, error) {
		runs.Add(1)
		return nil, nil
	}}))
	require.NoError(t, s.Register(Job{Name: "manual", Run: func(context.Context) (any, error) { return nil, nil }}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}

	for _, p := range s.Progress() {
		if p.Name == "manual" {
			assert.Zero(t, p.Runs, "on-demand jobs are never ticked")
		}
	}
}

func TestTriggeredRunStopsWithScheduler(t *testing.T) {
	s := New(zap.NewNop())
	var entered atomic.Int32
	started := make(chan struct{}, 1)
	require.NoError(t, s.Register(blockingJob("spam", &entered, started, make(chan struct{}))))
	ticked := make(chan struct{})
	var once sync.Once
	require.NoError(t, s.Register(Job{Name: "tick", Interval: time.Millisecond, Run: func(context.Context) (any, error) {
		once.Do(func() { close(ticked) })
		return nil, nil
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// The first tick proves Run has installed its context for triggers.
	<-ticked
	require.NoError(t, s.Trigger("spam"))
	<-started
	cancel()
	require.NoError(t, <-done)

	p := s.Progress()[0]
	require.Equal(t, "spam", p.Name)
	assert.Equal(t, int64(1), p.Failures)
	assert.Contains(t, p.LastError, context.Canceled.Error())
}

func TestRetentionJob(t *testing.T) {
	store := memstore.New()
	now := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	for i, reviewed := range []time.Time{now.Add(-100 * 24 * time.Hour), now.Add(-10 * 24 * time.Hour)} {
		members := []string{string(rune('a' + i)), "x", "y"}
		ring := &models.CollusionRing{ID: models.DetectionID(models.KindRing, members), MemberIDs: members, RiskLevel: models.RiskLow, Status: models.StatusDetected}
		_, err := store.UpsertRing(ctx, ring)
		require.NoError(t, err)
		require.NoError(t, store.SetEntityStatus(ctx, models.KindRing, ring.ID,
			models.Review{Status: models.StatusFalsePositive, Reviewer: "rev", At: reviewed}))
	}

	job := RetentionJob(store, 2160*time.Hour, 0, func() time.Time { return now })
	report, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, RetentionReport{Cutoff: now.Add(-2160 * time.Hour), Rings: 1, Clusters: 0}, report)

	rings, err := store.ListRings(ctx, models.RiskNone, 0)
	require.NoError(t, err)
	assert.Len(t, rings, 1)
}
