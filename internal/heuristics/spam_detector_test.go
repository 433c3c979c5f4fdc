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

func spamPolicy() config.SpamPolicy {
	return config.NewDefaultConfig().Spam
}

func templatedAccount(i int, created time.Time) models.AccountProfile {
	return models.AccountProfile{
		UserID:      fmt.Sprintf("spam%d", i),
		CreatedAt:   created,
		DisplayName: fmt.Sprintf("Crypto Deals %d", i),
		Bio:         fmt.Sprintf("Best crypto deals daily! Signals, free money. Join VIP code%d", i),
		Region:      "NG",
		Attributes:  map[string]string{"avatar": "default", "signup": "api"},
	}
}

func seedSpamFarm(s *memstore.Store) {
	for i := 1; i <= 5; i++ {
		s.PutProfile(templatedAccount(i, detectNow.Add(-10*time.Hour+time.Duration(i)*30*time.Minute)))
		replies := 0
		if i == 1 {
			replies = 2
		}
		s.PutMessagingStats(fmt.Sprintf("spam%d", i), models.MessagingStats{OutboundMessages: 20, UniqueTargets: 18, Replies: replies})
	}
	s.PutProfile(models.AccountProfile{
		UserID:      "organic",
		CreatedAt:   detectNow.Add(-100 * time.Hour),
		DisplayName: "Ana Ribeiro",
		Bio:         "Street photographer in Lisbon",
		Region:      "PT",
	})
	s.PutKYCStatus("organic", models.KYCVerified)
}

func TestSpamDetectorTemplatedFarm(t *testing.T) {
	s := memstore.New()
	seedSpamFarm(s)

	handler := &capturingHandler{}
	d := NewSpamDetector(s, s, s, s, spamPolicy(), zaptest.NewLogger(t),
		WithHandler(handler), WithClock(func() time.Time { return detectNow }))

	report, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, report.CandidatesScanned)
	assert.Equal(t, 1, report.Clusters)
	assert.Equal(t, 1, report.Undersized)
	assert.Equal(t, 1, report.Persisted)

	clusters, err := s.ListClusters(context.Background(), models.RiskNone, 10)
	require.NoError(t, err)
	require.Len(t, clusters, 1)

	c := clusters[0]
	assert.Equal(t, []string{"spam1", "spam2", "spam3", "spam4", "spam5"}, c.MemberIDs)
	assert.Equal(t, models.RiskHigh, c.RiskLevel)
	assert.InDelta(t, 1.0, c.SpamProbability, 1e-9)
	assert.InDelta(t, 2.0, c.Characteristics.CreationSpanHours, 1e-9)
	assert.Equal(t, 100, c.Characteristics.OutboundMessages)
	assert.InDelta(t, 0.02, c.Characteristics.ReplyRate, 1e-9)
	assert.Zero(t, c.Characteristics.KYCRate)
	for _, st := range []models.SignalType{
		models.SignalRapidCreation, models.SignalBioDuplication, models.SignalMassMessaging,
		models.SignalLowEngagement, models.SignalNoKYC,
	} {
		assert.True(t, models.HasSignal(c.Signals, st), "missing %s", st)
	}

	require.Len(t, handler.seen, 1)
	assert.Equal(t, models.KindCluster, handler.seen[0].Kind())
}

func TestSpamDetectorInsufficientSample(t *testing.T) {
	s := memstore.New()
	s.PutProfile(templatedAccount(1, detectNow.Add(-time.Hour)))
	s.PutProfile(templatedAccount(2, detectNow.Add(-time.Hour)))

	d := NewSpamDetector(s, s, s, s, spamPolicy(), zaptest.NewLogger(t), WithClock(func() time.Time { return detectNow }))
	clusters, report, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.True(t, report.InsufficientSample)
	assert.Empty(t, clusters)
}

func TestSpamDetectorIgnoresAccountsOutsideWindow(t *testing.T) {
	s := memstore.New()
	for i := 1; i <= 5; i++ {
		s.PutProfile(templatedAccount(i, detectNow.Add(-200*time.Hour)))
	}
	d := NewSpamDetector(s, s, s, s, spamPolicy(), zaptest.NewLogger(t), WithClock(func() time.Time { return detectNow }))
	clusters, report, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.CandidatesScanned)
	assert.Empty(t, clusters)
}

type profileList []models.AccountProfile

func (p profileList) ListAccountsCreatedSince(_ context.Context, _ time.Time, after string, _ int) ([]models.AccountProfile, error) {
	if after != "" {
		return nil, nil
	}
	return p, nil
}

func TestSpamDetectorSkipsMalformedCandidates(t *testing.T) {
	s := memstore.New()
	profiles := profileList{
		templatedAccount(1, detectNow.Add(-3*time.Hour)),
		templatedAccount(2, detectNow.Add(-2*time.Hour)),
		templatedAccount(3, detectNow.Add(-time.Hour)),
		{UserID: "", CreatedAt: detectNow, Bio: "no id"},
		{UserID: "ghost", Bio: "no creation time"},
	}
	d := NewSpamDetector(profiles, s, s, s, spamPolicy(), zaptest.NewLogger(t), WithClock(func() time.Time { return detectNow }))

	clusters, report, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, report.CandidatesScanned)
	assert.Equal(t, 2, report.CandidatesSkipped)
	require.Len(t, clusters, 1)
	assert.Equal(t, []string{"spam1", "spam2", "spam3"}, clusters[0].MemberIDs)
}

type brokenMessaging struct{}

func (brokenMessaging) MessagingStats(context.Context, []string) (models.MessagingStats, error) {
	return models.MessagingStats{}, errors.New("messaging service unavailable")
}

func TestSpamDetectorSkipsClusterWhenCollaboratorFails(t *testing.T) {
	s := memstore.New()
	seedSpamFarm(s)
	d := NewSpamDetector(s, brokenMessaging{}, s, s, spamPolicy(), zaptest.NewLogger(t), WithClock(func() time.Time { return detectNow }))

	report, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.CollaboratorFailed)
	assert.Zero(t, report.Persisted)
}

func TestSpamProbabilityIsBounded(t *testing.T) {
	policy := spamPolicy()
	zero := models.ClusterCharacteristics{CreationSpanHours: 1000, KYCRate: 1}
	assert.Zero(t, SpamProbability(zero, 3, SpamSignals(zero, 3, policy), policy))

	maxed := models.ClusterCharacteristics{
		AvgBioSimilarity: 1, AvgProfileOverlap: 1, OutboundMessages: 1_000_000,
	}
	got := SpamProbability(maxed, 3, SpamSignals(maxed, 3, policy), policy)
	assert.InDelta(t, 1.0, got, 1e-9)
	assert.Zero(t, SpamProbability(maxed, 0, nil, policy))
}
