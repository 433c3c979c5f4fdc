package heuristics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rawblock/ringwatch/internal/config"
	"github.com/rawblock/ringwatch/internal/graph"
	"github.com/rawblock/ringwatch/pkg/models"
	"go.uber.org/zap"
)

// Spam Cluster Detector
//
// Finds batches of freshly created, near-identical accounts: the signature
// of commercial spam operations that register accounts from one template and
// start mass-messaging.
//
//  1. Page in accounts created inside the recent window; stop if fewer than
//     the minimum candidate count.
//  2. Greedy clustering in creation order: each unassigned account seeds a
//     cluster and absorbs unassigned accounts created within the tolerance
//     of the seed whose similarity to the seed clears the threshold.
//  3. Drop clusters below the minimum size.
//  4. Measure creation span, pairwise bio/profile similarity, messaging
//     totals and KYC progression.
//  5. Raise signals and score:
//       0.30 · (1 − span/tolerance)
//     + 0.25 · max(avg bio, avg profile similarity)
//     + 0.20 · min(1, avg outbound / (2 · mass threshold))
//     + 0.15 · (1 − reply rate / low-reply threshold)
//     + 0.10 · (1 − KYC rate)
//     + 0.10 if 4+ distinct signal types fired
//     clamped to [0,1].
//  6. Persist clusters at or above the probability floor.

// ProfileSource pages through recently created accounts.
type ProfileSource interface {
	ListAccountsCreatedSince(ctx context.Context, since time.Time, afterUserID string, limit int) ([]models.AccountProfile, error)
}

// MessagingSource aggregates outbound messaging for a member set.
type MessagingSource interface {
	MessagingStats(ctx context.Context, userIDs []string) (models.MessagingStats, error)
}

// KYCSource reports verification state per user.
type KYCSource interface {
	VerificationStatus(ctx context.Context, userIDs []string) (map[string]models.KYCStatus, error)
}

// ClusterStore persists detected spam clusters.
type ClusterStore interface {
	UpsertCluster(ctx context.Context, cluster *models.SpamCluster) (*models.SpamCluster, error)
}

// SpamReport summarizes one detection run.
type SpamReport struct {
	PolicyVersion       string                   `json:"policyVersion"`
	CandidatesScanned   int                      `json:"candidatesScanned"`
	CandidatesSkipped   int                      `json:"candidatesSkipped"`
	InsufficientSample  bool                     `json:"insufficientSample"`
	Clusters            int                      `json:"clusters"`
	Undersized          int                      `json:"undersized"`
	CollaboratorFailed  int                      `json:"collaboratorFailed"`
	BelowFloor          int                      `json:"belowFloor"`
	Persisted           int                      `json:"persisted"`
	PersistFailed       int                      `json:"persistFailed"`
	HandlerFailed       int                      `json:"handlerFailed"`
	ClustersByRisk      map[models.RiskLevel]int `json:"clustersByRisk"`
}

// SpamDetector runs spam-cluster detection under one scoring policy.
type SpamDetector struct {
	detectorBase
	profiles  ProfileSource
	messaging MessagingSource
	kyc       KYCSource
	store     ClusterStore
	policy    config.SpamPolicy
}

// NewSpamDetector wires a detector. store may be nil for dry runs through
// Detect.
func NewSpamDetector(profiles ProfileSource, messaging MessagingSource, kyc KYCSource, store ClusterStore, policy config.SpamPolicy, logger *zap.Logger, opts ...DetectorOption) *SpamDetector {
	return &SpamDetector{
		detectorBase: newDetectorBase(logger, "spam_detector", opts),
		profiles:     profiles,
		messaging:    messaging,
		kyc:          kyc,
		store:        store,
		policy:       policy,
	}
}

// Detect computes spam clusters without persisting them.
func (d *SpamDetector) Detect(ctx context.Context) ([]*models.SpamCluster, SpamReport, error) {
	report := SpamReport{PolicyVersion: d.policy.Version, ClustersByRisk: make(map[models.RiskLevel]int)}
	now := d.now()

	candidates, err := d.loadCandidates(ctx, now.Add(-d.policy.RecentWindow), &report)
	if err != nil {
		return nil, report, err
	}
	d.metrics.Skipped(models.KindCluster, report.CandidatesSkipped)
	if len(candidates) < d.policy.MinCandidates {
		report.InsufficientSample = true
		return []*models.SpamCluster{}, report, nil
	}

	clusters := make([]*models.SpamCluster, 0)
	for _, group := range d.group(candidates) {
		if len(group) < d.policy.MinClusterSize {
			report.Undersized++
			continue
		}
		report.Clusters++
		cluster, err := d.score(ctx, group, now)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, report, ctxErr
			}
			report.CollaboratorFailed++
			d.log.Warn("Skipping cluster; collaborator unavailable", zap.Int("size", len(group)), zap.Error(err))
			continue
		}
		if cluster.SpamProbability < d.policy.MinProbability || cluster.RiskLevel == models.RiskNone {
			report.BelowFloor++
			continue
		}
		clusters = append(clusters, cluster)
	}
	return clusters, report, nil
}

// Run detects clusters, persists each one and hands it to the handler.
func (d *SpamDetector) Run(ctx context.Context) (SpamReport, error) {
	if d.store == nil {
		return SpamReport{}, errors.New("spam detector has no store")
	}
	clusters, report, err := d.Detect(ctx)
	if err != nil {
		return report, err
	}

	for _, cluster := range clusters {
		var stored *models.SpamCluster
		err := graph.Retry(ctx, d.retryAttempts, d.retryBackoff, func() error {
			var upsertErr error
			stored, upsertErr = d.store.UpsertCluster(ctx, cluster)
			return upsertErr
		})
		if err != nil {
			report.PersistFailed++
			d.log.Error("Failed to persist spam cluster", zap.String("cluster_id", cluster.ID), zap.Error(err))
			continue
		}
		report.Persisted++
		report.ClustersByRisk[stored.RiskLevel]++
		d.metrics.Detected(models.KindCluster, stored.RiskLevel)

		if d.handler != nil {
			if err := d.handler.HandleDetection(ctx, stored); err != nil {
				report.HandlerFailed++
				d.log.Warn("Cluster follow-up failed", zap.String("cluster_id", stored.ID), zap.Error(err))
			}
		}
	}

	d.log.Info("Spam detection complete",
		zap.String("policy", report.PolicyVersion),
		zap.Int("candidates", report.CandidatesScanned),
		zap.Int("skipped", report.CandidatesSkipped),
		zap.Int("clusters", report.Clusters),
		zap.Int("persisted", report.Persisted),
		zap.Int("high", report.ClustersByRisk[models.RiskHigh]),
		zap.Int("medium", report.ClustersByRisk[models.RiskMedium]))
	return report, nil
}

func (d *SpamDetector) loadCandidates(ctx context.Context, since time.Time, report *SpamReport) ([]profileFeatures, error) {
	var out []profileFeatures
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var page []models.AccountProfile
		err := graph.Retry(ctx, d.retryAttempts, d.retryBackoff, func() error {
			var listErr error
			page, listErr = d.profiles.ListAccountsCreatedSince(ctx, since, after, d.policy.PageSize)
			return listErr
		})
		if err != nil {
			return nil, fmt.Errorf("load candidates after %q: %w", after, err)
		}
		for _, p := range page {
			report.CandidatesScanned++
			if p.UserID == "" || p.CreatedAt.IsZero() {
				report.CandidatesSkipped++
				continue
			}
			out = append(out, newProfileFeatures(p))
		}
		if len(page) < d.policy.PageSize {
			break
		}
		after = page[len(page)-1].UserID
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].profile, out[j].profile
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.UserID < b.UserID
	})
	return out, nil
}

// group runs the greedy seed clustering over creation-ordered candidates.
func (d *SpamDetector) group(candidates []profileFeatures) [][]profileFeatures {
	assigned := make([]bool, len(candidates))
	var groups [][]profileFeatures
	for i, seed := range candidates {
		if assigned[i] {
			continue
		}
		assigned[i] = true
		group := []profileFeatures{seed}
		for j := i + 1; j < len(candidates); j++ {
			if assigned[j] {
				continue
			}
			gap := candidates[j].profile.CreatedAt.Sub(seed.profile.CreatedAt)
			if gap > d.policy.CreationTolerance {
				break // creation-ordered: nothing later can be within tolerance
			}
			if compareProfiles(seed, candidates[j]).Score() >= d.policy.SimilarityThreshold {
				assigned[j] = true
				group = append(group, candidates[j])
			}
		}
		groups = append(groups, group)
	}
	return groups
}

func (d *SpamDetector) score(ctx context.Context, group []profileFeatures, now time.Time) (*models.SpamCluster, error) {
	members := make([]string, len(group))
	for i, f := range group {
		members[i] = f.profile.UserID
	}
	members = models.SortedMembers(members)

	stats, err := d.messaging.MessagingStats(ctx, members)
	if err != nil {
		return nil, fmt.Errorf("messaging stats: %w", err)
	}
	kyc, err := d.kyc.VerificationStatus(ctx, members)
	if err != nil {
		return nil, fmt.Errorf("kyc status: %w", err)
	}

	ch := measureCluster(group, stats, kyc)
	signals := SpamSignals(ch, len(members), d.policy)
	p := SpamProbability(ch, len(members), signals, d.policy)

	return &models.SpamCluster{
		ID:              models.DetectionID(models.KindCluster, members),
		MemberIDs:       members,
		Size:            len(members),
		SpamProbability: p,
		RiskLevel:       RiskFor(p, d.policy.Risk),
		Characteristics: ch,
		Signals:         signals,
		Status:          models.StatusDetected,
		ScoringVersion:  d.policy.Version,
		DetectedAt:      now,
		UpdatedAt:       now,
	}, nil
}

func measureCluster(group []profileFeatures, stats models.MessagingStats, kyc map[string]models.KYCStatus) models.ClusterCharacteristics {
	var ch models.ClusterCharacteristics

	first, last := group[0].profile.CreatedAt, group[0].profile.CreatedAt
	for _, f := range group[1:] {
		if f.profile.CreatedAt.Before(first) {
			first = f.profile.CreatedAt
		}
		if f.profile.CreatedAt.After(last) {
			last = f.profile.CreatedAt
		}
	}
	ch.CreationSpanHours = last.Sub(first).Hours()

	var bioSum, profileSum float64
	pairs := 0
	for i := 0; i < len(group); i++ {
		for j := i + 1; j < len(group); j++ {
			s := compareProfiles(group[i], group[j])
			bioSum += s.Bio
			profileSum += s.Profile
			pairs++
		}
	}
	ch.AvgBioSimilarity = ratio(bioSum, float64(pairs))
	ch.AvgProfileOverlap = ratio(profileSum, float64(pairs))

	ch.OutboundMessages = stats.OutboundMessages
	ch.UniqueTargets = stats.UniqueTargets
	ch.ReplyRate = stats.ReplyRate()

	verified := 0
	for _, f := range group {
		if kyc[f.profile.UserID] == models.KYCVerified {
			verified++
		}
	}
	ch.KYCRate = ratio(float64(verified), float64(len(group)))
	return ch
}

// SpamSignals derives the discrete signals a cluster's measurements cross.
func SpamSignals(ch models.ClusterCharacteristics, size int, policy config.SpamPolicy) []models.DetectionSignal {
	signals := make([]models.DetectionSignal, 0, 5)
	rapid := policy.RapidCreationSpan.Hours()
	if ch.CreationSpanHours <= rapid {
		signals = append(signals, models.DetectionSignal{
			Type:        models.SignalRapidCreation,
			Severity:    clamp01(1 - ratio(ch.CreationSpanHours, rapid)),
			Description: fmt.Sprintf("%d accounts created within %.1f hours", size, ch.CreationSpanHours),
		})
	}
	if ch.AvgBioSimilarity >= policy.BioDuplication {
		signals = append(signals, models.DetectionSignal{
			Type:        models.SignalBioDuplication,
			Severity:    clamp01(ch.AvgBioSimilarity),
			Description: fmt.Sprintf("profile bios are %.0f%% identical on average", ch.AvgBioSimilarity*100),
		})
	}
	perMember := ratio(float64(ch.OutboundMessages), float64(size))
	if perMember >= policy.MassMessaging {
		signals = append(signals, models.DetectionSignal{
			Type:        models.SignalMassMessaging,
			Severity:    clamp01(ratio(perMember, 2*policy.MassMessaging)),
			Description: fmt.Sprintf("%.0f outbound messages per account to %d unique targets", perMember, ch.UniqueTargets),
		})
	}
	if ch.OutboundMessages > 0 && ch.ReplyRate < policy.LowReplyRate {
		signals = append(signals, models.DetectionSignal{
			Type:        models.SignalLowEngagement,
			Severity:    clamp01(1 - ratio(ch.ReplyRate, policy.LowReplyRate)),
			Description: fmt.Sprintf("only %.1f%% of outbound messages get a reply", ch.ReplyRate*100),
		})
	}
	if ch.KYCRate < policy.LowKYCRate {
		signals = append(signals, models.DetectionSignal{
			Type:        models.SignalNoKYC,
			Severity:    clamp01(1 - ch.KYCRate),
			Description: fmt.Sprintf("%.0f%% of accounts completed identity verification", ch.KYCRate*100),
		})
	}
	return signals
}

// SpamProbability is the bounded weighted sum of capped factor contributions.
func SpamProbability(ch models.ClusterCharacteristics, size int, signals []models.DetectionSignal, policy config.SpamPolicy) float64 {
	if size <= 0 {
		return 0
	}
	p := 0.3 * clamp01(1-ratio(ch.CreationSpanHours, policy.CreationTolerance.Hours()))
	p += 0.25 * clamp01(math.Max(ch.AvgBioSimilarity, ch.AvgProfileOverlap))
	p += 0.2 * math.Min(1, ratio(ratio(float64(ch.OutboundMessages), float64(size)), 2*policy.MassMessaging))
	if ch.OutboundMessages > 0 {
		p += 0.15 * clamp01(1-ratio(ch.ReplyRate, policy.LowReplyRate))
	}
	p += 0.1 * clamp01(1-ch.KYCRate)
	if models.DistinctSignalTypes(signals) >= 4 {
		p += 0.1
	}
	return clamp01(p)
}
