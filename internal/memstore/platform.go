package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/rawblock/ringwatch/pkg/models"
)

// PutProfile seeds an account profile.
func (s *Store) PutProfile(p models.AccountProfile) {
	s.platformMu.Lock()
	defer s.platformMu.Unlock()
	s.profiles[p.UserID] = p
}

// PutMessagingStats seeds a user's outbound messaging totals.
func (s *Store) PutMessagingStats(userID string, stats models.MessagingStats) {
	s.platformMu.Lock()
	defer s.platformMu.Unlock()
	s.messaging[userID] = stats
}

// PutKYCStatus seeds a user's verification state.
func (s *Store) PutKYCStatus(userID string, status models.KYCStatus) {
	s.platformMu.Lock()
	defer s.platformMu.Unlock()
	s.kyc[userID] = status
}

// ListAccountsCreatedSince pages through profiles created at or after since,
// ordered by user id.
func (s *Store) ListAccountsCreatedSince(_ context.Context, since time.Time, afterUserID string, limit int) ([]models.AccountProfile, error) {
	s.platformMu.RLock()
	out := make([]models.AccountProfile, 0)
	for _, p := range s.profiles {
		if p.CreatedAt.Before(since) || p.UserID <= afterUserID {
			continue
		}
		out = append(out, p)
	}
	s.platformMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MessagingStats sums outbound totals across userIDs.
func (s *Store) MessagingStats(_ context.Context, userIDs []string) (models.MessagingStats, error) {
	s.platformMu.RLock()
	defer s.platformMu.RUnlock()
	var total models.MessagingStats
	for _, id := range userIDs {
		m := s.messaging[id]
		total.OutboundMessages += m.OutboundMessages
		total.UniqueTargets += m.UniqueTargets
		total.Replies += m.Replies
	}
	return total, nil
}

// VerificationStatus returns each user's KYC state; unknown users are NONE.
func (s *Store) VerificationStatus(_ context.Context, userIDs []string) (map[string]models.KYCStatus, error) {
	s.platformMu.RLock()
	defer s.platformMu.RUnlock()
	out := make(map[string]models.KYCStatus, len(userIDs))
	for _, id := range userIDs {
		st, ok := s.kyc[id]
		if !ok {
			st = models.KYCNone
		}
		out[id] = st
	}
	return out, nil
}
