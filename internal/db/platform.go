package db

import (
	"context"
	"time"

	"github.com/rawblock/ringwatch/pkg/models"
)

// Read adapters over platform-owned tables. The engine never writes to them.

// ListAccountsCreatedSince pages through profiles created at or after since,
// ordered by user id.
func (s *Store) ListAccountsCreatedSince(ctx context.Context, since time.Time, afterUserID string, limit int) ([]models.AccountProfile, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, created_at, display_name, bio, region, attributes
		FROM user_profiles
		WHERE created_at >= $1 AND user_id > $2
		ORDER BY user_id
		LIMIT $3`, since.UTC(), afterUserID, limitArg(limit))
	if err != nil {
		return nil, classify(err, "list recent accounts")
	}
	defer rows.Close()

	out := make([]models.AccountProfile, 0)
	for rows.Next() {
		var (
			p     models.AccountProfile
			attrs []byte
		)
		if err := rows.Scan(&p.UserID, &p.CreatedAt, &p.DisplayName, &p.Bio, &p.Region, &attrs); err != nil {
			return nil, classify(err, "scan profile")
		}
		if err := decodeJSON(attrs, &p.Attributes); err != nil {
			// A profile with unreadable attributes is still a candidate; the
			// structural view just sees no fields.
			s.log.Debug("Ignoring malformed profile attributes")
			p.Attributes = nil
		}
		out = append(out, p)
	}
	return out, classify(rows.Err(), "list recent accounts")
}

// MessagingStats aggregates outbound messages sent by userIDs: total count,
// distinct recipients, and how many of them drew at least one reply.
func (s *Store) MessagingStats(ctx context.Context, userIDs []string) (models.MessagingStats, error) {
	var stats models.MessagingStats
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(DISTINCT m.recipient_id),
			COUNT(*) FILTER (WHERE EXISTS (SELECT 1 FROM messages r WHERE r.reply_to = m.id))
		FROM messages m
		WHERE m.sender_id = ANY($1)`, userIDs).
		Scan(&stats.OutboundMessages, &stats.UniqueTargets, &stats.Replies)
	if err != nil {
		return models.MessagingStats{}, classify(err, "messaging stats")
	}
	return stats, nil
}

// VerificationStatus returns each user's KYC state; users without a
// verification row are NONE.
func (s *Store) VerificationStatus(ctx context.Context, userIDs []string) (map[string]models.KYCStatus, error) {
	out := make(map[string]models.KYCStatus, len(userIDs))
	for _, id := range userIDs {
		out[id] = models.KYCNone
	}

	rows, err := s.pool.Query(ctx, `SELECT user_id, status FROM kyc_verifications WHERE user_id = ANY($1)`, userIDs)
	if err != nil {
		return nil, classify(err, "kyc status")
	}
	defer rows.Close()
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, classify(err, "scan kyc status")
		}
		out[id] = models.KYCStatus(status)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "kyc status")
	}
	return out, nil
}
