package models

import "time"

// AccountProfile is the read-only slice of a user profile the spam detector needs.
type AccountProfile struct {
	UserID      string            `json:"userId"`
	CreatedAt   time.Time         `json:"createdAt"`
	DisplayName string            `json:"displayName"`
	Bio         string            `json:"bio"`
	Region      string            `json:"region,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"` // structural fields: avatar, link domain, signup source...
}

// MessagingStats aggregates outbound messaging for a set of users.
type MessagingStats struct {
	OutboundMessages int `json:"outboundMessages"`
	UniqueTargets    int `json:"uniqueTargets"`
	Replies          int `json:"replies"`
}

// ReplyRate is replies per outbound message; zero when nothing was sent.
func (m MessagingStats) ReplyRate() float64 {
	if m.OutboundMessages <= 0 {
		return 0
	}
	return float64(m.Replies) / float64(m.OutboundMessages)
}

// KYCStatus is a user's identity verification state.
type KYCStatus string

const (
	KYCNone     KYCStatus = "NONE"
	KYCPending  KYCStatus = "PENDING"
	KYCVerified KYCStatus = "VERIFIED"
	KYCRejected KYCStatus = "REJECTED"
)
