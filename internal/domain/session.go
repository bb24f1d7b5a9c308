package domain

import "time"

// Identity is the verified caller behind a session token.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Account is the user directory record.
type Account struct {
	ID           string
	Email        string
	Tenant       string
	Expire       time.Time
	KeyField     string
	Name         string
	Organization string
	Industry     int
	Role         int
}

// Expired reports whether the account expiry lies before now. A zero expiry
// never expires.
func (a Account) Expired(now time.Time) bool {
	return !a.Expire.IsZero() && a.Expire.Before(now)
}

// Session is the per-message view of a client session.
type Session struct {
	ID                string
	UserID            string
	Tenant            string
	BusinessSessionID string
}

// SessionIDFor derives the cache key for a user's conversation memory.
func SessionIDFor(userID, businessSessionID string) string {
	if businessSessionID == "" {
		return userID
	}
	return userID + ":" + businessSessionID
}

// CredentialKind distinguishes where an API key came from.
type CredentialKind string

const (
	CredentialDurable CredentialKind = "durable"
	CredentialPooled  CredentialKind = "pooled"
)

// Credential is the upstream key a session may use for all of its rounds.
type Credential struct {
	Kind CredentialKind
	Key  string
	TTL  time.Duration
}
