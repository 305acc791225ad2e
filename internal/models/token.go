package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Pair addresses all per-user, per-provider state.
type Pair struct {
	UserID   string
	Provider Provider
}

func (p Pair) String() string {
	return fmt.Sprintf("%s/%s", p.UserID, p.Provider)
}

// OAuthToken holds the OAuth credentials for one Pair.
type OAuthToken struct {
	AccessToken  string
	RefreshToken string // Retained across refreshes that omit it
	TokenType    string
	ExpiresAt    time.Time // Zero means the provider gave no expiry
	RefreshedAt  time.Time // Zero until the first refresh
}

// ExpiresWithin reports whether the token expires within margin of now.
func (t *OAuthToken) ExpiresWithin(now time.Time, margin time.Duration) bool {
	if t == nil || t.AccessToken == "" {
		return true
	}
	if t.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(margin).Before(t.ExpiresAt)
}

// TokenState is the lifecycle state of a Pair's credentials.
type TokenState string

const (
	TokenUnauthenticated TokenState = "unauthenticated"
	TokenAuthorized      TokenState = "authorized"
	TokenExpiring        TokenState = "expiring"
	TokenRefreshed       TokenState = "refreshed"
	TokenRevoked         TokenState = "revoked"
)

// SyncCursor marks the last range a sync pass committed for a Pair.
type SyncCursor struct {
	DeltaToken  string
	WindowStart time.Time
	WindowEnd   time.Time
	SyncedAt    time.Time
}

// Resolution is the outcome recorded on a ConflictRecord.
type Resolution string

const (
	ResolutionPending    Resolution = "pending"
	ResolutionLocalWins  Resolution = "local-wins"
	ResolutionRemoteWins Resolution = "remote-wins"
	ResolutionMerged     Resolution = "merged"
)

// ConflictRecord pairs the local and remote copies of one logical event that
// both changed since the last committed cursor.
type ConflictRecord struct {
	ID         string        `json:"id"`
	Local      CalendarEvent `json:"local"`
	Remote     CalendarEvent `json:"remote"`
	Resolution Resolution    `json:"resolution"`
	DetectedAt time.Time     `json:"detectedAt"`
}

var conflictNamespace = uuid.MustParse("5b0f8c3e-6a3d-4c1e-9d2a-8f1e7c4b2a90")

// NewConflictRecord creates a pending record.
func NewConflictRecord(local, remote CalendarEvent, now time.Time) ConflictRecord {
	return ConflictRecord{
		ID:         ConflictID(local, remote),
		Local:      local,
		Remote:     remote,
		Resolution: ResolutionPending,
		DetectedAt: now.UTC(),
	}
}

// ConflictID names the conflict between local and remote. The same two copies
// get the same ID on every pass, so an ID handed out by one pass can still be
// resolved after the next.
func ConflictID(local, remote CalendarEvent) string {
	key := local.ID
	if key == "" {
		key = strings.ToLower(strings.Join(strings.Fields(local.Title), " ")) + "|" +
			local.StartTime.UTC().Format(time.RFC3339) + "|" + local.EndTime.UTC().Format(time.RFC3339)
	}
	return uuid.NewSHA1(conflictNamespace, []byte(key+"\x00"+remote.ID)).String()
}

// Resolved reports whether the record no longer needs a decision.
func (c ConflictRecord) Resolved() bool {
	return c.Resolution != "" && c.Resolution != ResolutionPending
}
