// Package persistence stores the request audit log consulted by the auth gate's rate limit.
package persistence

import (
	"time"

	"github.com/google/uuid"
)

// AuditEntry is one validated request.
type AuditEntry struct {
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Action    string    `json:"action" db:"action"`
}

// NewAuditEntry creates an entry with a fresh id.
func NewAuditEntry(userID, action string, at time.Time) AuditEntry {
	return AuditEntry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Action:    action,
		CreatedAt: at.UTC(),
	}
}

// DefaultRetention is how long audit entries are kept by Prune callers.
const DefaultRetention = 24 * time.Hour
