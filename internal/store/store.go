// Package store defines the Shared Session Store capability. Every write is a blind
// partial update: there is no locking, version token or transaction boundary.
package store

import (
	"context"

	"github.com/codebattle-sync/internal/domain"
)

// ChangeKind describes what kind of write produced a change notification
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
)

// Change is delivered to subscribers after a write
type Change struct {
	Kind    ChangeKind     `json:"kind"`
	Session domain.Session `json:"session"`
}

// ChangeFilter selects which changes a subscriber receives. A nil filter accepts all.
type ChangeFilter func(Change) bool

// ChangeHandler receives change notifications. Handlers must not block.
type ChangeHandler func(Change)

// SessionStore is the externally hosted mutable document store
type SessionStore interface {
	// Get returns domain.ErrSessionNotFound when the document does not exist
	Get(ctx context.Context, id string) (domain.Session, error)

	// Update writes the non-nil fields of patch and returns the resulting document
	Update(ctx context.Context, id string, patch domain.SessionPatch) (domain.Session, error)

	// Insert creates the document, returning domain.ErrSessionExists if it is already present
	Insert(ctx context.Context, session domain.Session) (domain.Session, error)

	// InsertAudit appends a best-effort history record
	InsertAudit(ctx context.Context, record domain.AuditRecord) error

	// OnChange subscribes to writes of one document until unsubscribe is called
	OnChange(ctx context.Context, id string, filter ChangeFilter, handler ChangeHandler) (unsubscribe func(), err error)
}

// AuditDrainer is implemented by stores that can hand buffered audit records to an archiver
type AuditDrainer interface {
	DrainAudit(ctx context.Context, limit int) ([]domain.AuditRecord, error)
}
