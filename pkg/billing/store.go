package billing

import (
	"context"

	"github.com/google/uuid"
)

// RecordStore persists Account Billing Records keyed by account id with a
// secondary lookup by the provider's subscription id.
type RecordStore interface {
	// Get returns the record for an account.
	// Returns ErrRecordNotFound if none exists.
	Get(ctx context.Context, accountID uuid.UUID) (*Record, error)

	// GetBySubscriptionID maps a provider subscription id back to its record.
	// Returns ErrRecordNotFound for subscriptions this system does not track.
	GetBySubscriptionID(ctx context.Context, externalSubscriptionID string) (*Record, error)

	// Create inserts a fresh record. Returns ErrRecordExists on duplicates.
	Create(ctx context.Context, record *Record) error

	// Update writes the record conditionally: the stored version must equal
	// expectedVersion or ErrVersionConflict is returned and nothing changes.
	// This is the lost-update guard for concurrent command mutations.
	Update(ctx context.Context, record *Record, expectedVersion int64) error
}

// EventStore records which provider event ids were already applied.
// Rows are append-only and never deleted; their presence is the dedup guard.
type EventStore interface {
	WasApplied(ctx context.Context, eventID string) (bool, error)
	MarkApplied(ctx context.Context, eventID string, accountID uuid.UUID) error
}

// Store combines both stores with the atomic webhook application primitive.
type Store interface {
	RecordStore
	EventStore

	// ApplyEvent runs read-current, apply, conditional-write, mark-applied as
	// one storage-level transaction so the webhook path never races against
	// itself for the same account. The dedup row is written only when apply
	// and the write both succeed, giving at-least-once redelivery semantics.
	// If the event id was already applied, apply is not called and no error
	// is returned.
	ApplyEvent(ctx context.Context, eventID string, accountID uuid.UUID, apply func(current Record) (Record, error)) error
}
