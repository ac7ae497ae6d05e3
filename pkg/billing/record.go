package billing

import (
	"time"

	"github.com/google/uuid"
)

// Record is the Account Billing Record: the locally owned cache of an
// account's subscription state, used for premium access decisions.
// One record exists per business account; it is created with StatusNone
// when the account is created and never deleted afterwards.
type Record struct {
	AccountID uuid.UUID // primary key, owned by the surrounding app

	// Provider linkage. Empty until checkout completes. Kept after expiry
	// for audit; a fresh checkout overwrites both.
	ExternalCustomerID     string
	ExternalSubscriptionID string

	Plan   Plan
	Status Status

	// CurrentPeriodEnd is the authoritative expiry used for access checks.
	// It never regresses except through a provider-confirmed terminal event.
	CurrentPeriodEnd  time.Time
	CancelAtPeriodEnd bool

	// Version increments on every accepted mutation and is the
	// optimistic-concurrency token for conditional writes.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewRecord returns the initial record for a freshly created account.
func NewRecord(accountID uuid.UUID, now time.Time) *Record {
	return &Record{
		AccountID: accountID,
		Status:    StatusNone,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// HasSubscription reports whether the record is linked to a provider subscription.
func (r *Record) HasSubscription() bool {
	return r.ExternalSubscriptionID != ""
}

// IsActiveish reports whether the account can currently use premium features,
// ignoring the period-end check.
func (r *Record) IsActiveish() bool {
	return r.Status.IsActiveish()
}

// CanCheckout reports whether a fresh checkout may be started.
// Allowed from the initial state and after the previous subscription expired.
func (r *Record) CanCheckout() bool {
	return r.Status == StatusNone || r.Status == StatusExpired
}

// CanReactivateAt reports whether a scheduled cancellation can still be undone
// at the given time. Once the paid period elapses the record is no longer
// reactivatable even if no expiry sweep has run yet.
func (r *Record) CanReactivateAt(now time.Time) bool {
	return r.Status == StatusCanceledPending && r.CurrentPeriodEnd.After(now)
}

// Equal reports whether two records carry the same billing state,
// ignoring timestamps. The engine uses it to detect no-op applications.
func (r *Record) Equal(o *Record) bool {
	return r.AccountID == o.AccountID &&
		r.ExternalCustomerID == o.ExternalCustomerID &&
		r.ExternalSubscriptionID == o.ExternalSubscriptionID &&
		r.Plan == o.Plan &&
		r.Status == o.Status &&
		r.CurrentPeriodEnd.Equal(o.CurrentPeriodEnd) &&
		r.CancelAtPeriodEnd == o.CancelAtPeriodEnd
}
