package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Provider is the thin typed client wrapping the external payment API.
// It owns no state: every mutating call returns the provider's resulting
// subscription snapshot so callers can reconcile local state immediately
// instead of waiting for the corresponding webhook.
//
// Implementations should use the official provider SDK and absorb
// provider-specific quirks (status naming, scheduled-change modelling)
// so the engine only ever sees normalized snapshots.
type Provider interface {
	// CreateCheckoutSession creates a hosted checkout session for a plan.
	CreateCheckoutSession(ctx context.Context, accountID uuid.UUID, plan Plan, opts CheckoutOptions) (*CheckoutSession, error)

	// RetrieveSubscription fetches the live subscription state.
	RetrieveSubscription(ctx context.Context, externalSubscriptionID string) (Snapshot, error)

	// UpdateSubscriptionPlan switches the subscription to a new plan.
	// When prorate is true the provider computes a partial charge/credit
	// and the returned snapshot carries the recomputed period end.
	UpdateSubscriptionPlan(ctx context.Context, externalSubscriptionID string, plan Plan, prorate bool) (Snapshot, error)

	// SetCancelAtPeriodEnd schedules or unschedules a cancellation at the
	// end of the current paid period.
	SetCancelAtPeriodEnd(ctx context.Context, externalSubscriptionID string, cancel bool) (Snapshot, error)

	// CancelImmediately terminates the subscription right away.
	CancelImmediately(ctx context.Context, externalSubscriptionID string) (Snapshot, error)

	// CreatePortalSession returns a pre-authenticated customer portal URL.
	CreatePortalSession(ctx context.Context, externalCustomerID string, returnURL string) (*PortalSession, error)

	// VerifyAndParseEvent validates the webhook signature against the exact
	// raw body bytes and returns the normalized event.
	// Returns ErrSignatureInvalid when verification fails.
	VerifyAndParseEvent(ctx context.Context, rawBody []byte, signatureHeader string) (*Event, error)
}

// CheckoutSession is a hosted checkout the customer gets redirected to.
type CheckoutSession struct {
	SessionID   string
	RedirectURL string
	ExpiresAt   time.Time
}

// PortalSession is a pre-authenticated customer portal link.
type PortalSession struct {
	RedirectURL string
	ExpiresAt   time.Time
}

// Snapshot is a normalized view of the provider-side subscription state,
// either fetched live or extracted from a webhook payload. Zero-valued
// fields mean "not carried by this snapshot": a zero PeriodEnd leaves the
// recorded period end untouched and a nil CancelAtPeriodEnd leaves the
// scheduled-cancellation flag untouched.
type Snapshot struct {
	SubscriptionID    string
	CustomerID        string
	Status            Status
	Plan              Plan      // zero when the snapshot carries no price information
	PeriodEnd         time.Time // zero when the snapshot carries no period end
	CancelAtPeriodEnd *bool
}

// EventType is the normalized category of a provider webhook event.
type EventType string

const (
	EventPaymentSucceeded     EventType = "payment_succeeded"
	EventPaymentFailed        EventType = "payment_failed"
	EventSubscriptionCanceled EventType = "subscription_canceled"
	EventSubscriptionUpdated  EventType = "subscription_updated"
	// EventUnknown is acknowledged and ignored by ingestion.
	EventUnknown EventType = "unknown"
)

// Event is a verified, normalized webhook notification.
type Event struct {
	ID            string
	Type          EventType
	ProviderEvent string // original provider event name, for logging
	OccurredAt    time.Time

	// AccountID is the local account carried in the event's custom data.
	// Zero when the provider did not echo it back; ingestion then maps the
	// event through the subscription id instead.
	AccountID uuid.UUID

	Snapshot Snapshot
}
