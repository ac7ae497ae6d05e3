package billing

import "errors"

var (
	// Webhook ingestion
	ErrSignatureInvalid = errors.New("webhook signature verification failed")
	ErrUnknownAccount   = errors.New("no billing record for provider subscription")

	// Optimistic concurrency
	ErrVersionConflict        = errors.New("billing record version conflict")
	ErrConcurrentModification = errors.New("billing record modified concurrently, retry the operation")

	// Command preconditions (user-facing, nothing mutated)
	ErrNoActiveSubscription = errors.New("account has no active subscription")
	ErrNotReactivatable     = errors.New("subscription cannot be reactivated")
	ErrPlanUnchanged        = errors.New("account is already on the requested plan")
	ErrCheckoutNotAllowed   = errors.New("account already has a subscription")

	// Provider interaction
	ErrProviderUnavailable = errors.New("billing provider unavailable")
	ErrProviderRejected    = errors.New("billing provider rejected the request")

	// Persistence
	ErrRecordNotFound = errors.New("billing record not found")
	ErrRecordExists   = errors.New("billing record already exists")

	// Configuration
	ErrUnknownPlan      = errors.New("unknown billing plan")
	ErrInvalidPriceMap  = errors.New("invalid plan to price mapping")
	ErrMissingAPIKey    = errors.New("billing provider API key is required")
	ErrMissingSecret    = errors.New("billing provider webhook secret is required")
	ErrBadEnvironment   = errors.New("invalid billing provider environment")
	ErrNoCheckoutURL    = errors.New("no checkout URL returned from provider")
	ErrNoPortalURL      = errors.New("no portal URL returned from provider")
	ErrMissingCustomer  = errors.New("provider customer ID not available")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)
