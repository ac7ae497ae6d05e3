package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/logger"
)

// Config holds the service-level settings that are not provider credentials.
type Config struct {
	CheckoutSuccessURL string        `env:"BILLING_CHECKOUT_SUCCESS_URL,required"`
	CheckoutCancelURL  string        `env:"BILLING_CHECKOUT_CANCEL_URL,required"`
	PortalReturnURL    string        `env:"BILLING_PORTAL_RETURN_URL,required"`
	SignatureHeader    string        `env:"BILLING_WEBHOOK_SIGNATURE_HEADER" envDefault:"Paddle-Signature"`
	StatusCacheTTL     time.Duration `env:"BILLING_STATUS_CACHE_TTL" envDefault:"30s"`
}

// StatusResult is the answer to a status query. When the provider could not
// be reached for a live view, LiveDataUnavailable is true and the remaining
// fields come from the last persisted record.
type StatusResult struct {
	Status              billing.Status `json:"status"`
	Plan                billing.Plan   `json:"plan,omitempty"`
	CurrentPeriodEnd    time.Time      `json:"currentPeriodEnd,omitzero"`
	CancelAtPeriodEnd   bool           `json:"cancelAtPeriodEnd"`
	LiveDataUnavailable bool           `json:"liveDataUnavailable"`
}

// Service exposes checkout initiation and the direct subscription commands
// (cancel, reactivate, change plan, status). Every mutation calls the
// provider first, then writes the returned snapshot through the
// reconciliation engine with the record's current version as the
// optimistic-concurrency token. A version conflict is retried once with a
// fresh read, then surfaced as ErrConcurrentModification.
//
// Mutating provider calls are never retried automatically: a blind retry of
// cancel or change-plan could double-apply a provider-side effect. Callers
// re-invoke after confirming state via Status.
type Service struct {
	provider billing.Provider
	store    billing.Store
	cache    *StatusCache // optional
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
}

// ServiceOption configures optional Service dependencies.
type ServiceOption func(*Service)

// WithStatusCache attaches a live-snapshot cache consulted by Status.
func WithStatusCache(c *StatusCache) ServiceOption {
	return func(s *Service) { s.cache = c }
}

// WithClock overrides the time source, used by tests to pin expiry windows.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates the billing command service.
// Panics on nil provider or store to fail fast during initialization.
func NewService(provider billing.Provider, store billing.Store, cfg Config, log *slog.Logger, opts ...ServiceOption) *Service {
	if provider == nil {
		panic("billing: Provider is required")
	}
	if store == nil {
		panic("billing: Store is required")
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Service{
		provider: provider,
		store:    store,
		cfg:      cfg,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AttachAccount creates the initial billing record for a freshly registered
// account. The surrounding app calls this from its account-creation flow;
// the call is idempotent so a retried registration saga does not fail here.
func (s *Service) AttachAccount(ctx context.Context, accountID uuid.UUID) (*billing.Record, error) {
	rec := billing.NewRecord(accountID, s.now())
	err := s.store.Create(ctx, rec)
	if err == nil {
		return rec, nil
	}
	if errors.Is(err, billing.ErrRecordExists) {
		return s.store.Get(ctx, accountID)
	}
	return nil, fmt.Errorf("failed to create billing record: %w", err)
}

// Checkout creates a hosted checkout session for the chosen plan.
// Allowed only when the account has no live subscription; an expired record
// is eligible again and the completing webhook relinks it.
func (s *Service) Checkout(ctx context.Context, accountID uuid.UUID, plan billing.Plan) (*billing.CheckoutSession, error) {
	if !plan.IsValid() {
		return nil, fmt.Errorf("%w: %q", billing.ErrUnknownPlan, plan)
	}

	rec, err := s.store.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !rec.CanCheckout() {
		return nil, billing.ErrCheckoutNotAllowed
	}

	return s.provider.CreateCheckoutSession(ctx, accountID, plan, billing.CheckoutOptions{
		SuccessURL: s.cfg.CheckoutSuccessURL,
		CancelURL:  s.cfg.CheckoutCancelURL,
	})
}

// PortalLink returns a pre-authenticated customer portal URL.
func (s *Service) PortalLink(ctx context.Context, accountID uuid.UUID) (*billing.PortalSession, error) {
	rec, err := s.store.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if rec.ExternalCustomerID == "" {
		return nil, billing.ErrMissingCustomer
	}
	return s.provider.CreatePortalSession(ctx, rec.ExternalCustomerID, s.cfg.PortalReturnURL)
}

// Cancel cancels the subscription, either immediately or at period end.
// The non-immediate form keeps access until CurrentPeriodEnd and can still
// be undone with Reactivate.
func (s *Service) Cancel(ctx context.Context, accountID uuid.UUID, immediate bool) (*billing.Record, error) {
	rec, err := s.store.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !rec.HasSubscription() || !rec.IsActiveish() {
		return nil, billing.ErrNoActiveSubscription
	}

	var snap billing.Snapshot
	if immediate {
		snap, err = s.provider.CancelImmediately(ctx, rec.ExternalSubscriptionID)
	} else {
		snap, err = s.provider.SetCancelAtPeriodEnd(ctx, rec.ExternalSubscriptionID, true)
	}
	if err != nil {
		return nil, err
	}

	return s.reconcile(ctx, rec, snap)
}

// Reactivate undoes a scheduled cancellation while the paid period is still
// running. Once the period has elapsed the subscription is gone on the
// provider side and only a fresh checkout can restore access.
func (s *Service) Reactivate(ctx context.Context, accountID uuid.UUID) (*billing.Record, error) {
	rec, err := s.store.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !rec.CanReactivateAt(s.now()) {
		return nil, billing.ErrNotReactivatable
	}

	snap, err := s.provider.SetCancelAtPeriodEnd(ctx, rec.ExternalSubscriptionID, false)
	if err != nil {
		return nil, err
	}

	return s.reconcile(ctx, rec, snap)
}

// ChangePlan switches the subscription to the other plan with proration.
// The returned record carries the provider-computed new period end.
func (s *Service) ChangePlan(ctx context.Context, accountID uuid.UUID, newPlan billing.Plan) (*billing.Record, error) {
	if !newPlan.IsValid() {
		return nil, fmt.Errorf("%w: %q", billing.ErrUnknownPlan, newPlan)
	}

	rec, err := s.store.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !rec.HasSubscription() || !rec.IsActiveish() {
		return nil, billing.ErrNoActiveSubscription
	}
	if rec.Plan == newPlan {
		return nil, billing.ErrPlanUnchanged
	}

	snap, err := s.provider.UpdateSubscriptionPlan(ctx, rec.ExternalSubscriptionID, newPlan, true)
	if err != nil {
		return nil, err
	}

	return s.reconcile(ctx, rec, snap)
}

// Status returns the account's billing state, preferring a live provider
// view. Provider failures degrade to the persisted record with
// LiveDataUnavailable set instead of failing the caller: billing-status
// display is not safety-critical.
func (s *Service) Status(ctx context.Context, accountID uuid.UUID) (*StatusResult, error) {
	rec, err := s.store.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if !rec.HasSubscription() || rec.Status.IsTerminal() {
		return resultFromRecord(rec, false), nil
	}

	if s.cache != nil {
		if snap, ok := s.cache.Get(ctx, accountID); ok {
			return resultFromSnapshot(rec, snap), nil
		}
	}

	snap, err := s.provider.RetrieveSubscription(ctx, rec.ExternalSubscriptionID)
	if err != nil {
		s.log.WarnContext(ctx, "live billing status unavailable, serving persisted record",
			logger.AccountID(accountID),
			logger.Error(err))
		return resultFromRecord(rec, true), nil
	}

	if s.cache != nil {
		s.cache.Set(ctx, accountID, snap)
	}

	// Fold the live view into the local record opportunistically. A version
	// conflict here just means another path got there first.
	if next, err := billing.Apply(*rec, snap, s.now()); err == nil && next.Version != rec.Version {
		if err := s.store.Update(ctx, &next, rec.Version); err == nil {
			rec = &next
		}
	}

	return resultFromSnapshot(rec, snap), nil
}

// reconcile writes a provider snapshot through the engine with one automatic
// re-read on version conflict.
func (s *Service) reconcile(ctx context.Context, rec *billing.Record, snap billing.Snapshot) (*billing.Record, error) {
	for attempt := 0; attempt < 2; attempt++ {
		next, err := billing.Apply(*rec, snap, s.now())
		if err != nil {
			return nil, err
		}
		if next.Version == rec.Version {
			return rec, nil
		}

		err = s.store.Update(ctx, &next, rec.Version)
		if err == nil {
			if s.cache != nil {
				s.cache.Invalidate(ctx, rec.AccountID)
			}
			return &next, nil
		}
		if !errors.Is(err, billing.ErrVersionConflict) {
			return nil, err
		}

		rec, err = s.store.Get(ctx, rec.AccountID)
		if err != nil {
			return nil, err
		}
	}
	return nil, billing.ErrConcurrentModification
}

func resultFromRecord(rec *billing.Record, degraded bool) *StatusResult {
	return &StatusResult{
		Status:              rec.Status,
		Plan:                rec.Plan,
		CurrentPeriodEnd:    rec.CurrentPeriodEnd,
		CancelAtPeriodEnd:   rec.CancelAtPeriodEnd,
		LiveDataUnavailable: degraded,
	}
}

// resultFromSnapshot reports the live provider view, falling back to
// recorded fields for anything the snapshot does not carry.
func resultFromSnapshot(rec *billing.Record, snap billing.Snapshot) *StatusResult {
	res := resultFromRecord(rec, false)
	if snap.Status == billing.StatusCanceled {
		res.Status = billing.StatusExpired
		res.CancelAtPeriodEnd = false
		return res
	}
	if snap.Plan.IsValid() {
		res.Plan = snap.Plan
	}
	if !snap.PeriodEnd.IsZero() && snap.PeriodEnd.After(res.CurrentPeriodEnd) {
		res.CurrentPeriodEnd = snap.PeriodEnd
	}
	if snap.CancelAtPeriodEnd != nil {
		res.CancelAtPeriodEnd = *snap.CancelAtPeriodEnd
		if res.CancelAtPeriodEnd && (snap.Status == billing.StatusActive || snap.Status == billing.StatusPastDue) {
			res.Status = billing.StatusCanceledPending
		} else if snap.Status.IsActiveish() || snap.Status == billing.StatusUnpaid {
			res.Status = snap.Status
		}
	} else if snap.Status.IsActiveish() || snap.Status == billing.StatusUnpaid {
		res.Status = snap.Status
	}
	return res
}
