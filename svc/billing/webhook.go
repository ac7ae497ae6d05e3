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

// WebhookService ingests provider callbacks: verify the signature against
// the raw bytes, deduplicate by event id, map the event to an account, and
// drive the reconciliation engine inside one storage transaction.
//
// Outcomes divide into three buckets the HTTP layer maps onto status codes:
// nil means accepted, deduped, orphaned, or unknown type, so the provider
// must not redeliver. ErrSignatureInvalid and ErrMalformedPayload mean
// reject without retry. Anything else is an internal failure the provider
// redelivers; the dedup row is written only on success, so redelivery
// converges.
type WebhookService struct {
	provider billing.Provider
	store    billing.Store
	log      *slog.Logger
	now      func() time.Time
}

// NewWebhookService creates the webhook ingestion service.
func NewWebhookService(provider billing.Provider, store billing.Store, log *slog.Logger) *WebhookService {
	if provider == nil {
		panic("billing: Provider is required")
	}
	if store == nil {
		panic("billing: Store is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &WebhookService{
		provider: provider,
		store:    store,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes one webhook delivery. rawBody must be the exact bytes the
// provider sent; the signature covers them verbatim.
func (s *WebhookService) Handle(ctx context.Context, rawBody []byte, signatureHeader string) error {
	ev, err := s.provider.VerifyAndParseEvent(ctx, rawBody, signatureHeader)
	if err != nil {
		return err
	}

	log := s.log.With(
		logger.EventID(ev.ID),
		slog.String("provider_event", ev.ProviderEvent),
	)

	if ev.Type == billing.EventUnknown {
		log.DebugContext(ctx, "ignoring unrecognized billing event type")
		return nil
	}

	// Cheap pre-check; the transactional re-check in ApplyEvent is the
	// actual guarantee.
	applied, err := s.store.WasApplied(ctx, ev.ID)
	if err != nil {
		return fmt.Errorf("dedup lookup failed: %w", err)
	}
	if applied {
		log.DebugContext(ctx, "billing event already applied")
		return nil
	}

	accountID, err := s.resolveAccount(ctx, ev)
	if err != nil {
		if errors.Is(err, billing.ErrUnknownAccount) {
			// An event for a subscription this system does not track is not
			// an error; acknowledge so the provider stops redelivering.
			log.InfoContext(ctx, "orphan billing event, acknowledging",
				slog.String("subscription_id", ev.Snapshot.SubscriptionID))
			return nil
		}
		return err
	}

	err = s.store.ApplyEvent(ctx, ev.ID, accountID, func(current billing.Record) (billing.Record, error) {
		return billing.Apply(current, ev.Snapshot, s.now())
	})
	if err != nil {
		log.ErrorContext(ctx, "failed to apply billing event",
			logger.AccountID(accountID),
			logger.Error(err))
		return err
	}

	log.InfoContext(ctx, "billing event applied",
		logger.AccountID(accountID))
	return nil
}

// resolveAccount maps an event to the local account: first through the
// subscription id linkage, then through the account id echoed back in the
// event's custom data (the only option for the checkout-completing event,
// which arrives before any linkage exists).
func (s *WebhookService) resolveAccount(ctx context.Context, ev *billing.Event) (uuid.UUID, error) {
	rec, err := s.store.GetBySubscriptionID(ctx, ev.Snapshot.SubscriptionID)
	if err == nil {
		return rec.AccountID, nil
	}
	if !errors.Is(err, billing.ErrRecordNotFound) {
		return uuid.Nil, err
	}

	if ev.AccountID != uuid.Nil {
		if _, err := s.store.Get(ctx, ev.AccountID); err == nil {
			return ev.AccountID, nil
		} else if !errors.Is(err, billing.ErrRecordNotFound) {
			return uuid.Nil, err
		}
	}

	return uuid.Nil, billing.ErrUnknownAccount
}
