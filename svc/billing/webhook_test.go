package billing_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/billing"
	billingsvc "github.com/dmitrymomot/billingkit/svc/billing"
)

// eventProvider returns the given event for any payload, simulating a
// verified webhook without real signature material.
func eventProvider(ev *billing.Event) *stubProvider {
	return &stubProvider{
		verifyAndParse: func(context.Context, []byte, string) (*billing.Event, error) {
			return ev, nil
		},
	}
}

func TestWebhook_AppliesEvent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := billing.NewMemoryStore()
	rec := seedActive(t, store)

	provider := eventProvider(&billing.Event{
		ID:            "evt_1",
		Type:          billing.EventPaymentFailed,
		ProviderEvent: "transaction.payment_failed",
		Snapshot: billing.Snapshot{
			SubscriptionID: "sub_123",
			Status:         billing.StatusPastDue,
		},
	})
	svc := billingsvc.NewWebhookService(provider, store, slog.New(slog.DiscardHandler))

	require.NoError(t, svc.Handle(ctx, []byte(`{}`), "sig"))

	got, err := store.Get(ctx, rec.AccountID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPastDue, got.Status)
	assert.Equal(t, rec.Version+1, got.Version)

	applied, err := store.WasApplied(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestWebhook_RedeliveryIsNoOp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := billing.NewMemoryStore()
	rec := seedActive(t, store)

	provider := eventProvider(&billing.Event{
		ID:   "evt_dup",
		Type: billing.EventPaymentFailed,
		Snapshot: billing.Snapshot{
			SubscriptionID: "sub_123",
			Status:         billing.StatusPastDue,
		},
	})
	svc := billingsvc.NewWebhookService(provider, store, slog.New(slog.DiscardHandler))

	require.NoError(t, svc.Handle(ctx, []byte(`{}`), "sig"))
	require.NoError(t, svc.Handle(ctx, []byte(`{}`), "sig"))

	got, err := store.Get(ctx, rec.AccountID)
	require.NoError(t, err)
	assert.Equal(t, rec.Version+1, got.Version, "redelivery must apply exactly once")
}

func TestWebhook_SignatureFailurePropagates(t *testing.T) {
	t.Parallel()
	provider := &stubProvider{
		verifyAndParse: func(context.Context, []byte, string) (*billing.Event, error) {
			return nil, billing.ErrSignatureInvalid
		},
	}
	svc := billingsvc.NewWebhookService(provider, billing.NewMemoryStore(), slog.New(slog.DiscardHandler))

	err := svc.Handle(context.Background(), []byte(`{}`), "bad-sig")
	assert.ErrorIs(t, err, billing.ErrSignatureInvalid)
}

func TestWebhook_UnknownEventTypeAcked(t *testing.T) {
	t.Parallel()
	provider := eventProvider(&billing.Event{
		ID:            "evt_odd",
		Type:          billing.EventUnknown,
		ProviderEvent: "price.updated",
	})
	svc := billingsvc.NewWebhookService(provider, billing.NewMemoryStore(), slog.New(slog.DiscardHandler))

	assert.NoError(t, svc.Handle(context.Background(), []byte(`{}`), "sig"))
}

func TestWebhook_OrphanEventAcked(t *testing.T) {
	t.Parallel()
	store := billing.NewMemoryStore()

	provider := eventProvider(&billing.Event{
		ID:   "evt_orphan",
		Type: billing.EventSubscriptionUpdated,
		Snapshot: billing.Snapshot{
			SubscriptionID: "sub_never_seen",
			Status:         billing.StatusActive,
		},
	})
	svc := billingsvc.NewWebhookService(provider, store, slog.New(slog.DiscardHandler))

	assert.NoError(t, svc.Handle(context.Background(), []byte(`{}`), "sig"),
		"events for untracked subscriptions are acknowledged, not retried forever")

	applied, err := store.WasApplied(context.Background(), "evt_orphan")
	require.NoError(t, err)
	assert.False(t, applied, "orphans are not marked applied; the account may attach later")
}

func TestWebhook_CheckoutCompletionLinksViaCustomData(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := billing.NewMemoryStore()

	accountID := uuid.New()
	require.NoError(t, store.Create(ctx, billing.NewRecord(accountID, testNow)))

	// The completing event arrives before any subscription linkage exists,
	// carrying the account id echoed back from checkout custom data.
	provider := eventProvider(&billing.Event{
		ID:        "evt_checkout",
		Type:      billing.EventPaymentSucceeded,
		AccountID: accountID,
		Snapshot: billing.Snapshot{
			SubscriptionID: "sub_fresh",
			CustomerID:     "ctm_fresh",
			Status:         billing.StatusActive,
			Plan:           billing.PlanMonthly,
			PeriodEnd:      testNow.AddDate(0, 0, 30),
		},
	})
	svc := billingsvc.NewWebhookService(provider, store, slog.New(slog.DiscardHandler))

	require.NoError(t, svc.Handle(ctx, []byte(`{}`), "sig"))

	got, err := store.Get(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, got.Status)
	assert.Equal(t, "sub_fresh", got.ExternalSubscriptionID)
	assert.Equal(t, "ctm_fresh", got.ExternalCustomerID)
	assert.Equal(t, billing.PlanMonthly, got.Plan)

	// Follow-up events now resolve through the linkage.
	followUp := eventProvider(&billing.Event{
		ID:   "evt_followup",
		Type: billing.EventSubscriptionUpdated,
		Snapshot: billing.Snapshot{
			SubscriptionID:    "sub_fresh",
			Status:            billing.StatusActive,
			PeriodEnd:         testNow.AddDate(0, 0, 30),
			CancelAtPeriodEnd: ptrBool(false),
		},
	})
	svc = billingsvc.NewWebhookService(followUp, store, slog.New(slog.DiscardHandler))
	require.NoError(t, svc.Handle(ctx, []byte(`{}`), "sig"))
}

func TestWebhook_StorageFailureSurfaces(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := billing.NewMemoryStore()
	rec := seedActive(t, store)

	boom := errors.New("connection reset")
	failing := &failingApplyStore{MemoryStore: store, err: boom}

	provider := eventProvider(&billing.Event{
		ID:   "evt_fail",
		Type: billing.EventPaymentFailed,
		Snapshot: billing.Snapshot{
			SubscriptionID: rec.ExternalSubscriptionID,
			Status:         billing.StatusPastDue,
		},
	})
	svc := billingsvc.NewWebhookService(provider, failing, slog.New(slog.DiscardHandler))

	err := svc.Handle(ctx, []byte(`{}`), "sig")
	assert.ErrorIs(t, err, boom, "the provider must see a failure and redeliver")

	applied, werr := store.WasApplied(ctx, "evt_fail")
	require.NoError(t, werr)
	assert.False(t, applied)
}

type failingApplyStore struct {
	*billing.MemoryStore
	err error
}

func (s *failingApplyStore) ApplyEvent(ctx context.Context, eventID string, accountID uuid.UUID, apply func(billing.Record) (billing.Record, error)) error {
	return s.err
}
