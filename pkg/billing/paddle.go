package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
	"github.com/google/uuid"
)

// PaddleConfig holds configuration for the Paddle billing provider.
type PaddleConfig struct {
	APIKey        string `env:"PADDLE_API_KEY,required"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET,required"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`

	// Catalog price references for the two plans this system sells.
	MonthlyPriceID string `env:"PADDLE_PRICE_MONTHLY,required"`
	YearlyPriceID  string `env:"PADDLE_PRICE_YEARLY,required"`

	// RequestTimeout bounds every provider API call. A timed-out mutation
	// must be treated as failed locally; the webhook is the source of truth
	// if it went through on the provider side.
	RequestTimeout time.Duration `env:"PADDLE_REQUEST_TIMEOUT" envDefault:"15s"`
}

// PaddleProvider implements Provider on the official Paddle SDK.
type PaddleProvider struct {
	client   *paddle.SDK
	verifier *paddle.WebhookVerifier
	prices   PriceMap
	timeout  time.Duration
}

// NewPaddleProvider creates a Paddle-backed billing provider.
func NewPaddleProvider(cfg PaddleConfig) (*PaddleProvider, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.WebhookSecret == "" {
		return nil, ErrMissingSecret
	}

	prices, err := NewPriceMap(cfg.MonthlyPriceID, cfg.YearlyPriceID)
	if err != nil {
		return nil, err
	}

	var client *paddle.SDK
	switch strings.ToLower(cfg.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(cfg.APIKey)
	case "production", "":
		client, err = paddle.New(cfg.APIKey)
	default:
		return nil, fmt.Errorf("%w: %s", ErrBadEnvironment, cfg.Environment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &PaddleProvider{
		client:   client,
		verifier: paddle.NewWebhookVerifier(cfg.WebhookSecret),
		prices:   prices,
		timeout:  timeout,
	}, nil
}

// customDataAccountKey is echoed back in every webhook so events can be
// mapped to an account before the subscription id is linked locally.
const customDataAccountKey = "account_id"

// CreateCheckoutSession creates a hosted checkout transaction in Paddle.
func (p *PaddleProvider) CreateCheckoutSession(ctx context.Context, accountID uuid.UUID, plan Plan, opts CheckoutOptions) (*CheckoutSession, error) {
	priceID, err := p.prices.PriceID(plan)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  priceID,
		Quantity: 1,
	})

	req := &paddle.CreateTransactionRequest{
		Items: []paddle.CreateTransactionItems{*item},
		CustomData: paddle.CustomData{
			customDataAccountKey: accountID.String(),
		},
	}
	if opts.SuccessURL != "" {
		req.Checkout = &paddle.TransactionCheckout{
			URL: paddle.PtrTo(opts.SuccessURL),
		}
	}

	txn, err := p.client.TransactionsClient.CreateTransaction(ctx, req)
	if err != nil {
		return nil, classifyProviderErr(err)
	}

	if txn.Checkout == nil || txn.Checkout.URL == nil || *txn.Checkout.URL == "" {
		return nil, ErrNoCheckoutURL
	}

	return &CheckoutSession{
		SessionID:   txn.ID,
		RedirectURL: *txn.Checkout.URL,
		// Paddle checkout links expire after roughly 24 hours.
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}, nil
}

// RetrieveSubscription fetches the live subscription state from Paddle.
func (p *PaddleProvider) RetrieveSubscription(ctx context.Context, subID string) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	sub, err := p.client.SubscriptionsClient.GetSubscription(ctx, &paddle.GetSubscriptionRequest{
		SubscriptionID: subID,
	})
	if err != nil {
		return Snapshot{}, classifyProviderErr(err)
	}
	return p.snapshotFromSubscription(sub), nil
}

// UpdateSubscriptionPlan swaps the subscription's catalog item to the new
// plan's price. Paddle computes the prorated charge and the new period end,
// both reflected in the returned snapshot.
func (p *PaddleProvider) UpdateSubscriptionPlan(ctx context.Context, subID string, plan Plan, prorate bool) (Snapshot, error) {
	priceID, err := p.prices.PriceID(plan)
	if err != nil {
		return Snapshot{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	mode := paddle.ProrationBillingModeFullNextBillingPeriod
	if prorate {
		mode = paddle.ProrationBillingModeProratedImmediately
	}

	item := paddle.NewUpdateSubscriptionItemsSubscriptionUpdateItemFromCatalog(&paddle.SubscriptionUpdateItemFromCatalog{
		PriceID:  priceID,
		Quantity: 1,
	})

	sub, err := p.client.SubscriptionsClient.UpdateSubscription(ctx, &paddle.UpdateSubscriptionRequest{
		SubscriptionID:       subID,
		Items:                paddle.NewPatchField([]paddle.UpdateSubscriptionItems{*item}),
		ProrationBillingMode: paddle.NewPatchField(mode),
	})
	if err != nil {
		return Snapshot{}, classifyProviderErr(err)
	}
	return p.snapshotFromSubscription(sub), nil
}

// SetCancelAtPeriodEnd schedules a cancellation for the end of the current
// billing period, or removes an already scheduled one.
func (p *PaddleProvider) SetCancelAtPeriodEnd(ctx context.Context, subID string, cancelAtEnd bool) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var (
		sub *paddle.Subscription
		err error
	)
	if cancelAtEnd {
		sub, err = p.client.SubscriptionsClient.CancelSubscription(ctx, &paddle.CancelSubscriptionRequest{
			SubscriptionID: subID,
			EffectiveFrom:  paddle.PtrTo(paddle.EffectiveFromNextBillingPeriod),
		})
	} else {
		// Removing the scheduled change reinstates renewal.
		sub, err = p.client.SubscriptionsClient.UpdateSubscription(ctx, &paddle.UpdateSubscriptionRequest{
			SubscriptionID:  subID,
			ScheduledChange: paddle.NewPatchField[*paddle.SubscriptionScheduledChange](nil),
		})
	}
	if err != nil {
		return Snapshot{}, classifyProviderErr(err)
	}
	return p.snapshotFromSubscription(sub), nil
}

// CancelImmediately terminates the subscription right away.
func (p *PaddleProvider) CancelImmediately(ctx context.Context, subID string) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	sub, err := p.client.SubscriptionsClient.CancelSubscription(ctx, &paddle.CancelSubscriptionRequest{
		SubscriptionID: subID,
		EffectiveFrom:  paddle.PtrTo(paddle.EffectiveFromImmediately),
	})
	if err != nil {
		return Snapshot{}, classifyProviderErr(err)
	}
	return p.snapshotFromSubscription(sub), nil
}

// CreatePortalSession returns a pre-authenticated Paddle customer portal link.
func (p *PaddleProvider) CreatePortalSession(ctx context.Context, customerID string, returnURL string) (*PortalSession, error) {
	if customerID == "" {
		return nil, ErrMissingCustomer
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	session, err := p.client.CustomerPortalSessionsClient.CreateCustomerPortalSession(ctx, &paddle.CreateCustomerPortalSessionRequest{
		CustomerID: customerID,
	})
	if err != nil {
		return nil, classifyProviderErr(err)
	}

	if session.URLs.General.Overview == "" {
		return nil, ErrNoPortalURL
	}

	return &PortalSession{
		RedirectURL: session.URLs.General.Overview,
		// Portal links typically expire in 24 hours.
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}, nil
}

// VerifyAndParseEvent validates the Paddle webhook signature against the raw
// body and normalizes the event. The signature covers the exact bytes, so
// callers must pass the body unmodified.
func (p *PaddleProvider) VerifyAndParseEvent(ctx context.Context, rawBody []byte, signatureHeader string) (*Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhook", bytes.NewReader(rawBody))
	if err != nil {
		return nil, fmt.Errorf("failed to build verification request: %w", err)
	}
	req.Header.Set("Paddle-Signature", signatureHeader)

	valid, err := p.verifier.Verify(req)
	if err != nil {
		return nil, errors.Join(ErrSignatureInvalid, err)
	}
	if !valid {
		return nil, ErrSignatureInvalid
	}

	var raw struct {
		EventID    string         `json:"event_id"`
		EventType  string         `json:"event_type"`
		OccurredAt time.Time      `json:"occurred_at"`
		Data       map[string]any `json:"data"`
	}
	if err := json.Unmarshal(rawBody, &raw); err != nil {
		return nil, errors.Join(ErrMalformedPayload, err)
	}
	if raw.EventID == "" {
		return nil, errors.Join(ErrMalformedPayload, errors.New("missing event_id"))
	}

	ev := &Event{
		ID:            raw.EventID,
		Type:          mapPaddleEventType(raw.EventType),
		ProviderEvent: raw.EventType,
		OccurredAt:    raw.OccurredAt,
	}
	if ev.Type == EventUnknown {
		return ev, nil
	}

	ev.Snapshot = p.snapshotFromWebhookData(raw.EventType, raw.Data)
	ev.AccountID = accountIDFromCustomData(raw.Data)
	return ev, nil
}

// snapshotFromSubscription normalizes an SDK subscription object.
func (p *PaddleProvider) snapshotFromSubscription(sub *paddle.Subscription) Snapshot {
	snap := Snapshot{
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		Status:         mapPaddleStatus(string(sub.Status)),
	}

	if sub.CurrentBillingPeriod != nil {
		if t, err := time.Parse(time.RFC3339, sub.CurrentBillingPeriod.EndsAt); err == nil {
			snap.PeriodEnd = t
		}
	}

	// Live subscription objects are full snapshots: the cancellation flag is
	// always populated, derived from the scheduled change.
	cancelScheduled := sub.ScheduledChange != nil &&
		sub.ScheduledChange.Action == paddle.ScheduledChangeActionCancel
	snap.CancelAtPeriodEnd = &cancelScheduled

	for _, item := range sub.Items {
		if plan := p.prices.PlanFor(item.Price.ID); plan.IsValid() {
			snap.Plan = plan
			break
		}
	}

	return snap
}

// snapshotFromWebhookData extracts a snapshot from the raw webhook payload.
// Paddle's event shapes differ between subscription.* and transaction.*
// events, so the fields are picked out manually, mirroring the documented
// payload structure instead of binding to SDK notification types.
func (p *PaddleProvider) snapshotFromWebhookData(eventType string, data map[string]any) Snapshot {
	var snap Snapshot

	if strings.HasPrefix(eventType, "subscription.") {
		snap.SubscriptionID, _ = data["id"].(string)
		snap.CustomerID, _ = data["customer_id"].(string)

		if status, ok := data["status"].(string); ok {
			snap.Status = mapPaddleStatus(status)
		}
		if eventType == "subscription.canceled" {
			snap.Status = StatusCanceled
		}

		if period, ok := data["current_billing_period"].(map[string]any); ok {
			if ends, ok := period["ends_at"].(string); ok {
				if t, err := time.Parse(time.RFC3339, ends); err == nil {
					snap.PeriodEnd = t
				}
			}
		}

		// subscription.* payloads are full snapshots; resolve the flag from
		// the scheduled change (absent means renewal is on).
		if snap.Status != StatusCanceled {
			cancelScheduled := false
			if change, ok := data["scheduled_change"].(map[string]any); ok {
				action, _ := change["action"].(string)
				cancelScheduled = action == "cancel"
			}
			snap.CancelAtPeriodEnd = &cancelScheduled
		}

		if items, ok := data["items"].([]any); ok {
			for _, it := range items {
				item, ok := it.(map[string]any)
				if !ok {
					continue
				}
				price, ok := item["price"].(map[string]any)
				if !ok {
					continue
				}
				if priceID, ok := price["id"].(string); ok {
					if plan := p.prices.PlanFor(priceID); plan.IsValid() {
						snap.Plan = plan
						break
					}
				}
			}
		}
		return snap
	}

	// transaction.* events carry the subscription reference and, for
	// successful payments, the freshly advanced billing period. They are
	// status-only as far as the engine is concerned: no cancellation flag.
	snap.SubscriptionID, _ = data["subscription_id"].(string)
	snap.CustomerID, _ = data["customer_id"].(string)

	switch eventType {
	case "transaction.completed", "transaction.payment_succeeded":
		snap.Status = StatusActive
		if period, ok := data["billing_period"].(map[string]any); ok {
			if ends, ok := period["ends_at"].(string); ok {
				if t, err := time.Parse(time.RFC3339, ends); err == nil {
					snap.PeriodEnd = t
				}
			}
		}
		if items, ok := data["items"].([]any); ok {
			for _, it := range items {
				item, ok := it.(map[string]any)
				if !ok {
					continue
				}
				if priceID, ok := item["price_id"].(string); ok {
					if plan := p.prices.PlanFor(priceID); plan.IsValid() {
						snap.Plan = plan
						break
					}
				}
			}
		}
	case "transaction.payment_failed":
		snap.Status = StatusPastDue
	}

	return snap
}

func accountIDFromCustomData(data map[string]any) uuid.UUID {
	custom, ok := data["custom_data"].(map[string]any)
	if !ok {
		return uuid.Nil
	}
	raw, ok := custom[customDataAccountKey].(string)
	if !ok {
		return uuid.Nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil
	}
	return id
}

// mapPaddleEventType maps Paddle event names to normalized event types.
func mapPaddleEventType(paddleEvent string) EventType {
	switch paddleEvent {
	case "transaction.completed", "transaction.payment_succeeded":
		return EventPaymentSucceeded
	case "transaction.payment_failed":
		return EventPaymentFailed
	case "subscription.canceled":
		return EventSubscriptionCanceled
	case "subscription.created", "subscription.updated",
		"subscription.activated", "subscription.resumed", "subscription.paused":
		return EventSubscriptionUpdated
	default:
		return EventUnknown
	}
}

// mapPaddleStatus maps Paddle subscription statuses to local statuses.
func mapPaddleStatus(paddleStatus string) Status {
	switch strings.ToLower(paddleStatus) {
	case "active", "trialing":
		return StatusActive
	case "past_due":
		return StatusPastDue
	case "paused", "unpaid":
		return StatusUnpaid
	case "canceled", "cancelled":
		return StatusCanceled
	case "incomplete":
		return StatusIncomplete
	default:
		return Status(strings.ToLower(paddleStatus))
	}
}

// classifyProviderErr splits provider failures into "unreachable" (timeouts,
// transport errors; local state must not change) and "rejected" (the provider
// refused the mutation; surfaced to the caller, never retried blindly).
func classifyProviderErr(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.As(err, &netErr) {
		return errors.Join(ErrProviderUnavailable, err)
	}
	return errors.Join(ErrProviderRejected, err)
}
