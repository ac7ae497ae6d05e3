package billing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testProvider gives the white-box tests a provider without an SDK client.
func testProvider(t *testing.T) *PaddleProvider {
	t.Helper()
	prices, err := NewPriceMap("pri_month", "pri_year")
	require.NoError(t, err)
	return &PaddleProvider{prices: prices, timeout: time.Second}
}

func TestMapPaddleEventType(t *testing.T) {
	t.Parallel()

	cases := map[string]EventType{
		"transaction.completed":         EventPaymentSucceeded,
		"transaction.payment_succeeded": EventPaymentSucceeded,
		"transaction.payment_failed":    EventPaymentFailed,
		"subscription.canceled":         EventSubscriptionCanceled,
		"subscription.created":          EventSubscriptionUpdated,
		"subscription.updated":          EventSubscriptionUpdated,
		"subscription.activated":        EventSubscriptionUpdated,
		"subscription.resumed":          EventSubscriptionUpdated,
		"subscription.paused":           EventSubscriptionUpdated,
		"price.updated":                 EventUnknown,
		"customer.created":              EventUnknown,
		"":                              EventUnknown,
	}

	for in, want := range cases {
		assert.Equal(t, want, mapPaddleEventType(in), "event %q", in)
	}
}

func TestMapPaddleStatus(t *testing.T) {
	t.Parallel()

	cases := map[string]Status{
		"active":    StatusActive,
		"trialing":  StatusActive,
		"past_due":  StatusPastDue,
		"paused":    StatusUnpaid,
		"unpaid":    StatusUnpaid,
		"canceled":  StatusCanceled,
		"cancelled": StatusCanceled,
		"CANCELED":  StatusCanceled,
	}

	for in, want := range cases {
		assert.Equal(t, want, mapPaddleStatus(in), "status %q", in)
	}
}

func TestSnapshotFromWebhookData_SubscriptionUpdated(t *testing.T) {
	t.Parallel()
	p := testProvider(t)

	data := mustUnmarshalMap(t, `{
		"id": "sub_123",
		"customer_id": "ctm_123",
		"status": "active",
		"current_billing_period": {"ends_at": "2025-07-01T00:00:00Z"},
		"scheduled_change": null,
		"items": [{"price": {"id": "pri_year"}}]
	}`)

	snap := p.snapshotFromWebhookData("subscription.updated", data)

	assert.Equal(t, "sub_123", snap.SubscriptionID)
	assert.Equal(t, "ctm_123", snap.CustomerID)
	assert.Equal(t, StatusActive, snap.Status)
	assert.Equal(t, PlanYearly, snap.Plan)
	assert.True(t, snap.PeriodEnd.Equal(time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)))
	require.NotNil(t, snap.CancelAtPeriodEnd, "subscription payloads always carry the flag")
	assert.False(t, *snap.CancelAtPeriodEnd)
}

func TestSnapshotFromWebhookData_ScheduledCancel(t *testing.T) {
	t.Parallel()
	p := testProvider(t)

	data := mustUnmarshalMap(t, `{
		"id": "sub_123",
		"customer_id": "ctm_123",
		"status": "active",
		"current_billing_period": {"ends_at": "2025-07-01T00:00:00Z"},
		"scheduled_change": {"action": "cancel", "effective_at": "2025-07-01T00:00:00Z"},
		"items": [{"price": {"id": "pri_month"}}]
	}`)

	snap := p.snapshotFromWebhookData("subscription.updated", data)

	require.NotNil(t, snap.CancelAtPeriodEnd)
	assert.True(t, *snap.CancelAtPeriodEnd)
	assert.Equal(t, StatusActive, snap.Status, "flag folding happens in the engine, not the parser")
}

func TestSnapshotFromWebhookData_SubscriptionCanceled(t *testing.T) {
	t.Parallel()
	p := testProvider(t)

	data := mustUnmarshalMap(t, `{
		"id": "sub_123",
		"customer_id": "ctm_123",
		"status": "canceled"
	}`)

	snap := p.snapshotFromWebhookData("subscription.canceled", data)

	assert.Equal(t, StatusCanceled, snap.Status)
	assert.Nil(t, snap.CancelAtPeriodEnd, "terminal events carry no renewal flag")
}

func TestSnapshotFromWebhookData_TransactionCompleted(t *testing.T) {
	t.Parallel()
	p := testProvider(t)

	data := mustUnmarshalMap(t, `{
		"subscription_id": "sub_123",
		"customer_id": "ctm_123",
		"billing_period": {"ends_at": "2025-08-01T00:00:00Z"},
		"items": [{"price_id": "pri_month"}]
	}`)

	snap := p.snapshotFromWebhookData("transaction.completed", data)

	assert.Equal(t, "sub_123", snap.SubscriptionID)
	assert.Equal(t, StatusActive, snap.Status)
	assert.Equal(t, PlanMonthly, snap.Plan)
	assert.True(t, snap.PeriodEnd.Equal(time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)))
	assert.Nil(t, snap.CancelAtPeriodEnd, "payment events must not touch the cancel flag")
}

func TestSnapshotFromWebhookData_PaymentFailed(t *testing.T) {
	t.Parallel()
	p := testProvider(t)

	data := mustUnmarshalMap(t, `{
		"subscription_id": "sub_123",
		"customer_id": "ctm_123"
	}`)

	snap := p.snapshotFromWebhookData("transaction.payment_failed", data)

	assert.Equal(t, StatusPastDue, snap.Status)
	assert.True(t, snap.PeriodEnd.IsZero(), "failed payments advance nothing")
	assert.Nil(t, snap.CancelAtPeriodEnd)
}

func TestAccountIDFromCustomData(t *testing.T) {
	t.Parallel()

	accountID := uuid.New()

	got := accountIDFromCustomData(map[string]any{
		"custom_data": map[string]any{customDataAccountKey: accountID.String()},
	})
	assert.Equal(t, accountID, got)

	assert.Equal(t, uuid.Nil, accountIDFromCustomData(map[string]any{}))
	assert.Equal(t, uuid.Nil, accountIDFromCustomData(map[string]any{
		"custom_data": map[string]any{customDataAccountKey: "not-a-uuid"},
	}))
	assert.Equal(t, uuid.Nil, accountIDFromCustomData(map[string]any{
		"custom_data": "garbage",
	}))
}

func TestClassifyProviderErr(t *testing.T) {
	t.Parallel()

	assert.NoError(t, classifyProviderErr(nil))

	err := classifyProviderErr(context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	err = classifyProviderErr(context.Canceled)
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	err = classifyProviderErr(&timeoutErr{})
	assert.ErrorIs(t, err, ErrProviderUnavailable)

	err = classifyProviderErr(errors.New("validation failed"))
	assert.ErrorIs(t, err, ErrProviderRejected)
	assert.NotErrorIs(t, err, ErrProviderUnavailable)
}

type timeoutErr struct{}

func (*timeoutErr) Error() string   { return "i/o timeout" }
func (*timeoutErr) Timeout() bool   { return true }
func (*timeoutErr) Temporary() bool { return true }

// apiTestProvider points the SDK client at a local test server so provider
// calls can be exercised end to end.
func apiTestProvider(t *testing.T, handler http.HandlerFunc) *PaddleProvider {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := paddle.New("pdl_test_key", paddle.WithBaseURL(srv.URL))
	require.NoError(t, err)

	prices, err := NewPriceMap("pri_month", "pri_year")
	require.NoError(t, err)

	return &PaddleProvider{client: client, prices: prices, timeout: 5 * time.Second}
}

func TestUpdateSubscriptionPlan(t *testing.T) {
	t.Parallel()

	p := apiTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/subscriptions/sub_123", r.URL.Path)

		var body struct {
			Items []struct {
				PriceID  string `json:"price_id"`
				Quantity int    `json:"quantity"`
			} `json:"items"`
			ProrationBillingMode string `json:"proration_billing_mode"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Items, 1)
		assert.Equal(t, "pri_year", body.Items[0].PriceID)
		assert.Equal(t, 1, body.Items[0].Quantity)
		assert.Equal(t, "prorated_immediately", body.ProrationBillingMode)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data": {
			"id": "sub_123",
			"customer_id": "ctm_123",
			"status": "active",
			"current_billing_period": {"starts_at": "2025-06-01T00:00:00Z", "ends_at": "2026-06-01T00:00:00Z"},
			"scheduled_change": null,
			"items": [{"status": "active", "quantity": 1, "price": {"id": "pri_year"}}]
		}}`))
	})

	snap, err := p.UpdateSubscriptionPlan(context.Background(), "sub_123", PlanYearly, true)
	require.NoError(t, err)

	assert.Equal(t, "sub_123", snap.SubscriptionID)
	assert.Equal(t, StatusActive, snap.Status)
	assert.Equal(t, PlanYearly, snap.Plan)
	assert.True(t, snap.PeriodEnd.Equal(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)))
	require.NotNil(t, snap.CancelAtPeriodEnd)
	assert.False(t, *snap.CancelAtPeriodEnd)
}

func TestNewPaddleProvider_ConfigErrors(t *testing.T) {
	t.Parallel()

	base := PaddleConfig{
		APIKey:         "key",
		WebhookSecret:  "secret",
		Environment:    "sandbox",
		MonthlyPriceID: "pri_month",
		YearlyPriceID:  "pri_year",
	}

	cfg := base
	cfg.APIKey = ""
	_, err := NewPaddleProvider(cfg)
	assert.ErrorIs(t, err, ErrMissingAPIKey)

	cfg = base
	cfg.WebhookSecret = ""
	_, err = NewPaddleProvider(cfg)
	assert.ErrorIs(t, err, ErrMissingSecret)

	cfg = base
	cfg.MonthlyPriceID = ""
	_, err = NewPaddleProvider(cfg)
	assert.ErrorIs(t, err, ErrInvalidPriceMap)

	cfg = base
	cfg.Environment = "staging"
	_, err = NewPaddleProvider(cfg)
	assert.ErrorIs(t, err, ErrBadEnvironment)
}

func mustUnmarshalMap(t *testing.T, raw string) map[string]any {
	t.Helper()
	var data map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &data))
	return data
}
