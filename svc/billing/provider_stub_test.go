package billing_test

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

// stubProvider implements billing.Provider with overridable funcs so each
// test wires only the calls it expects. Unstubbed calls fail loudly.
type stubProvider struct {
	createCheckout    func(ctx context.Context, accountID uuid.UUID, plan billing.Plan, opts billing.CheckoutOptions) (*billing.CheckoutSession, error)
	retrieve          func(ctx context.Context, subID string) (billing.Snapshot, error)
	updatePlan        func(ctx context.Context, subID string, plan billing.Plan, prorate bool) (billing.Snapshot, error)
	setCancelAtEnd    func(ctx context.Context, subID string, cancelAtEnd bool) (billing.Snapshot, error)
	cancelImmediately func(ctx context.Context, subID string) (billing.Snapshot, error)
	createPortal      func(ctx context.Context, customerID, returnURL string) (*billing.PortalSession, error)
	verifyAndParse    func(ctx context.Context, rawBody []byte, signatureHeader string) (*billing.Event, error)
}

var errUnexpectedCall = errors.New("unexpected provider call")

func (p *stubProvider) CreateCheckoutSession(ctx context.Context, accountID uuid.UUID, plan billing.Plan, opts billing.CheckoutOptions) (*billing.CheckoutSession, error) {
	if p.createCheckout == nil {
		return nil, errUnexpectedCall
	}
	return p.createCheckout(ctx, accountID, plan, opts)
}

func (p *stubProvider) RetrieveSubscription(ctx context.Context, subID string) (billing.Snapshot, error) {
	if p.retrieve == nil {
		return billing.Snapshot{}, errUnexpectedCall
	}
	return p.retrieve(ctx, subID)
}

func (p *stubProvider) UpdateSubscriptionPlan(ctx context.Context, subID string, plan billing.Plan, prorate bool) (billing.Snapshot, error) {
	if p.updatePlan == nil {
		return billing.Snapshot{}, errUnexpectedCall
	}
	return p.updatePlan(ctx, subID, plan, prorate)
}

func (p *stubProvider) SetCancelAtPeriodEnd(ctx context.Context, subID string, cancelAtEnd bool) (billing.Snapshot, error) {
	if p.setCancelAtEnd == nil {
		return billing.Snapshot{}, errUnexpectedCall
	}
	return p.setCancelAtEnd(ctx, subID, cancelAtEnd)
}

func (p *stubProvider) CancelImmediately(ctx context.Context, subID string) (billing.Snapshot, error) {
	if p.cancelImmediately == nil {
		return billing.Snapshot{}, errUnexpectedCall
	}
	return p.cancelImmediately(ctx, subID)
}

func (p *stubProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (*billing.PortalSession, error) {
	if p.createPortal == nil {
		return nil, errUnexpectedCall
	}
	return p.createPortal(ctx, customerID, returnURL)
}

func (p *stubProvider) VerifyAndParseEvent(ctx context.Context, rawBody []byte, signatureHeader string) (*billing.Event, error) {
	if p.verifyAndParse == nil {
		return nil, errUnexpectedCall
	}
	return p.verifyAndParse(ctx, rawBody, signatureHeader)
}

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func ptrBool(b bool) *bool { return &b }
