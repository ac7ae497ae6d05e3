package billing

// Plan identifies the billing interval an account subscribed to.
// The provider-side price reference for each plan lives in PriceMap.
type Plan string

const (
	PlanMonthly Plan = "monthly"
	PlanYearly  Plan = "yearly"
)

// IsValid reports whether p is a known plan.
func (p Plan) IsValid() bool {
	return p == PlanMonthly || p == PlanYearly
}

// Status represents the local billing state of an account.
type Status string

const (
	// StatusNone is the initial state: the account exists but never checked out.
	StatusNone Status = "none"
	// StatusIncomplete means checkout started but the first payment has not settled yet.
	StatusIncomplete Status = "incomplete"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	// StatusCanceledPending means a cancellation is scheduled at period end
	// but the subscription is still usable until then.
	StatusCanceledPending Status = "canceled_pending"
	// StatusUnpaid means the provider exhausted its dunning attempts.
	StatusUnpaid  Status = "unpaid"
	StatusExpired Status = "expired"

	// StatusCanceled never appears on a Record. It only occurs in provider
	// snapshots and marks a terminal deletion, which the engine finalizes
	// to StatusExpired.
	StatusCanceled Status = "canceled"
)

// IsTerminal reports whether the status ends the current subscription lifecycle.
// A terminal record stays readable and becomes eligible for a fresh checkout.
func (s Status) IsTerminal() bool {
	return s == StatusExpired
}

// IsActiveish reports whether the subscription is still usable, including the
// window where a cancellation is scheduled but not yet effective.
func (s Status) IsActiveish() bool {
	return s == StatusActive || s == StatusPastDue || s == StatusCanceledPending
}

// Money represents a monetary amount in the smallest currency unit.
// $10.99 USD is Amount: 1099, Currency: "USD".
type Money struct {
	Amount   int64
	Currency string // ISO 4217 code
}

// CheckoutOptions contains redirect targets for a hosted checkout session.
type CheckoutOptions struct {
	SuccessURL string // redirect after successful payment
	CancelURL  string // redirect if the customer abandons checkout
}
