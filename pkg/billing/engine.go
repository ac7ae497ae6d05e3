package billing

import (
	"fmt"
	"time"
)

// legalTransitions enumerates which status changes a snapshot may induce.
// Terminal deletions and the canceled_pending exit (reactivation) are handled
// before this table is consulted, so it only covers plain status adoption;
// canceled_pending appears as a target because normalizeIncoming folds the
// scheduled-cancel flag into it. Webhooks have no ordering guarantee, so
// anything not listed here is treated as stale and discarded rather than
// rejected with an error.
var legalTransitions = map[Status]map[Status]bool{
	StatusNone:            {StatusIncomplete: true, StatusActive: true},
	StatusIncomplete:      {StatusActive: true, StatusPastDue: true, StatusUnpaid: true},
	StatusActive:          {StatusActive: true, StatusPastDue: true, StatusUnpaid: true, StatusCanceledPending: true},
	StatusPastDue:         {StatusActive: true, StatusPastDue: true, StatusUnpaid: true, StatusCanceledPending: true},
	StatusCanceledPending: {StatusCanceledPending: true},
	StatusUnpaid:          {StatusActive: true, StatusUnpaid: true},
	// Expired records only leave via a fresh checkout, which arrives as a
	// snapshot for a new subscription id and is handled as a relink.
	StatusExpired: {},
}

// Apply computes the next Record from the current one and an incoming
// provider snapshot. It is a pure, deterministic function: it never touches
// storage, and feeding it a snapshot the record already reflects returns the
// record unchanged (same version), which is what makes webhook redelivery and
// the command-then-webhook race converge instead of double-applying.
//
// Rules are applied in order:
//
//  1. A terminal (canceled) snapshot always finalizes to StatusExpired,
//     regardless of whether the period end has passed. Linkage ids are kept
//     for audit; checkout eligibility comes from the expired status itself.
//  2. A snapshot carrying a period end older than the recorded one is a
//     reordered stale event and is discarded wholesale. Snapshots without a
//     period end (payment_failed is the common one) are exempt.
//  3. canceled_pending is entered only via the cancel-at-period-end flag
//     while active or past due, never via a deletion event, and is left for
//     active only via an explicit flag clear while still inside the period.
//  4. Any other status adoption must be listed in legalTransitions.
//
// The caller supplies now so expiry boundaries are testable; version checks
// happen at the store through conditional writes, not here.
func Apply(current Record, in Snapshot, now time.Time) (Record, error) {
	next := current

	// A snapshot for a different subscription id is either a fresh checkout
	// (record never linked, or previous subscription ended) or a late event
	// for a subscription this record no longer tracks.
	if in.SubscriptionID != "" && in.SubscriptionID != current.ExternalSubscriptionID {
		if !current.CanCheckout() {
			return current, nil
		}
		if in.Status == StatusCanceled {
			// Deletion of a subscription we never activated locally.
			return current, nil
		}
		next.ExternalSubscriptionID = in.SubscriptionID
		if in.CustomerID != "" {
			next.ExternalCustomerID = in.CustomerID
		}
		if in.Plan.IsValid() {
			next.Plan = in.Plan
		}
		next.Status = normalizeIncoming(in, now)
		next.CurrentPeriodEnd = in.PeriodEnd
		next.CancelAtPeriodEnd = next.Status == StatusCanceledPending
		return accept(current, next, now), nil
	}

	// Rule 1: terminal deletion.
	if in.Status == StatusCanceled {
		if current.Status == StatusNone || current.Status == StatusExpired {
			return current, nil
		}
		next.Status = StatusExpired
		next.CancelAtPeriodEnd = false
		return accept(current, next, now), nil
	}

	// Rule 2: stale-event guard. Older period end means webhook reordering.
	if !in.PeriodEnd.IsZero() {
		if in.PeriodEnd.Before(current.CurrentPeriodEnd) {
			return current, nil
		}
		next.CurrentPeriodEnd = in.PeriodEnd
	}

	if in.Plan.IsValid() {
		next.Plan = in.Plan
	}
	if in.CustomerID != "" && current.ExternalCustomerID == "" {
		next.ExternalCustomerID = in.CustomerID
	}

	target := normalizeIncoming(in, now)

	switch {
	case target == current.Status:
		next.Status = target
	case current.Status == StatusCanceledPending && target == StatusActive:
		// Rule 3: reactivation requires the flag to be explicitly cleared
		// while the paid period is still running. A payment event for a
		// subscription that is winding down does not resurrect it.
		if in.CancelAtPeriodEnd == nil || *in.CancelAtPeriodEnd || !current.CurrentPeriodEnd.After(now) {
			// Keep winding down; still adopt a newer period end above.
			next.Status = current.Status
			return settle(current, next, now), nil
		}
		next.Status = StatusActive
		next.CancelAtPeriodEnd = false
	case legalTransitions[current.Status][target]:
		next.Status = target
	default:
		// Out-of-order leftover (e.g. payment_failed after expiry): discard.
		return current, nil
	}

	switch {
	case next.Status == StatusCanceledPending:
		next.CancelAtPeriodEnd = true
	case next.Status != StatusActive && next.Status != StatusPastDue:
		// The flag only means something while the subscription can still
		// renew; a record in unpaid or incomplete must not carry it.
		next.CancelAtPeriodEnd = false
	case in.CancelAtPeriodEnd != nil:
		next.CancelAtPeriodEnd = *in.CancelAtPeriodEnd
	}

	return settle(current, next, now), nil
}

// normalizeIncoming folds the scheduled-cancellation flag into the status the
// record should adopt: an active/past-due subscription with a pending cancel
// is locally canceled_pending.
func normalizeIncoming(in Snapshot, now time.Time) Status {
	s := in.Status
	if in.CancelAtPeriodEnd != nil && *in.CancelAtPeriodEnd &&
		(s == StatusActive || s == StatusPastDue) {
		return StatusCanceledPending
	}
	return s
}

// settle returns current untouched when the snapshot induced no change,
// otherwise stamps the accepted mutation.
func settle(current, next Record, now time.Time) Record {
	if next.Equal(&current) {
		return current
	}
	return accept(current, next, now)
}

func accept(current, next Record, now time.Time) Record {
	next.Version = current.Version + 1
	next.UpdatedAt = now
	return next
}

// Validate checks record invariants after an engine application. It exists
// for tests and store implementations that want a cheap sanity gate before
// persisting.
func Validate(r *Record) error {
	if r.HasSubscription() == (r.Status == StatusNone) {
		return fmt.Errorf("billing: subscription linkage inconsistent with status %q", r.Status)
	}
	if r.CancelAtPeriodEnd && !(r.Status == StatusCanceledPending || r.Status == StatusActive || r.Status == StatusPastDue) {
		return fmt.Errorf("billing: cancel_at_period_end set in status %q", r.Status)
	}
	return nil
}
