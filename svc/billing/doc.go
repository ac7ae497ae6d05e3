// Package billing packages the reconciliation core from pkg/billing into
// deployable services: the command service (checkout, portal, cancel,
// reactivate, change plan, status), the webhook ingestion service, and a chi
// HTTP surface for both.
//
// The command and webhook services run as independent concurrent request
// handlers with no shared lock; all coordination happens through the
// per-account version field in the record store. Commands call the provider
// synchronously and reconcile its returned snapshot immediately, so the user
// sees the effect without waiting for the webhook; the webhook for the same
// change later converges to a no-op through the engine's idempotent apply.
package billing
