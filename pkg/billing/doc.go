// Package billing keeps a locally-owned account billing record consistent
// with a subscription owned by an external billing provider.
//
// The provider is the source of truth for money movement; this package owns
// the Record used for premium access decisions and the rules for updating it
// from provider state. Provider state arrives on two paths that race with
// each other: synchronous snapshots returned by mutating API calls, and
// asynchronous webhooks that can be delivered late, out of order, or more
// than once. Both paths converge through the same pure function, Apply,
// which makes reapplying already-reflected state a no-op.
//
// # Components
//
//   - Provider: typed client for the payment API (Paddle implementation
//     included). Mutations return the resulting snapshot so callers close
//     the read-after-write gap without waiting for the webhook.
//   - Apply: the reconciliation engine. Deterministic, storage-free,
//     discards stale snapshots (older period end), folds the provider's
//     scheduled-cancellation flag into the local canceled_pending status,
//     and finalizes deletions to expired.
//   - Store: persistence for records and applied event ids. Record writes
//     are conditional on the version column; ApplyEvent wraps the webhook
//     read-apply-write-dedup sequence in one transaction.
//
// # Concurrency
//
// There is no global lock. The only shared mutable state is the per-account
// Record, guarded by its Version field: every accepted mutation increments
// it, and a write with a stale expected version fails with
// ErrVersionConflict so the caller re-reads and retries. Unrelated accounts
// never contend.
//
// # Usage
//
//	provider, err := billing.NewPaddleProvider(cfg)
//	if err != nil { ... }
//
//	store := billing.NewPostgresStore(pool)
//
//	rec, err := store.Get(ctx, accountID)
//	snap, err := provider.SetCancelAtPeriodEnd(ctx, rec.ExternalSubscriptionID, true)
//	next, err := billing.Apply(*rec, snap, time.Now().UTC())
//	err = store.Update(ctx, &next, rec.Version)
//
// The svc/billing package packages these steps into command, checkout, and
// webhook ingestion services with an HTTP surface.
package billing
