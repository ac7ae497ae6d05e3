package billing

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on a pgx connection pool.
//
// Schema (see migrations/):
//
//	billing_records        keyed by account_id, indexed by external_subscription_id
//	billing_applied_events keyed by event_id, append-only
//
// Update is a conditional write on the version column; ApplyEvent wraps the
// webhook read-apply-write in one transaction with a row lock so duplicate or
// concurrent deliveries for the same account serialize instead of racing.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const recordColumns = `account_id, external_customer_id, external_subscription_id,
	plan, status, current_period_end, cancel_at_period_end, version, created_at, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(
		&rec.AccountID,
		&rec.ExternalCustomerID,
		&rec.ExternalSubscriptionID,
		&rec.Plan,
		&rec.Status,
		&rec.CurrentPeriodEnd,
		&rec.CancelAtPeriodEnd,
		&rec.Version,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) Get(ctx context.Context, accountID uuid.UUID) (*Record, error) {
	return s.getTx(ctx, s.pool, accountID, false)
}

func (s *PostgresStore) getTx(ctx context.Context, q querier, accountID uuid.UUID, forUpdate bool) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM billing_records WHERE account_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return scanRecord(q.QueryRow(ctx, query, accountID))
}

func (s *PostgresStore) GetBySubscriptionID(ctx context.Context, subID string) (*Record, error) {
	if subID == "" {
		return nil, ErrRecordNotFound
	}
	return scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM billing_records WHERE external_subscription_id = $1`,
		subID))
}

func (s *PostgresStore) Create(ctx context.Context, rec *Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO billing_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.AccountID, rec.ExternalCustomerID, rec.ExternalSubscriptionID,
		rec.Plan, rec.Status, rec.CurrentPeriodEnd, rec.CancelAtPeriodEnd,
		rec.Version, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrRecordExists
		}
		return err
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, rec *Record, expectedVersion int64) error {
	return s.updateTx(ctx, s.pool, rec, expectedVersion)
}

func (s *PostgresStore) updateTx(ctx context.Context, q querier, rec *Record, expectedVersion int64) error {
	tag, err := q.Exec(ctx, `
		UPDATE billing_records SET
			external_customer_id = $2,
			external_subscription_id = $3,
			plan = $4,
			status = $5,
			current_period_end = $6,
			cancel_at_period_end = $7,
			version = $8,
			updated_at = $9
		WHERE account_id = $1 AND version = $10`,
		rec.AccountID, rec.ExternalCustomerID, rec.ExternalSubscriptionID,
		rec.Plan, rec.Status, rec.CurrentPeriodEnd, rec.CancelAtPeriodEnd,
		rec.Version, rec.UpdatedAt, expectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) WasApplied(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM billing_applied_events WHERE event_id = $1)`,
		eventID).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) MarkApplied(ctx context.Context, eventID string, accountID uuid.UUID) error {
	return s.markAppliedTx(ctx, s.pool, eventID, accountID)
}

func (s *PostgresStore) markAppliedTx(ctx context.Context, q querier, eventID string, accountID uuid.UUID) error {
	// ON CONFLICT DO NOTHING keeps redelivered events from failing the
	// transaction; the dedup check already decided this event is fresh.
	_, err := q.Exec(ctx, `
		INSERT INTO billing_applied_events (event_id, account_id, applied_at)
		VALUES ($1, $2, now())
		ON CONFLICT (event_id) DO NOTHING`,
		eventID, accountID)
	return err
}

func (s *PostgresStore) ApplyEvent(ctx context.Context, eventID string, accountID uuid.UUID, apply func(current Record) (Record, error)) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Re-check dedup inside the transaction: the pre-check in the
		// ingestion service is an optimization, this one is the guarantee.
		var seen bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM billing_applied_events WHERE event_id = $1)`,
			eventID).Scan(&seen); err != nil {
			return err
		}
		if seen {
			return nil
		}

		current, err := s.getTx(ctx, tx, accountID, true)
		if err != nil {
			return err
		}

		next, err := apply(*current)
		if err != nil {
			return err
		}

		// Engine returned the record unchanged: nothing to write, but the
		// event is still recorded as applied so redelivery stays a no-op.
		if next.Version != current.Version {
			if err := s.updateTx(ctx, tx, &next, current.Version); err != nil {
				return err
			}
		}

		return s.markAppliedTx(ctx, tx, eventID, accountID)
	})
}
