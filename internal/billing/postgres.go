package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"agripay/internal/common/database"
	"agripay/internal/common/money"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const billingColumns = `
	id, billing_ref, customer_id, customer_name, customer_phone, agent_id,
	service_type, service_name, service_description,
	frequency, amount, currency, billing_day, start_date, end_date, next_billing_date, last_billing_date,
	status, status_note, total_payments, total_amount_collected, failed_payment_count,
	max_failures, grace_period_days, auto_suspend, last_payment_ref, last_payment_id,
	suspended_at, cancelled_at, created_by, deleted, deleted_at, deleted_by,
	created_at, updated_at, version`

func (s *PostgresStore) Create(ctx context.Context, b *Billing) error {
	query := `INSERT INTO billings (` + billingColumns + `) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
		$19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33, $34, $35, $36
	)`

	_, err := s.pool.Exec(ctx, query,
		b.ID, b.BillingRef, b.CustomerID, database.NullStr(b.CustomerName), b.CustomerPhone, database.NullStr(b.AgentID),
		b.ServiceType, b.ServiceName, database.NullStr(b.ServiceDescription),
		b.Frequency, b.Amount.Amount, b.Amount.Currency, b.BillingDay, b.StartDate, b.EndDate, b.NextBillingDate, b.LastBillingDate,
		b.Status, database.NullStr(b.StatusNote), b.TotalPayments, b.TotalCollected.Amount, b.FailedPaymentCount,
		b.MaxFailures, b.GracePeriodDays, b.AutoSuspend, database.NullStr(b.LastPaymentRef), database.NullStr(b.LastPaymentID),
		b.SuspendedAt, b.CancelledAt, database.NullStr(b.CreatedBy), b.Deleted, b.DeletedAt, database.NullStr(b.DeletedBy),
		b.CreatedAt, b.UpdatedAt, int64(1),
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("billing %s: %w", b.BillingRef, database.ErrAlreadyExists)
		}
		return fmt.Errorf("insert billing: %w", err)
	}
	b.Version = 1
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Billing, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+billingColumns+` FROM billings WHERE id = $1 AND NOT deleted`, id)
	return scanBilling(row)
}

func (s *PostgresStore) Update(ctx context.Context, b *Billing) error {
	query := `
		UPDATE billings SET
			customer_phone = $3, next_billing_date = $4, last_billing_date = $5,
			status = $6, status_note = $7, total_payments = $8, total_amount_collected = $9,
			failed_payment_count = $10, last_payment_ref = $11, last_payment_id = $12,
			suspended_at = $13, cancelled_at = $14, deleted = $15, deleted_at = $16, deleted_by = $17,
			updated_at = $18, version = version + 1
		WHERE id = $1 AND version = $2
	`

	tag, err := s.pool.Exec(ctx, query,
		b.ID, b.Version,
		b.CustomerPhone, b.NextBillingDate, b.LastBillingDate,
		b.Status, database.NullStr(b.StatusNote), b.TotalPayments, b.TotalCollected.Amount,
		b.FailedPaymentCount, database.NullStr(b.LastPaymentRef), database.NullStr(b.LastPaymentID),
		b.SuspendedAt, b.CancelledAt, b.Deleted, b.DeletedAt, database.NullStr(b.DeletedBy),
		b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update billing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("billing %s version %d: %w", b.BillingRef, b.Version, database.ErrConflict)
	}
	b.Version++
	return nil
}

func (s *PostgresStore) ListDue(ctx context.Context, cutoff time.Time) ([]*Billing, error) {
	return s.list(ctx, `SELECT `+billingColumns+` FROM billings
		WHERE status = 'ACTIVE' AND next_billing_date < $1 AND NOT deleted
		ORDER BY next_billing_date ASC`, cutoff)
}

func (s *PostgresStore) ListByCustomer(ctx context.Context, customerID string) ([]*Billing, error) {
	return s.list(ctx, `SELECT `+billingColumns+` FROM billings
		WHERE customer_id = $1 AND NOT deleted
		ORDER BY created_at DESC`, customerID)
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Billing, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query billings: %w", err)
	}
	defer rows.Close()

	var billings []*Billing
	for rows.Next() {
		b, err := scanBilling(rows)
		if err != nil {
			return nil, err
		}
		billings = append(billings, b)
	}
	return billings, rows.Err()
}

func scanBilling(row pgx.Row) (*Billing, error) {
	var (
		b                                  Billing
		customerName, agentID, description *string
		statusNote, lastRef, lastID        *string
		createdBy, deletedBy               *string
		amount, collected                  decimal.Decimal
		currency                           string
		startDate, nextDate                time.Time
		endDate, lastDate                  *time.Time
	)

	err := row.Scan(
		&b.ID, &b.BillingRef, &b.CustomerID, &customerName, &b.CustomerPhone, &agentID,
		&b.ServiceType, &b.ServiceName, &description,
		&b.Frequency, &amount, &currency, &b.BillingDay, &startDate, &endDate, &nextDate, &lastDate,
		&b.Status, &statusNote, &b.TotalPayments, &collected, &b.FailedPaymentCount,
		&b.MaxFailures, &b.GracePeriodDays, &b.AutoSuspend, &lastRef, &lastID,
		&b.SuspendedAt, &b.CancelledAt, &createdBy, &b.Deleted, &b.DeletedAt, &deletedBy,
		&b.CreatedAt, &b.UpdatedAt, &b.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scan billing: %w", err)
	}

	cur := money.Currency(currency)
	b.Amount = money.New(amount, cur)
	b.TotalCollected = money.New(collected, cur)

	// DATE columns come back at UTC midnight already; normalise anyway so
	// comparisons with clock.Date values are exact.
	b.StartDate = startDate.UTC()
	b.NextBillingDate = nextDate.UTC()
	if endDate != nil {
		d := endDate.UTC()
		b.EndDate = &d
	}
	if lastDate != nil {
		d := lastDate.UTC()
		b.LastBillingDate = &d
	}

	b.CustomerName = database.Str(customerName)
	b.AgentID = database.Str(agentID)
	b.ServiceDescription = database.Str(description)
	b.StatusNote = database.Str(statusNote)
	b.LastPaymentRef = database.Str(lastRef)
	b.LastPaymentID = database.Str(lastID)
	b.CreatedBy = database.Str(createdBy)
	b.DeletedBy = database.Str(deletedBy)
	return &b, nil
}

var _ Store = (*PostgresStore)(nil)
var _ Store = (*MemoryStore)(nil)
