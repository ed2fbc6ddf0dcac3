package payment

import (
	"context"
	"encoding/json"
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

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const paymentColumns = `
	id, transaction_ref, external_transaction_id, customer_id, recorded_by,
	category, method, direction, provider, phone_number, recipient_name, description,
	amount, fees, total, currency,
	status, retry_count, max_retry_attempts, failure_code, failure_reason, provider_message,
	metadata, callback_received, callback_count, last_callback_payload, callback_processed_at,
	initiated_at, processing_at, completed_at, failed_at, expires_at,
	deleted, deleted_at, deleted_by, delete_reason,
	created_at, updated_at, version`

// Create inserts a new payment.
func (s *PostgresStore) Create(ctx context.Context, p *Payment) error {
	query := `INSERT INTO payments (` + paymentColumns + `) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		$17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30,
		$31, $32, $33, $34, $35, $36, $37, $38, $39
	)`

	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, query,
		p.ID, p.TransactionRef, database.NullStr(p.ExternalTransactionID), database.NullStr(p.CustomerID), database.NullStr(p.RecordedBy),
		p.Category, p.Method, p.Direction, p.Provider, p.PhoneNumber, database.NullStr(p.RecipientName), database.NullStr(p.Description),
		p.Amount.Amount, p.Fees.Amount, p.Total.Amount, p.Amount.Currency,
		p.Status, p.RetryCount, p.MaxRetryAttempts, database.NullStr(p.FailureCode), database.NullStr(p.FailureReason), database.NullStr(p.ProviderMessage),
		metadata, p.CallbackReceived, p.CallbackCount, database.NullStr(p.LastCallbackPayload), p.CallbackProcessedAt,
		p.InitiatedAt, p.ProcessingAt, p.CompletedAt, p.FailedAt, p.ExpiresAt,
		p.Deleted, p.DeletedAt, database.NullStr(p.DeletedBy), database.NullStr(p.DeleteReason),
		p.CreatedAt, p.UpdatedAt, int64(1),
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("payment %s: %w", p.TransactionRef, database.ErrAlreadyExists)
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	p.Version = 1
	return nil
}

// GetByRef retrieves a payment by transaction reference.
func (s *PostgresStore) GetByRef(ctx context.Context, ref string) (*Payment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE transaction_ref = $1`, ref)
	return scanPayment(row)
}

// GetByID retrieves a payment by id.
func (s *PostgresStore) GetByID(ctx context.Context, id string) (*Payment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
	return scanPayment(row)
}

// Update writes every mutable column in one statement, guarded by version.
func (s *PostgresStore) Update(ctx context.Context, p *Payment) error {
	query := `
		UPDATE payments SET
			external_transaction_id = $3, status = $4, retry_count = $5,
			failure_code = $6, failure_reason = $7, provider_message = $8, metadata = $9,
			callback_received = $10, callback_count = $11, last_callback_payload = $12, callback_processed_at = $13,
			processing_at = $14, completed_at = $15, failed_at = $16, expires_at = $17,
			deleted = $18, deleted_at = $19, deleted_by = $20, delete_reason = $21,
			updated_at = $22, version = version + 1
		WHERE id = $1 AND version = $2
	`

	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.Version,
		database.NullStr(p.ExternalTransactionID), p.Status, p.RetryCount,
		database.NullStr(p.FailureCode), database.NullStr(p.FailureReason), database.NullStr(p.ProviderMessage), metadata,
		p.CallbackReceived, p.CallbackCount, database.NullStr(p.LastCallbackPayload), p.CallbackProcessedAt,
		p.ProcessingAt, p.CompletedAt, p.FailedAt, p.ExpiresAt,
		p.Deleted, p.DeletedAt, database.NullStr(p.DeletedBy), database.NullStr(p.DeleteReason),
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("payment %s version %d: %w", p.TransactionRef, p.Version, database.ErrConflict)
	}
	p.Version++
	return nil
}

// ListByCustomer lists a customer's payments, newest first.
func (s *PostgresStore) ListByCustomer(ctx context.Context, customerID string) ([]*Payment, error) {
	return s.list(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE customer_id = $1 AND NOT deleted
		ORDER BY created_at DESC`, customerID)
}

// ListStuck lists payments that have been Processing since before cutoff.
func (s *PostgresStore) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]*Payment, error) {
	return s.list(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE status = 'PROCESSING' AND processing_at < $1 AND NOT deleted
		ORDER BY processing_at ASC
		LIMIT $2`, cutoff, limit)
}

// ListRetryable lists failed payments with retries remaining.
func (s *PostgresStore) ListRetryable(ctx context.Context, cutoff time.Time, limit int) ([]*Payment, error) {
	return s.list(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE status = 'FAILED' AND failed_at < $1 AND retry_count < max_retry_attempts AND NOT deleted
		ORDER BY failed_at ASC
		LIMIT $2`, cutoff, limit)
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Payment, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	var payments []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var (
		p                                           Payment
		externalID, customerID, recordedBy          *string
		recipient, description                      *string
		failureCode, failureReason, providerMessage *string
		lastCallback, deletedBy, deleteReason       *string
		amount, fees, total                         decimal.Decimal
		currency                                    string
		metadata                                    []byte
	)

	err := row.Scan(
		&p.ID, &p.TransactionRef, &externalID, &customerID, &recordedBy,
		&p.Category, &p.Method, &p.Direction, &p.Provider, &p.PhoneNumber, &recipient, &description,
		&amount, &fees, &total, &currency,
		&p.Status, &p.RetryCount, &p.MaxRetryAttempts, &failureCode, &failureReason, &providerMessage,
		&metadata, &p.CallbackReceived, &p.CallbackCount, &lastCallback, &p.CallbackProcessedAt,
		&p.InitiatedAt, &p.ProcessingAt, &p.CompletedAt, &p.FailedAt, &p.ExpiresAt,
		&p.Deleted, &p.DeletedAt, &deletedBy, &deleteReason,
		&p.CreatedAt, &p.UpdatedAt, &p.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}

	cur := money.Currency(currency)
	p.Amount = money.New(amount, cur)
	p.Fees = money.New(fees, cur)
	p.Total = money.New(total, cur)

	p.ExternalTransactionID = database.Str(externalID)
	p.CustomerID = database.Str(customerID)
	p.RecordedBy = database.Str(recordedBy)
	p.RecipientName = database.Str(recipient)
	p.Description = database.Str(description)
	p.FailureCode = database.Str(failureCode)
	p.FailureReason = database.Str(failureReason)
	p.ProviderMessage = database.Str(providerMessage)
	p.LastCallbackPayload = database.Str(lastCallback)
	p.DeletedBy = database.Str(deletedBy)
	p.DeleteReason = database.Str(deleteReason)

	p.Metadata = map[string]string{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &p, nil
}

var _ Store = (*PostgresStore)(nil)
var _ Store = (*MemoryStore)(nil)
