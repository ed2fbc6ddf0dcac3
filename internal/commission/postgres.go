package commission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"agripay/internal/common/database"
	"agripay/internal/common/money"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

const commissionColumns = `
	id, agent_id, payment_id, transaction_ref, payment_category,
	base_amount, rate, amount, currency, status, due_date,
	payout_batch_id, payout_ref, payout_payment_id, failure_reason, status_changed_by,
	calculated_at, queued_at, paid_at, deleted, created_at, updated_at, version`

func (s *PostgresStore) Create(ctx context.Context, c *Commission) error {
	query := `INSERT INTO commissions (` + commissionColumns + `) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		$13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23
	)`

	_, err := s.pool.Exec(ctx, query,
		c.ID, c.AgentID, c.PaymentID, c.TransactionRef, c.PaymentCategory,
		c.BaseAmount.Amount, c.Rate, c.Amount.Amount, c.Amount.Currency, c.Status, c.DueDate,
		database.NullStr(c.PayoutBatchID), database.NullStr(c.PayoutRef), database.NullStr(c.PayoutPaymentID),
		database.NullStr(c.FailureReason), database.NullStr(c.StatusChangedBy),
		c.CalculatedAt, c.QueuedAt, c.PaidAt, c.Deleted, c.CreatedAt, c.UpdatedAt, int64(1),
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("commission for payment %s: %w", c.PaymentID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("insert commission: %w", err)
	}
	c.Version = 1
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Commission, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+commissionColumns+` FROM commissions WHERE id = $1 AND NOT deleted`, id)
	return scanCommission(row)
}

func (s *PostgresStore) GetByPaymentID(ctx context.Context, paymentID string) (*Commission, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+commissionColumns+` FROM commissions WHERE payment_id = $1 AND NOT deleted`, paymentID)
	return scanCommission(row)
}

func (s *PostgresStore) Update(ctx context.Context, c *Commission) error {
	return update(ctx, s.pool, c)
}

func update(ctx context.Context, q database.Querier, c *Commission) error {
	query := `
		UPDATE commissions SET
			status = $3, payout_batch_id = $4, payout_ref = $5, payout_payment_id = $6,
			failure_reason = $7, status_changed_by = $8, queued_at = $9, paid_at = $10,
			deleted = $11, updated_at = $12, version = version + 1
		WHERE id = $1 AND version = $2
	`

	tag, err := q.Exec(ctx, query,
		c.ID, c.Version,
		c.Status, database.NullStr(c.PayoutBatchID), database.NullStr(c.PayoutRef), database.NullStr(c.PayoutPaymentID),
		database.NullStr(c.FailureReason), database.NullStr(c.StatusChangedBy), c.QueuedAt, c.PaidAt,
		c.Deleted, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update commission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("commission %s version %d: %w", c.ID, c.Version, database.ErrConflict)
	}
	c.Version++
	return nil
}

func (s *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Commission, error) {
	if limit <= 0 {
		limit = 1000
	}
	return list(ctx, s.pool, `SELECT `+commissionColumns+` FROM commissions
		WHERE status = 'CALCULATED' AND due_date <= $1 AND NOT deleted
		ORDER BY due_date ASC LIMIT $2`, now, limit)
}

func (s *PostgresStore) ListByAgent(ctx context.Context, agentID string) ([]*Commission, error) {
	return list(ctx, s.pool, `SELECT `+commissionColumns+` FROM commissions
		WHERE agent_id = $1 AND NOT deleted
		ORDER BY created_at DESC`, agentID)
}

// QueueBatch locks the still-Calculated rows and moves them in one transaction.
func (s *PostgresStore) QueueBatch(ctx context.Context, ids []string, batchID string, now time.Time) ([]*Commission, error) {
	var queued []*Commission
	err := database.WithTx(ctx, s.pool, s.logger, func(tx pgx.Tx) error {
		queued = nil
		candidates, err := list(ctx, tx, `SELECT `+commissionColumns+` FROM commissions
			WHERE id = ANY($1) AND status = 'CALCULATED' AND NOT deleted
			ORDER BY due_date ASC
			FOR UPDATE`, ids)
		if err != nil {
			return err
		}

		for _, c := range candidates {
			if err := c.QueueForPayout(batchID, now); err != nil {
				return err
			}
			if err := update(ctx, tx, c); err != nil {
				return err
			}
			queued = append(queued, c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue payout batch %s: %w", batchID, err)
	}
	return queued, nil
}

func list(ctx context.Context, q database.Querier, query string, args ...any) ([]*Commission, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query commissions: %w", err)
	}
	defer rows.Close()

	var commissions []*Commission
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, err
		}
		commissions = append(commissions, c)
	}
	return commissions, rows.Err()
}

func scanCommission(row pgx.Row) (*Commission, error) {
	var (
		c                          Commission
		base, amount               decimal.Decimal
		currency                   string
		batchID, payoutRef, paidID *string
		reason, changedBy          *string
	)

	err := row.Scan(
		&c.ID, &c.AgentID, &c.PaymentID, &c.TransactionRef, &c.PaymentCategory,
		&base, &c.Rate, &amount, &currency, &c.Status, &c.DueDate,
		&batchID, &payoutRef, &paidID, &reason, &changedBy,
		&c.CalculatedAt, &c.QueuedAt, &c.PaidAt, &c.Deleted, &c.CreatedAt, &c.UpdatedAt, &c.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scan commission: %w", err)
	}

	cur := money.Currency(currency)
	c.BaseAmount = money.New(base, cur)
	c.Amount = money.New(amount, cur)
	c.PayoutBatchID = database.Str(batchID)
	c.PayoutRef = database.Str(payoutRef)
	c.PayoutPaymentID = database.Str(paidID)
	c.FailureReason = database.Str(reason)
	c.StatusChangedBy = database.Str(changedBy)
	return &c, nil
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
