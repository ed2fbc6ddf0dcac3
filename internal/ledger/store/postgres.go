package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"agripay/internal/common/database"
	"agripay/internal/common/money"
	"agripay/internal/ledger/domain"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

const accountColumns = `code, name, account_type, normal_balance, currency, is_system, balance, created_at, updated_at`

const batchColumns = `
	id, reference, description, source_type, source_id, total, currency, entry_count, status,
	posted_at, posted_by, reversed_at, reversed_by, reversal_reason, metadata, created_at`

const entryColumns = `id, batch_id, account_code, entry_type, amount, currency, balance_after, description, sequence, created_at`

// EnsureAccounts creates missing accounts
func (s *PostgresStore) EnsureAccounts(ctx context.Context, accounts []*domain.Account) error {
	for _, a := range accounts {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO ledger_accounts (`+accountColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (code) DO NOTHING
		`, a.Code, a.Name, a.AccountType, a.NormalBalance, a.Currency, a.IsSystem, a.Balance, a.CreatedAt, a.UpdatedAt)
		if err != nil {
			return fmt.Errorf("creating account %s: %w", a.Code, err)
		}
	}
	return nil
}

// ListAccounts lists every account ordered by code
func (s *PostgresStore) ListAccounts(ctx context.Context) ([]*domain.Account, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+accountColumns+` FROM ledger_accounts ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// GetAccount retrieves an account by code
func (s *PostgresStore) GetAccount(ctx context.Context, code string) (*domain.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM ledger_accounts WHERE code = $1`, code)
	return scanAccount(row)
}

// PostBatch posts a batch (inserts it and moves balances)
func (s *PostgresStore) PostBatch(ctx context.Context, batch *domain.Batch) error {
	return database.WithTx(ctx, s.pool, s.logger, func(tx pgx.Tx) error {
		return postBatchTx(ctx, tx, batch)
	})
}

// ReverseBatch marks the original reversed and posts the reversal
func (s *PostgresStore) ReverseBatch(ctx context.Context, originalID string, reversal *domain.Batch, actor, reason string, now time.Time) error {
	return database.WithTx(ctx, s.pool, s.logger, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE ledger_batches
			SET status = $2, reversed_at = $3, reversed_by = $4, reversal_reason = $5
			WHERE id = $1 AND status = $6
		`, originalID, domain.BatchStatusReversed, now, actor, reason, domain.BatchStatusPosted)
		if err != nil {
			return fmt.Errorf("reversing batch: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_batches WHERE id = $1)`, originalID).Scan(&exists); err != nil {
				return fmt.Errorf("checking batch: %w", err)
			}
			if !exists {
				return database.ErrNotFound
			}
			return domain.ErrAlreadyReversed
		}
		return postBatchTx(ctx, tx, reversal)
	})
}

func postBatchTx(ctx context.Context, tx pgx.Tx, batch *domain.Batch) error {
	if err := batch.Validate(); err != nil {
		return err
	}

	metadata, err := json.Marshal(batch.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = tx.Exec(ctx, `INSERT INTO ledger_batches (`+batchColumns+`) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
	)`,
		batch.ID, database.NullStr(batch.Reference), database.NullStr(batch.Description),
		batch.SourceType, batch.SourceID, batch.Total.Amount, batch.Total.Currency, batch.EntryCount, batch.Status,
		batch.PostedAt, database.NullStr(batch.PostedBy), batch.ReversedAt, database.NullStr(batch.ReversedBy),
		database.NullStr(batch.ReversalReason), metadata, batch.CreatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("%s batch for %s: %w", batch.SourceType, batch.SourceID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting batch: %w", err)
	}

	// Lock touched accounts in code order so concurrent batches cannot deadlock.
	codes := make([]string, 0, len(batch.Entries))
	seen := make(map[string]bool)
	for _, e := range batch.Entries {
		if !seen[e.AccountCode] {
			seen[e.AccountCode] = true
			codes = append(codes, e.AccountCode)
		}
	}
	sort.Strings(codes)

	type position struct {
		normal  domain.NormalBalance
		balance decimal.Decimal
	}
	positions := make(map[string]*position, len(codes))
	for _, code := range codes {
		var p position
		err := tx.QueryRow(ctx, `
			SELECT normal_balance, balance FROM ledger_accounts WHERE code = $1 FOR UPDATE
		`, code).Scan(&p.normal, &p.balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("account %s: %w", code, database.ErrNotFound)
			}
			return fmt.Errorf("locking account %s: %w", code, err)
		}
		positions[code] = &p
	}

	for _, e := range batch.Entries {
		p := positions[e.AccountCode]
		p.balance = domain.ApplyEntry(p.normal, p.balance, e)
		after := p.balance
		e.BalanceAfter = &after

		_, err := tx.Exec(ctx, `INSERT INTO ledger_entries (`+entryColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)`,
			e.ID, e.BatchID, e.AccountCode, e.EntryType, e.Amount.Amount, e.Amount.Currency,
			e.BalanceAfter, database.NullStr(e.Description), e.Sequence, e.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting entry: %w", err)
		}
	}

	for _, code := range codes {
		_, err := tx.Exec(ctx, `
			UPDATE ledger_accounts SET balance = $2, updated_at = $3 WHERE code = $1
		`, code, positions[code].balance, batch.PostedAt)
		if err != nil {
			return fmt.Errorf("updating account balance: %w", err)
		}
	}

	return nil
}

// GetBatch retrieves a batch with its entries
func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM ledger_batches WHERE id = $1`, id)
	return s.withEntries(ctx, row)
}

// GetBatchBySource retrieves the batch booked for a source
func (s *PostgresStore) GetBatchBySource(ctx context.Context, sourceType domain.SourceType, sourceID string) (*domain.Batch, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+batchColumns+` FROM ledger_batches WHERE source_type = $1 AND source_id = $2
	`, sourceType, sourceID)
	return s.withEntries(ctx, row)
}

func (s *PostgresStore) withEntries(ctx context.Context, row pgx.Row) (*domain.Batch, error) {
	batch, err := scanBatch(row)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries WHERE batch_id = $1 ORDER BY sequence
	`, batch.ID)
	if err != nil {
		return nil, fmt.Errorf("getting entries: %w", err)
	}
	defer rows.Close()

	batch.Entries, err = scanEntries(rows)
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// GetAccountEntries retrieves entries for an account
func (s *PostgresStore) GetAccountEntries(ctx context.Context, code string, limit, offset int) ([]*domain.Entry, int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ledger_entries WHERE account_code = $1`, code).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting entries: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE account_code = $1
		ORDER BY created_at DESC, sequence DESC
		LIMIT $2 OFFSET $3
	`, code, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing entries: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	return entries, total, err
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	err := row.Scan(
		&a.Code, &a.Name, &a.AccountType, &a.NormalBalance, &a.Currency,
		&a.IsSystem, &a.Balance, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning account: %w", err)
	}
	return &a, nil
}

func scanBatch(row pgx.Row) (*domain.Batch, error) {
	var (
		b                                                   domain.Batch
		total                                               decimal.Decimal
		currency                                            string
		reference, description, postedBy, reversedBy, cause *string
		metadata                                            []byte
	)
	err := row.Scan(
		&b.ID, &reference, &description, &b.SourceType, &b.SourceID, &total, &currency, &b.EntryCount, &b.Status,
		&b.PostedAt, &postedBy, &b.ReversedAt, &reversedBy, &cause, &metadata, &b.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning batch: %w", err)
	}
	b.Reference = database.Str(reference)
	b.Description = database.Str(description)
	b.PostedBy = database.Str(postedBy)
	b.ReversedBy = database.Str(reversedBy)
	b.ReversalReason = database.Str(cause)
	b.Total = money.New(total, money.Currency(currency))
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &b.Metadata); err != nil {
			return nil, fmt.Errorf("decoding batch metadata: %w", err)
		}
	}
	return &b, nil
}

func scanEntries(rows pgx.Rows) ([]*domain.Entry, error) {
	var entries []*domain.Entry
	for rows.Next() {
		var (
			e           domain.Entry
			amount      decimal.Decimal
			currency    string
			description *string
		)
		err := rows.Scan(
			&e.ID, &e.BatchID, &e.AccountCode, &e.EntryType, &amount, &currency,
			&e.BalanceAfter, &description, &e.Sequence, &e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		e.Amount = money.New(amount, money.Currency(currency))
		e.Description = database.Str(description)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
