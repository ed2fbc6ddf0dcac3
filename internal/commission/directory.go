package commission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agripay/internal/common/database"
)

var ErrInvalidAccount = errors.New("invalid payout account")

// PayoutAccount is where an agent receives commission payouts.
type PayoutAccount struct {
	AgentID     string    `json:"agent_id"`
	PhoneNumber string    `json:"phone_number"`
	FullName    string    `json:"full_name"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// AgentDirectory resolves agents to payout accounts. Agent records live
// outside this service; only the payout details are kept here.
type AgentDirectory interface {
	PayoutAccount(ctx context.Context, agentID string) (*PayoutAccount, error)
	SavePayoutAccount(ctx context.Context, a *PayoutAccount) error
}

type MemoryDirectory struct {
	mu       sync.RWMutex
	accounts map[string]PayoutAccount
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{accounts: make(map[string]PayoutAccount)}
}

func (d *MemoryDirectory) PayoutAccount(_ context.Context, agentID string) (*PayoutAccount, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.accounts[agentID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return &a, nil
}

func (d *MemoryDirectory) SavePayoutAccount(_ context.Context, a *PayoutAccount) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accounts[a.AgentID] = *a
	return nil
}

// PostgresDirectory keeps payout accounts in agent_payout_accounts.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

func NewPostgresDirectory(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

func (d *PostgresDirectory) PayoutAccount(ctx context.Context, agentID string) (*PayoutAccount, error) {
	var a PayoutAccount
	err := d.pool.QueryRow(ctx, `
		SELECT agent_id, phone_number, full_name, updated_at
		FROM agent_payout_accounts WHERE agent_id = $1
	`, agentID).Scan(&a.AgentID, &a.PhoneNumber, &a.FullName, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("get payout account: %w", err)
	}
	return &a, nil
}

func (d *PostgresDirectory) SavePayoutAccount(ctx context.Context, a *PayoutAccount) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO agent_payout_accounts (agent_id, phone_number, full_name, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (agent_id) DO UPDATE SET
			phone_number = EXCLUDED.phone_number,
			full_name = EXCLUDED.full_name,
			updated_at = EXCLUDED.updated_at
	`, a.AgentID, a.PhoneNumber, a.FullName, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save payout account: %w", err)
	}
	return nil
}

var (
	_ AgentDirectory = (*MemoryDirectory)(nil)
	_ AgentDirectory = (*PostgresDirectory)(nil)
)
