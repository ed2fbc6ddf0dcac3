package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds sweep schedules. Schedules are six-field cron expressions
// (seconds first) evaluated in the coordinator's time zone.
type Config struct {
	Enabled            bool          `envconfig:"JOB_ENABLED" default:"true"`
	BillingSchedule    string        `envconfig:"JOB_BILLING_SCHEDULE" default:"0 0 9 * * FRI"`
	CommissionSchedule string        `envconfig:"JOB_COMMISSION_SCHEDULE" default:"0 0 10 * * FRI"`
	ReconcileSchedule  string        `envconfig:"JOB_RECONCILE_SCHEDULE" default:"0 */5 * * * *"`
	RetrySchedule      string        `envconfig:"JOB_RETRY_SCHEDULE" default:"0 0 1 * * *"`
	StuckAfter         time.Duration `envconfig:"JOB_STUCK_AFTER" default:"10m"`
	RetryAfter         time.Duration `envconfig:"JOB_RETRY_AFTER" default:"1h"`
	BatchSize          int           `envconfig:"JOB_BATCH_SIZE" default:"200"`
	Timeout            time.Duration `envconfig:"JOB_TIMEOUT" default:"30m"`
}

// DefaultConfig mirrors the envconfig defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		BillingSchedule:    "0 0 9 * * FRI",
		CommissionSchedule: "0 0 10 * * FRI",
		ReconcileSchedule:  "0 */5 * * * *",
		RetrySchedule:      "0 0 1 * * *",
		StuckAfter:         10 * time.Minute,
		RetryAfter:         time.Hour,
		BatchSize:          200,
		Timeout:            30 * time.Minute,
	}
}

// Runner executes a named sweep.
type Runner interface {
	Run(ctx context.Context, job string) (*Summary, error)
}

// Coordinator triggers the sweeps on their schedules. A sweep that is
// still running when its next tick fires is skipped for that tick.
type Coordinator struct {
	cron   *cron.Cron
	runner Runner
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	entries map[string]cron.EntryID
}

// NewCoordinator creates a coordinator whose schedules are evaluated in loc.
func NewCoordinator(runner Runner, loc *time.Location, cfg Config, logger *slog.Logger) *Coordinator {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(loc),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	return &Coordinator{
		cron:    c,
		runner:  runner,
		cfg:     cfg,
		logger:  logger.With("component", "coordinator"),
		ctx:     context.Background(),
		entries: make(map[string]cron.EntryID),
	}
}

// Start registers every sweep and starts the scheduler. Sweeps run with
// contexts derived from ctx, so cancelling it aborts in-flight sweeps
// between items.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx = ctx

	schedules := []struct {
		job  string
		expr string
	}{
		{JobBilling, c.cfg.BillingSchedule},
		{JobCommission, c.cfg.CommissionSchedule},
		{JobReconcile, c.cfg.ReconcileSchedule},
		{JobRetry, c.cfg.RetrySchedule},
	}

	for _, s := range schedules {
		if s.expr == "" {
			c.logger.Info("sweep disabled", "job", s.job)
			continue
		}
		id, err := c.cron.AddFunc(s.expr, c.trigger(s.job))
		if err != nil {
			return fmt.Errorf("schedule %s sweep %q: %w", s.job, s.expr, err)
		}
		c.entries[s.job] = id
		c.logger.Info("scheduled sweep", "job", s.job, "schedule", s.expr)
	}

	c.cron.Start()
	return nil
}

// Stop stops the scheduler. The returned context is done once running
// sweeps have finished.
func (c *Coordinator) Stop() context.Context {
	return c.cron.Stop()
}

// Next reports when job fires next. ok is false for unscheduled jobs.
func (c *Coordinator) Next(job string) (next time.Time, ok bool) {
	c.mu.Lock()
	id, ok := c.entries[job]
	c.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return c.cron.Entry(id).Next, true
}

// RunNow runs job immediately, outside its schedule.
func (c *Coordinator) RunNow(ctx context.Context, job string) (*Summary, error) {
	return c.run(ctx, job)
}

func (c *Coordinator) trigger(job string) func() {
	return func() {
		c.mu.Lock()
		ctx := c.ctx
		c.mu.Unlock()

		if _, err := c.run(ctx, job); err != nil {
			c.logger.Error("sweep failed", "job", job, "error", err)
		}
	}
}

func (c *Coordinator) run(ctx context.Context, job string) (*Summary, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	return c.runner.Run(ctx, job)
}
