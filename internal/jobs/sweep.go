package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/owenbray/pulse/internal/metrics"
)

// SweepStore is the surface the account sweep needs.
type SweepStore interface {
	ListSweepCandidates(ctx context.Context, anonBefore, linkedBefore time.Time) ([]string, error)
	DeleteUser(ctx context.Context, id string) error
}

// SweepConfig holds the idle cutoffs for account removal.
type SweepConfig struct {
	AnonMaxIdle   time.Duration // anonymous accounts
	LinkedMaxIdle time.Duration // directory-linked accounts
}

// SweepReport lists what one sweep run removed and what failed.
type SweepReport struct {
	Deleted []string
	Errors  []string
}

// Sweeper removes accounts that have been idle past their cutoff.
type Sweeper struct {
	store  SweepStore
	config SweepConfig
	logger *zap.Logger
}

// NewSweeper creates the account sweep job.
func NewSweeper(store SweepStore, cfg SweepConfig, logger *zap.Logger) *Sweeper {
	if cfg.AnonMaxIdle == 0 {
		cfg.AnonMaxIdle = 3 * 24 * time.Hour
	}
	if cfg.LinkedMaxIdle == 0 {
		cfg.LinkedMaxIdle = 370 * 24 * time.Hour
	}

	return &Sweeper{store: store, config: cfg, logger: logger}
}

// Run performs one sweep. A single account's deletion failure is
// recorded in the report and does not abort the rest.
func (s *Sweeper) Run(ctx context.Context) (*SweepReport, error) {
	now := time.Now()
	candidates, err := s.store.ListSweepCandidates(ctx,
		now.Add(-s.config.AnonMaxIdle),
		now.Add(-s.config.LinkedMaxIdle),
	)
	if err != nil {
		return nil, err
	}

	report := &SweepReport{}
	for _, id := range candidates {
		if err := s.store.DeleteUser(ctx, id); err != nil {
			s.logger.Error("failed to delete stale account",
				zap.Error(err),
				zap.String("user_id", id),
			)
			report.Errors = append(report.Errors, id+": "+err.Error())
			continue
		}
		report.Deleted = append(report.Deleted, id)
	}

	metrics.RecordAccountsSwept(len(report.Deleted))
	s.logger.Info("account sweep complete",
		zap.Int("candidates", len(candidates)),
		zap.Int("deleted", len(report.Deleted)),
		zap.Int("errors", len(report.Errors)),
	)

	return report, nil
}
