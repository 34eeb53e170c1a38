// Package jobs holds the scheduled maintenance tasks: the fundraising
// totals sync and the stale account sweep.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/owenbray/pulse/internal/metrics"
)

// TeamStore is the write surface the funds sync needs.
type TeamStore interface {
	UpsertTeamTotal(ctx context.Context, teamID string, total float64, active bool) error
}

// FundsConfig holds the totals feed settings.
type FundsConfig struct {
	FeedURL   string
	AuthToken string
	Timeout   time.Duration
}

// FundsSync pulls per-team fundraising totals from the external feed
// and writes them into the store.
type FundsSync struct {
	store      TeamStore
	httpClient *http.Client
	feedURL    string
	authToken  string
	logger     *zap.Logger
}

// NewFundsSync creates the funds sync job.
func NewFundsSync(store TeamStore, cfg FundsConfig, logger *zap.Logger) *FundsSync {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &FundsSync{
		store:      store,
		httpClient: &http.Client{Timeout: timeout},
		feedURL:    cfg.FeedURL,
		authToken:  cfg.AuthToken,
		logger:     logger,
	}
}

// feedEntry is one row of the totals feed. Pointers distinguish missing
// fields from zero values so malformed rows can be rejected.
type feedEntry struct {
	DbNum  *string  `json:"DbNum"`
	Active *bool    `json:"Active"`
	Total  *float64 `json:"Total"`
}

// Run fetches the feed and writes each valid entry's total. Malformed
// entries are logged and skipped; a single bad row never fails the sync.
func (j *FundsSync) Run(ctx context.Context) error {
	entries, err := j.fetch(ctx)
	if err != nil {
		return err
	}

	synced := 0
	for i, entry := range entries {
		if entry.DbNum == nil || entry.Active == nil || entry.Total == nil {
			j.logger.Warn("skipping malformed funds feed entry", zap.Int("index", i))
			continue
		}

		if err := j.store.UpsertTeamTotal(ctx, *entry.DbNum, *entry.Total, *entry.Active); err != nil {
			j.logger.Error("failed to write team total",
				zap.Error(err),
				zap.String("team_id", *entry.DbNum),
			)
			continue
		}
		synced++
	}

	metrics.RecordFundsTeamsSynced(synced)
	j.logger.Info("funds sync complete",
		zap.Int("entries", len(entries)),
		zap.Int("synced", synced),
	)

	return nil
}

func (j *FundsSync) fetch(ctx context.Context) ([]feedEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create feed request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-AuthToken", j.authToken)

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch funds feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("funds feed returned status %d: %s", resp.StatusCode, string(preview))
	}

	var entries []feedEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode funds feed: %w", err)
	}

	return entries, nil
}
