package push

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/owenbray/pulse/internal/store"
)

// RecordStore is the write surface the recorder needs.
type RecordStore interface {
	CreateNotification(ctx context.Context, n *store.Notification, recipientIDs []string) error
	AppendNotificationRef(ctx context.Context, userID string, notificationID uuid.UUID) error
}

// RecordOptions controls how the durable record is written.
type RecordOptions struct {
	// DryRun skips persistence and returns a synthetic ID, except for
	// recipient-scoped dispatches, which persist their links even on a
	// dry run.
	DryRun bool

	// RecipientScoped marks dispatches addressed to explicit user IDs.
	RecipientScoped bool
}

// Recorder persists notification records and recipient linkage.
type Recorder struct {
	store  RecordStore
	logger *zap.Logger
}

// NewRecorder creates a notification recorder.
func NewRecorder(s RecordStore, logger *zap.Logger) *Recorder {
	return &Recorder{store: s, logger: logger}
}

// CreateRecord writes the notification record and one link per
// recipient with an owning user, all in one transaction. A commit
// failure aborts the whole dispatch; no sends happen after a failed
// record write. Post-commit per-user reference updates are best-effort
// and settled concurrently.
func (r *Recorder) CreateRecord(ctx context.Context, content Content, recipients []Recipient, opts RecordOptions) (uuid.UUID, error) {
	id := uuid.New()

	if opts.DryRun && !opts.RecipientScoped {
		r.logger.Info("dry run, skipping notification record",
			zap.String("notification_id", id.String()),
		)
		return id, nil
	}

	var linkIDs []string
	for _, rec := range recipients {
		if rec.UserID != "" {
			linkIDs = append(linkIDs, rec.UserID)
		}
	}

	n := &store.Notification{
		ID:       id,
		Title:    content.Title,
		Body:     content.Body,
		Payload:  content.Payload,
		// Send timestamps carry minute granularity on the record.
		SendTime: time.Now().Truncate(time.Minute),
	}

	if err := r.store.CreateNotification(ctx, n, linkIDs); err != nil {
		return uuid.Nil, WrapError(CodePersistence, err, "commit notification record")
	}

	r.settleRefs(ctx, id, linkIDs)

	return id, nil
}

// settleRefs issues the per-user reference updates concurrently and
// waits for all of them. One user's failure is logged and must not fail
// the others or the already-committed record.
func (r *Recorder) settleRefs(ctx context.Context, id uuid.UUID, userIDs []string) {
	var wg sync.WaitGroup
	for _, userID := range userIDs {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			if err := r.store.AppendNotificationRef(ctx, userID, id); err != nil {
				r.logger.Error("failed to append notification reference",
					zap.Error(err),
					zap.String("user_id", userID),
					zap.String("notification_id", id.String()),
				)
			}
		}(userID)
	}
	wg.Wait()
}
