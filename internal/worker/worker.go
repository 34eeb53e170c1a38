// Package worker drains the deferred receipt queue and reconciles
// ticket batches against the push service.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/owenbray/pulse/internal/push"
	"github.com/owenbray/pulse/internal/sqs"
)

// Queue is the receipt queue surface the worker drains.
type Queue interface {
	Receive(ctx context.Context, maxBatches int32) ([]sqs.Received, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Reconciler resolves a batch of ticket IDs into receipts.
type Reconciler interface {
	Reconcile(ctx context.Context, ticketIDs []string) (*push.ReconcileResult, error)
}

type Worker struct {
	queue      Queue
	reconciler Reconciler
	config     Config
	logger     *zap.Logger
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int32
}

func New(queue Queue, reconciler Reconciler, cfg Config, logger *zap.Logger) *Worker {

	if cfg.PollInterval == 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}

	return &Worker{
		queue:      queue,
		reconciler: reconciler,
		config:     cfg,
		logger:     logger,
	}
}

func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("receipt worker stopping")
			return
		case <-ticker.C:
			w.drainOnce(ctx)
		}
	}
}

func (w *Worker) drainOnce(ctx context.Context) {
	received, err := w.queue.Receive(ctx, w.config.BatchSize)
	if err != nil {
		w.logger.Error("failed to receive receipt batches", zap.Error(err))
		return
	}
	if len(received) == 0 {
		return
	}

	for _, item := range received {
		w.processBatch(ctx, item)
	}
}

func (w *Worker) processBatch(ctx context.Context, item sqs.Received) {
	result, err := w.reconciler.Reconcile(ctx, item.Batch.TicketIDs)
	if err != nil {
		// Fatal classification errors do not get better on redelivery,
		// so the batch is acknowledged either way.
		w.logger.Error("receipt reconciliation failed",
			zap.Error(err),
			zap.String("notification_id", item.Batch.NotificationID),
		)
	} else {
		w.logger.Info("receipt batch reconciled",
			zap.String("notification_id", item.Batch.NotificationID),
			zap.String("status", result.Status),
			zap.Int("delivered", result.Delivered),
			zap.Int("failed", result.Failed),
		)
	}

	if err := w.queue.Delete(ctx, item.ReceiptHandle); err != nil {
		w.logger.Error("failed to acknowledge receipt batch",
			zap.Error(err),
			zap.String("notification_id", item.Batch.NotificationID),
		)
	}
}
