// Package sqs defers receipt reconciliation: dispatch enqueues ticket
// batches with a delivery delay, and the worker drains them once the
// push service has had time to produce receipts.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
)

// SQS delivery delay is capped at 15 minutes.
const maxDelay = 15 * time.Minute

// Config holds queue settings.
type Config struct {
	Region       string
	QueueURL     string
	ReceiptDelay time.Duration // how long to wait before polling receipts
}

// ReceiptBatch is one enqueued unit of reconciliation work.
type ReceiptBatch struct {
	NotificationID string   `json:"notification_id"`
	TicketIDs      []string `json:"ticket_ids"`
	EnqueuedAt     int64    `json:"enqueued_at"`
}

// API is the slice of the SQS client the queue uses.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Queue enqueues and drains receipt batches.
type Queue struct {
	client   API
	queueURL string
	delay    time.Duration
	logger   *zap.Logger
}

// NewQueue creates a queue backed by a real SQS client.
func NewQueue(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("receipt queue initialized",
		zap.String("queue_url", cfg.QueueURL),
		zap.Duration("receipt_delay", cfg.ReceiptDelay),
	)

	return NewQueueWithClient(sqs.NewFromConfig(awsCfg), cfg, logger), nil
}

// NewQueueWithClient creates a queue with an injected client.
func NewQueueWithClient(client API, cfg Config, logger *zap.Logger) *Queue {
	delay := cfg.ReceiptDelay
	if delay <= 0 || delay > maxDelay {
		delay = maxDelay
	}

	return &Queue{
		client:   client,
		queueURL: cfg.QueueURL,
		delay:    delay,
		logger:   logger,
	}
}

// Enqueue schedules one ticket batch for delayed reconciliation and
// returns the SQS message ID.
func (q *Queue) Enqueue(ctx context.Context, batch ReceiptBatch) (string, error) {
	if batch.EnqueuedAt == 0 {
		batch.EnqueuedAt = time.Now().Unix()
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return "", fmt.Errorf("failed to marshal receipt batch: %w", err)
	}

	result, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(q.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: int32(q.delay / time.Second),
	})
	if err != nil {
		q.logger.Error("failed to enqueue receipt batch",
			zap.Error(err),
			zap.String("notification_id", batch.NotificationID),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	q.logger.Info("receipt batch enqueued",
		zap.String("notification_id", batch.NotificationID),
		zap.Int("tickets", len(batch.TicketIDs)),
		zap.String("sqs_message_id", *result.MessageId),
	)

	return *result.MessageId, nil
}

// Received is a drained batch plus the handle needed to delete it.
type Received struct {
	Batch         ReceiptBatch
	ReceiptHandle string
}

// Receive long-polls for up to maxBatches waiting batches. Messages
// that fail to decode are deleted and dropped; redelivering them would
// never succeed.
func (q *Queue) Receive(ctx context.Context, maxBatches int32) ([]Received, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: maxBatches,
		WaitTimeSeconds:     10,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	received := make([]Received, 0, len(out.Messages))
	for _, msg := range out.Messages {
		var batch ReceiptBatch
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &batch); err != nil {
			q.logger.Error("dropping undecodable receipt batch", zap.Error(err))
			_ = q.Delete(ctx, aws.ToString(msg.ReceiptHandle))
			continue
		}
		received = append(received, Received{
			Batch:         batch,
			ReceiptHandle: aws.ToString(msg.ReceiptHandle),
		})
	}

	return received, nil
}

// Delete acknowledges one drained batch.
func (q *Queue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}
