// Package expo is a client for an Expo-compatible push delivery service.
// Sending is two-phase: a batch send returns tickets, each ticket ID later
// resolves into a delivery receipt fetched through a second batch call.
package expo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// MaxMessagesPerBatch is the largest message batch the service accepts
	// in one send call.
	MaxMessagesPerBatch = 100

	// MaxReceiptIDsPerQuery is the largest ticket-ID batch the service
	// accepts in one receipt query.
	MaxReceiptIDsPerQuery = 300
)

// Error codes reported in ticket and receipt details.
const (
	ErrCodeDeviceNotRegistered = "DeviceNotRegistered"
	ErrCodeMessageTooBig       = "MessageTooBig"
	ErrCodeMessageRateExceeded = "MessageRateExceeded"
)

// Statuses reported on tickets and receipts.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Message is a single push message addressed to one device token.
type Message struct {
	To    string          `json:"to"`
	Title string          `json:"title"`
	Body  string          `json:"body"`
	Data  json.RawMessage `json:"data,omitempty"`
	Sound string          `json:"sound,omitempty"`
}

// ErrorDetails carries the machine-readable error code for a failed
// ticket or receipt, and the offending token when the service knows it.
type ErrorDetails struct {
	Error         string `json:"error,omitempty"`
	ExpoPushToken string `json:"expoPushToken,omitempty"`
}

// Ticket is the per-message result of a send call. A ticket with an ID
// was accepted and will produce a receipt; a ticket without one was
// rejected synchronously and Details carries the reason.
type Ticket struct {
	ID      string        `json:"id,omitempty"`
	Status  string        `json:"status,omitempty"`
	Message string        `json:"message,omitempty"`
	Details *ErrorDetails `json:"details,omitempty"`
}

// ErrCode returns the error code from the ticket details, if any.
func (t *Ticket) ErrCode() string {
	if t == nil || t.Details == nil {
		return ""
	}
	return t.Details.Error
}

// Receipt is the delivery outcome for one accepted ticket.
type Receipt struct {
	Status  string        `json:"status"`
	Message string        `json:"message,omitempty"`
	Details *ErrorDetails `json:"details,omitempty"`
}

// ErrCode returns the error code from the receipt details, if any.
func (r *Receipt) ErrCode() string {
	if r == nil || r.Details == nil {
		return ""
	}
	return r.Details.Error
}

// IsPushToken reports whether s looks like a push token the service will
// accept, e.g. "ExponentPushToken[xxxxxxxx]".
func IsPushToken(s string) bool {
	var rest string
	switch {
	case strings.HasPrefix(s, "ExponentPushToken["):
		rest = s[len("ExponentPushToken["):]
	case strings.HasPrefix(s, "ExpoPushToken["):
		rest = s[len("ExpoPushToken["):]
	default:
		return false
	}
	return len(rest) > 1 && strings.HasSuffix(rest, "]")
}

// Config holds push service connection settings.
type Config struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
}

// Client talks to the push delivery service over HTTP.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	accessToken string
	logger      *zap.Logger
}

// NewClient creates a push service client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		httpClient:  &http.Client{Timeout: timeout},
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		accessToken: cfg.AccessToken,
		logger:      logger,
	}
}

type sendResponse struct {
	Data   []Ticket       `json:"data"`
	Errors []serviceError `json:"errors"`
}

type receiptsResponse struct {
	Data   map[string]Receipt `json:"data"`
	Errors []serviceError     `json:"errors"`
}

type serviceError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SendMessages submits one batch of at most MaxMessagesPerBatch messages
// and returns one ticket per message, in order.
func (c *Client) SendMessages(ctx context.Context, messages []Message) ([]Ticket, error) {
	if len(messages) > MaxMessagesPerBatch {
		return nil, fmt.Errorf("batch of %d messages exceeds limit of %d", len(messages), MaxMessagesPerBatch)
	}

	var resp sendResponse
	if err := c.post(ctx, "/push/send", messages, &resp); err != nil {
		return nil, err
	}

	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("push service rejected send: %s: %s", resp.Errors[0].Code, resp.Errors[0].Message)
	}

	c.logger.Debug("push batch sent",
		zap.Int("messages", len(messages)),
		zap.Int("tickets", len(resp.Data)),
	)

	return resp.Data, nil
}

// GetReceipts fetches delivery receipts for at most MaxReceiptIDsPerQuery
// ticket IDs. IDs with no receipt yet are absent from the result.
func (c *Client) GetReceipts(ctx context.Context, ticketIDs []string) (map[string]Receipt, error) {
	if len(ticketIDs) > MaxReceiptIDsPerQuery {
		return nil, fmt.Errorf("query of %d ticket ids exceeds limit of %d", len(ticketIDs), MaxReceiptIDsPerQuery)
	}

	body := struct {
		IDs []string `json:"ids"`
	}{IDs: ticketIDs}

	var resp receiptsResponse
	if err := c.post(ctx, "/push/getReceipts", body, &resp); err != nil {
		return nil, err
	}

	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("push service rejected receipt query: %s: %s", resp.Errors[0].Code, resp.Errors[0].Message)
	}

	return resp.Data, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("push service returned status %d: %s", resp.StatusCode, string(preview))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode push service response: %w", err)
	}

	return nil
}
