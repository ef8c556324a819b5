// Package webhook delivers best-effort terminal-failure notifications to an
// external HTTP endpoint. Delivery failures are reported to the caller and
// never retried here; the transaction archive is the durable record.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"tokenrail/internal/compensator"
	"tokenrail/internal/domain"
)

// DefaultTimeout bounds one delivery attempt.
const DefaultTimeout = 10 * time.Second

// Notifier posts terminal-failure events as JSON.
type Notifier struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// Compile-time interface check.
var _ compensator.Notifier = (*Notifier)(nil)

// NewNotifier creates a Notifier for the endpoint. client may be nil.
func NewNotifier(endpoint string, client *http.Client, logger *zap.Logger) *Notifier {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{endpoint: endpoint, client: client, logger: logger}
}

// terminalFailureEvent is the notification body.
type terminalFailureEvent struct {
	Event              string `json:"event"`
	TransactionUUID    string `json:"transactionUuid"`
	TokenID            string `json:"tokenId"`
	SenderAddress      string `json:"senderAddress"`
	DestinationAddress string `json:"destinationAddress,omitempty"`
	LastStatus         string `json:"lastStatus"`
	RetryCount         int    `json:"retryCount"`
	OccurredAt         int64  `json:"occurredAt"` // Unix ms
}

// NotifyTerminalFailure posts the event. pending may be nil when the
// pending record was already cleaned up.
func (n *Notifier) NotifyTerminalFailure(ctx context.Context, meta *domain.TransactionMeta, pending *domain.PendingTransaction) error {
	event := terminalFailureEvent{
		Event:           "transaction.terminally_failed",
		TransactionUUID: meta.TransactionUUID,
		TokenID:         meta.TokenID,
		SenderAddress:   meta.SenderAddress,
		LastStatus:      string(meta.Status),
		RetryCount:      meta.RetryCount,
		OccurredAt:      time.Now().UnixMilli(),
	}
	if pending != nil {
		event.DestinationAddress = pending.DestinationAddress
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode webhook event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}

	n.logger.Debug("terminal-failure webhook delivered",
		zap.String("transaction", meta.TransactionUUID))
	return nil
}
