package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HeadSubscriberConfig configures the head subscription behavior.
type HeadSubscriberConfig struct {
	// ReconnectDelay is initial delay before a reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// ReadTimeout is timeout for reading notifications.
	ReadTimeout time.Duration
}

// DefaultHeadSubscriberConfig returns default subscription configuration.
func DefaultHeadSubscriberConfig() HeadSubscriberConfig {
	return HeadSubscriberConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
	}
}

// HeadSubscriber maintains a WebSocket subscription to the node's new-head
// feed. Each head event signals that chain state moved and locally cached
// nonce successors for idle addresses may be stale (for example because a
// transaction was mined from outside this process).
type HeadSubscriber struct {
	endpoint string
	config   HeadSubscriberConfig
	logger   *zap.Logger
}

// NewHeadSubscriber creates a head subscriber for the WebSocket endpoint.
func NewHeadSubscriber(endpoint string, config *HeadSubscriberConfig, logger *zap.Logger) *HeadSubscriber {
	cfg := DefaultHeadSubscriberConfig()
	if config != nil {
		cfg = *config
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HeadSubscriber{endpoint: endpoint, config: cfg, logger: logger}
}

// wsRequest is a JSON-RPC 2.0 request frame.
type wsRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// headNotification is the notification frame carrying a new head height.
type headNotification struct {
	Method string `json:"method"`
	Params struct {
		Result struct {
			Height uint64 `json:"height"`
		} `json:"result"`
	} `json:"params"`
}

// Run subscribes and invokes onHead for every new head until ctx is
// cancelled, redialing with exponential backoff on connection loss.
func (s *HeadSubscriber) Run(ctx context.Context, onHead func(height uint64)) error {
	delay := s.config.ReconnectDelay

	for {
		err := s.subscribeOnce(ctx, onHead)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("head subscription lost, reconnecting",
			zap.Error(err), zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > s.config.MaxReconnectDelay {
			delay = s.config.MaxReconnectDelay
		}
	}
}

// subscribeOnce runs one dial/subscribe/read cycle.
func (s *HeadSubscriber) subscribeOnce(ctx context.Context, onHead func(height uint64)) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, _, err := dialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()

	// Close the connection when ctx ends so the read loop unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	req := wsRequest{JSONRPC: "2.0", ID: 1, Method: "headSubscribe"}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("subscribe to heads: %w", err)
	}

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read head notification: %w", err)
		}

		var note headNotification
		if err := json.Unmarshal(data, &note); err != nil {
			s.logger.Debug("unparseable frame on head subscription", zap.Error(err))
			continue
		}
		if note.Method != "headNotification" {
			// Subscription confirmation or unrelated frame.
			continue
		}

		onHead(note.Params.Result.Height)
	}
}
