package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/canopy-network/blockorb/pkg/logging"
	"github.com/canopy-network/blockorb/pkg/retry"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const subscribeHeadMethod = "subscribeForHeadBlock"

// HeadOptions configure a HeadSubscriber.
type HeadOptions struct {
	// URL of the node websocket endpoint, e.g. ws://node:8648/ws.
	URL string
	// IncludeBody asks the node for full blocks; producer data needs it.
	IncludeBody    bool
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// ReadTimeout closes a subscription that delivers nothing for this long.
	ReadTimeout time.Duration
	Dialer      *websocket.Dialer
}

// HeadSubscriber follows the node's head block over a websocket subscription and
// reconnects with backoff until its context ends.
type HeadSubscriber struct {
	opts   HeadOptions
	logger *zap.Logger
}

// NewHeadSubscriber builds a subscriber. Nothing is dialed until Run.
func NewHeadSubscriber(opts HeadOptions, logger *zap.Logger) *HeadSubscriber {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &HeadSubscriber{opts: opts, logger: logging.OrNop(logger).With(zap.String("node", opts.URL))}
}

// Run blocks until ctx is done. onBlock receives every head block; onError is told
// about every failed or dropped subscription before the next attempt.
func (h *HeadSubscriber) Run(ctx context.Context, onBlock func(Block), onError func(error)) error {
	if _, err := url.Parse(h.opts.URL); err != nil {
		return fmt.Errorf("parse node ws url: %w", err)
	}

	backoff := h.opts.InitialBackoff
	for attempt := 1; ; attempt++ {
		h.logger.Info("Subscribing to head blocks", zap.Int("attempt", attempt))

		subscribed, err := h.session(ctx, onBlock)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if subscribed {
			backoff = h.opts.InitialBackoff
			attempt = 0
		}
		if onError != nil && err != nil {
			onError(err)
		}

		wait := backoff
		backoff = retry.NextBackoff(backoff, h.opts.MaxBackoff, 2, 0.2)
		h.logger.Warn("Head subscription ended, reconnecting",
			zap.Error(err),
			zap.Duration("retry_in", wait))
		if err := retry.Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (h *HeadSubscriber) session(ctx context.Context, onBlock func(Block)) (bool, error) {
	conn, _, err := h.opts.Dialer.DialContext(ctx, h.opts.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial node: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	req := Request{JSONRPC: jsonRPCVersion, Method: subscribeHeadMethod, Params: []any{h.opts.IncludeBody}, ID: 1}
	if err := conn.WriteJSON(req); err != nil {
		return false, fmt.Errorf("send subscribe: %w", err)
	}

	subscribed := false
	for {
		_ = conn.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
		var msg Response
		if err := conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				h.logger.Warn("Skipping malformed node message", zap.Error(err))
				continue
			}
			return subscribed, fmt.Errorf("read node message: %w", err)
		}

		switch {
		case msg.Error != nil:
			return subscribed, fmt.Errorf("subscribe: %w", msg.Error)
		case msg.ID != nil && !subscribed:
			subscribed = true
			h.logger.Info("Subscribed to head blocks", zap.ByteString("subscription", msg.Result))
		case msg.Method == subscribeHeadMethod:
			block, err := decodeHeadNotification(msg.Params)
			if err != nil {
				h.logger.Warn("Skipping head notification", zap.Error(err))
				continue
			}
			if block != nil {
				onBlock(*block)
			}
		}
	}
}

type headNotification struct {
	Subscription json.RawMessage `json:"subscription"`
	Result       envelope[*Block] `json:"result"`
}

func decodeHeadNotification(raw json.RawMessage) (*Block, error) {
	var n headNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("decode head notification: %w", err)
	}
	return n.Result.Data, nil
}
