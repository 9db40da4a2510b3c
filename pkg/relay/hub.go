package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/canopy-network/blockorb/pkg/logging"
	redisclient "github.com/canopy-network/blockorb/pkg/redis"
	"github.com/canopy-network/blockorb/pkg/retry"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultChannel is the Redis Pub/Sub channel shared by relay replicas.
const DefaultChannel = "blockorb:blocks"

// Subscriber receives broadcast messages on C. Messages that do not fit the
// buffer are dropped.
type Subscriber struct {
	id      uint64
	ch      chan []byte
	dropped atomic.Uint64
}

func (s *Subscriber) C() <-chan []byte { return s.ch }

// Dropped counts messages lost because the subscriber fell behind.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

// HubOptions configure a Hub. Redis is optional.
type HubOptions struct {
	Buffer  int
	Redis   *redisclient.Client
	Channel string
	// Sequence extracts an ordering key from a message. When set, a message
	// repeating the last delivered key is dropped, and messages from other
	// replicas are dropped unless their key is ahead of it. Messages without a
	// key always pass.
	Sequence func(msg []byte) (uint64, bool)
}

// Hub fans messages out to local subscribers and, when Redis is configured, to
// the other replicas listening on the same channel.
type Hub struct {
	subs    *xsync.Map[uint64, *Subscriber]
	nextID  atomic.Uint64
	buffer  int
	origin  string
	redis   *redisclient.Client
	channel string
	logger  *zap.Logger

	sequence func([]byte) (uint64, bool)
	seqMu    sync.Mutex
	lastSeq  uint64
	haveSeq  bool

	published  atomic.Uint64
	duplicates atomic.Uint64
}

type envelope struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

func NewHub(opts HubOptions, logger *zap.Logger) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	return &Hub{
		subs:     xsync.NewMap[uint64, *Subscriber](),
		buffer:   opts.Buffer,
		origin:   strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + strconv.Itoa(rand.Intn(1<<20)),
		redis:    opts.Redis,
		channel:  opts.Channel,
		sequence: opts.Sequence,
		logger:   logging.OrNop(logger),
	}
}

// Subscribe registers a new subscriber. Callers must Unsubscribe it.
func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{id: h.nextID.Add(1), ch: make(chan []byte, h.buffer)}
	h.subs.Store(s.id, s)
	return s
}

// Unsubscribe removes s. Its channel is left open; nothing is sent after this returns.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.subs.Delete(s.id)
}

// Size is the number of local subscribers.
func (h *Hub) Size() int { return h.subs.Size() }

// Published counts messages passed to Publish.
func (h *Hub) Published() uint64 { return h.published.Load() }

// Duplicates counts messages dropped by the Sequence filter.
func (h *Hub) Duplicates() uint64 { return h.duplicates.Load() }

// dispatch delivers msg unless the Sequence filter rejects it. A local message
// only has to differ from the last key, so an upstream going backwards still
// reaches subscribers. Filtering and delivery happen under one lock so
// subscribers see keys in the order they were admitted.
func (h *Hub) dispatch(msg []byte, remote bool) bool {
	if h.sequence == nil {
		h.deliver(msg)
		return true
	}
	seq, ok := h.sequence(msg)

	h.seqMu.Lock()
	defer h.seqMu.Unlock()
	if ok {
		if h.haveSeq && (seq == h.lastSeq || (remote && seq < h.lastSeq)) {
			h.duplicates.Add(1)
			return false
		}
		h.lastSeq, h.haveSeq = seq, true
	}
	h.deliver(msg)
	return true
}

// Publish delivers msg locally and forwards it to Redis when configured. Redis
// errors are logged and never block local delivery. A message the Sequence
// filter rejects was already delivered through another replica and is neither
// delivered nor forwarded.
func (h *Hub) Publish(ctx context.Context, msg []byte) {
	h.published.Add(1)
	if !h.dispatch(msg, false) {
		return
	}
	if h.redis == nil {
		return
	}
	b, err := json.Marshal(envelope{Origin: h.origin, Data: msg})
	if err != nil {
		h.logger.Warn("Failed to encode relay envelope", zap.Error(err))
		return
	}
	h.redis.Publish(ctx, h.channel, b)
}

func (h *Hub) deliver(msg []byte) {
	h.subs.Range(func(id uint64, s *Subscriber) bool {
		select {
		case s.ch <- msg:
		default:
			if s.dropped.Add(1) == 1 {
				h.logger.Warn("Subscriber is falling behind, dropping messages", zap.Uint64("subscriber", id))
			}
		}
		return true
	})
}

// Run relays messages published by other replicas until ctx is done. It
// resubscribes with backoff when the Redis subscription fails. Without Redis it
// returns immediately.
func (h *Hub) Run(ctx context.Context) {
	if h.redis == nil {
		return
	}
	const (
		initialBackoff = 1 * time.Second
		maxBackoff     = 30 * time.Second
	)
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.Error("Panic in relay subscriber",
				zap.Any("panic", rec),
				zap.String("stack", string(debug.Stack())))
		}
	}()

	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		err := h.subscribeOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		h.logger.Warn("Relay subscription ended, will retry",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff))
		if retry.Sleep(ctx, backoff) != nil {
			return
		}
		backoff = retry.NextBackoff(backoff, maxBackoff, 2.0, 0.1)
	}
}

func (h *Hub) subscribeOnce(ctx context.Context) error {
	pubsub := h.redis.Subscribe(ctx, h.channel)
	defer func() {
		if err := pubsub.Close(); err != nil {
			h.logger.Debug("Error closing relay subscription", zap.Error(err))
		}
	}()

	receiveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	_, err := pubsub.Receive(receiveCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("confirm subscription to %s: %w", h.channel, err)
	}
	h.logger.Info("Subscribed to relay channel", zap.String("channel", h.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			h.handleRemote(msg)
		}
	}
}

func (h *Hub) handleRemote(msg *redis.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		h.logger.Warn("Discarding malformed relay envelope", zap.Error(err))
		return
	}
	if env.Origin == h.origin || len(env.Data) == 0 {
		return
	}
	h.dispatch(env.Data, true)
}
