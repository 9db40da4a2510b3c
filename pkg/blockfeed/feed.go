package blockfeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/canopy-network/blockorb/pkg/logging"
	"github.com/canopy-network/blockorb/pkg/retry"
	"go.uber.org/zap"
)

// ConnectionState is the caller-visible status of the feed.
type ConnectionState string

const (
	StateLoading      ConnectionState = "loading"
	StateConnecting   ConnectionState = "connecting"
	StateSyncing      ConnectionState = "syncing"
	StateEstablished  ConnectionState = "established"
	StateDisconnected ConnectionState = "disconnected"
)

// ErrStalled ends a session that went StallTimeout without a block.
var ErrStalled = errors.New("no block within stall timeout")

// Options configure a Feed. Zero values take the defaults below.
type Options struct {
	URL       string
	Transport Transport
	// Open overrides Transport, mostly for tests.
	Open Opener

	// MaxRetries is the number of consecutive failed sessions after which the feed
	// gives up until Resume. A session that reached established resets the count.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	BackoffJitter  float64

	StallTimeout time.Duration

	Now func() time.Time
}

func (o *Options) defaults() {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 10
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	if o.BackoffFactor < 1 {
		o.BackoffFactor = 2
	}
	if o.BackoffJitter < 0 {
		o.BackoffJitter = 0
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = 60 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Open == nil {
		if o.Transport == TransportSSE {
			o.Open = SSEOpener(nil, nil)
		} else {
			o.Open = WebSocketOpener(nil, nil)
		}
	}
}

type blockSub struct {
	id uint64
	fn func(BlockEvent)
}

type stateSub struct {
	id uint64
	fn func(ConnectionState)
}

// Feed keeps a reconnecting stream to the relay and fans block events out to
// subscribers. Callbacks run synchronously on the feed goroutine in registration
// order and must not block for long.
//
// Every run of the connection loop carries a generation number. Stop, and going
// offline or hidden, bump the generation; results from an older run are dropped
// before reaching any callback.
type Feed struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	state   ConnectionState
	latest  *BlockEvent
	gen     uint64
	parent  context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	wanted  bool
	online  bool
	visible bool

	nextID     uint64
	blockSubs  []blockSub
	stateSubs  []stateSub
	blockCount uint64
}

// New builds a feed in the loading state. Nothing is dialed until Start.
func New(opts Options, logger *zap.Logger) *Feed {
	opts.defaults()
	return &Feed{
		opts:    opts,
		logger:  logging.OrNop(logger).With(zap.String("relay", opts.URL)),
		state:   StateLoading,
		online:  true,
		visible: true,
	}
}

// Start begins listening. Calling it while already listening is a no-op.
func (f *Feed) Start(ctx context.Context) {
	f.mu.Lock()
	f.parent = ctx
	f.wanted = true
	f.startLocked()
	f.mu.Unlock()
}

// Resume restarts a feed that gave up after MaxRetries, if it was started.
func (f *Feed) Resume() {
	f.mu.Lock()
	if f.wanted {
		f.startLocked()
	}
	f.mu.Unlock()
}

// Stop stops listening. It is safe at any time, including from a callback; once
// it returns no block callback of the stopped run is started.
func (f *Feed) Stop() {
	f.mu.Lock()
	f.wanted = false
	changed := f.stopLocked()
	f.mu.Unlock()
	if changed != nil {
		f.notifyState(changed, StateDisconnected)
	}
}

// SetOnline reports host network reachability. Going offline stops the current
// connection; coming back restarts it unless it is already established.
func (f *Feed) SetOnline(online bool) { f.setHost(func() { f.online = online }) }

// SetVisible reports whether anyone is watching. Hidden feeds stop listening
// until visible again.
func (f *Feed) SetVisible(visible bool) { f.setHost(func() { f.visible = visible }) }

func (f *Feed) setHost(apply func()) {
	f.mu.Lock()
	apply()
	var changed []stateSub
	switch {
	case !f.online || !f.visible:
		changed = f.stopLocked()
	case f.wanted && f.state != StateEstablished:
		f.startLocked()
	}
	f.mu.Unlock()
	if changed != nil {
		f.notifyState(changed, StateDisconnected)
	}
}

func (f *Feed) startLocked() {
	if f.cancel != nil || !f.online || !f.visible {
		return
	}
	parent := f.parent
	if parent == nil {
		parent = context.Background()
	}
	f.gen++
	ctx, cancel := context.WithCancel(parent)
	f.cancel = cancel
	f.done = make(chan struct{})
	go f.run(ctx, f.gen, f.done)
}

// stopLocked returns the state observers to notify when the state changed.
func (f *Feed) stopLocked() []stateSub {
	if f.cancel == nil {
		return nil
	}
	f.cancel()
	f.cancel = nil
	f.gen++
	if f.state == StateDisconnected || f.state == StateLoading {
		return nil
	}
	f.state = StateDisconnected
	return append([]stateSub(nil), f.stateSubs...)
}

// Running reports whether a connection loop is active.
func (f *Feed) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancel != nil
}

// Exhausted reports whether the feed gave up after MaxRetries and waits for Resume.
func (f *Feed) Exhausted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.wanted && f.cancel == nil && f.online && f.visible && f.state == StateDisconnected
}

// Done is closed when the current (or last) connection loop exits.
func (f *Feed) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done == nil {
		c := make(chan struct{})
		close(c)
		return c
	}
	return f.done
}

// State returns the current connection state.
func (f *Feed) State() ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// LatestBlock returns the last delivered block.
func (f *Feed) LatestBlock() (BlockEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return BlockEvent{}, false
	}
	return *f.latest, true
}

// BlockCount is the number of blocks delivered since New.
func (f *Feed) BlockCount() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockCount
}

// OnBlockEvent registers cb and returns its unsubscribe func.
func (f *Feed) OnBlockEvent(cb func(BlockEvent)) (unsubscribe func()) {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.blockSubs = append(f.blockSubs, blockSub{id: id, fn: cb})
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			for i, s := range f.blockSubs {
				if s.id == id {
					f.blockSubs = append(f.blockSubs[:i:i], f.blockSubs[i+1:]...)
					return
				}
			}
		})
	}
}

// OnStateChange registers cb for connection state changes.
func (f *Feed) OnStateChange(cb func(ConnectionState)) (unsubscribe func()) {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.stateSubs = append(f.stateSubs, stateSub{id: id, fn: cb})
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			for i, s := range f.stateSubs {
				if s.id == id {
					f.stateSubs = append(f.stateSubs[:i:i], f.stateSubs[i+1:]...)
					return
				}
			}
		})
	}
}

func (f *Feed) current(gen uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gen == gen
}

// setState moves the feed to s if run gen is still current.
func (f *Feed) setState(gen uint64, s ConnectionState) bool {
	f.mu.Lock()
	if f.gen != gen {
		f.mu.Unlock()
		return false
	}
	if f.state == s {
		f.mu.Unlock()
		return true
	}
	prev := f.state
	f.state = s
	subs := append([]stateSub(nil), f.stateSubs...)
	f.mu.Unlock()

	f.logger.Debug("Relay connection state changed",
		zap.String("from", string(prev)),
		zap.String("to", string(s)))
	f.notifyState(subs, s)
	return true
}

func (f *Feed) notifyState(subs []stateSub, s ConnectionState) {
	for _, sub := range subs {
		sub.fn(s)
	}
}

// deliver records ev and invokes block callbacks in registration order,
// rechecking the generation before each one.
func (f *Feed) deliver(gen uint64, ev BlockEvent) {
	f.mu.Lock()
	if f.gen != gen {
		f.mu.Unlock()
		return
	}
	f.latest = &ev
	f.blockCount++
	subs := append([]blockSub(nil), f.blockSubs...)
	f.mu.Unlock()

	for _, sub := range subs {
		if !f.current(gen) {
			return
		}
		sub.fn(ev)
	}
}

func (f *Feed) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)
	defer func() {
		f.mu.Lock()
		if f.gen == gen && f.cancel != nil {
			f.cancel()
			f.cancel = nil
		}
		f.mu.Unlock()
	}()

	backoff := f.opts.InitialBackoff
	failures := 0
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil || !f.setState(gen, StateConnecting) {
			return
		}
		f.logger.Info("Connecting to relay",
			zap.Int("attempt", attempt),
			zap.String("transport", string(f.opts.Transport)))

		started := time.Now()
		established, err := f.session(ctx, gen)
		if ctx.Err() != nil || !f.current(gen) {
			return
		}
		f.setState(gen, StateDisconnected)

		if established {
			failures = 0
			backoff = f.opts.InitialBackoff
		}
		failures++
		if failures > f.opts.MaxRetries {
			f.logger.Error("Relay unreachable, giving up until resumed",
				zap.Int("max_retries", f.opts.MaxRetries),
				zap.Error(err))
			return
		}

		wait := backoff
		backoff = retry.NextBackoff(backoff, f.opts.MaxBackoff, f.opts.BackoffFactor, f.opts.BackoffJitter)
		f.logger.Warn("Relay stream ended, reconnecting",
			zap.Error(err),
			zap.Bool("was_established", established),
			zap.Duration("uptime", time.Since(started).Round(time.Millisecond)),
			zap.Int("failures", failures),
			zap.Duration("retry_in", wait))

		if retry.Sleep(ctx, wait) != nil {
			return
		}
	}
}

// session runs one connection until it fails, stalls or ctx ends. It reports
// whether the connection ever reached established.
func (f *Feed) session(ctx context.Context, gen uint64) (bool, error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := f.opts.Open(sctx, f.opts.URL)
	if err != nil {
		return false, fmt.Errorf("open relay stream: %w", err)
	}
	defer func() { _ = stream.Close() }()

	if !f.setState(gen, StateSyncing) {
		return false, context.Canceled
	}

	msgs := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			raw, err := stream.Next()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- raw:
			case <-sctx.Done():
				return
			}
		}
	}()

	stall := time.NewTimer(f.opts.StallTimeout)
	defer stall.Stop()

	established := false
	for {
		select {
		case <-sctx.Done():
			return established, sctx.Err()
		case err := <-readErr:
			return established, fmt.Errorf("read relay stream: %w", err)
		case <-stall.C:
			f.logger.Warn("Relay stream stalled", zap.Duration("timeout", f.opts.StallTimeout))
			return established, ErrStalled
		case raw := <-msgs:
			msg, err := ParseMessage(raw, f.opts.Now())
			if err != nil {
				f.logger.Warn("Dropping relay message", zap.Error(err), zap.Int("bytes", len(raw)))
				continue
			}
			switch msg.Type {
			case MessageBlock:
				stall.Reset(f.opts.StallTimeout)
				if !established {
					if !f.setState(gen, StateEstablished) {
						return established, context.Canceled
					}
					established = true
				}
				f.deliver(gen, *msg.Block)
			case MessageError:
				f.logger.Warn("Relay reported an error", zap.String("message", msg.Error))
			}
		}
	}
}
