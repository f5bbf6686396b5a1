// Package engine runs the consumer loop described in spec §4.3: a single
// dedicated goroutine that pops events off the ring buffer, dispatches each
// to every loaded plugin in registration order, and records the outcome in
// telemetry.
package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"corefabric/internal/event"
	"corefabric/internal/logging"
	"corefabric/internal/pluginhost"
	"corefabric/internal/ringbuffer"
	"corefabric/internal/telemetry"
)

// Config controls the consumer loop's polling behavior.
type Config struct {
	// QueueCapacity is the ring buffer's slot count (spec §4.2); rounds up
	// to a power of two.
	QueueCapacity int

	// ParkInterval bounds how long the loop sleeps after an empty pop
	// before retrying. Spec §4.3 calls for 10-100us; default 50us.
	ParkInterval time.Duration
}

// DefaultConfig returns the engine defaults named in spec §4.3.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: 4096,
		ParkInterval:  50 * time.Microsecond,
	}
}

// Engine owns the ring buffer, the plugin host, and the dedicated consumer
// goroutine. It is the Go-side object behind the init/publish/free boundary
// exposed at the ingress boundary (spec §4.1).
type Engine struct {
	cfg     Config
	queue   *ringbuffer.RingBuffer
	plugins *pluginhost.Host
	stats   telemetry.Stats
	logger  *slog.Logger

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New constructs an Engine. The plugin host is created with its own wazero
// runtime; callers load plugins via Plugins() before or after Start.
func New(ctx context.Context, cfg Config, logger *slog.Logger) *Engine {
	logger = logging.Default(logger).With("component", "engine")
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultConfig().QueueCapacity
	}
	if cfg.ParkInterval <= 0 {
		cfg.ParkInterval = DefaultConfig().ParkInterval
	}
	return &Engine{
		cfg:     cfg,
		queue:   ringbuffer.New(cfg.QueueCapacity),
		plugins: pluginhost.New(ctx, logger),
		logger:  logger,
	}
}

// Plugins returns the engine's plugin host, for loading/unloading modules
// and for the admin surface's plugin listing.
func (e *Engine) Plugins() *pluginhost.Host { return e.plugins }

// Stats returns the engine's telemetry counters.
func (e *Engine) Stats() *telemetry.Stats { return &e.stats }

// Publish enqueues ev for the consumer loop. Returns ringbuffer.ErrBufferFull
// if the queue has no free slot; the caller (ingress boundary) is
// responsible for dropping or applying backpressure in that case.
func (e *Engine) Publish(ev event.Event) error {
	if err := e.queue.Push(ev); err != nil {
		e.stats.RecordQueueFull()
		return err
	}
	return nil
}

// Start launches the dedicated consumer goroutine. Safe to call once;
// returns without effect if already running.
func (e *Engine) Start() {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	go e.run()
	e.logger.Info("engine started", "queue_capacity", e.queue.Cap())
}

// Stop signals the consumer loop to exit at its next iteration and waits
// for it to finish. Per spec §4.3, the loop does not drain the queue on
// exit; Stop does that afterward so every remaining event's release
// callback still runs exactly once.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	close(e.stopCh)
	select {
	case <-e.doneCh:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.queue.Drain()
	if err := e.plugins.Close(ctx); err != nil {
		return err
	}
	e.logger.Info("engine stopped")
	return nil
}

func (e *Engine) run() {
	defer close(e.doneCh)
	ctx := context.Background()

	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		ev, ok := e.queue.Pop()
		if !ok {
			time.Sleep(e.cfg.ParkInterval)
			continue
		}

		e.dispatch(ctx, &ev)
		ev.Destroy()
	}
}

// dispatch invokes on_event on every loaded plugin in registration order.
// A zero return from any plugin marks the event dropped for downstream
// stages; the loop still calls every plugin (spec §4.3 does not specify
// short-circuiting on first drop, and the original's processor visits the
// full pipeline regardless of an earlier stage's verdict). A plugin that
// traps counts as a drop for that plugin and the remaining plugins are
// still called; such an event is recorded as trapped in telemetry.
func (e *Engine) dispatch(ctx context.Context, ev *event.Event) {
	payloadBytes := payloadSize(ev)
	order := e.plugins.Order()

	accepted := true
	trapped := false
	for _, id := range order {
		e.stats.RecordPluginInvocation()
		result, err := e.plugins.Invoke(ctx, id, ev.Header.SourceID, ev.Header.SeqNo)
		if err != nil {
			e.logger.Warn("plugin dispatch failed", "plugin_id", id, "error", err)
			trapped = true
			accepted = false
			continue
		}
		if result == 0 {
			accepted = false
		}
	}

	switch {
	case trapped:
		e.stats.RecordTrap(payloadBytes)
	case accepted:
		e.stats.RecordAccept(payloadBytes)
	default:
		e.stats.RecordDrop(payloadBytes)
	}
}

func payloadSize(ev *event.Event) int {
	if ev.Payload == nil {
		return 0
	}
	n := 0
	for _, col := range ev.Payload.Columns {
		n += len(col.Data)
	}
	return n
}
