// Package pluginhost loads untrusted WebAssembly modules into a sandboxed
// execution environment and invokes their fixed callback surface on events,
// as described in spec §4.4.
//
// Each module is compiled and instantiated once via wazero. The instance's
// linear memory is disjoint from host memory, and the module config grants
// no filesystem or network access — only inherited stdout/stderr, matching
// the restricted syscall surface spec §4.4 requires. Execution is
// serialized per plugin instance with a mutex, since the sandbox assumes a
// single logical caller at a time.
package pluginhost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"corefabric/internal/logging"
)

// LoadErrorKind classifies why Load failed, per spec §7's
// PluginLoad{Compile|Link|Instantiate} taxonomy.
type LoadErrorKind int

const (
	LoadErrorCompile LoadErrorKind = iota
	LoadErrorLink
	LoadErrorInstantiate
)

func (k LoadErrorKind) String() string {
	switch k {
	case LoadErrorCompile:
		return "compile"
	case LoadErrorLink:
		return "link"
	case LoadErrorInstantiate:
		return "instantiate"
	default:
		return "unknown"
	}
}

// LoadError wraps a load-time failure with its classification.
type LoadError struct {
	Kind LoadErrorKind
	Err  error
}

func (e *LoadError) Error() string { return fmt.Sprintf("plugin load (%s): %v", e.Kind, e.Err) }
func (e *LoadError) Unwrap() error { return e.Err }

// ErrPluginTrap is returned by Invoke when the guest traps or panics during
// a call. The event is marked dropped for that plugin but the error does
// not propagate into the consumer loop beyond that (spec §4.4, §7).
var ErrPluginTrap = errors.New("pluginhost: trap during invoke")

// ErrPluginMissing is returned by Invoke and Unload when the plugin ID is
// unknown (never loaded, or already unloaded).
var ErrPluginMissing = errors.New("pluginhost: unknown plugin id")

// onEventName is the single callback export the host invokes, per spec §3:
// on_event(source_id: u32, seq_no: u64) -> i32.
const onEventName = "on_event"

// Plugin is a loaded sandboxed module: a stable ID, its compiled code, an
// instance with its own linear memory, and whichever callbacks it exports.
type Plugin struct {
	ID     uuid.UUID
	mu     sync.Mutex // serializes invocation; sandbox assumes one caller
	module api.Module
	onEvent api.Function // nil if the module doesn't export on_event
	passive bool
}

// IsPassive reports whether the plugin lacks an on_event export. Dispatch
// is a no-op for passive plugins (spec §4.4).
func (p *Plugin) IsPassive() bool { return p.passive }

// Host loads, verifies, instantiates, and invokes sandboxed plugin modules.
// Plugins are owned by the Host and destroyed on engine shutdown or
// explicit Unload.
type Host struct {
	mu      sync.Mutex // guards registry add/remove (spec §5)
	runtime wazero.Runtime
	order   []uuid.UUID // registration order; dispatch walks this in order
	plugins map[uuid.UUID]*Plugin
	logger  *slog.Logger
}

// New creates a Host with its own wazero runtime. ctx governs the runtime's
// own setup/teardown calls, not individual plugin invocations.
func New(ctx context.Context, logger *slog.Logger) *Host {
	logger = logging.Default(logger).With("component", "pluginhost")
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	return &Host{
		runtime: wazero.NewRuntimeWithConfig(ctx, cfg),
		plugins: make(map[uuid.UUID]*Plugin),
		logger:  logger,
	}
}

// Load validates and compiles bytecode, instantiates it inside the sandbox,
// and enumerates its exports. A module lacking on_event is accepted as a
// passive plugin: dispatch will skip it.
func (h *Host) Load(ctx context.Context, bytecode []byte) (uuid.UUID, error) {
	compiled, err := h.runtime.CompileModule(ctx, bytecode)
	if err != nil {
		return uuid.Nil, &LoadError{Kind: LoadErrorCompile, Err: err}
	}

	id := uuid.Must(uuid.NewV7())
	modCfg := wazero.NewModuleConfig().
		WithStdout(stdoutWriter{}).
		WithStderr(stderrWriter{}).
		WithName(id.String())
		// No WithFS / WithFSConfig: no filesystem access.
		// No network host functions are registered on this runtime's
		// linker surface, so the guest has none by default.

	module, err := h.runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		return uuid.Nil, &LoadError{Kind: LoadErrorInstantiate, Err: err}
	}

	p := &Plugin{ID: id, module: module}
	if fn := module.ExportedFunction(onEventName); fn != nil {
		p.onEvent = fn
	} else {
		p.passive = true
	}

	h.mu.Lock()
	h.plugins[id] = p
	h.order = append(h.order, id)
	h.mu.Unlock()

	h.logger.Info("plugin loaded", "plugin_id", id, "passive", p.passive)
	return id, nil
}

// Invoke calls on_event on the named plugin, serialized against any other
// concurrent call into the same instance. A non-zero return means accept,
// zero means drop (spec §3). Passive plugins report accept (non-zero)
// without calling into the guest, so dispatch order is unaffected by their
// presence.
func (h *Host) Invoke(ctx context.Context, id uuid.UUID, sourceID uint32, seqNo uint64) (int32, error) {
	h.mu.Lock()
	p, ok := h.plugins[id]
	h.mu.Unlock()
	if !ok {
		return 0, ErrPluginMissing
	}

	if p.passive {
		return 1, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	results, err := p.onEvent.Call(ctx, uint64(sourceID), seqNo)
	if err != nil {
		h.logger.Warn("plugin trap", "plugin_id", id, "error", err)
		return 0, fmt.Errorf("%w: %v", ErrPluginTrap, err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("%w: on_event returned no value", ErrPluginTrap)
	}
	return int32(results[0]), nil
}

// Unload destroys the plugin instance. Subsequent Invoke calls for this ID
// fail with ErrPluginMissing.
func (h *Host) Unload(ctx context.Context, id uuid.UUID) error {
	h.mu.Lock()
	p, ok := h.plugins[id]
	if ok {
		delete(h.plugins, id)
		for i, oid := range h.order {
			if oid == id {
				h.order = append(h.order[:i], h.order[i+1:]...)
				break
			}
		}
	}
	h.mu.Unlock()
	if !ok {
		return ErrPluginMissing
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.module.Close(ctx); err != nil {
		return fmt.Errorf("pluginhost: close instance: %w", err)
	}
	h.logger.Info("plugin unloaded", "plugin_id", id)
	return nil
}

// Order returns plugin IDs in registration order — the order the consumer
// loop must dispatch in (spec §4.3, §5).
func (h *Host) Order() []uuid.UUID {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]uuid.UUID, len(h.order))
	copy(out, h.order)
	return out
}

// Count returns the number of currently-loaded plugins.
func (h *Host) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.plugins)
}

// Status describes a loaded plugin for the admin surface (spec §6).
type Status struct {
	ID      uuid.UUID
	Passive bool
}

// List returns the status of every loaded plugin in registration order.
func (h *Host) List() []Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Status, 0, len(h.order))
	for _, id := range h.order {
		p := h.plugins[id]
		out = append(out, Status{ID: id, Passive: p.passive})
	}
	return out
}

// Close tears down the wazero runtime and every remaining instance.
func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

type stdoutWriter struct{}

func (stdoutWriter) Write(p []byte) (int, error) { return os.Stdout.Write(p) }

type stderrWriter struct{}

func (stderrWriter) Write(p []byte) (int, error) { return os.Stderr.Write(p) }
