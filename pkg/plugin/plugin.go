// Package plugin adapts the memory engine to a chat host. Two hooks run
// around every LLM call: PreLLMHook recalls memories for injection into the
// system prompt and buffers the user turn, PostLLMHook buffers the reply and
// triggers reflection once enough rounds accumulate. The admin methods back
// the lmem command surface and all return the same Response envelope.
package plugin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/liliang-cn/livingmemory"
	"github.com/liliang-cn/livingmemory/pkg/config"
	"github.com/liliang-cn/livingmemory/pkg/core"
)

// defaultReadyTimeout bounds how long a hook waits for deferred
// initialization before degrading to a no-op.
const defaultReadyTimeout = 2 * time.Second

// Host owns an Engine on behalf of a chat bot. Construction is cheap and
// synchronous; the engine itself is opened later by Init, typically once the
// bot's provider credentials are known. Hooks arriving before Init wait
// briefly on the ready gate and then no-op, so a slow or failed
// initialization degrades the bot to stateless operation instead of
// blocking it.
type Host struct {
	logger core.Logger

	mu             sync.RWMutex
	cfg            *config.Config
	engine         *livingmemory.Engine
	personaPrompts map[string]string

	ready        chan struct{}
	readyTimeout time.Duration

	// tasks tracks background reflection goroutines so Close can drain
	// them; ctx cancels them on shutdown.
	tasks  sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// NewHost prepares a host around cfg without touching disk or network.
func NewHost(cfg *config.Config, logger core.Logger) *Host {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = core.NewStdLogger(core.ParseLevel(cfg.LogLevel))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		logger:         logger,
		cfg:            cfg.Clone(),
		personaPrompts: make(map[string]string),
		ready:          make(chan struct{}),
		readyTimeout:   defaultReadyTimeout,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Init opens the engine with provider-built capabilities and opens the ready
// gate. Call it once; a second call fails without disturbing the running
// engine.
func (h *Host) Init(ctx context.Context) error {
	return h.InitWith(ctx, livingmemory.Deps{})
}

// InitWith is Init with injected capabilities, for hosts that already own an
// LLM client and for tests.
func (h *Host) InitWith(ctx context.Context, deps livingmemory.Deps) error {
	h.mu.RLock()
	initialized := h.engine != nil
	cfg := h.cfg
	h.mu.RUnlock()
	if initialized {
		return core.WrapError("plugin.init", fmt.Errorf("%w: host already initialized", core.ErrValidation))
	}
	if deps.Logger == nil {
		deps.Logger = h.logger
	}

	eng, err := livingmemory.OpenWith(ctx, cfg, deps)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.engine != nil {
		h.mu.Unlock()
		eng.Close()
		return core.WrapError("plugin.init", fmt.Errorf("%w: host already initialized", core.ErrValidation))
	}
	h.engine = eng
	h.mu.Unlock()

	close(h.ready)
	h.logger.Info("memory plugin ready")
	return nil
}

// Ready reports whether the engine is initialized, without waiting.
func (h *Host) Ready() bool {
	select {
	case <-h.ready:
		return true
	default:
		return false
	}
}

// waitReady blocks until the ready gate opens, the timeout expires or ctx is
// done. Hooks treat a false return as "run without memory".
func (h *Host) waitReady(ctx context.Context) bool {
	select {
	case <-h.ready:
		return true
	default:
	}
	timer := time.NewTimer(h.readyTimeout)
	defer timer.Stop()
	select {
	case <-h.ready:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Engine returns the wrapped engine, nil before Init succeeds.
func (h *Host) Engine() *livingmemory.Engine {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.engine
}

// Config returns a copy of the active configuration.
func (h *Host) Config() *config.Config {
	return h.currentConfig().Clone()
}

// currentConfig returns the active configuration for read-only use.
func (h *Host) currentConfig() *config.Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// swapConfig installs a mutated clone of the active configuration. Readers
// holding the previous pointer keep a consistent snapshot.
func (h *Host) swapConfig(mutate func(*config.Config)) {
	h.mu.Lock()
	cp := h.cfg.Clone()
	mutate(cp)
	h.cfg = cp
	h.mu.Unlock()
}

// SetPersonaPrompt registers the system prompt of a persona so reflection
// can evaluate memories from that persona's point of view.
func (h *Host) SetPersonaPrompt(personaID, prompt string) {
	h.mu.Lock()
	h.personaPrompts[personaID] = prompt
	h.mu.Unlock()
}

func (h *Host) personaPrompt(personaID string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.personaPrompts[personaID]
}

// Close cancels background reflection, waits for it to drain and closes the
// engine. Safe to call twice and before Init.
func (h *Host) Close() error {
	h.closeOnce.Do(func() {
		h.cancel()
		h.tasks.Wait()
		if eng := h.Engine(); eng != nil {
			h.closeErr = eng.Close()
		}
	})
	return h.closeErr
}
