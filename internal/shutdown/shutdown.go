// Package shutdown turns interrupt signals into a graceful crawl stop. The
// first signal runs the registered callbacks, which stop the crawl and
// flush partial output; a second signal forces the process out.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/PentesterFlow/merchantcrawler/internal/logger"
)

// ExitCodeInterrupted is used when a second signal forces the exit.
const ExitCodeInterrupted = 130

// Handler manages graceful shutdown.
type Handler struct {
	mu sync.Mutex

	// Callbacks
	callbacks     []ShutdownCallback
	callbackNames []string

	// State
	isShuttingDown atomic.Bool
	done           chan struct{}
	timeout        time.Duration
	log            *logger.Logger

	// Context
	ctx    context.Context
	cancel context.CancelFunc

	// Signal handling
	sigChan    chan os.Signal
	stopListen chan struct{}
	listening  atomic.Bool
	closeOnce  sync.Once

	// Notification
	onShutdownStart func()
	onShutdownDone  func(elapsed time.Duration, errors []error)
	onForce         func()
}

// ShutdownCallback is a function called during shutdown.
type ShutdownCallback func(ctx context.Context) error

// Config holds shutdown configuration.
type Config struct {
	Timeout         time.Duration
	Signals         []os.Signal
	OnShutdownStart func()
	OnShutdownDone  func(elapsed time.Duration, errors []error)
	// OnForce runs on the second signal. The default exits with
	// ExitCodeInterrupted.
	OnForce func()
	Logger  *logger.Logger
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
		Signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// New creates a new shutdown handler. Signals are only delivered after
// Listen.
func New(cfg Config) *Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if len(cfg.Signals) == 0 {
		cfg.Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	if cfg.OnForce == nil {
		cfg.OnForce = func() { os.Exit(ExitCodeInterrupted) }
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	h := &Handler{
		done:            make(chan struct{}),
		timeout:         cfg.Timeout,
		log:             cfg.Logger.WithComponent("shutdown"),
		ctx:             ctx,
		cancel:          cancel,
		sigChan:         make(chan os.Signal, 2),
		stopListen:      make(chan struct{}),
		onShutdownStart: cfg.OnShutdownStart,
		onShutdownDone:  cfg.OnShutdownDone,
		onForce:         cfg.OnForce,
	}

	signal.Notify(h.sigChan, cfg.Signals...)

	return h
}

// NewDefault creates a handler with default configuration.
func NewDefault() *Handler {
	return New(DefaultConfig())
}

// Register registers a shutdown callback with a name. Callbacks run in
// reverse registration order.
func (h *Handler) Register(name string, callback ShutdownCallback) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.callbacks = append(h.callbacks, callback)
	h.callbackNames = append(h.callbackNames, name)
}

// RegisterFunc registers a simple cleanup function.
func (h *Handler) RegisterFunc(name string, fn func()) {
	h.Register(name, func(ctx context.Context) error {
		fn()
		return nil
	})
}

// Context returns the shutdown context.
// This context is cancelled when shutdown begins.
func (h *Handler) Context() context.Context {
	return h.ctx
}

// IsShuttingDown returns whether shutdown is in progress.
func (h *Handler) IsShuttingDown() bool {
	return h.isShuttingDown.Load()
}

// Done returns a channel that is closed when shutdown completes.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// Listen starts delivering signals in the background. The first one starts
// a graceful shutdown, the second one forces the exit.
func (h *Handler) Listen() {
	if !h.listening.CompareAndSwap(false, true) {
		return
	}
	go func() {
		for {
			select {
			case sig := <-h.sigChan:
				select {
				case <-h.stopListen:
					return
				default:
				}
				if h.isShuttingDown.Load() {
					h.log.WithField("signal", sig.String()).Warn("second signal, exiting immediately")
					h.onForce()
					return
				}
				h.log.WithField("signal", sig.String()).Warn("signal received, stopping crawl")
				go h.Shutdown()
			case <-h.stopListen:
				return
			}
		}
	}()
}

// Shutdown initiates graceful shutdown.
func (h *Handler) Shutdown() {
	if !h.isShuttingDown.CompareAndSwap(false, true) {
		// Already shutting down
		return
	}

	start := time.Now()

	if h.onShutdownStart != nil {
		h.onShutdownStart()
	}

	h.cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), h.timeout)
	defer shutdownCancel()

	var errors []error
	h.mu.Lock()
	callbacks := make([]ShutdownCallback, len(h.callbacks))
	names := make([]string, len(h.callbackNames))
	copy(callbacks, h.callbacks)
	copy(names, h.callbackNames)
	h.mu.Unlock()

	// LIFO
	for i := len(callbacks) - 1; i >= 0; i-- {
		err := h.executeCallback(shutdownCtx, names[i], callbacks[i])
		if err != nil {
			h.log.WithError(err).WithField("callback", names[i]).Warn("shutdown callback failed")
			errors = append(errors, err)
		}
	}

	elapsed := time.Since(start)

	if h.onShutdownDone != nil {
		h.onShutdownDone(elapsed, errors)
	}

	close(h.done)
}

// executeCallback executes a shutdown callback with timeout handling.
func (h *Handler) executeCallback(ctx context.Context, name string, callback ShutdownCallback) error {
	done := make(chan error, 1)

	go func() {
		done <- callback(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return &TimeoutError{CallbackName: name}
	}
}

// Trigger delivers a synthetic SIGTERM, as if the operator pressed Ctrl-C.
func (h *Handler) Trigger() {
	select {
	case h.sigChan <- syscall.SIGTERM:
	default:
		// Signal already pending
	}
}

// Close stops signal delivery. It does not run the callbacks.
func (h *Handler) Close() {
	h.closeOnce.Do(func() {
		signal.Stop(h.sigChan)
		close(h.stopListen)
	})
}

// TimeoutError is returned when a callback times out.
type TimeoutError struct {
	CallbackName string
}

func (e *TimeoutError) Error() string {
	return "shutdown callback timed out: " + e.CallbackName
}
