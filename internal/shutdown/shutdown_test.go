package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestHandler(t *testing.T, cfg Config) *Handler {
	t.Helper()
	if cfg.OnForce == nil {
		cfg.OnForce = func() { t.Error("unexpected forced exit") }
	}
	h := New(cfg)
	t.Cleanup(h.Close)
	return h
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Timeout)
	}
	if len(cfg.Signals) != 2 {
		t.Errorf("Signals length = %d, want 2", len(cfg.Signals))
	}
}

func TestNew_FillsDefaults(t *testing.T) {
	h := newTestHandler(t, Config{})

	if h.timeout != 30*time.Second {
		t.Errorf("timeout = %v, want 30s", h.timeout)
	}
	if h.log == nil {
		t.Error("logger should default to a no-op logger")
	}
}

func TestHandler_Context(t *testing.T) {
	h := newTestHandler(t, DefaultConfig())
	ctx := h.Context()

	select {
	case <-ctx.Done():
		t.Fatal("Context should not be done initially")
	default:
	}

	h.Shutdown()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Error("Context should be done after shutdown")
	}
}

func TestHandler_Done(t *testing.T) {
	h := newTestHandler(t, DefaultConfig())

	select {
	case <-h.Done():
		t.Fatal("Done channel should not be closed initially")
	default:
	}
	if h.IsShuttingDown() {
		t.Error("Should not be shutting down initially")
	}

	h.Shutdown()

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Error("Done channel should be closed after shutdown")
	}
	if !h.IsShuttingDown() {
		t.Error("Should be shutting down after Shutdown()")
	}
}

// =============================================================================
// Callbacks
// =============================================================================

func TestHandler_Shutdown_LIFO(t *testing.T) {
	h := newTestHandler(t, DefaultConfig())
	var order []string

	// registered in the order the CLI does it
	h.RegisterFunc("close-store", func() { order = append(order, "close-store") })
	h.RegisterFunc("flush-output", func() { order = append(order, "flush-output") })
	h.RegisterFunc("stop-crawl", func() { order = append(order, "stop-crawl") })

	h.Shutdown()

	want := []string{"stop-crawl", "flush-output", "close-store"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestHandler_Shutdown_Idempotent(t *testing.T) {
	h := newTestHandler(t, DefaultConfig())
	var count atomic.Int32
	h.RegisterFunc("count", func() { count.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Shutdown()
		}()
	}
	wg.Wait()
	<-h.Done()

	if count.Load() != 1 {
		t.Errorf("callback ran %d times, want 1", count.Load())
	}
}

func TestHandler_Shutdown_ReportsErrors(t *testing.T) {
	var gotErrs []error
	var started atomic.Bool
	h := newTestHandler(t, Config{
		Timeout:         time.Second,
		OnShutdownStart: func() { started.Store(true) },
		OnShutdownDone:  func(_ time.Duration, errs []error) { gotErrs = errs },
	})

	h.Register("ok", func(ctx context.Context) error { return nil })
	h.Register("flush", func(ctx context.Context) error { return errors.New("disk full") })

	h.Shutdown()

	if !started.Load() {
		t.Error("OnShutdownStart was not called")
	}
	if len(gotErrs) != 1 || gotErrs[0].Error() != "disk full" {
		t.Errorf("errors = %v, want [disk full]", gotErrs)
	}
}

func TestHandler_Timeout(t *testing.T) {
	var gotErrs []error
	h := newTestHandler(t, Config{
		Timeout:        50 * time.Millisecond,
		OnShutdownDone: func(_ time.Duration, errs []error) { gotErrs = errs },
	})

	h.Register("slow", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})

	start := time.Now()
	h.Shutdown()
	elapsed := time.Since(start)

	if elapsed > 500*time.Millisecond {
		t.Errorf("Shutdown took %v, should time out faster", elapsed)
	}
	if len(gotErrs) != 1 {
		t.Fatalf("errors = %v, want one timeout", gotErrs)
	}
	var te *TimeoutError
	if !errors.As(gotErrs[0], &te) || te.CallbackName != "slow" {
		t.Errorf("error = %v, want TimeoutError for slow", gotErrs[0])
	}
}

func TestTimeoutError(t *testing.T) {
	err := &TimeoutError{CallbackName: "flush-output"}

	if err.Error() != "shutdown callback timed out: flush-output" {
		t.Errorf("Error() = %s", err.Error())
	}
}

// =============================================================================
// Signals
// =============================================================================

func TestHandler_ListenShutsDownOnSignal(t *testing.T) {
	h := newTestHandler(t, DefaultConfig())
	var stopped atomic.Bool
	h.RegisterFunc("stop-crawl", func() { stopped.Store(true) })

	h.Listen()
	h.Trigger()

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("signal should start shutdown")
	}
	if !stopped.Load() {
		t.Error("stop callback was not called")
	}
}

func TestHandler_SecondSignalForcesExit(t *testing.T) {
	forced := make(chan struct{})
	release := make(chan struct{})
	h := newTestHandler(t, Config{
		Timeout: 5 * time.Second,
		OnForce: func() { close(forced) },
	})
	h.RegisterFunc("hang", func() { <-release })
	defer close(release)

	h.Listen()
	h.Trigger()

	deadline := time.After(time.Second)
	for !h.IsShuttingDown() {
		select {
		case <-deadline:
			t.Fatal("first signal did not start shutdown")
		case <-time.After(time.Millisecond):
		}
	}
	h.Trigger()

	select {
	case <-forced:
	case <-time.After(time.Second):
		t.Error("second signal should force the exit")
	}
}

func TestHandler_CloseStopsListening(t *testing.T) {
	h := New(Config{OnForce: func() {}})
	h.Listen()
	h.Close()
	h.Close()

	h.Trigger()
	time.Sleep(20 * time.Millisecond)

	if h.IsShuttingDown() {
		t.Error("closed handler should ignore signals")
	}
}
