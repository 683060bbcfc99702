package telemetry

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownManager handles graceful shutdown of services, draining in
// priority order so the HTTP listener stops accepting new work before
// the stores and the audit sink underneath it close.
type ShutdownManager struct {
	callbacks []ShutdownCallback
	mu        sync.Mutex
	timeout   time.Duration
	logger    *Logger
}

// ShutdownCallback represents a function to call during shutdown.
type ShutdownCallback struct {
	Name     string
	Fn       func(ctx context.Context) error
	Priority int // Higher priority = runs first
}

// NewShutdownManager creates a new shutdown manager.
func NewShutdownManager(timeout time.Duration, logger *Logger) *ShutdownManager {
	if logger == nil {
		logger = GetLogger()
	}
	return &ShutdownManager{
		callbacks: make([]ShutdownCallback, 0),
		timeout:   timeout,
		logger:    logger,
	}
}

// Register registers a shutdown callback.
func (sm *ShutdownManager) Register(name string, priority int, fn func(ctx context.Context) error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.callbacks = append(sm.callbacks, ShutdownCallback{Name: name, Fn: fn, Priority: priority})
	sm.logger.Debug("Registered shutdown callback: %s (priority: %d)", name, priority)
}

// ListenForShutdown starts listening for shutdown signals. Returns a
// channel that will be closed when a shutdown signal is received.
func (sm *ShutdownManager) ListenForShutdown() <-chan struct{} {
	quit := make(chan struct{})

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		sig := <-sigChan
		sm.logger.Info("Received shutdown signal: %v", sig)

		close(quit)
	}()

	return quit
}

// Shutdown performs graceful shutdown of all registered services.
func (sm *ShutdownManager) Shutdown() error {
	sm.mu.Lock()
	callbacks := make([]ShutdownCallback, len(sm.callbacks))
	copy(callbacks, sm.callbacks)
	sm.mu.Unlock()

	for i := 0; i < len(callbacks)-1; i++ {
		for j := i + 1; j < len(callbacks); j++ {
			if callbacks[j].Priority > callbacks[i].Priority {
				callbacks[i], callbacks[j] = callbacks[j], callbacks[i]
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()

	sm.logger.Info("Starting graceful shutdown (timeout: %s)", sm.timeout)

	var lastErr error
	for _, cb := range callbacks {
		sm.logger.Info("Shutting down: %s", cb.Name)

		if err := cb.Fn(ctx); err != nil {
			sm.logger.Error("Shutdown error for %s: %v", cb.Name, err)
			lastErr = err
		} else {
			sm.logger.Info("Shutdown complete: %s", cb.Name)
		}
	}

	sm.logger.Info("Graceful shutdown complete")
	return lastErr
}

// HTTPServerShutdown creates a shutdown callback for HTTP servers.
func HTTPServerShutdown(name string, shutdownFn func(ctx context.Context) error) ShutdownCallback {
	return ShutdownCallback{Name: name, Fn: shutdownFn, Priority: 100} // stop accepting requests first
}

// SchedulerShutdown creates a shutdown callback for the background
// sweep scheduler.
func SchedulerShutdown(name string, stopFn func()) ShutdownCallback {
	return ShutdownCallback{
		Name: name,
		Fn: func(ctx context.Context) error {
			stopFn()
			return nil
		},
		Priority: 70,
	}
}

// AuditSinkShutdown creates a shutdown callback for the audit sink,
// run after the scheduler so its last sweep's entries still drain.
func AuditSinkShutdown(name string, closeFn func()) ShutdownCallback {
	return ShutdownCallback{
		Name: name,
		Fn: func(ctx context.Context) error {
			closeFn()
			return nil
		},
		Priority: 50,
	}
}

// DatabaseShutdown creates a shutdown callback for database connections.
func DatabaseShutdown(name string, closeFn func() error) ShutdownCallback {
	return ShutdownCallback{
		Name:     name,
		Fn:       func(ctx context.Context) error { return closeFn() },
		Priority: 40,
	}
}

// CacheShutdown creates a shutdown callback for cache connections.
func CacheShutdown(name string, closeFn func() error) ShutdownCallback {
	return ShutdownCallback{
		Name:     name,
		Fn:       func(ctx context.Context) error { return closeFn() },
		Priority: 30,
	}
}
