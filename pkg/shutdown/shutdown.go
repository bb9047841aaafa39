package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/koprogo/greengrid/pkg/logging"
)

// Hook is a named shutdown step
type Hook struct {
	Name string
	Fn   func(context.Context) error
}

// Manager handles graceful shutdown
type Manager struct {
	hooks    []Hook
	mu       sync.Mutex
	timeout  time.Duration
	logger   *logging.Logger
	doneChan chan struct{}
	once     sync.Once
	ran      bool
}

// New creates a new shutdown manager
func New(timeout time.Duration, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		timeout:  timeout,
		logger:   logger.WithField("component", "shutdown"),
		doneChan: make(chan struct{}),
	}
}

// Register adds a shutdown step. Steps run in reverse order (LIFO).
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, Hook{Name: name, Fn: fn})
}

// Trigger starts shutdown without a signal
func (m *Manager) Trigger() {
	m.once.Do(func() { close(m.doneChan) })
}

// Done returns a channel that is closed when shutdown is initiated
func (m *Manager) Done() <-chan struct{} {
	return m.doneChan
}

// Shutdown runs every registered step once and joins their errors
func (m *Manager) Shutdown() error {
	m.Trigger()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ran {
		return nil
	}
	m.ran = true

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errs []error
	for i := len(m.hooks) - 1; i >= 0; i-- {
		h := m.hooks[i]
		start := time.Now()
		if err := h.Fn(ctx); err != nil {
			m.logger.Error("Shutdown step failed", logging.Fields{"step": h.Name, "error": err})
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, err))
			continue
		}
		m.logger.Info("Shutdown step done", logging.Fields{"step": h.Name, "took": time.Since(start).String()})
	}

	m.logger.Info("Graceful shutdown complete")
	return errors.Join(errs...)
}

// WaitWithContext blocks until SIGINT/SIGTERM, Trigger or ctx cancellation,
// then runs the shutdown steps
func (m *Manager) WaitWithContext(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		m.logger.Info("Received signal, initiating graceful shutdown", logging.Fields{"signal": sig.String()})
	case <-m.doneChan:
	case <-ctx.Done():
		m.logger.Info("Context cancelled, initiating graceful shutdown")
	}
	return m.Shutdown()
}

// StopHTTPServer creates a shutdown function for http.Server
func StopHTTPServer(server interface{ Shutdown(context.Context) error }) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
		return nil
	}
}

// CloseResource creates a shutdown function for io.Closer
func CloseResource(closer interface{ Close() error }) func(context.Context) error {
	return func(context.Context) error {
		return closer.Close()
	}
}

// WaitFor polls check until it reports true or the shutdown deadline passes
func WaitFor(check func() bool, pollInterval time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			if check() {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
}
