package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"

	relay "github.com/LerianStudio/outbox-relay"
	"github.com/LerianStudio/outbox-relay/internal/nilcheck"
	"github.com/LerianStudio/outbox-relay/log"
	"github.com/LerianStudio/outbox-relay/opentelemetry"
	"github.com/LerianStudio/outbox-relay/runtime"
)

// ErrNothingToRun indicates neither an HTTP server nor a worker was configured.
var ErrNothingToRun = errors.New("no HTTP server or worker configured")

const defaultShutdownTimeout = 30 * time.Second

// Worker is a background loop such as the outbox publisher or the audit
// consumer. RunContext must return once ctx is cancelled and its in-flight
// work has settled.
type Worker interface {
	RunContext(ctx context.Context, launcher *relay.Launcher) error
}

// CloseFunc releases one resource during shutdown.
type CloseFunc func(ctx context.Context) error

type namedWorker struct {
	name   string
	worker Worker
}

type namedCloser struct {
	name  string
	close CloseFunc
}

// Manager runs a service until SIGINT/SIGTERM and then shuts down in this
// order: HTTP server, workers, closers in registration order, telemetry,
// logger.
type Manager struct {
	httpServer      *fiber.App
	httpAddress     string
	workers         []namedWorker
	closers         []namedCloser
	telemetry       *opentelemetry.Telemetry
	logger          log.Logger
	shutdownChan    <-chan struct{}
	shutdownTimeout time.Duration

	started      chan struct{}
	startedOnce  sync.Once
	shutdownOnce sync.Once
	runErrors    chan error
	cancel       context.CancelFunc
	workersWg    sync.WaitGroup
}

// NewManager returns a Manager. A nil logger is replaced with a no-op one.
func NewManager(telemetry *opentelemetry.Telemetry, logger log.Logger) *Manager {
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &Manager{
		telemetry:       telemetry,
		logger:          logger,
		shutdownTimeout: defaultShutdownTimeout,
		started:         make(chan struct{}),
		runErrors:       make(chan error, 8),
	}
}

func (m *Manager) WithHTTPServer(app *fiber.App, address string) *Manager {
	m.httpServer = app
	m.httpAddress = address

	return m
}

// WithWorker adds a background worker stopped before any closer runs.
func (m *Manager) WithWorker(name string, w Worker) *Manager {
	if !nilcheck.Interface(w) {
		m.workers = append(m.workers, namedWorker{name: name, worker: w})
	}

	return m
}

// WithCloser adds a resource released after every worker has stopped.
// Closers run in the order they were added.
func (m *Manager) WithCloser(name string, fn CloseFunc) *Manager {
	if fn != nil {
		m.closers = append(m.closers, namedCloser{name: name, close: fn})
	}

	return m
}

// WithShutdownChannel replaces OS signals as the shutdown trigger.
func (m *Manager) WithShutdownChannel(ch <-chan struct{}) *Manager {
	m.shutdownChan = ch

	return m
}

// WithShutdownTimeout bounds each shutdown step. Defaults to 30 seconds.
func (m *Manager) WithShutdownTimeout(d time.Duration) *Manager {
	if d > 0 {
		m.shutdownTimeout = d
	}

	return m
}

// Started is closed once the server and worker goroutines are launched.
func (m *Manager) Started() <-chan struct{} {
	return m.started
}

// Run starts everything and blocks until shutdown completes. It returns the
// error that triggered the shutdown, if any.
func (m *Manager) Run() error {
	if m.httpServer == nil && len(m.workers) == 0 {
		return ErrNothingToRun
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.start(ctx)

	cause := m.wait()

	m.shutdown()

	return cause
}

func (m *Manager) start(ctx context.Context) {
	launcher := relay.NewLauncher(relay.WithLogger(m.logger))

	if m.httpServer != nil {
		runtime.SafeGoWithContextAndComponent(ctx, m.logger, "server", "http_listen", runtime.KeepRunning,
			func(context.Context) {
				m.logger.Log(ctx, log.LevelInfo, "starting HTTP server", log.String("address", m.httpAddress))

				if err := m.httpServer.Listen(m.httpAddress); err != nil {
					m.report(fmt.Errorf("HTTP server: %w", err))
				}
			})
	}

	for _, nw := range m.workers {
		m.workersWg.Add(1)

		runtime.SafeGoWithContextAndComponent(ctx, m.logger, "server", nw.name, runtime.KeepRunning,
			func(ctx context.Context) {
				defer m.workersWg.Done()

				if err := nw.worker.RunContext(ctx, launcher); err != nil {
					m.report(fmt.Errorf("worker %s: %w", nw.name, err))
				}
			})
	}

	m.startedOnce.Do(func() { close(m.started) })
}

func (m *Manager) report(err error) {
	select {
	case m.runErrors <- err:
	default:
	}
}

func (m *Manager) wait() error {
	if m.shutdownChan != nil {
		select {
		case <-m.shutdownChan:
			return nil
		case err := <-m.runErrors:
			m.logger.Log(context.Background(), log.LevelError, "component failed, shutting down", log.Err(err))

			return err
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	defer signal.Stop(sig)

	select {
	case s := <-sig:
		m.logger.Log(context.Background(), log.LevelInfo, "shutdown signal received", log.String("signal", s.String()))

		return nil
	case err := <-m.runErrors:
		m.logger.Log(context.Background(), log.LevelError, "component failed, shutting down", log.Err(err))

		return err
	}
}

func (m *Manager) shutdown() {
	m.shutdownOnce.Do(func() {
		m.logger.Log(context.Background(), log.LevelInfo, "graceful shutdown started")

		if m.httpServer != nil {
			ctx, cancel := m.stepContext()
			if err := m.httpServer.ShutdownWithContext(ctx); err != nil {
				m.logger.Log(ctx, log.LevelError, "HTTP server shutdown failed", log.Err(err))
			}

			cancel()
		}

		m.stopWorkers()

		for _, nc := range m.closers {
			ctx, cancel := m.stepContext()
			if err := nc.close(ctx); err != nil {
				m.logger.Log(ctx, log.LevelError, "close failed", log.String("component", nc.name), log.Err(err))
			}

			cancel()
		}

		if m.telemetry != nil {
			ctx, cancel := m.stepContext()
			if err := m.telemetry.Shutdown(ctx); err != nil {
				m.logger.Log(ctx, log.LevelError, "telemetry shutdown failed", log.Err(err))
			}

			cancel()
		}

		m.logger.Log(context.Background(), log.LevelInfo, "graceful shutdown completed")

		if err := m.logger.Sync(context.Background()); err != nil {
			m.logger.Log(context.Background(), log.LevelError, "logger sync failed", log.Err(err))
		}
	})
}

func (m *Manager) stopWorkers() {
	if m.cancel != nil {
		m.cancel()
	}

	done := make(chan struct{})

	runtime.SafeGo(m.logger, "server.workers_wait", runtime.KeepRunning, func() {
		m.workersWg.Wait()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(m.shutdownTimeout):
		m.logger.Log(context.Background(), log.LevelWarn, "workers did not stop in time",
			log.Duration("timeout", m.shutdownTimeout))
	}
}

func (m *Manager) stepContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.shutdownTimeout)
}
