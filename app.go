package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/LerianStudio/outbox-relay/assert"
	"github.com/LerianStudio/outbox-relay/log"
	"github.com/LerianStudio/outbox-relay/runtime"
)

var (
	ErrLoggerNil    = errors.New("logger is nil")
	ErrNilLauncher  = errors.New("launcher is nil")
	ErrEmptyApp     = errors.New("app name is empty")
	ErrNilApp       = errors.New("app is nil")
	ErrConfigFailed = errors.New("launcher configuration failed")
)

// App is a long-running component started by a Launcher. Run blocks until
// the component stops.
type App interface {
	Run(launcher *Launcher) error
}

// LauncherOption configures a Launcher.
type LauncherOption func(l *Launcher)

func WithLogger(logger log.Logger) LauncherOption {
	return func(l *Launcher) {
		l.Logger = logger
	}
}

// RunApp registers app under name. Registration errors surface from RunWithError.
func RunApp(name string, app App) LauncherOption {
	return func(l *Launcher) {
		if err := l.Add(name, app); err != nil {
			l.configErrors = append(l.configErrors, fmt.Errorf("add app %q: %w", name, err))
		}
	}
}

// Launcher runs registered apps concurrently and waits for all of them.
type Launcher struct {
	Logger       log.Logger
	apps         map[string]App
	order        []string
	wg           sync.WaitGroup
	configErrors []error
}

func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{apps: make(map[string]App)}

	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}

	return l
}

// Add registers an app. Names must be unique and non-blank.
func (l *Launcher) Add(name string, app App) error {
	if l == nil {
		return ErrNilLauncher
	}

	if l.apps == nil {
		l.apps = make(map[string]App)
	}

	asserter := assert.New(context.Background(), l.Logger, "launcher", "add")

	if strings.TrimSpace(name) == "" {
		_ = asserter.Never(context.Background(), "app name must not be empty")

		return ErrEmptyApp
	}

	if app == nil {
		_ = asserter.Never(context.Background(), "app must not be nil", "app_name", name)

		return ErrNilApp
	}

	if _, exists := l.apps[name]; !exists {
		l.order = append(l.order, name)
	}

	l.apps[name] = app

	return nil
}

// RunWithError starts every app in its own goroutine and blocks until all
// of them return. App errors are logged, not returned.
func (l *Launcher) RunWithError() error {
	if l == nil {
		return ErrNilLauncher
	}

	if l.Logger == nil {
		return ErrLoggerNil
	}

	if len(l.configErrors) > 0 {
		return errors.Join(append([]error{ErrConfigFailed}, l.configErrors...)...)
	}

	ctx := context.Background()

	l.Logger.Log(ctx, log.LevelInfo, "starting apps", log.Int("count", len(l.order)))

	for _, name := range l.order {
		app := l.apps[name]

		l.wg.Add(1)

		runtime.SafeGoWithContextAndComponent(ctx, l.Logger, "launcher", "run_app_"+name, runtime.KeepRunning,
			func(ctx context.Context) {
				defer l.wg.Done()

				l.Logger.Log(ctx, log.LevelInfo, "app starting", log.String("app", name))

				if err := app.Run(l); err != nil {
					l.Logger.Log(ctx, log.LevelError, "app error", log.String("app", name), log.Err(err))
				}

				l.Logger.Log(ctx, log.LevelInfo, "app finished", log.String("app", name))
			})
	}

	l.wg.Wait()

	l.Logger.Log(ctx, log.LevelInfo, "launcher terminated")

	return nil
}
