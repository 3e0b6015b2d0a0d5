package reliability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/runtime"
)

var (
	ErrLoggerNil    = errors.New("launcher: logger is nil")
	ErrNilLauncher  = errors.New("launcher: nil receiver")
	ErrEmptyApp     = errors.New("launcher: app name is empty")
	ErrNilApp       = errors.New("launcher: app is nil")
	ErrDuplicateApp = errors.New("launcher: app name already registered")
	// ErrConfigFailed wraps every registration error collected by options.
	ErrConfigFailed = errors.New("launcher: configuration failed")
	// ErrAppPanicked is recorded for an app whose Run panicked.
	ErrAppPanicked = errors.New("launcher: app panicked")
)

// App is a long-running component such as a relay or the ops server. Run
// blocks until the component stops.
type App interface {
	Run(launcher *Launcher) error
}

type namedApp struct {
	name string
	app  App
}

// LauncherOption configures a Launcher.
type LauncherOption func(l *Launcher)

func WithLogger(logger log.Logger) LauncherOption {
	return func(l *Launcher) { l.Logger = logger }
}

// RunApp registers app under name. A registration error is held back and
// returned by RunWithError.
func RunApp(name string, app App) LauncherOption {
	return func(l *Launcher) {
		if err := l.Add(name, app); err != nil {
			l.configErrors = append(l.configErrors, fmt.Errorf("%q: %w", name, err))
		}
	}
}

// Launcher starts its apps together and waits for all of them.
type Launcher struct {
	Logger log.Logger

	apps         []namedApp
	configErrors []error

	mu       sync.Mutex
	failures []error
}

func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{}

	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}

	return l
}

// Add registers app. Names must be unique.
func (l *Launcher) Add(name string, app App) error {
	if l == nil {
		return ErrNilLauncher
	}

	name = strings.TrimSpace(name)

	switch {
	case name == "":
		return ErrEmptyApp
	case app == nil:
		return ErrNilApp
	}

	for _, existing := range l.apps {
		if existing.name == name {
			return ErrDuplicateApp
		}
	}

	l.apps = append(l.apps, namedApp{name: name, app: app})

	return nil
}

// RunWithError runs every app on its own goroutine and returns once all of
// them returned, joining their errors. Nothing starts when registration
// failed.
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
	started := time.Now()

	l.Logger.Log(ctx, log.LevelInfo, "launcher starting apps", log.Int("count", len(l.apps)))

	var wg sync.WaitGroup

	for _, na := range l.apps {
		wg.Add(1)

		runtime.SafeGoWithContextAndComponent(ctx, l.Logger, "launcher", na.name, runtime.KeepRunning,
			func(ctx context.Context) {
				defer wg.Done()

				l.runOne(ctx, na)
			})
	}

	wg.Wait()

	l.Logger.Log(ctx, log.LevelInfo, "launcher finished", log.Duration("uptime", time.Since(started)))

	l.mu.Lock()
	defer l.mu.Unlock()

	return errors.Join(l.failures...)
}

func (l *Launcher) runOne(ctx context.Context, na namedApp) {
	logger := l.Logger.With(log.String("app", na.name))
	returned := false

	defer func() {
		if !returned {
			l.fail(na.name, ErrAppPanicked)
		}
	}()

	logger.Log(ctx, log.LevelInfo, "app started")

	err := na.app.Run(l)
	returned = true

	if err != nil {
		logger.Log(ctx, log.LevelError, "app exited with error", log.Err(err))
		l.fail(na.name, err)

		return
	}

	logger.Log(ctx, log.LevelInfo, "app stopped")
}

func (l *Launcher) fail(name string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failures = append(l.failures, fmt.Errorf("app %q: %w", name, err))
}
