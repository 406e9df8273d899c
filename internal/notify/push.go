package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voltwork/messaging/internal/logging"
	"github.com/voltwork/messaging/internal/ui"
)

// DefaultLaunchDelay is how long CheckInitial waits after navigation is
// ready before asking for the launch notification.
const DefaultLaunchDelay = time.Second

// ErrPermissionDenied is returned when the user declined push delivery.
var ErrPermissionDenied = errors.New("notify: push permission denied")

// Device is the OS push API.
type Device interface {
	// Permission reports whether push delivery is allowed. An error means
	// the check itself failed and may be retried.
	Permission(ctx context.Context) (bool, error)
	DeviceToken(ctx context.Context) (string, error)
	Platform() string
	// InitialNotification returns the data of the notification that
	// launched the app, if any.
	InitialNotification(ctx context.Context) (map[string]string, bool, error)
}

// TokenRegistrar stores the device token on the backend.
type TokenRegistrar interface {
	RegisterPushToken(ctx context.Context, token, platform string) error
}

// ---------------------------------------------------------------------------
// Launcher
// ---------------------------------------------------------------------------

// Launcher routes push taps to their deep link.
type Launcher struct {
	nav    ui.Navigator
	device Device
	delay  time.Duration
	logger zerolog.Logger
	once   sync.Once
}

// NewLauncher creates a launcher. A zero delay uses DefaultLaunchDelay.
func NewLauncher(nav ui.Navigator, device Device, delay time.Duration, logger zerolog.Logger) *Launcher {
	if delay <= 0 {
		delay = DefaultLaunchDelay
	}
	return &Launcher{
		nav:    nav,
		device: device,
		delay:  delay,
		logger: logger.With().Str(logging.FieldComponent, "launcher").Logger(),
	}
}

// HandleTap navigates to the route of a tapped push notification and
// returns it.
func (l *Launcher) HandleTap(data map[string]string) string {
	route := ResolveRoute(TargetFromPush(data))
	l.logger.Info().Str("route", route).Msg("push tap")
	l.nav.Push(route)
	return route
}

// CheckInitial follows the notification that launched the app. It runs at
// most once per Launcher, after navReady is closed and the launch delay has
// passed.
func (l *Launcher) CheckInitial(ctx context.Context, navReady <-chan struct{}) {
	l.once.Do(func() {
		select {
		case <-navReady:
		case <-ctx.Done():
			return
		}

		t := time.NewTimer(l.delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return
		}

		data, ok, err := l.device.InitialNotification(ctx)
		if err != nil {
			l.logger.Warn().Err(err).Msg("read launch notification failed")
			return
		}
		if ok {
			l.HandleTap(data)
		}
	})
}

// ---------------------------------------------------------------------------
// Registrar
// ---------------------------------------------------------------------------

// Registrar registers the device push token. Registration is best effort: a
// failed permission check is retried, everything else is reported once.
type Registrar struct {
	device  Device
	backend TokenRegistrar
	retries int
	backoff time.Duration
	logger  zerolog.Logger
}

// NewRegistrar creates a registrar that retries a failing permission check
// up to retries times, backoff apart.
func NewRegistrar(device Device, backend TokenRegistrar, retries int, backoff time.Duration, logger zerolog.Logger) *Registrar {
	if retries < 0 {
		retries = 0
	}
	return &Registrar{
		device:  device,
		backend: backend,
		retries: retries,
		backoff: backoff,
		logger:  logger.With().Str(logging.FieldComponent, "push").Logger(),
	}
}

// Register checks permission, fetches the device token and posts it.
func (r *Registrar) Register(ctx context.Context) error {
	var (
		granted bool
		err     error
	)
	for attempt := 0; ; attempt++ {
		granted, err = r.device.Permission(ctx)
		if err == nil {
			break
		}
		if attempt >= r.retries {
			return fmt.Errorf("notify: permission check: %w", err)
		}
		r.logger.Warn().Err(err).Int(logging.FieldAttempt, attempt+1).Msg("permission check failed, retrying")

		select {
		case <-time.After(r.backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if !granted {
		return ErrPermissionDenied
	}

	token, err := r.device.DeviceToken(ctx)
	if err != nil {
		return fmt.Errorf("notify: device token: %w", err)
	}
	if err := r.backend.RegisterPushToken(ctx, token, r.device.Platform()); err != nil {
		return fmt.Errorf("notify: register token: %w", err)
	}
	r.logger.Info().Str("platform", r.device.Platform()).Msg("push token registered")
	return nil
}

// RegisterAsync runs Register in the background and only logs its outcome.
// The returned channel is closed when it finishes.
func (r *Registrar) RegisterAsync(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := r.Register(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("push registration skipped")
		}
	}()
	return done
}

// ---------------------------------------------------------------------------
// StaticDevice
// ---------------------------------------------------------------------------

// StaticDevice is a Device with fixed answers, used by the headless client.
// An empty Token means permission is not granted.
type StaticDevice struct {
	Token  string
	Name   string
	Launch map[string]string

	mu       sync.Mutex
	consumed bool
}

func (d *StaticDevice) Permission(context.Context) (bool, error) { return d.Token != "", nil }

func (d *StaticDevice) DeviceToken(context.Context) (string, error) { return d.Token, nil }

func (d *StaticDevice) Platform() string {
	if d.Name == "" {
		return "headless"
	}
	return d.Name
}

// InitialNotification returns Launch once.
func (d *StaticDevice) InitialNotification(context.Context) (map[string]string, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.consumed || len(d.Launch) == 0 {
		return nil, false, nil
	}
	d.consumed = true
	return d.Launch, true, nil
}
