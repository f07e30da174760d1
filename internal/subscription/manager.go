// Package subscription drives one browser or device through notification
// permission, receiver registration and token registration.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mithileshchellappan/novelpush/internal/dispatch"
	"github.com/mithileshchellappan/novelpush/internal/receiver"
	"github.com/mithileshchellappan/novelpush/internal/storage"
	"github.com/sirupsen/logrus"
)

type State int

const (
	StateUnsupported State = iota
	StateDefault
	StateGranted
	StateSubscribed
	StateDenied
)

func (s State) String() string {
	switch s {
	case StateUnsupported:
		return "unsupported"
	case StateDefault:
		return "default"
	case StateGranted:
		return "granted"
	case StateSubscribed:
		return "subscribed"
	case StateDenied:
		return "denied"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	ErrUnsupported       = errors.New("this browser does not support notifications")
	ErrPermissionDenied  = errors.New("notification permission denied")
	ErrPermissionPending = errors.New("notification permission was not granted")
	ErrNoUser            = errors.New("no signed-in user")
)

type Step string

const (
	StepInit     Step = "initialize messaging"
	StepRegister Step = "register receiver"
	StepToken    Step = "get FCM token"
	StepStore    Step = "save token"
)

// SubscribeError reports which step of a subscribe attempt failed. The
// manager stays Granted, so the attempt can be retried.
type SubscribeError struct {
	Step Step
	Err  error
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Step, e.Err)
}

func (e *SubscribeError) Unwrap() error { return e.Err }

type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Capabilities lists what the platform can do. All three are required.
type Capabilities struct {
	Notifications      bool
	BackgroundReceiver bool
	PushMessaging      bool
}

func (c Capabilities) Supported() bool {
	return c.Notifications && c.BackgroundReceiver && c.PushMessaging
}

// Registration identifies a registered background receiver.
type Registration struct {
	ScriptPath string
	Scope      string
}

// Platform is the browser or device the manager runs on.
type Platform interface {
	Capabilities() Capabilities
	Permission() Permission
	RequestPermission(ctx context.Context) (Permission, error)
	RegisterReceiver(ctx context.Context, scriptPath, scope string) (*Registration, error)
	ShowNotification(ctx context.Context, n receiver.Notification) error
}

// Messaging is the provider's client SDK. It is constructed by the caller
// and owned by the manager once passed in.
type Messaging interface {
	Init(ctx context.Context) error
	GetToken(ctx context.Context, vapidKey string, reg *Registration) (string, error)
	// OnForeground registers a listener for pushes that arrive while the app
	// is in the foreground and returns a function that removes it.
	OnForeground(fn func(receiver.Payload)) (remove func())
	Close() error
}

// TokenStore is where the manager persists this device's token.
type TokenStore interface {
	AddToken(ctx context.Context, userID, token string) (*storage.UserDevice, error)
	RemoveToken(ctx context.Context, userID, token string) (*storage.UserDevice, error)
	SetPreferences(ctx context.Context, userID string, prefs storage.Preferences) (*storage.UserDevice, error)
}

type Config struct {
	UserID   string
	VAPIDKey string
	Display  dispatch.Display
}

type Manager struct {
	platform  Platform
	messaging Messaging
	store     TokenStore
	cfg       Config
	log       logrus.FieldLogger

	mu             sync.Mutex
	state          State
	token          string
	initialized    bool
	stopForeground func()
}

func NewManager(cfg Config, platform Platform, messaging Messaging, store TokenStore, log logrus.FieldLogger) *Manager {
	m := &Manager{
		platform:  platform,
		messaging: messaging,
		store:     store,
		cfg:       cfg,
		log:       log.WithField("user_id", cfg.UserID),
	}

	switch {
	case !platform.Capabilities().Supported():
		m.state = StateUnsupported
	case platform.Permission() == PermissionGranted:
		m.state = StateGranted
	case platform.Permission() == PermissionDenied:
		m.state = StateDenied
	default:
		m.state = StateDefault
	}
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Token returns this device's token while subscribed.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// RequestPermission prompts for permission from Default. In any other state
// it reports the state's outcome without prompting.
func (m *Manager) RequestPermission(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.requestPermission(ctx)
	return m.state, err
}

func (m *Manager) requestPermission(ctx context.Context) error {
	switch m.state {
	case StateUnsupported:
		return ErrUnsupported
	case StateDenied:
		return ErrPermissionDenied
	case StateGranted, StateSubscribed:
		return nil
	}

	perm, err := m.platform.RequestPermission(ctx)
	if err != nil {
		return fmt.Errorf("error requesting permission: %w", err)
	}
	switch perm {
	case PermissionGranted:
		m.state = StateGranted
		return nil
	case PermissionDenied:
		m.state = StateDenied
		m.log.Info("Notification permission denied")
		return ErrPermissionDenied
	default:
		return ErrPermissionPending
	}
}

// Subscribe obtains a delivery token and stores it under the user. From
// Default it asks for permission first. Subscribing while subscribed
// returns the current token.
func (m *Manager) Subscribe(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.UserID == "" {
		return "", ErrNoUser
	}
	if m.state == StateSubscribed {
		return m.token, nil
	}
	if err := m.requestPermission(ctx); err != nil {
		return "", err
	}

	if !m.initialized {
		if err := m.messaging.Init(ctx); err != nil {
			return "", &SubscribeError{Step: StepInit, Err: err}
		}
		m.initialized = true
	}

	reg, err := m.platform.RegisterReceiver(ctx, receiver.ScriptPath, receiver.Scope)
	if err != nil {
		return "", &SubscribeError{Step: StepRegister, Err: err}
	}

	token, err := m.messaging.GetToken(ctx, m.cfg.VAPIDKey, reg)
	if err != nil {
		return "", &SubscribeError{Step: StepToken, Err: err}
	}
	if token == "" {
		return "", &SubscribeError{Step: StepToken, Err: errors.New("provider returned no token")}
	}

	if _, err := m.store.AddToken(ctx, m.cfg.UserID, token); err != nil {
		return "", &SubscribeError{Step: StepStore, Err: err}
	}

	m.token = token
	m.state = StateSubscribed
	m.stopForeground = m.messaging.OnForeground(m.showForeground)
	m.log.Info("Subscribed to notifications")
	return token, nil
}

// showForeground renders a foreground push the same way the background
// receiver would.
func (m *Manager) showForeground(p receiver.Payload) {
	n := receiver.Render(p, m.cfg.Display)
	if err := m.platform.ShowNotification(context.Background(), n); err != nil {
		m.log.WithError(err).Warn("Error showing foreground notification")
	}
}

// Unsubscribe removes this device's token. It is a no-op unless subscribed,
// so calling it twice is safe.
func (m *Manager) Unsubscribe(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateSubscribed {
		return nil
	}

	device, err := m.store.RemoveToken(ctx, m.cfg.UserID, m.token)
	if err != nil && !errors.Is(err, storage.Errors.NotFound) {
		return fmt.Errorf("error removing token: %w", err)
	}

	if m.stopForeground != nil {
		m.stopForeground()
		m.stopForeground = nil
	}
	m.token = ""
	m.state = StateDefault

	entry := m.log
	if device != nil {
		entry = entry.WithField("enabled", device.NotificationsEnabled)
	}
	entry.Info("Unsubscribed from notifications")
	return nil
}

// SetPreferences replaces the user's preferences. It does not depend on the
// subscription state.
func (m *Manager) SetPreferences(ctx context.Context, prefs storage.Preferences) error {
	if m.cfg.UserID == "" {
		return ErrNoUser
	}
	if _, err := m.store.SetPreferences(ctx, m.cfg.UserID, prefs); err != nil {
		return fmt.Errorf("error updating notification preferences: %w", err)
	}
	return nil
}

// Close detaches the foreground listener and tears down the messaging
// client.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopForeground != nil {
		m.stopForeground()
		m.stopForeground = nil
	}
	if !m.initialized {
		return nil
	}
	m.initialized = false
	return m.messaging.Close()
}
