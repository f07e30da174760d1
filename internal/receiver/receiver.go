// Package receiver is the background delivery receiver: a long-lived actor
// that turns push payloads into visible notifications and routes clicks to
// application windows.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/mithileshchellappan/novelpush/internal/dispatch"
	"github.com/sirupsen/logrus"
)

const (
	// ScriptPath is where the receiver script is served and registered.
	ScriptPath = "/firebase-messaging-sw.js"
	// Scope is the messaging scope the receiver is registered under.
	Scope = "/firebase-cloud-messaging-push-scope"

	DefaultURL = "/"
)

// VibratePattern is used for every background notification.
var VibratePattern = []int{200, 100, 200}

var ErrStopped = errors.New("receiver stopped")

// Payload is a push message as delivered by the provider.
type Payload struct {
	Notification PayloadNotification `json:"notification"`
	Data         map[string]string   `json:"data,omitempty"`
}

type PayloadNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Image string `json:"image,omitempty"`
}

// Notification is what the host displays.
type Notification struct {
	Title              string            `json:"title"`
	Body               string            `json:"body"`
	Image              string            `json:"image,omitempty"`
	Icon               string            `json:"icon,omitempty"`
	Badge              string            `json:"badge,omitempty"`
	Data               map[string]string `json:"data"`
	Actions            []dispatch.Action `json:"actions,omitempty"`
	RequireInteraction bool              `json:"requireInteraction"`
	Vibrate            []int             `json:"vibrate,omitempty"`
}

// URL is the click target carried in the notification data.
func (n Notification) URL() string {
	if u := n.Data["url"]; u != "" {
		return u
	}
	return DefaultURL
}

// Window is an open application window or tab.
type Window struct {
	ID  string
	URL string
}

// Host is the runtime the receiver runs in. Origin is the absolute base that
// relative notification urls resolve against.
type Host interface {
	Origin() string
	ShowNotification(ctx context.Context, n Notification) error
	CloseNotification(ctx context.Context, n Notification) error
	Windows(ctx context.Context) ([]Window, error)
	Focus(ctx context.Context, w Window) error
	OpenWindow(ctx context.Context, url string) error
}

// Event is a message in the receiver's inbox.
type Event interface {
	event()
}

// PushEvent delivers a background push.
type PushEvent struct {
	Payload Payload
}

// ClickEvent reports a click on a displayed notification. Action is empty
// for a click on the notification body.
type ClickEvent struct {
	Notification Notification
	Action       string
}

func (PushEvent) event()  {}
func (ClickEvent) event() {}

// Render builds the visible notification for a payload. Foreground
// listeners use it too, so both paths display the same thing.
func Render(p Payload, display dispatch.Display) Notification {
	data := make(map[string]string, len(p.Data)+1)
	data["url"] = DefaultURL
	for k, v := range p.Data {
		data[k] = v
	}
	if data["url"] == "" {
		data["url"] = DefaultURL
	}

	return Notification{
		Title:              p.Notification.Title,
		Body:               p.Notification.Body,
		Image:              p.Notification.Image,
		Icon:               display.Icon,
		Badge:              display.Badge,
		Data:               data,
		Actions:            dispatch.DefaultActions,
		RequireInteraction: true,
		Vibrate:            VibratePattern,
	}
}

// Receiver owns an inbox and handles each event in its own goroutine.
// Stop waits for every started handler to finish.
type Receiver struct {
	host    Host
	display dispatch.Display
	log     logrus.FieldLogger

	inbox   chan Event
	ctx     context.Context
	cancel  context.CancelFunc
	loop    sync.WaitGroup
	pending sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

func New(host Host, display dispatch.Display, inboxSize int, log logrus.FieldLogger) *Receiver {
	if inboxSize <= 0 {
		inboxSize = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Receiver{
		host:    host,
		display: display,
		log:     log,
		inbox:   make(chan Event, inboxSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (r *Receiver) Start() {
	r.loop.Add(1)
	go r.run()
}

func (r *Receiver) run() {
	defer r.loop.Done()
	for ev := range r.inbox {
		r.pending.Add(1)
		go func(ev Event) {
			defer r.pending.Done()
			if err := r.Handle(r.ctx, ev); err != nil {
				r.log.WithError(err).WithField("event", fmt.Sprintf("%T", ev)).Error("Receiver handler failed")
			}
		}(ev)
	}
}

// Deliver queues an event. It blocks while the inbox is full.
func (r *Receiver) Deliver(ctx context.Context, ev Event) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return ErrStopped
	}
	select {
	case r.inbox <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the inbox and waits for in-flight handlers. If ctx expires
// first, handlers are cancelled and ctx's error is returned.
func (r *Receiver) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	close(r.inbox)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.loop.Wait()
		r.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}

// Handle processes one event synchronously.
func (r *Receiver) Handle(ctx context.Context, ev Event) error {
	switch ev := ev.(type) {
	case PushEvent:
		return r.handlePush(ctx, ev)
	case ClickEvent:
		return r.handleClick(ctx, ev)
	default:
		return fmt.Errorf("unknown receiver event %T", ev)
	}
}

func (r *Receiver) handlePush(ctx context.Context, ev PushEvent) error {
	n := Render(ev.Payload, r.display)
	if err := r.host.ShowNotification(ctx, n); err != nil {
		return fmt.Errorf("error showing notification: %w", err)
	}
	r.log.WithField("url", n.URL()).Debug("Notification shown")
	return nil
}

func (r *Receiver) handleClick(ctx context.Context, ev ClickEvent) error {
	if err := r.host.CloseNotification(ctx, ev.Notification); err != nil {
		r.log.WithError(err).Warn("Error closing notification")
	}

	if ev.Action == dispatch.ActionClose {
		return nil
	}

	target := r.resolve(ev.Notification.URL())
	windows, err := r.host.Windows(ctx)
	if err != nil {
		return fmt.Errorf("error listing windows: %w", err)
	}
	for _, w := range windows {
		if r.resolve(w.URL) == target {
			if err := r.host.Focus(ctx, w); err != nil {
				return fmt.Errorf("error focusing window %s: %w", w.ID, err)
			}
			return nil
		}
	}

	if err := r.host.OpenWindow(ctx, target); err != nil {
		return fmt.Errorf("error opening window: %w", err)
	}
	return nil
}

// resolve makes target absolute against the host origin. Targets that do not
// parse are returned unchanged.
func (r *Receiver) resolve(target string) string {
	base, err := url.Parse(r.host.Origin())
	if err != nil || !base.IsAbs() {
		return target
	}
	ref, err := url.Parse(target)
	if err != nil {
		return target
	}
	return base.ResolveReference(ref).String()
}
