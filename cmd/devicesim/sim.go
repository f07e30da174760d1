package main

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mithileshchellappan/novelpush/internal/receiver"
	"github.com/mithileshchellappan/novelpush/internal/subscription"
)

// simHost prints notifications and keeps a list of open windows.
type simHost struct {
	base *url.URL
	log  logrus.FieldLogger

	mu      sync.Mutex
	windows []receiver.Window
	shown   []receiver.Notification
	nextID  int
}

func newSimHost(serverURL string, log logrus.FieldLogger) *simHost {
	base, err := url.Parse(serverURL)
	if err != nil {
		base = &url.URL{Scheme: "http", Host: "localhost"}
	}
	return &simHost{base: base, log: log}
}

// absolute resolves a notification url the way a browser resolves it
// against the receiver's origin.
func (h *simHost) absolute(target string) string {
	ref, err := url.Parse(target)
	if err != nil {
		return target
	}
	return h.base.ResolveReference(ref).String()
}

func (h *simHost) Origin() string { return h.base.String() }

func (h *simHost) setWindows(urls []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.windows = h.windows[:0]
	for _, u := range urls {
		h.nextID++
		h.windows = append(h.windows, receiver.Window{ID: fmt.Sprintf("w%d", h.nextID), URL: h.absolute(u)})
	}
}

func (h *simHost) lastShown() (receiver.Notification, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.shown) == 0 {
		return receiver.Notification{}, false
	}
	return h.shown[len(h.shown)-1], true
}

func (h *simHost) ShowNotification(ctx context.Context, n receiver.Notification) error {
	h.mu.Lock()
	h.shown = append(h.shown, n)
	h.mu.Unlock()

	h.log.WithFields(logrus.Fields{
		"title": n.Title,
		"body":  n.Body,
		"url":   n.URL(),
	}).Info("Notification shown")
	return nil
}

func (h *simHost) CloseNotification(ctx context.Context, n receiver.Notification) error {
	h.log.WithField("title", n.Title).Debug("Notification closed")
	return nil
}

func (h *simHost) Windows(ctx context.Context) ([]receiver.Window, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]receiver.Window(nil), h.windows...), nil
}

func (h *simHost) Focus(ctx context.Context, w receiver.Window) error {
	h.log.WithFields(logrus.Fields{"window": w.ID, "url": w.URL}).Info("Window focused")
	return nil
}

func (h *simHost) OpenWindow(ctx context.Context, target string) error {
	abs := h.absolute(target)
	h.mu.Lock()
	h.nextID++
	w := receiver.Window{ID: fmt.Sprintf("w%d", h.nextID), URL: abs}
	h.windows = append(h.windows, w)
	h.mu.Unlock()

	h.log.WithFields(logrus.Fields{"window": w.ID, "url": abs}).Info("Window opened")
	return nil
}

// simPlatform supports everything and answers the permission prompt with a
// fixed value.
type simPlatform struct {
	host       *simHost
	answer     subscription.Permission
	permission subscription.Permission
}

func (p *simPlatform) Capabilities() subscription.Capabilities {
	return subscription.Capabilities{Notifications: true, BackgroundReceiver: true, PushMessaging: true}
}

func (p *simPlatform) Permission() subscription.Permission {
	if p.permission == "" {
		return subscription.PermissionDefault
	}
	return p.permission
}

func (p *simPlatform) RequestPermission(ctx context.Context) (subscription.Permission, error) {
	p.permission = p.answer
	return p.answer, nil
}

func (p *simPlatform) RegisterReceiver(ctx context.Context, scriptPath, scope string) (*subscription.Registration, error) {
	return &subscription.Registration{ScriptPath: p.host.absolute(scriptPath), Scope: scope}, nil
}

func (p *simPlatform) ShowNotification(ctx context.Context, n receiver.Notification) error {
	return p.host.ShowNotification(ctx, n)
}

// simMessaging hands out a fixed token and relays foreground pushes typed on
// stdin.
type simMessaging struct {
	token string

	mu       sync.Mutex
	listener func(receiver.Payload)
}

func (m *simMessaging) Init(ctx context.Context) error { return nil }
func (m *simMessaging) Close() error                   { return nil }

func (m *simMessaging) GetToken(ctx context.Context, vapidKey string, reg *subscription.Registration) (string, error) {
	return m.token, nil
}

func (m *simMessaging) OnForeground(fn func(receiver.Payload)) func() {
	m.mu.Lock()
	m.listener = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		m.listener = nil
		m.mu.Unlock()
	}
}

func (m *simMessaging) deliver(p receiver.Payload) {
	m.mu.Lock()
	fn := m.listener
	m.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}
