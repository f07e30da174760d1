package main

import (
	"context"
	"io"
	"testing"

	"github.com/mithileshchellappan/novelpush/internal/dispatch"
	"github.com/mithileshchellappan/novelpush/internal/receiver"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimHostClickRouting(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	host := newSimHost("http://localhost:8080", log)
	rcv := receiver.New(host, dispatch.Display{}, 0, log)
	ctx := context.Background()

	require.NoError(t, rcv.Handle(ctx, receiver.PushEvent{Payload: receiver.Payload{
		Notification: receiver.PayloadNotification{Title: "Chapter 5"},
		Data:         map[string]string{"url": "/novels/a/5"},
	}}))
	n, ok := host.lastShown()
	require.True(t, ok)

	require.NoError(t, rcv.Handle(ctx, receiver.ClickEvent{Notification: n}))
	windows, _ := host.Windows(ctx)
	require.Len(t, windows, 1)
	assert.Equal(t, "http://localhost:8080/novels/a/5", windows[0].URL)

	// The window now exists, so a second click focuses instead of opening.
	require.NoError(t, rcv.Handle(ctx, receiver.ClickEvent{Notification: n}))
	windows, _ = host.Windows(ctx)
	assert.Len(t, windows, 1)
}

func TestSimMessagingForeground(t *testing.T) {
	m := &simMessaging{token: "T"}
	var got []receiver.Payload
	remove := m.OnForeground(func(p receiver.Payload) { got = append(got, p) })

	m.deliver(receiver.Payload{Notification: receiver.PayloadNotification{Title: "a"}})
	remove()
	m.deliver(receiver.Payload{Notification: receiver.PayloadNotification{Title: "b"}})

	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Notification.Title)
}

func TestSimulateRequiresUser(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	err := simulate("http://localhost:8080", "", "", "", "granted", log)
	assert.EqualError(t, err, "-user is required")
}
