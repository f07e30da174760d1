package fcm

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/mithileshchellappan/novelpush/internal/dispatch"
	"github.com/sirupsen/logrus"
)

// BatchLimit is the number of tokens FCM accepts in one multicast call.
const BatchLimit = 500

type multicaster interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// Client implements dispatch.Sender on Firebase Cloud Messaging.
type Client struct {
	msgClient multicaster
	log       logrus.FieldLogger

	classify func(error) errorKind
}

type errorKind int

const (
	errTransient errorKind = iota
	// errDeadToken means the token will never work again.
	errDeadToken
	// errInvalidArgument is returned for a malformed token but also when the
	// payload itself is refused, so it is only trusted per batch.
	errInvalidArgument
)

func NewClient(ctx context.Context, app *firebase.App, log logrus.FieldLogger) (*Client, error) {
	msgClient, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase messaging client: %w", err)
	}
	return newClient(msgClient, log), nil
}

func newClient(msgClient multicaster, log logrus.FieldLogger) *Client {
	return &Client{
		msgClient: msgClient,
		log:       log,
		classify:  classifyError,
	}
}

func classifyError(err error) errorKind {
	switch {
	case messaging.IsUnregistered(err), messaging.IsSenderIDMismatch(err):
		return errDeadToken
	case messaging.IsInvalidArgument(err):
		return errInvalidArgument
	default:
		return errTransient
	}
}

func (c *Client) SendBatch(ctx context.Context, tokens []string, msg *dispatch.Message) (*dispatch.BatchResponse, error) {
	if len(tokens) > BatchLimit {
		return nil, fmt.Errorf("batch of %d tokens exceeds the FCM limit of %d", len(tokens), BatchLimit)
	}

	resp, err := c.msgClient.SendEachForMulticast(ctx, toMulticast(tokens, msg))
	if err != nil {
		return nil, fmt.Errorf("failed to send FCM multicast: %w", err)
	}

	out := &dispatch.BatchResponse{
		SuccessCount: resp.SuccessCount,
		FailureCount: resp.FailureCount,
		Results:      make([]dispatch.SendResult, len(tokens)),
	}
	// Without a single success, invalid-argument may be about the message
	// rather than the tokens, and pruning would wipe the whole batch.
	payloadAccepted := resp.SuccessCount > 0
	rejected := 0
	for i, token := range tokens {
		out.Results[i].Token = token
		if i >= len(resp.Responses) || resp.Responses[i] == nil {
			continue
		}
		sendErr := resp.Responses[i].Error
		if sendErr == nil {
			continue
		}
		out.Results[i].Err = sendErr
		switch c.classify(sendErr) {
		case errDeadToken:
			out.Results[i].Invalid = true
		case errInvalidArgument:
			if payloadAccepted {
				out.Results[i].Invalid = true
			} else {
				rejected++
			}
		default:
			c.log.WithError(sendErr).WithField("index", i).Warn("FCM send error")
		}
	}
	if rejected > 0 {
		c.log.WithField("tokens", rejected).Warn("FCM rejected the batch with invalid-argument, keeping tokens")
	}
	return out, nil
}

func toMulticast(tokens []string, msg *dispatch.Message) *messaging.MulticastMessage {
	actions := make([]*messaging.WebpushNotificationAction, len(msg.Actions))
	for i, a := range msg.Actions {
		actions[i] = &messaging.WebpushNotificationAction{Action: a.Action, Title: a.Title}
	}

	webpush := &messaging.WebpushConfig{
		Notification: &messaging.WebpushNotification{
			Icon:               msg.Icon,
			Badge:              msg.Badge,
			RequireInteraction: msg.RequireInteraction,
			Actions:            actions,
		},
	}
	if msg.Link != "" {
		webpush.FCMOptions = &messaging.WebpushFCMOptions{Link: msg.Link}
	}

	return &messaging.MulticastMessage{
		Tokens: tokens,
		Notification: &messaging.Notification{
			Title:    msg.Title,
			Body:     msg.Body,
			ImageURL: msg.Image,
		},
		Data:    msg.Data,
		Webpush: webpush,
	}
}
