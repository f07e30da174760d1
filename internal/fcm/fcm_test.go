package fcm

import (
	"context"
	"errors"
	"io"
	"testing"

	"firebase.google.com/go/v4/messaging"
	"github.com/mithileshchellappan/novelpush/internal/dispatch"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockMulticaster struct{ mock.Mock }

func (m *mockMulticaster) SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	args := m.Called(ctx, msg)
	if r, _ := args.Get(0).(*messaging.BatchResponse); r != nil {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

var (
	errDead       = errors.New("registration-token-not-registered")
	errBadRequest = errors.New("invalid-argument")
)

func newTestClient(mc *mockMulticaster) *Client {
	log := logrus.New()
	log.SetOutput(io.Discard)
	c := newClient(mc, log)
	c.classify = func(err error) errorKind {
		switch {
		case errors.Is(err, errDead):
			return errDeadToken
		case errors.Is(err, errBadRequest):
			return errInvalidArgument
		default:
			return errTransient
		}
	}
	return c
}

func testMessage() *dispatch.Message {
	return &dispatch.Message{
		Title:              "Chapter 3",
		Body:               "Out now",
		Data:               map[string]string{"url": "/c/3", "type": "general", "timestamp": "1"},
		Link:               "https://novel.example/c/3",
		Icon:               "/icons/icon-192x192.png",
		Badge:              "/icons/icon-72x72.png",
		RequireInteraction: true,
		Actions:            dispatch.DefaultActions,
	}
}

func TestSendBatch_PerTokenResults(t *testing.T) {
	mc := &mockMulticaster{}
	mc.On("SendEachForMulticast", mock.Anything, mock.MatchedBy(func(m *messaging.MulticastMessage) bool {
		return len(m.Tokens) == 3 &&
			m.Webpush.FCMOptions.Link == "https://novel.example/c/3" &&
			m.Webpush.Notification.RequireInteraction &&
			len(m.Webpush.Notification.Actions) == 2 &&
			m.Data["url"] == "/c/3"
	})).Return(&messaging.BatchResponse{
		SuccessCount: 1,
		FailureCount: 2,
		Responses: []*messaging.SendResponse{
			{Success: true, MessageID: "m1"},
			{Error: errDead},
			{Error: errors.New("internal")},
		},
	}, nil)

	resp, err := newTestClient(mc).SendBatch(context.Background(), []string{"a", "b", "c"}, testMessage())
	require.NoError(t, err)
	assert.Equal(t, 1, resp.SuccessCount)
	assert.Equal(t, 2, resp.FailureCount)
	assert.Equal(t, []string{"b"}, resp.InvalidTokens())
	assert.Error(t, resp.Results[2].Err)
	assert.False(t, resp.Results[2].Invalid)
	mc.AssertExpectations(t)
}

func TestSendBatch_InvalidArgumentWithSuccessesPrunes(t *testing.T) {
	mc := &mockMulticaster{}
	mc.On("SendEachForMulticast", mock.Anything, mock.Anything).Return(&messaging.BatchResponse{
		SuccessCount: 1,
		FailureCount: 1,
		Responses: []*messaging.SendResponse{
			{Success: true, MessageID: "m1"},
			{Error: errBadRequest},
		},
	}, nil)

	resp, err := newTestClient(mc).SendBatch(context.Background(), []string{"a", "b"}, testMessage())
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, resp.InvalidTokens())
}

func TestSendBatch_InvalidArgumentForWholeBatchKeepsTokens(t *testing.T) {
	mc := &mockMulticaster{}
	mc.On("SendEachForMulticast", mock.Anything, mock.Anything).Return(&messaging.BatchResponse{
		FailureCount: 3,
		Responses: []*messaging.SendResponse{
			{Error: errBadRequest},
			{Error: errBadRequest},
			{Error: errDead},
		},
	}, nil)

	resp, err := newTestClient(mc).SendBatch(context.Background(), []string{"a", "b", "c"}, testMessage())
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, resp.InvalidTokens())
	assert.Equal(t, errBadRequest, resp.Results[0].Err)
	assert.False(t, resp.Results[0].Invalid)
}

func TestClassifyError(t *testing.T) {
	// Errors that did not come from the messaging API are never token verdicts.
	assert.Equal(t, errTransient, classifyError(errors.New("connection reset")))
	assert.Equal(t, errTransient, classifyError(context.DeadlineExceeded))
	assert.Equal(t, errTransient, classifyError(nil))
}

func TestNewClient_UsesMessagingClassifier(t *testing.T) {
	mc := &mockMulticaster{}
	mc.On("SendEachForMulticast", mock.Anything, mock.Anything).Return(&messaging.BatchResponse{
		FailureCount: 1,
		Responses:    []*messaging.SendResponse{{Error: errors.New("unavailable")}},
	}, nil)

	log := logrus.New()
	log.SetOutput(io.Discard)
	resp, err := newClient(mc, log).SendBatch(context.Background(), []string{"a"}, testMessage())
	require.NoError(t, err)
	assert.Empty(t, resp.InvalidTokens())
	assert.Error(t, resp.Results[0].Err)
}

func TestSendBatch_TransportError(t *testing.T) {
	mc := &mockMulticaster{}
	mc.On("SendEachForMulticast", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

	_, err := newTestClient(mc).SendBatch(context.Background(), []string{"a"}, testMessage())
	assert.Error(t, err)
}

func TestSendBatch_RejectsOversizedBatch(t *testing.T) {
	mc := &mockMulticaster{}
	tokens := make([]string, BatchLimit+1)

	_, err := newTestClient(mc).SendBatch(context.Background(), tokens, testMessage())
	assert.Error(t, err)
	mc.AssertNotCalled(t, "SendEachForMulticast", mock.Anything, mock.Anything)
}

func TestToMulticast_NoLink(t *testing.T) {
	msg := testMessage()
	msg.Link = ""
	m := toMulticast([]string{"a"}, msg)
	assert.Nil(t, m.Webpush.FCMOptions)
	assert.Equal(t, "Chapter 3", m.Notification.Title)
}
