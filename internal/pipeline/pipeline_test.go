package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mithileshchellappan/novelpush/internal/dispatch"
	"github.com/mithileshchellappan/novelpush/internal/metrics"
	"github.com/mithileshchellappan/novelpush/internal/storage"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSender answers each batch through sendFn and records batch sizes.
type fakeSender struct {
	mu     sync.Mutex
	sizes  []int
	sendFn func(ctx context.Context, tokens []string) (*dispatch.BatchResponse, error)
}

func (f *fakeSender) SendBatch(ctx context.Context, tokens []string, msg *dispatch.Message) (*dispatch.BatchResponse, error) {
	f.mu.Lock()
	f.sizes = append(f.sizes, len(tokens))
	f.mu.Unlock()
	return f.sendFn(ctx, tokens)
}

func allOK(ctx context.Context, tokens []string) (*dispatch.BatchResponse, error) {
	resp := &dispatch.BatchResponse{SuccessCount: len(tokens)}
	for _, t := range tokens {
		resp.Results = append(resp.Results, dispatch.SendResult{Token: t})
	}
	return resp, nil
}

func makeTokens(n int) storage.TokenSet {
	set := storage.NewTokenSet()
	for i := 0; i < n; i++ {
		set.Add(fmt.Sprintf("tok-%05d", i))
	}
	return set
}

func newTestPipeline(store storage.TokenStore, sender dispatch.Sender, opts Options) (*NotificationPipeline, *metrics.Metrics) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	m := metrics.New()
	return NewNotificationPipeline(store, sender, m, opts, log), m
}

var testMsg = &dispatch.Message{Title: "t", Body: "b", Data: map[string]string{"url": "/"}}

func TestDispatch_EmptyAudienceIsNoop(t *testing.T) {
	sender := &fakeSender{sendFn: allOK}
	p, _ := newTestPipeline(storage.NewMemoryStore(), sender, Options{NumSenders: 2, BatchSize: 500})

	res := p.Dispatch(context.Background(), storage.NewTokenSet(), testMsg)

	assert.Equal(t, StatusNoop, res.Status)
	assert.Zero(t, res.TotalTokens)
	assert.Zero(t, res.SentCount)
	assert.Empty(t, res.Batches)
	assert.Empty(t, sender.sizes)
}

func TestDispatch_PartialBatchFailure(t *testing.T) {
	tokens := makeTokens(1200)
	failing := "tok-00500"

	sender := &fakeSender{sendFn: func(ctx context.Context, batch []string) (*dispatch.BatchResponse, error) {
		if batch[0] == failing {
			return nil, errors.New("provider unavailable")
		}
		return allOK(ctx, batch)
	}}
	p, m := newTestPipeline(storage.NewMemoryStore(), sender, Options{NumSenders: 3, BatchSize: 500})

	res := p.Dispatch(context.Background(), tokens, testMsg)

	assert.Equal(t, StatusSent, res.Status)
	assert.Equal(t, 1200, res.TotalTokens)
	assert.Equal(t, 700, res.SentCount)
	assert.Equal(t, 500, res.FailedCount)
	require.Len(t, res.Batches, 3)
	assert.Equal(t, BatchOutcome{Index: 0, Size: 500, Sent: 500}, res.Batches[0])
	assert.Equal(t, BatchOutcome{Index: 1, Size: 500, Failed: 500, Err: "provider unavailable"}, res.Batches[1])
	assert.Equal(t, BatchOutcome{Index: 2, Size: 200, Sent: 200}, res.Batches[2])
	assert.ElementsMatch(t, []int{500, 500, 200}, sender.sizes)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Batches.WithLabelValues("failed")))
	assert.Equal(t, float64(500), testutil.ToFloat64(m.Tokens.WithLabelValues("failed")))
}

func TestDispatch_BatchConservation(t *testing.T) {
	for _, tc := range []struct{ n, size, batches int }{
		{1, 500, 1}, {500, 500, 1}, {501, 500, 2}, {1000, 100, 10}, {7, 3, 3},
	} {
		t.Run(fmt.Sprintf("%d/%d", tc.n, tc.size), func(t *testing.T) {
			sender := &fakeSender{sendFn: allOK}
			p, _ := newTestPipeline(storage.NewMemoryStore(), sender, Options{NumSenders: 4, BatchSize: tc.size})

			res := p.Dispatch(context.Background(), makeTokens(tc.n), testMsg)

			assert.Len(t, res.Batches, tc.batches)
			assert.Equal(t, tc.n, res.SentCount+res.FailedCount)
			total := 0
			for _, size := range sender.sizes {
				assert.LessOrEqual(t, size, tc.size)
				total += size
			}
			assert.Equal(t, tc.n, total)
		})
	}
}

func TestDispatch_PrunesInvalidTokens(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	_, err := store.AddToken(ctx, "u1", "good")
	require.NoError(t, err)
	_, err = store.AddToken(ctx, "u1", "dead")
	require.NoError(t, err)
	_, err = store.AddToken(ctx, "u2", "dead")
	require.NoError(t, err)

	sender := &fakeSender{sendFn: func(ctx context.Context, batch []string) (*dispatch.BatchResponse, error) {
		resp := &dispatch.BatchResponse{}
		for _, tok := range batch {
			r := dispatch.SendResult{Token: tok}
			if tok == "dead" {
				r.Err = errors.New("unregistered")
				r.Invalid = true
			}
			resp.Results = append(resp.Results, r)
		}
		return resp, nil
	}}
	p, _ := newTestPipeline(store, sender, Options{NumSenders: 1, BatchSize: 500})

	res := p.Dispatch(ctx, storage.NewTokenSet("good", "dead"), testMsg)

	assert.Equal(t, 1, res.SentCount)
	assert.Equal(t, 1, res.FailedCount)
	assert.Equal(t, 2, res.PrunedCount)

	d, err := store.GetDevice(ctx, "u2")
	require.NoError(t, err)
	assert.False(t, d.NotificationsEnabled)
	assert.Equal(t, 0, d.Tokens.Len())
}

func TestDispatch_BatchTimeoutCountsAsFailure(t *testing.T) {
	sender := &fakeSender{sendFn: func(ctx context.Context, batch []string) (*dispatch.BatchResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	p, _ := newTestPipeline(storage.NewMemoryStore(), sender, Options{NumSenders: 1, BatchSize: 2, BatchTimeout: 10 * time.Millisecond})

	res := p.Dispatch(context.Background(), makeTokens(3), testMsg)

	assert.Equal(t, 0, res.SentCount)
	assert.Equal(t, 3, res.FailedCount)
	assert.Len(t, res.Batches, 2)
}

func TestDispatch_MissingResultsCountAsFailed(t *testing.T) {
	sender := &fakeSender{sendFn: func(ctx context.Context, batch []string) (*dispatch.BatchResponse, error) {
		return &dispatch.BatchResponse{SuccessCount: len(batch), Results: []dispatch.SendResult{{Token: batch[0]}}}, nil
	}}
	p, _ := newTestPipeline(storage.NewMemoryStore(), sender, Options{NumSenders: 1, BatchSize: 500})

	res := p.Dispatch(context.Background(), makeTokens(4), testMsg)

	assert.Equal(t, 1, res.SentCount)
	assert.Equal(t, 3, res.FailedCount)
}
