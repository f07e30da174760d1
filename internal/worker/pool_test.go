package worker

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mithileshchellappan/novelpush/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runnerFunc func(ctx context.Context, job *storage.Job) error

func (f runnerFunc) RunJob(ctx context.Context, job *storage.Job) error { return f(ctx, job) }

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestPool_RunsEverySubmittedJob(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}
	p := NewPool(runnerFunc(func(ctx context.Context, job *storage.Job) error {
		mu.Lock()
		seen[job.ID] = true
		mu.Unlock()
		return nil
	}), 3, 20, quietLogger())
	p.Start()

	for i := 0; i < 10; i++ {
		require.True(t, p.Submit(&storage.Job{ID: fmt.Sprintf("job-%d", i)}))
	}
	require.NoError(t, p.Stop(context.Background()))

	assert.Len(t, seen, 10)
	assert.False(t, p.Submit(&storage.Job{ID: "late"}))
	assert.NoError(t, p.Stop(context.Background()))
}

func TestPool_StopCancelsRunningJobsOnDeadline(t *testing.T) {
	started := make(chan struct{})
	p := NewPool(runnerFunc(func(ctx context.Context, job *storage.Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}), 1, 1, quietLogger())
	p.Start()
	require.True(t, p.Submit(&storage.Job{ID: "slow"}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Stop(ctx), context.DeadlineExceeded)
}

func TestPool_SubmitRejectsWhenFull(t *testing.T) {
	p := NewPool(runnerFunc(func(ctx context.Context, job *storage.Job) error { return nil }), 1, 1, quietLogger())

	assert.True(t, p.Submit(&storage.Job{ID: "a"}))
	assert.False(t, p.Submit(&storage.Job{ID: "b"}))

	p.Start()
	require.NoError(t, p.Stop(context.Background()))
}
