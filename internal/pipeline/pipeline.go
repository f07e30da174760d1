package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mithileshchellappan/novelpush/internal/dispatch"
	"github.com/mithileshchellappan/novelpush/internal/metrics"
	"github.com/mithileshchellappan/novelpush/internal/storage"
	"github.com/sirupsen/logrus"
)

type Status string

const (
	StatusSent Status = "sent"
	StatusNoop Status = "noop"
)

// BatchOutcome is the result of one provider call, attributable by Index.
type BatchOutcome struct {
	Index  int    `json:"index"`
	Size   int    `json:"size"`
	Sent   int    `json:"sent"`
	Failed int    `json:"failed"`
	Err    string `json:"error,omitempty"`
}

// Result is the reconciled outcome of a dispatch. SentCount + FailedCount
// always equals TotalTokens.
type Result struct {
	Status      Status         `json:"status"`
	TotalTokens int            `json:"totalTokens"`
	SentCount   int            `json:"sentCount"`
	FailedCount int            `json:"failedCount"`
	PrunedCount int            `json:"prunedCount"`
	Batches     []BatchOutcome `json:"batches"`
}

type Options struct {
	NumSenders   int
	BatchSize    int
	BatchTimeout time.Duration
}

type batch struct {
	index  int
	tokens []string
}

type batchResult struct {
	outcome BatchOutcome
	invalid []string
}

// NotificationPipeline partitions a token set into provider-sized batches and
// sends them with a bounded number of sender goroutines.
type NotificationPipeline struct {
	store   storage.TokenStore
	sender  dispatch.Sender
	metrics *metrics.Metrics
	log     logrus.FieldLogger

	numSenders   int
	batchSize    int
	batchTimeout time.Duration
}

func NewNotificationPipeline(store storage.TokenStore, sender dispatch.Sender, m *metrics.Metrics, opts Options, log logrus.FieldLogger) *NotificationPipeline {
	if opts.NumSenders <= 0 {
		opts.NumSenders = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 30 * time.Second
	}
	return &NotificationPipeline{
		store:        store,
		sender:       sender,
		metrics:      m,
		log:          log,
		numSenders:   opts.NumSenders,
		batchSize:    opts.BatchSize,
		batchTimeout: opts.BatchTimeout,
	}
}

// Dispatch delivers msg to every token. Batch failures are logged and counted,
// never returned; the remaining batches still run.
func (p *NotificationPipeline) Dispatch(ctx context.Context, tokens storage.TokenSet, msg *dispatch.Message) *Result {
	if tokens.Len() == 0 {
		p.metrics.Dispatches.WithLabelValues(string(StatusNoop)).Inc()
		return &Result{Status: StatusNoop, Batches: []BatchOutcome{}}
	}

	batches := p.partition(tokens.Slice())
	batchesChan := make(chan batch, len(batches))
	resultsChan := make(chan batchResult, len(batches))

	log := p.log.WithFields(logrus.Fields{"tokens": tokens.Len(), "batches": len(batches)})
	log.Info("Dispatch started")

	go p.feedBatches(batches, batchesChan)

	var collected *Result
	var invalid [][]string
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		collected, invalid = p.collectResults(len(batches), resultsChan)
	}()

	p.startSenders(ctx, msg, batchesChan, resultsChan)
	wg.Wait()

	collected.TotalTokens = tokens.Len()
	collected.Status = StatusSent
	collected.PrunedCount = p.prune(context.WithoutCancel(ctx), invalid)

	p.metrics.Dispatches.WithLabelValues(string(StatusSent)).Inc()
	p.metrics.Tokens.WithLabelValues("sent").Add(float64(collected.SentCount))
	p.metrics.Tokens.WithLabelValues("failed").Add(float64(collected.FailedCount))
	p.metrics.Pruned.Add(float64(collected.PrunedCount))

	log.WithFields(logrus.Fields{
		"sent":   collected.SentCount,
		"failed": collected.FailedCount,
		"pruned": collected.PrunedCount,
	}).Info("Dispatch finished")
	return collected
}

func (p *NotificationPipeline) partition(tokens []string) []batch {
	var batches []batch
	for start := 0; start < len(tokens); start += p.batchSize {
		end := min(start+p.batchSize, len(tokens))
		batches = append(batches, batch{index: len(batches), tokens: tokens[start:end]})
	}
	return batches
}

func (p *NotificationPipeline) feedBatches(batches []batch, batchesChan chan<- batch) {
	defer close(batchesChan)
	for _, b := range batches {
		batchesChan <- b
	}
}

func (p *NotificationPipeline) startSenders(ctx context.Context, msg *dispatch.Message, batchesChan <-chan batch, resultsChan chan<- batchResult) {
	var wg sync.WaitGroup
	for i := 0; i < p.numSenders; i++ {
		wg.Add(1)
		go p.runSender(ctx, msg, batchesChan, resultsChan, &wg)
	}
	wg.Wait()
	close(resultsChan)
}

func (p *NotificationPipeline) runSender(ctx context.Context, msg *dispatch.Message, batchesChan <-chan batch, resultsChan chan<- batchResult, wg *sync.WaitGroup) {
	defer wg.Done()
	for b := range batchesChan {
		resultsChan <- p.sendBatch(ctx, msg, b)
	}
}

func (p *NotificationPipeline) sendBatch(ctx context.Context, msg *dispatch.Message, b batch) batchResult {
	outcome := BatchOutcome{Index: b.index, Size: len(b.tokens)}

	ctx, cancel := context.WithTimeout(ctx, p.batchTimeout)
	defer cancel()

	start := time.Now()
	resp, err := p.sender.SendBatch(ctx, b.tokens, msg)
	p.metrics.BatchTime.Observe(time.Since(start).Seconds())

	if err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{"batch": b.index, "size": len(b.tokens)}).Error("Batch failed")
		p.metrics.Batches.WithLabelValues("failed").Inc()
		outcome.Failed = outcome.Size
		outcome.Err = err.Error()
		return batchResult{outcome: outcome}
	}

	// Count from per-token results so the totals always reconcile with the
	// batch size, whatever the provider's summary says.
	results := make(map[string]error, len(resp.Results))
	for _, r := range resp.Results {
		results[r.Token] = r.Err
	}
	for _, token := range b.tokens {
		if err, ok := results[token]; ok && err == nil {
			outcome.Sent++
		}
	}
	outcome.Failed = outcome.Size - outcome.Sent

	p.metrics.Batches.WithLabelValues("sent").Inc()
	return batchResult{outcome: outcome, invalid: resp.InvalidTokens()}
}

func (p *NotificationPipeline) collectResults(total int, resultsChan <-chan batchResult) (*Result, [][]string) {
	result := &Result{Batches: make([]BatchOutcome, total)}
	var invalid [][]string

	for r := range resultsChan {
		result.Batches[r.outcome.Index] = r.outcome
		result.SentCount += r.outcome.Sent
		result.FailedCount += r.outcome.Failed
		if len(r.invalid) > 0 {
			invalid = append(invalid, r.invalid)
		}
	}
	return result, invalid
}

// prune removes dead tokens batch by batch. Failures are logged, not fatal.
func (p *NotificationPipeline) prune(ctx context.Context, invalid [][]string) int {
	var result *multierror.Error
	pruned := 0
	for _, tokens := range invalid {
		n, err := p.store.PruneTokens(ctx, tokens)
		pruned += n
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		p.log.WithError(err).Warn("Failed to prune some stale tokens")
	}
	return pruned
}
