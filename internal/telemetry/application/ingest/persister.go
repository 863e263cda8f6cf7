package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"nordic-pulse/internal/observability/metrics"
	telemetry "nordic-pulse/internal/telemetry/domain"
)

// FailurePolicy decides what happens to a batch the store rejected.
type FailurePolicy string

const (
	// PolicyDrop discards the batch after logging.
	PolicyDrop FailurePolicy = "drop"
	// PolicyRetry retries the write a bounded number of times, then drops.
	PolicyRetry FailurePolicy = "retry"
	// PolicyDeadLetter hands the batch to a dead-letter store, then drops it.
	PolicyDeadLetter FailurePolicy = "deadletter"
)

// ParseFailurePolicy validates a policy name. Empty means drop.
func ParseFailurePolicy(value string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(value))) {
	case "", PolicyDrop:
		return PolicyDrop, nil
	case PolicyRetry:
		return PolicyRetry, nil
	case PolicyDeadLetter, "dead-letter", "dlq":
		return PolicyDeadLetter, nil
	default:
		return "", fmt.Errorf("ingest: unknown failure policy %q", value)
	}
}

// FlushResult is the outcome of persisting one batch.
type FlushResult struct {
	BatchID      string
	Trigger      Trigger
	Rows         int
	Attempts     int
	Duration     time.Duration
	DeadLettered bool
	Err          error
}

// BatchPersister persists an emitted batch as a unit.
type BatchPersister interface {
	Persist(ctx context.Context, batch []telemetry.Record, trigger Trigger) FlushResult
}

// Persister issues one set-oriented write per batch.
type Persister struct {
	writer        telemetry.BatchWriter
	deadLetters   telemetry.DeadLetterStore
	cache         telemetry.LatestCache
	policy        FailurePolicy
	timeout       time.Duration
	retryAttempts int
	retryBackoff  time.Duration
	clock         Clock
	sleep         SleepFunc
	logger        *log.Logger
}

// PersisterOption configures the persister.
type PersisterOption func(*Persister)

// WithFailurePolicy sets the policy for rejected batches.
func WithFailurePolicy(policy FailurePolicy) PersisterOption {
	return func(p *Persister) {
		if policy != "" {
			p.policy = policy
		}
	}
}

// WithWriteTimeout bounds each store write. Zero disables the bound.
func WithWriteTimeout(timeout time.Duration) PersisterOption {
	return func(p *Persister) {
		if timeout >= 0 {
			p.timeout = timeout
		}
	}
}

// WithRetry sets the attempts and pause used by PolicyRetry.
func WithRetry(attempts int, backoff time.Duration) PersisterOption {
	return func(p *Persister) {
		if attempts > 0 {
			p.retryAttempts = attempts
		}
		if backoff >= 0 {
			p.retryBackoff = backoff
		}
	}
}

// WithDeadLetterStore sets the store used by PolicyDeadLetter.
func WithDeadLetterStore(store telemetry.DeadLetterStore) PersisterOption {
	return func(p *Persister) {
		p.deadLetters = store
	}
}

// WithLatestCache updates cache after every successful write.
func WithLatestCache(cache telemetry.LatestCache) PersisterOption {
	return func(p *Persister) {
		p.cache = cache
	}
}

// WithPersisterClock overrides the time source.
func WithPersisterClock(clock Clock) PersisterOption {
	return func(p *Persister) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithPersisterSleep overrides the retry pause.
func WithPersisterSleep(sleep SleepFunc) PersisterOption {
	return func(p *Persister) {
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// WithPersisterLogger sets the logger.
func WithPersisterLogger(logger *log.Logger) PersisterOption {
	return func(p *Persister) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPersister constructs a persister around writer.
func NewPersister(writer telemetry.BatchWriter, opts ...PersisterOption) (*Persister, error) {
	if writer == nil {
		return nil, errors.New("ingest persister: nil writer")
	}
	p := &Persister{
		writer:        writer,
		policy:        PolicyDrop,
		timeout:       DefaultPersistTimeout,
		retryAttempts: DefaultRetryAttempts,
		retryBackoff:  DefaultRetryBackoff,
		clock:         SystemClock{},
		sleep:         Sleep,
		logger:        log.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.policy == PolicyDeadLetter && p.deadLetters == nil {
		return nil, errors.New("ingest persister: deadletter policy requires a dead-letter store")
	}
	return p, nil
}

// Persist writes batch. The caller owns nothing after the call; a failed
// batch is never requeued.
func (p *Persister) Persist(ctx context.Context, batch []telemetry.Record, trigger Trigger) FlushResult {
	result := FlushResult{BatchID: uuid.NewString(), Trigger: trigger, Rows: len(batch)}
	if len(batch) == 0 {
		result.Err = telemetry.PersistenceError("write batch", telemetry.ErrEmptyBatch)
		return result
	}

	start := p.clock.Now()
	attempts := 1
	if p.policy == PolicyRetry {
		attempts = p.retryAttempts
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		result.Attempts = attempt
		err = p.write(ctx, batch)
		if err == nil {
			break
		}
		if attempt == attempts {
			break
		}
		p.logger.Printf("ingest: write attempt failed: batch=%s attempt=%d err=%v", result.BatchID, attempt, err)
		if sleepErr := p.sleep(ctx, p.retryBackoff); sleepErr != nil {
			break
		}
	}
	result.Duration = p.clock.Now().Sub(start)

	if err != nil {
		result.Err = telemetry.PersistenceError("write batch", err)
		metrics.ObserveFlush(string(trigger), metrics.ResultError, len(batch), result.Duration)
		if p.policy == PolicyDeadLetter {
			result.DeadLettered = p.deadLetter(ctx, result, batch)
		}
		if !result.DeadLettered {
			metrics.AddDroppedRows(metrics.DropReasonPersistence, len(batch))
		}
		return result
	}

	metrics.ObserveFlush(string(trigger), metrics.ResultSuccess, len(batch), result.Duration)
	if p.cache != nil {
		p.refreshCache(ctx, result.BatchID, batch)
	}
	return result
}

func (p *Persister) write(ctx context.Context, batch []telemetry.Record) error {
	if p.timeout <= 0 {
		return p.writer.WriteBatch(ctx, batch)
	}
	writeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.writer.WriteBatch(writeCtx, batch)
}

func (p *Persister) deadLetter(ctx context.Context, result FlushResult, batch []telemetry.Record) bool {
	letter := telemetry.DeadLetter{
		BatchID:  result.BatchID,
		FailedAt: p.clock.Now().UTC(),
		Reason:   result.Err.Error(),
		Records:  batch,
	}
	dlqCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		dlqCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	if err := p.deadLetters.RecordBatch(dlqCtx, letter); err != nil {
		p.logger.Printf("ingest: dead-letter failed: batch=%s rows=%d err=%v", result.BatchID, len(batch), err)
		return false
	}
	metrics.IncDeadLetter()
	return true
}

func (p *Persister) refreshCache(ctx context.Context, batchID string, batch []telemetry.Record) {
	cacheCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		cacheCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	if err := p.cache.PutLatest(cacheCtx, telemetry.LatestByDevice(batch)); err != nil {
		p.logger.Printf("ingest: latest cache update failed: batch=%s err=%v", batchID, err)
	}
}
