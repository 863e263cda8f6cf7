package ingest

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"nordic-pulse/internal/observability/metrics"
	telemetry "nordic-pulse/internal/telemetry/domain"
)

// State is the process-level state of the loop.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateReconnectBackoff
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateReconnectBackoff:
		return "reconnect_backoff"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// PayloadDecoder turns a raw payload into a record.
type PayloadDecoder interface {
	Decode(payload []byte) (telemetry.Record, error)
}

// Scheduler races incoming messages against a periodic tick and flushes
// the open batch when it is full or old enough.
type Scheduler struct {
	source    Source
	decoder   PayloadDecoder
	persister BatchPersister

	maxBatchSize     int
	maxDelay         time.Duration
	tick             time.Duration
	reconnectBackoff time.Duration
	drainTimeout     time.Duration

	clock     Clock
	newTicker TickerFactory
	sleep     SleepFunc
	logger    *log.Logger

	state atomic.Int32
}

// SchedulerOption configures the scheduler.
type SchedulerOption func(*Scheduler)

// WithMaxBatchSize sets the size trigger.
func WithMaxBatchSize(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxBatchSize = n
		}
	}
}

// WithMaxDelay sets the time trigger.
func WithMaxDelay(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.maxDelay = d
		}
	}
}

// WithTick sets how often the flush predicate is checked without traffic.
func WithTick(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithReconnectBackoff sets the pause after a connection failure.
func WithReconnectBackoff(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d >= 0 {
			s.reconnectBackoff = d
		}
	}
}

// WithDrainTimeout bounds the final flush on shutdown.
func WithDrainTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.drainTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock Clock) SchedulerOption {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithTickerFactory overrides ticker creation.
func WithTickerFactory(factory TickerFactory) SchedulerOption {
	return func(s *Scheduler) {
		if factory != nil {
			s.newTicker = factory
		}
	}
}

// WithSleep overrides the backoff pause.
func WithSleep(sleep SleepFunc) SchedulerOption {
	return func(s *Scheduler) {
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewScheduler constructs the ingestion loop.
func NewScheduler(source Source, decoder PayloadDecoder, persister BatchPersister, opts ...SchedulerOption) (*Scheduler, error) {
	if source == nil {
		return nil, errors.New("ingest scheduler: nil source")
	}
	if decoder == nil {
		return nil, errors.New("ingest scheduler: nil decoder")
	}
	if persister == nil {
		return nil, errors.New("ingest scheduler: nil persister")
	}
	s := &Scheduler{
		source:           source,
		decoder:          decoder,
		persister:        persister,
		maxBatchSize:     DefaultMaxBatchSize,
		maxDelay:         DefaultMaxDelay,
		tick:             DefaultTick,
		reconnectBackoff: DefaultReconnectBackoff,
		drainTimeout:     DefaultPersistTimeout,
		clock:            SystemClock{},
		newTicker:        NewSystemTicker,
		sleep:            Sleep,
		logger:           log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// State returns the current loop state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) setState(state State) {
	s.state.Store(int32(state))
}

// Run loops until ctx is done or the source closes. On exit the open
// batch is flushed once. A cancelled context is a clean stop.
func (s *Scheduler) Run(ctx context.Context) error {
	events := s.source.Events()
	ticker := s.newTicker(s.tick)
	defer ticker.Stop()

	acc := NewAccumulator(s.maxBatchSize, s.maxDelay, s.clock.Now())
	s.setState(StateRunning)
	defer s.setState(StateStopped)

	for {
		select {
		case <-ctx.Done():
			s.drain(ctx, acc)
			return nil
		case event, ok := <-events:
			if !ok {
				s.drain(ctx, acc)
				return ErrSourceClosed
			}
			s.handle(ctx, acc, event)
		case <-ticker.C():
		}
		// Once cancelled, only the drain flush writes.
		if ctx.Err() != nil {
			s.drain(ctx, acc)
			return nil
		}
		s.maybeFlush(ctx, acc)
	}
}

func (s *Scheduler) handle(ctx context.Context, acc *Accumulator, event Event) {
	switch event.Kind {
	case EventMessage:
		record, err := s.decoder.Decode(event.Payload)
		if err != nil {
			metrics.IncMessage(metrics.MessageResultMalformed)
			metrics.IncDecodeError()
			device := "unknown"
			if info, topicErr := telemetry.ParseTopic(event.Topic); topicErr == nil {
				device = info.DeviceID
			}
			s.logger.Printf("ingest: drop malformed payload: topic=%s device=%s bytes=%d err=%v", event.Topic, device, len(event.Payload), err)
			return
		}
		metrics.IncMessage(metrics.MessageResultAccepted)
		acc.Add(record)
		metrics.SetPendingRows(acc.Len())
	case EventConnectionError:
		err := event.Err
		if telemetry.KindOf(err) != telemetry.KindTransport {
			err = telemetry.TransportError("subscription", err)
		}
		metrics.IncTransportError()
		s.logger.Printf("ingest: mqtt connection error: backoff=%s err=%v", s.reconnectBackoff, err)
		s.setState(StateReconnectBackoff)
		if err := s.sleep(ctx, s.reconnectBackoff); err != nil {
			s.logger.Printf("ingest: reconnect backoff interrupted: err=%v", err)
		}
		s.setState(StateRunning)
	default:
		s.logger.Printf("ingest: ignore event of unknown kind %d", event.Kind)
	}
}

func (s *Scheduler) maybeFlush(ctx context.Context, acc *Accumulator) {
	now := s.clock.Now()
	trigger, due := acc.Due(now)
	if !due {
		return
	}
	batch := acc.Drain(now)
	metrics.SetPendingRows(0)
	if len(batch) == 0 {
		return
	}
	s.report(s.persister.Persist(ctx, batch, trigger))
}

func (s *Scheduler) drain(ctx context.Context, acc *Accumulator) {
	s.setState(StateDraining)
	batch := acc.Drain(s.clock.Now())
	metrics.SetPendingRows(0)
	if len(batch) == 0 {
		return
	}
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.drainTimeout)
	defer cancel()
	s.report(s.persister.Persist(drainCtx, batch, TriggerShutdown))
}

func (s *Scheduler) report(result FlushResult) {
	if result.Err != nil {
		s.logger.Printf("ingest: failed to insert batch: batch=%s trigger=%s rows=%d attempts=%d dead_lettered=%t err=%v",
			result.BatchID, result.Trigger, result.Rows, result.Attempts, result.DeadLettered, result.Err)
		return
	}
	s.logger.Printf("ingest: inserted %d metrics: batch=%s trigger=%s elapsed=%s",
		result.Rows, result.BatchID, result.Trigger, result.Duration)
}
