package ingest

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	telemetry "nordic-pulse/internal/telemetry/domain"
)

var discardLogger = log.New(io.Discard, "", 0)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 26, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type manualTicker struct {
	ch chan time.Time
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {}

type recordingWriter struct {
	mu      sync.Mutex
	calls   int
	batches [][]telemetry.Record
	fail    func(call int) error
	block   bool
}

func (w *recordingWriter) WriteBatch(ctx context.Context, records []telemetry.Record) error {
	w.mu.Lock()
	call := w.calls
	w.calls++
	fail := w.fail
	block := w.block
	w.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if fail != nil {
		if err := fail(call); err != nil {
			return err
		}
	}
	w.mu.Lock()
	w.batches = append(w.batches, append([]telemetry.Record(nil), records...))
	w.mu.Unlock()
	return nil
}

func (w *recordingWriter) Calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

func (w *recordingWriter) Batches() [][]telemetry.Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]telemetry.Record(nil), w.batches...)
}

type flush struct {
	records []telemetry.Record
	trigger Trigger
	at      time.Time
	ctxErr  error
}

// recordingPersister captures flushes with their trigger and clock time.
type recordingPersister struct {
	mu      sync.Mutex
	clock   Clock
	flushes []flush
}

func (p *recordingPersister) Persist(ctx context.Context, batch []telemetry.Record, trigger Trigger) FlushResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes = append(p.flushes, flush{records: batch, trigger: trigger, at: p.clock.Now(), ctxErr: ctx.Err()})
	return FlushResult{Trigger: trigger, Rows: len(batch)}
}

func (p *recordingPersister) Flushes() []flush {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]flush(nil), p.flushes...)
}

type stubDeadLetters struct {
	mu      sync.Mutex
	letters []telemetry.DeadLetter
	err     error
}

func (s *stubDeadLetters) RecordBatch(_ context.Context, letter telemetry.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.letters = append(s.letters, letter)
	return nil
}

type stubCache struct {
	mu      sync.Mutex
	records []telemetry.Record
	err     error
}

func (s *stubCache) PutLatest(_ context.Context, records []telemetry.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	return s.err
}

func sampleRecord(i int) telemetry.Record {
	return telemetry.Record{
		DeviceID:   fmt.Sprintf("dev-%04d", i),
		DeviceType: telemetry.DeviceTypes[i%len(telemetry.DeviceTypes)],
		Timestamp:  time.Date(2026, 1, 26, 8, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Millisecond),
		Value:      float64(i) + 0.25,
		Unit:       "kW",
		Location:   "60.1699,24.9384",
	}
}

func samplePayload(t *testing.T, i int) []byte {
	t.Helper()
	payload, err := EncodeRecord(CodecJSON, sampleRecord(i))
	if err != nil {
		t.Fatalf("encode record: %v", err)
	}
	return payload
}

func sampleBatch(n int) []telemetry.Record {
	out := make([]telemetry.Record, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, sampleRecord(i))
	}
	return out
}

// schedulerHarness drives a scheduler with unbuffered channels so every
// send returns only once the loop has picked the value up.
type schedulerHarness struct {
	t         *testing.T
	clock     *fakeClock
	events    chan Event
	ticks     chan time.Time
	scheduler *Scheduler
	cancel    context.CancelFunc
	done      chan struct{}
	runErr    error

	mu      sync.Mutex
	sleeps  []time.Duration
	states  []State
	onSleep func()
}

func newSchedulerHarness(t *testing.T, persister BatchPersister, clock *fakeClock, opts ...SchedulerOption) *schedulerHarness {
	t.Helper()
	h := &schedulerHarness{
		t:      t,
		clock:  clock,
		events: make(chan Event),
		ticks:  make(chan time.Time),
		done:   make(chan struct{}),
	}
	decoder, err := NewDecoder(CodecJSON)
	if err != nil {
		t.Fatalf("new decoder: %v", err)
	}
	base := []SchedulerOption{
		WithClock(clock),
		WithTickerFactory(func(time.Duration) Ticker { return &manualTicker{ch: h.ticks} }),
		WithSleep(h.sleep),
		WithLogger(discardLogger),
	}
	scheduler, err := NewScheduler(ChannelSource(h.events), decoder, persister, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	h.scheduler = scheduler

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.runErr = scheduler.Run(ctx)
		close(h.done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
		}
	})
	return h
}

// sleep simulates the backoff pause by moving the clock forward.
func (h *schedulerHarness) sleep(ctx context.Context, d time.Duration) error {
	h.mu.Lock()
	h.sleeps = append(h.sleeps, d)
	h.states = append(h.states, h.scheduler.State())
	hook := h.onSleep
	h.mu.Unlock()
	h.clock.Advance(d)
	if hook != nil {
		hook()
	}
	return ctx.Err()
}

// setOnSleep runs hook at the end of every simulated pause.
func (h *schedulerHarness) setOnSleep(hook func()) {
	h.mu.Lock()
	h.onSleep = hook
	h.mu.Unlock()
}

func (h *schedulerHarness) Sleeps() ([]time.Duration, []State) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...), append([]State(nil), h.states...)
}

func (h *schedulerHarness) send(event Event) {
	h.t.Helper()
	select {
	case h.events <- event:
	case <-time.After(2 * time.Second):
		h.t.Fatal("timeout sending event; loop not live")
	}
}

func (h *schedulerHarness) message(payload []byte) {
	h.t.Helper()
	h.send(MessageEvent("nordic_pulse/telemetry/Sauna/dev", payload))
}

func (h *schedulerHarness) tick() {
	h.t.Helper()
	select {
	case h.ticks <- h.clock.Now():
	case <-time.After(2 * time.Second):
		h.t.Fatal("timeout sending tick; loop not live")
	}
}

// settle returns once every previously sent event and tick has been fully
// handled, including any flush it caused.
func (h *schedulerHarness) settle() {
	h.t.Helper()
	h.tick()
	h.tick()
}

func (h *schedulerHarness) stop() error {
	h.t.Helper()
	h.cancel()
	return h.wait()
}

func (h *schedulerHarness) wait() error {
	h.t.Helper()
	select {
	case <-h.done:
		return h.runErr
	case <-time.After(2 * time.Second):
		h.t.Fatal("timeout waiting for scheduler to stop")
		return nil
	}
}
