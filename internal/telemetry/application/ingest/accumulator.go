package ingest

import (
	"time"

	telemetry "nordic-pulse/internal/telemetry/domain"
)

// Trigger names the condition that caused a flush.
type Trigger string

const (
	TriggerSize     Trigger = "size"
	TriggerTime     Trigger = "time"
	TriggerShutdown Trigger = "shutdown"
)

// Accumulator is the open batch plus the time it was last emptied.
// It is owned by a single loop and is not safe for concurrent use.
type Accumulator struct {
	records   []telemetry.Record
	maxSize   int
	maxDelay  time.Duration
	lastFlush time.Time
}

// NewAccumulator creates an empty batch whose clock starts at now.
func NewAccumulator(maxSize int, maxDelay time.Duration, now time.Time) *Accumulator {
	if maxSize <= 0 {
		maxSize = DefaultMaxBatchSize
	}
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	return &Accumulator{
		records:   make([]telemetry.Record, 0, maxSize),
		maxSize:   maxSize,
		maxDelay:  maxDelay,
		lastFlush: now,
	}
}

// Add appends a record in arrival order.
func (a *Accumulator) Add(record telemetry.Record) {
	a.records = append(a.records, record)
}

// Len returns the number of open records.
func (a *Accumulator) Len() int {
	return len(a.records)
}

// Elapsed returns the time since the batch was last emptied.
func (a *Accumulator) Elapsed(now time.Time) time.Duration {
	return now.Sub(a.lastFlush)
}

// Due evaluates the flush predicate. Size wins over time when both hold.
func (a *Accumulator) Due(now time.Time) (Trigger, bool) {
	if len(a.records) >= a.maxSize {
		return TriggerSize, true
	}
	if a.Elapsed(now) >= a.maxDelay {
		return TriggerTime, true
	}
	return "", false
}

// Drain hands over the open records and starts a new batch at now.
// The returned slice is never touched by the accumulator again.
func (a *Accumulator) Drain(now time.Time) []telemetry.Record {
	out := a.records
	a.records = make([]telemetry.Record, 0, a.maxSize)
	a.lastFlush = now
	if len(out) == 0 {
		return nil
	}
	return out
}
