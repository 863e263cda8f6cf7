package telemetry

import (
	"context"
	"time"
)

// BatchWriter persists a whole batch with one set-oriented statement.
type BatchWriter interface {
	WriteBatch(ctx context.Context, records []Record) error
}

// DeadLetter is a batch that could not be persisted.
type DeadLetter struct {
	BatchID  string
	FailedAt time.Time
	Reason   string
	Records  []Record
}

// DeadLetterStore keeps batches rejected by the store.
type DeadLetterStore interface {
	RecordBatch(ctx context.Context, letter DeadLetter) error
}

// LatestCache keeps the newest record of each device.
type LatestCache interface {
	PutLatest(ctx context.Context, records []Record) error
}
