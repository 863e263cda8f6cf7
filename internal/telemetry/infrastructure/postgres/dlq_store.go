package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	telemetry "nordic-pulse/internal/telemetry/domain"
)

const defaultDLQTable = "ingest_dead_letters"

// DLQStore keeps rejected batches as JSON documents.
type DLQStore struct {
	db    Execer
	table string
}

// NewDLQStore constructs a DLQ store.
func NewDLQStore(db Execer, opts ...DLQOption) *DLQStore {
	store := &DLQStore{db: db, table: defaultDLQTable}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// DLQOption configures the DLQ store.
type DLQOption func(*DLQStore)

// WithDLQTable overrides the table name.
func WithDLQTable(table string) DLQOption {
	return func(store *DLQStore) {
		if table != "" {
			store.table = table
		}
	}
}

type deadLetterRow struct {
	DeviceID   string    `json:"device_id"`
	DeviceType string    `json:"device_type"`
	Timestamp  time.Time `json:"timestamp"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit"`
	Location   string    `json:"location"`
}

// RecordBatch inserts a dead letter. Replaying the same batch id keeps
// the first payload and bumps the attempt counter.
func (s *DLQStore) RecordBatch(ctx context.Context, letter telemetry.DeadLetter) error {
	if s == nil || s.db == nil {
		return errors.New("dlq store: nil db")
	}
	if letter.BatchID == "" {
		return errors.New("dlq store: empty batch id")
	}
	if len(letter.Records) == 0 {
		return telemetry.ErrEmptyBatch
	}
	payload, err := marshalRecords(letter.Records)
	if err != nil {
		return err
	}
	failedAt := letter.FailedAt
	if failedAt.IsZero() {
		failedAt = time.Now().UTC()
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	batch_id,
	failed_at,
	reason,
	row_count,
	payload,
	attempts
) VALUES (
	$1, $2, $3, $4, $5, 1
)
ON CONFLICT (batch_id)
DO UPDATE SET
	reason = EXCLUDED.reason,
	failed_at = EXCLUDED.failed_at,
	attempts = %s.attempts + 1`, quoteTable(s.table), quoteTable(s.table))

	_, err = s.db.Exec(ctx, query, letter.BatchID, failedAt, letter.Reason, len(letter.Records), payload)
	return err
}

func marshalRecords(records []telemetry.Record) ([]byte, error) {
	rows := make([]deadLetterRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, deadLetterRow{
			DeviceID:   r.DeviceID,
			DeviceType: r.DeviceType.String(),
			Timestamp:  r.Timestamp,
			Value:      r.Value,
			Unit:       r.Unit,
			Location:   r.Location,
		})
	}
	return json.Marshal(rows)
}
