package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	telemetry "nordic-pulse/internal/telemetry/domain"
)

type execCall struct {
	sql  string
	args []any
}

type fakeExecer struct {
	calls []execCall
	err   error
}

func (f *fakeExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func testRecords() []telemetry.Record {
	base := time.Date(2026, 1, 26, 8, 0, 0, 0, time.UTC)
	return []telemetry.Record{
		{DeviceID: "solar-01", DeviceType: telemetry.DeviceSolarPanel, Timestamp: base, Value: 4.2, Unit: "kW", Location: "60.1699,24.9384"},
		{DeviceID: "heat-07", DeviceType: telemetry.DeviceHeatPump, Timestamp: base.Add(time.Second), Value: 3.1, Unit: "COP", Location: "Lappi"},
		{DeviceID: "ev-03", DeviceType: telemetry.DeviceEVCharger, Timestamp: base.Add(2 * time.Second), Value: 11, Unit: "kW", Location: "Uusimaa"},
	}
}

func TestWriteBatch_SingleUnnestStatement(t *testing.T) {
	db := &fakeExecer{}
	repo := NewBatchRepository(db)
	records := testRecords()

	if err := repo.WriteBatch(context.Background(), records); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	if len(db.calls) != 1 {
		t.Fatalf("expected one statement per batch, got %d", len(db.calls))
	}
	call := db.calls[0]
	if !strings.Contains(call.sql, `INSERT INTO "iot_data" (time, device_id, device_type, location, value, unit)`) {
		t.Fatalf("unexpected insert target: %s", call.sql)
	}
	if !strings.Contains(call.sql, "UNNEST(") || !strings.Contains(call.sql, "$6::text[]") {
		t.Fatalf("expected UNNEST over six arrays: %s", call.sql)
	}
	if len(call.args) != 6 {
		t.Fatalf("expected 6 column arguments, got %d", len(call.args))
	}

	times := call.args[0].([]time.Time)
	ids := call.args[1].([]string)
	types := call.args[2].([]string)
	locations := call.args[3].([]string)
	values := call.args[4].([]float64)
	units := call.args[5].([]string)
	for i, r := range records {
		if !times[i].Equal(r.Timestamp) || ids[i] != r.DeviceID || types[i] != r.DeviceType.String() ||
			locations[i] != r.Location || values[i] != r.Value || units[i] != r.Unit {
			t.Fatalf("column index %d does not match record %+v", i, r)
		}
	}
}

func TestWriteBatch_CustomTableIsQuoted(t *testing.T) {
	db := &fakeExecer{}
	repo := NewBatchRepository(db, WithTable("metrics.iot_data"))
	if err := repo.WriteBatch(context.Background(), testRecords()); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	if !strings.Contains(db.calls[0].sql, `INSERT INTO "metrics"."iot_data"`) {
		t.Fatalf("expected quoted schema table: %s", db.calls[0].sql)
	}
}

func TestWriteBatch_Errors(t *testing.T) {
	repo := NewBatchRepository(&fakeExecer{})
	if err := repo.WriteBatch(context.Background(), nil); !errors.Is(err, telemetry.ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}

	cause := errors.New("connection reset by peer")
	repo = NewBatchRepository(&fakeExecer{err: cause})
	err := repo.WriteBatch(context.Background(), testRecords())
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be wrapped, got %v", err)
	}
	if !strings.Contains(err.Error(), "insert 3 rows") {
		t.Fatalf("expected row count in error, got %v", err)
	}

	var nilRepo *BatchRepository
	if err := nilRepo.WriteBatch(context.Background(), testRecords()); err == nil {
		t.Fatal("expected error for nil repository")
	}
}

func TestDLQStore_RecordBatch(t *testing.T) {
	db := &fakeExecer{}
	store := NewDLQStore(db)
	failedAt := time.Date(2026, 1, 26, 9, 0, 0, 0, time.UTC)
	letter := telemetry.DeadLetter{
		BatchID:  "0b7f6c1e-5d0c-4a55-9b1a-0c3f0f2f7c11",
		FailedAt: failedAt,
		Reason:   "telemetry persistence error: write batch: timeout",
		Records:  testRecords(),
	}

	if err := store.RecordBatch(context.Background(), letter); err != nil {
		t.Fatalf("record batch: %v", err)
	}
	call := db.calls[0]
	if !strings.Contains(call.sql, `INSERT INTO "ingest_dead_letters"`) || !strings.Contains(call.sql, "ON CONFLICT (batch_id)") {
		t.Fatalf("unexpected dlq statement: %s", call.sql)
	}
	if call.args[0] != letter.BatchID || call.args[1] != failedAt || call.args[2] != letter.Reason || call.args[3] != 3 {
		t.Fatalf("unexpected args: %v", call.args[:4])
	}

	var rows []deadLetterRow
	if err := json.Unmarshal(call.args[4].([]byte), &rows); err != nil {
		t.Fatalf("payload is not json: %v", err)
	}
	if len(rows) != 3 || rows[1].DeviceID != "heat-07" || rows[1].DeviceType != "HeatPump" {
		t.Fatalf("unexpected payload rows: %+v", rows)
	}
}

func TestDLQStore_Validation(t *testing.T) {
	store := NewDLQStore(&fakeExecer{}, WithDLQTable("ops.dead_letters"))
	if err := store.RecordBatch(context.Background(), telemetry.DeadLetter{Records: testRecords()}); err == nil {
		t.Fatal("expected error for empty batch id")
	}
	if err := store.RecordBatch(context.Background(), telemetry.DeadLetter{BatchID: "b"}); !errors.Is(err, telemetry.ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}
	if store.table != "ops.dead_letters" {
		t.Fatalf("table option ignored: %s", store.table)
	}
}
