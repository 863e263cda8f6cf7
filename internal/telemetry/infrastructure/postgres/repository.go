package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	telemetry "nordic-pulse/internal/telemetry/domain"
)

const defaultTelemetryTable = "iot_data"

// Execer is the subset of pgxpool.Pool used by the writers.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// BatchRepository writes whole batches with one UNNEST insert.
type BatchRepository struct {
	db    Execer
	table string
}

// NewBatchRepository constructs a repository with the default table name.
func NewBatchRepository(db Execer, opts ...RepositoryOption) *BatchRepository {
	repo := &BatchRepository{db: db, table: defaultTelemetryTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// RepositoryOption configures the repository.
type RepositoryOption func(*BatchRepository)

// WithTable overrides the default table name. "schema.table" is accepted.
func WithTable(table string) RepositoryOption {
	return func(repo *BatchRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// WriteBatch inserts one row per record in a single statement. The
// statement is atomic: either every row lands or none does.
func (r *BatchRepository) WriteBatch(ctx context.Context, records []telemetry.Record) error {
	if r == nil || r.db == nil {
		return errors.New("telemetry repo: nil db")
	}
	if len(records) == 0 {
		return telemetry.ErrEmptyBatch
	}
	cols := telemetry.ColumnsOf(records)
	if !cols.Aligned() {
		return telemetry.ErrMisalignedColumns
	}

	_, err := r.db.Exec(ctx, insertStatement(r.table),
		cols.Times,
		cols.DeviceIDs,
		cols.DeviceTypes,
		cols.Locations,
		cols.Values,
		cols.Units,
	)
	if err != nil {
		return fmt.Errorf("telemetry repo: insert %d rows: %w", len(records), err)
	}
	return nil
}

func insertStatement(table string) string {
	return fmt.Sprintf(`
INSERT INTO %s (time, device_id, device_type, location, value, unit)
SELECT * FROM UNNEST(
	$1::timestamptz[],
	$2::text[],
	$3::text[],
	$4::text[],
	$5::float8[],
	$6::text[]
)`, quoteTable(table))
}

func quoteTable(table string) string {
	return pgx.Identifier(strings.Split(table, ".")).Sanitize()
}
