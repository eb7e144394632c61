package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/hlameta/hlameta/internal/model"
)

// MaxBatchOperations is the most rows one BatchWrite may carry
const MaxBatchOperations = 100

var (
	// ErrNotFound is returned when a table or pointer does not exist
	ErrNotFound = errors.New("not found")

	// ErrTableExists is returned by CreateTable for an existing table
	ErrTableExists = errors.New("table already exists")

	// ErrInvalidBatch is returned for batches violating partition or size limits
	ErrInvalidBatch = errors.New("invalid batch")
)

// TableStore is a partitioned key-value table store. Rows are ordered by
// (partition key, row key) using byte-wise comparison.
type TableStore interface {
	CreateTable(ctx context.Context, table string) error
	DeleteTable(ctx context.Context, table string) error
	ListTables(ctx context.Context, prefix string) ([]string, error)

	// BatchWrite inserts or replaces rows atomically. All rows must share
	// partitionKey and there may be at most MaxBatchOperations of them.
	BatchWrite(ctx context.Context, table, partitionKey string, rows []model.Row) error

	// Query returns up to limit rows strictly after the given position
	Query(ctx context.Context, table string, after *model.RowPosition, limit int) (model.Page, error)

	Ping(ctx context.Context) error
	Close() error
}

// PointerStore maps (dataset, version) to the physical table being served
type PointerStore interface {
	GetTableName(ctx context.Context, dataset, version string) (string, error)
	SetTableName(ctx context.Context, dataset, version, table string) error
	ListPointers(ctx context.Context, dataset string) ([]model.TablePointer, error)

	Ping(ctx context.Context) error
	Close() error
}

var (
	_ TableStore   = (*MemoryTableStore)(nil)
	_ PointerStore = (*MemoryPointerStore)(nil)
	_ TableStore   = (*SQLiteStore)(nil)
	_ PointerStore = (*SQLiteStore)(nil)
	_ TableStore   = (*PostgresStore)(nil)
	_ PointerStore = (*PostgresStore)(nil)
	_ TableStore   = (*PebbleStore)(nil)
	_ PointerStore = (*PebbleStore)(nil)
	_ PointerStore = (*RedisPointerStore)(nil)
)

// ValidateBatch checks the partition and size limits of a batch
func ValidateBatch(partitionKey string, rows []model.Row) error {
	if len(rows) > MaxBatchOperations {
		return fmt.Errorf("%w: %d rows exceeds maximum of %d", ErrInvalidBatch, len(rows), MaxBatchOperations)
	}
	for _, row := range rows {
		if row.PartitionKey != partitionKey {
			return fmt.Errorf("%w: row %s/%s outside partition %s",
				ErrInvalidBatch, row.PartitionKey, row.RowKey, partitionKey)
		}
	}
	return nil
}

func encodeColumns(columns map[string]string) ([]byte, error) {
	data, err := json.Marshal(columns)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal columns: %w", err)
	}
	return data, nil
}

func decodeColumns(data []byte) (map[string]string, error) {
	columns := make(map[string]string)
	if err := json.Unmarshal(data, &columns); err != nil {
		return nil, fmt.Errorf("failed to unmarshal columns: %w", err)
	}
	return columns, nil
}

func positionBefore(a, b model.RowPosition) bool {
	if a.PartitionKey != b.PartitionKey {
		return a.PartitionKey < b.PartitionKey
	}
	return a.RowKey < b.RowKey
}

// trimPage cuts a limit+1 result down to limit rows and sets Next when more
// rows remain.
func trimPage(rows []model.Row, limit int) model.Page {
	if len(rows) <= limit {
		return model.Page{Rows: rows}
	}
	rows = rows[:limit]
	last := rows[len(rows)-1]
	return model.Page{
		Rows: rows,
		Next: &model.RowPosition{PartitionKey: last.PartitionKey, RowKey: last.RowKey},
	}
}

func sortPointers(pointers []model.TablePointer) {
	sort.Slice(pointers, func(i, j int) bool {
		if pointers[i].DatasetPrefix != pointers[j].DatasetPrefix {
			return pointers[i].DatasetPrefix < pointers[j].DatasetPrefix
		}
		return pointers[i].Version < pointers[j].Version
	})
}

func checkLimit(limit int) error {
	if limit <= 0 {
		return fmt.Errorf("query limit must be positive, got %d", limit)
	}
	return nil
}
