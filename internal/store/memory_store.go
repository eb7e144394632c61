package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hlameta/hlameta/internal/model"
	"go.uber.org/zap"
)

// BatchHook observes a batch before it is applied; a non-nil error fails the batch
type BatchHook func(table, partitionKey string, rows []model.Row) error

// MemoryTableStore implements TableStore in process memory
type MemoryTableStore struct {
	mu     sync.RWMutex
	tables map[string]map[model.RowPosition]model.Row
	hook   BatchHook
	logger *zap.Logger
}

// NewMemoryTableStore creates a new in-memory table store
func NewMemoryTableStore(logger *zap.Logger) *MemoryTableStore {
	return &MemoryTableStore{
		tables: make(map[string]map[model.RowPosition]model.Row),
		logger: logger,
	}
}

// OnBatchWrite installs a hook run for every batch before it is applied
func (s *MemoryTableStore) OnBatchWrite(hook BatchHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// CreateTable creates an empty table
func (s *MemoryTableStore) CreateTable(ctx context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tables[table]; exists {
		return fmt.Errorf("%w: %s", ErrTableExists, table)
	}
	s.tables[table] = make(map[model.RowPosition]model.Row)
	return nil
}

// DeleteTable drops a table and its rows
func (s *MemoryTableStore) DeleteTable(ctx context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tables[table]; !exists {
		return fmt.Errorf("table %s: %w", table, ErrNotFound)
	}
	delete(s.tables, table)
	s.logger.Debug("Dropped in-memory table", zap.String("table", table))
	return nil
}

// ListTables lists tables whose name starts with prefix
func (s *MemoryTableStore) ListTables(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// BatchWrite applies rows of one partition atomically
func (s *MemoryTableStore) BatchWrite(ctx context.Context, table, partitionKey string, rows []model.Row) error {
	if err := ValidateBatch(partitionKey, rows); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	hook := s.hook
	s.mu.RUnlock()
	if hook != nil {
		if err := hook(table, partitionKey, rows); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, exists := s.tables[table]
	if !exists {
		return fmt.Errorf("table %s: %w", table, ErrNotFound)
	}
	for _, row := range rows {
		columns := make(map[string]string, len(row.Columns))
		for k, v := range row.Columns {
			columns[k] = v
		}
		pos := model.RowPosition{PartitionKey: row.PartitionKey, RowKey: row.RowKey}
		data[pos] = model.Row{PartitionKey: row.PartitionKey, RowKey: row.RowKey, Columns: columns}
	}
	return nil
}

// Query returns one page of rows in key order
func (s *MemoryTableStore) Query(ctx context.Context, table string, after *model.RowPosition, limit int) (model.Page, error) {
	if err := checkLimit(limit); err != nil {
		return model.Page{}, err
	}
	if err := ctx.Err(); err != nil {
		return model.Page{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, exists := s.tables[table]
	if !exists {
		return model.Page{}, fmt.Errorf("table %s: %w", table, ErrNotFound)
	}

	positions := make([]model.RowPosition, 0, len(data))
	for pos := range data {
		if after == nil || positionBefore(*after, pos) {
			positions = append(positions, pos)
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positionBefore(positions[i], positions[j]) })

	if len(positions) > limit+1 {
		positions = positions[:limit+1]
	}
	rows := make([]model.Row, 0, len(positions))
	for _, pos := range positions {
		rows = append(rows, data[pos])
	}
	return trimPage(rows, limit), nil
}

// RowCount returns the number of rows in a table
func (s *MemoryTableStore) RowCount(table string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables[table])
}

// Ping always succeeds
func (s *MemoryTableStore) Ping(ctx context.Context) error {
	return nil
}

// Close releases nothing
func (s *MemoryTableStore) Close() error {
	return nil
}

type pointerKey struct {
	dataset string
	version string
}

// MemoryPointerStore implements PointerStore in process memory
type MemoryPointerStore struct {
	mu       sync.RWMutex
	pointers map[pointerKey]model.TablePointer
}

// NewMemoryPointerStore creates a new in-memory pointer store
func NewMemoryPointerStore() *MemoryPointerStore {
	return &MemoryPointerStore{pointers: make(map[pointerKey]model.TablePointer)}
}

// GetTableName returns the table published for (dataset, version)
func (s *MemoryPointerStore) GetTableName(ctx context.Context, dataset, version string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pointers[pointerKey{dataset, version}]
	if !ok {
		return "", ErrNotFound
	}
	return p.TableName, nil
}

// SetTableName overwrites the pointer for (dataset, version)
func (s *MemoryPointerStore) SetTableName(ctx context.Context, dataset, version, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pointers[pointerKey{dataset, version}] = model.TablePointer{
		DatasetPrefix: dataset,
		Version:       version,
		TableName:     table,
		UpdatedAt:     time.Now().UTC(),
	}
	return nil
}

// ListPointers lists the pointers of a dataset, or all pointers when dataset is empty
func (s *MemoryPointerStore) ListPointers(ctx context.Context, dataset string) ([]model.TablePointer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pointers := make([]model.TablePointer, 0, len(s.pointers))
	for key, p := range s.pointers {
		if dataset == "" || key.dataset == dataset {
			pointers = append(pointers, p)
		}
	}
	sortPointers(pointers)
	return pointers, nil
}

// Ping always succeeds
func (s *MemoryPointerStore) Ping(ctx context.Context) error {
	return nil
}

// Close releases nothing
func (s *MemoryPointerStore) Close() error {
	return nil
}
