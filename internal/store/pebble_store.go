package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/hlameta/hlameta/internal/model"
	"go.uber.org/zap"
)

// Key layout:
//
//	t\x00<table>                       table registry
//	r\x00<table>\x00<pk>\x00<rk>       row columns (JSON)
//	p\x00<dataset>\x00<version>        pointer record (JSON)
//
// Keys never contain NUL, so byte order of row keys equals (pk, rk) order.
const (
	pebbleTablePrefix   = "t\x00"
	pebbleRowPrefix     = "r\x00"
	pebblePointerPrefix = "p\x00"
	pebbleSep           = "\x00"
)

// PebbleStore implements TableStore and PointerStore on an embedded Pebble database
type PebbleStore struct {
	db        *pebble.DB
	path      string
	mu        sync.Mutex // serializes table create/delete
	closeOnce sync.Once
	logger    *zap.Logger
}

type pebblePointer struct {
	Table     string    `json:"table"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewPebbleStore opens (or creates) a Pebble database in dir
func NewPebbleStore(dir string, logger *zap.Logger) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", dir, err)
	}
	return &PebbleStore{db: db, path: dir, logger: logger}, nil
}

func tableKey(table string) []byte {
	return []byte(pebbleTablePrefix + table)
}

func rowPrefix(table string) []byte {
	return []byte(pebbleRowPrefix + table + pebbleSep)
}

func rowKey(table, pk, rk string) []byte {
	return []byte(pebbleRowPrefix + table + pebbleSep + pk + pebbleSep + rk)
}

func pebblePointerKey(dataset, version string) []byte {
	return []byte(pebblePointerPrefix + dataset + pebbleSep + version)
}

// prefixUpperBound returns the smallest key greater than every key with prefix
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *PebbleStore) hasTable(table string) (bool, error) {
	_, closer, err := s.db.Get(tableKey(table))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up table %s: %w", table, err)
	}
	_ = closer.Close()
	return true, nil
}

// CreateTable registers a generation table
func (s *PebbleStore) CreateTable(ctx context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.hasTable(table)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrTableExists, table)
	}
	if err := s.db.Set(tableKey(table), []byte{}, pebble.Sync); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}
	return nil
}

// DeleteTable removes a generation table and all its rows
func (s *PebbleStore) DeleteTable(ctx context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.hasTable(table)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("table %s: %w", table, ErrNotFound)
	}

	b := s.db.NewBatch()
	defer func() { _ = b.Close() }()

	prefix := rowPrefix(table)
	if err := b.DeleteRange(prefix, prefixUpperBound(prefix), nil); err != nil {
		return fmt.Errorf("failed to delete rows of %s: %w", table, err)
	}
	if err := b.Delete(tableKey(table), nil); err != nil {
		return fmt.Errorf("failed to delete table %s: %w", table, err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", table, err)
	}
	return nil
}

// ListTables lists tables whose name starts with prefix
func (s *PebbleStore) ListTables(ctx context.Context, prefix string) ([]string, error) {
	lower := []byte(pebbleTablePrefix + prefix)
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound([]byte(pebbleTablePrefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer func() { _ = it.Close() }()

	var names []string
	for valid := it.First(); valid; valid = it.Next() {
		name := string(it.Key()[len(pebbleTablePrefix):])
		if !strings.HasPrefix(name, prefix) {
			break
		}
		names = append(names, name)
	}
	return names, it.Error()
}

// BatchWrite applies rows of one partition in a single Pebble batch
func (s *PebbleStore) BatchWrite(ctx context.Context, table, partitionKey string, rows []model.Row) error {
	if err := ValidateBatch(partitionKey, rows); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	exists, err := s.hasTable(table)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("table %s: %w", table, ErrNotFound)
	}

	b := s.db.NewBatch()
	defer func() { _ = b.Close() }()

	for _, row := range rows {
		data, err := encodeColumns(row.Columns)
		if err != nil {
			return err
		}
		if err := b.Set(rowKey(table, row.PartitionKey, row.RowKey), data, nil); err != nil {
			return fmt.Errorf("failed to stage %s/%s: %w", row.PartitionKey, row.RowKey, err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch to %s: %w", table, err)
	}
	return nil
}

// Query returns one page of rows in key order
func (s *PebbleStore) Query(ctx context.Context, table string, after *model.RowPosition, limit int) (model.Page, error) {
	if err := checkLimit(limit); err != nil {
		return model.Page{}, err
	}
	exists, err := s.hasTable(table)
	if err != nil {
		return model.Page{}, err
	}
	if !exists {
		return model.Page{}, fmt.Errorf("table %s: %w", table, ErrNotFound)
	}

	prefix := rowPrefix(table)
	lower := prefix
	if after != nil {
		// Smallest key after the given row
		lower = append(rowKey(table, after.PartitionKey, after.RowKey), 0)
	}

	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return model.Page{}, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer func() { _ = it.Close() }()

	rows := make([]model.Row, 0, limit+1)
	for valid := it.First(); valid && len(rows) <= limit; valid = it.Next() {
		rest := it.Key()[len(prefix):]
		i := bytes.IndexByte(rest, 0)
		if i < 0 {
			return model.Page{}, fmt.Errorf("malformed row key in table %s", table)
		}
		columns, err := decodeColumns(it.Value())
		if err != nil {
			return model.Page{}, err
		}
		rows = append(rows, model.Row{
			PartitionKey: string(rest[:i]),
			RowKey:       string(rest[i+1:]),
			Columns:      columns,
		})
	}
	if err := it.Error(); err != nil {
		return model.Page{}, fmt.Errorf("failed to scan %s: %w", table, err)
	}
	return trimPage(rows, limit), nil
}

// GetTableName returns the table published for (dataset, version)
func (s *PebbleStore) GetTableName(ctx context.Context, dataset, version string) (string, error) {
	value, closer, err := s.db.Get(pebblePointerKey(dataset, version))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get pointer: %w", err)
	}
	defer func() { _ = closer.Close() }()

	var p pebblePointer
	if err := json.Unmarshal(value, &p); err != nil {
		return "", fmt.Errorf("failed to unmarshal pointer: %w", err)
	}
	return p.Table, nil
}

// SetTableName overwrites the pointer for (dataset, version)
func (s *PebbleStore) SetTableName(ctx context.Context, dataset, version, table string) error {
	data, err := json.Marshal(pebblePointer{Table: table, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal pointer: %w", err)
	}
	if err := s.db.Set(pebblePointerKey(dataset, version), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to set pointer: %w", err)
	}
	return nil
}

// ListPointers lists the pointers of a dataset, or all pointers when dataset is empty
func (s *PebbleStore) ListPointers(ctx context.Context, dataset string) ([]model.TablePointer, error) {
	prefix := []byte(pebblePointerPrefix)
	if dataset != "" {
		prefix = []byte(pebblePointerPrefix + dataset + pebbleSep)
	}

	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer func() { _ = it.Close() }()

	var pointers []model.TablePointer
	for valid := it.First(); valid; valid = it.Next() {
		rest := it.Key()[len(pebblePointerPrefix):]
		i := bytes.IndexByte(rest, 0)
		if i < 0 {
			continue
		}
		var p pebblePointer
		if err := json.Unmarshal(it.Value(), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pointer: %w", err)
		}
		pointers = append(pointers, model.TablePointer{
			DatasetPrefix: string(rest[:i]),
			Version:       string(rest[i+1:]),
			TableName:     p.Table,
			UpdatedAt:     p.UpdatedAt,
		})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sortPointers(pointers)
	return pointers, nil
}

// Ping reports whether the database is open
func (s *PebbleStore) Ping(ctx context.Context) error {
	if _, err := s.hasTable("\x00ping"); err != nil {
		return err
	}
	return nil
}

// Close flushes and closes the database; later calls are no-ops
func (s *PebbleStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
		s.logger.Info("Pebble store closed", zap.String("path", s.path))
	})
	return err
}
