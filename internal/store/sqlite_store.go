package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hlameta/hlameta/internal/keys"
	"github.com/hlameta/hlameta/internal/model"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure go sqlite driver
)

const sqlitePointerTable = "hlameta_pointers"

// SQLiteStore implements TableStore and PointerStore on a single SQLite file.
// Each generation is its own SQL table; pointers live in hlameta_pointers.
type SQLiteStore struct {
	db        *sql.DB
	path      string
	closeOnce sync.Once
	logger    *zap.Logger
}

// NewSQLiteStore opens (or creates) the database at path
func NewSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if path == "" {
		path = "hlameta.db"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite allows a single writer
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS ` + sqlitePointerTable + ` (
		dataset TEXT NOT NULL,
		version TEXT NOT NULL,
		table_name TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (dataset, version)
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create pointer table: %w", err)
	}

	return &SQLiteStore{db: db, path: path, logger: logger}, nil
}

func sqliteIdent(table string) (string, error) {
	if err := keys.ValidateTableName(table); err != nil {
		return "", err
	}
	return `"` + table + `"`, nil
}

// CreateTable creates a generation table
func (s *SQLiteStore) CreateTable(ctx context.Context, table string) error {
	ident, err := sqliteIdent(table)
	if err != nil {
		return err
	}

	exists, err := s.tableExists(ctx, table)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrTableExists, table)
	}

	_, err = s.db.ExecContext(ctx, `CREATE TABLE `+ident+` (
		partition_key TEXT NOT NULL,
		row_key TEXT NOT NULL,
		columns BLOB NOT NULL,
		PRIMARY KEY (partition_key, row_key)
	)`)
	if err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return nil
}

// DeleteTable drops a generation table
func (s *SQLiteStore) DeleteTable(ctx context.Context, table string) error {
	ident, err := sqliteIdent(table)
	if err != nil {
		return err
	}

	exists, err := s.tableExists(ctx, table)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("table %s: %w", table, ErrNotFound)
	}

	if _, err := s.db.ExecContext(ctx, `DROP TABLE `+ident); err != nil {
		return fmt.Errorf("drop table %s: %w", table, err)
	}
	return nil
}

// ListTables lists generation tables whose name starts with prefix
func (s *SQLiteStore) ListTables(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if name == sqlitePointerTable || !strings.HasPrefix(name, prefix) {
			continue
		}
		if keys.ValidateTableName(name) != nil {
			continue
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// BatchWrite upserts rows of one partition in a single transaction
func (s *SQLiteStore) BatchWrite(ctx context.Context, table, partitionKey string, rows []model.Row) (retErr error) {
	if err := ValidateBatch(partitionKey, rows); err != nil {
		return err
	}
	ident, err := sqliteIdent(table)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO `+ident+` (partition_key, row_key, columns) VALUES (?, ?, ?)
		ON CONFLICT (partition_key, row_key) DO UPDATE SET columns = excluded.columns`)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return fmt.Errorf("table %s: %w", table, ErrNotFound)
		}
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, row := range rows {
		data, err := encodeColumns(row.Columns)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, row.PartitionKey, row.RowKey, data); err != nil {
			return fmt.Errorf("upsert %s/%s: %w", row.PartitionKey, row.RowKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Query returns one page of rows in key order
func (s *SQLiteStore) Query(ctx context.Context, table string, after *model.RowPosition, limit int) (model.Page, error) {
	if err := checkLimit(limit); err != nil {
		return model.Page{}, err
	}
	ident, err := sqliteIdent(table)
	if err != nil {
		return model.Page{}, err
	}

	var result *sql.Rows
	if after == nil {
		result, err = s.db.QueryContext(ctx,
			`SELECT partition_key, row_key, columns FROM `+ident+` ORDER BY partition_key, row_key LIMIT ?`,
			limit+1)
	} else {
		result, err = s.db.QueryContext(ctx,
			`SELECT partition_key, row_key, columns FROM `+ident+`
			 WHERE partition_key > ? OR (partition_key = ? AND row_key > ?)
			 ORDER BY partition_key, row_key LIMIT ?`,
			after.PartitionKey, after.PartitionKey, after.RowKey, limit+1)
	}
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return model.Page{}, fmt.Errorf("table %s: %w", table, ErrNotFound)
		}
		return model.Page{}, fmt.Errorf("query %s: %w", table, err)
	}
	defer func() { _ = result.Close() }()

	rows := make([]model.Row, 0, limit+1)
	for result.Next() {
		var (
			row  model.Row
			data []byte
		)
		if err := result.Scan(&row.PartitionKey, &row.RowKey, &data); err != nil {
			return model.Page{}, fmt.Errorf("scan: %w", err)
		}
		if row.Columns, err = decodeColumns(data); err != nil {
			return model.Page{}, err
		}
		rows = append(rows, row)
	}
	if err := result.Err(); err != nil {
		return model.Page{}, fmt.Errorf("query %s: %w", table, err)
	}
	return trimPage(rows, limit), nil
}

// GetTableName returns the table published for (dataset, version)
func (s *SQLiteStore) GetTableName(ctx context.Context, dataset, version string) (string, error) {
	var table string
	err := s.db.QueryRowContext(ctx,
		`SELECT table_name FROM `+sqlitePointerTable+` WHERE dataset = ? AND version = ?`,
		dataset, version).Scan(&table)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get pointer: %w", err)
	}
	return table, nil
}

// SetTableName overwrites the pointer for (dataset, version)
func (s *SQLiteStore) SetTableName(ctx context.Context, dataset, version, table string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+sqlitePointerTable+` (dataset, version, table_name, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (dataset, version) DO UPDATE SET table_name = excluded.table_name, updated_at = excluded.updated_at`,
		dataset, version, table, time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("set pointer: %w", err)
	}
	return nil
}

// ListPointers lists the pointers of a dataset, or all pointers when dataset is empty
func (s *SQLiteStore) ListPointers(ctx context.Context, dataset string) ([]model.TablePointer, error) {
	query := `SELECT dataset, version, table_name, updated_at FROM ` + sqlitePointerTable
	args := []interface{}{}
	if dataset != "" {
		query += ` WHERE dataset = ?`
		args = append(args, dataset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pointers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var pointers []model.TablePointer
	for rows.Next() {
		var (
			p       model.TablePointer
			updated int64
		)
		if err := rows.Scan(&p.DatasetPrefix, &p.Version, &p.TableName, &updated); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		p.UpdatedAt = time.Unix(0, updated).UTC()
		pointers = append(pointers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortPointers(pointers)
	return pointers, nil
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database; later calls are no-ops
func (s *SQLiteStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
		s.logger.Info("SQLite store closed", zap.String("path", s.path))
	})
	return err
}

// Path returns the configured database path
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) tableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup table %s: %w", table, err)
	}
	return n > 0, nil
}
