package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hlameta/hlameta/internal/keys"
	"github.com/hlameta/hlameta/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const postgresPointerTable = "hlameta_pointers"

// PostgresStore implements TableStore and PointerStore for PostgreSQL.
// Generation tables use the "C" collation so row order is byte-wise.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a new PostgreSQL store and ensures the pointer table exists
func NewPostgresStore(
	host string,
	port int,
	database, user, password string,
	maxConns, minConns int,
	logger *zap.Logger,
) (*PostgresStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		host, port, database, user, password, maxConns, minConns,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &PostgresStore{pool: pool, logger: logger}
	if err := s.ensurePointerTable(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensurePointerTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS ` + postgresPointerTable + ` (
			dataset    TEXT NOT NULL,
			version    TEXT NOT NULL,
			table_name TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (dataset, version)
		)
	`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create pointer table: %w", err)
	}
	return nil
}

func postgresIdent(table string) (string, error) {
	if err := keys.ValidateTableName(table); err != nil {
		return "", err
	}
	return pgx.Identifier{table}.Sanitize(), nil
}

// CreateTable creates a generation table
func (s *PostgresStore) CreateTable(ctx context.Context, table string) error {
	ident, err := postgresIdent(table)
	if err != nil {
		return err
	}

	query := `
		CREATE TABLE ` + ident + ` (
			partition_key TEXT COLLATE "C" NOT NULL,
			row_key       TEXT COLLATE "C" NOT NULL,
			columns       JSONB NOT NULL,
			PRIMARY KEY (partition_key, row_key)
		)
	`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("%w: %s", ErrTableExists, table)
		}
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}
	return nil
}

// DeleteTable drops a generation table
func (s *PostgresStore) DeleteTable(ctx context.Context, table string) error {
	ident, err := postgresIdent(table)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `DROP TABLE `+ident); err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return fmt.Errorf("table %s: %w", table, ErrNotFound)
		}
		return fmt.Errorf("failed to drop table %s: %w", table, err)
	}
	return nil
}

// ListTables lists generation tables in the current schema whose name starts with prefix
func (s *PostgresStore) ListTables(ctx context.Context, prefix string) ([]string, error) {
	query := `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_name LIKE $1
		ORDER BY table_name
	`
	rows, err := s.pool.Query(ctx, query, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		if name == postgresPointerTable || keys.ValidateTableName(name) != nil {
			continue
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// BatchWrite upserts rows of one partition in a single transaction
func (s *PostgresStore) BatchWrite(ctx context.Context, table, partitionKey string, rows []model.Row) error {
	if err := ValidateBatch(partitionKey, rows); err != nil {
		return err
	}
	ident, err := postgresIdent(table)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO ` + ident + ` (partition_key, row_key, columns)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (partition_key, row_key) DO UPDATE SET columns = EXCLUDED.columns
	`

	batch := &pgx.Batch{}
	for _, row := range rows {
		data, err := encodeColumns(row.Columns)
		if err != nil {
			return err
		}
		batch.Queue(query, row.PartitionKey, row.RowKey, string(data))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return fmt.Errorf("table %s: %w", table, ErrNotFound)
		}
		return fmt.Errorf("failed to write batch to %s: %w", table, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit batch to %s: %w", table, err)
	}
	return nil
}

// Query returns one page of rows in key order
func (s *PostgresStore) Query(ctx context.Context, table string, after *model.RowPosition, limit int) (model.Page, error) {
	if err := checkLimit(limit); err != nil {
		return model.Page{}, err
	}
	ident, err := postgresIdent(table)
	if err != nil {
		return model.Page{}, err
	}

	var rows pgx.Rows
	if after == nil {
		rows, err = s.pool.Query(ctx, `
			SELECT partition_key, row_key, columns FROM `+ident+`
			ORDER BY partition_key, row_key
			LIMIT $1`, limit+1)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT partition_key, row_key, columns FROM `+ident+`
			WHERE (partition_key, row_key) > ($1, $2)
			ORDER BY partition_key, row_key
			LIMIT $3`, after.PartitionKey, after.RowKey, limit+1)
	}
	if err != nil {
		return model.Page{}, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	result := make([]model.Row, 0, limit+1)
	for rows.Next() {
		var (
			row  model.Row
			data []byte
		)
		if err := rows.Scan(&row.PartitionKey, &row.RowKey, &data); err != nil {
			return model.Page{}, fmt.Errorf("failed to scan row: %w", err)
		}
		if row.Columns, err = decodeColumns(data); err != nil {
			return model.Page{}, err
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return model.Page{}, fmt.Errorf("table %s: %w", table, ErrNotFound)
		}
		return model.Page{}, fmt.Errorf("failed to query %s: %w", table, err)
	}
	return trimPage(result, limit), nil
}

// GetTableName returns the table published for (dataset, version)
func (s *PostgresStore) GetTableName(ctx context.Context, dataset, version string) (string, error) {
	query := `SELECT table_name FROM ` + postgresPointerTable + ` WHERE dataset = $1 AND version = $2`

	var table string
	err := s.pool.QueryRow(ctx, query, dataset, version).Scan(&table)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get pointer: %w", err)
	}
	return table, nil
}

// SetTableName overwrites the pointer for (dataset, version)
func (s *PostgresStore) SetTableName(ctx context.Context, dataset, version, table string) error {
	query := `
		INSERT INTO ` + postgresPointerTable + ` (dataset, version, table_name, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (dataset, version) DO UPDATE
		SET table_name = EXCLUDED.table_name, updated_at = EXCLUDED.updated_at
	`
	if _, err := s.pool.Exec(ctx, query, dataset, version, table, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to set pointer: %w", err)
	}
	return nil
}

// ListPointers lists the pointers of a dataset, or all pointers when dataset is empty
func (s *PostgresStore) ListPointers(ctx context.Context, dataset string) ([]model.TablePointer, error) {
	query := `
		SELECT dataset, version, table_name, updated_at
		FROM ` + postgresPointerTable + `
		WHERE $1 = '' OR dataset = $1
		ORDER BY dataset, version
	`
	rows, err := s.pool.Query(ctx, query, dataset)
	if err != nil {
		return nil, fmt.Errorf("failed to list pointers: %w", err)
	}
	defer rows.Close()

	var pointers []model.TablePointer
	for rows.Next() {
		var p model.TablePointer
		if err := rows.Scan(&p.DatasetPrefix, &p.Version, &p.TableName, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pointer: %w", err)
		}
		pointers = append(pointers, p)
	}
	return pointers, rows.Err()
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	s.logger.Info("PostgreSQL store closed")
	return nil
}
