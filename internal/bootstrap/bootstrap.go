// Package bootstrap builds the logger, stores and services shared by the
// server and admin binaries from a loaded configuration.
package bootstrap

import (
	"fmt"

	"github.com/hlameta/hlameta/internal/codec"
	"github.com/hlameta/hlameta/internal/config"
	"github.com/hlameta/hlameta/internal/consolidation"
	"github.com/hlameta/hlameta/internal/metrics"
	"github.com/hlameta/hlameta/internal/service"
	"github.com/hlameta/hlameta/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger initializes the zap logger from logging configuration
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}

	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stdout"}
	zc.ErrorOutputPaths = []string{"stderr"}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// Stores holds the table and pointer stores. A backend serving both roles is
// opened once and shared.
type Stores struct {
	Tables   store.TableStore
	Pointers store.PointerStore
	shared   bool
}

// Close closes every opened store
func (s *Stores) Close() error {
	var firstErr error
	if s.Pointers != nil && !s.shared {
		if err := s.Pointers.Close(); err != nil {
			firstErr = err
		}
	}
	if s.Tables != nil {
		if err := s.Tables.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// dualStore is a backend implementing both store roles
type dualStore interface {
	store.TableStore
	store.PointerStore
}

// OpenStores opens the configured table and pointer backends
func OpenStores(cfg *config.Config, logger *zap.Logger) (*Stores, error) {
	if cfg.Tables.Backend == config.BackendMemory {
		return &Stores{
			Tables:   store.NewMemoryTableStore(logger),
			Pointers: store.NewMemoryPointerStore(),
		}, nil
	}

	tables, err := openDual(cfg, cfg.Tables.Backend, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open table store: %w", err)
	}

	if cfg.Pointers.Backend == cfg.Tables.Backend {
		return &Stores{Tables: tables, Pointers: tables, shared: true}, nil
	}

	var pointers store.PointerStore
	switch cfg.Pointers.Backend {
	case config.BackendRedis:
		pointers, err = store.NewRedisPointerStore(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Pointers.KeyPrefix,
			logger,
		)
	case config.BackendMemory:
		pointers = store.NewMemoryPointerStore()
	default:
		pointers, err = openDual(cfg, cfg.Pointers.Backend, logger)
	}
	if err != nil {
		_ = tables.Close()
		return nil, fmt.Errorf("failed to open pointer store: %w", err)
	}

	return &Stores{Tables: tables, Pointers: pointers}, nil
}

func openDual(cfg *config.Config, backend string, logger *zap.Logger) (dualStore, error) {
	switch backend {
	case config.BackendSQLite:
		return store.NewSQLiteStore(cfg.SQLite.Path, logger)
	case config.BackendPebble:
		return store.NewPebbleStore(cfg.Pebble.Dir, logger)
	case config.BackendPostgres:
		return store.NewPostgresStore(
			cfg.Database.Host,
			cfg.Database.Port,
			cfg.Database.Database,
			cfg.Database.User,
			cfg.Database.Password,
			cfg.Database.MaxConnections,
			cfg.Database.MinConnections,
			logger,
		)
	default:
		return nil, fmt.Errorf("unsupported backend %q", backend)
	}
}

// PayloadTypes lists the row payload types of every built-in dataset
func PayloadTypes() map[string][]string {
	out := make(map[string][]string)
	for _, rules := range []consolidation.Rules{consolidation.MatchingRules(), consolidation.ScoringRules()} {
		out[rules.Dataset] = rules.OutputPayloadTypes
	}
	return out
}

// TableServiceConfig maps table and pointer settings onto the table service
func TableServiceConfig(cfg *config.Config) service.TableServiceConfig {
	return service.TableServiceConfig{
		WriteParallelism:    cfg.Tables.WriteParallelism,
		WritesPerSecond:     cfg.Tables.WritesPerSecond,
		WriteBurst:          cfg.Tables.WriteBurst,
		BatchTimeout:        cfg.Tables.BatchTimeout,
		MaxRetries:          cfg.Tables.MaxRetries,
		RetryMinBackoff:     cfg.Tables.RetryMinBackoff,
		RetryMaxBackoff:     cfg.Tables.RetryMaxBackoff,
		PageSize:            cfg.Tables.PageSize,
		PageTimeout:         cfg.Tables.PageTimeout,
		StrictDecode:        cfg.Tables.StrictDecode,
		ResolutionCacheSize: cfg.Pointers.ResolutionCacheSize,
		PayloadTypes:        PayloadTypes(),
	}
}

// NewTableService builds the versioned table service over stores
func NewTableService(cfg *config.Config, stores *Stores, m *metrics.Metrics, logger *zap.Logger) (*service.VersionedTableService, error) {
	return service.NewVersionedTableService(
		stores.Tables,
		stores.Pointers,
		codec.NewRowCodec(cfg.Tables.MaxColumnSize),
		TableServiceConfig(cfg),
		m,
		logger,
	)
}
