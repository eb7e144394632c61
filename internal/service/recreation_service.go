package service

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hlameta/hlameta/internal/consolidation"
	"github.com/hlameta/hlameta/internal/errors"
	"github.com/hlameta/hlameta/internal/metrics"
	"github.com/hlameta/hlameta/internal/model"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// Publisher writes a generation and swaps the pointer to it
type Publisher interface {
	Recreate(ctx context.Context, dataset, version string, entries []model.LookupEntry) (*RecreateResult, error)
}

// Invalidator drops cached state of a dataset version
type Invalidator interface {
	Invalidate(dataset, version string)
}

// RecreationSummary reports a completed recreation
type RecreationSummary struct {
	RecreateResult
	Records      int
	Consolidated consolidation.Stats
}

// RecreationService rebuilds a dataset version from matched-typing records.
// At most one recreation per dataset runs at a time.
type RecreationService struct {
	engine      *consolidation.Engine
	publisher   Publisher
	invalidator Invalidator
	running     *xsync.MapOf[string, time.Time]
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewRecreationService creates a new recreation service
func NewRecreationService(
	engine *consolidation.Engine,
	publisher Publisher,
	invalidator Invalidator,
	m *metrics.Metrics,
	logger *zap.Logger,
) *RecreationService {
	return &RecreationService{
		engine:      engine,
		publisher:   publisher,
		invalidator: invalidator,
		running:     xsync.NewMapOf[string, time.Time](),
		metrics:     m,
		logger:      logger,
	}
}

// Recreate consolidates records with rules and publishes them as version
func (s *RecreationService) Recreate(ctx context.Context, rules consolidation.Rules, version string, records []model.MatchedTyping) (*RecreationSummary, error) {
	dataset := rules.Dataset
	if err := validateTarget(dataset, version); err != nil {
		return nil, err
	}

	start := time.Now()
	if since, busy := s.running.LoadOrStore(dataset, start); busy {
		return nil, errors.RecreationInProgress(dataset).
			WithDetail("running_since", since)
	}
	defer s.running.Delete(dataset)

	summary, err := s.recreate(ctx, rules, version, records)
	s.metrics.RecordRecreation(dataset, err, time.Since(start))
	if err != nil {
		s.logger.Error("Recreation failed",
			zap.String("dataset", dataset),
			zap.String("version", version),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("Recreation completed",
		zap.String("dataset", dataset),
		zap.String("version", version),
		zap.String("table", summary.TableName),
		zap.String("records", humanize.Comma(int64(summary.Records))),
		zap.String("entries", humanize.Comma(int64(summary.Entries))),
		zap.Int("partitions", summary.Partitions),
		zap.Int("batches", summary.Batches),
		zap.String("payload", humanize.Bytes(uint64(summary.PayloadBytes))),
		zap.Duration("duration", time.Since(start)))

	return summary, nil
}

func (s *RecreationService) recreate(ctx context.Context, rules consolidation.Rules, version string, records []model.MatchedTyping) (*RecreationSummary, error) {
	entries, stats, err := s.engine.Consolidate(ctx, rules, records)
	if err != nil {
		return nil, err
	}

	result, err := s.publisher.Recreate(ctx, rules.Dataset, version, entries)
	if err != nil {
		return nil, err
	}

	s.invalidator.Invalidate(rules.Dataset, version)

	return &RecreationSummary{
		RecreateResult: *result,
		Records:        len(records),
		Consolidated:   stats,
	}, nil
}

// Running lists the datasets with a recreation in progress
func (s *RecreationService) Running() map[string]time.Time {
	out := make(map[string]time.Time)
	s.running.Range(func(dataset string, since time.Time) bool {
		out[dataset] = since
		return true
	})
	return out
}
