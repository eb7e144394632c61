package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hlameta/hlameta/internal/codec"
	"github.com/hlameta/hlameta/internal/errors"
	"github.com/hlameta/hlameta/internal/keys"
	"github.com/hlameta/hlameta/internal/metrics"
	"github.com/hlameta/hlameta/internal/model"
	"github.com/hlameta/hlameta/internal/store"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// TableServiceConfig holds write, read and pointer resolution settings
type TableServiceConfig struct {
	WriteParallelism    int
	WritesPerSecond     float64
	WriteBurst          int
	BatchTimeout        time.Duration
	MaxRetries          int
	RetryMinBackoff     time.Duration
	RetryMaxBackoff     time.Duration
	PageSize            int
	PageTimeout         time.Duration
	StrictDecode        bool
	ResolutionCacheSize int

	// PayloadTypes lists the payload types expected per dataset prefix.
	// Datasets without an entry accept any stored payload type.
	PayloadTypes map[string][]string
}

// RecreateResult describes one completed recreation
type RecreateResult struct {
	Dataset      string
	Version      string
	TableName    string
	Entries      int
	Partitions   int
	Batches      int
	PayloadBytes int64
	Duration     time.Duration
}

// VersionedTableService writes immutable generation tables and resolves the
// table currently serving each (dataset, version).
type VersionedTableService struct {
	tables   store.TableStore
	pointers store.PointerStore
	codec    *codec.RowCodec
	limiter  *rate.Limiter
	resolved *lru.Cache[string, model.TableHandle]
	cfg      TableServiceConfig
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	// resolveMu orders resolution caching against invalidation
	resolveMu sync.Mutex
	epochs    map[string]uint64
}

// NewVersionedTableService creates a new versioned table service
func NewVersionedTableService(
	tables store.TableStore,
	pointers store.PointerStore,
	rowCodec *codec.RowCodec,
	cfg TableServiceConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) (*VersionedTableService, error) {
	if cfg.WriteParallelism <= 0 {
		cfg.WriteParallelism = 1
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 1000
	}
	if cfg.ResolutionCacheSize <= 0 {
		cfg.ResolutionCacheSize = 256
	}
	if cfg.WriteBurst <= 0 {
		cfg.WriteBurst = 1
	}

	limit := rate.Inf
	if cfg.WritesPerSecond > 0 {
		limit = rate.Limit(cfg.WritesPerSecond)
	}

	resolved, err := lru.New[string, model.TableHandle](cfg.ResolutionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolution cache: %w", err)
	}

	return &VersionedTableService{
		tables:   tables,
		pointers: pointers,
		codec:    rowCodec,
		limiter:  rate.NewLimiter(limit, cfg.WriteBurst),
		resolved: resolved,
		cfg:      cfg,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
		epochs:   make(map[string]uint64),
	}, nil
}

// partitionBatches is the ordered write plan of one partition
type partitionBatches struct {
	partitionKey string
	batches      [][]model.Row
}

// Recreate writes entries into a fresh table and, only once every batch has
// succeeded, points (dataset, version) at it. On failure the pointer is left
// untouched and the partial table is abandoned for CollectOrphans.
func (s *VersionedTableService) Recreate(ctx context.Context, dataset, version string, entries []model.LookupEntry) (*RecreateResult, error) {
	start := s.now()

	plan, payloadBytes, err := s.planWrites(entries)
	if err != nil {
		return nil, err
	}

	table, err := keys.TableName(dataset, version, keys.GenerationSuffix(start))
	if err != nil {
		return nil, err
	}

	if err := s.tables.CreateTable(ctx, table); err != nil {
		return nil, fmt.Errorf("failed to create table %s: %w", table, err)
	}

	s.logger.Info("Writing generation table",
		zap.String("dataset", dataset),
		zap.String("version", version),
		zap.String("table", table),
		zap.Int("entries", len(entries)),
		zap.Int("partitions", len(plan)))

	// Partitions in parallel, batches of one partition in order
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.WriteParallelism)

	batches := 0
	for _, p := range plan {
		p := p
		batches += len(p.batches)
		g.Go(func() error {
			for i, batch := range p.batches {
				if err := s.writeBatch(gctx, dataset, table, p.partitionKey, i, batch); err != nil {
					return err
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.logger.Error("Generation table write failed, pointer left unchanged",
			zap.String("dataset", dataset),
			zap.String("version", version),
			zap.String("table", table),
			zap.Error(err))
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		s.logger.Warn("Recreation cancelled before pointer swap",
			zap.String("dataset", dataset),
			zap.String("version", version),
			zap.String("table", table))
		return nil, err
	}

	if err := s.pointers.SetTableName(ctx, dataset, version, table); err != nil {
		return nil, fmt.Errorf("failed to update pointer for %s version %s: %w", dataset, version, err)
	}
	s.Forget(dataset, version)

	result := &RecreateResult{
		Dataset:      dataset,
		Version:      version,
		TableName:    table,
		Entries:      len(entries),
		Partitions:   len(plan),
		Batches:      batches,
		PayloadBytes: payloadBytes,
		Duration:     s.now().Sub(start),
	}

	s.logger.Info("Pointer swapped to new generation table",
		zap.String("dataset", dataset),
		zap.String("version", version),
		zap.String("table", table),
		zap.Duration("duration", result.Duration))

	return result, nil
}

// planWrites encodes every entry and groups the rows into per-partition batches
func (s *VersionedTableService) planWrites(entries []model.LookupEntry) ([]partitionBatches, int64, error) {
	byPartition := make(map[string][]model.Row)
	seen := make(map[string]struct{}, len(entries))
	var payloadBytes int64

	for _, entry := range entries {
		row, err := s.codec.Encode(entry)
		if err != nil {
			return nil, 0, err
		}
		key := keys.CacheKey(row.PartitionKey, row.RowKey)
		if _, dup := seen[key]; dup {
			return nil, 0, errors.InvalidArgument("duplicate entry key", nil).
				WithDetail("partition_key", row.PartitionKey).
				WithDetail("row_key", row.RowKey)
		}
		seen[key] = struct{}{}
		payloadBytes += int64(len(entry.Payload))
		byPartition[row.PartitionKey] = append(byPartition[row.PartitionKey], row)
	}

	plan := make([]partitionBatches, 0, len(byPartition))
	for pk, rows := range byPartition {
		sort.Slice(rows, func(i, j int) bool { return rows[i].RowKey < rows[j].RowKey })

		p := partitionBatches{partitionKey: pk}
		for len(rows) > 0 {
			n := store.MaxBatchOperations
			if len(rows) < n {
				n = len(rows)
			}
			p.batches = append(p.batches, rows[:n])
			rows = rows[n:]
		}
		plan = append(plan, p)
	}
	sort.Slice(plan, func(i, j int) bool { return plan[i].partitionKey < plan[j].partitionKey })

	return plan, payloadBytes, nil
}

// writeBatch writes one batch with throttling, a per-attempt timeout and
// bounded retries.
func (s *VersionedTableService) writeBatch(ctx context.Context, dataset, table, partitionKey string, index int, rows []model.Row) error {
	b := &backoff.Backoff{
		Min:    s.cfg.RetryMinBackoff,
		Max:    s.cfg.RetryMaxBackoff,
		Factor: 2,
		Jitter: true,
	}

	for attempt := 0; ; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}

		err := s.withTimeout(ctx, s.cfg.BatchTimeout, func(actx context.Context) error {
			return s.tables.BatchWrite(actx, table, partitionKey, rows)
		})
		if err == nil {
			s.metrics.RecordBatch(dataset, len(rows))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable(err) || attempt >= s.cfg.MaxRetries {
			return errors.BatchWriteFailure(table, partitionKey, index, len(rows), err).
				WithDetail("attempts", attempt+1)
		}

		wait := b.Duration()
		s.metrics.RecordRetry(dataset, "batch_write")
		s.logger.Warn("Batch write failed, retrying",
			zap.String("table", table),
			zap.String("partition_key", partitionKey),
			zap.Int("batch", index),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err))

		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// CurrentTable resolves the table serving (dataset, version). A resolution
// that raced with Forget or a pointer swap is returned but not cached.
func (s *VersionedTableService) CurrentTable(ctx context.Context, dataset, version string) (model.TableHandle, error) {
	key := resolutionKey(dataset, version)
	if handle, ok := s.resolved.Get(key); ok {
		return handle, nil
	}

	s.resolveMu.Lock()
	epoch := s.epochs[key]
	s.resolveMu.Unlock()

	table, err := s.pointers.GetTableName(ctx, dataset, version)
	if err != nil {
		if stderrors.Is(err, store.ErrNotFound) {
			return model.TableHandle{}, errors.VersionNotPublished(dataset, version)
		}
		return model.TableHandle{}, fmt.Errorf("failed to resolve pointer for %s version %s: %w", dataset, version, err)
	}

	handle := model.TableHandle{
		Dataset:    dataset,
		Version:    version,
		TableName:  table,
		ResolvedAt: s.now(),
	}

	s.resolveMu.Lock()
	cached := s.epochs[key] == epoch
	if cached {
		s.resolved.Add(key, handle)
	}
	s.resolveMu.Unlock()

	s.logger.Debug("Pointer resolved",
		zap.String("dataset", dataset),
		zap.String("version", version),
		zap.String("table", table),
		zap.Bool("cached", cached))

	return handle, nil
}

// Forget drops the cached pointer resolution of (dataset, version)
func (s *VersionedTableService) Forget(dataset, version string) {
	key := resolutionKey(dataset, version)

	s.resolveMu.Lock()
	s.epochs[key]++
	s.resolved.Remove(key)
	s.resolveMu.Unlock()
}

// ReadAll resolves the current table and decodes every row in key order.
// Rows that fail to decode are skipped with a warning unless StrictDecode is
// set, in which case the first failure aborts the read.
func (s *VersionedTableService) ReadAll(ctx context.Context, dataset, version string) ([]model.LookupEntry, error) {
	handle, err := s.CurrentTable(ctx, dataset, version)
	if err != nil {
		return nil, err
	}

	expected := s.cfg.PayloadTypes[dataset]
	var (
		entries []model.LookupEntry
		after   *model.RowPosition
		skipped int
	)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := s.queryPage(ctx, dataset, handle.TableName, after)
		if err != nil {
			return nil, err
		}

		for _, row := range page.Rows {
			entry, err := s.codec.Decode(row, expected...)
			if err != nil {
				if s.cfg.StrictDecode {
					return nil, err
				}
				skipped++
				s.metrics.DecodeSkips.WithLabelValues(dataset, errors.GetCode(err).String()).Inc()
				s.logger.Warn("Skipping row that failed to decode",
					zap.String("table", handle.TableName),
					zap.String("partition_key", row.PartitionKey),
					zap.String("row_key", row.RowKey),
					zap.Error(err))
				continue
			}
			entries = append(entries, entry)
		}

		if page.Next == nil {
			break
		}
		after = page.Next
	}

	s.logger.Debug("Generation table read",
		zap.String("table", handle.TableName),
		zap.Int("entries", len(entries)),
		zap.Int("skipped", skipped))

	return entries, nil
}

// queryPage reads one page with a per-attempt timeout and bounded retries
func (s *VersionedTableService) queryPage(ctx context.Context, dataset, table string, after *model.RowPosition) (model.Page, error) {
	b := &backoff.Backoff{
		Min:    s.cfg.RetryMinBackoff,
		Max:    s.cfg.RetryMaxBackoff,
		Factor: 2,
		Jitter: true,
	}

	for attempt := 0; ; attempt++ {
		var page model.Page
		err := s.withTimeout(ctx, s.cfg.PageTimeout, func(actx context.Context) error {
			var qerr error
			page, qerr = s.tables.Query(actx, table, after, s.cfg.PageSize)
			return qerr
		})
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil {
			return model.Page{}, ctx.Err()
		}
		if !retryable(err) || attempt >= s.cfg.MaxRetries {
			return model.Page{}, fmt.Errorf("failed to query table %s: %w", table, err)
		}

		wait := b.Duration()
		s.metrics.RecordRetry(dataset, "query")
		s.logger.Warn("Page query failed, retrying",
			zap.String("table", table),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(err))

		if err := sleep(ctx, wait); err != nil {
			return model.Page{}, err
		}
	}
}

// CollectOrphans deletes tables of dataset that no pointer references and
// that were created more than grace ago. It returns the deleted names.
func (s *VersionedTableService) CollectOrphans(ctx context.Context, dataset string, grace time.Duration) ([]string, error) {
	tables, err := s.tables.ListTables(ctx, keys.TablePrefix(dataset, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}

	// Every pointer counts, not only this dataset's
	pointers, err := s.pointers.ListPointers(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list pointers: %w", err)
	}
	referenced := make(map[string]struct{}, len(pointers))
	for _, p := range pointers {
		referenced[p.TableName] = struct{}{}
	}

	cutoff := s.now().Add(-grace)
	var deleted []string
	for _, table := range tables {
		if _, ok := referenced[table]; ok {
			continue
		}
		created, ok := keys.GenerationTime(table)
		if !ok || created.After(cutoff) {
			continue
		}

		if err := s.tables.DeleteTable(ctx, table); err != nil && !stderrors.Is(err, store.ErrNotFound) {
			return deleted, fmt.Errorf("failed to delete orphan table %s: %w", table, err)
		}
		deleted = append(deleted, table)
		s.metrics.OrphansDeleted.WithLabelValues(dataset).Inc()

		s.logger.Info("Deleted orphan table",
			zap.String("dataset", dataset),
			zap.String("table", table),
			zap.Time("created", created))
	}

	return deleted, nil
}

// Pointers lists the published pointers of dataset, or of all datasets
func (s *VersionedTableService) Pointers(ctx context.Context, dataset string) ([]model.TablePointer, error) {
	return s.pointers.ListPointers(ctx, dataset)
}

func (s *VersionedTableService) withTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(actx)
}

// retryable reports whether a store error may succeed on another attempt
func retryable(err error) bool {
	switch {
	case stderrors.Is(err, store.ErrInvalidBatch),
		stderrors.Is(err, store.ErrNotFound),
		errors.IsLookupError(err):
		return false
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func resolutionKey(dataset, version string) string {
	return dataset + "\x00" + version
}
