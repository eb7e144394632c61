package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hlameta/hlameta/internal/errors"
	"github.com/hlameta/hlameta/internal/keys"
	"github.com/hlameta/hlameta/internal/metrics"
	"github.com/hlameta/hlameta/internal/model"
	"github.com/hlameta/hlameta/internal/util/workerpool"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// TableReader loads a whole generation and forgets cached pointer resolutions
type TableReader interface {
	ReadAll(ctx context.Context, dataset, version string) ([]model.LookupEntry, error)
	Forget(dataset, version string)
}

// snapshot is an immutable, fully loaded (dataset, version)
type snapshot struct {
	byKey    map[string]model.LookupEntry
	ordered  []model.LookupEntry
	loadedAt time.Time
}

// LookupCache holds every entry of each requested (dataset, version) in
// memory. The first request for a key loads the whole table once; concurrent
// requests wait for that single load.
type LookupCache struct {
	reader      TableReader
	snapshots   *xsync.MapOf[string, *snapshot]
	group       singleflight.Group
	loadTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *zap.Logger

	// mu orders publication against invalidation
	mu     sync.Mutex
	epochs map[string]uint64
}

// NewLookupCache creates a new lookup cache
func NewLookupCache(reader TableReader, loadTimeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *LookupCache {
	return &LookupCache{
		reader:      reader,
		snapshots:   xsync.NewMapOf[string, *snapshot](),
		loadTimeout: loadTimeout,
		metrics:     m,
		logger:      logger,
		epochs:      make(map[string]uint64),
	}
}

// Get returns the entry stored under (partitionKey, rowKey)
func (c *LookupCache) Get(ctx context.Context, dataset, version, partitionKey, rowKey string) (model.LookupEntry, error) {
	snap, err := c.snapshot(ctx, dataset, version)
	if err != nil {
		return model.LookupEntry{}, err
	}

	entry, ok := snap.byKey[keys.CacheKey(partitionKey, rowKey)]
	if !ok {
		return model.LookupEntry{}, errors.NotFoundInStore(dataset, version, partitionKey, rowKey)
	}
	return entry, nil
}

// GetAll returns every entry of (dataset, version) ordered by key
func (c *LookupCache) GetAll(ctx context.Context, dataset, version string) ([]model.LookupEntry, error) {
	snap, err := c.snapshot(ctx, dataset, version)
	if err != nil {
		return nil, err
	}

	out := make([]model.LookupEntry, len(snap.ordered))
	copy(out, snap.ordered)
	return out, nil
}

// Invalidate drops the loaded snapshot of (dataset, version). A load already
// in flight still answers its waiters but is not published.
func (c *LookupCache) Invalidate(dataset, version string) {
	key := resolutionKey(dataset, version)

	c.mu.Lock()
	c.epochs[key]++
	c.snapshots.Delete(key)
	c.mu.Unlock()

	c.reader.Forget(dataset, version)
	c.metrics.CacheEntries.DeleteLabelValues(dataset, version)

	c.logger.Info("Lookup cache invalidated",
		zap.String("dataset", dataset),
		zap.String("version", version))
}

// Loaded lists the (dataset, version) pairs currently held in memory
func (c *LookupCache) Loaded() []model.DatasetVersion {
	var out []model.DatasetVersion
	c.snapshots.Range(func(key string, _ *snapshot) bool {
		dataset, version := splitResolutionKey(key)
		out = append(out, model.DatasetVersion{Dataset: dataset, Version: version})
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Dataset != out[j].Dataset {
			return out[i].Dataset < out[j].Dataset
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// Warm loads the given targets with up to workers concurrent loads. Failures
// are logged and returned joined; successful targets stay loaded.
func (c *LookupCache) Warm(ctx context.Context, targets []model.DatasetVersion, workers int) error {
	if len(targets) == 0 {
		return nil
	}

	pool := workerpool.NewWorkerPool(ctx, &workerpool.Config{
		Name:       "cache-warmup",
		MaxWorkers: workers,
		QueueSize:  len(targets),
		Logger:     c.logger,
	})

	for _, target := range targets {
		target := target
		err := pool.Submit(ctx, workerpool.Task{
			ID: target.Dataset + "@" + target.Version,
			Fn: func(ctx context.Context) error {
				_, err := c.snapshot(ctx, target.Dataset, target.Version)
				return err
			},
		})
		if err != nil {
			pool.Wait()
			return fmt.Errorf("failed to schedule warm-up: %w", err)
		}
	}

	var errs []error
	for _, result := range pool.Wait() {
		if result.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", result.TaskID, result.Err))
		}
	}

	c.logger.Info("Lookup cache warm-up finished",
		zap.Int("targets", len(targets)),
		zap.Int("failed", len(errs)))

	return stderrors.Join(errs...)
}

func (c *LookupCache) snapshot(ctx context.Context, dataset, version string) (*snapshot, error) {
	key := resolutionKey(dataset, version)
	if snap, ok := c.snapshots.Load(key); ok {
		c.metrics.CacheHits.WithLabelValues(dataset).Inc()
		return snap, nil
	}
	c.metrics.CacheMisses.WithLabelValues(dataset).Inc()

	c.mu.Lock()
	epoch := c.epochs[key]
	c.mu.Unlock()

	// The load outlives the caller that started it
	loadCtx := context.WithoutCancel(ctx)
	flight := fmt.Sprintf("%s\x00%d", key, epoch)
	ch := c.group.DoChan(flight, func() (interface{}, error) {
		// A flight that finished between our miss and DoChan already published
		if snap, ok := c.snapshots.Load(key); ok {
			return snap, nil
		}
		return c.load(loadCtx, dataset, version, key, epoch)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*snapshot), nil
	}
}

func (c *LookupCache) load(ctx context.Context, dataset, version, key string, epoch uint64) (*snapshot, error) {
	if c.loadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.loadTimeout)
		defer cancel()
	}

	start := time.Now()
	c.logger.Info("Loading lookup table",
		zap.String("dataset", dataset),
		zap.String("version", version))

	entries, err := c.reader.ReadAll(ctx, dataset, version)
	if err == nil && len(entries) == 0 {
		err = fmt.Errorf("table for %s version %s has no rows", dataset, version)
	}
	c.metrics.RecordCacheLoad(dataset, err, time.Since(start))
	if err != nil {
		c.logger.Error("Lookup table load failed",
			zap.String("dataset", dataset),
			zap.String("version", version),
			zap.Error(err))
		return nil, errors.CacheUnavailable(dataset, version, err)
	}

	snap, err := newSnapshot(entries)
	if err != nil {
		return nil, errors.CacheUnavailable(dataset, version, err)
	}

	c.mu.Lock()
	published := c.epochs[key] == epoch
	if published {
		c.snapshots.Store(key, snap)
	}
	c.mu.Unlock()

	if published {
		c.metrics.CacheEntries.WithLabelValues(dataset, version).Set(float64(len(snap.ordered)))
	}

	c.logger.Info("Lookup table loaded",
		zap.String("dataset", dataset),
		zap.String("version", version),
		zap.Int("entries", len(snap.ordered)),
		zap.Bool("published", published),
		zap.Duration("duration", time.Since(start)))

	return snap, nil
}

func newSnapshot(entries []model.LookupEntry) (*snapshot, error) {
	type keyed struct {
		pk, rk string
		entry  model.LookupEntry
	}
	rows := make([]keyed, 0, len(entries))
	byKey := make(map[string]model.LookupEntry, len(entries))

	for _, entry := range entries {
		pk, rk, err := keys.EntryKeys(entry)
		if err != nil {
			return nil, err
		}
		byKey[keys.CacheKey(pk, rk)] = entry
		rows = append(rows, keyed{pk: pk, rk: rk, entry: entry})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].pk != rows[j].pk {
			return rows[i].pk < rows[j].pk
		}
		return rows[i].rk < rows[j].rk
	})

	ordered := make([]model.LookupEntry, len(rows))
	for i, r := range rows {
		ordered[i] = r.entry
	}

	return &snapshot{byKey: byKey, ordered: ordered, loadedAt: time.Now()}, nil
}

func splitResolutionKey(key string) (dataset, version string) {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
