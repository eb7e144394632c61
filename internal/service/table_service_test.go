package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hlameta/hlameta/internal/codec"
	"github.com/hlameta/hlameta/internal/errors"
	"github.com/hlameta/hlameta/internal/keys"
	"github.com/hlameta/hlameta/internal/metrics"
	"github.com/hlameta/hlameta/internal/model"
	"github.com/hlameta/hlameta/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testDataset = "HlaMatchingLookup"
	testTag     = "MatchingPGroups"
)

func testTableConfig() TableServiceConfig {
	return TableServiceConfig{
		WriteParallelism: 4,
		BatchTimeout:     time.Second,
		MaxRetries:       2,
		RetryMinBackoff:  time.Millisecond,
		RetryMaxBackoff:  5 * time.Millisecond,
		PageSize:         7,
		PageTimeout:      time.Second,
		PayloadTypes:     map[string][]string{testDataset: {testTag}},
	}
}

type tableFixture struct {
	tables   *store.MemoryTableStore
	pointers *store.MemoryPointerStore
	service  *VersionedTableService
}

func newTableFixture(t *testing.T, cfg TableServiceConfig) *tableFixture {
	t.Helper()
	tables := store.NewMemoryTableStore(zap.NewNop())
	pointers := store.NewMemoryPointerStore()
	svc, err := NewVersionedTableService(tables, pointers, codec.NewRowCodec(0), cfg, metrics.NewMetrics(nil), zap.NewNop())
	require.NoError(t, err)
	return &tableFixture{tables: tables, pointers: pointers, service: svc}
}

func matchingEntry(locus model.Locus, name string, groups string) model.LookupEntry {
	return model.LookupEntry{
		Locus:        locus,
		TypingMethod: model.TypingMethodMolecular,
		LookupName:   name,
		PayloadType:  testTag,
		Payload:      []byte(fmt.Sprintf(`[%q]`, groups)),
	}
}

func entriesAt(locus model.Locus, n int, groups string) []model.LookupEntry {
	entries := make([]model.LookupEntry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, matchingEntry(locus, fmt.Sprintf("%02d:%03d", i/100+1, i), groups))
	}
	return entries
}

func TestRecreate_BatchesRespectPartitionAndSize(t *testing.T) {
	f := newTableFixture(t, testTableConfig())

	var (
		mu      sync.Mutex
		batches []int
	)
	f.tables.OnBatchWrite(func(table, partitionKey string, rows []model.Row) error {
		for _, row := range rows {
			if row.PartitionKey != partitionKey {
				return fmt.Errorf("mixed partition in batch: %s", row.PartitionKey)
			}
		}
		mu.Lock()
		batches = append(batches, len(rows))
		mu.Unlock()
		return nil
	})

	var entries []model.LookupEntry
	entries = append(entries, entriesAt(model.LocusA, 250, "01:01P")...)
	entries = append(entries, entriesAt(model.LocusB, 30, "07:02P")...)
	entries = append(entries, entriesAt(model.LocusC, 5, "04:01P")...)

	result, err := f.service.Recreate(context.Background(), testDataset, "3.55.0", entries)
	require.NoError(t, err)

	assert.Equal(t, 285, result.Entries)
	assert.Equal(t, 3, result.Partitions)
	assert.Equal(t, 5, result.Batches)
	assert.Len(t, batches, 5)
	for _, n := range batches {
		assert.LessOrEqual(t, n, store.MaxBatchOperations)
	}
	assert.Equal(t, 285, f.tables.RowCount(result.TableName))

	handle, err := f.service.CurrentTable(context.Background(), testDataset, "3.55.0")
	require.NoError(t, err)
	assert.Equal(t, result.TableName, handle.TableName)

	read, err := f.service.ReadAll(context.Background(), testDataset, "3.55.0")
	require.NoError(t, err)
	require.Len(t, read, 285)
	assert.Equal(t, model.LocusA, read[0].Locus)
	assert.Equal(t, model.LocusC, read[len(read)-1].Locus)
}

func TestRecreate_FailedLastBatchKeepsPointer(t *testing.T) {
	cfg := testTableConfig()
	cfg.WriteParallelism = 1
	f := newTableFixture(t, cfg)
	ctx := context.Background()

	old, err := f.service.Recreate(ctx, testDataset, "1.0.0", []model.LookupEntry{
		matchingEntry(model.LocusA, "01:01", "old"),
		matchingEntry(model.LocusDrb1, "04:01", "old"),
	})
	require.NoError(t, err)

	var attempts int32
	f.tables.OnBatchWrite(func(table, partitionKey string, rows []model.Row) error {
		if partitionKey == string(model.LocusDrb1) {
			atomic.AddInt32(&attempts, 1)
			return stderrors.New("throttled")
		}
		return nil
	})

	_, err = f.service.Recreate(ctx, testDataset, "1.0.0", []model.LookupEntry{
		matchingEntry(model.LocusA, "01:01", "new"),
		matchingEntry(model.LocusDrb1, "04:01", "new"),
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeBatchWriteFailure))
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))

	table, err := f.pointers.GetTableName(ctx, testDataset, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, old.TableName, table)

	f.tables.OnBatchWrite(nil)
	cache := NewLookupCache(f.service, time.Second, metrics.NewMetrics(nil), zap.NewNop())
	entry, err := cache.Get(ctx, testDataset, "1.0.0", "A", "01:01-Molecular")
	require.NoError(t, err)
	assert.JSONEq(t, `["old"]`, string(entry.Payload))
}

func TestRecreate_NonRetryableFailure(t *testing.T) {
	f := newTableFixture(t, testTableConfig())

	var attempts int32
	f.tables.OnBatchWrite(func(table, partitionKey string, rows []model.Row) error {
		atomic.AddInt32(&attempts, 1)
		return fmt.Errorf("rejected: %w", store.ErrInvalidBatch)
	})

	_, err := f.service.Recreate(context.Background(), testDataset, "1.0.0", entriesAt(model.LocusA, 3, "x"))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeBatchWriteFailure))
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestRecreate_DuplicateKey(t *testing.T) {
	f := newTableFixture(t, testTableConfig())

	_, err := f.service.Recreate(context.Background(), testDataset, "1.0.0", []model.LookupEntry{
		matchingEntry(model.LocusA, "01:01", "a"),
		matchingEntry(model.LocusA, "01:01", "b"),
	})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))

	tables, err := f.tables.ListTables(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, tables)
}

func TestRecreate_NULPayloadWritesNothing(t *testing.T) {
	f := newTableFixture(t, testTableConfig())

	entries := entriesAt(model.LocusA, 5, "01:01P")
	entries[3].Payload = []byte("[\"01:01P\x00\"]")

	_, err := f.service.Recreate(context.Background(), testDataset, "1.0.0", entries)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))

	tables, err := f.tables.ListTables(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, tables)

	_, err = f.pointers.GetTableName(context.Background(), testDataset, "1.0.0")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecreate_CancelledBeforeSwap(t *testing.T) {
	f := newTableFixture(t, testTableConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f.tables.OnBatchWrite(func(table, partitionKey string, rows []model.Row) error {
		cancel()
		return nil
	})

	_, err := f.service.Recreate(ctx, testDataset, "1.0.0", entriesAt(model.LocusA, 1, "x"))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = f.pointers.GetTableName(context.Background(), testDataset, "1.0.0")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCurrentTable(t *testing.T) {
	f := newTableFixture(t, testTableConfig())
	ctx := context.Background()

	_, err := f.service.CurrentTable(ctx, testDataset, "9.9.9")
	assert.True(t, errors.IsCode(err, errors.ErrCodeVersionNotPublished))

	require.NoError(t, f.pointers.SetTableName(ctx, testDataset, "1.0.0", "TableOne"))
	handle, err := f.service.CurrentTable(ctx, testDataset, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "TableOne", handle.TableName)

	// Resolution is cached until forgotten
	require.NoError(t, f.pointers.SetTableName(ctx, testDataset, "1.0.0", "TableTwo"))
	handle, err = f.service.CurrentTable(ctx, testDataset, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "TableOne", handle.TableName)

	f.service.Forget(testDataset, "1.0.0")
	handle, err = f.service.CurrentTable(ctx, testDataset, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "TableTwo", handle.TableName)
}

// pausingPointerStore holds the next GetTableName after it has read the
// pointer until release is closed.
type pausingPointerStore struct {
	*store.MemoryPointerStore
	armed   atomic.Bool
	read    chan struct{}
	release chan struct{}
}

func (p *pausingPointerStore) GetTableName(ctx context.Context, dataset, version string) (string, error) {
	table, err := p.MemoryPointerStore.GetTableName(ctx, dataset, version)
	if p.armed.CompareAndSwap(true, false) {
		close(p.read)
		<-p.release
	}
	return table, err
}

func TestCurrentTable_ResolutionRacingRecreateIsNotCached(t *testing.T) {
	ctx := context.Background()
	pointers := &pausingPointerStore{
		MemoryPointerStore: store.NewMemoryPointerStore(),
		read:               make(chan struct{}),
		release:            make(chan struct{}),
	}
	svc, err := NewVersionedTableService(store.NewMemoryTableStore(zap.NewNop()), pointers, codec.NewRowCodec(0),
		testTableConfig(), metrics.NewMetrics(nil), zap.NewNop())
	require.NoError(t, err)

	old, err := svc.Recreate(ctx, testDataset, "1.0.0", entriesAt(model.LocusA, 3, "old"))
	require.NoError(t, err)

	pointers.armed.Store(true)
	resolved := make(chan model.TableHandle, 1)
	go func() {
		handle, err := svc.CurrentTable(ctx, testDataset, "1.0.0")
		assert.NoError(t, err)
		resolved <- handle
	}()
	<-pointers.read

	fresh, err := svc.Recreate(ctx, testDataset, "1.0.0", entriesAt(model.LocusA, 3, "new"))
	require.NoError(t, err)
	require.NotEqual(t, old.TableName, fresh.TableName)

	close(pointers.release)
	assert.Equal(t, old.TableName, (<-resolved).TableName)

	handle, err := svc.CurrentTable(ctx, testDataset, "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, fresh.TableName, handle.TableName)

	read, err := svc.ReadAll(ctx, testDataset, "1.0.0")
	require.NoError(t, err)
	require.Len(t, read, 3)
	assert.JSONEq(t, `["new"]`, string(read[0].Payload))
}

func writeRawTable(t *testing.T, f *tableFixture, version string, entries ...model.LookupEntry) {
	t.Helper()
	ctx := context.Background()
	rowCodec := codec.NewRowCodec(0)

	table := "Raw" + keys.TablePrefix(testDataset, version)
	require.NoError(t, f.tables.CreateTable(ctx, table))
	for _, entry := range entries {
		row, err := rowCodec.Encode(entry)
		require.NoError(t, err)
		require.NoError(t, f.tables.BatchWrite(ctx, table, row.PartitionKey, []model.Row{row}))
	}
	require.NoError(t, f.pointers.SetTableName(ctx, testDataset, version, table))
}

func TestReadAll_DecodePolicy(t *testing.T) {
	foreign := matchingEntry(model.LocusB, "07:02", "x")
	foreign.PayloadType = "SomethingElse"

	t.Run("skip", func(t *testing.T) {
		f := newTableFixture(t, testTableConfig())
		writeRawTable(t, f, "1.0.0", matchingEntry(model.LocusA, "01:01", "x"), foreign)

		entries, err := f.service.ReadAll(context.Background(), testDataset, "1.0.0")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "01:01", entries[0].LookupName)
	})

	t.Run("strict", func(t *testing.T) {
		cfg := testTableConfig()
		cfg.StrictDecode = true
		f := newTableFixture(t, cfg)
		writeRawTable(t, f, "1.0.0", matchingEntry(model.LocusA, "01:01", "x"), foreign)

		_, err := f.service.ReadAll(context.Background(), testDataset, "1.0.0")
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.ErrCodePayloadTypeMismatch))
	})
}

func TestReadAll_NullPayloadPassesThrough(t *testing.T) {
	f := newTableFixture(t, testTableConfig())
	untyped := model.LookupEntry{Locus: model.LocusC, TypingMethod: model.TypingMethodSerology, LookupName: "Cw10"}
	writeRawTable(t, f, "1.0.0", untyped)

	entries, err := f.service.ReadAll(context.Background(), testDataset, "1.0.0")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Empty(t, entries[0].PayloadType)
	assert.Nil(t, entries[0].Payload)
}

func TestCollectOrphans(t *testing.T) {
	f := newTableFixture(t, testTableConfig())
	ctx := context.Background()
	now := time.Now()

	current, err := f.service.Recreate(ctx, testDataset, "1.0.0", entriesAt(model.LocusA, 2, "x"))
	require.NoError(t, err)

	oldOrphan, err := keys.TableName(testDataset, "0.9.0", keys.GenerationSuffix(now.Add(-48*time.Hour)))
	require.NoError(t, err)
	recentOrphan, err := keys.TableName(testDataset, "1.1.0", keys.GenerationSuffix(now))
	require.NoError(t, err)
	otherDataset, err := keys.TableName("HlaScoringLookup", "0.9.0", keys.GenerationSuffix(now.Add(-48*time.Hour)))
	require.NoError(t, err)
	for _, table := range []string{oldOrphan, recentOrphan, otherDataset} {
		require.NoError(t, f.tables.CreateTable(ctx, table))
	}

	deleted, err := f.service.CollectOrphans(ctx, testDataset, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{oldOrphan}, deleted)

	remaining, err := f.tables.ListTables(ctx, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{current.TableName, recentOrphan, otherDataset}, remaining)
}
