package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hlameta/hlameta/internal/consolidation"
	"github.com/hlameta/hlameta/internal/errors"
	"github.com/hlameta/hlameta/internal/metrics"
	"github.com/hlameta/hlameta/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stack struct {
	tables     *tableFixture
	cache      *LookupCache
	lookups    *LookupService
	recreation *RecreationService
}

func newStack(t *testing.T) *stack {
	t.Helper()
	f := newTableFixture(t, testTableConfig())
	m := metrics.NewMetrics(nil)
	cache := NewLookupCache(f.service, time.Second, m, zap.NewNop())
	return &stack{
		tables:     f,
		cache:      cache,
		lookups:    NewLookupService(cache, zap.NewNop()),
		recreation: NewRecreationService(consolidation.NewEngine(zap.NewNop()), f.service, cache, m, zap.NewNop()),
	}
}

func pGroupRecord(locus model.Locus, name string, groups ...string) model.MatchedTyping {
	payload, _ := json.Marshal(groups)
	return model.MatchedTyping{
		Category:    model.CategoryAllele,
		Locus:       locus,
		Name:        name,
		PayloadType: consolidation.PayloadMatchingPGroups,
		Payload:     payload,
	}
}

func TestRecreationService_ConsolidatesAndServes(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	records := []model.MatchedTyping{
		pGroupRecord(model.LocusA, "01:01:01:01", "01:01P"),
		pGroupRecord(model.LocusA, "01:01:02:01", "01:01P", "01:02P"),
		pGroupRecord(model.LocusA, "01:02:01:01", "01:03P"),
	}

	summary, err := s.recreation.Recreate(ctx, consolidation.MatchingRules(), "3.55.0", records)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Records)
	assert.Equal(t, 6, summary.Entries)
	assert.Equal(t, 1, summary.Partitions)
	assert.NotEmpty(t, summary.TableName)

	entry, err := s.lookups.Lookup(ctx, consolidation.MatchingDataset, "3.55.0", model.LocusA, model.TypingMethodMolecular, "01:01")
	require.NoError(t, err)
	assert.JSONEq(t, `["01:01P","01:02P"]`, string(entry.Payload))

	entry, err = s.lookups.Lookup(ctx, consolidation.MatchingDataset, "3.55.0", model.LocusA, model.TypingMethodMolecular, "01")
	require.NoError(t, err)
	assert.JSONEq(t, `["01:01P","01:02P","01:03P"]`, string(entry.Payload))

	all, err := s.lookups.Entries(ctx, consolidation.MatchingDataset, "3.55.0")
	require.NoError(t, err)
	assert.Len(t, all, 6)

	assert.Empty(t, s.recreation.Running())
}

func TestRecreationService_SameVersionRepublishRefreshesCache(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	rules := consolidation.MatchingRules()

	_, err := s.recreation.Recreate(ctx, rules, "1.0.0", []model.MatchedTyping{
		pGroupRecord(model.LocusB, "07:02:01", "07:02P"),
	})
	require.NoError(t, err)

	entry, err := s.lookups.Lookup(ctx, rules.Dataset, "1.0.0", model.LocusB, model.TypingMethodMolecular, "07:02:01")
	require.NoError(t, err)
	assert.JSONEq(t, `["07:02P"]`, string(entry.Payload))

	_, err = s.recreation.Recreate(ctx, rules, "1.0.0", []model.MatchedTyping{
		pGroupRecord(model.LocusB, "07:02:01", "07:99P"),
	})
	require.NoError(t, err)

	entry, err = s.lookups.Lookup(ctx, rules.Dataset, "1.0.0", model.LocusB, model.TypingMethodMolecular, "07:02:01")
	require.NoError(t, err)
	assert.JSONEq(t, `["07:99P"]`, string(entry.Payload))
}

type blockingPublisher struct {
	started chan struct{}
	release chan struct{}
}

func (p *blockingPublisher) Recreate(ctx context.Context, dataset, version string, entries []model.LookupEntry) (*RecreateResult, error) {
	close(p.started)
	<-p.release
	return &RecreateResult{Dataset: dataset, Version: version, TableName: "Blocked", Entries: len(entries)}, nil
}

type noopInvalidator struct{}

func (noopInvalidator) Invalidate(dataset, version string) {}

func TestRecreationService_RejectsConcurrentRecreation(t *testing.T) {
	publisher := &blockingPublisher{started: make(chan struct{}), release: make(chan struct{})}
	svc := NewRecreationService(consolidation.NewEngine(zap.NewNop()), publisher, noopInvalidator{}, metrics.NewMetrics(nil), zap.NewNop())
	rules := consolidation.MatchingRules()
	records := []model.MatchedTyping{pGroupRecord(model.LocusA, "01:01", "01:01P")}

	done := make(chan error, 1)
	go func() {
		_, err := svc.Recreate(context.Background(), rules, "1.0.0", records)
		done <- err
	}()
	<-publisher.started

	_, err := svc.Recreate(context.Background(), rules, "2.0.0", records)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeRecreationInProgress))
	assert.Contains(t, svc.Running(), rules.Dataset)

	close(publisher.release)
	require.NoError(t, <-done)
	assert.Empty(t, svc.Running())
}

func TestRecreationService_UnknownInputIsRejected(t *testing.T) {
	s := newStack(t)

	bad := pGroupRecord(model.LocusA, "01:01", "01:01P")
	bad.PayloadType = "Mystery"

	_, err := s.recreation.Recreate(context.Background(), consolidation.MatchingRules(), "1.0.0", []model.MatchedTyping{bad})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeUnknownInputCategory))

	tables, err := s.tables.tables.ListTables(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, tables)
}

func TestLookupService_Validation(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	_, err := s.lookups.Lookup(ctx, "", "1.0.0", model.LocusA, model.TypingMethodMolecular, "01:01")
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))

	_, err = s.lookups.Lookup(ctx, testDataset, "1.0.0", model.Locus("E"), model.TypingMethodMolecular, "01:01")
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))

	_, err = s.lookups.Lookup(ctx, testDataset, "1.0.0", model.LocusA, model.TypingMethodMolecular, "01/01")
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidArgument))

	// Unpublished version surfaces as an unavailable cache
	_, err = s.lookups.Lookup(ctx, testDataset, "1.0.0", model.LocusA, model.TypingMethodMolecular, "01:01")
	assert.True(t, errors.IsCode(err, errors.ErrCodeCacheUnavailable))

	assert.True(t, errors.IsCode(s.lookups.Invalidate(testDataset, ""), errors.ErrCodeInvalidArgument))
}
