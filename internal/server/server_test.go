package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hlameta/hlameta/internal/codec"
	"github.com/hlameta/hlameta/internal/config"
	"github.com/hlameta/hlameta/internal/consolidation"
	"github.com/hlameta/hlameta/internal/handler"
	"github.com/hlameta/hlameta/internal/health"
	"github.com/hlameta/hlameta/internal/metrics"
	"github.com/hlameta/hlameta/internal/model"
	"github.com/hlameta/hlameta/internal/service"
	"github.com/hlameta/hlameta/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testServer struct {
	server     *Server
	recreation *service.RecreationService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zap.NewNop()
	m := metrics.NewMetrics(prometheus.NewRegistry())

	tables := store.NewMemoryTableStore(logger)
	pointers := store.NewMemoryPointerStore()
	rules := consolidation.MatchingRules()

	tableService, err := service.NewVersionedTableService(tables, pointers, codec.NewRowCodec(0), service.TableServiceConfig{
		WriteParallelism: 2,
		PageSize:         10,
		PayloadTypes:     map[string][]string{rules.Dataset: rules.OutputPayloadTypes},
	}, m, logger)
	require.NoError(t, err)

	cache := service.NewLookupCache(tableService, time.Second, m, logger)
	lookups := service.NewLookupService(cache, logger)
	errorHandler := handler.NewErrorHandler(logger)

	cfg := config.DefaultConfig().Server
	srv := NewServer(
		cfg,
		handler.NewHandlers(lookups, tableService, errorHandler, logger),
		errorHandler,
		health.NewHealthChecker(tables, pointers, cache, logger),
		m,
		logger,
	)

	return &testServer{
		server:     srv,
		recreation: service.NewRecreationService(consolidation.NewEngine(logger), tableService, cache, m, logger),
	}
}

func (s *testServer) do(method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.server.Handler().ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func record(name string, groups ...string) model.MatchedTyping {
	payload, _ := json.Marshal(groups)
	return model.MatchedTyping{
		Category:    model.CategoryAllele,
		Locus:       model.LocusDrb1,
		Name:        name,
		PayloadType: consolidation.PayloadMatchingPGroups,
		Payload:     payload,
	}
}

func TestServer_LookupFlow(t *testing.T) {
	s := newTestServer(t)

	// Nothing published yet
	w := s.do(http.MethodGet, "/v1/datasets/HlaMatchingLookup/versions/3.55.0/loci/DRB1/Molecular/04:01")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	_, err := s.recreation.Recreate(context.Background(), consolidation.MatchingRules(), "3.55.0", []model.MatchedTyping{
		record("04:01:01", "04:01P"),
		record("04:07:01", "04:07P"),
	})
	require.NoError(t, err)

	w = s.do(http.MethodGet, "/v1/datasets/HlaMatchingLookup/versions/3.55.0/loci/DRB1/Molecular/04")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var entry handler.EntryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entry))
	assert.Equal(t, "04", entry.LookupName)
	assert.Equal(t, []interface{}{"04:01P", "04:07P"}, entry.Payload)

	w = s.do(http.MethodGet, "/v1/datasets/HlaMatchingLookup/versions/3.55.0/entries")
	require.Equal(t, http.StatusOK, w.Code)
	var entries handler.EntriesResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	assert.Equal(t, 5, entries.Count)

	w = s.do(http.MethodGet, "/v1/datasets/HlaMatchingLookup/versions")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"version":"3.55.0"`)

	w = s.do(http.MethodDelete, "/v1/datasets/HlaMatchingLookup/versions/3.55.0/cache")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestServer_HealthAndFallbacks(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health").Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/ready").Code)

	w := s.do(http.MethodGet, "/v2/unknown")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "endpoint not found")

	assert.Equal(t, 30*time.Second, s.server.ShutdownTimeout())
}
