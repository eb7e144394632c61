// Package handler provides HTTP request handlers for the lookup API.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/hlameta/hlameta/internal/errors"
	"github.com/hlameta/hlameta/internal/model"
	"go.uber.org/zap"
)

// LookupReader serves entries of published dataset versions
type LookupReader interface {
	Lookup(ctx context.Context, dataset, version string, locus model.Locus, method model.TypingMethod, lookupName string) (model.LookupEntry, error)
	Entries(ctx context.Context, dataset, version string) ([]model.LookupEntry, error)
	Invalidate(dataset, version string) error
}

// PointerLister lists published (dataset, version) pointers
type PointerLister interface {
	Pointers(ctx context.Context, dataset string) ([]model.TablePointer, error)
}

// EntryResponse is the JSON shape of one lookup entry
type EntryResponse struct {
	Locus        string      `json:"locus"`
	TypingMethod string      `json:"typing_method"`
	LookupName   string      `json:"lookup_name"`
	PayloadType  string      `json:"payload_type,omitempty"`
	Payload      interface{} `json:"payload"`
}

// EntriesResponse lists the entries of a dataset version
type EntriesResponse struct {
	Dataset string          `json:"dataset"`
	Version string          `json:"version"`
	Count   int             `json:"count"`
	Entries []EntryResponse `json:"entries"`
}

// VersionResponse describes one published version
type VersionResponse struct {
	Dataset   string    `json:"dataset"`
	Version   string    `json:"version"`
	TableName string    `json:"table_name"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	lookups      LookupReader
	pointers     PointerLister
	errorHandler *ErrorHandler
	logger       *zap.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(lookups LookupReader, pointers PointerLister, errorHandler *ErrorHandler, logger *zap.Logger) *Handlers {
	return &Handlers{
		lookups:      lookups,
		pointers:     pointers,
		errorHandler: errorHandler,
		logger:       logger,
	}
}

// GetEntry handles GET /v1/datasets/{dataset}/versions/{version}/loci/{locus}/{method}/{name}
func (h *Handlers) GetEntry(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	locus, err := model.ParseLocus(vars["locus"])
	if err != nil {
		h.errorHandler.HandleError(w, r, errors.InvalidArgument("invalid locus", err))
		return
	}
	method, err := model.ParseTypingMethod(vars["method"])
	if err != nil {
		h.errorHandler.HandleError(w, r, errors.InvalidArgument("invalid typing method", err))
		return
	}

	entry, err := h.lookups.Lookup(r.Context(), vars["dataset"], vars["version"], locus, method, vars["name"])
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.writeJSONResponse(w, http.StatusOK, toEntryResponse(entry))
}

// ListEntries handles GET /v1/datasets/{dataset}/versions/{version}/entries.
// The optional locus query parameter filters by partition.
func (h *Handlers) ListEntries(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	dataset, version := vars["dataset"], vars["version"]

	var filter model.Locus
	if q := r.URL.Query().Get("locus"); q != "" {
		locus, err := model.ParseLocus(q)
		if err != nil {
			h.errorHandler.HandleError(w, r, errors.InvalidArgument("invalid locus", err))
			return
		}
		filter = locus
	}

	entries, err := h.lookups.Entries(r.Context(), dataset, version)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	resp := EntriesResponse{Dataset: dataset, Version: version, Entries: make([]EntryResponse, 0, len(entries))}
	for _, entry := range entries {
		if filter != "" && entry.Locus != filter {
			continue
		}
		resp.Entries = append(resp.Entries, toEntryResponse(entry))
	}
	resp.Count = len(resp.Entries)

	h.writeJSONResponse(w, http.StatusOK, resp)
}

// InvalidateCache handles DELETE /v1/datasets/{dataset}/versions/{version}/cache
func (h *Handlers) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.lookups.Invalidate(vars["dataset"], vars["version"]); err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	h.logger.Info("Cache invalidated over HTTP",
		zap.String("dataset", vars["dataset"]),
		zap.String("version", vars["version"]),
		zap.String("request_id", r.Header.Get("X-Request-ID")))

	w.WriteHeader(http.StatusNoContent)
}

// ListVersions handles GET /v1/datasets/{dataset}/versions
func (h *Handlers) ListVersions(w http.ResponseWriter, r *http.Request) {
	dataset := mux.Vars(r)["dataset"]

	pointers, err := h.pointers.Pointers(r.Context(), dataset)
	if err != nil {
		h.errorHandler.HandleError(w, r, err)
		return
	}

	resp := make([]VersionResponse, 0, len(pointers))
	for _, p := range pointers {
		if p.DatasetPrefix != dataset {
			continue
		}
		resp = append(resp, VersionResponse{
			Dataset:   p.DatasetPrefix,
			Version:   p.Version,
			TableName: p.TableName,
			UpdatedAt: p.UpdatedAt,
		})
	}

	h.writeJSONResponse(w, http.StatusOK, resp)
}

func toEntryResponse(entry model.LookupEntry) EntryResponse {
	resp := EntryResponse{
		Locus:        string(entry.Locus),
		TypingMethod: string(entry.TypingMethod),
		LookupName:   entry.LookupName,
		PayloadType:  entry.PayloadType,
	}
	switch {
	case entry.Payload == nil:
	case json.Valid(entry.Payload):
		resp.Payload = json.RawMessage(entry.Payload)
	default:
		resp.Payload = string(entry.Payload)
	}
	return resp
}

// writeJSONResponse writes a JSON response with the given status code.
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}
