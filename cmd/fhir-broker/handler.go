package main

import (
	"encoding/json"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"

	brokererrors "github.com/grafana/fhir-federated-broker/internal/fhirbroker/errors"
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/engine"
	"github.com/grafana/fhir-federated-broker/internal/fhirbroker/model"
)

// Handler serves the broker's search HTTP surface.
type Handler struct {
	engine      *engine.Engine
	maxPageSize int
	logger      log.Logger
}

// NewHandler builds a Handler.
func NewHandler(e *engine.Engine, maxPageSize int, logger log.Logger) *Handler {
	return &Handler{engine: e, maxPageSize: maxPageSize, logger: logger}
}

// RegisterRoutes registers the broker's routes on r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/ready", h.ReadyHandler).Methods(http.MethodGet)
	r.HandleFunc("/{resourceType}", h.SearchHandler).Methods(http.MethodGet)
}

// SearchHandler handles GET /{resourceType}?params.
func (h *Handler) SearchHandler(w http.ResponseWriter, r *http.Request) {
	resourceType := mux.Vars(r)["resourceType"]
	req := parseSearchRequest(resourceType, r.URL.Query(), h.maxPageSize)

	result, err := h.engine.Search(r.Context(), req, model.SearchOptions{VersionRequirement: model.VersionLatest})
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/fhir+json")
	if err := json.NewEncoder(w).Encode(bundleFromResult(result)); err != nil {
		level.Error(h.logger).Log("msg", "failed to encode response", "err", err)
	}
}

// ReadyHandler reports process liveness; readiness beyond "the process
// is up" would require probing every shard, which the teacher's own
// /ready endpoint does not do either.
func (h *Handler) ReadyHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch brokererrors.KindOf(err) {
	case brokererrors.RequestTooCostly:
		status = http.StatusBadRequest
	case brokererrors.Backpressure:
		status = http.StatusTooManyRequests
	case brokererrors.ContinuationExpired, brokererrors.ContinuationMalformed:
		status = http.StatusGone
	case brokererrors.UpstreamUnavailable:
		status = http.StatusBadGateway
	case brokererrors.Unsupported:
		status = http.StatusNotImplemented
	}
	level.Warn(h.logger).Log("msg", "search failed", "err", err, "status", status)
	w.Header().Set("Content-Type", "application/fhir+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// bundleFromResult wraps a Result as a minimal FHIR searchset bundle.
func bundleFromResult(result model.Result) map[string]interface{} {
	entries := make([]map[string]interface{}, 0, len(result.Entries))
	for _, e := range result.Entries {
		entries = append(entries, map[string]interface{}{
			"fullUrl":  e.SourceShardURL + "/" + e.ResourceTypeName + "/" + e.ResourceID,
			"resource": json.RawMessage(e.RawPayload.Bytes),
			"search":   map[string]string{"mode": searchModeString(e.MatchMode)},
		})
	}
	doc := map[string]interface{}{
		"resourceType": "Bundle",
		"type":         "searchset",
		"entry":        entries,
	}
	if result.ContinuationToken != "" {
		doc["continuation_token"] = result.ContinuationToken
	}
	if result.TotalCount != nil {
		doc["total"] = *result.TotalCount
	}
	return doc
}

func searchModeString(m model.MatchMode) string {
	switch m {
	case model.MatchModeInclude:
		return "include"
	case model.MatchModeOutcome:
		return "outcome"
	default:
		return "match"
	}
}
