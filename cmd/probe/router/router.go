// Package router configures the probe's HTTP API.
//
// Routes:
//   - POST /v1/extract          - samples at a point or inside a polygon
//   - POST /v1/fit              - extract, fit a model and store a snapshot
//   - GET  /v1/snapshots?key=   - latest stored snapshot for a key
//   - GET  /healthz             - health check
//   - GET  /metrics             - Prometheus metrics
//
// Errors are returned as {"error": "..."}. Snapshots older than the stale
// threshold carry an X-Deforma-Stale header.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HatiCode/deforma/pkg/adapters"
	"github.com/HatiCode/deforma/pkg/httpx"
	"github.com/HatiCode/deforma/pkg/models"
	"github.com/HatiCode/deforma/pkg/raster"
	"github.com/HatiCode/deforma/pkg/storage"
)

var snapshotKeyRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// ExtractRequest is the body of POST /v1/extract.
type ExtractRequest struct {
	Selector adapters.Selector `json:"selector"`
	// Reference, when set, is extracted in point mode and subtracted from
	// the selection date by date.
	Reference *raster.Point `json:"reference,omitempty"`
}

// FitRequest is the body of POST /v1/fit. Empty fields take the service
// defaults.
type FitRequest struct {
	ExtractRequest
	Model    string `json:"model,omitempty"`
	Seasonal *bool  `json:"seasonal,omitempty"`
}

// FitResponse is the stored snapshot plus the model coefficients.
type FitResponse struct {
	storage.Snapshot
	Params       []float64            `json:"params"`
	SeasonalTerm *models.SeasonalTerm `json:"seasonal_term,omitempty"`
	Residuals    []float64            `json:"residuals"`
}

// Service is what the API serves.
type Service interface {
	Extract(ctx context.Context, req ExtractRequest) (*adapters.Result, error)
	Fit(ctx context.Context, req FitRequest) (*FitResponse, error)
}

// storeTimeout bounds snapshot lookups and health pings.
const storeTimeout = 2 * time.Second

// storeCheck pings stores with a remote or on-disk backend. The memory store
// is always healthy.
func storeCheck(store storage.Store) func(ctx context.Context) error {
	p, ok := store.(storage.Pinger)
	if !ok {
		return func(context.Context) error { return nil }
	}
	return p.Ping
}

// SetupRoutes configures HTTP endpoints for the probe, wrapped in request
// logging and panic recovery.
func SetupRoutes(svc Service, store storage.Store, staleAfter time.Duration, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /healthz", httpx.HealthHandlerWithCheck(storeCheck(store), storeTimeout))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /v1/extract", handleExtract(svc, logger))
	mux.HandleFunc("POST /v1/fit", handleFit(svc, logger))
	mux.HandleFunc("GET /v1/snapshots", handleGetSnapshot(store, staleAfter, logger))

	return httpx.LoggingMiddleware(logger)(httpx.RecoveryMiddleware(logger)(mux))
}

func handleExtract(svc Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ExtractRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, err)
			return
		}

		res, err := svc.Extract(r.Context(), req)
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		if err := httpx.WriteJSON(w, http.StatusOK, res); err != nil {
			logger.Error("failed to write JSON response", "error", err)
		}
	}
}

func handleFit(svc Service, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req FitRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, err)
			return
		}

		res, err := svc.Fit(r.Context(), req)
		if err != nil {
			writeServiceError(w, logger, err)
			return
		}
		if err := httpx.WriteJSON(w, http.StatusOK, res); err != nil {
			logger.Error("failed to write JSON response", "error", err)
		}
	}
}

// handleGetSnapshot returns a handler for GET /v1/snapshots?key=<key>.
func handleGetSnapshot(store storage.Store, staleAfter time.Duration, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "key parameter required")
			return
		}
		if !snapshotKeyRegex.MatchString(key) {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "invalid key format")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
		defer cancel()

		snapshot, found, err := store.GetLatest(ctx, key)
		if err != nil {
			logger.Error("failed to get snapshot", "key", key, "error", err)
			httpx.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if !found {
			httpx.WriteErrorMessage(w, http.StatusNotFound, fmt.Sprintf("snapshot not found for key %q", key))
			return
		}

		if staleAfter > 0 && time.Since(snapshot.GeneratedAt) > staleAfter {
			w.Header().Set("X-Deforma-Stale", "true")
		}
		if err := httpx.WriteJSON(w, http.StatusOK, snapshot); err != nil {
			logger.Error("failed to write JSON response", "error", err)
		}
	}
}

// StatusFor maps a service error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrUnknownModel), errors.Is(err, adapters.ErrUnsupportedMode):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInsufficientSamples):
		return http.StatusUnprocessableEntity
	case errors.Is(err, adapters.ErrNoFeature), errors.Is(err, raster.ErrDatasetOpen):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
		httpx.WriteErrorMessage(w, status, "internal server error")
		return
	}
	httpx.WriteError(w, status, err)
}
