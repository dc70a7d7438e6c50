package ingestion

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/illmade-knight/teststation/pkg/broker"
	"github.com/illmade-knight/teststation/pkg/metrics"
	"github.com/illmade-knight/teststation/pkg/types"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

// StateReporter exposes the broker connection state for readiness checks.
type StateReporter interface {
	State() broker.State
}

// Handler serves the HTTP ingestion endpoints.
type Handler struct {
	producer *Producer
	state    StateReporter
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewHandler creates the HTTP handler. state and m may be nil.
func NewHandler(producer *Producer, state StateReporter, m *metrics.Metrics, logger zerolog.Logger) *Handler {
	return &Handler{
		producer: producer,
		state:    state,
		metrics:  m,
		logger:   logger.With().Str("component", "IngestHandler").Logger(),
	}
}

// Routes returns a chi router with the ingestion API mounted.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", h.health)
	r.Get("/ready", h.ready)
	r.Post("/ingest", h.ingest)
	return r
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.metrics.Ingested("http", "rejected")
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"detail": "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "could not read request body"})
		return
	}

	m, err := types.DecodeRawMeasurement(body)
	if err != nil {
		h.metrics.Ingested("http", "rejected")
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
		return
	}

	if err := h.producer.Publish(r.Context(), m); err != nil {
		h.metrics.Ingested("http", "publish_failed")
		h.logger.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("barcode", m.Barcode).
			Msg("Failed to queue measurement.")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "Failed to queue data"})
		return
	}

	h.metrics.Ingested("http", "accepted")
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "Data received and queued"})
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ready reports 503 until the broker session is live.
func (h *Handler) ready(w http.ResponseWriter, _ *http.Request) {
	if h.state == nil {
		writeJSON(w, http.StatusOK, map[string]string{"broker": "unknown"})
		return
	}
	state := h.state.State()
	status := http.StatusOK
	if state != broker.StateConnected {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"broker": state.String()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
