package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/formsuite/proctoring/internal/metrics"
	"github.com/formsuite/proctoring/pkg/types"
	"go.uber.org/zap"
)

const maxBodyBytes = 64 << 10

// Options configures a Handler. Zero values select defaults.
type Options struct {
	Store         *Store
	Archive       Archiver
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
	CORSOrigin    string        // Access-Control-Allow-Origin; "" disables CORS headers
	StreamRefresh time.Duration // keepalive interval of the live feed
}

// Handler serves the ingestion API.
type Handler struct {
	store   *Store
	archive Archiver
	metrics *metrics.Metrics
	logger  *zap.Logger
	cors    string
	refresh time.Duration
}

// NewHandler builds a Handler from opts.
func NewHandler(opts Options) *Handler {
	if opts.Store == nil {
		opts.Store = NewStore()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.StreamRefresh <= 0 {
		opts.StreamRefresh = 15 * time.Second
	}
	return &Handler{
		store:   opts.Store,
		archive: opts.Archive,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		cors:    opts.CORSOrigin,
		refresh: opts.StreamRefresh,
	}
}

// Routes returns the HTTP handler with CORS and request logging applied.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/proctoring", h.handleProctoring)
	mux.HandleFunc("/api/proctoring/stream", h.handleStream)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	mux.Handle("/metrics", h.metrics.Handler())

	var handler http.Handler = mux
	if h.cors != "" {
		handler = corsMiddleware(handler, h.cors)
	}
	return requestLogging(handler, h.logger)
}

// ingestRequest keeps violation raw so a missing field can be told apart
// from a malformed one.
type ingestRequest struct {
	FormID    string          `json:"formId"`
	Violation json.RawMessage `json:"violation"`
}

type failureResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type ingestResponse struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	TotalViolations int    `json:"totalViolations"`
}

type listResponse struct {
	Success         bool              `json:"success"`
	FormID          string            `json:"formId"`
	Violations      []types.Violation `json:"violations"`
	TotalViolations int               `json:"totalViolations"`
}

func (h *Handler) handleProctoring(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleIngest(w, r)
	case http.MethodGet:
		h.handleList(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		h.reject(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	formID, v, err := decodeIngest(r.Body)
	if err != nil {
		h.logger.Debug("rejected violation", zap.Error(err))
		h.reject(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, total := h.store.Add(formID, v)
	h.metrics.IngestViolations.Add(1)
	if h.archive != nil {
		h.archive.Write(rec)
	}

	writeJSON(w, http.StatusOK, ingestResponse{
		Success:         true,
		Message:         "Violation recorded",
		TotalViolations: total,
	})
}

func decodeIngest(body io.Reader) (string, types.Violation, error) {
	var req ingestRequest
	if err := json.NewDecoder(io.LimitReader(body, maxBodyBytes)).Decode(&req); err != nil {
		return "", types.Violation{}, fmt.Errorf("invalid request body: %w", err)
	}
	if req.FormID == "" {
		return "", types.Violation{}, errors.New("formId is required")
	}
	if len(req.Violation) == 0 || string(req.Violation) == "null" {
		return "", types.Violation{}, errors.New("violation is required")
	}
	var v types.Violation
	if err := json.Unmarshal(req.Violation, &v); err != nil {
		return "", types.Violation{}, fmt.Errorf("invalid violation: %w", err)
	}
	return req.FormID, v, nil
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	formID := r.URL.Query().Get("formId")
	if formID == "" {
		h.reject(w, http.StatusBadRequest, "formId is required")
		return
	}

	violations := h.store.List(formID)
	writeJSON(w, http.StatusOK, listResponse{
		Success:         true,
		FormID:          formID,
		Violations:      violations,
		TotalViolations: len(violations),
	})
}

func (h *Handler) reject(w http.ResponseWriter, status int, message string) {
	h.metrics.IngestRejected.Add(1)
	writeJSON(w, status, failureResponse{Success: false, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestLogging(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush keeps the live feed working through the logging wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func corsMiddleware(next http.Handler, origin string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
