// Package handler exposes the SMS webhook and the read-side history API over
// HTTP, plus an API Gateway adapter for the read routes.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"persona-agent/internal/domain"
	"persona-agent/internal/scheduler"
	"persona-agent/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type InboundHandler interface {
	HandleInbound(ctx context.Context, in usecase.InboundInput) (usecase.InboundOutput, error)
}

type HistoryReader interface {
	ListTurns(ctx context.Context, correspondentID string, page, pageSize int) (domain.Page, error)
	Stats(ctx context.Context) (domain.Stats, error)
}

type DeliveryCounter interface {
	Counts() scheduler.Counts
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type Handler struct {
	inbound    InboundHandler
	history    HistoryReader
	deliveries DeliveryCounter
	logger     *slog.Logger

	pipelines sync.WaitGroup
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithDeliveryCounts adds scheduler counters to the /stats response.
func WithDeliveryCounts(d DeliveryCounter) Option {
	return func(h *Handler) {
		h.deliveries = d
	}
}

// NewHandler creates a Handler. A nil inbound handler serves only the read
// routes, which is how the history Lambda runs.
func NewHandler(inbound InboundHandler, history HistoryReader, opts ...Option) (*Handler, error) {
	if history == nil {
		return nil, errors.New("handler: history reader must not be nil")
	}
	h := &Handler{
		inbound: inbound,
		history: history,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Routes builds the chi router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(metricsMiddleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(correlationMiddleware)
	r.Use(requestLogger(h.logger))
	r.Use(chimw.Recoverer)

	r.Get("/health", h.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/stats", h.stats)
	r.Get("/conversations/{id}/turns", h.listTurns)
	if h.inbound != nil {
		r.Post("/sms", h.inboundSMS)
	}
	return r
}

// Wait blocks until every reply pipeline started by /sms has returned or ctx
// is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.pipelines.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code usecase.ErrorCode, message string) {
	writeJSON(w, status, errorResponse{Error: string(code), Message: message})
}
