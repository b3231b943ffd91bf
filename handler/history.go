package handler

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"persona-agent/internal/domain"
	"persona-agent/internal/logging"
	"persona-agent/internal/usecase"
)

type turnResponse struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

type pageResponse struct {
	CorrespondentID string         `json:"correspondentId"`
	Page            int            `json:"page"`
	PageSize        int            `json:"pageSize"`
	Total           int            `json:"total"`
	Turns           []turnResponse `json:"turns"`
}

type deliveryStats struct {
	Pending int `json:"pending"`
	Fired   int `json:"fired"`
	Failed  int `json:"failed"`
}

type statsResponse struct {
	TotalTurns     int            `json:"totalTurns"`
	Correspondents int            `json:"correspondents"`
	LastActivity   *time.Time     `json:"lastActivity"`
	Deliveries     *deliveryStats `json:"deliveries,omitempty"`
}

// result is a transport-neutral response shared by the chi routes and the
// API Gateway adapter.
type result struct {
	status int
	body   any
}

func errorResult(status int, code usecase.ErrorCode, message string) result {
	return result{status: status, body: errorResponse{Error: string(code), Message: message}}
}

func (h *Handler) listTurns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res := h.turnsResult(r.Context(), chi.URLParam(r, "id"), q.Get("page"), q.Get("pageSize"))
	writeJSON(w, res.status, res.body)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	res := h.statsResult(r.Context())
	writeJSON(w, res.status, res.body)
}

func (h *Handler) turnsResult(ctx context.Context, rawID, rawPage, rawSize string) result {
	id, err := url.PathUnescape(rawID)
	if err != nil || strings.TrimSpace(id) == "" {
		return errorResult(http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid correspondent id")
	}
	page, ok := optionalInt(rawPage)
	if !ok {
		return errorResult(http.StatusBadRequest, usecase.ErrorInvalidInput, "page must be a positive integer")
	}
	size, ok := optionalInt(rawSize)
	if !ok {
		return errorResult(http.StatusBadRequest, usecase.ErrorInvalidInput, "pageSize must be a positive integer")
	}

	p, err := h.history.ListTurns(ctx, strings.TrimSpace(id), page, size)
	if err != nil {
		logging.FromContext(ctx, h.logger).Error("list turns failed", "correspondent", id, "err", err)
		return errorResult(http.StatusServiceUnavailable, usecase.ErrorPersistence, "history unavailable")
	}
	return result{status: http.StatusOK, body: toPageResponse(strings.TrimSpace(id), p)}
}

func (h *Handler) statsResult(ctx context.Context) result {
	s, err := h.history.Stats(ctx)
	if err != nil {
		logging.FromContext(ctx, h.logger).Error("stats failed", "err", err)
		return errorResult(http.StatusServiceUnavailable, usecase.ErrorPersistence, "stats unavailable")
	}
	out := statsResponse{
		TotalTurns:     s.TotalTurns,
		Correspondents: s.Correspondents,
		LastActivity:   s.LastActivity,
	}
	if h.deliveries != nil {
		c := h.deliveries.Counts()
		out.Deliveries = &deliveryStats{Pending: c.Pending, Fired: c.Fired, Failed: c.Failed}
	}
	return result{status: http.StatusOK, body: out}
}

// optionalInt parses a positive integer; empty means zero (use the default).
func optionalInt(raw string) (int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func toPageResponse(id string, p domain.Page) pageResponse {
	out := pageResponse{
		CorrespondentID: id,
		Page:            p.Page,
		PageSize:        p.PageSize,
		Total:           p.Total,
		Turns:           make([]turnResponse, 0, len(p.Turns)),
	}
	for _, t := range p.Turns {
		out.Turns = append(out.Turns, turnResponse{
			ID:        t.ID,
			Role:      string(t.Role),
			Text:      t.Text,
			CreatedAt: t.CreatedAt,
		})
	}
	return out
}
