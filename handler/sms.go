package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"persona-agent/internal/logging"
	"persona-agent/internal/usecase"
)

const (
	maxWebhookBody = 64 << 10
	emptyTwiML     = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`
)

// inboundSMS acknowledges a Twilio webhook at once and generates the reply in
// the background. The reply is delivered later by the scheduler, never in the
// webhook response.
func (h *Handler) inboundSMS(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, usecase.ErrorInvalidInput, "malformed form body")
		return
	}
	from := strings.TrimSpace(r.PostForm.Get("From"))
	body := strings.TrimSpace(r.PostForm.Get("Body"))
	if from == "" || body == "" {
		writeError(w, http.StatusBadRequest, usecase.ErrorInvalidInput, "From and Body are required")
		return
	}

	// The pipeline outlives the request but keeps its values.
	ctx := context.WithoutCancel(r.Context())
	in := usecase.InboundInput{
		CorrespondentID: from,
		Text:            body,
		CorrelationID:   logging.CorrelationID(ctx),
	}
	h.pipelines.Add(1)
	go h.runPipeline(ctx, in)

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(emptyTwiML))
}

func (h *Handler) runPipeline(ctx context.Context, in usecase.InboundInput) {
	defer h.pipelines.Done()
	log := logging.FromContext(ctx, h.logger).With("correspondent", in.CorrespondentID)
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("reply pipeline panicked", "panic", rec)
		}
	}()

	if _, err := h.inbound.HandleInbound(ctx, in); err != nil {
		var uerr *usecase.Error
		if errors.As(err, &uerr) {
			log.Info("reply pipeline ended without delivery", "code", uerr.Code, "reason", uerr.Reason)
			return
		}
		log.Error("reply pipeline failed", "err", err)
	}
}
