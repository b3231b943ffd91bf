package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"persona-agent/internal/logging"
	"persona-agent/internal/usecase"
)

// Handle serves the read routes from API Gateway proxy events. The webhook
// is not served here: a Lambda invocation cannot host delayed deliveries.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	ctx = logging.WithCorrelationID(ctx, correlationID)

	res := h.route(ctx, req)

	body, err := json.Marshal(res.body)
	if err != nil {
		res = errorResult(http.StatusInternalServerError, usecase.ErrorInternal, "encode response")
		body, _ = json.Marshal(res.body)
	}
	logging.FromContext(ctx, h.logger).Info("request completed",
		"method", req.HTTPMethod,
		"path", req.Path,
		"status", res.status,
	)
	return events.APIGatewayProxyResponse{
		StatusCode: res.status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(body),
	}, nil
}

func (h *Handler) route(ctx context.Context, req events.APIGatewayProxyRequest) result {
	if req.HTTPMethod != http.MethodGet {
		return errorResult(http.StatusMethodNotAllowed, usecase.ErrorInvalidInput, "method not allowed")
	}
	path := strings.TrimRight(req.Path, "/")
	switch {
	case path == "/health":
		return result{status: http.StatusOK, body: map[string]string{"status": "ok"}}
	case path == "/stats":
		return h.statsResult(ctx)
	case strings.HasPrefix(path, "/conversations/"):
		id, ok := strings.CutSuffix(strings.TrimPrefix(path, "/conversations/"), "/turns")
		if !ok || id == "" || strings.Contains(id, "/") {
			break
		}
		if p := req.PathParameters["id"]; p != "" {
			id = p
		}
		q := req.QueryStringParameters
		return h.turnsResult(ctx, id, q["page"], q["pageSize"])
	}
	return errorResult(http.StatusNotFound, usecase.ErrorInvalidInput, "route not found")
}

// headerValue looks up a header case-insensitively; API Gateway preserves
// whatever case the client sent.
func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
