package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/goliatone/go-payhooks/core"
)

const defaultMaxWebhookBodyBytes int64 = 1 << 20 // 1 MiB

// WebhookProcessor is the ingress pipeline the HTTP handler drives.
type WebhookProcessor interface {
	Process(ctx context.Context, req core.InboundRequest) (core.InboundResult, error)
}

// WebhookHandler adapts POST /webhooks/{source} onto a WebhookProcessor.
type WebhookHandler struct {
	Processor    WebhookProcessor
	MaxBodyBytes int64
	Observer     core.Observer
}

func NewWebhookHandler(processor WebhookProcessor, observer core.Observer) *WebhookHandler {
	return &WebhookHandler{
		Processor:    processor,
		MaxBodyBytes: defaultMaxWebhookBodyBytes,
		Observer:     observer,
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Processor == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Webhook handler error"})
		return
	}
	source := strings.TrimSpace(chi.URLParam(r, "source"))

	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxWebhookBodyBytes
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "Invalid payload"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "Invalid payload"})
		return
	}

	result, err := h.Processor.Process(r.Context(), core.InboundRequest{
		Source:  source,
		Headers: flattenHeaders(r.Header),
		Body:    body,
		Metadata: map[string]any{
			"remote_addr": r.RemoteAddr,
			"request_id":  requestID(r),
		},
	})
	if err != nil {
		fields := map[string]any{
			"source":      source,
			"status_code": result.StatusCode,
			"request_id":  requestID(r),
			"error":       err.Error(),
		}
		if result.StatusCode >= http.StatusInternalServerError {
			h.Observer.Error(r.Context(), "payhooks: webhook request failed", fields)
		} else {
			h.Observer.Debug(r.Context(), "payhooks: webhook request rejected", fields)
		}
	}

	status := result.StatusCode
	if status == 0 {
		status = http.StatusOK
		if mapped := core.MapError(err); mapped != nil && mapped.Code != 0 {
			status = mapped.Code
		}
	}
	writeJSON(w, status, result.Body())
}

func flattenHeaders(headers http.Header) map[string]string {
	if len(headers) == 0 {
		return map[string]string{}
	}
	flat := make(map[string]string, len(headers))
	for key, values := range headers {
		if len(values) == 0 {
			flat[key] = ""
			continue
		}
		flat[key] = strings.Join(values, ",")
	}
	return flat
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
