package httpserver

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ghostlyplus/emganalyzer/internal/apperr"
	"github.com/ghostlyplus/emganalyzer/internal/applog"
	"github.com/ghostlyplus/emganalyzer/internal/session"
	"github.com/ghostlyplus/emganalyzer/internal/webhook"
)

// Handlers groups the HTTP handlers this server exposes, bound to the
// session processor.
type Handlers struct {
	processor *session.Processor
	health    HealthSource
	metrics   *MetricsRegistry
}

// NewHandlers wires a Handlers instance.
func NewHandlers(processor *session.Processor, health HealthSource, metrics *MetricsRegistry) *Handlers {
	return &Handlers{processor: processor, health: health, metrics: metrics}
}

// storageEventEnvelope mirrors the JSON body storage providers post on
// object creation, per the external interface's envelope shape.
type storageEventEnvelope struct {
	Type   string `json:"type"`
	Table  string `json:"table"`
	Schema string `json:"schema"`
	Record struct {
		Name     string `json:"name"`
		BucketID string `json:"bucket_id"`
		Metadata struct {
			Size int    `json:"size"`
			ETag string `json:"eTag"`
		} `json:"metadata"`
	} `json:"record"`
}

func (e storageEventEnvelope) toStorageEvent() webhook.StorageEvent {
	return webhook.StorageEvent{
		Bucket:     e.Record.BucketID,
		ObjectPath: e.Record.Name,
		ETag:       e.Record.Metadata.ETag,
	}
}

type ingestResponse struct {
	Success          bool   `json:"success"`
	Message          string `json:"message,omitempty"`
	SessionCode      string `json:"session_code,omitempty"`
	SessionID        string `json:"session_id,omitempty"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
}

// IngestWebhook handles POST /webhooks/storage/c3d-upload.
func (h *Handlers) IngestWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ingestResponse{Success: false, Message: "unreadable request body"})
		return
	}

	var envelope storageEventEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		writeJSON(w, http.StatusBadRequest, ingestResponse{Success: false, Message: "invalid JSON payload"})
		return
	}

	signature := r.Header.Get("X-Signature")
	result, err := h.processor.Ingest(r.Context(), body, signature, envelope.toStorageEvent())
	if err != nil {
		if apperr.Is(err, apperr.Signature) {
			writeJSON(w, http.StatusUnauthorized, ingestResponse{Success: false, Message: "invalid signature"})
			return
		}
		applog.Logger.Error().Err(err).Msg("webhook ingestion failed")
		writeJSON(w, http.StatusInternalServerError, ingestResponse{Success: false, Message: "internal error"})
		return
	}
	if h.metrics != nil {
		outcome := "accepted"
		if !result.Success {
			outcome = "ignored"
		} else if result.SessionCode == "" {
			outcome = "ignored"
		}
		h.metrics.RecordWebhookDelivery(outcome)
	}

	writeJSON(w, http.StatusOK, ingestResponse{
		Success:          result.Success,
		Message:          result.Message,
		SessionCode:      result.SessionCode,
		SessionID:        result.SessionID,
		ProcessingTimeMs: result.ProcessingTimeMs,
	})
}

type statusResponse struct {
	SessionCode  string  `json:"session_code"`
	Status       string  `json:"status"`
	FilePath     string  `json:"file_path"`
	CreatedAt    string  `json:"created_at"`
	ProcessedAt  *string `json:"processed_at,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
	HasAnalysis  bool    `json:"has_analysis"`
}

// SessionStatus handles GET /webhooks/storage/status/{session_code}.
func (h *Handlers) SessionStatus(w http.ResponseWriter, r *http.Request) {
	sessionCode := mux.Vars(r)["session_code"]

	result, err := h.processor.Status(r.Context(), sessionCode)
	if err != nil {
		applog.Logger.Error().Err(err).Str("session_code", sessionCode).Msg("status lookup failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal error"})
		return
	}
	if !result.Found {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "session not found"})
		return
	}

	resp := statusResponse{
		SessionCode:  result.SessionCode,
		Status:       string(result.Status),
		FilePath:     result.FilePath,
		CreatedAt:    result.CreatedAt.Format(rfc3339),
		ErrorMessage: result.ErrorMessage,
		HasAnalysis:  result.HasAnalysis,
	}
	if result.ProcessedAt != nil {
		formatted := result.ProcessedAt.Format(rfc3339)
		resp.ProcessedAt = &formatted
	}
	writeJSON(w, http.StatusOK, resp)
}

// NotFound is the catch-all 404 handler.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		applog.Logger.Error().Err(err).Msg("failed to encode response")
	}
}

const rfc3339 = "2006-01-02T15:04:05Z07:00"
