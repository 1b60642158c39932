package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"credits-generator/internal/credits"
	"credits-generator/internal/events"
	"credits-generator/internal/ingest"
	"credits-generator/internal/models"
)

// IngestEvent applies a platform event, or queues it when an inbound queue
// is configured.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var event events.Event
	if err := decodeJSONAllowUnknown(r, &event); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode event: %w", err))
		return
	}
	if strings.TrimSpace(event.Source) == "" || strings.TrimSpace(event.Type) == "" {
		writeError(w, http.StatusBadRequest, errors.New("source and type are required"))
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = h.now().UTC()
	}
	if h.Inbound != nil {
		if err := h.Inbound.Publish(r.Context(), event); err != nil {
			h.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"event": event.Key(), "status": "queued"})
		return
	}
	outcome, err := h.Ingest.HandleEvent(r.Context(), event)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"event": event.Key(), "status": string(outcome)})
}

// RegisterCustom stores a credit in an operator-defined category.
func (h *Handler) RegisterCustom(w http.ResponseWriter, r *http.Request) {
	var req ingest.CustomCredit
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entry, err := h.Ingest.RegisterCustom(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// RegisterManual stores a credit in a built-in category.
func (h *Handler) RegisterManual(w http.ResponseWriter, r *http.Request) {
	var req ingest.ManualCredit
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entry, err := h.Ingest.RegisterManual(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// RegisterBulk stores many credits at once.
func (h *Handler) RegisterBulk(w http.ResponseWriter, r *http.Request) {
	var req ingest.BulkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := h.Ingest.RegisterBulk(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

type clearRequest struct {
	All               bool     `json:"all"`
	BuiltInCategories []string `json:"builtInCategories"`
	CustomCategories  string   `json:"customCategories"`
}

// ClearCredits empties the requested categories.
func (h *Handler) ClearCredits(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cleared := h.Ingest.Clear(r.Context(), req.All, req.BuiltInCategories, req.CustomCategories)
	if cleared == nil {
		cleared = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"cleared": cleared})
}

// ResetSession clears the ledger, the avatar cache and remembered identities.
func (h *Handler) ResetSession(w http.ResponseWriter, r *http.Request) {
	h.Ingest.ResetSession(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

type categoryResponse struct {
	Category string                `json:"category"`
	Users    []string              `json:"users"`
	Entries  []models.CreditedUser `json:"entries"`
}

// CategoryUsers lists the usernames credited in a category. A ByAmount
// suffix selects amount-descending order.
func (h *Handler) CategoryUsers(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	entries := h.Aggregator.Entries(r.Context(), category)
	users := make([]string, 0, len(entries))
	for _, entry := range entries {
		users = append(users, entry.Username)
	}
	writeJSON(w, http.StatusOK, categoryResponse{Category: category, Users: users, Entries: entries})
}

// Snapshot renders the credits JSON. Blank category parameters are ignored;
// repeating a non-blank one is rejected.
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	document, err := h.Aggregator.SnapshotJSON(r.Context(), queryCategories(r)...)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeRawJSON(w, http.StatusOK, document)
}

func queryCategories(r *http.Request) []string {
	var categories []string
	for _, value := range r.URL.Query()["category"] {
		if strings.TrimSpace(value) != "" {
			categories = append(categories, value)
		}
	}
	return categories
}

type snapshotRequest struct {
	Category string `json:"category"`
}

func (req snapshotRequest) args() []string {
	if strings.TrimSpace(req.Category) == "" {
		return nil
	}
	return []string{req.Category}
}

// WriteDataFile renders the snapshot into the configured data file.
func (h *Handler) WriteDataFile(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(h.DataFilePath) == "" {
		writeError(w, http.StatusNotImplemented, errors.New("data file path is not configured"))
		return
	}
	var req snapshotRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	document, err := h.Aggregator.SnapshotJSON(r.Context(), req.args()...)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if err := credits.WriteDataFile(h.DataFilePath, document); err != nil {
		h.writeDomainError(w, r, fmt.Errorf("write data file: %w", err))
		return
	}
	h.logger(r.Context()).Info("data file written", "path", h.DataFilePath, "bytes", len(document))
	writeJSON(w, http.StatusOK, map[string]interface{}{"path": h.DataFilePath, "bytes": len(document)})
}
