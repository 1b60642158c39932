package api

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"credits-generator/internal/events"
	"credits-generator/internal/observability/logging"
	"credits-generator/internal/storage"
)

// IntegrationPrefix is the path under which displays fetch generations.
const IntegrationPrefix = "/integrations/" + events.NotificationSource

type generationResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func generationPath(id string) string {
	return strings.TrimPrefix(IntegrationPrefix, "/") + "/" + url.PathEscape(id) + "/credits.html"
}

// CreateGeneration renders a snapshot and stores it for a display to fetch.
func (h *Handler) CreateGeneration(w http.ResponseWriter, r *http.Request) {
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
	generation := h.Generations.Create(document)
	h.Metrics.SetGenerations(h.Generations.Len())
	ctx := logging.ContextWithGenerationID(r.Context(), generation.ID)
	h.logger(ctx).Info("credits generation created", "bytes", len(document))
	if h.Displays != nil {
		h.Displays.Broadcast(events.GenerationCreated(generation.ID, generation.CreatedAt.UTC()))
	}
	writeJSON(w, http.StatusCreated, generationResponse{ID: generation.ID, URL: generationPath(generation.ID)})
}

// GenerationData serves the stored snapshot JSON.
func (h *Handler) GenerationData(w http.ResponseWriter, r *http.Request) {
	generation, err := h.Generations.Get(chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrGenerationNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "Generation not found"})
		return
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeRawJSON(w, http.StatusOK, generation.JSONData)
}

// CompleteGeneration announces that a display finished rolling the credits.
// The notification is sent for any id, stored or not.
func (h *Handler) CompleteGeneration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := logging.ContextWithGenerationID(r.Context(), id)
	ended := events.CreditsEnded(id, h.now().UTC())
	if h.Notifications != nil {
		if err := h.Notifications.Publish(ctx, ended); err != nil {
			h.logger(ctx).Warn("credits-ended notification failed", "error", err)
		}
	}
	if h.Displays != nil {
		h.Displays.Broadcast(ended)
	}
	h.logger(ctx).Info("credits display completed")
	w.WriteHeader(http.StatusNoContent)
}

// DisplayFeed streams generation events to a credits page over WebSocket.
func (h *Handler) DisplayFeed(w http.ResponseWriter, r *http.Request) {
	if h.Displays == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "display feed disabled"})
		return
	}
	h.Displays.HandleConnection(w, r)
}

// LegacyCreditsPage redirects the old single-page URL to a concrete
// generation: the one named by ?generationId= or the most recent.
func (h *Handler) LegacyCreditsPage(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("generationId"))
	if id == "" {
		latest, ok := h.Generations.MostRecent()
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "No credits generations available"})
			return
		}
		id = latest.ID
	}
	http.Redirect(w, r, "/"+generationPath(id), http.StatusFound)
}
