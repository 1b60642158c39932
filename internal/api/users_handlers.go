package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"credits-generator/internal/viewers"
)

// ClearUser removes every credit for the user in the path.
func (h *Handler) ClearUser(w http.ResponseWriter, r *http.Request) {
	if err := h.Ingest.ClearByUser(r.Context(), chi.URLParam(r, "username")); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BlockUser adds the user to the block list.
func (h *Handler) BlockUser(w http.ResponseWriter, r *http.Request) {
	if err := h.Ingest.BlockUser(r.Context(), chi.URLParam(r, "username")); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UnblockUser removes the user from the block list.
func (h *Handler) UnblockUser(w http.ResponseWriter, r *http.Request) {
	if err := h.Ingest.UnblockUser(r.Context(), chi.URLParam(r, "username")); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BlockStatus reports whether the user is blocked.
func (h *Handler) BlockStatus(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"username": username,
		"blocked":  h.Ingest.IsBlocked(username),
	})
}

// Avatar resolves the profile picture for a user.
func (h *Handler) Avatar(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	writeJSON(w, http.StatusOK, map[string]string{
		"username": username,
		"url":      h.Avatars.Resolve(r.Context(), username),
	})
}

type avatarRequest struct {
	URL string `json:"url" validate:"required,url"`
}

// SetAvatar stores a known profile picture for a user.
func (h *Handler) SetAvatar(w http.ResponseWriter, r *http.Request) {
	var req avatarRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	if err := h.Ingest.Validator().Struct(req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	username := chi.URLParam(r, "username")
	h.Avatars.Update(username, req.URL)
	writeJSON(w, http.StatusOK, map[string]string{"username": username, "url": req.URL})
}

// ClearAvatars empties the avatar cache.
func (h *Handler) ClearAvatars(w http.ResponseWriter, r *http.Request) {
	h.Avatars.Clear()
	w.WriteHeader(http.StatusNoContent)
}

type viewerRequest struct {
	DisplayName   string   `json:"displayName"`
	ProfilePicURL string   `json:"profilePicUrl" validate:"omitempty,url"`
	Roles         []string `json:"roles"`
}

// UpsertViewer writes a viewer profile into the directory.
func (h *Handler) UpsertViewer(w http.ResponseWriter, r *http.Request) {
	if h.Viewers == nil {
		writeError(w, http.StatusNotImplemented, errors.New("viewer directory is read-only"))
		return
	}
	var req viewerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.ProfilePicURL = strings.TrimSpace(req.ProfilePicURL)
	if err := h.Ingest.Validator().Struct(req); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	viewer := viewers.Viewer{
		Username:      strings.TrimSpace(chi.URLParam(r, "username")),
		DisplayName:   strings.TrimSpace(req.DisplayName),
		ProfilePicURL: req.ProfilePicURL,
		Roles:         req.Roles,
	}
	if err := h.Ingest.Validator().Struct(viewer); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if err := h.Viewers.UpsertViewer(r.Context(), viewer); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if viewer.ProfilePicURL != "" {
		h.Avatars.Update(viewer.Username, viewer.ProfilePicURL)
	}
	writeJSON(w, http.StatusOK, viewer)
}
