package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"embercast-live/internal/models"
	"embercast-live/internal/storage"
)

type createChannelRequest struct {
	OwnerID  string   `json:"ownerId"`
	Title    string   `json:"title"`
	Category string   `json:"category"`
	Tags     []string `json:"tags"`
}

type updateChannelRequest struct {
	Title    *string   `json:"title"`
	Category *string   `json:"category"`
	Tags     *[]string `json:"tags"`
}

type channelResponse struct {
	ID        string   `json:"id"`
	OwnerID   string   `json:"ownerId"`
	Title     string   `json:"title"`
	Category  string   `json:"category,omitempty"`
	Tags      []string `json:"tags"`
	CreatedAt string   `json:"createdAt"`
	UpdatedAt string   `json:"updatedAt"`
}

func newChannelResponse(channel models.Channel) channelResponse {
	return channelResponse{
		ID:        channel.ID,
		OwnerID:   channel.OwnerID,
		Title:     channel.Title,
		Category:  channel.Category,
		Tags:      append([]string{}, channel.Tags...),
		CreatedAt: channel.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt: channel.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func (h *Handler) Channels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		ownerID := strings.TrimSpace(r.URL.Query().Get("owner"))
		channels := h.Store.ListChannels(ownerID)
		response := make([]channelResponse, 0, len(channels))
		for _, channel := range channels {
			response = append(response, newChannelResponse(channel))
		}
		writeJSON(w, http.StatusOK, response)
	case http.MethodPost:
		creator, ok := h.requireRole(w, r, roleCreator, roleAdmin)
		if !ok {
			return
		}
		var req createChannelRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		ownerID := strings.TrimSpace(req.OwnerID)
		if ownerID == "" {
			ownerID = creator.ID
		}
		if ownerID != creator.ID && !creator.HasRole(roleAdmin) {
			writeError(w, http.StatusForbidden, fmt.Errorf("only admins can create channels for other users"))
			return
		}
		channel, err := h.Store.CreateChannel(ownerID, req.Title, req.Category, req.Tags)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, newChannelResponse(channel))
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) ChannelByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/channels/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("channel id missing"))
		return
	}

	channel, ok := h.Store.GetChannel(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("channel %s not found", id))
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, newChannelResponse(channel))
	case http.MethodPatch:
		if _, ok := h.ensureChannelAccess(w, r, channel); !ok {
			return
		}
		var req updateChannelRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		update := storage.ChannelUpdate{
			Title:    req.Title,
			Category: req.Category,
		}
		if req.Tags != nil {
			update.Tags = append([]string{}, (*req.Tags)...)
		}
		updated, err := h.Store.UpdateChannel(id, update)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, newChannelResponse(updated))
	case http.MethodDelete:
		if _, ok := h.ensureChannelAccess(w, r, channel); !ok {
			return
		}
		if err := h.Store.DeleteChannel(id); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, PATCH, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}
