package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"embercast-live/internal/chat"
	"embercast-live/internal/models"
)

type moderationRequest struct {
	Action    string     `json:"action"`
	TargetID  string     `json:"targetId"`
	MessageID string     `json:"messageId"`
	ExpiresAt *time.Time `json:"expiresAt"`
	Reason    string     `json:"reason"`
}

type restrictionResponse struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	ChannelID string `json:"channelId"`
	TargetID  string `json:"targetId"`
	ActorID   string `json:"actorId,omitempty"`
	Reason    string `json:"reason,omitempty"`
	IssuedAt  string `json:"issuedAt"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

func newRestrictionResponse(restriction models.ChatRestriction) restrictionResponse {
	response := restrictionResponse{
		ID:        restriction.ID,
		Type:      restriction.Type,
		ChannelID: restriction.ChannelID,
		TargetID:  restriction.TargetID,
		ActorID:   restriction.ActorID,
		Reason:    restriction.Reason,
		IssuedAt:  restriction.IssuedAt.Format(time.RFC3339Nano),
	}
	if restriction.ExpiresAt != nil {
		response.ExpiresAt = restriction.ExpiresAt.Format(time.RFC3339Nano)
	}
	return response
}

// ChatChannelByID routes /api/chat/channels/{id}/{resource} to the transcript,
// moderation, and restriction handlers.
func (h *Handler) ChatChannelByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/api/chat/channels/")
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("invalid chat channel path"))
		return
	}
	channelID := parts[0]

	switch parts[1] {
	case "messages":
		h.ChatHistory(w, r, channelID)
	case "moderation":
		h.ChatModeration(w, r, channelID)
	case "restrictions":
		h.ChatRestrictions(w, r, channelID)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown chat resource %q", parts[1]))
	}
}

// ChatModeration applies a moderation action on behalf of the session user.
// Authorisation against the channel owner and admin roles happens inside the
// committer so every caller shares the same policy.
func (h *Handler) ChatModeration(w http.ResponseWriter, r *http.Request, channelID string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if h.Chat == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("chat moderation not configured"))
		return
	}

	actor, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}

	var req moderationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	event, err := h.Chat.Moderate(r.Context(), actor.ID, chat.ModerationEvent{
		Action:    chat.ModerationAction(strings.ToLower(strings.TrimSpace(req.Action))),
		ChannelID: channelID,
		TargetID:  strings.TrimSpace(req.TargetID),
		MessageID: strings.TrimSpace(req.MessageID),
		ExpiresAt: req.ExpiresAt,
		Reason:    strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// ChatRestrictions lists the active bans and mutes for a channel. Only the
// channel owner and admins can read the moderation ledger.
func (h *Handler) ChatRestrictions(w http.ResponseWriter, r *http.Request, channelID string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	channel, ok := h.Store.GetChannel(channelID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("channel %s not found", channelID))
		return
	}
	if _, ok := h.ensureChannelAccess(w, r, channel); !ok {
		return
	}

	restrictions := h.Store.ListChatRestrictions(channelID)
	response := make([]restrictionResponse, 0, len(restrictions))
	for _, restriction := range restrictions {
		response = append(response, newRestrictionResponse(restriction))
	}
	writeJSON(w, http.StatusOK, response)
}
