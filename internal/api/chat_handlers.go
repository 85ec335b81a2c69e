package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"embercast-live/internal/chat"
	"embercast-live/internal/models"
)

type chatTokenRequest struct {
	ChannelID string `json:"channelId"`
}

type chatTokenResponse struct {
	Token     string `json:"token"`
	Role      string `json:"role"`
	ExpiresAt string `json:"expiresAt"`
}

type chatSendRequest struct {
	Token   string `json:"token"`
	Message string `json:"message"`
}

type chatSendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
	Remaining int    `json:"remaining"`
}

type chatMessageResponse struct {
	ID        string `json:"id"`
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
}

func newChatMessageResponse(message models.ChatMessage) chatMessageResponse {
	return chatMessageResponse{
		ID:        message.ID,
		ChannelID: message.ChannelID,
		UserID:    message.UserID,
		Content:   message.Content,
		CreatedAt: message.CreatedAt.Format(time.RFC3339Nano),
	}
}

// writeChatError maps commit pipeline sentinels onto the send endpoint's
// status contract.
func writeChatError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrValidation):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, chat.ErrTokenInvalid):
		writeError(w, http.StatusUnauthorized, err)
	case errors.Is(err, chat.ErrInsufficientCredits):
		writeError(w, http.StatusPaymentRequired, err)
	case errors.Is(err, chat.ErrRestricted):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, chat.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

// ChatToken mints a channel-scoped chat token for the session user. The role
// baked into the token is advisory; the committer re-derives privileges from
// storage on every send.
func (h *Handler) ChatToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if h.Tokens == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("chat tokens not configured"))
		return
	}

	user, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return
	}

	var req chatTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	channelID := strings.TrimSpace(req.ChannelID)
	if channelID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("channelId is required"))
		return
	}
	channel, ok := h.Store.GetChannel(channelID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("channel %s not found", channelID))
		return
	}

	role := chat.TokenRoleViewer
	switch {
	case user.ID == channel.OwnerID:
		role = chat.TokenRoleOwner
	case user.HasRole(roleAdmin):
		role = chat.TokenRoleAdmin
	}

	token, expiresAt, err := h.Tokens.Mint(user.ID, channel.ID, role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, chatTokenResponse{
		Token:     token,
		Role:      role,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339Nano),
	})
}

// ChatStream upgrades the request into a long-lived event stream. The token
// arrives via ?token= or the Authorization header; the response emits
// newline-delimited SSE frames until the client disconnects or the registry
// drops the connection.
func (h *Handler) ChatStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if h.Tokens == nil || h.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("chat stream not configured"))
		return
	}

	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		token = ExtractToken(r)
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("missing chat token"))
		return
	}
	claims, err := h.Tokens.Verify(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid chat token"))
		return
	}
	if _, ok := h.Store.GetChannel(claims.ChannelID); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("channel %s not found", claims.ChannelID))
		return
	}
	if h.Store.IsChatBanned(claims.ChannelID, claims.UserID) {
		writeError(w, http.StatusForbidden, fmt.Errorf("user is banned from this channel"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	conn, err := h.Registry.Subscribe(claims.ChannelID, claims.UserID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	defer h.Registry.Unsubscribe(conn)

	recorder := h.recorder()
	recorder.ConnectionOpened()
	defer recorder.ConnectionClosed()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			return
		case event, open := <-conn.Events():
			if !open {
				return
			}
			if event.Type == chat.EventTypeKeepalive {
				if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
					return
				}
				flusher.Flush()
				conn.MarkActivity()
				continue
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
			conn.MarkActivity()
		}
	}
}

// ChatSend validates the chat token, checks the sender's rate limit window
// without consuming quota, commits the message, and only then burns quota.
func (h *Handler) ChatSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if h.Tokens == nil || h.Chat == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("chat sends not configured"))
		return
	}

	var req chatSendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		token = ExtractToken(r)
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("missing chat token"))
		return
	}
	claims, err := h.Tokens.Verify(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid chat token"))
		return
	}

	ctx := r.Context()
	// The quota is per user: exhausting the window in one channel must not
	// leave fresh quota in another.
	limiterKey := claims.UserID
	if h.SendLimiter != nil {
		if ok, resetIn := h.SendLimiter.CanSend(ctx, limiterKey); !ok {
			h.recorder().ObserveRateLimited("chat_send")
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error":   "rate limit exceeded",
				"resetIn": resetIn.Round(time.Millisecond).Seconds(),
			})
			return
		}
	}

	result, err := h.Chat.Commit(ctx, claims.ChannelID, claims.UserID, req.Message)
	if err != nil {
		writeChatError(w, err)
		return
	}

	remaining := 0
	if h.SendLimiter != nil {
		h.SendLimiter.Increment(ctx, limiterKey)
		remaining = h.SendLimiter.Remaining(ctx, limiterKey)
	}
	writeJSON(w, http.StatusOK, chatSendResponse{
		Success:   true,
		MessageID: result.Message.ID,
		Remaining: remaining,
	})
}

// ChatHistory pages a channel transcript backwards from the `before` cursor.
func (h *Handler) ChatHistory(w http.ResponseWriter, r *http.Request, channelID string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}
	before := strings.TrimSpace(r.URL.Query().Get("before"))

	messages, err := h.Store.ListChatMessagesBefore(channelID, before, limit)
	if err != nil {
		writeChatError(w, err)
		return
	}
	response := make([]chatMessageResponse, 0, len(messages))
	for _, message := range messages {
		response = append(response, newChatMessageResponse(message))
	}
	writeJSON(w, http.StatusOK, response)
}
