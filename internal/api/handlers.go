package api

import (
	"net/http"
	"time"

	"embercast-live/internal/auth"
	"embercast-live/internal/chat"
	"embercast-live/internal/observability/metrics"
	"embercast-live/internal/storage"
)

type Handler struct {
	Store               storage.Repository
	Sessions            *auth.SessionManager
	Chat                *chat.Committer
	Registry            *chat.Registry
	Tokens              *chat.TokenIssuer
	SendLimiter         *chat.SendLimiter
	Metrics             *metrics.Recorder
	AllowSelfSignup     bool
	SessionCookiePolicy SessionCookiePolicy
}

func NewHandler(store storage.Repository, sessions *auth.SessionManager) *Handler {
	if sessions == nil {
		sessions = auth.NewSessionManager(24 * time.Hour)
	}
	return &Handler{Store: store, Sessions: sessions}
}

func (h *Handler) sessionManager() *auth.SessionManager {
	if h.Sessions == nil {
		h.Sessions = auth.NewSessionManager(24 * time.Hour)
	}
	return h.Sessions
}

func (h *Handler) recorder() *metrics.Recorder {
	if h.Metrics == nil {
		return metrics.Default()
	}
	return h.Metrics
}

// Health reports readiness of the datastore and session backend.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	checks := map[string]string{}

	if h.Store != nil {
		if err := h.Store.Ping(r.Context()); err != nil {
			status = "degraded"
			checks["store"] = err.Error()
		} else {
			checks["store"] = "ok"
		}
	}
	if h.Sessions != nil {
		if err := h.Sessions.Ping(r.Context()); err != nil {
			status = "degraded"
			checks["sessions"] = err.Error()
		} else {
			checks["sessions"] = "ok"
		}
	}

	payload := map[string]interface{}{
		"status": status,
		"checks": checks,
		"time":   time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}
