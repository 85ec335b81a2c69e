package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"embercast-live/internal/models"
)

type grantCreditsRequest struct {
	Amount int64 `json:"amount"`
}

type walletResponse struct {
	UserID    string `json:"userId"`
	Balance   int64  `json:"balance"`
	UpdatedAt string `json:"updatedAt"`
}

type ledgerEntryResponse struct {
	ID           string `json:"id"`
	UserID       string `json:"userId"`
	Type         string `json:"type"`
	Amount       int64  `json:"amount"`
	BalanceAfter int64  `json:"balanceAfter"`
	ReferenceID  string `json:"referenceId,omitempty"`
	CreatedAt    string `json:"createdAt"`
}

func newWalletResponse(wallet models.Wallet) walletResponse {
	return walletResponse{
		UserID:    wallet.UserID,
		Balance:   wallet.Balance,
		UpdatedAt: wallet.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func newLedgerEntryResponse(entry models.LedgerEntry) ledgerEntryResponse {
	return ledgerEntryResponse{
		ID:           entry.ID,
		UserID:       entry.UserID,
		Type:         entry.Type,
		Amount:       entry.Amount,
		BalanceAfter: entry.BalanceAfter,
		ReferenceID:  entry.ReferenceID,
		CreatedAt:    entry.CreatedAt.Format(time.RFC3339Nano),
	}
}

// WalletByUserID routes /api/wallets/{id} and /api/wallets/{id}/{resource}.
// Balance and ledger reads are allowed for the wallet owner and admins; grants
// are admin only.
func (h *Handler) WalletByUserID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/api/wallets/")
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("wallet user id missing"))
		return
	}
	userID := parts[0]

	switch {
	case len(parts) == 1:
		h.walletBalance(w, r, userID)
	case len(parts) == 2 && parts[1] == "ledger":
		h.walletLedger(w, r, userID)
	case len(parts) == 2 && parts[1] == "grants":
		h.walletGrant(w, r, userID)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown wallet resource"))
	}
}

func (h *Handler) requireWalletAccess(w http.ResponseWriter, r *http.Request, userID string) (models.User, bool) {
	requester, ok := h.requireAuthenticatedUser(w, r)
	if !ok {
		return models.User{}, false
	}
	if requester.ID != userID && !requester.HasRole(roleAdmin) {
		writeError(w, http.StatusForbidden, fmt.Errorf("forbidden"))
		return models.User{}, false
	}
	return requester, true
}

func (h *Handler) walletBalance(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if _, ok := h.requireWalletAccess(w, r, userID); !ok {
		return
	}
	wallet, ok := h.Store.Wallet(userID)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("wallet for user %s not found", userID))
		return
	}
	writeJSON(w, http.StatusOK, newWalletResponse(wallet))
}

func (h *Handler) walletLedger(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if _, ok := h.requireWalletAccess(w, r, userID); !ok {
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
	entries, err := h.Store.ListLedgerEntries(userID, limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	response := make([]ledgerEntryResponse, 0, len(entries))
	for _, entry := range entries {
		response = append(response, newLedgerEntryResponse(entry))
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *Handler) walletGrant(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	actor, ok := h.requireRole(w, r, roleAdmin)
	if !ok {
		return
	}
	var req grantCreditsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	wallet, entry, err := h.Store.GrantCredits(userID, req.Amount, actor.ID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.recorder().ObserveCreditGrant(entry.Amount)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"wallet": newWalletResponse(wallet),
		"entry":  newLedgerEntryResponse(entry),
	})
}
