package storage

import (
	"errors"
	"fmt"
	"sort"

	"embercast-live/internal/models"
)

// Wallet returns the credit wallet for a user.
func (s *Storage) Wallet(userID string) (models.Wallet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wallet, ok := s.data.Wallets[userID]
	return wallet, ok
}

// GrantCredits adds amount credits to a user's wallet and records a ledger
// entry referencing the granting actor. The wallet is created on first grant
// for accounts imported without one.
func (s *Storage) GrantCredits(userID string, amount int64, actorID string) (models.Wallet, models.LedgerEntry, error) {
	if amount <= 0 {
		return models.Wallet{}, models.LedgerEntry{}, errors.New("grant amount must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Users[userID]; !ok {
		return models.Wallet{}, models.LedgerEntry{}, fmt.Errorf("user %s not found", userID)
	}

	now := s.nowSafe()
	previous, hadWallet := s.data.Wallets[userID]
	wallet := previous
	if !hadWallet {
		wallet = models.Wallet{UserID: userID}
	}
	wallet.Balance += amount
	wallet.UpdatedAt = now

	entryID, err := generateID()
	if err != nil {
		return models.Wallet{}, models.LedgerEntry{}, err
	}
	entry := models.LedgerEntry{
		ID:           entryID,
		UserID:       userID,
		Type:         models.LedgerEntryCredit,
		Amount:       amount,
		BalanceAfter: wallet.Balance,
		ReferenceID:  actorID,
		CreatedAt:    now,
	}

	s.data.Wallets[userID] = wallet
	s.data.Ledger[entryID] = entry
	if err := s.persist(); err != nil {
		if hadWallet {
			s.data.Wallets[userID] = previous
		} else {
			delete(s.data.Wallets, userID)
		}
		delete(s.data.Ledger, entryID)
		return models.Wallet{}, models.LedgerEntry{}, err
	}

	return wallet, entry, nil
}

// ListLedgerEntries returns a user's ledger newest first.
func (s *Storage) ListLedgerEntries(userID string, limit int) ([]models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.data.Users[userID]; !ok {
		return nil, fmt.Errorf("user %s not found", userID)
	}

	if limit <= 0 || limit > MaxLedgerPageSize {
		limit = MaxLedgerPageSize
	}

	entries := make([]models.LedgerEntry, 0)
	for _, entry := range s.data.Ledger {
		if entry.UserID == userID {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ID > entries[j].ID
		}
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
