package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"embercast-live/internal/chat"
	"embercast-live/internal/models"
)

// CommitChatMessage runs the atomic send transaction for the JSON driver:
// the wallet debit, the message row, and the ledger entry land together under
// the storage mutex, and a failed persist rolls all three back.
func (s *Storage) CommitChatMessage(ctx context.Context, params chat.CommitParams) (chat.CommitResult, error) {
	if err := ctx.Err(); err != nil {
		return chat.CommitResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Channels[params.ChannelID]; !ok {
		return chat.CommitResult{}, fmt.Errorf("channel %s: %w", params.ChannelID, chat.ErrNotFound)
	}
	if _, ok := s.data.Users[params.SenderID]; !ok {
		return chat.CommitResult{}, fmt.Errorf("user %s: %w", params.SenderID, chat.ErrNotFound)
	}

	now := s.now()
	if err := s.ensureChatAccessLocked(params.ChannelID, params.SenderID, now); err != nil {
		return chat.CommitResult{}, err
	}

	content := strings.TrimSpace(params.Content)
	if content == "" {
		return chat.CommitResult{}, fmt.Errorf("empty message content: %w", chat.ErrValidation)
	}
	if len([]rune(content)) > chat.MaxMessageRunes {
		return chat.CommitResult{}, fmt.Errorf("message content exceeds %d characters: %w", chat.MaxMessageRunes, chat.ErrValidation)
	}

	var (
		previousWallet models.Wallet
		hadWallet      bool
		ledger         *models.LedgerEntry
	)
	if !params.SkipDebit {
		wallet, ok := s.data.Wallets[params.SenderID]
		if !ok || wallet.Balance < 1 {
			return chat.CommitResult{}, chat.ErrInsufficientCredits
		}
		previousWallet, hadWallet = wallet, true

		entryID, err := generateID()
		if err != nil {
			return chat.CommitResult{}, err
		}
		wallet.Balance--
		wallet.UpdatedAt = now
		ledger = &models.LedgerEntry{
			ID:           entryID,
			UserID:       params.SenderID,
			Type:         models.LedgerEntryDebit,
			Amount:       1,
			BalanceAfter: wallet.Balance,
			CreatedAt:    now,
		}
		s.data.Wallets[params.SenderID] = wallet
	}

	id, err := generateID()
	if err != nil {
		if hadWallet {
			s.data.Wallets[params.SenderID] = previousWallet
		}
		return chat.CommitResult{}, err
	}

	message := models.ChatMessage{
		ID:        id,
		ChannelID: params.ChannelID,
		UserID:    params.SenderID,
		Content:   content,
		CreatedAt: now,
	}

	if ledger != nil {
		ledger.ReferenceID = message.ID
		s.data.Ledger[ledger.ID] = *ledger
	}
	s.data.ChatMessages[id] = message

	if err := s.persist(); err != nil {
		delete(s.data.ChatMessages, id)
		if ledger != nil {
			delete(s.data.Ledger, ledger.ID)
		}
		if hadWallet {
			s.data.Wallets[params.SenderID] = previousWallet
		}
		return chat.CommitResult{}, err
	}

	return chat.CommitResult{Message: message, Ledger: ledger}, nil
}

func (s *Storage) ensureChatAccessLocked(channelID, userID string, now time.Time) error {
	if s.isChatBannedLocked(channelID, userID) {
		return fmt.Errorf("user banned from channel: %w", chat.ErrRestricted)
	}
	if expiry, ok := s.chatMuteLocked(channelID, userID); ok {
		if now.Before(expiry) {
			return fmt.Errorf("user muted until %s: %w", expiry.UTC().Format(time.RFC3339), chat.ErrRestricted)
		}
		s.removeChatMuteLocked(channelID, userID)
	}
	return nil
}

func (s *Storage) isChatBannedLocked(channelID, userID string) bool {
	if bans := s.data.ChatBans[channelID]; bans != nil {
		if _, exists := bans[userID]; exists {
			return true
		}
	}
	return false
}

func (s *Storage) chatMuteLocked(channelID, userID string) (time.Time, bool) {
	if mutes := s.data.ChatMutes[channelID]; mutes != nil {
		expiry, ok := mutes[userID]
		if ok {
			return expiry, true
		}
	}
	return time.Time{}, false
}

func (s *Storage) removeChatMuteLocked(channelID, userID string) {
	if mutes := s.data.ChatMutes[channelID]; mutes != nil {
		delete(mutes, userID)
		if len(mutes) == 0 {
			delete(s.data.ChatMutes, channelID)
		}
	}
	if meta := s.data.MuteMeta[channelID]; meta != nil {
		delete(meta, userID)
		if len(meta) == 0 {
			delete(s.data.MuteMeta, channelID)
		}
	}
}

func (s *Storage) removeChatBanLocked(channelID, userID string) {
	if bans := s.data.ChatBans[channelID]; bans != nil {
		delete(bans, userID)
		if len(bans) == 0 {
			delete(s.data.ChatBans, channelID)
		}
	}
	if meta := s.data.BanMeta[channelID]; meta != nil {
		delete(meta, userID)
		if len(meta) == 0 {
			delete(s.data.BanMeta, channelID)
		}
	}
}

// ListChatMessagesBefore returns a reverse-chronological page of messages
// strictly older than beforeID. An empty beforeID starts from the newest
// message.
func (s *Storage) ListChatMessagesBefore(channelID, beforeID string, limit int) ([]models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.data.Channels[channelID]; !ok {
		return nil, fmt.Errorf("channel %s: %w", channelID, chat.ErrNotFound)
	}

	if limit <= 0 {
		limit = DefaultHistoryPageSize
	}
	if limit > MaxHistoryPageSize {
		limit = MaxHistoryPageSize
	}

	var cursor *models.ChatMessage
	if beforeID != "" {
		anchor, ok := s.data.ChatMessages[beforeID]
		if !ok || anchor.ChannelID != channelID {
			return nil, fmt.Errorf("cursor %s: %w", beforeID, chat.ErrNotFound)
		}
		cursor = &anchor
	}

	messages := make([]models.ChatMessage, 0)
	for _, message := range s.data.ChatMessages {
		if message.ChannelID != channelID {
			continue
		}
		if cursor != nil && !olderThan(message, *cursor) {
			continue
		}
		messages = append(messages, message)
	}

	sort.Slice(messages, func(i, j int) bool {
		if messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].ID > messages[j].ID
		}
		return messages[i].CreatedAt.After(messages[j].CreatedAt)
	})

	if len(messages) > limit {
		messages = messages[:limit]
	}
	return messages, nil
}

// olderThan orders messages by (CreatedAt, ID) so pagination stays stable
// when timestamps collide.
func olderThan(candidate, anchor models.ChatMessage) bool {
	if candidate.CreatedAt.Equal(anchor.CreatedAt) {
		return candidate.ID < anchor.ID
	}
	return candidate.CreatedAt.Before(anchor.CreatedAt)
}

// DeleteChatMessage removes a single chat message from the transcript. It is
// idempotent: deleting an already-removed message succeeds.
func (s *Storage) DeleteChatMessage(channelID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Channels[channelID]; !ok {
		return fmt.Errorf("channel %s: %w", channelID, chat.ErrNotFound)
	}

	message, ok := s.data.ChatMessages[messageID]
	if !ok {
		return nil
	}
	if message.ChannelID != channelID {
		return nil
	}

	delete(s.data.ChatMessages, messageID)
	if err := s.persist(); err != nil {
		s.data.ChatMessages[messageID] = message
		return err
	}
	return nil
}

// ApplyChatEvent persists the durable effect of a replicated chat event.
// Message events upsert the transcript row; moderation events maintain the
// ban and mute tables. Delete actions are handled by DeleteChatMessage and
// pass through here as no-ops.
func (s *Storage) ApplyChatEvent(evt chat.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureDatasetInitializedLocked()

	switch evt.Type {
	case chat.EventTypeMessage:
		if evt.Message == nil {
			return fmt.Errorf("message payload missing")
		}
		message := models.ChatMessage(*evt.Message)
		if message.ID == "" || message.ChannelID == "" || message.UserID == "" {
			return fmt.Errorf("invalid message event")
		}
		message.CreatedAt = message.CreatedAt.UTC()
		s.data.ChatMessages[message.ID] = message
	case chat.EventTypeModeration:
		if evt.Moderation == nil {
			return fmt.Errorf("moderation payload missing")
		}
		s.applyModerationLocked(*evt.Moderation, evt.OccurredAt)
	default:
		return fmt.Errorf("unsupported chat event %q", evt.Type)
	}

	return s.persist()
}

func (s *Storage) applyModerationLocked(evt chat.ModerationEvent, occurredAt time.Time) {
	issued := occurredAt.UTC()
	if issued.IsZero() {
		issued = s.now()
	}
	switch evt.Action {
	case chat.ModerationActionBan:
		if s.data.ChatBans[evt.ChannelID] == nil {
			s.data.ChatBans[evt.ChannelID] = make(map[string]time.Time)
		}
		s.data.ChatBans[evt.ChannelID][evt.TargetID] = issued
		if s.data.BanMeta[evt.ChannelID] == nil {
			s.data.BanMeta[evt.ChannelID] = make(map[string]restrictionMeta)
		}
		s.data.BanMeta[evt.ChannelID][evt.TargetID] = restrictionMeta{
			Actor:    evt.ActorID,
			Reason:   strings.TrimSpace(evt.Reason),
			IssuedAt: issued,
		}
	case chat.ModerationActionUnban:
		s.removeChatBanLocked(evt.ChannelID, evt.TargetID)
	case chat.ModerationActionMute:
		if evt.ExpiresAt == nil {
			return
		}
		if s.data.ChatMutes[evt.ChannelID] == nil {
			s.data.ChatMutes[evt.ChannelID] = make(map[string]time.Time)
		}
		s.data.ChatMutes[evt.ChannelID][evt.TargetID] = evt.ExpiresAt.UTC()
		if s.data.MuteMeta[evt.ChannelID] == nil {
			s.data.MuteMeta[evt.ChannelID] = make(map[string]restrictionMeta)
		}
		s.data.MuteMeta[evt.ChannelID][evt.TargetID] = restrictionMeta{
			Actor:    evt.ActorID,
			Reason:   strings.TrimSpace(evt.Reason),
			IssuedAt: issued,
		}
	case chat.ModerationActionUnmute:
		s.removeChatMuteLocked(evt.ChannelID, evt.TargetID)
	case chat.ModerationActionDelete:
		// transcript rows are removed via DeleteChatMessage
	}
}

// ChatRestrictions snapshots the ban and mute tables for bootstrap of the
// in-memory gate, pruning mutes that have already expired.
func (s *Storage) ChatRestrictions() chat.RestrictionsSnapshot {
	now := s.nowSafe()

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := chat.RestrictionsSnapshot{
		Bans:  make(map[string]map[string]struct{}),
		Mutes: make(map[string]map[string]time.Time),
	}

	for channelID, bans := range s.data.ChatBans {
		if len(bans) == 0 {
			continue
		}
		users := make(map[string]struct{}, len(bans))
		for userID := range bans {
			users[userID] = struct{}{}
		}
		snapshot.Bans[channelID] = users
	}

	pruned := false
	for channelID, mutes := range s.data.ChatMutes {
		users := make(map[string]time.Time, len(mutes))
		for userID, expiry := range mutes {
			if !expiry.After(now) {
				pruned = true
				s.removeChatMuteLocked(channelID, userID)
				continue
			}
			users[userID] = expiry.UTC()
		}
		if len(users) > 0 {
			snapshot.Mutes[channelID] = users
		}
	}

	if pruned {
		if err := s.persist(); err != nil {
			slog.Error("persist pruned chat mutes", "err", err)
		}
	}

	return snapshot
}

func (s *Storage) IsChatBanned(channelID, userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isChatBannedLocked(channelID, userID)
}

func (s *Storage) ChatMute(channelID, userID string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	expiry, ok := s.chatMuteLocked(channelID, userID)
	if !ok || !expiry.After(s.nowSafe()) {
		return time.Time{}, false
	}
	return expiry, true
}

// ListChatRestrictions returns the current bans and mutes for a channel.
func (s *Storage) ListChatRestrictions(channelID string) []models.ChatRestriction {
	now := s.nowSafe()

	s.mu.Lock()
	defer s.mu.Unlock()

	restrictions := make([]models.ChatRestriction, 0)
	if bans := s.data.ChatBans[channelID]; bans != nil {
		for userID, issued := range bans {
			meta := s.data.BanMeta[channelID][userID]
			restrictions = append(restrictions, models.ChatRestriction{
				ID:        fmt.Sprintf("ban:%s:%s", channelID, userID),
				Type:      "ban",
				ChannelID: channelID,
				TargetID:  userID,
				ActorID:   meta.Actor,
				Reason:    meta.Reason,
				IssuedAt:  issued,
			})
		}
	}
	if mutes := s.data.ChatMutes[channelID]; mutes != nil {
		for userID, expiry := range mutes {
			if !expiry.After(now) {
				continue
			}
			meta := s.data.MuteMeta[channelID][userID]
			issuedAt := meta.IssuedAt
			if issuedAt.IsZero() {
				issuedAt = expiry.UTC()
			}
			expCopy := expiry.UTC()
			restrictions = append(restrictions, models.ChatRestriction{
				ID:        fmt.Sprintf("mute:%s:%s", channelID, userID),
				Type:      "mute",
				ChannelID: channelID,
				TargetID:  userID,
				ActorID:   meta.Actor,
				Reason:    meta.Reason,
				IssuedAt:  issuedAt,
				ExpiresAt: &expCopy,
			})
		}
	}
	sort.Slice(restrictions, func(i, j int) bool {
		if restrictions[i].IssuedAt.Equal(restrictions[j].IssuedAt) {
			return restrictions[i].ID < restrictions[j].ID
		}
		return restrictions[i].IssuedAt.After(restrictions[j].IssuedAt)
	})
	return restrictions
}

// nowSafe tolerates a Storage built without NewStorage, which tests sometimes do.
func (s *Storage) nowSafe() time.Time {
	if s.now == nil {
		return time.Now().UTC()
	}
	return s.now()
}
