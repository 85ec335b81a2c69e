package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"embercast-live/internal/chat"
	"embercast-live/internal/models"
)

func newTestStorage(t *testing.T, opts ...Option) *Storage {
	t.Helper()
	store, err := NewStorage(filepath.Join(t.TempDir(), "store.json"), opts...)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	return store
}

func createTestUser(t *testing.T, store *Storage, name string, grant int64) string {
	t.Helper()
	user, err := store.CreateUser(CreateUserParams{
		DisplayName: name,
		Email:       name + "@example.com",
		Password:    "correct horse battery staple",
		SignupGrant: &grant,
	})
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", name, err)
	}
	return user.ID
}

func createTestChannel(t *testing.T, store *Storage, ownerID string) string {
	t.Helper()
	channel, err := store.CreateChannel(ownerID, "Late Night Coding", "programming", []string{"go", "live"})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	return channel.ID
}

func TestCreateUserGrantsSignupWallet(t *testing.T) {
	store := newTestStorage(t)

	user, err := store.CreateUser(CreateUserParams{
		DisplayName: "Viewer",
		Email:       "viewer@example.com",
		Password:    "hunter2hunter2",
		SelfSignup:  true,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	wallet, ok := store.Wallet(user.ID)
	if !ok {
		t.Fatal("expected wallet to exist after signup")
	}
	if wallet.Balance != DefaultSignupGrant {
		t.Fatalf("balance = %d, want %d", wallet.Balance, DefaultSignupGrant)
	}

	entries, err := store.ListLedgerEntries(user.ID, 10)
	if err != nil {
		t.Fatalf("ListLedgerEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(entries))
	}
	if entries[0].Type != "credit" || entries[0].ReferenceID != "signup" {
		t.Fatalf("unexpected signup entry: %+v", entries[0])
	}
}

func TestCreateUserRejectsDuplicateEmail(t *testing.T) {
	store := newTestStorage(t)
	createTestUser(t, store, "alice", 10)

	_, err := store.CreateUser(CreateUserParams{
		DisplayName: "Alice Again",
		Email:       "ALICE@example.com ",
		Password:    "another password",
	})
	if err == nil {
		t.Fatal("expected duplicate email to be rejected")
	}
}

func TestAuthenticateUser(t *testing.T) {
	store := newTestStorage(t)
	createTestUser(t, store, "bob", 10)

	if _, err := store.AuthenticateUser("bob@example.com", "correct horse battery staple"); err != nil {
		t.Fatalf("AuthenticateUser: %v", err)
	}
	if _, err := store.AuthenticateUser("bob@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("wrong password error = %v, want ErrInvalidCredentials", err)
	}
	if _, err := store.AuthenticateUser("nobody@example.com", "whatever"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown user error = %v, want ErrInvalidCredentials", err)
	}
}

func TestCommitChatMessageDebitsWallet(t *testing.T) {
	store := newTestStorage(t)
	ownerID := createTestUser(t, store, "owner", 0)
	senderID := createTestUser(t, store, "sender", 3)
	channelID := createTestChannel(t, store, ownerID)

	result, err := store.CommitChatMessage(context.Background(), chat.CommitParams{
		ChannelID: channelID,
		SenderID:  senderID,
		Content:   "hello chat",
	})
	if err != nil {
		t.Fatalf("CommitChatMessage: %v", err)
	}
	if result.Message.Content != "hello chat" {
		t.Fatalf("content = %q", result.Message.Content)
	}
	if result.Ledger == nil {
		t.Fatal("expected a debit ledger entry")
	}
	if result.Ledger.Type != "debit" || result.Ledger.Amount != 1 {
		t.Fatalf("unexpected ledger entry: %+v", result.Ledger)
	}
	if result.Ledger.ReferenceID != result.Message.ID {
		t.Fatalf("ledger reference = %q, want message id %q", result.Ledger.ReferenceID, result.Message.ID)
	}

	wallet, _ := store.Wallet(senderID)
	if wallet.Balance != 2 {
		t.Fatalf("balance after send = %d, want 2", wallet.Balance)
	}
}

func TestCommitChatMessageSkipDebit(t *testing.T) {
	store := newTestStorage(t)
	ownerID := createTestUser(t, store, "owner", 0)
	channelID := createTestChannel(t, store, ownerID)

	result, err := store.CommitChatMessage(context.Background(), chat.CommitParams{
		ChannelID: channelID,
		SenderID:  ownerID,
		Content:   "owner speaking",
		SkipDebit: true,
	})
	if err != nil {
		t.Fatalf("CommitChatMessage: %v", err)
	}
	if result.Ledger != nil {
		t.Fatalf("expected no ledger entry, got %+v", result.Ledger)
	}
	wallet, _ := store.Wallet(ownerID)
	if wallet.Balance != 0 {
		t.Fatalf("owner balance = %d, want 0", wallet.Balance)
	}
}

func TestCommitChatMessageInsufficientCredits(t *testing.T) {
	store := newTestStorage(t)
	ownerID := createTestUser(t, store, "owner", 0)
	senderID := createTestUser(t, store, "broke", 0)
	channelID := createTestChannel(t, store, ownerID)

	_, err := store.CommitChatMessage(context.Background(), chat.CommitParams{
		ChannelID: channelID,
		SenderID:  senderID,
		Content:   "can I still talk",
	})
	if !errors.Is(err, chat.ErrInsufficientCredits) {
		t.Fatalf("error = %v, want ErrInsufficientCredits", err)
	}

	messages, listErr := store.ListChatMessagesBefore(channelID, "", 10)
	if listErr != nil {
		t.Fatalf("ListChatMessagesBefore: %v", listErr)
	}
	if len(messages) != 0 {
		t.Fatalf("expected no messages, got %d", len(messages))
	}
}

func TestCommitChatMessageConcurrentLastCredit(t *testing.T) {
	store := newTestStorage(t)
	ownerID := createTestUser(t, store, "owner", 0)
	senderID := createTestUser(t, store, "sender", 1)
	channelID := createTestChannel(t, store, ownerID)

	// Two racing sends against a single credit: the decrement is atomic,
	// so exactly one wins and the balance never dips below zero.
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := store.CommitChatMessage(context.Background(), chat.CommitParams{
				ChannelID: channelID,
				SenderID:  senderID,
				Content:   fmt.Sprintf("racer %d", n),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	successes, insufficient := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, chat.ErrInsufficientCredits):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || insufficient != 1 {
		t.Fatalf("got %d successes and %d insufficient-credit rejections, want 1 and 1", successes, insufficient)
	}

	wallet, _ := store.Wallet(senderID)
	if wallet.Balance != 0 {
		t.Fatalf("balance = %d, want 0", wallet.Balance)
	}
	messages, err := store.ListChatMessagesBefore(channelID, "", 10)
	if err != nil {
		t.Fatalf("ListChatMessagesBefore: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected exactly 1 committed message, got %d", len(messages))
	}
}

func TestCommitChatMessageOwnerStreakLeavesNoLedger(t *testing.T) {
	store := newTestStorage(t)
	ownerID := createTestUser(t, store, "owner", 0)
	channelID := createTestChannel(t, store, ownerID)

	for i := 0; i < 5; i++ {
		result, err := store.CommitChatMessage(context.Background(), chat.CommitParams{
			ChannelID: channelID,
			SenderID:  ownerID,
			Content:   fmt.Sprintf("owner update %d", i),
			SkipDebit: true,
		})
		if err != nil {
			t.Fatalf("CommitChatMessage %d: %v", i, err)
		}
		if result.Ledger != nil {
			t.Fatalf("send %d produced a ledger entry: %+v", i, result.Ledger)
		}
	}

	wallet, _ := store.Wallet(ownerID)
	if wallet.Balance != 0 {
		t.Fatalf("owner balance = %d, want 0", wallet.Balance)
	}
	entries, err := store.ListLedgerEntries(ownerID, 10)
	if err != nil {
		t.Fatalf("ListLedgerEntries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected an empty ledger, got %d entries", len(entries))
	}
	messages, err := store.ListChatMessagesBefore(channelID, "", 10)
	if err != nil {
		t.Fatalf("ListChatMessagesBefore: %v", err)
	}
	if len(messages) != 5 {
		t.Fatalf("expected 5 committed messages, got %d", len(messages))
	}
}

func TestCommitChatMessageDrainsWalletExactly(t *testing.T) {
	store := newTestStorage(t)
	ownerID := createTestUser(t, store, "owner", 0)
	senderID := createTestUser(t, store, "sender", 3)
	channelID := createTestChannel(t, store, ownerID)

	// Three credits buy exactly three sends; the fourth bounces with the
	// wallet already empty.
	for i, want := range []int64{2, 1, 0} {
		result, err := store.CommitChatMessage(context.Background(), chat.CommitParams{
			ChannelID: channelID,
			SenderID:  senderID,
			Content:   fmt.Sprintf("message %d", i),
		})
		if err != nil {
			t.Fatalf("CommitChatMessage %d: %v", i, err)
		}
		if result.Ledger == nil || result.Ledger.BalanceAfter != want {
			t.Fatalf("send %d: ledger %+v, want balanceAfter %d", i, result.Ledger, want)
		}
		wallet, _ := store.Wallet(senderID)
		if wallet.Balance != want {
			t.Fatalf("balance after send %d = %d, want %d", i, wallet.Balance, want)
		}
	}

	_, err := store.CommitChatMessage(context.Background(), chat.CommitParams{
		ChannelID: channelID,
		SenderID:  senderID,
		Content:   "message 3",
	})
	if !errors.Is(err, chat.ErrInsufficientCredits) {
		t.Fatalf("fourth send error = %v, want ErrInsufficientCredits", err)
	}

	entries, err := store.ListLedgerEntries(senderID, 10)
	if err != nil {
		t.Fatalf("ListLedgerEntries: %v", err)
	}
	debits := 0
	for _, entry := range entries {
		if entry.Type == models.LedgerEntryDebit {
			debits++
		}
	}
	if debits != 3 {
		t.Fatalf("expected exactly 3 debit entries, got %d (ledger: %+v)", debits, entries)
	}
	// Signup grant plus the three debits; the rejected send appended
	// nothing.
	if len(entries) != 4 {
		t.Fatalf("expected 4 ledger entries in total, got %d", len(entries))
	}
}

func TestCommitChatMessageRollsBackOnPersistFailure(t *testing.T) {
	store := newTestStorage(t)
	ownerID := createTestUser(t, store, "owner", 0)
	senderID := createTestUser(t, store, "sender", 5)
	channelID := createTestChannel(t, store, ownerID)

	persistErr := errors.New("disk full")
	store.persistOverride = func(dataset) error { return persistErr }

	_, err := store.CommitChatMessage(context.Background(), chat.CommitParams{
		ChannelID: channelID,
		SenderID:  senderID,
		Content:   "doomed message",
	})
	if !errors.Is(err, persistErr) {
		t.Fatalf("error = %v, want persist failure", err)
	}

	store.persistOverride = nil
	wallet, _ := store.Wallet(senderID)
	if wallet.Balance != 5 {
		t.Fatalf("balance after rollback = %d, want 5", wallet.Balance)
	}
	messages, listErr := store.ListChatMessagesBefore(channelID, "", 10)
	if listErr != nil {
		t.Fatalf("ListChatMessagesBefore: %v", listErr)
	}
	if len(messages) != 0 {
		t.Fatalf("expected no messages after rollback, got %d", len(messages))
	}
	entries, ledgerErr := store.ListLedgerEntries(senderID, 10)
	if ledgerErr != nil {
		t.Fatalf("ListLedgerEntries: %v", ledgerErr)
	}
	for _, entry := range entries {
		if entry.Type == "debit" {
			t.Fatalf("unexpected debit entry after rollback: %+v", entry)
		}
	}
}

func TestCommitChatMessageRespectsRestrictions(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := newTestStorage(t, WithClock(clock))
	ownerID := createTestUser(t, store, "owner", 0)
	senderID := createTestUser(t, store, "target", 10)
	channelID := createTestChannel(t, store, ownerID)

	if err := store.ApplyChatEvent(chat.Event{
		Type: chat.EventTypeModeration,
		Moderation: &chat.ModerationEvent{
			Action:    chat.ModerationActionBan,
			ChannelID: channelID,
			ActorID:   ownerID,
			TargetID:  senderID,
		},
		OccurredAt: clock.Now(),
	}); err != nil {
		t.Fatalf("ApplyChatEvent(ban): %v", err)
	}

	_, err := store.CommitChatMessage(context.Background(), chat.CommitParams{
		ChannelID: channelID, SenderID: senderID, Content: "let me in",
	})
	if !errors.Is(err, chat.ErrRestricted) {
		t.Fatalf("banned sender error = %v, want ErrRestricted", err)
	}

	if err := store.ApplyChatEvent(chat.Event{
		Type: chat.EventTypeModeration,
		Moderation: &chat.ModerationEvent{
			Action:    chat.ModerationActionUnban,
			ChannelID: channelID,
			ActorID:   ownerID,
			TargetID:  senderID,
		},
		OccurredAt: clock.Now(),
	}); err != nil {
		t.Fatalf("ApplyChatEvent(unban): %v", err)
	}

	expiry := clock.Now().Add(time.Minute)
	if err := store.ApplyChatEvent(chat.Event{
		Type: chat.EventTypeModeration,
		Moderation: &chat.ModerationEvent{
			Action:    chat.ModerationActionMute,
			ChannelID: channelID,
			ActorID:   ownerID,
			TargetID:  senderID,
			ExpiresAt: &expiry,
		},
		OccurredAt: clock.Now(),
	}); err != nil {
		t.Fatalf("ApplyChatEvent(mute): %v", err)
	}

	_, err = store.CommitChatMessage(context.Background(), chat.CommitParams{
		ChannelID: channelID, SenderID: senderID, Content: "muted attempt",
	})
	if !errors.Is(err, chat.ErrRestricted) {
		t.Fatalf("muted sender error = %v, want ErrRestricted", err)
	}

	clock.Advance(2 * time.Minute)
	if _, err := store.CommitChatMessage(context.Background(), chat.CommitParams{
		ChannelID: channelID, SenderID: senderID, Content: "mute expired",
	}); err != nil {
		t.Fatalf("send after mute expiry: %v", err)
	}
}

func TestListChatMessagesBeforePaginates(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := newTestStorage(t, WithClock(clock))
	ownerID := createTestUser(t, store, "owner", 0)
	channelID := createTestChannel(t, store, ownerID)

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		result, err := store.CommitChatMessage(context.Background(), chat.CommitParams{
			ChannelID: channelID,
			SenderID:  ownerID,
			Content:   "message",
			SkipDebit: true,
		})
		if err != nil {
			t.Fatalf("CommitChatMessage #%d: %v", i, err)
		}
		ids = append(ids, result.Message.ID)
		clock.Advance(time.Second)
	}

	first, err := store.ListChatMessagesBefore(channelID, "", 2)
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("first page size = %d, want 2", len(first))
	}
	if first[0].ID != ids[4] || first[1].ID != ids[3] {
		t.Fatalf("first page = [%s %s], want [%s %s]", first[0].ID, first[1].ID, ids[4], ids[3])
	}

	second, err := store.ListChatMessagesBefore(channelID, first[1].ID, 2)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(second) != 2 {
		t.Fatalf("second page size = %d, want 2", len(second))
	}
	if second[0].ID != ids[2] || second[1].ID != ids[1] {
		t.Fatalf("second page = [%s %s], want [%s %s]", second[0].ID, second[1].ID, ids[2], ids[1])
	}

	if _, err := store.ListChatMessagesBefore(channelID, "missing-cursor", 2); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("unknown cursor error = %v, want ErrNotFound", err)
	}
	if _, err := store.ListChatMessagesBefore("missing-channel", "", 2); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("unknown channel error = %v, want ErrNotFound", err)
	}
}

func TestDeleteChatMessageIdempotent(t *testing.T) {
	store := newTestStorage(t)
	ownerID := createTestUser(t, store, "owner", 0)
	channelID := createTestChannel(t, store, ownerID)

	result, err := store.CommitChatMessage(context.Background(), chat.CommitParams{
		ChannelID: channelID, SenderID: ownerID, Content: "to be removed", SkipDebit: true,
	})
	if err != nil {
		t.Fatalf("CommitChatMessage: %v", err)
	}

	if err := store.DeleteChatMessage(channelID, result.Message.ID); err != nil {
		t.Fatalf("DeleteChatMessage: %v", err)
	}
	if err := store.DeleteChatMessage(channelID, result.Message.ID); err != nil {
		t.Fatalf("repeat DeleteChatMessage: %v", err)
	}

	messages, err := store.ListChatMessagesBefore(channelID, "", 10)
	if err != nil {
		t.Fatalf("ListChatMessagesBefore: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("expected transcript to be empty, got %d messages", len(messages))
	}
}

func TestChatRestrictionsSnapshotPrunesExpiredMutes(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := newTestStorage(t, WithClock(clock))
	ownerID := createTestUser(t, store, "owner", 0)
	mutedID := createTestUser(t, store, "muted", 0)
	bannedID := createTestUser(t, store, "banned", 0)
	channelID := createTestChannel(t, store, ownerID)

	expiry := clock.Now().Add(time.Minute)
	for _, evt := range []chat.ModerationEvent{
		{Action: chat.ModerationActionMute, ChannelID: channelID, ActorID: ownerID, TargetID: mutedID, ExpiresAt: &expiry},
		{Action: chat.ModerationActionBan, ChannelID: channelID, ActorID: ownerID, TargetID: bannedID},
	} {
		moderation := evt
		if err := store.ApplyChatEvent(chat.Event{
			Type:       chat.EventTypeModeration,
			Moderation: &moderation,
			OccurredAt: clock.Now(),
		}); err != nil {
			t.Fatalf("ApplyChatEvent(%s): %v", evt.Action, err)
		}
	}

	snapshot := store.ChatRestrictions()
	if _, ok := snapshot.Bans[channelID][bannedID]; !ok {
		t.Fatal("expected ban in snapshot")
	}
	if _, ok := snapshot.Mutes[channelID][mutedID]; !ok {
		t.Fatal("expected active mute in snapshot")
	}

	clock.Advance(2 * time.Minute)
	snapshot = store.ChatRestrictions()
	if _, ok := snapshot.Mutes[channelID][mutedID]; ok {
		t.Fatal("expected expired mute to be pruned")
	}
	if _, ok := snapshot.Bans[channelID][bannedID]; !ok {
		t.Fatal("expected ban to survive pruning")
	}
	if _, ok := store.ChatMute(channelID, mutedID); ok {
		t.Fatal("expected expired mute to be removed from storage")
	}
}

func TestGrantCreditsAppendsLedger(t *testing.T) {
	store := newTestStorage(t)
	adminID := createTestUser(t, store, "admin", 0)
	userID := createTestUser(t, store, "viewer", 5)

	wallet, entry, err := store.GrantCredits(userID, 20, adminID)
	if err != nil {
		t.Fatalf("GrantCredits: %v", err)
	}
	if wallet.Balance != 25 {
		t.Fatalf("balance = %d, want 25", wallet.Balance)
	}
	if entry.Type != "credit" || entry.Amount != 20 || entry.BalanceAfter != 25 {
		t.Fatalf("unexpected ledger entry: %+v", entry)
	}
	if entry.ReferenceID != adminID {
		t.Fatalf("reference = %q, want granting actor %q", entry.ReferenceID, adminID)
	}

	if _, _, err := store.GrantCredits(userID, 0, adminID); err == nil {
		t.Fatal("expected zero grant to be rejected")
	}
	if _, _, err := store.GrantCredits("missing", 5, adminID); err == nil {
		t.Fatal("expected grant to unknown user to fail")
	}
}

func TestStorageReloadsFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")

	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	userID := createTestUser(t, store, "persisted", 42)

	reopened, err := NewStorage(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	user, ok := reopened.GetUser(userID)
	if !ok {
		t.Fatal("expected user to survive reload")
	}
	if user.DisplayName != "persisted" {
		t.Fatalf("displayName = %q", user.DisplayName)
	}
	wallet, ok := reopened.Wallet(userID)
	if !ok || wallet.Balance != 42 {
		t.Fatalf("wallet after reload = %+v ok=%v", wallet, ok)
	}
}
