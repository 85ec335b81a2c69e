package storage

import (
	"context"
	"time"

	"embercast-live/internal/chat"
	"embercast-live/internal/models"
)

// Repository exposes the datastore operations required by API handlers and
// the chat commit pipeline. Implementations must make CommitChatMessage
// atomic: the conditional wallet debit, the message row, and the ledger entry
// land together or not at all.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateUser(params CreateUserParams) (models.User, error)
	AuthenticateUser(email, password string) (models.User, error)
	ListUsers() []models.User
	GetUser(id string) (models.User, bool)
	FindUserByEmail(email string) (models.User, bool)
	UpdateUser(id string, update UserUpdate) (models.User, error)
	SetUserPassword(id, password string) (models.User, error)

	CreateChannel(ownerID, title, category string, tags []string) (models.Channel, error)
	UpdateChannel(id string, update ChannelUpdate) (models.Channel, error)
	GetChannel(id string) (models.Channel, bool)
	ListChannels(ownerID string) []models.Channel
	DeleteChannel(id string) error

	Wallet(userID string) (models.Wallet, bool)
	GrantCredits(userID string, amount int64, actorID string) (models.Wallet, models.LedgerEntry, error)
	ListLedgerEntries(userID string, limit int) ([]models.LedgerEntry, error)

	CommitChatMessage(ctx context.Context, params chat.CommitParams) (chat.CommitResult, error)
	ListChatMessagesBefore(channelID, beforeID string, limit int) ([]models.ChatMessage, error)
	DeleteChatMessage(channelID, messageID string) error
	ApplyChatEvent(evt chat.Event) error
	ChatRestrictions() chat.RestrictionsSnapshot
	IsChatBanned(channelID, userID string) bool
	ChatMute(channelID, userID string) (time.Time, bool)
	ListChatRestrictions(channelID string) []models.ChatRestriction
}

var (
	_ Repository = (*Storage)(nil)
	_ chat.Store = (*Storage)(nil)
)
