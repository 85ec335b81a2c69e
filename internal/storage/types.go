package storage

import (
	"errors"
	"sync"
	"time"

	"embercast-live/internal/models"
)

const (
	passwordHashSaltLength = 16
	passwordHashKeyLength  = 32
	passwordHashIterations = 120000

	// DefaultSignupGrant is the credit balance a freshly created wallet
	// starts with.
	DefaultSignupGrant int64 = 100

	// MaxHistoryPageSize caps a single chat history page.
	MaxHistoryPageSize = 100

	// DefaultHistoryPageSize is used when a caller does not ask for a
	// specific page size.
	DefaultHistoryPageSize = 50

	// MaxLedgerPageSize caps a single ledger listing.
	MaxLedgerPageSize = 200
)

var (
	ErrInvalidCredentials       = errors.New("invalid credentials")
	ErrPasswordLoginUnsupported = errors.New("account does not support password login")
)

type dataset struct {
	Users        map[string]models.User          `json:"users"`
	Channels     map[string]models.Channel       `json:"channels"`
	ChatMessages map[string]models.ChatMessage   `json:"chatMessages"`
	Wallets      map[string]models.Wallet        `json:"wallets"`
	Ledger       map[string]models.LedgerEntry   `json:"ledger"`
	ChatBans     map[string]map[string]time.Time `json:"chatBans"`
	ChatMutes    map[string]map[string]time.Time `json:"chatMutes"`
	// BanMeta and MuteMeta record who issued a restriction and why, keyed
	// like the restriction maps themselves.
	BanMeta  map[string]map[string]restrictionMeta `json:"banMeta"`
	MuteMeta map[string]map[string]restrictionMeta `json:"muteMeta"`
}

type restrictionMeta struct {
	Actor    string    `json:"actor"`
	Reason   string    `json:"reason,omitempty"`
	IssuedAt time.Time `json:"issuedAt"`
}

// Storage is the JSON-file driver. All mutating operations hold mu across the
// in-memory change and the persist call so a failed persist can roll the
// change back before anyone observes it.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	now             func() time.Time
}

// CreateUserParams captures the attributes that can be set when creating a user.
type CreateUserParams struct {
	DisplayName string
	Email       string
	Password    string
	Roles       []string
	SelfSignup  bool
	// SignupGrant overrides DefaultSignupGrant when non-nil.
	SignupGrant *int64
}

// UserUpdate describes the mutable fields of a user record.
type UserUpdate struct {
	DisplayName *string
	Email       *string
	Roles       []string
}

// ChannelUpdate describes the mutable fields of a channel record.
type ChannelUpdate struct {
	Title    *string
	Category *string
	Tags     []string
}
