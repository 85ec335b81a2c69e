package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

// Token roles carried in chat-scoped tokens. The role is advisory for
// clients; the committer re-derives debit exemption from storage on every
// send.
const (
	TokenRoleViewer = "viewer"
	TokenRoleOwner  = "owner"
	TokenRoleAdmin  = "admin"
)

// DefaultTokenTTL bounds how long a minted chat token stays valid.
const DefaultTokenTTL = 4 * time.Hour

// ErrTokenInvalid covers expired, malformed, or mis-signed chat tokens.
var ErrTokenInvalid = errors.New("chat: token invalid")

// TokenClaims scope a chat token to one user in one channel.
type TokenClaims struct {
	UserID    string `json:"uid"`
	ChannelID string `json:"chn"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// TokenIssuerOptions configures a TokenIssuer. Zero values fall back to
// defaults.
type TokenIssuerOptions struct {
	TTL    time.Duration
	Issuer string
	Clock  clockwork.Clock
}

// TokenIssuer mints and verifies HS256 chat tokens. Tokens are stateless:
// holding a valid token is what authorises subscribing and sending, so the
// HTTP layer never needs a session lookup on the hot path.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	issuer string
	clock  clockwork.Clock
}

// NewTokenIssuer constructs a TokenIssuer. The secret must be non-empty.
func NewTokenIssuer(secret []byte, opts TokenIssuerOptions) (*TokenIssuer, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("chat: token secret is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	issuer := strings.TrimSpace(opts.Issuer)
	if issuer == "" {
		issuer = "embercast-live"
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TokenIssuer{secret: secret, ttl: ttl, issuer: issuer, clock: clock}, nil
}

// Mint signs a token scoping the user to the channel with the given role.
func (i *TokenIssuer) Mint(userID, channelID, role string) (string, time.Time, error) {
	now := i.clock.Now()
	expires := now.Add(i.ttl)
	claims := TokenClaims{
		UserID:    userID,
		ChannelID: channelID,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign chat token: %w", err)
	}
	return signed, expires, nil
}

// Verify parses and validates a token, returning its claims.
func (i *TokenIssuer) Verify(token string) (TokenClaims, error) {
	var claims TokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return i.secret, nil
	},
		jwt.WithIssuer(i.issuer),
		jwt.WithTimeFunc(i.clock.Now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil || !parsed.Valid {
		return TokenClaims{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.UserID == "" || claims.ChannelID == "" {
		return TokenClaims{}, fmt.Errorf("%w: missing scope", ErrTokenInvalid)
	}
	return claims, nil
}
