package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"embercast-live/internal/chat"
	"embercast-live/internal/models"
)

const defaultPostgresOpTimeout = 5 * time.Second

const pgUniqueViolation = "23505"

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

var (
	_ Repository = (*postgresRepository)(nil)
	_ chat.Store = (*postgresRepository)(nil)
)

// NewPostgresRepository opens a Postgres-backed repository and ensures the
// schema exists.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{pool: pool, cfg: cfg}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) opCtx() (context.Context, context.CancelFunc) {
	timeout := r.cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = defaultPostgresOpTimeout
	}
	return context.WithTimeout(context.Background(), timeout)
}

func (r *postgresRepository) withConn(ctx context.Context, fn func(context.Context, *pgxpool.Conn) error) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire postgres connection: %w", err)
	}
	defer conn.Release()
	return fn(ctx, conn)
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		slog.Warn("rollback transaction", "err", err)
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// User operations

func (r *postgresRepository) CreateUser(params CreateUserParams) (models.User, error) {
	normalizedEmail := strings.TrimSpace(strings.ToLower(params.Email))
	if normalizedEmail == "" {
		return models.User{}, errors.New("email is required")
	}
	displayName := strings.TrimSpace(params.DisplayName)
	if displayName == "" {
		return models.User{}, errors.New("displayName is required")
	}
	roles := normalizeRoles(params.Roles)
	if params.SelfSignup {
		if params.Password == "" {
			return models.User{}, errors.New("password is required for self-service signup")
		}
		if len(roles) == 0 {
			roles = []string{"viewer"}
		}
	}

	id, err := generateID()
	if err != nil {
		return models.User{}, err
	}
	var passwordHash string
	if params.Password != "" {
		hashed, hashErr := hashPassword(params.Password)
		if hashErr != nil {
			return models.User{}, fmt.Errorf("hash password: %w", hashErr)
		}
		passwordHash = hashed
	}
	grant := DefaultSignupGrant
	if params.SignupGrant != nil {
		grant = *params.SignupGrant
	}
	if grant < 0 {
		return models.User{}, errors.New("signup grant cannot be negative")
	}

	now := r.cfg.Now()
	user := models.User{
		ID:           id,
		DisplayName:  displayName,
		Email:        normalizedEmail,
		Roles:        roles,
		PasswordHash: passwordHash,
		SelfSignup:   params.SelfSignup,
		CreatedAt:    now,
	}

	ctx, cancel := r.opCtx()
	defer cancel()
	err = r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin create user: %w", err)
		}
		defer rollbackTx(ctx, tx)

		if _, err := tx.Exec(ctx, `
			INSERT INTO users (id, display_name, email, roles, password_hash, self_signup, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			user.ID, user.DisplayName, user.Email, user.Roles, user.PasswordHash, user.SelfSignup, user.CreatedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("email %s already in use", params.Email)
			}
			return fmt.Errorf("insert user: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO wallets (user_id, balance, updated_at)
			VALUES ($1, $2, $3)`,
			user.ID, grant, now,
		); err != nil {
			return fmt.Errorf("insert wallet: %w", err)
		}

		if grant > 0 {
			entryID, err := generateID()
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO ledger_entries (id, user_id, entry_type, amount, balance_after, reference_id, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				entryID, user.ID, models.LedgerEntryCredit, grant, grant, "signup", now,
			); err != nil {
				return fmt.Errorf("insert signup grant: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit create user: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (r *postgresRepository) AuthenticateUser(email, password string) (models.User, error) {
	if password == "" {
		return models.User{}, errors.New("password is required")
	}
	user, ok := r.FindUserByEmail(email)
	if !ok {
		return models.User{}, ErrInvalidCredentials
	}
	if user.PasswordHash == "" {
		return models.User{}, ErrPasswordLoginUnsupported
	}
	if err := verifyPassword(user.PasswordHash, password); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return models.User{}, ErrInvalidCredentials
		}
		return models.User{}, err
	}
	return user, nil
}

const userColumns = `id, display_name, email, roles, password_hash, self_signup, created_at`

func scanUser(row pgx.Row) (models.User, error) {
	var user models.User
	err := row.Scan(&user.ID, &user.DisplayName, &user.Email, &user.Roles, &user.PasswordHash, &user.SelfSignup, &user.CreatedAt)
	return user, err
}

func (r *postgresRepository) ListUsers() []models.User {
	ctx, cancel := r.opCtx()
	defer cancel()
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var users []models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil
		}
		users = append(users, user)
	}
	return users
}

func (r *postgresRepository) GetUser(id string) (models.User, bool) {
	ctx, cancel := r.opCtx()
	defer cancel()
	user, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return models.User{}, false
	}
	return user, true
}

func (r *postgresRepository) FindUserByEmail(email string) (models.User, bool) {
	normalizedEmail := strings.TrimSpace(strings.ToLower(email))
	ctx, cancel := r.opCtx()
	defer cancel()
	user, err := scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, normalizedEmail))
	if err != nil {
		return models.User{}, false
	}
	return user, true
}

func (r *postgresRepository) UpdateUser(id string, update UserUpdate) (models.User, error) {
	ctx, cancel := r.opCtx()
	defer cancel()

	var updated models.User
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin update user: %w", err)
		}
		defer rollbackTx(ctx, tx)

		user, err := scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("user %s not found", id)
		} else if err != nil {
			return fmt.Errorf("load user: %w", err)
		}

		if update.DisplayName != nil {
			name := strings.TrimSpace(*update.DisplayName)
			if name == "" {
				return errors.New("displayName cannot be empty")
			}
			user.DisplayName = name
		}
		if update.Email != nil {
			email := strings.TrimSpace(strings.ToLower(*update.Email))
			if email == "" {
				return errors.New("email cannot be empty")
			}
			user.Email = email
		}
		if update.Roles != nil {
			user.Roles = normalizeRoles(update.Roles)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE users SET display_name = $2, email = $3, roles = $4 WHERE id = $1`,
			user.ID, user.DisplayName, user.Email, user.Roles,
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("email %s already in use", user.Email)
			}
			return fmt.Errorf("update user: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit update user: %w", err)
		}
		updated = user
		return nil
	})
	if err != nil {
		return models.User{}, err
	}
	return updated, nil
}

func (r *postgresRepository) SetUserPassword(id, password string) (models.User, error) {
	if len(password) < 8 {
		return models.User{}, errors.New("password must be at least 8 characters")
	}
	hash, err := hashPassword(password)
	if err != nil {
		return models.User{}, err
	}

	ctx, cancel := r.opCtx()
	defer cancel()

	row := r.pool.QueryRow(ctx, `
		UPDATE users SET password_hash = $2 WHERE id = $1
		RETURNING `+userColumns, id, hash)
	user, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, fmt.Errorf("user %s not found", id)
	} else if err != nil {
		return models.User{}, fmt.Errorf("set user password: %w", err)
	}
	return user, nil
}

// Channel operations

const channelColumns = `id, owner_id, title, category, tags, created_at, updated_at`

func scanChannel(row pgx.Row) (models.Channel, error) {
	var channel models.Channel
	err := row.Scan(&channel.ID, &channel.OwnerID, &channel.Title, &channel.Category, &channel.Tags, &channel.CreatedAt, &channel.UpdatedAt)
	return channel, err
}

func (r *postgresRepository) CreateChannel(ownerID, title, category string, tags []string) (models.Channel, error) {
	trimmedTitle := strings.TrimSpace(title)
	if trimmedTitle == "" {
		return models.Channel{}, errors.New("title is required")
	}
	id, err := generateID()
	if err != nil {
		return models.Channel{}, err
	}
	now := r.cfg.Now()
	channel := models.Channel{
		ID:        id,
		OwnerID:   ownerID,
		Title:     trimmedTitle,
		Category:  strings.TrimSpace(category),
		Tags:      normalizeTags(tags),
		CreatedAt: now,
		UpdatedAt: now,
	}

	ctx, cancel := r.opCtx()
	defer cancel()
	if _, err := r.pool.Exec(ctx, `
		INSERT INTO channels (id, owner_id, title, category, tags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		channel.ID, channel.OwnerID, channel.Title, channel.Category, channel.Tags, channel.CreatedAt, channel.UpdatedAt,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return models.Channel{}, fmt.Errorf("owner %s not found", ownerID)
		}
		return models.Channel{}, fmt.Errorf("insert channel: %w", err)
	}
	return channel, nil
}

func (r *postgresRepository) UpdateChannel(id string, update ChannelUpdate) (models.Channel, error) {
	ctx, cancel := r.opCtx()
	defer cancel()

	var updated models.Channel
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin update channel: %w", err)
		}
		defer rollbackTx(ctx, tx)

		channel, err := scanChannel(tx.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("channel %s not found", id)
		} else if err != nil {
			return fmt.Errorf("load channel: %w", err)
		}

		if update.Title != nil {
			title := strings.TrimSpace(*update.Title)
			if title == "" {
				return errors.New("title cannot be empty")
			}
			channel.Title = title
		}
		if update.Category != nil {
			channel.Category = strings.TrimSpace(*update.Category)
		}
		if update.Tags != nil {
			channel.Tags = normalizeTags(update.Tags)
		}
		channel.UpdatedAt = r.cfg.Now()

		if _, err := tx.Exec(ctx, `
			UPDATE channels SET title = $2, category = $3, tags = $4, updated_at = $5 WHERE id = $1`,
			channel.ID, channel.Title, channel.Category, channel.Tags, channel.UpdatedAt,
		); err != nil {
			return fmt.Errorf("update channel: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit update channel: %w", err)
		}
		updated = channel
		return nil
	})
	if err != nil {
		return models.Channel{}, err
	}
	return updated, nil
}

func (r *postgresRepository) GetChannel(id string) (models.Channel, bool) {
	ctx, cancel := r.opCtx()
	defer cancel()
	channel, err := scanChannel(r.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, id))
	if err != nil {
		return models.Channel{}, false
	}
	return channel, true
}

func (r *postgresRepository) ListChannels(ownerID string) []models.Channel {
	ctx, cancel := r.opCtx()
	defer cancel()

	query := `SELECT ` + channelColumns + ` FROM channels ORDER BY created_at, id`
	args := []any{}
	if ownerID != "" {
		query = `SELECT ` + channelColumns + ` FROM channels WHERE owner_id = $1 ORDER BY created_at, id`
		args = append(args, ownerID)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var channels []models.Channel
	for rows.Next() {
		channel, err := scanChannel(rows)
		if err != nil {
			return nil
		}
		channels = append(channels, channel)
	}
	return channels
}

func (r *postgresRepository) DeleteChannel(id string) error {
	ctx, cancel := r.opCtx()
	defer cancel()
	tag, err := r.pool.Exec(ctx, `DELETE FROM channels WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("channel %s not found", id)
	}
	return nil
}

// Wallet operations

func (r *postgresRepository) Wallet(userID string) (models.Wallet, bool) {
	ctx, cancel := r.opCtx()
	defer cancel()
	var wallet models.Wallet
	err := r.pool.QueryRow(ctx, `SELECT user_id, balance, updated_at FROM wallets WHERE user_id = $1`, userID).
		Scan(&wallet.UserID, &wallet.Balance, &wallet.UpdatedAt)
	if err != nil {
		return models.Wallet{}, false
	}
	return wallet, true
}

func (r *postgresRepository) GrantCredits(userID string, amount int64, actorID string) (models.Wallet, models.LedgerEntry, error) {
	if amount <= 0 {
		return models.Wallet{}, models.LedgerEntry{}, errors.New("grant amount must be positive")
	}
	entryID, err := generateID()
	if err != nil {
		return models.Wallet{}, models.LedgerEntry{}, err
	}
	now := r.cfg.Now()

	ctx, cancel := r.opCtx()
	defer cancel()

	var (
		wallet models.Wallet
		entry  models.LedgerEntry
	)
	err = r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin grant: %w", err)
		}
		defer rollbackTx(ctx, tx)

		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
			return fmt.Errorf("check user: %w", err)
		}
		if !exists {
			return fmt.Errorf("user %s not found", userID)
		}

		if err := tx.QueryRow(ctx, `
			INSERT INTO wallets (user_id, balance, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (user_id) DO UPDATE
			SET balance = wallets.balance + EXCLUDED.balance, updated_at = EXCLUDED.updated_at
			RETURNING user_id, balance, updated_at`,
			userID, amount, now,
		).Scan(&wallet.UserID, &wallet.Balance, &wallet.UpdatedAt); err != nil {
			return fmt.Errorf("credit wallet: %w", err)
		}

		entry = models.LedgerEntry{
			ID:           entryID,
			UserID:       userID,
			Type:         models.LedgerEntryCredit,
			Amount:       amount,
			BalanceAfter: wallet.Balance,
			ReferenceID:  actorID,
			CreatedAt:    now,
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO ledger_entries (id, user_id, entry_type, amount, balance_after, reference_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			entry.ID, entry.UserID, entry.Type, entry.Amount, entry.BalanceAfter, entry.ReferenceID, entry.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit grant: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Wallet{}, models.LedgerEntry{}, err
	}
	return wallet, entry, nil
}

func (r *postgresRepository) ListLedgerEntries(userID string, limit int) ([]models.LedgerEntry, error) {
	if limit <= 0 || limit > MaxLedgerPageSize {
		limit = MaxLedgerPageSize
	}
	ctx, cancel := r.opCtx()
	defer cancel()

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check user: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("user %s not found", userID)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, entry_type, amount, balance_after, reference_id, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	defer rows.Close()

	entries := make([]models.LedgerEntry, 0)
	for rows.Next() {
		var entry models.LedgerEntry
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.Type, &entry.Amount, &entry.BalanceAfter, &entry.ReferenceID, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Chat operations

// CommitChatMessage performs the send transaction against Postgres. The
// conditional debit relies on a single UPDATE guarded by balance >= 1, so two
// racing sends can never take a wallet below zero.
func (r *postgresRepository) CommitChatMessage(ctx context.Context, params chat.CommitParams) (chat.CommitResult, error) {
	content := strings.TrimSpace(params.Content)
	if content == "" {
		return chat.CommitResult{}, fmt.Errorf("empty message content: %w", chat.ErrValidation)
	}
	if len([]rune(content)) > chat.MaxMessageRunes {
		return chat.CommitResult{}, fmt.Errorf("message content exceeds %d characters: %w", chat.MaxMessageRunes, chat.ErrValidation)
	}

	id, err := generateID()
	if err != nil {
		return chat.CommitResult{}, err
	}
	now := r.cfg.Now()

	var result chat.CommitResult
	err = r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin commit message: %w", err)
		}
		defer rollbackTx(ctx, tx)

		var channelExists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM channels WHERE id = $1)`, params.ChannelID).Scan(&channelExists); err != nil {
			return fmt.Errorf("check channel: %w", err)
		}
		if !channelExists {
			return fmt.Errorf("channel %s: %w", params.ChannelID, chat.ErrNotFound)
		}
		var userExists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, params.SenderID).Scan(&userExists); err != nil {
			return fmt.Errorf("check user: %w", err)
		}
		if !userExists {
			return fmt.Errorf("user %s: %w", params.SenderID, chat.ErrNotFound)
		}

		var banned bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM chat_bans WHERE channel_id = $1 AND user_id = $2)`,
			params.ChannelID, params.SenderID).Scan(&banned); err != nil {
			return fmt.Errorf("check ban: %w", err)
		}
		if banned {
			return fmt.Errorf("user banned from channel: %w", chat.ErrRestricted)
		}
		var muteExpiry time.Time
		err = tx.QueryRow(ctx, `SELECT expires_at FROM chat_mutes WHERE channel_id = $1 AND user_id = $2`,
			params.ChannelID, params.SenderID).Scan(&muteExpiry)
		if err == nil {
			if now.Before(muteExpiry) {
				return fmt.Errorf("user muted until %s: %w", muteExpiry.UTC().Format(time.RFC3339), chat.ErrRestricted)
			}
			if _, err := tx.Exec(ctx, `DELETE FROM chat_mutes WHERE channel_id = $1 AND user_id = $2`,
				params.ChannelID, params.SenderID); err != nil {
				return fmt.Errorf("clear expired mute: %w", err)
			}
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("check mute: %w", err)
		}

		var ledger *models.LedgerEntry
		if !params.SkipDebit {
			var balance int64
			err := tx.QueryRow(ctx, `
				UPDATE wallets
				SET balance = balance - 1, updated_at = $2
				WHERE user_id = $1 AND balance >= 1
				RETURNING balance`,
				params.SenderID, now,
			).Scan(&balance)
			if errors.Is(err, pgx.ErrNoRows) {
				return chat.ErrInsufficientCredits
			} else if err != nil {
				return fmt.Errorf("debit wallet: %w", err)
			}

			entryID, err := generateID()
			if err != nil {
				return err
			}
			ledger = &models.LedgerEntry{
				ID:           entryID,
				UserID:       params.SenderID,
				Type:         models.LedgerEntryDebit,
				Amount:       1,
				BalanceAfter: balance,
				ReferenceID:  id,
				CreatedAt:    now,
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO ledger_entries (id, user_id, entry_type, amount, balance_after, reference_id, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				ledger.ID, ledger.UserID, ledger.Type, ledger.Amount, ledger.BalanceAfter, ledger.ReferenceID, ledger.CreatedAt,
			); err != nil {
				return fmt.Errorf("insert ledger entry: %w", err)
			}
		}

		message := models.ChatMessage{
			ID:        id,
			ChannelID: params.ChannelID,
			UserID:    params.SenderID,
			Content:   content,
			CreatedAt: now,
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO chat_messages (id, channel_id, user_id, content, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			message.ID, message.ChannelID, message.UserID, message.Content, message.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert chat message: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit chat message: %w", err)
		}
		result = chat.CommitResult{Message: message, Ledger: ledger}
		return nil
	})
	if err != nil {
		return chat.CommitResult{}, err
	}
	return result, nil
}

func (r *postgresRepository) ListChatMessagesBefore(channelID, beforeID string, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = DefaultHistoryPageSize
	}
	if limit > MaxHistoryPageSize {
		limit = MaxHistoryPageSize
	}
	ctx, cancel := r.opCtx()
	defer cancel()

	var channelExists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM channels WHERE id = $1)`, channelID).Scan(&channelExists); err != nil {
		return nil, fmt.Errorf("check channel: %w", err)
	}
	if !channelExists {
		return nil, fmt.Errorf("channel %s: %w", channelID, chat.ErrNotFound)
	}

	query := `
		SELECT id, channel_id, user_id, content, created_at
		FROM chat_messages
		WHERE channel_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
	args := []any{channelID, limit}
	if beforeID != "" {
		var anchorAt time.Time
		err := r.pool.QueryRow(ctx, `SELECT created_at FROM chat_messages WHERE id = $1 AND channel_id = $2`,
			beforeID, channelID).Scan(&anchorAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("cursor %s: %w", beforeID, chat.ErrNotFound)
		} else if err != nil {
			return nil, fmt.Errorf("load cursor: %w", err)
		}
		query = `
			SELECT id, channel_id, user_id, content, created_at
			FROM chat_messages
			WHERE channel_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`
		args = []any{channelID, anchorAt, beforeID, limit}
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.ChatMessage, 0)
	for rows.Next() {
		var message models.ChatMessage
		if err := rows.Scan(&message.ID, &message.ChannelID, &message.UserID, &message.Content, &message.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		messages = append(messages, message)
	}
	return messages, rows.Err()
}

func (r *postgresRepository) DeleteChatMessage(channelID, messageID string) error {
	ctx, cancel := r.opCtx()
	defer cancel()

	var channelExists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM channels WHERE id = $1)`, channelID).Scan(&channelExists); err != nil {
		return fmt.Errorf("check channel: %w", err)
	}
	if !channelExists {
		return fmt.Errorf("channel %s: %w", channelID, chat.ErrNotFound)
	}

	if _, err := r.pool.Exec(ctx, `DELETE FROM chat_messages WHERE id = $1 AND channel_id = $2`, messageID, channelID); err != nil {
		return fmt.Errorf("delete chat message: %w", err)
	}
	return nil
}

func (r *postgresRepository) ApplyChatEvent(evt chat.Event) error {
	ctx, cancel := r.opCtx()
	defer cancel()

	switch evt.Type {
	case chat.EventTypeMessage:
		if evt.Message == nil {
			return fmt.Errorf("message payload missing")
		}
		if evt.Message.ID == "" || evt.Message.ChannelID == "" || evt.Message.UserID == "" {
			return fmt.Errorf("invalid message event")
		}
		if _, err := r.pool.Exec(ctx, `
			INSERT INTO chat_messages (id, channel_id, user_id, content, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING`,
			evt.Message.ID, evt.Message.ChannelID, evt.Message.UserID, evt.Message.Content, evt.Message.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("upsert chat message: %w", err)
		}
		return nil
	case chat.EventTypeModeration:
		if evt.Moderation == nil {
			return fmt.Errorf("moderation payload missing")
		}
		return r.applyModeration(ctx, *evt.Moderation, evt.OccurredAt)
	default:
		return fmt.Errorf("unsupported chat event %q", evt.Type)
	}
}

func (r *postgresRepository) applyModeration(ctx context.Context, evt chat.ModerationEvent, occurredAt time.Time) error {
	issued := occurredAt.UTC()
	if issued.IsZero() {
		issued = r.cfg.Now()
	}
	switch evt.Action {
	case chat.ModerationActionBan:
		_, err := r.pool.Exec(ctx, `
			INSERT INTO chat_bans (channel_id, user_id, actor_id, reason, issued_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (channel_id, user_id) DO UPDATE
			SET actor_id = EXCLUDED.actor_id, reason = EXCLUDED.reason, issued_at = EXCLUDED.issued_at`,
			evt.ChannelID, evt.TargetID, evt.ActorID, strings.TrimSpace(evt.Reason), issued,
		)
		if err != nil {
			return fmt.Errorf("apply ban: %w", err)
		}
		return nil
	case chat.ModerationActionUnban:
		if _, err := r.pool.Exec(ctx, `DELETE FROM chat_bans WHERE channel_id = $1 AND user_id = $2`,
			evt.ChannelID, evt.TargetID); err != nil {
			return fmt.Errorf("remove ban: %w", err)
		}
		return nil
	case chat.ModerationActionMute:
		if evt.ExpiresAt == nil {
			return nil
		}
		_, err := r.pool.Exec(ctx, `
			INSERT INTO chat_mutes (channel_id, user_id, actor_id, reason, issued_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (channel_id, user_id) DO UPDATE
			SET actor_id = EXCLUDED.actor_id, reason = EXCLUDED.reason, issued_at = EXCLUDED.issued_at, expires_at = EXCLUDED.expires_at`,
			evt.ChannelID, evt.TargetID, evt.ActorID, strings.TrimSpace(evt.Reason), issued, evt.ExpiresAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("apply mute: %w", err)
		}
		return nil
	case chat.ModerationActionUnmute:
		if _, err := r.pool.Exec(ctx, `DELETE FROM chat_mutes WHERE channel_id = $1 AND user_id = $2`,
			evt.ChannelID, evt.TargetID); err != nil {
			return fmt.Errorf("remove mute: %w", err)
		}
		return nil
	case chat.ModerationActionDelete:
		// transcript rows are removed via DeleteChatMessage
		return nil
	default:
		return fmt.Errorf("unsupported moderation action %q", evt.Action)
	}
}

func (r *postgresRepository) ChatRestrictions() chat.RestrictionsSnapshot {
	snapshot := chat.RestrictionsSnapshot{
		Bans:  make(map[string]map[string]struct{}),
		Mutes: make(map[string]map[string]time.Time),
	}
	ctx, cancel := r.opCtx()
	defer cancel()

	if _, err := r.pool.Exec(ctx, `DELETE FROM chat_mutes WHERE expires_at <= $1`, r.cfg.Now()); err != nil {
		return snapshot
	}

	rows, err := r.pool.Query(ctx, `SELECT channel_id, user_id FROM chat_bans`)
	if err != nil {
		return snapshot
	}
	for rows.Next() {
		var channelID, userID string
		if err := rows.Scan(&channelID, &userID); err != nil {
			rows.Close()
			return snapshot
		}
		if snapshot.Bans[channelID] == nil {
			snapshot.Bans[channelID] = make(map[string]struct{})
		}
		snapshot.Bans[channelID][userID] = struct{}{}
	}
	rows.Close()

	rows, err = r.pool.Query(ctx, `SELECT channel_id, user_id, expires_at FROM chat_mutes`)
	if err != nil {
		return snapshot
	}
	defer rows.Close()
	for rows.Next() {
		var (
			channelID, userID string
			expiresAt         time.Time
		)
		if err := rows.Scan(&channelID, &userID, &expiresAt); err != nil {
			return snapshot
		}
		if snapshot.Mutes[channelID] == nil {
			snapshot.Mutes[channelID] = make(map[string]time.Time)
		}
		snapshot.Mutes[channelID][userID] = expiresAt.UTC()
	}
	return snapshot
}

func (r *postgresRepository) IsChatBanned(channelID, userID string) bool {
	ctx, cancel := r.opCtx()
	defer cancel()
	var banned bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM chat_bans WHERE channel_id = $1 AND user_id = $2)`,
		channelID, userID).Scan(&banned); err != nil {
		return false
	}
	return banned
}

func (r *postgresRepository) ChatMute(channelID, userID string) (time.Time, bool) {
	ctx, cancel := r.opCtx()
	defer cancel()
	var expiresAt time.Time
	err := r.pool.QueryRow(ctx, `SELECT expires_at FROM chat_mutes WHERE channel_id = $1 AND user_id = $2`,
		channelID, userID).Scan(&expiresAt)
	if err != nil || !expiresAt.After(r.cfg.Now()) {
		return time.Time{}, false
	}
	return expiresAt.UTC(), true
}

func (r *postgresRepository) ListChatRestrictions(channelID string) []models.ChatRestriction {
	now := r.cfg.Now()
	ctx, cancel := r.opCtx()
	defer cancel()

	restrictions := make([]models.ChatRestriction, 0)

	rows, err := r.pool.Query(ctx, `SELECT user_id, actor_id, reason, issued_at FROM chat_bans WHERE channel_id = $1`, channelID)
	if err != nil {
		return restrictions
	}
	for rows.Next() {
		var (
			userID, actorID, reason string
			issuedAt                time.Time
		)
		if err := rows.Scan(&userID, &actorID, &reason, &issuedAt); err != nil {
			rows.Close()
			return restrictions
		}
		restrictions = append(restrictions, models.ChatRestriction{
			ID:        fmt.Sprintf("ban:%s:%s", channelID, userID),
			Type:      "ban",
			ChannelID: channelID,
			TargetID:  userID,
			ActorID:   actorID,
			Reason:    reason,
			IssuedAt:  issuedAt,
		})
	}
	rows.Close()

	rows, err = r.pool.Query(ctx, `
		SELECT user_id, actor_id, reason, issued_at, expires_at
		FROM chat_mutes
		WHERE channel_id = $1 AND expires_at > $2`, channelID, now)
	if err != nil {
		return restrictions
	}
	defer rows.Close()
	for rows.Next() {
		var (
			userID, actorID, reason string
			issuedAt, expiresAt     time.Time
		)
		if err := rows.Scan(&userID, &actorID, &reason, &issuedAt, &expiresAt); err != nil {
			return restrictions
		}
		expCopy := expiresAt.UTC()
		restrictions = append(restrictions, models.ChatRestriction{
			ID:        fmt.Sprintf("mute:%s:%s", channelID, userID),
			Type:      "mute",
			ChannelID: channelID,
			TargetID:  userID,
			ActorID:   actorID,
			Reason:    reason,
			IssuedAt:  issuedAt,
			ExpiresAt: &expCopy,
		})
	}

	sort.Slice(restrictions, func(i, j int) bool {
		if restrictions[i].IssuedAt.Equal(restrictions[j].IssuedAt) {
			return restrictions[i].ID < restrictions[j].ID
		}
		return restrictions[i].IssuedAt.After(restrictions[j].IssuedAt)
	})
	return restrictions
}
