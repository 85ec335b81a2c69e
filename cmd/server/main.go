// Command server starts the Embercast chat API HTTP service.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"embercast-live/internal/api"
	"embercast-live/internal/auth"
	"embercast-live/internal/chat"
	"embercast-live/internal/config"
	"embercast-live/internal/observability/logging"
	"embercast-live/internal/observability/metrics"
	"embercast-live/internal/server"
	"embercast-live/internal/storage"
)

const defaultQueueBuffer = 128

func main() {
	cfg, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// parseFlags resolves the effective configuration with precedence
// flag > environment > config file > built-in default.
func parseFlags(args []string, errOutput *os.File) (config.Config, error) {
	fs := flag.NewFlagSet("embercast-server", flag.ContinueOnError)
	if errOutput != nil {
		fs.SetOutput(errOutput)
	}

	configPath := fs.String("config", "", "path to an optional YAML configuration file")
	addr := fs.String("addr", "", "listen address, e.g. :8080")
	mode := fs.String("mode", "", "deployment mode: development or production")
	tlsCert := fs.String("tls-cert", "", "path to the TLS certificate file")
	tlsKey := fs.String("tls-key", "", "path to the TLS private key file")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn or error")
	logFormat := fs.String("log-format", "", "log format: json or text")
	storageDriver := fs.String("storage-driver", "", "storage driver: json or postgres")
	dataPath := fs.String("data", "", "path to the JSON datastore file")
	postgresDSN := fs.String("postgres-dsn", "", "postgres connection string")
	sessionStore := fs.String("session-store", "", "session store: memory or redis")
	sessionTTL := fs.Duration("session-ttl", 0, "session lifetime, e.g. 24h")
	redisAddr := fs.String("redis-addr", "", "redis address shared by redis-backed components")
	queueDriver := fs.String("chat-queue", "", "chat queue driver: memory or redis")
	queueStream := fs.String("chat-stream", "", "redis stream name for the chat queue")
	tokenSecret := fs.String("chat-token-secret", "", "HMAC secret for chat tokens")
	tokenTTL := fs.Duration("chat-token-ttl", 0, "chat token lifetime, e.g. 4h")
	sendLimit := fs.Int("chat-send-limit", 0, "messages allowed per sender per window")
	sendWindow := fs.Duration("chat-send-window", 0, "length of the send quota window")
	sharedLimits := fs.Bool("chat-shared-limits", false, "keep rate limit windows in redis")
	allowSignup := fs.Bool("allow-self-signup", false, "allow public account creation")
	corsOrigins := fs.String("cors-origins", "", "comma separated allowed CORS origins")

	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return config.Config{}, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *addr
		case "mode":
			cfg.Mode = *mode
		case "tls-cert":
			cfg.TLS.CertFile = *tlsCert
		case "tls-key":
			cfg.TLS.KeyFile = *tlsKey
		case "log-level":
			cfg.Logging.Level = *logLevel
		case "log-format":
			cfg.Logging.Format = *logFormat
		case "storage-driver":
			cfg.Storage.Driver = *storageDriver
		case "data":
			cfg.Storage.DataPath = *dataPath
		case "postgres-dsn":
			cfg.Storage.Postgres.DSN = *postgresDSN
		case "session-store":
			cfg.Sessions.Store = *sessionStore
		case "session-ttl":
			cfg.Sessions.TTL = *sessionTTL
		case "redis-addr":
			cfg.Redis.Addr = *redisAddr
		case "chat-queue":
			cfg.Chat.QueueDriver = *queueDriver
		case "chat-stream":
			cfg.Chat.Stream = *queueStream
		case "chat-token-secret":
			cfg.Chat.TokenSecret = *tokenSecret
		case "chat-token-ttl":
			cfg.Chat.TokenTTL = *tokenTTL
		case "chat-send-limit":
			cfg.Chat.SendLimit = *sendLimit
		case "chat-send-window":
			cfg.Chat.SendWindow = *sendWindow
		case "chat-shared-limits":
			cfg.Chat.SharedLimits = *sharedLimits
		case "allow-self-signup":
			cfg.AllowSelfSignup = *allowSignup
		case "cors-origins":
			cfg.CORS.AllowedOrigins = splitAndTrim(*corsOrigins)
		}
	})

	// A DSN provided without an explicit driver choice implies postgres.
	driverChosen := *storageDriver != "" || os.Getenv("EMBERCAST_LIVE_STORAGE_DRIVER") != ""
	if !driverChosen && strings.TrimSpace(cfg.Storage.Postgres.DSN) != "" {
		cfg.Storage.Driver = "postgres"
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	recorder := metrics.Default()

	store, err := openRepository(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Error("failed to close storage", "error", err)
		}
	}()

	var redisClient redis.UniversalClient
	if needsRedis(cfg) {
		redisClient, err = chat.NewRedisClient(redisConnConfig(cfg.Redis))
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error("failed to close redis client", "error", err)
			}
		}()
	}

	sessions, err := buildSessionManager(cfg, redisClient)
	if err != nil {
		return err
	}

	queue, err := buildQueue(cfg, redisClient, logger)
	if err != nil {
		return fmt.Errorf("configure chat queue: %w", err)
	}
	if closer, ok := queue.(interface{ Close() error }); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				logger.Error("failed to close chat queue", "error", err)
			}
		}()
	}

	secret, err := resolveTokenSecret(cfg, logger)
	if err != nil {
		return err
	}
	tokens, err := chat.NewTokenIssuer(secret, chat.TokenIssuerOptions{TTL: cfg.Chat.TokenTTL})
	if err != nil {
		return fmt.Errorf("configure token issuer: %w", err)
	}

	registry := chat.NewRegistry(chat.RegistryOptions{Logger: logger, Buffer: cfg.Chat.ConnectionBuffer})
	committer := chat.NewCommitter(store, queue, chat.CommitterOptions{
		Logger:  logger,
		Metrics: recorder,
		Origin:  nodeOrigin(),
	})
	keeper := chat.NewKeeper(registry, chat.KeeperOptions{
		Logger:            logger,
		HeartbeatInterval: cfg.Chat.HeartbeatInterval,
		ReapInterval:      cfg.Chat.ReapInterval,
		StaleAfter:        cfg.Chat.StaleAfter,
	})
	fanout := chat.NewFanout(queue, registry, chat.FanoutOptions{
		Logger:       logger,
		Metrics:      recorder,
		Restrictions: committer.Restrictions(),
	})

	var sendStore, loginStore chat.WindowStore
	if cfg.Chat.SharedLimits && redisClient != nil {
		sendStore = chat.NewRedisWindowStore(redisClient, "embercast:quota:send")
		loginStore = chat.NewRedisWindowStore(redisClient, "embercast:quota:login")
	}
	limiter := chat.NewSendLimiter(chat.SendLimiterOptions{
		Capacity: cfg.Chat.SendLimit,
		Window:   cfg.Chat.SendWindow,
		Store:    sendStore,
		Logger:   logger,
	})

	cookiePolicy := api.DefaultSessionCookiePolicy()
	if cfg.IsProduction() {
		cookiePolicy.SecureMode = api.SessionCookieSecureAlways
	}

	handler := &api.Handler{
		Store:               store,
		Sessions:            sessions,
		Chat:                committer,
		Registry:            registry,
		Tokens:              tokens,
		SendLimiter:         limiter,
		Metrics:             recorder,
		AllowSelfSignup:     cfg.AllowSelfSignup,
		SessionCookiePolicy: cookiePolicy,
	}

	srv, err := server.New(handler, server.Config{
		Addr: cfg.Addr,
		TLS:  server.TLSConfig{CertFile: cfg.TLS.CertFile, KeyFile: cfg.TLS.KeyFile},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:   cfg.RateLimit.GlobalRPS,
			GlobalBurst: cfg.RateLimit.GlobalBurst,
			LoginLimit:  cfg.RateLimit.LoginLimit,
			LoginWindow: cfg.RateLimit.LoginWindow,
			LoginStore:  loginStore,
		},
		CORS:        server.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins},
		Logger:      logger,
		AuditLogger: logging.WithComponent(logger, "audit"),
		Metrics:     recorder,
	})
	if err != nil {
		return fmt.Errorf("configure server: %w", err)
	}

	stopPurge := startSessionPurgeWorker(ctx, logger, sessions, cfg.Sessions.PurgeInterval)
	defer stopPurge()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fanout.Run(gctx)
		return nil
	})
	g.Go(func() error {
		keeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		limiter.RunCleanup(gctx, time.Minute)
		return nil
	})
	g.Go(func() error {
		// Open streams never finish on their own; drain them so graceful
		// shutdown does not wait out its timeout.
		<-gctx.Done()
		registry.Drain()
		return nil
	})
	g.Go(func() error {
		return srv.Run(gctx, nil)
	})

	logger.Info("server listening",
		"addr", cfg.Addr,
		"mode", cfg.Mode,
		"storage", cfg.Storage.Driver,
		"chat_queue", queueDriverName(cfg),
		"session_store", sessionStoreName(cfg),
	)
	return g.Wait()
}

func openRepository(cfg config.Config) (storage.Repository, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "json":
		return storage.NewJSONRepository(cfg.Storage.DataPath)
	case "postgres":
		pg := cfg.Storage.Postgres
		var opts []storage.Option
		if pg.MaxConns > 0 || pg.MinConns > 0 {
			opts = append(opts, storage.WithPostgresPoolLimits(int32(pg.MaxConns), int32(pg.MinConns)))
		}
		if pg.MaxConnLifetime > 0 || pg.MaxConnIdleTime > 0 || pg.HealthInterval > 0 {
			opts = append(opts, storage.WithPostgresPoolDurations(pg.MaxConnLifetime, pg.MaxConnIdleTime, pg.HealthInterval))
		}
		if pg.AcquireTimeout > 0 {
			opts = append(opts, storage.WithPostgresAcquireTimeout(pg.AcquireTimeout))
		}
		if pg.AppName != "" {
			opts = append(opts, storage.WithPostgresApplicationName(pg.AppName))
		}
		return storage.NewPostgresRepository(pg.DSN, opts...)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Storage.Driver)
	}
}

// needsRedis reports whether any configured component requires the shared
// Redis connection.
func needsRedis(cfg config.Config) bool {
	if strings.EqualFold(strings.TrimSpace(cfg.Sessions.Store), "redis") {
		return true
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Chat.QueueDriver), "redis") {
		return true
	}
	return cfg.Chat.SharedLimits
}

func redisConnConfig(cfg config.RedisConfig) chat.RedisConnConfig {
	return chat.RedisConnConfig{
		Addr:       cfg.Addr,
		Addrs:      cfg.Addrs,
		Username:   cfg.Username,
		Password:   cfg.Password,
		MasterName: cfg.MasterName,
		PoolSize:   cfg.PoolSize,
		TLS: chat.RedisTLSConfig{
			CAFile:             cfg.TLSCAFile,
			CertFile:           cfg.TLSCertFile,
			KeyFile:            cfg.TLSKeyFile,
			ServerName:         cfg.TLSServerName,
			InsecureSkipVerify: cfg.TLSSkipVerify,
		},
	}
}

func buildSessionManager(cfg config.Config, client redis.UniversalClient) (*auth.SessionManager, error) {
	var opts []auth.SessionOption
	if strings.EqualFold(strings.TrimSpace(cfg.Sessions.Store), "redis") {
		if client == nil {
			return nil, fmt.Errorf("redis session store requires a redis connection")
		}
		opts = append(opts, auth.WithStore(auth.NewRedisSessionStore(client)))
	}
	if cfg.Sessions.IdleTimeout > 0 {
		opts = append(opts, auth.WithIdleTimeout(cfg.Sessions.IdleTimeout))
	}
	return auth.NewSessionManager(cfg.Sessions.TTL, opts...), nil
}

func buildQueue(cfg config.Config, client redis.UniversalClient, logger *slog.Logger) (chat.Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Chat.QueueDriver)) {
	case "", "memory":
		return chat.NewMemoryQueue(defaultQueueBuffer), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis chat queue requires a redis connection")
		}
		return chat.NewRedisQueue(chat.RedisQueueConfig{
			Client: client,
			Stream: cfg.Chat.Stream,
			Logger: logger,
		})
	default:
		return nil, fmt.Errorf("unsupported chat queue driver %q", cfg.Chat.QueueDriver)
	}
}

// resolveTokenSecret returns the configured chat token secret, minting an
// ephemeral one in development so a bare server still works. Ephemeral
// secrets do not survive restarts, so outstanding tokens are invalidated.
func resolveTokenSecret(cfg config.Config, logger *slog.Logger) ([]byte, error) {
	if secret := strings.TrimSpace(cfg.Chat.TokenSecret); secret != "" {
		return []byte(secret), nil
	}
	if cfg.IsProduction() {
		return nil, fmt.Errorf("production mode requires a chat token secret")
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate ephemeral token secret: %w", err)
	}
	if logger != nil {
		logger.Warn("chat token secret not configured; using an ephemeral secret")
	}
	return []byte(hex.EncodeToString(raw)), nil
}

func nodeOrigin() string {
	if host, err := os.Hostname(); err == nil && strings.TrimSpace(host) != "" {
		return host
	}
	return uuid.NewString()
}

func queueDriverName(cfg config.Config) string {
	if driver := strings.ToLower(strings.TrimSpace(cfg.Chat.QueueDriver)); driver != "" {
		return driver
	}
	return "memory"
}

func sessionStoreName(cfg config.Config) string {
	if store := strings.ToLower(strings.TrimSpace(cfg.Sessions.Store)); store != "" {
		return store
	}
	return "memory"
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
