package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"embercast-live/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseFlagsDefaults(t *testing.T) {
	cfg, err := parseFlags(nil, nil)
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Addr)
	require.Equal(t, "json", cfg.Storage.Driver)
	require.Equal(t, "memory", queueDriverName(cfg))
	require.Equal(t, "memory", sessionStoreName(cfg))
}

func TestParseFlagsOverridesConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: \":9090\"\nmode: development\n"), 0o600))

	cfg, err := parseFlags([]string{
		"-config", path,
		"-addr", ":7070",
		"-chat-send-limit", "3",
		"-chat-send-window", "5s",
		"-cors-origins", "https://a.example.com,https://b.example.com",
	}, nil)
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.Addr)
	require.Equal(t, 3, cfg.Chat.SendLimit)
	require.Equal(t, 5*time.Second, cfg.Chat.SendWindow)
	require.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORS.AllowedOrigins)
}

func TestParseFlagsFlagBeatsEnv(t *testing.T) {
	t.Setenv("EMBERCAST_LIVE_ADDR", ":6060")

	cfg, err := parseFlags([]string{"-addr", ":7070"}, nil)
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.Addr)
}

func TestParseFlagsDSNImpliesPostgres(t *testing.T) {
	cfg, err := parseFlags([]string{"-postgres-dsn", "postgres://localhost/embercast"}, nil)
	require.NoError(t, err)
	require.Equal(t, "postgres", cfg.Storage.Driver)
}

func TestParseFlagsExplicitDriverWinsOverDSN(t *testing.T) {
	cfg, err := parseFlags([]string{
		"-storage-driver", "json",
		"-postgres-dsn", "postgres://localhost/embercast",
	}, nil)
	require.NoError(t, err)
	require.Equal(t, "json", cfg.Storage.Driver)
}

func TestParseFlagsRejectsInvalidConfig(t *testing.T) {
	_, err := parseFlags([]string{"-storage-driver", "sqlite"}, nil)
	require.Error(t, err)

	_, err = parseFlags([]string{"-mode", "production"}, nil)
	require.Error(t, err)
}

func TestBuildQueueMemory(t *testing.T) {
	queue, err := buildQueue(config.Default(), nil, testLogger())
	require.NoError(t, err)
	require.NotNil(t, queue)
}

func TestBuildQueueRedisRequiresClient(t *testing.T) {
	cfg := config.Default()
	cfg.Chat.QueueDriver = "redis"
	_, err := buildQueue(cfg, nil, testLogger())
	require.Error(t, err)
}

func TestNeedsRedis(t *testing.T) {
	cfg := config.Default()
	require.False(t, needsRedis(cfg))

	cfg.Sessions.Store = "redis"
	require.True(t, needsRedis(cfg))

	cfg = config.Default()
	cfg.Chat.QueueDriver = "redis"
	require.True(t, needsRedis(cfg))

	cfg = config.Default()
	cfg.Chat.SharedLimits = true
	require.True(t, needsRedis(cfg))
}

func TestResolveTokenSecretUsesConfiguredValue(t *testing.T) {
	cfg := config.Default()
	cfg.Chat.TokenSecret = "configured-secret"
	secret, err := resolveTokenSecret(cfg, testLogger())
	require.NoError(t, err)
	require.Equal(t, []byte("configured-secret"), secret)
}

func TestResolveTokenSecretGeneratesEphemeralInDevelopment(t *testing.T) {
	secret, err := resolveTokenSecret(config.Default(), testLogger())
	require.NoError(t, err)
	require.Len(t, secret, 64)

	other, err := resolveTokenSecret(config.Default(), testLogger())
	require.NoError(t, err)
	require.NotEqual(t, secret, other)
}

func TestResolveTokenSecretRequiredInProduction(t *testing.T) {
	cfg := config.Default()
	cfg.Mode = "production"
	_, err := resolveTokenSecret(cfg, testLogger())
	require.Error(t, err)
}

func TestBuildSessionManagerMemory(t *testing.T) {
	cfg := config.Default()
	cfg.Sessions.TTL = time.Hour
	sessions, err := buildSessionManager(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, sessions)
}

func TestBuildSessionManagerRedisRequiresClient(t *testing.T) {
	cfg := config.Default()
	cfg.Sessions.Store = "redis"
	_, err := buildSessionManager(cfg, nil)
	require.Error(t, err)
}

func TestSplitAndTrim(t *testing.T) {
	require.Equal(t, []string{"a", "b"}, splitAndTrim(" a , b ,, "))
	require.Empty(t, splitAndTrim(""))
}
