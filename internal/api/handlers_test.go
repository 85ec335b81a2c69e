package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"embercast-live/internal/auth"
	"embercast-live/internal/chat"
	"embercast-live/internal/models"
	"embercast-live/internal/storage"
)

const testSendCapacity = 3

type testEnv struct {
	handler  *Handler
	store    storage.Repository
	registry *chat.Registry
	queue    chat.Queue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.NewJSONRepository(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewJSONRepository: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	queue := chat.NewMemoryQueue(16)
	registry := chat.NewRegistry(chat.RegistryOptions{})
	committer := chat.NewCommitter(store, queue, chat.CommitterOptions{Origin: "node-test"})
	tokens, err := chat.NewTokenIssuer([]byte("test-secret"), chat.TokenIssuerOptions{})
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}

	handler := &Handler{
		Store:           store,
		Sessions:        auth.NewSessionManager(time.Hour),
		Chat:            committer,
		Registry:        registry,
		Tokens:          tokens,
		SendLimiter:     chat.NewSendLimiter(chat.SendLimiterOptions{Capacity: testSendCapacity, Window: time.Minute}),
		AllowSelfSignup: true,
	}
	return &testEnv{handler: handler, store: store, registry: registry, queue: queue}
}

// startFanout bridges the queue into the registry for stream tests.
func (e *testEnv) startFanout(t *testing.T) {
	t.Helper()
	fanout := chat.NewFanout(e.queue, e.registry, chat.FanoutOptions{
		Restrictions: e.handler.Chat.Restrictions(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		fanout.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (e *testEnv) createUser(t *testing.T, name string, roles []string, grant int64) models.User {
	t.Helper()
	user, err := e.store.CreateUser(storage.CreateUserParams{
		DisplayName: name,
		Email:       name + "@example.com",
		Password:    "correct horse battery staple",
		Roles:       roles,
		SignupGrant: &grant,
	})
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", name, err)
	}
	return user
}

func (e *testEnv) createChannel(t *testing.T, ownerID string) models.Channel {
	t.Helper()
	channel, err := e.store.CreateChannel(ownerID, "Late Night Coding", "programming", []string{"go"})
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	return channel
}

func (e *testEnv) login(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := e.handler.Sessions.Create(userID)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return token
}

func jsonRequest(t *testing.T, method, path, sessionToken string, body interface{}) *http.Request {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if sessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+sessionToken)
	}
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("decode response body: %v", err)
	}
}

func requireStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d (body: %s)", rec.Code, want, rec.Body.String())
	}
}

func (e *testEnv) mintChatToken(t *testing.T, userID, channelID string) string {
	t.Helper()
	sessionToken := e.login(t, userID)
	rec := httptest.NewRecorder()
	e.handler.ChatToken(rec, jsonRequest(t, http.MethodPost, "/api/chat/token", sessionToken, map[string]string{"channelId": channelID}))
	requireStatus(t, rec, http.StatusOK)
	var resp struct {
		Token string `json:"token"`
	}
	decodeBody(t, rec, &resp)
	return resp.Token
}
