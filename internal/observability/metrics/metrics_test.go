package metrics

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestObserveRequestAndNormalizePath(t *testing.T) {
	recorder := New()

	cases := []struct {
		name     string
		method   string
		path     string
		status   int
		expected string
	}{
		{name: "root path", method: "get", path: "/", status: 200, expected: `method="GET",path="/",status="200"`},
		{name: "id segment", method: "post", path: "/channels/123", status: 201, expected: `method="POST",path="/channels/:id",status="201"`},
		{name: "uuid segment", method: "GET", path: "/channels/0f9b1c2d3e4f5a6b7c8d9e0f/messages", status: 200, expected: `method="GET",path="/channels/:id/messages",status="200"`},
		{name: "trailing slash", method: "DELETE", path: "/users/abc123def/", status: 404, expected: `method="DELETE",path="/users/:id",status="404"`},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			recorder.ObserveRequest(tc.method, tc.path, tc.status, 10*time.Millisecond)

			var buf bytes.Buffer
			recorder.Write(&buf)
			if !strings.Contains(buf.String(), tc.expected) {
				t.Fatalf("expected output to contain %q, got %q", tc.expected, buf.String())
			}
		})
	}
}

func TestChatCountersRender(t *testing.T) {
	recorder := New()
	recorder.ObserveChatEvent("message")
	recorder.ObserveChatEvent("message")
	recorder.ObserveChatEvent("Moderation ")
	recorder.ObserveBroadcast("message", 3)
	recorder.ObserveRateLimited("send")
	recorder.ObserveCreditDebit(1)
	recorder.ObserveCreditGrant(50)

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()

	for _, expected := range []string{
		`embercast_chat_events_total{event="message"} 2`,
		`embercast_chat_events_total{event="moderation"} 1`,
		`embercast_chat_broadcasts_total{event="message"} 1`,
		`embercast_chat_broadcast_deliveries_total{event="message"} 3`,
		`embercast_rate_limited_total{scope="send"} 1`,
		`embercast_credit_debits_total 1`,
		`embercast_credit_grant_amount_total 50`,
	} {
		if !strings.Contains(body, expected) {
			t.Fatalf("expected metrics output to contain %q, got %q", expected, body)
		}
	}
}

func TestConnectionGaugeNeverGoesNegative(t *testing.T) {
	recorder := New()
	recorder.ConnectionOpened()
	recorder.ConnectionClosed()
	recorder.ConnectionClosed()

	if got := recorder.ActiveConnections(); got != 0 {
		t.Fatalf("expected gauge 0, got %d", got)
	}
}

func TestConcurrentObservations(t *testing.T) {
	recorder := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				recorder.ObserveChatEvent("message")
				recorder.ConnectionOpened()
				recorder.ConnectionClosed()
			}
		}()
	}
	wg.Wait()

	counts := recorder.ChatEventCounts()
	if counts["message"] != 1600 {
		t.Fatalf("expected 1600 message events, got %d", counts["message"])
	}
	if got := recorder.ActiveConnections(); got != 0 {
		t.Fatalf("expected gauge 0 after balanced open/close, got %d", got)
	}
}

func TestHTTPMiddlewareRecordsRequests(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/widgets/abc123", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()

	expected := `embercast_http_requests_total{method="GET",path="/widgets/:id",status="418"} 1`
	if !strings.Contains(body, expected) {
		t.Fatalf("expected metrics output to contain %q, got %q", expected, body)
	}
}

func TestHandlerSetsContentType(t *testing.T) {
	recorder := New()
	rr := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if got := rr.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Fatalf("expected text/plain content type, got %q", got)
	}
}
