package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, chat throughput, broadcast fanout, rate limiting, and wallet
// movement. It coordinates concurrent writers via a RWMutex while exposing
// thread-safe gauges for connection tracking.
type Recorder struct {
	mu                  sync.RWMutex
	requestCount        map[requestLabel]uint64
	requestDuration     map[requestLabel]time.Duration
	chatEvents          map[string]uint64
	broadcastCount      map[string]uint64
	broadcastDelivered  map[string]uint64
	rateLimitRejections map[string]uint64
	creditDebitCount    uint64
	creditDebitTotal    int64
	creditGrantCount    uint64
	creditGrantTotal    int64
	reapedConnections   uint64
	activeConnections   atomic.Int64
	activeChannels      atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:        make(map[requestLabel]uint64),
		requestDuration:     make(map[requestLabel]time.Duration),
		chatEvents:          make(map[string]uint64),
		broadcastCount:      make(map[string]uint64),
		broadcastDelivered:  make(map[string]uint64),
		rateLimitRejections: make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveChatEvent records a committed chat event type for throughput
// monitoring.
func (r *Recorder) ObserveChatEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.chatEvents[normalized]++
	r.mu.Unlock()
}

// ObserveBroadcast records one fanout pass and the number of connections that
// accepted the event.
func (r *Recorder) ObserveBroadcast(event string, delivered int) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.broadcastCount[normalized]++
	if delivered > 0 {
		r.broadcastDelivered[normalized] += uint64(delivered)
	}
	r.mu.Unlock()
}

// ObserveRateLimited counts a rejected request by limiter scope (e.g. "send",
// "login", "global").
func (r *Recorder) ObserveRateLimited(scope string) {
	normalized := normalizeName(scope)
	r.mu.Lock()
	r.rateLimitRejections[normalized]++
	r.mu.Unlock()
}

// ObserveCreditDebit records a successful wallet debit of the given amount.
func (r *Recorder) ObserveCreditDebit(amount int64) {
	r.mu.Lock()
	r.creditDebitCount++
	r.creditDebitTotal += amount
	r.mu.Unlock()
}

// ObserveCreditGrant records an administrative credit grant.
func (r *Recorder) ObserveCreditGrant(amount int64) {
	r.mu.Lock()
	r.creditGrantCount++
	r.creditGrantTotal += amount
	r.mu.Unlock()
}

// ConnectionOpened increments the active connection gauge.
func (r *Recorder) ConnectionOpened() {
	r.activeConnections.Add(1)
}

// ConnectionClosed decrements the active connection gauge, guarding against
// negative counts when concurrent teardowns race.
func (r *Recorder) ConnectionClosed() {
	r.decrementGauge(&r.activeConnections)
}

// ConnectionsReaped counts connections dropped by the reaper.
func (r *Recorder) ConnectionsReaped(count int) {
	if count <= 0 {
		return
	}
	r.mu.Lock()
	r.reapedConnections += uint64(count)
	r.mu.Unlock()
}

// SetActiveChannels records the current number of channels holding
// subscribers.
func (r *Recorder) SetActiveChannels(count int64) {
	r.activeChannels.Store(count)
}

// ActiveConnections exposes the current gauge of open stream connections.
func (r *Recorder) ActiveConnections() int64 {
	return r.activeConnections.Load()
}

// ChatEventCounts returns a copy of the chat event counters for testing and
// reporting purposes.
func (r *Recorder) ChatEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.chatEvents))
	for k, v := range r.chatEvents {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.chatEvents = make(map[string]uint64)
	r.broadcastCount = make(map[string]uint64)
	r.broadcastDelivered = make(map[string]uint64)
	r.rateLimitRejections = make(map[string]uint64)
	r.creditDebitCount = 0
	r.creditDebitTotal = 0
	r.creditGrantCount = 0
	r.creditGrantTotal = 0
	r.reapedConnections = 0
	r.activeConnections.Store(0)
	r.activeChannels.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	chatEvents := sortedKeys(r.chatEvents)
	broadcastEvents := r.sortedBroadcastEvents()
	limiterScopes := sortedKeys(r.rateLimitRejections)

	fmt.Fprintln(w, "# HELP embercast_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE embercast_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "embercast_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP embercast_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE embercast_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "embercast_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP embercast_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE embercast_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "embercast_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP embercast_chat_events_total Committed chat events by type")
	fmt.Fprintln(w, "# TYPE embercast_chat_events_total counter")
	for _, event := range chatEvents {
		fmt.Fprintf(w, "embercast_chat_events_total{event=\"%s\"} %d\n", event, r.chatEvents[event])
	}

	fmt.Fprintln(w, "# HELP embercast_chat_broadcasts_total Fanout passes by event type")
	fmt.Fprintln(w, "# TYPE embercast_chat_broadcasts_total counter")
	for _, event := range broadcastEvents {
		fmt.Fprintf(w, "embercast_chat_broadcasts_total{event=\"%s\"} %d\n", event, r.broadcastCount[event])
	}

	fmt.Fprintln(w, "# HELP embercast_chat_broadcast_deliveries_total Connections reached by fanout, by event type")
	fmt.Fprintln(w, "# TYPE embercast_chat_broadcast_deliveries_total counter")
	for _, event := range broadcastEvents {
		fmt.Fprintf(w, "embercast_chat_broadcast_deliveries_total{event=\"%s\"} %d\n", event, r.broadcastDelivered[event])
	}

	fmt.Fprintln(w, "# HELP embercast_rate_limited_total Requests rejected by rate limiting, by scope")
	fmt.Fprintln(w, "# TYPE embercast_rate_limited_total counter")
	for _, scope := range limiterScopes {
		fmt.Fprintf(w, "embercast_rate_limited_total{scope=\"%s\"} %d\n", scope, r.rateLimitRejections[scope])
	}

	fmt.Fprintln(w, "# HELP embercast_credit_debits_total Wallet debits committed alongside chat messages")
	fmt.Fprintln(w, "# TYPE embercast_credit_debits_total counter")
	fmt.Fprintf(w, "embercast_credit_debits_total %d\n", r.creditDebitCount)

	fmt.Fprintln(w, "# HELP embercast_credit_debit_amount_total Total credits debited")
	fmt.Fprintln(w, "# TYPE embercast_credit_debit_amount_total counter")
	fmt.Fprintf(w, "embercast_credit_debit_amount_total %d\n", r.creditDebitTotal)

	fmt.Fprintln(w, "# HELP embercast_credit_grants_total Administrative credit grants")
	fmt.Fprintln(w, "# TYPE embercast_credit_grants_total counter")
	fmt.Fprintf(w, "embercast_credit_grants_total %d\n", r.creditGrantCount)

	fmt.Fprintln(w, "# HELP embercast_credit_grant_amount_total Total credits granted")
	fmt.Fprintln(w, "# TYPE embercast_credit_grant_amount_total counter")
	fmt.Fprintf(w, "embercast_credit_grant_amount_total %d\n", r.creditGrantTotal)

	fmt.Fprintln(w, "# HELP embercast_connections_reaped_total Connections dropped by the stale reaper")
	fmt.Fprintln(w, "# TYPE embercast_connections_reaped_total counter")
	fmt.Fprintf(w, "embercast_connections_reaped_total %d\n", r.reapedConnections)

	fmt.Fprintln(w, "# HELP embercast_active_connections Current number of open chat stream connections")
	fmt.Fprintln(w, "# TYPE embercast_active_connections gauge")
	fmt.Fprintf(w, "embercast_active_connections %d\n", r.activeConnections.Load())

	fmt.Fprintln(w, "# HELP embercast_active_channels Current number of channels with subscribers")
	fmt.Fprintln(w, "# TYPE embercast_active_channels gauge")
	fmt.Fprintf(w, "embercast_active_channels %d\n", r.activeChannels.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedBroadcastEvents() []string {
	seen := make(map[string]struct{}, len(r.broadcastCount)+len(r.broadcastDelivered))
	for event := range r.broadcastCount {
		seen[event] = struct{}{}
	}
	for event := range r.broadcastDelivered {
		seen[event] = struct{}{}
	}
	return sortedKeys(seen)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ObserveChatEvent records a chat event on the default recorder.
func ObserveChatEvent(event string) {
	defaultRecorder.ObserveChatEvent(event)
}
