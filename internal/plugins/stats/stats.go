package stats

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/QuadTriangle/meshnode/internal/hooks"
	"github.com/QuadTriangle/meshnode/internal/logging"
	"github.com/QuadTriangle/meshnode/internal/types"
)

// RequestEntry is a single tunneled request held in memory.
type RequestEntry struct {
	ID        int
	RequestID string
	Method    string
	URL       string
	Status    int
	Latency   time.Duration
	BytesIn   int
	BytesOut  int
	Timestamp time.Time
}

// Connection describes the broker link.
type Connection struct {
	Endpoint    string
	Connected   bool
	ConnectedAt time.Time
	Reconnects  int
	Attempt     int
	NextRetryIn time.Duration
	LastError   string
}

// Totals aggregates every tunneled request since start.
type Totals struct {
	Requests      int
	Errors        int
	TotalBytesIn  int
	TotalBytesOut int
	TotalLatency  time.Duration
	MaxLatency    time.Duration
	MinLatency    time.Duration
}

// Store is the in-memory stats store. Safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	conn    Connection
	actions map[string]int
	totals  Totals
	logs    []RequestEntry // ring buffer
	maxLogs int
	nextID  int
}

func NewStore(maxLogs int) *Store {
	return &Store{
		actions: make(map[string]int),
		totals:  Totals{MinLatency: time.Duration(1<<63 - 1)}, // max duration sentinel
		maxLogs: maxLogs,
	}
}

func (s *Store) RecordConnect(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.conn.ConnectedAt.IsZero() {
		s.conn.Reconnects++
	}
	s.conn.Endpoint = endpoint
	s.conn.Connected = true
	s.conn.ConnectedAt = time.Now()
	s.conn.Attempt = 0
	s.conn.NextRetryIn = 0
}

func (s *Store) RecordDisconnect(endpoint string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if endpoint != "" {
		s.conn.Endpoint = endpoint
	}
	s.conn.Connected = false
	if err != nil {
		s.conn.LastError = err.Error()
	}
}

func (s *Store) RecordReconnect(attempt int, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.Attempt = attempt
	s.conn.NextRetryIn = delay
}

func (s *Store) RecordAction(action types.Action) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[action.String()]++
}

func decodedLen(body string) int {
	if body == "" {
		return 0
	}
	if n, err := base64.StdEncoding.DecodeString(body); err == nil {
		return len(n)
	}
	return len(body)
}

func (s *Store) RecordRequest(requestID string, req types.HTTPRequest, resp types.HTTPResponse, latency time.Duration) {
	entry := RequestEntry{
		RequestID: requestID,
		Method:    req.Method,
		URL:       req.URL,
		Status:    resp.Status,
		Latency:   latency,
		BytesIn:   decodedLen(req.Body),
		BytesOut:  decodedLen(resp.Body),
		Timestamp: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	entry.ID = s.nextID

	// Ring buffer: keep last maxLogs entries
	if len(s.logs) >= s.maxLogs {
		s.logs = append(s.logs[1:], entry)
	} else {
		s.logs = append(s.logs, entry)
	}

	t := &s.totals
	t.Requests++
	t.TotalBytesIn += entry.BytesIn
	t.TotalBytesOut += entry.BytesOut
	t.TotalLatency += latency
	if latency > t.MaxLatency {
		t.MaxLatency = latency
	}
	if latency < t.MinLatency {
		t.MinLatency = latency
	}
	if resp.Status >= 400 {
		t.Errors++
	}
}

func (s *Store) Connection() Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

func (s *Store) Totals() Totals {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totals
}

// Actions returns a copy of the per-action counters.
func (s *Store) Actions() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int, len(s.actions))
	for k, v := range s.actions {
		out[k] = v
	}
	return out
}

// RecentLogs returns the last n request entries.
func (s *Store) RecentLogs(n int) []RequestEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n > len(s.logs) {
		n = len(s.logs)
	}
	out := make([]RequestEntry, n)
	copy(out, s.logs[len(s.logs)-n:])
	return out
}

// --- Plugin wiring ---

// Plugin implements hooks.Plugin for in-memory stats collection.
// Controlled by a single -dashboard-port flag: port > 0 enables stats + API, 0 disables everything.
type Plugin struct {
	dashboardPort int
	store         *Store
}

func New() *Plugin {
	return &Plugin{
		store: NewStore(1000),
	}
}

func (p *Plugin) Name() string { return "stats" }
func (p *Plugin) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&p.dashboardPort, "dashboard-port", 9999, "Stats API port on 127.0.0.1 (0 to disable stats entirely)")
}
func (p *Plugin) Enabled() bool { return p.dashboardPort > 0 }
func (p *Plugin) RequestHooks() []hooks.RequestHook {
	return []hooks.RequestHook{&reqHook{store: p.store}}
}
func (p *Plugin) ConnectionHooks() []hooks.ConnectionHook {
	return []hooks.ConnectionHook{&connHook{store: p.store}}
}

// Store returns the underlying store for external consumers.
func (p *Plugin) Store() *Store { return p.store }

// Serve runs the stats API until ctx is done. It returns nil at once when the
// plugin is disabled.
func (p *Plugin) Serve(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	srv := NewServer(p.store, logging.Component("stats"))
	return srv.ListenAndServe(ctx, fmt.Sprintf("127.0.0.1:%d", p.dashboardPort))
}

// --- Hooks ---

type reqHook struct {
	hooks.NoOpRequestHook
	store *Store
	// start time keyed by envelope id
	pending sync.Map
}

func (h *reqHook) BeforeTunnel(id string, req types.HTTPRequest) (types.HTTPRequest, error) {
	h.pending.Store(id, time.Now())
	return req, nil
}

func (h *reqHook) AfterTunnel(id string, req types.HTTPRequest, resp types.HTTPResponse) types.HTTPResponse {
	var latency time.Duration
	if v, ok := h.pending.LoadAndDelete(id); ok {
		latency = time.Since(v.(time.Time))
	}
	h.store.RecordRequest(id, req, resp, latency)
	return resp
}

type connHook struct {
	store *Store
}

func (h *connHook) OnConnect(endpoint string) { h.store.RecordConnect(endpoint) }

func (h *connHook) OnDisconnect(endpoint string, err error) { h.store.RecordDisconnect(endpoint, err) }

func (h *connHook) OnRequest(action types.Action) { h.store.RecordAction(action) }

func (h *connHook) OnReconnectScheduled(attempt int, delay time.Duration) {
	h.store.RecordReconnect(attempt, delay)
}
