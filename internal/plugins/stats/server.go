package stats

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/jpillora/requestlog"
	"github.com/jpillora/sizestr"
	"github.com/rs/zerolog"
)

type connectionJSON struct {
	Endpoint    string  `json:"endpoint"`
	Connected   bool    `json:"connected"`
	ConnectedAt int64   `json:"connected_at,omitempty"`
	UptimeSec   float64 `json:"uptime_sec"`
	Reconnects  int     `json:"reconnects"`
	Attempt     int     `json:"attempt"`
	NextRetryMs int64   `json:"next_retry_ms"`
	LastError   string  `json:"last_error,omitempty"`
}

type requestJSON struct {
	ID        int     `json:"id"`
	RequestID string  `json:"request_id"`
	Method    string  `json:"method"`
	URL       string  `json:"url"`
	Status    int     `json:"status"`
	LatencyMs float64 `json:"latency_ms"`
	BytesIn   int     `json:"bytes_in"`
	BytesOut  int     `json:"bytes_out"`
	CreatedAt int64   `json:"created_at"`
}

type summaryJSON struct {
	Connected      bool           `json:"connected"`
	TotalRequests  int            `json:"total_requests"`
	TotalErrors    int            `json:"total_errors"`
	AvgLatency     float64        `json:"avg_latency"`
	MaxLatency     float64        `json:"max_latency"`
	MinLatency     float64        `json:"min_latency"`
	TotalBytesIn   int            `json:"total_bytes_in"`
	TotalBytesOut  int            `json:"total_bytes_out"`
	TransferredIn  string         `json:"transferred_in"`
	TransferredOut string         `json:"transferred_out"`
	Actions        map[string]int `json:"actions"`
	ActionOrder    []string       `json:"action_order"`
}

// Server serves the stats API locally.
type Server struct {
	store *Store
	log   zerolog.Logger
	now   func() time.Time
}

func NewServer(store *Store, log zerolog.Logger) *Server {
	return &Server{store: store, log: log, now: time.Now}
}

// Handler returns the API routes with access logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stats/summary", s.handleSummary)
	mux.HandleFunc("/api/stats/requests", s.handleRequests)
	mux.HandleFunc("/api/stats/connection", s.handleConnection)
	return requestlog.Wrap(corsMiddleware(mux))
}

// ListenAndServe serves on addr until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("stats API listening")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("write response")
	}
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	c := s.store.Connection()
	out := connectionJSON{
		Endpoint:    c.Endpoint,
		Connected:   c.Connected,
		Reconnects:  c.Reconnects,
		Attempt:     c.Attempt,
		NextRetryMs: c.NextRetryIn.Milliseconds(),
		LastError:   c.LastError,
	}
	if !c.ConnectedAt.IsZero() {
		out.ConnectedAt = c.ConnectedAt.Unix()
	}
	if c.Connected {
		out.UptimeSec = s.now().Sub(c.ConnectedAt).Seconds()
	}
	s.writeJSON(w, map[string]any{"connection": out})
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
		limit = n
	}
	if limit > 500 {
		limit = 500
	}
	status, _ := strconv.Atoi(r.URL.Query().Get("status"))

	entries := s.store.RecentLogs(limit)

	// newest first, optionally filtered by status
	reqs := make([]requestJSON, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if status != 0 && e.Status != status {
			continue
		}
		reqs = append(reqs, requestJSON{
			ID:        e.ID,
			RequestID: e.RequestID,
			Method:    e.Method,
			URL:       e.URL,
			Status:    e.Status,
			LatencyMs: millis(e.Latency),
			BytesIn:   e.BytesIn,
			BytesOut:  e.BytesOut,
			CreatedAt: e.Timestamp.Unix(),
		})
	}
	s.writeJSON(w, map[string]any{"requests": reqs})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	t := s.store.Totals()
	actions := s.store.Actions()

	sum := summaryJSON{
		Connected:      s.store.Connection().Connected,
		TotalRequests:  t.Requests,
		TotalErrors:    t.Errors,
		MaxLatency:     millis(t.MaxLatency),
		TotalBytesIn:   t.TotalBytesIn,
		TotalBytesOut:  t.TotalBytesOut,
		TransferredIn:  sizestr.ToString(int64(t.TotalBytesIn)),
		TransferredOut: sizestr.ToString(int64(t.TotalBytesOut)),
		Actions:        actions,
		ActionOrder:    make([]string, 0, len(actions)),
	}
	if t.Requests > 0 {
		sum.AvgLatency = millis(t.TotalLatency) / float64(t.Requests)
		sum.MinLatency = millis(t.MinLatency)
	}
	for name := range actions {
		sum.ActionOrder = append(sum.ActionOrder, name)
	}
	sort.Slice(sum.ActionOrder, func(i, j int) bool {
		a, b := sum.ActionOrder[i], sum.ActionOrder[j]
		if actions[a] != actions[b] {
			return actions[a] > actions[b]
		}
		return a < b
	})
	s.writeJSON(w, map[string]any{"summary": sum})
}
