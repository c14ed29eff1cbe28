// Package tunnel keeps the broker connection alive and answers its RPCs.
//
// All connection state lives on one event loop goroutine: socket readers,
// dials, and tunneled HTTP calls run elsewhere and post their results back to
// the loop, which is the only writer to the socket.
package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/QuadTriangle/meshnode/internal/config"
	"github.com/QuadTriangle/meshnode/internal/hooks"
	"github.com/QuadTriangle/meshnode/internal/types"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	ErrNoEndpoints = errors.New("tunnel: no endpoints configured")
	ErrStopped     = errors.New("tunnel: manager stopped")
)

const writeTimeout = 10 * time.Second

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateStopped
)

var stateNames = [...]string{"idle", "connecting", "open", "reconnecting", "stopped"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

type Options struct {
	Endpoints         []string
	TokenPlacement    string
	Identity          config.Identity
	HeartbeatInterval time.Duration
	StaleAfter        time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	// ReloginAfter asks Authenticator for a fresh session every time this
	// many consecutive attempts have failed. Zero disables re-login.
	ReloginAfter  int
	Dialer        Dialer
	Authenticator Authenticator
	TokenSink     TokenSink
	Hooks         *hooks.Pipeline
	Logger        zerolog.Logger
}

// OptionsFromConfig maps the file/env configuration onto manager options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Endpoints:         cfg.Endpoints,
		TokenPlacement:    cfg.TokenPlacement,
		Identity:          cfg.Identity,
		HeartbeatInterval: cfg.Heartbeat.Interval,
		StaleAfter:        cfg.Heartbeat.StaleAfter,
		BackoffBase:       cfg.Backoff.Base,
		BackoffMax:        cfg.Backoff.Max,
		ReloginAfter:      cfg.ReloginAfter,
	}
}

type eventKind int

const (
	evOpened eventKind = iota
	evDialFailed
	evFrame
	evClosed
	evSend
	evSession
)

type event struct {
	kind     eventKind
	gen      uint64
	conn     Conn
	endpoint string
	data     []byte
	err      error
	payload  any
	sess     Session
}

// Manager owns the single broker connection.
type Manager struct {
	opts       Options
	dispatcher *Dispatcher
	log        zerolog.Logger

	events chan event
	stopCh chan struct{}
	done   chan struct{}
	state  atomic.Int32

	lifecycle sync.Mutex
	started   bool
	stopped   bool

	postMu sync.RWMutex
	exited bool

	// Everything below is owned by the event loop.
	sess       Session
	conn       Conn
	endpoint   string
	gen        uint64
	backoff    *Backoff
	watchdog   *Watchdog
	heartbeat  *time.Ticker
	reconnect  *time.Timer
	dialCancel context.CancelFunc
	tunnelCtx  context.Context
}

func NewManager(opts Options, dispatcher *Dispatcher) (*Manager, error) {
	if len(opts.Endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	if opts.Dialer == nil {
		opts.Dialer = NewWSDialer(false)
	}
	if opts.TokenPlacement == "" {
		opts.TokenPlacement = config.TokenInBoth
	}
	def := config.Default()
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = def.Heartbeat.Interval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = def.Heartbeat.StaleAfter
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = def.Backoff.Base
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = def.Backoff.Max
	}
	return &Manager{
		opts:       opts,
		dispatcher: dispatcher,
		log:        opts.Logger,
		events:     make(chan event, 64),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		backoff:    NewBackoff(opts.BackoffBase, opts.BackoffMax),
		watchdog:   NewWatchdog(opts.StaleAfter),
	}, nil
}

// State reports the current lifecycle state.
func (m *Manager) State() State { return State(m.state.Load()) }

// Done is closed once a started manager has fully torn down.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Start begins connecting with sess and returns immediately. Connection
// failures are never returned; they go to the reconnect path. A second Start
// is a no-op; Start after Stop returns ErrStopped.
func (m *Manager) Start(ctx context.Context, sess Session) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if m.started {
		return nil
	}
	m.started = true
	m.sess = sess
	go m.run(ctx)
	return nil
}

// Stop closes the connection, cancels every pending timer and dial, and waits
// for the event loop to exit. It is safe to call repeatedly.
func (m *Manager) Stop() {
	m.lifecycle.Lock()
	if !m.stopped {
		m.stopped = true
		close(m.stopCh)
	}
	started := m.started
	m.lifecycle.Unlock()

	if started {
		<-m.done
		return
	}
	m.setState(StateStopped)
}

func (m *Manager) run(ctx context.Context) {
	defer m.drain()
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.tunnelCtx = context.WithoutCancel(loopCtx)

	m.connect(loopCtx)
	for {
		select {
		case <-loopCtx.Done():
			m.teardown()
			return
		case <-m.stopCh:
			m.teardown()
			return
		case ev := <-m.events:
			m.handle(loopCtx, ev)
		case <-m.heartbeatC():
			m.tick(time.Now())
		case <-m.reconnectC():
			m.reconnect = nil
			m.connect(loopCtx)
		}
	}
}

// drain marks the loop as gone and closes any connection whose dial finished
// during shutdown.
func (m *Manager) drain() {
	close(m.done)
	m.postMu.Lock()
	m.exited = true
	m.postMu.Unlock()
	for {
		select {
		case ev := <-m.events:
			if ev.kind == evOpened && ev.conn != nil {
				_ = ev.conn.Close()
			}
		default:
			return
		}
	}
}

func (m *Manager) heartbeatC() <-chan time.Time {
	if m.heartbeat == nil {
		return nil
	}
	return m.heartbeat.C
}

func (m *Manager) reconnectC() <-chan time.Time {
	if m.reconnect == nil {
		return nil
	}
	return m.reconnect.C
}

func (m *Manager) setState(s State) {
	prev := State(m.state.Swap(int32(s)))
	if prev != s {
		m.log.Debug().Stringer("from", prev).Stringer("to", s).Msg("state")
	}
}

// post hands an event to the loop. It fails once the loop has exited; an
// event that raced the exit is picked up by drain.
func (m *Manager) post(ev event) bool {
	m.postMu.RLock()
	defer m.postMu.RUnlock()
	if m.exited {
		return false
	}
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) pickEndpoint() string {
	eps := m.opts.Endpoints
	return eps[rand.Intn(len(eps))]
}

// connect starts one dial attempt off the loop.
func (m *Manager) connect(ctx context.Context) {
	m.gen++
	gen := m.gen
	endpoint := m.pickEndpoint()
	sess := m.sess
	attempt := m.backoff.Attempt()
	relogin := m.opts.Authenticator != nil && m.opts.ReloginAfter > 0 &&
		attempt > 0 && attempt%m.opts.ReloginAfter == 0

	dialCtx, cancel := context.WithCancel(ctx)
	m.dialCancel = cancel
	m.setState(StateConnecting)
	m.log.Info().Str("endpoint", endpoint).Int("attempt", attempt).Msg("connecting")

	go func() {
		if relogin {
			fresh, err := m.opts.Authenticator.Login(dialCtx)
			if err != nil {
				m.log.Warn().Err(err).Msg("re-login failed, keeping current session")
			} else {
				sess = fresh
				if !m.post(event{kind: evSession, gen: gen, sess: fresh}) {
					return
				}
			}
		}

		rawURL, header, err := handshake(endpoint, sess.AccessToken, m.opts.TokenPlacement, m.opts.Identity)
		var conn Conn
		if err == nil {
			conn, err = m.opts.Dialer.Dial(dialCtx, rawURL, header)
		}
		if err != nil {
			m.post(event{kind: evDialFailed, gen: gen, endpoint: endpoint, err: err})
			return
		}
		if !m.post(event{kind: evOpened, gen: gen, conn: conn, endpoint: endpoint}) {
			_ = conn.Close()
		}
	}()
}

func (m *Manager) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evSession:
		m.sess = ev.sess
		if m.opts.TokenSink != nil {
			m.opts.TokenSink.SetToken(ev.sess.AccessToken)
		}
		m.log.Info().Str("user_id", ev.sess.UserID).Msg("session renewed")

	case evOpened:
		if ev.gen != m.gen {
			_ = ev.conn.Close()
			return
		}
		m.onOpen(ev.conn, ev.endpoint)

	case evDialFailed:
		if ev.gen != m.gen {
			return
		}
		m.releaseDial()
		m.log.Warn().Err(ev.err).Str("endpoint", ev.endpoint).Msg("connect failed")
		m.scheduleReconnect()

	case evFrame:
		if ev.gen != m.gen || m.conn == nil {
			return
		}
		m.onFrame(ctx, ev.data)

	case evClosed:
		if ev.gen != m.gen || m.conn == nil {
			return
		}
		m.onClose(ev.err)

	case evSend:
		if ev.gen != m.gen || m.conn == nil {
			m.log.Debug().Msg("dropping reply for a connection that is gone")
			return
		}
		m.send(ev.payload)
	}
}

func (m *Manager) onOpen(conn Conn, endpoint string) {
	m.releaseDial()
	m.conn = conn
	m.endpoint = endpoint
	m.backoff.Reset()
	m.watchdog.Touch(time.Now())
	m.startHeartbeat()
	m.setState(StateOpen)
	m.log.Info().Str("endpoint", endpoint).Msg("connection open")
	m.opts.Hooks.NotifyConnect(endpoint)

	go m.readLoop(m.gen, conn)
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.post(event{kind: evClosed, gen: gen, err: err})
			return
		}
		if !m.post(event{kind: evFrame, gen: gen, data: data}) {
			return
		}
	}
}

func (m *Manager) onFrame(ctx context.Context, data []byte) {
	// Any inbound traffic counts as liveness, not just PONG.
	m.watchdog.Touch(time.Now())

	env, err := types.DecodeEnvelope(data)
	if err != nil {
		m.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
		return
	}

	if env.Kind() == types.ActionHTTPRequest {
		gen, sess := m.gen, m.sess
		go func() {
			resp, err := m.dispatcher.Dispatch(m.tunnelCtx, sess, env)
			m.deliver(gen, env, resp, err, m.post)
		}()
		return
	}

	resp, err := m.dispatcher.Dispatch(ctx, m.sess, env)
	m.deliver(m.gen, env, resp, err, func(ev event) bool {
		m.send(ev.payload)
		return true
	})
}

// deliver reports err (locally and to the broker) and emits resp, both through
// emit so that off-loop callers go via the event queue.
func (m *Manager) deliver(gen uint64, env types.Envelope, resp *types.Response, err error, emit func(event) bool) {
	if err != nil {
		m.log.Error().Err(err).Str("id", env.ID).Str("action", env.Action).Msg("rpc error")
		emit(event{kind: evSend, gen: gen, payload: types.NewLogs(err.Error())})
	}
	if resp != nil {
		emit(event{kind: evSend, gen: gen, payload: resp})
	}
}

func (m *Manager) send(v any) {
	if m.conn == nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		m.log.Error().Err(err).Msg("encode frame")
		return
	}
	_ = m.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := m.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		// the read loop sees the close and drives reconnection
		m.log.Warn().Err(err).Msg("write failed, dropping connection")
		_ = m.conn.Close()
	}
}

// tick is one watchdog period.
func (m *Manager) tick(now time.Time) {
	if m.conn == nil {
		m.stopHeartbeat()
		return
	}
	if m.watchdog.Check(now) == VerdictStale {
		m.log.Warn().
			Dur("silent_for", m.watchdog.SinceLastInbound(now)).
			Time("last_inbound", m.watchdog.LastInbound()).
			Str("endpoint", m.endpoint).
			Msg("connection looks dead, dropping it")
		m.stopHeartbeat()
		_ = m.conn.Close()
		return
	}
	m.send(types.NewPing())
}

func (m *Manager) onClose(err error) {
	m.stopHeartbeat()
	_ = m.conn.Close()
	m.conn = nil
	m.log.Info().Str("endpoint", m.endpoint).Str("reason", describeClose(err)).Msg("connection closed")
	m.opts.Hooks.NotifyDisconnect(m.endpoint, err)
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	m.stopReconnect()
	delay := m.backoff.Next()
	attempt := m.backoff.Attempt()
	m.setState(StateReconnecting)
	m.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
	m.opts.Hooks.NotifyReconnectScheduled(attempt, delay)
	m.reconnect = time.NewTimer(delay)
}

func (m *Manager) startHeartbeat() {
	if m.heartbeat != nil {
		return
	}
	m.heartbeat = time.NewTicker(m.opts.HeartbeatInterval)
}

func (m *Manager) stopHeartbeat() {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
}

func (m *Manager) stopReconnect() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

func (m *Manager) releaseDial() {
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
}

func (m *Manager) teardown() {
	m.stopHeartbeat()
	m.stopReconnect()
	m.releaseDial()
	if m.conn != nil {
		_ = m.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = m.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
		_ = m.conn.Close()
		m.opts.Hooks.NotifyDisconnect(m.endpoint, nil)
		m.conn = nil
	}
	m.gen++
	m.setState(StateStopped)
	m.log.Info().Msg("stopped")
}
