// Package realtime maintains a reconnecting push channel to the venue API
// and dispatches typed messages to subscribers.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/Sternrassler/venue-sync-client/pkg/auth"
	"github.com/Sternrassler/venue-sync-client/pkg/clock"
	"github.com/Sternrassler/venue-sync-client/pkg/logging"
	"github.com/Sternrassler/venue-sync-client/pkg/retry"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	stateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "venue_realtime_state",
		Help: "Current realtime channel state (0=disconnected 1=connecting 2=connected 3=reconnecting 4=error)",
	}, []string{"scope"})

	reconnectAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venue_realtime_reconnect_attempts_total",
		Help: "Total scheduled reconnect attempts",
	}, []string{"scope"})

	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "venue_realtime_messages_total",
		Help: "Total realtime messages by direction and type",
	}, []string{"direction", "type"})
)

// ErrNotConnected is returned by sends attempted while not connected.
// Such messages are dropped, never queued.
var ErrNotConnected = errors.New("realtime channel not connected")

// TokenSource supplies the credential passed in the connection handshake.
type TokenSource interface {
	ValidCredential(ctx context.Context) (*auth.Credential, error)
}

// Handler receives dispatched messages.
type Handler func(Message)

// StateListener observes state transitions.
type StateListener func(from, to State)

// Config configures a Manager.
type Config struct {
	// URL is the push endpoint, e.g. "wss://api.example.com/ws".
	URL string

	// Scope identifies the venue or user the channel belongs to.
	Scope string

	// Credentials may be nil for unauthenticated channels.
	Credentials TokenSource

	// BaseDelay and MaxDelay bound the reconnect schedule.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64

	// MaxAttempts is the number of reconnects tried before entering Error.
	MaxAttempts int

	HandshakeTimeout time.Duration

	// PingInterval is the keepalive period. Zero disables keepalive.
	PingInterval time.Duration

	// PongWait is how long the connection may stay silent. Zero disables the
	// read deadline.
	PongWait time.Duration

	WriteWait time.Duration

	Dialer *websocket.Dialer
	Clock  clock.Clock
	Logger *zerolog.Logger
}

// DefaultConfig returns a Config with a 1s..30s reconnect schedule and five
// attempts.
func DefaultConfig(rawURL, scope string) Config {
	return Config{
		URL:              rawURL,
		Scope:            scope,
		BaseDelay:        time.Second,
		MaxDelay:         30 * time.Second,
		MaxAttempts:      5,
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PongWait:         60 * time.Second,
		WriteWait:        10 * time.Second,
	}
}

type subscription struct {
	id      string
	msgType MessageType
	handler Handler
}

// Manager owns one push channel connection.
type Manager struct {
	url         *url.URL
	scope       string
	creds       TokenSource
	dialer      *websocket.Dialer
	maxAttempts int
	handshake   time.Duration
	pingEvery   time.Duration
	pongWait    time.Duration
	writeWait   time.Duration
	clock       clock.Clock
	logger      zerolog.Logger

	mu       sync.Mutex
	state    State
	gen      uint64
	conn     *websocket.Conn
	attempts int
	schedule backoff.BackOff
	timer    clock.Task
	stopPing chan struct{}
	events   []stateEvent

	// delivering is set while one goroutine drains events.
	delivering bool

	writeMu sync.Mutex

	subMu     sync.RWMutex
	subs      []subscription
	listeners []StateListener
}

type stateEvent struct {
	from, to State
}

// NewManager creates a disconnected manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("realtime url is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("realtime url must use ws or wss, got %q", u.Scheme)
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.MaxAttempts < 0 {
		return nil, fmt.Errorf("max attempts must not be negative")
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}

	m := &Manager{
		url:         u,
		scope:       cfg.Scope,
		creds:       cfg.Credentials,
		dialer:      dialer,
		maxAttempts: cfg.MaxAttempts,
		handshake:   cfg.HandshakeTimeout,
		pingEvery:   cfg.PingInterval,
		pongWait:    cfg.PongWait,
		writeWait:   cfg.WriteWait,
		clock:       clock.OrReal(cfg.Clock),
		logger:      logging.OrDefault(cfg.Logger, "realtime").With().Str("scope", cfg.Scope).Logger(),
		schedule:    retry.NewSchedule(cfg.BaseDelay, cfg.MaxDelay, cfg.Jitter),
	}
	stateGauge.WithLabelValues(m.scope).Set(float64(Disconnected))
	return m, nil
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of reconnects scheduled since the last
// successful open.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Connect starts connecting. It is a no-op while already connecting,
// connected or reconnecting; from Disconnected or Error it resets the
// attempt counter.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.state.active() {
		m.mu.Unlock()
		return
	}
	m.gen++
	gen := m.gen
	m.attempts = 0
	m.schedule.Reset()
	m.setStateLocked(Connecting)
	m.mu.Unlock()

	m.emit()
	go m.dial(gen)
}

// Disconnect cancels any pending reconnect, closes the connection and
// enters Disconnected. Subscriptions are kept.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	conn := m.conn
	m.conn = nil
	m.stopPingLocked()
	m.attempts = 0
	m.setStateLocked(Disconnected)
	m.mu.Unlock()

	if conn != nil {
		m.closeConn(conn)
	}
	m.emit()
}

func (m *Manager) closeConn(conn *websocket.Conn) {
	m.writeMu.Lock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	m.writeMu.Unlock()
	_ = conn.Close()
}

// dial performs one connection attempt for generation gen.
func (m *Manager) dial(gen uint64) {
	ctx := context.Background()
	if m.handshake > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.handshake)
		defer cancel()
	}

	target, err := m.endpoint(ctx)
	if err != nil {
		m.mu.Lock()
		if gen == m.gen && m.state == Connecting {
			if errors.Is(err, auth.ErrSessionExpired) {
				m.logger.Error().Err(err).Msg("Session expired, not reconnecting")
				m.timer = nil
				m.setStateLocked(Error)
			} else {
				m.failLocked(gen, err)
			}
		}
		m.mu.Unlock()
		m.emit()
		return
	}

	conn, _, err := m.dialer.DialContext(ctx, target, nil)

	m.mu.Lock()
	if gen != m.gen || m.state != Connecting {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		m.failLocked(gen, err)
		m.mu.Unlock()
		m.emit()
		return
	}

	m.conn = conn
	m.attempts = 0
	m.schedule.Reset()
	m.setStateLocked(Connected)
	stop := make(chan struct{})
	m.stopPing = stop
	m.mu.Unlock()

	m.logger.Info().Msg("Realtime channel connected")
	m.emit()

	if m.pongWait > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(m.pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(m.pongWait))
		})
	}
	if m.pingEvery > 0 {
		go m.pingLoop(conn, stop)
	}
	m.readLoop(gen, conn)
}

// endpoint returns the dial URL with scope and credential parameters.
func (m *Manager) endpoint(ctx context.Context) (string, error) {
	u := *m.url
	q := u.Query()
	if m.scope != "" {
		q.Set("scope", m.scope)
	}
	if m.creds != nil {
		cred, err := m.creds.ValidCredential(ctx)
		switch {
		case errors.Is(err, auth.ErrNoCredential):
		case err != nil:
			return "", err
		default:
			q.Set("token", cred.Token)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// failLocked handles a failed or lost connection of generation gen:
// schedule the next reconnect or give up.
func (m *Manager) failLocked(gen uint64, cause error) {
	if m.attempts >= m.maxAttempts {
		m.timer = nil
		m.setStateLocked(Error)
		m.logger.Error().
			Err(cause).
			Int("attempts", m.attempts).
			Msg("Realtime reconnect attempts exhausted")
		return
	}

	delay := m.schedule.NextBackOff()
	m.attempts++
	reconnectAttemptsTotal.WithLabelValues(m.scope).Inc()
	m.setStateLocked(Reconnecting)
	m.timer = m.clock.AfterFunc(delay, func() { m.reconnect(gen) })

	m.logger.Warn().
		Err(cause).
		Int("attempt", m.attempts).
		Dur("delay", delay).
		Msg("Realtime channel unavailable, reconnecting")
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != Reconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.setStateLocked(Connecting)
	m.mu.Unlock()

	m.emit()
	go m.dial(gen)
}

func (m *Manager) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			if gen != m.gen || m.conn != conn {
				m.mu.Unlock()
				return
			}
			m.conn = nil
			m.stopPingLocked()
			m.failLocked(gen, err)
			m.mu.Unlock()

			_ = conn.Close()
			m.emit()
			return
		}

		msg, err := Decode(data)
		if err != nil {
			m.logger.Warn().Err(err).Msg("Dropping malformed realtime frame")
			continue
		}
		m.dispatch(msg)
	}
}

func (m *Manager) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.writeTimeout()))
			m.writeMu.Unlock()
			if err != nil {
				m.logger.Debug().Err(err).Msg("Realtime ping failed")
				return
			}
		}
	}
}

func (m *Manager) stopPingLocked() {
	if m.stopPing != nil {
		close(m.stopPing)
		m.stopPing = nil
	}
}

func (m *Manager) writeTimeout() time.Duration {
	if m.writeWait > 0 {
		return m.writeWait
	}
	return 10 * time.Second
}

func (m *Manager) dispatch(msg Message) {
	t := msg.Type()
	if _, unknown := msg.(Unknown); unknown {
		messagesTotal.WithLabelValues("in", "unknown").Inc()
		m.logger.Warn().Str("type", string(t)).Msg("Dropping realtime message of unknown type")
		return
	}
	messagesTotal.WithLabelValues("in", string(t)).Inc()

	m.subMu.RLock()
	var handlers []subscription
	for _, s := range m.subs {
		if s.msgType == t {
			handlers = append(handlers, s)
		}
	}
	m.subMu.RUnlock()

	for _, s := range handlers {
		m.invoke(s, msg)
	}
}

func (m *Manager) invoke(s subscription, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Str("subscription", s.id).
				Str("type", string(s.msgType)).
				Interface("panic", r).
				Msg("Realtime handler panicked")
		}
	}()
	s.handler(msg)
}

// Subscribe registers h for messages of type t. Handlers for one type run in
// registration order on the connection's read goroutine. The returned func
// removes the subscription.
func (m *Manager) Subscribe(t MessageType, h Handler) (unsubscribe func()) {
	id := uuid.NewString()

	m.subMu.Lock()
	m.subs = append(m.subs, subscription{id: id, msgType: t, handler: h})
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		for i, s := range m.subs {
			if s.id == id {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

// On registers a typed handler for the message type T.
func On[T Message](m *Manager, h func(T)) (unsubscribe func()) {
	var zero T
	return m.Subscribe(zero.Type(), func(msg Message) {
		if typed, ok := msg.(T); ok {
			h(typed)
		}
	})
}

// OnStateChange registers a listener for state transitions. Listeners are
// called in transition order, outside the manager's lock.
func (m *Manager) OnStateChange(l StateListener) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.listeners = append(m.listeners, l)
}

// AwaitState blocks until the manager is in one of states or ctx is done.
func (m *Manager) AwaitState(ctx context.Context, states ...State) (State, error) {
	for {
		current := m.State()
		for _, s := range states {
			if current == s {
				return current, nil
			}
		}
		select {
		case <-ctx.Done():
			return current, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.events = append(m.events, stateEvent{from: m.state, to: s})
	m.state = s
	stateGauge.WithLabelValues(m.scope).Set(float64(s))
}

// emit delivers queued state events in order. Only one goroutine delivers
// at a time and listeners run without any lock held; an emit that finds
// delivery in progress returns and leaves its events to the deliverer, so a
// listener may call Connect or Disconnect.
func (m *Manager) emit() {
	m.mu.Lock()
	if m.delivering {
		m.mu.Unlock()
		return
	}
	m.delivering = true
	for len(m.events) > 0 {
		events := m.events
		m.events = nil
		m.mu.Unlock()

		m.subMu.RLock()
		listeners := append([]StateListener(nil), m.listeners...)
		m.subMu.RUnlock()

		for _, e := range events {
			m.logger.Debug().
				Str("from", e.from.String()).
				Str("to", e.to.String()).
				Msg("Realtime state changed")
			for _, l := range listeners {
				m.notify(l, e)
			}
		}

		m.mu.Lock()
	}
	m.delivering = false
	m.mu.Unlock()
}

func (m *Manager) notify(l StateListener, e stateEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Str("from", e.from.String()).
				Str("to", e.to.String()).
				Interface("panic", r).
				Msg("Realtime state listener panicked")
		}
	}()
	l(e.from, e.to)
}

// Send writes one frame. It fails with ErrNotConnected unless the channel
// is connected; the frame is then dropped.
func (m *Manager) Send(t MessageType, payload any) error {
	data, err := Encode(t, payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()

	if state != Connected || conn == nil {
		m.logger.Warn().
			Str("type", string(t)).
			Str("state", state.String()).
			Msg("Dropping outbound realtime message, not connected")
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(m.writeTimeout())); err != nil {
		return fmt.Errorf("send %s: %w", t, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", t, err)
	}
	messagesTotal.WithLabelValues("out", string(t)).Inc()
	return nil
}

// UpdateOrderStatus asks the server to move an order to status.
func (m *Manager) UpdateOrderStatus(orderID, status string) error {
	return m.Send(TypeUpdateOrderStatus, UpdateOrderStatusRequest{OrderID: orderID, Status: status})
}

// UpdateTableStatus asks the server to move a table to status.
func (m *Manager) UpdateTableStatus(tableID, status string) error {
	return m.Send(TypeUpdateTableStatus, UpdateTableStatusRequest{TableID: tableID, Status: status})
}

// RequestVenueStatus asks for a venue_status_snapshot.
func (m *Manager) RequestVenueStatus(venueID string) error {
	return m.Send(TypeRequestVenueStatus, VenueStatusRequest{VenueID: venueID})
}

// RequestNotifications asks for a notifications_snapshot.
func (m *Manager) RequestNotifications(unreadOnly bool, limit int) error {
	return m.Send(TypeRequestNotifications, NotificationsRequest{UnreadOnly: unreadOnly, Limit: limit})
}
