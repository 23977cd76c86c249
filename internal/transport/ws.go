package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ssd-technologies/swarm/internal/ratelimit"
)

const (
	readLimit    = 1 << 20
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// peerConn serializes writes; gorilla/websocket allows one concurrent writer.
type peerConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (pc *peerConn) write(env Envelope) error {
	pc.wmu.Lock()
	defer pc.wmu.Unlock()
	_ = pc.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return pc.conn.WriteJSON(env)
}

// Hub is the server side of the WebSocket transport. Every envelope read
// from one connection is relayed to all other connections and to the hub's
// own subscribers.
type Hub struct {
	mu     sync.RWMutex
	conns  map[*peerConn]struct{}
	local  *Local
	log    zerolog.Logger
	rate   int
	window time.Duration
	closed bool
}

// NewHub creates a hub. rate envelopes per window are accepted from each
// connection; rate <= 0 disables the limit.
func NewHub(log zerolog.Logger, rate int, window time.Duration) *Hub {
	return &Hub{
		conns:  make(map[*peerConn]struct{}),
		local:  NewLocal(),
		log:    log,
		rate:   rate,
		window: window,
	}
}

// ServeHTTP upgrades the request and runs the connection's read loop until
// it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(readLimit)
	pc := &peerConn{conn: conn}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.conns[pc] = struct{}{}
	h.mu.Unlock()

	h.log.Debug().Str("remote", r.RemoteAddr).Msg("peer connected")
	h.readLoop(pc, r.RemoteAddr)
}

func (h *Hub) readLoop(pc *peerConn, remote string) {
	defer func() {
		h.mu.Lock()
		delete(h.conns, pc)
		h.mu.Unlock()
		pc.conn.Close()
		h.log.Debug().Str("remote", remote).Msg("peer disconnected")
	}()

	var limiter *ratelimit.Limiter
	if h.rate > 0 {
		limiter = ratelimit.New(h.rate, h.window)
	}
	for {
		var env Envelope
		if err := pc.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn().Err(err).Str("remote", remote).Msg("websocket read failed")
			}
			return
		}
		if limiter != nil && !limiter.Allow() {
			h.log.Warn().Str("remote", remote).Str("sender", env.Sender).Msg("rate limit exceeded, envelope dropped")
			continue
		}
		if !KnownTopic(env.Topic) {
			h.log.Warn().Str("remote", remote).Str("topic", env.Topic).Str("envelope_id", env.ID).Msg("envelope on unknown topic dropped")
			continue
		}
		h.fanout(env, pc)
		_ = h.local.Deliver(context.Background(), env.Topic, env)
	}
}

func (h *Hub) fanout(env Envelope, from *peerConn) {
	h.mu.RLock()
	targets := make([]*peerConn, 0, len(h.conns))
	for pc := range h.conns {
		if pc != from {
			targets = append(targets, pc)
		}
	}
	h.mu.RUnlock()

	for _, pc := range targets {
		if err := pc.write(env); err != nil {
			h.log.Warn().Err(err).Str("envelope_id", env.ID).Msg("relay write failed")
			pc.conn.Close()
		}
	}
}

// Deliver sends env to every connected peer and local subscriber.
func (h *Hub) Deliver(ctx context.Context, topic string, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	env.Topic = topic
	h.fanout(env, nil)
	return h.local.Deliver(ctx, topic, env)
}

// Subscribe registers a handler for envelopes on topic.
func (h *Hub) Subscribe(topic string, handler Handler) {
	h.local.Subscribe(topic, handler)
}

// Peers returns the number of open connections.
func (h *Hub) Peers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close drops every connection.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	conns := h.conns
	h.conns = make(map[*peerConn]struct{})
	h.mu.Unlock()

	for pc := range conns {
		_ = pc.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
			time.Now().Add(time.Second))
		pc.conn.Close()
	}
	return h.local.Close()
}

// Peer is the client side of the WebSocket transport.
type Peer struct {
	pc    *peerConn
	local *Local
	log   zerolog.Logger
	done  chan struct{}
	once  sync.Once
}

// Dial connects to a hub at url (ws://host/ws).
func Dial(ctx context.Context, url string, log zerolog.Logger) (*Peer, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(readLimit)
	p := &Peer{
		pc:    &peerConn{conn: conn},
		local: NewLocal(),
		log:   log,
		done:  make(chan struct{}),
	}
	go p.readLoop()
	return p, nil
}

func (p *Peer) readLoop() {
	defer p.shutdown()
	for {
		var env Envelope
		if err := p.pc.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.log.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}
		if env.Topic == "" {
			continue
		}
		_ = p.local.Deliver(context.Background(), env.Topic, env)
	}
}

func (p *Peer) shutdown() {
	p.once.Do(func() {
		close(p.done)
		p.pc.conn.Close()
		_ = p.local.Close()
	})
}

// Deliver sends env to the hub, which relays it to every other peer, and to
// this peer's own subscribers.
func (p *Peer) Deliver(ctx context.Context, topic string, env Envelope) error {
	select {
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	env.Topic = topic
	if err := p.pc.write(env); err != nil {
		return fmt.Errorf("write %s: %w", topic, err)
	}
	return p.local.Deliver(ctx, topic, env)
}

// Subscribe registers a handler for envelopes on topic.
func (p *Peer) Subscribe(topic string, h Handler) {
	p.local.Subscribe(topic, h)
}

// Done is closed when the connection ends.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Close ends the connection.
func (p *Peer) Close() error {
	p.pc.wmu.Lock()
	_ = p.pc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	p.pc.wmu.Unlock()
	p.shutdown()
	return nil
}
