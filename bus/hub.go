// Package bus is the real-time notification fanout. Subscribers connect over
// websocket, authenticate with a user id or session token and then receive
// per-user and broadcast frames. Delivery is best-effort at-most-once: a
// subscriber that cannot keep up or fails a write is dropped and must
// reconcile over REST after reconnecting.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"loanzzz/observability"
)

const (
	writeTimeout     = 10 * time.Second
	handshakeTimeout = 30 * time.Second
	sendBuffer       = 32
)

// Frame is the wire shape of every outgoing event.
type Frame struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

type authFrame struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

// TokenVerifier resolves a session token to a user id. The auth manager
// satisfies it.
type TokenVerifier interface {
	VerifySession(token string) (string, error)
}

type subscriber struct {
	userID string
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// Hub indexes connected subscribers by user and fans frames out to them.
type Hub struct {
	mu     sync.Mutex
	byUser map[string]map[*subscriber]struct{}

	verifier TokenVerifier
	log      *slog.Logger
	now      func() time.Time
}

// Option configures a Hub.
type Option func(*Hub)

// WithTokenVerifier lets auth frames carry a session token instead of a bare
// user id.
func WithTokenVerifier(v TokenVerifier) Option {
	return func(h *Hub) { h.verifier = v }
}

// NewHub constructs an empty hub.
func NewHub(log *slog.Logger, opts ...Option) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		byUser: make(map[string]map[*subscriber]struct{}),
		log:    log.With("component", "bus"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the connection, runs the auth handshake and pumps
// frames until the client disconnects or falls behind.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	userID, err := h.handshake(ctx, conn)
	if err != nil {
		h.log.Debug("ws handshake rejected", "error", err)
		_ = conn.Close(websocket.StatusPolicyViolation, "auth required")
		return
	}
	sub := h.attach(userID)
	defer h.detach(sub)

	ack, _ := json.Marshal(Frame{Type: "auth:success", Data: map[string]any{"userId": userID}, Timestamp: h.now()})
	if err := write(ctx, conn, ack); err != nil {
		return
	}

	// Drain incoming messages only to notice the disconnect.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.done:
			return
		case payload := <-sub.send:
			if err := write(ctx, conn, payload); err != nil {
				return
			}
			observability.Bus().Delivered.Inc()
		}
	}
}

func (h *Hub) handshake(ctx context.Context, conn *websocket.Conn) (string, error) {
	readCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	_, data, err := conn.Read(readCtx)
	if err != nil {
		return "", err
	}
	var frame authFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return "", err
	}
	if !strings.EqualFold(strings.TrimSpace(frame.Type), "auth") {
		return "", errUnexpectedFrame
	}
	if token := strings.TrimSpace(frame.Token); token != "" && h.verifier != nil {
		return h.verifier.VerifySession(token)
	}
	userID := strings.TrimSpace(frame.UserID)
	if userID == "" {
		return "", errMissingUser
	}
	return userID, nil
}

// NotifyUser delivers one event to every open channel of that user.
func (h *Hub) NotifyUser(userID, event string, payload any) {
	data, err := json.Marshal(Frame{Type: event, Data: payload, Timestamp: h.now()})
	if err != nil {
		h.log.Error("marshal frame", "event", event, "error", err)
		return
	}
	h.mu.Lock()
	targets := make([]*subscriber, 0, len(h.byUser[userID]))
	for sub := range h.byUser[userID] {
		targets = append(targets, sub)
	}
	h.mu.Unlock()
	h.deliver(targets, data)
}

// Broadcast delivers one event to every connected subscriber.
func (h *Hub) Broadcast(event string, payload any) {
	data, err := json.Marshal(Frame{Type: event, Data: payload, Timestamp: h.now()})
	if err != nil {
		h.log.Error("marshal frame", "event", event, "error", err)
		return
	}
	h.mu.Lock()
	var targets []*subscriber
	for _, subs := range h.byUser {
		for sub := range subs {
			targets = append(targets, sub)
		}
	}
	h.mu.Unlock()
	h.deliver(targets, data)
}

// Subscribers reports how many channels are attached for the user.
func (h *Hub) Subscribers(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.byUser[userID])
}

func (h *Hub) deliver(targets []*subscriber, data []byte) {
	for _, sub := range targets {
		select {
		case sub.send <- data:
		default:
			// Slow consumer: at-most-once delivery drops the channel.
			h.drop(sub)
		}
	}
}

func (h *Hub) attach(userID string) *subscriber {
	sub := &subscriber{
		userID: userID,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[*subscriber]struct{})
	}
	h.byUser[userID][sub] = struct{}{}
	h.mu.Unlock()
	observability.Bus().Subscribers.Inc()
	return sub
}

func (h *Hub) detach(sub *subscriber) {
	h.mu.Lock()
	subs, ok := h.byUser[sub.userID]
	if ok {
		if _, attached := subs[sub]; attached {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(h.byUser, sub.userID)
			}
			observability.Bus().Subscribers.Dec()
		}
	}
	h.mu.Unlock()
	sub.close()
}

func (h *Hub) drop(sub *subscriber) {
	h.detach(sub)
	observability.Bus().Dropped.Inc()
}

func write(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}

var (
	errUnexpectedFrame = errors.New("bus: first frame must be auth")
	errMissingUser     = errors.New("bus: auth frame carries no user")
)
