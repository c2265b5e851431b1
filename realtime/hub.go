package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"bitbucket.org/gracesoft/congregate_backend/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// sendBuffer is the per-connection outbound queue. Publish never blocks on a
// slow consumer; messages past the buffer are dropped (the client resyncs by
// polling the attendance endpoint on reconnect).
const sendBuffer = 64

// Identity is the authenticated principal behind one live connection.
type Identity struct {
	UserId   int
	Username string
	ChurchId string
	Role     models.UserRole
}

// Session is the in-memory subscription state for one connection. Created at
// handshake, destroyed at disconnect, never persisted.
type Session struct {
	ID       string
	Identity Identity

	mu       sync.Mutex
	channels map[string]struct{}
	send     chan []byte
	closed   bool
}

// Outbound returns the channel the write pump drains.
func (s *Session) Outbound() <-chan []byte { return s.send }

func (s *Session) subscribed(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[channel]
	return ok
}

// push queues a message without blocking. Reports whether it was queued.
func (s *Session) push(msg []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

// Hub owns all live sessions and is the only way connection/subscription
// state is touched. No ambient globals.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	logg       *logrus.Logger
	rdb        *redis.Client
	instanceId string
}

func NewHub(logg *logrus.Logger, rdb *redis.Client) *Hub {
	return &Hub{
		sessions:   make(map[string]*Session),
		logg:       logg,
		rdb:        rdb,
		instanceId: uuid.NewString(),
	}
}

// AttachRedis wires the cross-instance bridge client. The hub is created
// before Redis is connected (listen-first startup), so this runs late.
func (h *Hub) AttachRedis(rdb *redis.Client) {
	h.mu.Lock()
	h.rdb = rdb
	h.mu.Unlock()
}

func (h *Hub) Register(ident Identity) *Session {
	sess := &Session{
		ID:       uuid.NewString(),
		Identity: ident,
		channels: make(map[string]struct{}),
		send:     make(chan []byte, sendBuffer),
	}
	h.mu.Lock()
	h.sessions[sess.ID] = sess
	h.mu.Unlock()
	return sess
}

func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	sess, ok := h.sessions[id]
	if ok {
		delete(h.sessions, id)
	}
	h.mu.Unlock()
	if ok {
		sess.mu.Lock()
		if !sess.closed {
			sess.closed = true
			close(sess.send)
		}
		sess.mu.Unlock()
	}
}

func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// ServiceChannel names the tenant-scoped channel counter updates go out on.
func ServiceChannel(churchId string, serviceId int) string {
	return fmt.Sprintf("church:%s:service:%d", churchId, serviceId)
}

// AdminChannel is the privileged per-church channel.
func AdminChannel(churchId string) string {
	return fmt.Sprintf("church:%s:admin", churchId)
}

// CanSubscribe enforces channel authorization at subscribe time. Service
// channels are open to any authenticated member of the same church; admin
// channels need at least leader role. Cross-tenant is always denied.
func CanSubscribe(ident Identity, channel string) bool {
	parts := strings.Split(channel, ":")
	if len(parts) < 3 || parts[0] != "church" {
		return false
	}
	if parts[1] != ident.ChurchId {
		return false
	}
	switch parts[2] {
	case "service":
		return len(parts) == 4
	case "admin":
		return len(parts) == 3 && models.RoleAtLeast(ident.Role, models.UserRoleLeader)
	default:
		return false
	}
}

// Subscribe applies authorization per channel and returns the accepted and
// rejected sets. Authorization is checked here only, not per publish.
func (h *Hub) Subscribe(sess *Session, channels []string) (accepted, rejected []string) {
	for _, ch := range channels {
		if !CanSubscribe(sess.Identity, ch) {
			rejected = append(rejected, ch)
			continue
		}
		sess.mu.Lock()
		sess.channels[ch] = struct{}{}
		sess.mu.Unlock()
		accepted = append(accepted, ch)
	}
	return accepted, rejected
}

func (h *Hub) Unsubscribe(sess *Session, channels []string) []string {
	removed := make([]string, 0, len(channels))
	sess.mu.Lock()
	for _, ch := range channels {
		if _, ok := sess.channels[ch]; ok {
			delete(sess.channels, ch)
			removed = append(removed, ch)
		}
	}
	sess.mu.Unlock()
	return removed
}

// Publish fans an event out to currently-subscribed local sessions and, when
// Redis is up, to peer instances. Fire-and-forget: no retry, no persistence,
// at most once per subscriber. Must never block the caller.
func (h *Hub) Publish(channel, event string, payload interface{}) {
	env := Envelope{
		Type:      event,
		Channel:   channel,
		Data:      payload,
		Timestamp: time.Now().UTC(),
	}
	msg, err := json.Marshal(env)
	if err != nil {
		if h.logg != nil {
			h.logg.WithFields(logrus.Fields{"module": "realtime", "channel": channel}).Error(err.Error())
		}
		return
	}
	h.deliverLocal(channel, msg)
	h.publishRemote(channel, msg)
}

func (h *Hub) deliverLocal(channel string, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sess := range h.sessions {
		if !sess.subscribed(channel) {
			continue
		}
		if !sess.push(msg) && h.logg != nil {
			h.logg.WithFields(logrus.Fields{
				"module":     "realtime",
				"session_id": sess.ID,
				"channel":    channel,
			}).Warn("dropped realtime message: slow consumer")
		}
	}
}

type bridgeFrame struct {
	Origin  string          `json:"origin"`
	Channel string          `json:"channel"`
	Msg     json.RawMessage `json:"msg"`
}

const bridgePrefix = "rt:"

func (h *Hub) publishRemote(channel string, msg []byte) {
	h.mu.RLock()
	rdb := h.rdb
	h.mu.RUnlock()
	if rdb == nil {
		return
	}
	frame, err := json.Marshal(bridgeFrame{Origin: h.instanceId, Channel: channel, Msg: msg})
	if err != nil {
		return
	}
	// Best-effort; a failed publish only means peer instances miss this one.
	_ = rdb.Publish(context.Background(), bridgePrefix+channel, frame).Err()
}

// StartBridge relays publishes from peer instances into local sessions.
// Returns immediately when Redis is not configured.
func (h *Hub) StartBridge(ctx context.Context) {
	if h.rdb == nil {
		return
	}
	sub := h.rdb.PSubscribe(ctx, bridgePrefix+"*")
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-sub.Channel():
				if !ok {
					return
				}
				var frame bridgeFrame
				if err := json.Unmarshal([]byte(m.Payload), &frame); err != nil {
					continue
				}
				if frame.Origin == h.instanceId {
					continue
				}
				h.deliverLocal(frame.Channel, frame.Msg)
			}
		}
	}()
}
