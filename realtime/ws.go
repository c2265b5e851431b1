package realtime

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"bitbucket.org/gracesoft/congregate_backend/models"
	"bitbucket.org/gracesoft/congregate_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait = 10 * time.Second
	// pongWait is the heartbeat timeout: no pong within this window and the
	// server tears the connection down.
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients connect from the web app's origin; the bearer token is
	// the actual gate.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn serializes writes to one connection. The write pump and the read
// pump's protocol replies both go through it; gorilla allows only one
// concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) write(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(messageType, data)
}

// reply sends a protocol response (subscribed, pong, error) directly, not
// through the session's fanout buffer: a buffer saturated by count updates
// must not cost a client its heartbeat.
func (w *wsConn) reply(env Envelope) {
	env.Timestamp = time.Now().UTC()
	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	_ = w.write(websocket.TextMessage, b)
}

// ServeWS is the connection handshake: bearer token (query param, request
// context via the auth middleware, or Authorization header), JWT validation,
// then hand-off to the read/write pumps. Everything after the handshake is
// hub state.
func ServeWS(hub *Hub, logg *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			token, _ = utils.GetTokenFromContext(c.Request.Context())
		}
		if token == "" {
			auth := c.GetHeader("Authorization")
			token = strings.TrimPrefix(auth, "Bearer ")
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}

		validated, err := utils.JwtValidate(token)
		if err != nil || !validated.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		claims, ok := validated.Claims.(*utils.JwtCustomClaim)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			if logg != nil {
				logg.WithFields(logrus.Fields{"module": "realtime", "funcName": "ServeWS", "context": "upgrade"}).Error(err.Error())
			}
			return
		}

		sess := hub.Register(Identity{
			UserId:   claims.ID,
			Username: claims.Username,
			ChurchId: claims.ChurchId,
			Role:     models.UserRole(claims.Role),
		})

		w := &wsConn{conn: conn}
		go writePump(w, sess)
		go readPump(hub, w, sess)
	}
}

func readPump(hub *Hub, w *wsConn, sess *Session) {
	defer func() {
		hub.Unregister(sess.ID)
		w.conn.Close()
	}()
	w.conn.SetReadLimit(maxMessageSize)
	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := w.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			w.reply(Envelope{Type: MsgError, Error: "malformed message"})
			continue
		}

		switch msg.Type {
		case MsgSubscribe:
			accepted, rejected := hub.Subscribe(sess, msg.Channels)
			if len(rejected) > 0 {
				w.reply(Envelope{
					Type:     MsgError,
					Channels: rejected,
					Error:    "not authorized for channel",
				})
			}
			if len(accepted) > 0 {
				w.reply(Envelope{Type: MsgSubscribed, Channels: accepted})
			}
		case MsgUnsubscribe:
			removed := hub.Unsubscribe(sess, msg.Channels)
			w.reply(Envelope{Type: MsgUnsubscribed, Channels: removed})
		case MsgPing:
			w.reply(Envelope{Type: MsgPong})
		default:
			w.reply(Envelope{Type: MsgError, Error: "unknown message type: " + msg.Type})
		}
	}
}

func writePump(w *wsConn, sess *Session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		w.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-sess.Outbound():
			if !ok {
				_ = w.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := w.write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := w.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
