package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bitbucket.org/gracesoft/congregate_backend/utils"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

func startWSServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", ServeWS(hub, nil))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func TestServeWSRejectsMissingToken(t *testing.T) {
	srv := startWSServer(t, NewHub(nil, nil))

	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestServeWSSubscribePingAndFanout(t *testing.T) {
	t.Setenv("TOKEN_HOUR_LIFESPAN", "1")
	hub := NewHub(nil, nil)
	srv := startWSServer(t, hub)

	token, err := utils.JwtGenerate(10, "pat", "M", "church-1")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	conn := dialWS(t, srv, token)

	// Mixed subscribe: the admin channel is rejected for a member, the
	// service channel accepted. Both replies arrive even though nothing has
	// been read from the fanout buffer.
	serviceCh := ServiceChannel("church-1", 5)
	if err := conn.WriteJSON(ClientMessage{
		Type:     MsgSubscribe,
		Channels: []string{AdminChannel("church-1"), serviceCh},
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	rejected := readEnvelope(t, conn)
	if rejected.Type != MsgError || len(rejected.Channels) != 1 || rejected.Channels[0] != AdminChannel("church-1") {
		t.Fatalf("rejected reply = %+v", rejected)
	}
	accepted := readEnvelope(t, conn)
	if accepted.Type != MsgSubscribed || len(accepted.Channels) != 1 || accepted.Channels[0] != serviceCh {
		t.Fatalf("accepted reply = %+v", accepted)
	}

	// Application-level ping answered directly.
	if err := conn.WriteJSON(ClientMessage{Type: MsgPing}); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if env := readEnvelope(t, conn); env.Type != MsgPong {
		t.Fatalf("ping reply = %+v", env)
	}

	// The identity behind the session comes from the JWT claims.
	hub.mu.RLock()
	for _, sess := range hub.sessions {
		if sess.Identity.Username != "pat" || sess.Identity.ChurchId != "church-1" {
			t.Errorf("identity = %+v", sess.Identity)
		}
	}
	hub.mu.RUnlock()

	// A publish on the subscribed channel reaches the client.
	hub.Publish(serviceCh, EventServiceCountUpdate, CountUpdate{ServiceId: 5, TotalCheckins: 1, CurrentAttendance: 1})
	env := readEnvelope(t, conn)
	if env.Type != EventServiceCountUpdate || env.Channel != serviceCh {
		t.Fatalf("fanout envelope = %+v", env)
	}
}

func TestServeWSUnknownMessageType(t *testing.T) {
	t.Setenv("TOKEN_HOUR_LIFESPAN", "1")
	hub := NewHub(nil, nil)
	srv := startWSServer(t, hub)

	token, err := utils.JwtGenerate(10, "pat", "M", "church-1")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	conn := dialWS(t, srv, token)

	if err := conn.WriteJSON(ClientMessage{Type: "bogus"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if env := readEnvelope(t, conn); env.Type != MsgError {
		t.Fatalf("reply = %+v, want error", env)
	}
}
