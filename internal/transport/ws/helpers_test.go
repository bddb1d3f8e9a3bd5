package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"quizsync/internal/protocol"
)

type invokeFunc func(s *testServer, conn *websocket.Conn, f protocol.Frame)

// testServer speaks just enough of the protocol to exercise the client.
type testServer struct {
	*httptest.Server
	onInvoke invokeFunc

	mu       sync.Mutex
	conns    []*websocket.Conn
	connects int
}

func newTestServer(t *testing.T, onInvoke invokeFunc) *testServer {
	t.Helper()
	s := &testServer{onInvoke: onInvoke}
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.connects++
		s.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := protocol.Decode(data)
			if err != nil || f.Kind != protocol.KindInvoke {
				continue
			}
			if s.onInvoke != nil {
				s.onInvoke(s, conn, f)
				continue
			}
			s.ack(conn, f.ID, nil, "")
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *testServer) url() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *testServer) ack(conn *websocket.Conn, id string, payload any, errMsg string) {
	raw, _ := json.Marshal(payload)
	s.write(conn, protocol.Frame{Kind: protocol.KindAck, ID: id, Payload: raw, Error: errMsg})
}

func (s *testServer) push(event string, payload any) {
	raw, _ := json.Marshal(payload)
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	s.write(conn, protocol.Frame{Kind: protocol.KindEvent, Type: event, Payload: raw})
}

func (s *testServer) write(conn *websocket.Conn, f protocol.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = conn.WriteJSON(f)
}

func (s *testServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

func (s *testServer) connectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

func testConfig(url string) Config {
	return Config{
		URL:                  url,
		ConnectTimeout:       time.Second,
		InvokeTimeout:        2 * time.Second,
		PingInterval:         time.Second,
		MaxConnectAttempts:   2,
		MaxReconnectAttempts: 20,
		Backoff: BackoffConfig{
			InitialDelay: 10 * time.Millisecond,
			Multiplier:   1.5,
			MaxDelay:     50 * time.Millisecond,
		},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
