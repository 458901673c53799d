package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// streamServer upgrades every request, records the first client message and
// then runs serve on the connection.
type streamServer struct {
	*httptest.Server

	mu          sync.Mutex
	subscribes  []string
	connections atomic.Int32
}

func newStreamServer(t *testing.T, serve func(n int32, conn *websocket.Conn)) *streamServer {
	t.Helper()

	s := &streamServer{}
	upgrader := websocket.Upgrader{}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		n := s.connections.Add(1)

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.subscribes = append(s.subscribes, string(msg))
		s.mu.Unlock()

		serve(n, conn)
	}))
	t.Cleanup(s.Close)

	return s
}

func (s *streamServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *streamServer) Subscribes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subscribes...)
}

func receive(t *testing.T, m *Manager) string {
	t.Helper()

	select {
	case msg := <-m.Messages():
		return string(msg)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return ""
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "nil-logger", cfg: Config{URL: "ws://localhost"}},
		{name: "empty-url", cfg: Config{Logger: zap.NewNop()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	m, err := New(Config{URL: "ws://localhost", Logger: zap.NewNop()})
	require.NoError(t, err)

	assert.Equal(t, "default", m.name)
	assert.Equal(t, 1000, cap(m.messageChan))
	assert.Equal(t, 10*time.Second, m.config.PingInterval)
	assert.False(t, m.Connected())
	assert.True(t, m.LastMessage().IsZero())
}

func TestSend_NotConnected(t *testing.T) {
	m, err := New(Config{URL: "ws://localhost", Logger: zap.NewNop()})
	require.NoError(t, err)

	err = m.Send(map[string]string{"type": "market"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestManager_SubscribesAndReadsFrames(t *testing.T) {
	srv := newStreamServer(t, func(_ int32, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"n":1}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"n":2}`))
		// hold the connection until the client closes
		_, _, _ = conn.ReadMessage()
	})

	m, err := New(Config{
		Name: "test",
		URL:  srv.wsURL(),
		OnConnect: func(s Sender) error {
			return s.Send(map[string]any{"assets_ids": []string{"a"}, "type": "market"})
		},
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	require.NoError(t, m.Start())
	defer m.Close()

	assert.Equal(t, `{"n":1}`, receive(t, m))
	assert.Equal(t, `{"n":2}`, receive(t, m))
	assert.True(t, m.Connected())
	assert.False(t, m.LastMessage().IsZero())

	subs := srv.Subscribes()
	require.Len(t, subs, 1)
	assert.JSONEq(t, `{"assets_ids":["a"],"type":"market"}`, subs[0])
}

func TestManager_ReconnectsAndResubscribes(t *testing.T) {
	srv := newStreamServer(t, func(n int32, conn *websocket.Conn) {
		if n == 1 {
			_ = conn.WriteMessage(websocket.TextMessage, []byte("first"))
			return // drops the connection
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte("second"))
		_, _, _ = conn.ReadMessage()
	})

	var connects atomic.Int32
	m, err := New(Config{
		Name:                  "test",
		URL:                   srv.wsURL(),
		ReconnectInitialDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:     50 * time.Millisecond,
		OnConnect: func(s Sender) error {
			connects.Add(1)
			return s.Send(map[string]string{"type": "market"})
		},
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	require.NoError(t, m.Start())
	defer m.Close()

	assert.Equal(t, "first", receive(t, m))
	assert.Equal(t, "second", receive(t, m))
	assert.Equal(t, int32(2), connects.Load())
	assert.Len(t, srv.Subscribes(), 2)
}

func TestManager_StartFailsWithoutServer(t *testing.T) {
	m, err := New(Config{URL: "ws://127.0.0.1:1", DialTimeout: time.Second, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)

	err = m.Start()
	assert.Error(t, err)
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	srv := newStreamServer(t, func(_ int32, conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
	})

	m, err := New(Config{
		URL:       srv.wsURL(),
		OnConnect: func(s Sender) error { return s.Send("hello") },
		Logger:    zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	require.NoError(t, m.Start())

	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())

	_, open := <-m.Messages()
	assert.False(t, open)
}
