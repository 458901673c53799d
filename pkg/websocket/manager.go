// Package websocket keeps one long-lived websocket stream connected: it dials,
// pings, reads raw frames into a buffered channel and reconnects with
// exponential backoff. Stream-specific decoding lives with the caller.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by Send while no connection is up.
var ErrNotConnected = errors.New("websocket not connected")

// Sender writes JSON messages on the live connection.
type Sender interface {
	Send(v any) error
}

// Manager manages a single websocket connection.
type Manager struct {
	name         string
	url          string
	conn         *websocket.Conn
	logger       *zap.Logger
	reconnector  *Reconnector
	config       Config
	messageChan  chan []byte
	disconnected chan struct{}
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	mu           sync.RWMutex
	writeMu      sync.Mutex
	closeOnce    sync.Once

	connected       atomic.Bool
	lastMessageTime atomic.Int64
	connectionStart atomic.Int64
}

// Config holds websocket manager configuration.
type Config struct {
	// Name labels metrics and log lines ("index", "book").
	Name                  string
	URL                   string
	DialTimeout           time.Duration
	PingInterval          time.Duration
	// PongTimeout drops a connection that has been silent this long, counting
	// both frames and pongs. Zero disables the read deadline.
	PongTimeout           time.Duration
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectBackoffMult  float64
	MessageBufferSize     int

	// OnConnect runs after every successful dial, before frames are read. It
	// is where subscriptions are (re)sent.
	OnConnect func(s Sender) error

	Logger *zap.Logger
}

// New creates a new websocket manager. Zero durations get defaults.
func New(cfg Config) (*Manager, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.URL == "" {
		return nil, errors.New("url cannot be empty")
	}

	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 10 * time.Second
	}
	if cfg.ReconnectInitialDelay <= 0 {
		cfg.ReconnectInitialDelay = time.Second
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = 30 * time.Second
	}
	if cfg.ReconnectBackoffMult < 1 {
		cfg.ReconnectBackoffMult = 2.0
	}
	if cfg.MessageBufferSize <= 0 {
		cfg.MessageBufferSize = 1000
	}

	logger := cfg.Logger.With(zap.String("stream", cfg.Name))
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		name:   cfg.Name,
		url:    cfg.URL,
		logger: logger,
		reconnector: NewReconnector(ReconnectConfig{
			Name:              cfg.Name,
			InitialDelay:      cfg.ReconnectInitialDelay,
			MaxDelay:          cfg.ReconnectMaxDelay,
			BackoffMultiplier: cfg.ReconnectBackoffMult,
			JitterPercent:     0.2,
		}, logger),
		config:       cfg,
		messageChan:  make(chan []byte, cfg.MessageBufferSize),
		disconnected: make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Start dials the stream and starts the read, ping and reconnect loops.
func (m *Manager) Start() error {
	m.logger.Info("websocket-manager-starting", zap.String("url", m.url))

	err := m.connect(m.ctx)
	if err != nil {
		return fmt.Errorf("initial connection: %w", err)
	}

	m.wg.Add(3)
	go m.readLoop()
	go m.pingLoop()
	go m.reconnectLoop()

	return nil
}

func (m *Manager) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: m.config.DialTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, m.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	if m.config.PongTimeout > 0 {
		timeout := m.config.PongTimeout
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(timeout))
		})
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()

	now := time.Now()
	m.connected.Store(true)
	m.connectionStart.Store(now.Unix())
	ActiveConnections.WithLabelValues(m.name).Set(1)

	if m.config.OnConnect != nil {
		err = m.config.OnConnect(m)
		if err != nil {
			m.dropConn()
			return fmt.Errorf("on connect: %w", err)
		}
	}

	m.logger.Info("websocket-connected")

	return nil
}

// Send writes v as a JSON text frame.
func (m *Manager) Send(v any) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil || !m.connected.Load() {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	err := conn.WriteJSON(v)
	if err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}

// Connected reports whether the stream is currently up.
func (m *Manager) Connected() bool {
	return m.connected.Load()
}

// LastMessage returns when the last frame was read. Zero before the first frame.
func (m *Manager) LastMessage() time.Time {
	ts := m.lastMessageTime.Load()
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(0, ts)
}

func (m *Manager) readLoop() {
	defer m.wg.Done()

	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	if conn == nil {
		return
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}

			m.logger.Warn("read-error", zap.Error(err))

			startTime := m.connectionStart.Load()
			if startTime > 0 {
				ConnectionDuration.WithLabelValues(m.name).Observe(time.Since(time.Unix(startTime, 0)).Seconds())
			}

			m.dropConn()
			select {
			case m.disconnected <- struct{}{}:
			default:
			}
			return
		}

		if m.config.PongTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(m.config.PongTimeout))
		}

		m.lastMessageTime.Store(time.Now().UnixNano())
		MessagesReceivedTotal.WithLabelValues(m.name).Inc()

		select {
		case m.messageChan <- message:
		default:
			m.logger.Warn("message-channel-full")
			MessagesDroppedTotal.WithLabelValues(m.name, "channel_full").Inc()
		}
	}
}

func (m *Manager) pingLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if !m.connected.Load() {
				continue
			}

			m.mu.RLock()
			conn := m.conn
			m.mu.RUnlock()

			if conn == nil {
				continue
			}

			m.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second))
			m.writeMu.Unlock()
			if err != nil {
				m.logger.Warn("ping-error", zap.Error(err))
			}
		}
	}
}

func (m *Manager) reconnectLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.disconnected:
		}

		m.logger.Warn("connection-lost-initiating-reconnect")

		err := m.reconnector.Reconnect(m.ctx, m.connect)
		if err != nil {
			// Only a cancelled context ends Reconnect.
			return
		}

		m.logger.Info("reconnection-complete-restarting-read-loop")

		m.wg.Add(1)
		go m.readLoop()
	}
}

func (m *Manager) dropConn() {
	m.connected.Store(false)
	ActiveConnections.WithLabelValues(m.name).Set(0)

	m.mu.Lock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()
}

// Messages returns the channel of raw frames. It is closed by Close.
func (m *Manager) Messages() <-chan []byte {
	return m.messageChan
}

// Close stops every loop and closes the connection. It is safe to call twice.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.logger.Info("closing-websocket-manager")

		m.cancel()

		m.mu.RLock()
		if m.conn != nil {
			m.writeMu.Lock()
			_ = m.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			m.writeMu.Unlock()
			_ = m.conn.Close()
		}
		m.mu.RUnlock()

		m.wg.Wait()

		close(m.messageChan)
		m.connected.Store(false)
		ActiveConnections.WithLabelValues(m.name).Set(0)

		m.logger.Info("websocket-manager-closed")
	})

	return nil
}
