package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/p16-hash/polyterminal-automation/internal/notify"
	"github.com/p16-hash/polyterminal-automation/internal/storage"
)

// MockGammaAPI serves /events?slug= from a slug to JSON body map.
type MockGammaAPI struct {
	*httptest.Server

	mu     sync.RWMutex
	events map[string]string
	hits   int
}

// NewMockGammaAPI creates a mock Gamma API server.
func NewMockGammaAPI() *MockGammaAPI {
	mock := &MockGammaAPI{events: make(map[string]string)}

	mock.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.hits++
		body, ok := mock.events[r.URL.Query().Get("slug")]
		mock.mu.Unlock()

		if r.URL.Path != "/events" {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if !ok {
			_, _ = w.Write([]byte("[]"))
			return
		}
		_, _ = w.Write([]byte(body))
	}))

	return mock
}

// SetEvent registers the response body for a slug.
func (m *MockGammaAPI) SetEvent(slug string, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[slug] = body
}

// Hits returns the number of requests served.
func (m *MockGammaAPI) Hits() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hits
}

// MockStorage is an in-memory storage.Storage.
type MockStorage struct {
	mu          sync.Mutex
	Fills       []storage.Fill
	Settlements []storage.Settlement
}

// NewMockStorage creates a new mock storage.
func NewMockStorage() *MockStorage {
	return &MockStorage{}
}

// StoreFill records a copy of the fill.
func (m *MockStorage) StoreFill(_ context.Context, fill *storage.Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fills = append(m.Fills, *fill)
	return nil
}

// StoreSettlement records a copy of the settlement.
func (m *MockStorage) StoreSettlement(_ context.Context, s *storage.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Settlements = append(m.Settlements, *s)
	return nil
}

// Close is a no-op for mock storage.
func (m *MockStorage) Close() error {
	return nil
}

// GetFills returns a copy of every stored fill.
func (m *MockStorage) GetFills() []storage.Fill {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.Fill(nil), m.Fills...)
}

// GetSettlements returns a copy of every stored settlement.
func (m *MockStorage) GetSettlements() []storage.Settlement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.Settlement(nil), m.Settlements...)
}

// Notification is one message received by MockSink.
type Notification struct {
	Text     string
	Severity notify.Severity
}

// MockSink records notifications.
type MockSink struct {
	mu   sync.Mutex
	sent []Notification
}

// Notify implements notify.Sink.
func (m *MockSink) Notify(text string, severity notify.Severity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, Notification{Text: text, Severity: severity})
}

// Notifications returns a copy of every notification.
func (m *MockSink) Notifications() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.sent...)
}

// CountSeverity counts notifications of one severity.
func (m *MockSink) CountSeverity(severity notify.Severity) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, s := range m.sent {
		if s.Severity == severity {
			n++
		}
	}
	return n
}
