package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/p16-hash/polyterminal-automation/pkg/healthprobe"
	"github.com/p16-hash/polyterminal-automation/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type fakeBackend struct {
	mu       sync.Mutex
	requests []OrderRequest
	err      error
}

func (f *fakeBackend) Status(context.Context) any {
	return map[string]any{"policy": "manual", "open_orders": 0}
}

func (f *fakeBackend) SubmitOrder(_ context.Context, req OrderRequest) (*OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &OrderResponse{
		IntentID: "intent-1",
		OrderID:  "0xorder",
		Action:   req.Action,
		Side:     req.Side,
		Status:   "filled",
		Price:    "0.41",
		Quantity: req.Quantity,
	}, nil
}

func (f *fakeBackend) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeBackend) received() []OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]OrderRequest(nil), f.requests...)
}

func newTestServer(t *testing.T, backend Backend) *Server {
	t.Helper()

	cfg := &Config{
		Port:          "0",
		Logger:        zaptest.NewLogger(t),
		HealthChecker: healthprobe.New(),
	}
	if backend != nil {
		cfg.Backend = backend
	}
	return New(cfg)
}

func serve(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t, nil)

	w := serve(server, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name           string
		setReady       bool
		check          healthprobe.Check
		expectedStatus int
	}{
		{name: "not_ready_initially", expectedStatus: http.StatusServiceUnavailable},
		{name: "ready_when_set", setReady: true, expectedStatus: http.StatusOK},
		{
			name:           "stale_feed",
			setReady:       true,
			check:          func() error { return errors.New("index has no data") },
			expectedStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := healthprobe.New()
			hc.SetReady(tt.setReady)
			if tt.check != nil {
				hc.AddCheck("feed", tt.check)
			}

			server := New(&Config{Port: "0", Logger: zap.NewNop(), HealthChecker: hc})

			w := serve(server, http.MethodGet, "/ready", "")

			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	server := newTestServer(t, nil)

	w := serve(server, http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("Content-Type"))
	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.NotEmpty(t, body)
}

func TestOperatorRoutes_OnlyWithBackend(t *testing.T) {
	without := newTestServer(t, nil)
	assert.Equal(t, http.StatusNotFound, serve(without, http.MethodGet, "/status", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(without, http.MethodPost, "/orders", "{}").Code)

	with := newTestServer(t, &fakeBackend{})
	w := serve(with, http.MethodGet, "/status", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"policy":"manual","open_orders":0}`, w.Body.String())
}

func TestSubmitOrder(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		backendErr error
		wantStatus int
		wantError  string
	}{
		{
			name:       "accepted",
			body:       `{"action":"buy","side":"up","quantity":"10"}`,
			wantStatus: http.StatusCreated,
		},
		{
			name:       "malformed body",
			body:       `{"action":`,
			wantStatus: http.StatusBadRequest,
			wantError:  "decode request",
		},
		{
			name:       "invalid order",
			body:       `{"action":"hold","side":"up"}`,
			backendErr: fmt.Errorf("%w: unknown action %q", ErrInvalidOrder, "hold"),
			wantStatus: http.StatusBadRequest,
			wantError:  "unknown action",
		},
		{
			name:       "loop stopped",
			body:       `{"action":"sell","side":"down"}`,
			backendErr: ErrUnavailable,
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "timed out",
			body:       `{"action":"buy","side":"up","quantity":"1"}`,
			backendErr: context.DeadlineExceeded,
			wantStatus: http.StatusGatewayTimeout,
		},
		{
			name:       "rejected by gateway",
			body:       `{"action":"buy","side":"up","quantity":"1"}`,
			backendErr: errors.New("no liquidity at limit price"),
			wantStatus: http.StatusUnprocessableEntity,
			wantError:  "no liquidity",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &fakeBackend{err: tt.backendErr}
			server := newTestServer(t, backend)

			w := serve(server, http.MethodPost, "/orders", tt.body)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantError != "" {
				assert.Contains(t, w.Body.String(), tt.wantError)
			}
		})
	}
}

func TestClient_RoundTrip(t *testing.T) {
	backend := &fakeBackend{}
	server := newTestServer(t, backend)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	client := NewClient(ts.URL+"/", nil)

	var status map[string]any
	require.NoError(t, client.Status(context.Background(), &status))
	assert.Equal(t, "manual", status["policy"])

	resp, err := client.SubmitOrder(context.Background(), OrderRequest{Action: "buy", Side: "up", Quantity: "10"})
	require.NoError(t, err)
	assert.Equal(t, "0xorder", resp.OrderID)
	assert.Equal(t, "10", resp.Quantity)
	assert.Equal(t, []OrderRequest{{Action: "buy", Side: "up", Quantity: "10"}}, backend.received())

	backend.setErr(fmt.Errorf("%w: side %q", ErrInvalidOrder, "sideways"))
	_, err = client.SubmitOrder(context.Background(), OrderRequest{Action: "buy", Side: "sideways"})
	var apiErr *types.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "sideways")
}

func TestServer_StartAndShutdown(t *testing.T) {
	server := New(&Config{Port: "0", Logger: zap.NewNop(), HealthChecker: healthprobe.New()})

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Start()
	}()

	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, server.Shutdown(ctx))

	select {
	case err := <-serverDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after shutdown")
	}
}

func TestServer_Timeouts(t *testing.T) {
	server := newTestServer(t, nil)

	assert.Equal(t, 15*time.Second, server.server.ReadTimeout)
	assert.Equal(t, 10*time.Second, server.server.ReadHeaderTimeout)
	assert.Equal(t, 35*time.Second, server.server.WriteTimeout)
	assert.Equal(t, 60*time.Second, server.server.IdleTimeout)
}

func TestServer_RouteNotFound(t *testing.T) {
	server := newTestServer(t, nil)

	w := serve(server, http.MethodGet, "/nonexistent", "")

	assert.Equal(t, http.StatusNotFound, w.Code)
}
