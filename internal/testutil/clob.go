package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/p16-hash/polyterminal-automation/pkg/types"
)

// TestAPISecret is a URL-safe base64 API secret accepted by the order client.
const TestAPISecret = "dGVzdC1zZWNyZXQtdGVzdC1zZWNyZXQ="

// TestPrivateKey is a throwaway secp256k1 key for signing test orders.
const TestPrivateKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

// MockCLOB is an httptest CLOB serving POST /order, GET /data/order/{id} and
// DELETE /order from scripted responses.
type MockCLOB struct {
	*httptest.Server

	mu        sync.Mutex
	posts     []*types.OrderSubmissionResponse
	postFails []int
	orders    map[string][]types.OrderQueryResponse
	posted    []types.OrderSubmissionRequest
	headers   []http.Header
	canceled  []string
	nextID    int
	requests  int
}

// NewMockCLOB starts a mock CLOB. Unscripted posts match in full at the signed
// amounts.
func NewMockCLOB() *MockCLOB {
	m := &MockCLOB{orders: make(map[string][]types.OrderQueryResponse)}
	m.Server = httptest.NewServer(http.HandlerFunc(m.serve))
	return m
}

// QueuePost scripts the response to the next POST /order.
func (m *MockCLOB) QueuePost(resp types.OrderSubmissionResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts = append(m.posts, &resp)
}

// FailPosts makes the next POST /order calls fail with the given HTTP statuses.
func (m *MockCLOB) FailPosts(statuses ...int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.postFails = append(m.postFails, statuses...)
}

// SetOrderStates scripts GET /data/order/{id}. Each request consumes one state;
// the last one repeats.
func (m *MockCLOB) SetOrderStates(orderID string, states ...types.OrderQueryResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[orderID] = states
}

// Posted returns every order request received.
func (m *MockCLOB) Posted() []types.OrderSubmissionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.OrderSubmissionRequest, len(m.posted))
	copy(out, m.posted)
	return out
}

// Canceled returns the order ids passed to DELETE /order.
func (m *MockCLOB) Canceled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.canceled))
	copy(out, m.canceled)
	return out
}

// LastHeaders returns the headers of the most recent request.
func (m *MockCLOB) LastHeaders() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.headers) == 0 {
		return nil
	}
	return m.headers[len(m.headers)-1]
}

// Requests returns the number of requests served.
func (m *MockCLOB) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

func (m *MockCLOB) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	m.requests++
	m.headers = append(m.headers, r.Header.Clone())
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/order":
		m.servePost(w, body)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/data/order/"):
		m.serveGet(w, strings.TrimPrefix(r.URL.Path, "/data/order/"))
	case r.Method == http.MethodDelete && r.URL.Path == "/order":
		m.serveCancel(w, body)
	default:
		http.NotFound(w, r)
	}
}

func (m *MockCLOB) servePost(w http.ResponseWriter, body []byte) {
	var req types.OrderSubmissionRequest
	err := json.Unmarshal(body, &req)
	if err != nil {
		http.Error(w, `{"error":"invalid order payload"}`, http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.posted = append(m.posted, req)

	if len(m.postFails) > 0 {
		status := m.postFails[0]
		m.postFails = m.postFails[1:]
		m.mu.Unlock()
		http.Error(w, fmt.Sprintf(`{"error":"status %d"}`, status), status)
		return
	}

	var resp *types.OrderSubmissionResponse
	if len(m.posts) > 0 {
		resp = m.posts[0]
		m.posts = m.posts[1:]
	}

	m.nextID++
	id := fmt.Sprintf("0xorder%d", m.nextID)
	m.mu.Unlock()

	if resp == nil {
		resp = &types.OrderSubmissionResponse{
			Success:      true,
			Status:       "matched",
			MakingAmount: microString(req.Order.MakerAmount),
			TakingAmount: microString(req.Order.TakerAmount),
		}
	}
	if resp.OrderID == "" && resp.Success {
		resp.OrderID = id
	}

	if !resp.Success {
		w.WriteHeader(http.StatusBadRequest)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (m *MockCLOB) serveGet(w http.ResponseWriter, orderID string) {
	m.mu.Lock()
	states, ok := m.orders[orderID]
	var state types.OrderQueryResponse
	if ok && len(states) > 0 {
		state = states[0]
		if len(states) > 1 {
			m.orders[orderID] = states[1:]
		}
	}
	m.mu.Unlock()

	if !ok {
		http.Error(w, `{"error":"order not found"}`, http.StatusNotFound)
		return
	}

	if state.OrderID == "" {
		state.OrderID = orderID
	}
	_ = json.NewEncoder(w).Encode(state)
}

func (m *MockCLOB) serveCancel(w http.ResponseWriter, body []byte) {
	var req types.CancelOrderRequest
	err := json.Unmarshal(body, &req)
	if err != nil {
		http.Error(w, `{"error":"invalid cancel payload"}`, http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	m.canceled = append(m.canceled, req.OrderID)
	m.mu.Unlock()

	_ = json.NewEncoder(w).Encode(types.CancelOrderResponse{Canceled: []string{req.OrderID}})
}

// microString formats a raw 6-decimal integer string as a decimal ("5200000" -> "5.200000").
func microString(raw string) string {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%d.%06d", v/1_000_000, v%1_000_000)
}
