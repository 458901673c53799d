package httpserver

import (
	"context"
	"errors"
	"net/http"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const maxOrderBody = 4 << 10

var (
	// ErrInvalidOrder marks operator input the backend refused to price.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrUnavailable means the backend cannot take requests right now.
	ErrUnavailable = errors.New("backend unavailable")
)

// OrderRequest is the body of POST /orders. Quantity is a decimal string;
// sells may omit it to sell the whole side.
type OrderRequest struct {
	Action   string `json:"action"`
	Side     string `json:"side"`
	Quantity string `json:"quantity,omitempty"`
}

// OrderResponse describes an accepted order.
type OrderResponse struct {
	IntentID string `json:"intent_id"`
	OrderID  string `json:"order_id"`
	Action   string `json:"action"`
	Side     string `json:"side"`
	Status   string `json:"status"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// ErrorResponse represents an HTTP error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Backend is the running process behind /status and /orders.
type Backend interface {
	// Status returns a JSON-encodable view of the process.
	Status(ctx context.Context) any
	SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)
}

type handlers struct {
	backend Backend
	logger  *zap.Logger
}

// status handles GET /status.
func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.backend.Status(r.Context()))
}

// submitOrder handles POST /orders.
func (h *handlers) submitOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOrderBody)).Decode(&req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "decode request: " + err.Error()})
		return
	}

	h.logger.Info("operator-order-received",
		zap.String("action", req.Action),
		zap.String("side", req.Side),
		zap.String("quantity", req.Quantity),
		zap.String("request-id", r.Header.Get("X-Request-Id")))

	resp, err := h.backend.SubmitOrder(r.Context(), req)
	if err != nil {
		h.logger.Warn("operator-order-failed", zap.Error(err))
		writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidOrder):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusUnprocessableEntity
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
