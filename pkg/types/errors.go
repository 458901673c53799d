package types

import (
	"fmt"
	"net/http"
)

// APIError is a non-2xx response from one of the Polymarket HTTP APIs.
type APIError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Service, e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed if sent again.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// OrderError is an order the CLOB refused.
type OrderError struct {
	Code    string // API error code or internal error code
	Message string
	OrderID string
	Side    string // UP or DOWN
}

func (e *OrderError) Error() string {
	if e.OrderID != "" {
		return fmt.Sprintf("%s order failed (ID: %s): %s (%s)", e.Side, e.OrderID, e.Message, e.Code)
	}

	return fmt.Sprintf("%s order failed: %s (%s)", e.Side, e.Message, e.Code)
}

// Known Polymarket CLOB API error codes.
const (
	ErrInvalidMinTickSize = "INVALID_ORDER_MIN_TICK_SIZE"
	ErrNotEnoughBalance   = "INVALID_ORDER_NOT_ENOUGH_BALANCE"
	ErrFOKNotFilled       = "FOK_ORDER_NOT_FILLED_ERROR"
	ErrMarketNotReady     = "MARKET_NOT_READY"
	ErrUnmatched          = "UNMATCHED"
	ErrUnknownStatus      = "UNKNOWN_STATUS"
)
