package types

import "strings"

// CLOB order types.
const (
	OrderTypeGTC = "GTC"
	OrderTypeFOK = "FOK"
)

// Order statuses as reported by POST /order and GET /data/order/{id}.
const (
	OrderStatusMatched   = "MATCHED"
	OrderStatusLive      = "LIVE"
	OrderStatusDelayed   = "DELAYED"
	OrderStatusUnmatched = "UNMATCHED"
	OrderStatusCanceled  = "CANCELED"
	OrderStatusExpired   = "EXPIRED"
)

// NormalizeOrderStatus upper-cases a status and strips the ORDER_STATUS_ prefix
// some endpoints add, so "matched" and "ORDER_STATUS_MATCHED" compare equal.
func NormalizeOrderStatus(status string) string {
	s := strings.ToUpper(strings.TrimSpace(status))
	s = strings.TrimPrefix(s, "ORDER_STATUS_")
	if s == "CANCELLED" {
		s = OrderStatusCanceled
	}
	return s
}

// OrderSubmissionResponse is the response from POST /order.
// It is different from OrderQueryResponse (GET /data/order/{id}).
type OrderSubmissionResponse struct {
	Success      bool     `json:"success"`
	ErrorMsg     string   `json:"errorMsg"`
	OrderID      string   `json:"orderID"`
	OrderHashes  []string `json:"orderHashes"`
	Status       string   `json:"status"` // matched, live, delayed, unmatched
	TakingAmount string   `json:"takingAmount"`
	MakingAmount string   `json:"makingAmount"`
}

// SignedOrderJSON is a signed order in the format the CLOB API expects.
type SignedOrderJSON struct {
	Salt          int64  `json:"salt"` // integer, not string
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Side          string `json:"side"` // "BUY" or "SELL"
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	SignatureType int    `json:"signatureType"` // 0=EOA, 1=POLY_PROXY, 2=GNOSIS_SAFE
	Signature     string `json:"signature"`
}

// OrderSubmissionRequest wraps a signed order for POST /order.
type OrderSubmissionRequest struct {
	Order     SignedOrderJSON `json:"order"`
	Owner     string          `json:"owner"` // API key, not the maker address
	OrderType string          `json:"orderType"`
}

// CancelOrderRequest is the body of DELETE /order.
type CancelOrderRequest struct {
	OrderID string `json:"orderID"`
}

// CancelOrderResponse is the response from DELETE /order.
type CancelOrderResponse struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}

// OrderQueryResponse is the response from GET /data/order/{id}. Sizes and prices
// are decimal strings.
type OrderQueryResponse struct {
	OrderID      string `json:"id"`
	Status       string `json:"status"`
	TokenID      string `json:"asset_id"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Side         string `json:"side"`
	OrderType    string `json:"order_type"`
	Market       string `json:"market"`
	Outcome      string `json:"outcome"`
	MakerAddress string `json:"maker_address"`
	CreatedAt    int64  `json:"created_at"`
}
