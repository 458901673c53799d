// Package execution signs and posts outcome-token orders to the Polymarket CLOB
// and tracks orders that did not fill immediately.
package execution

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/goccy/go-json"
	"github.com/p16-hash/polyterminal-automation/internal/ledger"
	"github.com/p16-hash/polyterminal-automation/pkg/retry"
	"github.com/p16-hash/polyterminal-automation/pkg/types"
	"github.com/polymarket/go-order-utils/pkg/builder"
	"github.com/polymarket/go-order-utils/pkg/model"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultCLOBURL = "https://clob.polymarket.com"
	zeroAddress    = "0x0000000000000000000000000000000000000000"

	// shareStep is the smallest order size increment (0.01 shares).
	shareStep = ledger.One / 100
)

// ClientConfig holds order client configuration.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	Secret     string
	Passphrase string

	PrivateKey *ecdsa.PrivateKey

	// ProxyAddress funds orders when set; the EOA of PrivateKey still signs.
	ProxyAddress  string
	SignatureType int

	// RequestsPerSecond limits calls to the CLOB. Zero means 10/s.
	RequestsPerSecond float64

	// MaxAttempts bounds retries of throttled or failed requests. Zero means 3.
	MaxAttempts int
	RetryDelay  time.Duration

	HTTPClient *http.Client
	Clock      retry.Clock
	Logger     *zap.Logger
}

// OrderRequest is one limit order for an outcome token. Price is the most a
// buy pays or the least a sell accepts.
type OrderRequest struct {
	TokenID   string
	Sell      bool
	Price     ledger.Amount
	Quantity  ledger.Amount
	OrderType string
	NegRisk   bool
}

// OrderClient talks to the CLOB REST API with L2 (HMAC) authentication.
type OrderClient struct {
	baseURL       string
	apiKey        string
	secret        string
	passphrase    string
	privateKey    *ecdsa.PrivateKey
	address       string
	maker         string
	signatureType model.SignatureType
	orderBuilder  builder.ExchangeOrderBuilder
	limiter       *rate.Limiter
	maxAttempts   int
	retryDelay    time.Duration
	httpClient    *http.Client
	clock         retry.Clock
	logger        *zap.Logger
}

// NewOrderClient creates an order client.
func NewOrderClient(cfg *ClientConfig) (*OrderClient, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.PrivateKey == nil {
		return nil, errors.New("private key cannot be nil")
	}

	if cfg.APIKey == "" || cfg.Secret == "" || cfg.Passphrase == "" {
		return nil, errors.New("API credentials are required")
	}

	address := crypto.PubkeyToAddress(cfg.PrivateKey.PublicKey).Hex()
	maker := address
	if cfg.ProxyAddress != "" {
		maker = common.HexToAddress(cfg.ProxyAddress).Hex()
	}

	c := &OrderClient{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		secret:        cfg.Secret,
		passphrase:    cfg.Passphrase,
		privateKey:    cfg.PrivateKey,
		address:       address,
		maker:         maker,
		signatureType: model.SignatureType(cfg.SignatureType),
		orderBuilder:  builder.NewExchangeOrderBuilderImpl(big.NewInt(137), nil),
		maxAttempts:   cfg.MaxAttempts,
		retryDelay:    cfg.RetryDelay,
		httpClient:    cfg.HTTPClient,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
	}

	if c.baseURL == "" {
		c.baseURL = defaultCLOBURL
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 3
	}
	if c.retryDelay <= 0 {
		c.retryDelay = 500 * time.Millisecond
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	c.limiter = rate.NewLimiter(rate.Limit(rps), 1)

	return c, nil
}

// Maker is the address that funds orders.
func (c *OrderClient) Maker() string {
	return c.maker
}

// PostOrder signs a limit order and submits it. The quantity is rounded down to
// 0.01 shares and the USDC amount is price*quantity. A buy makes USDC and takes
// shares; a sell makes shares and takes USDC.
func (c *OrderClient) PostOrder(ctx context.Context, req OrderRequest) (resp *types.OrderSubmissionResponse, err error) {
	quantity := req.Quantity / shareStep * shareStep
	if quantity <= 0 {
		return nil, fmt.Errorf("quantity %s rounds to zero", req.Quantity)
	}

	if req.Price <= 0 || req.Price > ledger.One {
		return nil, fmt.Errorf("price %s outside (0, 1]", req.Price)
	}

	orderType := req.OrderType
	if orderType == "" {
		orderType = types.OrderTypeGTC
	}

	side := model.BUY
	makerAmount, takerAmount := ledger.MulPrice(req.Price, quantity), quantity
	if req.Sell {
		side = model.SELL
		makerAmount, takerAmount = quantity, ledger.MulPrice(req.Price, quantity)
	}

	orderData := &model.OrderData{
		Maker:         c.maker,
		Taker:         zeroAddress,
		TokenId:       req.TokenID,
		MakerAmount:   strconv.FormatInt(int64(makerAmount), 10),
		TakerAmount:   strconv.FormatInt(int64(takerAmount), 10),
		Side:          side,
		FeeRateBps:    "0",
		Nonce:         "0",
		Signer:        c.address,
		Expiration:    "0",
		SignatureType: c.signatureType,
	}

	contract := model.CTFExchange
	if req.NegRisk {
		contract = model.NegRiskCTFExchange
	}

	signed, err := c.orderBuilder.BuildSignedOrder(c.privateKey, orderData, contract)
	if err != nil {
		return nil, fmt.Errorf("build signed order: %w", err)
	}

	body, err := json.Marshal(types.OrderSubmissionRequest{
		Order:     signedOrderJSON(signed),
		Owner:     c.apiKey,
		OrderType: orderType,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal order: %w", err)
	}

	start := time.Now()
	raw, err := c.doL2(ctx, http.MethodPost, "/order", body, false)
	RequestDurationSeconds.WithLabelValues("post-order").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("post order: %w", err)
	}

	resp = &types.OrderSubmissionResponse{}
	err = json.Unmarshal(raw, resp)
	if err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}

	c.logger.Debug("order-posted",
		zap.String("token-id", req.TokenID),
		zap.Bool("sell", req.Sell),
		zap.Stringer("price", req.Price),
		zap.Stringer("quantity", quantity),
		zap.String("order-type", orderType),
		zap.String("order-id", resp.OrderID),
		zap.String("status", resp.Status))

	return resp, nil
}

// GetOrder fetches the current state of an order.
func (c *OrderClient) GetOrder(ctx context.Context, orderID string) (order *types.OrderQueryResponse, err error) {
	raw, err := c.doL2(ctx, http.MethodGet, "/data/order/"+orderID, nil, true)
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}

	order = &types.OrderQueryResponse{}
	err = json.Unmarshal(raw, order)
	if err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}

	return order, nil
}

// CancelOrder cancels a resting order.
func (c *OrderClient) CancelOrder(ctx context.Context, orderID string) error {
	body, err := json.Marshal(types.CancelOrderRequest{OrderID: orderID})
	if err != nil {
		return fmt.Errorf("marshal cancel: %w", err)
	}

	raw, err := c.doL2(ctx, http.MethodDelete, "/order", body, true)
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}

	var resp types.CancelOrderResponse
	err = json.Unmarshal(raw, &resp)
	if err != nil {
		return fmt.Errorf("decode cancel response: %w", err)
	}

	if reason, ok := resp.NotCanceled[orderID]; ok {
		return fmt.Errorf("order %s not canceled: %s", orderID, reason)
	}

	return nil
}

// doL2 sends an authenticated request. Throttled requests are retried; server
// errors are retried only for idempotent calls, since a failed POST /order may
// still have reached the book.
func (c *OrderClient) doL2(ctx context.Context, method, path string, body []byte, idempotent bool) (out []byte, err error) {
	policy := &retry.Policy{
		MaxAttempts: c.maxAttempts,
		Backoff:     retry.Exponential(c.retryDelay, 8*c.retryDelay, 2, 0.2),
		Clock:       c.clock,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			c.logger.Warn("clob-request-retrying",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		},
	}

	_, err = policy.Do(ctx, func(ctx context.Context, _ int) error {
		waitErr := c.limiter.Wait(ctx)
		if waitErr != nil {
			return retry.Permanent(waitErr)
		}

		var reqErr error
		out, reqErr = c.send(ctx, method, path, body)
		if reqErr == nil {
			return nil
		}

		RequestErrorsTotal.WithLabelValues(method).Inc()

		var apiErr *types.APIError
		if errors.As(reqErr, &apiErr) {
			retryable := apiErr.StatusCode == http.StatusTooManyRequests || (idempotent && apiErr.Retryable())
			if !retryable {
				return retry.Permanent(reqErr)
			}
			return reqErr
		}

		if !idempotent {
			return retry.Permanent(reqErr)
		}

		return reqErr
	})

	return out, err
}

func (c *OrderClient) send(ctx context.Context, method, path string, body []byte) (out []byte, err error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	signature, err := l2Signature(c.secret, timestamp, method, path, body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("POLY_API_KEY", c.apiKey)
	req.Header.Set("POLY_SIGNATURE", signature)
	req.Header.Set("POLY_TIMESTAMP", timestamp)
	req.Header.Set("POLY_PASSPHRASE", c.passphrase)
	req.Header.Set("POLY_ADDRESS", c.address)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	out, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return out, &types.APIError{Service: "clob", StatusCode: resp.StatusCode, Body: string(out)}
	}

	return out, nil
}

// l2Signature is the URL-safe base64 HMAC-SHA256 of timestamp+method+path+body
// keyed by the URL-safe base64 decoded API secret.
func l2Signature(secret, timestamp, method, path string, body []byte) (string, error) {
	key, err := base64.URLEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}

	h := hmac.New(sha256.New, key)
	h.Write([]byte(timestamp + method + path))
	h.Write(body)

	return base64.URLEncoding.EncodeToString(h.Sum(nil)), nil
}

func signedOrderJSON(order *model.SignedOrder) types.SignedOrderJSON {
	side := "BUY"
	if order.Side.Uint64() == uint64(model.SELL) {
		side = "SELL"
	}

	return types.SignedOrderJSON{
		Salt:          order.Salt.Int64(),
		Maker:         order.Maker.Hex(),
		Signer:        order.Signer.Hex(),
		Taker:         order.Taker.Hex(),
		TokenID:       order.TokenId.String(),
		MakerAmount:   order.MakerAmount.String(),
		TakerAmount:   order.TakerAmount.String(),
		Side:          side,
		Expiration:    order.Expiration.String(),
		Nonce:         order.Nonce.String(),
		FeeRateBps:    order.FeeRateBps.String(),
		SignatureType: int(order.SignatureType.Int64()),
		Signature:     "0x" + common.Bytes2Hex(order.Signature),
	}
}
