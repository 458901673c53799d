// Package wallet reads the trading wallet's collateral balances on chain and
// its outcome-token positions from the Polymarket Data API.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
	"github.com/p16-hash/polyterminal-automation/pkg/chain"
	"github.com/p16-hash/polyterminal-automation/pkg/types"
	"go.uber.org/zap"
)

const (
	defaultDataAPIURL = "https://data-api.polymarket.com"
	positionsLimit    = 500

	erc20ReadABI = `[
		{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
		{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"}
	]`
)

// Backend is the subset of ethclient.Client the wallet client needs.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// ClientConfig holds wallet client configuration.
type ClientConfig struct {
	// Backend may be nil for clients that only read positions.
	Backend    Backend
	DataAPIURL string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client handles wallet data fetching from the chain and the Data API.
type Client struct {
	backend    Backend
	dataAPIURL string
	httpClient *http.Client
	erc20      abi.ABI
	logger     *zap.Logger
}

// Balances holds on-chain collateral balances.
type Balances struct {
	POL           *big.Int // in wei
	USDC          *big.Int // in 6-decimal units
	USDCAllowance *big.Int // granted to the CTF exchange, 6-decimal units
}

// USDCDollars converts the USDC balance for display and thresholds.
func (b *Balances) USDCDollars() float64 {
	return scaled(b.USDC, 1e6)
}

// Position is one outcome-token holding reported by the Data API.
type Position struct {
	Asset        string  `json:"asset"`
	ConditionID  string  `json:"conditionId"`
	Size         float64 `json:"size"`
	AvgPrice     float64 `json:"avgPrice"`
	InitialValue float64 `json:"initialValue"`
	CurrentValue float64 `json:"currentValue"`
	CashPnL      float64 `json:"cashPnl"`
	PercentPnL   float64 `json:"percentPnl"`
	CurPrice     float64 `json:"curPrice"`
	Redeemable   bool    `json:"redeemable"`
	Mergeable    bool    `json:"mergeable"`
	Title        string  `json:"title"`
	Slug         string  `json:"slug"`
	Outcome      string  `json:"outcome"`
	OutcomeIndex int     `json:"outcomeIndex"`
	EndDate      string  `json:"endDate"`
	NegativeRisk bool    `json:"negativeRisk"`
}

// NewClient creates a wallet client.
func NewClient(cfg *ClientConfig) (c *Client, err error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ReadABI))
	if err != nil {
		return nil, fmt.Errorf("parse ABI: %w", err)
	}

	c = &Client{
		backend:    cfg.Backend,
		dataAPIURL: strings.TrimRight(cfg.DataAPIURL, "/"),
		httpClient: cfg.HTTPClient,
		erc20:      parsed,
		logger:     cfg.Logger,
	}

	if c.dataAPIURL == "" {
		c.dataAPIURL = defaultDataAPIURL
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return c, nil
}

// GetBalances fetches the POL, USDC and USDC allowance of an address.
func (c *Client) GetBalances(ctx context.Context, address common.Address) (balances *Balances, err error) {
	if c.backend == nil {
		return nil, errors.New("wallet client has no chain backend")
	}

	pol, err := c.backend.BalanceAt(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("get POL balance: %w", err)
	}

	usdc, err := c.erc20Uint(ctx, "balanceOf", address)
	if err != nil {
		return nil, fmt.Errorf("get USDC balance: %w", err)
	}

	allowance, err := c.erc20Uint(ctx, "allowance", address, common.HexToAddress(chain.CTFExchangeAddr))
	if err != nil {
		return nil, fmt.Errorf("get USDC allowance: %w", err)
	}

	return &Balances{
		POL:           pol,
		USDC:          usdc,
		USDCAllowance: allowance,
	}, nil
}

func (c *Client) erc20Uint(ctx context.Context, method string, args ...interface{}) (value *big.Int, err error) {
	data, err := c.erc20.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	token := common.HexToAddress(chain.USDCAddress)
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call contract: %w", err)
	}

	return new(big.Int).SetBytes(out), nil
}

// GetPositions fetches every position of an address above the dust threshold.
func (c *Client) GetPositions(ctx context.Context, address string) (positions []Position, err error) {
	query := url.Values{}
	query.Set("user", address)
	query.Set("limit", fmt.Sprint(positionsLimit))
	query.Set("sizeThreshold", fmt.Sprint(DustThreshold))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.dataAPIURL+"/positions?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &types.APIError{Service: "data", StatusCode: resp.StatusCode, Body: resp.Status}
	}

	var all []Position
	err = json.NewDecoder(resp.Body).Decode(&all)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	positions = make([]Position, 0, len(all))
	for _, pos := range all {
		if pos.Size >= DustThreshold {
			positions = append(positions, pos)
		}
	}

	c.logger.Debug("positions-fetched",
		zap.String("address", address),
		zap.Int("count", len(positions)),
		zap.Int("dust", len(all)-len(positions)))

	return positions, nil
}

func scaled(v *big.Int, unit float64) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), big.NewFloat(unit)).Float64()
	return f
}
