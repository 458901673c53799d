// Package chain reads oracle state from the conditional tokens contract and
// submits redemption transactions on Polygon.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// Backend is the subset of ethclient.Client the chain client needs.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

// Config holds chain client configuration.
type Config struct {
	Backend Backend

	// PrivateKey signs transactions. Read-only clients may leave it nil.
	PrivateKey *ecdsa.PrivateKey

	// ProxyAddress is the Gnosis Safe that holds the positions. When set,
	// redemptions are wrapped in execTransaction signed by the owner key.
	ProxyAddress common.Address

	ChainID            *big.Int
	GasLimit           uint64
	GasPriceMultiplier float64

	// ReceiptPollInterval defaults to 2s.
	ReceiptPollInterval time.Duration

	Logger *zap.Logger
}

// Client is the oracle reader and redemption writer.
type Client struct {
	backend      Backend
	key          *ecdsa.PrivateKey
	owner        common.Address
	proxy        common.Address
	chainID      *big.Int
	gasLimit     uint64
	gasPermille  int64
	pollInterval time.Duration
	abis         ABIs
	ctf          common.Address
	negRisk      common.Address
	usdc         common.Address
	logger       *zap.Logger
}

// New creates a chain client.
func New(cfg *Config) (c *Client, err error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Backend == nil {
		return nil, errors.New("backend cannot be nil")
	}

	abis, err := ParseABIs()
	if err != nil {
		return nil, err
	}

	c = &Client{
		backend:      cfg.Backend,
		key:          cfg.PrivateKey,
		proxy:        cfg.ProxyAddress,
		chainID:      cfg.ChainID,
		gasLimit:     cfg.GasLimit,
		gasPermille:  int64(cfg.GasPriceMultiplier * 1000),
		pollInterval: cfg.ReceiptPollInterval,
		abis:         abis,
		ctf:          common.HexToAddress(CTFAddress),
		negRisk:      common.HexToAddress(NegRiskAdapterAddr),
		usdc:         common.HexToAddress(USDCAddress),
		logger:       cfg.Logger,
	}

	if c.chainID == nil {
		c.chainID = big.NewInt(PolygonChainID)
	}
	if c.gasLimit == 0 {
		c.gasLimit = 500_000
	}
	if c.gasPermille < 1000 {
		c.gasPermille = 1000
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 2 * time.Second
	}

	if cfg.PrivateKey != nil {
		c.owner = crypto.PubkeyToAddress(cfg.PrivateKey.PublicKey)
	}

	return c, nil
}

// Dial connects to an RPC endpoint and builds a client over it. The RPC
// connection is returned so other readers can share it; the caller closes it.
func Dial(ctx context.Context, rpcURL string, cfg Config) (c *Client, eth *ethclient.Client, err error) {
	eth, err = ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial RPC: %w", err)
	}

	cfg.Backend = eth
	c, err = New(&cfg)
	if err != nil {
		eth.Close()
		return nil, nil, err
	}

	return c, eth, nil
}

// ParsePrivateKey decodes a hex private key with or without the 0x prefix.
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	if hexKey == "" {
		return nil, errors.New("private key is empty")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return key, nil
}

// Owner is the EOA that signs transactions.
func (c *Client) Owner() common.Address {
	return c.owner
}

// Holder is the address that holds outcome tokens: the proxy when one is
// configured, otherwise the owner.
func (c *Client) Holder() common.Address {
	if c.usesProxy() {
		return c.proxy
	}
	return c.owner
}

func (c *Client) usesProxy() bool {
	return c.proxy != (common.Address{})
}

func (c *Client) call(ctx context.Context, to common.Address, data []byte) (out []byte, err error) {
	msg := ethereum.CallMsg{
		To:   &to,
		Data: data,
	}

	out, err = c.backend.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("call contract: %w", err)
	}

	return out, nil
}
