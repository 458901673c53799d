package testutil

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/p16-hash/polyterminal-automation/pkg/wallet"
)

// MockWalletClient serves scripted balances and positions.
type MockWalletClient struct {
	mu        sync.Mutex
	usdc      *big.Int
	positions []wallet.Position
	err       error
	calls     int
}

// NewMockWalletClient creates a wallet mock holding 1000 USDC.
func NewMockWalletClient() *MockWalletClient {
	return &MockWalletClient{usdc: big.NewInt(1000_000_000)}
}

// SetUSDC sets the USDC balance in 6-decimal units.
func (m *MockWalletClient) SetUSDC(micro int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usdc = big.NewInt(micro)
}

// SetPositions sets the Data API positions.
func (m *MockWalletClient) SetPositions(positions []wallet.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = positions
}

// SetError makes every call fail with err, or succeed again when nil.
func (m *MockWalletClient) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns the number of calls made.
func (m *MockWalletClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// GetBalances returns the scripted USDC balance.
func (m *MockWalletClient) GetBalances(context.Context, common.Address) (*wallet.Balances, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return &wallet.Balances{
		POL:           big.NewInt(0),
		USDC:          new(big.Int).Set(m.usdc),
		USDCAllowance: new(big.Int).Set(m.usdc),
	}, nil
}

// GetPositions returns the scripted positions.
func (m *MockWalletClient) GetPositions(context.Context, string) ([]wallet.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return append([]wallet.Position(nil), m.positions...), nil
}
