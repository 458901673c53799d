package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"go.uber.org/zap"
)

const approveGasLimit = 100_000

// Spenders are the contracts that move the holder's USDC and outcome tokens
// when orders match or positions redeem.
func Spenders() []common.Address {
	return []common.Address{
		common.HexToAddress(CTFExchangeAddr),
		common.HexToAddress(NegRiskExchangeAddr),
		common.HexToAddress(NegRiskAdapterAddr),
	}
}

// Approval is the allowance state of one spender.
type Approval struct {
	Spender        common.Address
	USDCAllowance  *big.Int
	TokensApproved bool
}

// Approvals reads the USDC allowance and the CTF operator approval the holder
// has granted each spender.
func (c *Client) Approvals(ctx context.Context) (approvals []Approval, err error) {
	holder := c.Holder()

	for _, spender := range Spenders() {
		allowance, err := c.erc20Uint(ctx, "allowance", holder, spender)
		if err != nil {
			return nil, fmt.Errorf("read allowance for %s: %w", spender.Hex(), err)
		}

		approved, err := c.isApprovedForAll(ctx, holder, spender)
		if err != nil {
			return nil, fmt.Errorf("read operator approval for %s: %w", spender.Hex(), err)
		}

		approvals = append(approvals, Approval{
			Spender:        spender,
			USDCAllowance:  allowance,
			TokensApproved: approved,
		})
	}

	return approvals, nil
}

// Approve grants every spender a USDC allowance of at least amount (nil means
// unlimited) and CTF operator approval, skipping grants already in place.
func (c *Client) Approve(ctx context.Context, amount *big.Int) (sent []TxHandle, err error) {
	if c.key == nil {
		return nil, ErrNoSigner
	}

	if amount == nil {
		amount = math.MaxBig256
	}

	current, err := c.Approvals(ctx)
	if err != nil {
		return nil, err
	}

	for _, approval := range current {
		if approval.USDCAllowance.Cmp(amount) < 0 {
			data, err := c.abis.ERC20.Pack("approve", approval.Spender, amount)
			if err != nil {
				return sent, fmt.Errorf("pack approve: %w", err)
			}

			handle, err := c.send(ctx, c.usdc, data, approveGasLimit)
			if err != nil {
				return sent, fmt.Errorf("approve USDC for %s: %w", approval.Spender.Hex(), err)
			}
			sent = append(sent, handle)

			c.logger.Info("usdc-approval-sent",
				zap.String("spender", approval.Spender.Hex()),
				zap.String("tx-hash", handle.Hash.Hex()))
		}

		if !approval.TokensApproved {
			data, err := c.abis.CTF.Pack("setApprovalForAll", approval.Spender, true)
			if err != nil {
				return sent, fmt.Errorf("pack setApprovalForAll: %w", err)
			}

			handle, err := c.send(ctx, c.ctf, data, approveGasLimit)
			if err != nil {
				return sent, fmt.Errorf("approve tokens for %s: %w", approval.Spender.Hex(), err)
			}
			sent = append(sent, handle)

			c.logger.Info("token-approval-sent",
				zap.String("operator", approval.Spender.Hex()),
				zap.String("tx-hash", handle.Hash.Hex()))
		}
	}

	return sent, nil
}

func (c *Client) erc20Uint(ctx context.Context, method string, args ...interface{}) (value *big.Int, err error) {
	data, err := c.abis.ERC20.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	out, err := c.call(ctx, c.usdc, data)
	if err != nil {
		return nil, err
	}

	values, err := c.abis.ERC20.Unpack(method, out)
	if err != nil || len(values) != 1 {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}

	value, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected type %T", method, values[0])
	}

	return value, nil
}

func (c *Client) isApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error) {
	data, err := c.abis.CTF.Pack("isApprovedForAll", owner, operator)
	if err != nil {
		return false, fmt.Errorf("pack isApprovedForAll: %w", err)
	}

	out, err := c.call(ctx, c.ctf, data)
	if err != nil {
		return false, err
	}

	values, err := c.abis.CTF.Unpack("isApprovedForAll", out)
	if err != nil || len(values) != 1 {
		return false, fmt.Errorf("unpack isApprovedForAll: %w", err)
	}

	approved, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("unpack isApprovedForAll: unexpected type %T", values[0])
	}

	return approved, nil
}
