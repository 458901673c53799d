package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/p16-hash/polyterminal-automation/pkg/types"
	"go.uber.org/zap"
)

// Resolution is the oracle state of a condition.
type Resolution struct {
	Resolved    bool
	Winner      *types.Side
	Denominator *big.Int
	Numerators  [2]*big.Int
}

// SettlementPrice is the payout per contract of a side in micro-dollars
// (numerator * 1e6 / denominator). It is zero while unresolved.
func (r Resolution) SettlementPrice(side types.Side) int64 {
	if !r.Resolved || r.Denominator == nil || r.Denominator.Sign() == 0 || !side.Valid() {
		return 0
	}

	num := r.Numerators[side]
	if num == nil {
		return 0
	}

	price := new(big.Int).Mul(num, big.NewInt(1_000_000))
	price.Quo(price, r.Denominator)
	return price.Int64()
}

// ResolutionOf reads payoutDenominator and, once it is positive, both payout
// numerators. The winner is the side with the larger numerator; an even split
// leaves Winner nil.
func (c *Client) ResolutionOf(ctx context.Context, conditionID string) (res Resolution, err error) {
	cond := common.HexToHash(conditionID)

	denom, err := c.callUint(ctx, "payoutDenominator", cond)
	if err != nil {
		OracleReadsTotal.WithLabelValues("error").Inc()
		return res, fmt.Errorf("read payout denominator: %w", err)
	}

	res.Denominator = denom
	if denom.Sign() == 0 {
		OracleReadsTotal.WithLabelValues("pending").Inc()
		return res, nil
	}

	for _, side := range types.Sides {
		num, numErr := c.callUint(ctx, "payoutNumerators", cond, big.NewInt(int64(side)))
		if numErr != nil {
			OracleReadsTotal.WithLabelValues("error").Inc()
			return res, fmt.Errorf("read payout numerator %s: %w", side, numErr)
		}
		res.Numerators[side] = num
	}

	res.Resolved = true
	switch res.Numerators[types.SideUp].Cmp(res.Numerators[types.SideDown]) {
	case 1:
		winner := types.SideUp
		res.Winner = &winner
	case -1:
		winner := types.SideDown
		res.Winner = &winner
	}

	OracleReadsTotal.WithLabelValues("resolved").Inc()
	c.logger.Debug("oracle-resolved",
		zap.String("condition-id", conditionID),
		zap.String("denominator", denom.String()),
		zap.String("numerator-up", res.Numerators[types.SideUp].String()),
		zap.String("numerator-down", res.Numerators[types.SideDown].String()))

	return res, nil
}

// TokenBalance returns the ERC1155 balance of an outcome token in 6-decimal units.
func (c *Client) TokenBalance(ctx context.Context, owner common.Address, tokenID string) (balance *big.Int, err error) {
	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return nil, fmt.Errorf("invalid token id %q", tokenID)
	}

	balance, err = c.callUint(ctx, "balanceOf", owner, id)
	if err != nil {
		return nil, fmt.Errorf("read token balance: %w", err)
	}

	return balance, nil
}

// Balances returns the holder's UP and DOWN balances of a market.
func (c *Client) Balances(ctx context.Context, market *types.Market) (balances [2]*big.Int, err error) {
	holder := c.Holder()
	for _, side := range types.Sides {
		balances[side], err = c.TokenBalance(ctx, holder, market.TokenFor(side))
		if err != nil {
			return balances, fmt.Errorf("%s balance: %w", side, err)
		}
	}

	return balances, nil
}

func (c *Client) callUint(ctx context.Context, method string, args ...interface{}) (value *big.Int, err error) {
	data, err := c.abis.CTF.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	out, err := c.call(ctx, c.ctf, data)
	if err != nil {
		return nil, err
	}

	values, err := c.abis.CTF.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}

	if len(values) != 1 {
		return nil, fmt.Errorf("unpack %s: expected 1 value, got %d", method, len(values))
	}

	value, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected type %T", method, values[0])
	}

	return value, nil
}
