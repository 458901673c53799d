package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/p16-hash/polyterminal-automation/pkg/types"
	"go.uber.org/zap"
)

// ErrNoSigner is returned when a write is attempted on a read-only client.
var ErrNoSigner = errors.New("chain client has no private key")

// TxHandle identifies a submitted transaction.
type TxHandle struct {
	Hash     common.Hash
	Nonce    uint64
	From     common.Address
	To       common.Address
	GasPrice *big.Int
	ViaProxy bool
	SentAt   time.Time
}

// ConfirmStatus is the result of waiting for a receipt.
type ConfirmStatus int

const (
	// StatusUnknown means no receipt arrived before the timeout. The
	// transaction may still land.
	StatusUnknown ConfirmStatus = iota
	Confirmed
	Reverted
)

// String returns the lowercase status name.
func (s ConfirmStatus) String() string {
	switch s {
	case Confirmed:
		return "confirmed"
	case Reverted:
		return "reverted"
	default:
		return "unknown"
	}
}

// RedeemCallData encodes the redemption call and returns its target contract.
// Direct markets redeem both index sets on the CTF contract; batch markets pass
// the per-outcome amounts to the neg-risk adapter.
func (c *Client) RedeemCallData(conditionID string, variant types.SettlementVariant, quantities [2]*big.Int) (to common.Address, data []byte, err error) {
	cond := common.HexToHash(conditionID)

	switch variant {
	case types.VariantBatch:
		amounts := []*big.Int{orZero(quantities[types.SideUp]), orZero(quantities[types.SideDown])}
		data, err = c.abis.NegRisk.Pack("redeemPositions", cond, amounts)
		if err != nil {
			return to, nil, fmt.Errorf("pack neg-risk redeem: %w", err)
		}
		return c.negRisk, data, nil
	case types.VariantDirect:
		indexSets := []*big.Int{big.NewInt(1), big.NewInt(2)}
		data, err = c.abis.CTF.Pack("redeemPositions", c.usdc, common.Hash{}, cond, indexSets)
		if err != nil {
			return to, nil, fmt.Errorf("pack CTF redeem: %w", err)
		}
		return c.ctf, data, nil
	default:
		return to, nil, fmt.Errorf("unknown settlement variant %d", variant)
	}
}

// SubmitRedeem builds, signs and broadcasts a redemption.
func (c *Client) SubmitRedeem(
	ctx context.Context,
	conditionID string,
	variant types.SettlementVariant,
	quantities [2]*big.Int,
) (handle TxHandle, err error) {
	if c.key == nil {
		return handle, ErrNoSigner
	}

	to, data, err := c.RedeemCallData(conditionID, variant, quantities)
	if err != nil {
		return handle, err
	}

	handle, err = c.send(ctx, to, data, c.gasLimit)
	if err != nil {
		RedeemTxTotal.WithLabelValues(variant.String(), "send-error").Inc()
		return handle, err
	}

	RedeemTxTotal.WithLabelValues(variant.String(), "sent").Inc()

	c.logger.Info("redeem-tx-sent",
		zap.String("condition-id", conditionID),
		zap.Stringer("variant", variant),
		zap.String("tx-hash", handle.Hash.Hex()),
		zap.Uint64("nonce", handle.Nonce),
		zap.String("gas-price", handle.GasPrice.String()),
		zap.Bool("via-proxy", handle.ViaProxy))

	return handle, nil
}

// send signs and broadcasts a call from the owner key. With a proxy configured
// the call is wrapped in the Safe's execTransaction and the gas limit doubled.
// Nonce and gas price are fetched on every call so a retry never reuses stale
// values.
func (c *Client) send(ctx context.Context, to common.Address, data []byte, gasLimit uint64) (handle TxHandle, err error) {
	if c.key == nil {
		return handle, ErrNoSigner
	}

	if c.usesProxy() {
		data, err = c.wrapSafe(ctx, to, data)
		if err != nil {
			return handle, fmt.Errorf("wrap safe transaction: %w", err)
		}
		to = c.proxy
		gasLimit *= 2
	}

	nonce, err := c.backend.PendingNonceAt(ctx, c.owner)
	if err != nil {
		return handle, fmt.Errorf("get nonce: %w", err)
	}

	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return handle, fmt.Errorf("suggest gas price: %w", err)
	}
	gasPrice = c.bumpGasPrice(gasPrice)

	tx := ethtypes.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := ethtypes.SignTx(tx, ethtypes.NewEIP155Signer(c.chainID), c.key)
	if err != nil {
		return handle, fmt.Errorf("sign tx: %w", err)
	}

	err = c.backend.SendTransaction(ctx, signed)
	if err != nil {
		return handle, fmt.Errorf("send tx: %w", err)
	}

	return TxHandle{
		Hash:     signed.Hash(),
		Nonce:    nonce,
		From:     c.owner,
		To:       to,
		GasPrice: gasPrice,
		ViaProxy: c.usesProxy(),
		SentAt:   time.Now(),
	}, nil
}

// AwaitConfirmation polls for the receipt until it arrives or the timeout ends.
// A timeout returns StatusUnknown without an error.
func (c *Client) AwaitConfirmation(ctx context.Context, tx TxHandle, timeout time.Duration) (status ConfirmStatus, err error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, receiptErr := c.backend.TransactionReceipt(waitCtx, tx.Hash)
		switch {
		case receiptErr == nil:
			ConfirmSeconds.Observe(time.Since(start).Seconds())
			if receipt.Status == ethtypes.ReceiptStatusSuccessful {
				c.logger.Info("redeem-tx-confirmed",
					zap.String("tx-hash", tx.Hash.Hex()),
					zap.Uint64("gas-used", receipt.GasUsed))
				return Confirmed, nil
			}
			c.logger.Warn("redeem-tx-reverted",
				zap.String("tx-hash", tx.Hash.Hex()),
				zap.Uint64("gas-used", receipt.GasUsed))
			return Reverted, nil
		case errors.Is(receiptErr, ethereum.NotFound):
		default:
			c.logger.Debug("receipt-poll-failed",
				zap.String("tx-hash", tx.Hash.Hex()),
				zap.Error(receiptErr))
		}

		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return StatusUnknown, ctx.Err()
			}
			c.logger.Warn("redeem-tx-status-unknown",
				zap.String("tx-hash", tx.Hash.Hex()),
				zap.Duration("timeout", timeout))
			return StatusUnknown, nil
		}
	}
}

// wrapSafe encodes execTransaction on a 1-of-1 Gnosis Safe. The owner signs the
// Safe transaction hash directly; the signature is r||s||v with v in {27, 28}.
func (c *Client) wrapSafe(ctx context.Context, to common.Address, inner []byte) (data []byte, err error) {
	nonceData, err := c.abis.Safe.Pack("nonce")
	if err != nil {
		return nil, fmt.Errorf("pack nonce: %w", err)
	}

	out, err := c.call(ctx, c.proxy, nonceData)
	if err != nil {
		return nil, fmt.Errorf("read safe nonce: %w", err)
	}

	values, err := c.abis.Safe.Unpack("nonce", out)
	if err != nil || len(values) != 1 {
		return nil, fmt.Errorf("unpack safe nonce: %w", err)
	}
	safeNonce, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack safe nonce: unexpected type %T", values[0])
	}

	zero := big.NewInt(0)
	var operation uint8 // CALL

	hashData, err := c.abis.Safe.Pack("getTransactionHash",
		to, zero, inner, operation, zero, zero, zero,
		common.Address{}, common.Address{}, safeNonce)
	if err != nil {
		return nil, fmt.Errorf("pack getTransactionHash: %w", err)
	}

	out, err = c.call(ctx, c.proxy, hashData)
	if err != nil {
		return nil, fmt.Errorf("read safe tx hash: %w", err)
	}

	values, err = c.abis.Safe.Unpack("getTransactionHash", out)
	if err != nil || len(values) != 1 {
		return nil, fmt.Errorf("unpack safe tx hash: %w", err)
	}
	safeHash, ok := values[0].([32]byte)
	if !ok {
		return nil, fmt.Errorf("unpack safe tx hash: unexpected type %T", values[0])
	}

	signature, err := crypto.Sign(safeHash[:], c.key)
	if err != nil {
		return nil, fmt.Errorf("sign safe tx hash: %w", err)
	}
	signature[crypto.RecoveryIDOffset] += 27

	c.logger.Debug("safe-tx-prepared",
		zap.String("safe", c.proxy.Hex()),
		zap.String("safe-nonce", safeNonce.String()),
		zap.String("safe-tx-hash", common.Hash(safeHash).Hex()))

	data, err = c.abis.Safe.Pack("execTransaction",
		to, zero, inner, operation, zero, zero, zero,
		common.Address{}, common.Address{}, signature)
	if err != nil {
		return nil, fmt.Errorf("pack execTransaction: %w", err)
	}

	return data, nil
}

func (c *Client) bumpGasPrice(gasPrice *big.Int) *big.Int {
	bumped := new(big.Int).Mul(gasPrice, big.NewInt(c.gasPermille))
	return bumped.Quo(bumped, big.NewInt(1000))
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
