package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/p16-hash/polyterminal-automation/internal/execution"
	"github.com/p16-hash/polyterminal-automation/internal/ledger"
	"github.com/p16-hash/polyterminal-automation/internal/settlement"
	"github.com/p16-hash/polyterminal-automation/internal/strategy"
	"github.com/p16-hash/polyterminal-automation/pkg/httpserver"
	"github.com/p16-hash/polyterminal-automation/pkg/types"
	"github.com/p16-hash/polyterminal-automation/pkg/wallet"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// operatorRequest is an operator intent waiting for the main loop.
type operatorRequest struct {
	action   execution.Action
	side     types.Side
	quantity ledger.Amount
	reply    chan operatorReply
}

type operatorReply struct {
	placement execution.Placement
	err       error
}

// SubmitOrder parses an operator order and runs it through the main loop.
func (a *App) SubmitOrder(ctx context.Context, req httpserver.OrderRequest) (*httpserver.OrderResponse, error) {
	action, err := execution.ParseAction(req.Action)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", httpserver.ErrInvalidOrder, err)
	}

	side, err := types.ParseSide(req.Side)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", httpserver.ErrInvalidOrder, err)
	}

	var quantity ledger.Amount
	if strings.TrimSpace(req.Quantity) != "" {
		quantity, err = ledger.ParseAmount(req.Quantity)
		if err != nil {
			return nil, fmt.Errorf("%w: quantity: %v", httpserver.ErrInvalidOrder, err)
		}
	}

	if action == execution.ActionBuy && quantity <= 0 {
		return nil, fmt.Errorf("%w: buy quantity must be positive", httpserver.ErrInvalidOrder)
	}

	p, err := a.submit(ctx, operatorRequest{action: action, side: side, quantity: quantity})
	if err != nil {
		return nil, err
	}

	return &httpserver.OrderResponse{
		IntentID: p.IntentID.String(),
		OrderID:  p.OrderID,
		Action:   p.Action.String(),
		Side:     p.Side.String(),
		Status:   p.Status.String(),
		Price:    p.Price.String(),
		Quantity: p.Quantity.String(),
	}, nil
}

// submit hands a request to the main loop and waits for its reply.
func (a *App) submit(ctx context.Context, req operatorRequest) (execution.Placement, error) {
	req.reply = make(chan operatorReply, 1)

	select {
	case a.requests <- req:
	case <-a.loopDone:
		return execution.Placement{}, fmt.Errorf("%w: trading loop stopped", httpserver.ErrUnavailable)
	case <-ctx.Done():
		return execution.Placement{}, ctx.Err()
	}

	select {
	case r := <-req.reply:
		return r.placement, r.err
	case <-a.loopDone:
		return execution.Placement{}, fmt.Errorf("%w: trading loop stopped", httpserver.ErrUnavailable)
	case <-ctx.Done():
		return execution.Placement{}, ctx.Err()
	}
}

// handleRequest prices an operator request against the live book and places
// it. It runs on the main loop.
func (a *App) handleRequest(req operatorRequest) {
	reply := func(p execution.Placement, err error) {
		req.reply <- operatorReply{placement: p, err: err}
	}

	if a.session == nil {
		IntentsTotal.WithLabelValues("operator", "invalid").Inc()
		reply(execution.Placement{}, fmt.Errorf("%w: no active market", httpserver.ErrUnavailable))
		return
	}

	view := a.view(a.now())
	intent, err := strategy.OperatorIntent(view, req.action, req.side, req.quantity)
	if err != nil {
		IntentsTotal.WithLabelValues("operator", "invalid").Inc()
		a.logger.Info("operator-intent-refused",
			zap.Stringer("action", req.action),
			zap.Stringer("side", req.side),
			zap.Stringer("quantity", req.quantity),
			zap.Error(err))

		switch {
		case view.Stale():
			err = fmt.Errorf("%w: %v", httpserver.ErrUnavailable, err)
		case errors.Is(err, strategy.ErrNoQuote):
			// Reported as is, like a rejected order.
		default:
			err = fmt.Errorf("%w: %v", httpserver.ErrInvalidOrder, err)
		}
		reply(execution.Placement{}, err)
		return
	}

	p, err := a.place(intent, a.session.ledger)
	reply(p, err)
}

// Order handles the Telegram /buy and /sell commands. args is "<side> [qty]".
func (a *App) Order(ctx context.Context, action, args string) (string, error) {
	fields := strings.Fields(args)
	if len(fields) == 0 || len(fields) > 2 {
		if action == "buy" {
			return "", errors.New("usage: /buy up|down qty")
		}
		return "", errors.New("usage: /sell up|down")
	}

	req := httpserver.OrderRequest{Action: action, Side: fields[0]}
	if len(fields) == 2 {
		req.Quantity = fields[1]
	}

	resp, err := a.SubmitOrder(ctx, req)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s %s %s @ %s\nstatus: %s\norder: %s",
		resp.Action, resp.Quantity, resp.Side, resp.Price, resp.Status, resp.OrderID), nil
}

// BalanceText reports the wallet balances and the buy gate.
func (a *App) BalanceText(ctx context.Context) (string, error) {
	balances, err := a.wallet.GetBalances(ctx, a.holder)
	if err != nil {
		return "", fmt.Errorf("get balances: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Wallet:    %s\n", a.holder.Hex())
	fmt.Fprintf(&b, "USDC:      %.2f\n", balances.USDCDollars())
	fmt.Fprintf(&b, "Allowance: %s\n", ledger.FromMicro(balances.USDCAllowance).StringFixed(2))
	fmt.Fprintf(&b, "POL:       %s", polText(balances.POL))

	if a.breaker != nil {
		st := a.breaker.GetStatus()
		fmt.Fprintf(&b, "\nBuys:      %s (min %s, estimated %s)",
			enabledText(st.Enabled), st.MinBalance.StringFixed(2), st.EstimatedBalance.StringFixed(2))
	}

	return b.String(), nil
}

// RedeemAll settles every redeemable market the wallet holds under a short
// lock timeout and summarizes the outcome.
func (a *App) RedeemAll(ctx context.Context) (string, error) {
	positions, err := a.wallet.GetPositions(ctx, a.holder.Hex())
	if err != nil {
		return "", fmt.Errorf("get positions: %w", err)
	}

	cats := wallet.Categorize(positions, a.now())

	var b strings.Builder
	fmt.Fprintf(&b, "Active: %d  Pending: %d  Redeemable: %d\n",
		len(cats.Active), len(cats.Pending), len(cats.Redeemable))

	if len(cats.Redeemable) == 0 {
		b.WriteString("Nothing to redeem")
		return b.String(), nil
	}

	markets := make([]*types.Market, 0, len(cats.Redeemable))
	for _, mp := range cats.Redeemable {
		markets = append(markets, mp.Market())
	}

	results := a.settler.Sweep(ctx, markets, settlement.SweepLockTimeout)
	for _, r := range results {
		line := fmt.Sprintf("%s: %s", r.Market.Slug, r.View.Outcome)
		if r.Err != nil {
			line = fmt.Sprintf("%s: %v", r.Market.Slug, r.Err)
		}
		b.WriteString("\n" + line)
	}
	if len(results) < len(markets) {
		fmt.Fprintf(&b, "\nstopped after %d of %d markets", len(results), len(markets))
	}

	return b.String(), nil
}

func polText(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -18).StringFixed(4)
}

func enabledText(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "suspended"
}

// remaining formats the time left until t, never negative.
func remaining(t, now time.Time) time.Duration {
	d := t.Sub(now)
	if d < 0 {
		return 0
	}
	return d.Truncate(time.Second)
}
