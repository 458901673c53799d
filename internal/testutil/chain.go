package testutil

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/p16-hash/polyterminal-automation/pkg/chain"
	"github.com/p16-hash/polyterminal-automation/pkg/types"
)

// FakeOracle returns scripted resolutions in order; the last entry repeats.
type FakeOracle struct {
	mu     sync.Mutex
	script []chain.Resolution
	errs   []error
	calls  int
	OnCall func(call int)
}

// NewFakeOracle returns pending n times, then a resolution won by winner.
func NewFakeOracle(pendingPolls int, winner types.Side) *FakeOracle {
	script := make([]chain.Resolution, 0, pendingPolls+1)
	for i := 0; i < pendingPolls; i++ {
		script = append(script, chain.Resolution{Denominator: big.NewInt(0)})
	}
	script = append(script, ResolvedFor(winner))
	return &FakeOracle{script: script}
}

// ResolvedFor builds a resolution paying 1 to the winner.
func ResolvedFor(winner types.Side) chain.Resolution {
	w := winner
	res := chain.Resolution{
		Resolved:    true,
		Winner:      &w,
		Denominator: big.NewInt(1),
		Numerators:  [2]*big.Int{big.NewInt(0), big.NewInt(0)},
	}
	res.Numerators[winner] = big.NewInt(1)
	return res
}

// FailNext makes the next calls return the given errors before the script resumes.
func (f *FakeOracle) FailNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, errs...)
}

// ResolutionOf implements settlement.Oracle.
func (f *FakeOracle) ResolutionOf(_ context.Context, _ string) (chain.Resolution, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	onCall := f.OnCall

	var (
		res chain.Resolution
		err error
	)
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	} else {
		idx := call - 1
		if idx >= len(f.script) {
			idx = len(f.script) - 1
		}
		res = f.script[idx]
	}
	f.mu.Unlock()

	if onCall != nil {
		onCall(call)
	}
	return res, err
}

// Calls returns how many times the oracle was read.
func (f *FakeOracle) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// FakeWriter simulates balances, redemption submission and confirmation. A
// confirmed redemption zeroes the balances, like the real contract.
type FakeWriter struct {
	// LandsLate zeroes the balances on an unknown confirmation status too, as
	// when a transaction is mined after the confirmation timeout.
	LandsLate bool

	mu           sync.Mutex
	balances     [2]*big.Int
	submitErrs   []error
	statuses     []chain.ConfirmStatus
	submits      int
	balanceReads int
	variants     []types.SettlementVariant
}

// NewFakeWriter holds the given micro-unit balances.
func NewFakeWriter(up, down int64) *FakeWriter {
	return &FakeWriter{balances: [2]*big.Int{big.NewInt(up), big.NewInt(down)}}
}

// FailSubmits makes the next submissions return these errors.
func (f *FakeWriter) FailSubmits(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErrs = append(f.submitErrs, errs...)
}

// ConfirmWith scripts the next confirmation statuses. Unscripted ones confirm.
func (f *FakeWriter) ConfirmWith(statuses ...chain.ConfirmStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, statuses...)
}

// Balances implements settlement.Writer.
func (f *FakeWriter) Balances(context.Context, *types.Market) ([2]*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceReads++
	return [2]*big.Int{new(big.Int).Set(f.balances[0]), new(big.Int).Set(f.balances[1])}, nil
}

// SubmitRedeem implements settlement.Writer. Every call counts, failed or not.
func (f *FakeWriter) SubmitRedeem(_ context.Context, _ string, variant types.SettlementVariant, _ [2]*big.Int) (chain.TxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.submits++
	f.variants = append(f.variants, variant)

	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		return chain.TxHandle{}, err
	}

	return chain.TxHandle{
		Hash:   common.HexToHash(fmt.Sprintf("0x%x", f.submits)),
		Nonce:  uint64(f.submits),
		SentAt: time.Now(),
	}, nil
}

// AwaitConfirmation implements settlement.Writer.
func (f *FakeWriter) AwaitConfirmation(context.Context, chain.TxHandle, time.Duration) (chain.ConfirmStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	status := chain.Confirmed
	if len(f.statuses) > 0 {
		status = f.statuses[0]
		f.statuses = f.statuses[1:]
	}

	if status == chain.Confirmed || (status == chain.StatusUnknown && f.LandsLate) {
		f.balances = [2]*big.Int{big.NewInt(0), big.NewInt(0)}
	}
	return status, nil
}

// Submits returns how many submissions were attempted.
func (f *FakeWriter) Submits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

// Variants returns the variant of every submission.
func (f *FakeWriter) Variants() []types.SettlementVariant {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.SettlementVariant(nil), f.variants...)
}

// Calls returns how many writer methods were called in total.
func (f *FakeWriter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balanceReads + f.submits
}
