package settlement

import (
	"sync"
	"time"

	"github.com/p16-hash/polyterminal-automation/internal/ledger"
	"github.com/p16-hash/polyterminal-automation/internal/storage"
	"github.com/p16-hash/polyterminal-automation/pkg/types"
)

// State is the settlement state of one market cycle.
type State int

const (
	StateActive State = iota
	StateAwaitingClose
	StateAwaitingOracle
	StateLockWait
	StateSubmitting
	StateConfirming
	StateDone
	StateFailed
)

// String returns the upper-case state name.
func (s State) String() string {
	switch s {
	case StateActive:
		return "ACTIVE"
	case StateAwaitingClose:
		return "AWAITING_CLOSE"
	case StateAwaitingOracle:
		return "AWAITING_ORACLE"
	case StateLockWait:
		return "LOCK_WAIT"
	case StateSubmitting:
		return "SUBMITTING"
	case StateConfirming:
		return "CONFIRMING"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further transition will happen in this run.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// ResolutionState is what the engine knows about the oracle.
type ResolutionState int

const (
	ResolutionUnknown ResolutionState = iota
	ResolutionPending
	ResolutionResolved
)

// String returns the upper-case resolution name.
func (r ResolutionState) String() string {
	switch r {
	case ResolutionPending:
		return "PENDING"
	case ResolutionResolved:
		return "RESOLVED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the resolution name.
func (r ResolutionState) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Outcome is the final result of a settlement.
type Outcome int

const (
	OutcomeNone Outcome = iota
	OutcomeConfirmed
	OutcomeReverted
	OutcomeAbandoned
	// OutcomeNothingToRedeem means the wallet held no tokens of the condition,
	// usually because an earlier redemption already settled it.
	OutcomeNothingToRedeem
)

// String returns the upper-case outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "CONFIRMED"
	case OutcomeReverted:
		return "REVERTED"
	case OutcomeAbandoned:
		return "ABANDONED"
	case OutcomeNothingToRedeem:
		return "NOTHING_TO_REDEEM"
	default:
		return "NONE"
	}
}

// MarshalText encodes the outcome name.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Transition is one entry of a record's history.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Record tracks the settlement of one condition. It is safe for concurrent use.
type Record struct {
	mu           sync.RWMutex
	conditionID  string
	marketSlug   string
	closeTime    time.Time
	state        State
	resolution   ResolutionState
	winner       *types.Side
	hadPositions bool
	attempts     int
	polls        int
	lastErr      error
	outcome      Outcome
	txHash       string
	realized     ledger.Amount
	history      []Transition
	updatedAt    time.Time

	// driving is set while Run or Settle owns the record.
	driving bool
}

func newRecord(market *types.Market, now time.Time) *Record {
	return &Record{
		conditionID: market.ConditionID,
		marketSlug:  market.Slug,
		closeTime:   market.CloseTime,
		state:       StateActive,
		updatedAt:   now,
	}
}

// View is a read-only copy of a record.
type View struct {
	ConditionID  string          `json:"condition_id"`
	MarketSlug   string          `json:"market_slug"`
	CloseTime    time.Time       `json:"close_time"`
	State        State           `json:"state"`
	Resolution   ResolutionState `json:"resolution"`
	Winner       *types.Side     `json:"winner,omitempty"`
	HadPositions bool            `json:"had_positions"`
	Attempts     int             `json:"attempts"`
	Polls        int             `json:"polls"`
	LastError    string          `json:"last_error,omitempty"`
	Outcome      Outcome         `json:"outcome"`
	TxHash       string          `json:"tx_hash,omitempty"`
	RealizedPnL  ledger.Amount   `json:"realized_pnl"`
	History      []Transition    `json:"history"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// View returns a consistent copy of the record.
func (r *Record) View() View {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v := View{
		ConditionID:  r.conditionID,
		MarketSlug:   r.marketSlug,
		CloseTime:    r.closeTime,
		State:        r.state,
		Resolution:   r.resolution,
		HadPositions: r.hadPositions,
		Attempts:     r.attempts,
		Polls:        r.polls,
		Outcome:      r.outcome,
		TxHash:       r.txHash,
		RealizedPnL:  r.realized,
		History:      append([]Transition(nil), r.history...),
		UpdatedAt:    r.updatedAt,
	}
	if r.winner != nil {
		w := *r.winner
		v.Winner = &w
	}
	if r.lastErr != nil {
		v.LastError = r.lastErr.Error()
	}
	return v
}

// State returns the current state.
func (r *Record) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Err returns the last error recorded, if any.
func (r *Record) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// Final reports whether the record completed with an outcome. Final records
// are never re-opened.
func (r *Record) Final() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.final()
}

func (r *Record) final() bool {
	return r.state == StateDone && r.outcome != OutcomeNone
}

// claim reserves the record for one driver. It returns errFinal once the
// record completed and ErrInProgress while another goroutine drives it. A
// FAILED record may be claimed again; its outcome is cleared for the retry.
func (r *Record) claim() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.final():
		return errFinal
	case r.driving:
		return ErrInProgress
	}

	r.driving = true
	if r.state == StateFailed {
		r.outcome = OutcomeNone
	}
	return nil
}

func (r *Record) unclaim() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.driving = false
}

// transition moves the record to a new state. A record with an outcome only
// moves between terminal states.
func (r *Record) transition(to State, now time.Time) (from State, changed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	from = r.state
	if r.outcome != OutcomeNone && !to.Terminal() {
		return from, false
	}

	r.state = to
	r.updatedAt = now
	r.history = append(r.history, Transition{From: from, To: to, At: now})
	return from, from != to
}

func (r *Record) update(now time.Time, fn func(r *Record)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fn(r)
	r.updatedAt = now
}

func (r *Record) storageRow() *storage.Settlement {
	v := r.View()

	winner := ""
	if v.Winner != nil {
		winner = v.Winner.String()
	}

	return &storage.Settlement{
		ConditionID: v.ConditionID,
		MarketSlug:  v.MarketSlug,
		State:       v.State.String(),
		Resolution:  v.Resolution.String(),
		Winner:      winner,
		Outcome:     v.Outcome.String(),
		Attempts:    v.Attempts,
		Polls:       v.Polls,
		TxHash:      v.TxHash,
		LastError:   v.LastError,
		RealizedPnL: v.RealizedPnL.String(),
		UpdatedAt:   v.UpdatedAt,
	}
}
