package settlement

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event describes an amount owed to or by a trader. The core never moves
// funds itself; events feed the external custody ledger.
type Event struct {
	ID       uuid.UUID      `json:"id"`
	Trader   common.Address `json:"trader"`
	Amount   int64          `json:"amount"`
	IsCredit bool           `json:"isCredit"`
	Reason   string         `json:"reason"`
	At       time.Time      `json:"at"`
}

// Well-known event reasons.
const (
	ReasonRealizedPnl    = "realized_pnl"
	ReasonMarginReturn   = "margin_return"
	ReasonTradingFee     = "trading_fee"
	ReasonClaim          = "claim"
	ReasonMarginDeposit  = "margin_deposit"
	ReasonMarginWithdraw = "margin_withdraw"
	ReasonLiquidationFee = "liquidation_fee"
	ReasonInsuranceFund  = "insurance_fund"
)

// Ledger receives settlement events.
type Ledger interface {
	Record(ev Event)
}

// Recorder is a Ledger that logs every event and retains them in order,
// for the external settlement consumer and for tests.
type Recorder struct {
	mu      sync.Mutex
	events  []Event
	log     *zap.Logger
	journal Journal
}

func NewRecorder(log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{log: log, journal: NewNopJournal()}
}

// NewRecorderWithJournal creates a Recorder that also appends every event
// to the given journal.
func NewRecorderWithJournal(log *zap.Logger, journal Journal) *Recorder {
	r := NewRecorder(log)
	if journal != nil {
		r.journal = journal
	}
	return r
}

func (r *Recorder) Record(ev Event) {
	if ev.ID == (uuid.UUID{}) {
		ev.ID = uuid.New()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()

	r.journal.Append(ev)

	r.log.Info("settlement_event",
		zap.String("id", ev.ID.String()),
		zap.String("trader", ev.Trader.Hex()),
		zap.Int64("amount", ev.Amount),
		zap.Bool("credit", ev.IsCredit),
		zap.String("reason", ev.Reason),
	)
}

// Events returns a snapshot copy of all recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Credit builds a credit event.
func Credit(trader common.Address, amount int64, reason string) Event {
	return Event{ID: uuid.New(), Trader: trader, Amount: amount, IsCredit: true, Reason: reason, At: time.Now()}
}

// Debit builds a debit event.
func Debit(trader common.Address, amount int64, reason string) Event {
	return Event{ID: uuid.New(), Trader: trader, Amount: amount, IsCredit: false, Reason: reason, At: time.Now()}
}
