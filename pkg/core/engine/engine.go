package engine

import (
	"errors"
	"sync"

	"github.com/openperp/perpcore/pkg/core/bitmap"
	"github.com/openperp/perpcore/pkg/core/tickbook"
)

var (
	// ErrInsufficientLiquidity is returned when the bounded bitmap scan
	// cannot locate enough resting liquidity to fill the requested size.
	ErrInsufficientLiquidity = errors.New("not enough liquidity to fulfill order")

	// ErrInvalidSize is returned for zero-size orders.
	ErrInvalidSize = errors.New("order size must be positive")

	// ErrInvalidPip is returned for a zero pip (pips are 1-based; 0 is the
	// bitmap's not-found sentinel).
	ErrInvalidPip = errors.New("pip must be positive")
)

// TickFill attributes the part of a sweep consumed at one pip.
type TickFill struct {
	Pip    uint64
	Size   uint64
	Orders []tickbook.OrderFill
}

// SweepResult describes what a market order (or the marketable part of a
// limit order) matched against the book.
type SweepResult struct {
	// Filled is the total size matched.
	Filled uint64
	// Remaining is the unmatched size. Zero for market orders; for limit
	// orders the remainder rests at the limit pip.
	Remaining uint64
	// PipNotional is the sum of size*pip over all fills. Dividing by the
	// market's basis point scale yields the quote-denominated notional.
	PipNotional uint64
	// Ticks lists the consumed pips nearest-first in the sweep direction.
	Ticks []TickFill
	// NewPip is the engine's current pip after the sweep.
	NewPip uint64
}

// Engine is the per-market matching core: the current pip, the liquidity
// bitmap, and the tick book, mutated together under one writer.
//
// A sweep is planned against read-only state first and applied only when it
// can complete, so a failed operation leaves no partial mutation behind.
type Engine struct {
	mu sync.RWMutex

	currentPip uint64
	bitmap     *bitmap.LiquidityBitmap
	book       *tickbook.Book

	// maxFindingWords bounds how many bitmap words a single search may
	// scan before the engine reports insufficient liquidity.
	maxFindingWords uint64
}

func New(initialPip, maxFindingWords uint64) *Engine {
	return &Engine{
		currentPip:      initialPip,
		bitmap:          bitmap.New(),
		book:            tickbook.New(),
		maxFindingWords: maxFindingWords,
	}
}

// CurrentPip returns the engine's current price tick.
func (e *Engine) CurrentPip() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.currentPip
}

// HasLiquidity reports whether pip carries resting liquidity.
func (e *Engine) HasLiquidity(pip uint64) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bitmap.HasLiquidity(pip)
}

// Liquidity returns the aggregate resting size at pip.
func (e *Engine) Liquidity(pip uint64) uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book.Liquidity(pip)
}

// GetPendingOrder returns the resting order at pip/orderID.
func (e *Engine) GetPendingOrder(pip, orderID uint64) (tickbook.Order, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book.GetOrder(pip, orderID)
}

type plannedTick struct {
	pip    uint64
	amount uint64
}

// planSweep walks the bitmap from currentPip in the sweep direction without
// mutating anything. Buys walk upward, sells downward. When bounded by a
// limit pip the walk stops there; otherwise it runs until size is exhausted
// or the word budget runs out.
//
// The walk starts at currentPip itself, which may carry a crossing order's
// remainder on the taker's own side. Same-side pips are skipped, never
// consumed: a buy matches only resting sells and a sell only resting buys.
func (e *Engine) planSweep(size uint64, isBuy, hasLimit bool, limitPip uint64) (ticks []plannedTick, remaining uint64) {
	remaining = size
	start := e.currentPip
	for remaining > 0 {
		next, ok := e.bitmap.FindNextInitialized(start, !isBuy, e.maxFindingWords)
		if !ok {
			break
		}
		if hasLimit {
			if isBuy && next > limitPip {
				break
			}
			if !isBuy && next < limitPip {
				break
			}
		}
		amount := e.book.Liquidity(next)
		if amount > 0 && e.book.IsBuy(next) == isBuy {
			amount = 0
		}
		if amount > remaining {
			amount = remaining
		}
		if amount > 0 {
			ticks = append(ticks, plannedTick{pip: next, amount: amount})
			remaining -= amount
		}
		if isBuy {
			start = next + 1
		} else {
			if next <= 1 {
				break
			}
			start = next - 1
		}
	}
	return ticks, remaining
}

// applySweep consumes the planned ticks, clearing bitmap bits as pips drain
// and moving currentPip to the last pip liquidity was taken from.
func (e *Engine) applySweep(ticks []plannedTick) SweepResult {
	res := SweepResult{NewPip: e.currentPip}
	for _, pt := range ticks {
		consumed, orderFills, left := e.book.ConsumeLiquidity(pt.pip, pt.amount)
		if left == 0 {
			e.bitmap.ClearBit(pt.pip)
		}
		res.Filled += consumed
		res.PipNotional += consumed * pt.pip
		res.Ticks = append(res.Ticks, TickFill{Pip: pt.pip, Size: consumed, Orders: orderFills})
		e.currentPip = pt.pip
		res.NewPip = pt.pip
	}
	return res
}

// OpenMarketOrder sweeps from the current pip, buys upward and sells
// downward, consuming each found pip's liquidity FIFO until size is
// exhausted. The whole order fails with ErrInsufficientLiquidity when the
// bounded search cannot cover it, leaving the book untouched.
func (e *Engine) OpenMarketOrder(size uint64, isBuy bool) (SweepResult, error) {
	if size == 0 {
		return SweepResult{}, ErrInvalidSize
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ticks, remaining := e.planSweep(size, isBuy, false, 0)
	if remaining > 0 {
		return SweepResult{}, ErrInsufficientLiquidity
	}
	return e.applySweep(ticks), nil
}

// OpenLimitOrder places a limit order at pip. An order crossing the current
// price is marketable first: it sweeps opposite liquidity from the current
// pip toward its limit, and only the unfilled remainder rests at pip. The
// returned order ID is zero when the order matched in full.
func (e *Engine) OpenLimitOrder(pip, size uint64, isBuy bool) (uint64, SweepResult, error) {
	if pip == 0 {
		return 0, SweepResult{}, ErrInvalidPip
	}
	if size == 0 {
		return 0, SweepResult{}, ErrInvalidSize
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	crossing := (isBuy && pip >= e.currentPip) || (!isBuy && pip <= e.currentPip)

	var res SweepResult
	remaining := size
	if crossing {
		ticks, left := e.planSweep(size, isBuy, true, pip)
		if left > 0 && e.oppositeLeftAt(pip, isBuy, ticks) {
			// Opposite liquidity rests at the limit pip but sits beyond
			// the word budget of the plan. Resting the remainder there
			// would put both sides on one pip, so the order is refused
			// before any of the plan is applied.
			return 0, SweepResult{}, ErrInsufficientLiquidity
		}
		res = e.applySweep(ticks)
		remaining = left
	} else {
		res.NewPip = e.currentPip
	}
	res.Remaining = remaining

	var orderID uint64
	if remaining > 0 {
		id, liq := e.book.InsertOrder(pip, remaining, isBuy)
		if liq == remaining {
			e.bitmap.SetBit(pip)
		}
		orderID = id
		if crossing {
			// The remainder rests on the far side of the old price;
			// the price moves to it so a later sweep in the opposite
			// direction can reach it.
			e.currentPip = pip
			res.NewPip = pip
		}
	}
	return orderID, res, nil
}

// oppositeLeftAt reports whether pip would still carry opposite-side
// liquidity after the planned consumption.
func (e *Engine) oppositeLeftAt(pip uint64, isBuy bool, ticks []plannedTick) bool {
	liq := e.book.Liquidity(pip)
	if liq == 0 || e.book.IsBuy(pip) == isBuy {
		return false
	}
	for _, pt := range ticks {
		if pt.pip == pip {
			liq -= pt.amount
		}
	}
	return liq > 0
}

// RestoreOrder reinserts a persisted resting order at its original index
// when rebuilding the book after a restart.
func (e *Engine) RestoreOrder(pip, orderID, size uint64, isBuy bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.book.RestoreOrder(pip, orderID, size, isBuy)
	e.bitmap.SetBit(pip)
}

// RemoveFilledOrder drops a fully filled order's bookkeeping once its
// outcome has been consumed by the owner.
func (e *Engine) RemoveFilledOrder(pip, orderID uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.book.RemoveFilled(pip, orderID)
}

// CancelLimitOrder removes the order's unfilled remainder from the book and
// clears the pip's bitmap bit when its liquidity reaches zero. Returns the
// cancelled remainder.
func (e *Engine) CancelLimitOrder(pip, orderID uint64) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	remainder, left, err := e.book.Cancel(pip, orderID)
	if err != nil {
		return 0, err
	}
	if left == 0 {
		e.bitmap.ClearBit(pip)
	}
	return remainder, nil
}

// DepthLevel is one aggregated price level for book snapshots.
type DepthLevel struct {
	Pip  uint64
	Size uint64
}

// Depth returns up to levels non-empty pips on each side of the book,
// nearest first. Levels are classified by the side of the orders resting
// there, so a crossing remainder parked on the current pip shows up on its
// own side.
func (e *Engine) Depth(levels int) (bids, asks []DepthLevel) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	start := e.currentPip
	for len(bids) < levels && start >= 1 {
		next, ok := e.bitmap.FindNextInitialized(start, true, e.maxFindingWords)
		if !ok {
			break
		}
		if size := e.book.Liquidity(next); size > 0 && e.book.IsBuy(next) {
			bids = append(bids, DepthLevel{Pip: next, Size: size})
		}
		if next <= 1 {
			break
		}
		start = next - 1
	}

	start = e.currentPip
	for len(asks) < levels {
		next, ok := e.bitmap.FindNextInitialized(start, false, e.maxFindingWords)
		if !ok {
			break
		}
		if size := e.book.Liquidity(next); size > 0 && !e.book.IsBuy(next) {
			asks = append(asks, DepthLevel{Pip: next, Size: size})
		}
		start = next + 1
	}
	return bids, asks
}
