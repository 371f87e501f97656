package position

import "time"

// Side is the direction of a position or order.
type Side int8

const (
	Long  Side = 1
	Short Side = -1
)

func (s Side) String() string {
	switch s {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "unknown"
	}
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	return -s
}

// Position is one trader's net exposure in one market.
//
// Quantity is signed (positive long, negative short). OpenNotional is the
// cumulative quote value paid at entry, so OpenNotional/|Quantity| is the
// average entry price. Margin funds the position at the recorded leverage.
type Position struct {
	Quantity     int64     `json:"quantity"`
	Margin       int64     `json:"margin"`
	OpenNotional int64     `json:"openNotional"`
	Leverage     int64     `json:"leverage"`
	LastUpdated  time.Time `json:"lastUpdated"`
}

// IsEmpty reports whether the position is closed.
func (p *Position) IsEmpty() bool {
	return p == nil || p.Quantity == 0
}

func (p *Position) IsLong() bool  { return p.Quantity > 0 }
func (p *Position) IsShort() bool { return p.Quantity < 0 }

// Side returns the position's direction. Undefined for empty positions.
func (p *Position) Side() Side {
	if p.Quantity < 0 {
		return Short
	}
	return Long
}

// AvgEntryPrice returns OpenNotional / |Quantity|, zero when empty.
func (p *Position) AvgEntryPrice() int64 {
	if p.IsEmpty() {
		return 0
	}
	return p.OpenNotional / absInt64(p.Quantity)
}

// FillResult reports the settlement-relevant outcome of applying one fill.
type FillResult struct {
	// RealizedPnl is the profit or loss realized by the reducing part of
	// the fill, positive in the trader's favor.
	RealizedPnl int64
	// FreedMargin is the margin released by the reduced portion.
	FreedMargin int64
	// Closed is true when the fill flattened the position entirely
	// (including the close leg of a reversal).
	Closed bool
}

// RecordFill applies a fill of the given size and quote notional.
//
// A same-direction fill grows the position: quantity adds up, open notional
// accumulates (which is exactly the weighted-average entry price), and
// margin grows by notional/leverage. An opposite-direction fill reduces the
// position proportionally, realizing PnL on the reduced part; a fill larger
// than the position closes it and opens the excess in the other direction at
// the fill price.
func (p *Position) RecordFill(isBuy bool, size uint64, notional int64, leverage int64, now time.Time) FillResult {
	signed := int64(size)
	if !isBuy {
		signed = -signed
	}
	p.LastUpdated = now

	// Flat or same-direction: weighted-average increase.
	if p.Quantity == 0 || (p.Quantity > 0) == (signed > 0) {
		p.Quantity += signed
		p.OpenNotional += notional
		p.Margin += notional / leverage
		p.Leverage = leverage
		return FillResult{}
	}

	absOld := absInt64(p.Quantity)
	absFill := int64(size)
	fillPrice := notional / absFill

	if absFill <= absOld {
		// Proportional reduction.
		closedNotional := p.OpenNotional * absFill / absOld
		exitNotional := notional
		pnl := exitNotional - closedNotional
		if p.Quantity < 0 {
			pnl = -pnl
		}
		freed := p.Margin * absFill / absOld

		p.Quantity += signed
		p.OpenNotional -= closedNotional
		p.Margin -= freed
		if p.Quantity == 0 {
			// Rounding dust from the proportional splits closes out
			freed += p.Margin
			p.Margin = 0
			p.OpenNotional = 0
		}
		return FillResult{RealizedPnl: pnl, FreedMargin: freed, Closed: p.Quantity == 0}
	}

	// Close-and-reverse: realize the full old position at the fill price,
	// then the excess opens a fresh position in the fill's direction.
	exitNotional := fillPrice * absOld
	pnl := exitNotional - p.OpenNotional
	if p.Quantity < 0 {
		pnl = -pnl
	}
	freed := p.Margin

	excess := absFill - absOld
	p.Quantity += signed
	p.OpenNotional = fillPrice * excess
	p.Margin = p.OpenNotional / leverage
	p.Leverage = leverage
	return FillResult{RealizedPnl: pnl, FreedMargin: freed, Closed: true}
}

// NotionalAndUnrealizedPnl marks the position to currentPrice. Longs profit
// when the mark rises above average entry, shorts when it falls below.
func (p *Position) NotionalAndUnrealizedPnl(currentPrice int64) (notional, unrealizedPnl int64) {
	if p.IsEmpty() {
		return 0, 0
	}
	notional = absInt64(p.Quantity) * currentPrice
	if p.Quantity > 0 {
		unrealizedPnl = notional - p.OpenNotional
	} else {
		unrealizedPnl = p.OpenNotional - notional
	}
	return notional, unrealizedPnl
}

// MaintenanceDetail is the liquidation-relevant health snapshot.
type MaintenanceDetail struct {
	MaintenanceMargin int64
	MarginBalance     int64
	// MarginRatio is MaintenanceMargin / MarginBalance in basis points.
	// A non-positive margin balance saturates the ratio.
	MarginRatio int64
}

const ratioScale = 10000

// Maintenance computes the maintenance detail at currentPrice given the
// market's maintenance margin ratio in basis points.
func (p *Position) Maintenance(currentPrice, maintenanceMarginRatioBps int64) MaintenanceDetail {
	if p.IsEmpty() {
		return MaintenanceDetail{}
	}
	notional, pnl := p.NotionalAndUnrealizedPnl(currentPrice)
	maintenance := notional * maintenanceMarginRatioBps / ratioScale
	balance := p.Margin + pnl

	ratio := int64(ratioScale * ratioScale) // saturated
	if balance > 0 {
		ratio = maintenance * ratioScale / balance
	}
	return MaintenanceDetail{
		MaintenanceMargin: maintenance,
		MarginBalance:     balance,
		MarginRatio:       ratio,
	}
}

func absInt64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
