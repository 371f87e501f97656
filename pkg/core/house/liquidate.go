package house

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/openperp/perpcore/pkg/settlement"
)

// ErrPositionHealthy is returned when liquidation is attempted on a
// position whose margin ratio sits below the partial threshold.
var ErrPositionHealthy = errors.New("position is above maintenance margin")

// LiquidationResult describes what a liquidation did to the position.
type LiquidationResult struct {
	Partial           bool
	LiquidatedSize    int64
	RemainingQuantity int64
	Fee               int64
	LiquidatorReward  int64
}

// Liquidate closes part or all of an underwater position at the mark price.
//
// The margin ratio (maintenance margin over margin balance, in basis
// points) picks the mode: at or above the partial threshold but below 100%
// the position is trimmed by the liquidation penalty ratio and its margin is
// charged the liquidation fee; from 100% the position is closed entirely and
// the remaining margin flows to the insurance fund. Half of the fee rewards
// the liquidator in both modes.
func (h *House) Liquidate(liquidator, trader common.Address) (LiquidationResult, error) {
	price := h.MarkPrice()

	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.positions[trader]
	if !ok || p.IsEmpty() {
		return LiquidationResult{}, ErrNoPosition
	}

	d := p.Maintenance(price, h.mkt.MaintenanceMarginRatioBps)
	if d.MarginRatio < h.mkt.PartialLiquidationRatioBps {
		return LiquidationResult{}, ErrPositionHealthy
	}

	var res LiquidationResult
	if d.MarginRatio < h.mkt.BaseBasisPoint {
		res = h.liquidatePartialLocked(liquidator, trader)
	} else {
		res = h.liquidateFullLocked(liquidator, trader, price)
	}
	h.savePositionLocked(trader)

	if h.metrics != nil {
		kind := "full"
		if res.Partial {
			kind = "partial"
		}
		h.metrics.Liquidations.WithLabelValues(h.mkt.Symbol, kind).Inc()
	}
	h.log.Info("position_liquidated",
		zap.String("trader", trader.Hex()),
		zap.String("liquidator", liquidator.Hex()),
		zap.Bool("partial", res.Partial),
		zap.Int64("liquidated_size", res.LiquidatedSize),
		zap.Int64("remaining_quantity", res.RemainingQuantity),
		zap.Int64("fee", res.Fee),
	)
	return res, nil
}

// liquidatePartialLocked trims the position by the penalty ratio and charges
// the liquidation fee against its margin. Quantity and open notional scale
// together, so the average entry price is preserved.
func (h *House) liquidatePartialLocked(liquidator, trader common.Address) LiquidationResult {
	p := h.positions[trader]
	absQty := absInt64(p.Quantity)

	liquidated := absQty * h.mkt.LiquidationPenaltyRatioBps / h.mkt.BaseBasisPoint
	closedNotional := p.OpenNotional * liquidated / absQty
	fee := p.Margin * h.mkt.LiquidationFeeRatioBps / h.mkt.BaseBasisPoint
	reward := fee / 2

	if p.Quantity > 0 {
		p.Quantity -= liquidated
	} else {
		p.Quantity += liquidated
	}
	p.OpenNotional -= closedNotional
	p.Margin -= fee

	h.ledger.Record(settlement.Debit(trader, fee, settlement.ReasonLiquidationFee))
	h.ledger.Record(settlement.Credit(liquidator, reward, settlement.ReasonLiquidationFee))
	h.ledger.Record(settlement.Credit(h.insuranceFund, fee-reward, settlement.ReasonInsuranceFund))

	return LiquidationResult{
		Partial:           true,
		LiquidatedSize:    liquidated,
		RemainingQuantity: p.Quantity,
		Fee:               fee,
		LiquidatorReward:  reward,
	}
}

// liquidateFullLocked zeroes the position. Whatever margin survives the
// mark-to-market loss goes to the insurance fund, less the liquidator's
// share of the fee; a negative remainder is the fund's deficit to absorb.
func (h *House) liquidateFullLocked(liquidator, trader common.Address, price int64) LiquidationResult {
	p := h.positions[trader]
	absQty := absInt64(p.Quantity)

	fee := p.Margin * h.mkt.LiquidationFeeRatioBps / h.mkt.BaseBasisPoint
	reward := fee / 2
	_, pnl := p.NotionalAndUnrealizedPnl(price)
	remainder := p.Margin + pnl - reward

	p.Quantity = 0
	p.OpenNotional = 0
	p.Margin = 0

	h.ledger.Record(settlement.Credit(liquidator, reward, settlement.ReasonLiquidationFee))
	if remainder > 0 {
		h.ledger.Record(settlement.Credit(h.insuranceFund, remainder, settlement.ReasonInsuranceFund))
	} else if remainder < 0 {
		h.ledger.Record(settlement.Debit(h.insuranceFund, -remainder, settlement.ReasonInsuranceFund))
	}

	return LiquidationResult{
		Partial:           false,
		LiquidatedSize:    absQty,
		RemainingQuantity: 0,
		Fee:               fee,
		LiquidatorReward:  reward,
	}
}
