package house

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/openperp/perpcore/pkg/settlement"
)

// AddMargin moves extra collateral into the trader's position.
func (h *House) AddMargin(trader common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("add margin amount must be positive: %d", amount)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.positions[trader]
	if !ok || p.IsEmpty() {
		return ErrNoPosition
	}

	p.Margin += amount
	h.ledger.Record(settlement.Debit(trader, amount, settlement.ReasonMarginDeposit))
	h.savePositionLocked(trader)

	h.log.Info("margin_added", zap.String("trader", trader.Hex()), zap.Int64("amount", amount))
	return nil
}

// RemoveMargin releases collateral from the position. The withdrawal is
// rejected when it would push the margin ratio into liquidation territory.
func (h *House) RemoveMargin(trader common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("remove margin amount must be positive: %d", amount)
	}
	price := h.MarkPrice()

	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.positions[trader]
	if !ok || p.IsEmpty() {
		return ErrNoPosition
	}
	if amount > p.Margin {
		return fmt.Errorf("remove amount %d exceeds position margin %d", amount, p.Margin)
	}

	trial := *p
	trial.Margin -= amount
	if d := trial.Maintenance(price, h.mkt.MaintenanceMarginRatioBps); d.MarginRatio >= h.mkt.PartialLiquidationRatioBps {
		return fmt.Errorf("remove amount %d leaves margin ratio %d above liquidation threshold", amount, d.MarginRatio)
	}

	p.Margin -= amount
	h.ledger.Record(settlement.Credit(trader, amount, settlement.ReasonMarginWithdraw))
	h.savePositionLocked(trader)

	h.log.Info("margin_removed", zap.String("trader", trader.Hex()), zap.Int64("amount", amount))
	return nil
}

// CanClaimFund reports the margin plus realized PnL accrued from the
// trader's filled resting orders that reduced or closed a position.
func (h *House) CanClaimFund(trader common.Address) (amount int64, canClaim bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	amount = h.claimable[trader]
	return amount, amount > 0
}

// ClaimFund settles the trader's accrued claimable funds and resets the
// accumulator.
func (h *House) ClaimFund(trader common.Address) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	amount := h.claimable[trader]
	if amount <= 0 {
		return 0, ErrNothingToClaim
	}
	delete(h.claimable, trader)
	h.evictFilledOrdersLocked(trader)

	h.ledger.Record(settlement.Credit(trader, amount, settlement.ReasonClaim))
	if h.metrics != nil {
		h.metrics.ClaimPayouts.WithLabelValues(h.mkt.Symbol).Inc()
	}
	h.log.Info("fund_claimed", zap.String("trader", trader.Hex()), zap.Int64("amount", amount))
	return amount, nil
}
