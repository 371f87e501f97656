package house

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/openperp/perpcore/pkg/core/engine"
	"github.com/openperp/perpcore/pkg/core/market"
	"github.com/openperp/perpcore/pkg/core/position"
	"github.com/openperp/perpcore/pkg/core/tickbook"
	"github.com/openperp/perpcore/pkg/metrics"
	"github.com/openperp/perpcore/pkg/oracle"
	"github.com/openperp/perpcore/pkg/settlement"
	"github.com/openperp/perpcore/pkg/storage"
)

var (
	// ErrExceedsMaxLeverage is returned for leverage outside [1, market max].
	ErrExceedsMaxLeverage = errors.New("leverage exceeds market maximum")

	// ErrNoPosition is returned for operations on a trader without an open
	// position.
	ErrNoPosition = errors.New("no open position")

	// ErrNothingToClaim is returned when a trader has no claimable funds.
	ErrNothingToClaim = errors.New("nothing to claim")
)

// Side aliases the position side for callers.
type Side = position.Side

const (
	Long  = position.Long
	Short = position.Short
)

// PendingOrder is the trader-facing view of a resting limit order.
type PendingOrder struct {
	Pip           uint64 `json:"pip"`
	OrderID       uint64 `json:"orderId"`
	Size          uint64 `json:"size"`
	PartialFilled uint64 `json:"partialFilled"`
	IsFilled      bool   `json:"isFilled"`
	IsBuy         bool   `json:"isBuy"`
	Leverage      int64  `json:"leverage"`
}

type orderKey struct {
	pip     uint64
	orderID uint64
}

// orderMeta attributes a book order to its owner. A filled order's meta is
// kept only while the owner has unclaimed funds from it, so the
// pending-order view survives until ClaimFund; removed on cancel.
type orderMeta struct {
	trader   common.Address
	isBuy    bool
	leverage int64
	size     uint64 // unfilled remainder
}

// Options carries the house's injected collaborators. All are optional;
// absent ones degrade to no-ops (nop ledger, pip-derived mark price, no
// persistence).
type Options struct {
	Ledger        settlement.Ledger
	Feed          oracle.PriceFeed
	Store         *storage.Store
	Log           *zap.Logger
	Metrics       *metrics.Metrics
	InsuranceFund common.Address
}

// House orchestrates one market: it owns the matching engine, every
// trader's position, the order attribution index, and the claimable-fund
// ledger. All mutating operations are serialized under one writer so the
// bitmap, tick book, and positions stay consistent; reads go through the
// read lock.
type House struct {
	mu sync.RWMutex

	mkt *market.Market
	eng *engine.Engine

	positions map[common.Address]*position.Position
	orders    map[orderKey]*orderMeta
	claimable map[common.Address]int64

	ledger        settlement.Ledger
	feed          oracle.PriceFeed
	store         *storage.Store
	log           *zap.Logger
	metrics       *metrics.Metrics
	insuranceFund common.Address
}

// nopLedger drops events when no settlement consumer is wired.
type nopLedger struct{}

func (nopLedger) Record(settlement.Event) {}

// New creates a house for the market, rebuilding positions and resting
// orders from the store when one is provided.
func New(mkt *market.Market, opts Options) (*House, error) {
	if mkt == nil {
		return nil, fmt.Errorf("market must not be nil")
	}
	if opts.Ledger == nil {
		opts.Ledger = nopLedger{}
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}

	h := &House{
		mkt:           mkt,
		eng:           engine.New(mkt.InitialPip, mkt.MaxFindingWordsIndex),
		positions:     make(map[common.Address]*position.Position),
		orders:        make(map[orderKey]*orderMeta),
		claimable:     make(map[common.Address]int64),
		ledger:        opts.Ledger,
		feed:          opts.Feed,
		store:         opts.Store,
		log:           opts.Log,
		metrics:       opts.Metrics,
		insuranceFund: opts.InsuranceFund,
	}

	if h.store != nil {
		positions, err := h.store.LoadPositions(mkt.Symbol)
		if err != nil {
			return nil, fmt.Errorf("failed to restore positions: %w", err)
		}
		h.positions = positions
		if h.positions == nil {
			h.positions = make(map[common.Address]*position.Position)
		}

		orders, err := h.store.LoadOrders(mkt.Symbol)
		if err != nil {
			return nil, fmt.Errorf("failed to restore orders: %w", err)
		}
		for _, rec := range orders {
			h.eng.RestoreOrder(rec.Pip, rec.OrderID, rec.Size, rec.IsBuy)
			h.orders[orderKey{rec.Pip, rec.OrderID}] = &orderMeta{
				trader:   rec.Trader,
				isBuy:    rec.IsBuy,
				leverage: rec.Leverage,
				size:     rec.Size,
			}
		}
	}
	return h, nil
}

// Market returns the market this house serves.
func (h *House) Market() *market.Market { return h.mkt }

// CurrentPip returns the engine's current price tick.
func (h *House) CurrentPip() uint64 { return h.eng.CurrentPip() }

// Depth returns aggregated book levels around the current pip.
func (h *House) Depth(levels int) (bids, asks []engine.DepthLevel) {
	return h.eng.Depth(levels)
}

// MarkPrice returns the oracle index price, falling back to the engine's
// pip-derived price when the feed has no value.
func (h *House) MarkPrice() int64 {
	if h.feed != nil {
		if p, err := h.feed.IndexPrice(h.mkt.Symbol); err == nil {
			return p
		}
	}
	return h.mkt.PipToPrice(h.eng.CurrentPip())
}

func (h *House) validateLeverage(leverage int64) error {
	if leverage < 1 || leverage > h.mkt.MaxLeverage {
		return fmt.Errorf("%w: %d > %d", ErrExceedsMaxLeverage, leverage, h.mkt.MaxLeverage)
	}
	return nil
}

func (h *House) positionLocked(trader common.Address) *position.Position {
	p, ok := h.positions[trader]
	if !ok {
		p = &position.Position{}
		h.positions[trader] = p
	}
	return p
}

// OpenMarketPosition fills quantity at the best available ticks, buys
// sweeping upward and sells downward. The whole order fails with
// engine.ErrInsufficientLiquidity when the book cannot cover it, leaving
// every component untouched.
func (h *House) OpenMarketPosition(trader common.Address, side Side, quantity uint64, leverage int64) (engine.SweepResult, error) {
	if err := h.validateLeverage(leverage); err != nil {
		return engine.SweepResult{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.openMarketPositionLocked(trader, side, quantity, leverage)
}

func (h *House) openMarketPositionLocked(trader common.Address, side Side, quantity uint64, leverage int64) (engine.SweepResult, error) {
	res, err := h.eng.OpenMarketOrder(quantity, side == Long)
	if err != nil {
		return engine.SweepResult{}, err
	}

	h.applyTakerLocked(trader, side == Long, res, leverage)
	h.applyMakerFillsLocked(res)

	if h.metrics != nil {
		h.metrics.OrdersPlaced.WithLabelValues(h.mkt.Symbol, "market").Inc()
		h.metrics.FillVolume.WithLabelValues(h.mkt.Symbol).Add(float64(res.Filled))
	}
	h.log.Info("market_position_opened",
		zap.String("trader", trader.Hex()),
		zap.String("side", side.String()),
		zap.Uint64("quantity", quantity),
		zap.Uint64("new_pip", res.NewPip),
	)
	return res, nil
}

// OpenLimitOrder places a limit order at pip. A crossable order matches
// against resting opposite liquidity first; the remainder rests and the
// returned order ID identifies it (zero when fully matched).
func (h *House) OpenLimitOrder(trader common.Address, side Side, quantity, pip uint64, leverage int64) (uint64, engine.SweepResult, error) {
	if err := h.validateLeverage(leverage); err != nil {
		return 0, engine.SweepResult{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	orderID, res, err := h.eng.OpenLimitOrder(pip, quantity, side == Long)
	if err != nil {
		return 0, engine.SweepResult{}, err
	}

	if res.Filled > 0 {
		h.applyTakerLocked(trader, side == Long, res, leverage)
		h.applyMakerFillsLocked(res)
	}

	if orderID != 0 {
		h.orders[orderKey{pip, orderID}] = &orderMeta{
			trader:   trader,
			isBuy:    side == Long,
			leverage: leverage,
			size:     res.Remaining,
		}
		h.saveOrderLocked(pip, orderID)
	}

	if h.metrics != nil {
		h.metrics.OrdersPlaced.WithLabelValues(h.mkt.Symbol, "limit").Inc()
		if res.Filled > 0 {
			h.metrics.FillVolume.WithLabelValues(h.mkt.Symbol).Add(float64(res.Filled))
		}
	}
	h.log.Info("limit_order_placed",
		zap.String("trader", trader.Hex()),
		zap.String("side", side.String()),
		zap.Uint64("pip", pip),
		zap.Uint64("quantity", quantity),
		zap.Uint64("order_id", orderID),
		zap.Uint64("filled", res.Filled),
	)
	return orderID, res, nil
}

// CancelLimitOrder removes the unfilled remainder of the trader's resting
// order. The filled portion stays applied to the position.
func (h *House) CancelLimitOrder(trader common.Address, pip, orderID uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	meta, ok := h.orders[orderKey{pip, orderID}]
	if !ok || meta.trader != trader {
		return tickbook.ErrOrderNotFound
	}

	remainder, err := h.eng.CancelLimitOrder(pip, orderID)
	if err != nil {
		return err
	}

	delete(h.orders, orderKey{pip, orderID})
	h.deleteOrderLocked(pip, orderID)

	if h.metrics != nil {
		h.metrics.OrdersCancelled.WithLabelValues(h.mkt.Symbol).Inc()
	}
	h.log.Info("limit_order_cancelled",
		zap.String("trader", trader.Hex()),
		zap.Uint64("pip", pip),
		zap.Uint64("order_id", orderID),
		zap.Uint64("remainder", remainder),
	)
	return nil
}

// ClosePosition market-closes the given percentage (1-100) of the trader's
// position at the best available ticks. The position is read and the
// closing sweep executed under one writer, so a fill landing in between
// cannot turn the close into an increase.
func (h *House) ClosePosition(trader common.Address, percent uint64) (engine.SweepResult, error) {
	if percent == 0 || percent > 100 {
		return engine.SweepResult{}, fmt.Errorf("close percent must be in (0,100]: %d", percent)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	p, ok := h.positions[trader]
	if !ok || p.IsEmpty() {
		return engine.SweepResult{}, ErrNoPosition
	}
	quantity := uint64(absInt64(p.Quantity)) * percent / 100
	if quantity == 0 {
		return engine.SweepResult{}, fmt.Errorf("close quantity rounds to zero")
	}
	return h.openMarketPositionLocked(trader, p.Side().Opposite(), quantity, p.Leverage)
}

// applyTakerLocked applies the aggressor side of a sweep to the trader's
// position and settles the realized amounts and trading fee.
func (h *House) applyTakerLocked(trader common.Address, isBuy bool, res engine.SweepResult, leverage int64) {
	notional := h.mkt.PipNotionalToQuote(res.PipNotional)
	p := h.positionLocked(trader)
	fr := p.RecordFill(isBuy, res.Filled, notional, leverage, time.Now())

	h.settleFillLocked(trader, fr)

	if fee := notional * h.mkt.TollRatioBps / h.mkt.BaseBasisPoint; fee > 0 {
		h.ledger.Record(settlement.Debit(trader, fee, settlement.ReasonTradingFee))
	}
	h.savePositionLocked(trader)
}

// applyMakerFillsLocked applies the resting side of a sweep to each maker's
// position. Reductions through a resting order accrue to the maker's
// claimable fund instead of settling immediately; the maker collects via
// ClaimFund once the closing order's fill state confirms it.
func (h *House) applyMakerFillsLocked(res engine.SweepResult) {
	for _, tf := range res.Ticks {
		for _, of := range tf.Orders {
			key := orderKey{tf.Pip, of.OrderID}
			meta, ok := h.orders[key]
			if !ok {
				continue
			}

			notional := h.mkt.PipNotionalToQuote(of.Amount * tf.Pip)
			mp := h.positionLocked(meta.trader)
			fr := mp.RecordFill(meta.isBuy, of.Amount, notional, meta.leverage, time.Now())
			accrued := fr.RealizedPnl != 0 || fr.FreedMargin != 0
			if accrued {
				h.claimable[meta.trader] += fr.RealizedPnl + fr.FreedMargin
			}

			meta.size -= of.Amount
			if of.Filled {
				h.deleteOrderLocked(tf.Pip, of.OrderID)
				// With claimable funds accrued, the filled entry stays
				// so the pending-order view confirms the fill until
				// the maker claims. Otherwise it can go right away.
				if !accrued {
					h.eng.RemoveFilledOrder(tf.Pip, of.OrderID)
					delete(h.orders, key)
				}
			} else {
				h.saveOrderLocked(tf.Pip, of.OrderID)
			}
			h.savePositionLocked(meta.trader)
		}
	}
}

// evictFilledOrdersLocked drops the retained entries of the trader's fully
// filled orders once their outcome has been claimed, so a long-running
// house does not accumulate them without bound.
func (h *House) evictFilledOrdersLocked(trader common.Address) {
	for key, meta := range h.orders {
		if meta.trader == trader && meta.size == 0 {
			h.eng.RemoveFilledOrder(key.pip, key.orderID)
			delete(h.orders, key)
		}
	}
}

// settleFillLocked emits the settlement events for a taker fill outcome.
func (h *House) settleFillLocked(trader common.Address, fr position.FillResult) {
	if fr.RealizedPnl > 0 {
		h.ledger.Record(settlement.Credit(trader, fr.RealizedPnl, settlement.ReasonRealizedPnl))
	} else if fr.RealizedPnl < 0 {
		h.ledger.Record(settlement.Debit(trader, -fr.RealizedPnl, settlement.ReasonRealizedPnl))
	}
	if fr.FreedMargin > 0 {
		h.ledger.Record(settlement.Credit(trader, fr.FreedMargin, settlement.ReasonMarginReturn))
	}
}

func (h *House) savePositionLocked(trader common.Address) {
	if h.store == nil {
		return
	}
	p := h.positions[trader]
	var err error
	if p.IsEmpty() {
		err = h.store.DeletePosition(h.mkt.Symbol, trader)
	} else {
		err = h.store.SavePosition(h.mkt.Symbol, trader, p)
	}
	if err != nil {
		h.log.Warn("position_persist_failed", zap.String("trader", trader.Hex()), zap.Error(err))
	}
}

func (h *House) saveOrderLocked(pip, orderID uint64) {
	if h.store == nil {
		return
	}
	meta := h.orders[orderKey{pip, orderID}]
	err := h.store.SaveOrder(h.mkt.Symbol, storage.OrderRecord{
		Trader:   meta.trader,
		Pip:      pip,
		OrderID:  orderID,
		IsBuy:    meta.isBuy,
		Leverage: meta.leverage,
		Size:     meta.size,
	})
	if err != nil {
		h.log.Warn("order_persist_failed", zap.Uint64("pip", pip), zap.Uint64("order_id", orderID), zap.Error(err))
	}
}

func (h *House) deleteOrderLocked(pip, orderID uint64) {
	if h.store == nil {
		return
	}
	if err := h.store.DeleteOrder(h.mkt.Symbol, pip, orderID); err != nil {
		h.log.Warn("order_delete_failed", zap.Uint64("pip", pip), zap.Uint64("order_id", orderID), zap.Error(err))
	}
}

// GetPosition returns a copy of the trader's position.
func (h *House) GetPosition(trader common.Address) (position.Position, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	p, ok := h.positions[trader]
	if !ok || p.IsEmpty() {
		return position.Position{}, ErrNoPosition
	}
	return *p, nil
}

// GetPendingOrder returns the trader-facing view of a resting order.
func (h *House) GetPendingOrder(pip, orderID uint64) (PendingOrder, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	o, err := h.eng.GetPendingOrder(pip, orderID)
	if err != nil {
		return PendingOrder{}, err
	}
	out := PendingOrder{
		Pip:           pip,
		OrderID:       orderID,
		Size:          o.Size,
		PartialFilled: o.PartialFilled,
		IsFilled:      o.IsFilled,
	}
	if meta, ok := h.orders[orderKey{pip, orderID}]; ok {
		out.IsBuy = meta.isBuy
		out.Leverage = meta.leverage
	}
	return out, nil
}

// GetPositionNotionalAndUnrealizedPnl marks the trader's position to the
// current mark price.
func (h *House) GetPositionNotionalAndUnrealizedPnl(trader common.Address) (notional, unrealizedPnl int64, err error) {
	price := h.MarkPrice()

	h.mu.RLock()
	defer h.mu.RUnlock()

	p, ok := h.positions[trader]
	if !ok || p.IsEmpty() {
		return 0, 0, ErrNoPosition
	}
	notional, unrealizedPnl = p.NotionalAndUnrealizedPnl(price)
	return notional, unrealizedPnl, nil
}

// GetMaintenanceDetail returns the liquidation-relevant health snapshot of
// the trader's position at the current mark price.
func (h *House) GetMaintenanceDetail(trader common.Address) (position.MaintenanceDetail, error) {
	price := h.MarkPrice()

	h.mu.RLock()
	defer h.mu.RUnlock()

	p, ok := h.positions[trader]
	if !ok || p.IsEmpty() {
		return position.MaintenanceDetail{}, ErrNoPosition
	}
	return p.Maintenance(price, h.mkt.MaintenanceMarginRatioBps), nil
}

// Traders returns every address the house tracks a position for.
func (h *House) Traders() []common.Address {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]common.Address, 0, len(h.positions))
	for addr, p := range h.positions {
		if !p.IsEmpty() {
			out = append(out, addr)
		}
	}
	return out
}

func absInt64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
