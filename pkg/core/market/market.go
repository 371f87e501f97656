package market

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidPrice is returned when a non-positive price reaches the
// price-to-pip conversion.
var ErrInvalidPrice = errors.New("price must be positive")

// Market defines all parameters for one perpetual market.
//
// Prices are quoted in integer quote units; pips are price * BasisPoint.
// All ratio parameters are in basis points of 10000.
type Market struct {
	// Identity
	Symbol     string
	BaseAsset  string
	QuoteAsset string

	// Price scale: pip = price * BasisPoint. BaseBasisPoint is the full
	// basis-point denominator ratios are quoted against.
	BasisPoint     int64
	BaseBasisPoint int64

	// Leverage & margin
	MaxLeverage               int64
	MaintenanceMarginRatioBps int64

	// Liquidation thresholds and charges; see House.Liquidate.
	PartialLiquidationRatioBps int64 // margin ratio at which partial liquidation triggers
	LiquidationFeeRatioBps     int64 // fee on margin, split liquidator/insurance
	LiquidationPenaltyRatioBps int64 // share of the position closed by a partial liquidation

	// Trading fee charged on taker notional.
	TollRatioBps int64

	// Funding (recognized, accumulation handled outside the core).
	FundingPeriod time.Duration

	// MaxFindingWordsIndex bounds the matching engine's bitmap scan.
	MaxFindingWordsIndex uint64

	// InitialPip seeds the engine's starting price tick.
	InitialPip uint64
}

// Params carries the tunable subset for NewMarket.
type Params struct {
	BasisPoint                 int64
	BaseBasisPoint             int64
	MaxLeverage                int64
	MaintenanceMarginRatioBps  int64
	PartialLiquidationRatioBps int64
	LiquidationFeeRatioBps     int64
	LiquidationPenaltyRatioBps int64
	TollRatioBps               int64
	FundingPeriod              time.Duration
	MaxFindingWordsIndex       uint64
	InitialPip                 uint64
}

// DefaultParams mirrors the reference deployment for a USD-margined market.
func DefaultParams() Params {
	return Params{
		BasisPoint:                 100,
		BaseBasisPoint:             10000,
		MaxLeverage:                125,
		MaintenanceMarginRatioBps:  300,  // 3%
		PartialLiquidationRatioBps: 8000, // partial liquidation from 80% margin ratio
		LiquidationFeeRatioBps:     300,  // 3% of margin
		LiquidationPenaltyRatioBps: 2000, // 20% of the position closed
		TollRatioBps:               10,   // 0.1% taker fee
		FundingPeriod:              time.Hour,
		MaxFindingWordsIndex:       1800,
		InitialPip:                 500000, // price 5000 at BasisPoint 100
	}
}

// NewMarket creates a market with validation.
func NewMarket(symbol, base, quote string, p Params) (*Market, error) {
	if symbol == "" {
		return nil, fmt.Errorf("market symbol must not be empty")
	}
	if p.BasisPoint <= 0 || p.BaseBasisPoint <= 0 {
		return nil, fmt.Errorf("basis point scale must be positive: basisPoint=%d baseBasisPoint=%d", p.BasisPoint, p.BaseBasisPoint)
	}
	if p.MaxLeverage <= 0 {
		return nil, fmt.Errorf("max leverage must be positive: %d", p.MaxLeverage)
	}
	if p.MaxFindingWordsIndex == 0 {
		return nil, fmt.Errorf("max finding words index must be positive")
	}
	return &Market{
		Symbol:                     symbol,
		BaseAsset:                  base,
		QuoteAsset:                 quote,
		BasisPoint:                 p.BasisPoint,
		BaseBasisPoint:             p.BaseBasisPoint,
		MaxLeverage:                p.MaxLeverage,
		MaintenanceMarginRatioBps:  p.MaintenanceMarginRatioBps,
		PartialLiquidationRatioBps: p.PartialLiquidationRatioBps,
		LiquidationFeeRatioBps:     p.LiquidationFeeRatioBps,
		LiquidationPenaltyRatioBps: p.LiquidationPenaltyRatioBps,
		TollRatioBps:               p.TollRatioBps,
		FundingPeriod:              p.FundingPeriod,
		MaxFindingWordsIndex:       p.MaxFindingWordsIndex,
		InitialPip:                 p.InitialPip,
	}, nil
}

// NewMarketWithDefaults creates a market with DefaultParams.
func NewMarketWithDefaults(symbol, base, quote string) (*Market, error) {
	return NewMarket(symbol, base, quote, DefaultParams())
}

// PriceToPip converts a quote price to its pip. Conversion is monotonic: a
// lower price is strictly a lower pip.
func (m *Market) PriceToPip(price int64) (uint64, error) {
	if price <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPrice, price)
	}
	return uint64(price * m.BasisPoint), nil
}

// PipToPrice converts a pip back to a quote price.
func (m *Market) PipToPrice(pip uint64) int64 {
	return int64(pip) / m.BasisPoint
}

// PipNotionalToQuote converts a size*pip notional sum into quote units.
func (m *Market) PipNotionalToQuote(pipNotional uint64) int64 {
	return int64(pipNotional) / m.BasisPoint
}
