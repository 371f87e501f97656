package house

import (
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openperp/perpcore/pkg/core/engine"
	"github.com/openperp/perpcore/pkg/core/market"
	"github.com/openperp/perpcore/pkg/core/tickbook"
	"github.com/openperp/perpcore/pkg/oracle"
	"github.com/openperp/perpcore/pkg/settlement"
)

var (
	alice      = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob        = common.HexToAddress("0x2222222222222222222222222222222222222222")
	charlie    = common.HexToAddress("0x3333333333333333333333333333333333333333")
	liquidator = common.HexToAddress("0x9999999999999999999999999999999999999999")
)

type fixture struct {
	house  *House
	ledger *settlement.Recorder
	feed   *oracle.StaticFeed
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mkt, err := market.NewMarketWithDefaults("BTC-USD", "BTC", "USD")
	require.NoError(t, err)

	ledger := settlement.NewRecorder(nil)
	feed := oracle.NewStaticFeed()
	h, err := New(mkt, Options{Ledger: ledger, Feed: feed})
	require.NoError(t, err)
	return &fixture{house: h, ledger: ledger, feed: feed}
}

// pip converts a test price to its pip under default params (BasisPoint 100).
func pip(price int64) uint64 { return uint64(price * 100) }

func TestOpenMarketPositionAgainstRestingSell(t *testing.T) {
	f := newFixture(t)

	// Bob rests a sell above the market, Alice lifts it
	orderID, res, err := f.house.OpenLimitOrder(bob, Short, 10, pip(5010), 10)
	require.NoError(t, err)
	require.NotZero(t, orderID)
	require.Equal(t, uint64(10), res.Remaining)

	sweep, err := f.house.OpenMarketPosition(alice, Long, 10, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), sweep.Filled)
	assert.Equal(t, pip(5010), f.house.CurrentPip())

	ap, err := f.house.GetPosition(alice)
	require.NoError(t, err)
	assert.Equal(t, int64(10), ap.Quantity)
	assert.Equal(t, int64(10*5010), ap.OpenNotional)
	assert.Equal(t, int64(10*5010/10), ap.Margin)

	// Bob's maker leg applied in the same operation
	bp, err := f.house.GetPosition(bob)
	require.NoError(t, err)
	assert.Equal(t, int64(-10), bp.Quantity)
	assert.Equal(t, int64(10*5010), bp.OpenNotional)
}

func TestOpenMarketPositionInsufficientLiquidity(t *testing.T) {
	f := newFixture(t)

	_, err := f.house.OpenMarketPosition(alice, Long, 10, 10)
	require.ErrorIs(t, err, engine.ErrInsufficientLiquidity)

	_, err = f.house.GetPosition(alice)
	assert.ErrorIs(t, err, ErrNoPosition)
	assert.Equal(t, pip(5000), f.house.CurrentPip())
	assert.Empty(t, f.ledger.Events())
}

func TestLeverageValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.house.OpenMarketPosition(alice, Long, 10, 0)
	assert.ErrorIs(t, err, ErrExceedsMaxLeverage)

	_, err = f.house.OpenMarketPosition(alice, Long, 10, f.house.Market().MaxLeverage+1)
	assert.ErrorIs(t, err, ErrExceedsMaxLeverage)

	_, _, err = f.house.OpenLimitOrder(alice, Long, 10, pip(4990), 200)
	assert.ErrorIs(t, err, ErrExceedsMaxLeverage)
}

func TestCancelLimitOrderAfterPartialFillKeepsFilledPosition(t *testing.T) {
	f := newFixture(t)

	// Bob rests a buy of 100 below the market
	orderID, res, err := f.house.OpenLimitOrder(bob, Long, 100, pip(4990), 10)
	require.NoError(t, err)
	require.Equal(t, uint64(100), res.Remaining)

	// A market short of 60 fills 60 of it
	_, err = f.house.OpenMarketPosition(alice, Short, 60, 10)
	require.NoError(t, err)

	// Bob cancels; the filled 60 stay on his position
	require.NoError(t, f.house.CancelLimitOrder(bob, pip(4990), orderID))

	bp, err := f.house.GetPosition(bob)
	require.NoError(t, err)
	assert.Equal(t, int64(60), bp.Quantity)
	assert.Equal(t, int64(60*4990), bp.OpenNotional)

	bids, _ := f.house.Depth(10)
	assert.Empty(t, bids, "book should be empty after cancel")
}

func TestCancelForeignOrderFails(t *testing.T) {
	f := newFixture(t)

	orderID, _, err := f.house.OpenLimitOrder(bob, Long, 100, pip(4990), 10)
	require.NoError(t, err)

	err = f.house.CancelLimitOrder(alice, pip(4990), orderID)
	assert.ErrorIs(t, err, tickbook.ErrOrderNotFound)
}

func TestCloseShortAndOpenReverseLong(t *testing.T) {
	f := newFixture(t)

	// Bob goes short 100 @ 5000 against Alice's resting buy
	_, _, err := f.house.OpenLimitOrder(alice, Long, 100, pip(5000), 10)
	require.NoError(t, err)
	_, err = f.house.OpenMarketPosition(bob, Short, 100, 10)
	require.NoError(t, err)

	bp, err := f.house.GetPosition(bob)
	require.NoError(t, err)
	require.Equal(t, int64(-100), bp.Quantity)
	require.Equal(t, int64(100*5000), bp.OpenNotional)

	// Charlie offers 200 at 5010; Bob buys 200: close 100 and reverse
	_, _, err = f.house.OpenLimitOrder(charlie, Short, 200, pip(5010), 10)
	require.NoError(t, err)
	_, err = f.house.OpenMarketPosition(bob, Long, 200, 10)
	require.NoError(t, err)

	bp, err = f.house.GetPosition(bob)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bp.Quantity)
	assert.Equal(t, int64(100*5010), bp.OpenNotional)
	assert.Equal(t, int64(5010), bp.AvgEntryPrice())

	// The close leg realized 100 * (5000 - 5010) against the short
	var pnlEvents []settlement.Event
	for _, ev := range f.ledger.Events() {
		if ev.Trader == bob && ev.Reason == settlement.ReasonRealizedPnl {
			pnlEvents = append(pnlEvents, ev)
		}
	}
	require.Len(t, pnlEvents, 1)
	assert.False(t, pnlEvents[0].IsCredit)
	assert.Equal(t, int64(1000), pnlEvents[0].Amount)
}

func TestClosePosition(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.house.OpenLimitOrder(bob, Short, 100, pip(5010), 10)
	require.NoError(t, err)
	_, err = f.house.OpenMarketPosition(alice, Long, 100, 10)
	require.NoError(t, err)

	// Charlie bids below so Alice has an exit
	_, _, err = f.house.OpenLimitOrder(charlie, Long, 100, pip(5005), 10)
	require.NoError(t, err)

	_, err = f.house.ClosePosition(alice, 50)
	require.NoError(t, err)

	ap, err := f.house.GetPosition(alice)
	require.NoError(t, err)
	assert.Equal(t, int64(50), ap.Quantity)

	_, err = f.house.ClosePosition(alice, 100)
	require.NoError(t, err)
	_, err = f.house.GetPosition(alice)
	assert.ErrorIs(t, err, ErrNoPosition)

	_, err = f.house.ClosePosition(alice, 100)
	assert.ErrorIs(t, err, ErrNoPosition)

	_, err = f.house.ClosePosition(bob, 0)
	assert.Error(t, err)
}

func TestConcurrentClosesBothFlatten(t *testing.T) {
	f := newFixture(t)

	// Alice long 100, Bob short 100
	_, _, err := f.house.OpenLimitOrder(bob, Short, 100, pip(5010), 10)
	require.NoError(t, err)
	_, err = f.house.OpenMarketPosition(alice, Long, 100, 10)
	require.NoError(t, err)

	// Charlie quotes both sides so either close can fill first
	_, _, err = f.house.OpenLimitOrder(charlie, Long, 100, pip(5005), 10)
	require.NoError(t, err)
	_, _, err = f.house.OpenLimitOrder(charlie, Short, 100, pip(5015), 10)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := f.house.ClosePosition(alice, 100)
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := f.house.ClosePosition(bob, 100)
		assert.NoError(t, err)
	}()
	wg.Wait()

	// Each close sized itself from the position it actually held when
	// it ran, so both traders end flat however the two interleave
	_, err = f.house.GetPosition(alice)
	assert.ErrorIs(t, err, ErrNoPosition)
	_, err = f.house.GetPosition(bob)
	assert.ErrorIs(t, err, ErrNoPosition)
}

func TestClaimFundAfterRestingCloseOrderFills(t *testing.T) {
	f := newFixture(t)

	// Bob ends up short 100 @ 5010
	_, _, err := f.house.OpenLimitOrder(bob, Short, 100, pip(5010), 10)
	require.NoError(t, err)
	_, err = f.house.OpenMarketPosition(alice, Long, 100, 10)
	require.NoError(t, err)

	// Bob rests a closing buy at 4990
	orderID, _, err := f.house.OpenLimitOrder(bob, Long, 100, pip(4990), 10)
	require.NoError(t, err)

	amount, ok := f.house.CanClaimFund(bob)
	assert.False(t, ok)
	assert.Zero(t, amount)

	// Alice market-sells into Bob's closing order
	_, err = f.house.OpenMarketPosition(alice, Short, 100, 10)
	require.NoError(t, err)

	pending, err := f.house.GetPendingOrder(pip(4990), orderID)
	require.NoError(t, err)
	assert.True(t, pending.IsFilled)
	assert.True(t, pending.IsBuy)

	_, err = f.house.GetPosition(bob)
	assert.ErrorIs(t, err, ErrNoPosition, "closing order flattened the position")

	// Claimable = freed margin 100*5010/10 + realized pnl 100*(5010-4990)
	amount, ok = f.house.CanClaimFund(bob)
	require.True(t, ok)
	assert.Equal(t, int64(50100+2000), amount)

	claimed, err := f.house.ClaimFund(bob)
	require.NoError(t, err)
	assert.Equal(t, int64(52100), claimed)

	_, ok = f.house.CanClaimFund(bob)
	assert.False(t, ok)
	_, err = f.house.ClaimFund(bob)
	assert.ErrorIs(t, err, ErrNothingToClaim)

	// Claiming releases the filled order that was retained for the view
	_, err = f.house.GetPendingOrder(pip(4990), orderID)
	assert.ErrorIs(t, err, tickbook.ErrOrderNotFound)
}

func TestFilledOpeningOrderDoesNotLinger(t *testing.T) {
	f := newFixture(t)

	orderID, _, err := f.house.OpenLimitOrder(bob, Short, 10, pip(5010), 10)
	require.NoError(t, err)

	_, err = f.house.OpenMarketPosition(alice, Long, 10, 10)
	require.NoError(t, err)

	// The fill opened Bob's position, so nothing accrued to claim and
	// neither the book entry nor its attribution is kept around
	_, err = f.house.GetPendingOrder(pip(5010), orderID)
	assert.ErrorIs(t, err, tickbook.ErrOrderNotFound)
	_, ok := f.house.CanClaimFund(bob)
	assert.False(t, ok)
}

func TestMakerAndTakerNotionalTruncateIdentically(t *testing.T) {
	f := newFixture(t)

	// 500250 pips = 5002.5 quote: the fill notional does not divide
	// evenly, so both legs must truncate the same total
	orderID, _, err := f.house.OpenLimitOrder(bob, Short, 3, 500250, 10)
	require.NoError(t, err)
	require.NotZero(t, orderID)

	_, err = f.house.OpenMarketPosition(alice, Long, 3, 10)
	require.NoError(t, err)

	// 3 * 500250 / 100 = 15007 for both sides of the trade
	ap, err := f.house.GetPosition(alice)
	require.NoError(t, err)
	assert.Equal(t, int64(15007), ap.OpenNotional)

	bp, err := f.house.GetPosition(bob)
	require.NoError(t, err)
	assert.Equal(t, int64(15007), bp.OpenNotional)
}

func TestSelfFillNetsToFlat(t *testing.T) {
	f := newFixture(t)

	// Alice rests a buy below the market, then sells into her own order.
	// Both legs apply, netting quantity to zero with no PnL.
	_, _, err := f.house.OpenLimitOrder(alice, Long, 50, pip(4990), 10)
	require.NoError(t, err)
	_, err = f.house.OpenMarketPosition(alice, Short, 50, 10)
	require.NoError(t, err)

	_, err = f.house.GetPosition(alice)
	assert.ErrorIs(t, err, ErrNoPosition)

	for _, ev := range f.ledger.Events() {
		assert.NotEqual(t, settlement.ReasonRealizedPnl, ev.Reason, "self fill must not realize pnl")
	}
}

func TestGetPositionNotionalAndUnrealizedPnl(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.house.OpenLimitOrder(bob, Short, 2, pip(5000), 10)
	require.NoError(t, err)
	_, err = f.house.OpenMarketPosition(alice, Long, 2, 10)
	require.NoError(t, err)

	f.feed.SetPrice("BTC-USD", 5010)

	notional, pnl, err := f.house.GetPositionNotionalAndUnrealizedPnl(alice)
	require.NoError(t, err)
	assert.Equal(t, int64(2*5010), notional)
	assert.Equal(t, int64(20), pnl)

	// Short mirror
	notional, pnl, err = f.house.GetPositionNotionalAndUnrealizedPnl(bob)
	require.NoError(t, err)
	assert.Equal(t, int64(2*5010), notional)
	assert.Equal(t, int64(-20), pnl)

	_, _, err = f.house.GetPositionNotionalAndUnrealizedPnl(charlie)
	assert.ErrorIs(t, err, ErrNoPosition)
}

func TestMarkPriceFallsBackToPipPrice(t *testing.T) {
	f := newFixture(t)
	// No oracle value published yet
	assert.Equal(t, int64(5000), f.house.MarkPrice())

	f.feed.SetPrice("BTC-USD", 5123)
	assert.Equal(t, int64(5123), f.house.MarkPrice())
}

func TestAddRemoveMargin(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.house.AddMargin(alice, 100), ErrNoPosition)

	_, _, err := f.house.OpenLimitOrder(bob, Short, 10, pip(5000), 10)
	require.NoError(t, err)
	_, err = f.house.OpenMarketPosition(alice, Long, 10, 10)
	require.NoError(t, err)

	require.NoError(t, f.house.AddMargin(alice, 1000))
	ap, _ := f.house.GetPosition(alice)
	assert.Equal(t, int64(10*5000/10+1000), ap.Margin)

	require.NoError(t, f.house.RemoveMargin(alice, 1000))
	ap, _ = f.house.GetPosition(alice)
	assert.Equal(t, int64(5000), ap.Margin)

	// Removing everything would leave the position liquidatable
	assert.Error(t, f.house.RemoveMargin(alice, 4999))
	assert.Error(t, f.house.RemoveMargin(alice, 6000), "more than margin")
	assert.Error(t, f.house.RemoveMargin(alice, 0))
}
