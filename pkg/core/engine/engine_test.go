package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openperp/perpcore/pkg/core/tickbook"
)

const maxWords = 64

func restingSell(t *testing.T, e *Engine, pip, size uint64) uint64 {
	t.Helper()
	id, res, err := e.OpenLimitOrder(pip, size, false)
	require.NoError(t, err)
	require.Equal(t, size, res.Remaining, "expected pure resting order at pip %d", pip)
	return id
}

func restingBuy(t *testing.T, e *Engine, pip, size uint64) uint64 {
	t.Helper()
	id, res, err := e.OpenLimitOrder(pip, size, true)
	require.NoError(t, err)
	require.Equal(t, size, res.Remaining, "expected pure resting order at pip %d", pip)
	return id
}

func TestMarketBuySweepsAscendingPips(t *testing.T) {
	e := New(5000, maxWords)
	restingSell(t, e, 5010, 10)
	restingSell(t, e, 5020, 20)
	restingSell(t, e, 5030, 30)

	res, err := e.OpenMarketOrder(60, true)
	require.NoError(t, err)

	assert.Equal(t, uint64(60), res.Filled)
	require.Len(t, res.Ticks, 3)
	assert.Equal(t, uint64(5010), res.Ticks[0].Pip)
	assert.Equal(t, uint64(5020), res.Ticks[1].Pip)
	assert.Equal(t, uint64(5030), res.Ticks[2].Pip)

	// Price lands on the last consumed pip and the book is empty
	assert.Equal(t, uint64(5030), e.CurrentPip())
	assert.False(t, e.HasLiquidity(5010))
	assert.False(t, e.HasLiquidity(5020))
	assert.False(t, e.HasLiquidity(5030))

	wantNotional := uint64(10*5010 + 20*5020 + 30*5030)
	assert.Equal(t, wantNotional, res.PipNotional)
}

func TestMarketSellSweepsDescendingPips(t *testing.T) {
	e := New(5000, maxWords)
	restingBuy(t, e, 4990, 10)
	restingBuy(t, e, 4980, 20)

	res, err := e.OpenMarketOrder(25, false)
	require.NoError(t, err)

	assert.Equal(t, uint64(25), res.Filled)
	require.Len(t, res.Ticks, 2)
	assert.Equal(t, uint64(4990), res.Ticks[0].Pip)
	assert.Equal(t, uint64(4980), res.Ticks[1].Pip)

	assert.Equal(t, uint64(4980), e.CurrentPip())
	assert.False(t, e.HasLiquidity(4990))
	// 5 of 20 remain at 4980
	assert.True(t, e.HasLiquidity(4980))
	assert.Equal(t, uint64(5), e.Liquidity(4980))
}

func TestPartialFillFIFOWithinPip(t *testing.T) {
	e := New(5000, maxWords)
	first := restingSell(t, e, 5010, 40)
	second := restingSell(t, e, 5010, 60)

	res, err := e.OpenMarketOrder(30, true)
	require.NoError(t, err)
	require.Len(t, res.Ticks, 1)
	require.Len(t, res.Ticks[0].Orders, 1)
	assert.Equal(t, tickbook.OrderFill{OrderID: first, Amount: 30, Filled: false}, res.Ticks[0].Orders[0])

	o1, err := e.GetPendingOrder(5010, first)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), o1.PartialFilled)

	o2, err := e.GetPendingOrder(5010, second)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), o2.PartialFilled)
}

func TestCrossingLimitOrderMatchesThenRests(t *testing.T) {
	e := New(5000, maxWords)
	restingSell(t, e, 5010, 40)

	// Buy limit above the ask: marketable for 40, remainder rests at 5020
	id, res, err := e.OpenLimitOrder(5020, 100, true)
	require.NoError(t, err)
	require.NotZero(t, id)

	assert.Equal(t, uint64(40), res.Filled)
	assert.Equal(t, uint64(60), res.Remaining)
	assert.Equal(t, uint64(5020), res.NewPip)
	assert.Equal(t, uint64(5020), e.CurrentPip())
	assert.Equal(t, uint64(60), e.Liquidity(5020))

	// A market sell can now reach the resting remainder
	sweep, err := e.OpenMarketOrder(60, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(60), sweep.Filled)
	assert.Equal(t, uint64(5020), sweep.Ticks[0].Pip)
}

func TestCrossingLimitOrderFullyMatched(t *testing.T) {
	e := New(5000, maxWords)
	restingSell(t, e, 5010, 100)

	id, res, err := e.OpenLimitOrder(5015, 100, true)
	require.NoError(t, err)
	assert.Zero(t, id)
	assert.Equal(t, uint64(100), res.Filled)
	assert.Equal(t, uint64(0), res.Remaining)
	// Price stays on the consumed pip, not the limit pip
	assert.Equal(t, uint64(5010), e.CurrentPip())
}

func TestLimitOrderRespectsLimitPip(t *testing.T) {
	e := New(5000, maxWords)
	restingSell(t, e, 5010, 10)
	restingSell(t, e, 5030, 10)

	// Limit at 5020 may consume 5010 but not 5030
	id, res, err := e.OpenLimitOrder(5020, 30, true)
	require.NoError(t, err)
	require.NotZero(t, id)
	assert.Equal(t, uint64(10), res.Filled)
	assert.Equal(t, uint64(20), res.Remaining)
	assert.Equal(t, uint64(10), e.Liquidity(5030))
	assert.Equal(t, uint64(20), e.Liquidity(5020))
}

func TestInsufficientLiquidityLeavesStateUnchanged(t *testing.T) {
	e := New(5000, maxWords)
	first := restingSell(t, e, 5010, 10)
	restingSell(t, e, 5020, 20)

	_, err := e.OpenMarketOrder(100, true)
	require.ErrorIs(t, err, ErrInsufficientLiquidity)

	// Nothing moved: price, bitmap, liquidity, and orders are untouched
	assert.Equal(t, uint64(5000), e.CurrentPip())
	assert.Equal(t, uint64(10), e.Liquidity(5010))
	assert.Equal(t, uint64(20), e.Liquidity(5020))
	o, err := e.GetPendingOrder(5010, first)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), o.PartialFilled)
	assert.False(t, o.IsFilled)
}

func TestMarketOrderBeyondWordBudget(t *testing.T) {
	// Liquidity parked far above the current pip, outside the scan budget
	e := New(5000, 1)
	restingSell(t, e, 5000+bitmapWordSpan*3, 10)

	_, err := e.OpenMarketOrder(10, true)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
}

const bitmapWordSpan = 256

func TestMarketBuyDoesNotConsumeRestingBuys(t *testing.T) {
	e := New(500, 10)

	// A crossing buy on an empty book rests in full at its limit and
	// moves the price there
	id, res, err := e.OpenLimitOrder(505, 10, true)
	require.NoError(t, err)
	require.NotZero(t, id)
	require.Equal(t, uint64(10), res.Remaining)
	require.Equal(t, uint64(505), e.CurrentPip())

	// The resting size is bid liquidity; a market buy must not match it
	_, err = e.OpenMarketOrder(5, true)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	assert.Equal(t, uint64(10), e.Liquidity(505))
	assert.Equal(t, uint64(505), e.CurrentPip())
}

func TestMarketSellDoesNotConsumeRestingSells(t *testing.T) {
	e := New(500, 10)

	id, res, err := e.OpenLimitOrder(495, 10, false)
	require.NoError(t, err)
	require.NotZero(t, id)
	require.Equal(t, uint64(10), res.Remaining)
	require.Equal(t, uint64(495), e.CurrentPip())

	_, err = e.OpenMarketOrder(5, false)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	assert.Equal(t, uint64(10), e.Liquidity(495))
}

func TestSweepSkipsOwnSideRemainderAtCurrentPip(t *testing.T) {
	e := New(5000, maxWords)
	restingSell(t, e, 5010, 40)
	restingSell(t, e, 5011, 10)

	// Crossing buy consumes the 5010 ask in full; its remainder rests
	// on the same pip, which now carries bid liquidity
	id, res, err := e.OpenLimitOrder(5010, 60, true)
	require.NoError(t, err)
	require.NotZero(t, id)
	assert.Equal(t, uint64(40), res.Filled)
	assert.Equal(t, uint64(20), res.Remaining)
	require.Equal(t, uint64(5010), e.CurrentPip())

	// A market buy walks past its own side's remainder to the next ask
	sweep, err := e.OpenMarketOrder(5, true)
	require.NoError(t, err)
	require.Len(t, sweep.Ticks, 1)
	assert.Equal(t, uint64(5011), sweep.Ticks[0].Pip)
	assert.Equal(t, uint64(20), e.Liquidity(5010))

	// A market sell matches the remainder
	sweep, err = e.OpenMarketOrder(20, false)
	require.NoError(t, err)
	require.Len(t, sweep.Ticks, 1)
	assert.Equal(t, uint64(5010), sweep.Ticks[0].Pip)
	assert.False(t, e.HasLiquidity(5010))
}

func TestCrossingLimitOrderBeyondWordBudget(t *testing.T) {
	e := New(5000, 1)
	far := uint64(5000 + bitmapWordSpan*3)
	restingSell(t, e, far, 10)

	// The ask sits outside the scan budget; resting the buy on top of
	// it would mix sides on one pip, so the order is refused outright
	_, _, err := e.OpenLimitOrder(far, 5, true)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)
	assert.Equal(t, uint64(10), e.Liquidity(far))
	assert.Equal(t, uint64(5000), e.CurrentPip())
}

func TestDepthClassifiesRemainderBySide(t *testing.T) {
	e := New(5000, maxWords)
	restingBuy(t, e, 4990, 30)

	// Crossing sell takes the bid and rests its remainder below the old
	// price; it shows up as an ask even though it sits on the current pip
	_, res, err := e.OpenLimitOrder(4990, 50, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), res.Filled)
	assert.Equal(t, uint64(20), res.Remaining)
	require.Equal(t, uint64(4990), e.CurrentPip())

	bids, asks := e.Depth(10)
	assert.Empty(t, bids)
	require.Len(t, asks, 1)
	assert.Equal(t, DepthLevel{Pip: 4990, Size: 20}, asks[0])
}

func TestCancelLimitOrder(t *testing.T) {
	e := New(5000, maxWords)
	id := restingSell(t, e, 5010, 50)

	remainder, err := e.CancelLimitOrder(5010, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), remainder)
	assert.False(t, e.HasLiquidity(5010))

	_, err = e.CancelLimitOrder(5010, id)
	assert.ErrorIs(t, err, tickbook.ErrOrderNotFound)
}

func TestCancelAfterPartialFillRemovesRemainderOnly(t *testing.T) {
	e := New(5000, maxWords)
	id := restingSell(t, e, 5010, 100)

	_, err := e.OpenMarketOrder(60, true)
	require.NoError(t, err)

	remainder, err := e.CancelLimitOrder(5010, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), remainder)
	assert.False(t, e.HasLiquidity(5010))
}

func TestCancelFullyFilledOrderFails(t *testing.T) {
	e := New(5000, maxWords)
	id := restingSell(t, e, 5010, 10)

	_, err := e.OpenMarketOrder(10, true)
	require.NoError(t, err)

	_, err = e.CancelLimitOrder(5010, id)
	assert.ErrorIs(t, err, tickbook.ErrCannotCancelFilledOrder)
}

func TestInvalidInputs(t *testing.T) {
	e := New(5000, maxWords)

	_, err := e.OpenMarketOrder(0, true)
	assert.ErrorIs(t, err, ErrInvalidSize)

	_, _, err = e.OpenLimitOrder(0, 10, true)
	assert.ErrorIs(t, err, ErrInvalidPip)

	_, _, err = e.OpenLimitOrder(5010, 0, true)
	assert.ErrorIs(t, err, ErrInvalidSize)
}

func TestDepth(t *testing.T) {
	e := New(5000, maxWords)
	restingBuy(t, e, 4990, 10)
	restingBuy(t, e, 4980, 20)
	restingSell(t, e, 5010, 30)
	restingSell(t, e, 5025, 40)

	bids, asks := e.Depth(10)
	require.Len(t, bids, 2)
	require.Len(t, asks, 2)
	assert.Equal(t, DepthLevel{Pip: 4990, Size: 10}, bids[0])
	assert.Equal(t, DepthLevel{Pip: 4980, Size: 20}, bids[1])
	assert.Equal(t, DepthLevel{Pip: 5010, Size: 30}, asks[0])
	assert.Equal(t, DepthLevel{Pip: 5025, Size: 40}, asks[1])
}
