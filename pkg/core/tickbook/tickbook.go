package tickbook

import "errors"

var (
	// ErrOrderNotFound is returned when no order exists at the given
	// pip/index, or the order was cancelled.
	ErrOrderNotFound = errors.New("order not found")

	// ErrCannotCancelFilledOrder is returned when cancelling an order whose
	// full size has already been matched.
	ErrCannotCancelFilledOrder = errors.New("cannot cancel fully filled order")
)

// Order is a single resting limit order at one pip.
// Invariant: PartialFilled <= Size; IsFilled iff PartialFilled == Size.
type Order struct {
	Size          uint64
	PartialFilled uint64
	IsFilled      bool
}

// Remaining returns the unfilled size.
func (o Order) Remaining() uint64 {
	return o.Size - o.PartialFilled
}

// tick aggregates the orders resting at one pip. Order indexes are 1-based
// and monotonically increasing per pip; filledIndex is the highest index
// known to be fully consumed, so a FIFO drain resumes after it.
//
// A pip's live liquidity is single-sided: isBuy is the side of the orders
// currently resting there and is reset on the first insert into an empty
// pip.
type tick struct {
	liquidity    uint64
	isBuy        bool
	currentIndex uint64
	filledIndex  uint64
	orders       map[uint64]*Order
}

// Book holds per-pip order queues and their aggregate liquidity.
// Not safe for concurrent use; the matching engine serializes access.
type Book struct {
	ticks map[uint64]*tick
}

func New() *Book {
	return &Book{ticks: make(map[uint64]*tick)}
}

// Liquidity returns the aggregate unfilled size resting at pip.
func (b *Book) Liquidity(pip uint64) uint64 {
	t, ok := b.ticks[pip]
	if !ok {
		return 0
	}
	return t.liquidity
}

// IsBuy reports the side of the liquidity resting at pip. Only meaningful
// while the pip has live liquidity.
func (b *Book) IsBuy(pip uint64) bool {
	t, ok := b.ticks[pip]
	if !ok {
		return false
	}
	return t.isBuy
}

// InsertOrder appends an order of the given size and side at pip and
// returns its 1-based order index along with the pip's new aggregate
// liquidity. The caller keeps live liquidity at one pip single-sided; an
// insert into a drained pip may flip its side.
func (b *Book) InsertOrder(pip, size uint64, isBuy bool) (orderID, newLiquidity uint64) {
	t, ok := b.ticks[pip]
	if !ok {
		t = &tick{orders: make(map[uint64]*Order)}
		b.ticks[pip] = t
	}
	if t.liquidity == 0 {
		t.isBuy = isBuy
	}
	t.currentIndex++
	t.orders[t.currentIndex] = &Order{Size: size}
	t.liquidity += size
	return t.currentIndex, t.liquidity
}

// GetOrder returns a copy of the order at pip/orderID.
func (b *Book) GetOrder(pip, orderID uint64) (Order, error) {
	t, ok := b.ticks[pip]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	o, ok := t.orders[orderID]
	if !ok {
		return Order{}, ErrOrderNotFound
	}
	return *o, nil
}

// PartialFill records amount matched against a single order, marking it
// filled once the whole size is consumed. Aggregate liquidity drops by the
// same amount.
func (b *Book) PartialFill(pip, orderID, amount uint64) error {
	t, ok := b.ticks[pip]
	if !ok {
		return ErrOrderNotFound
	}
	o, ok := t.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if amount > o.Remaining() {
		amount = o.Remaining()
	}
	o.PartialFilled += amount
	if o.PartialFilled == o.Size {
		o.IsFilled = true
		if orderID == t.filledIndex+1 {
			t.filledIndex = orderID
		}
	}
	t.liquidity -= amount
	return nil
}

// OrderFill reports how much of one order a drain consumed.
type OrderFill struct {
	OrderID uint64
	Amount  uint64
	Filled  bool
}

// ConsumeLiquidity drains up to amount from pip in FIFO insertion order,
// filling earlier orders completely before touching later ones. Returns the
// total consumed, the per-order attribution, and the pip's remaining
// aggregate liquidity (the caller clears the bitmap bit when it hits zero).
func (b *Book) ConsumeLiquidity(pip, amount uint64) (consumed uint64, fills []OrderFill, remaining uint64) {
	t, ok := b.ticks[pip]
	if !ok {
		return 0, nil, 0
	}
	for idx := t.filledIndex + 1; idx <= t.currentIndex && amount > 0; idx++ {
		o, ok := t.orders[idx]
		if !ok || o.IsFilled {
			// cancelled or already consumed
			if idx == t.filledIndex+1 {
				t.filledIndex = idx
			}
			continue
		}
		take := o.Remaining()
		if take > amount {
			take = amount
		}
		o.PartialFilled += take
		if o.PartialFilled == o.Size {
			o.IsFilled = true
			if idx == t.filledIndex+1 {
				t.filledIndex = idx
			}
		}
		amount -= take
		consumed += take
		t.liquidity -= take
		fills = append(fills, OrderFill{OrderID: idx, Amount: take, Filled: o.IsFilled})
	}
	return consumed, fills, t.liquidity
}

// RestoreOrder places an order at a fixed index when rebuilding a book from
// persisted state. Index holes left by filled or cancelled orders are fine;
// drains skip them.
func (b *Book) RestoreOrder(pip, orderID, size uint64, isBuy bool) {
	t, ok := b.ticks[pip]
	if !ok {
		t = &tick{orders: make(map[uint64]*Order)}
		b.ticks[pip] = t
	}
	t.isBuy = isBuy
	t.orders[orderID] = &Order{Size: size}
	t.liquidity += size
	if orderID > t.currentIndex {
		t.currentIndex = orderID
	}
}

// RemoveFilled drops a fully filled order from the pip's queue. Drains
// already skip the hole it leaves. The tick itself is released once no
// orders remain, so a long-lived pip does not accumulate filled entries.
func (b *Book) RemoveFilled(pip, orderID uint64) {
	t, ok := b.ticks[pip]
	if !ok {
		return
	}
	o, ok := t.orders[orderID]
	if !ok || !o.IsFilled {
		return
	}
	delete(t.orders, orderID)
	if len(t.orders) == 0 && t.liquidity == 0 {
		delete(b.ticks, pip)
	}
}

// Cancel removes the order's unfilled remainder from the pip's aggregate
// liquidity and drops the order. The filled portion stays filled; a fully
// filled order cannot be cancelled.
func (b *Book) Cancel(pip, orderID uint64) (remainder, newLiquidity uint64, err error) {
	t, ok := b.ticks[pip]
	if !ok {
		return 0, 0, ErrOrderNotFound
	}
	o, ok := t.orders[orderID]
	if !ok {
		return 0, 0, ErrOrderNotFound
	}
	if o.IsFilled {
		return 0, t.liquidity, ErrCannotCancelFilledOrder
	}
	remainder = o.Remaining()
	t.liquidity -= remainder
	delete(t.orders, orderID)
	return remainder, t.liquidity, nil
}
