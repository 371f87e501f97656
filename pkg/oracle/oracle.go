package oracle

import (
	"errors"
	"sync"
)

// ErrNoPrice is returned when the feed has no value for a symbol.
var ErrNoPrice = errors.New("no index price for symbol")

// PriceFeed supplies the external reference index price. The position house
// consumes it for mark-to-market and liquidation checks; how the price gets
// here (aggregator, external oracle network) is outside the core.
type PriceFeed interface {
	IndexPrice(symbol string) (int64, error)
}

// StaticFeed is an in-memory PriceFeed fed by an external updater.
type StaticFeed struct {
	mu     sync.RWMutex
	prices map[string]int64
}

func NewStaticFeed() *StaticFeed {
	return &StaticFeed{prices: make(map[string]int64)}
}

// SetPrice publishes the latest index price for a symbol.
func (f *StaticFeed) SetPrice(symbol string, price int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = price
}

// IndexPrice returns the latest published price.
func (f *StaticFeed) IndexPrice(symbol string) (int64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	p, ok := f.prices[symbol]
	if !ok {
		return 0, ErrNoPrice
	}
	return p, nil
}
