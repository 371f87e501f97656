package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/openperp/perpcore/pkg/core/position"
)

// Store provides Pebble-based persistence for positions and limit-order
// attribution, so a restarted house can rebuild its trader-facing view.
// Thread safety comes from the house's per-market serialization.
type Store struct {
	db *pebble.DB
}

// OrderRecord is the persisted trader attribution of one resting order.
type OrderRecord struct {
	Trader   common.Address `json:"trader"`
	Pip      uint64         `json:"pip"`
	OrderID  uint64         `json:"orderId"`
	IsBuy    bool           `json:"isBuy"`
	Leverage int64          `json:"leverage"`
	Size     uint64         `json:"size"`
}

// Open opens a Pebble database at the given path.
func Open(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(64 << 20),
		MemTableSize: 32 << 20,
		MaxOpenFiles: 1000,
	}
	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// keys: pos:<symbol>:<20-byte-addr>, ord:<symbol>:<8-byte-pip><8-byte-id>
func positionKey(symbol string, trader common.Address) []byte {
	k := append([]byte("pos:"+symbol+":"), trader.Bytes()...)
	return k
}

func orderKey(symbol string, pip, orderID uint64) []byte {
	k := []byte("ord:" + symbol + ":")
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], pip)
	binary.BigEndian.PutUint64(buf[8:], orderID)
	return append(k, buf[:]...)
}

func prefixBounds(prefix string) ([]byte, []byte) {
	lower := []byte(prefix)
	upper := make([]byte, len(lower))
	copy(upper, lower)
	upper[len(upper)-1]++
	return lower, upper
}

// SavePosition persists a trader's position.
func (s *Store) SavePosition(symbol string, trader common.Address, p *position.Position) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal position: %w", err)
	}
	if err := s.db.Set(positionKey(symbol, trader), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

// DeletePosition removes a closed position.
func (s *Store) DeletePosition(symbol string, trader common.Address) error {
	return s.db.Delete(positionKey(symbol, trader), pebble.Sync)
}

// LoadPositions returns all persisted positions for a symbol.
func (s *Store) LoadPositions(symbol string) (map[common.Address]*position.Position, error) {
	lower, upper := prefixBounds("pos:" + symbol + ":")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("failed to open position iterator: %w", err)
	}
	defer iter.Close()

	out := make(map[common.Address]*position.Position)
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		addr := common.BytesToAddress(key[len(lower):])

		var p position.Position
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal position %s: %w", addr.Hex(), err)
		}
		out[addr] = &p
	}
	return out, iter.Error()
}

// SaveOrder persists the attribution of a resting order.
func (s *Store) SaveOrder(symbol string, rec OrderRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	if err := s.db.Set(orderKey(symbol, rec.Pip, rec.OrderID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

// DeleteOrder removes a filled or cancelled order's attribution.
func (s *Store) DeleteOrder(symbol string, pip, orderID uint64) error {
	return s.db.Delete(orderKey(symbol, pip, orderID), pebble.Sync)
}

// LoadOrders returns all persisted order attributions for a symbol.
func (s *Store) LoadOrders(symbol string) ([]OrderRecord, error) {
	lower, upper := prefixBounds("ord:" + symbol + ":")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("failed to open order iterator: %w", err)
	}
	defer iter.Close()

	var out []OrderRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var rec OrderRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal order: %w", err)
		}
		out = append(out, rec)
	}
	return out, iter.Error()
}
