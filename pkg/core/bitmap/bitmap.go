package bitmap

import (
	"math/bits"

	"github.com/holiman/uint256"
)

// WordSize is the number of pips covered by one bitmap word.
// Word boundaries sit at multiples of 256, so pip/256 addresses the word
// and pip%256 the bit inside it.
const WordSize = 256

// LiquidityBitmap tracks which pips currently carry resting liquidity.
// A set bit means the tick book holds nonzero aggregate liquidity at that
// pip; the matching engine keeps the two in sync.
//
// Not safe for concurrent use; callers serialize access.
type LiquidityBitmap struct {
	words map[uint64]*uint256.Int
}

func New() *LiquidityBitmap {
	return &LiquidityBitmap{words: make(map[uint64]*uint256.Int)}
}

func wordBit(pip uint64) (uint64, uint) {
	return pip / WordSize, uint(pip % WordSize)
}

// mask returns a word mask with bits [lo..hi] set, 0 <= lo <= hi <= 255.
func mask(lo, hi uint) *uint256.Int {
	one := uint256.NewInt(1)
	var upper uint256.Int
	if hi == WordSize-1 {
		upper.Not(uint256.NewInt(0))
	} else {
		upper.Lsh(one, hi+1)
		upper.Sub(&upper, one)
	}
	var lower uint256.Int
	lower.Lsh(one, lo)
	lower.Sub(&lower, one)
	lower.Not(&lower)
	return upper.And(&upper, &lower)
}

// SetBit marks pip as having resting liquidity.
func (b *LiquidityBitmap) SetBit(pip uint64) {
	wi, bit := wordBit(pip)
	w, ok := b.words[wi]
	if !ok {
		w = uint256.NewInt(0)
		b.words[wi] = w
	}
	w.Or(w, mask(bit, bit))
}

// ClearBit marks pip as empty. Clearing an unset bit is a no-op.
func (b *LiquidityBitmap) ClearBit(pip uint64) {
	wi, bit := wordBit(pip)
	w, ok := b.words[wi]
	if !ok {
		return
	}
	m := mask(bit, bit)
	w.And(w, m.Not(m))
	if w.IsZero() {
		delete(b.words, wi)
	}
}

// HasLiquidity reports whether pip's bit is set.
func (b *LiquidityBitmap) HasLiquidity(pip uint64) bool {
	wi, bit := wordBit(pip)
	w, ok := b.words[wi]
	if !ok {
		return false
	}
	m := mask(bit, bit)
	return !m.And(w, m).IsZero()
}

// SetRange sets every bit in [from, to] inclusive. Boundary words are
// masked, full words in between are written whole; the result is identical
// to calling SetBit on each pip.
func (b *LiquidityBitmap) SetRange(from, to uint64) {
	if to < from {
		return
	}
	b.eachWordMask(from, to, func(wi uint64, m *uint256.Int) {
		w, ok := b.words[wi]
		if !ok {
			w = uint256.NewInt(0)
			b.words[wi] = w
		}
		w.Or(w, m)
	})
}

// ClearRange clears every bit in [from, to] inclusive.
func (b *LiquidityBitmap) ClearRange(from, to uint64) {
	if to < from {
		return
	}
	b.eachWordMask(from, to, func(wi uint64, m *uint256.Int) {
		w, ok := b.words[wi]
		if !ok {
			return
		}
		w.And(w, m.Not(m))
		if w.IsZero() {
			delete(b.words, wi)
		}
	})
}

func (b *LiquidityBitmap) eachWordMask(from, to uint64, apply func(wi uint64, m *uint256.Int)) {
	startWord, startBit := wordBit(from)
	endWord, endBit := wordBit(to)
	for wi := startWord; wi <= endWord; wi++ {
		lo := uint(0)
		hi := uint(WordSize - 1)
		if wi == startWord {
			lo = startBit
		}
		if wi == endWord {
			hi = endBit
		}
		apply(wi, mask(lo, hi))
	}
}

// FindNextInitialized searches for the nearest set bit at or below pip when
// lte is true, at or above pip otherwise. The scan crosses word boundaries
// and inspects at most maxWords words including the starting word; a bounded
// scan keeps a sweep over a sparse book from walking the whole pip space.
// Returns false when no set bit exists within the scanned window.
func (b *LiquidityBitmap) FindNextInitialized(pip uint64, lte bool, maxWords uint64) (uint64, bool) {
	if maxWords == 0 {
		return 0, false
	}
	wi, bit := wordBit(pip)

	for scanned := uint64(0); scanned < maxWords; scanned++ {
		var m *uint256.Int
		if scanned == 0 {
			if lte {
				m = mask(0, bit)
			} else {
				m = mask(bit, WordSize-1)
			}
		} else {
			m = mask(0, WordSize-1)
		}

		if w, ok := b.words[wi]; ok {
			var v uint256.Int
			v.And(w, m)
			if !v.IsZero() {
				if lte {
					return wi*WordSize + uint64(v.BitLen()-1), true
				}
				return wi*WordSize + lsb256(&v), true
			}
		}

		if lte {
			if wi == 0 {
				break
			}
			wi--
		} else {
			wi++
		}
	}
	return 0, false
}

// lsb256 returns the index of the lowest set bit. v must be nonzero.
func lsb256(v *uint256.Int) uint64 {
	for i := 0; i < 4; i++ {
		if v[i] != 0 {
			return uint64(i*64 + bits.TrailingZeros64(v[i]))
		}
	}
	return 0
}
