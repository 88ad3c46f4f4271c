package sync

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// MaxHash is the last key of the 256-bit key space.
var MaxHash = common.HexToHash("0xffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")

// keySpaceSize is 2^256, the number of keys in the key space.
var keySpaceSize = new(big.Int).Lsh(big.NewInt(1), 256)

// Interval is an inclusive range of trie keys.
type Interval struct {
	Start common.Hash
	End   common.Hash
}

// FullInterval spans the whole key space.
func FullInterval() Interval { return Interval{Start: common.Hash{}, End: MaxHash} }

// String abbreviates both bounds for log lines.
func (iv Interval) String() string {
	return fmt.Sprintf("[%x..%x]", iv.Start[:4], iv.End[:4])
}

// Hex renders both bounds in full.
func (iv Interval) Hex() string { return iv.Start.Hex() + "-" + iv.End.Hex() }

// Contains reports whether key lies within the interval.
func (iv Interval) Contains(key common.Hash) bool {
	return key.Cmp(iv.Start) >= 0 && key.Cmp(iv.End) <= 0
}

type span struct {
	start, end uint256.Int
}

func toSpan(iv Interval) span {
	var s span
	s.start.SetBytes32(iv.Start[:])
	s.end.SetBytes32(iv.End[:])
	return s
}

func (s span) interval() Interval {
	return Interval{Start: s.start.Bytes32(), End: s.end.Bytes32()}
}

// separated reports whether at least one key lies strictly between a and b,
// with a < b.
func separated(a, b *uint256.Int) bool {
	if a.Cmp(b) >= 0 {
		return false
	}
	var d uint256.Int
	d.Sub(b, a)
	return !d.IsUint64() || d.Uint64() > 1
}

// CoverageMap is a set of disjoint, merged key intervals. It is not safe for
// concurrent use; its owner serializes access.
type CoverageMap struct {
	spans []span
}

// NewCoverageMap returns a coverage map holding the given intervals.
func NewCoverageMap(ivs ...Interval) *CoverageMap {
	c := new(CoverageMap)
	for _, iv := range ivs {
		c.Add(iv)
	}
	return c
}

// Add merges iv into the map. Overlapping and adjacent intervals collapse.
func (c *CoverageMap) Add(iv Interval) {
	if iv.Start.Cmp(iv.End) > 0 {
		return
	}
	n := toSpan(iv)
	merged := make([]span, 0, len(c.spans)+1)
	inserted := false
	for _, s := range c.spans {
		switch {
		case separated(&s.end, &n.start):
			merged = append(merged, s)
		case separated(&n.end, &s.start):
			if !inserted {
				merged = append(merged, n)
				inserted = true
			}
			merged = append(merged, s)
		default:
			if s.start.Lt(&n.start) {
				n.start = s.start
			}
			if s.end.Gt(&n.end) {
				n.end = s.end
			}
		}
	}
	if !inserted {
		merged = append(merged, n)
	}
	c.spans = merged
}

// Contains reports whether key is covered.
func (c *CoverageMap) Contains(key common.Hash) bool {
	var k uint256.Int
	k.SetBytes32(key[:])
	i := sort.Search(len(c.spans), func(i int) bool { return !c.spans[i].end.Lt(&k) })
	return i < len(c.spans) && !k.Lt(&c.spans[i].start)
}

// Covers reports whether every key of iv is covered.
func (c *CoverageMap) Covers(iv Interval) bool {
	return len(c.Gaps(iv)) == 0
}

// Complete reports whether the whole key space is covered.
func (c *CoverageMap) Complete() bool {
	return len(c.spans) == 1 && c.spans[0].start.IsZero() && c.spans[0].end.Eq(maxU256())
}

// Size returns the number of covered keys.
func (c *CoverageMap) Size() *big.Int {
	total := new(big.Int)
	for _, s := range c.spans {
		var d uint256.Int
		d.Sub(&s.end, &s.start)
		total.Add(total, d.ToBig())
		total.Add(total, big.NewInt(1))
	}
	return total
}

// Ratio returns the covered fraction of the key space.
func (c *CoverageMap) Ratio() float64 {
	r, _ := new(big.Rat).SetFrac(c.Size(), keySpaceSize).Float64()
	return r
}

// Gaps returns the uncovered parts of within, in ascending order.
func (c *CoverageMap) Gaps(within Interval) []Interval {
	w := toSpan(within)
	if w.start.Gt(&w.end) {
		return nil
	}
	var (
		gaps   []Interval
		cursor = w.start
	)
	for _, s := range c.spans {
		if s.end.Lt(&cursor) {
			continue
		}
		if s.start.Gt(&w.end) {
			break
		}
		if s.start.Gt(&cursor) {
			var last uint256.Int
			last.SubUint64(&s.start, 1)
			gaps = append(gaps, span{start: cursor, end: last}.interval())
		}
		if s.end.Eq(maxU256()) || !s.end.Lt(&w.end) {
			return gaps
		}
		cursor.AddUint64(&s.end, 1)
	}
	return append(gaps, span{start: cursor, end: w.end}.interval())
}

// Intervals returns the covered intervals in ascending order.
func (c *CoverageMap) Intervals() []Interval {
	out := make([]Interval, len(c.spans))
	for i, s := range c.spans {
		out[i] = s.interval()
	}
	return out
}

// Len returns the number of disjoint intervals.
func (c *CoverageMap) Len() int { return len(c.spans) }

// Clone returns an independent copy.
func (c *CoverageMap) Clone() *CoverageMap {
	return &CoverageMap{spans: append([]span(nil), c.spans...)}
}

// Reset empties the map.
func (c *CoverageMap) Reset() { c.spans = nil }

func maxU256() *uint256.Int {
	return new(uint256.Int).SetAllOne()
}

// splitInterval divides iv into n contiguous intervals of near-equal width.
func splitInterval(iv Interval, n int) []Interval {
	s := toSpan(iv)
	if n <= 1 || s.start.Eq(&s.end) {
		return []Interval{iv}
	}
	var width uint256.Int
	width.Sub(&s.end, &s.start)
	step := new(uint256.Int).Div(&width, uint256.NewInt(uint64(n)))
	if step.IsZero() {
		return []Interval{iv}
	}
	out := make([]Interval, 0, n)
	cursor := s.start
	for i := 0; i < n-1; i++ {
		var end uint256.Int
		end.Add(&cursor, step)
		out = append(out, span{start: cursor, end: end}.interval())
		cursor.AddUint64(&end, 1)
	}
	return append(out, span{start: cursor, end: s.end}.interval())
}

// nextKey returns key+1 and false if key is the last key of the space.
func nextKey(key common.Hash) (common.Hash, bool) {
	var k uint256.Int
	k.SetBytes32(key[:])
	if k.Eq(maxU256()) {
		return common.Hash{}, false
	}
	k.AddUint64(&k, 1)
	return k.Bytes32(), true
}
