package rsqf

import (
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/pwnguard/pwnguard/internal/hibp"
)

// ErrCapacityExceeded is returned by Insert once the filter holds as
// many entries as it was created for, or when placing a new entry would
// push its cluster past the end of the physical slot array.
var ErrCapacityExceeded = errors.New("rsqf: capacity exceeded")

// targetLoadFactor bounds how full the slot array is allowed to get
// before clustering makes run lookups expensive. The real Rank-Select
// Quotient Filter literature quotes the same ~0.95 ceiling.
const targetLoadFactor = 0.95

// minSlack is the floor on extra physical slots reserved past the
// logical quotient space, for filters too small for the sqrt formula
// below to matter.
const minSlack = 64

// slackSlots returns the number of physical slots to reserve beyond
// numSlots so a cluster can overflow its nominal quotient-space
// boundary without running off the end of the slot arrays. Canonical
// RSQF implementations reserve O(sqrt(numSlots)) extra slots for
// exactly this reason, even below the target load factor.
func slackSlots(numSlots uint64) uint64 {
	s := uint64(10 * math.Sqrt(float64(numSlots)))
	if s < minSlack {
		return minSlack
	}
	return s
}

// Filter is a rank-select quotient filter over hibp.Hash values.
//
// Each slot holds an r-bit remainder plus three metadata bits:
// occupied (this slot's own quotient has at least one element
// somewhere in the table), continuation (the element at this slot is
// not the first element of its run) and shifted (the element at this
// slot is not stored in its own canonical slot). Insert and Contains
// locate a quotient's run by scanning back to the start of its
// cluster and then counting occupied runs forward — classic quotient-
// filter rank/select, without the word-level popcount acceleration a
// production RSQF uses.
type Filter struct {
	mu sync.RWMutex

	capacity uint64
	fpr      float64

	qBits uint64 // quotient bits, also log2(numSlots)
	rBits uint64 // remainder bits
	pBits uint64 // qBits + rBits, width of the fingerprint taken from each hash

	// numSlots is the logical quotient space, [0, numSlots), and is
	// what qBits/fingerprint math is derived from. physicalSlots is
	// the true length of remainder/continue_/shifted: numSlots plus
	// slack for clusters that spill past the nominal boundary.
	// occupied only ever needs numSlots bits, since a quotient is
	// always in [0, numSlots).
	numSlots      uint64
	physicalSlots uint64
	remainder     []uint32
	occupied      *bitset
	continue_     *bitset
	shifted       *bitset

	numEntries uint64

	createdAt int64
	label     string
}

// New creates an empty filter sized to hold capacity entries at no
// more than fpr false-positive probability.
func New(capacity uint64, fpr float64) (*Filter, error) {
	if capacity == 0 {
		return nil, errors.New("rsqf: capacity must be > 0")
	}
	if fpr <= 0 || fpr >= 1 {
		return nil, errors.New("rsqf: fpr must be in (0, 1)")
	}

	numSlots := nextPow2(capacity)
	if float64(capacity) > float64(numSlots)*targetLoadFactor {
		numSlots <<= 1
	}
	qBits := uint64(bitLen(numSlots - 1))

	rBits := uint64(math.Ceil(math.Log2(1 / fpr)))
	if rBits < 2 {
		rBits = 2
	}
	if rBits > 32 {
		return nil, errors.New("rsqf: fpr too small: remainders wider than 32 bits are not supported")
	}
	pBits := qBits + rBits
	if pBits > 64 {
		return nil, errors.New("rsqf: capacity/fpr combination needs more than 64 fingerprint bits")
	}

	physicalSlots := numSlots + slackSlots(numSlots)

	return &Filter{
		capacity:      capacity,
		fpr:           fpr,
		qBits:         qBits,
		rBits:         rBits,
		pBits:         pBits,
		numSlots:      numSlots,
		physicalSlots: physicalSlots,
		remainder:     make([]uint32, physicalSlots),
		occupied:      newBitset(numSlots),
		continue_:     newBitset(physicalSlots),
		shifted:       newBitset(physicalSlots),
		createdAt:     time.Now().Unix(),
	}, nil
}

func nextPow2(n uint64) uint64 {
	if n&(n-1) == 0 {
		return n
	}
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}

func bitLen(n uint64) int {
	l := 0
	for n > 0 {
		l++
		n >>= 1
	}
	if l == 0 {
		return 1
	}
	return l
}

// fingerprint derives a pBits-wide fingerprint from a hash's own
// leading bytes. A SHA-1 digest is already uniformly distributed, so
// no secondary hash function is needed.
func (f *Filter) fingerprint(h hibp.Hash) uint64 {
	v := binary.BigEndian.Uint64(h[:8])
	return v >> (64 - f.pBits)
}

func (f *Filter) quotientRemainder(h hibp.Hash) (q, r uint64) {
	fp := f.fingerprint(h)
	q = fp >> f.rBits
	r = fp & ((uint64(1) << f.rBits) - 1)
	return
}

func (f *Filter) isSlotEmpty(s uint64) bool {
	// Slack slots past numSlots are never a canonical slot, so their
	// occupied bit is implicitly clear (the bitset only covers numSlots).
	occupied := s < f.numSlots && f.occupied.Get(s)
	return !occupied && !f.continue_.Get(s) && !f.shifted.Get(s)
}

// findRunStart locates the first slot of quotient q's run. It assumes
// f.occupied.Get(q) is already true; when no run physically exists yet
// for q (a fresh run is about to be inserted) it returns the slot
// where that run belongs, i.e. the correct insertion point. The second
// return value is false if the scan ran off the end of the physical
// slot array without finding an empty slot or the run's rank-th start,
// which means the filter's cluster has outgrown its slack.
func (f *Filter) findRunStart(q uint64) (uint64, bool) {
	b := q
	for b > 0 && f.shifted.Get(b) {
		b--
	}

	rank := f.occupied.rangeCount(b, q)

	s := b
	var runsSeen uint64
	for s < f.physicalSlots {
		if f.isSlotEmpty(s) {
			return s, true
		}
		if !f.continue_.Get(s) {
			runsSeen++
			if runsSeen == rank {
				return s, true
			}
		}
		s++
	}
	return 0, false
}

// shiftInsert inserts rem at logical position pos, pushing every
// element from pos up to the end of the current cluster one slot to
// the right. canonical is the quotient rem itself belongs to, used to
// set its shifted bit correctly. It reports false, performing no
// mutation, if the cluster's end runs off the physical slot array.
func (f *Filter) shiftInsert(pos, rem, canonical uint64, isCont bool) bool {
	end := pos
	for end < f.physicalSlots && !f.isSlotEmpty(end) {
		end++
	}
	if end >= f.physicalSlots {
		return false
	}
	for i := end; i > pos; i-- {
		f.remainder[i] = f.remainder[i-1]
		f.continue_.SetTo(i, f.continue_.Get(i-1))
		f.shifted.Set(i)
	}
	f.remainder[pos] = uint32(rem)
	f.continue_.SetTo(pos, isCont)
	f.shifted.SetTo(pos, pos != canonical)
	return true
}

// Insert adds h to the filter. It is idempotent: inserting the same
// hash twice is a no-op the second time and does not count against
// capacity. It returns ErrCapacityExceeded if the filter is already
// full and h is not already present, or if placing h would push its
// cluster past the end of the physical slot array.
func (f *Filter) Insert(h hibp.Hash) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	q, rem := f.quotientRemainder(h)
	if f.contains(q, rem) {
		return nil
	}
	if f.numEntries >= f.capacity {
		return ErrCapacityExceeded
	}

	wasOccupied := f.occupied.Get(q)
	if !wasOccupied && f.isSlotEmpty(q) {
		f.remainder[q] = uint32(rem)
		f.continue_.Clear(q)
		f.shifted.Clear(q)
		f.occupied.Set(q)
		f.numEntries++
		return nil
	}

	f.occupied.Set(q)
	insertAt, ok := f.findRunStart(q)
	if !ok {
		return ErrCapacityExceeded
	}

	isCont := false
	if wasOccupied {
		end := insertAt
		for end+1 < f.physicalSlots && f.continue_.Get(end+1) {
			end++
		}
		insertAt = end + 1
		if insertAt >= f.physicalSlots {
			return ErrCapacityExceeded
		}
		isCont = true
	}

	if !f.shiftInsert(insertAt, rem, q, isCont) {
		return ErrCapacityExceeded
	}
	f.numEntries++
	return nil
}

// Contains reports whether h was previously inserted. It never
// produces a false negative; it may produce a false positive with
// probability bounded by the fpr the filter was created with.
func (f *Filter) Contains(h hibp.Hash) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, rem := f.quotientRemainder(h)
	return f.contains(q, rem)
}

func (f *Filter) contains(q, rem uint64) bool {
	if !f.occupied.Get(q) {
		return false
	}
	s, ok := f.findRunStart(q)
	if !ok {
		return false
	}
	for {
		if uint64(f.remainder[s]) == rem {
			return true
		}
		next := s + 1
		if next >= f.physicalSlots || !f.continue_.Get(next) {
			return false
		}
		s = next
	}
}

// Len returns the number of distinct hashes inserted so far.
func (f *Filter) Len() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.numEntries
}

// Capacity returns the capacity the filter was created with.
func (f *Filter) Capacity() uint64 { return f.capacity }

// FPR returns the target false-positive rate the filter was sized for.
func (f *Filter) FPR() float64 { return f.fpr }

// SetLabel attaches the free-form metadata label persisted with the
// filter container.
func (f *Filter) SetLabel(label string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.label = label
}
