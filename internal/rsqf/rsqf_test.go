package rsqf

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pwnguard/pwnguard/internal/hibp"
)

func hashOf(s string) hibp.Hash {
	return hibp.Hash(sha1.Sum([]byte(s)))
}

func randomHash(rng *rand.Rand) hibp.Hash {
	var h hibp.Hash
	rng.Read(h[:])
	return h
}

func TestNewRejectsBadParams(t *testing.T) {
	_, err := New(0, 0.01)
	require.Error(t, err)

	_, err = New(100, 0)
	require.Error(t, err)

	_, err = New(100, 1)
	require.Error(t, err)
}

func TestInsertAndContainsNoFalseNegatives(t *testing.T) {
	f, err := New(10_000, 1e-4)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	inserted := make([]hibp.Hash, 0, 5000)
	for i := 0; i < 5000; i++ {
		h := randomHash(rng)
		require.NoError(t, f.Insert(h))
		inserted = append(inserted, h)
	}

	for _, h := range inserted {
		require.True(t, f.Contains(h), "inserted hash must always be reported present")
	}
	require.EqualValues(t, 5000, f.Len())
}

func TestInsertIsIdempotent(t *testing.T) {
	f, err := New(1000, 1e-3)
	require.NoError(t, err)

	h := hashOf("password123")
	require.NoError(t, f.Insert(h))
	require.NoError(t, f.Insert(h))
	require.NoError(t, f.Insert(h))
	require.EqualValues(t, 1, f.Len())
	require.True(t, f.Contains(h))
}

func TestInsertReturnsCapacityExceeded(t *testing.T) {
	f, err := New(4, 1e-2)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(2))
	var filled int
	for filled < 4 {
		if err := f.Insert(randomHash(rng)); err == nil {
			filled++
		}
	}

	err = f.Insert(randomHash(rng))
	require.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestNewReservesSlackPastNominalSlots(t *testing.T) {
	f, err := New(1000, 1e-3)
	require.NoError(t, err)
	require.Greaterf(t, f.physicalSlots, f.numSlots, "physical slot array must reserve slack past the logical quotient space")
}

func TestInsertNeverPanicsUnderAdversarialClustering(t *testing.T) {
	// Every hash is crafted to land on the very last quotient, with a
	// distinct remainder each time, so the run grows into one long
	// cluster anchored at the top of the quotient space: the case a
	// numEntries-vs-capacity check alone does not protect against,
	// since the cluster spills past numSlots long before numEntries
	// reaches capacity. This must degrade to ErrCapacityExceeded, never
	// index out of range.
	f, err := New(1000, 1e-4)
	require.NoError(t, err)

	topQuotient := (uint64(1) << f.qBits) - 1
	shift := 64 - f.pBits
	for i := uint64(0); i < f.physicalSlots; i++ {
		rem := i & ((uint64(1) << f.rBits) - 1)
		fp := (topQuotient << f.rBits) | rem

		var h hibp.Hash
		binary.BigEndian.PutUint64(h[:8], fp<<shift)

		if err := f.Insert(h); err != nil {
			require.ErrorIs(t, err, ErrCapacityExceeded)
			return
		}
	}
	t.Fatal("expected the cluster to exceed its slack before exhausting the loop")
}

func TestFalsePositiveRateIsBounded(t *testing.T) {
	const capacity = 50_000
	const fpr = 1e-3
	f, err := New(capacity, fpr)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(3))
	present := make(map[hibp.Hash]bool, capacity)
	for len(present) < capacity {
		h := randomHash(rng)
		if present[h] {
			continue
		}
		present[h] = true
		require.NoError(t, f.Insert(h))
	}

	const trials = 200_000
	var falsePositives int
	for i := 0; i < trials; i++ {
		h := randomHash(rng)
		if present[h] {
			continue
		}
		if f.Contains(h) {
			falsePositives++
		}
	}

	observed := float64(falsePositives) / float64(trials)
	// Generous margin over the target: this is a statistical bound, not
	// an exact one, and the test must not be flaky.
	require.Lessf(t, observed, fpr*10, "observed fpr %.6f exceeds 10x target %.6f", observed, fpr)
}

func TestSerializeRoundTrip(t *testing.T) {
	f, err := New(2000, 1e-4)
	require.NoError(t, err)
	f.SetLabel("unit-test-container")

	rng := rand.New(rand.NewSource(4))
	inserted := make([]hibp.Hash, 0, 1000)
	for i := 0; i < 1000; i++ {
		h := randomHash(rng)
		require.NoError(t, f.Insert(h))
		inserted = append(inserted, h)
	}

	path := filepath.Join(t.TempDir(), "filter.rsqf")
	require.NoError(t, f.WriteTo(path))

	reopened, err := Open(path)
	require.NoError(t, err)

	require.Equal(t, f.Len(), reopened.Len())
	require.Equal(t, f.Capacity(), reopened.Capacity())
	require.InDelta(t, f.FPR(), reopened.FPR(), 1e-12)

	for _, h := range inserted {
		require.True(t, reopened.Contains(h))
	}
}

func TestOpenMMAPRoundTrip(t *testing.T) {
	f, err := New(500, 1e-3)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(5))
	inserted := make([]hibp.Hash, 0, 200)
	for i := 0; i < 200; i++ {
		h := randomHash(rng)
		require.NoError(t, f.Insert(h))
		inserted = append(inserted, h)
	}

	path := filepath.Join(t.TempDir(), fmt.Sprintf("mmap-%d.rsqf", 1))
	require.NoError(t, f.WriteTo(path))

	reopened, err := OpenMMAP(path)
	require.NoError(t, err)
	defer reopened.Close()

	for _, h := range inserted {
		require.True(t, reopened.Contains(h))
	}
}
