package window

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinRange(t *testing.T) {
	g := testGenome(t, 100)
	tests := []struct {
		chrom       string
		start, end  int64
		first, last BinID
	}{
		// Within one window.
		{"chr1", 0, 1, 0, 0},
		{"chr1", 50, 99, 0, 0},
		// End exactly on a boundary stays in the preceding window.
		{"chr1", 0, 100, 0, 0},
		{"chr1", 50, 100, 0, 0},
		// Start exactly on a boundary belongs to the window starting there.
		{"chr1", 100, 101, 1, 1},
		// Spanning a boundary.
		{"chr1", 50, 150, 0, 1},
		{"chr1", 99, 101, 0, 1},
		// Spanning several windows.
		{"chr1", 0, 1000, 0, 9},
		{"chr1", 250, 260, 2, 2},
		// chr2 windows start at base 10; its last (partial) window is 14.
		{"chr2", 0, 1, 10, 10},
		{"chr2", 401, 450, 14, 14},
		{"chr2", 399, 401, 13, 14},
		// chrM is a single partial window at base 15.
		{"chrM", 0, 95, 15, 15},
	}
	for _, tc := range tests {
		first, last, err := g.BinRange(tc.chrom, tc.start, tc.end)
		require.NoErrorf(t, err, "%s:%d-%d", tc.chrom, tc.start, tc.end)
		assert.Equalf(t, tc.first, first, "first of %s:%d-%d", tc.chrom, tc.start, tc.end)
		assert.Equalf(t, tc.last, last, "last of %s:%d-%d", tc.chrom, tc.start, tc.end)
	}
}

func TestBinRangeErrors(t *testing.T) {
	g := testGenome(t, 100)

	var invalid *InvalidIntervalError
	var unknown *UnknownChromosomeError

	// Zero-length and inverted intervals.
	_, _, err := g.BinRange("chr1", 10, 10)
	require.ErrorAs(t, err, &invalid)
	_, _, err = g.BinRange("chr1", 20, 10)
	require.ErrorAs(t, err, &invalid)
	_, _, err = g.BinRange("chr1", -1, 10)
	require.ErrorAs(t, err, &invalid)
	// Past the end of the chromosome.
	_, _, err = g.BinRange("chrM", 90, 96)
	require.ErrorAs(t, err, &invalid)
	// Unknown chromosome.
	_, _, err = g.BinRange("chr19", 0, 10)
	require.ErrorAs(t, err, &unknown)

	_, err = g.Overlapping("chr1", 10, 10)
	require.ErrorAs(t, err, &invalid)
}

// Overlapping must return exactly {floor(s/w), ..., floor((e-1)/w)} offset by
// the chromosome base, ascending, without duplicates.
func TestOverlappingMatchesModel(t *testing.T) {
	g := testGenome(t, 100)
	rng := rand.New(rand.NewSource(0))
	base, err := g.BinBase("chr1")
	require.NoError(t, err)
	for iter := 0; iter < 1000; iter++ {
		start := rng.Int63n(999)
		end := start + 1 + rng.Int63n(1000-start-1)
		bins, err := g.Overlapping("chr1", start, end)
		require.NoError(t, err)

		want := []BinID{}
		for k := start / 100; k <= (end-1)/100; k++ {
			want = append(want, base+BinID(k))
		}
		require.Equalf(t, want, bins, "[%d,%d)", start, end)
		for i := 1; i < len(bins); i++ {
			require.Less(t, bins[i-1], bins[i])
		}
	}
}
