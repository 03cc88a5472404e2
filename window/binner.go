package window

import "fmt"

// InvalidIntervalError reports an interval that cannot be assigned to any
// window: zero-length, inverted, negative, or extending past the end of its
// chromosome.
type InvalidIntervalError struct {
	Chrom      string
	Start, End int64
	Reason     string
}

func (e *InvalidIntervalError) Error() string {
	return fmt.Sprintf("invalid interval %s:%d-%d: %s", e.Chrom, e.Start, e.End, e.Reason)
}

// UnknownChromosomeError reports a chromosome absent from the species
// reference.
type UnknownChromosomeError struct {
	Species string
	Chrom   string
}

func (e *UnknownChromosomeError) Error() string {
	return fmt.Sprintf("chromosome %s not in %s reference", e.Chrom, e.Species)
}

// BinRange returns the ids of the first and last windows overlapped by the
// half-open interval [start, end) on the named chromosome.  first <= last
// always holds on success.  An interval whose start lies exactly on a window
// boundary belongs to the window starting there, and an end on a boundary
// does not touch the following window.
func (g *Genome) BinRange(chrom string, start, end int64) (first, last BinID, err error) {
	idx, found := g.index[chrom]
	if !found {
		err = &UnknownChromosomeError{Species: g.species, Chrom: chrom}
		return
	}
	c := &g.chroms[idx]
	if start < 0 {
		err = &InvalidIntervalError{Chrom: chrom, Start: start, End: end, Reason: "negative start"}
		return
	}
	if start >= end {
		err = &InvalidIntervalError{Chrom: chrom, Start: start, End: end, Reason: "start must be less than end"}
		return
	}
	if end > c.Length {
		err = &InvalidIntervalError{Chrom: chrom, Start: start, End: end,
			Reason: fmt.Sprintf("end past chromosome length %d", c.Length)}
		return
	}
	first = c.binBase + BinID(start/g.windowSize)
	last = c.binBase + BinID((end-1)/g.windowSize)
	return
}

// Overlapping returns the ordered ids of every window overlapped by
// [start, end), with no duplicates.  It is a convenience wrapper around
// BinRange; callers expanding many hits should prefer BinRange to avoid the
// allocation.
func (g *Genome) Overlapping(chrom string, start, end int64) ([]BinID, error) {
	first, last, err := g.BinRange(chrom, start, end)
	if err != nil {
		return nil, err
	}
	bins := make([]BinID, 0, last-first+1)
	for b := first; b <= last; b++ {
		bins = append(bins, b)
	}
	return bins, nil
}
