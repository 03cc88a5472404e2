package window

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	gunsafe "github.com/grailbio/base/unsafe"
	"github.com/grailbio/base/vcontext"
	"github.com/klauspost/compress/gzip"
)

// BinID identifies one fixed-size genomic window.  Ids are assigned
// contiguously per chromosome, in reference order, so sorting records by
// BinID sorts them by (chromosome, offset).
type BinID int64

// Chrom describes one chromosome of the species reference.
type Chrom struct {
	Name   string
	Length int64

	// binBase is the id of this chromosome's first window.
	binBase BinID
	// nBins is Length/windowSize, rounded up.
	nBins int64
}

// Genome is the species reference plus window geometry: the chromosome set,
// each chromosome's length, and the cumulative window-offset table.  It is
// immutable after construction.
type Genome struct {
	species    string
	windowSize int64
	chroms     []Chrom
	index      map[string]int // chromosome name -> position in chroms
	numBins    int64
}

// getTokens identifies up to the first len(tokens) tokens from curLine,
// returning the number of tokens saved.  Any (group of) characters <= ' ' is
// treated as a delimiter.
func getTokens(tokens [][]byte, curLine []byte) int {
	posEnd := 0
	lineLen := len(curLine)
	for tokenIdx := range tokens {
		pos := posEnd
		for ; pos != lineLen; pos++ {
			if curLine[pos] > ' ' {
				break
			}
		}
		if pos == lineLen {
			return tokenIdx
		}
		posEnd = pos
		for ; posEnd != lineLen; posEnd++ {
			if curLine[posEnd] <= ' ' {
				break
			}
		}
		tokens[tokenIdx] = curLine[pos:posEnd]
	}
	return len(tokens)
}

// NewGenome parses a chrom.sizes table (chromosome name, then length, one
// chromosome per line) and builds the window-offset table for the given
// window size.  Chromosome order in the table defines BinID order, so the
// table must be the same across runs for ids to be stable.
func NewGenome(species string, windowSize int64, reader io.Reader) (*Genome, error) {
	if windowSize <= 0 {
		return nil, fmt.Errorf("window.NewGenome: window size must be positive, got %d", windowSize)
	}
	g := &Genome{
		species:    species,
		windowSize: windowSize,
		index:      map[string]int{},
	}
	scanner := bufio.NewScanner(reader)
	var tokens [2][]byte
	lineIdx := 0
	for scanner.Scan() {
		lineIdx++
		nToken := getTokens(tokens[:], scanner.Bytes())
		if nToken == 0 {
			continue
		}
		if nToken != 2 {
			return nil, fmt.Errorf("window.NewGenome: line %d has fewer tokens than expected", lineIdx)
		}
		name := string(tokens[0])
		length, err := strconv.ParseInt(gunsafe.BytesToString(tokens[1]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("window.NewGenome: bad length for chromosome %s on line %d: %v", name, lineIdx, err)
		}
		if length <= 0 {
			return nil, fmt.Errorf("window.NewGenome: nonpositive length %d for chromosome %s on line %d", length, name, lineIdx)
		}
		if _, found := g.index[name]; found {
			return nil, fmt.Errorf("window.NewGenome: duplicate chromosome %s on line %d", name, lineIdx)
		}
		nBins := (length + windowSize - 1) / windowSize
		g.index[name] = len(g.chroms)
		g.chroms = append(g.chroms, Chrom{
			Name:    name,
			Length:  length,
			binBase: BinID(g.numBins),
			nBins:   nBins,
		})
		g.numBins += nBins
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(g.chroms) == 0 {
		return nil, fmt.Errorf("window.NewGenome: empty chromosome-size table")
	}
	return g, nil
}

// NewGenomeFromPath is a wrapper for NewGenome that takes a path instead of
// an io.Reader.  Gzipped tables are decompressed transparently.
func NewGenomeFromPath(species string, windowSize int64, path string) (g *Genome, err error) {
	ctx := vcontext.Background()
	var infile file.File
	if infile, err = file.Open(ctx, path); err != nil {
		return
	}
	defer func() {
		if cerr := infile.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	reader := io.Reader(infile.Reader(ctx))
	switch fileio.DetermineType(path) {
	case fileio.Gzip:
		if reader, err = gzip.NewReader(reader); err != nil {
			return
		}
	}
	return NewGenome(species, windowSize, reader)
}

// Species returns the species name the reference was loaded for.
func (g *Genome) Species() string { return g.species }

// WindowSize returns the configured window size in bases.
func (g *Genome) WindowSize() int64 { return g.windowSize }

// NumBins returns the total number of windows across all chromosomes.
// Valid BinIDs are [0, NumBins).
func (g *Genome) NumBins() int64 { return g.numBins }

// Chroms returns the chromosomes in reference order.  The returned slice
// must not be modified.
func (g *Genome) Chroms() []Chrom { return g.chroms }

// Chrom looks up a chromosome by name.
func (g *Genome) Chrom(name string) (Chrom, bool) {
	idx, found := g.index[name]
	if !found {
		return Chrom{}, false
	}
	return g.chroms[idx], true
}

// BinBase returns the id of the chromosome's first window.
func (g *Genome) BinBase(name string) (BinID, error) {
	idx, found := g.index[name]
	if !found {
		return 0, &UnknownChromosomeError{Species: g.species, Chrom: name}
	}
	return g.chroms[idx].binBase, nil
}
