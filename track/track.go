// Package track parses motif-track files (line-oriented genomic intervals in
// the BED column convention) and expands each motif hit into the fixed-size
// genome windows it overlaps.  One extraction run consumes one dataset's
// track and publishes one bin-record artifact, plus exactly one row in the
// shared dataset-metadata table.
package track

import (
	"fmt"
	"strconv"

	"github.com/cistromics/motifwin/window"
)

// Dataset identifies one motif dataset and its descriptive metadata.  It is
// created by the fetch layer and treated as immutable here.
type Dataset struct {
	ID         string
	Species    string
	Name       string
	SourceInfo string
}

// Strand values as they appear in column 6 of a track.
const (
	StrandFwd     = byte('+')
	StrandRev     = byte('-')
	StrandUnknown = byte('.')
)

// Hit is one genomic occurrence of a motif, transient between parsing and
// window expansion.
type Hit struct {
	Chrom      string
	Start, End int64
	Strand     byte
	MotifID    string
	Score      float64
	HasScore   bool
}

// BinRecord assigns one motif hit to one window.  A hit overlapping n
// windows yields n BinRecords sharing the same original interval.
type BinRecord struct {
	Bin       window.BinID
	DatasetID string
	MotifID   string
	Chrom     string
	Start     int64
	End       int64
	Score     float64
	HasScore  bool
}

// MalformedInputError reports an unparseable line in a track file or
// bin-record artifact.  The extraction that encountered it publishes no
// output.
type MalformedInputError struct {
	Path   string
	Line   int
	Reason string
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("%s: line %d: %s", e.Path, e.Line, e.Reason)
}

// scoreText renders the artifact score column; "." marks a scoreless hit.
func scoreText(score float64, hasScore bool) string {
	if !hasScore {
		return "."
	}
	return strconv.FormatFloat(score, 'g', -1, 64)
}
