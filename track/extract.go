package track

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/log"
	gunsafe "github.com/grailbio/base/unsafe"
	"github.com/klauspost/compress/gzip"

	"github.com/cistromics/motifwin/window"
)

// Track column layout: chrom, start, end, then the optional name, score and
// strand columns.  Anything past column 6 is ignored.
const maxTrackTokens = 6

// getTokens identifies up to the first len(tokens) tokens from curLine,
// returning the number of tokens saved.  Any (group of) characters <= ' ' is
// treated as a delimiter.  Same approach as the BED scrapers elsewhere in
// this codebase.
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

// parseHitLine decodes one track line into a Hit.  datasetID is the motif-id
// fallback when the track carries no name column.
func parseHitLine(path string, lineIdx int, tokens [][]byte, nToken int, datasetID string) (Hit, error) {
	hit := Hit{Strand: StrandUnknown, MotifID: datasetID}
	if nToken < 3 {
		return hit, &MalformedInputError{Path: path, Line: lineIdx, Reason: "fewer than 3 columns"}
	}
	hit.Chrom = string(tokens[0])
	start, err := strconv.ParseInt(gunsafe.BytesToString(tokens[1]), 10, 64)
	if err != nil {
		return hit, &MalformedInputError{Path: path, Line: lineIdx, Reason: "non-numeric start coordinate"}
	}
	end, err := strconv.ParseInt(gunsafe.BytesToString(tokens[2]), 10, 64)
	if err != nil {
		return hit, &MalformedInputError{Path: path, Line: lineIdx, Reason: "non-numeric end coordinate"}
	}
	hit.Start, hit.End = start, end
	if start < 0 || start >= end {
		return hit, &MalformedInputError{Path: path, Line: lineIdx,
			Reason: fmt.Sprintf("invalid coordinate pair [%d, %d)", start, end)}
	}
	if nToken >= 4 && !(len(tokens[3]) == 1 && tokens[3][0] == '.') {
		hit.MotifID = string(tokens[3])
	}
	if nToken >= 5 && !(len(tokens[4]) == 1 && tokens[4][0] == '.') {
		score, err := strconv.ParseFloat(gunsafe.BytesToString(tokens[4]), 64)
		if err != nil {
			return hit, &MalformedInputError{Path: path, Line: lineIdx, Reason: "non-numeric score"}
		}
		hit.Score, hit.HasScore = score, true
	}
	if nToken >= 6 {
		if len(tokens[5]) != 1 {
			return hit, &MalformedInputError{Path: path, Line: lineIdx, Reason: "bad strand column"}
		}
		switch tokens[5][0] {
		case StrandFwd, StrandRev, StrandUnknown:
			hit.Strand = tokens[5][0]
		default:
			return hit, &MalformedInputError{Path: path, Line: lineIdx, Reason: "bad strand column"}
		}
	}
	return hit, nil
}

// Extract parses the motif track for one dataset, expands every hit into the
// windows it overlaps, and publishes the bin records to outPath as a TSV
// artifact (columns: bin, dataset_id, motif_id, chrom, start, end, score).
//
// The artifact appears atomically: records stream into outPath+".tmp" and
// the temp file is renamed over outPath only when the whole track parsed
// cleanly, so a malformed line anywhere means no artifact.  Reruns overwrite
// a previous artifact.  On success exactly one metadata row for the dataset
// is appended to meta.
//
// The returned count is the number of bin records written (>= the number of
// hits, since a hit may span window boundaries).
func Extract(ctx context.Context, g *window.Genome, ds Dataset, trackPath, outPath string, meta *MetadataTable) (numRecords int64, err error) {
	var in file.File
	if in, err = file.Open(ctx, trackPath); err != nil {
		return
	}
	defer file.CloseAndReport(ctx, in, &err)
	reader := io.Reader(in.Reader(ctx))
	switch fileio.DetermineType(trackPath) {
	case fileio.Gzip:
		if reader, err = gzip.NewReader(reader); err != nil {
			return
		}
	}

	tmpPath := outPath + ".tmp"
	var out *os.File
	if out, err = os.Create(tmpPath); err != nil {
		return
	}
	defer func() {
		if out != nil {
			out.Close() // nolint: errcheck
		}
		if err != nil {
			// os.Remove returns an error if the temp is already gone.
			_ = os.Remove(tmpPath)
		}
	}()

	w := newRecordWriter(out)
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	var tokens [maxTrackTokens][]byte
	lineIdx := 0
	numHits := 0
	for scanner.Scan() {
		lineIdx++
		nToken := getTokens(tokens[:], scanner.Bytes())
		if nToken == 0 {
			continue
		}
		var hit Hit
		if hit, err = parseHitLine(trackPath, lineIdx, tokens[:], nToken, ds.ID); err != nil {
			return 0, err
		}
		first, last, berr := g.BinRange(hit.Chrom, hit.Start, hit.End)
		if berr != nil {
			return 0, fmt.Errorf("%s: line %d: %w", trackPath, lineIdx, berr)
		}
		for b := first; b <= last; b++ {
			if err = w.write(BinRecord{
				Bin:       b,
				DatasetID: ds.ID,
				MotifID:   hit.MotifID,
				Chrom:     hit.Chrom,
				Start:     hit.Start,
				End:       hit.End,
				Score:     hit.Score,
				HasScore:  hit.HasScore,
			}); err != nil {
				return 0, err
			}
			numRecords++
		}
		numHits++
	}
	if err = scanner.Err(); err != nil {
		return 0, err
	}
	if err = w.flush(); err != nil {
		return 0, err
	}
	if err = out.Close(); err != nil {
		out = nil
		return 0, err
	}
	out = nil
	if err = os.Rename(tmpPath, outPath); err != nil {
		return 0, err
	}
	if err = meta.Append(ds); err != nil {
		return 0, err
	}
	log.Printf("extract %s: %d hits -> %d bin records", ds.ID, numHits, numRecords)
	return numRecords, nil
}

// ReadBinRecords replays a bin-record artifact in file order, calling cb for
// every record.  Parse failures surface as MalformedInputError; an artifact
// written by Extract never triggers them.
func ReadBinRecords(ctx context.Context, path string, cb func(BinRecord) error) (err error) {
	var in file.File
	if in, err = file.Open(ctx, path); err != nil {
		return
	}
	defer file.CloseAndReport(ctx, in, &err)

	scanner := bufio.NewScanner(in.Reader(ctx))
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	var tokens [7][]byte
	lineIdx := 0
	for scanner.Scan() {
		lineIdx++
		nToken := getTokens(tokens[:], scanner.Bytes())
		if nToken == 0 {
			continue
		}
		if nToken != 7 {
			return &MalformedInputError{Path: path, Line: lineIdx, Reason: "expected 7 columns"}
		}
		var rec BinRecord
		bin, perr := strconv.ParseInt(gunsafe.BytesToString(tokens[0]), 10, 64)
		if perr != nil {
			return &MalformedInputError{Path: path, Line: lineIdx, Reason: "non-numeric bin id"}
		}
		rec.Bin = window.BinID(bin)
		rec.DatasetID = string(tokens[1])
		rec.MotifID = string(tokens[2])
		rec.Chrom = string(tokens[3])
		if rec.Start, perr = strconv.ParseInt(gunsafe.BytesToString(tokens[4]), 10, 64); perr != nil {
			return &MalformedInputError{Path: path, Line: lineIdx, Reason: "non-numeric start coordinate"}
		}
		if rec.End, perr = strconv.ParseInt(gunsafe.BytesToString(tokens[5]), 10, 64); perr != nil {
			return &MalformedInputError{Path: path, Line: lineIdx, Reason: "non-numeric end coordinate"}
		}
		if !(len(tokens[6]) == 1 && tokens[6][0] == '.') {
			if rec.Score, perr = strconv.ParseFloat(gunsafe.BytesToString(tokens[6]), 64); perr != nil {
				return &MalformedInputError{Path: path, Line: lineIdx, Reason: "non-numeric score"}
			}
			rec.HasScore = true
		}
		if err = cb(rec); err != nil {
			return err
		}
	}
	return scanner.Err()
}
