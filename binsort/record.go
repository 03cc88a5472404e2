package binsort

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"v.io/x/lib/vlog"

	"github.com/cistromics/motifwin/track"
	"github.com/cistromics/motifwin/window"
)

// Records travel through the sorter as (key, body) pairs: the key is the
// global window id and the body is the rest of the BinRecord in a compact
// binary form.  Ordering is by key, then body bytes, which makes the merged
// output deterministic; consumers must not rely on the tie order.
type sortEntry struct {
	key  int64 // window id
	body []byte
}

func (k sortEntry) String() string {
	return fmt.Sprintf("(%d,%d)", k.key, len(k.body))
}

// Return -1, 0, 1 if k0 < k1, k0 == k1, k0 > k1, respectively.
func (k sortEntry) compare(other sortEntry) int {
	if k.key < other.key {
		return -1
	}
	if k.key > other.key {
		return 1
	}
	return bytes.Compare(k.body, other.body)
}

// A key that's larger than any valid window id, used to mark the unused tail
// of a block.
const invalidKey int64 = math.MaxInt64

func appendString(buf []byte, s string) []byte {
	if len(s) > math.MaxUint16 {
		vlog.Fatalf("oversized record field (%d bytes)", len(s))
	}
	var lenBytes [2]byte
	binary.LittleEndian.PutUint16(lenBytes[:], uint16(len(s)))
	buf = append(buf, lenBytes[:]...)
	return append(buf, s...)
}

func readString(body []byte) (string, []byte, error) {
	if len(body) < 2 {
		return "", nil, fmt.Errorf("binsort: truncated record field")
	}
	n := int(binary.LittleEndian.Uint16(body))
	body = body[2:]
	if len(body) < n {
		return "", nil, fmt.Errorf("binsort: truncated record field")
	}
	return string(body[:n]), body[n:], nil
}

// encodeBody serializes everything but the window id.
func encodeBody(rec track.BinRecord) []byte {
	body := make([]byte, 0, 25+len(rec.DatasetID)+len(rec.MotifID)+len(rec.Chrom)+6)
	var fixed [25]byte
	binary.LittleEndian.PutUint64(fixed[0:8], uint64(rec.Start))
	binary.LittleEndian.PutUint64(fixed[8:16], uint64(rec.End))
	binary.LittleEndian.PutUint64(fixed[16:24], math.Float64bits(rec.Score))
	if rec.HasScore {
		fixed[24] = 1
	}
	body = append(body, fixed[:]...)
	body = appendString(body, rec.DatasetID)
	body = appendString(body, rec.MotifID)
	body = appendString(body, rec.Chrom)
	return body
}

func decodeBody(key int64, body []byte) (track.BinRecord, error) {
	rec := track.BinRecord{Bin: window.BinID(key)}
	if len(body) < 25 {
		return rec, fmt.Errorf("binsort: truncated record body (%d bytes)", len(body))
	}
	rec.Start = int64(binary.LittleEndian.Uint64(body[0:8]))
	rec.End = int64(binary.LittleEndian.Uint64(body[8:16]))
	rec.Score = math.Float64frombits(binary.LittleEndian.Uint64(body[16:24]))
	rec.HasScore = body[24] != 0
	var err error
	body = body[25:]
	if rec.DatasetID, body, err = readString(body); err != nil {
		return rec, err
	}
	if rec.MotifID, body, err = readString(body); err != nil {
		return rec, err
	}
	if rec.Chrom, _, err = readString(body); err != nil {
		return rec, err
	}
	return rec, nil
}
