package binsort

import (
	"strconv"

	"github.com/grailbio/base/tsv"

	"github.com/cistromics/motifwin/track"
)

// writeRecordTSV renders one record as a combined-artifact line.  The
// column layout matches the per-dataset artifacts written by track.Extract.
func writeRecordTSV(w *tsv.Writer, rec track.BinRecord) error {
	w.WriteInt64(int64(rec.Bin))
	w.WriteString(rec.DatasetID)
	w.WriteString(rec.MotifID)
	w.WriteString(rec.Chrom)
	w.WriteInt64(rec.Start)
	w.WriteInt64(rec.End)
	if rec.HasScore {
		w.WriteString(strconv.FormatFloat(rec.Score, 'g', -1, 64))
	} else {
		w.WriteByte('.')
	}
	return w.EndLine()
}
