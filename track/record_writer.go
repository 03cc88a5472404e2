package track

import (
	"io"

	"github.com/grailbio/base/tsv"
)

// recordWriter renders BinRecords as artifact TSV lines.
type recordWriter struct {
	w *tsv.Writer
}

func newRecordWriter(out io.Writer) *recordWriter {
	return &recordWriter{w: tsv.NewWriter(out)}
}

func (r *recordWriter) write(rec BinRecord) error {
	r.w.WriteInt64(int64(rec.Bin))
	r.w.WriteString(rec.DatasetID)
	r.w.WriteString(rec.MotifID)
	r.w.WriteString(rec.Chrom)
	r.w.WriteInt64(rec.Start)
	r.w.WriteInt64(rec.End)
	r.w.WriteString(scoreText(rec.Score, rec.HasScore))
	return r.w.EndLine()
}

func (r *recordWriter) flush() error {
	return r.w.Flush()
}
