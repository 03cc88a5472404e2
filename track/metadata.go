package track

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"sync"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
)

// MetadataTable is the shared, append-only dataset-metadata table (columns:
// dataset_id, species, name, source_info).  Appends from concurrent
// extraction tasks are serialized by a mutex, and every row is flushed to
// the file before Append returns so a crash never leaves a torn row behind
// an already-published artifact.
//
// Appends are at-least-once: rerunning an extraction appends the dataset's
// row again.  Consumers dedupe by dataset_id.
type MetadataTable struct {
	mu sync.Mutex
	f  *os.File
	w  *tsv.Writer
}

// OpenMetadataTable opens (creating if needed) the metadata table at path
// for appending.
func OpenMetadataTable(path string) (*MetadataTable, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
	if err != nil {
		return nil, err
	}
	return &MetadataTable{f: f, w: tsv.NewWriter(f)}, nil
}

// Append writes one metadata row.
func (t *MetadataTable) Append(ds Dataset) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.w.WriteString(ds.ID)
	t.w.WriteString(ds.Species)
	t.w.WriteString(ds.Name)
	t.w.WriteString(ds.SourceInfo)
	if err := t.w.EndLine(); err != nil {
		return err
	}
	return t.w.Flush()
}

// Close closes the underlying file.  Append must not be called afterwards.
func (t *MetadataTable) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.f.Close()
}

// ReadMetadataTable returns the table's rows in file order.  Duplicate
// dataset ids are preserved; deduping is the consumer's job.
func ReadMetadataTable(ctx context.Context, path string) (rows []Dataset, err error) {
	var in file.File
	if in, err = file.Open(ctx, path); err != nil {
		return
	}
	defer file.CloseAndReport(ctx, in, &err)

	// Unlike track files, metadata rows are strictly tab-delimited: the name
	// and source_info fields may contain spaces.
	scanner := bufio.NewScanner(in.Reader(ctx))
	lineIdx := 0
	for scanner.Scan() {
		lineIdx++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		cols := bytes.Split(scanner.Bytes(), []byte{'\t'})
		if len(cols) != 4 {
			return nil, &MalformedInputError{Path: path, Line: lineIdx, Reason: "expected 4 columns"}
		}
		rows = append(rows, Dataset{
			ID:         string(cols[0]),
			Species:    string(cols[1]),
			Name:       string(cols[2]),
			SourceInfo: string(cols[3]),
		})
	}
	return rows, scanner.Err()
}
