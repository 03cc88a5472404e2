package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/grailbio/base/log"

	"github.com/cistromics/motifwin/track"
	"github.com/cistromics/motifwin/window"
)

// WriteError reports a failed store build. The target path is left as it was
// before the attempt.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// RecordSource streams bin-sorted records into the loader. It must invoke cb
// once per record, in non-decreasing bin order, and stop on a cb error.
type RecordSource func(cb func(track.BinRecord) error) error

// LoadOpts describes the genome the store is built for.
type LoadOpts struct {
	Species    string
	WindowSize int64
}

var schema = []string{
	`CREATE TABLE meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE datasets (
		dataset_id TEXT PRIMARY KEY,
		species TEXT NOT NULL,
		name TEXT NOT NULL,
		source_info TEXT NOT NULL
	)`,
	`CREATE TABLE hits (
		bin INTEGER NOT NULL,
		dataset_id TEXT NOT NULL,
		motif_id TEXT NOT NULL,
		chrom TEXT NOT NULL,
		start INTEGER NOT NULL,
		"end" INTEGER NOT NULL,
		score REAL
	)`,
}

// Load builds the store at dbPath from the record stream and commits it
// atomically. The database is built under a temp name and renamed onto dbPath
// only after everything has been written and validated; on any failure the
// temp file is removed and a pre-existing store at dbPath is left untouched.
// It returns the number of records loaded.
func Load(ctx context.Context, dbPath string, opts LoadOpts, meta []track.Dataset, src RecordSource) (numRecords int64, err error) {
	tmpPath := fmt.Sprintf("%s.tmp-%d", dbPath, time.Now().UnixNano())
	defer func() {
		if err != nil {
			os.Remove(tmpPath) // nolint: errcheck
			err = &WriteError{Path: dbPath, Err: err}
		}
	}()
	db, err := sql.Open("sqlite", tmpPath)
	if err != nil {
		return 0, err
	}
	numRecords, err = build(ctx, db, opts, meta, src)
	if closeErr := db.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, err
	}
	if err = os.Rename(tmpPath, dbPath); err != nil {
		return 0, err
	}
	log.Printf("%s: loaded %d records for %d datasets (%s, window %d)",
		dbPath, numRecords, len(meta), opts.Species, opts.WindowSize)
	return numRecords, nil
}

func build(ctx context.Context, db *sql.DB, opts LoadOpts, meta []track.Dataset, src RecordSource) (int64, error) {
	// The temp database is discarded on any failure, so durability pragmas
	// only slow the build down.
	for _, pragma := range []string{
		`PRAGMA journal_mode=OFF`,
		`PRAGMA synchronous=OFF`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return 0, err
		}
	}
	for _, ddl := range schema {
		if _, err := db.ExecContext(ctx, ddl); err != nil {
			return 0, err
		}
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() // nolint: errcheck

	for _, kv := range [][2]string{
		{"species", opts.Species},
		{"window_size", strconv.FormatInt(opts.WindowSize, 10)},
		{"format_version", "1"},
	} {
		if _, err := tx.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES (?, ?)`, kv[0], kv[1]); err != nil {
			return 0, err
		}
	}
	// OR REPLACE dedupes reruns that appended the same dataset twice.
	for _, ds := range meta {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO datasets (dataset_id, species, name, source_info) VALUES (?, ?, ?, ?)`,
			ds.ID, ds.Species, ds.Name, ds.SourceInfo); err != nil {
			return 0, err
		}
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO hits (bin, dataset_id, motif_id, chrom, start, "end", score) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close() // nolint: errcheck

	var n int64
	lastBin := window.BinID(-1)
	err = src(func(rec track.BinRecord) error {
		if rec.Bin < lastBin {
			return fmt.Errorf("record stream out of order: bin %d after %d", rec.Bin, lastBin)
		}
		lastBin = rec.Bin
		var score interface{}
		if rec.HasScore {
			score = rec.Score
		}
		if _, err := stmt.ExecContext(ctx, int64(rec.Bin), rec.DatasetID, rec.MotifID,
			rec.Chrom, rec.Start, rec.End, score); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return 0, err
	}
	var inserted int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM hits`).Scan(&inserted); err != nil {
		return 0, err
	}
	if inserted != n {
		return 0, fmt.Errorf("loaded %d records, but %d were streamed", inserted, n)
	}
	// Building the index after the bulk insert is much cheaper than
	// maintaining it row by row.
	if _, err := tx.ExecContext(ctx, `CREATE INDEX hits_bin ON hits(bin)`); err != nil {
		return 0, err
	}
	return n, tx.Commit()
}
