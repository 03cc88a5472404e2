// Package store implements the consolidated motif-window store: a SQLite
// database keyed by window id, built once per run and committed atomically.
// The loader streams bin-sorted records into a temp database and renames it
// into place; readers use the bin index for point and range lookups.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "modernc.org/sqlite"

	"github.com/cistromics/motifwin/track"
	"github.com/cistromics/motifwin/window"
)

// Store is the read-only query side of a committed motif-window store.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens a committed store for querying.
func Open(path string) (*Store, error) {
	// sql.Open defers the actual open, so check the file up front.
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Meta returns the store-level metadata (species, window_size, ...).
func (s *Store) Meta(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM meta`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	meta := map[string]string{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		meta[key] = value
	}
	return meta, rows.Err()
}

// Dataset returns the metadata row for one dataset.
func (s *Store) Dataset(ctx context.Context, id string) (track.Dataset, error) {
	var ds track.Dataset
	err := s.db.QueryRowContext(ctx,
		`SELECT dataset_id, species, name, source_info FROM datasets WHERE dataset_id = ?`, id).
		Scan(&ds.ID, &ds.Species, &ds.Name, &ds.SourceInfo)
	if err != nil {
		return track.Dataset{}, fmt.Errorf("dataset %s: %w", id, err)
	}
	return ds, nil
}

// Datasets returns all dataset rows, ordered by id.
func (s *Store) Datasets(ctx context.Context) ([]track.Dataset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT dataset_id, species, name, source_info FROM datasets ORDER BY dataset_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var datasets []track.Dataset
	for rows.Next() {
		var ds track.Dataset
		if err := rows.Scan(&ds.ID, &ds.Species, &ds.Name, &ds.SourceInfo); err != nil {
			return nil, err
		}
		datasets = append(datasets, ds)
	}
	return datasets, rows.Err()
}

// Hits returns every record that falls in the given window.
func (s *Store) Hits(ctx context.Context, bin window.BinID) ([]track.BinRecord, error) {
	return s.HitsInRange(ctx, bin, bin)
}

// HitsInRange returns every record whose window id is in [lo, hi], in
// ascending window order. The scan uses the bin index.
func (s *Store) HitsInRange(ctx context.Context, lo, hi window.BinID) ([]track.BinRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT bin, dataset_id, motif_id, chrom, start, "end", score
		 FROM hits WHERE bin BETWEEN ? AND ? ORDER BY bin`, int64(lo), int64(hi))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []track.BinRecord
	for rows.Next() {
		var rec track.BinRecord
		var bin int64
		var score sql.NullFloat64
		if err := rows.Scan(&bin, &rec.DatasetID, &rec.MotifID, &rec.Chrom,
			&rec.Start, &rec.End, &score); err != nil {
			return nil, err
		}
		rec.Bin = window.BinID(bin)
		if score.Valid {
			rec.Score = score.Float64
			rec.HasScore = true
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
