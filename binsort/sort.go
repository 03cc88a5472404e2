// Package binsort aggregates per-dataset bin-record sequences into one
// sequence ordered by window id.  Inputs are not individually sorted by
// window id (a track is ordered by file position), so aggregation is a
// two-phase external sort: records are batched and sorted in memory,
// full batches spill to temporary sortshard files, and Close k-way merges
// the spills.  Memory use is bounded by BatchSize regardless of the
// combined input size.
package binsort

import (
	"context"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/bgzf"
	"v.io/x/lib/vlog"

	"github.com/cistromics/motifwin/track"
)

// DefaultBatchSize is the default number of records to keep in memory
// before resorting to external sorting.
const DefaultBatchSize = 1 << 20

// DefaultParallelism is the default value for SortOptions.Parallelism.
const DefaultParallelism = 2

// SortOptions controls options passed to NewSorter.
type SortOptions struct {
	// BatchSize is the number of records to keep in memory before spilling a
	// sorted run to disk.  It is the aggregation memory threshold; the
	// default suffices for most references.
	BatchSize int

	// Parallelism limits the number of background batch sorts.  Max memory
	// consumption of the sorter grows linearly with this value.  If <= 0,
	// DefaultParallelism is used.
	Parallelism int

	// NoCompressTmpFiles, if false (default), compresses spill shards using
	// snappy.
	NoCompressTmpFiles bool

	// TmpDir defines the directory for spill files created during sorting.
	// "" means the system default, usually /tmp.
	TmpDir string
}

// Sorter sorts bin records by window id and produces a single sortshard
// file in outPath.  Each/TSVFromSortShards can later replay one or more
// sortshard files in merged key order.
//
// Example:
//   sorter := NewSorter("combined.sort")
//   for _, rec := range recs {
//     sorter.Add(rec)
//   }
//   err := sorter.Close()
type Sorter struct {
	options      SortOptions
	outPath      string
	pool         *shardBlockPool
	totalRecords int64
	recs         []sortEntry
	err          errors.Once
	bgSorterCh   chan []sortEntry

	wg     sync.WaitGroup
	mu     sync.Mutex
	spills []string // pathnames of temp spill files.
}

// NewSorter creates a Sorter writing its merged output to outPath.
func NewSorter(outPath string, optList ...SortOptions) *Sorter {
	options := SortOptions{}
	if len(optList) > 0 {
		if len(optList) > 1 {
			vlog.Fatalf("more than one options specified: %v", optList)
		}
		options = optList[0]
	}
	if options.BatchSize <= 0 {
		options.BatchSize = DefaultBatchSize
	}
	if options.Parallelism <= 0 {
		options.Parallelism = DefaultParallelism
	}
	vlog.VI(1).Infof("new sorter: %v, %+v", outPath, options)
	sorter := &Sorter{
		options:    options,
		outPath:    outPath,
		pool:       newShardBlockPool(),
		bgSorterCh: make(chan []sortEntry, options.Parallelism),
	}
	for i := 0; i < options.Parallelism; i++ {
		sorter.wg.Add(1)
		go func() {
			for batch := range sorter.bgSorterCh {
				path := sorter.sortBatch(batch)
				sorter.mu.Lock()
				sorter.spills = append(sorter.spills, path)
				sorter.mu.Unlock()
			}
			sorter.wg.Done()
		}()
	}
	return sorter
}

// Add adds a record to the sorter.  Records may arrive in any order.
func (s *Sorter) Add(rec track.BinRecord) {
	s.totalRecords++
	s.recs = append(s.recs, sortEntry{int64(rec.Bin), encodeBody(rec)})
	if len(s.recs) >= s.options.BatchSize {
		s.startSpill()
	}
}

func (s *Sorter) startSpill() {
	s.bgSorterCh <- s.recs
	s.recs = nil
}

func (s *Sorter) sortBatch(batch []sortEntry) string {
	vlog.VI(1).Infof("sorting batch of %d records", len(batch))
	temp, err := os.CreateTemp(s.options.TmpDir, "binsort")
	if err != nil {
		s.err.Set(err)
		return ""
	}
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].compare(batch[j]) < 0
	})
	writer := newShardWriter(temp, !s.options.NoCompressTmpFiles, s.pool, &s.err)
	for _, key := range batch {
		writer.add(key)
	}
	writer.finish()
	s.err.Set(temp.Close())
	return temp.Name()
}

// Close must be called after adding all the records.  It blocks the caller
// until the merged sortshard file is generated.  After Close, the Sorter
// becomes invalid.
func (s *Sorter) Close() error {
	if len(s.recs) > 0 || s.totalRecords == 0 {
		// When totalRecords==0 there's no record to spill but we still want an
		// empty shard so that merging produces a valid (empty) output.
		s.startSpill()
	}
	close(s.bgSorterCh)
	s.wg.Wait()
	if s.err.Err() == nil {
		s.mergeSpills()
	}
	for _, path := range s.spills {
		if err := os.Remove(path); err != nil {
			vlog.Errorf("sort %v: failed to remove spill file: %v (%v)", path, err, s.err.Err())
		}
	}
	return s.err.Err()
}

// mergeSpills merges the spill shards into a new sortshard at s.outPath.
func (s *Sorter) mergeSpills() {
	ctx := vcontext.Background()
	out, err := file.Create(ctx, s.outPath)
	if err != nil {
		s.err.Set(err)
		return
	}
	readers := make([]*shardReader, len(s.spills))
	for i, path := range s.spills {
		readers[i] = newShardReader(path, s.pool, &s.err)
	}
	writer := newShardWriter(out.Writer(ctx), !s.options.NoCompressTmpFiles, s.pool, &s.err)
	mergeShards(readers, func(key sortEntry) bool {
		writer.add(key)
		return true
	}, &s.err)
	writer.finish()
	for _, r := range readers {
		r.close()
	}
	s.err.Set(out.Close(ctx))
}

// mergeLeaf is a thin wrapper around shardReader for the merge tree.
type mergeLeaf struct {
	// seq is a number (0,1,2..) arbitrarily assigned to distinguish
	// mergeLeafs that are merged into one destination.
	seq    int
	reader *shardReader
	done   bool // reader.scan() returned false?
}

func newMergeLeaf(seq int, reader *shardReader) *mergeLeaf {
	leaf := mergeLeaf{seq: seq, reader: reader}
	if !leaf.reader.scan() {
		return nil
	}
	return &leaf
}

func (l *mergeLeaf) Compare(c1 llrb.Comparable) int {
	l1 := c1.(*mergeLeaf)
	k0 := l.reader.key()
	k1 := l1.reader.key()
	if c := k0.compare(k1); c != 0 {
		return c
	}
	return l.seq - l1.seq
}

// mergeShards does an N-way merge of the readers, calling readCallback for
// each record in nondecreasing key order.  If readCallback returns false,
// the merge exits immediately.
//
// The inputs are sorted with a binary tree rather than a binary heap: the
// hope is that the leaf at the top of the tree stays at the top for many
// records, so the tree maintains sorted order in amortized O(1) instead of
// O(log N).
func mergeShards(readers []*shardReader, readCallback func(key sortEntry) bool, errReporter *errors.Once) {
	leafs := llrb.Tree{}

	// Create a one-level tree.
	for i, reader := range readers {
		if c := newMergeLeaf(i, reader); c != nil {
			vlog.VI(1).Infof("leaf %v created", reader.path)
			leafs.Insert(c)
		}
	}
	vlog.VI(1).Infof("merging %d shards, %d leafs active", len(readers), leafs.Len())

	done := false
	for !done && leafs.Len() > 0 {
		nthiter := 0
		// top is the smallest leaf; we read from top.  next is the 2nd
		// smallest, or nil if top is the only leaf left.
		var top, next *mergeLeaf
		leafs.Do(func(item llrb.Comparable) bool {
			nthiter++
			switch nthiter {
			case 1:
				top = item.(*mergeLeaf)
				return false
			case 2:
				next = item.(*mergeLeaf)
				return true
			default:
				vlog.Fatal(nthiter)
				return false
			}
		})
		// Read records from top until it becomes larger than next.
		for {
			if !readCallback(top.reader.key()) {
				done = true
				break
			}
			top.done = !top.reader.scan()
			if top.done || (next != nil && next.reader.key().compare(top.reader.key()) < 0) {
				break
			}
		}
		// Move top into the proper place in the tree.
		lenBefore := leafs.Len()
		leafs.DeleteMin()
		if !top.done {
			leafs.Insert(top)
			if lenAfter := leafs.Len(); lenBefore != lenAfter {
				vlog.Fatalf("leaf count changed from %d -> %d", lenBefore, lenAfter)
			}
		}
	}
	if errReporter.Err() != nil {
		vlog.Errorf("merge stopped on error: %v", errReporter.Err())
	}
}

// Each merge-reads one or more sortshard files, calling cb for every record
// in nondecreasing window-id order.  A non-nil error from cb stops the read
// and is returned.
func Each(paths []string, cb func(track.BinRecord) error) error {
	errReporter := errors.Once{}
	pool := newShardBlockPool()
	readers := make([]*shardReader, len(paths))
	for i, path := range paths {
		readers[i] = newShardReader(path, pool, &errReporter)
	}
	defer func() {
		for _, r := range readers {
			r.close()
		}
	}()
	if err := errReporter.Err(); err != nil {
		return err
	}
	var cbErr error
	mergeShards(readers, func(key sortEntry) bool {
		rec, err := decodeBody(key.key, key.body)
		if err != nil {
			cbErr = err
			return false
		}
		if err := cb(rec); err != nil {
			cbErr = err
			return false
		}
		return true
	}, &errReporter)
	if cbErr != nil {
		return cbErr
	}
	return errReporter.Err()
}

// NumRecords returns the number of records stored in a sortshard file.
func NumRecords(path string) (int64, error) {
	errReporter := errors.Once{}
	pool := newShardBlockPool()
	r := newShardReader(path, pool, &errReporter)
	defer r.close()
	if err := errReporter.Err(); err != nil {
		return 0, err
	}
	return r.index.NumRecords, nil
}

// TSVFromSortShards merges a set of sortshard files into the combined
// sorted artifact: one bin record per line, columns bin, dataset_id,
// motif_id, chrom, start, end, score, in nondecreasing bin order.  A
// ".gz" tsvPath is bgzf-compressed.
func TSVFromSortShards(ctx context.Context, paths []string, tsvPath string, parallelism int) (err error) {
	var out file.File
	if out, err = file.Create(ctx, tsvPath); err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)

	w := io.Writer(out.Writer(ctx))
	if strings.HasSuffix(tsvPath, ".gz") {
		bgzfWriter := bgzf.NewWriter(w, parallelism)
		defer func() {
			if e := bgzfWriter.Close(); e != nil && err == nil {
				err = e
			}
		}()
		w = bgzfWriter
	}
	tsvw := tsv.NewWriter(w)
	if err = Each(paths, func(rec track.BinRecord) error {
		return writeRecordTSV(tsvw, rec)
	}); err != nil {
		return err
	}
	return tsvw.Flush()
}
