package binsort

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/vcontext"
	"v.io/x/lib/vlog"
)

// Sortshard files hold sorted runs of bin records during aggregation.  A
// shard is a recordio where one recordio block stores a list of framed
// records, with no padding between records:
//
//   key int64        // window id, for sorting.
//   bytes uint32     // size of the body, in bytes.
//   body [bytes]byte // encoded BinRecord minus the window id.
//
// Each block is approx. shardBlockSize bytes pre-compression, and is snappy
// compressed unless disabled.  The recordio trailer holds a small JSON
// shardIndex telling whether the blocks are compressed and how many records
// the shard holds.
type shardBlock []byte

const shardBlockSize = 1 << 20   // size of one shardBlock buffer
const shardRecordHeaderSize = 12 // 8 byte key + 4 byte body size.

// shardIndex is the trailer of a sortshard file.
type shardIndex struct {
	Snappy     bool  `json:"snappy"`
	NumRecords int64 `json:"num_records"`
}

// shardBuf stores contents of a recordio block during writes.
type shardBuf struct {
	buf       shardBlock
	remaining []byte    // part of buf[].
	lastKey   sortEntry // last key in the block, set iff nRecords>0.
	nRecords  int       // # of records stored in buf.
}

// shardWriter produces one sortshard file.
//
// Example:
//   err := errors.Once{}
//   pool := newShardBlockPool()
//   w := newShardWriter(out, true, pool, &err)
//   for { w.add(entry) }
//   w.finish()
type shardWriter struct {
	rio recordio.Writer
	err *errors.Once

	curBlock shardBuf
	pool     *shardBlockPool
	index    shardIndex
}

func (w *shardWriter) newBuf() shardBuf {
	buf := w.pool.getBuf()
	return shardBuf{
		buf:       buf,
		remaining: buf,
	}
}

// newShardWriter starts a sortshard on out.  Any error is reported through
// errReporter.
func newShardWriter(out io.Writer, compress bool, pool *shardBlockPool, errReporter *errors.Once) *shardWriter {
	w := &shardWriter{
		err:   errReporter,
		pool:  pool,
		index: shardIndex{Snappy: compress},
	}
	w.curBlock = w.newBuf()
	w.rio = recordio.NewWriter(out, recordio.WriterOpts{
		Marshal: func(scratch []byte, v interface{}) ([]byte, error) {
			b := v.(shardBuf)
			return b.buf, nil
		},
		Index: func(loc recordio.ItemLocation, v interface{}) error {
			b := v.(shardBuf)
			if loc.Item != 0 { // This is a single-item-per-block recordio
				vlog.Fatal(loc)
			}
			w.pool.putBuf(b.buf)
			return nil
		},
	})
	w.rio.AddHeader(recordio.KeyTrailer, true)
	return w
}

// add appends one record.  Keys must arrive in nondecreasing order.
func (w *shardWriter) add(key sortEntry) {
	if key.key == invalidKey {
		vlog.Fatalf("key: %v", key)
	}
	if key.compare(w.curBlock.lastKey) < 0 && w.curBlock.nRecords > 0 {
		vlog.Fatalf("key %v decreased, last %v", key, w.curBlock.lastKey)
	}
	w.curBlock.lastKey = key
	if w.tryAdd(key) {
		return // Common case.
	}
	w.flush()
	if !w.tryAdd(key) {
		vlog.Fatalf("key: %v", key)
	}
}

// finish flushes pending data and writes the trailer.  "w" becomes invalid
// after the call.
func (w *shardWriter) finish() {
	w.flush()
	w.pool.putBuf(w.curBlock.buf)
	w.curBlock.buf = nil

	// The trailer itself is never compressed; the snappy flag inside it
	// governs the data blocks only.
	w.rio.Wait()
	indexBytes, err := json.Marshal(w.index)
	if err != nil {
		vlog.Fatalf("failed to marshal shard index: %v", err)
	}
	w.rio.SetTrailer(indexBytes)
	w.err.Set(w.rio.Finish())
}

func (w *shardWriter) flush() {
	if w.curBlock.nRecords == 0 {
		return
	}
	b := w.curBlock
	w.curBlock = w.newBuf()

	bytes := b.bytes()
	if w.index.Snappy {
		compressBuf := w.pool.getBuf()
		out := snappy.Encode(compressBuf, bytes)
		w.pool.putBuf(b.buf)
		b.buf = out
	} else {
		b.buf = bytes
	}
	w.rio.Append(b)
	w.rio.Flush()
}

// bytes returns the part of the buffer filled by records added so far.
func (b *shardBuf) bytes() []byte {
	n := len(b.buf) - len(b.remaining)
	return b.buf[:n]
}

func (w *shardWriter) tryAdd(key sortEntry) bool {
	b := &w.curBlock
	if len(b.remaining) < shardRecordHeaderSize+len(key.body) {
		if len(b.remaining) >= shardRecordHeaderSize {
			binary.LittleEndian.PutUint64(b.remaining[:8], uint64(invalidKey))
			binary.LittleEndian.PutUint32(b.remaining[8:12], 0xffffffff)
		}
		return false
	}
	binary.LittleEndian.PutUint64(b.remaining[:8], uint64(key.key))
	binary.LittleEndian.PutUint32(b.remaining[8:12], uint32(len(key.body)))
	copy(b.remaining[shardRecordHeaderSize:], key.body)
	b.remaining = b.remaining[shardRecordHeaderSize+len(key.body):]

	b.nRecords++
	w.index.NumRecords++
	return true
}

// shardBlockParser extracts records from one decompressed shardBlock.
type shardBlockParser struct {
	curKey sortEntry // the current record. EOD iff curKey.key==invalidKey.
	buf    []byte    // records that remain to be read.
}

func (r *shardBlockParser) reset(buf shardBlock) {
	r.buf = []byte(buf)
	r.next()
	if r.done() {
		vlog.Fatalf("empty buf: %v", len(buf))
	}
}

func (r *shardBlockParser) next() {
	if len(r.buf) <= shardRecordHeaderSize {
		// The header is chopped at the end.
		r.curKey = sortEntry{invalidKey, nil}
		return
	}
	r.curKey.key = int64(binary.LittleEndian.Uint64(r.buf[:8]))
	if r.curKey.key == invalidKey {
		return
	}
	recLen := binary.LittleEndian.Uint32(r.buf[8:12])
	if uint64(len(r.buf)) < shardRecordHeaderSize+uint64(recLen) {
		r.curKey.key = invalidKey
		return
	}
	r.curKey.body = make([]byte, recLen)
	copy(r.curKey.body, r.buf[shardRecordHeaderSize:shardRecordHeaderSize+recLen])
	r.buf = r.buf[shardRecordHeaderSize+recLen:]
}

func (r *shardBlockParser) done() bool {
	return r.curKey.key == invalidKey
}

func (r *shardBlockParser) key() sortEntry {
	if r.done() {
		vlog.Fatal(r)
	}
	return r.curKey
}

// shardReader reads a sortshard file in key order.
//
// Example:
//   err := errors.Once{}
//   pool := newShardBlockPool()
//   r := newShardReader(path, pool, &err)
//   for r.scan() { use r.key() }
//   r.close()
type shardReader struct {
	path    string
	rawIn   file.File
	rio     recordio.Scanner
	index   shardIndex
	pool    *shardBlockPool
	err     *errors.Once
	lastKey sortEntry // last key read.

	parser shardBlockParser
	buf    []byte
}

// readShardIndex decodes the trailer of a sortshard file.
func readShardIndex(rio recordio.Scanner) (shardIndex, error) {
	index := shardIndex{}
	header := rio.Header()
	if !header.HasTrailer() {
		return index, fmt.Errorf("no index found in sortshard file (header: %+v, version %+v)", header, rio.Version())
	}
	if err := json.Unmarshal(rio.Trailer(), &index); err != nil {
		return index, err
	}
	return index, nil
}

// newShardReader opens the sortshard at "path".  Any error is reported
// through errReporter.
func newShardReader(path string, pool *shardBlockPool, errReporter *errors.Once) *shardReader {
	r := &shardReader{
		path: path,
		pool: pool,
		err:  errReporter,
		// The parser is initially at done() state.
		parser: shardBlockParser{curKey: sortEntry{invalidKey, nil}},
	}
	ctx := vcontext.Background()
	var err error
	if r.rawIn, err = file.Open(ctx, path); err != nil {
		r.err.Set(err)
		return r
	}
	r.rio = recordio.NewScanner(r.rawIn.Reader(ctx), recordio.ScannerOpts{})
	if r.index, err = readShardIndex(r.rio); err != nil {
		r.err.Set(err)
	}
	return r
}

// scan advances to the next record, returning false at the end of the shard
// or on error.
func (r *shardReader) scan() bool {
	if r.rio == nil {
		return false
	}
	if !r.parser.done() {
		r.parser.next()
	}
	if r.parser.done() {
		if !r.nextBlock() {
			return false
		}
	}
	if r.parser.key().compare(r.lastKey) < 0 {
		vlog.Fatalf("key %v decreased, last %v", r.parser.key(), r.lastKey)
	}
	r.lastKey = r.parser.key()
	return true
}

func (r *shardReader) nextBlock() bool {
	if r.buf != nil {
		r.pool.putBuf(r.buf)
		r.buf = nil
	}
	if !r.rio.Scan() {
		r.err.Set(r.rio.Err())
		return false
	}
	block := r.pool.getBuf()
	rioData := r.rio.Get().([]byte)
	if r.index.Snappy {
		var err error
		if block, err = snappy.Decode(block, rioData); err != nil {
			r.err.Set(err)
			return false
		}
	} else {
		if len(block) < len(rioData) {
			block = make([]byte, len(rioData))
		}
		block = block[:len(rioData)]
		copy(block, rioData)
	}
	r.buf = block
	r.parser.reset(block)
	return true
}

// key returns the current record.
//
// REQUIRES: scan() returned true.
func (r *shardReader) key() sortEntry {
	return r.parser.key()
}

func (r *shardReader) close() {
	if r.rawIn != nil {
		r.err.Set(r.rawIn.Close(vcontext.Background()))
		r.rawIn = nil
	}
}

// Freepool of shardBlocks.
type shardBlockPool struct {
	sync.Pool
}

// getBuf returns a shardBlock from the pool.  The caller should call
// putBuf(buf) after use.
func (p *shardBlockPool) getBuf() shardBlock {
	b := p.Get().(shardBlock)
	if cap(b) < shardBlockSize {
		b = make(shardBlock, shardBlockSize)
	} else {
		b = b[:shardBlockSize]
	}
	return b
}

func (p *shardBlockPool) putBuf(b shardBlock) {
	p.Put(b) // nolint: staticcheck
}

func newShardBlockPool() *shardBlockPool {
	return &shardBlockPool{sync.Pool{New: func() interface{} { return shardBlock{} }}}
}
