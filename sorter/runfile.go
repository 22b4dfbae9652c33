package sorter

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/golang/snappy"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/vcontext"
	"v.io/x/lib/vlog"
)

// Run files hold the sorted batches spilled by a Sorter. A run file is a
// recordio file where one recordio block stores consecutive fixed-size
// entries, with no padding between them:
//
//   seq     uint64  // arrival sequence number, breaks ties between equal keys
//   barcode uint64
//   umi     uint64
//   ec      uint32
//   count   uint32
//   flags   uint32
//
// Each block is approx. runBlockSize bytes long pre-compression and is
// snappy-compressed on its own unless Options.NoCompressTmpFiles is set.
// The recordio trailer is a small fixed struct holding the total entry
// count and a flag word; the snappy flag lives there, so a reader needs no
// out-of-band information. Run files support only sequential reads; they
// are written once, merged once, and deleted.
type runBlock []byte

const runBlockSize = 1 << 20 // size of one runBlock buffer.
const runEntryBytes = 36     // 8 seq + 8 barcode + 8 umi + 4 ec + 4 count + 4 flags.
const runTrailerBytes = 16

const runFlagSnappy = uint32(1)

func makeRunTrailer(numEntries uint64, snappy bool) []byte {
	t := make([]byte, runTrailerBytes)
	binary.LittleEndian.PutUint64(t[0:8], numEntries)
	var flags uint32
	if snappy {
		flags |= runFlagSnappy
	}
	binary.LittleEndian.PutUint32(t[8:12], flags)
	return t
}

func parseRunTrailer(t []byte) (numEntries uint64, snappy bool, err error) {
	if len(t) != runTrailerBytes {
		return 0, false, fmt.Errorf("run trailer is %d bytes, expected %d", len(t), runTrailerBytes)
	}
	numEntries = binary.LittleEndian.Uint64(t[0:8])
	flags := binary.LittleEndian.Uint32(t[8:12])
	if flags&^runFlagSnappy != 0 {
		return 0, false, fmt.Errorf("unknown run trailer flags %#x", flags)
	}
	return numEntries, flags&runFlagSnappy != 0, nil
}

// runBuf stores the contents of one recordio block during writes.
type runBuf struct {
	buf       runBlock
	remaining []byte // unfilled tail of buf.
	nEntries  int    // # of entries stored in buf.
}

// Returns the filled prefix of the block.
func (b *runBuf) bytes() []byte {
	n := len(b.buf) - len(b.remaining)
	return b.buf[:n]
}

// Writes a run file.
//
// Example:
//   err := errors.Once{}
//   pool := newRunBlockPool()
//   w := newRunWriter(out, true, pool, &err)
//   for {
//     ...
//     w.add(entry)
//   }
//   w.finish()
type runWriter struct {
	rio    recordio.Writer
	err    *errors.Once
	snappy bool

	curBlock runBuf // the block currently written to in add().
	pool     *runBlockPool

	numEntries uint64
	lastEntry  sortEntry // last entry added, set iff numEntries > 0.
}

func newRunWriter(out io.Writer, snappy bool, pool *runBlockPool, errReporter *errors.Once) *runWriter {
	w := &runWriter{
		err:    errReporter,
		snappy: snappy,
		pool:   pool,
	}
	w.curBlock = w.newBuf()
	w.rio = recordio.NewWriter(out, recordio.WriterOpts{
		Marshal: func(scratch []byte, v interface{}) ([]byte, error) {
			return v.(runBlock), nil
		},
		Index: func(loc recordio.ItemLocation, v interface{}) error {
			if loc.Item != 0 { // this is a single-item-per-block recordio
				vlog.Fatal(loc)
			}
			w.pool.putBuf(v.(runBlock))
			return nil
		},
	})
	w.rio.AddHeader(recordio.KeyTrailer, true)
	return w
}

func (w *runWriter) newBuf() runBuf {
	buf := w.pool.getBuf()
	return runBuf{
		buf:       buf,
		remaining: buf,
	}
}

// Append one entry. Entries must arrive in nondecreasing order.
func (w *runWriter) add(e sortEntry) {
	if w.numEntries > 0 && e.compare(w.lastEntry) < 0 {
		vlog.Errorf("run entry %+v decreased, last %+v", e, w.lastEntry)
		panic("run entry order")
	}
	w.lastEntry = e
	if w.tryAdd(e) {
		return // Common case.
	}
	w.flush()
	if !w.tryAdd(e) {
		vlog.Fatalf("entry does not fit in a fresh block: %+v", e)
	}
}

func (w *runWriter) tryAdd(e sortEntry) bool {
	b := &w.curBlock
	if len(b.remaining) < runEntryBytes {
		return false
	}
	binary.LittleEndian.PutUint64(b.remaining[0:8], e.seq)
	binary.LittleEndian.PutUint64(b.remaining[8:16], e.rec.Barcode)
	binary.LittleEndian.PutUint64(b.remaining[16:24], e.rec.UMI)
	binary.LittleEndian.PutUint32(b.remaining[24:28], e.rec.EC)
	binary.LittleEndian.PutUint32(b.remaining[28:32], e.rec.Count)
	binary.LittleEndian.PutUint32(b.remaining[32:36], e.rec.Flags)
	b.remaining = b.remaining[runEntryBytes:]
	b.nEntries++
	w.numEntries++
	return true
}

func (w *runWriter) flush() {
	if w.curBlock.nEntries == 0 {
		return
	}
	b := w.curBlock
	w.curBlock = w.newBuf()

	data := b.bytes()
	if w.snappy {
		compressBuf := w.pool.getBuf()
		out := snappy.Encode(compressBuf, data)
		w.pool.putBuf(b.buf)
		data = out
	}
	w.rio.Append(runBlock(data))
	w.rio.Flush()
}

// Flush any pending data and write the trailer. An error is reported
// through w.err. "w" becomes invalid after the call.
func (w *runWriter) finish() {
	w.flush()
	w.pool.putBuf(w.curBlock.buf)
	w.curBlock.buf = nil

	// The trailer is never compressed; the snappy flag itself lives there.
	w.rio.Wait()
	w.rio.SetTrailer(makeRunTrailer(w.numEntries, w.snappy))
	w.err.Set(wrapResource("write sort run", w.rio.Finish()))
}

// Iterates over the entries in one uncompressed run block.
//
// Example:
//   for p := runBlockParser{}; !p.done(); p.next() {
//      vlog.Infof("Entry %+v", p.entry())
//   }
type runBlockParser struct {
	cur sortEntry
	eod bool
	buf []byte // entries that remain to be read.
}

func (p *runBlockParser) reset(buf runBlock) {
	if len(buf) == 0 || len(buf)%runEntryBytes != 0 {
		vlog.Fatalf("corrupt run block of %d bytes", len(buf))
	}
	p.buf = buf
	p.eod = false
	p.next()
}

func (p *runBlockParser) next() {
	if len(p.buf) < runEntryBytes {
		p.eod = true
		return
	}
	p.cur.seq = binary.LittleEndian.Uint64(p.buf[0:8])
	p.cur.rec.Barcode = binary.LittleEndian.Uint64(p.buf[8:16])
	p.cur.rec.UMI = binary.LittleEndian.Uint64(p.buf[16:24])
	p.cur.rec.EC = binary.LittleEndian.Uint32(p.buf[24:28])
	p.cur.rec.Count = binary.LittleEndian.Uint32(p.buf[28:32])
	p.cur.rec.Flags = binary.LittleEndian.Uint32(p.buf[32:36])
	p.buf = p.buf[runEntryBytes:]
}

func (p *runBlockParser) done() bool {
	return p.eod
}

func (p *runBlockParser) entry() sortEntry {
	if p.eod {
		vlog.Fatal(p)
	}
	return p.cur
}

// Reads a run file.
//
// Example:
//   err := errors.Once{}
//   pool := newRunBlockPool()
//   r := newRunReader(path, pool, &err)
//   for r.scan() {
//     use r.entry()
//   }
//   r.drain()
type runReader struct {
	path       string
	rawIn      file.File
	rio        recordio.Scanner
	snappy     bool
	numEntries uint64
	pool       *runBlockPool
	err        *errors.Once

	parser    runBlockParser
	buf       runBlock
	nRead     uint64
	lastEntry sortEntry // last entry read, set iff nRead > 0.
	ch        chan runBlock
	// draining becomes 1 on drain(). It tells the asyncRead goroutine to
	// finish asap. It must be accessed via acquire-loads+release-stores.
	draining int32
}

// Create a reader for run file "path". Any error is reported through
// errReporter.
func newRunReader(path string, pool *runBlockPool, errReporter *errors.Once) *runReader {
	r := &runReader{
		path: path,
		pool: pool,
		err:  errReporter,
		// The parser is initially at done() state.
		parser: runBlockParser{eod: true},
		ch:     make(chan runBlock),
	}

	ctx := vcontext.Background()
	cleanupOnError := func(err error) *runReader {
		r.err.Set(wrapResource("read sort run", err))
		close(r.ch)
		if r.rawIn != nil {
			r.err.Set(r.rawIn.Close(ctx))
		}
		return r
	}
	var err error
	if r.rawIn, err = file.Open(ctx, path); err != nil {
		return cleanupOnError(err)
	}
	r.rio = recordio.NewScanner(r.rawIn.Reader(ctx), recordio.ScannerOpts{})
	header := r.rio.Header()
	if !header.HasTrailer() {
		return cleanupOnError(fmt.Errorf("%s: no trailer in run file", path))
	}
	if r.numEntries, r.snappy, err = parseRunTrailer(r.rio.Trailer()); err != nil {
		return cleanupOnError(fmt.Errorf("%s: %v", path, err))
	}
	go func() {
		r.asyncRead()
		if r.rawIn != nil {
			r.err.Set(r.rawIn.Close(ctx))
		}
		close(r.ch)
	}()
	return r
}

func (r *runReader) scan() bool {
	if !r.parser.done() {
		r.parser.next()
	}
	if r.parser.done() {
		if r.buf != nil {
			r.pool.putBuf(r.buf)
			r.buf = nil
		}
		buf, ok := <-r.ch
		if !ok {
			if r.nRead != r.numEntries {
				r.err.Set(fmt.Errorf("%s: run file holds %d entries, trailer declares %d",
					r.path, r.nRead, r.numEntries))
			}
			return false
		}
		r.buf = buf
		r.parser.reset(buf)
	}
	if r.nRead > 0 && r.parser.entry().compare(r.lastEntry) < 0 {
		vlog.Fatalf("run entry %+v decreased, last %+v", r.parser.entry(), r.lastEntry)
	}
	r.lastEntry = r.parser.entry()
	r.nRead++
	return true
}

// Return the current entry.
//
// REQUIRES: scan() returned true.
func (r *runReader) entry() sortEntry {
	return r.parser.entry()
}

// Drain should be called when quitting reads before reaching the end of the
// run. It cleans up the reader state. It's ok to call drain() after
// successful end of reads.
func (r *runReader) drain() {
	go func() {
		n := 0
		atomic.StoreInt32(&r.draining, 1)
		for range r.ch {
			n++
		}
		vlog.VI(1).Infof("drain %v: dropped %d blocks", r.path, n)
	}()
}

// Read a sequence of raw run blocks and send them to "r.ch".
func (r *runReader) asyncRead() {
	if r.rio == nil {
		// Failed already.
		return
	}
	for r.rio.Scan() && atomic.LoadInt32(&r.draining) == 0 {
		block := r.pool.getBuf()
		rioData := r.rio.Get().([]byte)
		if r.snappy {
			var err error
			block, err = snappy.Decode(block, rioData)
			if err != nil {
				r.err.Set(wrapResource("read sort run", err))
				break
			}
		} else {
			if len(block) < len(rioData) {
				// This shouldn't happen in practice, since the writer limits
				// blocks to runBlockSize bytes.
				block = make(runBlock, len(rioData))
			}
			block = block[:len(rioData)]
			copy(block, rioData)
		}
		r.ch <- block // This may block.
	}
	r.err.Set(wrapResource("read sort run", r.rio.Err()))
}

// Freepool of runBlocks.
type runBlockPool struct {
	sync.Pool
}

// Get a runBlock from the pool. The caller should call putBuf(buf) after use.
func (p *runBlockPool) getBuf() runBlock {
	b := p.Get().(runBlock)
	if cap(b) < runBlockSize {
		b = make(runBlock, runBlockSize)
	} else {
		b = b[:runBlockSize]
	}
	return b
}

func (p *runBlockPool) putBuf(b runBlock) {
	p.Put(b)
}

func newRunBlockPool() *runBlockPool {
	return &runBlockPool{sync.Pool{New: func() interface{} { return runBlock{} }}}
}
