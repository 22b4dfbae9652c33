package busz

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/grailbio/bus/encoding/bus"
	"github.com/minio/highwayhash"
	"v.io/x/lib/vlog"
)

var errClosed = errors.New("busz: writer is closed")

// Writer compresses records into a BUSZ stream. Records are accumulated
// until a block fills, then delta-coded, bit-packed, and flushed. Close
// flushes the final partial block and writes the stream terminator; a
// stream without its terminator does not decompress. Writers are not
// threadsafe.
//
// Input is expected in sorted order (bus.Compare non-decreasing). Unsorted
// input still round-trips exactly, it just compresses worse because
// non-representable differences spill to exception slots.
type Writer struct {
	w       io.Writer
	hdr     Header
	bcMax   uint64
	umiMax  uint64
	recs    []bus.Record
	vals    [numFields][]uint64
	abs     [2][]uint64
	need    [numFields][]uint8
	payload []byte
	nblocks int64
	nrecs   int64
	closed  bool
	err     error
}

// NewWriter writes the stream header to w and returns a Writer. Zero
// h.Version and h.BlockSize are filled in with Version and
// DefaultBlockSize.
func NewWriter(w io.Writer, h Header) (*Writer, error) {
	if h.Version == 0 {
		h.Version = Version
	}
	if h.BlockSize == 0 {
		h.BlockSize = DefaultBlockSize
	}
	if err := writeStreamHeader(w, h); err != nil {
		return nil, err
	}
	return &Writer{
		w:      w,
		hdr:    h,
		bcMax:  bus.SeqMax(h.BCLen),
		umiMax: bus.SeqMax(h.UMILen),
		recs:   make([]bus.Record, 0, h.BlockSize),
	}, nil
}

// Header returns the header written by NewWriter.
func (w *Writer) Header() Header { return w.hdr }

// Write buffers one record, flushing a block when BlockSize records have
// accumulated. Records whose packed barcode or UMI exceed the declared
// widths are rejected with a FormatError.
func (w *Writer) Write(rec *bus.Record) error {
	if w.err != nil {
		return w.err
	}
	if w.closed {
		return errClosed
	}
	if rec.Barcode > w.bcMax || rec.UMI > w.umiMax {
		return bus.FormatErrorf(-1, w.nrecs, "record fields exceed declared widths (barcode %d bases, UMI %d bases)",
			w.hdr.BCLen, w.hdr.UMILen)
	}
	w.recs = append(w.recs, *rec)
	w.nrecs++
	if len(w.recs) >= w.hdr.BlockSize {
		w.err = w.flushBlock()
	}
	return w.err
}

// Close flushes buffered records and writes the terminator block. It does
// not close the underlying writer.
func (w *Writer) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	if w.err != nil {
		return w.err
	}
	if w.err = w.flushBlock(); w.err != nil {
		return w.err
	}
	var term [blockHeaderBytes]byte
	if _, err := w.w.Write(term[:]); err != nil {
		w.err = bus.ResourceErrorf("write stream terminator", err)
	}
	return w.err
}

func (w *Writer) flushBlock() error {
	n := len(w.recs)
	if n == 0 {
		return nil
	}
	for f := 0; f < numFields; f++ {
		if cap(w.vals[f]) < n {
			w.vals[f] = make([]uint64, n)
			w.need[f] = make([]uint8, n)
		}
		w.vals[f] = w.vals[f][:n]
		w.need[f] = w.need[f][:n]
	}
	for f := range w.abs {
		if cap(w.abs[f]) < n {
			w.abs[f] = make([]uint64, n)
		}
		w.abs[f] = w.abs[f][:n]
	}
	fieldNeeds(w.recs, &w.vals, &w.abs, &w.need)
	var widths [numFields]uint8
	w.payload = w.payload[:0]
	for f := 0; f < numFields; f++ {
		abs := w.vals[f]
		if f == fieldBarcode || f == fieldUMI {
			abs = w.abs[f]
		}
		wf, nExc := chooseWidth(w.need[f], fieldExcBytes[f])
		widths[f] = uint8(wf)
		w.payload = appendField(w.payload, w.vals[f], abs, w.need[f], wf, nExc, fieldExcBytes[f])
	}
	sum := highwayhash.Sum64(w.payload, checksumKey[:])
	var hdr [blockHeaderBytes]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(n))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(w.payload)))
	binary.LittleEndian.PutUint64(hdr[8:16], sum)
	copy(hdr[16:blockHeaderBytes], widths[:])
	if _, err := w.w.Write(hdr[:]); err != nil {
		return bus.ResourceErrorf("write compressed block", err)
	}
	if _, err := w.w.Write(w.payload); err != nil {
		return bus.ResourceErrorf("write compressed block", err)
	}
	vlog.VI(2).Infof("busz: block %d: %d records, %d payload bytes, widths %v",
		w.nblocks, n, len(w.payload), widths)
	w.nblocks++
	w.recs = w.recs[:0]
	return nil
}

// Compress copies all records from r into a BUSZ stream on w, cutting
// blocks every blockSize records (DefaultBlockSize when zero). The barcode
// and UMI widths and metadata text carry over from r's header.
func Compress(r *bus.Reader, w io.Writer, blockSize int) error {
	h := r.Header()
	zw, err := NewWriter(w, Header{
		BCLen:     h.BCLen,
		UMILen:    h.UMILen,
		BlockSize: blockSize,
		Text:      h.Text,
	})
	if err != nil {
		return err
	}
	var rec bus.Record
	for r.Scan(&rec) {
		if err := zw.Write(&rec); err != nil {
			return err
		}
	}
	if err := r.Err(); err != nil {
		return err
	}
	return zw.Close()
}

// Decompress expands the BUSZ stream on r into a plain BUS stream on w.
func Decompress(r io.Reader, w io.Writer) error {
	zr, err := NewReader(r, ReaderOpts{})
	if err != nil {
		return err
	}
	bw, err := bus.NewWriter(w, zr.Header().BusHeader())
	if err != nil {
		return err
	}
	var rec bus.Record
	for zr.Scan(&rec) {
		if err := bw.Write(&rec); err != nil {
			return err
		}
	}
	return zr.Err()
}
