package bus

import (
	"encoding/binary"
	"io"
)

// Writer encodes a BUS stream. The header is written once by NewWriter;
// Write appends records. Writer does no buffering of its own; wrap w in a
// bufio.Writer when writing to a raw file. Writers are not threadsafe.
type Writer struct {
	w      io.Writer
	hdr    Header
	bcMax  uint64
	umiMax uint64
	buf    [RecordBytes]byte
	off    int64
	nrec   int64
}

// NewWriter validates h, writes the stream header to w, and returns a
// Writer for appending records. A zero h.Version is filled in with Version.
func NewWriter(w io.Writer, h Header) (*Writer, error) {
	if h.Version == 0 {
		h.Version = Version
	}
	if err := WriteHeader(w, h); err != nil {
		return nil, err
	}
	return &Writer{
		w:      w,
		hdr:    h,
		bcMax:  SeqMax(h.BCLen),
		umiMax: SeqMax(h.UMILen),
		off:    int64(HeaderFixedBytes + len(h.Text)),
	}, nil
}

// Header returns the header written by NewWriter.
func (w *Writer) Header() Header { return w.hdr }

// Write appends one record. Records whose packed barcode or UMI exceed the
// widths declared in the header are rejected with a FormatError rather than
// silently truncated.
func (w *Writer) Write(rec *Record) error {
	if rec.Barcode > w.bcMax || rec.UMI > w.umiMax {
		return FormatErrorf(w.off, w.nrec, "record fields exceed declared widths (barcode %d bases, UMI %d bases)",
			w.hdr.BCLen, w.hdr.UMILen)
	}
	binary.LittleEndian.PutUint64(w.buf[0:8], rec.Barcode)
	binary.LittleEndian.PutUint64(w.buf[8:16], rec.UMI)
	binary.LittleEndian.PutUint32(w.buf[16:20], rec.EC)
	binary.LittleEndian.PutUint32(w.buf[20:24], rec.Count)
	binary.LittleEndian.PutUint32(w.buf[24:28], rec.Flags)
	// buf[28:32] is the pad word and stays zero.
	if _, err := w.w.Write(w.buf[:]); err != nil {
		return err
	}
	w.off += RecordBytes
	w.nrec++
	return nil
}

// WriteHeader validates h and writes it to w. Most callers should use
// NewWriter instead; WriteHeader exists for tools that emit records through
// their own paths.
func WriteHeader(w io.Writer, h Header) error {
	if h.Version == 0 {
		h.Version = Version
	}
	if err := h.Validate(); err != nil {
		return err
	}
	buf := make([]byte, HeaderFixedBytes+len(h.Text))
	copy(buf[0:4], Magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.BCLen))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.UMILen))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(h.Text)))
	copy(buf[HeaderFixedBytes:], h.Text)
	_, err := w.Write(buf)
	return err
}
