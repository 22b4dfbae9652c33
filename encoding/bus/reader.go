package bus

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

var errEOF = errors.New("eof")

// Reader decodes a BUS stream. The Scan method fills the next record,
// returning a boolean indicating whether a record was read. Reader does no
// buffering of its own; wrap r in a bufio.Reader when reading from a raw
// file. Readers are not threadsafe.
type Reader struct {
	r      io.Reader
	hdr    Header
	bcMax  uint64
	umiMax uint64
	buf    [RecordBytes]byte
	off    int64
	nrec   int64
	err    error
}

// NewReader reads and validates the stream header and returns a Reader
// positioned at the first record. It fails with a FormatError when the
// magic bytes mismatch, the declared lengths do not fit the packed width,
// or the header is truncated.
func NewReader(r io.Reader) (*Reader, error) {
	hdr, n, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	return &Reader{
		r:      r,
		hdr:    hdr,
		bcMax:  SeqMax(hdr.BCLen),
		umiMax: SeqMax(hdr.UMILen),
		off:    n,
	}, nil
}

// Header returns the stream header read by NewReader.
func (r *Reader) Header() Header { return r.hdr }

// Scan decodes the next record into rec. Once Scan returns false it never
// returns true again; the caller should then check Err to distinguish end
// of stream from a decoding error.
func (r *Reader) Scan(rec *Record) bool {
	if r.err != nil {
		return false
	}
	n, err := io.ReadFull(r.r, r.buf[:])
	switch err {
	case nil:
	case io.EOF:
		r.err = errEOF
		return false
	case io.ErrUnexpectedEOF:
		r.err = FormatErrorf(r.off, r.nrec, "record truncated after %d of %d bytes", n, RecordBytes)
		return false
	default:
		r.err = err
		return false
	}
	rec.Barcode = binary.LittleEndian.Uint64(r.buf[0:8])
	rec.UMI = binary.LittleEndian.Uint64(r.buf[8:16])
	rec.EC = binary.LittleEndian.Uint32(r.buf[16:20])
	rec.Count = binary.LittleEndian.Uint32(r.buf[20:24])
	rec.Flags = binary.LittleEndian.Uint32(r.buf[24:28])
	if rec.Barcode > r.bcMax || rec.UMI > r.umiMax {
		r.err = FormatErrorf(r.off, r.nrec, "record fields exceed declared widths (barcode %d bases, UMI %d bases)",
			r.hdr.BCLen, r.hdr.UMILen)
		return false
	}
	r.off += RecordBytes
	r.nrec++
	return true
}

// Err returns the first error encountered by Scan, or nil if scanning
// stopped at a clean end of stream.
func (r *Reader) Err() error {
	if r.err == errEOF {
		return nil
	}
	return r.err
}

// ReadHeader reads and validates a BUS header from r, leaving the cursor at
// the first record.
func ReadHeader(r io.Reader) (Header, error) {
	h, _, err := readHeader(r)
	return h, err
}

func readHeader(r io.Reader) (Header, int64, error) {
	var fixed [HeaderFixedBytes]byte
	n, err := io.ReadFull(r, fixed[:])
	switch err {
	case nil:
	case io.EOF, io.ErrUnexpectedEOF:
		return Header{}, int64(n), FormatErrorf(int64(n), -1, "truncated header (%d of %d bytes)", n, HeaderFixedBytes)
	default:
		return Header{}, int64(n), err
	}
	if !bytes.Equal(fixed[0:4], Magic[:]) {
		return Header{}, HeaderFixedBytes, FormatErrorf(0, -1, "bad magic %q", fixed[0:4])
	}
	h := Header{
		Version: binary.LittleEndian.Uint32(fixed[4:8]),
		BCLen:   int(binary.LittleEndian.Uint32(fixed[8:12])),
		UMILen:  int(binary.LittleEndian.Uint32(fixed[12:16])),
	}
	if err := h.Validate(); err != nil {
		return Header{}, HeaderFixedBytes, err
	}
	textLen := int(binary.LittleEndian.Uint32(fixed[16:20]))
	off := int64(HeaderFixedBytes)
	if textLen > 0 {
		text := make([]byte, textLen)
		m, err := io.ReadFull(r, text)
		off += int64(m)
		if err != nil {
			return Header{}, off, FormatErrorf(off, -1, "truncated header text (%d of %d bytes)", m, textLen)
		}
		h.Text = string(text)
	}
	return h, off, nil
}
