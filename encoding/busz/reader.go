package busz

import (
	"encoding/binary"
	"io"

	"github.com/grailbio/bus/encoding/bus"
	"github.com/minio/highwayhash"
	"v.io/x/lib/vlog"
)

// ReaderOpts configures stream-open expectations.
type ReaderOpts struct {
	// ExpectBCLen, when nonzero, requires the stream to declare this
	// barcode length; a mismatch fails with a ConfigError at open.
	ExpectBCLen int
	// ExpectUMILen is the UMI analog of ExpectBCLen.
	ExpectUMILen int
}

// Reader decompresses a BUSZ stream block by block. Scan yields records in
// their stored order; it returns false at the stream terminator or on the
// first malformed block, distinguishable through Err. Readers are not
// threadsafe.
type Reader struct {
	r       io.Reader
	hdr     Header
	bcMax   uint64
	umiMax  uint64
	recs    []bus.Record
	next    int
	off     int64
	nrec    int64
	nblocks int64
	err     error
	payload []byte
	vals    [numFields][]uint64
	isExc   [numFields][]bool
	hdrBuf  [blockHeaderBytes]byte
}

// NewReader reads and validates the stream header and returns a Reader
// positioned at the first block.
func NewReader(r io.Reader, opts ReaderOpts) (*Reader, error) {
	hdr, off, err := readStreamHeader(r)
	if err != nil {
		return nil, err
	}
	if opts.ExpectBCLen != 0 && opts.ExpectBCLen != hdr.BCLen {
		return nil, bus.ConfigErrorf("stream declares barcode length %d, caller expects %d", hdr.BCLen, opts.ExpectBCLen)
	}
	if opts.ExpectUMILen != 0 && opts.ExpectUMILen != hdr.UMILen {
		return nil, bus.ConfigErrorf("stream declares UMI length %d, caller expects %d", hdr.UMILen, opts.ExpectUMILen)
	}
	return &Reader{
		r:      r,
		hdr:    hdr,
		bcMax:  bus.SeqMax(hdr.BCLen),
		umiMax: bus.SeqMax(hdr.UMILen),
		off:    off,
	}, nil
}

// Header returns the stream header read by NewReader.
func (r *Reader) Header() Header { return r.hdr }

// Scan decodes the next record into rec. Once Scan returns false it never
// returns true again; check Err to distinguish the stream terminator from
// a decoding error.
func (r *Reader) Scan(rec *bus.Record) bool {
	if r.err != nil {
		return false
	}
	for r.next >= len(r.recs) {
		if !r.readBlock() {
			return false
		}
	}
	*rec = r.recs[r.next]
	r.next++
	r.nrec++
	return true
}

// Err returns the first error encountered by Scan, or nil if scanning
// stopped at the stream terminator.
func (r *Reader) Err() error {
	if r.err == errEOF {
		return nil
	}
	return r.err
}

func (r *Reader) readBlock() bool {
	n, err := io.ReadFull(r.r, r.hdrBuf[:])
	switch err {
	case nil:
	case io.EOF, io.ErrUnexpectedEOF:
		r.err = bus.FormatErrorf(r.off+int64(n), r.nrec,
			"truncated block header (%d of %d bytes); stream is missing its terminator", n, blockHeaderBytes)
		return false
	default:
		r.err = err
		return false
	}
	nRecs := int(binary.LittleEndian.Uint32(r.hdrBuf[0:4]))
	payloadLen := int(binary.LittleEndian.Uint32(r.hdrBuf[4:8]))
	sum := binary.LittleEndian.Uint64(r.hdrBuf[8:16])
	var widths [numFields]uint8
	copy(widths[:], r.hdrBuf[16:blockHeaderBytes])
	blockOff := r.off
	r.off += blockHeaderBytes
	if nRecs == 0 {
		if payloadLen != 0 {
			r.err = bus.FormatErrorf(blockOff, r.nrec, "terminator block declares %d payload bytes", payloadLen)
		} else {
			r.err = errEOF
		}
		return false
	}
	if nRecs > r.hdr.BlockSize {
		r.err = bus.FormatErrorf(blockOff, r.nrec, "block declares %d records, above the stream block size %d",
			nRecs, r.hdr.BlockSize)
		return false
	}
	for f, wd := range widths {
		if wd > maxFieldWidth[f] {
			r.err = bus.FormatErrorf(blockOff, r.nrec, "field %d declares slot width %d, above %d",
				f, wd, maxFieldWidth[f])
			return false
		}
	}
	if cap(r.payload) < payloadLen {
		r.payload = make([]byte, payloadLen)
	}
	r.payload = r.payload[:payloadLen]
	if m, err := io.ReadFull(r.r, r.payload); err != nil {
		switch err {
		case io.EOF, io.ErrUnexpectedEOF:
			r.err = bus.FormatErrorf(r.off+int64(m), r.nrec, "truncated block payload (%d of %d bytes)", m, payloadLen)
		default:
			r.err = err
		}
		return false
	}
	if got := highwayhash.Sum64(r.payload, checksumKey[:]); got != sum {
		r.err = bus.FormatErrorf(blockOff, r.nrec, "block checksum mismatch (stored %016x, computed %016x)", sum, got)
		return false
	}
	for f := 0; f < numFields; f++ {
		if cap(r.vals[f]) < nRecs {
			r.vals[f] = make([]uint64, nRecs)
			r.isExc[f] = make([]bool, nRecs)
		}
		r.vals[f] = r.vals[f][:nRecs]
		r.isExc[f] = r.isExc[f][:nRecs]
	}
	off := 0
	for f := 0; f < numFields; f++ {
		off, err = decodeField(r.payload, off, r.vals[f], r.isExc[f], uint(widths[f]), fieldExcBytes[f])
		if err != nil {
			r.err = bus.FormatErrorf(blockOff, r.nrec,
				"field %d section inconsistent with record count %d and width %d", f, nRecs, widths[f])
			return false
		}
	}
	if off != payloadLen {
		r.err = bus.FormatErrorf(blockOff, r.nrec, "block payload has %d trailing bytes", payloadLen-off)
		return false
	}
	if cap(r.recs) < nRecs {
		r.recs = make([]bus.Record, nRecs)
	}
	r.recs = r.recs[:nRecs]
	prevBC, prevUMI := uint64(0), uint64(0)
	for i := 0; i < nRecs; i++ {
		bc := r.vals[fieldBarcode][i]
		if !r.isExc[fieldBarcode][i] {
			bc += prevBC
		}
		umi := r.vals[fieldUMI][i]
		if !r.isExc[fieldUMI][i] && i > 0 && bc == prevBC {
			umi += prevUMI
		}
		if bc > r.bcMax || umi > r.umiMax {
			r.err = bus.FormatErrorf(blockOff, r.nrec+int64(i),
				"decoded record exceeds declared widths (barcode %d bases, UMI %d bases)", r.hdr.BCLen, r.hdr.UMILen)
			return false
		}
		r.recs[i] = bus.Record{
			Barcode: bc,
			UMI:     umi,
			EC:      uint32(r.vals[fieldEC][i]),
			Count:   uint32(r.vals[fieldCount][i]),
			Flags:   uint32(r.vals[fieldFlags][i]),
		}
		prevBC, prevUMI = bc, umi
	}
	vlog.VI(2).Infof("busz: decoded block %d: %d records, %d payload bytes", r.nblocks, nRecs, payloadLen)
	r.off += int64(payloadLen)
	r.next = 0
	r.nblocks++
	return true
}
