// Package busz implements a block-compressed container for BUS records.
// Compression is lossless: decompressing a compressed stream yields exactly
// the records that were written, in order, for any valid input.
//
// A BUSZ stream opens with a header. All integers are little-endian.
//
//	magic      [4]byte  "BUSZ"
//	version    uint32   container version, currently 1
//	bcLen      uint32   barcode length in bases, 1..32
//	umiLen     uint32   UMI length in bases, 1..32
//	blockSize  uint32   target records per block, >= 1
//	textLen    uint32   length of the free-form text that follows
//	text       []byte
//
// The header is followed by blocks. Each block holds up to blockSize
// consecutive records, framed as:
//
//	nRecords   uint32   records in this block; 0 terminates the stream
//	payloadLen uint32   bytes of payload following this block header
//	checksum   uint64   HighwayHash-64 of the payload, zero key
//	widths     [5]uint8 in-line slot width per field (see below)
//
// The payload carries one section per field, in the order barcode, UMI,
// equivalence class, count, flags. Barcode slots store the difference from
// the previous record (zero at block start); UMI slots store the difference
// from the previous record's UMI, restarting from zero whenever the barcode
// changes, since UMIs restart per cell. The remaining fields store their
// values directly. Each section is patched frame-of-reference coded: a
// uint32 exception count, the exceptions as (uint32 slot index, value)
// pairs in increasing slot order, then nRecords slots bit-packed MSB-first
// at the section's width. A slot whose value needs more bits than the
// width, or whose difference would be negative, is packed as zero in line
// and its absolute field value is stored in the exception list. Exception
// values occupy 8 bytes for barcode and UMI and 4 bytes for the rest.
// Blocks are independent: no state carries across block boundaries, and a
// block decodes to exactly the records that were encoded.
//
// Widths are chosen per block to minimize the encoded size; any width that
// round-trips is valid, so the choice is a quality knob, not a contract.
package busz

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/grailbio/bus/encoding/bus"
)

// Magic marks the start of a BUSZ stream.
var Magic = [4]byte{'B', 'U', 'S', 'Z'}

// Version is the container version this package reads and writes.
const Version = 1

// DefaultBlockSize is the target record count per block used when the
// caller does not specify one.
const DefaultBlockSize = 10000

const (
	headerFixedBytes = 24
	blockHeaderBytes = 21
)

const (
	fieldBarcode = iota
	fieldUMI
	fieldEC
	fieldCount
	fieldFlags
	numFields
)

// fieldExcBytes is the exception value size per field.
var fieldExcBytes = [numFields]int{8, 8, 4, 4, 4}

// maxFieldWidth bounds the in-line slot width per field.
var maxFieldWidth = [numFields]uint8{64, 64, 32, 32, 32}

// checksumKey is the fixed zero key for block checksums.
var checksumKey [32]byte

var (
	errEOF     = errors.New("eof")
	errSection = errors.New("section overrun")
)

// Header describes one BUSZ stream. BCLen and UMILen have the same meaning
// as in a plain BUS header; BlockSize is the record count at which the
// writer cuts blocks and an upper bound on the records in any one block.
type Header struct {
	Version   uint32
	BCLen     int
	UMILen    int
	BlockSize int
	Text      string
}

// Validate checks the declared lengths and block size.
func (h *Header) Validate() error {
	if h.Version != Version {
		return bus.FormatErrorf(4, -1, "unsupported busz version %d (want %d)", h.Version, Version)
	}
	if h.BCLen <= 0 || h.BCLen > bus.MaxSeqLen {
		return bus.FormatErrorf(8, -1, "barcode length %d outside 1..%d", h.BCLen, bus.MaxSeqLen)
	}
	if h.UMILen <= 0 || h.UMILen > bus.MaxSeqLen {
		return bus.FormatErrorf(12, -1, "UMI length %d outside 1..%d", h.UMILen, bus.MaxSeqLen)
	}
	if h.BlockSize <= 0 {
		return bus.FormatErrorf(16, -1, "block size %d must be positive", h.BlockSize)
	}
	return nil
}

// BusHeader returns the plain BUS header equivalent to h, for writing
// decompressed output.
func (h *Header) BusHeader() bus.Header {
	return bus.Header{BCLen: h.BCLen, UMILen: h.UMILen, Text: h.Text}
}

func writeStreamHeader(w io.Writer, h Header) error {
	if err := h.Validate(); err != nil {
		return err
	}
	buf := make([]byte, headerFixedBytes+len(h.Text))
	copy(buf[0:4], Magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.BCLen))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.UMILen))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(h.BlockSize))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(len(h.Text)))
	copy(buf[headerFixedBytes:], h.Text)
	_, err := w.Write(buf)
	return err
}

func readStreamHeader(r io.Reader) (Header, int64, error) {
	var fixed [headerFixedBytes]byte
	n, err := io.ReadFull(r, fixed[:])
	switch err {
	case nil:
	case io.EOF, io.ErrUnexpectedEOF:
		return Header{}, int64(n), bus.FormatErrorf(int64(n), -1, "truncated busz header (%d of %d bytes)", n, headerFixedBytes)
	default:
		return Header{}, int64(n), err
	}
	if !bytes.Equal(fixed[0:4], Magic[:]) {
		return Header{}, headerFixedBytes, bus.FormatErrorf(0, -1, "bad busz magic %q", fixed[0:4])
	}
	h := Header{
		Version:   binary.LittleEndian.Uint32(fixed[4:8]),
		BCLen:     int(binary.LittleEndian.Uint32(fixed[8:12])),
		UMILen:    int(binary.LittleEndian.Uint32(fixed[12:16])),
		BlockSize: int(binary.LittleEndian.Uint32(fixed[16:20])),
	}
	if err := h.Validate(); err != nil {
		return Header{}, headerFixedBytes, err
	}
	textLen := int(binary.LittleEndian.Uint32(fixed[20:24]))
	off := int64(headerFixedBytes)
	if textLen > 0 {
		text := make([]byte, textLen)
		m, err := io.ReadFull(r, text)
		off += int64(m)
		if err != nil {
			return Header{}, off, bus.FormatErrorf(off, -1, "truncated busz header text (%d of %d bytes)", m, textLen)
		}
		h.Text = string(text)
	}
	return h, off, nil
}
