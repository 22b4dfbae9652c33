// Package bus implements the BUS binary format for single-cell RNA-seq
// pseudo-alignment records. Each record pairs a cell barcode and a UMI with
// the equivalence class (transcript set) the read aligned to and the number
// of reads observed for that triple.
//
// A BUS file is laid out as follows. All integers are little-endian.
//
//	magic      [4]byte  "BUS\x00"
//	version    uint32   format version, currently 1
//	bcLen      uint32   barcode length in bases, 1..32
//	umiLen     uint32   UMI length in bases, 1..32
//	textLen    uint32   length of the free-form text that follows
//	text       []byte   textLen bytes of metadata
//
// The header is followed by zero or more fixed-size records:
//
//	barcode    uint64   2bit-packed barcode, MSB-first (Seq encoding)
//	umi        uint64   2bit-packed UMI
//	ec         uint32   equivalence class id
//	count      uint32   number of reads
//	flags      uint32
//	pad        uint32   reserved, written as zero
//
// Barcode and UMI lengths are fixed for the lifetime of a file by its
// header; every record is interpreted using those lengths. A stream is
// "sorted" when its records are non-decreasing under Compare, that is under
// the (barcode, UMI, ec) tuple ordered as unsigned integers. Group-wise
// consumers (counting, inspection, compression) require sorted input.
package bus

import (
	"fmt"
)

// Magic marks the start of a plain BUS stream.
var Magic = [4]byte{'B', 'U', 'S', 0}

// Version is the BUS format version this package reads and writes.
const Version = 1

const (
	// HeaderFixedBytes is the size of the header before the variable-length
	// text section.
	HeaderFixedBytes = 20
	// RecordBytes is the on-disk size of one record.
	RecordBytes = 32
	// MaxSeqLen is the longest barcode or UMI representable in a packed
	// uint64, two bits per base.
	MaxSeqLen = 32
)

// Header describes the fixed record layout of one BUS stream. BCLen and
// UMILen are immutable for the stream's lifetime; records that follow are
// interpreted using these lengths.
type Header struct {
	// Version is the format version, Version for streams written here.
	Version uint32
	// BCLen is the barcode length in bases.
	BCLen int
	// UMILen is the UMI length in bases.
	UMILen int
	// Text is free-form metadata, typically the name of the producing
	// pipeline.
	Text string
}

// Validate checks that the declared lengths fit the packed integer width.
func (h *Header) Validate() error {
	if h.Version != Version {
		return &FormatError{Off: 4, Rec: -1, Msg: fmt.Sprintf("unsupported version %d (want %d)", h.Version, Version)}
	}
	if h.BCLen <= 0 || h.BCLen > MaxSeqLen {
		return &FormatError{Off: 8, Rec: -1, Msg: fmt.Sprintf("barcode length %d outside 1..%d", h.BCLen, MaxSeqLen)}
	}
	if h.UMILen <= 0 || h.UMILen > MaxSeqLen {
		return &FormatError{Off: 12, Rec: -1, Msg: fmt.Sprintf("UMI length %d outside 1..%d", h.UMILen, MaxSeqLen)}
	}
	return nil
}

// Record is one pseudo-alignment event: Count reads carrying the same
// barcode and UMI, assigned to equivalence class EC.
type Record struct {
	// Barcode is the packed cell barcode (Seq encoding, Header.BCLen bases).
	Barcode uint64
	// UMI is the packed molecular identifier (Header.UMILen bases).
	UMI uint64
	// EC identifies the equivalence class the read set is compatible with.
	EC uint32
	// Count is the number of reads observed for this (barcode, UMI, EC).
	Count uint32
	// Flags carries producer-defined bits and is preserved verbatim.
	Flags uint32
}

// Compare orders records by (barcode, UMI, EC), each compared as an
// unsigned integer. It returns -1 if a sorts before b, +1 if after, and 0
// if the keys are equal. Count and Flags do not participate in the order.
func Compare(a, b *Record) int {
	switch {
	case a.Barcode < b.Barcode:
		return -1
	case a.Barcode > b.Barcode:
		return 1
	case a.UMI < b.UMI:
		return -1
	case a.UMI > b.UMI:
		return 1
	case a.EC < b.EC:
		return -1
	case a.EC > b.EC:
		return 1
	}
	return 0
}
