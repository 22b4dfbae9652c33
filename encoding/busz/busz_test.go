package busz

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/grailbio/bus/encoding/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeSortedRecords produces n records in non-decreasing key order with a
// realistic shape: runs of records per barcode, ascending UMIs within a
// barcode, small ECs, small counts.
func makeSortedRecords(n int, seed int64) []bus.Record {
	r := rand.New(rand.NewSource(seed))
	recs := make([]bus.Record, 0, n)
	bc := uint64(r.Intn(1000))
	for len(recs) < n {
		umi := uint64(r.Intn(100))
		for j := 0; j <= r.Intn(4) && len(recs) < n; j++ {
			recs = append(recs, bus.Record{
				Barcode: bc,
				UMI:     umi,
				EC:      uint32(r.Intn(5000)),
				Count:   uint32(1 + r.Intn(50)),
				Flags:   uint32(r.Intn(2)),
			})
			umi += uint64(r.Intn(20))
		}
		bc += uint64(1 + r.Intn(30))
	}
	// ECs are random, so enforce full key order.
	sortRecords(recs)
	return recs
}

func sortRecords(recs []bus.Record) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && bus.Compare(&recs[j], &recs[j-1]) < 0; j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}

func compressRecords(t *testing.T, recs []bus.Record, hdr Header) []byte {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, hdr)
	require.NoError(t, err)
	for i := range recs {
		require.NoError(t, w.Write(&recs[i]))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func decompressRecords(t *testing.T, data []byte) []bus.Record {
	r, err := NewReader(bytes.NewReader(data), ReaderOpts{})
	require.NoError(t, err)
	var got []bus.Record
	var rec bus.Record
	for r.Scan(&rec) {
		got = append(got, rec)
	}
	require.NoError(t, r.Err())
	return got
}

func TestRoundTrip(t *testing.T) {
	recs := makeSortedRecords(10000, 0)
	data := compressRecords(t, recs, Header{BCLen: 16, UMILen: 10, BlockSize: 512, Text: "round trip"})
	got := decompressRecords(t, data)
	require.Equal(t, len(recs), len(got))
	assert.Equal(t, recs, got)
}

func TestRoundTripBlockSizeOne(t *testing.T) {
	recs := makeSortedRecords(37, 1)
	data := compressRecords(t, recs, Header{BCLen: 16, UMILen: 10, BlockSize: 1})
	assert.Equal(t, recs, decompressRecords(t, data))
}

func TestRoundTripSingleRecord(t *testing.T) {
	recs := []bus.Record{{Barcode: 0xabcdef, UMI: 0x1234, EC: 9, Count: 3, Flags: 0}}
	data := compressRecords(t, recs, Header{BCLen: 16, UMILen: 10})
	assert.Equal(t, recs, decompressRecords(t, data))
}

func TestRoundTripEmpty(t *testing.T) {
	data := compressRecords(t, nil, Header{BCLen: 16, UMILen: 10})
	assert.Empty(t, decompressRecords(t, data))
}

func TestRoundTripUnsorted(t *testing.T) {
	// Unsorted input degrades compression but must round-trip exactly:
	// backward jumps become escape-coded absolute values.
	r := rand.New(rand.NewSource(2))
	recs := make([]bus.Record, 5000)
	for i := range recs {
		recs[i] = bus.Record{
			Barcode: r.Uint64() & 0xffffffff,
			UMI:     uint64(r.Intn(1 << 20)),
			EC:      uint32(r.Intn(1 << 30)),
			Count:   uint32(r.Intn(1 << 16)),
			Flags:   r.Uint32(),
		}
	}
	data := compressRecords(t, recs, Header{BCLen: 16, UMILen: 10, BlockSize: 256})
	assert.Equal(t, recs, decompressRecords(t, data))
}

func TestRoundTripOutliers(t *testing.T) {
	// A single huge barcode jump inside a block of small deltas exercises
	// the patched-exception path without forcing wide slots.
	recs := []bus.Record{
		{Barcode: 1, UMI: 1, EC: 1, Count: 1},
		{Barcode: 2, UMI: 1, EC: 1, Count: 1},
		{Barcode: 3, UMI: 1, EC: 1, Count: 1},
		{Barcode: 1 << 50, UMI: 1, EC: 1, Count: 1},
		{Barcode: 1<<50 + 1, UMI: 1, EC: 1, Count: 1},
		{Barcode: 1<<50 + 2, UMI: 1, EC: 1, Count: 1},
	}
	data := compressRecords(t, recs, Header{BCLen: 32, UMILen: 10})
	assert.Equal(t, recs, decompressRecords(t, data))
}

func TestRoundTripMaxWidths(t *testing.T) {
	recs := []bus.Record{
		{Barcode: 0, UMI: 0, EC: 0, Count: 0, Flags: 0},
		{Barcode: ^uint64(0), UMI: ^uint64(0), EC: ^uint32(0), Count: ^uint32(0), Flags: ^uint32(0)},
	}
	data := compressRecords(t, recs, Header{BCLen: 32, UMILen: 32})
	assert.Equal(t, recs, decompressRecords(t, data))
}

func TestCompressionShrinksSortedInput(t *testing.T) {
	recs := makeSortedRecords(20000, 3)
	data := compressRecords(t, recs, Header{BCLen: 16, UMILen: 10})
	raw := len(recs) * bus.RecordBytes
	assert.Truef(t, len(data) < raw/2, "compressed %d bytes, raw %d bytes", len(data), raw)
}

func TestCompressDecompress(t *testing.T) {
	recs := makeSortedRecords(3000, 4)
	var plain bytes.Buffer
	bw, err := bus.NewWriter(&plain, bus.Header{BCLen: 16, UMILen: 10, Text: "pipeline"})
	require.NoError(t, err)
	for i := range recs {
		require.NoError(t, bw.Write(&recs[i]))
	}

	br, err := bus.NewReader(bytes.NewReader(plain.Bytes()))
	require.NoError(t, err)
	var compressed bytes.Buffer
	require.NoError(t, Compress(br, &compressed, 777))

	var restored bytes.Buffer
	require.NoError(t, Decompress(bytes.NewReader(compressed.Bytes()), &restored))
	assert.Equal(t, plain.Bytes(), restored.Bytes())
}

func TestHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeStreamHeader(&buf, Header{
		Version: Version, BCLen: 16, UMILen: 12, BlockSize: 5000, Text: "busz",
	}))
	got, _, err := readStreamHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, Header{Version: Version, BCLen: 16, UMILen: 12, BlockSize: 5000, Text: "busz"}, got)
}

func TestHeaderErrors(t *testing.T) {
	base := func() []byte {
		var buf bytes.Buffer
		require.NoError(t, writeStreamHeader(&buf, Header{Version: Version, BCLen: 16, UMILen: 10, BlockSize: 100}))
		return buf.Bytes()
	}
	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"bad magic", func(b []byte) []byte { b[0] = 'X'; return b }},
		{"bad version", func(b []byte) []byte { b[4] = 99; return b }},
		{"zero barcode len", func(b []byte) []byte { b[8] = 0; return b }},
		{"oversize barcode len", func(b []byte) []byte { b[8] = 33; return b }},
		{"zero block size", func(b []byte) []byte { b[16] = 0; return b }},
		{"truncated", func(b []byte) []byte { return b[:10] }},
	}
	for _, test := range tests {
		_, _, err := readStreamHeader(bytes.NewReader(test.mutate(base())))
		require.Errorf(t, err, "case %s", test.name)
		assert.Truef(t, bus.IsFormat(err), "case %s: %v", test.name, err)
	}
}

func TestConfigMismatch(t *testing.T) {
	data := compressRecords(t, makeSortedRecords(10, 5), Header{BCLen: 16, UMILen: 10})

	_, err := NewReader(bytes.NewReader(data), ReaderOpts{ExpectBCLen: 14})
	require.Error(t, err)
	assert.True(t, bus.IsConfig(err))

	_, err = NewReader(bytes.NewReader(data), ReaderOpts{ExpectUMILen: 12})
	require.Error(t, err)
	assert.True(t, bus.IsConfig(err))

	r, err := NewReader(bytes.NewReader(data), ReaderOpts{ExpectBCLen: 16, ExpectUMILen: 10})
	require.NoError(t, err)
	assert.Equal(t, 16, r.Header().BCLen)
}

func TestChecksumMismatch(t *testing.T) {
	data := compressRecords(t, makeSortedRecords(100, 6), Header{BCLen: 16, UMILen: 10, BlockSize: 64})
	// Flip one payload byte in the first block, just past the stream and
	// block headers.
	data[headerFixedBytes+blockHeaderBytes+3] ^= 0xff

	r, err := NewReader(bytes.NewReader(data), ReaderOpts{})
	require.NoError(t, err)
	var rec bus.Record
	for r.Scan(&rec) {
	}
	err = r.Err()
	require.Error(t, err)
	assert.True(t, bus.IsFormat(err))
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestMissingTerminator(t *testing.T) {
	data := compressRecords(t, makeSortedRecords(10, 7), Header{BCLen: 16, UMILen: 10})
	data = data[:len(data)-blockHeaderBytes]

	r, err := NewReader(bytes.NewReader(data), ReaderOpts{})
	require.NoError(t, err)
	var rec bus.Record
	n := 0
	for r.Scan(&rec) {
		n++
	}
	assert.Equal(t, 10, n)
	err = r.Err()
	require.Error(t, err)
	assert.True(t, bus.IsFormat(err))
	assert.Contains(t, err.Error(), "terminator")
}

func TestInconsistentWidths(t *testing.T) {
	data := compressRecords(t, makeSortedRecords(100, 8), Header{BCLen: 16, UMILen: 10, BlockSize: 64})
	// Inflate the declared barcode width of the first block so the field
	// sections no longer fit the payload. The checksum covers only the
	// payload, so this corruption must be caught by section validation.
	off := headerFixedBytes + 16
	require.True(t, data[off] < 64)
	data[off] = 64

	r, err := NewReader(bytes.NewReader(data), ReaderOpts{})
	require.NoError(t, err)
	var rec bus.Record
	for r.Scan(&rec) {
	}
	err = r.Err()
	require.Error(t, err)
	assert.True(t, bus.IsFormat(err))
}

func TestOversizeBlock(t *testing.T) {
	data := compressRecords(t, makeSortedRecords(100, 9), Header{BCLen: 16, UMILen: 10, BlockSize: 64})
	// A block claiming more records than the stream block size is
	// structurally invalid even if its payload were parseable.
	data[headerFixedBytes] = 65

	r, err := NewReader(bytes.NewReader(data), ReaderOpts{})
	require.NoError(t, err)
	var rec bus.Record
	for r.Scan(&rec) {
	}
	require.Error(t, r.Err())
	assert.True(t, bus.IsFormat(r.Err()))
}

func TestWriteRejectsOversizeFields(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, Header{BCLen: 4, UMILen: 4})
	require.NoError(t, err)
	err = w.Write(&bus.Record{Barcode: 1 << 8, Count: 1})
	require.Error(t, err)
	assert.True(t, bus.IsFormat(err))
}

func TestWriteAfterClose(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, Header{BCLen: 4, UMILen: 4})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.Error(t, w.Write(&bus.Record{Count: 1}))
	assert.NoError(t, w.Close())
}
