package merge

import (
	"bytes"
	"math/rand"
	"os"
	"sort"
	"testing"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/bus/encoding/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testHeader = bus.Header{Version: bus.Version, BCLen: 8, UMILen: 6, Text: "test"}

func encodeRecords(t *testing.T, h bus.Header, recs []bus.Record) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	w, err := bus.NewWriter(buf, h)
	require.NoError(t, err)
	for i := range recs {
		require.NoError(t, w.Write(&recs[i]))
	}
	return buf
}

func newReader(t *testing.T, h bus.Header, recs []bus.Record) *bus.Reader {
	t.Helper()
	r, err := bus.NewReader(encodeRecords(t, h, recs))
	require.NoError(t, err)
	return r
}

func decodeRecords(t *testing.T, buf *bytes.Buffer) []bus.Record {
	t.Helper()
	r, err := bus.NewReader(buf)
	require.NoError(t, err)
	var recs []bus.Record
	var rec bus.Record
	for r.Scan(&rec) {
		recs = append(recs, rec)
	}
	require.NoError(t, r.Err())
	return recs
}

func mergeBUS(t *testing.T, inputs ...[]bus.Record) []bus.Record {
	t.Helper()
	rs := make([]*bus.Reader, len(inputs))
	for i, recs := range inputs {
		rs[i] = newReader(t, testHeader, recs)
	}
	buf := &bytes.Buffer{}
	w, err := bus.NewWriter(buf, testHeader)
	require.NoError(t, err)
	require.NoError(t, Merge(rs, w))
	return decodeRecords(t, buf)
}

func TestMergeScenario(t *testing.T) {
	got := mergeBUS(t,
		[]bus.Record{
			{Barcode: 0, UMI: 1, EC: 0, Count: 12},
			{Barcode: 0, UMI: 1, EC: 1, Count: 2},
			{Barcode: 0, UMI: 1, EC: 1, Count: 1}, // aggregates with the previous record
			{Barcode: 1, UMI: 0, EC: 0, Count: 1},
			{Barcode: 2, UMI: 0, EC: 0, Count: 1},
		},
		[]bus.Record{
			{Barcode: 1, UMI: 0, EC: 0, Count: 2},
			{Barcode: 2, UMI: 0, EC: 1, Count: 2},
		})
	assert.Equal(t, []bus.Record{
		{Barcode: 0, UMI: 1, EC: 0, Count: 12},
		{Barcode: 0, UMI: 1, EC: 1, Count: 3},
		{Barcode: 1, UMI: 0, EC: 0, Count: 3},
		{Barcode: 2, UMI: 0, EC: 0, Count: 1},
		{Barcode: 2, UMI: 0, EC: 1, Count: 2},
	}, got)
}

func TestMergeFlags(t *testing.T) {
	// Equal sort keys with distinct flags stay separate records, in
	// ascending flags order.
	got := mergeBUS(t,
		[]bus.Record{{Barcode: 0, UMI: 0, EC: 0, Count: 5, Flags: 2}},
		[]bus.Record{
			{Barcode: 0, UMI: 0, EC: 0, Count: 2, Flags: 1},
			{Barcode: 0, UMI: 0, EC: 0, Count: 3, Flags: 2},
		})
	assert.Equal(t, []bus.Record{
		{Barcode: 0, UMI: 0, EC: 0, Count: 2, Flags: 1},
		{Barcode: 0, UMI: 0, EC: 0, Count: 8, Flags: 2},
	}, got)
}

func TestMergeSingleInput(t *testing.T) {
	got := mergeBUS(t, []bus.Record{
		{Barcode: 0, UMI: 0, EC: 0, Count: 1},
		{Barcode: 0, UMI: 0, EC: 0, Count: 2},
		{Barcode: 0, UMI: 1, EC: 0, Count: 1},
	})
	assert.Equal(t, []bus.Record{
		{Barcode: 0, UMI: 0, EC: 0, Count: 3},
		{Barcode: 0, UMI: 1, EC: 0, Count: 1},
	}, got)
}

func TestMergeEmpty(t *testing.T) {
	assert.Empty(t, mergeBUS(t))
	assert.Empty(t, mergeBUS(t, nil, nil))
	got := mergeBUS(t, nil, []bus.Record{{Barcode: 1, Count: 1}})
	assert.Equal(t, []bus.Record{{Barcode: 1, Count: 1}}, got)
}

func TestMergeHeaderMismatch(t *testing.T) {
	other := bus.Header{Version: bus.Version, BCLen: 4, UMILen: 6, Text: "other"}
	rs := []*bus.Reader{
		newReader(t, testHeader, nil),
		newReader(t, other, nil),
	}
	w, err := bus.NewWriter(&bytes.Buffer{}, testHeader)
	require.NoError(t, err)
	err = Merge(rs, w)
	require.Error(t, err)
	assert.True(t, bus.IsConfig(err))
}

func TestMergeUnsorted(t *testing.T) {
	rs := []*bus.Reader{newReader(t, testHeader, []bus.Record{
		{Barcode: 2, Count: 1},
		{Barcode: 1, Count: 1},
	})}
	w, err := bus.NewWriter(&bytes.Buffer{}, testHeader)
	require.NoError(t, err)
	err = Merge(rs, w)
	require.Error(t, err)
	assert.True(t, bus.IsFormat(err))
}

func TestMergeRandom(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	inputs := make([][]bus.Record, 4)
	type key struct {
		bc, umi  uint64
		ec, flag uint32
	}
	want := map[key]uint32{}
	for i := range inputs {
		n := 200 + r.Intn(400)
		recs := make([]bus.Record, n)
		for j := range recs {
			recs[j] = bus.Record{
				Barcode: uint64(r.Intn(32)),
				UMI:     uint64(r.Intn(8)),
				EC:      uint32(r.Intn(4)),
				Count:   uint32(1 + r.Intn(9)),
				Flags:   uint32(r.Intn(2)),
			}
			k := key{recs[j].Barcode, recs[j].UMI, recs[j].EC, recs[j].Flags}
			want[k] += recs[j].Count
		}
		sort.Slice(recs, func(a, b int) bool { return bus.Compare(&recs[a], &recs[b]) < 0 })
		inputs[i] = recs
	}
	expect := make([]bus.Record, 0, len(want))
	for k, count := range want {
		expect = append(expect, bus.Record{Barcode: k.bc, UMI: k.umi, EC: k.ec, Count: count, Flags: k.flag})
	}
	sort.Slice(expect, func(a, b int) bool {
		if c := bus.Compare(&expect[a], &expect[b]); c != 0 {
			return c < 0
		}
		return expect[a].Flags < expect[b].Flags
	})
	assert.Equal(t, expect, mergeBUS(t, inputs...))
}

func intersectBUS(t *testing.T, in1, in2 []bus.Record) ([]bus.Record, []bus.Record) {
	t.Helper()
	buf1, buf2 := &bytes.Buffer{}, &bytes.Buffer{}
	w1, err := bus.NewWriter(buf1, testHeader)
	require.NoError(t, err)
	w2, err := bus.NewWriter(buf2, testHeader)
	require.NoError(t, err)
	err = Intersect(newReader(t, testHeader, in1), newReader(t, testHeader, in2), w1, w2)
	require.NoError(t, err)
	return decodeRecords(t, buf1), decodeRecords(t, buf2)
}

func TestIntersectScenario(t *testing.T) {
	in1 := []bus.Record{
		{Barcode: 0, UMI: 21, EC: 0, Count: 2},
		{Barcode: 1, UMI: 2, EC: 0, Count: 12},
		{Barcode: 1, UMI: 3, EC: 0, Count: 2},
		{Barcode: 3, UMI: 0, EC: 0, Count: 2},
		{Barcode: 3, UMI: 0, EC: 1, Count: 2},
	}
	in2 := []bus.Record{
		{Barcode: 1, UMI: 2, EC: 1, Count: 12},
		{Barcode: 2, UMI: 3, EC: 1, Count: 2},
		{Barcode: 3, UMI: 0, EC: 1, Count: 2},
	}
	got1, got2 := intersectBUS(t, in1, in2)
	// Shared molecules are (1,2) and (3,0); each side keeps its own
	// records, equivalence classes and counts untouched.
	assert.Equal(t, []bus.Record{in1[1], in1[3], in1[4]}, got1)
	assert.Equal(t, []bus.Record{in2[0], in2[2]}, got2)
}

func TestIntersectDisjoint(t *testing.T) {
	got1, got2 := intersectBUS(t,
		[]bus.Record{{Barcode: 0, UMI: 1, Count: 1}},
		[]bus.Record{{Barcode: 0, UMI: 2, Count: 1}, {Barcode: 5, UMI: 0, Count: 1}})
	assert.Empty(t, got1)
	assert.Empty(t, got2)
}

func TestIntersectEmpty(t *testing.T) {
	got1, got2 := intersectBUS(t, nil, []bus.Record{{Barcode: 1, Count: 1}})
	assert.Empty(t, got1)
	assert.Empty(t, got2)
}

func TestIntersectHeaderMismatch(t *testing.T) {
	other := bus.Header{Version: bus.Version, BCLen: 4, UMILen: 6, Text: "other"}
	w1, err := bus.NewWriter(&bytes.Buffer{}, testHeader)
	require.NoError(t, err)
	w2, err := bus.NewWriter(&bytes.Buffer{}, testHeader)
	require.NoError(t, err)
	err = Intersect(newReader(t, testHeader, nil), newReader(t, other, nil), w1, w2)
	require.Error(t, err)
	assert.True(t, bus.IsConfig(err))

	wo, err := bus.NewWriter(&bytes.Buffer{}, other)
	require.NoError(t, err)
	err = Intersect(newReader(t, testHeader, nil), newReader(t, testHeader, nil), w1, wo)
	require.Error(t, err)
	assert.True(t, bus.IsConfig(err))
}

func TestIntersectUnsorted(t *testing.T) {
	w1, err := bus.NewWriter(&bytes.Buffer{}, testHeader)
	require.NoError(t, err)
	w2, err := bus.NewWriter(&bytes.Buffer{}, testHeader)
	require.NoError(t, err)
	err = Intersect(
		newReader(t, testHeader, []bus.Record{{Barcode: 2, Count: 1}, {Barcode: 1, Count: 1}}),
		newReader(t, testHeader, []bus.Record{{Barcode: 1, Count: 1}}),
		w1, w2)
	require.Error(t, err)
	assert.True(t, bus.IsFormat(err))
}

func TestIntersectRandom(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	gen := func() []bus.Record {
		n := 300 + r.Intn(300)
		recs := make([]bus.Record, n)
		for i := range recs {
			recs[i] = bus.Record{
				Barcode: uint64(r.Intn(48)),
				UMI:     uint64(r.Intn(6)),
				EC:      uint32(r.Intn(100)),
				Count:   uint32(1 + r.Intn(9)),
			}
		}
		sort.Slice(recs, func(a, b int) bool { return bus.Compare(&recs[a], &recs[b]) < 0 })
		return recs
	}
	in1, in2 := gen(), gen()

	type mol struct{ bc, umi uint64 }
	mols1, mols2 := map[mol]bool{}, map[mol]bool{}
	for _, rec := range in1 {
		mols1[mol{rec.Barcode, rec.UMI}] = true
	}
	for _, rec := range in2 {
		mols2[mol{rec.Barcode, rec.UMI}] = true
	}
	filter := func(recs []bus.Record, other map[mol]bool) []bus.Record {
		var kept []bus.Record
		for _, rec := range recs {
			if other[mol{rec.Barcode, rec.UMI}] {
				kept = append(kept, rec)
			}
		}
		return kept
	}

	got1, got2 := intersectBUS(t, in1, in2)
	assert.Equal(t, filter(in1, mols2), got1)
	assert.Equal(t, filter(in2, mols1), got2)
}

func TestMain(m *testing.M) {
	shutdown := grail.Init()
	status := m.Run()
	shutdown()
	os.Exit(status)
}
