package busz

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBitPackRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(0))
	for _, width := range []uint{0, 1, 2, 3, 5, 7, 8, 9, 13, 16, 17, 31, 32, 33, 48, 63, 64} {
		n := 1 + r.Intn(1000)
		vals := make([]uint64, n)
		mask := ^uint64(0)
		if width < 64 {
			mask = uint64(1)<<width - 1
		}
		for i := range vals {
			vals[i] = r.Uint64() & mask
		}
		bw := bitWriter{}
		for _, v := range vals {
			bw.put(v, width)
		}
		buf := bw.finish()
		assert.Equal(t, (n*int(width)+7)/8, len(buf), "width %d", width)

		br := bitReader{buf: buf}
		for i, want := range vals {
			got := br.read(width)
			require.Equalf(t, want, got, "width %d, slot %d", width, i)
		}
		assert.False(t, br.err)
	}
}

func TestBitReaderOverrun(t *testing.T) {
	br := bitReader{buf: []byte{0xff}}
	br.read(8)
	assert.False(t, br.err)
	br.read(1)
	assert.True(t, br.err)
}

func TestChooseWidth(t *testing.T) {
	tests := []struct {
		name      string
		need      []uint8
		excBytes  int
		wantWidth uint
		wantExc   int
	}{
		{"all zero", []uint8{0, 0, 0, 0}, 8, 0, 0},
		{"uniform small", []uint8{3, 3, 2, 1}, 8, 3, 0},
		{"forced only", []uint8{forcedExc, 0, 0, 0}, 8, 0, 1},
		// One 40-bit outlier among many 4-bit values: patching the
		// outlier is cheaper than widening every slot.
		{"outlier", append(repeatNeed(4, 100), 40), 8, 4, 1},
	}
	for _, test := range tests {
		width, exc := chooseWidth(test.need, test.excBytes)
		assert.Equalf(t, test.wantWidth, width, "case %s", test.name)
		assert.Equalf(t, test.wantExc, exc, "case %s", test.name)
	}
}

func repeatNeed(v uint8, n int) []uint8 {
	s := make([]uint8, n)
	for i := range s {
		s[i] = v
	}
	return s
}
