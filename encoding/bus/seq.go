package bus

import "fmt"

const invalidBaseBits = uint8(255)

var (
	asciiToBaseMap [256]uint8
	baseToASCII    = [4]byte{'A', 'C', 'G', 'T'}
)

func init() {
	for i := range asciiToBaseMap {
		asciiToBaseMap[i] = invalidBaseBits
	}
	asciiToBaseMap['A'] = 0
	asciiToBaseMap['a'] = 0
	asciiToBaseMap['C'] = 1
	asciiToBaseMap['c'] = 1
	asciiToBaseMap['G'] = 2
	asciiToBaseMap['g'] = 2
	asciiToBaseMap['T'] = 3
	asciiToBaseMap['t'] = 3
}

// PackSeq encodes a barcode or UMI of up to MaxSeqLen ACGT bases into a
// uint64, two bits per base with the first base in the most significant
// position. It fails on sequences that are empty, too long, or contain a
// base outside ACGT (Ns are not representable in the packed form).
func PackSeq(seq string) (uint64, error) {
	if len(seq) == 0 || len(seq) > MaxSeqLen {
		return 0, fmt.Errorf("bus: sequence length %d outside 1..%d", len(seq), MaxSeqLen)
	}
	var v uint64
	for i := 0; i < len(seq); i++ {
		bits := asciiToBaseMap[seq[i]]
		if bits == invalidBaseBits {
			return 0, fmt.Errorf("bus: invalid base %q in sequence %q", seq[i], seq)
		}
		v = v<<2 | uint64(bits)
	}
	return v, nil
}

// UnpackSeq decodes a packed sequence of n bases back to its string form.
// It is the inverse of PackSeq for any n in 1..MaxSeqLen.
func UnpackSeq(v uint64, n int) string {
	buf := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		buf[i] = baseToASCII[v&3]
		v >>= 2
	}
	return string(buf)
}

// SeqMax returns the largest packed value representable in n bases.
func SeqMax(n int) uint64 {
	if n >= MaxSeqLen {
		return ^uint64(0)
	}
	return uint64(1)<<uint(2*n) - 1
}
