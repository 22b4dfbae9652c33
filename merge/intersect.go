package merge

import (
	"github.com/grailbio/bus/encoding/bus"
	"v.io/x/lib/vlog"
)

// molCompare orders records by (barcode, UMI) alone.
func molCompare(a, b *bus.Record) int {
	switch {
	case a.Barcode < b.Barcode:
		return -1
	case a.Barcode > b.Barcode:
		return 1
	case a.UMI < b.UMI:
		return -1
	case a.UMI > b.UMI:
		return 1
	}
	return 0
}

// molScanner groups a sorted stream's records by (barcode, UMI) molecule.
type molScanner struct {
	r     *bus.Reader
	seq   int
	group []bus.Record
	ahead bus.Record
	have  bool
	err   error
}

func newMolScanner(r *bus.Reader, seq int) *molScanner {
	s := &molScanner{r: r, seq: seq}
	if s.r.Scan(&s.ahead) {
		s.have = true
	} else {
		s.err = s.r.Err()
	}
	return s
}

// scan collects the next molecule's records into group. It returns false
// at end of input or on error; the caller must check err after the stream
// is exhausted.
func (s *molScanner) scan() bool {
	if s.err != nil || !s.have {
		return false
	}
	s.group = append(s.group[:0], s.ahead)
	for {
		if !s.r.Scan(&s.ahead) {
			s.have = false
			if s.err = s.r.Err(); s.err != nil {
				return false
			}
			return true
		}
		c := molCompare(&s.ahead, &s.group[0])
		if c < 0 {
			s.err = bus.FormatErrorf(-1, -1, "intersect input %d not sorted", s.seq)
			return false
		}
		if c > 0 {
			return true
		}
		s.group = append(s.group, s.ahead)
	}
}

// Intersect filters two sorted inputs down to the (barcode, UMI) molecules
// present in both, writing each input's surviving records to its own
// output in input order. Records themselves are not compared: a molecule
// shared by both inputs passes through with each side's equivalence
// classes and counts intact. All four streams must declare the same
// barcode and UMI widths.
func Intersect(r1, r2 *bus.Reader, w1, w2 *bus.Writer) error {
	h1, h2 := r1.Header(), r2.Header()
	if h1.BCLen != h2.BCLen || h1.UMILen != h2.UMILen {
		return bus.ConfigErrorf("intersect inputs declare %d/%d and %d/%d barcode/UMI bases",
			h1.BCLen, h1.UMILen, h2.BCLen, h2.UMILen)
	}
	for _, w := range []*bus.Writer{w1, w2} {
		wh := w.Header()
		if wh.BCLen != h1.BCLen || wh.UMILen != h1.UMILen {
			return bus.ConfigErrorf("intersect output declares %d barcode and %d UMI bases, inputs declare %d and %d",
				wh.BCLen, wh.UMILen, h1.BCLen, h1.UMILen)
		}
	}

	s1 := newMolScanner(r1, 1)
	s2 := newMolScanner(r2, 2)
	ok1, ok2 := s1.scan(), s2.scan()
	var shared int64
	for ok1 && ok2 {
		switch c := molCompare(&s1.group[0], &s2.group[0]); {
		case c < 0:
			ok1 = s1.scan()
		case c > 0:
			ok2 = s2.scan()
		default:
			for i := range s1.group {
				if err := w1.Write(&s1.group[i]); err != nil {
					return err
				}
			}
			for i := range s2.group {
				if err := w2.Write(&s2.group[i]); err != nil {
					return err
				}
			}
			shared++
			ok1, ok2 = s1.scan(), s2.scan()
		}
	}
	if s1.err != nil {
		return s1.err
	}
	if s2.err != nil {
		return s2.err
	}
	vlog.VI(1).Infof("intersect kept %d shared molecules", shared)
	return nil
}
