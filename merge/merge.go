// Package merge combines sorted BUS streams. Merge folds any number of
// sorted inputs into one sorted stream, aggregating records that agree in
// every field but the count; Intersect restricts two sorted inputs to the
// (barcode, UMI) molecules they share.
package merge

import (
	"sort"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/bus/encoding/bus"
	"v.io/x/lib/vlog"
)

// mergeLeaf tracks one input's current record in the merge tree. seq is
// the input's position, distinguishing leafs whose records compare equal
// and naming the input in error messages.
type mergeLeaf struct {
	seq     int
	r       *bus.Reader
	rec     bus.Record
	prev    bus.Record
	started bool
	err     error
}

// scan advances to the next record. It returns false at end of input or on
// error; the caller must check err after a false return.
func (l *mergeLeaf) scan() bool {
	if !l.r.Scan(&l.rec) {
		l.err = l.r.Err()
		return false
	}
	if l.started && bus.Compare(&l.rec, &l.prev) < 0 {
		l.err = bus.FormatErrorf(-1, -1, "merge input %d not sorted", l.seq)
		return false
	}
	l.prev, l.started = l.rec, true
	return true
}

func (l *mergeLeaf) Compare(c1 llrb.Comparable) int {
	l1 := c1.(*mergeLeaf)
	if c := bus.Compare(&l.rec, &l1.rec); c != 0 {
		return c
	}
	return l.seq - l1.seq
}

// aggregator folds a nondecreasing record stream, summing the counts of
// records identical in (barcode, UMI, equivalence class, flags). Records
// sharing a sort key but differing in flags are emitted separately, in
// ascending flags order.
type aggregator struct {
	w     *bus.Writer
	open  bool
	group []bus.Record // records of the current key, one per flags value
	nOut  int64
}

func (a *aggregator) add(rec bus.Record) error {
	if a.open && bus.Compare(&rec, &a.group[0]) == 0 {
		for i := range a.group {
			if a.group[i].Flags == rec.Flags {
				a.group[i].Count += rec.Count
				return nil
			}
		}
		a.group = append(a.group, rec)
		return nil
	}
	if err := a.flush(); err != nil {
		return err
	}
	a.group, a.open = append(a.group, rec), true
	return nil
}

func (a *aggregator) flush() error {
	sort.Slice(a.group, func(i, j int) bool { return a.group[i].Flags < a.group[j].Flags })
	for i := range a.group {
		if err := a.w.Write(&a.group[i]); err != nil {
			return err
		}
		a.nOut++
	}
	a.group, a.open = a.group[:0], false
	return nil
}

// Merge k-way merges the sorted inputs rs into w as one sorted stream.
// Records identical in (barcode, UMI, equivalence class, flags), whether
// from different inputs or repeated within one, collapse into a single
// record carrying the summed count. All inputs must declare the output's
// barcode and UMI widths, and each must be sorted; violations fail with a
// ConfigError or FormatError respectively.
func Merge(rs []*bus.Reader, w *bus.Writer) error {
	wh := w.Header()
	for i, r := range rs {
		rh := r.Header()
		if rh.BCLen != wh.BCLen || rh.UMILen != wh.UMILen {
			return bus.ConfigErrorf("merge input %d declares %d barcode and %d UMI bases, output declares %d and %d",
				i, rh.BCLen, rh.UMILen, wh.BCLen, wh.UMILen)
		}
	}

	leafs := llrb.Tree{}
	for i, r := range rs {
		l := &mergeLeaf{seq: i, r: r}
		if l.scan() {
			leafs.Insert(l)
		} else if l.err != nil {
			return l.err
		}
	}
	vlog.VI(1).Infof("merging %d inputs, %d leafs active", len(rs), leafs.Len())

	agg := &aggregator{w: w}
	var nIn int64
	for leafs.Len() > 0 {
		nthiter := 0
		// top is the smallest leaf. next is the 2nd smallest, or nil if top
		// is the only leaf in the tree.
		var top, next *mergeLeaf
		leafs.Do(func(item llrb.Comparable) bool {
			nthiter++
			switch nthiter {
			case 1:
				top = item.(*mergeLeaf)
				return false
			case 2:
				next = item.(*mergeLeaf)
				return true
			default:
				vlog.Fatal(nthiter)
				return false
			}
		})
		// Read records from top until it becomes larger than next.
		topDone := false
		for {
			nIn++
			if err := agg.add(top.rec); err != nil {
				return err
			}
			topDone = !top.scan()
			if topDone || (next != nil && next.Compare(top) < 0) {
				break
			}
		}
		if topDone && top.err != nil {
			return top.err
		}
		lenBefore := leafs.Len()
		leafs.DeleteMin()
		if !topDone {
			leafs.Insert(top)
			if lenAfter := leafs.Len(); lenBefore != lenAfter {
				vlog.Fatalf("leaf count changed from %d to %d", lenBefore, lenAfter)
			}
		}
	}
	if err := agg.flush(); err != nil {
		return err
	}
	vlog.VI(1).Infof("merged %d input records into %d", nIn, agg.nOut)
	return nil
}
