// Package sorter implements an external merge sort of BUS record streams.
// Records are ordered by (barcode, UMI, equivalence class), compared as
// unsigned integers. Batches of records are sorted in memory by background
// goroutines and spilled to temporary run files, then the runs are merged
// into a single nondecreasing output stream. Temporary files live only for
// the duration of one sort and are removed on every exit path.
package sorter

import (
	"io/ioutil"
	"os"
	"sort"
	"sync"

	"github.com/biogo/store/llrb"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bus/encoding/bus"
	"v.io/x/lib/vlog"
)

// DefaultSortBatchSize is the default number of records sorted in memory as
// one batch before it is spilled to a run file.
const DefaultSortBatchSize = 1 << 20

// DefaultParallelism is the default value for Options.Parallelism.
const DefaultParallelism = 2

// Options controls the behavior of a Sorter.
type Options struct {
	// SortBatchSize is the number of records to accumulate in memory before
	// spilling a sorted run to disk. It bounds the sorter's memory use
	// together with Parallelism. Not for general use; the default value
	// should suffice for most applications.
	SortBatchSize int

	// Parallelism limits the number of background batch sorts. Max memory
	// consumption of the sorter grows linearly with this value. If <= 0,
	// DefaultParallelism is used.
	Parallelism int

	// NoCompressTmpFiles, if false (default), compresses run files using
	// snappy. Compression is a big win on networked or EBS-like storage and
	// slows sorting only marginally on fast NVMe disks.
	NoCompressTmpFiles bool

	// TmpDir defines the directory to store run files created during the
	// sort. "" means the system default, usually /tmp.
	TmpDir string
}

// sortEntry pairs a record with its arrival sequence number. Sequence
// numbers are unique within one Sorter, so entries are totally ordered and
// records with equal keys are emitted in arrival order no matter how they
// were scattered across runs.
type sortEntry struct {
	seq uint64
	rec bus.Record
}

// Return -1, 0, 1 if e < other, e == other, e > other, respectively.
func (e sortEntry) compare(other sortEntry) int {
	if c := bus.Compare(&e.rec, &other.rec); c != 0 {
		return c
	}
	if e.seq < other.seq {
		return -1
	}
	if e.seq > other.seq {
		return 1
	}
	return 0
}

// Sorter sorts records incrementally. Records are added with Add, and the
// merged, sorted stream is written to the output writer on Close.
//
// Example:
//   w, err := bus.NewWriter(out, header)
//   sorter := sorter.NewSorter(w)
//   for _, rec := range recs {
//     sorter.Add(rec)
//   }
//   err := sorter.Close()
type Sorter struct {
	options Options
	out     *bus.Writer
	err     errors.Once

	pool    *runBlockPool
	nextSeq uint64
	recs    []sortEntry

	bgSorterCh chan []sortEntry
	wg         sync.WaitGroup

	mu   sync.Mutex
	runs []string // pathnames of temp run files.
}

// NewSorter creates a Sorter whose merged output is written to out. The
// output writer's header determines the stream layout; the caller remains
// responsible for closing whatever sink backs it.
func NewSorter(out *bus.Writer, optList ...Options) *Sorter {
	options := Options{}
	if len(optList) > 0 {
		if len(optList) > 1 {
			vlog.Fatalf("more than one Options specified: %+v", optList)
		}
		options = optList[0]
	}
	if options.SortBatchSize <= 0 {
		options.SortBatchSize = DefaultSortBatchSize
	}
	if options.Parallelism <= 0 {
		options.Parallelism = DefaultParallelism
	}
	s := &Sorter{
		options:    options,
		out:        out,
		pool:       newRunBlockPool(),
		bgSorterCh: make(chan []sortEntry, options.Parallelism),
	}
	for i := 0; i < options.Parallelism; i++ {
		s.wg.Add(1)
		go func() {
			for batch := range s.bgSorterCh {
				path := s.sortRun(batch)
				if path == "" {
					continue
				}
				s.mu.Lock()
				s.runs = append(s.runs, path)
				s.mu.Unlock()
			}
			s.wg.Done()
		}()
	}
	return s
}

// Add adds a record to the sorter.
func (s *Sorter) Add(rec bus.Record) {
	s.recs = append(s.recs, sortEntry{seq: s.nextSeq, rec: rec})
	s.nextSeq++
	if len(s.recs) >= s.options.SortBatchSize {
		s.startSortRun()
	}
}

func (s *Sorter) startSortRun() {
	s.bgSorterCh <- s.recs
	s.recs = nil
}

// sortRun sorts one batch of entries and spills it to a temporary run file.
// It returns the file path, or "" after reporting an error through s.err.
func (s *Sorter) sortRun(entries []sortEntry) string {
	vlog.VI(1).Infof("sorting run of %d records", len(entries))
	temp, err := ioutil.TempFile(s.options.TmpDir, "bussort")
	if err != nil {
		s.err.Set(bus.ResourceErrorf("create sort run", err))
		return ""
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].compare(entries[j]) < 0
	})
	w := newRunWriter(temp, !s.options.NoCompressTmpFiles, s.pool, &s.err)
	for _, e := range entries {
		w.add(e)
	}
	w.finish()
	s.err.Set(wrapResource("write sort run", temp.Close()))
	return temp.Name()
}

// Close must be called after the last Add. It blocks until all runs are
// sorted and merged into the output writer, then removes the run files.
// Run files are removed even when the sort fails. After Close, the Sorter
// becomes invalid.
func (s *Sorter) Close() error {
	if len(s.recs) > 0 {
		s.startSortRun()
	}
	close(s.bgSorterCh)
	s.wg.Wait()
	if s.err.Err() == nil {
		s.mergeRuns(s.runs)
	}
	for _, path := range s.runs {
		if err := os.Remove(path); err != nil {
			vlog.Errorf("sort %v: failed to remove temp run file: %v (%v)", path, err, s.err.Err())
		}
	}
	return s.err.Err()
}

// mergeRuns merges the sorted run files into s.out in key order.
func (s *Sorter) mergeRuns(paths []string) {
	readers := make([]*runReader, len(paths))
	for i, path := range paths {
		readers[i] = newRunReader(path, s.pool, &s.err)
	}
	callback := func(e sortEntry) bool {
		if err := s.out.Write(&e.rec); err != nil {
			s.err.Set(wrapResource("write sorted output", err))
			return false
		}
		return true
	}
	internalMergeRuns(readers, callback, &s.err)
}

// A thin wrapper around runReader for the merge tree.
type mergeLeaf struct {
	// Index is a number (0,1,2..) arbitrarily assigned to distinguish
	// mergeLeafs whose current entries compare equal. Entry sequence numbers
	// are unique, so this fires only on run files manipulated outside the
	// sorter.
	seq    int
	reader *runReader
}

func newMergeLeaf(seq int, reader *runReader) *mergeLeaf {
	leaf := mergeLeaf{seq: seq, reader: reader}
	if !leaf.reader.scan() {
		return nil
	}
	return &leaf
}

func (l *mergeLeaf) Compare(c1 llrb.Comparable) int {
	l1 := c1.(*mergeLeaf)
	if c := l.reader.entry().compare(l1.reader.entry()); c != 0 {
		return c
	}
	return l.seq - l1.seq
}

// Merge sorted runs. callback is called sequentially for each entry in sort
// order. If callback returns false, this function exits immediately.
func internalMergeRuns(
	runs []*runReader,
	callback func(e sortEntry) bool,
	errReporter *errors.Once) {
	// Sort all the inputs using a binary tree. This should be faster than a
	// binary heap or tournament tree. The hope is that the leaf at the top
	// of the tree will stay at the top for many records. If that hope
	// holds, the tree maintains the sorted order in amortized O(1) time,
	// whereas a heap always costs O(log(len(runs))).
	leafs := llrb.Tree{}

	// Create a one-level tree.
	for i, run := range runs {
		if l := newMergeLeaf(i, run); l != nil {
			vlog.VI(1).Infof("leaf %v created", l.reader.path)
			leafs.Insert(l)
		}
	}
	vlog.VI(1).Infof("merging %d runs, %d leafs active", len(runs), leafs.Len())

	// Do N-way merge. callback will be called with an increasing list of
	// entries.
	done := false
	for !done && leafs.Len() > 0 {
		nthiter := 0
		// top is the smallest leaf. We read from top.
		// next is the 2nd smallest leaf, or nil if top is the only leaf in
		// the tree.
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
		// Read entries from top, until it becomes larger than next.
		topDone := false
		for {
			if !callback(top.reader.entry()) {
				done = true
				break
			}
			topDone = !top.reader.scan()
			if topDone || (next != nil && next.reader.entry().compare(top.reader.entry()) < 0) {
				break
			}
		}
		// Move top into the proper place in the tree.
		lenBefore := leafs.Len()
		leafs.DeleteMin()
		if !topDone && !done {
			leafs.Insert(top)
			if lenAfter := leafs.Len(); lenBefore != lenAfter {
				vlog.Fatalf("leaf count changed from %d to %d", lenBefore, lenAfter)
			}
		}
	}
	for _, run := range runs {
		run.drain()
	}
}

// Sort reads every record from r and writes the full sorted stream to w.
// Records with equal (barcode, UMI, equivalence class) keys keep their
// input order, so repeated sorts of the same input produce identical
// output. An empty input yields an empty output stream, not an error.
func Sort(r *bus.Reader, w *bus.Writer, optList ...Options) error {
	rh, wh := r.Header(), w.Header()
	if rh.BCLen != wh.BCLen || rh.UMILen != wh.UMILen {
		return bus.ConfigErrorf("sort input declares %d barcode and %d UMI bases, output declares %d and %d",
			rh.BCLen, rh.UMILen, wh.BCLen, wh.UMILen)
	}
	s := NewSorter(w, optList...)
	var rec bus.Record
	for r.Scan(&rec) {
		s.Add(rec)
	}
	s.err.Set(r.Err())
	return s.Close()
}

// wrapResource converts raw I/O errors into the resource error taxonomy,
// leaving already-typed errors alone. A nil err stays nil.
func wrapResource(op string, err error) error {
	if err == nil || bus.IsFormat(err) || bus.IsConfig(err) || bus.IsResource(err) {
		return err
	}
	return bus.ResourceErrorf(op, err)
}
