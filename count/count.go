// Package count aggregates a sorted, corrected BUS stream into a sparse
// barcode-by-gene count matrix. Equivalence classes are resolved to gene
// sets through an ECSet loaded from the transcript-to-gene table; how a
// record whose class spans several genes contributes is an explicit policy,
// never a hidden default.
package count

import (
	"sort"

	"github.com/grailbio/bus/encoding/bus"
)

// Policy picks how a record whose equivalence class maps to more than one
// gene contributes to the matrix.
type Policy int

const (
	// CountOnce credits a record's full count once, to the single gene of
	// its class. Records whose class spans several genes are kept out of
	// the matrix and tallied in Stats.Multimapped.
	CountOnce Policy = iota
	// Fractional splits a record's count evenly across the genes of its
	// class.
	Fractional
)

// Opts controls aggregation.
type Opts struct {
	Policy Policy
}

// DefaultOpts is the set of default option values.
var DefaultOpts = Opts{Policy: CountOnce}

// Stats counts aggregation outcomes by record. The three fields always sum
// to the number of input records.
type Stats struct {
	// Counted is the number of records credited to the matrix.
	Counted int64
	// Multimapped is the number of records skipped under CountOnce because
	// their class maps to several genes.
	Multimapped int64
	// MissingEC is the number of records whose class id is absent from the
	// set.
	MissingEC int64
}

// Triple is one sparse matrix entry.
type Triple struct {
	Row, Col int
	Value    float64
}

// Matrix is a sparse barcode-by-gene count matrix. Rows are the barcodes
// of the input stream in ascending packed order, including barcodes none
// of whose records were counted; columns are the gene list of the class
// set. Triples are row-major with ascending columns within a row.
type Matrix struct {
	BCLen    int
	Barcodes []uint64
	Genes    []string
	Triples  []Triple
}

// Count aggregates records from r into a matrix. The input must be sorted
// by barcode at minimum, so that all records of one barcode are adjacent;
// a barcode order violation fails with a FormatError. Within a barcode,
// records resolving to the same gene are summed whatever their UMI or
// class id. An empty input yields an empty matrix.
func Count(r *bus.Reader, set *ECSet, opts Opts) (*Matrix, Stats, error) {
	m := &Matrix{
		BCLen: r.Header().BCLen,
		Genes: append([]string(nil), set.genes...),
	}
	var (
		stats   Stats
		cur     uint64
		started bool
		nrec    int64
		acc     = map[GeneID]float64{}
	)
	flushGroup := func() {
		if !started {
			return
		}
		m.Barcodes = append(m.Barcodes, cur)
		if len(acc) == 0 {
			return
		}
		row := len(m.Barcodes) - 1
		ids := make([]GeneID, 0, len(acc))
		for id := range acc {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			m.Triples = append(m.Triples, Triple{Row: row, Col: int(id), Value: acc[id]})
			delete(acc, id)
		}
	}
	var rec bus.Record
	for r.Scan(&rec) {
		if started && rec.Barcode < cur {
			return nil, stats, bus.FormatErrorf(-1, nrec, "count input not sorted by barcode")
		}
		nrec++
		if !started || rec.Barcode != cur {
			flushGroup()
			cur, started = rec.Barcode, true
		}
		genes := set.Genes(rec.EC)
		switch {
		case len(genes) == 0:
			stats.MissingEC++
		case len(genes) == 1:
			acc[genes[0]] += float64(rec.Count)
			stats.Counted++
		case opts.Policy == Fractional:
			share := float64(rec.Count) / float64(len(genes))
			for _, id := range genes {
				acc[id] += share
			}
			stats.Counted++
		default:
			stats.Multimapped++
		}
	}
	if err := r.Err(); err != nil {
		return nil, stats, err
	}
	flushGroup()
	return m, stats, nil
}
