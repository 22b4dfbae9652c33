// Package inspect summarizes a sorted BUS stream in one pass: stream-level
// counters plus the amplification profile, the histogram of how many reads
// each (barcode, UMI) molecule was amplified to.
package inspect

import (
	"github.com/grailbio/bus/encoding/bus"
)

// Stats summarizes one stream. Counters are exact; the means are derived
// from them when the pass finishes, zero on an empty stream.
type Stats struct {
	// Records is the number of records read.
	Records int64
	// Reads is the sum of record counts.
	Reads int64
	// Barcodes is the number of distinct barcodes.
	Barcodes int64
	// Molecules is the number of distinct (barcode, UMI) pairs.
	Molecules int64

	MeanReadsPerBarcode float64
	MeanUMIsPerBarcode  float64
}

// Inspect scans r to completion. The input must be sorted by (barcode,
// UMI) at minimum; an order violation fails with a FormatError.
func Inspect(r *bus.Reader) (Stats, *Profile, error) {
	var (
		stats         Stats
		prof          = NewProfile()
		curBC, curUMI uint64
		molReads      int64
		started       bool
	)
	flushMol := func() {
		if started {
			prof.add(molReads)
			molReads = 0
		}
	}
	var rec bus.Record
	for r.Scan(&rec) {
		if started && (rec.Barcode < curBC || (rec.Barcode == curBC && rec.UMI < curUMI)) {
			return stats, nil, bus.FormatErrorf(-1, stats.Records,
				"inspect input not sorted by barcode and UMI")
		}
		stats.Records++
		stats.Reads += int64(rec.Count)
		switch {
		case !started || rec.Barcode != curBC:
			flushMol()
			stats.Barcodes++
			stats.Molecules++
			curBC, curUMI = rec.Barcode, rec.UMI
			started = true
		case rec.UMI != curUMI:
			flushMol()
			stats.Molecules++
			curUMI = rec.UMI
		}
		molReads += int64(rec.Count)
	}
	if err := r.Err(); err != nil {
		return stats, nil, err
	}
	flushMol()
	if stats.Barcodes > 0 {
		stats.MeanReadsPerBarcode = float64(stats.Reads) / float64(stats.Barcodes)
		stats.MeanUMIsPerBarcode = float64(stats.Molecules) / float64(stats.Barcodes)
	}
	return stats, prof, nil
}
