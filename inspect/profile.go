package inspect

import (
	"io"
	"sort"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/base/vcontext"
	"github.com/klauspost/compress/gzip"
)

// Profile is the frequency-of-frequencies histogram of amplification: for
// each read count observed for a single (barcode, UMI) molecule, the
// number of molecules amplified to exactly that many reads. Downstream
// saturation and unseen-species estimates are built from it.
type Profile struct {
	freq map[int64]int64
}

// Bin is one histogram entry.
type Bin struct {
	// Reads is the amplification level: reads per molecule.
	Reads int64
	// Molecules is the number of molecules seen at exactly Reads reads.
	Molecules int64
}

// NewProfile returns an empty profile.
func NewProfile() *Profile {
	return &Profile{freq: map[int64]int64{}}
}

func (p *Profile) add(reads int64) {
	p.freq[reads]++
}

// Count returns the number of molecules amplified to exactly reads reads.
func (p *Profile) Count(reads int64) int64 { return p.freq[reads] }

// Molecules returns the total number of molecules in the profile.
func (p *Profile) Molecules() int64 {
	var n int64
	for _, molecules := range p.freq {
		n += molecules
	}
	return n
}

// Reads returns the total number of reads in the profile.
func (p *Profile) Reads() int64 {
	var n int64
	for reads, molecules := range p.freq {
		n += reads * molecules
	}
	return n
}

// SingleCopyFraction returns the fraction of molecules seen in exactly one
// read, zero for an empty profile.
func (p *Profile) SingleCopyFraction() float64 {
	molecules := p.Molecules()
	if molecules == 0 {
		return 0
	}
	return float64(p.freq[1]) / float64(molecules)
}

// Bins returns the histogram in ascending read-count order.
func (p *Profile) Bins() []Bin {
	bins := make([]Bin, 0, len(p.freq))
	for reads, molecules := range p.freq {
		bins = append(bins, Bin{Reads: reads, Molecules: molecules})
	}
	sort.Slice(bins, func(i, j int) bool { return bins[i].Reads < bins[j].Reads })
	return bins
}

// WriteTSV writes the histogram as a headered two-column TSV in ascending
// read-count order. Paths ending in .gz are compressed.
func (p *Profile) WriteTSV(path string) (err error) {
	ctx := vcontext.Background()
	out, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := io.Writer(out.Writer(ctx))
	if fileio.DetermineType(path) == fileio.Gzip {
		gz := gzip.NewWriter(w)
		defer func() {
			if cerr := gz.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		w = gz
	}
	tw := tsv.NewWriter(w)
	tw.WriteString("amplification")
	tw.WriteString("frequency")
	if err = tw.EndLine(); err != nil {
		return err
	}
	for _, bin := range p.Bins() {
		tw.WriteInt64(bin.Reads)
		tw.WriteInt64(bin.Molecules)
		if err = tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}
