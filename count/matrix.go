package count

import (
	"bufio"
	"fmt"
	"io"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/bus/encoding/bus"
	"github.com/klauspost/compress/gzip"
)

// Value returns the matrix entry at (row, col), zero when absent. Triples
// are row-major, so the lookup is a binary search.
func (m *Matrix) Value(row, col int) float64 {
	lo, hi := 0, len(m.Triples)
	for lo < hi {
		mid := (lo + hi) / 2
		tr := m.Triples[mid]
		if tr.Row < row || (tr.Row == row && tr.Col < col) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < len(m.Triples) && m.Triples[lo].Row == row && m.Triples[lo].Col == col {
		return m.Triples[lo].Value
	}
	return 0
}

// openOutput creates path through base/file, compressing .gz transparently.
// closer flushes and closes everything in order; it must be called exactly
// once.
func openOutput(path string) (io.Writer, func(*error), error) {
	ctx := vcontext.Background()
	out, err := file.Create(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	w := io.Writer(out.Writer(ctx))
	var gz *gzip.Writer
	if fileio.DetermineType(path) == fileio.Gzip {
		gz = gzip.NewWriter(w)
		w = gz
	}
	closer := func(err *error) {
		if gz != nil {
			if cerr := gz.Close(); cerr != nil && *err == nil {
				*err = cerr
			}
		}
		file.CloseAndReport(ctx, out, err)
	}
	return w, closer, nil
}

// WriteMTX writes the matrix in MatrixMarket coordinate form, indices
// one-based, values real. Paths ending in .gz are compressed.
func (m *Matrix) WriteMTX(path string) (err error) {
	w, closer, err := openOutput(path)
	if err != nil {
		return err
	}
	defer closer(&err)
	bw := bufio.NewWriter(w)
	bw.WriteString("%%MatrixMarket matrix coordinate real general\n%\n")
	fmt.Fprintf(bw, "%d %d %d\n", len(m.Barcodes), len(m.Genes), len(m.Triples))
	for _, tr := range m.Triples {
		fmt.Fprintf(bw, "%d %d %g\n", tr.Row+1, tr.Col+1, tr.Value)
	}
	return bw.Flush()
}

// WriteBarcodes writes one barcode per line, in row order.
func (m *Matrix) WriteBarcodes(path string) (err error) {
	w, closer, err := openOutput(path)
	if err != nil {
		return err
	}
	defer closer(&err)
	tw := tsv.NewWriter(w)
	for _, code := range m.Barcodes {
		tw.WriteString(bus.UnpackSeq(code, m.BCLen))
		if err = tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// WriteGenes writes one gene name per line, in column order.
func (m *Matrix) WriteGenes(path string) (err error) {
	w, closer, err := openOutput(path)
	if err != nil {
		return err
	}
	defer closer(&err)
	tw := tsv.NewWriter(w)
	for _, gene := range m.Genes {
		tw.WriteString(gene)
		if err = tw.EndLine(); err != nil {
			return err
		}
	}
	return tw.Flush()
}

// Write writes the matrix and its row and column lists into dir under the
// conventional names gene.mtx, gene.barcodes.txt, gene.genes.txt.
func (m *Matrix) Write(dir string) error {
	if err := m.WriteMTX(file.Join(dir, "gene.mtx")); err != nil {
		return err
	}
	if err := m.WriteBarcodes(file.Join(dir, "gene.barcodes.txt")); err != nil {
		return err
	}
	return m.WriteGenes(file.Join(dir, "gene.genes.txt"))
}
