package correct

import (
	"bufio"
	"io"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/bus/encoding/bus"
	"github.com/klauspost/compress/gzip"
)

// Whitelist is an immutable, deduplicated set of valid barcodes together
// with an approximate-match index supporting bounded-distance nearest
// queries. A Whitelist is built once per correction pass and shared
// read-only across workers.
type Whitelist struct {
	bases int
	codes map[uint64]bool
	tree  *bkTree
}

// Bases returns the barcode length, in bases.
func (w *Whitelist) Bases() int { return w.bases }

// Len returns the number of distinct barcodes on the whitelist.
func (w *Whitelist) Len() int { return len(w.codes) }

// Contains reports whether the packed barcode is on the whitelist.
func (w *Whitelist) Contains(code uint64) bool { return w.codes[code] }

// Nearest returns the whitelist entry closest to code within maxDist, its
// distance, and the number of entries tied at that distance. n == 0 means
// no entry was within the bound.
func (w *Whitelist) Nearest(code uint64, maxDist int) (best uint64, dist, n int) {
	return w.tree.nearest(code, maxDist)
}

// ReadWhitelist loads a whitelist from r, one barcode per line. Blank
// lines are skipped and duplicates are dropped. All barcodes must have the
// same length; the first line determines it.
func ReadWhitelist(r io.Reader) (*Whitelist, error) {
	w := &Whitelist{codes: map[uint64]bool{}}
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		s := strings.TrimSpace(scanner.Text())
		if s == "" {
			continue
		}
		if w.bases == 0 {
			w.bases = len(s)
			w.tree = &bkTree{}
		}
		if len(s) != w.bases {
			return nil, bus.FormatErrorf(-1, -1, "whitelist line %d: barcode %q has %d bases, previous entries have %d",
				line, s, len(s), w.bases)
		}
		code, err := bus.PackSeq(s)
		if err != nil {
			return nil, bus.FormatErrorf(-1, -1, "whitelist line %d: %v", line, err)
		}
		if w.codes[code] {
			continue
		}
		w.codes[code] = true
		w.tree.insert(code)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(w.codes) == 0 {
		return nil, bus.FormatErrorf(-1, -1, "whitelist contains no barcodes")
	}
	return w, nil
}

// OpenWhitelist loads a whitelist from a file. Files ending in .gz are
// decompressed transparently.
func OpenWhitelist(path string) (w *Whitelist, err error) {
	ctx := vcontext.Background()
	var in file.File
	if in, err = file.Open(ctx, path); err != nil {
		return nil, err
	}
	defer func() {
		if cerr := in.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	reader := io.Reader(in.Reader(ctx))
	switch fileio.DetermineType(path) {
	case fileio.Gzip:
		if reader, err = gzip.NewReader(reader); err != nil {
			return nil, err
		}
	}
	return ReadWhitelist(reader)
}
