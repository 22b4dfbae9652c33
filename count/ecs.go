package count

import (
	"bufio"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/file"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/base/vcontext"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"v.io/x/lib/vlog"
)

// GeneID densely indexes the gene list of an ECSet.
type GeneID int32

// ECSet resolves equivalence-class ids to the genes their transcripts
// belong to. Gene ids are assigned in sorted name order, so the column
// identity of any matrix built against the set is reproducible. An ECSet
// is built once per counting pass and read-only afterwards.
type ECSet struct {
	genes   []string
	geneIDs map[string]GeneID
	classes [][]GeneID
}

// NumGenes returns the number of distinct genes.
func (s *ECSet) NumGenes() int { return len(s.genes) }

// GeneName returns the name of id.
func (s *ECSet) GeneName(id GeneID) string { return s.genes[id] }

// GeneID returns the id of a gene name.
func (s *ECSet) GeneID(name string) (GeneID, bool) {
	id, ok := s.geneIDs[name]
	return id, ok
}

// NumClasses returns the size of the class table.
func (s *ECSet) NumClasses() int { return len(s.classes) }

// Genes returns the sorted, deduplicated gene ids of a class. It returns
// an empty or nil slice when the class id is not in the table.
func (s *ECSet) Genes(class uint32) []GeneID {
	if int(class) >= len(s.classes) {
		return nil
	}
	return s.classes[class]
}

// NewECSet builds a set from explicit gene names per class id.
func NewECSet(classGenes map[uint32][]string) *ECSet {
	nameSet := map[string]bool{}
	maxClass := -1
	for class, names := range classGenes {
		if int(class) > maxClass {
			maxClass = int(class)
		}
		for _, name := range names {
			nameSet[name] = true
		}
	}
	s := &ECSet{
		genes:   make([]string, 0, len(nameSet)),
		geneIDs: make(map[string]GeneID, len(nameSet)),
		classes: make([][]GeneID, maxClass+1),
	}
	for name := range nameSet {
		s.genes = append(s.genes, name)
	}
	sort.Strings(s.genes)
	for i, name := range s.genes {
		s.geneIDs[name] = GeneID(i)
	}
	for class, names := range classGenes {
		ids := make([]GeneID, 0, len(names))
		seen := map[GeneID]bool{}
		for _, name := range names {
			id := s.geneIDs[name]
			if seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		s.classes[class] = ids
	}
	return s
}

// LoadECSet reads the three files describing an equivalence-class set the
// way pseudo-alignment pipelines emit them: a class table ("<id> TAB
// comma-separated transcript indices"), a transcript list (one name per
// line, position = index), and a transcript-to-gene TSV ("transcript TAB
// gene", further columns ignored). All three are read through base/file
// and may be gzipped.
func LoadECSet(classPath, transcriptPath, t2gPath string) (*ECSet, error) {
	t2g, err := readTranscriptGenes(t2gPath)
	if err != nil {
		return nil, err
	}
	transcripts, err := readTranscripts(transcriptPath)
	if err != nil {
		return nil, err
	}
	classGenes, err := readClasses(classPath, transcripts, t2g)
	if err != nil {
		return nil, err
	}
	set := NewECSet(classGenes)
	vlog.VI(1).Infof("loaded %d equivalence classes over %d transcripts, %d genes",
		set.NumClasses(), len(transcripts), set.NumGenes())
	return set, nil
}

// openInput opens path through base/file, decompressing .gz transparently.
// The caller owns closing the returned file.
func openInput(path string) (file.File, io.Reader, error) {
	ctx := vcontext.Background()
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	r := io.Reader(in.Reader(ctx))
	if fileio.DetermineType(path) == fileio.Gzip {
		gz, err := gzip.NewReader(r)
		if err != nil {
			_ = in.Close(ctx)
			return nil, nil, err
		}
		r = gz
	}
	return in, r, nil
}

func readTranscriptGenes(path string) (t2g map[string]string, err error) {
	ctx := vcontext.Background()
	in, reader, err := openInput(path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	r := tsv.NewReader(reader)
	t2g = map[string]string{}
	var row struct{ Transcript, Gene string } // further columns ignored
	for {
		if err := r.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.Wrapf(err, "read transcript-to-gene table %s", path)
		}
		if prev, ok := t2g[row.Transcript]; ok && prev != row.Gene {
			return nil, errors.Errorf("transcript %q maps to both gene %q and gene %q",
				row.Transcript, prev, row.Gene)
		}
		t2g[row.Transcript] = row.Gene
	}
	if len(t2g) == 0 {
		return nil, errors.Errorf("transcript-to-gene table %s is empty", path)
	}
	return t2g, nil
}

func readTranscripts(path string) (transcripts []string, err error) {
	ctx := vcontext.Background()
	in, reader, err := openInput(path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		if s := strings.TrimSpace(scanner.Text()); s != "" {
			transcripts = append(transcripts, s)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "read transcripts %s", path)
	}
	return transcripts, nil
}

func readClasses(path string, transcripts []string, t2g map[string]string) (classGenes map[uint32][]string, err error) {
	ctx := vcontext.Background()
	in, reader, err := openInput(path)
	if err != nil {
		return nil, err
	}
	defer file.CloseAndReport(ctx, in, &err)
	r := tsv.NewReader(reader)
	classGenes = map[uint32][]string{}
	var row struct {
		Class       int64
		Transcripts string
	}
	for {
		if err := r.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.Wrapf(err, "read equivalence classes %s", path)
		}
		if row.Class < 0 || row.Class > math.MaxUint32 {
			return nil, errors.Errorf("equivalence class id %d out of range", row.Class)
		}
		class := uint32(row.Class)
		if _, ok := classGenes[class]; ok {
			return nil, errors.Errorf("duplicate equivalence class id %d", row.Class)
		}
		var names []string
		for _, field := range strings.Split(row.Transcripts, ",") {
			idx, err := strconv.Atoi(field)
			if err != nil {
				return nil, errors.Wrapf(err, "equivalence class %d", row.Class)
			}
			if idx < 0 || idx >= len(transcripts) {
				return nil, errors.Errorf("equivalence class %d references transcript %d of %d",
					row.Class, idx, len(transcripts))
			}
			name := transcripts[idx]
			gene, ok := t2g[name]
			if !ok {
				return nil, errors.Errorf("transcript %q has no gene mapping", name)
			}
			names = append(names, gene)
		}
		classGenes[class] = names
	}
	return classGenes, nil
}
