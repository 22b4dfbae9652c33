// Package correct rewrites BUS record barcodes to entries of a known
// barcode whitelist. A barcode within the configured Hamming distance of
// exactly one whitelist entry is corrected to it, and an exact whitelist
// match passes through unchanged. A barcode equidistant from several
// entries keeps its original value and is counted as ambiguous. A barcode
// with no entry within the bound is dropped from the output stream. The
// three outcome counts are returned to the caller.
package correct

import (
	farm "github.com/dgryski/go-farm"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bus/encoding/bus"
)

// Outcome classifies the correction result for one barcode.
type Outcome int

const (
	// Unmatched means no whitelist entry was within the distance bound.
	// The record is dropped from the corrected stream.
	Unmatched Outcome = iota
	// Corrected means the barcode matched the whitelist exactly or had a
	// unique nearest entry within the bound, and the record is emitted
	// with the whitelist barcode.
	Corrected
	// Ambiguous means two or more whitelist entries tied at the minimal
	// distance. The record is emitted with its original barcode.
	Ambiguous
)

// Stats counts correction outcomes. The three fields always sum to the
// number of input records.
type Stats struct {
	Corrected int64
	Ambiguous int64
	Unmatched int64
}

// Opts controls barcode correction.
type Opts struct {
	// MaxDist is the maximum Hamming distance, in bases, between a record
	// barcode and the whitelist entry it may be corrected to. Zero admits
	// exact matches only.
	MaxDist int

	// BatchSize is the number of records buffered before their unseen
	// barcodes are resolved against the whitelist in parallel. Zero means
	// DefaultOpts.BatchSize.
	BatchSize int
}

// DefaultOpts is the set of default option values.
var DefaultOpts = Opts{
	MaxDist:   1,
	BatchSize: 1 << 20,
}

// nResolveShard is the fan-out of parallel barcode resolution. Each shard
// owns a disjoint cache map keyed by hash, so workers never share state.
const nResolveShard = 64

type resolution struct {
	outcome Outcome
	code    uint64
}

// Corrector resolves barcodes against a whitelist, caching the outcome per
// distinct barcode. The methods are not threadsafe; resolution of one batch
// is parallelized internally.
type Corrector struct {
	ws     *Whitelist
	opts   Opts
	shards [nResolveShard]map[uint64]resolution
}

// NewCorrector creates a Corrector for the given whitelist.
func NewCorrector(ws *Whitelist, opts Opts) *Corrector {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOpts.BatchSize
	}
	c := &Corrector{ws: ws, opts: opts}
	for i := range c.shards {
		c.shards[i] = map[uint64]resolution{}
	}
	return c
}

func shardOf(code uint64) int {
	return int(farm.Hash64WithSeed(nil, code) % nResolveShard)
}

// Lookup resolves one packed barcode against the whitelist. For Corrected
// it returns the whitelist barcode; otherwise it returns code unchanged.
func (c *Corrector) Lookup(code uint64) (uint64, Outcome) {
	if c.ws.Contains(code) {
		return code, Corrected
	}
	best, _, n := c.ws.Nearest(code, c.opts.MaxDist)
	switch n {
	case 0:
		return code, Unmatched
	case 1:
		return best, Corrected
	default:
		return code, Ambiguous
	}
}

// resolveBatch fills the outcome caches for every barcode in the batch.
// Barcodes are sharded by hash and each shard resolved by its own worker
// against the read-only whitelist index.
func (c *Corrector) resolveBatch(batch []bus.Record) error {
	var pending [nResolveShard][]uint64
	var prev uint64
	havePrev := false
	for i := range batch {
		code := batch[i].Barcode
		// Sorted inputs repeat barcodes in long runs.
		if havePrev && code == prev {
			continue
		}
		prev, havePrev = code, true
		shard := shardOf(code)
		if _, ok := c.shards[shard][code]; ok {
			continue
		}
		pending[shard] = append(pending[shard], code)
	}
	return traverse.Each(nResolveShard, func(shard int) error {
		cache := c.shards[shard]
		for _, code := range pending[shard] {
			if _, ok := cache[code]; ok {
				continue
			}
			corrected, outcome := c.Lookup(code)
			cache[code] = resolution{outcome: outcome, code: corrected}
		}
		return nil
	})
}

// Correct streams records from r to w, rewriting barcodes to whitelist
// entries. The reader and writer must declare the same barcode and UMI
// widths, and the barcode width must match the whitelist.
func (c *Corrector) Correct(r *bus.Reader, w *bus.Writer) (Stats, error) {
	rh, wh := r.Header(), w.Header()
	if rh.BCLen != wh.BCLen || rh.UMILen != wh.UMILen {
		return Stats{}, bus.ConfigErrorf("correct input declares %d barcode and %d UMI bases, output declares %d and %d",
			rh.BCLen, rh.UMILen, wh.BCLen, wh.UMILen)
	}
	if rh.BCLen != c.ws.Bases() {
		return Stats{}, bus.ConfigErrorf("correct input declares %d barcode bases, whitelist barcodes have %d",
			rh.BCLen, c.ws.Bases())
	}
	var stats Stats
	batch := make([]bus.Record, 0, c.opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := c.resolveBatch(batch); err != nil {
			return err
		}
		for i := range batch {
			rec := &batch[i]
			res := c.shards[shardOf(rec.Barcode)][rec.Barcode]
			switch res.outcome {
			case Unmatched:
				stats.Unmatched++
				continue
			case Ambiguous:
				stats.Ambiguous++
			default:
				rec.Barcode = res.code
				stats.Corrected++
			}
			if err := w.Write(rec); err != nil {
				return err
			}
		}
		batch = batch[:0]
		return nil
	}
	var rec bus.Record
	for r.Scan(&rec) {
		batch = append(batch, rec)
		if len(batch) >= c.opts.BatchSize {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}
	if err := r.Err(); err != nil {
		return stats, err
	}
	if err := flush(); err != nil {
		return stats, err
	}
	return stats, nil
}

// Correct corrects the barcodes of every record in r against the whitelist
// and writes the surviving records to w in input order.
func Correct(r *bus.Reader, w *bus.Writer, ws *Whitelist, opts Opts) (Stats, error) {
	return NewCorrector(ws, opts).Correct(r, w)
}
