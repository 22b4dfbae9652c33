package busz

import (
	"encoding/binary"
	"math/bits"

	"github.com/grailbio/bus/encoding/bus"
)

// forcedExc marks a slot whose value cannot be stored in line at any width
// (a non-representable delta) and must be patched from the exception list.
const forcedExc = uint8(255)

// chooseWidth picks the in-line slot width for one field, minimizing the
// section size: ceil(n*width/8) slot bytes plus (4+excValBytes) bytes per
// exception. need[i] is the bit length of slot i's in-line value, or
// forcedExc. The choice never affects correctness, only size.
func chooseWidth(need []uint8, excValBytes int) (uint, int) {
	var hist [65]int
	forced := 0
	for _, nb := range need {
		if nb == forcedExc {
			forced++
			continue
		}
		hist[nb]++
	}
	n := len(need)
	over := n - forced - hist[0]
	bestW, bestExc := uint(0), 0
	bestCost := int64(-1)
	for w := 0; w <= 64; w++ {
		if w > 0 {
			over -= hist[w]
		}
		exc := forced + over
		cost := int64((n*w+7)/8) + int64(exc)*int64(4+excValBytes)
		if bestCost < 0 || cost < bestCost {
			bestW, bestExc, bestCost = uint(w), exc, cost
		}
	}
	return bestW, bestExc
}

// appendField appends one encoded field section to dst and returns it. A
// section is a uint32 exception count, the exceptions as (uint32 slot
// index, little-endian value of excValBytes bytes) pairs in increasing slot
// order, then the n in-line slots bit-packed MSB-first at the given width.
// Exception slots are packed as zero in line; the pair list carries their
// absolute field values from abs, never differences.
func appendField(dst []byte, vals, abs []uint64, need []uint8, width uint, nExc, excValBytes int) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint32(tmp[:4], uint32(nExc))
	dst = append(dst, tmp[:4]...)
	for i, nb := range need {
		if nb != forcedExc && uint(nb) <= width {
			continue
		}
		binary.LittleEndian.PutUint32(tmp[:4], uint32(i))
		dst = append(dst, tmp[:4]...)
		binary.LittleEndian.PutUint64(tmp[:8], abs[i])
		dst = append(dst, tmp[:excValBytes]...)
	}
	bw := bitWriter{buf: dst}
	for i, nb := range need {
		if nb == forcedExc || uint(nb) > width {
			bw.put(0, width)
			continue
		}
		bw.put(vals[i], width)
	}
	return bw.finish()
}

// decodeField parses one field section. It fills vals with the in-line slot
// values, overlaying exception values at their slots, and sets isExc for the
// patched slots. It returns the offset just past the section.
func decodeField(payload []byte, off int, vals []uint64, isExc []bool, width uint, excValBytes int) (int, error) {
	n := len(vals)
	if off+4 > len(payload) {
		return 0, errSection
	}
	nExc := int(binary.LittleEndian.Uint32(payload[off:]))
	off += 4
	if nExc > n {
		return 0, errSection
	}
	excBytes := nExc * (4 + excValBytes)
	if off+excBytes > len(payload) {
		return 0, errSection
	}
	for i := range isExc {
		isExc[i] = false
	}
	prevIdx := -1
	excOff := off
	for e := 0; e < nExc; e++ {
		idx := int(binary.LittleEndian.Uint32(payload[excOff:]))
		if idx <= prevIdx || idx >= n {
			return 0, errSection
		}
		prevIdx = idx
		excOff += 4
		var v uint64
		if excValBytes == 8 {
			v = binary.LittleEndian.Uint64(payload[excOff:])
		} else {
			v = uint64(binary.LittleEndian.Uint32(payload[excOff:]))
		}
		excOff += excValBytes
		vals[idx] = v
		isExc[idx] = true
	}
	off += excBytes
	slotBytes := (n*int(width) + 7) / 8
	if off+slotBytes > len(payload) {
		return 0, errSection
	}
	br := bitReader{buf: payload[off : off+slotBytes]}
	for i := 0; i < n; i++ {
		v := br.read(width)
		if !isExc[i] {
			vals[i] = v
		}
	}
	if br.err {
		return 0, errSection
	}
	return off + slotBytes, nil
}

// bitWriter packs fixed-width values MSB-first into a byte slice.
type bitWriter struct {
	buf  []byte
	acc  uint64
	nacc uint
}

func (w *bitWriter) put(v uint64, width uint) {
	if width == 0 {
		return
	}
	if width > 32 {
		w.put(v>>32, width-32)
		w.put(v&0xffffffff, 32)
		return
	}
	w.acc = w.acc<<width | v&(uint64(1)<<width-1)
	w.nacc += width
	for w.nacc >= 8 {
		w.nacc -= 8
		w.buf = append(w.buf, byte(w.acc>>w.nacc))
	}
}

// finish pads the trailing partial byte with zero bits and returns the
// packed buffer.
func (w *bitWriter) finish() []byte {
	if w.nacc > 0 {
		w.buf = append(w.buf, byte(w.acc<<(8-w.nacc)))
		w.acc, w.nacc = 0, 0
	}
	return w.buf
}

// bitReader is the inverse of bitWriter. Reads past the end of the buffer
// set err and return zero.
type bitReader struct {
	buf  []byte
	off  int
	acc  uint64
	nacc uint
	err  bool
}

func (r *bitReader) read(width uint) uint64 {
	if width == 0 {
		return 0
	}
	if width > 32 {
		hi := r.read(width - 32)
		return hi<<32 | r.read(32)
	}
	for r.nacc < width {
		if r.off >= len(r.buf) {
			r.err = true
			return 0
		}
		r.acc = r.acc<<8 | uint64(r.buf[r.off])
		r.off++
		r.nacc += 8
	}
	r.nacc -= width
	return r.acc >> r.nacc & (uint64(1)<<width - 1)
}

// fieldNeeds fills vals, abs, and need for one block. Barcode slots hold
// the difference from the previous record's barcode (zero before the first
// record); UMI slots hold the difference from the previous record's UMI,
// restarting from zero whenever the barcode changes; the remaining fields
// hold their values directly. abs carries the absolute barcode and UMI per
// slot for the exception lists. A difference that would be negative is a
// forced exception, so unsorted input still round-trips exactly.
func fieldNeeds(recs []bus.Record, vals *[numFields][]uint64, abs *[2][]uint64, need *[numFields][]uint8) {
	prevBC, prevUMI := uint64(0), uint64(0)
	for i := range recs {
		rec := &recs[i]
		abs[fieldBarcode][i] = rec.Barcode
		abs[fieldUMI][i] = rec.UMI
		if rec.Barcode >= prevBC {
			d := rec.Barcode - prevBC
			vals[fieldBarcode][i] = d
			need[fieldBarcode][i] = uint8(bits.Len64(d))
		} else {
			need[fieldBarcode][i] = forcedExc
		}
		umiBase := uint64(0)
		if i > 0 && rec.Barcode == prevBC {
			umiBase = prevUMI
		}
		if rec.UMI >= umiBase {
			d := rec.UMI - umiBase
			vals[fieldUMI][i] = d
			need[fieldUMI][i] = uint8(bits.Len64(d))
		} else {
			need[fieldUMI][i] = forcedExc
		}
		vals[fieldEC][i] = uint64(rec.EC)
		need[fieldEC][i] = uint8(bits.Len32(rec.EC))
		vals[fieldCount][i] = uint64(rec.Count)
		need[fieldCount][i] = uint8(bits.Len32(rec.Count))
		vals[fieldFlags][i] = uint64(rec.Flags)
		need[fieldFlags][i] = uint8(bits.Len32(rec.Flags))
		prevBC, prevUMI = rec.Barcode, rec.UMI
	}
}
