package correct

import "math/bits"

// hammingDist returns the number of mismatched bases between two packed
// barcodes. Both values must pack the same number of bases.
func hammingDist(a, b uint64) int {
	x := a ^ b
	// Fold each 2-bit base onto one bit, then count.
	x = (x | x>>1) & 0x5555555555555555
	return bits.OnesCount64(x)
}

// bkTree is a metric tree over packed barcodes keyed by Hamming distance.
// A lookup visits only subtrees whose edge distance can contain an entry
// within the query bound. The tree is built once and read-only afterwards,
// so concurrent lookups need no locking.
type bkTree struct {
	root *bkNode
	size int
}

type bkNode struct {
	code uint64
	// children[d] is the subtree whose root is at Hamming distance d from
	// code. Distances are bounded by the barcode length, so a dense slice
	// grown on demand beats a map.
	children []*bkNode
}

func (t *bkTree) insert(code uint64) {
	if t.root == nil {
		t.root = &bkNode{code: code}
		t.size = 1
		return
	}
	n := t.root
	for {
		d := hammingDist(n.code, code)
		if d == 0 {
			return // duplicate
		}
		if d >= len(n.children) {
			children := make([]*bkNode, d+1)
			copy(children, n.children)
			n.children = children
		}
		if child := n.children[d]; child != nil {
			n = child
			continue
		}
		n.children[d] = &bkNode{code: code}
		t.size++
		return
	}
}

// nearest returns the entry closest to code within maxDist, its distance,
// and the number of entries tied at that distance. n == 0 means no entry
// was within the bound; dist is -1 in that case.
func (t *bkTree) nearest(code uint64, maxDist int) (best uint64, dist, n int) {
	dist = maxDist + 1
	var walk func(node *bkNode)
	walk = func(node *bkNode) {
		d := hammingDist(node.code, code)
		switch {
		case d < dist:
			best, dist, n = node.code, d, 1
		case d == dist:
			n++
		}
		for e, child := range node.children {
			if child == nil {
				continue
			}
			// An entry under child is at distance >= |e-d| from code, so
			// subtrees outside [d-bound, d+bound] cannot improve on dist.
			bound := maxDist
			if dist < bound {
				bound = dist
			}
			if e < d-bound || e > d+bound {
				continue
			}
			walk(child)
		}
	}
	if t.root != nil {
		walk(t.root)
	}
	if dist > maxDist {
		return 0, -1, 0
	}
	return best, dist, n
}
