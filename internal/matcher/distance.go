package matcher

import (
	"math"
	"math/bits"
	"sort"

	"github.com/kozaktomas/imgmatch/internal/features"
)

// L2 returns the Euclidean distance between two float descriptors.
func L2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Hamming returns the number of differing bits between two binary descriptors.
func Hamming(a, b []byte) int {
	n := 0
	i := 0
	for ; i+8 <= len(a); i += 8 {
		n += bits.OnesCount64(le64(a[i:]) ^ le64(b[i:]))
	}
	for ; i < len(a); i++ {
		n += bits.OnesCount8(a[i] ^ b[i])
	}
	return n
}

func le64(b []byte) uint64 {
	_ = b[7]
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

// rowDistance returns the distance between row i of a and row j of b.
// Both tables must be of the same kind.
func rowDistance(a *features.DescriptorTable, i int, b *features.DescriptorTable, j int) float64 {
	if a.Kind == features.KindBinary {
		return float64(Hamming(a.Binary[i], b.Binary[j]))
	}
	return L2(a.Float[i], b.Float[j])
}

type neighbor struct {
	idx  int
	dist float64
}

// sortNeighbors orders by distance, then by index.
func sortNeighbors(ns []neighbor) {
	sort.Slice(ns, func(i, j int) bool {
		if ns[i].dist != ns[j].dist {
			return ns[i].dist < ns[j].dist
		}
		return ns[i].idx < ns[j].idx
	})
}

// nearestK keeps the k smallest neighbours seen so far in ascending order.
// It is a small insertion buffer; k is 1 or 2 in practice.
type nearestK struct {
	k  int
	ns []neighbor
}

func (n *nearestK) offer(idx int, dist float64) {
	pos := len(n.ns)
	for pos > 0 && (dist < n.ns[pos-1].dist || (dist == n.ns[pos-1].dist && idx < n.ns[pos-1].idx)) {
		pos--
	}
	if pos >= n.k {
		return
	}
	if len(n.ns) < n.k {
		n.ns = append(n.ns, neighbor{})
	}
	copy(n.ns[pos+1:], n.ns[pos:len(n.ns)-1])
	n.ns[pos] = neighbor{idx: idx, dist: dist}
}
