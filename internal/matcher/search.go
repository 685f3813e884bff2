package matcher

import (
	"math/rand"
	"sync"

	"github.com/coder/hnsw"

	"github.com/kozaktomas/imgmatch/internal/features"
)

// Neighbour search strategies for the ratio test.
const (
	SearchExact = "exact"
	SearchHNSW  = "hnsw"
)

const (
	// HNSWMaxNeighbors is the M parameter of the descriptor graph.
	HNSWMaxNeighbors = 16
	// HNSWEfSearch is the candidate list size used while searching.
	HNSWEfSearch = 64
	// hnswCandidates is how many graph hits are re-ranked by exact distance.
	hnswCandidates = 8
)

// searcher finds the k nearest train rows for row q of a query table.
type searcher interface {
	knn(query *features.DescriptorTable, q int, k int) []neighbor
}

// exactSearch compares against every train row.
type exactSearch struct {
	train *features.DescriptorTable
}

func (s *exactSearch) knn(query *features.DescriptorTable, q int, k int) []neighbor {
	best := nearestK{k: k, ns: make([]neighbor, 0, k)}
	for j := range s.train.Len() {
		best.offer(j, rowDistance(query, q, s.train, j))
	}
	return best.ns
}

// hnswSearch walks an HNSW graph built over float train rows and re-ranks
// the hits by exact L2 distance. The graph is seeded so that building it
// twice from the same table gives the same layers.
type hnswSearch struct {
	train *features.DescriptorTable
	graph *hnsw.Graph[int]
	mu    sync.RWMutex
}

func newHNSWSearch(train *features.DescriptorTable, seed int64) *hnswSearch {
	g := hnsw.NewGraph[int]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors)
	g.EfSearch = HNSWEfSearch
	g.Distance = hnsw.EuclideanDistance
	g.Rng = rand.New(rand.NewSource(seed))

	for i, row := range train.Float {
		g.Add(hnsw.MakeNode(i, row))
	}
	return &hnswSearch{train: train, graph: g}
}

func (s *hnswSearch) knn(query *features.DescriptorTable, q int, k int) []neighbor {
	s.mu.RLock()
	hits := s.graph.Search(query.Float[q], max(k, hnswCandidates))
	s.mu.RUnlock()

	ns := make([]neighbor, 0, len(hits))
	for _, h := range hits {
		ns = append(ns, neighbor{idx: h.Key, dist: L2(query.Float[q], s.train.Float[h.Key])})
	}
	sortNeighbors(ns)
	if len(ns) > k {
		ns = ns[:k]
	}
	return ns
}

// newSearcher picks the strategy for a train table. Binary descriptors
// always use exact Hamming search.
func newSearcher(train *features.DescriptorTable, strategy string, seed int64) searcher {
	if strategy == SearchHNSW && train.Kind == features.KindFloat && train.Len() > 0 {
		return newHNSWSearch(train, seed)
	}
	return &exactSearch{train: train}
}
