// Package matcher finds correspondences between descriptor tables.
//
// Two policies are provided. RatioMatcher runs Lowe's ratio test over the
// two nearest train neighbours of each query descriptor. CrossCheckMatcher
// keeps only pairs that are mutual nearest neighbours. Both return an
// injective set: every query row and every train row appears in at most
// one correspondence, so the count never exceeds the smaller table.
package matcher

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/kozaktomas/imgmatch/internal/features"
)

// Matching policies.
const (
	PolicyRatio      = "ratio"
	PolicyCrossCheck = "crosscheck"
)

// Default ratios of the two pipeline variants.
const (
	DefaultSIFTRatio = 0.6
	DefaultORBRatio  = 0.75
)

// ErrIncompatibleTables is returned when tables differ in kind or width.
var ErrIncompatibleTables = errors.New("incompatible descriptor tables")

// Correspondence pairs query row QueryIdx with train row TrainIdx.
type Correspondence struct {
	QueryIdx int
	TrainIdx int
	Distance float64
}

// TrainSet is a train table prepared for repeated matching. It is safe
// for concurrent use.
type TrainSet interface {
	Match(query *features.DescriptorTable) ([]Correspondence, error)
	Len() int
}

// Matcher produces correspondences between a query and a train table.
type Matcher interface {
	// Match is Prepare(train) followed by Match(query).
	Match(query, train *features.DescriptorTable) ([]Correspondence, error)
	// Prepare indexes a train table once so that many query tables can be
	// matched against it.
	Prepare(train *features.DescriptorTable) (TrainSet, error)
}

// Config selects and tunes a matching policy.
type Config struct {
	Policy string
	Ratio  float64
	Search string
	Seed   int64
}

// New builds the matcher described by cfg.
func New(cfg Config) (Matcher, error) {
	switch strings.ToLower(cfg.Policy) {
	case PolicyRatio, "":
		if cfg.Ratio <= 0 || cfg.Ratio > 1 {
			return nil, fmt.Errorf("ratio must be in (0, 1], got %v", cfg.Ratio)
		}
		search := strings.ToLower(cfg.Search)
		switch search {
		case "", SearchExact:
			search = SearchExact
		case SearchHNSW:
		default:
			return nil, fmt.Errorf("unknown neighbour search %q", cfg.Search)
		}
		return &RatioMatcher{Ratio: cfg.Ratio, Search: search, Seed: cfg.Seed}, nil
	case PolicyCrossCheck:
		return &CrossCheckMatcher{}, nil
	default:
		return nil, fmt.Errorf("unknown matching policy %q", cfg.Policy)
	}
}

func checkTables(query, train *features.DescriptorTable) (bool, error) {
	if query.Len() == 0 || train.Len() == 0 {
		return false, nil
	}
	if !query.Compatible(train) {
		return false, fmt.Errorf("%w: %s/%d vs %s/%d", ErrIncompatibleTables,
			query.Kind, query.Width, train.Kind, train.Width)
	}
	return true, nil
}

// RatioMatcher accepts the nearest train neighbour of a query row when it
// is closer than Ratio times the second nearest.
type RatioMatcher struct {
	Ratio  float64
	Search string
	Seed   int64
}

// Match implements Matcher.
func (m *RatioMatcher) Match(query, train *features.DescriptorTable) ([]Correspondence, error) {
	ts, err := m.Prepare(train)
	if err != nil {
		return nil, err
	}
	return ts.Match(query)
}

// Prepare implements Matcher.
func (m *RatioMatcher) Prepare(train *features.DescriptorTable) (TrainSet, error) {
	return &ratioTrainSet{
		ratio:  m.Ratio,
		train:  train,
		search: newSearcher(train, m.Search, m.Seed),
	}, nil
}

type ratioTrainSet struct {
	ratio  float64
	train  *features.DescriptorTable
	search searcher
}

func (s *ratioTrainSet) Len() int { return s.train.Len() }

func (s *ratioTrainSet) Match(query *features.DescriptorTable) ([]Correspondence, error) {
	ok, err := checkTables(query, s.train)
	if !ok {
		return nil, err
	}

	// train index -> position in out
	owner := make(map[int]int)
	var out []Correspondence
	for q := range query.Len() {
		ns := s.search.knn(query, q, 2)
		if len(ns) < 2 {
			continue
		}
		if !(ns[0].dist < s.ratio*ns[1].dist) {
			continue
		}

		c := Correspondence{QueryIdx: q, TrainIdx: ns[0].idx, Distance: ns[0].dist}
		if pos, taken := owner[c.TrainIdx]; taken {
			// Queries are visited in ascending order, so a tie keeps the
			// lower query index already stored.
			if c.Distance < out[pos].Distance {
				out[pos] = c
			}
			continue
		}
		owner[c.TrainIdx] = len(out)
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].QueryIdx < out[j].QueryIdx })
	return out, nil
}

// CrossCheckMatcher keeps pairs (i, j) where j is the nearest train row of
// query row i and i is the nearest query row of train row j. Float tables
// use L2 distance and binary tables use Hamming distance. Ties resolve to
// the lower index.
type CrossCheckMatcher struct{}

// Match implements Matcher.
func (m *CrossCheckMatcher) Match(query, train *features.DescriptorTable) ([]Correspondence, error) {
	ts, err := m.Prepare(train)
	if err != nil {
		return nil, err
	}
	return ts.Match(query)
}

// Prepare implements Matcher.
func (m *CrossCheckMatcher) Prepare(train *features.DescriptorTable) (TrainSet, error) {
	return &crossCheckTrainSet{train: train}, nil
}

type crossCheckTrainSet struct {
	train *features.DescriptorTable
}

func (s *crossCheckTrainSet) Len() int { return s.train.Len() }

func (s *crossCheckTrainSet) Match(query *features.DescriptorTable) ([]Correspondence, error) {
	ok, err := checkTables(query, s.train)
	if !ok {
		return nil, err
	}

	nq, nt := query.Len(), s.train.Len()
	forward := make([]neighbor, nq)
	backward := make([]neighbor, nt)
	for j := range backward {
		backward[j] = neighbor{idx: -1}
	}

	for i := range nq {
		forward[i] = neighbor{idx: -1}
		for j := range nt {
			d := rowDistance(query, i, s.train, j)
			if forward[i].idx < 0 || d < forward[i].dist {
				forward[i] = neighbor{idx: j, dist: d}
			}
			if backward[j].idx < 0 || d < backward[j].dist {
				backward[j] = neighbor{idx: i, dist: d}
			}
		}
	}

	var out []Correspondence
	for i, f := range forward {
		if backward[f.idx].idx == i {
			out = append(out, Correspondence{QueryIdx: i, TrainIdx: f.idx, Distance: f.dist})
		}
	}
	return out, nil
}
