package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kozaktomas/imgmatch/internal/database"
	"github.com/kozaktomas/imgmatch/internal/features"
	"github.com/kozaktomas/imgmatch/internal/imaging"
	"github.com/kozaktomas/imgmatch/internal/matcher"
	"github.com/kozaktomas/imgmatch/internal/similarity"
)

// candidate is the decoded image being looked up. Its fingerprint is
// extracted on first use, since equal-shape comparisons never need it.
type candidate struct {
	address string
	buf     *imaging.PixelBuffer

	once  sync.Once
	fp    *features.Fingerprint
	train matcher.TrainSet
	err   error
}

func (c *candidate) shape() imaging.Shape {
	return c.buf.Shape()
}

// candidateFeatures returns the candidate keypoint count and an indexed train set,
// or a nil train set when the candidate has no usable descriptors.
func (e *Engine) candidateFeatures(ctx context.Context, c *candidate) (int, matcher.TrainSet, error) {
	c.once.Do(func() {
		fp, err := e.extractor.Extract(ctx, c.buf)
		if err != nil {
			c.err = err
			return
		}
		c.fp = fp
		if fp.Empty() {
			return
		}
		c.train, c.err = e.matcher.Prepare(fp.Descriptors)
	})
	if c.err != nil {
		return 0, nil, c.err
	}
	return len(c.fp.Keypoints), c.train, nil
}

// pairScore is the outcome of comparing the candidate with one entry.
type pairScore struct {
	score     float64
	algorithm similarity.Algorithm
}

// accepts reports whether the pair clears threshold. A pair that could not
// be compared never does, not even at threshold 0.
func (ps pairScore) accepts(threshold float64) bool {
	return ps.algorithm != similarity.Unavailable && ps.score >= threshold
}

// scoreEntry compares the candidate with one corpus entry. Every per-entry
// failure is logged and scored 0; abandoned is polled between phases.
func (e *Engine) scoreEntry(ctx context.Context, c *candidate, entry database.Entry, abandoned func() bool) pairScore {
	unavailable := pairScore{algorithm: similarity.Unavailable}

	if !e.source.Supports(entry.Address) {
		log.Printf("Skipping entry %s: unsupported address %q", entry.ID, entry.Address)
		return unavailable
	}

	// A cached fingerprint of a different shape is enough for the feature
	// path, so the entry image is not fetched at all.
	cached := e.cachedFingerprint(ctx, entry)
	if cached != nil && similarity.SelectShapes(c.shape(), cached.Shape()) == similarity.FeatureBased {
		return e.featureScore(ctx, c, entry, cached)
	}
	if abandoned() {
		return unavailable
	}

	buf, err := e.source.Load(ctx, entry.Address)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("Entry %s: %v", entry.ID, err)
		}
		return unavailable
	}
	if abandoned() {
		return unavailable
	}

	switch alg := similarity.Select(c.buf, buf); alg {
	case similarity.Structural:
		score, err := similarity.StructuralScore(c.buf, buf)
		if err != nil {
			log.Printf("Entry %s: structural comparison failed: %v", entry.ID, err)
			return unavailable
		}
		return pairScore{score: score, algorithm: alg}

	case similarity.FeatureBased:
		fp := cached
		if fp == nil {
			fp, err = e.extractor.Extract(ctx, buf)
			if err != nil {
				log.Printf("Entry %s: %v", entry.ID, err)
				return unavailable
			}
			e.storeFingerprint(ctx, entry, fp)
		}
		if abandoned() {
			return unavailable
		}
		return e.featureScore(ctx, c, entry, fp)

	default:
		return unavailable
	}
}

func (e *Engine) featureScore(ctx context.Context, c *candidate, entry database.Entry, fp *features.Fingerprint) pairScore {
	result := pairScore{algorithm: similarity.FeatureBased}

	keypoints, train, err := e.candidateFeatures(ctx, c)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("Candidate %s: %v", c.address, err)
		}
		return pairScore{algorithm: similarity.Unavailable}
	}
	if train == nil || fp.Empty() {
		return result
	}

	correspondences, err := train.Match(fp.Descriptors)
	if err != nil {
		log.Printf("Entry %s: matching failed: %v", entry.ID, err)
		return result
	}
	result.score = similarity.FeatureScore(len(correspondences), len(fp.Keypoints), keypoints)
	return result
}

// cachedFingerprint returns the entry's cached fingerprint if it is usable
// with the current extractor. Inconsistent records are deleted so the next
// extraction replaces them.
func (e *Engine) cachedFingerprint(ctx context.Context, entry database.Entry) *features.Fingerprint {
	if e.cache == nil {
		return nil
	}

	rec, err := e.cache.Get(ctx, entry.ID)
	if err == nil && rec != nil {
		err = rec.Validate(e.extractor.Config(), entry)
	}
	if err != nil {
		var inconsistent *database.CacheInconsistencyError
		if !errors.As(err, &inconsistent) {
			log.Printf("Descriptor cache read failed for entry %s: %v", entry.ID, err)
			return nil
		}
		log.Printf("Discarding cached descriptors: %v", err)
		if err := e.cache.Delete(ctx, entry.ID); err != nil {
			log.Printf("Failed to delete descriptors of entry %s: %v", entry.ID, err)
		}
		return nil
	}
	if rec == nil {
		return nil
	}
	return rec.Fingerprint()
}

func (e *Engine) storeFingerprint(ctx context.Context, entry database.Entry, fp *features.Fingerprint) {
	if e.cache == nil {
		return
	}
	rec := database.NewCachedDescriptors(entry, e.extractor.Config(), fp, time.Now().UTC())
	if err := e.cache.Put(ctx, rec); err != nil {
		log.Printf("Failed to cache descriptors of entry %s: %v", entry.ID, err)
	}
}

// Comparison is the score of one image pair.
type Comparison struct {
	Algorithm string  `json:"algorithm"`
	Score     float64 `json:"score"`
}

// Compare scores two addresses against each other without touching the
// corpus or the cache.
func (e *Engine) Compare(ctx context.Context, addressA, addressB string) (*Comparison, error) {
	a, err := e.source.Load(ctx, addressA)
	if err != nil {
		return nil, fmt.Errorf("load first image: %w", err)
	}
	b, err := e.source.Load(ctx, addressB)
	if err != nil {
		return nil, fmt.Errorf("load second image: %w", err)
	}

	switch alg := similarity.Select(a, b); alg {
	case similarity.Structural:
		score, err := similarity.StructuralScore(a, b)
		if err != nil {
			return nil, err
		}
		return &Comparison{Algorithm: alg.String(), Score: score}, nil

	case similarity.FeatureBased:
		fpA, err := e.extractor.Extract(ctx, a)
		if err != nil {
			return nil, err
		}
		fpB, err := e.extractor.Extract(ctx, b)
		if err != nil {
			return nil, err
		}
		correspondences, err := e.matcher.Match(fpA.Descriptors, fpB.Descriptors)
		if err != nil {
			return nil, err
		}
		score := similarity.FeatureScore(len(correspondences), len(fpA.Keypoints), len(fpB.Keypoints))
		return &Comparison{Algorithm: alg.String(), Score: score}, nil

	default:
		return nil, fmt.Errorf("no comparator for shapes %s and %s", a.Shape(), b.Shape())
	}
}
