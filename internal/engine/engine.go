// Package engine decides whether a candidate image has been seen before by
// scanning the corpus of reference images.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"time"

	"golang.org/x/text/language"

	"github.com/kozaktomas/imgmatch/internal/config"
	"github.com/kozaktomas/imgmatch/internal/database"
	"github.com/kozaktomas/imgmatch/internal/features"
	"github.com/kozaktomas/imgmatch/internal/imaging"
	"github.com/kozaktomas/imgmatch/internal/matcher"
)

var (
	// ErrInvalidThreshold is returned for thresholds outside [0, 1].
	ErrInvalidThreshold = errors.New("threshold must be within [0, 1]")
	// ErrScanTimeout is returned together with a timed out MatchResult.
	ErrScanTimeout = errors.New("corpus scan timed out")
)

// Source resolves an address to decoded pixels.
type Source interface {
	Supports(address string) bool
	Load(ctx context.Context, address string) (*imaging.PixelBuffer, error)
}

// Collaborators are the handles the engine works through. Cache may be nil,
// in which case every feature comparison extracts descriptors afresh.
type Collaborators struct {
	Corpus    database.CorpusWriter
	Cache     database.DescriptorCache
	Source    Source
	Extractor features.Extractor
	Matcher   matcher.Matcher
}

// Engine compares candidates against the corpus. It is safe for
// concurrent use.
type Engine struct {
	corpus    database.CorpusWriter
	cache     database.DescriptorCache
	source    Source
	extractor features.Extractor
	matcher   matcher.Matcher

	workers         int
	scanTimeout     time.Duration
	message         string
	timestampLayout string
	lang            language.Tag
}

// New creates an engine from the matcher configuration and its collaborators.
func New(cfg *config.MatcherConfig, c Collaborators) (*Engine, error) {
	switch {
	case cfg == nil:
		return nil, errors.New("matcher configuration is required")
	case c.Corpus == nil:
		return nil, errors.New("corpus is required")
	case c.Source == nil:
		return nil, errors.New("image source is required")
	case c.Extractor == nil:
		return nil, errors.New("feature extractor is required")
	case c.Matcher == nil:
		return nil, errors.New("descriptor matcher is required")
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	lang := language.English
	if cfg.Language != "" {
		tag, err := language.Parse(cfg.Language)
		if err != nil {
			log.Printf("Unknown message language %q, using English: %v", cfg.Language, err)
		} else {
			lang = tag
		}
	}

	layout := cfg.TimestampLayout
	if layout == "" {
		layout = time.DateTime
	}

	return &Engine{
		corpus:          c.Corpus,
		cache:           c.Cache,
		source:          c.Source,
		extractor:       c.Extractor,
		matcher:         c.Matcher,
		workers:         workers,
		scanTimeout:     cfg.ScanTimeout,
		message:         cfg.Message,
		timestampLayout: layout,
		lang:            lang,
	}, nil
}

// Supports reports whether the engine's source can resolve address.
func (e *Engine) Supports(address string) bool {
	return e.source.Supports(address)
}

// Workers returns the size of the scan worker pool.
func (e *Engine) Workers() int {
	return e.workers
}

func validateThreshold(threshold float64) error {
	// NaN fails both comparisons
	if !(threshold >= 0 && threshold <= 1) {
		return fmt.Errorf("%w: got %v", ErrInvalidThreshold, threshold)
	}
	return nil
}
