package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/kozaktomas/imgmatch/internal/config"
	"github.com/kozaktomas/imgmatch/internal/database"
	"github.com/kozaktomas/imgmatch/internal/database/mariadb"
	"github.com/kozaktomas/imgmatch/internal/database/postgres"
	"github.com/kozaktomas/imgmatch/internal/database/sqlite"
	"github.com/kozaktomas/imgmatch/internal/engine"
	"github.com/kozaktomas/imgmatch/internal/features"
	"github.com/kozaktomas/imgmatch/internal/features/opencv"
	"github.com/kozaktomas/imgmatch/internal/imaging"
	"github.com/kozaktomas/imgmatch/internal/matcher"
)

// backend holds the storage and engine shared by the commands.
type backend struct {
	cfg    *config.Config
	corpus database.CorpusWriter
	cache  database.CacheAdmin
	engine *engine.Engine

	closers []func() error
}

// Close releases every opened database connection.
func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			log.Printf("Warning: %v", err)
		}
	}
}

// openBackend loads the configuration and connects the configured storage.
// The engine is only built when withEngine is set, since corpus and cache
// maintenance never decode images.
func openBackend(ctx context.Context, withEngine bool) (*backend, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	b := &backend{cfg: cfg}
	if err := b.openStorage(ctx); err != nil {
		b.Close()
		return nil, err
	}

	if withEngine {
		b.engine, err = newEngine(cfg, b.corpus, b.cache, newSource(cfg, true))
		if err != nil {
			b.Close()
			return nil, err
		}
	}
	return b, nil
}

func (b *backend) openStorage(ctx context.Context) error {
	db := &b.cfg.Database
	switch {
	case db.URL != "":
		log.Printf("Connecting to PostgreSQL database...")
		pool, err := postgres.Initialize(db)
		if err != nil {
			return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
		}
		b.closers = append(b.closers, pool.Close)
	case db.SQLitePath != "":
		log.Printf("Opening SQLite store %s", db.SQLitePath)
		store, err := sqlite.Initialize(db.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to initialize SQLite: %w", err)
		}
		b.closers = append(b.closers, store.Close)
	default:
		return errors.New("DATABASE_URL or SQLITE_PATH environment variable is required")
	}

	if db.CorpusMySQLDSN != "" {
		log.Printf("Using MySQL corpus")
		pool, err := mariadb.Initialize(db.CorpusMySQLDSN)
		if err != nil {
			return fmt.Errorf("failed to initialize MySQL corpus: %w", err)
		}
		b.closers = append(b.closers, pool.Close)
	}

	var err error
	if b.corpus, err = database.GetCorpusWriter(ctx); err != nil {
		return err
	}
	if b.cache, err = database.GetDescriptorCache(ctx); err != nil {
		return err
	}
	return nil
}

// newSource builds the image source. Local files are only resolved when
// allowFiles is set, otherwise addresses must be http(s) URLs.
func newSource(cfg *config.Config, allowFiles bool) *imaging.Source {
	f := cfg.Fetch
	src := imaging.HTTPSource(f.Timeout, f.MaxBytes, f.UserAgent)
	if allowFiles {
		src = imaging.DefaultSource(f.Timeout, f.MaxBytes, f.UserAgent)
	}
	return src.WithMaxPixels(f.MaxPixels)
}

// newEngine wires the OpenCV extractor, the configured matcher and the
// image source into an engine.
func newEngine(cfg *config.Config, corpus database.CorpusWriter, cache database.CacheAdmin, src *imaging.Source) (*engine.Engine, error) {
	m := cfg.Matcher

	extractor, err := opencv.New(features.Config{
		Detector:     m.Detector,
		MaxFeatures:  m.MaxFeatures,
		MaxDimension: m.MaxDimension,
	})
	if err != nil {
		return nil, fmt.Errorf("feature extractor: %w", err)
	}

	mt, err := matcher.New(matcher.Config{
		Policy: m.Policy,
		Ratio:  m.EffectiveRatio(),
		Search: m.Search,
		Seed:   m.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("matcher: %w", err)
	}

	return engine.New(&cfg.Matcher, engine.Collaborators{
		Corpus:    corpus,
		Cache:     cache,
		Source:    src,
		Extractor: extractor,
		Matcher:   mt,
	})
}

// resolveThreshold returns the flag value when given, else the configured
// threshold.
func resolveThreshold(flagValue float64, changed bool, cfg *config.Config) float64 {
	if changed {
		return flagValue
	}
	return cfg.Matcher.Threshold
}
