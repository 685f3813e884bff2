package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kozaktomas/imgmatch/internal/database"
)

// WarmOptions configures a cache warm run.
type WarmOptions struct {
	// Concurrency is the number of parallel workers, defaults to the engine pool size
	Concurrency int
	// Force recomputes records that are already cached and valid
	Force bool
	// OnProgress is called once per processed entry
	OnProgress func(entry database.Entry)
}

// WarmStats summarizes a cache warm run.
type WarmStats struct {
	Total    int `json:"total"`
	Cached   int `json:"cached"`
	Computed int `json:"computed"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Warm extracts and caches the fingerprint of every corpus entry that has
// no usable cached record yet.
func (e *Engine) Warm(ctx context.Context, opts WarmOptions) (*WarmStats, error) {
	if e.cache == nil {
		return nil, errors.New("no descriptor cache configured")
	}

	entries, err := e.corpus.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list corpus: %w", err)
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = e.workers
	}

	var cached, computed, skipped, failed int64
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for _, entry := range entries {
		wg.Add(1)
		go func(entry database.Entry) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			if opts.OnProgress != nil {
				defer opts.OnProgress(entry)
			}

			if ctx.Err() != nil {
				atomic.AddInt64(&failed, 1)
				return
			}
			if !e.source.Supports(entry.Address) {
				atomic.AddInt64(&skipped, 1)
				return
			}
			if !opts.Force && e.cachedFingerprint(ctx, entry) != nil {
				atomic.AddInt64(&cached, 1)
				return
			}

			buf, err := e.source.Load(ctx, entry.Address)
			if err != nil {
				log.Printf("Entry %s: %v", entry.ID, err)
				atomic.AddInt64(&failed, 1)
				return
			}
			fp, err := e.extractor.Extract(ctx, buf)
			if err != nil {
				log.Printf("Entry %s: %v", entry.ID, err)
				atomic.AddInt64(&failed, 1)
				return
			}
			rec := database.NewCachedDescriptors(entry, e.extractor.Config(), fp, time.Now().UTC())
			if err := e.cache.Put(ctx, rec); err != nil {
				log.Printf("Failed to cache descriptors of entry %s: %v", entry.ID, err)
				atomic.AddInt64(&failed, 1)
				return
			}
			atomic.AddInt64(&computed, 1)
		}(entry)
	}

	wg.Wait()

	stats := &WarmStats{
		Total:    len(entries),
		Cached:   int(cached),
		Computed: int(computed),
		Skipped:  int(skipped),
		Failed:   int(failed),
	}
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	return stats, nil
}
