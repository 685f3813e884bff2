package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/kozaktomas/imgmatch/internal/database"
)

// entryOutcome is a scored corpus entry, identified by its scan index.
type entryOutcome struct {
	index int
	pairScore
}

// FindMatch scans the corpus in insertion order and returns the first entry
// whose score reaches threshold. Entries are scored in parallel, but an
// acceptance is only honoured once every earlier entry has been resolved,
// so the winner is the same as for a sequential scan.
//
// A candidate that cannot be decoded yields a non-match without scanning.
// When the scan deadline passes, the result has TimedOut set and the error
// wraps ErrScanTimeout.
func (e *Engine) FindMatch(ctx context.Context, address string, threshold float64) (*MatchResult, error) {
	if err := validateThreshold(threshold); err != nil {
		return nil, err
	}

	if e.scanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.scanTimeout)
		defer cancel()
	}

	buf, err := e.source.Load(ctx, address)
	if err != nil {
		if res, terr := e.interrupted(ctx, 0, 0); res != nil || terr != nil {
			return res, terr
		}
		log.Printf("Candidate %s: %v", address, err)
		return noMatch(StatusInvalidCandidate, 0), nil
	}

	entries, err := e.corpus.List(ctx)
	if err != nil {
		if res, terr := e.interrupted(ctx, 0, 0); res != nil || terr != nil {
			return res, terr
		}
		return nil, fmt.Errorf("list corpus: %w", err)
	}
	if len(entries) == 0 {
		return noMatch(StatusNoMatch, 0), nil
	}

	c := &candidate{address: address, buf: buf}
	return e.scan(ctx, c, entries, threshold)
}

// interrupted converts a finished context into the matching return values.
// It returns nils while ctx is still live.
func (e *Engine) interrupted(ctx context.Context, resolved, total int) (*MatchResult, error) {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return noMatch(StatusTimeout, resolved),
			fmt.Errorf("%w: %d of %d entries resolved", ErrScanTimeout, resolved, total)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		return nil, nil
	}
}

func (e *Engine) scan(ctx context.Context, c *candidate, entries []database.Entry, threshold float64) (*MatchResult, error) {
	var wg sync.WaitGroup
	defer wg.Wait()

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// cutoff is the lowest index known to clear the threshold. Entries
	// after it can no longer win and are abandoned.
	var cutoff atomic.Int64
	cutoff.Store(int64(len(entries)))
	lowerCutoff := func(i int) {
		for {
			cur := cutoff.Load()
			if int64(i) >= cur || cutoff.CompareAndSwap(cur, int64(i)) {
				return
			}
		}
	}

	jobs := make(chan int)
	results := make(chan entryOutcome, len(entries))

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(jobs)
		for i := range entries {
			if int64(i) > cutoff.Load() {
				return
			}
			select {
			case jobs <- i:
			case <-scanCtx.Done():
				return
			}
		}
	}()

	workers := min(e.workers, len(entries))
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				abandoned := func() bool {
					return scanCtx.Err() != nil || int64(i) > cutoff.Load()
				}
				if abandoned() {
					results <- entryOutcome{index: i}
					continue
				}
				ps := e.scoreEntry(scanCtx, c, entries[i], abandoned)
				results <- entryOutcome{index: i, pairScore: ps}
			}
		}()
	}

	resolved := make([]*pairScore, len(entries))
	next := 0
	for next < len(entries) {
		select {
		case <-ctx.Done():
			return e.interrupted(ctx, next, len(entries))
		case o := <-results:
			// Once the deadline has passed an outcome may come from a
			// cancelled comparison, so it cannot settle the scan.
			if res, err := e.interrupted(ctx, next, len(entries)); res != nil || err != nil {
				return res, err
			}
			resolved[o.index] = &o.pairScore
			if o.accepts(threshold) {
				lowerCutoff(o.index)
			}
		}

		for next < len(entries) && resolved[next] != nil {
			ps := *resolved[next]
			next++
			if ps.accepts(threshold) {
				entry := entries[next-1]
				if err := e.corpus.IncrementMatchCount(ctx, entry.ID); err != nil {
					log.Printf("Failed to increment match count of entry %s: %v", entry.ID, err)
				}
				return e.matched(entry, ps, next), nil
			}
		}
	}

	return noMatch(StatusNoMatch, len(entries)), nil
}

// MatchOrIngest runs FindMatch and, when the corpus was scanned completely
// without a match, adds the candidate to the corpus.
func (e *Engine) MatchOrIngest(ctx context.Context, address string, threshold float64) (*MatchResult, error) {
	res, err := e.FindMatch(ctx, address, threshold)
	if err != nil {
		return res, err
	}
	if res.Status != StatusNoMatch {
		return res, nil
	}

	entry, err := e.corpus.Add(ctx, address)
	if err != nil {
		return res, fmt.Errorf("ingest candidate: %w", err)
	}
	log.Printf("Ingested %s as entry %s", address, entry.ID)
	res.Ingested = true
	res.IngestedID = entry.ID
	return res, nil
}
