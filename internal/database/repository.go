package database

import (
	"context"
)

// CorpusReader provides read-only access to the corpus
type CorpusReader interface {
	// List returns every entry in insertion order
	List(ctx context.Context) ([]Entry, error)
	// Get retrieves an entry by identifier, returns ErrNotFound if missing
	Get(ctx context.Context, id string) (*Entry, error)
	// Count returns the number of entries
	Count(ctx context.Context) (int, error)
}

// CorpusWriter provides write access to the corpus
type CorpusWriter interface {
	CorpusReader

	// Add ingests a new entry with a zero match counter
	Add(ctx context.Context, address string) (*Entry, error)

	// IncrementMatchCount adds one to the entry's match counter
	IncrementMatchCount(ctx context.Context, id string) error
}

// DescriptorCache stores one fingerprint record per corpus entry.
// Writes replace the whole record atomically; readers never observe a
// partially written record.
type DescriptorCache interface {
	// Get returns the record for an entry, or nil if none is cached
	Get(ctx context.Context, entryID string) (*CachedDescriptors, error)
	// Put creates or replaces the record for rec.EntryID
	Put(ctx context.Context, rec *CachedDescriptors) error
	// Delete removes the record for an entry, if any
	Delete(ctx context.Context, entryID string) error
}

// CacheAdmin adds maintenance operations to a DescriptorCache
type CacheAdmin interface {
	DescriptorCache

	// Count returns the number of cached records
	Count(ctx context.Context) (int, error)
	// Clear removes every record and returns how many were removed
	Clear(ctx context.Context) (int, error)
	// Prune removes records whose entry is not in keep
	Prune(ctx context.Context, keep []string) (int, error)
}
