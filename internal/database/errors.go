package database

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a corpus entry does not exist.
	ErrNotFound = errors.New("not found")
	// ErrEmptyAddress is returned when an entry is added without an address.
	ErrEmptyAddress = errors.New("empty image address")
	// ErrCacheInconsistency is the sentinel wrapped by CacheInconsistencyError.
	ErrCacheInconsistency = errors.New("cache inconsistency")
)

// CacheInconsistencyError reports a cached descriptor record that cannot
// be used with the current extractor or entry. The record should be
// discarded and recomputed.
type CacheInconsistencyError struct {
	EntryID string
	Reason  string
}

func (e *CacheInconsistencyError) Error() string {
	return fmt.Sprintf("cached descriptors for entry %s: %s", e.EntryID, e.Reason)
}

func (e *CacheInconsistencyError) Unwrap() error {
	return ErrCacheInconsistency
}
