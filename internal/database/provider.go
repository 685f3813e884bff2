package database

import (
	"context"
	"fmt"
	"sync"
)

var (
	providerMu      sync.RWMutex
	backendName     string
	corpusWriter    func() CorpusWriter
	descriptorCache func() CacheAdmin
	corpusOverride  func() CorpusWriter
	initialized     bool
)

// RegisterBackend registers the repository constructors of a storage backend.
// This is called by the backend packages to avoid import cycles.
func RegisterBackend(name string, corpus func() CorpusWriter, cache func() CacheAdmin) {
	providerMu.Lock()
	defer providerMu.Unlock()
	backendName = name
	corpusWriter = corpus
	descriptorCache = cache
	initialized = true
}

// RegisterCorpusOverride replaces the corpus of the registered backend,
// for deployments whose image rows live in a separate database. The
// descriptor cache stays with the backend.
func RegisterCorpusOverride(corpus func() CorpusWriter) {
	providerMu.Lock()
	defer providerMu.Unlock()
	corpusOverride = corpus
}

// ResetBackend clears every registration.
func ResetBackend() {
	providerMu.Lock()
	defer providerMu.Unlock()
	backendName = ""
	corpusWriter = nil
	descriptorCache = nil
	corpusOverride = nil
	initialized = false
}

// IsInitialized returns whether a backend has been registered.
func IsInitialized() bool {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return initialized
}

// BackendName returns the name of the registered backend.
func BackendName() string {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return backendName
}

// GetCorpusWriter returns the corpus of the registered backend
func GetCorpusWriter(ctx context.Context) (CorpusWriter, error) {
	providerMu.RLock()
	defer providerMu.RUnlock()
	if corpusOverride != nil {
		return corpusOverride(), nil
	}
	if !initialized {
		return nil, fmt.Errorf("storage backend not initialized: DATABASE_URL or SQLITE_PATH is required")
	}
	if corpusWriter == nil {
		return nil, fmt.Errorf("%s corpus not registered", backendName)
	}
	return corpusWriter(), nil
}

// GetCorpusReader returns the corpus of the registered backend
func GetCorpusReader(ctx context.Context) (CorpusReader, error) {
	return GetCorpusWriter(ctx)
}

// GetDescriptorCache returns the descriptor cache of the registered backend
func GetDescriptorCache(ctx context.Context) (CacheAdmin, error) {
	providerMu.RLock()
	defer providerMu.RUnlock()
	if !initialized {
		return nil, fmt.Errorf("storage backend not initialized: DATABASE_URL or SQLITE_PATH is required")
	}
	if descriptorCache == nil {
		return nil, fmt.Errorf("%s descriptor cache not registered", backendName)
	}
	return descriptorCache(), nil
}
