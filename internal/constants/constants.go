// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

// Matching constants
const (
	// DefaultThreshold is the minimum score for a corpus entry to count as a match
	DefaultThreshold = 0.5

	// ScorePrecision is the number of decimals kept when a score is reported
	ScorePrecision = 4
)

// Processing constants
const (
	// WorkerPoolSize is the default number of parallel workers for cache warming
	WorkerPoolSize = 8

	// WatchDebounce is how long the watch command waits for a file to settle, in milliseconds
	WatchDebounce = 500
)

// Handler constants
const (
	// DefaultHandlerPageSize is the page size for paginated handler endpoints
	DefaultHandlerPageSize = 100

	// MaxRequestBody is the maximum accepted JSON request body in bytes
	MaxRequestBody = 1 << 20
)

// Messages returned to callers of the ingestion and match surfaces.
const (
	MsgNoURL          = "No URL was given"
	MsgImageAdded     = "Image url has been added to Database"
	MsgUnsupportedURL = "Only http and https image URLs are accepted"
)
