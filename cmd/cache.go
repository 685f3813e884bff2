package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kozaktomas/imgmatch/internal/constants"
	"github.com/kozaktomas/imgmatch/internal/database"
	"github.com/kozaktomas/imgmatch/internal/engine"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Cache management commands",
	Long:  `Commands for managing the descriptor cache of corpus images.`,
}

var cacheWarmCmd = &cobra.Command{
	Use:   "warm",
	Short: "Precompute descriptors of every corpus image",
	Long: `Extract keypoint descriptors of every corpus image that has no valid
cached record yet, so later matches do not need to download and decode
them again. Records produced by a different detector configuration are
replaced.`,
	Args: cobra.NoArgs,
	RunE: runCacheWarm,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every cached descriptor record",
	Args:  cobra.NoArgs,
	RunE:  runCacheClear,
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove cached records of images no longer in the corpus",
	Args:  cobra.NoArgs,
	RunE:  runCachePrune,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show corpus and cache sizes",
	Args:  cobra.NoArgs,
	RunE:  runCacheStats,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheWarmCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	cacheCmd.AddCommand(cachePruneCmd)
	cacheCmd.AddCommand(cacheStatsCmd)

	cacheWarmCmd.Flags().Int("concurrency", constants.WorkerPoolSize, "Number of parallel workers")
	cacheWarmCmd.Flags().Bool("force", false, "Recompute records that are already cached")
	cacheWarmCmd.Flags().Bool("json", false, "Output as JSON")
	cacheClearCmd.Flags().Bool("json", false, "Output as JSON")
	cachePruneCmd.Flags().Bool("json", false, "Output as JSON")
	cacheStatsCmd.Flags().Bool("json", false, "Output as JSON")
}

// WarmCacheResult represents the JSON output for cache warm
type WarmCacheResult struct {
	Success bool `json:"success"`
	engine.WarmStats
	DurationMs    int64  `json:"duration_ms"`
	DurationHuman string `json:"-"`
}

func runCacheWarm(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jsonOutput := mustGetBool(cmd, "json")
	concurrency := mustGetInt(cmd, "concurrency")
	force := mustGetBool(cmd, "force")

	b, err := openBackend(ctx, true)
	if err != nil {
		return err
	}
	defer b.Close()

	total, err := b.corpus.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count corpus: %w", err)
	}

	if !jsonOutput {
		fmt.Printf("Warming descriptor cache for %d images (concurrency: %d)\n", total, concurrency)
	}

	// Create progress bar (only for non-JSON output)
	var bar *progressbar.ProgressBar
	if !jsonOutput && total > 0 {
		bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("Warming cache"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
	}

	startTime := time.Now()
	stats, err := b.engine.Warm(ctx, engine.WarmOptions{
		Concurrency: concurrency,
		Force:       force,
		OnProgress: func(database.Entry) {
			if bar != nil {
				bar.Add(1)
			}
		},
	})
	if bar != nil {
		fmt.Println()
	}
	if err != nil && stats == nil {
		return err
	}

	duration := time.Since(startTime)
	result := WarmCacheResult{
		Success:       err == nil,
		WarmStats:     *stats,
		DurationMs:    duration.Milliseconds(),
		DurationHuman: formatDuration(duration),
	}

	if jsonOutput {
		if jerr := outputJSON(result); jerr != nil {
			return jerr
		}
		return err
	}

	fmt.Println("\nWarm complete!")
	fmt.Printf("  Images:         %d\n", result.Total)
	fmt.Printf("  Already cached: %d\n", result.Cached)
	fmt.Printf("  Computed:       %d\n", result.Computed)
	if result.Skipped > 0 {
		fmt.Printf("  Skipped:        %d\n", result.Skipped)
	}
	if result.Failed > 0 {
		fmt.Printf("  Failed:         %d\n", result.Failed)
	}
	fmt.Printf("  Duration:       %s\n", result.DurationHuman)

	return err
}

// CacheCountResult is the JSON output of cache clear and prune.
type CacheCountResult struct {
	Success bool `json:"success"`
	Removed int  `json:"removed"`
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	b, err := openBackend(ctx, false)
	if err != nil {
		return err
	}
	defer b.Close()

	removed, err := b.cache.Clear(ctx)
	if err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}

	if mustGetBool(cmd, "json") {
		return outputJSON(CacheCountResult{Success: true, Removed: removed})
	}
	fmt.Printf("Removed %d cached records\n", removed)
	return nil
}

func runCachePrune(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	b, err := openBackend(ctx, false)
	if err != nil {
		return err
	}
	defer b.Close()

	entries, err := b.corpus.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list corpus: %w", err)
	}
	keep := make([]string, len(entries))
	for i, e := range entries {
		keep[i] = e.ID
	}

	removed, err := b.cache.Prune(ctx, keep)
	if err != nil {
		return fmt.Errorf("failed to prune cache: %w", err)
	}

	if mustGetBool(cmd, "json") {
		return outputJSON(CacheCountResult{Success: true, Removed: removed})
	}
	fmt.Printf("Removed %d orphaned records\n", removed)
	return nil
}

// CacheStatsResult is the JSON output of cache stats.
type CacheStatsResult struct {
	Backend       string `json:"backend"`
	Images        int    `json:"images"`
	CachedRecords int    `json:"cached_records"`
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	b, err := openBackend(ctx, false)
	if err != nil {
		return err
	}
	defer b.Close()

	images, err := b.corpus.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count corpus: %w", err)
	}
	cached, err := b.cache.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count cache: %w", err)
	}

	result := CacheStatsResult{Backend: database.BackendName(), Images: images, CachedRecords: cached}
	if mustGetBool(cmd, "json") {
		return outputJSON(result)
	}
	fmt.Printf("Backend:        %s\n", result.Backend)
	fmt.Printf("Images:         %d\n", result.Images)
	fmt.Printf("Cached records: %d\n", result.CachedRecords)
	return nil
}
