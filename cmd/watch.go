package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/kozaktomas/imgmatch/internal/constants"
	"github.com/kozaktomas/imgmatch/internal/engine"
	"github.com/spf13/cobra"
)

var defaultWatchExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff", ".webp"}

var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Match images as they appear in a directory",
	Long: `Watch a directory tree and run a match for every image file that is
created or written there. Images that match nothing are added to the corpus
unless --ingest=false is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().Float64("threshold", 0, "Minimum similarity in [0, 1] (defaults to the configured threshold)")
	watchCmd.Flags().Bool("ingest", true, "Add unmatched images to the corpus")
	watchCmd.Flags().Duration("debounce", constants.WatchDebounce*time.Millisecond, "Wait this long after the last change before matching")
	watchCmd.Flags().StringSlice("ext", defaultWatchExtensions, "File extensions treated as images")
}

func runWatch(cmd *cobra.Command, args []string) error {
	root := args[0]
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("watch dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", root)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	debounce, err := cmd.Flags().GetDuration("debounce")
	if err != nil {
		return err
	}
	ingest := mustGetBool(cmd, "ingest")
	exts := normalizeExtensions(mustGetStringSlice(cmd, "ext"))

	b, err := openBackend(ctx, true)
	if err != nil {
		return err
	}
	defer b.Close()

	threshold := resolveThreshold(mustGetFloat64(cmd, "threshold"), cmd.Flags().Changed("threshold"), b.cfg)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := addWatchDirs(watcher, root); err != nil {
		return fmt.Errorf("add watch dirs: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Watching %s for images...\n", root)

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	pending := make(map[string]struct{})

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 && isDir(event.Name) {
				if err := addWatchDirs(watcher, event.Name); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "watch error: %v\n", err)
				}
				continue
			}
			if !shouldHandleEvent(event, exts) {
				continue
			}
			pending[event.Name] = struct{}{}
			// Restart the window so a file still being written settles first.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "watch error: %v\n", err)
		case <-timer.C:
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			clear(pending)
			slices.Sort(paths)

			for _, path := range paths {
				if ctx.Err() != nil {
					return nil
				}
				if !isRegularFile(path) {
					continue
				}
				res, err := matchFile(ctx, b.engine, path, threshold, ingest)
				if err != nil && !errors.Is(err, engine.ErrScanTimeout) {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
					continue
				}
				fmt.Fprintln(cmd.OutOrStdout(), describeWatchResult(path, res))
			}
		}
	}
}

func matchFile(ctx context.Context, eng *engine.Engine, path string, threshold float64, ingest bool) (*engine.MatchResult, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if ingest {
		return eng.MatchOrIngest(ctx, abs, threshold)
	}
	return eng.FindMatch(ctx, abs, threshold)
}

// describeWatchResult renders one line per processed file.
func describeWatchResult(path string, res *engine.MatchResult) string {
	switch {
	case res.Matched:
		return fmt.Sprintf("[match] %s -> %s (%.4f, %s)", path, *res.EntryID, res.Score, res.Algorithm)
	case res.Ingested:
		return fmt.Sprintf("[new]   %s -> %s", path, res.IngestedID)
	default:
		return fmt.Sprintf("[%s] %s", res.Status, path)
	}
}

func addWatchDirs(watcher *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}

		if info.IsDir() {
			base := filepath.Base(path)
			if strings.HasPrefix(base, ".") && path != root {
				return filepath.SkipDir
			}
			return watcher.Add(path)
		}
		return nil
	})
}

// shouldHandleEvent reports whether event announces new image content.
func shouldHandleEvent(event fsnotify.Event, exts []string) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return false
	}

	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") {
		return false
	}

	return slices.Contains(exts, strings.ToLower(filepath.Ext(base)))
}

// normalizeExtensions lower-cases extensions and adds the leading dot.
func normalizeExtensions(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
