package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kozaktomas/imgmatch/internal/engine"
	"github.com/spf13/cobra"
)

var matchCmd = &cobra.Command{
	Use:   "match <url-or-path>",
	Short: "Check whether an image was already posted",
	Long: `Scan the corpus in insertion order and report the first image whose
similarity with the candidate reaches the threshold.

With --ingest the candidate is added to the corpus when no entry matches.`,
	Args: cobra.ExactArgs(1),
	RunE: runMatch,
}

func init() {
	rootCmd.AddCommand(matchCmd)

	matchCmd.Flags().Float64("threshold", 0, "Minimum similarity in [0, 1] (defaults to the configured threshold)")
	matchCmd.Flags().Bool("ingest", false, "Add the image to the corpus when nothing matches")
	matchCmd.Flags().Bool("json", false, "Output as JSON")
}

func runMatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jsonOutput := mustGetBool(cmd, "json")
	ingest := mustGetBool(cmd, "ingest")

	b, err := openBackend(ctx, true)
	if err != nil {
		return err
	}
	defer b.Close()

	threshold := resolveThreshold(mustGetFloat64(cmd, "threshold"), cmd.Flags().Changed("threshold"), b.cfg)

	var res *engine.MatchResult
	if ingest {
		res, err = b.engine.MatchOrIngest(ctx, args[0], threshold)
	} else {
		res, err = b.engine.FindMatch(ctx, args[0], threshold)
	}
	if err != nil && !errors.Is(err, engine.ErrScanTimeout) {
		return err
	}

	if jsonOutput {
		if jerr := outputJSON(res); jerr != nil {
			return jerr
		}
		return err
	}

	printMatchResult(res)
	return err
}

func printMatchResult(res *engine.MatchResult) {
	switch res.Status {
	case engine.StatusMatched:
		fmt.Println("Match found!")
		fmt.Printf("  Entry:     %s\n", *res.EntryID)
		fmt.Printf("  Posted:    %s\n", res.EntryTimestamp.Format("2006-01-02 15:04:05"))
		fmt.Printf("  Score:     %.4f (%s)\n", res.Score, res.Algorithm)
		if res.Message != "" {
			fmt.Printf("  Message:   %s\n", res.Message)
		}
	case engine.StatusTimeout:
		fmt.Printf("Scan timed out after %d entries\n", res.Scanned)
	case engine.StatusInvalidCandidate:
		fmt.Println("The candidate image could not be loaded")
	default:
		fmt.Printf("No match among %d entries\n", res.Scanned)
	}
	if res.Ingested {
		fmt.Printf("Added to corpus as %s\n", res.IngestedID)
	}
}
