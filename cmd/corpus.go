package cmd

import (
	"fmt"
	"time"

	"github.com/kozaktomas/imgmatch/internal/database"
	"github.com/spf13/cobra"
)

var corpusCmd = &cobra.Command{
	Use:   "corpus",
	Short: "Corpus management commands",
	Long:  `Commands for listing and adding images of the corpus.`,
}

var corpusListCmd = &cobra.Command{
	Use:   "list",
	Short: "List corpus images in insertion order",
	Args:  cobra.NoArgs,
	RunE:  runCorpusList,
}

var corpusAddCmd = &cobra.Command{
	Use:   "add <url-or-path>...",
	Short: "Add images to the corpus without matching them",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCorpusAdd,
}

func init() {
	rootCmd.AddCommand(corpusCmd)
	corpusCmd.AddCommand(corpusListCmd)
	corpusCmd.AddCommand(corpusAddCmd)

	corpusListCmd.Flags().Int("limit", 0, "Show at most this many images (0 = all)")
	corpusListCmd.Flags().Bool("json", false, "Output as JSON")
	corpusAddCmd.Flags().Bool("json", false, "Output as JSON")
}

// CorpusImage is the JSON form of a corpus entry.
type CorpusImage struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	Timestamp    time.Time `json:"timestamp"`
	NumOfMatches int       `json:"num_of_matches"`
}

func toCorpusImage(e database.Entry) CorpusImage {
	return CorpusImage{ID: e.ID, URL: e.Address, Timestamp: e.CreatedAt, NumOfMatches: e.MatchCount}
}

func runCorpusList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	limit := mustGetInt(cmd, "limit")

	b, err := openBackend(ctx, false)
	if err != nil {
		return err
	}
	defer b.Close()

	entries, err := b.corpus.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list corpus: %w", err)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	images := make([]CorpusImage, len(entries))
	for i, e := range entries {
		images[i] = toCorpusImage(e)
	}

	if mustGetBool(cmd, "json") {
		return outputJSON(images)
	}

	if len(images) == 0 {
		fmt.Println("Corpus is empty")
		return nil
	}
	for _, img := range images {
		fmt.Printf("%-36s  %s  %4d  %s\n", img.ID, img.Timestamp.Format("2006-01-02 15:04:05"), img.NumOfMatches, img.URL)
	}
	fmt.Printf("\n%d images\n", len(images))
	return nil
}

func runCorpusAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	b, err := openBackend(ctx, false)
	if err != nil {
		return err
	}
	defer b.Close()

	added := make([]CorpusImage, 0, len(args))
	for _, address := range args {
		entry, err := b.corpus.Add(ctx, address)
		if err != nil {
			return fmt.Errorf("failed to add %s: %w", address, err)
		}
		added = append(added, toCorpusImage(*entry))
	}

	if mustGetBool(cmd, "json") {
		return outputJSON(added)
	}
	for _, img := range added {
		fmt.Printf("Added %s as %s\n", img.URL, img.ID)
	}
	return nil
}
