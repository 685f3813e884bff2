package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var compareCmd = &cobra.Command{
	Use:   "compare <image-a> <image-b>",
	Short: "Score two images against each other",
	Long: `Compute the similarity of two images with the same comparator the
matcher would pick for them. The corpus and the descriptor cache are not
touched.`,
	Args: cobra.ExactArgs(2),
	RunE: runCompare,
}

func init() {
	rootCmd.AddCommand(compareCmd)

	compareCmd.Flags().Bool("json", false, "Output as JSON")
}

func runCompare(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	b, err := openBackend(ctx, true)
	if err != nil {
		return err
	}
	defer b.Close()

	cmp, err := b.engine.Compare(ctx, args[0], args[1])
	if err != nil {
		return err
	}

	if mustGetBool(cmd, "json") {
		return outputJSON(cmp)
	}
	fmt.Printf("Score: %.4f (%s)\n", cmp.Score, cmp.Algorithm)
	return nil
}
