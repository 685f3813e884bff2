package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "imgmatch",
	Short: "Find previously seen images in an image corpus",
	Long: `imgmatch decides whether a candidate image was already posted by comparing
it with every image of a corpus. Equally shaped images are compared
structurally (SSIM), differently shaped ones by matching SIFT or ORB
keypoint descriptors. Fingerprints of corpus images are cached in
PostgreSQL or SQLite.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (defaults to $IMGMATCH_CONFIG)")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}
