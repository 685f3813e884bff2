package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kozaktomas/imgmatch/internal/database"
	"github.com/kozaktomas/imgmatch/internal/web"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server",
	Long: `Start the imgmatch HTTP API.
The API answers match requests, lists and adds corpus images and reports
cache statistics.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 8080, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to (overrides WEB_HOST)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := openBackend(ctx, false)
	if err != nil {
		return err
	}
	defer b.Close()

	// Remote callers only reach the local disk when explicitly enabled.
	b.engine, err = newEngine(b.cfg, b.corpus, b.cache, newSource(b.cfg, b.cfg.Web.AllowLocalFiles))
	if err != nil {
		return err
	}
	if b.cfg.Web.AllowLocalFiles {
		log.Printf("Warning: API clients may read local files")
	}

	if cmd.Flags().Changed("port") {
		b.cfg.Web.Port = mustGetInt(cmd, "port")
	}
	if cmd.Flags().Changed("host") {
		b.cfg.Web.Host = mustGetString(cmd, "host")
	}
	fmt.Printf("Using %s backend\n", database.BackendName())

	server := web.NewServer(b.cfg, web.Deps{
		Finder:  b.engine,
		Corpus:  b.corpus,
		Cache:   b.cache,
		Backend: database.BackendName(),
		// Addresses the engine cannot load never enter the corpus.
		Addresses: b.engine,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("Starting imgmatch API on http://%s:%d\n", b.cfg.Web.Host, b.cfg.Web.Port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
