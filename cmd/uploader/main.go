package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/tendant/simple-upload/pkg/simpleupload"
	"github.com/tendant/simple-upload/pkg/simpleupload/orchestrator"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	server   string
	provider string
	token    string
	apiKey   string
	verbose  bool
}

func NewRootCommand() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "uploader",
		Short: "Upload files straight to object storage",
		Long: `Uploader asks a simple-upload server for short-lived credentials and
sends file bytes directly to the storage provider.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&g.server, "server", "s", envOr("UPLOADER_SERVER", "http://localhost:8080/api/v1"), "credential API base URL")
	rootCmd.PersistentFlags().StringVarP(&g.provider, "provider", "p", envOr("UPLOADER_PROVIDER", "aws"), "storage provider (aws, azure, backblaze, digitalocean, local)")
	rootCmd.PersistentFlags().StringVar(&g.token, "token", os.Getenv("UPLOADER_TOKEN"), "bearer token for the credential API")
	rootCmd.PersistentFlags().StringVar(&g.apiKey, "api-key", os.Getenv("UPLOADER_API_KEY"), "API key for the credential API")
	rootCmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(NewPutCommand(g))
	rootCmd.AddCommand(NewMultipartCommand(g))

	return rootCmd
}

func (g *globalFlags) clientOptions() []orchestrator.ClientOption {
	opts := []orchestrator.ClientOption{orchestrator.WithClientLogger(g.logger(io.Discard))}
	if g.token != "" {
		opts = append(opts, orchestrator.WithBearerToken(g.token))
	}
	if g.apiKey != "" {
		opts = append(opts, orchestrator.WithHeader("X-API-Key", g.apiKey))
	}
	return opts
}

func (g *globalFlags) logger(quiet io.Writer) *slog.Logger {
	if !g.verbose {
		return slog.New(slog.NewTextHandler(quiet, nil))
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelDebug, TimeFormat: time.Kitchen}))
}

func (g *globalFlags) providerValue() (simpleupload.Provider, error) {
	return simpleupload.ParseProvider(g.provider)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
