package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/docker/go-units"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/tendant/simple-upload/pkg/simpleupload"
	"github.com/tendant/simple-upload/pkg/simpleupload/orchestrator"
	"github.com/tendant/simple-upload/pkg/simpleupload/transport"
)

// NewMultipartCommand creates the multipart command
func NewMultipartCommand(g *globalFlags) *cobra.Command {
	var chunkSize string
	var concurrency int

	cmd := &cobra.Command{
		Use:   "multipart <file>",
		Short: "Upload a large file in parts",
		Long: `Open a multipart session, upload the parts in parallel and complete
the session. A failed upload aborts the session.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := g.providerValue()
			if err != nil {
				return err
			}
			var chunk int64
			if chunkSize != "" {
				if chunk, err = units.RAMInBytes(chunkSize); err != nil {
					return fmt.Errorf("invalid --chunk-size: %w", err)
				}
			}

			file, err := orchestrator.OpenFile(args[0])
			if err != nil {
				return err
			}
			f, err := os.Open(file.Source)
			if err != nil {
				return err
			}
			defer f.Close()

			logger := g.logger(cmd.ErrOrStderr())
			client := orchestrator.NewMultipartClient(strings.TrimSuffix(g.server, "/"), g.clientOptions()...)
			up := orchestrator.NewMultipartUploader(client, transport.New(transport.WithLogger(logger)), logger)

			out := cmd.OutOrStdout()
			session, err := up.Upload(cmd.Context(), simpleupload.MultipartRequest{
				CredentialRequest: simpleupload.CredentialRequest{
					Name:     file.Name,
					Type:     file.Type,
					Size:     uint64(file.Size),
					Provider: provider,
				},
				ChunkSize: chunk,
			}, f, transport.PartOptions{
				Concurrency: concurrency,
				OnProgress: func(p transport.Progress) {
					if g.verbose {
						fmt.Fprintf(out, "\r%s / %s (%.0f%%)", humanize.IBytes(uint64(p.Loaded)), humanize.IBytes(uint64(p.Total)), p.Percentage)
					}
				},
			})
			if g.verbose {
				fmt.Fprintln(out)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s\t%s\t%s\n", file.Name, session.Key, session.PublicURL)
			return nil
		},
	}

	cmd.Flags().StringVar(&chunkSize, "chunk-size", "", "part size, e.g. 8MiB (minimum 5MiB)")
	cmd.Flags().IntVar(&concurrency, "concurrency", transport.DefaultPartConcurrency, "parts uploaded at once")

	return cmd
}
