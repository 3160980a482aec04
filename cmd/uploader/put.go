package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/tendant/simple-upload/pkg/simpleupload"
	"github.com/tendant/simple-upload/pkg/simpleupload/orchestrator"
)

type putFlags struct {
	accept      string
	maxFileSize string
	compress    bool
	concurrency int
}

// NewPutCommand creates the put command
func NewPutCommand(g *globalFlags) *cobra.Command {
	f := &putFlags{}

	cmd := &cobra.Command{
		Use:   "put <pattern>...",
		Short: "Upload files matching glob patterns",
		Long: `Upload every file matching the given patterns. Patterns support ** for
recursive matches, e.g. "photos/**/*.jpg".`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := expandPatterns(args)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return fmt.Errorf("no files match %s", strings.Join(args, " "))
			}
			return runPut(cmd, g, f, paths)
		},
	}

	cmd.Flags().StringVar(&f.accept, "accept", "", "accept pattern, e.g. \"image/*,.pdf\"")
	cmd.Flags().StringVar(&f.maxFileSize, "max-file-size", "", "largest file to upload, e.g. 100MiB")
	cmd.Flags().BoolVar(&f.compress, "gzip", false, "gzip files before upload")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", orchestrator.DefaultConcurrency, "files uploaded at once")

	return cmd
}

// expandPatterns resolves glob patterns to a sorted list of regular files.
func expandPatterns(patterns []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || info.IsDir() || seen[m] {
				continue
			}
			seen[m] = true
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}

func runPut(cmd *cobra.Command, g *globalFlags, f *putFlags, paths []string) error {
	provider, err := g.providerValue()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	cfg := orchestrator.Config{
		TokenEndpoint:  strings.TrimSuffix(g.server, "/") + "/upload-url",
		Provider:       provider,
		Multiple:       true,
		ShouldCompress: f.compress,
		Concurrency:    f.concurrency,
		ClientOptions:  g.clientOptions(),
		Logger:         g.logger(io.Discard),
		Callbacks:      progressCallbacks(out),
	}
	if f.accept != "" {
		cfg.Accept = &f.accept
	}
	if f.maxFileSize != "" {
		n, err := units.RAMInBytes(f.maxFileSize)
		if err != nil {
			return fmt.Errorf("invalid --max-file-size: %w", err)
		}
		cfg.MaxFileSize = uint64(n)
	}

	o, err := orchestrator.New(cfg)
	if err != nil {
		return err
	}

	files := make([]orchestrator.File, 0, len(paths))
	for _, p := range paths {
		file, err := orchestrator.OpenFile(p)
		if err != nil {
			return err
		}
		files = append(files, file)
	}
	if accepted := o.Enqueue(files...); len(accepted) == 0 {
		return fmt.Errorf("none of the %d files were accepted", len(files))
	}

	result, err := o.ProceedUpload(cmd.Context())
	if err != nil {
		return err
	}
	for _, s := range result.Succeeded {
		fmt.Fprintf(out, "%s\t%s\t%s\n", s.Name, s.Key, s.PublicURL)
	}
	if n := len(result.Failed); n > 0 {
		return fmt.Errorf("%d of %d files failed", n, n+len(result.Succeeded))
	}
	return nil
}

func progressCallbacks(out io.Writer) orchestrator.Callbacks {
	return orchestrator.Callbacks{
		OnFileUploadComplete: func(s orchestrator.FileState, key string) {
			fmt.Fprintf(out, "uploaded %s (%s)\n", s.Name, humanize.IBytes(uint64(s.Total)))
		},
		OnFileUploadFail: func(s orchestrator.FileState, err *simpleupload.UploadError) {
			retry := ""
			if err.Retryable {
				retry = ", retryable"
			}
			fmt.Fprintf(out, "failed %s: %s [%s%s]\n", s.Name, err.Message, err.Type, retry)
		},
		OnTotalUploadProgress: func(loaded, total int64) {
			if total > 0 && loaded == total {
				fmt.Fprintf(out, "transferred %s\n", humanize.IBytes(uint64(total)))
			}
		},
		OnFileTypeMismatch: func(file orchestrator.File, accept string) {
			fmt.Fprintf(out, "skipped %s: %s does not match %q\n", file.Name, file.Type, accept)
		},
		OnWarn: func(msg string) {
			fmt.Fprintf(out, "warning: %s\n", msg)
		},
	}
}
