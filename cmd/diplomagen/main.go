// Command diplomagen runs the generation pipeline from the command line,
// without the HTTP service.
//
// Usage:
//
//	diplomagen generate --template diploma.docx --data students.xlsx [--out dir] [--sheet name] [--archive]
//	diplomagen archive <batch-id> [--out dir]
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/cristim67/diploma-generator/internal/app"
	"github.com/cristim67/diploma-generator/internal/generation"
	"github.com/cristim67/diploma-generator/pkg/config"
	"github.com/cristim67/diploma-generator/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	out        string
	workers    int
	sheet      string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "diplomagen",
		Short:        "Generate one document per dataset row from a DOCX template",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config file (defaults and DG_* env vars otherwise)")
	root.PersistentFlags().StringVar(&opts.out, "out", "", "directory for batches and archives (overrides generator.dataDir)")
	root.PersistentFlags().IntVar(&opts.workers, "workers", 0, "override generator.workers")

	root.AddCommand(newGenerateCmd(opts), newArchiveCmd(opts))
	return root
}

// open loads configuration and assembles the pipeline with a private metrics
// registry. Logs go to stderr so stdout carries only the JSON result.
func (o *rootOptions) open(cmd *cobra.Command) (*app.App, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.out != "" {
		cfg.Generator.DataDir = o.out
	}
	if o.sheet != "" {
		cfg.Generator.Sheet = o.sheet
	}
	if o.workers > 0 {
		cfg.Generator.Workers = o.workers
	}
	logger.SetupWriter(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
	return app.New(cmd.Context(), cfg, prometheus.NewRegistry())
}

type generateResult struct {
	Summary *generation.BatchSummary  `json:"summary"`
	Archive *generation.ArchiveHandle `json:"archive,omitempty"`
}

func newGenerateCmd(opts *rootOptions) *cobra.Command {
	var templatePath, dataPath string
	var withArchive bool
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Render a batch and print its summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			tmpl, err := readHandle(templatePath)
			if err != nil {
				return err
			}
			dataset, err := readHandle(dataPath)
			if err != nil {
				return err
			}
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.Orchestrator.Submit(cmd.Context(), tmpl, dataset)
			if summary == nil {
				return err
			}
			result := generateResult{Summary: summary}
			if err == nil && withArchive && summary.Succeeded > 0 {
				if result.Archive, err = a.Archives.Build(cmd.Context(), summary.BatchID); err != nil {
					return err
				}
			}
			if werr := printJSON(cmd.OutOrStdout(), result); werr != nil {
				return werr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&templatePath, "template", "", "path to the .docx template")
	cmd.Flags().StringVar(&dataPath, "data", "", "path to the .xlsx dataset")
	cmd.Flags().StringVar(&opts.sheet, "sheet", "", "worksheet to read instead of the first one")
	cmd.Flags().BoolVar(&withArchive, "archive", false, "zip the batch once it is rendered")
	_ = cmd.MarkFlagRequired("template")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func newArchiveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "archive <batch-id>",
		Short: "Zip the documents of an existing batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := generation.ParseBatchID(args[0])
			if err != nil {
				return err
			}
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			handle, err := a.Archives.Build(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), struct {
				*generation.ArchiveHandle
				Path string `json:"path"`
			}{handle, handle.Path})
		},
	}
}

func readHandle(path string) (generation.Handle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return generation.Handle{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return generation.Handle{Name: path, Data: data}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
