package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/MeKo-Tech/scanpreview/internal/export"
	"github.com/MeKo-Tech/scanpreview/internal/loader"
	"github.com/MeKo-Tech/scanpreview/internal/scan"
	"github.com/MeKo-Tech/scanpreview/internal/session"
	"github.com/MeKo-Tech/scanpreview/internal/vision"
)

// scanCmd represents the scan command.
var scanCmd = &cobra.Command{
	Use:   "scan [files...]",
	Short: "Scan image files into clean black-and-white documents",
	Long: `Process one or more image files through the scan pipeline and write
the results to the output directory.

A single input is written as scanned-document.png; several inputs are
written as <name>-scanned.png. Files that are not images are reported
and skipped.

Supported formats: JPEG, PNG, GIF, BMP, WebP

Examples:
  scanpreview scan receipt.jpg
  scanpreview scan pages/*.png --output-dir out
  scanpreview scan letter.jpg --format pdf --preset sauvola`,
	Args:         cobra.MinimumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		if cmd.Flags().Changed("output-dir") {
			cfg.Output.Dir, _ = cmd.Flags().GetString("output-dir")
		}
		if cmd.Flags().Changed("format") {
			cfg.Output.Format, _ = cmd.Flags().GetString("format")
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		format, err := export.ParseFormat(cfg.Output.Format)
		if err != nil {
			return err
		}
		preset, err := cfg.Preset()
		if err != nil {
			return err
		}
		runner, err := scan.NewRunner(preset, cfg.Pipeline.MaxConcurrentRuns)
		if err != nil {
			return err
		}
		factory, err := cfg.EngineFactory()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		handle := vision.Open(ctx, cfg.Engine.Backend, factory, cfg.InitTimeout())
		defer func() { _ = handle.Close() }()
		eng, err := handle.Wait(ctx)
		if err != nil {
			return fmt.Errorf("load %s engine: %w", cfg.Engine.Backend, err)
		}

		ld := loader.New(nil)
		ld.MaxPixels = cfg.Pipeline.MaxPixels

		job := scanJob{
			runner: runner,
			engine: eng,
			loader: ld,
			dir:    cfg.Output.Dir,
			format: format,
			out:    cmd.OutOrStdout(),
		}
		failed := 0
		bases := outputBases(args)
		for i, path := range args {
			if err := job.process(ctx, path, bases[i]); err != nil {
				failed++
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", path, describeScanError(err))
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d file(s) failed", failed, len(args))
		}
		return nil
	},
}

type scanJob struct {
	runner *scan.Runner
	engine vision.Engine
	loader *loader.Loader
	dir    string
	format export.Format
	out    io.Writer
}

func (j scanJob) process(ctx context.Context, path, base string) error {
	src, err := j.loader.LoadFile(path)
	if err != nil {
		return err
	}
	start := time.Now()
	res, err := j.runner.Run(ctx, j.engine, src.Image)
	if err != nil {
		return err
	}
	written, err := export.WriteFile(j.dir, j.format.FileName(base), res.Image, j.format)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(j.out, "%s -> %s (%s preset, %s engine, deskew %.2f°, %s)\n",
		path, written, presetTitle(res.Preset), res.Engine, res.Deskew.Angle,
		time.Since(start).Round(time.Millisecond))
	return err
}

// outputBases names the output files: the fixed download name for a
// single input, <name>-scanned otherwise. Inputs sharing a name in
// different directories get -2, -3 and so on.
func outputBases(paths []string) []string {
	if len(paths) == 1 {
		return []string{export.DefaultBaseName}
	}
	bases := make([]string, len(paths))
	used := make(map[string]bool, len(paths))
	for i, path := range paths {
		name := filepath.Base(path)
		stem := strings.TrimSuffix(name, filepath.Ext(name)) + "-scanned"
		base := stem
		for n := 2; used[base]; n++ {
			base = fmt.Sprintf("%s-%d", stem, n)
		}
		used[base] = true
		bases[i] = base
	}
	return bases
}

func presetTitle(name string) string {
	return cases.Title(language.English).String(name)
}

// describeScanError prefers the message a user of the preview would see.
func describeScanError(err error) string {
	if errors.Is(err, session.ErrInvalidInputKind) {
		return session.UserMessage(err)
	}
	return err.Error()
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().StringP("output-dir", "o", ".", "directory for scanned files")
	scanCmd.Flags().StringP("format", "f", "png", "output format (png, pdf)")
}
