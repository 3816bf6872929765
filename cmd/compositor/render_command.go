package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bobarin/reelcomposer/internal/app"
	"github.com/spf13/cobra"
)

func newRenderCommand() *cobra.Command {
	var timelinePath string
	var outputPath string
	var keepWork bool

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render a timeline JSON file to an MP4",
		RunE: func(cmd *cobra.Command, args []string) error {
			tl, err := loadTimeline(timelinePath)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := app.NewLogger(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, err := app.NewPipeline(ctx, cfg, true, log)
			if err != nil {
				return err
			}

			if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
				return fmt.Errorf("create work dir: %w", err)
			}
			jobDir, err := os.MkdirTemp(cfg.WorkDir, "cli-")
			if err != nil {
				return fmt.Errorf("create job dir: %w", err)
			}
			if !keepWork {
				defer os.RemoveAll(jobDir)
			}

			started := time.Now()
			rendered, err := p.Render(ctx, jobDir, tl)
			if err != nil {
				return err
			}
			if err := moveFile(rendered, outputPath); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Rendered %s in %s\n", outputPath, time.Since(started).Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVarP(&timelinePath, "timeline", "t", "", "Timeline JSON file")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "output.mp4", "Output MP4 path")
	cmd.Flags().BoolVar(&keepWork, "keep-work", false, "Keep the job directory after rendering")
	_ = cmd.MarkFlagRequired("timeline")

	return cmd
}

// moveFile renames src to dst, copying when they live on different filesystems.
func moveFile(src, dst string) error {
	if dir := filepath.Dir(dst); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open rendered output: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy output: %w", err)
	}
	return out.Close()
}
