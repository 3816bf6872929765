package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bobarin/reelcomposer/internal/app"
	"github.com/bobarin/reelcomposer/internal/pipeline"
	"github.com/spf13/cobra"
)

func newPlanCommand() *cobra.Command {
	var timelinePath string
	var showGraphs bool

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Resolve timing and print the encoder graphs without rendering",
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

			p, err := app.NewPipeline(cmd.Context(), cfg, true, log)
			if err != nil {
				return err
			}

			plan, err := p.Plan(cmd.Context(), tl, "work")
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%dx%d @ %d fps, %s total\n", plan.Width, plan.Height, plan.FPS, formatSeconds(plan.Duration))
			fmt.Fprintln(out, renderPlanTable(plan))

			if showGraphs {
				for _, seg := range plan.Segments {
					fmt.Fprintf(out, "\n# segment %d\n%s\n", seg.Index, seg.Graph.CommandLine(cfg.FFmpegPath))
				}
				if plan.Concat != nil {
					fmt.Fprintf(out, "\n# concat\n%s\n", plan.Concat.CommandLine(cfg.FFmpegPath))
				}
				if plan.Mix != nil {
					fmt.Fprintf(out, "\n# mix\n%s\n", plan.Mix.CommandLine(cfg.FFmpegPath))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&timelinePath, "timeline", "t", "", "Timeline JSON file")
	cmd.Flags().BoolVar(&showGraphs, "graphs", false, "Print the ffmpeg command of every stage")
	_ = cmd.MarkFlagRequired("timeline")

	return cmd
}

func renderPlanTable(plan *pipeline.Plan) string {
	headers := []string{"Segment", "Duration", "Clips", "Clip length", "Crossfade", "Offsets", "Cues"}
	aligns := []columnAlignment{alignRight, alignRight, alignRight, alignLeft, alignRight, alignLeft, alignRight}

	rows := make([][]string, 0, len(plan.Segments))
	for _, seg := range plan.Segments {
		rows = append(rows, []string{
			strconv.Itoa(seg.Index),
			formatSeconds(seg.Duration),
			strconv.Itoa(len(seg.ClipDurations)),
			joinSeconds(seg.ClipDurations),
			formatSeconds(seg.Crossfade),
			joinSeconds(seg.Offsets),
			strconv.Itoa(len(seg.Cues)),
		})
	}
	return renderTable(headers, rows, aligns)
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64) + "s"
}

func joinSeconds(values []float64) string {
	if len(values) == 0 {
		return "-"
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.FormatFloat(v, 'f', 3, 64)
	}
	return strings.Join(parts, ", ")
}
