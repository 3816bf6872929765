package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/bobarin/reelcomposer/internal/config"
	"github.com/bobarin/reelcomposer/internal/models"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "compositor",
		Short:         "Render timelines to MP4 without the API server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.AddCommand(newRenderCommand())
	rootCmd.AddCommand(newPlanCommand())

	return rootCmd
}

func loadTimeline(path string) (models.Timeline, error) {
	var tl models.Timeline
	data, err := os.ReadFile(path)
	if err != nil {
		return tl, fmt.Errorf("read timeline: %w", err)
	}
	if err := json.Unmarshal(data, &tl); err != nil {
		return tl, fmt.Errorf("parse timeline %s: %w", path, err)
	}
	return tl, nil
}

// loadConfig reads the same environment as the server. The CLI never needs a
// job store, so store settings are ignored.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
