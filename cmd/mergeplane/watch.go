package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fentz26/mergeplane/internal/models"
	"github.com/fentz26/mergeplane/internal/tui"
)

var (
	watchApp        string
	watchGeneration int64
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Monitor a build generation's merge tasks",
	RunE:  runWatch,
}

func init() {
	registerBuildFlags(watchCmd, &watchApp, &watchGeneration)
}

func runWatch(cmd *cobra.Command, args []string) error {
	client := adminClient()
	if _, err := client.Health(cmd.Context()); err != nil {
		return fmt.Errorf("admin at %s is not reachable: %w", cfg.AdminAddr, err)
	}

	app := tui.New(client, models.BuildID{AppName: watchApp, GenerationID: watchGeneration})
	if err := app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
