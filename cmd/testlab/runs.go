package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	runsProjectID string
	runsServiceID string
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded test runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List test runs for a project or service, newest first",
	RunE:  listRuns,
}

var runsGetCmd = &cobra.Command{
	Use:   "get <run-id>",
	Short: "Show one test run",
	Args:  cobra.ExactArgs(1),
	RunE:  getRun,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsGetCmd)

	runsListCmd.Flags().StringVar(&runsProjectID, "project", "", "list runs of this project")
	runsListCmd.Flags().StringVar(&runsServiceID, "service", "", "list runs of this service")
}

func listRuns(cmd *cobra.Command, args []string) error {
	if (runsProjectID == "") == (runsServiceID == "") {
		return fmt.Errorf("exactly one of --project or --service is required")
	}

	ctx, cancel := signalContext()
	defer cancel()

	app, stop, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer stop()

	if runsProjectID != "" {
		runs, err := app.orchestrator.GetRunsByProject(ctx, runsProjectID)
		if err != nil {
			return err
		}

		printJSON(runs)

		return nil
	}

	runs, err := app.orchestrator.GetRunsByService(ctx, runsServiceID)
	if err != nil {
		return err
	}

	printJSON(runs)

	return nil
}

func getRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	app, stop, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer stop()

	run, err := app.orchestrator.GetRun(ctx, args[0])
	if err != nil {
		return err
	}

	printJSON(run)

	return nil
}
