package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/polymicro/testlab/pkg/orchestrator"
	"github.com/polymicro/testlab/pkg/runstore"
)

var (
	runProjectID   string
	runServiceID   string
	runServiceName string
	runContainer   string
	runTestPath    string
	runTestID      string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute tests inside a service container",
	Long: `Create a test run and execute it inside the service's running container.
Without --path the whole service suite at /tests is executed.`,
	RunE: runTests,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runProjectID, "project", "", "project id (required)")
	runCmd.Flags().StringVar(&runServiceID, "service", "", "service id (required)")
	runCmd.Flags().StringVar(&runServiceName, "service-name", "", "service name")
	runCmd.Flags().StringVar(&runContainer, "container", "",
		"container name (defaults to the service id)")
	runCmd.Flags().StringVar(&runTestPath, "path", "",
		"in-container test path (defaults to /tests)")
	runCmd.Flags().StringVar(&runTestID, "test", "",
		"single test selector appended to the path")

	_ = runCmd.MarkFlagRequired("project")
	_ = runCmd.MarkFlagRequired("service")
}

func runTests(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	app, stop, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer stop()

	run, err := executeRun(ctx, app)
	if err != nil {
		return err
	}

	printJSON(run)

	if run.Status != runstore.StatusPassed {
		return fmt.Errorf("test run %s finished %s", run.ID, run.Status)
	}

	return nil
}

func executeRun(ctx context.Context, app *app) (*runstore.TestRun, error) {
	if runTestPath == "" {
		return app.orchestrator.RunServiceTests(ctx, &orchestrator.ServiceRunRequest{
			ProjectID:     runProjectID,
			ServiceID:     runServiceID,
			ServiceName:   runServiceName,
			ContainerName: containerName(),
		})
	}

	run, err := app.orchestrator.CreateRun(ctx, &orchestrator.CreateRequest{
		ProjectID: runProjectID,
		ServiceID: runServiceID,
		TestPath:  runTestPath,
		TestID:    runTestID,
	})
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	return app.orchestrator.ExecuteRun(ctx, run.ID)
}

func containerName() string {
	if runContainer != "" {
		return runContainer
	}

	return runServiceID
}

// printJSON renders a value as indented JSON on stdout.
func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.WithError(err).Error("Failed to render output")

		return
	}

	fmt.Println(string(data))
}
