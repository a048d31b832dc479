package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/polymicro/testlab/pkg/discovery"
)

var (
	collectProjectID   string
	collectServiceID   string
	collectServiceName string
	collectProjectPath string
	collectCached      bool
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Discover the tests available for a service",
	Long: `Enumerate a service's tests without executing them, merging a collect-only
pass over the project source tree with the manual-test catalog.`,
	RunE: collectTests,
}

func init() {
	rootCmd.AddCommand(collectCmd)
	collectCmd.Flags().StringVar(&collectProjectID, "project", "", "project id (required)")
	collectCmd.Flags().StringVar(&collectServiceID, "service", "", "service id (required)")
	collectCmd.Flags().StringVar(&collectServiceName, "service-name", "", "service name (required)")
	collectCmd.Flags().StringVar(&collectProjectPath, "project-path", "",
		"absolute path to the project source tree")
	collectCmd.Flags().BoolVar(&collectCached, "cached", false,
		"return the cached result of the last discovery instead of collecting")

	_ = collectCmd.MarkFlagRequired("project")
	_ = collectCmd.MarkFlagRequired("service")
	_ = collectCmd.MarkFlagRequired("service-name")
}

func collectTests(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	app, stop, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer stop()

	if collectCached {
		result, err := app.discovery.CachedTests(ctx, collectProjectID, collectServiceName)
		if err != nil {
			if errors.Is(err, discovery.ErrNotCached) {
				return fmt.Errorf("no cached tests for service %s", collectServiceName)
			}

			return err
		}

		printJSON(result)

		return nil
	}

	result, err := app.discovery.Collect(ctx, &discovery.Request{
		ProjectID:    collectProjectID,
		ServiceID:    collectServiceID,
		ServiceName:  collectServiceName,
		ProjectPath:  collectProjectPath,
		TestsDirPath: app.cfg.Discovery.TestsDirPath,
	})
	if err != nil {
		return err
	}

	printJSON(result)

	return nil
}
