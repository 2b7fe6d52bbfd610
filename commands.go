package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/atlasops/atlas-descaler/pkg/atlas"
	"github.com/atlasops/atlas-descaler/pkg/config"
	"github.com/atlasops/atlas-descaler/pkg/logger"
	"github.com/atlasops/atlas-descaler/pkg/metrics"
	"github.com/atlasops/atlas-descaler/pkg/monitor"
	"github.com/atlasops/atlas-descaler/pkg/scaleup"
	"github.com/atlasops/atlas-descaler/pkg/state"
	"github.com/atlasops/atlas-descaler/pkg/tiers"
)

// Version information variables (set at build time)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// NewDescaleCommand creates the monitoring/scale-down command
func NewDescaleCommand() *cobra.Command {
	var minHours int

	cmd := &cobra.Command{
		Use:   "descale",
		Short: "Run one monitoring pass and scale down eligible shards",
		Long:  "Evaluate every tracked shard against its utilization thresholds and scale those that qualify back to their base tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDescale(cmd.Context(), minHours)
		},
	}

	cmd.Flags().IntVar(&minHours, "min-hours", -1, "Override the configured hold-down hours since the last tier update")
	return cmd
}

// NewScaleUpCommand creates the forced scale-up command
func NewScaleUpCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scaleup",
		Short: "Scale every tracked shard up to its scale-up tier",
		Long:  "Force all tracked shards currently at their base tier up to the configured scale-up tier ahead of anticipated load",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScaleUp(cmd.Context())
		},
	}

	return cmd
}

// NewVersionCommand creates a new version command
func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  "Display version, build commit, and build time information",
		Run: func(cmd *cobra.Command, args []string) {
			runVersion()
		},
	}

	return cmd
}

// runDescale executes one monitoring pass and writes the run report
func runDescale(ctx context.Context, minHoursOverride int) error {
	log := logger.GetLoggerFromContext(ctx)
	cfg := config.GetConfig()

	client, catalog, store, err := buildDependencies(cfg, log)
	if err != nil {
		return err
	}

	minHours := cfg.Controller.MinHoursSinceUpdate
	if minHoursOverride >= 0 {
		minHours = minHoursOverride
		log.Infof("Hold-down override: %d hour(s) instead of configured %d", minHours, cfg.Controller.MinHoursSinceUpdate)
	}

	collector := metrics.NewCollector(client, cfg.Controller.MetricsPeriod, log)
	runner := monitor.NewRunner(client, collector, catalog, store, minHours, log)

	result, err := runner.Run(ctx)
	if result != nil {
		if reportErr := monitor.WriteReport(cfg.ReportPath(), result); reportErr != nil {
			log.Errorf("Failed to write run report: %v", reportErr)
		} else {
			log.Infof("Run report written to %s", cfg.ReportPath())
		}
	}
	return err
}

// runScaleUp forces all tracked shards up to their scale-up tier
func runScaleUp(ctx context.Context) error {
	log := logger.GetLoggerFromContext(ctx)
	cfg := config.GetConfig()

	client, _, store, err := buildDependencies(cfg, log)
	if err != nil {
		return err
	}

	runner := scaleup.NewRunner(client, store, log)
	result, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	if result.Failed() {
		return fmt.Errorf("scale-up did not complete for all clusters")
	}
	return nil
}

// runVersion displays version information
func runVersion() {
	fmt.Printf("Atlas Descaler\n")
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Git Commit: %s\n", GitCommit)
	fmt.Printf("Build Time: %s\n", BuildTime)
}

// buildDependencies wires the Atlas client, tier catalog and tracking
// state shared by the descale and scaleup commands.
func buildDependencies(cfg *config.Config, log *logrus.Logger) (*atlas.Client, *tiers.Catalog, *state.Store, error) {
	client, err := atlas.NewClient(cfg.GetProjectID(), cfg.Atlas.PublicKey, cfg.Atlas.PrivateKey, cfg.Atlas.BaseURL, log)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create Atlas client: %w", err)
	}

	catalog, err := tiers.LoadCatalog(cfg.Paths.TierCatalog)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load tier catalog from %s: %w", cfg.Paths.TierCatalog, err)
	}
	log.Infof("Loaded %d tier spec(s) from %s", catalog.Len(), cfg.Paths.TierCatalog)

	store, problems, err := state.Load(cfg.Paths.ClusterTracking)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load cluster tracking state from %s: %w", cfg.Paths.ClusterTracking, err)
	}
	for _, problem := range problems {
		log.Warnf("Skipping invalid tracking entry: %v", problem)
	}
	log.Infof("Tracking %d cluster(s) from %s", len(store.Clusters()), cfg.Paths.ClusterTracking)

	return client, catalog, store, nil
}
