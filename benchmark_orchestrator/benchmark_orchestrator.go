package benchmarkorchestrator

import (
	"context"
	"time"

	"github.com/Octogonapus/FMBenchOrchestrator/benchmark"
	"github.com/Octogonapus/FMBenchOrchestrator/config"
	instanceprovisioner "github.com/Octogonapus/FMBenchOrchestrator/instance_provisioner"
	"github.com/Octogonapus/FMBenchOrchestrator/report"
	"github.com/Octogonapus/FMBenchOrchestrator/target"
)

// RoleResolver yields the instance profile that fresh instances run as.
type RoleResolver interface {
	ResolveRoleArn(ctx context.Context) (string, error)
}

type FleetOrchestratorInput struct {
	Config      *config.Config
	Provisioner instanceprovisioner.Provisioner
	Dialer      target.Dialer
	Resolver    benchmark.ConfigResolver
	Recorder    benchmark.Recorder // optional
	Identity    RoleResolver

	RunID       string // a random id is generated when empty
	Concurrency int    // runs all instances in parallel by default
	ResultsRoot string // results/<general.name> by default

	// StartJitter offsets task starts by a random duration up to this value.
	StartJitter time.Duration

	// NewTask defaults to benchmark.NewDeploymentTask.
	NewTask func(*benchmark.DeploymentTaskInput) benchmark.DeploymentTask
}

// Runs one deployment task per instance spec (concurrently) and collects their results.
type FleetOrchestrator interface {
	// Run drives every spec to a terminal state. An error is returned only when the run could not start at
	// all; failures of individual instances are reported in the FleetReport.
	Run(ctx context.Context, specs []*config.InstanceSpec) (*report.FleetReport, error)
}
