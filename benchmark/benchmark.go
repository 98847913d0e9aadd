package benchmark

import (
	"context"
	"time"

	"github.com/Octogonapus/FMBenchOrchestrator/config"
	instanceprovisioner "github.com/Octogonapus/FMBenchOrchestrator/instance_provisioner"
	"github.com/Octogonapus/FMBenchOrchestrator/report"
	"github.com/Octogonapus/FMBenchOrchestrator/retry"
	"github.com/Octogonapus/FMBenchOrchestrator/target"
)

// State is a step of a deployment task.
type State string

const (
	StateProvisioning       State = "provisioning"
	StateAwaitingStartup    State = "awaiting-startup"
	StateUploading          State = "uploading"
	StateRunning            State = "running"
	StateAwaitingCompletion State = "awaiting-completion"
	StateRetrieving         State = "retrieving"
	StateTearingDown        State = "tearing-down"
	StateTerminal           State = "terminal"
)

// ConfigResolver turns a workload config reference into a local file path.
type ConfigResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Recorder keeps the step history of deployment tasks.
type Recorder interface {
	RecordStep(ctx context.Context, instance, step, detail string) error
}

type DeploymentTaskInput struct {
	Config *config.Config
	Spec   *config.InstanceSpec

	Provisioner instanceprovisioner.Provisioner
	// Strategy defaults to instanceprovisioner.NewStrategy for the spec.
	Strategy instanceprovisioner.Strategy
	Dialer   target.Dialer
	Resolver ConfigResolver
	Recorder Recorder // optional

	// RoleArn is the instance profile attached to fresh instances.
	RoleArn string
	// ResultsRoot is the local directory holding one directory per instance.
	ResultsRoot string

	// Retry governs detached launches. Defaults to the orchestrator's retry settings.
	Retry *retry.Policy
	Sleep func(ctx context.Context, d time.Duration) error
	Now   func() time.Time

	// Record receives the finished result. It is always called before the instance is torn down.
	Record func(*report.DeploymentResult)
	// OnInstance is called once the instance id is known.
	OnInstance func(instanceID string)
	// OnTerminated is called after the instance was terminated.
	OnTerminated func(instanceID string)
}

// Drives one instance from provisioning to teardown.
// Create one via NewDeploymentTask.
type DeploymentTask interface {
	// Run executes every step and returns the recorded result. Failures are reported in the result,
	// never returned.
	Run(ctx context.Context) *report.DeploymentResult
}
