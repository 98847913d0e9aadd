package benchmark

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/Octogonapus/FMBenchOrchestrator/config"
	instanceprovisioner "github.com/Octogonapus/FMBenchOrchestrator/instance_provisioner"
	"github.com/Octogonapus/FMBenchOrchestrator/report"
	"github.com/Octogonapus/FMBenchOrchestrator/retry"
	"github.com/Octogonapus/FMBenchOrchestrator/target"
	"github.com/Octogonapus/FMBenchOrchestrator/util"
)

type deploymentTask struct {
	input *DeploymentTaskInput
	cfg   *config.Config
	spec  *config.InstanceSpec
	paths config.RemotePaths
	// localDir receives the logs and results of this instance.
	localDir string
	// cleared is set once localDir has been emptied for this run.
	cleared bool
}

func NewDeploymentTask(input *DeploymentTaskInput) DeploymentTask {
	if input.Strategy == nil {
		input.Strategy = instanceprovisioner.NewStrategy(input.Config, input.Spec, input.Provisioner, input.Dialer)
	}
	if input.Sleep == nil {
		input.Sleep = util.Sleep
	}
	if input.Now == nil {
		input.Now = time.Now
	}
	if input.Retry == nil {
		orch := input.Config.Orchestrator
		input.Retry = retry.Fixed(orch.MaxRetries, orch.RetryCooldown.Std())
	}
	if input.Retry.Sleep == nil {
		input.Retry.Sleep = input.Sleep
	}
	return &deploymentTask{
		input:    input,
		cfg:      input.Config,
		spec:     input.Spec,
		localDir: filepath.Join(input.ResultsRoot, input.Spec.Name),
	}
}

func (t *deploymentTask) Run(ctx context.Context) *report.DeploymentResult {
	res := report.NewDeploymentResult(t.spec.Name, t.spec.InstanceType, t.spec.Region)
	res.StartedAt = t.input.Now()

	inst := t.provision(ctx, res)
	if res.Status == "" {
		t.deploy(ctx, res, inst)
	}

	t.enter(ctx, StateTerminal, string(res.Status))
	res.FinishedAt = t.input.Now()
	res.TotalTimeSec = res.FinishedAt.Sub(res.StartedAt).Seconds()
	if res.Status.Failed() {
		slog.Error("deployment failed",
			slog.String("instance", t.spec.Name),
			slog.String("status", string(res.Status)),
			slog.String("error", res.Error),
		)
	} else {
		slog.Info("deployment finished", slog.String("instance", t.spec.Name), slog.String("status", string(res.Status)))
	}
	if t.input.Record != nil {
		t.input.Record(res)
	}

	if inst != nil {
		t.teardown(ctx, inst.ID)
	}
	return res
}

// provision acquires the instance. On failure the result status is set; the returned instance is still
// non-nil whenever an id is known so it can be torn down.
func (t *deploymentTask) provision(ctx context.Context, res *report.DeploymentResult) *instanceprovisioner.Instance {
	t.enter(ctx, StateProvisioning, "")
	inst, err := t.input.Strategy.Acquire(ctx, t.spec, t.input.RoleArn)
	if inst != nil && inst.ID != "" {
		res.InstanceID = inst.ID
		if t.input.OnInstance != nil {
			t.input.OnInstance(inst.ID)
		}
	}
	if err != nil {
		res.Fail(report.StatusProvisionFailed, err)
		return inst
	}
	res.Host = inst.Handle.Host
	res.Launched = inst.Launched
	slog.Info("instance ready",
		slog.String("instance", t.spec.Name),
		slog.String("instanceID", inst.ID),
		slog.Bool("launched", inst.Launched),
		slog.String("host", inst.Handle.Host),
		slog.String("user", inst.Handle.User),
	)
	return inst
}

func (t *deploymentTask) deploy(ctx context.Context, res *report.DeploymentResult, inst *instanceprovisioner.Instance) {
	h := inst.Handle
	t.paths = config.PathsFor(h.User)

	t.enter(ctx, StateAwaitingStartup, inst.ID)
	err := t.waitForFlag(ctx, h, &flagWait{
		phase:   "startup",
		flag:    config.StartupCompleteFlag,
		logPath: t.input.Strategy.StartupLogPath(),
		timeout: t.cfg.Orchestrator.StartupTimeout.Std(),
	})
	if err != nil {
		var te *TimeoutError
		if errors.As(err, &te) {
			res.LogSnapshot = te.LogTail
			res.Fail(report.StatusStartupTimeout, err)
		} else {
			res.Fail(report.StatusFailed, err)
		}
		return
	}

	if len(t.spec.UploadFiles) > 0 {
		t.enter(ctx, StateUploading, fmt.Sprintf("%d files", len(t.spec.UploadFiles)))
		err := t.uploadFiles(ctx, h)
		if err != nil {
			res.Fail(report.StatusUploadFailed, err)
			return
		}
	}

	for i, ref := range t.spec.FMBenchConfig {
		sub := t.runConfig(ctx, h, i+1, ref)
		res.SubResults = append(res.SubResults, sub)
		if ctx.Err() != nil {
			break
		}
	}
	res.RollUp()
}

func (t *deploymentTask) uploadFiles(ctx context.Context, h *target.ConnectionHandle) error {
	return target.WithSession(ctx, t.input.Dialer, h, func(tgt target.Target) error {
		for _, f := range t.spec.UploadFiles {
			remote := f.Remote
			if remote == "" {
				remote = filepath.Base(f.Local)
			}
			if !path.IsAbs(remote) {
				remote = path.Join(t.paths.Home, remote)
			}
			info, err := os.Stat(f.Local)
			if err != nil {
				return &target.TransferError{Op: "upload", Local: f.Local, Remote: remote, Err: err}
			}
			if info.IsDir() {
				err = tgt.UploadDirectory(f.Local, remote)
			} else {
				err = tgt.UploadFile(f.Local, remote)
			}
			if err != nil {
				return err
			}
			slog.Debug("uploaded file", slog.String("instance", t.spec.Name), slog.String("local", f.Local), slog.String("remote", remote))
		}
		return nil
	})
}

func (t *deploymentTask) teardown(ctx context.Context, instanceID string) {
	if instanceID == "" || !t.spec.DeleteAfterUse {
		return
	}
	ctx = context.WithoutCancel(ctx)
	t.enter(ctx, StateTearingDown, instanceID)
	err := t.input.Provisioner.TerminateInstance(ctx, t.spec, instanceID)
	if err != nil {
		slog.Error("failed to terminate instance",
			slog.String("instance", t.spec.Name),
			slog.String("instanceID", instanceID),
			slog.String("error", err.Error()),
		)
		return
	}
	if t.input.OnTerminated != nil {
		t.input.OnTerminated(instanceID)
	}
}

func (t *deploymentTask) enter(ctx context.Context, s State, detail string) {
	slog.Info("deployment state",
		slog.String("instance", t.spec.Name),
		slog.String("state", string(s)),
		slog.String("detail", detail),
	)
	if t.input.Recorder == nil {
		return
	}
	err := t.input.Recorder.RecordStep(context.WithoutCancel(ctx), t.spec.Name, string(s), detail)
	if err != nil {
		slog.Warn("failed to record step", slog.String("instance", t.spec.Name), slog.String("error", err.Error()))
	}
}
