package benchmarkorchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"path/filepath"
	"runtime/debug"
	"sync"

	"github.com/Octogonapus/FMBenchOrchestrator/benchmark"
	"github.com/Octogonapus/FMBenchOrchestrator/config"
	"github.com/Octogonapus/FMBenchOrchestrator/report"
	"github.com/Octogonapus/FMBenchOrchestrator/util"
	"github.com/alitto/pond"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
)

var ErrDuplicateInstance = errors.New("duplicate instance name")

type fleetOrchestrator struct {
	input *FleetOrchestratorInput
	cfg   *config.Config
	live  *liveInstances
}

func NewFleetOrchestrator(input *FleetOrchestratorInput) FleetOrchestrator {
	if input.NewTask == nil {
		input.NewTask = benchmark.NewDeploymentTask
	}
	if input.ResultsRoot == "" {
		input.ResultsRoot = filepath.Join(input.Config.Orchestrator.ResultsDir, input.Config.General.Name)
	}
	return &fleetOrchestrator{
		input: input,
		cfg:   input.Config,
		live:  &liveInstances{ids: map[string]string{}},
	}
}

func (o *fleetOrchestrator) Run(ctx context.Context, specs []*config.InstanceSpec) (*report.FleetReport, error) {
	seen := map[string]bool{}
	for _, spec := range specs {
		if seen[spec.Name] {
			return nil, fmt.Errorf("%s: %w", spec.Name, ErrDuplicateInstance)
		}
		seen[spec.Name] = true
	}

	runID := o.input.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	rep := report.NewFleetReport(runID, o.cfg.General.Name)

	// Without an identity no instance can be launched, so this is the one error that aborts the run.
	roleArn := ""
	if o.input.Identity != nil {
		var err error
		roleArn, err = o.input.Identity.ResolveRoleArn(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve identity: %w", err)
		}
		slog.Info("resolved instance identity", slog.String("roleArn", roleArn))
	}

	var runnable []*config.InstanceSpec
	for _, spec := range specs {
		if reason := o.skipReason(spec); reason != "" {
			res := report.NewDeploymentResult(spec.Name, spec.InstanceType, spec.Region)
			res.Status = report.StatusSkipped
			res.Finish()
			o.record(rep, res)
			slog.Info("skipping instance", slog.String("instance", spec.Name), slog.String("reason", reason))
			continue
		}
		runnable = append(runnable, spec)
	}

	slog.Info("starting fleet",
		slog.String("runID", runID),
		slog.String("name", o.cfg.General.Name),
		slog.Int("instances", len(runnable)),
		slog.Int("skipped", len(specs)-len(runnable)),
	)

	doneCh := make(chan *report.DeploymentResult, len(runnable))
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		o.collect(doneCh, len(runnable))
	}()

	recordFn := func(res *report.DeploymentResult) {
		o.record(rep, res)
		doneCh <- res
	}

	concurrency := o.input.Concurrency
	if concurrency == 0 {
		// unlimited
		wg := &sync.WaitGroup{}
		for _, spec := range runnable {
			wg.Add(1)
			go func() {
				defer wg.Done()
				o.runTask(ctx, spec, roleArn, recordFn)
			}()
		}
		wg.Wait()
	} else {
		pool := pond.New(concurrency, 0, pond.MinWorkers(concurrency))
		for _, spec := range runnable {
			pool.Submit(func() {
				o.runTask(ctx, spec, roleArn, recordFn)
			})
		}
		pool.StopAndWait()
	}

	close(doneCh)
	<-collected

	for name, id := range o.live.snapshot() {
		slog.Warn("instance was not torn down", slog.String("instance", name), slog.String("instanceID", id))
	}

	rep.Finalize()
	sum := rep.Summary()
	slog.Info("fleet finished",
		slog.String("runID", runID),
		slog.Int("succeeded", sum.Succeeded),
		slog.Int("failed", sum.Failed),
		slog.Int("skipped", sum.Skipped),
	)
	return rep, nil
}

func (o *fleetOrchestrator) skipReason(spec *config.InstanceSpec) string {
	if !spec.ShouldDeploy() {
		return "deploy is false"
	}
	if !spec.Existing() && !o.cfg.RunSteps.DeployEC2Instance {
		return "run_steps.deploy_ec2_instance is false"
	}
	return ""
}

func (o *fleetOrchestrator) record(rep *report.FleetReport, res *report.DeploymentResult) {
	err := rep.Record(res)
	if err != nil {
		slog.Error("failed to record result", slog.String("instance", res.Instance), slog.String("error", err.Error()))
	}
}

// collect logs each result as it lands.
func (o *fleetOrchestrator) collect(doneCh <-chan *report.DeploymentResult, total int) {
	if total == 0 {
		return
	}
	bar := progressbar.Default(int64(total), "Deploying instances:")
	done, failed := 0, 0
	for res := range doneCh {
		done++
		if res.Status.Failed() {
			failed++
		}
		_ = bar.Add(1)
		slog.Info("instance finished",
			slog.String("instance", res.Instance),
			slog.String("status", string(res.Status)),
			slog.Int("done", done),
			slog.Int("failed", failed),
			slog.Int("total", total),
		)
	}
}

// runTask runs one deployment task. A panic is converted into a failed result and the instance, if one was
// created, is still torn down.
func (o *fleetOrchestrator) runTask(ctx context.Context, spec *config.InstanceSpec, roleArn string, record func(*report.DeploymentResult)) {
	recorded := false
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		slog.Error("deployment task panicked",
			slog.String("instance", spec.Name),
			slog.Any("panic", r),
			slog.String("stack", string(debug.Stack())),
		)
		id := o.live.get(spec.Name)
		if !recorded {
			res := report.NewDeploymentResult(spec.Name, spec.InstanceType, spec.Region)
			res.InstanceID = id
			res.Fail(report.StatusFailed, fmt.Errorf("deployment task panicked: %v", r))
			res.Finish()
			record(res)
		}
		if id != "" {
			o.terminate(ctx, spec, id)
		}
	}()

	if o.input.StartJitter > 0 {
		// Offset each task when lots of them start at once.
		err := util.Sleep(ctx, rand.N(o.input.StartJitter))
		if err != nil {
			res := report.NewDeploymentResult(spec.Name, spec.InstanceType, spec.Region)
			res.Fail(report.StatusFailed, err)
			res.Finish()
			recorded = true
			record(res)
			return
		}
	}

	task := o.input.NewTask(&benchmark.DeploymentTaskInput{
		Config:      o.cfg,
		Spec:        spec,
		Provisioner: o.input.Provisioner,
		Dialer:      o.input.Dialer,
		Resolver:    o.input.Resolver,
		Recorder:    o.input.Recorder,
		RoleArn:     roleArn,
		ResultsRoot: o.input.ResultsRoot,
		Record: func(res *report.DeploymentResult) {
			recorded = true
			record(res)
		},
		OnInstance: func(id string) {
			if spec.DeleteAfterUse {
				o.live.add(spec.Name, id)
			}
		},
		OnTerminated: func(string) { o.live.remove(spec.Name) },
	})
	task.Run(ctx)
}

func (o *fleetOrchestrator) terminate(ctx context.Context, spec *config.InstanceSpec, id string) {
	err := o.input.Provisioner.TerminateInstance(context.WithoutCancel(ctx), spec, id)
	if err != nil {
		slog.Error("failed to terminate instance",
			slog.String("instance", spec.Name),
			slog.String("instanceID", id),
			slog.String("error", err.Error()),
		)
		return
	}
	o.live.remove(spec.Name)
}

// liveInstances tracks the instances that are to be deleted after use and have not been torn down yet.
type liveInstances struct {
	mu  sync.Mutex
	ids map[string]string
}

func (l *liveInstances) add(name, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids[name] = id
}

func (l *liveInstances) remove(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.ids, name)
}

func (l *liveInstances) get(name string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ids[name]
}

func (l *liveInstances) snapshot() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return maps.Clone(l.ids)
}
