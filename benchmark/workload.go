package benchmark

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/Octogonapus/FMBenchOrchestrator/config"
	"github.com/Octogonapus/FMBenchOrchestrator/report"
	"github.com/Octogonapus/FMBenchOrchestrator/target"
)

// runConfig runs one workload config. Everything that can be checked locally is checked before the first
// remote call.
func (t *deploymentTask) runConfig(ctx context.Context, h *target.ConnectionHandle, idx int, ref string) *report.SubResult {
	sub := &report.SubResult{Index: idx, Config: ref, StartedAt: t.input.Now()}
	defer func() { sub.FinishedAt = t.input.Now() }()
	log := slog.With(slog.String("instance", t.spec.Name), slog.Int("config", idx))

	params, err := config.MergeScriptParams(config.DefaultScriptParams(t.cfg.Orchestrator.WriteBucket), t.spec.PostStartupScriptParams)
	if err != nil {
		sub.Fail(report.StatusConfigurationError, err)
		log.Error("invalid script params", slog.String("error", err.Error()))
		return sub
	}
	template, err := os.ReadFile(t.spec.PostStartupScript)
	if err != nil {
		sub.Fail(report.StatusConfigurationError, &config.ConfigurationError{Field: "post_startup_script", Err: err})
		return sub
	}
	local, err := t.input.Resolver.Resolve(ctx, ref)
	if err != nil {
		sub.Fail(report.StatusConfigurationError, &config.ConfigurationError{Field: "fmbench_config", Err: err})
		log.Error("could not resolve config", slog.String("config", ref), slog.String("error", err.Error()))
		return sub
	}

	sub.RemoteConfigPath = path.Join(t.paths.Home, filepath.Base(local))
	script := params.Render(string(template), sub.RemoteConfigPath)
	sub.Status = report.StatusSucceeded

	t.enter(ctx, StateRunning, fmt.Sprintf("config %d: %s", idx, ref))
	attempts, err := t.input.Retry.Do(ctx, "launch "+t.spec.Name, func(attempt int) error {
		return t.launch(ctx, h, local, sub, script)
	})
	sub.Attempts = attempts
	if err != nil {
		// Keep going: whatever log exists is still worth fetching.
		sub.Fail(report.StatusExecutionFailed, err)
		log.Error("launch failed", slog.Int("attempts", attempts), slog.String("error", err.Error()))
	}

	t.enter(ctx, StateAwaitingCompletion, fmt.Sprintf("config %d", idx))
	err = t.waitForFlag(ctx, h, &flagWait{
		phase:   "completion",
		flag:    config.CompletionFlag,
		logPath: t.paths.LogPath,
		timeout: t.spec.CompleteTimeout(),
	})
	if err == nil {
		sub.CompletionFound = true
	} else if sub.Status == report.StatusSucceeded {
		sub.Fail(report.StatusExecutionTimeout, err)
	}

	t.enter(ctx, StateRetrieving, fmt.Sprintf("config %d", idx))
	err = t.retrieve(ctx, h, sub)
	if err != nil {
		sub.RetrievalError = err.Error()
		if sub.Status == report.StatusSucceeded {
			sub.Fail(report.StatusRetrievalFailed, err)
		}
		log.Error("retrieval failed", slog.String("error", err.Error()))
	}
	return sub
}

// launch is one attempt at uploading the config and starting the post startup script. Getting no channel
// output at all counts as a failed attempt.
func (t *deploymentTask) launch(ctx context.Context, h *target.ConnectionHandle, local string, sub *report.SubResult, script string) error {
	return target.WithSession(ctx, t.input.Dialer, h, func(tgt target.Target) error {
		err := tgt.UploadFile(local, sub.RemoteConfigPath)
		if err != nil {
			return err
		}
		out, err := tgt.RunScriptDetached(ctx, &target.DetachedScript{
			Content:            script,
			RemotePath:         t.paths.ScriptPath,
			LogPath:            config.NohupLogPath,
			RemoveBeforeLaunch: []string{config.CompletionFlag},
		})
		if err != nil {
			return err
		}
		if strings.TrimSpace(out) == "" {
			return &target.ExecutionError{Command: t.paths.ScriptPath, Err: errors.New("no output from detached launch")}
		}
		sub.LaunchOutput = out
		return nil
	})
}

// retrieve fetches the log of this config and, when the run completed, every results directory. A missing log
// does not stop the results from being fetched.
func (t *deploymentTask) retrieve(ctx context.Context, h *target.ConnectionHandle, sub *report.SubResult) error {
	if !t.cleared {
		// First retrieval of this run, drop whatever an earlier run left behind.
		if err := os.RemoveAll(t.localDir); err != nil {
			return err
		}
		t.cleared = true
	}
	if err := os.MkdirAll(t.localDir, 0o755); err != nil {
		return err
	}

	return target.WithSession(context.WithoutCancel(ctx), t.input.Dialer, h, func(tgt target.Target) error {
		logPath := filepath.Join(t.localDir, fmt.Sprintf("fmbench_%d.log", sub.Index))
		logErr := tgt.DownloadFile(t.paths.LogPath, logPath)
		if logErr == nil {
			sub.LogPath = logPath
		}

		if !sub.CompletionFound {
			return logErr
		}
		return errors.Join(logErr, t.retrieveResults(ctx, tgt, sub))
	})
}

func (t *deploymentTask) retrieveResults(ctx context.Context, tgt target.Target, sub *report.SubResult) error {
	res, err := tgt.RunCommand(ctx, "ls -d "+config.ResultsGlob+" 2>/dev/null")
	if err != nil {
		return err
	}
	dirs := strings.Fields(res.Stdout)
	if len(dirs) == 0 {
		slog.Warn("no results directories found", slog.String("instance", t.spec.Name), slog.Int("config", sub.Index))
		return nil
	}
	for _, dir := range dirs {
		local := filepath.Join(t.localDir, path.Base(dir))
		err := tgt.DownloadDirectory(dir, local)
		if err != nil {
			return err
		}
		sub.ResultsDirs = append(sub.ResultsDirs, local)
	}
	return nil
}
