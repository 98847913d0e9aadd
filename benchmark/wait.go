package benchmark

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Octogonapus/FMBenchOrchestrator/target"
	"github.com/Octogonapus/FMBenchOrchestrator/util"
)

const logTailLines = 50

type flagWait struct {
	phase   string
	flag    string
	logPath string
	timeout time.Duration
}

// waitForFlag polls for a marker file until it appears or the wall-clock budget runs out. Each poll opens a
// fresh session, so an instance that is still booting is simply not ready yet. On timeout a TimeoutError
// carrying the tail of the companion log is returned.
func (t *deploymentTask) waitForFlag(ctx context.Context, h *target.ConnectionHandle, w *flagWait) error {
	poll := t.cfg.Orchestrator.PollInterval.Std()
	deadline := t.input.Now().Add(w.timeout)

	var lastErr error
	for {
		var found bool
		err := target.WithSession(ctx, t.input.Dialer, h, func(tgt target.Target) error {
			var err error
			found, err = tgt.PathExists(ctx, w.flag)
			return err
		})
		if err == nil && found {
			slog.Info("marker found", slog.String("instance", t.spec.Name), slog.String("flag", w.flag))
			return nil
		}
		if err != nil {
			lastErr = err
			slog.Debug("marker check failed", slog.String("instance", t.spec.Name), slog.String("flag", w.flag), slog.String("error", err.Error()))
		}

		now := t.input.Now()
		if !now.Before(deadline) {
			break
		}
		slog.Debug("waiting for marker",
			slog.String("instance", t.spec.Name),
			slog.String("flag", w.flag),
			slog.Int("remainingSec", util.Remaining(now, deadline)),
		)
		if err := t.input.Sleep(ctx, min(poll, deadline.Sub(now))); err != nil {
			return err
		}
	}

	tail := t.logTail(ctx, h, w.logPath)
	slog.Warn("marker wait timed out",
		slog.String("instance", t.spec.Name),
		slog.String("phase", w.phase),
		slog.String("flag", w.flag),
		slog.String("logTail", util.LastNonEmptyLine([]byte(tail))),
	)
	return &TimeoutError{Phase: w.phase, Flag: w.flag, Timeout: w.timeout, LogTail: tail, Err: lastErr}
}

// logTail returns the last lines of a remote log, or "" if they cannot be read.
func (t *deploymentTask) logTail(ctx context.Context, h *target.ConnectionHandle, logPath string) string {
	if logPath == "" {
		return ""
	}
	ctx = context.WithoutCancel(ctx)
	var out string
	err := target.WithSession(ctx, t.input.Dialer, h, func(tgt target.Target) error {
		res, err := tgt.RunCommand(ctx, "tail -n "+strconv.Itoa(logTailLines)+" "+shellPath(logPath))
		if err != nil {
			return err
		}
		out = res.Stdout
		return nil
	})
	if err != nil {
		slog.Debug("could not read log tail", slog.String("instance", t.spec.Name), slog.String("path", logPath), slog.String("error", err.Error()))
		return ""
	}
	return strings.TrimRight(out, "\n")
}

// shellPath quotes p unless it relies on $HOME expansion.
func shellPath(p string) string {
	if rest, ok := strings.CutPrefix(p, "$HOME/"); ok {
		return `"$HOME"/` + util.ShellQuote(rest)
	}
	return util.ShellQuote(p)
}
