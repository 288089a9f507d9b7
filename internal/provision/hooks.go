// File: internal/provision/hooks.go
// Brief: Opaque hook process execution with env injection and output capture.

package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

const defaultHookTimeout = 5 * time.Minute

type hookRunContext struct {
	run   *runState
	node  *ServiceNode
	rec   *serviceRecord
	phase string
	env   map[string]string
}

// runHookList executes the phase's hooks in contribution order, stopping
// at the first failure. Hooks already in flight when the run is canceled
// finish on their own deadline; hooks not yet started are not launched.
func runHookList(ctx context.Context, hc hookRunContext, hooks []BoundHook) error {
	for _, bound := range hooks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := runOneHook(ctx, hc, bound); err != nil {
			return err
		}
	}
	return nil
}

func runOneHook(ctx context.Context, hc hookRunContext, bound BoundHook) error {
	hook := bound.Hook
	desc := fmt.Sprintf("%s %s", hc.phase, hook.Run)

	hc.run.AppendEvent(hc.node.Name, HookStarted, 0, desc, map[string]any{
		"module":  bound.Module.Name,
		"phase":   hc.phase,
		"command": hook.Run,
	}, nil)

	timeout := hook.Timeout
	if timeout <= 0 {
		timeout = hc.run.HookTimeout
	}
	if timeout <= 0 {
		timeout = defaultHookTimeout
	}
	// An interrupt must not kill a hook that already started; the hook
	// keeps only its own deadline.
	hookCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	started := time.Now().UTC()
	out, runErr := execHook(hookCtx, hc, bound)
	finished := time.Now().UTC()
	emitHookOutput(hc, desc, out)

	record := HookExecution{
		Module:     bound.Module.Name,
		Service:    hc.node.Name,
		Phase:      hc.phase,
		Command:    hook.Run,
		StartedAt:  started.Format(time.RFC3339Nano),
		FinishedAt: finished.Format(time.RFC3339Nano),
		ExitCode:   exitCode(runErr),
	}
	if runErr != nil {
		record.Error = runErr.Error()
	}
	hc.rec.recordHook(record)

	if runErr == nil {
		hc.run.AppendEvent(hc.node.Name, HookSucceeded, 0, desc, map[string]any{
			"module":  bound.Module.Name,
			"phase":   hc.phase,
			"command": hook.Run,
		}, nil)
		return nil
	}

	if errors.Is(runErr, context.DeadlineExceeded) {
		runErr = fmt.Errorf("timed out after %s: %w", timeout, runErr)
	}
	failure := &HookFailureError{
		Service:  hc.node.Name,
		Module:   bound.Module.Name,
		Phase:    hc.phase,
		Command:  hook.Run,
		ExitCode: record.ExitCode,
		Err:      runErr,
	}
	hc.run.AppendEvent(hc.node.Name, HookFailed, 0, fmt.Sprintf("%s: %v", desc, runErr), map[string]any{
		"module":   bound.Module.Name,
		"phase":    hc.phase,
		"command":  hook.Run,
		"exitCode": record.ExitCode,
	}, newEventError(failure))
	return failure
}

func execHook(ctx context.Context, hc hookRunContext, bound BoundHook) ([]byte, error) {
	argv := bound.Hook.Args
	if len(argv) == 0 {
		return nil, fmt.Errorf("hook has no command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = bound.Module.Dir
	cmd.Env = buildHookEnv(hc, bound)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%s: %w", argv[0], ctxErr)
		} else {
			err = fmt.Errorf("%s: %w", argv[0], err)
		}
	}
	return out, err
}

// buildHookEnv layers the process environment, the orchestrator's own
// variables, and the run's configuration values. Configuration keys are
// sorted so hook invocations see a stable environment.
func buildHookEnv(hc hookRunContext, bound BoundHook) []string {
	env := append([]string(nil), os.Environ()...)
	env = append(env,
		"TRINOCTL_ENV="+hc.run.Plan.Project,
		"TRINOCTL_RUN_ID="+hc.run.RunID,
		"TRINOCTL_COMPOSE_FILE="+hc.run.Plan.File,
		"TRINOCTL_SERVICE="+hc.node.Name,
		"TRINOCTL_MODULE="+bound.Module.Name,
		"TRINOCTL_MODULE_DIR="+bound.Module.Dir,
		"TRINOCTL_PHASE="+hc.phase,
	)
	if len(hc.env) > 0 {
		keys := make([]string, 0, len(hc.env))
		for k := range hc.env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			env = append(env, k+"="+hc.env[k])
		}
	}
	return env
}

func emitHookOutput(hc hookRunContext, desc string, output []byte) {
	if len(output) == 0 {
		return
	}
	text := strings.ReplaceAll(string(output), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, " \t")
		if strings.TrimSpace(line) == "" {
			continue
		}
		hc.run.EmitEphemeralEvent(hc.node.Name, ServiceLog, 0,
			fmt.Sprintf("hook-output %s: %s", desc, line), map[string]any{"kind": "hook-output"})
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
