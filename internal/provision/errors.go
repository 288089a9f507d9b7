// File: internal/provision/errors.go
// Brief: Orchestration error shapes and error-class assignment.

package provision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Error classes recorded on run events and summaries.
const (
	ClassHookFailed    = "HOOK_FAILED"
	ClassHealthTimeout = "HEALTH_TIMEOUT"
	ClassRuntime       = "RUNTIME"
	ClassCanceled      = "CANCELED"
)

// HookFailureError reports a hook process that exited non-zero or could
// not be started. A pre_start failure prevents the service from starting;
// a post_start failure marks the service failed while its container keeps
// running so the environment stays inspectable.
type HookFailureError struct {
	Service  string
	Module   string
	Phase    string
	Command  string
	ExitCode int
	Err      error
}

func (e *HookFailureError) Error() string {
	return fmt.Sprintf("%s hook for service %q (module %s) failed with exit code %d: %v",
		e.Phase, e.Service, e.Module, e.ExitCode, e.Err)
}

func (e *HookFailureError) Unwrap() error { return e.Err }

// HealthCheckTimeoutError reports a service that never became healthy
// within the configured poll budget.
type HealthCheckTimeoutError struct {
	Service    string
	Attempts   int
	Interval   time.Duration
	LastState  string
	LastHealth string
}

func (e *HealthCheckTimeoutError) Error() string {
	return fmt.Sprintf("service %q did not become healthy after %d checks over %s (state=%s, health=%s)",
		e.Service, e.Attempts, time.Duration(e.Attempts)*e.Interval, e.LastState, e.LastHealth)
}

// Classify maps an orchestration error onto its summary class.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	var hookErr *HookFailureError
	var healthErr *HealthCheckTimeoutError
	switch {
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	case errors.As(err, &hookErr):
		return ClassHookFailed
	case errors.As(err, &healthErr):
		return ClassHealthTimeout
	default:
		return ClassRuntime
	}
}

func errorDigest(class, message string) string {
	h := sha256.New()
	_, _ = h.Write([]byte(class))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(message))
	return "sha256:" + hex.EncodeToString(h.Sum(nil))[:16]
}
