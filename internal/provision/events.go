// File: internal/provision/events.go
// Brief: Structured run events, observers, and event integrity chaining.

package provision

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/crc32"
)

// EventType enumerates structured provisioning run events.
//
// These values are persisted in the sqlite run store and consumed by the
// console renderer and `trinoctl runs`.
type EventType string

const (
	RunStarted   EventType = "RUN_STARTED"
	RunCompleted EventType = "RUN_COMPLETED"

	ServiceMeta EventType = "SERVICE_META"

	ServiceQueued   EventType = "SERVICE_QUEUED"
	ServiceStarting EventType = "SERVICE_STARTING"
	ServiceStarted  EventType = "SERVICE_STARTED"
	ServiceHealthy  EventType = "SERVICE_HEALTHY"
	ServiceReady    EventType = "SERVICE_READY"
	ServiceFailed   EventType = "SERVICE_FAILED"
	ServiceBlocked  EventType = "SERVICE_BLOCKED"

	HookStarted   EventType = "HOOK_STARTED"
	HookSucceeded EventType = "HOOK_SUCCEEDED"
	HookFailed    EventType = "HOOK_FAILED"

	MergeWarning EventType = "MERGE_WARNING"

	// HealthWait and ServiceLog are ephemeral, non-durable events used for
	// verbose rendering. They are not stored in sqlite.
	HealthWait EventType = "HEALTH_WAIT"
	ServiceLog EventType = "SERVICE_LOG"
)

// Event is one entry in a provisioning run's event log. Durable events
// form a hash chain: each carries the digest of its predecessor, so a
// truncated or edited log is detectable.
type Event struct {
	Seq     int64          `json:"seq,omitempty"`
	TS      string         `json:"ts"`
	RunID   string         `json:"runId"`
	Service string         `json:"service,omitempty"`
	Type    string         `json:"type"`
	Attempt int            `json:"attempt,omitempty"`
	Message string         `json:"message,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
	Error   *EventError    `json:"error,omitempty"`

	PrevDigest string `json:"prevDigest,omitempty"`
	Digest     string `json:"digest,omitempty"`
	CRC32      string `json:"crc32,omitempty"`
}

// EventError carries the classified failure attached to an event.
type EventError struct {
	Class   string `json:"class,omitempty"`
	Message string `json:"message,omitempty"`
	Digest  string `json:"digest,omitempty"`
}

func newEventError(err error) *EventError {
	if err == nil {
		return nil
	}
	class := Classify(err)
	return &EventError{Class: class, Message: err.Error(), Digest: errorDigest(class, err.Error())}
}

// EventObserver receives every emitted event, durable and ephemeral.
// Observers are invoked outside the run lock and must not block for long.
type EventObserver interface {
	ObserveEvent(Event)
}

// EventObserverFunc adapts a function to the EventObserver interface.
type EventObserverFunc func(Event)

func (f EventObserverFunc) ObserveEvent(ev Event) {
	if f == nil {
		return
	}
	f(ev)
}

func computeEventIntegrity(ev Event) (digest string, crc string) {
	h := sha256.New()
	c := crc32.NewIEEE()
	write := func(s string) {
		_, _ = h.Write([]byte(s))
		_, _ = c.Write([]byte(s))
		_, _ = h.Write([]byte{0})
		_, _ = c.Write([]byte{0})
	}
	write("trinoctl.run-event.v1")
	write(fmt.Sprintf("seq=%d", ev.Seq))
	write(ev.TS)
	write(ev.RunID)
	write(ev.Service)
	write(ev.Type)
	write(fmt.Sprintf("attempt=%d", ev.Attempt))
	write(ev.Message)
	if ev.Error != nil {
		write(ev.Error.Class)
		write(ev.Error.Message)
		write(ev.Error.Digest)
	} else {
		write("")
		write("")
		write("")
	}
	write(ev.PrevDigest)

	return "sha256:" + hex.EncodeToString(h.Sum(nil)), fmt.Sprintf("crc32:%08x", c.Sum32())
}
