// Package state defines the lifecycle vocabulary shared by every resource the
// kernel supervises: caches, time-series caches, message queues, modules and
// the kernel's own subordinate services.
package state

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a supervised resource.
type Kind string

const (
	KindCache      Kind = "cache"
	KindTimeSeries Kind = "timeseries"
	KindQueue      Kind = "mq"
	KindModule     Kind = "module"
	KindService    Kind = "service"
)

// Status is the lifecycle status of a resource.
type Status int32

const (
	StatusUnknown Status = iota
	// StatusRegistered means installed but never started.
	StatusRegistered
	StatusStarting
	StatusRunning
	StatusStopping
	StatusStopped
	// StatusFailed means the last start attempt returned an error. The
	// resource stays registered so an operator can retry.
	StatusFailed
	// StatusStopFailed means the last stop attempt returned an error.
	StatusStopFailed
)

var statusNames = [...]string{
	StatusUnknown:    "unknown",
	StatusRegistered: "registered",
	StatusStarting:   "starting",
	StatusRunning:    "running",
	StatusStopping:   "stopping",
	StatusStopped:    "stopped",
	StatusFailed:     "failed",
	StatusStopFailed: "stop-failed",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", s)
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseStatus(str)
	return nil
}

// ParseStatus converts a string to Status. Unrecognised input maps to
// StatusUnknown.
func ParseStatus(s string) Status {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "started":
		return StatusRunning
	case "stop-error":
		return StatusStopFailed
	}
	for i, name := range statusNames {
		if name == s {
			return Status(i)
		}
	}
	return StatusUnknown
}

// IsHealthy reports whether the resource is serving.
func (s Status) IsHealthy() bool {
	return s == StatusRunning
}

// CanStart reports whether Start may be attempted from s.
func (s Status) CanStart() bool {
	switch s {
	case StatusRegistered, StatusStopped, StatusFailed, StatusStopFailed:
		return true
	}
	return false
}

// CanStop reports whether Stop may be attempted from s. A registered resource
// may be stopped so that uninstalling a never-started backend still releases
// whatever Configure acquired.
func (s Status) CanStop() bool {
	switch s {
	case StatusRegistered, StatusRunning, StatusFailed, StatusStopFailed:
		return true
	}
	return false
}

// ValidTransitions lists the allowed edges of the lifecycle graph.
var ValidTransitions = map[Status][]Status{
	StatusUnknown:    {StatusRegistered},
	StatusRegistered: {StatusStarting, StatusStopping},
	StatusStarting:   {StatusRunning, StatusFailed},
	StatusRunning:    {StatusStopping},
	StatusStopping:   {StatusStopped, StatusStopFailed},
	StatusStopped:    {StatusStarting},
	StatusFailed:     {StatusStarting, StatusStopping},
	StatusStopFailed: {StatusStarting, StatusStopping},
}

// CanTransition returns true if the transition from -> to is valid.
func CanTransition(from, to Status) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError represents an invalid state transition.
type TransitionError struct {
	Resource string
	From     Status
	To       Status
}

func (e TransitionError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
	}
	return fmt.Sprintf("%s: invalid state transition: %s -> %s", e.Resource, e.From, e.To)
}

// NewTransitionError creates a new TransitionError.
func NewTransitionError(resource string, from, to Status) TransitionError {
	return TransitionError{Resource: resource, From: from, To: to}
}

// Health is the point-in-time view of one resource, as reported by the
// kernel's status snapshot.
type Health struct {
	Name     string        `json:"name"`
	Kind     Kind          `json:"kind"`
	Type     string        `json:"type,omitempty"`
	Status   Status        `json:"status"`
	Error    string        `json:"error,omitempty"`
	Since    time.Time     `json:"since"`
	Uptime   time.Duration `json:"uptime_ns,omitempty"`
	Restarts int           `json:"restarts,omitempty"`
}

// IsHealthy reports whether the resource is running without a recorded error.
func (h Health) IsHealthy() bool {
	return h.Status.IsHealthy() && h.Error == ""
}
