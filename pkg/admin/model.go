// Package admin serves the kernel's operator HTTP surface: health, resource
// status, the event log, operator restarts and module notification.
package admin

import (
	"time"

	"github.com/R3E-Network/service_kernel/internal/engine/events"
	"github.com/R3E-Network/service_kernel/internal/engine/state"
)

// Health is the /healthz body.
type Health struct {
	Status string    `json:"status"`
	Node   string    `json:"node"`
	Time   time.Time `json:"time"`
}

// Status is the /status body.
type Status struct {
	Node      string         `json:"node"`
	Started   bool           `json:"started"`
	Resources []state.Health `json:"resources"`
	Failed    int            `json:"failed"`
}

// Events is the /events body.
type Events struct {
	Events []events.Event `json:"events"`
}

// RestartResult is the body of a successful restart.
type RestartResult struct {
	Resource string       `json:"resource"`
	Status   state.Status `json:"status"`
}

// NotifyResult wraps what a module's Notify returned.
type NotifyResult struct {
	Module string `json:"module"`
	Result any    `json:"result"`
}

type errorBody struct {
	Error string `json:"error"`
}
