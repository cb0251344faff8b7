package sysep

import (
	"encoding/json"
	"time"
)

// TraceEvent is the JSON payload appended to the trace log (see
// package audit) for a significant, operator-relevant system endpoint
// event: a forced reset, a command timeout, or a SECONDARY-initiated
// endpoint closure.
type TraceEvent struct {
	Kind       string    `json:"kind"`
	Time       time.Time `json:"time"`
	CommandSeq uint8     `json:"command_seq,omitempty"`
	Command    string    `json:"command,omitempty"`
	EndpointID uint8     `json:"endpoint_id,omitempty"`
}

const (
	traceKindTimeout        = "command_timeout"
	traceKindForcedReset    = "forced_reset"
	traceKindEndpointClosed = "endpoint_closed_by_peer"
	traceKindDroppedOnReset = "command_dropped_on_reset"
)

// appendTrace marshals ev and appends it to the engine's trace log, if one
// is configured. Failures are logged and otherwise ignored: the trace log
// is a diagnostic aid, not part of the protocol's correctness.
func (e *Engine) appendTrace(ev TraceEvent) {
	if e.trace == nil {
		return
	}
	ev.Time = time.Now().UTC()
	payload, err := json.Marshal(ev)
	if err != nil {
		e.logger.Warn("sysep: failed to marshal trace event", "error", err)
		return
	}
	if _, err := e.trace.Append(json.RawMessage(payload)); err != nil {
		e.logger.Warn("sysep: failed to append trace event", "error", err)
	}
}
