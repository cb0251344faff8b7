package sysep

import (
	"encoding/binary"

	"github.com/siliconlabs/cpcd/internal/link"
	"github.com/siliconlabs/cpcd/internal/wire"
)

// onPollAck arms or re-arms h's retry timer once the link layer reports the
// remote accepted h's most recent (re)transmission (spec §4.4). A poll-ACK
// for a sequence number no longer in the Command Table is stale (the final
// or a forced reset already resolved it) and is ignored.
func (e *Engine) onPollAck(endpointID uint8, seq uint8) {
	h := e.table.findBySeq(seq)
	if h == nil {
		e.logger.Debug("sysep: poll ack for unknown or already-resolved command", "seq", seq)
		return
	}

	switch h.errorStatus {
	case wire.StatusOK:
		if h.timer != nil {
			if err := h.timer.Rearm(h.retryPeriod); err != nil {
				e.logger.Error("sysep: failed to re-arm retry timer", "seq", seq, "error", err)
			}
			return
		}
		timer, err := e.loop.RegisterTimer(h.retryPeriod, func() { e.onTimerFire(h) })
		if err != nil {
			e.logger.Error("sysep: failed to arm retry timer", "seq", seq, "error", err)
			return
		}
		h.timer = timer
	case wire.StatusInProgress:
		if h.timer == nil {
			timer, err := e.loop.RegisterTimer(h.retryPeriod, func() { e.onTimerFire(h) })
			if err != nil {
				e.logger.Error("sysep: failed to arm retry timer on retry ack", "seq", seq, "error", err)
				return
			}
			h.timer = timer
			return
		}
		if err := h.timer.Rearm(h.retryPeriod); err != nil {
			e.logger.Error("sysep: failed to re-arm retry timer", "seq", seq, "error", err)
		}
	default:
		e.logger.Warn("sysep: poll ack for a command already timed out", "seq", seq)
	}
}

// onFinal handles a solicited final arriving on endpoint 0 (spec §4.5). A
// malformed final, or a final naming a command the PRIMARY itself issues
// (PROP_VALUE_GET/SET), is a fatal protocol violation. A final for a
// sequence number not in the Command Table is logged and dropped: the
// command was already resolved by timeout or a forced reset.
func (e *Engine) onFinal(endpointID uint8, data []byte) {
	cmdID, seq, payload, err := wire.DecodeFinal(data)
	if err != nil {
		panic(err)
	}

	h := e.table.findBySeq(seq)
	if h == nil {
		e.logger.Debug("sysep: final for unknown or already-resolved command", "seq", seq, "command", cmdID)
		return
	}

	if h.timer != nil {
		h.timer.Cancel()
		h.timer = nil
	}

	switch cmdID {
	case wire.CmdNoop:
		if h.noopCB != nil {
			h.noopCB(h, h.errorStatus)
		}
	case wire.CmdReset:
		if len(payload) != 4 {
			panic(&FatalError{Reason: "RESET final payload is not 4 bytes"})
		}
		resetStatus := wire.Status(binary.LittleEndian.Uint32(payload))
		SetIgnoreResetReason(false)
		if h.resetCB != nil {
			h.resetCB(h, h.errorStatus, resetStatus)
		}
	case wire.CmdPropValueIs:
		propID, value, err := wire.DecodePropertyPayload(payload)
		if err != nil {
			panic(err)
		}
		if h.propCB != nil {
			h.propCB(h, propID, value, h.errorStatus)
		}
	case wire.CmdPropValueGet, wire.CmdPropValueSet:
		panic(&FatalError{Reason: "received a final for " + cmdID.String() + ", a command only the PRIMARY sends"})
	default:
		panic(&FatalError{Reason: "unrecognised system endpoint command id in final: " + cmdID.String()})
	}

	e.table.remove(h)
	if e.metrics != nil {
		e.metrics.CommandsInFlight.Dec()
	}
}

// onUFrame handles an unsolicited unnumbered frame on endpoint 0 (spec
// §4.5). Only PROP_VALUE_IS is meaningful here; any other command id is
// silently ignored, mirroring the original implementation which defines no
// behaviour for it.
func (e *Engine) onUFrame(endpointID uint8, data []byte) {
	cmdID, _, payload, err := wire.DecodeFinal(data)
	if err != nil {
		panic(err)
	}
	if cmdID != wire.CmdPropValueIs {
		return
	}

	propID, value, err := wire.DecodePropertyPayload(payload)
	if err != nil {
		panic(err)
	}

	switch {
	case wire.PropertyID(propID) == wire.PropLastStatus:
		e.onUnsolicitedLastStatus(value)
	case wire.IsEndpointStateProperty(wire.PropertyID(propID)):
		e.onUnsolicitedEndpointClosed(propID, value)
	default:
		panic(&FatalError{Reason: "unrecognised property id in unsolicited frame"})
	}
}

func (e *Engine) onUnsolicitedLastStatus(value []byte) {
	if len(value) < 4 {
		panic(&FatalError{Reason: "LAST_STATUS notification value shorter than 4 bytes"})
	}
	status := wire.Status(binary.LittleEndian.Uint32(value))
	if e.metrics != nil {
		e.metrics.LastStatusNotified.Inc()
	}
	for _, obs := range e.lastStatusObservers {
		obs(status)
	}
}

// onUnsolicitedEndpointClosed handles the SECONDARY reporting, via
// ENDPOINT_STATE_N, that it unilaterally closed endpoint N (spec §4.5).
// If any listener is attached on this side and the endpoint is currently
// open, the link is told the endpoint is now unreachable; either way the core acknowledges the closure back to
// the SECONDARY with a PROP_VALUE_SET of the same property to CLOSED.
func (e *Engine) onUnsolicitedEndpointClosed(propID uint32, value []byte) {
	closedEndpointID := wire.EndpointIDFromProperty(wire.PropertyID(propID))

	if e.metrics != nil {
		e.metrics.EndpointClosedByPeer.Inc()
	}
	e.appendTrace(TraceEvent{Kind: traceKindEndpointClosed, EndpointID: closedEndpointID})

	if e.registry != nil && !e.registry.ListenerListEmpty(closedEndpointID) &&
		e.link.GetEndpointState(closedEndpointID) == link.StateOpen {
		if err := e.link.SetEndpointInError(closedEndpointID, link.StateErrorDestinationUnreachable); err != nil {
			e.logger.Error("sysep: failed to mark endpoint unreachable", "endpoint_id", closedEndpointID, "error", err)
		}
	}

	// PropertySet host-endian-adapts any 4-byte value before putting it on
	// the wire (wire.AdaptValueEndianness), so this must be built host-native
	// rather than pre-swapped to little-endian — doing the latter would
	// double-swap on a big-endian host.
	ack := make([]byte, 4)
	binary.NativeEndian.PutUint32(ack, uint32(wire.EndpointStateClosed))
	e.PropertySet(e.ackEndpointClosed, 5, defaultCloseAckRetryPeriod, propID, ack)
}

func (e *Engine) ackEndpointClosed(h *CommandHandle, propID uint32, value []byte, status wire.Status) {
	e.logger.Debug("sysep: acknowledged endpoint closure to secondary", "property_id", propID, "status", status)
}
