package sysep

import (
	"time"

	"github.com/siliconlabs/cpcd/internal/evloop"
	"github.com/siliconlabs/cpcd/internal/wire"
)

// commandKind tags which of the four commands a CommandHandle carries, and
// so which of its three callback fields (noop, reset, property) applies,
// replacing the original C implementation's single
// on_final field cast to four different function pointer types (spec §9:
// "Callback typing via casts").
type commandKind int

const (
	kindNoop commandKind = iota
	kindReset
	kindPropertyGet
	kindPropertySet
)

func (k commandKind) String() string {
	switch k {
	case kindNoop:
		return "NOOP"
	case kindReset:
		return "RESET"
	case kindPropertyGet:
		return "PROP_VALUE_GET"
	case kindPropertySet:
		return "PROP_VALUE_SET"
	default:
		return "UNKNOWN"
	}
}

// NoopCallback is invoked on final or timeout for a Noop command.
type NoopCallback func(handle *CommandHandle, status wire.Status)

// ResetCallback is invoked on final or timeout for a Reset command. On
// timeout, resetStatus is wire.StatusFailure.
type ResetCallback func(handle *CommandHandle, status wire.Status, resetStatus wire.Status)

// PropertyCallback is invoked on final or timeout for a PropertyGet or
// PropertySet command. On timeout, value is empty and status is
// wire.StatusTimeout; propID is echoed from the original request.
type PropertyCallback func(handle *CommandHandle, propID uint32, value []byte, status wire.Status)

// LastStatusCallback is invoked for every unsolicited PROP_LAST_STATUS
// notification, in the order observers were registered.
type LastStatusCallback func(status wire.Status)

// CommandHandle is a single in-flight command, owned exclusively by the
// CommandTable it is pushed into (spec §3: "The Command Table owns every
// handle; no other component retains ownership").
type CommandHandle struct {
	seq  uint8
	kind commandKind

	// frame is the exact, pre-serialized bytes (re)transmitted on the
	// wire. It never changes across retransmissions (spec §3 invariant).
	frame []byte

	noopCB  NoopCallback
	resetCB ResetCallback
	propCB  PropertyCallback
	propID  uint32 // echoed back on timeout for property commands

	retryCount  uint8
	retryPeriod time.Duration

	// errorStatus starts at wire.StatusOK, becomes wire.StatusInProgress
	// after any retry, and wire.StatusTimeout at exhaustion.
	errorStatus wire.Status

	// timer is non-nil only between poll-ACK and final/abandon (spec §3
	// invariant: "A timer is armed iff the enclosing handle is in the
	// Command Table and has been poll-ACKed since its most recent
	// (re)transmission").
	timer *evloop.TimerHandle
}

// Seq returns the handle's command sequence number.
func (h *CommandHandle) Seq() uint8 { return h.seq }

// Status returns the handle's current error_status.
func (h *CommandHandle) Status() wire.Status { return h.errorStatus }
