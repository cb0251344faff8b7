package sysep

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/siliconlabs/cpcd/internal/audit"
	"github.com/siliconlabs/cpcd/internal/evloop"
	"github.com/siliconlabs/cpcd/internal/link"
	"github.com/siliconlabs/cpcd/internal/serverif"
	"github.com/siliconlabs/cpcd/internal/wire"
)

// Engine is the Request Engine and Reply Router for the system endpoint
// (spec §4.4, §4.5), rolled into a single type since they share the
// Command Table and never run concurrently with each other (spec §5).
//
// Engine is not safe for concurrent use: every method, and every callback
// Engine installs on the link and event loop, must run on the same
// goroutine (normally the one driving loop.Run).
type Engine struct {
	loop   *evloop.Loop
	link   link.Link
	logger *slog.Logger

	metrics  *Metrics
	trace    *audit.Logger
	registry serverif.ListenerRegistry

	table   *commandTable
	nextSeq uint8

	lastStatusObservers []LastStatusCallback
}

// Option configures optional Engine collaborators, the same functional
// options shape the teacher repo uses for its transport client.
type Option func(*Engine)

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTrace attaches the diagnostic trace log.
func WithTrace(l *audit.Logger) Option {
	return func(e *Engine) { e.trace = l }
}

// WithListenerRegistry attaches the registry consulted when an unsolicited
// endpoint closure arrives (spec §4.5).
func WithListenerRegistry(r serverif.ListenerRegistry) Option {
	return func(e *Engine) { e.registry = r }
}

// NewEngine constructs an Engine, opens endpoint 0 on lnk, and wires the
// engine's handlers as the link's final/uframe/poll-ack callbacks. The
// caller is still responsible for running loop.Run and lnk.Run.
func NewEngine(loop *evloop.Loop, lnk link.Link, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		loop:   loop,
		link:   lnk,
		logger: logger,
		table:  newCommandTable(),
	}
	for _, opt := range opts {
		opt(e)
	}
	lnk.SetOnPollAck(e.onPollAck)
	if err := e.openEndpoint(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) openEndpoint() error {
	if err := e.link.OpenEndpoint(EndpointID, link.UFrameEnable, 1); err != nil {
		return fmt.Errorf("sysep: open endpoint 0: %w", err)
	}
	if err := e.link.SetEndpointOption(EndpointID, link.OnFinal, link.FinalCallback(e.onFinal)); err != nil {
		return fmt.Errorf("sysep: set on-final: %w", err)
	}
	if err := e.link.SetEndpointOption(EndpointID, link.OnUFrameReceive, link.UFrameCallback(e.onUFrame)); err != nil {
		return fmt.Errorf("sysep: set on-uframe: %w", err)
	}
	return nil
}

// allocSeq returns the next command sequence number. It wraps modulo 256
// by virtue of uint8 overflow, matching spec §4.2's wraparound requirement.
func (e *Engine) allocSeq() uint8 {
	seq := e.nextSeq
	e.nextSeq++
	return seq
}

// submit pushes a freshly built handle into the Command Table and
// transmits its frame. Per spec §4.4 the retry timer is NOT armed here; it
// is armed only once the link layer reports a poll-ACK.
func (e *Engine) submit(h *CommandHandle) *CommandHandle {
	e.table.pushBack(h)
	if e.metrics != nil {
		e.metrics.CommandsIssued.Inc()
		e.metrics.CommandsInFlight.Inc()
	}
	if err := e.link.Write(EndpointID, h.frame, link.InformationPoll); err != nil {
		e.logger.Error("sysep: write failed", "seq", h.seq, "command", h.kind, "error", err)
	}
	return h
}

// Noop issues a NOOP liveness probe. cb is invoked once, on final or on
// retry exhaustion.
func (e *Engine) Noop(cb NoopCallback, retryMax uint8, retryPeriod time.Duration) *CommandHandle {
	seq := e.allocSeq()
	h := &CommandHandle{
		seq:         seq,
		kind:        kindNoop,
		frame:       wire.EncodeNoop(seq),
		noopCB:      cb,
		retryCount:  retryMax,
		retryPeriod: retryPeriod,
		errorStatus: wire.StatusOK,
	}
	return e.submit(h)
}

// Reset issues a RESET command. cb is invoked once, with the SECONDARY's
// reported reset status on final, or wire.StatusFailure on timeout.
func (e *Engine) Reset(cb ResetCallback, retryMax uint8, retryPeriod time.Duration) *CommandHandle {
	seq := e.allocSeq()
	h := &CommandHandle{
		seq:         seq,
		kind:        kindReset,
		frame:       wire.EncodeReset(seq),
		resetCB:     cb,
		retryCount:  retryMax,
		retryPeriod: retryPeriod,
		errorStatus: wire.StatusOK,
	}
	return e.submit(h)
}

// Reboot is a synonym for Reset (spec "Recovered from original_source":
// the original implementation's reboot command is a literal alias of
// reset, sharing its handler).
func (e *Engine) Reboot(cb ResetCallback, retryMax uint8, retryPeriod time.Duration) *CommandHandle {
	return e.Reset(cb, retryMax, retryPeriod)
}

// PropertyGet issues a PROP_VALUE_GET for propID.
func (e *Engine) PropertyGet(cb PropertyCallback, propID uint32, retryMax uint8, retryPeriod time.Duration) *CommandHandle {
	seq := e.allocSeq()
	h := &CommandHandle{
		seq:         seq,
		kind:        kindPropertyGet,
		frame:       wire.EncodePropGet(seq, propID),
		propCB:      cb,
		propID:      propID,
		retryCount:  retryMax,
		retryPeriod: retryPeriod,
		errorStatus: wire.StatusOK,
	}
	return e.submit(h)
}

// PropertySet issues a PROP_VALUE_SET for propID carrying value. cb must
// be non-nil and value must be non-empty; both are programmer errors,
// matching spec §4.1's treatment of a zero-length property-set value as
// fatal rather than recoverable.
func (e *Engine) PropertySet(cb PropertyCallback, retryMax uint8, retryPeriod time.Duration, propID uint32, value []byte) *CommandHandle {
	if cb == nil {
		panic(&FatalError{Reason: "PropertySet called with a nil callback"})
	}
	seq := e.allocSeq()
	h := &CommandHandle{
		seq:         seq,
		kind:        kindPropertySet,
		frame:       wire.EncodePropSet(seq, propID, value),
		propCB:      cb,
		propID:      propID,
		retryCount:  retryMax,
		retryPeriod: retryPeriod,
		errorStatus: wire.StatusOK,
	}
	return e.submit(h)
}

// RegisterUnsolicitedLastStatus registers cb to be invoked, in registration
// order, for every unsolicited PROP_LAST_STATUS notification.
func (e *Engine) RegisterUnsolicitedLastStatus(cb LastStatusCallback) {
	e.lastStatusObservers = append(e.lastStatusObservers, cb)
}

// onTimerFire runs when h's retry timer expires with no final having
// arrived (spec §4.4 "Timer fire algorithm"). If retries remain, the
// handle is retransmitted under the same sequence number and its error
// status moves to IN_PROGRESS; otherwise the handle is abandoned and its
// callback is invoked with StatusTimeout.
func (e *Engine) onTimerFire(h *CommandHandle) {
	if h.retryCount > 0 {
		h.retryCount--
		h.errorStatus = wire.StatusInProgress
		if e.metrics != nil {
			e.metrics.CommandsRetried.WithLabelValues(h.kind.String()).Inc()
		}
		if err := e.link.Write(EndpointID, h.frame, link.InformationPoll); err != nil {
			e.logger.Error("sysep: retry write failed", "seq", h.seq, "command", h.kind, "error", err)
		}
		// h.timer is left exactly as it is: fired, unarmed, still
		// epoll-registered. The next poll-ACK re-arms it in place.
		return
	}

	if h.timer != nil {
		h.timer.Cancel()
		h.timer = nil
	}
	e.table.remove(h)
	h.errorStatus = wire.StatusTimeout
	if e.metrics != nil {
		e.metrics.CommandsTimedOut.WithLabelValues(h.kind.String()).Inc()
		e.metrics.CommandsInFlight.Dec()
	}
	e.appendTrace(TraceEvent{Kind: traceKindTimeout, Command: h.kind.String(), CommandSeq: h.seq})
	e.deliverTimeout(h)
}

func (e *Engine) deliverTimeout(h *CommandHandle) {
	switch h.kind {
	case kindNoop:
		if h.noopCB != nil {
			h.noopCB(h, h.errorStatus)
		}
	case kindReset:
		if h.resetCB != nil {
			h.resetCB(h, h.errorStatus, wire.StatusFailure)
		}
	case kindPropertyGet, kindPropertySet:
		if h.propCB != nil {
			h.propCB(h, h.propID, nil, h.errorStatus)
		}
	}
}

// ResetSystemEndpoint forces the link-layer sequence number to resync with
// the SECONDARY (spec §4.4 "ResetSystemEndpoint"). Every handle still
// pending in the Command Table is dropped without invoking its callback;
// the caller is expected to have already decided it no longer cares about
// their outcome (the GLOSSARY term "reboot" elsewhere implies an orderly
// RESET command, not this forced resync path).
func (e *Engine) ResetSystemEndpoint() {
	e.logger.Info("sysep: forcing system endpoint reset")
	if err := e.link.Write(EndpointID, nil, link.UnnumberedResetCommand); err != nil {
		e.logger.Error("sysep: unnumbered reset write failed", "error", err)
	}
	e.link.ProcessTransmitQueue()

	for _, h := range e.table.drain() {
		e.logger.Warn("sysep: dropping pending command on forced reset", "seq", h.seq, "command", h.kind)
		e.appendTrace(TraceEvent{Kind: traceKindDroppedOnReset, Command: h.kind.String(), CommandSeq: h.seq})
		if h.timer != nil {
			h.timer.Cancel()
			h.timer = nil
		}
	}
	if e.metrics != nil {
		e.metrics.CommandsInFlight.Set(0)
	}

	if err := e.link.CloseEndpoint(EndpointID, false, true); err != nil {
		e.logger.Error("sysep: close endpoint 0 failed", "error", err)
	}
	e.appendTrace(TraceEvent{Kind: traceKindForcedReset})

	if err := e.openEndpoint(); err != nil {
		e.logger.Error("sysep: failed to reopen endpoint 0 after reset", "error", err)
	}
}
