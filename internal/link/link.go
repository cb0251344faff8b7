// Package link defines the link-layer boundary consumed by the system
// endpoint core (spec §6, "Link-layer (core) interface — consumed"). The
// real CPC link layer — framing, per-frame sequence numbers, HDLC-style
// retransmission, and the bus drivers underneath it (SPI/UART/socket) — is
// explicitly out of scope for this repository (spec §1); this package only
// defines the narrow interface the core drives, plus a test double ([Fake])
// and one minimal concrete transport ([SocketLink]) sufficient to exercise
// the core end-to-end.
package link

import "context"

// OpenFlag configures an endpoint opened with Link.OpenEndpoint.
type OpenFlag uint8

const (
	// UFrameEnable allows the endpoint to send and receive unnumbered
	// frames (control/notification traffic).
	UFrameEnable OpenFlag = 1 << iota
	// IFrameDisable suppresses numbered information-frame traffic on the
	// endpoint. Spec §9 notes the original source applies this
	// inconsistently across variants; this repository never sets it on
	// endpoint 0, since system-endpoint commands are sent with the
	// INFORMATION_POLL write flag.
	IFrameDisable
)

// WriteFlag selects how Link.Write submits a frame.
type WriteFlag uint8

const (
	// InformationPoll submits a numbered frame and solicits an
	// acknowledgement and, eventually, a final from the remote.
	InformationPoll WriteFlag = iota
	// UnnumberedPoll submits an unnumbered frame that still solicits a
	// final (used by nothing in the system endpoint core today, retained
	// for completeness of the consumed interface).
	UnnumberedPoll
	// UnnumberedResetCommand requests a link-layer sequence-number reset
	// of the remote; used by Engine.ResetSystemEndpoint.
	UnnumberedResetCommand
)

// EndpointOption names a callback slot settable with SetEndpointOption.
type EndpointOption int

const (
	// OnFinal is invoked once per solicited final received on the
	// endpoint.
	OnFinal EndpointOption = iota
	// OnUFrameReceive is invoked once per unsolicited unnumbered frame
	// received on the endpoint.
	OnUFrameReceive
)

// EndpointState mirrors the link layer's notion of an endpoint's lifecycle.
type EndpointState int

const (
	StateClosed EndpointState = iota
	StateOpen
	StateErrorDestinationUnreachable
)

// FinalCallback is installed via SetEndpointOption(OnFinal, ...). data is
// the raw final payload (still wire-encoded; the caller decodes it with
// package wire).
type FinalCallback func(endpointID uint8, data []byte)

// UFrameCallback is installed via SetEndpointOption(OnUFrameReceive, ...).
type UFrameCallback func(endpointID uint8, data []byte)

// PollAckCallback is invoked once per InformationPoll/UnnumberedPoll write
// once the link layer reports the remote accepted it. This is distinct from
// the final (spec GLOSSARY: "Poll-ACK").
type PollAckCallback func(endpointID uint8, seq uint8)

// Link is the set of link-layer operations the system endpoint core
// consumes, matching spec §6 one-for-one.
type Link interface {
	// OpenEndpoint opens endpointID with the given flags and receive
	// window size.
	OpenEndpoint(endpointID uint8, flags OpenFlag, window int) error

	// CloseEndpoint closes endpointID. force skips graceful link-layer
	// teardown; immediate skips waiting for in-flight frames to drain.
	CloseEndpoint(endpointID uint8, force, immediate bool) error

	// SetEndpointOption installs a callback for the named option,
	// replacing any previously installed callback for that option.
	SetEndpointOption(endpointID uint8, option EndpointOption, cb any) error

	// SetOnPollAck installs the poll-acknowledgement callback. It is
	// wired once by the link layer (spec §6: "not part of the
	// per-endpoint options; wired by the link layer"), not per endpoint.
	SetOnPollAck(cb PollAckCallback)

	// Write submits a frame for transmission on endpointID.
	Write(endpointID uint8, data []byte, flags WriteFlag) error

	// ProcessTransmitQueue forces a synchronous flush of any frames
	// queued by Write.
	ProcessTransmitQueue()

	// SetEndpointInError transitions endpointID to an error state with
	// the given reason.
	SetEndpointInError(endpointID uint8, reason EndpointState) error

	// GetEndpointState reports the current lifecycle state of
	// endpointID.
	GetEndpointState(endpointID uint8) EndpointState

	// Run drives the link layer's own I/O until ctx is cancelled. Not
	// part of spec §6's enumerated surface; included so a concrete Link
	// can own a goroutine/event source without the core needing to know
	// about it.
	Run(ctx context.Context) error
}
