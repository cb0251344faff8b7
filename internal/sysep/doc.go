// Package sysep implements the System Endpoint (CPC endpoint 0) on the
// PRIMARY (host) side: the Command Table, Timer Manager, Request Engine,
// and Reply Router described in spec §4. Endpoint 0 is the out-of-band
// control channel used to probe liveness (NOOP), reset the remote protocol
// state (RESET), and read/write typed properties (PROP_VALUE_GET/SET/IS),
// including unsolicited status notifications from the SECONDARY.
//
// Engine is the single type callers construct; it owns endpoint 0 on the
// supplied link.Link and runs entirely on the caller's evloop.Loop
// goroutine — there is no internal locking, matching spec §5's
// single-threaded cooperative scheduling model.
package sysep

import "time"

// EndpointID is the well-known CPC endpoint number for the system
// endpoint.
const EndpointID uint8 = 0

// defaultCloseAckRetryPeriod bounds how long the core waits, after a
// poll-ACK, for the final before retransmitting its acknowledgement of an
// unsolicited endpoint closure (spec §4.5). It is not configurable: this exchange is entirely
// internal to the core and never exposed to callers.
const defaultCloseAckRetryPeriod = 100 * time.Millisecond
