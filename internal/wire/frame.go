// Package wire implements the System Endpoint frame format of the
// Co-Processor Communication Protocol (CPC): encoding and decoding of the
// fixed three-byte header (command_id, command_seq, length) plus the
// little-endian property payload carried by PROP_VALUE_{GET,SET,IS} frames.
//
// All multi-byte protocol scalars are little-endian on the wire. Malformed
// frames (a length field that disagrees with the buffer it came from) are
// protocol violations between two paired implementations; they are reported
// as a [ProtocolError] rather than silently recovered from, since recovering
// would mask real bugs. Command ids are not checked here: DecodeFinal
// returns whatever id the frame carries, and rejecting an unrecognised one
// is up to the caller.
package wire

import (
	"encoding/binary"
	"fmt"
)

// CommandID identifies the kind of a System Frame.
type CommandID uint8

// System endpoint command identifiers, in wire order.
const (
	CmdNoop         CommandID = 0x00
	CmdReset        CommandID = 0x01
	CmdPropValueGet CommandID = 0x02
	CmdPropValueSet CommandID = 0x03
	CmdPropValueIs  CommandID = 0x06
)

func (c CommandID) String() string {
	switch c {
	case CmdNoop:
		return "NOOP"
	case CmdReset:
		return "RESET"
	case CmdPropValueGet:
		return "PROP_VALUE_GET"
	case CmdPropValueSet:
		return "PROP_VALUE_SET"
	case CmdPropValueIs:
		return "PROP_VALUE_IS"
	default:
		return fmt.Sprintf("CommandID(0x%02x)", uint8(c))
	}
}

// headerSize is the fixed-width portion of a System Frame: command_id,
// command_seq, length.
const headerSize = 3

// ProtocolError reports a malformed frame, an oversized payload, or a
// zero-length property-set value. Per spec, these are fatal: the caller is expected to abort the
// process rather than attempt recovery.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "wire: protocol violation: " + e.Reason
}

// Frame is a single System Endpoint wire frame, header plus payload.
type Frame struct {
	CommandID   CommandID
	CommandSeq  uint8
	Payload     []byte
}

// Encode serializes f into its wire representation:
// {command_id, command_seq, length, payload...}.
func (f Frame) Encode() []byte {
	if len(f.Payload) > 255 {
		panic(&ProtocolError{Reason: fmt.Sprintf("payload length %d exceeds 255", len(f.Payload))})
	}
	buf := make([]byte, headerSize+len(f.Payload))
	buf[0] = byte(f.CommandID)
	buf[1] = f.CommandSeq
	buf[2] = byte(len(f.Payload))
	copy(buf[headerSize:], f.Payload)
	return buf
}

// EncodeNoop builds the frame for a NOOP command: {NOOP, seq, 0, []}.
func EncodeNoop(seq uint8) []byte {
	return Frame{CommandID: CmdNoop, CommandSeq: seq}.Encode()
}

// EncodeReset builds the frame for a RESET command: {RESET, seq, 0, []}.
func EncodeReset(seq uint8) []byte {
	return Frame{CommandID: CmdReset, CommandSeq: seq}.Encode()
}

// EncodePropGet builds the frame for a PROP_VALUE_GET command. The payload
// is the little-endian property id, length 4.
func EncodePropGet(seq uint8, propID uint32) []byte {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, propID)
	return Frame{CommandID: CmdPropValueGet, CommandSeq: seq, Payload: payload}.Encode()
}

// EncodePropSet builds the frame for a PROP_VALUE_SET command. The payload is
// the little-endian property id followed by value, endianness-adapted per
// the policy documented on [AdaptValueEndianness]. value of length 0 is a
// programmer error (fatal, per spec §4.1).
func EncodePropSet(seq uint8, propID uint32, value []byte) []byte {
	if len(value) == 0 {
		panic(&ProtocolError{Reason: "property-set with zero-length value"})
	}
	adapted := AdaptValueEndianness(value)
	payload := make([]byte, 4+len(adapted))
	binary.LittleEndian.PutUint32(payload, propID)
	copy(payload[4:], adapted)
	return Frame{CommandID: CmdPropValueSet, CommandSeq: seq, Payload: payload}.Encode()
}

// AdaptValueEndianness applies the system endpoint's endianness policy for a
// property-set value: values of length 2, 4, or 8 are assumed to be
// host-endian scalars of that width and are byte-swapped to little-endian;
// any other length (including 1) is copied verbatim. The returned slice is
// always a fresh copy; the caller's value is never mutated.
func AdaptValueEndianness(value []byte) []byte {
	out := make([]byte, len(value))
	switch len(value) {
	case 2:
		v := binary.NativeEndian.Uint16(value)
		binary.LittleEndian.PutUint16(out, v)
	case 4:
		v := binary.NativeEndian.Uint32(value)
		binary.LittleEndian.PutUint32(out, v)
	case 8:
		v := binary.NativeEndian.Uint64(value)
		binary.LittleEndian.PutUint64(out, v)
	default:
		copy(out, value)
	}
	return out
}

// DecodeFinal parses the raw bytes of a solicited final (or unsolicited
// uframe) into its header fields and payload. It enforces the invariant
// length == len(data) - headerSize; violation is a [ProtocolError].
func DecodeFinal(data []byte) (cmdID CommandID, seq uint8, payload []byte, err error) {
	if len(data) < headerSize {
		return 0, 0, nil, &ProtocolError{Reason: fmt.Sprintf("frame too short: %d bytes", len(data))}
	}
	length := int(data[2])
	if length != len(data)-headerSize {
		return 0, 0, nil, &ProtocolError{Reason: fmt.Sprintf("length field %d does not match buffer (%d bytes of payload)", length, len(data)-headerSize)}
	}
	payload = make([]byte, length)
	copy(payload, data[headerSize:])
	return CommandID(data[0]), data[1], payload, nil
}

// DecodePropertyPayload splits a PROP_VALUE_{GET,SET,IS} payload into its
// little-endian property id (the first four bytes) and the remaining value.
func DecodePropertyPayload(payload []byte) (propID uint32, value []byte, err error) {
	if len(payload) < 4 {
		return 0, nil, &ProtocolError{Reason: fmt.Sprintf("property payload too short: %d bytes", len(payload))}
	}
	propID = binary.LittleEndian.Uint32(payload[:4])
	value = make([]byte, len(payload)-4)
	copy(value, payload[4:])
	return propID, value, nil
}
