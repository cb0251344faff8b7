package wire

// PropertyID identifies a typed property exposed over the system endpoint.
type PropertyID uint32

// Well-known property ids consumed by the core itself.
const (
	// PropLastStatus carries the SECONDARY's unsolicited status stream.
	PropLastStatus PropertyID = 0x00000000

	// PropEndpointState0 is the first of a contiguous block of 256
	// properties, one per endpoint, carrying that endpoint's lifecycle
	// state. PropEndpointState0 + N is endpoint N's property id.
	PropEndpointState0 PropertyID = 0x00000100
	// PropEndpointState255 is the last property id in that block.
	PropEndpointState255 PropertyID = PropEndpointState0 + 255
)

// EndpointIDFromProperty extracts the endpoint id encoded in the low 8 bits
// of a property id in the [PropEndpointState0, PropEndpointState255] range.
// The caller must check IsEndpointStateProperty first.
func EndpointIDFromProperty(id PropertyID) uint8 {
	return uint8(id - PropEndpointState0)
}

// IsEndpointStateProperty reports whether id falls in the per-endpoint
// lifecycle notification range.
func IsEndpointStateProperty(id PropertyID) bool {
	return id >= PropEndpointState0 && id <= PropEndpointState255
}

// Status is the system endpoint's 32-bit status enum, transmitted
// little-endian wherever a status value appears in a payload (e.g. the
// RESET final, and the value carried by PROP_LAST_STATUS).
type Status uint32

// Observable system status values. IN_PROGRESS is an internal marker
// ("at least one retry has occurred") and is never a terminal status sent by
// the SECONDARY, but it is exposed to callers through error_status per
// spec §4.4/§9.
const (
	StatusOK         Status = 0x00
	StatusFailure    Status = 0x01
	StatusInProgress Status = 0x02
	StatusTimeout    Status = 0x03
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusFailure:
		return "FAILURE"
	case StatusInProgress:
		return "IN_PROGRESS"
	case StatusTimeout:
		return "TIMEOUT"
	default:
		return "STATUS(0x" + hex8(uint32(s)) + ")"
	}
}

// EndpointState mirrors the CLOSED state value used when the core
// acknowledges an unsolicited endpoint closure back to the SECONDARY. The
// core only ever sends CLOSED; it never reports an endpoint as OPEN over
// this property.
type EndpointState uint32

const (
	EndpointStateClosed EndpointState = 0x00
)

func hex8(v uint32) string {
	const digits = "0123456789abcdef"
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = digits[v&0xf]
		v >>= 4
	}
	return string(b)
}
