package link

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// NextDelay doubles current, capped at max. It is the same doubling policy
// the teacher repo's gRPC transport client uses for dashboard reconnection
// (agent/internal/transport/client.go), reused here for reconnecting the
// raw socket link to the co-processor.
func NextDelay(current, max time.Duration) time.Duration {
	if current <= 0 {
		return max
	}
	next := current * 2
	if next <= 0 || next > max {
		return max
	}
	return next
}

// Dispatcher runs fn on the single goroutine that owns the system endpoint
// core (spec §5: "All core logic runs on the host process's event-loop
// thread"). *evloop.Loop satisfies this with its Post method. Any Link
// implementation whose I/O runs on its own goroutine — as SocketLink's
// reader does — must route every callback invocation through a Dispatcher
// rather than calling it inline, or it reintroduces the very data race the
// single-threaded core is built to avoid.
type Dispatcher interface {
	Post(fn func())
}

// SocketLink is a minimal Link implementation over a single reliable stream
// (TCP or a Unix domain socket). It frames each System Frame with a
// 4-byte little-endian length prefix, a leading endpoint-id byte, and a
// second byte (the WriteFlag on outgoing frames; final vs. uframe on
// incoming ones), then dispatches the remainder to the registered OnFinal/OnUFrame/poll-ack
// callbacks via its Dispatcher, so they always run on the loop goroutine
// even though the framing is read on SocketLink's own reader goroutine. It
// implements endpoint-0 framing only; it does not reimplement CPC's real
// link layer (per-frame sequence numbers, HDLC windowing, multi-endpoint
// multiplexing), which spec §1 explicitly places out of scope.
//
// Every InformationPoll write is "poll-acknowledged" as soon as it has been
// handed to the OS socket buffer — a reasonable stand-in for the real link
// layer's poll-ACK given there is no independent acknowledgement frame at
// this simplified layer.
type SocketLink struct {
	network    string // "tcp" or "unix"
	address    string
	logger     *slog.Logger
	dispatcher Dispatcher

	dialTimeout       time.Duration
	reconnectDelay    time.Duration
	reconnectMaxDelay time.Duration

	mu       sync.Mutex
	conn     net.Conn
	state    map[uint8]EndpointState
	onFinal  map[uint8]FinalCallback
	onUFrame map[uint8]UFrameCallback
	onAck    PollAckCallback
}

// SocketConfig configures a SocketLink.
type SocketConfig struct {
	Network           string // "tcp" or "unix"
	Address           string
	DialTimeout       time.Duration
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
}

// NewSocketLink constructs a SocketLink that has not yet connected. Call Run
// to establish and maintain the connection. dispatcher must not be nil: it
// is how the reader goroutine hands final/uframe callbacks back to the
// core's single goroutine.
func NewSocketLink(cfg SocketConfig, dispatcher Dispatcher, logger *slog.Logger) *SocketLink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SocketLink{
		network:           cfg.Network,
		address:           cfg.Address,
		logger:            logger,
		dispatcher:        dispatcher,
		dialTimeout:       cfg.DialTimeout,
		reconnectDelay:    cfg.ReconnectDelay,
		reconnectMaxDelay: cfg.ReconnectMaxDelay,
		state:             make(map[uint8]EndpointState),
		onFinal:           make(map[uint8]FinalCallback),
		onUFrame:          make(map[uint8]UFrameCallback),
	}
}

func (s *SocketLink) OpenEndpoint(endpointID uint8, flags OpenFlag, window int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[endpointID] = StateOpen
	return nil
}

func (s *SocketLink) CloseEndpoint(endpointID uint8, force, immediate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[endpointID] = StateClosed
	return nil
}

func (s *SocketLink) SetEndpointOption(endpointID uint8, option EndpointOption, cb any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch option {
	case OnFinal:
		s.onFinal[endpointID] = cb.(FinalCallback)
	case OnUFrameReceive:
		s.onUFrame[endpointID] = cb.(UFrameCallback)
	default:
		return fmt.Errorf("link: unknown endpoint option %d", option)
	}
	return nil
}

func (s *SocketLink) SetOnPollAck(cb PollAckCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAck = cb
}

// wireMsgKind distinguishes a final from an unsolicited uframe on the wire;
// this is bookkeeping specific to SocketLink's simplified framing, not part
// of the real CPC link-layer wire format.
type wireMsgKind uint8

const (
	msgFinal  wireMsgKind = 0
	msgUFrame wireMsgKind = 1
)

func (s *SocketLink) Write(endpointID uint8, data []byte, flags WriteFlag) error {
	s.mu.Lock()
	conn := s.conn
	ack := s.onAck
	s.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("link: not connected")
	}

	frame := make([]byte, 4+1+1+len(data))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(2+len(data)))
	frame[4] = endpointID
	frame[5] = byte(flags)
	copy(frame[6:], data)

	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("link: write: %w", err)
	}

	if flags == InformationPoll || flags == UnnumberedPoll {
		if ack != nil && len(data) >= 2 {
			seq := data[1] // command_seq per the System Frame layout
			s.dispatcher.Post(func() { ack(endpointID, seq) })
		}
	}
	return nil
}

func (s *SocketLink) ProcessTransmitQueue() {
	// SocketLink writes synchronously; nothing to flush.
}

func (s *SocketLink) SetEndpointInError(endpointID uint8, reason EndpointState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[endpointID] = reason
	return nil
}

func (s *SocketLink) GetEndpointState(endpointID uint8) EndpointState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state[endpointID]
}

// Run dials the configured address and services incoming frames until ctx
// is cancelled, reconnecting with exponential backoff on any I/O error —
// the same doubling/capping policy as the teacher's gRPC dashboard client.
func (s *SocketLink) Run(ctx context.Context) error {
	delay := s.reconnectDelay
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}

		s.logger.Warn("link: disconnected, will retry",
			slog.String("address", s.address),
			slog.Any("error", err),
			slog.Duration("backoff", delay),
		)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = NextDelay(delay, s.reconnectMaxDelay)
	}
}

func (s *SocketLink) runOnce(ctx context.Context) error {
	dialer := net.Dialer{Timeout: s.dialTimeout}
	conn, err := dialer.DialContext(ctx, s.network, s.address)
	if err != nil {
		return fmt.Errorf("dial %s %s: %w", s.network, s.address, err)
	}
	defer conn.Close()

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	r := bufio.NewReader(conn)
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return err
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return err
		}
		if len(body) < 2 {
			continue
		}
		endpointID, kind, payload := body[0], wireMsgKind(body[1]), body[2:]

		s.mu.Lock()
		var cb func()
		switch kind {
		case msgFinal:
			if f := s.onFinal[endpointID]; f != nil {
				cb = func() { f(endpointID, payload) }
			}
		case msgUFrame:
			if f := s.onUFrame[endpointID]; f != nil {
				cb = func() { f(endpointID, payload) }
			}
		}
		s.mu.Unlock()

		// cb touches the Engine (via onFinal/onUFrame), which is not safe
		// for concurrent use; this reader runs on its own goroutine, so the
		// call is handed to the dispatcher rather than made inline.
		if cb != nil {
			s.dispatcher.Post(cb)
		}
	}
}
