package link

import (
	"context"
	"sync"
)

// sentFrame records one Write call for test assertions.
type sentFrame struct {
	EndpointID uint8
	Data       []byte
	Flags      WriteFlag
}

// Fake is an in-memory Link implementation for tests. It records every
// frame submitted via Write and lets the test drive poll-ACK, final, and
// uframe delivery deterministically — there is no real I/O or concurrency,
// matching the single-threaded contract the core assumes (spec §5).
type Fake struct {
	mu sync.Mutex

	opened   map[uint8]OpenFlag
	state    map[uint8]EndpointState
	sent     []sentFrame
	onFinal  map[uint8]FinalCallback
	onUFrame map[uint8]UFrameCallback
	onAck    PollAckCallback

	// FlushCount counts calls to ProcessTransmitQueue, for assertions
	// that Engine.ResetSystemEndpoint forces a synchronous flush.
	FlushCount int
}

// NewFake creates an empty Fake link.
func NewFake() *Fake {
	return &Fake{
		opened:   make(map[uint8]OpenFlag),
		state:    make(map[uint8]EndpointState),
		onFinal:  make(map[uint8]FinalCallback),
		onUFrame: make(map[uint8]UFrameCallback),
	}
}

func (f *Fake) OpenEndpoint(endpointID uint8, flags OpenFlag, window int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened[endpointID] = flags
	f.state[endpointID] = StateOpen
	return nil
}

func (f *Fake) CloseEndpoint(endpointID uint8, force, immediate bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.opened, endpointID)
	f.state[endpointID] = StateClosed
	return nil
}

func (f *Fake) SetEndpointOption(endpointID uint8, option EndpointOption, cb any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch option {
	case OnFinal:
		f.onFinal[endpointID] = cb.(FinalCallback)
	case OnUFrameReceive:
		f.onUFrame[endpointID] = cb.(UFrameCallback)
	}
	return nil
}

func (f *Fake) SetOnPollAck(cb PollAckCallback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onAck = cb
}

func (f *Fake) Write(endpointID uint8, data []byte, flags WriteFlag) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, sentFrame{EndpointID: endpointID, Data: cp, Flags: flags})
	return nil
}

func (f *Fake) ProcessTransmitQueue() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FlushCount++
}

func (f *Fake) SetEndpointInError(endpointID uint8, reason EndpointState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[endpointID] = reason
	return nil
}

func (f *Fake) GetEndpointState(endpointID uint8) EndpointState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state[endpointID]
}

func (f *Fake) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// LastSent returns the most recently Write-n frame on endpointID, or nil if
// none was ever sent.
func (f *Fake) LastSent(endpointID uint8) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].EndpointID == endpointID {
			return f.sent[i].Data
		}
	}
	return nil
}

// SentCount returns how many frames have been written to endpointID.
func (f *Fake) SentCount(endpointID uint8) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.EndpointID == endpointID {
			n++
		}
	}
	return n
}

// DeliverPollAck simulates the link layer reporting that seq was accepted
// by the remote.
func (f *Fake) DeliverPollAck(endpointID, seq uint8) {
	f.mu.Lock()
	cb := f.onAck
	f.mu.Unlock()
	if cb != nil {
		cb(endpointID, seq)
	}
}

// DeliverFinal simulates a solicited final arriving on endpointID.
func (f *Fake) DeliverFinal(endpointID uint8, data []byte) {
	f.mu.Lock()
	cb := f.onFinal[endpointID]
	f.mu.Unlock()
	if cb != nil {
		cb(endpointID, data)
	}
}

// DeliverUFrame simulates an unsolicited unnumbered frame arriving on
// endpointID.
func (f *Fake) DeliverUFrame(endpointID uint8, data []byte) {
	f.mu.Lock()
	cb := f.onUFrame[endpointID]
	f.mu.Unlock()
	if cb != nil {
		cb(endpointID, data)
	}
}

// IsOpen reports whether endpointID is currently open.
func (f *Fake) IsOpen(endpointID uint8) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.opened[endpointID]
	return ok
}
