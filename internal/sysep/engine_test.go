package sysep_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/siliconlabs/cpcd/internal/evloop"
	"github.com/siliconlabs/cpcd/internal/link"
	"github.com/siliconlabs/cpcd/internal/serverif"
	"github.com/siliconlabs/cpcd/internal/sysep"
	"github.com/siliconlabs/cpcd/internal/wire"
)

// discardWriter swallows every write, keeping test output free of routine
// debug-level engine logging.
type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestEngine(t *testing.T, opts ...sysep.Option) (*sysep.Engine, *link.Fake, *evloop.Loop) {
	t.Helper()
	discard := slog.New(slog.NewTextHandler(discardWriter{}, nil))

	loop, err := evloop.New(discard)
	if err != nil {
		t.Fatalf("evloop.New: %v", err)
	}
	t.Cleanup(func() { loop.Close() })

	fake := link.NewFake()
	engine, err := sysep.NewEngine(loop, fake, discard, opts...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine, fake, loop
}

// pumpUntil single-steps the loop (entirely on the calling goroutine, so
// there is never a second goroutine touching the Engine concurrently)
// until cond returns true or deadline elapses.
func pumpUntil(t *testing.T, loop *evloop.Loop, deadline time.Duration, cond func() bool) {
	t.Helper()
	stop := time.Now().Add(deadline)
	for time.Now().Before(stop) {
		if cond() {
			return
		}
		if err := loop.RunOnce(5); err != nil {
			t.Fatalf("loop.RunOnce: %v", err)
		}
	}
	if !cond() {
		t.Fatal("condition was not met before deadline")
	}
}

func TestNoopHappyPath(t *testing.T) {
	engine, fake, _ := newTestEngine(t)

	var gotStatus wire.Status
	invoked := false
	h := engine.Noop(func(_ *sysep.CommandHandle, status wire.Status) {
		invoked = true
		gotStatus = status
	}, 3, 10*time.Millisecond)

	want := []byte{0x00, h.Seq(), 0x00}
	if got := fake.LastSent(sysep.EndpointID); string(got) != string(want) {
		t.Fatalf("sent frame = % x, want % x", got, want)
	}

	fake.DeliverPollAck(sysep.EndpointID, h.Seq())
	fake.DeliverFinal(sysep.EndpointID, []byte{0x00, h.Seq(), 0x00})

	if !invoked {
		t.Fatal("callback was not invoked")
	}
	if gotStatus != wire.StatusOK {
		t.Fatalf("status = %v, want OK", gotStatus)
	}
}

func TestNoopOneRetryThenSuccess(t *testing.T) {
	engine, fake, loop := newTestEngine(t)

	var gotStatus wire.Status
	invoked := false
	h := engine.Noop(func(_ *sysep.CommandHandle, status wire.Status) {
		invoked = true
		gotStatus = status
	}, 3, 10*time.Millisecond)

	fake.DeliverPollAck(sysep.EndpointID, h.Seq())

	pumpUntil(t, loop, time.Second, func() bool {
		return fake.SentCount(sysep.EndpointID) >= 2
	})

	if h.Status() != wire.StatusInProgress {
		t.Fatalf("status after retry = %v, want IN_PROGRESS", h.Status())
	}
	want := []byte{0x00, h.Seq(), 0x00}
	if got := fake.LastSent(sysep.EndpointID); string(got) != string(want) {
		t.Fatalf("retransmitted frame = % x, want % x (identical to the original)", got, want)
	}

	fake.DeliverPollAck(sysep.EndpointID, h.Seq())
	fake.DeliverFinal(sysep.EndpointID, []byte{0x00, h.Seq(), 0x00})

	if !invoked {
		t.Fatal("callback was not invoked")
	}
	if gotStatus != wire.StatusInProgress {
		t.Fatalf("status = %v, want IN_PROGRESS (final arrives after a retry; spec leaves the interpretation of this open)", gotStatus)
	}
}

func TestNoopTimeout(t *testing.T) {
	engine, fake, loop := newTestEngine(t)

	var gotStatus wire.Status
	invoked := false
	h := engine.Noop(func(_ *sysep.CommandHandle, status wire.Status) {
		invoked = true
		gotStatus = status
	}, 1, 5*time.Millisecond)

	fake.DeliverPollAck(sysep.EndpointID, h.Seq())
	pumpUntil(t, loop, time.Second, func() bool { return fake.SentCount(sysep.EndpointID) >= 2 })
	// The retransmission is only timed again once it, too, is poll-ACKed.
	fake.DeliverPollAck(sysep.EndpointID, h.Seq())

	pumpUntil(t, loop, time.Second, func() bool { return invoked })

	if gotStatus != wire.StatusTimeout {
		t.Fatalf("status = %v, want TIMEOUT", gotStatus)
	}
	if fake.SentCount(sysep.EndpointID) != 2 {
		t.Fatalf("sent count = %d, want 2 (initial + one retry before exhaustion)", fake.SentCount(sysep.EndpointID))
	}
}

func TestPropertyGetRoundTrip(t *testing.T) {
	engine, fake, _ := newTestEngine(t)

	type result struct {
		propID uint32
		value  []byte
		status wire.Status
	}
	got := make(chan result, 1)

	h := engine.PropertyGet(func(_ *sysep.CommandHandle, propID uint32, value []byte, status wire.Status) {
		got <- result{propID, value, status}
	}, 0x0000000B, 2, 20*time.Millisecond)

	wantFrame := []byte{0x02, h.Seq(), 0x04, 0x0B, 0x00, 0x00, 0x00}
	if sent := fake.LastSent(sysep.EndpointID); string(sent) != string(wantFrame) {
		t.Fatalf("sent frame = % x, want % x", sent, wantFrame)
	}

	final := append([]byte{0x06, h.Seq(), 0x08}, 0x0B, 0x00, 0x00, 0x00, 0x2A, 0x00, 0x00, 0x00)
	fake.DeliverFinal(sysep.EndpointID, final)

	r := <-got
	if r.propID != 0x0B {
		t.Fatalf("propID = %#x, want 0x0b", r.propID)
	}
	if string(r.value) != string([]byte{0x2A, 0x00, 0x00, 0x00}) {
		t.Fatalf("value = % x, want 2a 00 00 00", r.value)
	}
	if r.status != wire.StatusOK {
		t.Fatalf("status = %v, want OK", r.status)
	}
}

func TestUnsolicitedLastStatusFanOut(t *testing.T) {
	engine, fake, _ := newTestEngine(t)

	var order []string
	var statuses []wire.Status
	register := func(name string) {
		engine.RegisterUnsolicitedLastStatus(func(status wire.Status) {
			order = append(order, name)
			statuses = append(statuses, status)
		})
	}
	register("A")
	register("B")
	register("C")

	fake.DeliverUFrame(sysep.EndpointID, []byte{0x06, 0x00, 0x08, 0x00, 0x00, 0x00, 0x00, 0x11, 0x00, 0x00, 0x00})

	wantOrder := []string{"A", "B", "C"}
	if len(order) != len(wantOrder) {
		t.Fatalf("observers invoked %v, want %v", order, wantOrder)
	}
	for i, name := range wantOrder {
		if order[i] != name {
			t.Fatalf("observer order = %v, want %v", order, wantOrder)
		}
		if statuses[i] != wire.Status(0x11) {
			t.Fatalf("status[%d] = %v, want 0x11", i, statuses[i])
		}
	}
}

func TestUnsolicitedEndpointCloseEcho(t *testing.T) {
	registry := serverif.NewRegistry()
	registry.Attach(5)

	_, fake, _ := newTestEngine(t, sysep.WithListenerRegistry(registry))
	fake.OpenEndpoint(5, link.UFrameEnable, 1)

	closedEndpoint := uint8(5)
	propID := uint32(0x00000100) + uint32(closedEndpoint)
	payload := []byte{0x06, 0x00, 0x08,
		byte(propID), byte(propID >> 8), byte(propID >> 16), byte(propID >> 24),
		0x00, 0x00, 0x00, 0x00,
	}

	fake.DeliverUFrame(sysep.EndpointID, payload)

	if got := fake.GetEndpointState(closedEndpoint); got != link.StateErrorDestinationUnreachable {
		t.Fatalf("endpoint 5 state = %v, want StateErrorDestinationUnreachable", got)
	}

	ack := fake.LastSent(sysep.EndpointID)
	if len(ack) < 3 || wire.CommandID(ack[0]) != wire.CmdPropValueSet {
		t.Fatalf("ack frame = % x, want a PROP_VALUE_SET", ack)
	}
	_, value, err := wire.DecodePropertyPayload(ack[3:])
	if err != nil {
		t.Fatalf("decode ack payload: %v", err)
	}
	if string(value) != string([]byte{0x00, 0x00, 0x00, 0x00}) {
		t.Fatalf("ack value = % x, want 00 00 00 00 (CLOSED)", value)
	}
}
