package evloop

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// TimerDuration is a monotonic duration used to arm a timer. It is an alias
// of time.Duration, not a distinct type: callers pass time.Duration values
// (such as a CommandHandle's retry period) directly.
type TimerDuration = time.Duration

// TimerHandle is a single-shot timer registered with a Loop. It is safe to
// call Rearm or Cancel only from the loop goroutine (the core never calls
// them from anywhere else, per spec §5).
type TimerHandle struct {
	fd   int
	loop *Loop
}

func (h *TimerHandle) arm(d TimerDuration) error {
	spec := unix.ItimerSpec{
		Interval: unix.Timespec{Sec: 0, Nsec: 0},
		Value:    unix.NsecToTimespec(d.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(h.fd, 0, &spec, nil); err != nil {
		return fmt.Errorf("evloop: timerfd_settime: %w", err)
	}
	return nil
}

// Rearm replaces any prior arming with a fresh single-shot fire d from now.
// It does not create a new timer file descriptor or re-register with epoll;
// the same underlying timer is reused, matching spec §4.4's "re-arm the
// existing timer without creating a new one."
func (h *TimerHandle) Rearm(d TimerDuration) error {
	return h.arm(d)
}

// Cancel disarms the timer and removes it from the epoll set. It is
// idempotent and safe to call even if the timer already fired. No further
// callback is delivered after Cancel returns.
func (h *TimerHandle) Cancel() {
	zero := unix.ItimerSpec{}
	_ = unix.TimerfdSettime(h.fd, 0, &zero, nil)
	h.loop.removeFD(h.fd)
	h.loop.mu.Lock()
	delete(h.loop.timers, h.fd)
	h.loop.mu.Unlock()
	_ = unix.Close(h.fd)
}
