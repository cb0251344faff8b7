// Package evloop is the host event-loop facility consumed by the system
// endpoint core (spec §6, "Event-loop interface — consumed"). It is a
// single-threaded epoll reactor: one goroutine owns the epoll instance and
// every registered callback — timer fires and readable-fd notifications —
// runs on that goroutine, which is exactly the scheduling model the core
// requires (spec §5: "All core logic runs on the host process's event-loop
// thread... there is no parallelism and no locking within the core").
//
// The implementation mirrors the raw-syscall style the teacher repo uses for
// its Linux inotify watcher (epoll_create1/epoll_ctl/epoll_wait via
// golang.org/x/sys/unix instead of hand-rolled cgo).
package evloop

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

// TimerCallback is invoked on the loop goroutine when an armed timer fires.
type TimerCallback func()

// ReaderCallback is invoked on the loop goroutine when a registered fd
// becomes readable.
type ReaderCallback func()

// Loop is a single-threaded epoll-based event loop. The zero value is not
// usable; construct one with New.
type Loop struct {
	epfd   int
	logger *slog.Logger

	mu      sync.Mutex
	timers  map[int]TimerCallback
	readers map[int]ReaderCallback
	closed  bool

	wakeFD int

	taskMu sync.Mutex
	tasks  []func()
}

// New creates an epoll instance. The caller must call Close when done.
func New(logger *slog.Logger) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("evloop: epoll_create1: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	wakeFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("evloop: eventfd: %w", err)
	}

	l := &Loop{
		epfd:    epfd,
		logger:  logger,
		timers:  make(map[int]TimerCallback),
		readers: make(map[int]ReaderCallback),
		wakeFD:  wakeFD,
	}
	if err := l.RegisterReader(wakeFD, l.drainTasks); err != nil {
		unix.Close(wakeFD)
		unix.Close(epfd)
		return nil, fmt.Errorf("evloop: register wake fd: %w", err)
	}
	return l, nil
}

// Post schedules fn to run on the loop goroutine during its next iteration
// of RunOnce. It is safe to call from any goroutine, including concurrently
// with the loop itself, and is the only sanctioned way external code may
// reach into an Engine without violating its single-goroutine contract
// (spec §5): wrap any Engine call made from outside the loop goroutine in
// Post instead of calling it directly.
func (l *Loop) Post(fn func()) {
	l.taskMu.Lock()
	l.tasks = append(l.tasks, fn)
	l.taskMu.Unlock()

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(l.wakeFD, buf[:]); err != nil && err != unix.EAGAIN {
		l.logger.Error("evloop: wake write failed", slog.Any("error", err))
	}
}

// drainTasks is the wake fd's reader callback: it resets the eventfd
// counter and runs every task queued by Post since the last drain, on the
// loop goroutine.
func (l *Loop) drainTasks() {
	var buf [8]byte
	unix.Read(l.wakeFD, buf[:])

	l.taskMu.Lock()
	tasks := l.tasks
	l.tasks = nil
	l.taskMu.Unlock()

	for _, fn := range tasks {
		fn()
	}
}

// RegisterTimer creates a new timerfd armed to fire once after d, registers
// it with the epoll instance, and arranges for cb to be invoked exactly once
// on the loop goroutine when it expires (or is re-armed — see Rearm). It
// returns a TimerHandle used to Rearm or Cancel the timer.
func (l *Loop) RegisterTimer(d TimerDuration, cb TimerCallback) (*TimerHandle, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("evloop: timerfd_create: %w", err)
	}
	h := &TimerHandle{fd: fd, loop: l}
	if err := h.arm(d); err != nil {
		unix.Close(fd)
		return nil, err
	}

	l.mu.Lock()
	l.timers[fd] = cb
	l.mu.Unlock()

	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}); err != nil {
		l.mu.Lock()
		delete(l.timers, fd)
		l.mu.Unlock()
		unix.Close(fd)
		return nil, fmt.Errorf("evloop: epoll_ctl add timer: %w", err)
	}
	return h, nil
}

// RegisterReader registers fd for readability notifications. cb is invoked
// on the loop goroutine each time the fd has data available; the caller is
// responsible for draining it.
func (l *Loop) RegisterReader(fd int, cb ReaderCallback) error {
	l.mu.Lock()
	l.readers[fd] = cb
	l.mu.Unlock()

	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}); err != nil {
		l.mu.Lock()
		delete(l.readers, fd)
		l.mu.Unlock()
		return fmt.Errorf("evloop: epoll_ctl add reader: %w", err)
	}
	return nil
}

// UnregisterReader removes fd from the epoll set. It does not close fd.
func (l *Loop) UnregisterReader(fd int) {
	l.removeFD(fd)
	l.mu.Lock()
	delete(l.readers, fd)
	l.mu.Unlock()
}

// removeFD removes fd from the epoll interest set regardless of which map
// it was registered under. It is shared by UnregisterReader and
// TimerHandle.Cancel.
func (l *Loop) removeFD(fd int) {
	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Run blocks, dispatching timer and reader callbacks as they become ready,
// until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := l.RunOnce(200 /* ms, so ctx.Done is polled promptly */); err != nil {
			return err
		}
	}
}

// RunOnce performs a single epoll_wait/dispatch pass, blocking for at most
// timeoutMs milliseconds. It is exported for tests and other single-step
// drivers that need to pump the loop deterministically from the same
// goroutine that calls into the core, rather than racing a background
// Run against test stimulus.
func (l *Loop) RunOnce(timeoutMs int) error {
	events := make([]unix.EpollEvent, 16)

	n, err := unix.EpollWait(l.epfd, events, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("evloop: epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)

		l.mu.Lock()
		timerCb, isTimer := l.timers[fd]
		readerCb, isReader := l.readers[fd]
		l.mu.Unlock()

		switch {
		case isTimer:
			if count := drainTimerfd(fd); count != 1 {
				l.logger.Warn("evloop: timer expiration count was not 1, treating as a single expiration", slog.Uint64("count", count))
			}
			timerCb()
		case isReader:
			readerCb()
		}
	}
	return nil
}

// Close releases the epoll file descriptor and the internal wake fd. It
// does not close any other fds registered with RegisterReader; callers own
// those.
func (l *Loop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	unix.Close(l.wakeFD)
	return unix.Close(l.epfd)
}

// drainTimerfd reads the 8-byte expiration counter from a timerfd. Any read
// error, EAGAIN included, or a short read is reported as 0 expirations (can
// happen if the timer was cancelled concurrently with a pending epoll
// notification).
func drainTimerfd(fd int) uint64 {
	var buf [8]byte
	n, err := unix.Read(fd, buf[:])
	if err != nil || n != 8 {
		return 0
	}
	return uint64(buf[0]) | uint64(buf[1])<<8 | uint64(buf[2])<<16 | uint64(buf[3])<<24 |
		uint64(buf[4])<<32 | uint64(buf[5])<<40 | uint64(buf[6])<<48 | uint64(buf[7])<<56
}
