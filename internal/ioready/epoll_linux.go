//go:build linux

package ioready

import (
	"sync"

	"github.com/AdguardTeam/golibs/errors"
	"golang.org/x/sys/unix"
)

// Epoll is a concrete Notifier backed by a Linux epoll instance. It is the
// readiness-notification source a dispatcher shares across every
// subsystem it owns, the Connection among them.
type Epoll struct {
	epfd int

	mu   sync.Mutex
	tags map[int]Tag
}

// NewEpoll creates a new epoll instance.
func NewEpoll() (e *Epoll, err error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Annotate(err, "creating epoll instance: %w")
	}

	return &Epoll{
		epfd: fd,
		tags: make(map[int]Tag),
	}, nil
}

// type check
var _ Notifier = (*Epoll)(nil)

// Add implements the Notifier interface for *Epoll.
func (e *Epoll) Add(fd int, tag Tag) (err error) {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err = unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return errors.Annotate(err, "registering fd %d: %w", fd)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.tags[fd] = tag

	return nil
}

// Remove implements the Notifier interface for *Epoll.
func (e *Epoll) Remove(fd int) (err error) {
	if err = unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return errors.Annotate(err, "deregistering fd %d: %w", fd)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.tags, fd)

	return nil
}

// Wait blocks until at least one registered descriptor is readable, or
// timeoutMS milliseconds pass (-1 waits forever), and returns the tags of
// the descriptors that became ready.
func (e *Epoll) Wait(timeoutMS int) (ready []Tag, err error) {
	events := make([]unix.EpollEvent, 16)

	n, err := unix.EpollWait(e.epfd, events, timeoutMS)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}

		return nil, errors.Annotate(err, "waiting on epoll instance: %w")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, ev := range events[:n] {
		if tag, ok := e.tags[int(ev.Fd)]; ok {
			ready = append(ready, tag)
		}
	}

	return ready, nil
}

// Close releases the epoll instance. Any descriptors still registered on it
// are implicitly dropped by the kernel; callers should deregister and close
// their own descriptors first.
func (e *Epoll) Close() (err error) {
	return unix.Close(e.epfd)
}
