//go:build linux
// +build linux

// File: reactor/reactor_linux.go
//
// Linux epoll(7)-based reactor backend.

package reactor

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

type epollBackend struct {
	epfd int
}

func newBackend() (backend, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &epollBackend{epfd: epfd}, nil
}

func interestToEpoll(i Interest) uint32 {
	var ev uint32 = unix.EPOLLERR | unix.EPOLLHUP
	if i&InterestRead != 0 {
		ev |= unix.EPOLLIN
	}
	if i&InterestWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (b *epollBackend) ctl(op int, fd uintptr, userData uintptr, interest Interest) error {
	event := &unix.EpollEvent{Events: interestToEpoll(interest), Fd: int32(fd)}
	*(*uintptr)(unsafe.Pointer(&event.Pad)) = userData
	return unix.EpollCtl(b.epfd, op, int(fd), event)
}

func (b *epollBackend) Add(fd uintptr, userData uintptr, interest Interest) error {
	return b.ctl(unix.EPOLL_CTL_ADD, fd, userData, interest)
}

func (b *epollBackend) Modify(fd uintptr, userData uintptr, interest Interest) error {
	return b.ctl(unix.EPOLL_CTL_MOD, fd, userData, interest)
}

func (b *epollBackend) Remove(fd uintptr) error {
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, int(fd), nil)
}

func (b *epollBackend) Wait(dst []Event, timeoutMillis int) ([]Event, error) {
	raw := make([]unix.EpollEvent, 128)
	n, err := unix.EpollWait(b.epfd, raw, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, err
	}
	for i := 0; i < n; i++ {
		e := raw[i]
		dst = append(dst, Event{
			Fd:       uintptr(e.Fd),
			UserData: *(*uintptr)(unsafe.Pointer(&e.Pad)),
			Readable: e.Events&unix.EPOLLIN != 0,
			Writable: e.Events&unix.EPOLLOUT != 0,
			Err:      e.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		})
	}
	return dst, nil
}

func (b *epollBackend) Close() error {
	return unix.Close(b.epfd)
}
