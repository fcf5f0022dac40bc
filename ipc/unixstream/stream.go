// Copyright 2026 The Graphene Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package unixstream is a POSIX realization of the ipc.Stream,
// ipc.AcceptStream, ipc.MultiWaiter, and ipc.Event interfaces, built
// directly on raw file descriptors via golang.org/x/sys/unix so the
// descriptor passed to Fd() is always the one the multi-wait primitive
// polls (net.Conn's dup'd descriptors would not satisfy that).
package unixstream

import (
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/Surfndez/graphene/ipc"
)

// Stream is a raw-descriptor-backed ipc.Stream: a connected UNIX domain
// socket, a pipe end, or any other descriptor adopted via AdoptFD.
type Stream struct {
	mu     sync.Mutex
	fd     int
	closed bool
}

func newStream(fd int) *Stream {
	return &Stream{fd: fd}
}

// AdoptFD wraps an already-open descriptor (e.g. one inherited across
// exec) as a Stream.
func AdoptFD(fd int) *Stream {
	return newStream(fd)
}

func (s *Stream) Read(buf []byte) (int, error) {
	fd, closed := s.snapshot()
	if closed {
		return 0, ipc.NewError(ipc.KindBadHandle, nil)
	}
	n, err := unix.Read(fd, buf)
	if err != nil {
		return 0, translateErrno(err)
	}
	if n == 0 {
		return 0, ipc.NewError(ipc.KindConnectionReset, nil)
	}
	return n, nil
}

func (s *Stream) Write(buf []byte) (int, error) {
	fd, closed := s.snapshot()
	if closed {
		return 0, ipc.NewError(ipc.KindBadHandle, nil)
	}
	total := 0
	for total < len(buf) {
		n, err := unix.Write(fd, buf[total:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return total, translateErrno(err)
		}
		total += n
	}
	return total, nil
}

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}

func (s *Stream) Attr() (ipc.Attr, error) {
	fd, closed := s.snapshot()
	if closed {
		return ipc.Attr{}, ipc.NewError(ipc.KindBadHandle, nil)
	}
	pending, _ := unix.IoctlGetInt(fd, unix.FIONREAD)
	pfds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	attr := ipc.Attr{PendingSize: pending, Writable: true, UnderlyingFDs: []int{fd}}
	if _, err := unix.Poll(pfds, 0); err == nil {
		attr.Readable = pfds[0].Revents&unix.POLLIN != 0
		attr.Disconnected = pfds[0].Revents&(unix.POLLHUP|unix.POLLERR) != 0
	}
	return attr, nil
}

func (s *Stream) Fd() (int, bool) {
	fd, closed := s.snapshot()
	if closed {
		return 0, false
	}
	return fd, true
}

func (s *Stream) snapshot() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fd, s.closed
}

// Listener is a RoleServer-carrying listening UNIX domain socket.
type Listener struct {
	*Stream
}

// Accept implements ipc.AcceptStream.
func (l *Listener) Accept() (ipc.Stream, error) {
	fd, closed := l.snapshot()
	if closed {
		return nil, ipc.NewError(ipc.KindBadHandle, nil)
	}
	connFD, _, err := unix.Accept4(fd, unix.SOCK_CLOEXEC)
	if err != nil {
		return nil, translateErrno(err)
	}
	return newStream(connFD), nil
}

// ListenUnix creates and listens on a UNIX domain stream socket bound to
// path, removing any stale socket file left behind first.
func ListenUnix(path string, backlog int) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, translateErrno(err)
	}
	_ = unix.Unlink(path)
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, translateErrno(err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, translateErrno(err)
	}
	return &Listener{Stream: newStream(fd)}, nil
}

// DialUnix connects to a UNIX domain stream socket at path.
func DialUnix(path string) (*Stream, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, translateErrno(err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, translateErrno(err)
	}
	return newStream(fd), nil
}

// Opener implements ipc.Opener for two URI schemes: "unix://path" dials a
// UNIX domain socket, and "fd://n" adopts an already-open descriptor.
// "options" is unused; it exists to satisfy ipc.Opener's signature for
// backends that need per-open tuning.
type Opener struct{}

func (Opener) Open(uri string, options any) (ipc.Stream, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, ipc.NewError(ipc.KindInvalidArgument, err)
	}
	switch u.Scheme {
	case "unix":
		return DialUnix(u.Path)
	case "fd":
		n, err := strconv.Atoi(u.Host)
		if err != nil {
			return nil, ipc.NewError(ipc.KindInvalidArgument, fmt.Errorf("fd uri %q: %w", uri, err))
		}
		return AdoptFD(n), nil
	default:
		return nil, ipc.NewError(ipc.KindNotSupported, fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
}

func translateErrno(err error) error {
	switch err {
	case unix.EAGAIN:
		return ipc.NewError(ipc.KindAgain, err)
	case unix.EINTR:
		return ipc.NewError(ipc.KindInterrupted, err)
	case unix.ECONNRESET, unix.EPIPE:
		return ipc.NewError(ipc.KindConnectionReset, err)
	case unix.EBADF:
		return ipc.NewError(ipc.KindBadHandle, err)
	default:
		return ipc.NewError(ipc.KindNotConnection, err)
	}
}
