// Copyright 2026 The Graphene Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package unixstream

import (
	"encoding/binary"
	"time"

	"golang.org/x/sys/unix"

	"github.com/Surfndez/graphene/ipc"
)

// PollWaiter implements ipc.MultiWaiter over golang.org/x/sys/unix.Poll.
// Streams without an Fd (already closed) are skipped and can never be the
// signaled index; callers are expected to have reconfigured them out before
// the next Wait anyway (spec §4.5 step 5).
type PollWaiter struct{}

// NewPollWaiter returns a ready-to-use PollWaiter; it holds no state.
func NewPollWaiter() *PollWaiter { return &PollWaiter{} }

func (PollWaiter) Wait(streams []ipc.Stream, timeout time.Duration) (ipc.WaitResult, error) {
	pfds := make([]unix.PollFd, 0, len(streams))
	indices := make([]int, 0, len(streams))
	for i, s := range streams {
		fd, ok := s.Fd()
		if !ok {
			continue
		}
		pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		indices = append(indices, i)
	}

	ms := -1
	if timeout > 0 {
		ms = int(timeout / time.Millisecond)
	}

	n, err := unix.Poll(pfds, ms)
	if err != nil {
		if err == unix.EINTR {
			return ipc.WaitResult{Interrupted: true}, nil
		}
		return ipc.WaitResult{}, ipc.NewError(ipc.KindNotSupported, err)
	}
	if n == 0 {
		return ipc.WaitResult{TimedOut: true}, nil
	}
	for i, pfd := range pfds {
		if pfd.Revents != 0 {
			return ipc.WaitResult{Index: indices[i]}, nil
		}
	}
	return ipc.WaitResult{Interrupted: true}, nil
}

// Event is an eventfd(2)-backed ipc.Event: the helper loop's slot 0, used
// to break it out of an unbounded Wait from any other goroutine.
type Event struct {
	*Stream
}

// NewEvent creates a non-blocking, close-on-exec eventfd in semaphore-less
// (counter) mode.
func NewEvent() (*Event, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, translateErrno(err)
	}
	return &Event{Stream: newStream(fd)}, nil
}

// Set increments the eventfd counter, waking any Wait blocked on it.
func (e *Event) Set() error {
	fd, closed := e.snapshot()
	if closed {
		return ipc.NewError(ipc.KindBadHandle, nil)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(fd, buf[:])
	if err != nil {
		return translateErrno(err)
	}
	return nil
}

// Clear drains the eventfd counter back to zero so a subsequent Wait blocks
// again until the next Set.
func (e *Event) Clear() error {
	fd, closed := e.snapshot()
	if closed {
		return ipc.NewError(ipc.KindBadHandle, nil)
	}
	var buf [8]byte
	_, err := unix.Read(fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return translateErrno(err)
	}
	return nil
}
