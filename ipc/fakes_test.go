// Copyright 2026 The Graphene Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ipc

import (
	"net"
	"sync/atomic"
	"time"
)

// pipeStream adapts one end of an in-memory synchronous duplex pipe to the
// Stream interface, giving tests a real, blocking byte stream without
// touching the filesystem or real descriptors.
type pipeStream struct {
	conn   net.Conn
	closed int32
	id     int
}

var pipeStreamIDs int32

func newPipeStreamPair() (*pipeStream, *pipeStream) {
	a, b := net.Pipe()
	id := atomic.AddInt32(&pipeStreamIDs, 1)
	return &pipeStream{conn: a, id: int(id)}, &pipeStream{conn: b, id: int(id) + 1}
}

func (s *pipeStream) Read(buf []byte) (int, error) {
	n, err := s.conn.Read(buf)
	if err != nil {
		return n, NewError(KindConnectionReset, err)
	}
	return n, nil
}

func (s *pipeStream) Write(buf []byte) (int, error) {
	n, err := s.conn.Write(buf)
	if err != nil {
		return n, NewError(KindConnectionReset, err)
	}
	return n, nil
}

func (s *pipeStream) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	return s.conn.Close()
}

func (s *pipeStream) Attr() (Attr, error) {
	return Attr{Readable: true, Writable: true}, nil
}

func (s *pipeStream) Fd() (int, bool) {
	return s.id, true
}

// fakeWaiter is a test double for MultiWaiter: the test drives it by
// pushing the index (within the slice most recently passed to Wait) that
// should be reported as signaled next.
type fakeWaiter struct {
	next chan int
}

func newFakeWaiter() *fakeWaiter {
	return &fakeWaiter{next: make(chan int)}
}

func (w *fakeWaiter) signal(index int) {
	w.next <- index
}

func (w *fakeWaiter) Wait(streams []Stream, timeout time.Duration) (WaitResult, error) {
	idx := <-w.next
	if idx < 0 || idx >= len(streams) {
		return WaitResult{Interrupted: true}, nil
	}
	return WaitResult{Index: idx}, nil
}

// fakeEvent is a minimal in-memory Event, standing in for unixstream.Event
// in tests that don't need a real eventfd.
type fakeEvent struct {
	set int32
}

func (e *fakeEvent) Set() error   { atomic.StoreInt32(&e.set, 1); return nil }
func (e *fakeEvent) Clear() error { atomic.StoreInt32(&e.set, 0); return nil }
func (e *fakeEvent) Read(buf []byte) (int, error) {
	return 0, NewError(KindAgain, nil)
}
func (e *fakeEvent) Write(buf []byte) (int, error) { return len(buf), nil }
func (e *fakeEvent) Close() error                  { return nil }
func (e *fakeEvent) Attr() (Attr, error)            { return Attr{}, nil }
func (e *fakeEvent) Fd() (int, bool)                { return -1, true }
