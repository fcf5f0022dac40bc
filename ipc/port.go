// Copyright 2026 The Graphene Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ipc

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// FiniFunc is an on-close hook registered on a Port (spec §3's
// fini_callbacks). It runs exactly once, when the port's last reference
// drops.
type FiniFunc func(port *Port, peerID uint32, exitCode int32)

// portView is a (role_mask, peer_id) snapshot the helper loop uses to
// decide, without racing the registry lock, whether a port's IFPOLL/
// KEEPALIVE membership has changed since it last looked (spec §4.5, §9).
type portView struct {
	roleMask RoleMask
	peerID   uint32
}

// pendingRequest is one outstanding duplex request awaiting a reply (spec
// §3's "pending" list entries). done is a buffered channel of size 1: the
// idiomatic Go stand-in for the spec's "waiter handle".
type pendingRequest struct {
	seq  uint64
	done chan pendingResult
}

type pendingResult struct {
	retval int32
	err    error
}

// Port binds exactly one Stream for its lifetime plus routing metadata.
// Every field documented in spec §3 is represented here. Fields annotated
// "registry-lock" below are mutated only while the owning Registry's lock
// is held; fields annotated "port-lock" are mutated only while pendingMu is
// held; refcount is atomic and needs neither.
type Port struct {
	// registry-lock
	Handle          Stream
	PeerID          uint32
	RoleMask        RoleMask
	finiCallbacks   []FiniFunc
	inPeerIndex     bool
	inInsertionList bool
	listElem        *list.Element
	pendingView     portView
	observedView    portView
	dirty           bool
	recent          bool

	// atomic
	refcount int32
	// teardownCode is recorded by whoever initiates teardown (registry
	// eviction on a stream error, helper disconnect detection, ...) so that
	// fini callbacks observe the right exit code regardless of which
	// Release call happens to be the one that drops refcount to zero.
	teardownCode int32

	// port-lock
	pendingMu sync.Mutex
	pending   []*pendingRequest

	// ioMu serializes framing reads/writes on this port's handle (spec §5:
	// "the framing routine is reentrant per handle but not concurrently on
	// the same handle"). readBuf/readLen are the receive loop's caller-
	// stack buffer (spec §4.4 step 1), grown by doubling as needed.
	ioMu    sync.Mutex
	readBuf []byte
	readLen int

	closeOnce sync.Once
}

// NewPort wraps handle in a fresh Port with refcount 1, unhashed, and
// IFPOLL not yet asserted (spec §4.2).
func NewPort(handle Stream) *Port {
	return &Port{
		Handle:   handle,
		refcount: 1,
	}
}

// Acquire increments the reference count and returns p, so callers can
// write `held := port.Acquire()`.
func (p *Port) Acquire() *Port {
	atomic.AddInt32(&p.refcount, 1)
	return p
}

// Release decrements the reference count, destroying the port when it
// reaches zero.
func (p *Port) Release() {
	if atomic.AddInt32(&p.refcount, -1) == 0 {
		p.destroy()
	}
}

// RefCount reports the current reference count, for tests and the
// introspection endpoint.
func (p *Port) RefCount() int32 {
	return atomic.LoadInt32(&p.refcount)
}

// SetTeardownCode records the exit code fini callbacks will observe when
// this port is finally destroyed. Callers invoke this before releasing
// their reference as part of an error-driven teardown (spec §4.5 step 3/4).
func (p *Port) SetTeardownCode(code int32) {
	atomic.StoreInt32(&p.teardownCode, code)
}

// destroy runs exactly once, when the last reference drops. Per spec §3:
// fini callbacks run, any still-pending duplex requests complete with
// ECONNRESET, and the stream handle is closed. It is a programming error to
// reach this state while still registry-indexed; callers are responsible
// for evicting from both registry collections before their last Release.
func (p *Port) destroy() {
	exitCode := atomic.LoadInt32(&p.teardownCode)
	for _, cb := range p.finiCallbacks {
		cb(p, p.PeerID, exitCode)
	}
	p.failAllPending(NewError(KindConnectionReset, nil))
	_ = p.closeHandle()
}

func (p *Port) closeHandle() error {
	var err error
	p.closeOnce.Do(func() {
		if p.Handle != nil {
			err = p.Handle.Close()
		}
	})
	return err
}

// InstallFini appends cb to the port's fini list, idempotently (the same
// function value installed twice is a no-op) and bounded by maxFini (spec
// §4.2, §3's MAX_FINI). It must be called with the registry lock held.
func (p *Port) InstallFini(cb FiniFunc, maxFini int) error {
	for _, existing := range p.finiCallbacks {
		if sameFunc(existing, cb) {
			return nil
		}
	}
	if len(p.finiCallbacks) >= maxFini {
		return NewError(KindInvalidArgument, nil)
	}
	p.finiCallbacks = append(p.finiCallbacks, cb)
	return nil
}

// sameFunc compares FiniFunc values by identity of their underlying code
// pointer via reflect, since Go function values aren't otherwise
// comparable. Every closure created from one function literal shares that
// code pointer, so such closures count as the same hook; only different
// functions or different literals count as distinct hooks.
func sameFunc(a, b FiniFunc) bool {
	return funcPtr(a) == funcPtr(b)
}

// AttachPending registers req on the port's pending list under the port's
// own lock (spec §4.2, §4.4's duplex correlation).
func (p *Port) AttachPending(seq uint64) *pendingRequest {
	req := &pendingRequest{seq: seq, done: make(chan pendingResult, 1)}
	p.pendingMu.Lock()
	p.pending = append(p.pending, req)
	p.pendingMu.Unlock()
	return req
}

// DetachPending removes and returns the pending request matching seq, or
// nil if none is outstanding. Called by the framing layer on a matching
// IPC_RESP and by SendDuplex when a send fails or its context ends;
// teardown empties the list through failAllPending instead.
func (p *Port) DetachPending(seq uint64) *pendingRequest {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	for i, req := range p.pending {
		if req.seq == seq {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			return req
		}
	}
	return nil
}

// failAllPending completes every still-outstanding duplex request with err
// and empties the pending list, used on port teardown (spec §4.4: "If the
// port is torn down while a request is outstanding, the pending record is
// completed with ECONNRESET").
func (p *Port) failAllPending(err error) {
	p.pendingMu.Lock()
	pending := p.pending
	p.pending = nil
	p.pendingMu.Unlock()
	for _, req := range pending {
		req.done <- pendingResult{err: err}
	}
}

// PendingLen reports the number of outstanding duplex requests, for tests.
func (p *Port) PendingLen() int {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	return len(p.pending)
}
