// Copyright 2026 The Graphene Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ipc

import (
	"sync/atomic"
	"testing"

	"github.com/kr/pretty"
)

func TestPortRefCountingDestroysAtZero(t *testing.T) {
	a, _ := newPipeStreamPair()
	p := NewPort(a)

	var finiCalls int32
	p.InstallFini(func(*Port, uint32, int32) {
		atomic.AddInt32(&finiCalls, 1)
	}, 3)

	p.Acquire()
	if got := p.RefCount(); got != 2 {
		t.Fatalf("RefCount() = %d, want 2", got)
	}
	p.Release()
	if atomic.LoadInt32(&finiCalls) != 0 {
		t.Fatalf("fini ran before refcount reached zero")
	}
	p.Release()
	if atomic.LoadInt32(&finiCalls) != 1 {
		t.Fatalf("finiCalls = %d, want 1", finiCalls)
	}
}

func TestPortCloseIsIdempotent(t *testing.T) {
	a, _ := newPipeStreamPair()
	p := NewPort(a)
	if err := p.closeHandle(); err != nil {
		t.Fatalf("closeHandle() #1: %v", err)
	}
	if err := p.closeHandle(); err != nil {
		t.Fatalf("closeHandle() #2: %v", err)
	}
}

func TestInstallFiniIsIdempotentForSameFunc(t *testing.T) {
	a, _ := newPipeStreamPair()
	p := NewPort(a)
	fn := func(*Port, uint32, int32) {}

	if err := p.InstallFini(fn, 3); err != nil {
		t.Fatalf("first InstallFini: %v", err)
	}
	if err := p.InstallFini(fn, 3); err != nil {
		t.Fatalf("second InstallFini: %v", err)
	}
	if len(p.finiCallbacks) != 1 {
		t.Fatalf("finiCallbacks len = %d, want 1", len(p.finiCallbacks))
	}
}

func TestInstallFiniRejectsPastMax(t *testing.T) {
	a, _ := newPipeStreamPair()
	p := NewPort(a)
	fns := []FiniFunc{
		func(*Port, uint32, int32) {},
		func(*Port, uint32, int32) {},
		func(*Port, uint32, int32) {},
	}
	for i, fn := range fns {
		if err := p.InstallFini(fn, 3); err != nil {
			t.Fatalf("InstallFini #%d: %v", i, err)
		}
	}
	if err := p.InstallFini(func(*Port, uint32, int32) {}, 3); err == nil {
		t.Fatalf("InstallFini past max_fini = nil error, want error")
	}
}

func TestPendingRequestsFailOnDestroy(t *testing.T) {
	a, _ := newPipeStreamPair()
	p := NewPort(a)
	req := p.AttachPending(1)
	p.Release()

	select {
	case res := <-req.done:
		if !IsKind(res.err, KindConnectionReset) {
			t.Fatalf("pending result err = %v, want KindConnectionReset", res.err)
		}
	default:
		t.Fatalf("pending request was not completed on destroy")
	}
}

func TestDetachPendingRemovesOnlyMatchingSeq(t *testing.T) {
	a, _ := newPipeStreamPair()
	p := NewPort(a)
	p.AttachPending(1)
	p.AttachPending(2)

	if got := p.DetachPending(1); got == nil || got.seq != 1 {
		t.Fatalf("DetachPending(1) = %# v, want seq 1", pretty.Formatter(got))
	}
	if p.PendingLen() != 1 {
		t.Fatalf("PendingLen() = %d, want 1", p.PendingLen())
	}
	if got := p.DetachPending(99); got != nil {
		t.Fatalf("DetachPending(99) = %v, want nil", got)
	}
}

func TestSetTeardownCodeObservedByFini(t *testing.T) {
	a, _ := newPipeStreamPair()
	p := NewPort(a)
	var observed int32
	p.InstallFini(func(_ *Port, _ uint32, code int32) {
		observed = code
	}, 3)
	p.SetTeardownCode(-7)
	p.Release()
	if observed != -7 {
		t.Fatalf("observed teardown code = %d, want -7", observed)
	}
}
