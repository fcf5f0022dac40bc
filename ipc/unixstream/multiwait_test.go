// Copyright 2026 The Graphene Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package unixstream

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/Surfndez/graphene/ipc"
)

func TestPollWaiterTimesOutWithNoActivity(t *testing.T) {
	ev, err := NewEvent()
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	defer ev.Close()

	w := NewPollWaiter()
	res, err := w.Wait([]ipc.Stream{ev}, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !res.TimedOut {
		t.Fatalf("res = %+v, want TimedOut", res)
	}
}

func TestPollWaiterReportsSignaledEventIndex(t *testing.T) {
	ev, err := NewEvent()
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	defer ev.Close()
	sock := filepath.Join(t.TempDir(), "test.sock")
	l, err := ListenUnix(sock, 1)
	if err != nil {
		t.Fatalf("ListenUnix: %v", err)
	}
	defer l.Close()

	if err := ev.Set(); err != nil {
		t.Fatalf("Set: %v", err)
	}

	w := NewPollWaiter()
	res, err := w.Wait([]ipc.Stream{l, ev}, time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Index != 1 {
		t.Fatalf("Index = %d, want 1 (the event, not the idle listener)", res.Index)
	}

	if err := ev.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	res, err = w.Wait([]ipc.Stream{ev}, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait after Clear: %v", err)
	}
	if !res.TimedOut {
		t.Fatalf("res after Clear = %+v, want TimedOut", res)
	}
}

func TestEventSetIsCoalescedNotQueued(t *testing.T) {
	ev, err := NewEvent()
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	defer ev.Close()

	if err := ev.Set(); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := ev.Set(); err != nil {
		t.Fatalf("second Set: %v", err)
	}
	if err := ev.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	w := NewPollWaiter()
	res, err := w.Wait([]ipc.Stream{ev}, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !res.TimedOut {
		t.Fatalf("res = %+v, want TimedOut (single Clear drains both Sets)", res)
	}
}
