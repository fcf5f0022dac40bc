// Copyright 2026 The Graphene Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package peerwatch

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/Surfndez/graphene/ipc"
	"github.com/Surfndez/graphene/ipc/unixstream"
)

func TestDiscoverRecognizesFixedSocketNames(t *testing.T) {
	dir := t.TempDir()

	leader, err := unixstream.ListenUnix(filepath.Join(dir, "leader.sock"), 1)
	if err != nil {
		t.Fatalf("ListenUnix(leader): %v", err)
	}
	defer leader.Close()
	parent, err := unixstream.ListenUnix(filepath.Join(dir, "parent.sock"), 1)
	if err != nil {
		t.Fatalf("ListenUnix(parent): %v", err)
	}
	defer parent.Close()
	sysv, err := unixstream.ListenUnix(filepath.Join(dir, "sysvldr-42.sock"), 1)
	if err != nil {
		t.Fatalf("ListenUnix(sysvldr): %v", err)
	}
	defer sysv.Close()

	// An unrelated file in the same directory must be ignored.
	_, err = unixstream.ListenUnix(filepath.Join(dir, "scratch.sock"), 1)
	if err != nil {
		t.Fatalf("ListenUnix(scratch): %v", err)
	}

	type found struct {
		role ipc.RoleMask
		peer uint32
	}
	var got []found
	w := New(dir)
	if err := w.Discover(func(peerID uint32, handle ipc.Stream, roleMask ipc.RoleMask) {
		got = append(got, found{role: roleMask, peer: peerID})
		handle.Close()
	}); err != nil {
		t.Fatalf("Discover: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("Discover found %d peers, want 3: %+v", len(got), got)
	}
	var sawLeader, sawParent, sawSysv bool
	for _, f := range got {
		switch {
		case f.role == ipc.RolePIDLdr:
			sawLeader = true
		case f.role == ipc.RoleDirPrt:
			sawParent = true
		case f.role == ipc.RoleSYSVLdr && f.peer == 42:
			sawSysv = true
		}
	}
	if !sawLeader || !sawParent || !sawSysv {
		t.Fatalf("got = %+v, missing one of leader/parent/sysvldr-42", got)
	}
}

func TestDiscoverOnMissingDirIsNotAnError(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "does-not-exist"))
	if err := w.Discover(func(uint32, ipc.Stream, ipc.RoleMask) {}); err != nil {
		t.Fatalf("Discover on a missing dir: %v", err)
	}
}

func TestWatchReportsSocketsCreatedAfterStart(t *testing.T) {
	dir := t.TempDir()
	w := New(dir)

	seen := make(chan ipc.RoleMask, 1)
	fw, err := w.Watch(func(role ipc.RoleMask, peerID uint32, handle ipc.Stream) {
		handle.Close()
		seen <- role
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer fw.Close()

	l, err := unixstream.ListenUnix(filepath.Join(dir, "parent.sock"), 1)
	if err != nil {
		t.Fatalf("ListenUnix: %v", err)
	}
	defer l.Close()

	select {
	case role := <-seen:
		if role != ipc.RoleDirPrt {
			t.Fatalf("role = %v, want RoleDirPrt", role)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Watch never reported the newly created socket")
	}
}
