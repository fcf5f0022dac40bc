// Copyright 2026 The Graphene Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package peerwatch discovers the peer sockets a process's runtime
// directory exposes at startup (a namespace leader, a direct parent, a
// SYSV-namespace leader) and admits them, backing ipc.Manager.InitPorts.
// It can additionally watch the directory for peer sockets that appear
// later, since a process's namespace membership can change after startup.
package peerwatch

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/golang/glog"

	"github.com/Surfndez/graphene/ipc"
	"github.com/Surfndez/graphene/ipc/unixstream"
)

// Watcher discovers peer sockets named by a small fixed convention inside
// a runtime directory: "leader.sock" (the PID-namespace leader),
// "parent.sock" (the direct parent), and "sysvldr-<id>.sock" (a SYSV
// namespace leader keyed by namespace id).
type Watcher struct {
	dir string
}

// New builds a Watcher rooted at dir.
func New(dir string) *Watcher {
	return &Watcher{dir: dir}
}

// Discover implements ipc.Discoverer: a one-shot scan of dir, admitting
// every recognized peer socket it finds. A missing directory is not an
// error (a process with no discoverable peers yet is valid).
func (w *Watcher) Discover(admit func(peerID uint32, handle ipc.Stream, roleMask ipc.RoleMask)) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		role, peerID, ok := classify(e.Name())
		if !ok {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		stream, err := unixstream.DialUnix(path)
		if err != nil {
			glog.Warningf("peerwatch: dialing %s: %v", path, err)
			continue
		}
		admit(peerID, stream, role)
	}
	return nil
}

// Watch starts an fsnotify watch on dir and invokes onNew for every
// recognized peer socket that appears after this call, supplementing the
// one-shot Discover scan for namespace membership changes discovered after
// startup. The returned *fsnotify.Watcher must be closed by the caller to
// stop watching.
func (w *Watcher) Watch(onNew func(role ipc.RoleMask, peerID uint32, handle ipc.Stream)) (*fsnotify.Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(w.dir); err != nil {
		_ = fw.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if ev.Op&fsnotify.Create == 0 {
					continue
				}
				role, peerID, ok := classify(filepath.Base(ev.Name))
				if !ok {
					continue
				}
				stream, err := unixstream.DialUnix(ev.Name)
				if err != nil {
					glog.Warningf("peerwatch: dialing %s: %v", ev.Name, err)
					continue
				}
				onNew(role, peerID, stream)
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				glog.Warningf("peerwatch: watch error: %v", err)
			}
		}
	}()
	return fw, nil
}

func classify(name string) (ipc.RoleMask, uint32, bool) {
	switch {
	case name == "leader.sock":
		return ipc.RolePIDLdr, 0, true
	case name == "parent.sock":
		return ipc.RoleDirPrt, 0, true
	case strings.HasPrefix(name, "sysvldr-") && strings.HasSuffix(name, ".sock"):
		idStr := strings.TrimSuffix(strings.TrimPrefix(name, "sysvldr-"), ".sock")
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			return 0, 0, false
		}
		return ipc.RoleSYSVLdr, uint32(id), true
	default:
		return 0, 0, false
	}
}
