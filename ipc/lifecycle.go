// Copyright 2026 The Graphene Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ipc

import (
	"sync/atomic"

	"github.com/golang/glog"
)

// Discoverer is supplied to InitPorts by the caller; it is responsible for
// finding whatever peer sockets the platform exposes at startup (a
// namespace leader, a parent process, ...) and admitting each through
// admit. Decoupling discovery this way keeps ipc free of any dependency on
// how peers are found on disk or in a directory service; ipc/peerwatch
// supplies one concrete Discoverer backed by fsnotify.
type Discoverer func(admit func(peerID uint32, handle Stream, roleMask RoleMask)) error

// InitPorts implements spec §4.5/§6's init_ports: it runs discover to admit
// the process's initial set of known ports (conventionally at least a
// DIRPRT peer and, for the namespace leader, a PIDLDR/SYSVLDR peer),
// marking each IFPOLL so the helper picks them up once started.
func (m *Manager) InitPorts(discover Discoverer) error {
	admit := func(peerID uint32, handle Stream, roleMask RoleMask) {
		m.registry.AdmitByHandle(peerID, handle, roleMask|RoleIFPoll, nil)
	}
	if err := discover(admit); err != nil {
		return NewError(KindNoSuchProcess, err)
	}
	return nil
}

// InitHelper implements spec §4.5's init_helper: it moves the helper state
// machine out of UNINITIALIZED/DELAYED into NOTALIVE, immediately starting
// the loop if InitPorts (or any other admit before this call) already
// asked for a restart while the helper was still UNINITIALIZED.
func (m *Manager) InitHelper() error {
	switch m.helper.State() {
	case helperUninitialized:
		m.helper.setState(helperNotAlive)
	case helperDelayed:
		m.helper.setState(helperNotAlive)
		m.helper.start()
	default:
		return NewError(KindInvalidArgument, nil)
	}
	return nil
}

// SetShutdownHook wires the platform shutdown callback Manager invokes once
// the helper finalizes a HANDEDOVER->NOTALIVE transition with no user tasks
// left running (spec §4.5's exit behavior).
func (m *Manager) SetShutdownHook(userTasksRemain func() bool, onShutdown func()) {
	m.helper.SetShutdownHook(userTasksRemain, onShutdown)
}

// ExitWithHelper implements spec §6's exit_with_helper(handover). With
// handover true, the helper is left ALIVE long enough to flush any
// in-flight KEEPALIVE traffic, transitioning to HANDEDOVER so the loop
// exits on its own once keepaliveCount reaches zero. With handover false,
// the helper is torn down immediately via TerminateHelper.
func (m *Manager) ExitWithHelper(handover bool) error {
	if !handover {
		m.TerminateHelper()
		return nil
	}
	if !atomic.CompareAndSwapInt32(&m.helper.state, int32(helperAlive), int32(helperHandedOver)) {
		return NewError(KindInvalidArgument, nil)
	}
	if err := m.helper.wakeup.Set(); err != nil {
		glog.Warningf("ipc: peer %d: signaling helper wakeup during handover: %v", m.selfID, err)
	}
	glog.V(1).Infof("ipc: peer %d: helper handed over, draining %d keepalive port(s)", m.selfID, atomic.LoadInt32(&m.helper.keepaliveCount))
	return nil
}

// TerminateHelper implements spec §6's terminate_helper: force the helper
// loop to exit immediately (skipping any handover drain) and block until it
// has.
func (m *Manager) TerminateHelper() {
	switch m.helper.State() {
	case helperNotAlive, helperUninitialized, helperDelayed:
		return
	}
	m.helper.setState(helperNotAlive)
	if err := m.helper.wakeup.Set(); err != nil {
		glog.Warningf("ipc: peer %d: signaling helper wakeup during terminate: %v", m.selfID, err)
	}
	m.helper.Wait()
}
