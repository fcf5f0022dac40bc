// Copyright 2026 The Graphene Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ipc

import (
	"context"

	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"
)

// Manager is the top-level entry point wiring a Registry, the message
// dispatcher, the Helper loop, and the Broadcaster together behind the
// process's self peer id (spec §2-§6). Callers obtain one via NewManager,
// register callbacks, run the lifecycle hooks in lifecycle.go, and then
// admit ports as connections are established.
type Manager struct {
	cfg    Config
	selfID uint32

	registry  *Registry
	dispatch  *dispatcher
	helper    *Helper
	broadcast *Broadcaster

	eg     *errgroup.Group
	cancel context.CancelFunc
}

// NewManager validates cfg and builds a Manager around waiter/wakeup, the
// concrete multi-wait primitive and slot-0 event the Helper loop will use
// (spec §4.5; see ipc/unixstream for a POSIX realization of both). selfID
// is this process's peer id, used to stamp outgoing headers and to drop
// self-echoed broadcasts (spec §4.4 step 6).
func NewManager(cfg Config, selfID uint32, waiter MultiWaiter, wakeup Event) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	registry := NewRegistry(cfg)
	dispatch := newDispatcher(selfID, cfg)
	helper := NewHelper(registry, dispatch, cfg, waiter, wakeup)
	broadcast := NewBroadcaster(registry, dispatch)

	ctx, cancel := context.WithCancel(context.Background())
	eg, _ := errgroup.WithContext(ctx)
	helper.SetErrGroup(eg)

	return &Manager{
		cfg:       cfg,
		selfID:    selfID,
		registry:  registry,
		dispatch:  dispatch,
		helper:    helper,
		broadcast: broadcast,
		eg:        eg,
		cancel:    cancel,
	}, nil
}

// SelfID returns this process's peer id.
func (m *Manager) SelfID() uint32 { return m.selfID }

// Registry exposes the underlying Registry for admit/evict/lookup calls
// that don't warrant a Manager-level wrapper.
func (m *Manager) Registry() *Registry { return m.registry }

// Helper exposes the underlying Helper, mainly for tests.
func (m *Manager) Helper() *Helper { return m.helper }

// Broadcaster exposes the underlying Broadcaster.
func (m *Manager) Broadcaster() *Broadcaster { return m.broadcast }

// RegisterCallback installs the handler invoked for incoming messages
// carrying code (spec §4.4 step 7, §6).
func (m *Manager) RegisterCallback(code uint16, fn CallbackFunc) {
	m.dispatch.RegisterCallback(code, fn)
}

// SendOneWay writes a fire-and-forget message to port under code.
func (m *Manager) SendOneWay(port *Port, code uint16, dst uint32, payload []byte) error {
	return m.dispatch.SendOneWay(port, code, dst, payload)
}

// SendDuplex writes a request to port and blocks for the matching IPC_RESP,
// spec §4.4's duplex correlation.
func (m *Manager) SendDuplex(ctx context.Context, port *Port, code uint16, dst uint32, payload []byte) (int32, error) {
	return m.dispatch.SendDuplex(ctx, port, code, dst, payload)
}

// Broadcast fans payload out to every connected peer matching targetRoles
// (0 meaning the default broadcastable set), except those in exclude (spec
// §4.6).
func (m *Manager) Broadcast(ctx context.Context, code uint16, payload []byte, exclude map[*Port]bool, targetRoles RoleMask) error {
	return m.broadcast.Broadcast(ctx, code, payload, exclude, targetRoles)
}

// Stats reports current registry occupancy.
func (m *Manager) Stats() Stats {
	return m.registry.Stats()
}

// Wait blocks until every task the Manager's internal errgroup is tracking
// (currently: the helper loop) has exited, returning the first non-nil
// error any of them returned.
func (m *Manager) Wait() error {
	return m.eg.Wait()
}

// Shutdown cancels the errgroup context and terminates the helper loop,
// used by cmd/ipcdemo on signal receipt.
func (m *Manager) Shutdown() {
	m.cancel()
	m.TerminateHelper()
	glog.V(1).Infof("ipc: manager for peer %d shut down", m.selfID)
}
