// Copyright 2026 The Graphene Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ipc

import (
	"context"
	"sync"

	"github.com/golang/glog"
	"go.uber.org/multierr"
)

// Broadcaster implements spec §4.6: deliver a message to every connected
// peer. When a dedicated broadcast stream is available (a single handle the
// platform fans a write out to every subscriber on its own, e.g. a
// multicast pseudo-device) it is used as the fast path; otherwise the
// broadcaster falls back to Registry.ForEach and sends the message to each
// matching port individually, aggregating per-recipient failures.
type Broadcaster struct {
	registry *Registry
	dispatch *dispatcher

	mu        sync.Mutex
	dedicated *Port
}

// NewBroadcaster builds a Broadcaster fanning out over registry via d.
func NewBroadcaster(registry *Registry, d *dispatcher) *Broadcaster {
	return &Broadcaster{registry: registry, dispatch: d}
}

// SetDedicatedStream installs port as the fast-path broadcast target,
// acquiring a reference on it. Passing nil reverts to per-recipient fanout.
func (b *Broadcaster) SetDedicatedStream(port *Port) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dedicated != nil {
		b.dedicated.Release()
	}
	if port != nil {
		port = port.Acquire()
	}
	b.dedicated = port
}

// defaultBroadcastRoles is the set of roles a port must carry at least one
// of to be considered a broadcast recipient when the caller passes
// targetRoles == 0: anything the manager has admitted as a live, addressable
// peer connection.
const defaultBroadcastRoles = RoleListen | RoleDirPrt | RolePIDLdr | RoleSYSVLdr

// Broadcast sends payload under code to every connected peer matching
// targetRoles, except those in exclude (keyed by *Port, typically the
// sender's own port to avoid echoing a message the dispatcher would drop
// anyway per spec §4.4 step 6). A zero targetRoles means "every role a
// broadcast can reach" (defaultBroadcastRoles); a non-zero mask restricts
// delivery to ports carrying at least one of those bits (spec §4.6's
// target_roles filter). It returns a combined error (via
// go.uber.org/multierr) naming every recipient that failed; a partial
// failure does not stop delivery to the remaining recipients.
func (b *Broadcaster) Broadcast(ctx context.Context, code uint16, payload []byte, exclude map[*Port]bool, targetRoles RoleMask) error {
	// The dedicated stream fans out to every subscriber on the platform's
	// own terms; it can't be asked to honor a role filter, so it's only
	// eligible when the caller wants the unfiltered default set (spec §4.6:
	// "If target_roles == 0 and a dedicated broadcast stream exists...").
	if targetRoles == 0 {
		b.mu.Lock()
		dedicated := b.dedicated
		if dedicated != nil {
			dedicated = dedicated.Acquire()
		}
		b.mu.Unlock()

		if dedicated != nil {
			defer dedicated.Release()
			if exclude[dedicated] {
				return nil
			}
			return b.dispatch.SendOneWay(dedicated, code, 0, payload)
		}
	}

	roles := targetRoles
	if roles == 0 {
		roles = defaultBroadcastRoles
	}

	var (
		mu      sync.Mutex
		combined error
		sent    int
	)
	b.registry.ForEach(exclude, roles, func(p *Port) {
		err := b.dispatch.SendOneWay(p, code, p.PeerID, payload)
		mu.Lock()
		defer mu.Unlock()
		sent++
		if err != nil {
			glog.Warningf("ipc: broadcast code %d: peer %d: %v", code, p.PeerID, err)
			combined = multierr.Append(combined, err)
		}
	})
	glog.V(1).Infof("ipc: broadcast code %d delivered to %d peers", code, sent)
	return combined
}
