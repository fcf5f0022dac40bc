// Copyright 2026 The Graphene Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ipc

import (
	"container/list"
	"sync"

	"github.com/golang/glog"
)

// Registry is the set of live ports, indexed by peer id (a fixed bucket
// array, low bits of the peer id select the bucket) and by insertion order
// (a doubly-linked list), both mutated only under mu (spec §3, §4.3).
type Registry struct {
	cfg Config

	mu      sync.Mutex
	buckets [][]*Port
	order   *list.List // of *Port

	// restart is invoked whenever an admit/evict toggles IFPOLL or
	// KEEPALIVE; it is the helper's request_restart (spec §4.3's last
	// line, §4.5). nil until a Helper attaches itself via SetRestartFunc.
	restart func(needCreate bool)
}

// NewRegistry builds an empty Registry with cfg.BucketCount buckets.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:     cfg,
		buckets: make([][]*Port, cfg.BucketCount),
		order:   list.New(),
	}
}

// SetRestartFunc wires the helper's reconfiguration request into the
// registry. Must be called once, before any admit/evict that should notify
// the helper.
func (r *Registry) SetRestartFunc(fn func(needCreate bool)) {
	r.mu.Lock()
	r.restart = fn
	r.mu.Unlock()
}

func (r *Registry) bucketIndex(peerID uint32) int {
	return int(peerID) & (len(r.buckets) - 1)
}

func (r *Registry) requestHelperUpdateLocked() {
	if r.restart != nil {
		r.restart(true)
	}
}

// AdmitByHandle implements spec §4.3's admit_by_handle: reuse a port
// already indexed under (peerID, handle) or already tracking handle in the
// insertion list, otherwise allocate a new one, then apply admitLocked.
func (r *Registry) AdmitByHandle(peerID uint32, handle Stream, roleMask RoleMask, fini FiniFunc) *Port {
	r.mu.Lock()

	var port *Port
	if peerID != 0 {
		port = r.lookupPeerHandleLocked(peerID, handle)
	}
	if port == nil {
		port = r.lookupByHandleLocked(handle)
	}
	if port == nil {
		port = NewPort(handle)
	}

	toRelease := r.admitLocked(port, peerID, roleMask, fini)
	r.mu.Unlock()
	releaseAll(toRelease)
	return port
}

// Admit implements spec §4.3's admit: same contract as AdmitByHandle given
// an already-constructed port.
func (r *Registry) Admit(port *Port, peerID uint32, roleMask RoleMask, fini FiniFunc) {
	r.mu.Lock()
	toRelease := r.admitLocked(port, peerID, roleMask, fini)
	r.mu.Unlock()
	releaseAll(toRelease)
}

// admitLocked runs with r.mu held. It returns ports whose reference should
// be dropped after the caller unlocks (there are none today, but keeping
// the shape symmetric with evictLocked avoids releasing a reference while
// holding the registry lock, which could deadlock against a fini callback
// that re-enters the registry).
func (r *Registry) admitLocked(port *Port, peerID uint32, roleMask RoleMask, fini FiniFunc) []*Port {
	if peerID != 0 && !port.inPeerIndex {
		b := r.bucketIndex(peerID)
		r.buckets[b] = append(r.buckets[b], port)
		port.inPeerIndex = true
		port.PeerID = peerID
		port.Acquire()
	}

	newBits := roleMask &^ port.RoleMask
	if newBits != 0 {
		port.RoleMask |= roleMask
		port.pendingView = portView{roleMask: port.RoleMask, peerID: port.PeerID}
		port.dirty = true
	}

	if newBits&RoleIFPoll != 0 {
		port.recent = true
		if port.inInsertionList {
			r.order.MoveToFront(port.listElem)
		} else {
			port.listElem = r.order.PushFront(port)
			port.inInsertionList = true
			port.Acquire()
		}
	} else if !port.inInsertionList {
		port.listElem = r.order.PushBack(port)
		port.inInsertionList = true
		port.recent = false
		port.Acquire()
	}

	if fini != nil {
		if err := port.InstallFini(fini, r.cfg.MaxFini); err != nil {
			glog.Warningf("ipc: peer %d: too many fini callbacks (max %d), dropping one", port.PeerID, r.cfg.MaxFini)
		}
	}

	if newBits&(RoleIFPoll|RoleKeepAlive) != 0 {
		r.requestHelperUpdateLocked()
	}

	return nil
}

// Evict implements spec §4.3's evict.
func (r *Registry) Evict(port *Port, roleMask RoleMask) {
	r.mu.Lock()
	toRelease := r.evictLocked(port, roleMask)
	r.mu.Unlock()
	releaseAll(toRelease)
}

func (r *Registry) evictLocked(port *Port, roleMask RoleMask) []*Port {
	cleared := roleMask & port.RoleMask
	if roleMask == 0 {
		cleared = port.RoleMask
	}
	remaining := port.RoleMask &^ cleared
	otherBits := remaining &^ (RoleIFPoll | RoleKeepAlive)

	var released []*Port

	port.RoleMask = remaining
	port.pendingView = portView{roleMask: port.RoleMask, peerID: port.PeerID}
	port.dirty = true

	if otherBits == 0 {
		if port.inPeerIndex {
			r.removeFromBucketLocked(port)
			port.inPeerIndex = false
			released = append(released, port)
		}
		if port.inInsertionList {
			r.order.Remove(port.listElem)
			port.listElem = nil
			port.inInsertionList = false
			released = append(released, port)
		}
	}

	if cleared&(RoleIFPoll|RoleKeepAlive) != 0 {
		r.requestHelperUpdateLocked()
	}

	return released
}

func (r *Registry) removeFromBucketLocked(port *Port) {
	b := r.bucketIndex(port.PeerID)
	bucket := r.buckets[b]
	for i, p := range bucket {
		if p == port {
			r.buckets[b] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// EvictByPeer evicts every port in peerID's bucket carrying any of
// roleMask's bits (spec §4.3's evict_by_peer).
func (r *Registry) EvictByPeer(peerID uint32, roleMask RoleMask) {
	r.mu.Lock()
	b := r.bucketIndex(peerID)
	matching := make([]*Port, 0, len(r.buckets[b]))
	for _, p := range r.buckets[b] {
		if p.PeerID == peerID {
			matching = append(matching, p)
		}
	}
	var toRelease []*Port
	for _, p := range matching {
		toRelease = append(toRelease, r.evictLocked(p, roleMask)...)
	}
	r.mu.Unlock()
	releaseAll(toRelease)
}

// EvictAll evicts roleMask from every admitted port (spec §4.3's
// evict_all), via a linear scan of the insertion list.
func (r *Registry) EvictAll(roleMask RoleMask) {
	r.mu.Lock()
	all := make([]*Port, 0, r.order.Len())
	for e := r.order.Front(); e != nil; e = e.Next() {
		all = append(all, e.Value.(*Port))
	}
	var toRelease []*Port
	for _, p := range all {
		toRelease = append(toRelease, r.evictLocked(p, roleMask)...)
	}
	r.mu.Unlock()
	releaseAll(toRelease)
}

// Lookup returns the first port in peerID's bucket whose role mask
// intersects roleMask (or any port when roleMask is 0), with one
// additional reference held on behalf of the caller (spec §4.3's lookup).
// It returns nil if none match.
func (r *Registry) Lookup(peerID uint32, roleMask RoleMask) *Port {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.buckets[r.bucketIndex(peerID)] {
		if p.PeerID != peerID {
			continue
		}
		if roleMask == 0 || p.RoleMask&roleMask != 0 {
			return p.Acquire()
		}
	}
	return nil
}

// ForEach snapshots the ports in insertion order whose role mask intersects
// targetRoles (or all ports when targetRoles is 0) and are not in exclude,
// acquiring one reference per snapshotted port, then invokes visit on each
// outside the registry lock (spec §4.3's for_each; used by the broadcast
// router, §4.6). The snapshot is taken under the lock so it reflects a
// single consistent instant, but visit itself never runs while the lock is
// held, since §5 requires locks be held only across non-suspending
// sections and visit may perform I/O.
func (r *Registry) ForEach(exclude map[*Port]bool, targetRoles RoleMask, visit func(*Port)) {
	r.mu.Lock()
	snapshot := make([]*Port, 0, r.order.Len())
	for e := r.order.Front(); e != nil; e = e.Next() {
		p := e.Value.(*Port)
		if exclude[p] {
			continue
		}
		if targetRoles == 0 || p.RoleMask&targetRoles != 0 {
			snapshot = append(snapshot, p.Acquire())
		}
	}
	r.mu.Unlock()

	for _, p := range snapshot {
		visit(p)
	}
	releaseAll(snapshot)
}

// lookupPeerHandleLocked finds a port already indexed under peerID whose
// handle matches handle (identity comparison, since Stream is an
// interface). Must run with r.mu held.
func (r *Registry) lookupPeerHandleLocked(peerID uint32, handle Stream) *Port {
	for _, p := range r.buckets[r.bucketIndex(peerID)] {
		if p.PeerID == peerID && p.Handle == handle {
			return p
		}
	}
	return nil
}

// lookupByHandleLocked finds any admitted port (regardless of peer id)
// already tracking handle in the insertion list. Must run with r.mu held.
func (r *Registry) lookupByHandleLocked(handle Stream) *Port {
	for e := r.order.Front(); e != nil; e = e.Next() {
		p := e.Value.(*Port)
		if p.Handle == handle {
			return p
		}
	}
	return nil
}

// releaseAll drops one reference on each port, called after the registry
// lock has been released so a fini callback that re-enters the registry
// cannot deadlock against it.
func releaseAll(ports []*Port) {
	for _, p := range ports {
		p.Release()
	}
}

// Stats is a point-in-time snapshot of registry occupancy, used by tests
// checking spec §8's invariants and by the introspection endpoint
// (ipc/debug).
type Stats struct {
	PortCount     int
	PeerIndexed   int
	IFPollCount   int
	KeepAliveCount int
}

// Stats reports current registry occupancy.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s Stats
	for e := r.order.Front(); e != nil; e = e.Next() {
		p := e.Value.(*Port)
		s.PortCount++
		if p.inPeerIndex {
			s.PeerIndexed++
		}
		if p.RoleMask&RoleIFPoll != 0 {
			s.IFPollCount++
		}
		if p.RoleMask&RoleKeepAlive != 0 {
			s.KeepAliveCount++
		}
	}
	return s
}

// Ports returns a snapshot of every admitted port, each with one additional
// reference held for the caller; callers must Release every returned port.
func (r *Registry) Ports() []*Port {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Port, 0, r.order.Len())
	for e := r.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Port).Acquire())
	}
	return out
}

// PortInfo is a point-in-time, lock-protected view of one port's fields,
// safe to read after Snapshot returns without racing the registry lock.
// Used by the introspection endpoint (ipc/debug).
type PortInfo struct {
	PeerID   uint32
	RoleMask RoleMask
	RefCount int32
	Pending  int
}

// Snapshot reports PortInfo for every admitted port in insertion order.
func (r *Registry) Snapshot() []PortInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PortInfo, 0, r.order.Len())
	for e := r.order.Front(); e != nil; e = e.Next() {
		p := e.Value.(*Port)
		out = append(out, PortInfo{
			PeerID:   p.PeerID,
			RoleMask: p.RoleMask,
			RefCount: p.RefCount(),
			Pending:  p.PendingLen(),
		})
	}
	return out
}
