// Copyright 2026 The Graphene Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ipc

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"golang.org/x/sync/errgroup"
)

// helperState is the process-wide atomic state machine of spec §4.5.
type helperState int32

const (
	helperUninitialized helperState = iota
	helperDelayed
	helperNotAlive
	helperAlive
	helperHandedOver
)

func (s helperState) String() string {
	switch s {
	case helperUninitialized:
		return "UNINITIALIZED"
	case helperDelayed:
		return "DELAYED"
	case helperNotAlive:
		return "NOTALIVE"
	case helperAlive:
		return "ALIVE"
	case helperHandedOver:
		return "HANDEDOVER"
	default:
		return "?"
	}
}

// Helper is the single long-running cooperative task of spec §4.5: it owns
// a private, contiguous set of watched ports plus the handles passed to the
// multi-wait primitive, dispatches readable ports through the shared
// dispatcher, accepts on server ports, and reconfigures its watched set
// whenever the registry asks it to.
type Helper struct {
	registry *Registry
	dispatch *dispatcher
	cfg      Config

	waiter MultiWaiter
	wakeup Event

	eg *errgroup.Group

	state int32 // helperState, atomic

	// dirty is the process-wide "watched set needs reconfiguring" flag
	// (spec §9's "helper may not self-wakeup" case). blockedInWait is set
	// just before the loop's last dirty check ahead of waiter.Wait and
	// cleared when Wait returns; RequestRestart uses it to decide whether a
	// real wakeup signal is needed or whether setting dirty is enough because
	// the next loop iteration will see it before blocking again. Goroutines
	// have no identity to compare against, so this replaces a literal "is
	// the caller the helper goroutine" check.
	dirty         int32
	blockedInWait int32

	// watched mirrors the registry's IFPOLL ports this helper is currently
	// polling; it is private to the helper goroutine (spec §4.5: "The
	// helper's local arrays are private"), so it is read and written only
	// from run's goroutine.
	watched []*Port

	// keepaliveCount is mutated only from the loop goroutine (reconfigure,
	// finalizeNotAlive) but read from other goroutines too (ExitWithHelper's
	// log line, run's own HANDEDOVER check), so it's atomic rather than
	// plain private state like watched.
	keepaliveCount int32

	onShutdown      func()
	userTasksRemain func() bool

	done chan struct{}
}

// NewHelper builds a Helper over registry, wired to dispatch incoming
// messages via d, using waiter as the multi-wait primitive and wakeup as
// the slot-0 event. It starts in UNINITIALIZED: a restart request before
// lifecycle.go's InitHelper moves it to DELAYED, and InitHelper then moves
// it to NOTALIVE, starting the loop at once if it was DELAYED.
func NewHelper(registry *Registry, d *dispatcher, cfg Config, waiter MultiWaiter, wakeup Event) *Helper {
	h := &Helper{
		registry: registry,
		dispatch: d,
		cfg:      cfg,
		waiter:   waiter,
		wakeup:   wakeup,
		watched:  make([]*Port, 0, cfg.HelperWatchedCapacity),
		state:    int32(helperUninitialized),
		done:     make(chan struct{}),
	}
	registry.SetRestartFunc(h.RequestRestart)
	return h
}

func (h *Helper) State() helperState {
	return helperState(atomic.LoadInt32(&h.state))
}

func (h *Helper) setState(s helperState) {
	atomic.StoreInt32(&h.state, int32(s))
}

// SetErrGroup wires an errgroup.Group the helper loop runs inside, so its
// exit is observed by Manager.Wait alongside any other managed tasks. Must
// be called before the first RequestRestart that would start the loop.
func (h *Helper) SetErrGroup(eg *errgroup.Group) {
	h.eg = eg
}

// SetShutdownHook wires the platform shutdown callback spec §4.5's exit
// behavior invokes once the helper finalizes a HANDEDOVER->NOTALIVE
// transition with no user tasks left. userTasksRemain lets the caller
// report whether that's actually true at the moment of transition.
func (h *Helper) SetShutdownHook(userTasksRemain func() bool, onShutdown func()) {
	h.userTasksRemain = userTasksRemain
	h.onShutdown = onShutdown
}

// RequestRestart implements spec §4.5's request_restart(need_create),
// invoked by the registry whenever the watched set must change.
func (h *Helper) RequestRestart(needCreate bool) {
	switch h.State() {
	case helperUninitialized:
		h.setState(helperDelayed)
	case helperDelayed:
		// noop: init_helper will notice DELAYED and start us.
	case helperNotAlive:
		if needCreate {
			h.start()
		}
	case helperAlive, helperHandedOver:
		atomic.StoreInt32(&h.dirty, 1)
		if atomic.LoadInt32(&h.blockedInWait) == 1 {
			if err := h.wakeup.Set(); err != nil {
				glog.Warningf("ipc: helper: signaling wakeup event: %v", err)
			}
		}
	}
}

// start transitions NOTALIVE -> ALIVE and launches the loop goroutine.
// Races between concurrent start attempts are resolved by the registry
// lock held across the admit/evict call that led here, exactly as spec
// §4.5's ordering guarantee (i) describes; start itself uses an atomic
// CompareAndSwap as a second line of defense against being invoked twice.
func (h *Helper) start() {
	if !atomic.CompareAndSwapInt32(&h.state, int32(helperNotAlive), int32(helperAlive)) {
		return
	}
	// The registry's "recent" ports that triggered this start (spec §4.3's
	// admit, which always asks for the helper before it exists yet) are
	// waiting to be picked up by a reconfigure; force one before the loop's
	// first Wait instead of requiring a second restart request.
	atomic.StoreInt32(&h.dirty, 1)
	h.done = make(chan struct{})
	if h.eg != nil {
		h.eg.Go(h.run)
		return
	}
	go func() {
		if err := h.run(); err != nil {
			glog.Errorf("ipc: helper loop exited with error: %v", err)
		}
	}()
}

// Wait blocks until the helper loop goroutine has exited.
func (h *Helper) Wait() {
	<-h.done
}

func (h *Helper) run() error {
	defer close(h.done)
	for {
		state := h.State()
		if state == helperNotAlive || state == helperUninitialized || state == helperDelayed {
			return nil
		}
		if state == helperHandedOver && atomic.LoadInt32(&h.keepaliveCount) == 0 {
			h.finalizeNotAlive()
			return nil
		}

		// Publish blockedInWait before the last dirty check, so a
		// RequestRestart landing after the check always signals wakeup.
		atomic.StoreInt32(&h.blockedInWait, 1)
		if atomic.CompareAndSwapInt32(&h.dirty, 1, 0) {
			atomic.StoreInt32(&h.blockedInWait, 0)
			h.reconfigure()
			continue
		}

		streams := make([]Stream, 0, len(h.watched)+1)
		streams = append(streams, h.wakeup)
		for _, p := range h.watched {
			streams = append(streams, p.Handle)
		}

		res, err := h.waiter.Wait(streams, 0)
		atomic.StoreInt32(&h.blockedInWait, 0)

		if err != nil {
			if IsKind(err, KindInterrupted) || IsKind(err, KindAgain) {
				continue
			}
			return err
		}
		if res.TimedOut || res.Interrupted {
			continue
		}

		if res.Index == 0 {
			_ = h.wakeup.Clear()
			if h.State() == helperNotAlive {
				return nil
			}
			h.reconfigure()
			continue
		}

		port := h.watched[res.Index-1]
		reconfigureNow := h.dispatchSignaled(port)
		if reconfigureNow || atomic.LoadInt32(&h.dirty) == 1 {
			h.reconfigure()
		}
	}
}

// dispatchSignaled implements spec §4.5 steps 3-4 for the port found at the
// signaled slot. It returns true when the caller should unconditionally
// reconfigure (accept handling always does; plain dispatch only forces it
// when dirty got set, checked by the caller).
func (h *Helper) dispatchSignaled(port *Port) bool {
	if port.RoleMask&RoleServer != 0 {
		accepter, ok := port.Handle.(AcceptStream)
		if !ok {
			glog.Errorf("ipc: peer %d: SERVER port's stream does not support Accept", port.PeerID)
			return true
		}
		client, err := accepter.Accept()
		if err != nil {
			glog.Warningf("ipc: peer %d: accept failed, tearing down server port: %v", port.PeerID, err)
			h.teardown(port, KindNoSuchProcess.Code())
			return true
		}
		h.registry.AdmitByHandle(port.PeerID, client, RoleListen|RoleIFPoll, nil)
		return true
	}

	attr, err := port.Handle.Attr()
	if err != nil {
		glog.Warningf("ipc: peer %d: attr query failed, tearing down: %v", port.PeerID, err)
		h.teardown(port, errKindOf(err).Code())
		return false
	}

	if attr.Readable {
		if attr.PendingSize > 0 {
			glog.V(2).Infof("ipc: peer %d: %s pending before drain", port.PeerID, humanize.Bytes(uint64(attr.PendingSize)))
		}
		if _, _, err := h.dispatch.receive(port, 0, nil); err != nil {
			glog.Warningf("ipc: peer %d: receive loop error, tearing down: %v", port.PeerID, err)
			h.teardown(port, errKindOf(err).Code())
			return false
		}
	}
	if attr.Disconnected {
		h.teardown(port, KindConnectionReset.Code())
	}
	return false
}

func (h *Helper) teardown(port *Port, code int32) {
	port.SetTeardownCode(code)
	h.registry.Evict(port, 0)
}

// reconfigure implements spec §4.5 step 5: under the registry lock, drop
// watched ports no longer tracked, refresh dirty survivors' observed views,
// and pick up newly IFPOLL-enabled ports from the head of the insertion
// list.
func (h *Helper) reconfigure() {
	h.registry.mu.Lock()
	defer h.registry.mu.Unlock()

	kept := h.watched[:0]
	var dropped []*Port
	for _, p := range h.watched {
		wasKeepAlive := p.observedView.roleMask&RoleKeepAlive != 0
		if !p.inInsertionList {
			dropped = append(dropped, p)
			if wasKeepAlive {
				atomic.AddInt32(&h.keepaliveCount, -1)
			}
			continue
		}
		if p.dirty {
			p.observedView = p.pendingView
			p.dirty = false
		}
		if p.observedView.roleMask&RoleIFPoll == 0 {
			dropped = append(dropped, p)
			if wasKeepAlive {
				atomic.AddInt32(&h.keepaliveCount, -1)
			}
			continue
		}
		// The port stays watched; a dirty refresh above may have flipped its
		// KEEPALIVE bit without changing IFPOLL, so keepaliveCount needs its
		// own adjustment independent of the drop paths (spec §4.5 step 5b).
		if nowKeepAlive := p.observedView.roleMask&RoleKeepAlive != 0; nowKeepAlive != wasKeepAlive {
			if nowKeepAlive {
				atomic.AddInt32(&h.keepaliveCount, 1)
			} else {
				atomic.AddInt32(&h.keepaliveCount, -1)
			}
		}
		kept = append(kept, p)
	}
	h.watched = kept

	for e := h.registry.order.Front(); e != nil; e = e.Next() {
		p := e.Value.(*Port)
		if !p.recent {
			break
		}
		p.recent = false
		p.observedView = p.pendingView
		p.dirty = false
		if p.observedView.roleMask&RoleIFPoll == 0 {
			continue
		}
		h.watched = append(h.watched, p.Acquire())
		if p.observedView.roleMask&RoleKeepAlive != 0 {
			atomic.AddInt32(&h.keepaliveCount, 1)
		}
	}

	for _, p := range dropped {
		p.Release()
	}
}

// finalizeNotAlive implements spec §4.5's exit behavior: release
// references on all watched ports, transition to NOTALIVE, and invoke the
// platform shutdown hook if we were HANDEDOVER and no user tasks remain.
func (h *Helper) finalizeNotAlive() {
	wasHandedOver := h.State() == helperHandedOver
	for _, p := range h.watched {
		p.Release()
	}
	h.watched = nil
	h.setState(helperNotAlive)

	if wasHandedOver && (h.userTasksRemain == nil || !h.userTasksRemain()) {
		if h.onShutdown != nil {
			h.onShutdown()
		}
	}
}

// errKindOf extracts the Kind carried by err, defaulting to
// KindConnectionReset (spec's generic "I/O" fallback maps to connection
// teardown in this module, since by the time we're inspecting a stream
// error we're already tearing the port down).
func errKindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindConnectionReset
}

// waitForever is a sentinel documenting that Wait's timeout of 0 means
// "no timeout", matching spec §4.5 step 1 ("Block in multi-wait ... with no
// timeout").
const waitForever time.Duration = 0
