// Copyright 2026 The Graphene Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package ipc implements the port manager and helper loop that a library-OS
// process uses to talk to its parent, its children, and its namespace
// leaders over bidirectional byte streams.
//
// A Port binds exactly one Stream for its lifetime and carries routing
// metadata (peer id, role mask, fini callbacks, pending duplex requests). A
// Registry owns the set of live ports, indexed both by peer id and by
// insertion order. A single Helper goroutine multiplexes reads across every
// port with the IFPOLL role, dispatches framed messages to callbacks
// registered on a Manager, and reconfigures its watched set whenever the
// registry asks it to. Manager ties these pieces together and exposes the
// operations external callers (syscall handlers, namespace protocols) use.
package ipc
