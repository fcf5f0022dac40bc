// Copyright 2026 The Graphene Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"time"

	"github.com/golang/glog"
	"github.com/google/subcommands"
)

type broadcastCmd struct {
	socketPath string
	selfID     uint
	dstID      uint
	message    string
	timeout    time.Duration
}

func (*broadcastCmd) Name() string { return "broadcast" }
func (*broadcastCmd) Synopsis() string {
	return "send a one-way broadcast ping through a running serve instance"
}
func (*broadcastCmd) Usage() string {
	return "broadcast -socket <path> [flags...]\n"
}

func (c *broadcastCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.socketPath, "socket", "/run/ipc/self.sock", "UNIX socket to connect to")
	f.UintVar(&c.selfID, "self", 3, "this process's peer id")
	f.UintVar(&c.dstID, "dst", 1, "destination peer id to connect through")
	f.StringVar(&c.message, "message", "ping", "payload to broadcast")
	f.DurationVar(&c.timeout, "timeout", 5*time.Second, "how long to wait for delivery")
}

func (c *broadcastCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	mgr, _, err := dialAsClient(uint32(c.selfID), uint32(c.dstID), c.socketPath)
	if err != nil {
		glog.Errorf("broadcast: %v", err)
		return subcommands.ExitFailure
	}

	bcastCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := mgr.Broadcast(bcastCtx, codeBroadcastPing, []byte(c.message), nil, 0); err != nil {
		glog.Errorf("broadcast: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
