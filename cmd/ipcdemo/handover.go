// Copyright 2026 The Graphene Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"

	"github.com/golang/glog"
	"github.com/google/subcommands"
)

type handoverCmd struct {
	socketPath string
	selfID     uint
	dstID      uint
}

func (*handoverCmd) Name() string { return "handover" }
func (*handoverCmd) Synopsis() string {
	return "ask a running serve instance to drain and hand its helper over"
}
func (*handoverCmd) Usage() string {
	return "handover -socket <path> [flags...]\n"
}

func (c *handoverCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.socketPath, "socket", "/run/ipc/self.sock", "UNIX socket to connect to")
	f.UintVar(&c.selfID, "self", 4, "this process's peer id")
	f.UintVar(&c.dstID, "dst", 1, "destination peer id")
}

func (c *handoverCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	mgr, port, err := dialAsClient(uint32(c.selfID), uint32(c.dstID), c.socketPath)
	if err != nil {
		glog.Errorf("handover: %v", err)
		return subcommands.ExitFailure
	}
	if err := mgr.SendOneWay(port, codeRequestHandover, uint32(c.dstID), nil); err != nil {
		glog.Errorf("handover: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
