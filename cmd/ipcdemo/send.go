// Copyright 2026 The Graphene Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/google/subcommands"

	"github.com/Surfndez/graphene/ipc"
	"github.com/Surfndez/graphene/ipc/unixstream"
)

type sendCmd struct {
	socketPath string
	selfID     uint
	dstID      uint
	message    string
	timeout    time.Duration
}

func (*sendCmd) Name() string     { return "send" }
func (*sendCmd) Synopsis() string { return "send one duplex echo message to a running serve instance" }
func (*sendCmd) Usage() string {
	return "send -socket <path> -message <text> [flags...]\n"
}

func (c *sendCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.socketPath, "socket", "/run/ipc/self.sock", "UNIX socket to connect to")
	f.UintVar(&c.selfID, "self", 2, "this process's peer id")
	f.UintVar(&c.dstID, "dst", 1, "destination peer id")
	f.StringVar(&c.message, "message", "hello", "payload to echo")
	f.DurationVar(&c.timeout, "timeout", 5*time.Second, "how long to wait for the reply")
}

func (c *sendCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	mgr, port, err := dialAsClient(uint32(c.selfID), uint32(c.dstID), c.socketPath)
	if err != nil {
		glog.Errorf("send: %v", err)
		return subcommands.ExitFailure
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	retval, err := mgr.SendDuplex(sendCtx, port, codeEcho, uint32(c.dstID), []byte(c.message))
	if err != nil {
		glog.Errorf("send: %v", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("echo reply retval=%d\n", retval)
	return subcommands.ExitSuccess
}

// dialAsClient builds a throwaway Manager around selfID, dials socketPath,
// and admits it as a LISTEN port under dstID, returning both so callers can
// issue one request or broadcast without starting a helper loop: a single
// synchronous duplex call only needs this goroutine's own read of the
// port, per spec §4.4's "waiter's synchronous usage".
func dialAsClient(selfID, dstID uint32, socketPath string) (*ipc.Manager, *ipc.Port, error) {
	cfg := ipc.DefaultConfig()
	waiter := unixstream.NewPollWaiter()
	wakeup, err := unixstream.NewEvent()
	if err != nil {
		return nil, nil, fmt.Errorf("creating wakeup event: %w", err)
	}
	mgr, err := ipc.NewManager(cfg, selfID, waiter, wakeup)
	if err != nil {
		return nil, nil, fmt.Errorf("building manager: %w", err)
	}
	stream, err := unixstream.DialUnix(socketPath)
	if err != nil {
		return nil, nil, fmt.Errorf("dialing %s: %w", socketPath, err)
	}
	port := mgr.Registry().AdmitByHandle(dstID, stream, ipc.RoleListen, nil)
	return mgr, port, nil
}
