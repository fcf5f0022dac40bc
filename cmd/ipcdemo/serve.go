// Copyright 2026 The Graphene Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/google/subcommands"

	"github.com/Surfndez/graphene/ipc"
	"github.com/Surfndez/graphene/ipc/debug"
	"github.com/Surfndez/graphene/ipc/peerwatch"
	"github.com/Surfndez/graphene/ipc/unixstream"
)

type serveCmd struct {
	socketPath string
	selfID     uint
	configPath string
	debugAddr  string
	runtimeDir string
}

func (*serveCmd) Name() string { return "serve" }
func (*serveCmd) Synopsis() string {
	return "run an IPC port manager and helper loop listening on a UNIX socket"
}
func (*serveCmd) Usage() string {
	return "serve -socket <path> -self <peer-id> [flags...]\n"
}

func (c *serveCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.socketPath, "socket", "/run/ipc/self.sock", "UNIX socket to listen on")
	f.UintVar(&c.selfID, "self", 1, "this process's peer id")
	f.StringVar(&c.configPath, "config", "", "optional YAML config file")
	f.StringVar(&c.debugAddr, "debug-addr", "", "if set, serve introspection JSON on this address")
	f.StringVar(&c.runtimeDir, "runtime-dir", "", "directory to scan for peer sockets at startup (overrides the config's runtime_dir)")
}

func (c *serveCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg := ipc.DefaultConfig()
	if c.configPath != "" {
		var err error
		cfg, err = ipc.LoadConfig(c.configPath)
		if err != nil {
			glog.Errorf("loading config: %v", err)
			return subcommands.ExitFailure
		}
	}
	if c.runtimeDir != "" {
		cfg.RuntimeDir = c.runtimeDir
	}
	if c.debugAddr != "" {
		cfg.DebugAddr = c.debugAddr
	}

	waiter := unixstream.NewPollWaiter()
	wakeup, err := unixstream.NewEvent()
	if err != nil {
		glog.Errorf("creating wakeup event: %v", err)
		return subcommands.ExitFailure
	}

	mgr, err := ipc.NewManager(cfg, uint32(c.selfID), waiter, wakeup)
	if err != nil {
		glog.Errorf("building manager: %v", err)
		return subcommands.ExitFailure
	}

	mgr.RegisterCallback(codeEcho, handleEcho)
	mgr.RegisterCallback(codeBroadcastPing, handleBroadcastPing)
	mgr.RegisterCallback(codeRequestHandover, func(msg *ipc.Message, port *ipc.Port) int32 {
		glog.Infof("peer %d: handover requested by peer %d", c.selfID, msg.Header.Src)
		if err := mgr.ExitWithHelper(true); err != nil {
			glog.Warningf("handover request: %v", err)
			return -1
		}
		return 0
	})

	watcher := peerwatch.New(cfg.RuntimeDir)
	if err := mgr.InitPorts(watcher.Discover); err != nil {
		glog.Errorf("init_ports: %v", err)
		return subcommands.ExitFailure
	}

	listener, err := unixstream.ListenUnix(c.socketPath, 16)
	if err != nil {
		glog.Errorf("listening on %s: %v", c.socketPath, err)
		return subcommands.ExitFailure
	}
	mgr.Registry().AdmitByHandle(0, listener, ipc.RoleServer|ipc.RoleIFPoll, nil)

	if err := mgr.InitHelper(); err != nil {
		glog.Errorf("init_helper: %v", err)
		return subcommands.ExitFailure
	}

	if cfg.DebugAddr != "" {
		h := debug.NewHandler(mgr)
		srv := &http.Server{Addr: cfg.DebugAddr, Handler: h.Router()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				glog.Warningf("debug server: %v", err)
			}
		}()
		glog.Infof("peer %d: introspection listening on %s", c.selfID, cfg.DebugAddr)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		glog.Infof("peer %d: received %v, shutting down", c.selfID, s)
	case <-ctx.Done():
	}
	mgr.Shutdown()
	return subcommands.ExitSuccess
}

func handleEcho(msg *ipc.Message, port *ipc.Port) int32 {
	glog.V(1).Infof("peer %d: echo from %d: %q", port.PeerID, msg.Header.Src, msg.Payload)
	return ipc.ReplyRequested
}

func handleBroadcastPing(msg *ipc.Message, port *ipc.Port) int32 {
	glog.Infof("peer %d: broadcast ping from %d", port.PeerID, msg.Header.Src)
	return 0
}
