// Copyright 2026 The Graphene Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Command ipcdemo is a small CLI exercising the ipc package end to end: a
// "serve" subcommand runs a port manager and helper loop over a UNIX
// socket, while "send", "broadcast", and "handover" act as one-shot peers
// against a running instance.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/golang/glog"
	"github.com/google/subcommands"
)

// Protocol codes this demo registers callbacks for; they have no meaning
// outside this binary.
const (
	codeEcho            uint16 = 1
	codeBroadcastPing   uint16 = 2
	codeRequestHandover uint16 = 3
)

func main() {
	defer glog.Flush()

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&serveCmd{}, "")
	subcommands.Register(&sendCmd{}, "")
	subcommands.Register(&broadcastCmd{}, "")
	subcommands.Register(&handoverCmd{}, "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}
