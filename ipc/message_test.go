// Copyright 2026 The Graphene Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ipc

import (
	"context"
	"testing"
	"time"
)

func TestHeaderEncodeDecodeRoundTrips(t *testing.T) {
	hdr := Header{Code: 7, Size: 123, Src: 1, Dst: 2, Seq: 9999}
	buf := make([]byte, headerSize)
	hdr.encode(buf)
	got := decodeHeader(buf)
	if got != hdr {
		t.Fatalf("decodeHeader(encode(hdr)) = %+v, want %+v", got, hdr)
	}
}

func TestSendOneWayThenReceiveDispatchesCallback(t *testing.T) {
	a, b := newPipeStreamPair()
	portA := NewPort(a)
	portB := NewPort(b)
	defer portA.Release()
	defer portB.Release()

	d := newDispatcher(1, DefaultConfig())
	received := make(chan *Message, 1)
	d.RegisterCallback(5, func(msg *Message, port *Port) int32 {
		received <- msg
		return 0
	})

	sender := newDispatcher(2, DefaultConfig())
	go func() {
		_ = sender.SendOneWay(portA, 5, 1, []byte("hello"))
	}()

	if _, _, err := d.receive(portB, 0, nil); err != nil {
		t.Fatalf("receive: %v", err)
	}

	select {
	case msg := <-received:
		if string(msg.Payload) != "hello" {
			t.Fatalf("payload = %q, want %q", msg.Payload, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback was never invoked")
	}
}

func TestSendDuplexRoundTrip(t *testing.T) {
	a, b := newPipeStreamPair()
	portA := NewPort(a)
	portB := NewPort(b)
	defer portA.Release()
	defer portB.Release()

	dA := newDispatcher(1, DefaultConfig())
	dB := newDispatcher(2, DefaultConfig())
	dB.RegisterCallback(9, func(msg *Message, port *Port) int32 {
		// Only a negative return (or ReplyRequested) triggers an IPC_RESP;
		// the negative value itself is what's carried back as retval.
		return -42
	})

	go func() {
		// Side B drains its handle, dispatching the request and replying.
		for i := 0; i < 1; i++ {
			if _, _, err := dB.receive(portB, 0, nil); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	retval, err := dA.SendDuplex(ctx, portA, 9, 2, []byte("ping"))
	if err != nil {
		t.Fatalf("SendDuplex: %v", err)
	}
	if retval != -42 {
		t.Fatalf("retval = %d, want -42", retval)
	}
}

func TestReceiveDropsSelfEchoedMessage(t *testing.T) {
	a, b := newPipeStreamPair()
	portA := NewPort(a)
	portB := NewPort(b)
	defer portA.Release()
	defer portB.Release()

	d := newDispatcher(1, DefaultConfig())
	called := make(chan struct{}, 1)
	d.RegisterCallback(3, func(*Message, *Port) int32 {
		called <- struct{}{}
		return 0
	})

	go func() {
		_ = d.send(portA, Header{Code: 3, Src: 1, Dst: 1}, []byte("x"))
	}()
	if _, _, err := d.receive(portB, 0, nil); err != nil {
		t.Fatalf("receive: %v", err)
	}

	select {
	case <-called:
		t.Fatal("callback ran for a self-echoed message")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendDuplexContextCancellation(t *testing.T) {
	a, b := newPipeStreamPair()
	portA := NewPort(a)
	defer portA.Release()

	// Drain the peer end so SendDuplex's write can complete, but never send
	// a reply, so no IPC_RESP ever arrives.
	go func() {
		buf := make([]byte, 1024)
		for {
			if _, err := b.Read(buf); err != nil {
				return
			}
		}
	}()

	dA := newDispatcher(1, DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := dA.SendDuplex(ctx, portA, 9, 2, []byte("ping"))
	if err == nil {
		t.Fatal("SendDuplex returned nil error after context deadline")
	}
	if portA.PendingLen() != 0 {
		t.Fatalf("PendingLen() = %d, want 0 after cancellation", portA.PendingLen())
	}
}
