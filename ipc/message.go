// Copyright 2026 The Graphene Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package ipc

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
)

// headerSize is the fixed-size prefix of every frame: code(2) + size(4) +
// src(4) + dst(4) + seq(8) (spec §6).
const headerSize = 2 + 4 + 4 + 4 + 8

// CodeIPCResp is the built-in code carrying a signed return value back to
// the original sequence number (spec §6).
const CodeIPCResp uint16 = 0xffff

// ReplyRequested is the sentinel a callback may return, in addition to any
// negative value, to ask the helper to send an IPC_RESP with retval 0 even
// though the callback otherwise succeeded (spec §4.4 step 7, §6).
const ReplyRequested int32 = 1<<31 - 1

// Header is the fixed header every IPC frame begins with (spec §6).
type Header struct {
	Code uint16
	Size uint32
	Src  uint32
	Dst  uint32
	Seq  uint64
}

func (h Header) encode(buf []byte) {
	binary.BigEndian.PutUint16(buf[0:2], h.Code)
	binary.BigEndian.PutUint32(buf[2:6], h.Size)
	binary.BigEndian.PutUint32(buf[6:10], h.Src)
	binary.BigEndian.PutUint32(buf[10:14], h.Dst)
	binary.BigEndian.PutUint64(buf[14:22], h.Seq)
}

func decodeHeader(buf []byte) Header {
	return Header{
		Code: binary.BigEndian.Uint16(buf[0:2]),
		Size: binary.BigEndian.Uint32(buf[2:6]),
		Src:  binary.BigEndian.Uint32(buf[6:10]),
		Dst:  binary.BigEndian.Uint32(buf[10:14]),
		Seq:  binary.BigEndian.Uint64(buf[14:22]),
	}
}

// Message is a fully-framed record: header plus the opaque payload bytes
// following it.
type Message struct {
	Header  Header
	Payload []byte
}

// CallbackFunc handles one dispatched message. A return value >= 0 means
// "handled"; a negative value or ReplyRequested means the helper should
// send an IPC_RESP carrying the return value back to the sender, provided
// the original message had a non-zero sequence number (spec §6).
type CallbackFunc func(msg *Message, port *Port) int32

// sequenceAllocator hands out sequence numbers unique per process lifetime
// (spec §3's invariant), implemented as a monotonic atomic counter that
// never reissues a value it has already handed out. Zero is reserved for
// one-way messages, so the first allocated sequence number is 1.
type sequenceAllocator struct {
	next uint64
}

func (s *sequenceAllocator) allocate() uint64 {
	return atomic.AddUint64(&s.next, 1)
}

// dispatcher owns the callback table and the framing/correlation logic of
// spec §4.4. It is embedded in Manager; exported via Manager's methods.
type dispatcher struct {
	selfID uint32
	cfg    Config

	mu        sync.RWMutex
	callbacks map[uint16]CallbackFunc

	seq sequenceAllocator
}

func newDispatcher(selfID uint32, cfg Config) *dispatcher {
	return &dispatcher{
		selfID:    selfID,
		cfg:       cfg,
		callbacks: make(map[uint16]CallbackFunc),
	}
}

// RegisterCallback installs (or replaces) the handler for code.
func (d *dispatcher) RegisterCallback(code uint16, fn CallbackFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callbacks[code] = fn
}

func (d *dispatcher) callbackFor(code uint16) (CallbackFunc, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	fn, ok := d.callbacks[code]
	return fn, ok
}

// receive implements the receive loop of spec §4.4 on port, reading from
// port.Handle. When matchSeq is non-zero, receive blocks, reading as many
// times as needed, until the matching message is found, copying its
// payload into out (a waiter's synchronous usage); messages seen along the
// way that don't match are dispatched to callbacks or dropped per steps
// 6-7. When matchSeq is 0 (the helper loop's usage, called only once
// Attr().Readable has reported data is actually available), receive
// processes every complete record already buffered, performs exactly one
// additional Read to pick up whatever the current readiness notification
// made available, processes any records that completes, and returns —
// mirroring a single level-triggered poll wakeup rather than looping until
// the stream would block, which a non-blocking handle might never do on
// its own idle cadence.
//
// Per spec §5, the framing routine is reentrant per handle but not
// concurrently on the same handle; port.ioMu is the lock callers rely on to
// ensure that (it stands in for "the port's pending-list lock" language in
// §5: kept as its own field here for clarity, but serving the identical
// purpose).
func (d *dispatcher) receive(port *Port, matchSeq uint64, out []byte) (n int, matched bool, err error) {
	port.ioMu.Lock()
	defer port.ioMu.Unlock()

	if port.readBuf == nil {
		size := d.cfg.InitialBufferSize
		if size < d.cfg.MinRecordSize {
			size = d.cfg.MinRecordSize
		}
		port.readBuf = make([]byte, size)
	}

	processBuffered := func() (matched bool, n int, err error) {
		for port.readLen >= headerSize {
			hdr := decodeHeader(port.readBuf)
			expected := int(hdr.Size)
			if expected < headerSize {
				return false, 0, NewError(KindInvalidArgument, nil)
			}
			if expected > len(port.readBuf) {
				size := len(port.readBuf)
				for size < expected {
					size *= 2
				}
				grown := make([]byte, size)
				copy(grown, port.readBuf[:port.readLen])
				port.readBuf = grown
			}
			if port.readLen < expected {
				break
			}

			msg := &Message{Header: hdr, Payload: append([]byte(nil), port.readBuf[headerSize:expected]...)}
			consumed := expected

			if matchSeq != 0 && hdr.Seq == matchSeq {
				nCopied := copy(out, msg.Payload)
				d.consume(port, consumed)
				return true, nCopied, nil
			}

			d.handleMessage(port, msg)
			d.consume(port, consumed)
		}
		return false, 0, nil
	}

	if matched, n, err := processBuffered(); matched || err != nil {
		return n, matched, err
	}

	for {
		readAhead := d.cfg.ReadAhead
		var remaining int
		if port.readLen >= headerSize {
			remaining = int(decodeHeader(port.readBuf).Size) - port.readLen
		} else {
			remaining = headerSize - port.readLen
		}
		want := remaining + readAhead
		if port.readLen+want > len(port.readBuf) {
			size := len(port.readBuf)
			for size < port.readLen+want {
				size *= 2
			}
			grown := make([]byte, size)
			copy(grown, port.readBuf[:port.readLen])
			port.readBuf = grown
		}

		m, rerr := port.Handle.Read(port.readBuf[port.readLen : port.readLen+want])
		if m == 0 && rerr != nil {
			if IsKind(rerr, KindAgain) || IsKind(rerr, KindInterrupted) {
				if matchSeq == 0 {
					return 0, false, nil
				}
				continue
			}
			glog.Warningf("ipc: port peer=%d: read error, tearing down: %v", port.PeerID, rerr)
			return 0, false, NewError(KindConnectionReset, rerr)
		}
		if m == 0 {
			return 0, false, nil
		}
		port.readLen += m

		matched, n, err := processBuffered()
		if matched || err != nil {
			return n, matched, err
		}
		if matchSeq == 0 {
			return 0, false, nil
		}
	}
}

// consume shifts the remaining bytes in port.readBuf down to the front
// after a full record has been processed (spec §4.4 step 8's memmove).
func (d *dispatcher) consume(port *Port, n int) {
	copy(port.readBuf, port.readBuf[n:port.readLen])
	port.readLen -= n
}

// handleMessage implements steps 5-7 of spec §4.4 for a message that is not
// (or is no longer being looked for as) the caller's specific match.
func (d *dispatcher) handleMessage(port *Port, msg *Message) {
	if msg.Header.Code == CodeIPCResp {
		d.completeDuplex(port, msg)
		return
	}

	if msg.Header.Src == d.selfID {
		// Echo of our own broadcast; drop (step 6).
		return
	}

	fn, ok := d.callbackFor(msg.Header.Code)
	if !ok {
		glog.V(1).Infof("ipc: no callback for code %d from peer %d", msg.Header.Code, msg.Header.Src)
		return
	}

	rv := fn(msg, port)
	if msg.Header.Seq != 0 && (rv < 0 || rv == ReplyRequested) {
		retval := rv
		if rv == ReplyRequested {
			retval = 0
		}
		if err := d.sendResponse(port, msg.Header.Src, msg.Header.Seq, retval); err != nil {
			glog.Warningf("ipc: sending IPC_RESP to peer %d seq %d: %v", msg.Header.Src, msg.Header.Seq, err)
		}
	}
}

// completeDuplex implements the duplex-correlation half of spec §4.4: an
// arriving IPC_RESP detaches the matching pending record, stores the
// return value, and wakes the waiter.
func (d *dispatcher) completeDuplex(port *Port, msg *Message) {
	req := port.DetachPending(msg.Header.Seq)
	if req == nil {
		glog.V(1).Infof("ipc: IPC_RESP for unknown seq %d from peer %d", msg.Header.Seq, msg.Header.Src)
		return
	}
	var retval int32
	if len(msg.Payload) >= 4 {
		retval = int32(binary.BigEndian.Uint32(msg.Payload[:4]))
	}
	req.done <- pendingResult{retval: retval}
}

// sendResponse writes an IPC_RESP frame carrying retval for seq, addressed
// to dst. Only the helper task is supposed to call this per spec §4.4;
// Manager enforces that by only wiring handleMessage into the helper loop.
// handleMessage (its only caller) always runs with port.ioMu already held by
// receive, so this goes through writeLocked rather than send to avoid
// re-entering the non-reentrant mutex on the same goroutine.
func (d *dispatcher) sendResponse(port *Port, dst uint32, seq uint64, retval int32) error {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(retval))
	return d.writeLocked(port, Header{Code: CodeIPCResp, Src: d.selfID, Dst: dst, Seq: seq}, payload)
}

// writeLocked encodes hdr and payload into one frame and writes it to
// port.Handle. Callers must already hold port.ioMu.
func (d *dispatcher) writeLocked(port *Port, hdr Header, payload []byte) error {
	hdr.Size = uint32(headerSize + len(payload))
	buf := make([]byte, hdr.Size)
	hdr.encode(buf)
	copy(buf[headerSize:], payload)

	_, err := port.Handle.Write(buf)
	return err
}

// send is writeLocked plus the port.ioMu acquisition, for callers (SendOneWay,
// SendDuplex) that aren't already running under the lock.
func (d *dispatcher) send(port *Port, hdr Header, payload []byte) error {
	port.ioMu.Lock()
	defer port.ioMu.Unlock()
	return d.writeLocked(port, hdr, payload)
}

// SendOneWay writes a one-way (seq=0) message to port.
func (d *dispatcher) SendOneWay(port *Port, code uint16, dst uint32, payload []byte) error {
	return d.send(port, Header{Code: code, Src: d.selfID, Dst: dst}, payload)
}

// SendDuplex writes a request and blocks until the matching IPC_RESP
// arrives, the port is torn down, or ctx is done (spec §4.4's duplex
// correlation).
func (d *dispatcher) SendDuplex(ctx context.Context, port *Port, code uint16, dst uint32, payload []byte) (int32, error) {
	seq := d.seq.allocate()
	req := port.AttachPending(seq)
	if err := d.send(port, Header{Code: code, Src: d.selfID, Dst: dst, Seq: seq}, payload); err != nil {
		port.DetachPending(seq)
		return 0, err
	}
	select {
	case res := <-req.done:
		return res.retval, res.err
	case <-ctx.Done():
		if got := port.DetachPending(seq); got != nil {
			return 0, ctx.Err()
		}
		// Lost the race with an arriving response; take its result.
		res := <-req.done
		return res.retval, res.err
	}
}
