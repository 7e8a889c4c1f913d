package nfqueue

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"github.com/takehaya/nfqbridge/pkg/transport"
	"github.com/takehaya/nfqbridge/pkg/wire"
)

// ========== Fake Transport ==========

// step is one scripted receive result. A step carrying ErrWouldBlock ends a
// TryReceive drain and is skipped by Receive.
type step struct {
	data []byte
	err  error
}

// fakeTransport acknowledges configuration commands like the kernel does and
// records every frame sent.
type fakeTransport struct {
	mu    sync.Mutex
	inbox []step
	sent  [][]byte

	// reject answers config messages carrying the attribute with an errno.
	reject map[uint16]syscall.Errno
	noAck  bool
	// beforeAck frames are delivered ahead of the next ack.
	beforeAck [][]byte
	// overflowBeforeAck precedes that many upcoming acks with ENOBUFS.
	overflowBeforeAck int

	sendErr   error
	failAfter int
	// beforeSend runs outside the lock ahead of every send and may block.
	beforeSend func(b []byte)

	closed bool
	wake   chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		reject: make(map[uint16]syscall.Errno),
		wake:   make(chan struct{}, 1),
	}
}

func (f *fakeTransport) push(steps ...step) {
	f.mu.Lock()
	f.inbox = append(f.inbox, steps...)
	f.mu.Unlock()
	f.notify()
}

func (f *fakeTransport) notify() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// failSends makes every send after the next n fail with err.
func (f *fakeTransport) failSends(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAfter = len(f.sent) + n
	f.sendErr = err
}

func (f *fakeTransport) Send(_ context.Context, b []byte) error {
	if f.beforeSend != nil {
		f.beforeSend(b)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return &transport.OpError{Op: "send", Kind: transport.KindClosed, Err: transport.ErrClosed}
	}
	if f.sendErr != nil && len(f.sent) >= f.failAfter {
		return f.sendErr
	}
	f.sent = append(f.sent, append([]byte(nil), b...))

	m, _, err := wire.Decode(b)
	if err != nil {
		return err
	}
	if m.Kind != wire.KindConfig || m.Header.Flags&netlink.Acknowledge == 0 || f.noAck {
		return nil
	}
	var code int32
	for typ, errno := range f.reject {
		if m.Attrs.Has(typ) {
			code = -int32(errno)
		}
	}
	front := make([]step, 0, len(f.beforeAck)+2)
	if f.overflowBeforeAck > 0 {
		f.overflowBeforeAck--
		front = append(front, step{err: transport.ErrOverflow})
	}
	for _, frame := range f.beforeAck {
		front = append(front, step{data: frame})
	}
	f.beforeAck = nil
	front = append(front, step{data: ackFrame(m.Header.Sequence, code)})
	f.inbox = append(front, f.inbox...)
	f.notify()
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context, buf []byte) (int, error) {
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return 0, &transport.OpError{Op: "receive", Kind: transport.KindClosed, Err: transport.ErrClosed}
		}
		for len(f.inbox) > 0 {
			s := f.inbox[0]
			f.inbox = f.inbox[1:]
			if errors.Is(s.err, transport.ErrWouldBlock) {
				continue
			}
			f.mu.Unlock()
			if s.err != nil {
				return 0, s.err
			}
			return copy(buf, s.data), nil
		}
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-f.wake:
		}
	}
}

func (f *fakeTransport) TryReceive(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, &transport.OpError{Op: "receive", Kind: transport.KindClosed, Err: transport.ErrClosed}
	}
	if len(f.inbox) == 0 {
		return 0, transport.ErrWouldBlock
	}
	s := f.inbox[0]
	f.inbox = f.inbox[1:]
	if s.err != nil {
		return 0, s.err
	}
	return copy(buf, s.data), nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.notify()
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// ========== Sent Frame Inspection ==========

type sentFrame struct {
	op      string
	id      uint32
	verdict uint32
	mark    uint32
	hasMark bool
	payload []byte

	mode      uint8
	copyRange uint32
	maxLen    uint32
	flags     uint32
	mask      uint32
}

func (s sentFrame) String() string {
	switch s.op {
	case "verdict", "batch":
		out := fmt.Sprintf("%s:%d:%s", s.op, s.id, verdictName(s.verdict))
		if s.hasMark {
			out += fmt.Sprintf(":mark=%d", s.mark)
		}
		return out
	default:
		return s.op
	}
}

func verdictName(v uint32) string {
	switch v & 0xffff {
	case wire.NFAccept:
		return "accept"
	case wire.NFDrop:
		return "drop"
	case wire.NFRepeat:
		return "repeat"
	case wire.NFQueue:
		return fmt.Sprintf("queue(%d)", v>>16)
	default:
		return fmt.Sprintf("%d", v)
	}
}

func (f *fakeTransport) frames(t *testing.T) []sentFrame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]sentFrame, 0, len(f.sent))
	for _, b := range f.sent {
		m, _, err := wire.Decode(b)
		if err != nil {
			t.Fatalf("sent frame does not decode: %v", err)
		}
		var s sentFrame
		switch m.Kind {
		case wire.KindVerdict, wire.KindVerdictBatch:
			s.op = "verdict"
			if m.Kind == wire.KindVerdictBatch {
				s.op = "batch"
			}
			hdr, _ := m.Attrs.Get(wire.AttrVerdictHdr)
			s.verdict = binary.BigEndian.Uint32(hdr[0:4])
			s.id = binary.BigEndian.Uint32(hdr[4:8])
			if v, ok := m.Attrs.Get(wire.AttrMark); ok {
				s.mark, s.hasMark = binary.BigEndian.Uint32(v), true
			}
			s.payload, _ = m.Attrs.Get(wire.AttrPayload)
			s.payload = append([]byte(nil), s.payload...)
		case wire.KindConfig:
			switch {
			case m.Attrs.Has(wire.CfgAttrCmd):
				v, _ := m.Attrs.Get(wire.CfgAttrCmd)
				switch v[0] {
				case wire.CmdBind:
					s.op = "bind"
				case wire.CmdUnbind:
					s.op = "unbind"
				default:
					s.op = fmt.Sprintf("cmd(%d)", v[0])
				}
			case m.Attrs.Has(wire.CfgAttrParams):
				v, _ := m.Attrs.Get(wire.CfgAttrParams)
				s.op = "params"
				s.copyRange = binary.BigEndian.Uint32(v[0:4])
				s.mode = v[4]
			case m.Attrs.Has(wire.CfgAttrQueueMaxLen):
				v, _ := m.Attrs.Get(wire.CfgAttrQueueMaxLen)
				s.op = "maxlen"
				s.maxLen = binary.BigEndian.Uint32(v)
			case m.Attrs.Has(wire.CfgAttrFlags):
				fl, _ := m.Attrs.Get(wire.CfgAttrFlags)
				mask, _ := m.Attrs.Get(wire.CfgAttrMask)
				s.op = "flags"
				s.flags = binary.BigEndian.Uint32(fl)
				s.mask = binary.BigEndian.Uint32(mask)
			}
		default:
			s.op = m.Kind.String()
		}
		out = append(out, s)
	}
	return out
}

func (f *fakeTransport) log(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, s := range f.frames(t) {
		out = append(out, s.String())
	}
	return out
}

// ========== Frame Builders ==========

// verdictID returns the packet id of a single verdict frame.
func verdictID(b []byte) (uint32, bool) {
	m, _, err := wire.Decode(b)
	if err != nil || m.Kind != wire.KindVerdict {
		return 0, false
	}
	hdr, ok := m.Attrs.Get(wire.AttrVerdictHdr)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint32(hdr[4:8]), true
}

func ipv4Payload() []byte {
	return []byte{
		0x45, 0x00, 0x00, 0x14, 0x00, 0x01, 0x00, 0x00, 0x40, 0x06,
		0x00, 0x00, 0x0a, 0x00, 0x00, 0x01, 0x0a, 0x00, 0x00, 0x02,
	}
}

func packetFrame(t *testing.T, queue uint16, id uint32, payload []byte) []byte {
	t.Helper()
	hdr := make([]byte, 7)
	binary.BigEndian.PutUint32(hdr[0:4], id)
	binary.BigEndian.PutUint16(hdr[4:6], 0x0800)
	hdr[6] = 1
	inDev := make([]byte, 4)
	binary.BigEndian.PutUint32(inDev, 2)

	attrs := []wire.Attr{
		{Type: wire.AttrPacketHdr, Data: hdr},
		{Type: wire.AttrIfIndexInDev, Data: inDev},
	}
	if payload != nil {
		attrs = append(attrs, wire.Attr{Type: wire.AttrPayload, Data: payload})
	}
	b, err := wire.EncodeMessage(wire.MsgPacket, 0, 0, queue, attrs)
	if err != nil {
		t.Fatalf("Failed to encode packet frame: %v", err)
	}
	return b
}

func ackFrame(seq uint32, code int32) []byte {
	b := make([]byte, 16+4+16)
	nlenc.PutUint32(b[0:4], uint32(len(b)))
	nlenc.PutUint16(b[4:6], uint16(netlink.Error))
	nlenc.PutUint32(b[8:12], seq)
	nlenc.PutInt32(b[16:20], code)
	return b
}

// ========== Recorders ==========

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Event(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) byKind(k EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

type lossRecorder struct {
	nopObserver
	mu     sync.Mutex
	lost   uint32
	states []State
}

func (o *lossRecorder) PacketsLost(_ uint16, n uint32) {
	o.mu.Lock()
	o.lost += n
	o.mu.Unlock()
}

func (o *lossRecorder) StateChanged(_ uint16, s State) {
	o.mu.Lock()
	o.states = append(o.states, s)
	o.mu.Unlock()
}

func testConfig() Config {
	return Config{
		CopyMode:   CopyFull,
		MaxLen:     1024,
		AckTimeout: time.Second,
	}
}

func bindFake(t *testing.T, f *fakeTransport, cfg Config) *Handle {
	t.Helper()
	h, err := Bind(context.Background(), f, 0, cfg, nil)
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	return h
}
