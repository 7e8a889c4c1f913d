package nfqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/takehaya/nfqbridge/pkg/wire"
)

// Transport is the datagram channel to the kernel. *transport.Socket
// implements it.
type Transport interface {
	Send(ctx context.Context, b []byte) error
	Receive(ctx context.Context, buf []byte) (int, error)
	TryReceive(buf []byte) (int, error)
	Close() error
}

// VerdictKind is the fate chosen for a packet.
type VerdictKind uint8

const (
	Accept VerdictKind = iota
	Drop
	// Repeat reinjects the packet at the start of the hook, usually
	// together with a new mark so the rule that queued it no longer matches.
	Repeat
	// Stolen means the caller keeps the packet and answers it later through
	// Runner.Release. Nothing is sent for it by the loop.
	Stolen
	// Requeue moves the packet to another queue.
	Requeue
)

func (k VerdictKind) String() string {
	switch k {
	case Accept:
		return "accept"
	case Drop:
		return "drop"
	case Repeat:
		return "repeat"
	case Stolen:
		return "stolen"
	case Requeue:
		return "requeue"
	default:
		return fmt.Sprintf("verdict(%d)", uint8(k))
	}
}

// Decision is what a DecideFunc returns for one packet.
type Decision struct {
	Kind VerdictKind

	// Mark replaces the packet mark when MarkSet is true.
	Mark    uint32
	MarkSet bool

	// Payload replaces the packet contents. Only valid with CopyFull.
	Payload []byte

	// Target and Bypass apply to Requeue.
	Target uint16
	Bypass bool
}

// WithMark returns d with the mark replaced by m.
func (d Decision) WithMark(m uint32) Decision {
	d.Mark = m
	d.MarkSet = true
	return d
}

// Verdict is a Decision bound to a packet id.
type Verdict struct {
	ID uint32
	Decision
}

func (v Verdict) wire(queue uint16) (wire.Verdict, error) {
	out := wire.Verdict{
		Queue:   queue,
		ID:      v.ID,
		Mark:    v.Mark,
		SetMark: v.MarkSet,
		Payload: v.Payload,
	}
	switch v.Kind {
	case Accept:
		out.Verdict = wire.NFAccept
	case Drop:
		out.Verdict = wire.NFDrop
	case Repeat:
		out.Verdict = wire.NFRepeat
	case Requeue:
		out.Verdict = wire.QueueVerdict(v.Target, v.Bypass)
	case Stolen:
		return out, ErrStolenVerdict
	default:
		return out, fmt.Errorf("unknown verdict kind %d", v.Kind)
	}
	return out, nil
}

// DecideFunc chooses the verdict for a packet. It runs synchronously on the
// queue's loop and must not retain p or its payload after returning.
type DecideFunc func(p *wire.Packet) Decision

// State is the lifecycle state of a queue runner.
type State int32

const (
	StateIdle State = iota
	StateBound
	StateRunning
	StateRecovering
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBound:
		return "bound"
	case StateRunning:
		return "running"
	case StateRecovering:
		return "recovering"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// EventKind names a queue lifecycle event.
type EventKind string

const (
	EventBound         EventKind = "bound"
	EventOverflow      EventKind = "overflow"
	EventFatal         EventKind = "fatal_error"
	EventMalformed     EventKind = "malformed_message"
	EventDispatchError EventKind = "dispatch_error"
	EventEscalated     EventKind = "escalated"
	EventClosed        EventKind = "closed"
)

// Event is a structured notification about one queue.
type Event struct {
	Queue  uint16
	Kind   EventKind
	Detail string
	// Count carries the number of packets concerned: presumed lost packets
	// for overflow, delivered verdicts for a failed batch.
	Count int
	Err   error
}

// EventSink receives queue events. It is called from the queue's loop.
type EventSink interface {
	Event(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

func (f EventSinkFunc) Event(e Event) { f(e) }

// Observer receives per-queue measurements.
type Observer interface {
	PacketReceived(queue uint16)
	VerdictIssued(queue uint16, kind VerdictKind)
	DecisionLatency(queue uint16, d time.Duration)
	Malformed(queue uint16)
	Overflow(queue uint16, presumedLost int)
	PacketsLost(queue uint16, n uint32)
	DispatchFailed(queue uint16)
	StateChanged(queue uint16, s State)
}

type nopObserver struct{}

func (nopObserver) PacketReceived(uint16)                 {}
func (nopObserver) VerdictIssued(uint16, VerdictKind)     {}
func (nopObserver) DecisionLatency(uint16, time.Duration) {}
func (nopObserver) Malformed(uint16)                      {}
func (nopObserver) Overflow(uint16, int)                  {}
func (nopObserver) PacketsLost(uint16, uint32)            {}
func (nopObserver) DispatchFailed(uint16)                 {}
func (nopObserver) StateChanged(uint16, State)            {}

type nopSink struct{}

func (nopSink) Event(Event) {}
