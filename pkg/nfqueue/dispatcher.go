package nfqueue

import (
	"context"
	"sync/atomic"

	"github.com/takehaya/nfqbridge/pkg/wire"
)

// Dispatcher encodes verdicts and sends them for one queue.
//
// A VERDICT_BATCH message answers every packet the kernel still holds with
// an id up to the given one. Coalescing is therefore only safe while no
// earlier packet is left unanswered in the kernel: a stolen packet not yet
// released, a packet whose verdict failed, or a packet discarded during
// recovery. Any of those turns coalescing off.
type Dispatcher struct {
	h *Handle

	stolen     atomic.Int64
	unanswered atomic.Bool
}

// NewDispatcher returns a dispatcher sending on h.
func NewDispatcher(h *Handle) *Dispatcher {
	return &Dispatcher{h: h}
}

// Issue sends one verdict.
func (d *Dispatcher) Issue(ctx context.Context, v Verdict) error {
	if err := d.issue(ctx, v); err != nil {
		d.unanswered.Store(true)
		return err
	}
	return nil
}

func (d *Dispatcher) issue(ctx context.Context, v Verdict) error {
	q := d.h.queue
	if v.Payload != nil && d.h.Config().CopyMode != CopyFull {
		return &DispatchError{Queue: q, ID: v.ID, Err: ErrPayloadNotAllowed}
	}
	if len(v.Payload) > wire.MaxPayloadLen {
		return &DispatchError{Queue: q, ID: v.ID, Err: ErrPayloadTooLarge}
	}
	wv, err := v.wire(q)
	if err != nil {
		return &DispatchError{Queue: q, ID: v.ID, Err: err}
	}
	b, err := wire.EncodeVerdict(d.h.nextSeq(), wv)
	if err != nil {
		return &DispatchError{Queue: q, ID: v.ID, Err: err}
	}
	if err := d.h.tr.Send(ctx, b); err != nil {
		return &DispatchError{Queue: q, ID: v.ID, Err: err}
	}
	return nil
}

// IssueBatch sends vs in order. When the queue has batching enabled, runs of
// consecutive ids sharing the same verdict and mark, without payload, go out
// as a single VERDICT_BATCH message; everything else is sent singly. On
// failure the returned *BatchError tells how many verdicts were delivered;
// the packets after that fall back to the kernel's handling.
func (d *Dispatcher) IssueBatch(ctx context.Context, vs []Verdict) error {
	coalesce := d.coalescing() && !wraps(vs)

	for i := 0; i < len(vs); {
		j := i
		if coalesce {
			for j+1 < len(vs) && joinable(vs[j], vs[j+1]) {
				j++
			}
		}

		var err error
		if j > i {
			err = d.issueRun(ctx, vs[j])
		} else {
			err = d.issue(ctx, vs[i])
		}
		if err != nil {
			d.unanswered.Store(true)
			return &BatchError{Delivered: i, Err: err}
		}
		i = j + 1
	}
	return nil
}

func (d *Dispatcher) issueRun(ctx context.Context, last Verdict) error {
	q := d.h.queue
	wv, err := last.wire(q)
	if err != nil {
		return &DispatchError{Queue: q, ID: last.ID, Err: err}
	}
	b, err := wire.EncodeVerdictBatch(d.h.nextSeq(), wv)
	if err != nil {
		return &DispatchError{Queue: q, ID: last.ID, Err: err}
	}
	if err := d.h.tr.Send(ctx, b); err != nil {
		return &DispatchError{Queue: q, ID: last.ID, Err: err}
	}
	return nil
}

func (d *Dispatcher) coalescing() bool {
	return d.h.Config().Batch && d.stolen.Load() == 0 && !d.unanswered.Load()
}

// hold and unhold track stolen packets still owned by the caller.
func (d *Dispatcher) hold()   { d.stolen.Add(1) }
func (d *Dispatcher) unhold() { d.stolen.Add(-1) }

// abandon records that the kernel holds packets that will never be
// answered.
func (d *Dispatcher) abandon() { d.unanswered.Store(true) }

func joinable(a, b Verdict) bool {
	return b.ID == a.ID+1 &&
		a.Kind == b.Kind &&
		a.Kind != Stolen &&
		a.MarkSet == b.MarkSet &&
		a.Mark == b.Mark &&
		a.Target == b.Target &&
		a.Bypass == b.Bypass &&
		a.Payload == nil && b.Payload == nil
}

func wraps(vs []Verdict) bool {
	for i := 1; i < len(vs); i++ {
		if vs[i].ID <= vs[i-1].ID {
			return true
		}
	}
	return false
}
