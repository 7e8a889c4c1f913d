package nfqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/takehaya/nfqbridge/pkg/transport"
	"github.com/takehaya/nfqbridge/pkg/wire"
	"go.uber.org/zap"
)

// RunnerOptions wires a runner to its collaborators. Nil fields get no-op
// implementations.
type RunnerOptions struct {
	Logger   *zap.Logger
	Events   EventSink
	Observer Observer
	Recovery RecoveryConfig
}

// Runner is the receive loop of one bound queue. Every decoded packet is
// handed to the decision function and answered before the next receive
// cycle, in delivery order.
type Runner struct {
	h      *Handle
	decide DecideFunc
	disp   *Dispatcher
	rec    *Recovery

	log  *zap.Logger
	sink EventSink
	obs  Observer

	state atomic.Int32

	// Loop confined.
	pending  []Verdict
	lastID   uint32
	haveLast bool
	resync   bool

	// Stolen packets, keyed by id, valued by the epoch they were taken in.
	mu     sync.Mutex
	stolen map[uint32]uint64
	epoch  atomic.Uint64
}

// NewRunner prepares a runner for h. The handle must come from Bind.
func NewRunner(h *Handle, decide DecideFunc, opts RunnerOptions) *Runner {
	r := &Runner{
		h:      h,
		decide: decide,
		disp:   NewDispatcher(h),
		rec:    NewRecovery(opts.Recovery),
		log:    opts.Logger,
		sink:   opts.Events,
		obs:    opts.Observer,
		stolen: make(map[uint32]uint64),
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	r.log = r.log.With(zap.Uint16("queue", h.queue))
	if r.sink == nil {
		r.sink = nopSink{}
	}
	if r.obs == nil {
		r.obs = nopObserver{}
	}
	if h.bound {
		r.state.Store(int32(StateBound))
	}
	return r
}

// Queue returns the queue number.
func (r *Runner) Queue() uint16 { return r.h.queue }

// State returns the current lifecycle state. Safe for concurrent use.
func (r *Runner) State() State { return State(r.state.Load()) }

// Epoch returns the recovery epoch. It increases on every overflow.
func (r *Runner) Epoch() uint64 { return r.epoch.Load() }

// Dispatcher returns the runner's verdict dispatcher.
func (r *Runner) Dispatcher() *Dispatcher { return r.disp }

func (r *Runner) setState(s State) {
	r.state.Store(int32(s))
	r.obs.StateChanged(r.h.queue, s)
}

func (r *Runner) emit(e Event) {
	e.Queue = r.h.queue
	r.sink.Event(e)
}

// Run drives the loop until ctx is cancelled or the channel fails. On
// cancellation the runner flushes outstanding verdicts, unbinds, closes the
// transport and returns nil. A dead channel returns *FatalError.
func (r *Runner) Run(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateBound), int32(StateRunning)) {
		return fmt.Errorf("queue %d in state %s: %w", r.h.queue, r.State(), ErrNotBound)
	}
	r.obs.StateChanged(r.h.queue, StateRunning)
	cfg := r.h.Config()
	r.emit(Event{Kind: EventBound, Detail: fmt.Sprintf("copy=%s maxlen=%d batch=%v", cfg.CopyMode, cfg.MaxLen, cfg.Batch)})

	// Verdicts go out on a context that outlives cancellation, so a decision
	// in progress at shutdown is still answered.
	sendCtx := context.WithoutCancel(ctx)

	r.handshakeOverflow()
	for _, frame := range r.h.takeBacklog() {
		if err := r.process(sendCtx, frame); err != nil {
			return r.fail(err)
		}
	}
	if err := r.flush(sendCtx); err != nil {
		return r.fail(err)
	}

	for {
		if ctx.Err() != nil {
			return r.shutdown(sendCtx)
		}
		r.handshakeOverflow()

		n, err := r.h.tr.Receive(ctx, r.h.buf)
		if err != nil {
			if done, rerr := r.handleReceiveError(ctx, err); done {
				return rerr
			}
			continue
		}
		if err := r.process(sendCtx, r.h.buf[:n]); err != nil {
			return r.fail(err)
		}

		if r.h.Config().Batch {
			if done, rerr := r.drainBatch(ctx, sendCtx); done {
				return rerr
			}
		}
		if err := r.flush(sendCtx); err != nil {
			return r.fail(err)
		}
	}
}

// drainBatch reads the datagrams already queued on the socket, up to the
// batch size, without blocking.
func (r *Runner) drainBatch(ctx, sendCtx context.Context) (bool, error) {
	for i := 1; i < r.h.Config().BatchSize; i++ {
		n, err := r.h.tr.TryReceive(r.h.buf)
		if errors.Is(err, transport.ErrWouldBlock) {
			return false, nil
		}
		if err != nil {
			return r.handleReceiveError(ctx, err)
		}
		if err := r.process(sendCtx, r.h.buf[:n]); err != nil {
			return true, r.fail(err)
		}
	}
	return false, nil
}

// handleReceiveError returns done=true with Run's result when the loop must
// stop.
func (r *Runner) handleReceiveError(ctx context.Context, err error) (bool, error) {
	switch {
	case ctx.Err() != nil:
		return true, r.shutdown(context.WithoutCancel(ctx))
	case errors.Is(err, transport.ErrWouldBlock):
		return false, nil
	case errors.Is(err, transport.ErrOverflow):
		if rerr := r.recover(ctx); rerr != nil {
			if ctx.Err() != nil {
				return true, r.shutdown(context.WithoutCancel(ctx))
			}
			return true, r.fail(rerr)
		}
		return false, nil
	default:
		return true, r.fail(err)
	}
}

// process handles every frame of one datagram.
func (r *Runner) process(ctx context.Context, b []byte) error {
	for off := 0; off < len(b); {
		m, adv, err := wire.Decode(b[off:])
		if err != nil {
			r.malformed(err)
			if adv == 0 {
				return nil
			}
			off += adv
			continue
		}
		off += adv

		switch m.Kind {
		case wire.KindPacket:
			if err := r.handlePacket(ctx, &m); err != nil {
				return err
			}
		case wire.KindError:
			// Verdicts are not acknowledged; the kernel only reports
			// failures, e.g. ENOENT for an id it no longer holds.
			errno := syscall.Errno(m.Errno)
			r.obs.DispatchFailed(r.h.queue)
			r.emit(Event{Kind: EventDispatchError, Detail: fmt.Sprintf("kernel rejected request seq %d", m.Header.Sequence), Err: errno})
			r.log.Warn("kernel rejected request", zap.Uint32("seq", m.Header.Sequence), zap.Error(errno))
		case wire.KindAck, wire.KindDone:
		default:
			r.log.Debug("ignoring message", zap.Stringer("kind", m.Kind), zap.Uint16("type", uint16(m.Header.Type)))
		}
	}
	return nil
}

// handshakeOverflow reports overflow the handle saw while a configuration
// command waited for its ack. Packets were lost there without a count.
func (r *Runner) handshakeOverflow() {
	n := r.h.takeOverflows()
	if n == 0 {
		return
	}
	r.disp.abandon()
	for i := 0; i < n; i++ {
		r.obs.Overflow(r.h.queue, 0)
	}
	r.emit(Event{Kind: EventOverflow, Detail: fmt.Sprintf("%d overflow(s) while awaiting configuration ack", n)})
	r.log.Warn("queue overflow during configuration", zap.Int("overflows", n))
}

func (r *Runner) malformed(err error) {
	r.obs.Malformed(r.h.queue)
	// The kernel may hold a packet behind this frame that will never be
	// answered.
	r.disp.abandon()
	r.emit(Event{Kind: EventMalformed, Detail: "message discarded", Err: err})
	r.log.Warn("malformed message", zap.Error(err))
}

func (r *Runner) handlePacket(ctx context.Context, m *wire.Message) error {
	p, err := wire.DecodePacket(m)
	if err != nil {
		r.malformed(err)
		return nil
	}
	r.obs.PacketReceived(r.h.queue)
	r.track(p.ID)

	start := time.Now()
	d := r.decide(p)
	r.obs.DecisionLatency(r.h.queue, time.Since(start))

	v := Verdict{ID: p.ID, Decision: d}
	switch {
	case d.Kind == Stolen:
		r.steal(p.ID)
		r.obs.VerdictIssued(r.h.queue, Stolen)
		return nil
	case r.h.Config().Batch && d.Payload == nil:
		r.pending = append(r.pending, v)
		return nil
	case r.h.Config().Batch:
		// The payload may alias the receive buffer, which the next read
		// overwrites; answer now, after everything decided before it.
		if err := r.flush(ctx); err != nil {
			return err
		}
	}
	return r.dispatch(ctx, v)
}

// track follows kernel id sequencing. The kernel consumes an id for every
// packet it tried to deliver, so a gap is packets lost to overflow.
func (r *Runner) track(id uint32) {
	if r.haveLast {
		expected := r.lastID + 1
		if gap := id - expected; gap != 0 && gap < 1<<31 {
			r.obs.PacketsLost(r.h.queue, gap)
			r.log.Warn("packet ids skipped",
				zap.Uint32("expected", expected),
				zap.Uint32("got", id),
				zap.Uint32("lost", gap),
				zap.Bool("after_recovery", r.resync),
			)
		}
	}
	r.lastID = id
	r.haveLast = true
	r.resync = false
}

func (r *Runner) dispatch(ctx context.Context, v Verdict) error {
	err := r.disp.Issue(ctx, v)
	if err == nil {
		r.obs.VerdictIssued(r.h.queue, v.Kind)
		return nil
	}
	return r.dispatchFailed(err, 0)
}

func (r *Runner) flush(ctx context.Context) error {
	if len(r.pending) == 0 {
		return nil
	}
	vs := r.pending
	r.pending = r.pending[:0]

	err := r.disp.IssueBatch(ctx, vs)
	delivered := len(vs)
	var be *BatchError
	if errors.As(err, &be) {
		delivered = be.Delivered
	}
	for _, v := range vs[:delivered] {
		r.obs.VerdictIssued(r.h.queue, v.Kind)
	}
	if err == nil {
		return nil
	}
	return r.dispatchFailed(err, delivered)
}

// dispatchFailed reports a failed send. Only a dead channel stops the loop.
func (r *Runner) dispatchFailed(err error, delivered int) error {
	r.obs.DispatchFailed(r.h.queue)
	r.emit(Event{Kind: EventDispatchError, Detail: "verdict not delivered, kernel default applies", Count: delivered, Err: err})
	r.log.Warn("fail to issue verdict", zap.Int("delivered", delivered), zap.Error(err))
	var oe *transport.OpError
	if errors.As(err, &oe) && oe.Fatal() {
		return err
	}
	return nil
}

func (r *Runner) steal(id uint32) {
	r.mu.Lock()
	r.stolen[id] = r.epoch.Load()
	r.mu.Unlock()
	r.disp.hold()
}

// Release answers a packet previously decided as Stolen. It may be called
// from any goroutine. Ids taken before the latest overflow are rejected
// with ErrStaleID.
func (r *Runner) Release(ctx context.Context, v Verdict) error {
	if v.Kind == Stolen {
		return &DispatchError{Queue: r.h.queue, ID: v.ID, Err: ErrStolenVerdict}
	}
	r.mu.Lock()
	epoch, ok := r.stolen[v.ID]
	if !ok || epoch != r.epoch.Load() {
		r.mu.Unlock()
		return &DispatchError{Queue: r.h.queue, ID: v.ID, Err: ErrStaleID}
	}
	delete(r.stolen, v.ID)
	r.mu.Unlock()

	// The hold stays until the verdict is on the wire, otherwise the loop
	// could coalesce a batch covering v.ID first. A failed Issue leaves the
	// id marked unanswered, which keeps coalescing off.
	err := r.disp.Issue(ctx, v)
	r.disp.unhold()
	if err != nil {
		r.obs.DispatchFailed(r.h.queue)
		return err
	}
	r.obs.VerdictIssued(r.h.queue, v.Kind)
	return nil
}

func (r *Runner) shutdown(ctx context.Context) error {
	r.setState(StateDraining)
	if err := r.flush(ctx); err != nil {
		r.log.Warn("fail to flush verdicts on shutdown", zap.Error(err))
	}

	cctx, cancel := context.WithTimeout(ctx, r.h.Config().AckTimeout)
	defer cancel()
	if err := r.h.Close(cctx); err != nil {
		r.log.Warn("fail to close queue cleanly", zap.Error(err))
	}

	r.setState(StateClosed)
	r.emit(Event{Kind: EventClosed, Detail: "shutdown"})
	r.log.Info("queue closed")
	return nil
}

func (r *Runner) fail(err error) error {
	if cerr := r.h.tr.Close(); cerr != nil {
		r.log.Debug("fail to close transport", zap.Error(cerr))
	}
	r.setState(StateClosed)
	r.emit(Event{Kind: EventFatal, Detail: "queue channel lost", Err: err})
	r.log.Error("queue failed", zap.Error(err))
	return &FatalError{Queue: r.h.queue, Err: err}
}
