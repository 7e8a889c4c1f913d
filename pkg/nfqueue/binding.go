package nfqueue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/takehaya/nfqbridge/pkg/transport"
	"github.com/takehaya/nfqbridge/pkg/wire"
	"go.uber.org/zap"
)

const (
	DefaultAckTimeout = 2 * time.Second
	DefaultBatchSize  = 64
	DefaultMaxLen     = 1024
)

// CopyMode selects how much of each packet the kernel copies to userspace.
type CopyMode uint8

const (
	// CopyMeta delivers metadata only.
	CopyMeta CopyMode = iota
	// CopyRange delivers the first CopyRange bytes of each packet.
	CopyRange
	// CopyFull delivers whole packets (up to 64KiB).
	CopyFull
)

func (m CopyMode) String() string {
	switch m {
	case CopyMeta:
		return "meta"
	case CopyRange:
		return "range"
	case CopyFull:
		return "full"
	default:
		return fmt.Sprintf("copy(%d)", uint8(m))
	}
}

// Config is the kernel side configuration of one queue.
type Config struct {
	CopyMode  CopyMode
	CopyRange uint32
	MaxLen    uint32

	FailOpen  bool
	Conntrack bool
	GSO       bool
	UIDGID    bool

	// Batch lets the dispatcher coalesce consecutive verdicts and the loop
	// read up to BatchSize datagrams per cycle.
	Batch     bool
	BatchSize int

	AckTimeout time.Duration
}

// Validate checks c for values the kernel would reject.
func (c Config) Validate() error {
	switch c.CopyMode {
	case CopyMeta, CopyFull:
	case CopyRange:
		if c.CopyRange == 0 || c.CopyRange > wire.MaxCopyRange {
			return fmt.Errorf("copy range %d out of range 1-%d", c.CopyRange, wire.MaxCopyRange)
		}
	default:
		return fmt.Errorf("unknown copy mode %d", c.CopyMode)
	}
	if c.BatchSize < 0 {
		return fmt.Errorf("negative batch size %d", c.BatchSize)
	}
	if c.AckTimeout < 0 {
		return fmt.Errorf("negative ack timeout %s", c.AckTimeout)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.AckTimeout == 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxLen == 0 {
		c.MaxLen = DefaultMaxLen
	}
	return c
}

func (c Config) params() (mode uint8, copyRange uint32) {
	switch c.CopyMode {
	case CopyRange:
		return wire.CopyPacket, c.CopyRange
	case CopyFull:
		return wire.CopyPacket, wire.MaxCopyRange
	default:
		return wire.CopyMeta, 0
	}
}

// flagMask covers every flag the binding manages, so disabling one clears
// it in the kernel too.
const flagMask = wire.FlagFailOpen | wire.FlagConntrack | wire.FlagGSO | wire.FlagUIDGID

func (c Config) flags() uint32 {
	var f uint32
	if c.FailOpen {
		f |= wire.FlagFailOpen
	}
	if c.Conntrack {
		f |= wire.FlagConntrack
	}
	if c.GSO {
		f |= wire.FlagGSO
	}
	if c.UIDGID {
		f |= wire.FlagUIDGID
	}
	return f
}

// BufferSize is the receive buffer a runner needs for c.
func (c Config) BufferSize() int {
	_, r := c.params()
	return transport.BufferSize(r, c.GSO)
}

// Handle is one bound queue. It is owned by a single runner; only the
// sequence counter is shared with concurrent Release calls.
type Handle struct {
	queue uint16
	tr    Transport
	cfg   atomic.Pointer[Config]
	log   *zap.Logger

	seq atomic.Uint32
	buf []byte

	// Packet frames that arrive while waiting for an ack are kept for the
	// runner, or counted and dropped while discard is set.
	backlog   [][]byte
	discard   bool
	discarded int
	// overflows counts ENOBUFS seen while waiting for an ack. Reconfigure
	// may run on another goroutine than the runner that collects it.
	overflows atomic.Int32

	bound bool
}

// Bind attaches tr to queue and applies cfg. Each command waits for its
// acknowledgement before the next is sent. On failure nothing is left bound.
func Bind(ctx context.Context, tr Transport, queue uint16, cfg Config, logger *zap.Logger) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigError{Queue: queue, Command: "validate", Err: err}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	h := &Handle{
		queue: queue,
		tr:    tr,
		log:   logger.With(zap.Uint16("queue", queue)),
		buf:   make([]byte, cfg.BufferSize()),
	}
	h.cfg.Store(&cfg)
	h.seq.Store(uint32(time.Now().Unix()))

	if err := h.command(ctx, "bind", func(seq uint32) ([]byte, error) {
		return wire.EncodeConfigCmd(seq, queue, wire.CmdBind, 0)
	}); err != nil {
		return nil, err
	}
	h.bound = true

	if err := h.apply(ctx, cfg); err != nil {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.AckTimeout)
		defer cancel()
		if uerr := h.Unbind(uctx); uerr != nil {
			h.log.Warn("fail to unbind after configuration error", zap.Error(uerr))
		}
		return nil, err
	}

	mode, r := cfg.params()
	h.log.Info("queue bound",
		zap.Stringer("copy_mode", cfg.CopyMode),
		zap.Uint8("kernel_copy_mode", mode),
		zap.Uint32("copy_range", r),
		zap.Uint32("max_len", cfg.MaxLen),
		zap.Uint32("flags", cfg.flags()),
		zap.Bool("batch", cfg.Batch),
		zap.Int("backlog", len(h.backlog)),
	)
	return h, nil
}

// Queue returns the queue number.
func (h *Handle) Queue() uint16 { return h.queue }

// Config returns the configuration last acknowledged by the kernel.
func (h *Handle) Config() Config { return *h.cfg.Load() }

// Reconfigure re-asserts copy mode, queue length and flags. It must not be
// called while a runner is receiving on the handle.
func (h *Handle) Reconfigure(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return &ConfigError{Queue: h.queue, Command: "validate", Err: err}
	}
	cfg = cfg.withDefaults()
	if err := h.apply(ctx, cfg); err != nil {
		return err
	}
	if need := cfg.BufferSize(); need > len(h.buf) {
		h.buf = make([]byte, need)
	}
	return nil
}

func (h *Handle) apply(ctx context.Context, cfg Config) error {
	mode, r := cfg.params()
	if err := h.command(ctx, "params", func(seq uint32) ([]byte, error) {
		return wire.EncodeConfigParams(seq, h.queue, mode, r)
	}); err != nil {
		return err
	}
	if err := h.command(ctx, "maxlen", func(seq uint32) ([]byte, error) {
		return wire.EncodeConfigMaxLen(seq, h.queue, cfg.MaxLen)
	}); err != nil {
		return err
	}
	if err := h.command(ctx, "flags", func(seq uint32) ([]byte, error) {
		return wire.EncodeConfigFlags(seq, h.queue, cfg.flags(), flagMask)
	}); err != nil {
		return err
	}
	h.cfg.Store(&cfg)
	return nil
}

// Unbind detaches the queue. Packets still held by the kernel are dropped,
// or accepted when fail-open applies.
func (h *Handle) Unbind(ctx context.Context) error {
	if !h.bound {
		return nil
	}
	h.bound = false
	return h.command(ctx, "unbind", func(seq uint32) ([]byte, error) {
		return wire.EncodeConfigCmd(seq, h.queue, wire.CmdUnbind, 0)
	})
}

// Close unbinds (best effort) and closes the transport.
func (h *Handle) Close(ctx context.Context) error {
	uerr := h.Unbind(ctx)
	if err := h.tr.Close(); err != nil {
		return fmt.Errorf("fail to close queue %d transport: %w", h.queue, err)
	}
	return uerr
}

func (h *Handle) nextSeq() uint32 {
	return h.seq.Add(1)
}

func (h *Handle) takeBacklog() [][]byte {
	b := h.backlog
	h.backlog = nil
	return b
}

func (h *Handle) takeDiscarded() int {
	n := h.discarded
	h.discarded = 0
	return n
}

func (h *Handle) takeOverflows() int {
	return int(h.overflows.Swap(0))
}

func (h *Handle) command(ctx context.Context, name string, build func(seq uint32) ([]byte, error)) error {
	seq := h.nextSeq()
	b, err := build(seq)
	if err != nil {
		return &ConfigError{Queue: h.queue, Command: name, Err: err}
	}
	if err := h.tr.Send(ctx, b); err != nil {
		return &ConfigError{Queue: h.queue, Command: name, Err: err}
	}
	return h.awaitAck(ctx, name, seq)
}

func (h *Handle) awaitAck(ctx context.Context, name string, seq uint32) error {
	actx, cancel := context.WithTimeout(ctx, h.Config().AckTimeout)
	defer cancel()

	for {
		n, err := h.tr.Receive(actx, h.buf)
		if err != nil {
			switch {
			case errors.Is(err, transport.ErrOverflow):
				// The ack itself may have been lost; the deadline decides.
				h.overflows.Add(1)
				h.log.Warn("overflow while awaiting ack", zap.String("command", name))
				continue
			case errors.Is(err, transport.ErrWouldBlock):
				continue
			case ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
				return &ConfigError{Queue: h.queue, Command: name, Err: ErrAckTimeout}
			default:
				return &ConfigError{Queue: h.queue, Command: name, Err: err}
			}
		}

		done, err := h.scan(h.buf[:n], name, seq)
		if done {
			return err
		}
	}
}

// scan looks for the answer to seq in one datagram, keeping packet frames
// aside. done reports whether the answer was found.
func (h *Handle) scan(b []byte, name string, seq uint32) (done bool, err error) {
	for off := 0; off < len(b); {
		m, adv, derr := wire.Decode(b[off:])
		if derr != nil {
			h.log.Debug("skipping malformed frame while awaiting ack", zap.Error(derr))
			if adv == 0 {
				return false, nil
			}
			off += adv
			continue
		}
		off += adv

		switch m.Kind {
		case wire.KindAck:
			if m.Header.Sequence == seq {
				done = true
			}
		case wire.KindError:
			if m.Header.Sequence == seq {
				done = true
				err = &ConfigError{Queue: h.queue, Command: name, Errno: syscall.Errno(m.Errno)}
				continue
			}
			h.log.Debug("kernel error for earlier request",
				zap.Uint32("seq", m.Header.Sequence),
				zap.Error(syscall.Errno(m.Errno)),
			)
		case wire.KindPacket:
			if h.discard {
				h.discarded++
				continue
			}
			h.backlog = append(h.backlog, append([]byte(nil), m.Raw...))
		}
	}
	return done, err
}
