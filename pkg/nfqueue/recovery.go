package nfqueue

import (
	"context"
	"errors"
	"time"

	"github.com/takehaya/nfqbridge/pkg/transport"
	"github.com/takehaya/nfqbridge/pkg/wire"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultOverflowWindow = 10 * time.Second
	DefaultMaxOverflows   = 3
)

// RecoveryConfig controls how repeated overflow is handled.
type RecoveryConfig struct {
	// More than MaxOverflows overflows within Window escalate.
	Window       time.Duration
	MaxOverflows int
	// EscalateFailOpen turns on the kernel fail-open flag when escalating,
	// so the kernel accepts packets instead of dropping them once the
	// queue is full.
	EscalateFailOpen bool
	// Backoff is how long the loop pauses after escalating. Zero means no
	// pause.
	Backoff time.Duration
}

func (c RecoveryConfig) withDefaults() RecoveryConfig {
	if c.Window <= 0 {
		c.Window = DefaultOverflowWindow
	}
	if c.MaxOverflows <= 0 {
		c.MaxOverflows = DefaultMaxOverflows
	}
	if c.Backoff < 0 {
		c.Backoff = 0
	}
	return c
}

// Recovery decides whether an overflow is isolated or part of a storm.
type Recovery struct {
	cfg     RecoveryConfig
	limiter *rate.Limiter
}

// NewRecovery returns a Recovery allowing cfg.MaxOverflows overflows per
// cfg.Window before escalating.
func NewRecovery(cfg RecoveryConfig) *Recovery {
	cfg = cfg.withDefaults()
	every := cfg.Window / time.Duration(cfg.MaxOverflows)
	return &Recovery{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(every), cfg.MaxOverflows),
	}
}

// Overflow records one overflow and reports whether it must escalate.
func (rc *Recovery) Overflow() bool {
	return !rc.limiter.Allow()
}

// recover resynchronises the queue after the kernel reported overflow.
// Verdicts already decided are flushed since their packets were received
// before the loss; everything still buffered in the socket is discarded
// without a verdict, because the kernel may have dropped packets in between
// and those buffered ids can no longer be trusted.
func (r *Runner) recover(ctx context.Context) error {
	r.setState(StateRecovering)

	if err := r.flush(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	discarded, err := r.drain()
	if err != nil {
		return err
	}

	r.epoch.Add(1)
	r.mu.Lock()
	if len(r.stolen) > 0 {
		r.log.Warn("invalidating stolen packets", zap.Int("count", len(r.stolen)))
		r.disp.abandon()
		// Releases already past the epoch check keep their own hold.
		r.disp.stolen.Add(-int64(len(r.stolen)))
		clear(r.stolen)
	}
	r.mu.Unlock()
	r.resync = true

	cfg := r.h.Config()
	escalate := r.rec.Overflow()
	if escalate && r.rec.cfg.EscalateFailOpen {
		cfg.FailOpen = true
	}

	r.h.discard = true
	err = r.h.Reconfigure(ctx, cfg)
	r.h.discard = false
	discarded += r.h.takeDiscarded()
	if discarded > 0 {
		r.disp.abandon()
	}

	r.obs.Overflow(r.h.queue, discarded)
	r.emit(Event{Kind: EventOverflow, Count: discarded, Detail: "receive buffer overflow, configuration re-asserted"})
	r.log.Warn("queue overflow", zap.Int("presumed_lost", discarded), zap.Bool("escalate", escalate))

	if err != nil {
		return err
	}

	if escalate {
		r.emit(Event{
			Kind:   EventEscalated,
			Detail: "repeated overflow",
			Count:  discarded,
		})
		r.log.Warn("repeated overflow, backing off",
			zap.Bool("fail_open", cfg.FailOpen),
			zap.Duration("backoff", r.rec.cfg.Backoff),
		)
		if r.rec.cfg.Backoff > 0 {
			t := time.NewTimer(r.rec.cfg.Backoff)
			select {
			case <-ctx.Done():
			case <-t.C:
			}
			t.Stop()
		}
	}

	r.setState(StateRunning)
	return nil
}

// drain empties the socket and counts the packet frames thrown away.
func (r *Runner) drain() (int, error) {
	discarded := 0
	for {
		n, err := r.h.tr.TryReceive(r.h.buf)
		switch {
		case err == nil:
		case errors.Is(err, transport.ErrWouldBlock):
			return discarded, nil
		case errors.Is(err, transport.ErrOverflow):
			continue
		default:
			return discarded, err
		}

		msgs, derr := wire.DecodeAll(r.h.buf[:n])
		if derr != nil {
			r.malformed(derr)
		}
		for i := range msgs {
			if msgs[i].Kind != wire.KindPacket {
				continue
			}
			discarded++
			p, err := wire.DecodePacket(&msgs[i])
			if err != nil {
				r.malformed(err)
				continue
			}
			r.track(p.ID)
		}
	}
}
