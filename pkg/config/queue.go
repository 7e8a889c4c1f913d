package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/takehaya/nfqbridge/pkg/nfqueue"
)

type QueueConfig struct {
	Number    uint16 `yaml:"number"`
	CopyMode  string `yaml:"copy_mode,omitempty" default:"full"` // meta, range or full
	CopyRange uint32 `yaml:"copy_range,omitempty"`
	MaxLen    uint32 `yaml:"max_len,omitempty" default:"1024"`

	FailOpen  bool `yaml:"fail_open,omitempty"`
	Conntrack bool `yaml:"conntrack,omitempty"`
	GSO       bool `yaml:"gso,omitempty"`
	UIDGID    bool `yaml:"uid_gid,omitempty"`

	Batch     bool `yaml:"batch,omitempty"`
	BatchSize int  `yaml:"batch_size,omitempty" default:"64"`

	AckTimeout time.Duration `yaml:"ack_timeout,omitempty" default:"2s"`
	// ReceiveBuffer is the kernel socket buffer in bytes. Zero sizes it for
	// MaxLen packets.
	ReceiveBuffer int `yaml:"receive_buffer,omitempty"`

	Recovery RecoveryConfig `yaml:"recovery,omitempty"`
}

type RecoveryConfig struct {
	Window           time.Duration `yaml:"window,omitempty" default:"10s"`
	MaxOverflows     int           `yaml:"max_overflows,omitempty" default:"3"`
	EscalateFailOpen bool          `yaml:"escalate_fail_open,omitempty"`
	Backoff          time.Duration `yaml:"backoff,omitempty" default:"1s"`
}

// Options converts q to the binding configuration.
func (q QueueConfig) Options() (nfqueue.Config, error) {
	var mode nfqueue.CopyMode
	switch strings.ToLower(q.CopyMode) {
	case "meta":
		mode = nfqueue.CopyMeta
	case "range":
		mode = nfqueue.CopyRange
	case "full", "":
		mode = nfqueue.CopyFull
	default:
		return nfqueue.Config{}, fmt.Errorf("unknown copy mode %q", q.CopyMode)
	}
	c := nfqueue.Config{
		CopyMode:   mode,
		CopyRange:  q.CopyRange,
		MaxLen:     q.MaxLen,
		FailOpen:   q.FailOpen,
		Conntrack:  q.Conntrack,
		GSO:        q.GSO,
		UIDGID:     q.UIDGID,
		Batch:      q.Batch,
		BatchSize:  q.BatchSize,
		AckTimeout: q.AckTimeout,
	}
	if err := c.Validate(); err != nil {
		return nfqueue.Config{}, err
	}
	return c, nil
}

// RecoveryOptions converts the recovery section.
func (q QueueConfig) RecoveryOptions() nfqueue.RecoveryConfig {
	return nfqueue.RecoveryConfig{
		Window:           q.Recovery.Window,
		MaxOverflows:     q.Recovery.MaxOverflows,
		EscalateFailOpen: q.Recovery.EscalateFailOpen,
		Backoff:          q.Recovery.Backoff,
	}
}

// SocketBuffer returns the kernel receive buffer to request for q. The
// result is capped at math.MaxInt32, the widest value SO_RCVBUF takes.
func (q QueueConfig) SocketBuffer() int {
	if q.ReceiveBuffer > 0 {
		return int(min(int64(q.ReceiveBuffer), math.MaxInt32))
	}
	opts, err := q.Options()
	if err != nil {
		return 0
	}
	maxLen := opts.MaxLen
	if maxLen == 0 {
		maxLen = nfqueue.DefaultMaxLen
	}
	return int(min(int64(maxLen)*int64(opts.BufferSize()), math.MaxInt32))
}
