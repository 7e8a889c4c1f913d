package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		kind     ErrorKind
		sentinel error
		fatal    bool
	}{
		{name: "ENOBUFS", err: unix.ENOBUFS, kind: KindOverflow, sentinel: ErrOverflow, fatal: false},
		{name: "EAGAIN", err: unix.EAGAIN, kind: KindWouldBlock, sentinel: ErrWouldBlock, fatal: false},
		{name: "EINTR", err: unix.EINTR, kind: KindInterrupted, sentinel: ErrInterrupted, fatal: false},
		{name: "EBADF", err: unix.EBADF, kind: KindClosed, sentinel: ErrClosed, fatal: true},
		{name: "closed file", err: fmt.Errorf("recvmsg: %w", os.ErrClosed), kind: KindClosed, sentinel: ErrClosed, fatal: true},
		{name: "wrapped ENOBUFS", err: os.NewSyscallError("recvmsg", unix.ENOBUFS), kind: KindOverflow, sentinel: ErrOverflow, fatal: false},
		{name: "EPERM", err: unix.EPERM, kind: KindOther, fatal: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("receive", tt.err)
			var oe *OpError
			if !errors.As(err, &oe) {
				t.Fatalf("classify returned %T, want *OpError", err)
			}
			if oe.Kind != tt.kind {
				t.Errorf("kind = %s, want %s", oe.Kind, tt.kind)
			}
			if tt.sentinel != nil && !errors.Is(err, tt.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false", err, tt.sentinel)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("error does not unwrap to %v", tt.err)
			}
			if IsFatal(err) != tt.fatal {
				t.Errorf("IsFatal = %v, want %v", IsFatal(err), tt.fatal)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	if IsFatal(nil) {
		t.Error("nil reported fatal")
	}
	if IsFatal(context.Canceled) || IsFatal(fmt.Errorf("receive: %w", context.DeadlineExceeded)) {
		t.Error("context error reported fatal")
	}
	if !IsFatal(&OpError{Op: "receive", Kind: KindTruncated, Err: ErrTruncated}) {
		t.Error("truncation not fatal")
	}
	if !IsFatal(errors.New("unknown")) {
		t.Error("unclassified error not fatal")
	}
}

func TestBufferSize(t *testing.T) {
	tests := []struct {
		copyRange uint32
		gso       bool
		want      int
	}{
		{copyRange: 0, want: 0xffff + frameOverhead},
		{copyRange: 128, want: 128 + frameOverhead},
		{copyRange: 1 << 20, want: 0xffff + frameOverhead},
		{copyRange: 128, gso: true, want: 0xffff + frameOverhead},
	}
	for _, tt := range tests {
		if got := BufferSize(tt.copyRange, tt.gso); got != tt.want {
			t.Errorf("BufferSize(%d, %v) = %d, want %d", tt.copyRange, tt.gso, got, tt.want)
		}
	}
}
