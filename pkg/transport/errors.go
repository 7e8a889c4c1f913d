package transport

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock is returned by TryReceive when no datagram is queued.
	ErrWouldBlock = errors.New("no datagram available")
	// ErrInterrupted marks a call interrupted by a signal. Receive retries
	// these itself, so callers never see it.
	ErrInterrupted = errors.New("interrupted system call")
	// ErrOverflow means the kernel dropped messages because the socket
	// receive buffer was full (ENOBUFS).
	ErrOverflow = errors.New("netlink receive buffer overflow")
	// ErrTruncated means a datagram did not fit the receive buffer. The
	// buffer is undersized for the configured copy range.
	ErrTruncated = errors.New("datagram truncated by receive buffer")
	// ErrClosed is returned once the socket has been closed.
	ErrClosed = errors.New("socket closed")
	// ErrUnsupported is returned by Open on platforms without netfilter.
	ErrUnsupported = errors.New("netfilter queue sockets are only supported on linux")
)

// ErrorKind classifies a socket failure.
type ErrorKind uint8

const (
	KindOther ErrorKind = iota
	KindWouldBlock
	KindInterrupted
	KindOverflow
	KindTruncated
	KindClosed
)

func (k ErrorKind) String() string {
	switch k {
	case KindWouldBlock:
		return "would-block"
	case KindInterrupted:
		return "interrupted"
	case KindOverflow:
		return "overflow"
	case KindTruncated:
		return "truncated"
	case KindClosed:
		return "closed"
	default:
		return "other"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindWouldBlock:
		return ErrWouldBlock
	case KindInterrupted:
		return ErrInterrupted
	case KindOverflow:
		return ErrOverflow
	case KindTruncated:
		return ErrTruncated
	case KindClosed:
		return ErrClosed
	default:
		return nil
	}
}

// OpError is a classified socket failure. It matches the sentinel of its
// kind with errors.Is and unwraps to the underlying system error.
type OpError struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("netlink %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func (e *OpError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// Fatal reports whether the socket is unusable after this error.
func (e *OpError) Fatal() bool {
	switch e.Kind {
	case KindWouldBlock, KindInterrupted, KindOverflow:
		return false
	default:
		return true
	}
}

// IsFatal reports whether err leaves the socket unusable. Overflow, empty
// socket and context cancellation are recoverable.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Fatal()
	}
	return true
}

// classify maps a system error from op to an *OpError.
func classify(op string, err error) error {
	var kind ErrorKind
	switch {
	case errors.Is(err, unix.EAGAIN):
		kind = KindWouldBlock
	case errors.Is(err, unix.EINTR):
		kind = KindInterrupted
	case errors.Is(err, unix.ENOBUFS):
		kind = KindOverflow
	case errors.Is(err, unix.EBADF), errors.Is(err, os.ErrClosed):
		kind = KindClosed
	default:
		kind = KindOther
	}
	return &OpError{Op: op, Kind: kind, Err: err}
}
