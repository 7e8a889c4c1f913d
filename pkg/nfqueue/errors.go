package nfqueue

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/takehaya/nfqbridge/pkg/wire"
)

var (
	// ErrPayloadNotAllowed rejects payload replacement on a queue that does
	// not copy full packets.
	ErrPayloadNotAllowed = errors.New("payload replacement requires full copy mode")
	// ErrPayloadTooLarge rejects a replacement payload that does not fit a
	// netlink attribute.
	ErrPayloadTooLarge = fmt.Errorf("replacement payload exceeds %d bytes", wire.MaxPayloadLen)
	// ErrStolenVerdict is returned when a stolen decision reaches the wire.
	ErrStolenVerdict = errors.New("stolen packets carry no verdict")
	// ErrStaleID rejects a release for an id that is not held as stolen in
	// the current recovery epoch.
	ErrStaleID = errors.New("packet id not held in current epoch")
	// ErrAckTimeout means the kernel did not acknowledge a configuration
	// command in time.
	ErrAckTimeout = errors.New("configuration acknowledgement timed out")
	// ErrNotBound is returned by Run when the runner is not in the bound state.
	ErrNotBound = errors.New("queue runner is not bound")
)

// ConfigError reports a configuration command that the kernel rejected or
// never acknowledged. It is fatal to the queue and never retried.
type ConfigError struct {
	Queue   uint16
	Command string
	Errno   syscall.Errno
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("queue %d: %s rejected: %v", e.Queue, e.Command, e.Errno)
	}
	return fmt.Sprintf("queue %d: %s: %v", e.Queue, e.Command, e.Err)
}

func (e *ConfigError) Unwrap() error {
	if e.Errno != 0 {
		return e.Errno
	}
	return e.Err
}

// DispatchError reports a verdict that could not be sent. The packet falls
// back to the kernel's handling: it stays queued until the queue is unbound.
type DispatchError struct {
	Queue uint16
	ID    uint32
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("queue %d: verdict for packet %d: %v", e.Queue, e.ID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// BatchError reports a partially sent verdict sequence. The first Delivered
// verdicts reached the kernel; the rest may not have.
type BatchError struct {
	Delivered int
	Err       error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("verdict batch failed after %d verdicts: %v", e.Delivered, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// FatalError is returned by Runner.Run when the queue channel is gone.
type FatalError struct {
	Queue uint16
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("queue %d: fatal: %v", e.Queue, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }
