//go:build linux

package transport

import (
	"context"
	"sync/atomic"
	"syscall"

	"github.com/mdlayher/socket"
	"github.com/pkg/errors"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// kernel is the netlink address of the kernel (port id 0).
var kernel = &unix.SockaddrNetlink{Family: unix.AF_NETLINK}

// Socket is a NETLINK_NETFILTER socket bound to a kernel assigned port id.
// Send and Receive may be called from different goroutines; a single reader
// is expected.
type Socket struct {
	c      *socket.Conn
	rc     syscall.RawConn
	pid    uint32
	closed atomic.Bool
}

// Open creates the netfilter netlink socket described by cfg.
func Open(cfg Config) (*Socket, error) {
	var sc *socket.Config
	if cfg.NetNS != "" {
		ns, err := netns.GetFromName(cfg.NetNS)
		if err != nil {
			return nil, errors.Wrapf(err, "fail to open network namespace %q", cfg.NetNS)
		}
		defer ns.Close()
		sc = &socket.Config{NetNS: int(ns)}
	}

	c, err := socket.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_NETFILTER, "nfqueue", sc)
	if err != nil {
		return nil, errors.Wrap(err, "fail to create netfilter netlink socket")
	}
	s := &Socket{c: c}
	if err := s.setup(cfg); err != nil {
		_ = c.Close()
		return nil, err
	}
	return s, nil
}

func (s *Socket) setup(cfg Config) error {
	if err := s.c.Bind(&unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return errors.Wrap(err, "fail to bind netlink socket")
	}
	sa, err := s.c.Getsockname()
	if err != nil {
		return errors.Wrap(err, "fail to read netlink port id")
	}
	if nl, ok := sa.(*unix.SockaddrNetlink); ok {
		s.pid = nl.Pid
	}

	// Acks only need the errno, not an echo of the request.
	_ = s.c.SetsockoptInt(unix.SOL_NETLINK, unix.NETLINK_CAP_ACK, 1)

	if cfg.ReceiveBuffer > 0 {
		// SO_RCVBUFFORCE ignores rmem_max but needs CAP_NET_ADMIN.
		if err := s.c.SetsockoptInt(unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, cfg.ReceiveBuffer); err != nil {
			if err := s.c.SetsockoptInt(unix.SOL_SOCKET, unix.SO_RCVBUF, cfg.ReceiveBuffer); err != nil {
				return errors.Wrapf(err, "fail to set receive buffer to %d bytes", cfg.ReceiveBuffer)
			}
		}
	}

	rc, err := s.c.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "fail to obtain raw connection")
	}
	s.rc = rc
	return nil
}

// PortID returns the netlink port id assigned by the kernel.
func (s *Socket) PortID() uint32 { return s.pid }

// Send writes b as a single datagram to the kernel.
func (s *Socket) Send(ctx context.Context, b []byte) error {
	if s.closed.Load() {
		return &OpError{Op: "send", Kind: KindClosed, Err: ErrClosed}
	}
	for {
		err := s.c.Sendto(ctx, b, 0, kernel)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return classify("send", err)
	}
}

// Receive blocks until one datagram is read into buf or ctx is done.
func (s *Socket) Receive(ctx context.Context, buf []byte) (int, error) {
	if s.closed.Load() {
		return 0, &OpError{Op: "receive", Kind: KindClosed, Err: ErrClosed}
	}
	for {
		n, _, flags, _, err := s.c.Recvmsg(ctx, buf, nil, 0)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, ctxErr
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return 0, classify("receive", err)
		}
		if flags&unix.MSG_TRUNC != 0 {
			return n, &OpError{Op: "receive", Kind: KindTruncated, Err: ErrTruncated}
		}
		return n, nil
	}
}

// TryReceive reads one datagram without blocking. It returns ErrWouldBlock
// when the socket is empty.
func (s *Socket) TryReceive(buf []byte) (int, error) {
	if s.closed.Load() {
		return 0, &OpError{Op: "receive", Kind: KindClosed, Err: ErrClosed}
	}
	var (
		n     int
		flags int
		rerr  error
	)
	err := s.rc.Read(func(fd uintptr) bool {
		for {
			n, _, flags, _, rerr = unix.Recvmsg(int(fd), buf, nil, unix.MSG_DONTWAIT)
			if rerr != unix.EINTR {
				return true
			}
		}
	})
	if err != nil {
		return 0, classify("receive", err)
	}
	if rerr != nil {
		return 0, classify("receive", rerr)
	}
	if flags&unix.MSG_TRUNC != 0 {
		return n, &OpError{Op: "receive", Kind: KindTruncated, Err: ErrTruncated}
	}
	return n, nil
}

// Close closes the socket. Blocked receivers return ErrClosed.
func (s *Socket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.c.Close()
}
