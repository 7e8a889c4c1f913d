//go:build !linux

package transport

import "context"

// Socket is unavailable outside linux.
type Socket struct{}

// Open always fails with ErrUnsupported.
func Open(Config) (*Socket, error) { return nil, ErrUnsupported }

func (s *Socket) PortID() uint32 { return 0 }

func (s *Socket) Send(context.Context, []byte) error { return ErrUnsupported }

func (s *Socket) Receive(context.Context, []byte) (int, error) { return 0, ErrUnsupported }

func (s *Socket) TryReceive([]byte) (int, error) { return 0, ErrUnsupported }

func (s *Socket) Close() error { return nil }
