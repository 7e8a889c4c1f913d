package wire

import (
	"errors"
	"fmt"
)

// ErrMalformed matches every decode failure produced by this package.
var ErrMalformed = errors.New("malformed netlink message")

// MalformedError describes why a buffer could not be decoded. Offset is
// relative to the start of the buffer passed to Decode.
type MalformedError struct {
	Offset int
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed netlink message at offset %d: %s", e.Offset, e.Reason)
}

// Is reports whether target is ErrMalformed.
func (e *MalformedError) Is(target error) bool {
	return target == ErrMalformed
}

func malformed(off int, format string, args ...interface{}) error {
	return &MalformedError{Offset: off, Reason: fmt.Sprintf(format, args...)}
}
