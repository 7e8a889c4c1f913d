package wire

import (
	"encoding/binary"

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
)

// Kind discriminates decoded messages.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindPacket
	KindAck
	KindError
	KindDone
	KindVerdict
	KindVerdictBatch
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindPacket:
		return "packet"
	case KindAck:
		return "ack"
	case KindError:
		return "error"
	case KindDone:
		return "done"
	case KindVerdict:
		return "verdict"
	case KindVerdictBatch:
		return "verdict-batch"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Message is one decoded netlink frame.
type Message struct {
	Header netlink.Header
	Kind   Kind

	// nfgenmsg fields, set for queue subsystem messages.
	Family  uint8
	Version uint8
	Queue   uint16

	// Errno is the positive errno carried by an NLMSG_ERROR frame; zero for
	// acknowledgements.
	Errno int32

	Attrs Attributes

	// Raw aliases the whole frame (header included, padding excluded).
	Raw []byte
}

// Decode parses the first netlink frame in b and returns it together with
// the number of bytes to advance to reach the next frame. When the netlink
// header itself is unusable the advance is zero; when only the payload is
// malformed the advance still skips the frame.
func Decode(b []byte) (Message, int, error) {
	var m Message
	if len(b) < nlmsgHeaderLen {
		return m, 0, malformed(0, "short netlink header: %d bytes", len(b))
	}
	l := int(nlenc.Uint32(b[0:4]))
	if l < nlmsgHeaderLen {
		return m, 0, malformed(0, "netlink length %d shorter than header", l)
	}
	if l > len(b) {
		return m, 0, malformed(0, "netlink length %d exceeds %d byte buffer", l, len(b))
	}
	adv := align4(l)
	if adv > len(b) {
		adv = len(b)
	}

	m.Header = netlink.Header{
		Length:   uint32(l),
		Type:     netlink.HeaderType(nlenc.Uint16(b[4:6])),
		Flags:    netlink.HeaderFlags(nlenc.Uint16(b[6:8])),
		Sequence: nlenc.Uint32(b[8:12]),
		PID:      nlenc.Uint32(b[12:16]),
	}
	m.Raw = b[:l]
	body := b[nlmsgHeaderLen:l]

	switch m.Header.Type {
	case netlink.Error:
		if len(body) < 4 {
			return m, adv, malformed(nlmsgHeaderLen, "error message without errno")
		}
		code := nlenc.Int32(body[0:4])
		m.Errno = -code
		if code == 0 {
			m.Kind = KindAck
		} else {
			m.Kind = KindError
		}
		return m, adv, nil
	case netlink.Done:
		m.Kind = KindDone
		return m, adv, nil
	}

	if uint16(m.Header.Type)>>8 != SubsysQueue {
		return m, adv, nil
	}
	if len(body) < nfgenHeaderLen {
		return m, adv, malformed(nlmsgHeaderLen, "queue message without nfgenmsg header")
	}
	m.Family = body[0]
	m.Version = body[1]
	m.Queue = binary.BigEndian.Uint16(body[2:4])

	switch uint8(m.Header.Type & 0xff) {
	case MsgPacket:
		m.Kind = KindPacket
	case MsgVerdict:
		m.Kind = KindVerdict
	case MsgVerdictBatch:
		m.Kind = KindVerdictBatch
	case MsgConfig:
		m.Kind = KindConfig
	}

	err := walkAttributes(body[nfgenHeaderLen:], nlmsgHeaderLen+nfgenHeaderLen, func(typ uint16, val []byte) error {
		m.Attrs.set(typ, val)
		return nil
	})
	if err != nil {
		return m, adv, err
	}
	return m, adv, nil
}

// DecodeAll decodes every frame in b. Frames whose payload is malformed are
// skipped; the first such error is returned alongside the frames that did
// decode. Decoding stops at the first unusable header.
func DecodeAll(b []byte) ([]Message, error) {
	var (
		out      []Message
		firstErr error
	)
	for off := 0; off < len(b); {
		m, adv, err := Decode(b[off:])
		if err != nil {
			if firstErr == nil {
				firstErr = shift(err, off)
			}
			if adv == 0 {
				break
			}
			off += adv
			continue
		}
		out = append(out, m)
		off += adv
	}
	return out, firstErr
}

func shift(err error, off int) error {
	if me, ok := err.(*MalformedError); ok && off != 0 {
		return &MalformedError{Offset: me.Offset + off, Reason: me.Reason}
	}
	return err
}
