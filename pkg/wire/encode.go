package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// verdictQueueBypass is NF_VERDICT_FLAG_QUEUE_BYPASS.
const verdictQueueBypass = 0x00008000

// Verdict describes an outbound verdict or verdict-batch message.
type Verdict struct {
	Queue   uint16
	ID      uint32
	Verdict uint32
	Mark    uint32
	SetMark bool
	Payload []byte
}

// QueueVerdict builds the NF_QUEUE verdict value that moves a packet to
// queue target. With bypass set the kernel accepts the packet when nothing
// listens on target.
func QueueVerdict(target uint16, bypass bool) uint32 {
	v := NFQueue | uint32(target)<<16
	if bypass {
		v |= verdictQueueBypass
	}
	return v
}

// EncodeMessage frames attrs as a queue subsystem message of type msg.
// Attribute values are copied verbatim; padding is written as zero bytes.
func EncodeMessage(msg uint8, flags netlink.HeaderFlags, seq uint32, queue uint16, attrs []Attr) ([]byte, error) {
	ae := netlink.NewAttributeEncoder()
	ae.ByteOrder = binary.BigEndian
	for _, a := range attrs {
		ae.Bytes(a.Type, a.Data)
	}
	ab, err := ae.Encode()
	if err != nil {
		return nil, fmt.Errorf("fail to encode attributes: %w", err)
	}

	data := make([]byte, nfgenHeaderLen+len(ab))
	data[0] = unix.AF_UNSPEC
	data[1] = NFNetlinkV0
	binary.BigEndian.PutUint16(data[2:4], queue)
	copy(data[nfgenHeaderLen:], ab)

	m := netlink.Message{
		Header: netlink.Header{
			Length:   uint32(align4(nlmsgHeaderLen + len(data))),
			Type:     netlink.HeaderType(QueueMsgType(msg)),
			Flags:    flags,
			Sequence: seq,
		},
		Data: data,
	}
	return m.MarshalBinary()
}

// EncodeVerdict builds an NFQNL_MSG_VERDICT frame. Verdicts are fire and
// forget; the kernel only answers on failure.
func EncodeVerdict(seq uint32, v Verdict) ([]byte, error) {
	return EncodeMessage(MsgVerdict, netlink.Request, seq, v.Queue, verdictAttrs(v, true))
}

// EncodeVerdictBatch builds an NFQNL_MSG_VERDICT_BATCH frame. The kernel
// applies it to every queued packet whose id is less than or equal to v.ID.
// Payload replacement is not possible in a batch.
func EncodeVerdictBatch(seq uint32, v Verdict) ([]byte, error) {
	if len(v.Payload) > 0 {
		return nil, fmt.Errorf("verdict batch for id %d carries a payload", v.ID)
	}
	return EncodeMessage(MsgVerdictBatch, netlink.Request, seq, v.Queue, verdictAttrs(v, false))
}

func verdictAttrs(v Verdict, payload bool) []Attr {
	hdr := make([]byte, 8)
	binary.BigEndian.PutUint32(hdr[0:4], v.Verdict)
	binary.BigEndian.PutUint32(hdr[4:8], v.ID)
	attrs := []Attr{{Type: AttrVerdictHdr, Data: hdr}}
	if v.SetMark {
		attrs = append(attrs, Attr{Type: AttrMark, Data: u32(v.Mark)})
	}
	if payload && v.Payload != nil {
		attrs = append(attrs, Attr{Type: AttrPayload, Data: v.Payload})
	}
	return attrs
}

// EncodeConfigCmd builds a config command frame (bind, unbind, ...). pf is
// only meaningful for the legacy PF bind commands.
func EncodeConfigCmd(seq uint32, queue uint16, cmd uint8, pf uint16) ([]byte, error) {
	b := make([]byte, 4)
	b[0] = cmd
	binary.BigEndian.PutUint16(b[2:4], pf)
	return encodeConfig(seq, queue, []Attr{{Type: CfgAttrCmd, Data: b}})
}

// EncodeConfigParams sets copy mode and copy range.
func EncodeConfigParams(seq uint32, queue uint16, mode uint8, copyRange uint32) ([]byte, error) {
	b := make([]byte, 5)
	binary.BigEndian.PutUint32(b[0:4], copyRange)
	b[4] = mode
	return encodeConfig(seq, queue, []Attr{{Type: CfgAttrParams, Data: b}})
}

// EncodeConfigMaxLen sets the kernel queue depth.
func EncodeConfigMaxLen(seq uint32, queue uint16, maxLen uint32) ([]byte, error) {
	return encodeConfig(seq, queue, []Attr{{Type: CfgAttrQueueMaxLen, Data: u32(maxLen)}})
}

// EncodeConfigFlags sets the flags selected by mask to the values in flags.
// The kernel rejects a flags attribute without its mask.
func EncodeConfigFlags(seq uint32, queue uint16, flags, mask uint32) ([]byte, error) {
	return encodeConfig(seq, queue, []Attr{
		{Type: CfgAttrFlags, Data: u32(flags)},
		{Type: CfgAttrMask, Data: u32(mask)},
	})
}

func encodeConfig(seq uint32, queue uint16, attrs []Attr) ([]byte, error) {
	return EncodeMessage(MsgConfig, netlink.Request|netlink.Acknowledge, seq, queue, attrs)
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}
