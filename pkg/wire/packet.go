package wire

import (
	"encoding/binary"
	"net"
	"time"
)

const (
	packetHdrLen = 7  // struct nfqnl_msg_packet_hdr, packed
	hwAddrLen    = 12 // struct nfqnl_msg_packet_hw
	timestampLen = 16 // struct nfqnl_msg_packet_timestamp
)

// presence bits for scalar attributes
const (
	hasMark uint16 = 1 << iota
	hasCapLen
	hasUID
	hasGID
	hasSkbInfo
	hasCtInfo
	hasPriority
)

// Packet is one packet delivered by the kernel. Payload and the raw
// attribute values alias the receive buffer, so a Packet must not be
// retained once the decision for it has returned.
type Packet struct {
	ID         uint32
	HwProtocol uint16
	Hook       uint8
	Queue      uint16
	Family     uint8

	Payload []byte

	InDev      uint32
	OutDev     uint32
	PhysInDev  uint32
	PhysOutDev uint32

	mark     uint32
	capLen   uint32
	uid      uint32
	gid      uint32
	skbInfo  uint32
	ctInfo   uint32
	priority uint32
	has      uint16

	attrs Attributes
}

// DecodePacket extracts a Packet from a KindPacket message. Scalar
// attributes are validated here; struct and nested attributes are only
// decoded when their accessor is called.
func DecodePacket(m *Message) (*Packet, error) {
	if m.Kind != KindPacket {
		return nil, malformed(0, "not a packet message: %s", m.Kind)
	}
	hdr, ok := m.Attrs.Get(AttrPacketHdr)
	if !ok {
		return nil, malformed(0, "packet message without packet header attribute")
	}
	if len(hdr) < packetHdrLen {
		return nil, malformed(0, "packet header holds %d bytes, want %d", len(hdr), packetHdrLen)
	}

	p := &Packet{
		ID:         binary.BigEndian.Uint32(hdr[0:4]),
		HwProtocol: binary.BigEndian.Uint16(hdr[4:6]),
		Hook:       hdr[6],
		Queue:      m.Queue,
		Family:     m.Family,
		attrs:      m.Attrs,
	}
	p.Payload, _ = m.Attrs.Get(AttrPayload)

	devs := []struct {
		typ uint16
		dst *uint32
	}{
		{AttrIfIndexInDev, &p.InDev},
		{AttrIfIndexOutDev, &p.OutDev},
		{AttrIfIndexPhysIn, &p.PhysInDev},
		{AttrIfIndexPhysOut, &p.PhysOutDev},
	}
	for _, d := range devs {
		if v, ok := m.Attrs.Get(d.typ); ok {
			n, err := be32(v, d.typ)
			if err != nil {
				return nil, err
			}
			*d.dst = n
		}
	}

	scalars := []struct {
		typ uint16
		bit uint16
		dst *uint32
	}{
		{AttrMark, hasMark, &p.mark},
		{AttrCapLen, hasCapLen, &p.capLen},
		{AttrUID, hasUID, &p.uid},
		{AttrGID, hasGID, &p.gid},
		{AttrSkbInfo, hasSkbInfo, &p.skbInfo},
		{AttrCtInfo, hasCtInfo, &p.ctInfo},
		{AttrPriority, hasPriority, &p.priority},
	}
	for _, s := range scalars {
		if v, ok := m.Attrs.Get(s.typ); ok {
			n, err := be32(v, s.typ)
			if err != nil {
				return nil, err
			}
			*s.dst = n
			p.has |= s.bit
		}
	}
	return p, nil
}

// Mark returns the packet mark, if the kernel sent one.
func (p *Packet) Mark() (uint32, bool) { return p.mark, p.has&hasMark != 0 }

// CapLen returns the original packet length when the payload was truncated
// by the copy range.
func (p *Packet) CapLen() (uint32, bool) { return p.capLen, p.has&hasCapLen != 0 }

// UID returns the socket owner uid (requires the uid-gid queue flag).
func (p *Packet) UID() (uint32, bool) { return p.uid, p.has&hasUID != 0 }

// GID returns the socket owner gid (requires the uid-gid queue flag).
func (p *Packet) GID() (uint32, bool) { return p.gid, p.has&hasGID != 0 }

// SkbInfo returns the NFQA_SKB_INFO bits.
func (p *Packet) SkbInfo() (uint32, bool) { return p.skbInfo, p.has&hasSkbInfo != 0 }

// CtInfo returns the conntrack state (enum ip_conntrack_info).
func (p *Packet) CtInfo() (uint32, bool) { return p.ctInfo, p.has&hasCtInfo != 0 }

// Priority returns skb->priority.
func (p *Packet) Priority() (uint32, bool) { return p.priority, p.has&hasPriority != 0 }

// Truncated reports whether the payload is shorter than the packet.
func (p *Packet) Truncated() bool {
	n, ok := p.CapLen()
	return ok && int(n) > len(p.Payload)
}

// Attribute returns the raw value of attribute typ.
func (p *Packet) Attribute(typ uint16) ([]byte, bool) {
	return p.attrs.Get(typ)
}

// Attributes returns every raw attribute of the packet message in type order.
func (p *Packet) Attributes() []Attr {
	return p.attrs.List()
}

// HwAddr returns the link-layer source address, or nil when absent.
func (p *Packet) HwAddr() (net.HardwareAddr, error) {
	v, ok := p.attrs.Get(AttrHwAddr)
	if !ok {
		return nil, nil
	}
	if len(v) < hwAddrLen {
		return nil, malformed(0, "hwaddr attribute holds %d bytes, want %d", len(v), hwAddrLen)
	}
	n := int(binary.BigEndian.Uint16(v[0:2]))
	if n > 8 {
		return nil, malformed(0, "hwaddr length %d exceeds 8", n)
	}
	addr := make(net.HardwareAddr, n)
	copy(addr, v[4:4+n])
	return addr, nil
}

// L2Header returns the raw link-layer header (NFQA_L2HDR), if present.
func (p *Packet) L2Header() []byte {
	v, _ := p.attrs.Get(AttrL2Hdr)
	return v
}

// Timestamp returns the kernel receive timestamp.
func (p *Packet) Timestamp() (time.Time, bool, error) {
	v, ok := p.attrs.Get(AttrTimestamp)
	if !ok {
		return time.Time{}, false, nil
	}
	if len(v) < timestampLen {
		return time.Time{}, false, malformed(0, "timestamp attribute holds %d bytes, want %d", len(v), timestampLen)
	}
	sec := int64(binary.BigEndian.Uint64(v[0:8]))
	usec := int64(binary.BigEndian.Uint64(v[8:16]))
	return time.Unix(sec, usec*int64(time.Microsecond)), true, nil
}

// ConntrackID walks the nested NFQA_CT attribute for CTA_ID. It requires the
// conntrack queue flag.
func (p *Packet) ConntrackID() (uint32, bool, error) {
	v, ok := p.attrs.Get(AttrCt)
	if !ok {
		return 0, false, nil
	}
	var (
		id    uint32
		found bool
	)
	err := walkAttributes(v, 0, func(typ uint16, val []byte) error {
		if typ != CtaID {
			return nil
		}
		n, err := be32(val, typ)
		if err != nil {
			return err
		}
		id, found = n, true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return id, found, nil
}

// VLAN is the decoded NFQA_VLAN nest.
type VLAN struct {
	Proto uint16
	TCI   uint16
}

// VLAN returns the VLAN tag stripped by the device, if any.
func (p *Packet) VLAN() (VLAN, bool, error) {
	v, ok := p.attrs.Get(AttrVLAN)
	if !ok {
		return VLAN{}, false, nil
	}
	var out VLAN
	err := walkAttributes(v, 0, func(typ uint16, val []byte) error {
		switch typ {
		case VLANAttrProto, VLANAttrTCI:
			if len(val) < 2 {
				return malformed(0, "vlan attribute %d holds %d bytes, want 2", typ, len(val))
			}
			if typ == VLANAttrProto {
				out.Proto = binary.BigEndian.Uint16(val)
			} else {
				out.TCI = binary.BigEndian.Uint16(val)
			}
		}
		return nil
	})
	if err != nil {
		return VLAN{}, false, err
	}
	return out, true, nil
}
