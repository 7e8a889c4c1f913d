package packet

import (
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var decodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}

// Protocol numbers of the transports a Flow understands.
const (
	ProtoICMP   uint8 = 1
	ProtoTCP    uint8 = 6
	ProtoUDP    uint8 = 17
	ProtoICMPv6 uint8 = 58
)

// Flow is the five-tuple of a queued packet.
type Flow struct {
	Version  uint8
	Protocol uint8
	Src      netip.Addr
	Dst      netip.Addr
	SrcPort  uint16
	DstPort  uint16
}

func (f Flow) String() string {
	if f.SrcPort == 0 && f.DstPort == 0 {
		return fmt.Sprintf("%s %s -> %s", ProtocolName(f.Protocol), f.Src, f.Dst)
	}
	return fmt.Sprintf("%s %s -> %s",
		ProtocolName(f.Protocol),
		netip.AddrPortFrom(f.Src, f.SrcPort),
		netip.AddrPortFrom(f.Dst, f.DstPort))
}

// Decode parses an L3 payload as delivered by the queue. The payload is not
// copied; the returned packet must not outlive it.
func Decode(payload []byte) (gopacket.Packet, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	switch payload[0] >> 4 { // first 4 bits is the version
	case 4:
		return gopacket.NewPacket(payload, layers.LayerTypeIPv4, decodeOptions), nil
	case 6:
		return gopacket.NewPacket(payload, layers.LayerTypeIPv6, decodeOptions), nil
	default:
		return nil, fmt.Errorf("unknown IP version %d", payload[0]>>4)
	}
}

// ExtractFlow decodes payload and returns its five-tuple. Ports are left zero
// when the transport header was not captured.
func ExtractFlow(payload []byte) (Flow, error) {
	pkt, err := Decode(payload)
	if err != nil {
		return Flow{}, err
	}

	var f Flow
	switch {
	case pkt.Layer(layers.LayerTypeIPv4) != nil:
		ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		if !ok {
			return Flow{}, fmt.Errorf("invalid IPv4 header")
		}
		f.Version = 4
		f.Protocol = uint8(ip.Protocol)
		f.Src, _ = netip.AddrFromSlice(ip.SrcIP.To4())
		f.Dst, _ = netip.AddrFromSlice(ip.DstIP.To4())
	case pkt.Layer(layers.LayerTypeIPv6) != nil:
		ip, ok := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		if !ok {
			return Flow{}, fmt.Errorf("invalid IPv6 header")
		}
		f.Version = 6
		f.Protocol = uint8(ip.NextHeader)
		f.Src, _ = netip.AddrFromSlice(ip.SrcIP)
		f.Dst, _ = netip.AddrFromSlice(ip.DstIP)
	default:
		if el := pkt.ErrorLayer(); el != nil {
			return Flow{}, fmt.Errorf("decode network layer: %w", el.Error())
		}
		return Flow{}, fmt.Errorf("no network layer")
	}

	if tcpLayer := pkt.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		if tcp, ok := tcpLayer.(*layers.TCP); ok {
			f.Protocol = ProtoTCP
			f.SrcPort, f.DstPort = uint16(tcp.SrcPort), uint16(tcp.DstPort)
		}
	} else if udpLayer := pkt.Layer(layers.LayerTypeUDP); udpLayer != nil {
		if udp, ok := udpLayer.(*layers.UDP); ok {
			f.Protocol = ProtoUDP
			f.SrcPort, f.DstPort = uint16(udp.SrcPort), uint16(udp.DstPort)
		}
	} else if pkt.Layer(layers.LayerTypeICMPv6) != nil {
		f.Protocol = ProtoICMPv6
	}
	return f, nil
}

// ProtocolName returns the lowercase name used in policy rules.
func ProtocolName(p uint8) string {
	switch p {
	case ProtoICMP:
		return "icmp"
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoICMPv6:
		return "icmpv6"
	default:
		return fmt.Sprintf("proto(%d)", p)
	}
}

// ParseProtocol is the inverse of ProtocolName for the named transports.
func ParseProtocol(s string) (uint8, error) {
	switch s {
	case "icmp":
		return ProtoICMP, nil
	case "tcp":
		return ProtoTCP, nil
	case "udp":
		return ProtoUDP, nil
	case "icmpv6", "ipv6-icmp":
		return ProtoICMPv6, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q", s)
	}
}
