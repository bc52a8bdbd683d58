// Package packet provides zero-copy parsing and in-place rewriting of
// Ethernet/IPv4/TCP/UDP frames.
package packet

import (
	"encoding/binary"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// Protocol constants
const (
	ProtocolICMP = uint8(header.ICMPv4ProtocolNumber)
	ProtocolTCP  = uint8(header.TCPProtocolNumber)
	ProtocolUDP  = uint8(header.UDPProtocolNumber)
)

// Field offsets relative to the start of the transport header.
// TCP and UDP share the port layout.
const (
	srcPortOffset     = 0
	dstPortOffset     = 2
	tcpChecksumOffset = 16
	udpChecksumOffset = 6

	ipv4ChecksumOffset = 10

	ethDstOffset = 0
	ethSrcOffset = 6
)

// Class is the result of classifying a frame.
type Class uint8

const (
	// ClassNotIPv4 covers frames whose ethertype is not IPv4, and frames
	// whose IPv4 header is truncated or malformed.
	ClassNotIPv4 Class = iota
	// ClassUnsupportedProtocol covers IPv4 datagrams that do not carry a
	// complete TCP or UDP header.
	ClassUnsupportedProtocol
	ClassIPv4TCP
	ClassIPv4UDP
)

func (c Class) String() string {
	switch c {
	case ClassNotIPv4:
		return "NOT_IPV4"
	case ClassUnsupportedProtocol:
		return "UNSUPPORTED_PROTOCOL"
	case ClassIPv4TCP:
		return "IPV4_TCP"
	case ClassIPv4UDP:
		return "IPV4_UDP"
	default:
		return "UNKNOWN"
	}
}

// View interprets the headers of a frame in place. It holds no copy of the
// frame; setters write straight into the caller's buffer.
//
// The accessors below are only meaningful when Translatable reports true.
type View struct {
	frame []byte
	class Class
	l4    int // offset of the transport header
	end   int // end of the IPv4 datagram, excluding link-layer padding
	l4End int // end of the transport segment; UDP length may stop short of end
}

// Parse classifies frame, which must start with an Ethernet header.
func Parse(frame []byte) View {
	v := View{frame: frame, class: ClassNotIPv4}

	if len(frame) < header.EthernetMinimumSize {
		return v
	}
	if header.Ethernet(frame).Type() != header.IPv4ProtocolNumber {
		return v
	}

	ip := header.IPv4(frame[header.EthernetMinimumSize:])
	if len(ip) < header.IPv4MinimumSize || header.IPVersion(ip) != header.IPv4Version {
		return v
	}
	hl := int(ip.HeaderLength())
	tl := int(ip.TotalLength())
	if hl < header.IPv4MinimumSize || tl < hl || tl > len(ip) {
		return v
	}

	v.class = ClassUnsupportedProtocol
	v.l4 = header.EthernetMinimumSize + hl
	v.end = header.EthernetMinimumSize + tl
	v.l4End = v.end
	segLen := tl - hl

	switch ip.Protocol() {
	case ProtocolTCP:
		if segLen >= header.TCPMinimumSize {
			v.class = ClassIPv4TCP
		}
	case ProtocolUDP:
		if segLen < header.UDPMinimumSize {
			break
		}
		// The UDP length field bounds the datagram, not the IPv4 payload
		ul := int(header.UDP(frame[v.l4:]).Length())
		if ul >= header.UDPMinimumSize && ul <= segLen {
			v.class = ClassIPv4UDP
			v.l4End = v.l4 + ul
		}
	}
	return v
}

// Class returns the classification of the frame.
func (v View) Class() Class {
	return v.class
}

// Translatable reports whether the frame is IPv4 carrying TCP or UDP.
func (v View) Translatable() bool {
	return v.class == ClassIPv4TCP || v.class == ClassIPv4UDP
}

// SrcMAC returns the Ethernet source address.
func (v View) SrcMAC() tcpip.LinkAddress {
	return header.Ethernet(v.frame).SourceAddress()
}

// DstMAC returns the Ethernet destination address.
func (v View) DstMAC() tcpip.LinkAddress {
	return header.Ethernet(v.frame).DestinationAddress()
}

// IPv4 returns the IPv4 datagram (header and payload, no link padding).
func (v View) IPv4() header.IPv4 {
	return header.IPv4(v.frame[header.EthernetMinimumSize:v.end])
}

// Segment returns the transport header and payload. For UDP it ends
// where the UDP length field says, which may be short of the IPv4 payload.
func (v View) Segment() []byte {
	return v.frame[v.l4:v.l4End]
}

// Protocol returns the IPv4 protocol number.
func (v View) Protocol() uint8 {
	return v.IPv4().Protocol()
}

// SrcAddr returns the IPv4 source address.
func (v View) SrcAddr() netip.Addr {
	return netip.AddrFrom4(v.IPv4().SourceAddress().As4())
}

// DstAddr returns the IPv4 destination address.
func (v View) DstAddr() netip.Addr {
	return netip.AddrFrom4(v.IPv4().DestinationAddress().As4())
}

// SrcPort returns the transport source port.
func (v View) SrcPort() uint16 {
	return binary.BigEndian.Uint16(v.frame[v.l4+srcPortOffset:])
}

// DstPort returns the transport destination port.
func (v View) DstPort() uint16 {
	return binary.BigEndian.Uint16(v.frame[v.l4+dstPortOffset:])
}

// IPChecksum returns the IPv4 header checksum field.
func (v View) IPChecksum() uint16 {
	return v.IPv4().Checksum()
}

// L4Checksum returns the TCP or UDP checksum field.
func (v View) L4Checksum() uint16 {
	return binary.BigEndian.Uint16(v.frame[v.l4+v.l4ChecksumOffset():])
}

func (v View) l4ChecksumOffset() int {
	if v.class == ClassIPv4UDP {
		return udpChecksumOffset
	}
	return tcpChecksumOffset
}
