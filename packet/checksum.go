package packet

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// IPv4Checksum computes the header checksum of an IPv4 header, treating
// the checksum field as zero. hdr may extend past the header; only
// HeaderLength bytes are summed.
func IPv4Checksum(hdr []byte) uint16 {
	hl := int(header.IPv4(hdr).HeaderLength())
	xsum := checksum.Checksum(hdr[:ipv4ChecksumOffset], 0)
	xsum = checksum.Checksum(hdr[ipv4ChecksumOffset+2:hl], xsum)
	return ^xsum
}

// L4Checksum computes the TCP or UDP checksum of segment, including the
// IPv4 pseudo-header taken from ipHdr. The segment's own checksum field is
// treated as zero. A UDP result of zero is sent as all ones (RFC 768).
func L4Checksum(ipHdr, segment []byte) uint16 {
	ip := header.IPv4(ipHdr)
	proto := tcpip.TransportProtocolNumber(ip.Protocol())

	off := tcpChecksumOffset
	if proto == header.UDPProtocolNumber {
		off = udpChecksumOffset
	}

	xsum := header.PseudoHeaderChecksum(proto, ip.SourceAddress(), ip.DestinationAddress(), uint16(len(segment)))
	xsum = checksum.Checksum(segment[:off], xsum)
	xsum = checksum.Checksum(segment[off+2:], xsum)

	sum := ^xsum
	if proto == header.UDPProtocolNumber && sum == 0 {
		sum = 0xffff
	}
	return sum
}

// UpdateChecksums recomputes the IPv4 header checksum and the transport
// checksum from the current header bytes and writes them into the frame.
func (v View) UpdateChecksums() {
	ip := v.IPv4()
	ip.SetChecksum(IPv4Checksum(ip))
	binary.BigEndian.PutUint16(v.frame[v.l4+v.l4ChecksumOffset():], L4Checksum(ip, v.Segment()))
}

// ChecksumsValid reports whether both checksum fields match the values
// recomputed over the current header bytes.
func (v View) ChecksumsValid() bool {
	if !v.Translatable() {
		return false
	}
	ip := v.IPv4()
	return v.IPChecksum() == IPv4Checksum(ip) && v.L4Checksum() == L4Checksum(ip, v.Segment())
}
