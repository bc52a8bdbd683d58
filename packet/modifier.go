package packet

import (
	"encoding/binary"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

// SetSrcMAC changes the Ethernet source address in place.
func (v View) SetSrcMAC(mac tcpip.LinkAddress) {
	copy(v.frame[ethSrcOffset:][:header.EthernetAddressSize], mac)
}

// SetDstMAC changes the Ethernet destination address in place.
func (v View) SetDstMAC(mac tcpip.LinkAddress) {
	copy(v.frame[ethDstOffset:][:header.EthernetAddressSize], mac)
}

// SetSrcAddr changes the IPv4 source address in place.
// Checksums are left stale; call UpdateChecksums afterwards.
func (v View) SetSrcAddr(addr netip.Addr) {
	v.IPv4().SetSourceAddress(tcpip.AddrFrom4(addr.As4()))
}

// SetDstAddr changes the IPv4 destination address in place.
func (v View) SetDstAddr(addr netip.Addr) {
	v.IPv4().SetDestinationAddress(tcpip.AddrFrom4(addr.As4()))
}

// SetSrcPort changes the TCP/UDP source port in place.
func (v View) SetSrcPort(port uint16) {
	binary.BigEndian.PutUint16(v.frame[v.l4+srcPortOffset:], port)
}

// SetDstPort changes the TCP/UDP destination port in place.
func (v View) SetDstPort(port uint16) {
	binary.BigEndian.PutUint16(v.frame[v.l4+dstPortOffset:], port)
}

// ApplyNAT rewrites the source endpoint for outbound translation:
// - source IP becomes the NAT IP
// - source port becomes the NAT port
// Both checksums are recomputed.
func (v View) ApplyNAT(natAddr netip.Addr, natPort uint16) {
	v.SetSrcAddr(natAddr)
	v.SetSrcPort(natPort)
	v.UpdateChecksums()
}

// ReverseNAT rewrites the destination endpoint for inbound translation:
// - destination IP becomes the internal IP
// - destination port becomes the internal port
// Both checksums are recomputed.
func (v View) ReverseNAT(internalAddr netip.Addr, internalPort uint16) {
	v.SetDstAddr(internalAddr)
	v.SetDstPort(internalPort)
	v.UpdateChecksums()
}
