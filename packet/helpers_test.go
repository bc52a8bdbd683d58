package packet

import (
	"encoding/binary"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

var (
	testSrcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	testDstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// serialize builds a frame with lengths and checksums filled in by gopacket.
func serialize(t testing.TB, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatalf("SerializeLayers failed: %v", err)
	}
	return buf.Bytes()
}

func ethIPv4(proto layers.IPProtocol, src, dst string) (*layers.Ethernet, *layers.IPv4) {
	eth := &layers.Ethernet{
		SrcMAC:       testSrcMAC,
		DstMAC:       testDstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       0x1234,
		Flags:    layers.IPv4DontFragment,
		Protocol: proto,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	return eth, ip
}

// buildTCPFrame creates an Ethernet/IPv4/TCP frame for testing
func buildTCPFrame(t testing.TB, src string, sport uint16, dst string, dport uint16, payload []byte) []byte {
	t.Helper()
	eth, ip := ethIPv4(layers.IPProtocolTCP, src, dst)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		Seq:     1000,
		SYN:     true,
		Window:  65535,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum failed: %v", err)
	}
	return serialize(t, eth, ip, tcp, gopacket.Payload(payload))
}

// buildUDPFrame creates an Ethernet/IPv4/UDP frame for testing
func buildUDPFrame(t testing.TB, src string, sport uint16, dst string, dport uint16, payload []byte) []byte {
	t.Helper()
	eth, ip := ethIPv4(layers.IPProtocolUDP, src, dst)
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(sport),
		DstPort: layers.UDPPort(dport),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum failed: %v", err)
	}
	return serialize(t, eth, ip, udp, gopacket.Payload(payload))
}

// buildICMPFrame creates an Ethernet/IPv4/ICMP echo request for testing
func buildICMPFrame(t testing.TB, src, dst string) []byte {
	t.Helper()
	eth, ip := ethIPv4(layers.IPProtocolICMPv4, src, dst)
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       7,
		Seq:      1,
	}
	return serialize(t, eth, ip, icmp, gopacket.Payload([]byte("ping")))
}

// buildARPFrame creates a non-IP Ethernet frame for testing
func buildARPFrame(t testing.TB) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       testSrcMAC,
		DstMAC:       layers.EthernetBroadcast,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   testSrcMAC,
		SourceProtAddress: net.ParseIP("10.0.0.2").To4(),
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    net.ParseIP("10.0.0.1").To4(),
	}
	return serialize(t, eth, arp)
}

// ipHeaderSumsToOnes verifies the IPv4 checksum the way a receiver does:
// the one's complement sum over the header, checksum included, is 0xffff.
func ipHeaderSumsToOnes(frame []byte) bool {
	ip := header.IPv4(frame[header.EthernetMinimumSize:])
	return checksum.Checksum(ip[:ip.HeaderLength()], 0) == 0xffff
}

// l4SumsToOnes verifies the transport checksum the way a receiver does.
func l4SumsToOnes(frame []byte) bool {
	ip := header.IPv4(frame[header.EthernetMinimumSize:])
	ip = ip[:ip.TotalLength()]
	seg := ip[ip.HeaderLength():]
	xsum := header.PseudoHeaderChecksum(tcpip.TransportProtocolNumber(ip.Protocol()),
		ip.SourceAddress(), ip.DestinationAddress(), uint16(len(seg)))
	return checksum.Checksum(seg, xsum) == 0xffff
}

// udpSumsToOnes verifies a UDP checksum over the UDP length field, which
// may cover less than the IPv4 payload.
func udpSumsToOnes(frame []byte) bool {
	ip := header.IPv4(frame[header.EthernetMinimumSize:])
	udp := header.UDP(ip[ip.HeaderLength():])
	seg := udp[:udp.Length()]
	xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber,
		ip.SourceAddress(), ip.DestinationAddress(), udp.Length())
	return checksum.Checksum(seg, xsum) == 0xffff
}

// buildShortUDPFrame hand-builds a UDP datagram whose IPv4 payload is
// ipPayload bytes long and whose UDP length field says udpLen.
func buildShortUDPFrame(ipPayload int, udpLen uint16) []byte {
	frame := make([]byte, 14+20+ipPayload)
	binary.BigEndian.PutUint16(frame[12:14], 0x0800)
	ip := frame[14:]
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:4], uint16(20+ipPayload))
	ip[8] = 64
	ip[9] = ProtocolUDP
	copy(ip[12:16], []byte{10, 0, 0, 2})
	copy(ip[16:20], []byte{8, 8, 8, 8})
	udp := ip[20:]
	binary.BigEndian.PutUint16(udp[0:2], 5353)
	binary.BigEndian.PutUint16(udp[2:4], 53)
	binary.BigEndian.PutUint16(udp[4:6], udpLen)
	for i := 8; i < len(udp); i++ {
		udp[i] = byte(i)
	}
	return frame
}

func mustAddr(t testing.TB, s string) netip.Addr {
	t.Helper()
	addr, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("ParseAddr(%q) failed: %v", s, err)
	}
	return addr
}
