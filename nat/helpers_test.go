package nat

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/igjeong/hyper-napt/config"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// addrComparer lets cmp compare netip.Addr, which has unexported fields.
var addrComparer = cmp.Comparer(func(a, b netip.Addr) bool { return a == b })

func frameLayers(proto layers.IPProtocol, src, dst string) (*layers.Ethernet, *layers.IPv4) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	return eth, ip
}

func serialize(t testing.TB, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatalf("SerializeLayers failed: %v", err)
	}
	return buf.Bytes()
}

// tcpFrame creates an Ethernet/IPv4/TCP frame for testing
func tcpFrame(t testing.TB, src string, sport uint16, dst string, dport uint16) []byte {
	t.Helper()
	eth, ip := frameLayers(layers.IPProtocolTCP, src, dst)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(sport),
		DstPort: layers.TCPPort(dport),
		Seq:     4242,
		ACK:     true,
		Window:  1024,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum failed: %v", err)
	}
	return serialize(t, eth, ip, tcp, gopacket.Payload([]byte("payload")))
}

// udpFrame creates an Ethernet/IPv4/UDP frame for testing
func udpFrame(t testing.TB, src string, sport uint16, dst string, dport uint16) []byte {
	t.Helper()
	eth, ip := frameLayers(layers.IPProtocolUDP, src, dst)
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(sport),
		DstPort: layers.UDPPort(dport),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum failed: %v", err)
	}
	return serialize(t, eth, ip, udp, gopacket.Payload([]byte("datagram")))
}

// icmpFrame creates an Ethernet/IPv4/ICMP echo request for testing
func icmpFrame(t testing.TB, src, dst string) []byte {
	t.Helper()
	eth, ip := frameLayers(layers.IPProtocolICMPv4, src, dst)
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       1,
		Seq:      1,
	}
	return serialize(t, eth, ip, icmp)
}

// arpFrame creates a non-IP frame for testing
func arpFrame(t testing.TB) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01},
		DstMAC:       layers.EthernetBroadcast,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   eth.SrcMAC,
		SourceProtAddress: net.ParseIP("10.0.0.2").To4(),
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    net.ParseIP("10.0.0.1").To4(),
	}
	return serialize(t, eth, arp)
}

func testConfig(natIP string, base, capacity int) *config.Config {
	return &config.Config{
		NATIP:       netip.MustParseAddr(natIP),
		NATIPStr:    natIP,
		NATPortBase: base,
		Capacity:    capacity,
		MissPolicy:  config.MissForward,
		BatchSize:   config.DefaultBatchSize,
	}
}

// newTestStage creates a stage whose log output is captured by the returned hook.
func newTestStage(t testing.TB, cfg *config.Config, opts ...StageOption) (*Stage, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	s, err := NewStage(cfg, append([]StageOption{WithLogger(logger)}, opts...)...)
	if err != nil {
		t.Fatalf("NewStage failed: %v", err)
	}
	return s, hook
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
