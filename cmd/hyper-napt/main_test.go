package main

import (
	"context"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/igjeong/hyper-napt/config"
	"github.com/igjeong/hyper-napt/ipc"
	"github.com/igjeong/hyper-napt/nat"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d        time.Duration
		expected string
	}{
		{0, "0s"},
		{1500 * time.Millisecond, "2s"},
		{90 * time.Second, "1m 30s"},
		{3*time.Hour + 4*time.Minute + 5*time.Second, "3h 4m 5s"},
	}

	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.expected {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.expected)
		}
	}
}

func newStage(t *testing.T) *nat.Stage {
	t.Helper()
	logger, _ := test.NewNullLogger()
	stage, err := nat.NewStage(&config.Config{
		NATIP:       netip.MustParseAddr("203.0.113.1"),
		NATPortBase: 44001,
		Capacity:    4,
		MissPolicy:  config.MissForward,
	}, nat.WithLogger(logger))
	if err != nil {
		t.Fatalf("NewStage failed: %v", err)
	}
	return stage
}

func udpFrame(t *testing.T, src string, sport uint16, dst string, dport uint16) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	udp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp); err != nil {
		t.Fatalf("SerializeLayers failed: %v", err)
	}
	return buf.Bytes()
}

func writeCapture(t *testing.T, path string, frames ...[]byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		t.Fatalf("WriteFileHeader failed: %v", err)
	}
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, frame := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     ts.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(frame),
			Length:        len(frame),
		}
		if err := w.WritePacket(ci, frame); err != nil {
			t.Fatalf("WritePacket failed: %v", err)
		}
	}
}

func TestRunReplay(t *testing.T) {
	dir := t.TempDir()
	opts := runOptions{
		internalPcap: filepath.Join(dir, "lan.pcap"),
		externalPcap: filepath.Join(dir, "wan.pcap"),
		outboundPcap: filepath.Join(dir, "out0.pcap"),
		inboundPcap:  filepath.Join(dir, "out1.pcap"),
	}
	writeCapture(t, opts.internalPcap,
		udpFrame(t, "10.0.0.2", 5000, "8.8.8.8", 53),
		udpFrame(t, "10.0.0.3", 5000, "8.8.8.8", 53),
	)
	writeCapture(t, opts.externalPcap,
		udpFrame(t, "8.8.8.8", 53, "203.0.113.1", 44001),
	)

	logger, _ := test.NewNullLogger()
	stage := newStage(t)
	res, err := runReplay(context.Background(), stage, 32, opts, logger)
	if err != nil {
		t.Fatalf("runReplay failed: %v", err)
	}
	if res.Packets != 3 {
		t.Errorf("Packets = %d, want 3", res.Packets)
	}
	if res.PerGate[nat.Outbound] != 2 || res.PerGate[nat.Inbound] != 1 {
		t.Errorf("PerGate = %v, want 2 outbound and 1 inbound", res.PerGate)
	}

	for _, path := range []string{opts.outboundPcap, opts.inboundPcap} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("output capture %s missing: %v", path, err)
		}
	}

	got := flowsFromStage(stage)
	want := &ipc.FlowsResponse{
		Flows: []ipc.FlowInfo{
			{InternalIP: "10.0.0.2", InternalPort: 5000, ExternalIP: "8.8.8.8", ExternalPort: 53, NATPort: 44001, InternalMAC: "02:00:00:00:00:01"},
			{InternalIP: "10.0.0.3", InternalPort: 5000, ExternalIP: "8.8.8.8", ExternalPort: 53, NATPort: 44002, InternalMAC: "02:00:00:00:00:01"},
		},
		Capacity: 4,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("flowsFromStage mismatch (-want +got):\n%s", diff)
	}

	status := statusFromStage(stage, 90*time.Second)
	if status.UptimeStr != "1m 30s" {
		t.Errorf("UptimeStr = %q, want %q", status.UptimeStr, "1m 30s")
	}
	if status.PacketsOutbound != 2 || status.PacketsInbound != 1 {
		t.Errorf("translated = %d/%d, want 2/1", status.PacketsOutbound, status.PacketsInbound)
	}
	if status.ActiveFlows != 2 || status.Capacity != 4 {
		t.Errorf("flows = %d/%d, want 2/4", status.ActiveFlows, status.Capacity)
	}
	if status.NATIP != "203.0.113.1" || status.NATPortBase != 44001 {
		t.Errorf("NAT = %s:%d, want 203.0.113.1:44001", status.NATIP, status.NATPortBase)
	}
}

func TestRunReplay_MissingInput(t *testing.T) {
	dir := t.TempDir()
	opts := runOptions{
		internalPcap: filepath.Join(dir, "does-not-exist.pcap"),
		outboundPcap: filepath.Join(dir, "out0.pcap"),
		inboundPcap:  filepath.Join(dir, "out1.pcap"),
	}

	logger, _ := test.NewNullLogger()
	if _, err := runReplay(context.Background(), newStage(t), 32, opts, logger); err == nil {
		t.Error("Expected error for missing capture, got nil")
	}
}

func TestRunReplay_SameOutputPath(t *testing.T) {
	dir := t.TempDir()
	opts := runOptions{
		internalPcap: filepath.Join(dir, "lan.pcap"),
		outboundPcap: filepath.Join(dir, "out.pcap"),
		inboundPcap:  filepath.Join(dir, ".", "out.pcap"),
	}
	writeCapture(t, opts.internalPcap, udpFrame(t, "10.0.0.2", 5000, "8.8.8.8", 53))

	logger, _ := test.NewNullLogger()
	if _, err := runReplay(context.Background(), newStage(t), 32, opts, logger); err == nil {
		t.Error("Expected error for identical output captures, got nil")
	}
	if _, err := os.Stat(opts.outboundPcap); !os.IsNotExist(err) {
		t.Errorf("output capture was created: %v", err)
	}
}
