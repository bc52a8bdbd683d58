// Package nat implements the NAPT stage: the flow table and the per-packet
// translation engine.
package nat

import (
	"fmt"
	"math"
	"net/netip"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/tcpip"
)

// FlowEntry maps one internal endpoint talking to one external endpoint
// onto a port of the NAT address. Entries never change once created.
type FlowEntry struct {
	InternalAddr netip.Addr
	InternalPort uint16
	ExternalAddr netip.Addr
	ExternalPort uint16
	NATPort      uint16 // Port exposed to external network

	// InternalMAC is the Ethernet source seen when the flow was created.
	// It is not part of flow matching.
	InternalMAC tcpip.LinkAddress
}

// String returns a human-readable representation of the entry.
func (e FlowEntry) String() string {
	return fmt.Sprintf("%s:%d -> %s:%d (NAT port: %d)",
		e.InternalAddr, e.InternalPort,
		e.ExternalAddr, e.ExternalPort,
		e.NATPort)
}

// FlowTable is a fixed-capacity, append-only arena of flows.
//
// Slots are filled in order and never freed, so a NAT port is never handed
// out twice. Only one goroutine may call CreateEntry at a time; Len and
// Entries may be called concurrently with it and observe a prefix of the
// table, since the count is published after the slot is written.
type FlowTable struct {
	natAddr  netip.Addr
	portBase uint16
	entries  []FlowEntry
	count    atomic.Int64
}

// NewFlowTable creates an empty table. It fails when capacity is zero or
// when the last slot's NAT port would not fit in 16 bits.
func NewFlowTable(natAddr netip.Addr, portBase uint16, capacity int) (*FlowTable, error) {
	if !natAddr.Is4() {
		return nil, fmt.Errorf("NAT address must be IPv4: %s", natAddr)
	}
	if capacity < 1 {
		return nil, fmt.Errorf("capacity must be at least 1, got %d", capacity)
	}
	if last := int(portBase) + capacity - 1; last > math.MaxUint16 {
		return nil, fmt.Errorf("port base %d with capacity %d overflows NAT port range (last port %d)",
			portBase, capacity, last)
	}

	return &FlowTable{
		natAddr:  natAddr,
		portBase: portBase,
		entries:  make([]FlowEntry, capacity),
	}, nil
}

// NATAddr returns the public address flows are translated to.
func (t *FlowTable) NATAddr() netip.Addr {
	return t.natAddr
}

// PortBase returns the NAT port of the first slot.
func (t *FlowTable) PortBase() uint16 {
	return t.portBase
}

// Cap returns the table capacity.
func (t *FlowTable) Cap() int {
	return len(t.entries)
}

// Len returns the number of flows created so far.
func (t *FlowTable) Len() int {
	return int(t.count.Load())
}

// Entry returns the flow at index i. i must be below Len.
func (t *FlowTable) Entry(i int) FlowEntry {
	return t.entries[i]
}

// FindOutbound returns the index of the flow from src:sport to dst:dport.
func (t *FlowTable) FindOutbound(src netip.Addr, sport uint16, dst netip.Addr, dport uint16) (int, bool) {
	n := t.Len()
	for i := 0; i < n; i++ {
		e := &t.entries[i]
		if e.InternalAddr == src && e.InternalPort == sport &&
			e.ExternalAddr == dst && e.ExternalPort == dport {
			return i, true
		}
	}
	return -1, false
}

// FindInbound returns the index of the flow a packet from src:sport to
// dst:dport belongs to. dst must equal natAddr and dport the flow's NAT
// port.
func (t *FlowTable) FindInbound(natAddr, dst netip.Addr, dport uint16, src netip.Addr, sport uint16) (int, bool) {
	if dst != natAddr {
		return -1, false
	}
	n := t.Len()
	for i := 0; i < n; i++ {
		e := &t.entries[i]
		if e.NATPort == dport && e.ExternalAddr == src && e.ExternalPort == sport {
			return i, true
		}
	}
	return -1, false
}

// CreateEntry appends a flow from src:sport to dst:dport and returns its
// index. mac is the internal host's Ethernet address. The NAT port is the
// port base plus the index. Callers must check FindOutbound first;
// CreateEntry does not look for duplicates.
func (t *FlowTable) CreateEntry(src netip.Addr, sport uint16, dst netip.Addr, dport uint16, mac tcpip.LinkAddress) (int, error) {
	n := t.Len()
	if n == len(t.entries) {
		return -1, ErrTableFull
	}

	t.entries[n] = FlowEntry{
		InternalAddr: src,
		InternalPort: sport,
		ExternalAddr: dst,
		ExternalPort: dport,
		NATPort:      t.portBase + uint16(n),
		InternalMAC:  mac,
	}
	t.count.Store(int64(n + 1))

	return n, nil
}

// Entries returns a copy of all flows created so far, in creation order.
func (t *FlowTable) Entries() []FlowEntry {
	n := t.Len()
	out := make([]FlowEntry, n)
	copy(out, t.entries[:n])
	return out
}
