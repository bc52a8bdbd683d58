// Package pipeline defines the boundary between a packet-processing stage
// and the framework that delivers batches and fans them out by gate.
package pipeline

import "math"

// MaxBurst is the largest number of packets carried by one batch.
const MaxBurst = 32

// Gate identifies an input or output path of a stage.
type Gate uint16

// DropGate is the output gate for packets the framework should discard.
const DropGate Gate = math.MaxUint16

// Batch is a group of packets handed to a stage in one call.
// Data returns the packet's frame bytes, starting at the Ethernet header;
// stages may rewrite them in place.
type Batch interface {
	Len() int
	Data(i int) []byte
	InputGate(i int) Gate
}

// Packet is a single frame together with the gate it arrived on.
type Packet struct {
	Data  []byte
	IGate Gate
}

// PacketBatch is a bounded, reusable Batch.
type PacketBatch struct {
	pkts [MaxBurst]Packet
	cnt  int
}

// Add appends a frame to the batch. It returns false when the batch is full.
func (b *PacketBatch) Add(data []byte, igate Gate) bool {
	if b.cnt == MaxBurst {
		return false
	}
	b.pkts[b.cnt] = Packet{Data: data, IGate: igate}
	b.cnt++
	return true
}

// Reset empties the batch without releasing frame memory owned by callers.
func (b *PacketBatch) Reset() {
	for i := 0; i < b.cnt; i++ {
		b.pkts[i] = Packet{}
	}
	b.cnt = 0
}

// Full reports whether another packet can be added.
func (b *PacketBatch) Full() bool {
	return b.cnt == MaxBurst
}

// Len returns the number of packets in the batch.
func (b *PacketBatch) Len() int {
	return b.cnt
}

// Data returns the frame of packet i.
func (b *PacketBatch) Data(i int) []byte {
	return b.pkts[i].Data
}

// InputGate returns the gate packet i arrived on.
func (b *PacketBatch) InputGate(i int) Gate {
	return b.pkts[i].IGate
}

// Split walks the batch in order and calls emit for every packet whose
// output gate is not DropGate. ogates must hold one entry per packet.
func Split(b Batch, ogates []Gate, emit func(gate Gate, i int)) (dropped int) {
	for i := 0; i < b.Len(); i++ {
		if ogates[i] == DropGate {
			dropped++
			continue
		}
		emit(ogates[i], i)
	}
	return dropped
}
