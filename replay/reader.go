// Package replay feeds packet captures through a stage in batches and
// writes what comes out of each output gate to its own capture.
package replay

import (
	"container/heap"
	"errors"
	"fmt"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/igjeong/hyper-napt/pipeline"
)

// Packet is one captured frame and the gate it is replayed on.
type Packet struct {
	CI   gopacket.CaptureInfo
	Data []byte
	Gate pipeline.Gate
}

// Source yields packets in replay order. Next returns io.EOF when done.
type Source interface {
	Next() (Packet, error)
}

// Reader replays one pcap file on a single input gate.
type Reader struct {
	r    *pcapgo.Reader
	gate pipeline.Gate
}

// NewReader reads the pcap header from r. Only Ethernet captures are
// accepted.
func NewReader(r io.Reader, gate pipeline.Gate) (*Reader, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read pcap header: %w", err)
	}
	if lt := pr.LinkType(); lt != layers.LinkTypeEthernet {
		return nil, fmt.Errorf("unsupported link type %s (want Ethernet)", lt)
	}
	return &Reader{r: pr, gate: gate}, nil
}

// Next returns the next packet in file order.
func (r *Reader) Next() (Packet, error) {
	data, ci, err := r.r.ReadPacketData()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Packet{}, io.EOF
		}
		return Packet{}, fmt.Errorf("failed to read packet: %w", err)
	}
	return Packet{CI: ci, Data: data, Gate: r.gate}, nil
}

// Merger interleaves several sources by capture timestamp. Packets with
// equal timestamps come out in source order.
type Merger struct {
	sources []Source
	pending mergeHeap
	started bool
}

// NewMerger creates a merger over sources.
func NewMerger(sources ...Source) *Merger {
	return &Merger{sources: sources}
}

// Next returns the earliest pending packet across all sources.
func (m *Merger) Next() (Packet, error) {
	if !m.started {
		m.started = true
		for i := range m.sources {
			if err := m.fill(i); err != nil {
				return Packet{}, err
			}
		}
	}

	if m.pending.Len() == 0 {
		return Packet{}, io.EOF
	}

	head := heap.Pop(&m.pending).(mergeItem)
	if err := m.fill(head.src); err != nil {
		return Packet{}, err
	}
	return head.pkt, nil
}

// fill pulls the next packet of source i into the heap.
func (m *Merger) fill(i int) error {
	pkt, err := m.sources[i].Next()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("source %d: %w", i, err)
	}
	heap.Push(&m.pending, mergeItem{pkt: pkt, src: i})
	return nil
}

type mergeItem struct {
	pkt Packet
	src int
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	ti, tj := h[i].pkt.CI.Timestamp, h[j].pkt.CI.Timestamp
	if !ti.Equal(tj) {
		return ti.Before(tj)
	}
	return h[i].src < h[j].src
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(mergeItem)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
