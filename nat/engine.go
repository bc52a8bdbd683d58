package nat

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/igjeong/hyper-napt/config"
	"github.com/igjeong/hyper-napt/packet"
	"github.com/igjeong/hyper-napt/pipeline"
	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/tcpip"
)

// Input gates double as the packet's direction. Output gates use the same
// numbering: a packet leaves on the gate it arrived on.
const (
	Outbound pipeline.Gate = 0 // From the internal network
	Inbound  pipeline.Gate = 1 // From the external network
)

// Stats is a snapshot of stage counters.
type Stats struct {
	Processed           uint64 `json:"processed"`
	TranslatedOutbound  uint64 `json:"translated_outbound"`
	TranslatedInbound   uint64 `json:"translated_inbound"`
	FlowsCreated        uint64 `json:"flows_created"`
	NotIPv4             uint64 `json:"not_ipv4"`
	UnsupportedProtocol uint64 `json:"unsupported_protocol"`
	TableFull           uint64 `json:"table_full"`
	NoMatchingInbound   uint64 `json:"no_matching_inbound"`
	InvalidDirection    uint64 `json:"invalid_direction"`
	Dropped             uint64 `json:"dropped"`
}

// Untranslated returns the number of packets that left without rewrite.
func (s Stats) Untranslated() uint64 {
	return s.NotIPv4 + s.UnsupportedProtocol + s.TableFull + s.NoMatchingInbound + s.InvalidDirection
}

type counters struct {
	processed           atomic.Uint64
	translatedOutbound  atomic.Uint64
	translatedInbound   atomic.Uint64
	flowsCreated        atomic.Uint64
	notIPv4             atomic.Uint64
	unsupportedProtocol atomic.Uint64
	tableFull           atomic.Uint64
	noMatchingInbound   atomic.Uint64
	invalidDirection    atomic.Uint64
	dropped             atomic.Uint64
}

// Stage is the NAPT translation stage. It rewrites outbound packets to
// the NAT address and a per-flow NAT port, and rewrites replies back to
// the internal endpoint.
//
// A Stage is driven by one goroutine unless WithSerializedAccess is set.
// Stats, Flows and the table accessors are safe to call from any goroutine.
type Stage struct {
	table      *FlowTable
	natAddr    netip.Addr
	natMAC     tcpip.LinkAddress // Empty leaves Ethernet addresses alone
	missPolicy config.MissPolicy
	log        *logrus.Entry
	verbose    bool
	mu         *sync.Mutex // Guards find-or-create; nil unless serialized

	stats      counters
	fullWarned atomic.Bool
}

// StageOption is a functional option for Stage configuration.
type StageOption func(*stageOptions)

type stageOptions struct {
	logger     logrus.FieldLogger
	verbose    bool
	serialized bool
}

// WithLogger sets a custom logger.
func WithLogger(logger logrus.FieldLogger) StageOption {
	return func(o *stageOptions) {
		o.logger = logger
	}
}

// WithVerbose enables per-packet debug logging.
func WithVerbose(verbose bool) StageOption {
	return func(o *stageOptions) {
		o.verbose = verbose
	}
}

// WithSerializedAccess makes the outbound find-or-create step safe for
// several goroutines sharing one stage.
func WithSerializedAccess() StageOption {
	return func(o *stageOptions) {
		o.serialized = true
	}
}

// NewStage creates a stage with an empty flow table sized by cfg.
func NewStage(cfg *config.Config, opts ...StageOption) (*Stage, error) {
	var o stageOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logrus.StandardLogger()
	}

	if cfg.NATPortBase < 0 || cfg.NATPortBase > 65535 {
		return nil, fmt.Errorf("nat_port_base %d out of range", cfg.NATPortBase)
	}
	table, err := NewFlowTable(cfg.NATIP, uint16(cfg.NATPortBase), cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow table: %w", err)
	}

	policy := cfg.MissPolicy
	switch policy {
	case "":
		policy = config.MissForward
	case config.MissForward, config.MissDrop:
	default:
		return nil, fmt.Errorf("invalid miss_policy %q", policy)
	}
	if cfg.NATMAC != "" && len(cfg.NATMAC) != 6 {
		return nil, fmt.Errorf("invalid nat_mac %s", cfg.NATMAC)
	}

	s := &Stage{
		table:      table,
		natAddr:    cfg.NATIP,
		natMAC:     cfg.NATMAC,
		missPolicy: policy,
		log:        o.logger.WithField("component", "engine"),
		verbose:    o.verbose,
	}
	if o.serialized {
		s.mu = new(sync.Mutex)
	}

	s.log.WithFields(logrus.Fields{
		"nat_ip":        s.natAddr,
		"nat_mac":       s.natMAC,
		"nat_port_base": table.PortBase(),
		"capacity":      table.Cap(),
		"miss_policy":   s.missPolicy,
		"serialized":    o.serialized,
	}).Info("NAPT stage initialized")

	return s, nil
}

// ProcessBatch translates every packet in b in arrival order and stores
// its output gate in ogates, which is grown if it is too short. The
// returned slice has exactly b.Len() entries.
func (s *Stage) ProcessBatch(b pipeline.Batch, ogates []pipeline.Gate) []pipeline.Gate {
	n := b.Len()
	if cap(ogates) < n {
		ogates = make([]pipeline.Gate, n)
	}
	ogates = ogates[:n]

	for i := 0; i < n; i++ {
		ogates[i], _ = s.ProcessPacket(b.Data(i), b.InputGate(i))
	}
	return ogates
}

// ProcessPacket translates one frame in place. igate is the gate the frame
// arrived on. The returned error, if any, says why the frame was not
// rewritten; it never means the frame must be discarded. The returned gate
// is igate, or pipeline.DropGate when the miss policy drops the frame.
func (s *Stage) ProcessPacket(frame []byte, igate pipeline.Gate) (pipeline.Gate, error) {
	s.stats.processed.Add(1)

	v := packet.Parse(frame)

	var err error
	switch v.Class() {
	case packet.ClassNotIPv4:
		err = ErrNotIPv4
	case packet.ClassUnsupportedProtocol:
		err = ErrUnsupportedProtocol
	default:
		switch igate {
		case Outbound:
			err = s.processOutbound(v)
		case Inbound:
			err = s.processInbound(v)
		default:
			err = ErrInvalidDirection
		}
	}

	if err != nil {
		return s.miss(v, igate, err), err
	}
	return igate, nil
}

func (s *Stage) processOutbound(v packet.View) error {
	src, sport := v.SrcAddr(), v.SrcPort()
	dst, dport := v.DstAddr(), v.DstPort()

	entry, err := s.findOrCreate(v, src, sport, dst, dport)
	if err != nil {
		return err
	}

	if s.natMAC != "" {
		v.SetSrcMAC(s.natMAC)
	}
	v.ApplyNAT(s.natAddr, entry.NATPort)
	s.stats.translatedOutbound.Add(1)

	if s.verbose {
		s.log.Debugf("Outbound %s %s:%d → %s:%d (NAT port: %d, NAT IP: %s)",
			protoName(v.Protocol()), src, sport, dst, dport, entry.NATPort, s.natAddr)
	}
	return nil
}

func (s *Stage) findOrCreate(v packet.View, src netip.Addr, sport uint16, dst netip.Addr, dport uint16) (FlowEntry, error) {
	if s.mu != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	if idx, ok := s.table.FindOutbound(src, sport, dst, dport); ok {
		return s.table.Entry(idx), nil
	}

	idx, err := s.table.CreateEntry(src, sport, dst, dport, v.SrcMAC())
	if err != nil {
		return FlowEntry{}, err
	}
	entry := s.table.Entry(idx)
	s.stats.flowsCreated.Add(1)

	s.log.Infof("New %s %s:%d → %s:%d (mapped to :%d, NAT IP: %s)",
		protoName(v.Protocol()), src, sport, dst, dport, entry.NATPort, s.natAddr)

	return entry, nil
}

func (s *Stage) processInbound(v packet.View) error {
	src, sport := v.SrcAddr(), v.SrcPort()
	dst, dport := v.DstAddr(), v.DstPort()

	idx, ok := s.table.FindInbound(s.natAddr, dst, dport, src, sport)
	if !ok {
		return ErrNoMatchingInboundFlow
	}
	entry := s.table.Entry(idx)

	if s.natMAC != "" {
		v.SetDstMAC(entry.InternalMAC)
	}
	v.ReverseNAT(entry.InternalAddr, entry.InternalPort)
	s.stats.translatedInbound.Add(1)

	if s.verbose {
		s.log.Debugf("Reverse %s %s:%d → %s:%d (entry: %s:%d, NAT port: %d)",
			protoName(v.Protocol()), src, sport, dst, dport,
			entry.InternalAddr, entry.InternalPort, entry.NATPort)
	}
	return nil
}

// miss records why a packet was not translated and picks its output gate.
func (s *Stage) miss(v packet.View, igate pipeline.Gate, err error) pipeline.Gate {
	droppable := false
	switch {
	case errors.Is(err, ErrNotIPv4):
		s.stats.notIPv4.Add(1)
	case errors.Is(err, ErrUnsupportedProtocol):
		s.stats.unsupportedProtocol.Add(1)
	case errors.Is(err, ErrInvalidDirection):
		s.stats.invalidDirection.Add(1)
	case errors.Is(err, ErrTableFull):
		s.stats.tableFull.Add(1)
		droppable = true
		if s.fullWarned.CompareAndSwap(false, true) {
			s.log.WithField("capacity", s.table.Cap()).
				Warn("Flow table full; new outbound flows are no longer translated")
		}
	case errors.Is(err, ErrNoMatchingInboundFlow):
		s.stats.noMatchingInbound.Add(1)
		droppable = true
	}

	if s.verbose {
		entry := s.log.WithError(err).WithField("gate", igate)
		if v.Translatable() {
			entry = entry.WithFields(logrus.Fields{
				"src": netip.AddrPortFrom(v.SrcAddr(), v.SrcPort()),
				"dst": netip.AddrPortFrom(v.DstAddr(), v.DstPort()),
			})
		}
		entry.Debug("Packet not translated")
	}

	if droppable && s.missPolicy == config.MissDrop {
		s.stats.dropped.Add(1)
		return pipeline.DropGate
	}
	return igate
}

// Stats returns a snapshot of the stage counters.
func (s *Stage) Stats() Stats {
	return Stats{
		Processed:           s.stats.processed.Load(),
		TranslatedOutbound:  s.stats.translatedOutbound.Load(),
		TranslatedInbound:   s.stats.translatedInbound.Load(),
		FlowsCreated:        s.stats.flowsCreated.Load(),
		NotIPv4:             s.stats.notIPv4.Load(),
		UnsupportedProtocol: s.stats.unsupportedProtocol.Load(),
		TableFull:           s.stats.tableFull.Load(),
		NoMatchingInbound:   s.stats.noMatchingInbound.Load(),
		InvalidDirection:    s.stats.invalidDirection.Load(),
		Dropped:             s.stats.dropped.Load(),
	}
}

// Flows returns the flows created so far, in creation order.
func (s *Stage) Flows() []FlowEntry {
	return s.table.Entries()
}

// TableStats returns flow table occupancy.
func (s *Stage) TableStats() (active, capacity int) {
	return s.table.Len(), s.table.Cap()
}

// NATAddr returns the address outbound flows are translated to.
func (s *Stage) NATAddr() netip.Addr {
	return s.natAddr
}

// NATMAC returns the Ethernet address outbound packets are sent from, or
// an empty address when MAC rewriting is off.
func (s *Stage) NATMAC() tcpip.LinkAddress {
	return s.natMAC
}

// NATPortBase returns the NAT port assigned to the first flow.
func (s *Stage) NATPortBase() uint16 {
	return s.table.PortBase()
}

// MissPolicy returns the policy applied to untranslatable flows.
func (s *Stage) MissPolicy() config.MissPolicy {
	return s.missPolicy
}

// DumpTable logs all flows for debugging.
func (s *Stage) DumpTable() {
	log := s.log.WithField("component", "table")
	active, capacity := s.TableStats()
	log.Infof("Flows (%d/%d):", active, capacity)
	for _, e := range s.Flows() {
		log.Infof("  %s", e)
	}
}

func protoName(proto uint8) string {
	switch proto {
	case packet.ProtocolTCP:
		return "TCP"
	case packet.ProtocolUDP:
		return "UDP"
	case packet.ProtocolICMP:
		return "ICMP"
	default:
		return fmt.Sprintf("Proto%d", proto)
	}
}
