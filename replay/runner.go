package replay

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/igjeong/hyper-napt/pipeline"
	"github.com/sirupsen/logrus"
)

// DefaultSnapLen is written into output pcap headers.
const DefaultSnapLen = 65536

// Processor is the stage under replay. *nat.Stage satisfies it.
type Processor interface {
	ProcessBatch(b pipeline.Batch, ogates []pipeline.Gate) []pipeline.Gate
}

// Result summarizes a replay.
type Result struct {
	Packets  int                   // Packets read from the source
	Batches  int                   // Batches handed to the processor
	PerGate  map[pipeline.Gate]int // Packets written, by output gate
	Dropped  int                   // Packets sent to the drop gate
	Unrouted int                   // Packets on a gate with no sink
}

// Runner batches packets from a Source through a Processor and writes
// each output gate to its own pcap.
type Runner struct {
	proc      Processor
	batchSize int
	sinks     map[pipeline.Gate]*pcapgo.Writer
	log       *logrus.Entry
}

// NewRunner creates a runner and writes a pcap file header to every sink.
// batchSize must be between 1 and pipeline.MaxBurst.
func NewRunner(proc Processor, batchSize int, sinks map[pipeline.Gate]io.Writer, logger logrus.FieldLogger) (*Runner, error) {
	if batchSize < 1 || batchSize > pipeline.MaxBurst {
		return nil, fmt.Errorf("batch size %d out of range (1-%d)", batchSize, pipeline.MaxBurst)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	r := &Runner{
		proc:      proc,
		batchSize: batchSize,
		sinks:     make(map[pipeline.Gate]*pcapgo.Writer, len(sinks)),
		log:       logger.WithField("component", "replay"),
	}
	for gate, w := range sinks {
		pw := pcapgo.NewWriter(w)
		if err := pw.WriteFileHeader(DefaultSnapLen, layers.LinkTypeEthernet); err != nil {
			return nil, fmt.Errorf("failed to write pcap header for gate %d: %w", gate, err)
		}
		r.sinks[gate] = pw
	}
	return r, nil
}

// Run replays src until it is exhausted or ctx is cancelled. The partial
// result is returned alongside any error.
func (r *Runner) Run(ctx context.Context, src Source) (Result, error) {
	res := Result{PerGate: make(map[pipeline.Gate]int)}

	var (
		batch  pipeline.PacketBatch
		cis    [pipeline.MaxBurst]gopacket.CaptureInfo
		ogates = make([]pipeline.Gate, 0, pipeline.MaxBurst)
	)

	flush := func() error {
		if batch.Len() == 0 {
			return nil
		}
		ogates = r.proc.ProcessBatch(&batch, ogates[:0])
		res.Batches++

		var werr error
		res.Dropped += pipeline.Split(&batch, ogates, func(gate pipeline.Gate, i int) {
			sink, ok := r.sinks[gate]
			if !ok {
				res.Unrouted++
				return
			}
			if werr != nil {
				return
			}
			if err := sink.WritePacket(cis[i], batch.Data(i)); err != nil {
				werr = fmt.Errorf("failed to write packet to gate %d: %w", gate, err)
				return
			}
			res.PerGate[gate]++
		})

		r.log.WithFields(logrus.Fields{
			"batch": res.Batches,
			"size":  batch.Len(),
		}).Debug("Batch processed")

		batch.Reset()
		return werr
	}

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		pkt, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("failed to read packet %d: %w", res.Packets+1, err)
		}
		res.Packets++

		// Ingested frames keep their captured length; rewriting never
		// changes it.
		cis[batch.Len()] = pkt.CI
		batch.Add(pkt.Data, pkt.Gate)

		if batch.Len() == r.batchSize {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}

	if err := flush(); err != nil {
		return res, err
	}
	return res, nil
}
