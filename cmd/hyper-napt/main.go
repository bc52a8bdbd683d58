// Hyper-NAPT: flow-based NAPT stage with a pcap replay driver.
// Replays an internal-side and an external-side capture through the stage
// and writes each output gate to its own capture.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/igjeong/hyper-napt/config"
	"github.com/igjeong/hyper-napt/ipc"
	"github.com/igjeong/hyper-napt/metrics"
	"github.com/igjeong/hyper-napt/nat"
	"github.com/igjeong/hyper-napt/pipeline"
	"github.com/igjeong/hyper-napt/replay"
	"github.com/sirupsen/logrus"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
)

type runOptions struct {
	configPath   string
	logFile      string
	verbose      bool
	internalPcap string
	externalPcap string
	outboundPcap string
	inboundPcap  string
	hold         bool
}

func main() {
	// Check for subcommands first
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "status":
			runStatusCommand(os.Args[2:])
			return
		case "flows":
			runFlowsCommand(os.Args[2:])
			return
		case "help", "-h", "--help":
			printUsage()
			return
		}
	}

	// Parse command line flags for run mode
	var opts runOptions
	flag.StringVar(&opts.configPath, "config", "hyper-napt.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.BoolVar(&opts.verbose, "verbose", false, "Enable verbose logging")
	flag.StringVar(&opts.logFile, "logfile", "", "Path to log file (default: stdout)")
	flag.StringVar(&opts.internalPcap, "internal", "", "Capture replayed on the internal (outbound) gate")
	flag.StringVar(&opts.externalPcap, "external", "", "Capture replayed on the external (inbound) gate")
	flag.StringVar(&opts.outboundPcap, "out-outbound", "outbound.pcap", "Capture written for output gate 0")
	flag.StringVar(&opts.inboundPcap, "out-inbound", "inbound.pcap", "Capture written for output gate 1")
	flag.BoolVar(&opts.hold, "hold", false, "Keep serving status and metrics after the replay until interrupted")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Hyper-NAPT v%s (built: %s)\n", version, buildTime)
		os.Exit(0)
	}

	if opts.internalPcap == "" && opts.externalPcap == "" {
		fmt.Fprintln(os.Stderr, "at least one of -internal or -external is required")
		printUsage()
		os.Exit(2)
	}

	// Run in foreground mode
	if err := runForeground(opts); err != nil {
		os.Exit(1)
	}
}

func runForeground(opts runOptions) error {
	// Setup logger
	logger, logCloser := setupLogger(opts.logFile, opts.verbose)
	if logCloser != nil {
		defer logCloser.Close()
	}
	log := logger.WithField("component", "main")

	log.Infof("Hyper-NAPT v%s starting...", version)

	// Load configuration
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load config")
		return err
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("Invalid configuration")
		return err
	}

	log.Infof("Configuration loaded from %s", opts.configPath)

	// Create NAPT stage
	stageOpts := []nat.StageOption{
		nat.WithLogger(logger),
		nat.WithVerbose(opts.verbose),
	}
	if cfg.Serialized {
		stageOpts = append(stageOpts, nat.WithSerializedAccess())
	}
	stage, err := nat.NewStage(cfg, stageOpts...)
	if err != nil {
		log.WithError(err).Error("Failed to create NAPT stage")
		return err
	}

	// Setup context with cancellation on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Track start time for uptime
	startTime := time.Now()

	// Start IPC server for status queries
	ipcServer := ipc.NewServer(cfg.StatusAddr,
		func() *ipc.StatusResponse { return statusFromStage(stage, time.Since(startTime)) },
		func() *ipc.FlowsResponse { return flowsFromStage(stage) },
	)
	ipcServer.SetLogger(logger)
	if err := ipcServer.Start(); err != nil {
		log.WithError(err).Warn("Failed to start IPC server")
	} else {
		log.Infof("IPC server listening on %s", ipcServer.Addr())
	}
	defer ipcServer.Stop()

	// Start metrics server if configured
	if cfg.MetricsAddr != "" {
		metricsServer := metrics.NewServer(cfg.MetricsAddr, stage, logger)
		if err := metricsServer.Start(); err != nil {
			log.WithError(err).Warn("Failed to start metrics server")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				metricsServer.Stop(shutdownCtx)
			}()
		}
	}

	res, err := runReplay(ctx, stage, cfg.BatchSize, opts, logger)
	switch {
	case errors.Is(err, context.Canceled):
		log.Info("Received signal, shutting down...")
	case err != nil:
		log.WithError(err).Error("Replay failed")
	default:
		log.WithFields(logrus.Fields{
			"packets":  res.Packets,
			"batches":  res.Batches,
			"outbound": res.PerGate[nat.Outbound],
			"inbound":  res.PerGate[nat.Inbound],
			"dropped":  res.Dropped,
		}).Info("Replay finished")

		if opts.hold {
			log.Info("Holding; press Ctrl+C to exit")
			<-ctx.Done()
			log.Info("Received signal, shutting down...")
		}
	}

	if opts.verbose {
		stage.DumpTable()
	}

	// Print final statistics
	st := stage.Stats()
	active, capacity := stage.TableStats()
	log.Info("Final statistics:")
	log.Infof("  Packets processed: %d", st.Processed)
	log.Infof("  Translated outbound: %d", st.TranslatedOutbound)
	log.Infof("  Translated inbound: %d", st.TranslatedInbound)
	log.Infof("  Untranslated: %d (table full: %d, no matching flow: %d)",
		st.Untranslated(), st.TableFull, st.NoMatchingInbound)
	log.Infof("  Dropped: %d", st.Dropped)
	log.Infof("  Flows: %d/%d", active, capacity)

	log.Info("Hyper-NAPT stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runReplay opens the input and output captures and replays them through stage.
func runReplay(ctx context.Context, stage *nat.Stage, batchSize int, opts runOptions, logger logrus.FieldLogger) (res replay.Result, err error) {
	if filepath.Clean(opts.outboundPcap) == filepath.Clean(opts.inboundPcap) {
		return res, fmt.Errorf("outbound and inbound captures must be different files: %s", opts.outboundPcap)
	}

	var sources []replay.Source

	for _, in := range []struct {
		path string
		gate pipeline.Gate
	}{
		{opts.internalPcap, nat.Outbound},
		{opts.externalPcap, nat.Inbound},
	} {
		if in.path == "" {
			continue
		}
		f, err := os.Open(in.path)
		if err != nil {
			return res, fmt.Errorf("failed to open capture: %w", err)
		}
		defer f.Close()

		r, err := replay.NewReader(f, in.gate)
		if err != nil {
			return res, fmt.Errorf("%s: %w", in.path, err)
		}
		sources = append(sources, r)
	}

	sinks := make(map[pipeline.Gate]io.Writer)
	for gate, path := range map[pipeline.Gate]string{
		nat.Outbound: opts.outboundPcap,
		nat.Inbound:  opts.inboundPcap,
	} {
		f, cerr := os.Create(path)
		if cerr != nil {
			return res, fmt.Errorf("failed to create output capture: %w", cerr)
		}
		defer func() {
			if cerr := f.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("failed to close output capture %s: %w", path, cerr)
			}
		}()
		sinks[gate] = f
	}

	runner, err := replay.NewRunner(stage, batchSize, sinks, logger)
	if err != nil {
		return res, err
	}
	return runner.Run(ctx, replay.NewMerger(sources...))
}

func statusFromStage(stage *nat.Stage, uptime time.Duration) *ipc.StatusResponse {
	st := stage.Stats()
	active, capacity := stage.TableStats()

	return &ipc.StatusResponse{
		Running:          true,
		Uptime:           uptime,
		UptimeStr:        formatDuration(uptime),
		NATIP:            stage.NATAddr().String(),
		NATMAC:           stage.NATMAC().String(),
		NATPortBase:      stage.NATPortBase(),
		MissPolicy:       string(stage.MissPolicy()),
		ActiveFlows:      active,
		Capacity:         capacity,
		PacketsProcessed: st.Processed,
		PacketsOutbound:  st.TranslatedOutbound,
		PacketsInbound:   st.TranslatedInbound,
		PacketsPassed:    st.Untranslated(),
		PacketsDropped:   st.Dropped,
		FlowsCreated:     st.FlowsCreated,
		Misses: ipc.MissCounts{
			NotIPv4:             st.NotIPv4,
			UnsupportedProtocol: st.UnsupportedProtocol,
			TableFull:           st.TableFull,
			NoMatchingInbound:   st.NoMatchingInbound,
			InvalidDirection:    st.InvalidDirection,
		},
	}
}

// flowsFromStage converts nat.FlowEntry to ipc.FlowInfo
func flowsFromStage(stage *nat.Stage) *ipc.FlowsResponse {
	flows := stage.Flows()
	_, capacity := stage.TableStats()

	resp := &ipc.FlowsResponse{
		Flows:    make([]ipc.FlowInfo, len(flows)),
		Capacity: capacity,
	}
	for i, f := range flows {
		resp.Flows[i] = ipc.FlowInfo{
			InternalIP:   f.InternalAddr.String(),
			InternalPort: f.InternalPort,
			ExternalIP:   f.ExternalAddr.String(),
			ExternalPort: f.ExternalPort,
			NATPort:      f.NATPort,
			InternalMAC:  f.InternalMAC.String(),
		}
	}
	return resp
}

func setupLogger(logFile string, verbose bool) (*logrus.Logger, io.Closer) {
	var writer io.Writer = os.Stdout
	var closer io.Closer

	if logFile != "" {
		// Ensure log directory exists
		logDir := filepath.Dir(logFile)
		if logDir != "" && logDir != "." {
			if err := os.MkdirAll(logDir, 0755); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: Failed to create log directory: %v\n", err)
			}
		}

		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open log file: %v, using stdout\n", err)
		} else {
			// Write to both file and stdout
			writer = io.MultiWriter(os.Stdout, f)
			closer = f
		}
	}

	logger := logrus.New()
	logger.SetOutput(writer)

	formatter := &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006/01/02 15:04:05"}
	logger.SetLevel(logrus.InfoLevel)
	if verbose {
		formatter.TimestampFormat = "2006/01/02 15:04:05.000000"
		logger.SetLevel(logrus.DebugLevel)
	}
	logger.SetFormatter(formatter)

	return logger, closer
}

func printUsage() {
	fmt.Printf(`Hyper-NAPT v%s - Flow-based NAPT stage

Usage:
  hyper-napt [flags]             Replay captures through the NAPT stage
  hyper-napt status [-addr a]    Show status of running instance
  hyper-napt flows [-addr a]     Show flow table of running instance
  hyper-napt help                Show this help message

Run Flags:
  -config string        Path to configuration file (default "hyper-napt.yaml")
  -internal string      Capture replayed on the internal (outbound) gate
  -external string      Capture replayed on the external (inbound) gate
  -out-outbound string  Capture written for output gate 0 (default "outbound.pcap")
  -out-inbound string   Capture written for output gate 1 (default "inbound.pcap")
  -hold                 Keep serving status and metrics until interrupted
  -logfile string       Path to log file (default: stdout only)
  -verbose              Enable verbose logging
  -version              Show version information

Examples:
  # Replay both sides of a capture
  hyper-napt -config configs/hyper-napt.yaml -internal lan.pcap -external wan.pcap

  # Keep the process around to inspect it
  hyper-napt -config configs/hyper-napt.yaml -internal lan.pcap -hold
  hyper-napt status
  hyper-napt flows
`, version)
}

func statusAddrFlag(name string, args []string) string {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	addr := fs.String("addr", ipc.DefaultAddr, "Status address of the running instance")
	fs.Parse(args)
	return *addr
}

func runStatusCommand(args []string) {
	client := ipc.NewClient(statusAddrFlag("status", args))

	status, err := client.GetStatus()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		fmt.Println("\nHyper-NAPT is not running. Start it with:")
		fmt.Println("  hyper-napt -config configs/hyper-napt.yaml -internal lan.pcap -hold")
		os.Exit(1)
	}

	fmt.Printf("Hyper-NAPT Status\n")
	fmt.Printf("=================\n\n")
	fmt.Printf("Status:           Running\n")
	fmt.Printf("Uptime:           %s\n", status.UptimeStr)
	fmt.Printf("NAT IP:           %s\n", status.NATIP)
	if status.NATMAC != "" {
		fmt.Printf("NAT MAC:          %s\n", status.NATMAC)
	}
	fmt.Printf("NAT Port Base:    %d\n", status.NATPortBase)
	fmt.Printf("Miss Policy:      %s\n\n", status.MissPolicy)

	fmt.Printf("Packet Statistics\n")
	fmt.Printf("-----------------\n")
	fmt.Printf("Processed:        %d\n", status.PacketsProcessed)
	fmt.Printf("Outbound:         %d\n", status.PacketsOutbound)
	fmt.Printf("Inbound:          %d\n", status.PacketsInbound)
	fmt.Printf("Untranslated:     %d\n", status.PacketsPassed)
	fmt.Printf("  Not IPv4:       %d\n", status.Misses.NotIPv4)
	fmt.Printf("  Unsupported:    %d\n", status.Misses.UnsupportedProtocol)
	fmt.Printf("  Table full:     %d\n", status.Misses.TableFull)
	fmt.Printf("  No flow:        %d\n", status.Misses.NoMatchingInbound)
	fmt.Printf("  Bad gate:       %d\n", status.Misses.InvalidDirection)
	fmt.Printf("Dropped:          %d\n\n", status.PacketsDropped)

	fmt.Printf("Flow Table\n")
	fmt.Printf("----------\n")
	fmt.Printf("Active:           %d/%d\n", status.ActiveFlows, status.Capacity)
	fmt.Printf("Created:          %d\n", status.FlowsCreated)
}

func runFlowsCommand(args []string) {
	client := ipc.NewClient(statusAddrFlag("flows", args))

	resp, err := client.GetFlows()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Flows (%d/%d)\n", len(resp.Flows), resp.Capacity)
	fmt.Printf("%-21s %-21s %-8s %s\n", "Internal", "External", "NAT Port", "Internal MAC")
	for _, f := range resp.Flows {
		internal := fmt.Sprintf("%s:%d", f.InternalIP, f.InternalPort)
		external := fmt.Sprintf("%s:%d", f.ExternalIP, f.ExternalPort)
		fmt.Printf("%-21s %-21s %-8d %s\n", internal, external, f.NATPort, f.InternalMAC)
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
