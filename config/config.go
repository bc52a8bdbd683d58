// Package config handles parsing and validation of Hyper-NAPT configuration files.
package config

import (
	"fmt"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"
	"gvisor.dev/gvisor/pkg/tcpip"
)

// MissPolicy selects what happens to a packet that could not be translated
// because the table is full or no flow matches an inbound packet.
type MissPolicy string

const (
	MissForward MissPolicy = "forward" // Emit unchanged on the arrival gate
	MissDrop    MissPolicy = "drop"    // Emit on the drop gate
)

// Defaults
const (
	DefaultNATPortBase = 40000
	DefaultCapacity    = 10
	DefaultBatchSize   = 32
	DefaultStatusAddr  = "127.0.0.1:47847"

	// MaxBatchSize matches pipeline.MaxBurst.
	MaxBatchSize = 32
)

// Config holds the complete configuration for Hyper-NAPT.
type Config struct {
	NATIP    netip.Addr `yaml:"-"`
	NATIPStr string     `yaml:"nat_ip"`

	// NATMAC, when set, replaces the Ethernet source of outbound packets,
	// and replies get the internal host's MAC back as their destination.
	NATMAC    tcpip.LinkAddress `yaml:"-"`
	NATMACStr string            `yaml:"nat_mac"`

	NATPortBase int        `yaml:"nat_port_base"`
	Capacity    int        `yaml:"capacity"`
	MissPolicy  MissPolicy `yaml:"miss_policy"`
	BatchSize   int        `yaml:"batch_size"`
	StatusAddr  string     `yaml:"status_addr"`
	MetricsAddr string     `yaml:"metrics_addr"` // Empty disables the metrics listener
	Serialized  bool       `yaml:"serialized"`
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML data and fills in defaults for
// omitted keys.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Parse NAT IP
	if cfg.NATIPStr == "" {
		return nil, fmt.Errorf("nat_ip is required")
	}
	addr, err := netip.ParseAddr(cfg.NATIPStr)
	if err != nil {
		return nil, fmt.Errorf("invalid nat_ip: %w", err)
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return nil, fmt.Errorf("nat_ip must be IPv4: %s", cfg.NATIPStr)
	}
	cfg.NATIP = addr

	if cfg.NATMACStr != "" {
		mac, err := tcpip.ParseMACAddress(cfg.NATMACStr)
		if err != nil {
			return nil, fmt.Errorf("invalid nat_mac: %w", err)
		}
		cfg.NATMAC = mac
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.NATPortBase == 0 {
		c.NATPortBase = DefaultNATPortBase
	}
	if c.Capacity == 0 {
		c.Capacity = DefaultCapacity
	}
	if c.MissPolicy == "" {
		c.MissPolicy = MissForward
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.StatusAddr == "" {
		c.StatusAddr = DefaultStatusAddr
	}
}

// Validate performs range checks on the parsed configuration.
func (c *Config) Validate() error {
	if !c.NATIP.Is4() {
		return fmt.Errorf("nat_ip must be IPv4: %s", c.NATIP)
	}
	if c.NATMAC != "" && len(c.NATMAC) != 6 {
		return fmt.Errorf("nat_mac must be a 6-byte MAC address: %s", c.NATMAC)
	}
	if c.NATPortBase < 1 || c.NATPortBase > 65535 {
		return fmt.Errorf("nat_port_base %d out of range (1-65535)", c.NATPortBase)
	}
	if c.Capacity < 1 {
		return fmt.Errorf("capacity must be at least 1, got %d", c.Capacity)
	}
	// Every NAT port handed out must fit in 16 bits
	if last := c.NATPortBase + c.Capacity - 1; last > 65535 {
		return fmt.Errorf("nat_port_base %d with capacity %d would assign port %d (max 65535)",
			c.NATPortBase, c.Capacity, last)
	}
	if c.BatchSize < 1 || c.BatchSize > MaxBatchSize {
		return fmt.Errorf("batch_size %d out of range (1-%d)", c.BatchSize, MaxBatchSize)
	}
	if c.MissPolicy != MissForward && c.MissPolicy != MissDrop {
		return fmt.Errorf("invalid miss_policy %q (must be 'forward' or 'drop')", c.MissPolicy)
	}
	return nil
}
