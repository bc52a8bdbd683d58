// Package ipc provides inter-process communication for hyper-napt status queries.
package ipc

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultAddr is the loopback address the status server listens on.
// 47847 is "HYNAT" on a phone keypad.
const DefaultAddr = "127.0.0.1:47847"

// Commands understood by the server.
const (
	CommandPing   = "ping"
	CommandStatus = "status"
	CommandFlows  = "flows"
)

// StatusResponse contains the current status of the NAPT stage.
type StatusResponse struct {
	Running          bool          `json:"running"`
	Uptime           time.Duration `json:"uptime"`
	UptimeStr        string        `json:"uptime_str"`
	NATIP            string        `json:"nat_ip"`
	NATMAC           string        `json:"nat_mac,omitempty"`
	NATPortBase      uint16        `json:"nat_port_base"`
	MissPolicy       string        `json:"miss_policy"`
	ActiveFlows      int           `json:"active_flows"`
	Capacity         int           `json:"capacity"`
	PacketsProcessed uint64        `json:"packets_processed"`
	PacketsOutbound  uint64        `json:"packets_translated_outbound"`
	PacketsInbound   uint64        `json:"packets_translated_inbound"`
	PacketsPassed    uint64        `json:"packets_untranslated"`
	PacketsDropped   uint64        `json:"packets_dropped"`
	FlowsCreated     uint64        `json:"flows_created"`
	Misses           MissCounts    `json:"misses"`
}

// MissCounts breaks untranslated packets down by reason.
type MissCounts struct {
	NotIPv4             uint64 `json:"not_ipv4"`
	UnsupportedProtocol uint64 `json:"unsupported_protocol"`
	TableFull           uint64 `json:"table_full"`
	NoMatchingInbound   uint64 `json:"no_matching_inbound"`
	InvalidDirection    uint64 `json:"invalid_direction"`
}

// FlowInfo represents a single NAPT flow.
type FlowInfo struct {
	InternalIP   string `json:"internal_ip"`
	InternalPort uint16 `json:"internal_port"`
	ExternalIP   string `json:"external_ip"`
	ExternalPort uint16 `json:"external_port"`
	NATPort      uint16 `json:"nat_port"`
	InternalMAC  string `json:"internal_mac,omitempty"`
}

// FlowsResponse is the reply to the flows command.
type FlowsResponse struct {
	Flows    []FlowInfo `json:"flows"`
	Capacity int        `json:"capacity"`
}

// Request represents an IPC request.
type Request struct {
	Command string `json:"command"` // "ping", "status", "flows"
}

// Server provides an IPC server for status queries.
type Server struct {
	addr       string
	listener   net.Listener
	statusFunc func() *StatusResponse
	flowsFunc  func() *FlowsResponse
	log        *logrus.Entry
	mu         sync.Mutex
	running    bool
	stopChan   chan struct{}
}

// NewServer creates a new IPC server listening on addr once started.
// An empty addr means DefaultAddr.
func NewServer(addr string, statusFunc func() *StatusResponse, flowsFunc func() *FlowsResponse) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Server{
		addr:       addr,
		statusFunc: statusFunc,
		flowsFunc:  flowsFunc,
		log:        logrus.WithField("component", "ipc"),
		stopChan:   make(chan struct{}),
	}
}

// SetLogger replaces the server's logger.
func (s *Server) SetLogger(logger logrus.FieldLogger) {
	s.log = logger.WithField("component", "ipc")
}

// Start begins listening for IPC connections.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start IPC server: %w", err)
	}

	s.listener = listener
	s.running = true

	go s.acceptLoop()
	return nil
}

// Addr returns the address the server listens on, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops the IPC server.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	s.running = false
	close(s.stopChan)
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *Server) acceptLoop() {
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		// Set accept timeout
		if tcpListener, ok := s.listener.(*net.TCPListener); ok {
			tcpListener.SetDeadline(time.Now().Add(1 * time.Second))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			// Check if server was stopped
			select {
			case <-s.stopChan:
				return
			default:
				// Timeout or temporary error, continue
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	// Read request
	decoder := json.NewDecoder(conn)
	var req Request
	if err := decoder.Decode(&req); err != nil {
		s.log.WithError(err).Debug("Malformed request")
		return
	}

	// Process request
	var response interface{}
	switch req.Command {
	case CommandPing:
		response = map[string]string{"status": "ok"}
	case CommandStatus:
		if s.statusFunc != nil {
			response = s.statusFunc()
		} else {
			response = map[string]string{"error": "status function not set"}
		}
	case CommandFlows:
		if s.flowsFunc != nil {
			response = s.flowsFunc()
		} else {
			response = map[string]string{"error": "flows function not set"}
		}
	default:
		response = map[string]string{"error": "unknown command"}
	}

	// Send response
	encoder := json.NewEncoder(conn)
	if err := encoder.Encode(response); err != nil {
		s.log.WithError(err).Debug("Failed to send response")
	}
}

// Client provides an IPC client for status queries.
type Client struct {
	addr string
}

// NewClient creates a new IPC client. An empty addr means DefaultAddr.
func NewClient(addr string) *Client {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Client{addr: addr}
}

// call sends one command and decodes the reply into resp.
func (c *Client) call(command string, resp interface{}) error {
	conn, err := net.DialTimeout("tcp", c.addr, 2*time.Second)
	if err != nil {
		return fmt.Errorf("hyper-napt is not running: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))

	encoder := json.NewEncoder(conn)
	if err := encoder.Encode(Request{Command: command}); err != nil {
		return fmt.Errorf("failed to send %s request: %w", command, err)
	}

	decoder := json.NewDecoder(conn)
	if err := decoder.Decode(resp); err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	return nil
}

// Ping checks if the server is running.
func (c *Client) Ping() error {
	var resp map[string]string
	if err := c.call(CommandPing, &resp); err != nil {
		return err
	}

	if resp["status"] != "ok" {
		return fmt.Errorf("unexpected response: %v", resp)
	}

	return nil
}

// GetStatus retrieves the current status from the running instance.
func (c *Client) GetStatus() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call(CommandStatus, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetFlows retrieves the flow table from the running instance.
func (c *Client) GetFlows() (*FlowsResponse, error) {
	var resp FlowsResponse
	if err := c.call(CommandFlows, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
