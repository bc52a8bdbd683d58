package nat

import "errors"

// Per-packet conditions. None of them stop batch processing; the packet
// leaves the stage without rewrite.
var (
	ErrNotIPv4               = errors.New("not an IPv4 packet")
	ErrUnsupportedProtocol   = errors.New("unsupported transport protocol")
	ErrTableFull             = errors.New("flow table full")
	ErrNoMatchingInboundFlow = errors.New("no flow matches inbound packet")
	ErrInvalidDirection      = errors.New("invalid input gate")
)
