package icmp

import (
	"fmt"
	"time"
)

// Options holds probe parameters. Every knob is explicit; Validate
// rejects silent zero values instead of papering over them.
type Options struct {
	// Timeout is the absolute reply deadline measured from send time.
	Timeout time.Duration

	// PayloadSize is the echo payload length in bytes.
	PayloadSize int

	// TTL sets the IP time-to-live on outgoing probes. 0 keeps the OS
	// default.
	TTL int

	// RejectForeignReplies drops replies whose source address differs
	// from the probed target.
	RejectForeignReplies bool

	// Privileged selects a raw ip4:icmp socket instead of the
	// unprivileged udp4 datagram socket.
	Privileged bool
}

// DefaultOptions returns the documented defaults: 2s timeout, 56-byte
// payload, foreign replies rejected, unprivileged socket.
func DefaultOptions() Options {
	return Options{
		Timeout:              2 * time.Second,
		PayloadSize:          56,
		TTL:                  0,
		RejectForeignReplies: true,
		Privileged:           false,
	}
}

// Validate checks the options for usable values.
func (o Options) Validate() error {
	if o.Timeout <= 0 {
		return fmt.Errorf("icmp: timeout must be positive, got %v", o.Timeout)
	}
	if o.PayloadSize < 0 || o.PayloadSize > MaxPayloadSize {
		return fmt.Errorf("icmp: payload size must be 0..%d, got %d", MaxPayloadSize, o.PayloadSize)
	}
	if o.TTL < 0 || o.TTL > 255 {
		return fmt.Errorf("icmp: ttl must be 0..255, got %d", o.TTL)
	}
	return nil
}
