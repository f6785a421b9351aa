package icmp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/net/ipv4"
)

const (
	// headerLen is the fixed ICMP header size: type, code, checksum,
	// identifier, sequence.
	headerLen = 8

	// MaxPayloadSize keeps an echo request inside a single Ethernet
	// frame (1500 MTU - 20 IP header - 8 ICMP header).
	MaxPayloadSize = 1472
)

// Codec errors. Malformed and NotEchoReply are drop-and-continue
// conditions for the transport read loop; PayloadTooLarge fails the
// probe that attempted it.
var (
	ErrPayloadTooLarge = errors.New("icmp: payload exceeds maximum size")
	ErrMalformed       = errors.New("icmp: malformed message")
	ErrNotEchoReply    = errors.New("icmp: not an echo reply")
)

// ReplyKind classifies a decoded inbound message.
type ReplyKind int

const (
	// ReplyKindEcho is a genuine echo reply to one of our requests.
	ReplyKindEcho ReplyKind = iota
	// ReplyKindUnreachable is a destination-unreachable notification
	// whose embedded datagram names one of our echo requests.
	ReplyKindUnreachable
)

// Reply is the decoded form of an inbound ICMP message that can be
// correlated with an outstanding probe.
type Reply struct {
	Kind       ReplyKind
	ID         uint16
	Seq        uint16
	Payload    []byte
	Src        netip.Addr
	ReceivedAt time.Time

	// Code carries the ICMP code for ReplyKindUnreachable (network
	// unreachable, host unreachable, ...). Zero for echo replies.
	Code uint8
}

// EncodeEchoRequest builds an ICMP echo request (type 8, code 0) with
// the 16-bit one's-complement checksum computed over the full message
// with the checksum field zeroed.
func EncodeEchoRequest(id, seq uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}

	b := make([]byte, headerLen+len(payload))
	b[0] = uint8(ipv4.ICMPTypeEcho)
	b[1] = 0
	binary.BigEndian.PutUint16(b[4:6], id)
	binary.BigEndian.PutUint16(b[6:8], seq)
	copy(b[headerLen:], payload)

	binary.BigEndian.PutUint16(b[2:4], checksum(b))
	return b, nil
}

// DecodeEchoReply parses an inbound ICMP message. It returns
// ErrMalformed for truncated or checksum-corrupt input and
// ErrNotEchoReply for ICMP types that cannot be correlated with an
// echo request. Destination-unreachable messages that embed one of our
// requests decode successfully with ReplyKindUnreachable so the owning
// session can fail instead of timing out.
func DecodeEchoReply(b []byte) (*Reply, error) {
	if len(b) < headerLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}
	if checksum(b) != 0 {
		return nil, fmt.Errorf("%w: bad checksum", ErrMalformed)
	}

	typ := ipv4.ICMPType(b[0])
	switch typ {
	case ipv4.ICMPTypeEchoReply:
		return &Reply{
			Kind:    ReplyKindEcho,
			ID:      binary.BigEndian.Uint16(b[4:6]),
			Seq:     binary.BigEndian.Uint16(b[6:8]),
			Payload: b[headerLen:],
		}, nil
	case ipv4.ICMPTypeDestinationUnreachable:
		id, seq, err := invokingEcho(b[headerLen:])
		if err != nil {
			return nil, err
		}
		return &Reply{
			Kind: ReplyKindUnreachable,
			ID:   id,
			Seq:  seq,
			Code: b[1],
		}, nil
	default:
		return nil, fmt.Errorf("%w: type %d", ErrNotEchoReply, b[0])
	}
}

// invokingEcho extracts identifier and sequence from the original
// datagram embedded in an ICMP error message: the offending IP header
// followed by at least the first 8 bytes of our echo request.
func invokingEcho(b []byte) (id, seq uint16, err error) {
	const minIPHeaderLen = 20
	if len(b) < minIPHeaderLen {
		return 0, 0, fmt.Errorf("%w: truncated invoking datagram", ErrMalformed)
	}
	ihl := int(b[0]&0x0f) * 4
	if ihl < minIPHeaderLen || len(b) < ihl+headerLen {
		return 0, 0, fmt.Errorf("%w: truncated invoking datagram", ErrMalformed)
	}
	inner := b[ihl:]
	if ipv4.ICMPType(inner[0]) != ipv4.ICMPTypeEcho {
		return 0, 0, fmt.Errorf("%w: error does not concern an echo request", ErrNotEchoReply)
	}
	return binary.BigEndian.Uint16(inner[4:6]), binary.BigEndian.Uint16(inner[6:8]), nil
}

// checksum computes the RFC 1071 internet checksum. Computing it over
// a message with a correct checksum field yields zero.
func checksum(b []byte) uint16 {
	sum := 0
	for i := 0; i+1 < len(b); i += 2 {
		sum += int(b[i])<<8 | int(b[i+1])
	}
	if len(b)%2 == 1 {
		sum += int(b[len(b)-1]) << 8
	}
	for sum>>16 > 0 {
		sum = sum>>16 + sum&0xffff
	}
	return uint16(^sum)
}
