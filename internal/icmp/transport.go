package icmp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	xicmp "golang.org/x/net/icmp"

	"github.com/postalsys/echoprobe/internal/logging"
	"github.com/postalsys/echoprobe/internal/metrics"
	"github.com/postalsys/echoprobe/internal/recovery"
)

// Transport errors. Timeout is expressed by the session deadline, not
// by the transport.
var (
	ErrTransportClosed = errors.New("icmp: transport closed")
	ErrUnreachable     = errors.New("icmp: destination unreachable")
	ErrWouldBlock      = errors.New("icmp: send would block")
	ErrDuplicateProbe  = errors.New("icmp: probe already registered")
)

// ProbeKey identifies one outstanding echo request on a shared socket.
type ProbeKey struct {
	ID  uint16
	Seq uint16
}

// Transport is the capability set a session needs: send a wire-encoded
// request and receive correlated replies. The real socket transport
// and the in-memory test transport both satisfy it.
type Transport interface {
	// Send writes an encoded echo request to the destination.
	Send(dst netip.Addr, wire []byte) error

	// Subscribe registers interest in replies matching key. The
	// returned channel receives at most one reply; late duplicates are
	// discarded. Callers must Unsubscribe when done.
	Subscribe(key ProbeKey, target netip.Addr) (<-chan *Reply, error)

	// Unsubscribe drops interest in key. Replies arriving afterwards
	// are silently discarded.
	Unsubscribe(key ProbeKey)

	// Close releases the underlying endpoint.
	Close() error
}

type subscription struct {
	ch     chan *Reply
	target netip.Addr
}

// SocketTransport owns one ICMP endpoint shared by any number of
// concurrent sessions. A single read loop decodes inbound datagrams
// and delivers each to the subscription matching its probe key;
// everything else is dropped and counted.
type SocketTransport struct {
	conn          *xicmp.PacketConn
	privileged    bool
	rejectForeign bool
	logger        *slog.Logger
	metrics       *metrics.Metrics

	sendMu sync.Mutex

	mu     sync.Mutex
	subs   map[ProbeKey]*subscription
	closed bool

	done chan struct{}
}

// OpenTransport binds an ICMP endpoint according to opts. Unprivileged
// mode uses a udp4 datagram socket (requires net.ipv4.ping_group_range
// on Linux); privileged mode uses a raw ip4:icmp socket. Permission
// problems surface as an explicit error before any probe is sent.
func OpenTransport(opts Options, logger *slog.Logger, m *metrics.Metrics) (*SocketTransport, error) {
	network := "udp4"
	if opts.Privileged {
		network = "ip4:icmp"
	}

	conn, err := xicmp.ListenPacket(network, "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("open %s socket (may require elevated privilege): %w", network, err)
	}

	if opts.TTL > 0 {
		if err := conn.IPv4PacketConn().SetTTL(opts.TTL); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set ttl %d: %w", opts.TTL, err)
		}
	}

	t := &SocketTransport{
		conn:          conn,
		privileged:    opts.Privileged,
		rejectForeign: opts.RejectForeignReplies,
		logger:        logger.With(slog.String(logging.KeyComponent, "transport")),
		metrics:       m,
		subs:          make(map[ProbeKey]*subscription),
		done:          make(chan struct{}),
	}

	go t.readLoop()

	return t, nil
}

// Send writes one encoded request. Sends are serialized so concurrent
// sessions never interleave on the socket.
func (t *SocketTransport) Send(dst netip.Addr, wire []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.mu.Unlock()

	var addr net.Addr
	ip := dst.AsSlice()
	if t.privileged {
		addr = &net.IPAddr{IP: ip}
	} else {
		// Datagram ICMP sockets take UDP-shaped addresses.
		addr = &net.UDPAddr{IP: ip}
	}

	t.sendMu.Lock()
	_, err := t.conn.WriteTo(wire, addr)
	t.sendMu.Unlock()
	if err != nil {
		return classifySendError(err)
	}

	t.metrics.ProbesSent.Inc()
	return nil
}

// Subscribe registers a probe key before its request is sent, so a
// fast reply cannot slip past the demux table.
func (t *SocketTransport) Subscribe(key ProbeKey, target netip.Addr) (<-chan *Reply, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransportClosed
	}
	if _, ok := t.subs[key]; ok {
		return nil, fmt.Errorf("%w: id=%d seq=%d", ErrDuplicateProbe, key.ID, key.Seq)
	}

	sub := &subscription{
		ch:     make(chan *Reply, 1),
		target: target,
	}
	t.subs[key] = sub
	return sub.ch, nil
}

// Unsubscribe removes a probe key from the demux table.
func (t *SocketTransport) Unsubscribe(key ProbeKey) {
	t.mu.Lock()
	delete(t.subs, key)
	t.mu.Unlock()
}

// Close releases the socket and stops the read loop. Safe to call more
// than once.
func (t *SocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	err := t.conn.Close()
	<-t.done
	return err
}

// readLoop reads inbound datagrams until the socket closes. Decode
// failures and unmatched replies are absorbed here; only correlated
// replies cross into session code.
func (t *SocketTransport) readLoop() {
	defer close(t.done)
	defer recovery.RecoverWithLog(t.logger, "readLoop")

	buf := make([]byte, 1500)
	for {
		n, peer, err := t.conn.ReadFrom(buf)
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			// Transient read error on a live socket.
			t.logger.Debug("read error", logging.KeyError, err)
			continue
		}

		msg := make([]byte, n)
		copy(msg, buf[:n])

		reply, err := DecodeEchoReply(msg)
		if err != nil {
			t.metrics.DecodeErrors.Inc()
			t.logger.Debug("dropping undecodable datagram",
				logging.KeyError, err,
				slog.Int("bytes", n))
			continue
		}

		reply.Src = peerAddr(peer)
		reply.ReceivedAt = time.Now()
		t.deliver(reply)
	}
}

// deliver routes one decoded reply to its subscription, enforcing the
// foreign-source policy.
func (t *SocketTransport) deliver(reply *Reply) {
	t.mu.Lock()
	sub, ok := t.subs[ProbeKey{ID: reply.ID, Seq: reply.Seq}]
	if !ok && !t.privileged {
		// The kernel rewrites the echo identifier on datagram ICMP
		// sockets, so replies there are matched by sequence alone.
		for key, s := range t.subs {
			if key.Seq == reply.Seq {
				sub, ok = s, true
				break
			}
		}
	}
	t.mu.Unlock()

	if !ok {
		t.logger.Debug("dropping unmatched reply",
			slog.Int("id", int(reply.ID)),
			slog.Int("seq", int(reply.Seq)),
			logging.KeyAddress, reply.Src.String())
		return
	}

	if t.rejectForeign && reply.Src.IsValid() && reply.Src.Unmap() != sub.target.Unmap() {
		t.metrics.ForeignRejected.Inc()
		t.logger.Debug("rejecting reply from foreign source",
			logging.KeyAddress, reply.Src.String(),
			logging.KeyTarget, sub.target.String())
		return
	}

	t.metrics.RepliesReceived.Inc()
	select {
	case sub.ch <- reply:
	default:
		// Duplicate reply for a probe that was already answered.
	}
}

func peerAddr(peer net.Addr) netip.Addr {
	switch a := peer.(type) {
	case *net.UDPAddr:
		addr, _ := netip.AddrFromSlice(a.IP)
		return addr
	case *net.IPAddr:
		addr, _ := netip.AddrFromSlice(a.IP)
		return addr
	default:
		return netip.Addr{}
	}
}

// classifySendError maps OS-level send failures onto the transport
// error taxonomy.
func classifySendError(err error) error {
	switch {
	case isUnreachableErrno(err):
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	case isWouldBlockErrno(err):
		return fmt.Errorf("%w: %v", ErrWouldBlock, err)
	case errors.Is(err, net.ErrClosed):
		return ErrTransportClosed
	default:
		return fmt.Errorf("icmp: send: %w", err)
	}
}
