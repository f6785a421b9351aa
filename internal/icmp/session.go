package icmp

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/postalsys/echoprobe/internal/logging"
)

// State is the lifecycle of one measurement attempt. Pending is the
// only non-terminal state; a session never transitions backwards.
type State int

const (
	// StatePending means the request is sent and a reply is awaited.
	StatePending State = iota
	// StateCompleted means a matching reply arrived within the deadline.
	StateCompleted
	// StateTimedOut means no matching reply arrived within the deadline.
	StateTimedOut
	// StateFailed means the probe failed for a reason other than silence.
	StateFailed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateCompleted:
		return "COMPLETED"
	case StateTimedOut:
		return "TIMED_OUT"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ErrorKind names the reason for a failed probe.
type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindEncoding    ErrorKind = "encoding"
	KindSend        ErrorKind = "send"
	KindUnreachable ErrorKind = "unreachable"
	KindClockSkew   ErrorKind = "clock_skew"
	KindCanceled    ErrorKind = "canceled"
	KindClosed      ErrorKind = "closed"
)

// Result is the terminal outcome of one session, the only value that
// crosses the component boundary.
type Result struct {
	Target    netip.Addr
	Seq       uint16
	State     State
	RTT       time.Duration
	ErrorKind ErrorKind

	// Diagnostic is a human-oriented detail string for failed probes.
	Diagnostic string
}

// echoID is the process-scoped echo identifier, generated once per run.
var (
	echoIDOnce sync.Once
	echoID     uint16
)

func processEchoID() uint16 {
	echoIDOnce.Do(func() {
		echoID = uint16(rand.Intn(0xffff) + 1)
	})
	return echoID
}

// sequences tracks the next sequence number per target so retries and
// repeated probes stay monotonic within a run.
var (
	seqMu     sync.Mutex
	sequences = make(map[netip.Addr]uint16)
)

func nextSequence(target netip.Addr) uint16 {
	seqMu.Lock()
	defer seqMu.Unlock()
	sequences[target]++
	return sequences[target]
}

// Session models exactly one echo measurement against one target. It
// is constructed, run once, and discarded; retries are new sessions
// reusing the same transport.
type Session struct {
	mu sync.Mutex

	target    netip.Addr
	key       ProbeKey
	transport Transport
	opts      Options
	logger    *slog.Logger

	state  State
	sentAt time.Time
	rtt    time.Duration
}

// NewSession allocates a session for one probe. The identifier is the
// process-scoped echo ID; the sequence is monotonic per target.
func NewSession(t Transport, target netip.Addr, opts Options, logger *slog.Logger) *Session {
	key := ProbeKey{
		ID:  processEchoID(),
		Seq: nextSequence(target),
	}
	return &Session{
		target:    target,
		key:       key,
		transport: t,
		opts:      opts,
		logger: logger.With(
			slog.String(logging.KeyComponent, "session"),
			slog.String(logging.KeyTarget, target.String()),
			slog.Int(logging.KeySequence, int(key.Seq)),
		),
		state: StatePending,
	}
}

// Key returns the (identifier, sequence) pair correlating this
// session's request with its reply.
func (s *Session) Key() ProbeKey {
	return s.key
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run performs the measurement: encode, subscribe, send, and wait for
// the matching reply until sendTime+Timeout. The deadline is absolute;
// mismatched and undecodable replies burn down the same budget. Run
// never returns a non-terminal state.
func (s *Session) Run(ctx context.Context) Result {
	payload := make([]byte, s.opts.PayloadSize)
	wire, err := EncodeEchoRequest(s.key.ID, s.key.Seq, payload)
	if err != nil {
		return s.fail(KindEncoding, err)
	}

	replyCh, err := s.transport.Subscribe(s.key, s.target)
	if err != nil {
		return s.fail(subscribeKind(err), err)
	}
	defer s.transport.Unsubscribe(s.key)

	s.mu.Lock()
	s.sentAt = time.Now()
	deadline := s.sentAt.Add(s.opts.Timeout)
	s.mu.Unlock()

	if err := s.transport.Send(s.target, wire); err != nil {
		return s.fail(sendKind(err), err)
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return s.complete(reply)
	case <-timer.C:
		return s.timeout()
	case <-ctx.Done():
		return s.fail(KindCanceled, ctx.Err())
	}
}

// complete classifies a correlated reply into a terminal state.
func (s *Session) complete(reply *Reply) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePending {
		return s.resultLocked()
	}

	if reply.Kind == ReplyKindUnreachable {
		s.state = StateFailed
		s.logger.Debug("destination unreachable", slog.Int("code", int(reply.Code)))
		return s.resultWithLocked(KindUnreachable, "destination unreachable")
	}

	rtt := reply.ReceivedAt.Sub(s.sentAt)
	if rtt < 0 {
		// Clock went backwards between send and receive.
		s.state = StateFailed
		return s.resultWithLocked(KindClockSkew, "negative round-trip time")
	}

	s.state = StateCompleted
	s.rtt = rtt
	s.logger.Debug("reply received", logging.KeyRTT, rtt)
	return s.resultLocked()
}

func (s *Session) timeout() Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StatePending {
		s.state = StateTimedOut
		s.logger.Debug("probe timed out", logging.KeyDuration, s.opts.Timeout)
	}
	return s.resultLocked()
}

func (s *Session) fail(kind ErrorKind, err error) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StatePending {
		s.state = StateFailed
		s.logger.Debug("probe failed", logging.KeyError, err)
	}
	return s.resultWithLocked(kind, err.Error())
}

func (s *Session) resultLocked() Result {
	return Result{
		Target: s.target,
		Seq:    s.key.Seq,
		State:  s.state,
		RTT:    s.rtt,
	}
}

func (s *Session) resultWithLocked(kind ErrorKind, diagnostic string) Result {
	r := s.resultLocked()
	r.ErrorKind = kind
	r.Diagnostic = diagnostic
	return r
}

func sendKind(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrUnreachable):
		return KindUnreachable
	case errors.Is(err, ErrTransportClosed):
		return KindClosed
	default:
		return KindSend
	}
}

func subscribeKind(err error) ErrorKind {
	if errors.Is(err, ErrTransportClosed) {
		return KindClosed
	}
	return KindSend
}
