package icmp

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/echoprobe/internal/logging"
)

// mockTransport is the in-memory Transport variant: replies are
// injected by tests and demultiplexed through the same key-based table
// as the socket transport.
type mockTransport struct {
	mu   sync.Mutex
	subs map[ProbeKey]chan *Reply

	sendErr error
	onSend  func(dst netip.Addr, wire []byte)
}

func newMockTransport() *mockTransport {
	return &mockTransport{subs: make(map[ProbeKey]chan *Reply)}
}

func (m *mockTransport) Send(dst netip.Addr, wire []byte) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	if m.onSend != nil {
		m.onSend(dst, wire)
	}
	return nil
}

func (m *mockTransport) Subscribe(key ProbeKey, target netip.Addr) (<-chan *Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan *Reply, 1)
	m.subs[key] = ch
	return ch, nil
}

func (m *mockTransport) Unsubscribe(key ProbeKey) {
	m.mu.Lock()
	delete(m.subs, key)
	m.mu.Unlock()
}

func (m *mockTransport) Close() error { return nil }

// inject delivers a reply to the subscription matching its key, the
// way the socket transport's read loop would.
func (m *mockTransport) inject(reply *Reply) {
	m.mu.Lock()
	ch, ok := m.subs[ProbeKey{ID: reply.ID, Seq: reply.Seq}]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- reply:
	default:
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Timeout = 250 * time.Millisecond
	opts.PayloadSize = 8
	return opts
}

func TestSession_Completed(t *testing.T) {
	mock := newMockTransport()
	target := mustAddr(t, "192.0.2.1")

	session := NewSession(mock, target, testOptions(), logging.NopLogger())
	key := session.Key()

	const delay = 30 * time.Millisecond
	mock.onSend = func(netip.Addr, []byte) {
		go func() {
			time.Sleep(delay)
			mock.inject(&Reply{
				Kind:       ReplyKindEcho,
				ID:         key.ID,
				Seq:        key.Seq,
				Src:        target,
				ReceivedAt: time.Now(),
			})
		}()
	}

	res := session.Run(context.Background())

	if res.State != StateCompleted {
		t.Fatalf("State = %v, want COMPLETED (diag: %s)", res.State, res.Diagnostic)
	}
	if res.RTT < delay {
		t.Errorf("RTT = %v, want >= %v", res.RTT, delay)
	}
	if res.RTT >= testOptions().Timeout {
		t.Errorf("RTT = %v, want < timeout %v", res.RTT, testOptions().Timeout)
	}
	if res.ErrorKind != KindNone {
		t.Errorf("ErrorKind = %q, want none", res.ErrorKind)
	}
}

func TestSession_MismatchedSequenceTimesOut(t *testing.T) {
	mock := newMockTransport()
	target := mustAddr(t, "192.0.2.1")

	session := NewSession(mock, target, testOptions(), logging.NopLogger())
	key := session.Key()

	mock.onSend = func(netip.Addr, []byte) {
		go func() {
			mock.inject(&Reply{
				Kind:       ReplyKindEcho,
				ID:         key.ID,
				Seq:        key.Seq + 100, // belongs to someone else
				Src:        target,
				ReceivedAt: time.Now(),
			})
		}()
	}

	res := session.Run(context.Background())

	if res.State != StateTimedOut {
		t.Errorf("State = %v, want TIMED_OUT", res.State)
	}
}

func TestSession_TimeoutAtDeadline(t *testing.T) {
	mock := newMockTransport()
	target := mustAddr(t, "192.0.2.1")
	opts := testOptions()

	session := NewSession(mock, target, opts, logging.NopLogger())

	start := time.Now()
	res := session.Run(context.Background())
	elapsed := time.Since(start)

	if res.State != StateTimedOut {
		t.Fatalf("State = %v, want TIMED_OUT", res.State)
	}
	if elapsed < opts.Timeout {
		t.Errorf("timed out after %v, before the %v deadline", elapsed, opts.Timeout)
	}
	if elapsed > opts.Timeout+200*time.Millisecond {
		t.Errorf("timed out after %v, long past the %v deadline", elapsed, opts.Timeout)
	}
}

func TestSession_SendUnreachableFails(t *testing.T) {
	mock := newMockTransport()
	mock.sendErr = ErrUnreachable

	session := NewSession(mock, mustAddr(t, "192.0.2.1"), testOptions(), logging.NopLogger())
	res := session.Run(context.Background())

	if res.State != StateFailed {
		t.Fatalf("State = %v, want FAILED", res.State)
	}
	if res.ErrorKind != KindUnreachable {
		t.Errorf("ErrorKind = %q, want %q", res.ErrorKind, KindUnreachable)
	}
}

func TestSession_UnreachableReplyFails(t *testing.T) {
	mock := newMockTransport()
	target := mustAddr(t, "192.0.2.1")

	session := NewSession(mock, target, testOptions(), logging.NopLogger())
	key := session.Key()

	mock.onSend = func(netip.Addr, []byte) {
		go mock.inject(&Reply{
			Kind:       ReplyKindUnreachable,
			ID:         key.ID,
			Seq:        key.Seq,
			Code:       1,
			Src:        target,
			ReceivedAt: time.Now(),
		})
	}

	res := session.Run(context.Background())

	if res.State != StateFailed {
		t.Fatalf("State = %v, want FAILED", res.State)
	}
	if res.ErrorKind != KindUnreachable {
		t.Errorf("ErrorKind = %q, want %q", res.ErrorKind, KindUnreachable)
	}
}

func TestSession_ClockSkewFails(t *testing.T) {
	mock := newMockTransport()
	target := mustAddr(t, "192.0.2.1")

	session := NewSession(mock, target, testOptions(), logging.NopLogger())
	key := session.Key()

	mock.onSend = func(netip.Addr, []byte) {
		go mock.inject(&Reply{
			Kind:       ReplyKindEcho,
			ID:         key.ID,
			Seq:        key.Seq,
			Src:        target,
			ReceivedAt: time.Now().Add(-time.Hour), // clock anomaly
		})
	}

	res := session.Run(context.Background())

	if res.State != StateFailed {
		t.Fatalf("State = %v, want FAILED", res.State)
	}
	if res.ErrorKind != KindClockSkew {
		t.Errorf("ErrorKind = %q, want %q", res.ErrorKind, KindClockSkew)
	}
}

func TestSession_CanceledContext(t *testing.T) {
	mock := newMockTransport()
	ctx, cancel := context.WithCancel(context.Background())

	session := NewSession(mock, mustAddr(t, "192.0.2.1"), testOptions(), logging.NopLogger())

	mock.onSend = func(netip.Addr, []byte) { cancel() }

	res := session.Run(ctx)

	if res.State != StateFailed {
		t.Fatalf("State = %v, want FAILED", res.State)
	}
	if res.ErrorKind != KindCanceled {
		t.Errorf("ErrorKind = %q, want %q", res.ErrorKind, KindCanceled)
	}
}

func TestSession_ConcurrentDemux(t *testing.T) {
	mock := newMockTransport()
	targetA := mustAddr(t, "192.0.2.1")
	targetB := mustAddr(t, "192.0.2.2")

	sessionA := NewSession(mock, targetA, testOptions(), logging.NopLogger())
	sessionB := NewSession(mock, targetB, testOptions(), logging.NopLogger())

	keyA := sessionA.Key()
	keyB := sessionB.Key()
	if keyA == keyB {
		t.Fatal("sessions share a probe key")
	}

	var sends sync.WaitGroup
	sends.Add(2)
	mock.onSend = func(netip.Addr, []byte) { sends.Done() }

	var wg sync.WaitGroup
	results := make(map[ProbeKey]Result)
	var resMu sync.Mutex

	run := func(s *Session) {
		defer wg.Done()
		res := s.Run(context.Background())
		resMu.Lock()
		results[s.Key()] = res
		resMu.Unlock()
	}

	wg.Add(2)
	go run(sessionA)
	go run(sessionB)

	// Interleave the two replies once both requests are in flight.
	sends.Wait()
	mock.inject(&Reply{Kind: ReplyKindEcho, ID: keyB.ID, Seq: keyB.Seq, Src: targetB, ReceivedAt: time.Now()})
	mock.inject(&Reply{Kind: ReplyKindEcho, ID: keyA.ID, Seq: keyA.Seq, Src: targetA, ReceivedAt: time.Now()})

	wg.Wait()

	for _, key := range []ProbeKey{keyA, keyB} {
		res, ok := results[key]
		if !ok {
			t.Fatalf("no result for key %+v", key)
		}
		if res.State != StateCompleted {
			t.Errorf("key %+v: State = %v, want COMPLETED", key, res.State)
		}
		if res.Seq != key.Seq {
			t.Errorf("key %+v: Seq = %d, want %d", key, res.Seq, key.Seq)
		}
	}
}

func TestSession_SequenceMonotonicPerTarget(t *testing.T) {
	mock := newMockTransport()
	target := mustAddr(t, "203.0.113.9")

	first := NewSession(mock, target, testOptions(), logging.NopLogger())
	second := NewSession(mock, target, testOptions(), logging.NopLogger())

	if second.Key().Seq != first.Key().Seq+1 {
		t.Errorf("sequences = %d, %d; want consecutive", first.Key().Seq, second.Key().Seq)
	}
	if first.Key().ID != second.Key().ID {
		t.Errorf("identifiers differ within one process: %d vs %d", first.Key().ID, second.Key().ID)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StatePending, "PENDING"},
		{StateCompleted, "COMPLETED"},
		{StateTimedOut, "TIMED_OUT"},
		{StateFailed, "FAILED"},
		{State(99), "UNKNOWN"},
	}

	for _, tc := range tests {
		if got := tc.state.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.state, got, tc.want)
		}
	}
}
