package icmp

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/echoprobe/internal/logging"
	"github.com/postalsys/echoprobe/internal/metrics"
)

// autoReply makes the mock answer every request immediately.
func autoReply(mock *mockTransport, target netip.Addr) {
	mock.onSend = func(dst netip.Addr, wire []byte) {
		reply, err := DecodeEchoReply(asReplyBytes(wire))
		if err != nil {
			return
		}
		reply.Src = target
		reply.ReceivedAt = time.Now()
		go mock.inject(reply)
	}
}

// asReplyBytes flips an encoded request into a reply without a *testing.T.
func asReplyBytes(request []byte) []byte {
	reply := make([]byte, len(request))
	copy(reply, request)
	reply[0] = 0 // echo reply
	reply[2], reply[3] = 0, 0
	sum := checksum(reply)
	reply[2], reply[3] = byte(sum>>8), byte(sum)
	return reply
}

func TestPinger_RunCompletesAllProbes(t *testing.T) {
	mock := newMockTransport()
	target := mustAddr(t, "192.0.2.40")
	autoReply(mock, target)

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	pinger := NewPinger(mock, testOptions(), time.Millisecond, logging.NopLogger(), m)

	var results []Result
	err := pinger.Run(context.Background(), target, 3, func(res Result) {
		results = append(results, res)
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, res := range results {
		if res.State != StateCompleted {
			t.Errorf("probe %d: State = %v, want COMPLETED", i, res.State)
		}
	}

	completed := testutil.ToFloat64(m.Outcomes.WithLabelValues(StateCompleted.String()))
	if completed != 3 {
		t.Errorf("completed outcomes = %v, want 3", completed)
	}
}

func TestPinger_RunStopsOnCancel(t *testing.T) {
	mock := newMockTransport()
	target := mustAddr(t, "192.0.2.41")
	autoReply(mock, target)

	ctx, cancel := context.WithCancel(context.Background())

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	pinger := NewPinger(mock, testOptions(), 50*time.Millisecond, logging.NopLogger(), m)

	var calls int
	err := pinger.Run(ctx, target, 100, func(res Result) {
		calls++
		if calls == 2 {
			cancel()
		}
	})

	if err == nil {
		t.Fatal("Run() error = nil, want context error")
	}
	if calls >= 100 {
		t.Errorf("ran %d probes, expected early stop", calls)
	}
}
