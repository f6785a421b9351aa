package icmp

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/echoprobe/internal/metrics"
)

// Pinger runs a series of sessions against one target over a shared
// transport, pacing sends with a token bucket so back-to-back probes
// never burst onto the wire.
type Pinger struct {
	transport Transport
	opts      Options
	logger    *slog.Logger
	metrics   *metrics.Metrics
	limiter   *rate.Limiter
}

// NewPinger creates a probe runner. Interval is the minimum spacing
// between consecutive probes; the first probe is not delayed.
func NewPinger(t Transport, opts Options, interval time.Duration, logger *slog.Logger, m *metrics.Metrics) *Pinger {
	if interval <= 0 {
		interval = time.Second
	}
	return &Pinger{
		transport: t,
		opts:      opts,
		logger:    logger,
		metrics:   m,
		limiter:   rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Run executes count sequential probes and hands each terminal Result
// to fn. It stops early when ctx is canceled and returns ctx's error
// in that case; probe outcomes themselves are not errors.
func (p *Pinger) Run(ctx context.Context, target netip.Addr, count int, fn func(Result)) error {
	for i := 0; i < count; i++ {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}

		session := NewSession(p.transport, target, p.opts, p.logger)
		res := session.Run(ctx)
		p.observe(res)
		fn(res)

		if res.ErrorKind == KindCanceled {
			return ctx.Err()
		}
	}
	return nil
}

func (p *Pinger) observe(res Result) {
	p.metrics.Outcomes.WithLabelValues(res.State.String()).Inc()
	if res.State == StateCompleted {
		p.metrics.RTTSeconds.Observe(res.RTT.Seconds())
	}
}
