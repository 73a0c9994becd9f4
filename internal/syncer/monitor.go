package syncer

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/studysync/internal/delivery"
)

const (
	DefaultProbeInterval  = 10 * time.Second
	DefaultProbeTimeout   = 5 * time.Second
	DefaultIntervalJitter = 0.2
)

type MonitorOptions struct {
	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
	IntervalJitter float64
	// SyncInterval adds periodic sweeps while online. Zero disables them.
	SyncInterval time.Duration
	// SyncTimeout bounds a single sweep. Zero means no bound.
	SyncTimeout time.Duration
	Logger      *zap.Logger
	Metrics     *Metrics
	Hub         *Hub
	// Sample returns values in [0,1) for interval jitter.
	Sample func() float64
}

type sweeper interface {
	SyncOnce(ctx context.Context) (Result, error)
}

// Monitor probes the remote service and runs a sweep on every offline to
// online transition. It starts out offline, so the first successful probe
// syncs whatever accumulated while the process was down.
type Monitor struct {
	client   delivery.Client
	syncer   sweeper
	opts     MonitorOptions
	logger   *zap.Logger
	metrics  *Metrics
	hub      *Hub
	online   atomic.Bool
	triggerC chan struct{}
}

func NewMonitor(client delivery.Client, s sweeper, opts MonitorOptions) *Monitor {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = DefaultProbeInterval
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	opts.IntervalJitter = clampJitterRatio(opts.IntervalJitter)
	if opts.Sample == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		opts.Sample = rng.Float64
	}
	m := &Monitor{
		client:   client,
		syncer:   s,
		opts:     opts,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		hub:      opts.Hub,
		triggerC: make(chan struct{}, 1),
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}
	if m.hub == nil {
		m.hub = NewHub()
	}
	return m
}

func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Trigger asks the run loop for a sweep. Calls made while one is already
// pending collapse into it.
func (m *Monitor) Trigger() {
	select {
	case m.triggerC <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	probeTimer := time.NewTimer(0)
	defer probeTimer.Stop()

	var syncTick <-chan time.Time
	if m.opts.SyncInterval > 0 {
		ticker := time.NewTicker(m.opts.SyncInterval)
		defer ticker.Stop()
		syncTick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("connectivity monitor stopping", zap.Error(ctx.Err()))
			return nil
		case <-probeTimer.C:
			if m.probe(ctx) {
				m.sweep(ctx, "online")
			}
			probeTimer.Reset(jitteredIntervalWithSample(m.opts.ProbeInterval, m.opts.IntervalJitter, m.opts.Sample()))
		case <-m.triggerC:
			m.sweep(ctx, "manual")
		case <-syncTick:
			if m.Online() {
				m.sweep(ctx, "interval")
			}
		}
	}
}

// probe updates the online flag and reports whether it just came online.
func (m *Monitor) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	err := m.client.Ping(probeCtx)
	cancel()
	if ctx.Err() != nil {
		return false
	}
	online := err == nil
	was := m.online.Swap(online)
	if online {
		m.metrics.Online.Set(1)
	} else {
		m.metrics.Online.Set(0)
	}
	switch {
	case online && !was:
		m.logger.Info("remote service reachable")
		m.hub.Publish(Event{Type: EventConnectivityOnline})
		return true
	case !online && was:
		m.logger.Warn("remote service unreachable", zap.Error(err))
		m.hub.Publish(Event{Type: EventConnectivityOffline, Error: err.Error()})
	}
	return false
}

func (m *Monitor) sweep(ctx context.Context, reason string) {
	syncCtx := ctx
	if m.opts.SyncTimeout > 0 {
		var cancel context.CancelFunc
		syncCtx, cancel = context.WithTimeout(ctx, m.opts.SyncTimeout)
		defer cancel()
	}
	if _, err := m.syncer.SyncOnce(syncCtx); err != nil {
		if errors.Is(err, ErrSyncInProgress) {
			m.logger.Debug("sync skipped, already running", zap.String("reason", reason))
			return
		}
		m.logger.Warn("sync failed", zap.String("reason", reason), zap.Error(err))
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
