// Tabscope - Browser Activity Aggregation and Engagement Analytics
// Copyright 2026 Tabscope Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tabscope/tabscope

// Package heartbeat samples user engagement on a fixed interval.
//
// Each tick probes the system idle state and the active tab, computes an
// engagement verdict, records the sample in a bounded local history, and
// emits a HEARTBEAT event through the intake bus. The aggregator later
// credits one interval of active time per engaged heartbeat.
package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tabscope/tabscope/internal/config"
	"github.com/tabscope/tabscope/internal/guard"
	"github.com/tabscope/tabscope/internal/logging"
	"github.com/tabscope/tabscope/internal/metrics"
	"github.com/tabscope/tabscope/internal/models"
)

// Publisher delivers heartbeat events into the intake bus.
type Publisher interface {
	Publish(ctx context.Context, event *models.CoreEvent) error
}

// HistoryStore persists the sample ring buffer across restarts.
type HistoryStore interface {
	GetHeartbeatHistory(ctx context.Context) ([]models.HeartbeatSample, error)
	SaveHeartbeatHistory(ctx context.Context, samples []models.HeartbeatSample) error
}

// Stats is a point-in-time snapshot of sampler health and recent engagement.
type Stats struct {
	Running        bool                     `json:"running"`
	Samples        int                      `json:"samples"`
	EngagementRate float64                  `json:"engagement_rate"`
	IdleBreakdown  map[models.IdleState]int `json:"idle_breakdown"`
	LastTick       time.Time                `json:"last_tick"`
}

// Sampler runs the engagement heartbeat loop.
type Sampler struct {
	cfg   config.HeartbeatConfig
	idle  IdleProber
	focus FocusProber
	pub   Publisher
	hist  HistoryStore

	// now is swappable for tests.
	now func() time.Time

	// ready, when set, gates Serve's first sample until it is closed.
	ready <-chan struct{}

	tickGuard guard.SingleFlight
	running   atomic.Bool
	lastTick  atomic.Int64 // unix nanos of the last completed tick
	kick      chan struct{}

	mu         sync.Mutex
	history    []models.HeartbeatSample
	sinceFlush int
}

// NewSampler wires a sampler. hist may be nil when history persistence is
// not wanted (tests, ephemeral runs).
func NewSampler(cfg config.HeartbeatConfig, idle IdleProber, focus FocusProber, pub Publisher, hist HistoryStore) *Sampler {
	return &Sampler{
		cfg:   cfg,
		idle:  idle,
		focus: focus,
		pub:   pub,
		hist:  hist,
		now:   time.Now,
		kick:  make(chan struct{}, 1),
	}
}

// GateOn makes Serve wait for ch to close before the first sample, so the
// immediate startup heartbeat is not published before the intake router has
// subscribed to the bus.
func (s *Sampler) GateOn(ch <-chan struct{}) {
	s.ready = ch
}

// Init restores the persisted sample history and takes one immediate sample
// so a fresh start is observable without waiting a full interval.
func (s *Sampler) Init(ctx context.Context) error {
	if s.hist != nil {
		samples, err := s.hist.GetHeartbeatHistory(ctx)
		if err != nil {
			logging.Warn().Err(err).Msg("Could not restore heartbeat history")
		} else if len(samples) > 0 {
			s.mu.Lock()
			s.history = s.trim(samples)
			s.mu.Unlock()
			logging.Debug().Int("samples", len(samples)).Msg("Heartbeat history restored")
		}
	}
	return s.Tick(ctx)
}

// Tick takes one engagement sample. Overlapping ticks are skipped via the
// single-flight guard; a skipped tick is not an error.
func (s *Sampler) Tick(ctx context.Context) error {
	if !s.tickGuard.TryAcquire() {
		logging.Debug().Msg("Heartbeat tick already in flight, skipping")
		return nil
	}
	defer s.tickGuard.Release()

	now := s.now().UTC()
	s.lastTick.Store(now.UnixNano())

	idle, err := s.idle.IdleState(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("Idle probe failed, skipping sample")
		return err
	}
	tab, err := s.focus.ActiveTab(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("Focus probe failed, skipping sample")
		return err
	}

	var audible, focused bool
	if tab != nil {
		audible = tab.Audible
		focused = tab.WindowFocused
	}
	verdict := ComputeVerdict(idle, audible, focused)
	metrics.HeartbeatTicks.WithLabelValues(string(verdict.Reason)).Inc()

	s.record(ctx, models.HeartbeatSample{
		Timestamp:     now,
		IdleState:     idle,
		Audible:       audible,
		WindowFocused: focused,
		Verdict:       verdict,
	})

	// No active tab means nothing to attribute engagement to; the sample
	// still counts for local statistics.
	if tab == nil {
		return nil
	}

	ev := models.NewCoreEvent(models.EventHeartbeat, tab.TabID, tab.URL)
	ev.Timestamp = now
	ev.Heartbeat = &models.HeartbeatPayload{
		IdleState:     idle,
		Audible:       audible,
		WindowFocused: focused,
		Engagement:    verdict,
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		logging.Error().Err(err).Msg("Failed to publish heartbeat event")
		return err
	}
	return nil
}

// record appends a sample to the bounded history and flushes it to the
// store every PersistEvery samples.
func (s *Sampler) record(ctx context.Context, sample models.HeartbeatSample) {
	s.mu.Lock()
	s.history = s.trim(append(s.history, sample))
	s.sinceFlush++
	flush := s.hist != nil && s.sinceFlush >= s.cfg.PersistEvery
	var snapshot []models.HeartbeatSample
	if flush {
		s.sinceFlush = 0
		snapshot = append(snapshot, s.history...)
	}
	metrics.HeartbeatEngagementRate.Set(engagedFraction(s.history))
	s.mu.Unlock()

	if flush {
		if err := s.hist.SaveHeartbeatHistory(ctx, snapshot); err != nil {
			logging.Warn().Err(err).Msg("Could not persist heartbeat history")
		}
	}
}

func (s *Sampler) trim(samples []models.HeartbeatSample) []models.HeartbeatSample {
	if over := len(samples) - s.cfg.HistorySize; over > 0 {
		samples = samples[over:]
	}
	return samples
}

func engagedFraction(samples []models.HeartbeatSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	engaged := 0
	for _, smp := range samples {
		if smp.Verdict.IsEngaged {
			engaged++
		}
	}
	return float64(engaged) / float64(len(samples))
}

// EnsureRunning is the stale-tick watchdog, called periodically by the
// supervisor. When the loop is running but no tick completed within twice
// the interval, it forces an immediate sample and records the restart.
// Returns true when the sampler looks healthy.
func (s *Sampler) EnsureRunning(_ context.Context) bool {
	if !s.running.Load() {
		return false
	}
	last := s.lastTick.Load()
	if last == 0 {
		return true
	}
	stale := s.now().Sub(time.Unix(0, last))
	if stale <= 2*s.cfg.Interval {
		return true
	}
	metrics.HeartbeatWatchdogRestarts.Inc()
	logging.Warn().Dur("stale_for", stale).Msg("Heartbeat loop stalled, forcing tick")
	select {
	case s.kick <- struct{}{}:
	default:
	}
	return false
}

// Running reports whether the sample loop is active.
func (s *Sampler) Running() bool {
	return s.running.Load()
}

// Serve runs the sample loop until the context is canceled. It implements
// suture.Service.
func (s *Sampler) Serve(ctx context.Context) error {
	s.running.Store(true)
	defer s.running.Store(false)

	if s.ready != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ready:
		}
	}

	if err := s.Init(ctx); err != nil {
		logging.Warn().Err(err).Msg("Initial heartbeat sample failed")
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.flush(context.WithoutCancel(ctx))
			return ctx.Err()
		case <-ticker.C:
			_ = s.Tick(ctx)
		case <-s.kick:
			_ = s.Tick(ctx)
			ticker.Reset(s.cfg.Interval)
		}
	}
}

// flush persists whatever history is in memory, used on shutdown.
func (s *Sampler) flush(ctx context.Context) {
	if s.hist == nil {
		return
	}
	s.mu.Lock()
	snapshot := append([]models.HeartbeatSample(nil), s.history...)
	s.sinceFlush = 0
	s.mu.Unlock()
	if len(snapshot) == 0 {
		return
	}
	if err := s.hist.SaveHeartbeatHistory(ctx, snapshot); err != nil {
		logging.Warn().Err(err).Msg("Could not persist heartbeat history on shutdown")
	}
}

// Stats snapshots sampler health for the stats endpoint.
func (s *Sampler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	breakdown := make(map[models.IdleState]int, 3)
	for _, smp := range s.history {
		breakdown[smp.IdleState]++
	}
	var last time.Time
	if nanos := s.lastTick.Load(); nanos > 0 {
		last = time.Unix(0, nanos).UTC()
	}
	return Stats{
		Running:        s.running.Load(),
		Samples:        len(s.history),
		EngagementRate: engagedFraction(s.history),
		IdleBreakdown:  breakdown,
		LastTick:       last,
	}
}

func (s *Sampler) String() string { return "heartbeat-sampler" }
