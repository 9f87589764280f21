package agentregistry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/orchestrahub/hub/internal/types"
)

// CheckFunc runs one named component check against an agent and reports
// its level plus an optional human-readable detail message. Checks never
// return an error: an unreachable dependency is reported as a
// HealthUnhealthy ComponentCheck, not a Go error, since a probe failure is
// itself the result the caller wants (§4.1: "aggregates component-level
// checks into a composite level").
type CheckFunc func(ctx context.Context, agent types.Agent) types.ComponentCheck

// QueuedRunsFunc reports how many runs are waiting to be dispatched to an
// agent, for HealthStatus.QueuedRuns (§4.1: "queued-run count"). It is
// normally backed by the Run Executor's store, wired in after both
// services exist (see SetQueuedRunsSource).
type QueuedRunsFunc func(ctx context.Context, agentID string) (int, error)

// roundOutcome is one probe round's raw pass/fail tally for an agent,
// kept in a per-agent sliding window so SuccessRate reflects recent
// history rather than a single round (§4.1: "success rate over a rolling
// window").
type roundOutcome struct {
	ok    int
	total int
}

// Prober periodically evaluates every registered agent's health by
// running a fixed, ordered sequence of component checks and rolling them
// up into a HealthStatus (spec §4.1). It is grounded on the teacher's
// runtime/distributed.worker heartbeat loop, generalized from one
// worker's liveness ping into a fleet-wide probe scheduler owned by the
// composition root rather than each agent process.
//
// Checks run in registration order rather than map iteration order —
// operators reasonably expect a "reachability" check to run before a
// "latency" check that depends on connectivity already being confirmed —
// so the check registry is an orderedmap.OrderedMap rather than a plain
// map[string]CheckFunc.
type Prober struct {
	registry *Registry
	checks   *orderedmap.OrderedMap[string, CheckFunc]

	interval     time.Duration
	threshold    int
	successFloor float64
	window       int
	queuedRunsFn QueuedRunsFunc

	mu      sync.Mutex
	streaks map[string]int
	history map[string][]roundOutcome
	cancel  context.CancelFunc
	done    chan struct{}
}

// ProberConfig bounds a Prober's timing (spec §6 Environment: health-check
// interval, unhealthy threshold) and its composite-health gating (§4.1:
// success-rate floor and rolling window size).
type ProberConfig struct {
	Interval           time.Duration
	UnhealthyThreshold int
	SuccessRateFloor   float64
	SuccessRateWindow  int
}

func (c ProberConfig) withDefaults() ProberConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.UnhealthyThreshold <= 0 {
		c.UnhealthyThreshold = 3
	}
	if c.SuccessRateFloor <= 0 {
		c.SuccessRateFloor = 0.9
	}
	if c.SuccessRateWindow <= 0 {
		c.SuccessRateWindow = 20
	}
	return c
}

// NewProber constructs a Prober bound to registry. RegisterCheck must be
// called before Start to install at least one component check; a Prober
// with no checks always reports HealthHealthy, which is a legitimate
// configuration for agents with no external dependencies to probe.
func NewProber(registry *Registry, cfg ProberConfig) *Prober {
	cfg = cfg.withDefaults()
	return &Prober{
		registry:     registry,
		checks:       orderedmap.New[string, CheckFunc](),
		interval:     cfg.Interval,
		threshold:    cfg.UnhealthyThreshold,
		successFloor: cfg.SuccessRateFloor,
		window:       cfg.SuccessRateWindow,
		streaks:      map[string]int{},
		history:      map[string][]roundOutcome{},
	}
}

// RegisterCheck installs a named component check, appended after any
// checks already registered. Calling it after Start is not safe.
func (p *Prober) RegisterCheck(name string, fn CheckFunc) {
	p.checks.Set(name, fn)
}

// SetQueuedRunsSource wires in the Run Executor's queue depth, once the
// Executor exists — the same construct-then-wire pattern as
// Executor.SetInterrupts, needed because the Prober is built before the
// Executor in the composition root. Calling it after Start is not safe.
func (p *Prober) SetQueuedRunsSource(fn QueuedRunsFunc) {
	p.queuedRunsFn = fn
}

// Start launches the probe loop in a background goroutine, ticking every
// configured interval until ctx is cancelled or Stop is called.
func (p *Prober) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		p.probeAll(runCtx)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.probeAll(runCtx)
			}
		}
	}()
}

// Stop cancels the probe loop and waits for the in-flight round to finish.
func (p *Prober) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
}

func (p *Prober) probeAll(ctx context.Context) {
	agents, err := p.registry.Discover(ctx, types.DiscoverCriteria{})
	if err != nil {
		return
	}
	for _, agent := range agents {
		p.probeOne(ctx, agent)
	}
}

// probeOne runs every registered check against one agent, rolls the
// results into a composite HealthStatus, and applies it to the registry.
// The composite level starts at the worst critical check's level; a
// failing non-critical check can only pull it down to degraded, never to
// unhealthy, per §4.1 ("degraded if any non-critical component
// degrades"). It is downgraded further to unhealthy once the consecutive
// failure streak reaches the configured threshold (§4.1: "unhealthy
// streak reaches a configured threshold, default 3 consecutive
// failures"), and to at least degraded if the rolling success rate falls
// below the configured floor even when every check in this round passed.
func (p *Prober) probeOne(ctx context.Context, agent types.Agent) {
	start := time.Now()
	checks := make([]types.ComponentCheck, 0, p.checks.Len())
	worst := types.HealthHealthy
	ok := 0
	for pair := p.checks.Oldest(); pair != nil; pair = pair.Next() {
		result := pair.Value(ctx, agent)
		if result.Name == "" {
			result.Name = pair.Key
		}
		checks = append(checks, result)
		if result.Status == types.HealthHealthy {
			ok++
		}

		switch {
		case result.Critical:
			if worseHealth(result.Status, worst) {
				worst = result.Status
			}
		case result.Status != types.HealthHealthy:
			capped := result.Status
			if healthSeverity(capped) > healthSeverity(types.HealthDegraded) {
				capped = types.HealthDegraded
			}
			if worseHealth(capped, worst) {
				worst = capped
			}
		}
	}
	elapsed := time.Since(start)

	queuedRuns := 0
	if p.queuedRunsFn != nil {
		if n, err := p.queuedRunsFn(ctx, agent.AgentID); err == nil {
			queuedRuns = n
		}
	}

	p.mu.Lock()
	if worst == types.HealthHealthy {
		p.streaks[agent.AgentID] = 0
	} else {
		p.streaks[agent.AgentID]++
	}
	streak := p.streaks[agent.AgentID]

	hist := append(p.history[agent.AgentID], roundOutcome{ok: ok, total: len(checks)})
	if len(hist) > p.window {
		hist = hist[len(hist)-p.window:]
	}
	p.history[agent.AgentID] = hist
	var sumOK, sumTotal int
	for _, h := range hist {
		sumOK += h.ok
		sumTotal += h.total
	}
	p.mu.Unlock()

	level := worst
	if streak >= p.threshold {
		level = types.HealthUnhealthy
	}

	successRate := 1.0
	if sumTotal > 0 {
		successRate = float64(sumOK) / float64(sumTotal)
	}
	if level == types.HealthHealthy && successRate < p.successFloor {
		level = types.HealthDegraded
	}

	status := types.HealthStatus{
		Level:            level,
		AverageLatencyMs: float64(elapsed.Milliseconds()),
		SuccessRate:      successRate,
		ActiveRuns:       agent.ActiveRuns,
		QueuedRuns:       queuedRuns,
		Checks:           checks,
		UnhealthyStreak:  streak,
		CheckedAt:        time.Now().UTC(),
	}
	_ = p.registry.ApplyHealth(ctx, agent.AgentID, status)
}

func worseHealth(a, b types.HealthLevel) bool {
	return healthSeverity(a) > healthSeverity(b)
}

func healthSeverity(l types.HealthLevel) int {
	switch l {
	case types.HealthHealthy:
		return 0
	case types.HealthUnknown:
		return 1
	case types.HealthDegraded:
		return 2
	case types.HealthUnhealthy:
		return 3
	default:
		return 1
	}
}

// DescribeLatency renders a check's elapsed time the way probe log lines
// and HTTP health responses present it — humanize keeps the composition
// root's probe logging readable ("342ms" / "2 seconds") instead of raw
// nanosecond durations.
func DescribeLatency(d time.Duration) string {
	if d <= 0 {
		return "0ms"
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return humanize.RelTime(time.Now().Add(-d), time.Now(), "", "")
}
