// Package interrupt implements the Interrupt Subsystem (spec §4.5): the
// create/list/get/resolve/expire/cancel protocol that suspends a run
// awaiting a human or external decision, with the invariant that at most
// one interrupt per run is non-terminal at any time. Persistence and
// locking follow the same explicitly-constructed-service shape as
// internal/agentregistry and internal/threadstore, grounded on the
// teacher's runtime/distributed.coordinator.
package interrupt

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orchestrahub/hub/internal/bus"
	"github.com/orchestrahub/hub/internal/huberr"
	"github.com/orchestrahub/hub/internal/types"
)

// Store is the durable backend for interrupt records.
type Store interface {
	SaveInterrupt(ctx context.Context, in types.Interrupt) error
	LoadInterrupt(ctx context.Context, id string) (types.Interrupt, error)
	ListInterrupts(ctx context.Context) ([]types.Interrupt, error)
}

// RunHook lets the Run Executor react to interrupt lifecycle events
// without this package importing the executor (spec §9's "coroutine
// control flow for interrupts": the handler observes a resume signal and
// continues from the post-interrupt position).
type RunHook interface {
	// OnInterruptCreated transitions the owning run to interrupted.
	OnInterruptCreated(ctx context.Context, runID string, interruptID string) error
	// OnInterruptResolved signals the executor to resume the run with the
	// given response.
	OnInterruptResolved(ctx context.Context, runID string, response types.InterruptResponse) error
	// OnInterruptExpired signals the executor to either fail the run
	// (ExpiryFailRun) or resume it with a null response
	// (ExpiryContinueWithout).
	OnInterruptExpired(ctx context.Context, runID string, policy types.ExpiryPolicy) error
}

// Service is the Interrupt Subsystem.
type Service struct {
	store    Store
	hook     RunHook
	observer bus.Sink

	mu         sync.Mutex
	byID       map[string]types.Interrupt
	nonTerminalByRun map[string]string // runID -> interruptID currently non-terminal

	sweepInterval time.Duration
	stopSweep     chan struct{}
	sweepOnce     sync.Once
}

// Option configures a Service at construction time.
type Option func(*Service)

func WithObserver(sink bus.Sink) Option {
	return func(s *Service) { s.observer = sink }
}

func WithSweepInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.sweepInterval = d
		}
	}
}

// New constructs a Service, warming its cache from the store.
func New(ctx context.Context, store Store, hook RunHook, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("interrupt: store is required")
	}
	if hook == nil {
		return nil, fmt.Errorf("interrupt: run hook is required")
	}
	s := &Service{
		store: store, hook: hook,
		byID: map[string]types.Interrupt{}, nonTerminalByRun: map[string]string{},
		sweepInterval: 5 * time.Second,
		stopSweep:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	existing, err := store.ListInterrupts(ctx)
	if err != nil {
		return nil, fmt.Errorf("interrupt: failed to warm cache: %w", err)
	}
	for _, in := range existing {
		s.byID[in.InterruptID] = in
		if in.Status.NonTerminal() {
			s.nonTerminalByRun[in.RunID] = in.InterruptID
		}
	}
	return s, nil
}

// Create opens a new suspension point for a run (§4.5 Protocol). It fails
// with CAP_INTERRUPT_CONFLICT if the run already has a non-terminal
// interrupt (§8 invariant: "at most one interrupt per run is non-terminal
// at any time").
func (s *Service) Create(ctx context.Context, spec types.InterruptSpec) (types.Interrupt, error) {
	s.mu.Lock()
	if existingID, ok := s.nonTerminalByRun[spec.RunID]; ok {
		s.mu.Unlock()
		return types.Interrupt{}, huberr.New(huberr.CodeInterruptConflict,
			fmt.Sprintf("run %q already has a non-terminal interrupt %q", spec.RunID, existingID))
	}
	s.mu.Unlock()

	now := time.Now().UTC()
	timeoutMs := spec.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = 60_000
	}
	in := types.Interrupt{
		InterruptID:  uuid.NewString(),
		RunID:        spec.RunID,
		ThreadID:     spec.ThreadID,
		AgentID:      spec.AgentID,
		Type:         spec.Type,
		Priority:     spec.Priority,
		Status:       types.InterruptPending,
		Payload:      spec.Payload,
		ExpiryPolicy: spec.ExpiryPolicy,
		TimeoutMs:    timeoutMs,
		CreatedAt:    now,
		ExpiresAt:    now.Add(time.Duration(timeoutMs) * time.Millisecond),
	}
	if in.ExpiryPolicy == "" {
		in.ExpiryPolicy = types.ExpiryFailRun
	}
	if in.Priority == "" {
		in.Priority = types.PriorityNormal
	}

	if err := s.store.SaveInterrupt(ctx, in); err != nil {
		return types.Interrupt{}, fmt.Errorf("interrupt: failed to persist: %w", err)
	}

	s.mu.Lock()
	s.byID[in.InterruptID] = in
	s.nonTerminalByRun[in.RunID] = in.InterruptID
	s.mu.Unlock()

	if err := s.hook.OnInterruptCreated(ctx, in.RunID, in.InterruptID); err != nil {
		return types.Interrupt{}, fmt.Errorf("interrupt: failed to suspend run: %w", err)
	}

	s.emit(ctx, types.EventInterruptCreated, in)
	s.emit(ctx, types.EventInterrupt, in)
	return in, nil
}

// Get returns an interrupt by id.
func (s *Service) Get(_ context.Context, id string) (types.Interrupt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.byID[id]
	if !ok {
		return types.Interrupt{}, huberr.New(huberr.CodeInterruptNotFound, fmt.Sprintf("interrupt %q not found", id))
	}
	return in, nil
}

// List returns interrupts matching filter, newest first.
func (s *Service) List(_ context.Context, filter types.InterruptFilter) ([]types.Interrupt, error) {
	s.mu.Lock()
	matches := make([]types.Interrupt, 0, len(s.byID))
	for _, in := range s.byID {
		if filter.RunID != "" && in.RunID != filter.RunID {
			continue
		}
		if filter.AgentID != "" && in.AgentID != filter.AgentID {
			continue
		}
		if filter.Status != "" && in.Status != filter.Status {
			continue
		}
		if filter.Type != "" && in.Type != filter.Type {
			continue
		}
		matches = append(matches, in)
	}
	s.mu.Unlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].CreatedAt.After(matches[j].CreatedAt) })
	if filter.Offset > 0 && filter.Offset < len(matches) {
		matches = matches[filter.Offset:]
	} else if filter.Offset >= len(matches) {
		matches = nil
	}
	if filter.Limit > 0 && len(matches) > filter.Limit {
		matches = matches[:filter.Limit]
	}
	return matches, nil
}

// Acknowledge transitions pending -> notified (delivery acknowledged by an
// external subscriber). Optional per §4.5.
func (s *Service) Acknowledge(ctx context.Context, id string) (types.Interrupt, error) {
	return s.transitionStatus(ctx, id, types.InterruptNotified)
}

// View transitions to viewed. Optional per §4.5.
func (s *Service) View(ctx context.Context, id string) (types.Interrupt, error) {
	return s.transitionStatus(ctx, id, types.InterruptViewed)
}

func (s *Service) transitionStatus(ctx context.Context, id string, status types.InterruptStatus) (types.Interrupt, error) {
	s.mu.Lock()
	in, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return types.Interrupt{}, huberr.New(huberr.CodeInterruptNotFound, fmt.Sprintf("interrupt %q not found", id))
	}
	if in.Status.Terminal() {
		s.mu.Unlock()
		return types.Interrupt{}, huberr.New(huberr.CodeInterruptConflict, fmt.Sprintf("interrupt %q is already terminal", id))
	}
	in.Status = status
	s.byID[id] = in
	s.mu.Unlock()

	if err := s.store.SaveInterrupt(ctx, in); err != nil {
		return types.Interrupt{}, fmt.Errorf("interrupt: failed to persist status: %w", err)
	}
	return in, nil
}

// Resolve writes a response and transitions the interrupt to resolved,
// signaling the Run Executor to resume (§4.5 Protocol). Resolution is
// legal from any non-terminal status. At most one resolution wins;
// competing resolutions fail with CAP_INTERRUPT_CONFLICT (§8 round-trip
// property).
func (s *Service) Resolve(ctx context.Context, id string, response types.InterruptResponse) (types.Interrupt, error) {
	s.mu.Lock()
	in, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return types.Interrupt{}, huberr.New(huberr.CodeInterruptNotFound, fmt.Sprintf("interrupt %q not found", id))
	}
	if !in.Status.NonTerminal() {
		s.mu.Unlock()
		return types.Interrupt{}, huberr.New(huberr.CodeInterruptConflict,
			fmt.Sprintf("interrupt %q is not resolvable from status %s", id, in.Status))
	}
	now := time.Now().UTC()
	in.Status = types.InterruptResolved
	in.Response = &response
	in.ResolvedAt = &now
	s.byID[id] = in
	delete(s.nonTerminalByRun, in.RunID)
	s.mu.Unlock()

	if err := s.store.SaveInterrupt(ctx, in); err != nil {
		return types.Interrupt{}, fmt.Errorf("interrupt: failed to persist resolution: %w", err)
	}

	if err := s.hook.OnInterruptResolved(ctx, in.RunID, response); err != nil {
		return types.Interrupt{}, fmt.Errorf("interrupt: failed to resume run: %w", err)
	}
	return in, nil
}

// Expire force-expires a pending interrupt, applying its ExpiryPolicy to
// the owning run. Normally invoked by the sweeper, but exposed for
// explicit use too.
func (s *Service) Expire(ctx context.Context, id string) (types.Interrupt, error) {
	s.mu.Lock()
	in, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return types.Interrupt{}, huberr.New(huberr.CodeInterruptNotFound, fmt.Sprintf("interrupt %q not found", id))
	}
	if !in.Status.NonTerminal() {
		s.mu.Unlock()
		return in, nil
	}
	in.Status = types.InterruptExpired
	s.byID[id] = in
	delete(s.nonTerminalByRun, in.RunID)
	s.mu.Unlock()

	if err := s.store.SaveInterrupt(ctx, in); err != nil {
		return types.Interrupt{}, fmt.Errorf("interrupt: failed to persist expiry: %w", err)
	}
	if err := s.hook.OnInterruptExpired(ctx, in.RunID, in.ExpiryPolicy); err != nil {
		return types.Interrupt{}, fmt.Errorf("interrupt: failed to apply expiry policy: %w", err)
	}
	s.emit(ctx, types.EventInterruptExpired, in)
	return in, nil
}

// Cancel transitions a non-terminal interrupt to cancelled without
// resolving it, used when the owning run is cancelled directly.
func (s *Service) Cancel(ctx context.Context, id string) (types.Interrupt, error) {
	s.mu.Lock()
	in, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return types.Interrupt{}, huberr.New(huberr.CodeInterruptNotFound, fmt.Sprintf("interrupt %q not found", id))
	}
	if !in.Status.NonTerminal() {
		s.mu.Unlock()
		return in, nil
	}
	in.Status = types.InterruptCancelled
	s.byID[id] = in
	delete(s.nonTerminalByRun, in.RunID)
	s.mu.Unlock()

	if err := s.store.SaveInterrupt(ctx, in); err != nil {
		return types.Interrupt{}, fmt.Errorf("interrupt: failed to persist cancellation: %w", err)
	}
	return in, nil
}

// CancelByRun cancels the run's current non-terminal interrupt, if any;
// it is a no-op if the run has none (used by the Executor's cancel path).
func (s *Service) CancelByRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	id, ok := s.nonTerminalByRun[runID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := s.Cancel(ctx, id)
	return err
}

// StartSweeper launches a background goroutine that scans for expired
// pending interrupts at sweepInterval and expires them (§4.5 Expiry). Call
// the returned stop function to shut it down.
func (s *Service) StartSweeper(ctx context.Context) (stop func()) {
	go func() {
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopSweep:
				return
			case <-ticker.C:
				s.sweepOnce2(ctx)
			}
		}
	}()
	return func() {
		s.sweepOnce.Do(func() { close(s.stopSweep) })
	}
}

func (s *Service) sweepOnce2(ctx context.Context) {
	now := time.Now().UTC()
	s.mu.Lock()
	var expiredIDs []string
	for id, in := range s.byID {
		if in.Status.NonTerminal() && now.After(in.ExpiresAt) {
			expiredIDs = append(expiredIDs, id)
		}
	}
	s.mu.Unlock()

	for _, id := range expiredIDs {
		_, _ = s.Expire(ctx, id)
	}
}

func (s *Service) emit(ctx context.Context, name types.EventName, in types.Interrupt) {
	if s.observer == nil {
		return
	}
	_ = s.observer.Emit(ctx, types.Event{
		Name:      name,
		RunID:     in.RunID,
		AgentID:   in.AgentID,
		ThreadID:  in.ThreadID,
		Timestamp: time.Now().UTC(),
		Attributes: map[string]any{
			"interruptId": in.InterruptID,
			"type":        string(in.Type),
		},
	})
}
