// Package threadstore implements the Thread Store (spec §4.2): an
// append-only, totally-ordered message log per agent conversation, with
// out-of-band summarization and three context-window assembly strategies.
// It is grounded on the teacher's state.Store contract (durable records
// behind a narrow interface) and observe's buffered-delivery idiom for the
// in-memory ordering guarantees.
package threadstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orchestrahub/hub/internal/huberr"
	"github.com/orchestrahub/hub/internal/types"
)

// Store is the durable backend threadstore.Service writes through to.
type Store interface {
	SaveThread(ctx context.Context, thread types.Thread) error
	LoadThread(ctx context.Context, threadID string) (types.Thread, error)
	AppendMessage(ctx context.Context, message types.Message) error
	ListMessages(ctx context.Context, threadID string) ([]types.Message, error)
}

// Service is the Thread Store component.
type Service struct {
	store Store

	mu          sync.Mutex
	threads     map[string]types.Thread
	messages    map[string][]types.Message
	idemKeys    map[string]map[string]string // threadID -> idempotencyKey -> messageID
	summaryPolicy SummaryPolicyDefaults
}

// SummaryPolicyDefaults seeds summarize() when the caller omits a policy.
type SummaryPolicyDefaults struct {
	TriggerAfterMessages int
	MinTailMessages      int
}

// Option configures a Service at construction time.
type Option func(*Service)

func WithSummaryPolicyDefaults(d SummaryPolicyDefaults) Option {
	return func(s *Service) { s.summaryPolicy = d }
}

// New constructs a Service with an empty in-memory cache. Threads and
// messages already in the store are not loaded, so the Service sees only
// threads created through it since construction.
func New(ctx context.Context, store Store) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("threadstore: store is required")
	}
	s := &Service{
		store:    store,
		threads:  map[string]types.Thread{},
		messages: map[string][]types.Message{},
		idemKeys: map[string]map[string]string{},
		summaryPolicy: SummaryPolicyDefaults{TriggerAfterMessages: 200, MinTailMessages: 20},
	}
	_ = ctx
	return s, nil
}

// Create starts a new thread, optionally seeded with initial messages.
func (s *Service) Create(ctx context.Context, agentID string, metadata map[string]string, initialMessages []types.Message) (types.Thread, error) {
	if strings.TrimSpace(agentID) == "" {
		return types.Thread{}, huberr.New(huberr.CodeValidation, "agent_id is required")
	}
	now := time.Now().UTC()
	thread := types.Thread{
		ThreadID:  uuid.NewString(),
		AgentID:   agentID,
		Status:    types.ThreadActive,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.threads[thread.ThreadID] = thread
	s.idemKeys[thread.ThreadID] = map[string]string{}
	s.mu.Unlock()

	if err := s.store.SaveThread(ctx, thread); err != nil {
		return types.Thread{}, fmt.Errorf("threadstore: failed to persist thread: %w", err)
	}

	for _, m := range initialMessages {
		if _, err := s.Append(ctx, thread.ThreadID, m); err != nil {
			return types.Thread{}, err
		}
	}

	s.mu.Lock()
	thread = s.threads[thread.ThreadID]
	s.mu.Unlock()
	return thread, nil
}

// Append adds a message to the thread's log. Appends are atomic: either the
// message becomes durable and visible, or this call returns an error and
// nothing changed (§4.2 Ordering). A repeated idempotency key appends
// exactly once, returning the original message (§8 testable property).
func (s *Service) Append(ctx context.Context, threadID string, message types.Message) (types.Message, error) {
	s.mu.Lock()
	thread, ok := s.threads[threadID]
	if !ok {
		s.mu.Unlock()
		return types.Message{}, huberr.New(huberr.CodeThreadNotFound, fmt.Sprintf("thread %q not found", threadID))
	}
	if thread.Status == types.ThreadClosed || thread.Status == types.ThreadArchived {
		s.mu.Unlock()
		return types.Message{}, huberr.New(huberr.CodeThreadClosed, fmt.Sprintf("thread %q is %s", threadID, thread.Status))
	}
	if message.IdempotencyKey != "" {
		if existingID, dup := s.idemKeys[threadID][message.IdempotencyKey]; dup {
			for _, m := range s.messages[threadID] {
				if m.MessageID == existingID {
					s.mu.Unlock()
					return m, nil
				}
			}
		}
	}

	message.MessageID = uuid.NewString()
	message.ThreadID = threadID
	message.Sequence = thread.NextSeq
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	thread.NextSeq++
	thread.UpdatedAt = time.Now().UTC()
	// Hold the lock through persistence so concurrent appends to the same
	// thread cannot take the same sequence number.
	defer s.mu.Unlock()

	if err := s.store.AppendMessage(ctx, message); err != nil {
		return types.Message{}, fmt.Errorf("threadstore: failed to persist message: %w", err)
	}
	if err := s.store.SaveThread(ctx, thread); err != nil {
		return types.Message{}, fmt.Errorf("threadstore: failed to persist thread cursor: %w", err)
	}

	s.threads[threadID] = thread
	s.messages[threadID] = append(s.messages[threadID], message)
	if message.IdempotencyKey != "" {
		s.idemKeys[threadID][message.IdempotencyKey] = message.MessageID
	}

	return message, nil
}

// Get returns the current thread record.
func (s *Service) Get(_ context.Context, threadID string) (types.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.threads[threadID]
	if !ok {
		return types.Thread{}, huberr.New(huberr.CodeThreadNotFound, fmt.Sprintf("thread %q not found", threadID))
	}
	return thread, nil
}

// ListMessages returns a thread's messages in append order, or reversed,
// per filter (§4.2 Ordering).
func (s *Service) ListMessages(_ context.Context, threadID string, filter types.MessageFilter) ([]types.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[threadID]; !ok {
		return nil, huberr.New(huberr.CodeThreadNotFound, fmt.Sprintf("thread %q not found", threadID))
	}
	all := s.messages[threadID]
	out := make([]types.Message, 0, len(all))
	for _, m := range all {
		if m.Sequence < filter.SinceSeq {
			continue
		}
		if len(filter.Roles) > 0 && !roleIn(m.Role, filter.Roles) {
			continue
		}
		out = append(out, m)
	}
	if filter.Reverse {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence > out[j].Sequence })
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func roleIn(r types.Role, roles []types.Role) bool {
	for _, x := range roles {
		if x == r {
			return true
		}
	}
	return false
}

// UpdateStatus transitions the thread's administrative status.
func (s *Service) UpdateStatus(ctx context.Context, threadID string, status types.ThreadStatus) (types.Thread, error) {
	s.mu.Lock()
	thread, ok := s.threads[threadID]
	if !ok {
		s.mu.Unlock()
		return types.Thread{}, huberr.New(huberr.CodeThreadNotFound, fmt.Sprintf("thread %q not found", threadID))
	}
	thread.Status = status
	thread.UpdatedAt = time.Now().UTC()
	s.threads[threadID] = thread
	s.mu.Unlock()

	if err := s.store.SaveThread(ctx, thread); err != nil {
		return types.Thread{}, fmt.Errorf("threadstore: failed to persist status: %w", err)
	}
	return thread, nil
}

// Close terminates a thread for new appends, optionally recording a final
// summary and resolution label.
func (s *Service) Close(ctx context.Context, threadID string, summary *types.ThreadSummary, resolution string) (types.Thread, error) {
	s.mu.Lock()
	thread, ok := s.threads[threadID]
	if !ok {
		s.mu.Unlock()
		return types.Thread{}, huberr.New(huberr.CodeThreadNotFound, fmt.Sprintf("thread %q not found", threadID))
	}
	thread.Status = types.ThreadClosed
	thread.Resolution = resolution
	if summary != nil {
		thread.Summary = summary
	}
	thread.UpdatedAt = time.Now().UTC()
	s.threads[threadID] = thread
	s.mu.Unlock()

	if err := s.store.SaveThread(ctx, thread); err != nil {
		return types.Thread{}, fmt.Errorf("threadstore: failed to persist close: %w", err)
	}
	return thread, nil
}

// Archive marks a thread archived. retention is accepted for future
// expiry sweeping but is not enforced by this in-process implementation.
func (s *Service) Archive(ctx context.Context, threadID string, retention time.Duration) (types.Thread, error) {
	_ = retention
	s.mu.Lock()
	thread, ok := s.threads[threadID]
	if !ok {
		s.mu.Unlock()
		return types.Thread{}, huberr.New(huberr.CodeThreadNotFound, fmt.Sprintf("thread %q not found", threadID))
	}
	thread.Status = types.ThreadArchived
	thread.UpdatedAt = time.Now().UTC()
	s.threads[threadID] = thread
	s.mu.Unlock()

	if err := s.store.SaveThread(ctx, thread); err != nil {
		return types.Thread{}, fmt.Errorf("threadstore: failed to persist archive: %w", err)
	}
	return thread, nil
}

// Summarize replaces the thread's stored summary with a freshly produced
// one, versioned monotonically (§4.2 Invariants: "re-summarization
// replaces rather than mutates"). The caller supplies the rendered text;
// this component owns only the versioning and cutoff bookkeeping.
func (s *Service) Summarize(ctx context.Context, threadID string, policy types.SummaryPolicy, text string) (types.Thread, error) {
	s.mu.Lock()
	thread, ok := s.threads[threadID]
	if !ok {
		s.mu.Unlock()
		return types.Thread{}, huberr.New(huberr.CodeThreadNotFound, fmt.Sprintf("thread %q not found", threadID))
	}
	minTail := policy.MinTailMessages
	if minTail <= 0 {
		minTail = s.summaryPolicy.MinTailMessages
	}
	msgs := s.messages[threadID]
	upToSeq := int64(0)
	if cut := len(msgs) - minTail; cut > 0 {
		upToSeq = msgs[cut-1].Sequence
	}
	version := 1
	if thread.Summary != nil {
		version = thread.Summary.Version + 1
	}
	summary := &types.ThreadSummary{Version: version, Text: text, UpToSeq: upToSeq, CreatedAt: time.Now().UTC()}
	thread.Summary = summary
	thread.UpdatedAt = time.Now().UTC()
	s.threads[threadID] = thread
	s.mu.Unlock()

	if err := s.store.SaveThread(ctx, thread); err != nil {
		return types.Thread{}, fmt.Errorf("threadstore: failed to persist summary: %w", err)
	}
	return thread, nil
}

// ShouldSummarize reports whether the thread has crossed the configured
// trigger threshold since its last summary.
func (s *Service) ShouldSummarize(_ context.Context, threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread, ok := s.threads[threadID]
	if !ok {
		return false
	}
	unsummarized := thread.NextSeq
	if thread.Summary != nil {
		unsummarized = thread.NextSeq - thread.Summary.UpToSeq - 1
	}
	return unsummarized >= int64(s.summaryPolicy.TriggerAfterMessages)
}

// GetContext assembles the prompt context window per the requested budget
// and strategy (§4.2 Context window assembly).
func (s *Service) GetContext(_ context.Context, threadID string, budget types.ContextBudget) (types.ContextWindow, error) {
	s.mu.Lock()
	thread, ok := s.threads[threadID]
	if !ok {
		s.mu.Unlock()
		return types.ContextWindow{}, huberr.New(huberr.CodeThreadNotFound, fmt.Sprintf("thread %q not found", threadID))
	}
	all := append([]types.Message(nil), s.messages[threadID]...)
	s.mu.Unlock()

	minTail := budget.MinTailMessages
	if minTail <= 0 {
		minTail = 1
	}

	switch budget.Strategy {
	case types.ContextStrategySummary:
		return assembleSummary(thread, all, budget, minTail), nil
	case types.ContextStrategyHybrid:
		return assembleHybrid(thread, all, budget, minTail), nil
	default:
		return assembleRecent(all, budget), nil
	}
}

func estimateTokens(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content) / 4
		if total == 0 && len(m.Content) > 0 {
			total = 1
		}
	}
	return total
}

// assembleRecent keeps the newest messages until the budget is exhausted.
func assembleRecent(all []types.Message, budget types.ContextBudget) types.ContextWindow {
	if budget.MaxTokens <= 0 {
		return types.ContextWindow{Messages: all, EstimatedTokens: estimateTokens(all)}
	}
	var kept []types.Message
	tokens := 0
	for i := len(all) - 1; i >= 0; i-- {
		cost := len(all[i].Content)/4 + 1
		if tokens+cost > budget.MaxTokens && len(kept) > 0 {
			break
		}
		kept = append([]types.Message{all[i]}, kept...)
		tokens += cost
	}
	return types.ContextWindow{Messages: kept, EstimatedTokens: tokens}
}

// assembleSummary replaces the oldest messages with the stored summary,
// then appends the intact tail verbatim.
func assembleSummary(thread types.Thread, all []types.Message, budget types.ContextBudget, minTail int) types.ContextWindow {
	if thread.Summary == nil {
		return assembleRecent(all, budget)
	}
	tail := tailAfter(all, thread.Summary.UpToSeq, minTail)
	summaryMsg := types.Message{
		Role:    types.RoleSystem,
		Content: thread.Summary.Text,
	}
	messages := append([]types.Message{summaryMsg}, tail...)
	return types.ContextWindow{
		Messages:        messages,
		SummaryUsed:     true,
		EstimatedTokens: estimateTokens(messages),
	}
}

// assembleHybrid includes the summary, the pinned decision-point messages
// (every tool-role message the summary already covers), plus a verbatim
// recent tail.
func assembleHybrid(thread types.Thread, all []types.Message, budget types.ContextBudget, minTail int) types.ContextWindow {
	window := assembleSummary(thread, all, budget, minTail)
	pinned := pinnedDecisionPoints(all, thread.Summary)
	if len(pinned) == 0 {
		return window
	}
	merged := make([]types.Message, 0, len(pinned)+len(window.Messages))
	merged = append(merged, window.Messages[:1]...) // keep summary message first
	merged = append(merged, pinned...)
	if len(window.Messages) > 1 {
		merged = append(merged, window.Messages[1:]...)
	}
	window.Messages = merged
	window.PinnedCount = len(pinned)
	window.EstimatedTokens = estimateTokens(merged)
	return window
}

func pinnedDecisionPoints(all []types.Message, summary *types.ThreadSummary) []types.Message {
	cutoff := int64(-1)
	if summary != nil {
		cutoff = summary.UpToSeq
	}
	var pinned []types.Message
	for _, m := range all {
		if m.Sequence > cutoff {
			break
		}
		if m.Role == types.RoleTool {
			pinned = append(pinned, m)
		}
	}
	return pinned
}

func tailAfter(all []types.Message, afterSeq int64, minTail int) []types.Message {
	var tail []types.Message
	for _, m := range all {
		if m.Sequence > afterSeq {
			tail = append(tail, m)
		}
	}
	if len(tail) < minTail {
		start := len(all) - minTail
		if start < 0 {
			start = 0
		}
		return append([]types.Message(nil), all[start:]...)
	}
	return tail
}
