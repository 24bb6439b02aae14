package prep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/mquinn/prepflow/internal/llm"
	"github.com/mquinn/prepflow/internal/session"
)

// strategyStore is the slice of the session store the strategy agent
// needs: it originates tasks, consumes feedback, and reads (never
// writes) the brief.
type strategyStore interface {
	WriteTask(t *session.Task) (string, error)
	GetPendingFeedback(role string) ([]session.Feedback, error)
	MarkFeedbackProcessed(role, id string) error
	GetStats() session.Stats
	session.BriefReader
	eventLogger
}

// Strategy phases rotate when the feedback queue is empty, so the
// agent keeps widening the research net instead of idling.
var strategyPhases = []string{
	"initial_arguments",
	"opponent_answers",
	"impact_chains",
	"deep_dive",
}

// deepDiveThreshold is the card count below which an argument is
// considered under-evidenced and worth another research pass.
const deepDiveThreshold = 3

// phaseSignal is the self-generated work item that drives phase
// rotation between feedback deliveries.
type phaseSignal int

// Strategy decides what to research next. It is the only agent that
// originates Tasks from nothing: one seeding call on start, then a
// loop of feedback consumption and phase-driven generation.
type Strategy struct {
	base
	store      strategyStore
	client     llm.Client
	model      string
	resolution string
	side       session.Side
	phase      int
	rotate     bool
}

// StrategyOption configures a Strategy.
type StrategyOption func(*Strategy)

// WithPhaseRotation controls whether the agent self-generates work
// when the feedback queue is empty. Disabled, the agent only seeds on
// start and then reacts to feedback; an empty queue means waiting.
func WithPhaseRotation(enabled bool) StrategyOption {
	return func(s *Strategy) { s.rotate = enabled }
}

// NewStrategy creates the strategy agent.
func NewStrategy(store strategyStore, client llm.Client, model, resolution string, side session.Side, logger *slog.Logger, opts ...StrategyOption) *Strategy {
	s := &Strategy{
		base:       newBase(session.RoleStrategy, store, logger),
		store:      store,
		client:     client,
		model:      model,
		resolution: resolution,
		side:       side,
		rotate:     true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckDependencies always passes: strategy has no upstream.
func (s *Strategy) CheckDependencies() (bool, string) { return true, "" }

// OnStart issues the planning call and seeds the initial task queue.
// If the model's output is unusable, a single generic high-priority
// task is written instead, so the pipeline never starts empty.
func (s *Strategy) OnStart(ctx context.Context) error {
	s.log("planning", map[string]any{"resolution": truncate(s.resolution, 60)})

	specs := s.plan(ctx)

	written := 0
	for _, spec := range specs {
		task := spec.task()
		if _, err := s.store.WriteTask(task); err != nil {
			if !errors.Is(err, session.ErrDuplicateTask) {
				s.logger.Warn("seed task rejected", "error", err)
			}
			continue
		}
		s.state.IncCreated()
		written++
	}

	if written == 0 {
		generic := &session.Task{
			Argument:     fmt.Sprintf("Core arguments for the %s side", strings.ToUpper(string(s.side))),
			SearchIntent: "strongest evidence on " + s.resolution,
			EvidenceType: session.EvidenceSupport,
			Priority:     session.PriorityHigh,
		}
		if _, err := s.store.WriteTask(generic); err != nil {
			return fmt.Errorf("seed fallback task: %w", err)
		}
		s.state.IncCreated()
		s.log("seeded_fallback", nil)
		return nil
	}

	s.log("seeded", map[string]any{"tasks": written})
	return nil
}

// OnStop has no cleanup.
func (s *Strategy) OnStop(ctx context.Context) error { return nil }

// CheckWork returns pending feedback items, oldest first. With phase
// rotation on and no feedback waiting, it returns a single generation
// signal instead so the agent never idles.
func (s *Strategy) CheckWork(ctx context.Context) ([]any, error) {
	feedback, err := s.store.GetPendingFeedback(session.RoleStrategy)
	if err != nil {
		return nil, err
	}
	if len(feedback) > 0 {
		items := make([]any, len(feedback))
		for i, f := range feedback {
			items[i] = f
		}
		return items, nil
	}
	if s.rotate {
		return []any{phaseSignal(s.phase)}, nil
	}
	return nil, nil
}

// ProcessItem handles one feedback item or one generation signal.
func (s *Strategy) ProcessItem(ctx context.Context, item any) error {
	switch v := item.(type) {
	case session.Feedback:
		return s.processFeedback(v)
	case phaseSignal:
		s.generatePhase(ctx, int(v))
		s.phase = (s.phase + 1) % len(strategyPhases)
		return nil
	default:
		return fmt.Errorf("strategy: unexpected work item %T", item)
	}
}

// processFeedback turns one organizer feedback item into a new task.
// Feedback type determines the evidence type and priority of the
// resulting research.
func (s *Strategy) processFeedback(f session.Feedback) error {
	et, pr := session.EvidenceSupport, session.PriorityHigh
	switch f.Type {
	case session.FeedbackGap:
		et, pr = session.EvidenceSupport, session.PriorityHigh
	case session.FeedbackOpportunity:
		et, pr = session.EvidenceSupport, session.PriorityMedium
	case session.FeedbackLinkChain:
		et, pr = session.EvidenceImpact, session.PriorityMedium
	}

	intent := f.SuggestedIntent
	if intent == "" {
		intent = f.Message
	}

	task := &session.Task{
		Argument:     f.Message,
		SearchIntent: intent,
		EvidenceType: et,
		Priority:     pr,
	}

	_, err := s.store.WriteTask(task)
	switch {
	case errors.Is(err, session.ErrDuplicateTask):
		// Already being researched; consume the feedback anyway.
		s.log("feedback_duplicate", map[string]any{"id": f.ID})
	case err != nil:
		return fmt.Errorf("task from feedback %s: %w", f.ID, err)
	default:
		s.state.IncCreated()
		s.log("task_from_"+string(f.Type), map[string]any{
			"argument": truncate(task.Argument, 40),
		})
	}

	return s.store.MarkFeedbackProcessed(session.RoleStrategy, f.ID)
}

// generatePhase runs one step of the rotation. Model and parse errors
// are treated as zero results from this call, never loop failures.
func (s *Strategy) generatePhase(ctx context.Context, phase int) {
	name := strategyPhases[phase%len(strategyPhases)]
	s.log("generating_"+name, nil)

	switch name {
	case "initial_arguments":
		s.enumerate(ctx, session.EvidenceSupport, 3)
	case "opponent_answers":
		s.enumerate(ctx, session.EvidenceAnswer, 3)
	case "impact_chains":
		s.impactChains(ctx)
	case "deep_dive":
		s.deepDive()
	}
}

// taskSpec is the shape the planning prompts ask the model for.
type taskSpec struct {
	Argument     string `json:"argument"`
	SearchIntent string `json:"search_intent"`
	EvidenceType string `json:"evidence_type"`
	Priority     string `json:"priority"`
}

func (ts taskSpec) task() *session.Task {
	et := session.EvidenceType(ts.EvidenceType)
	switch et {
	case session.EvidenceSupport, session.EvidenceAnswer, session.EvidenceImpact:
	default:
		et = session.EvidenceSupport
	}
	pr := session.Priority(ts.Priority)
	switch pr {
	case session.PriorityHigh, session.PriorityMedium, session.PriorityLow:
	default:
		pr = session.PriorityMedium
	}
	return &session.Task{
		Argument:     ts.Argument,
		SearchIntent: ts.SearchIntent,
		EvidenceType: et,
		Priority:     pr,
	}
}

// plan asks for the initial 4-6 arguments. Unparseable output returns
// nil; the caller falls back to a generic seed task.
func (s *Strategy) plan(ctx context.Context) []taskSpec {
	prompt := fmt.Sprintf(`You are a debate strategist for Public Forum debate.

Resolution: %s
Side: %s

Plan the opening research pass. Generate 4-6 arguments worth
researching for this side. For each, be CONCISE (3-10 words per field):
- argument: a specific, provable claim
- search_intent: what evidence to find
- evidence_type: "support", "answer", or "impact"
- priority: "high", "medium", or "low"

Output JSON array:
[
  {"argument": "...", "search_intent": "...", "evidence_type": "support", "priority": "high"}
]

Only output the JSON array.`, s.resolution, strings.ToUpper(string(s.side)))

	specs, err := s.completeSpecs(ctx, prompt)
	if err != nil {
		s.log("plan_error", map[string]any{"error": truncate(err.Error(), 100)})
		return nil
	}
	if len(specs) > 6 {
		specs = specs[:6]
	}
	return specs
}

// enumerate generates up to limit new support or answer arguments,
// listing what the brief already holds so the model avoids repeats.
func (s *Strategy) enumerate(ctx context.Context, et session.EvidenceType, limit int) {
	existing := s.existingArguments(et)

	var prompt string
	if et == session.EvidenceAnswer {
		opponent := "PRO"
		if s.side == session.SidePro {
			opponent = "CON"
		}
		prompt = fmt.Sprintf(`You are a debate strategist preparing ANSWERS to opponent arguments.

Resolution: %s
Your side: %s
Opponent side: %s

Already prepared answers: %s

Generate 2-3 ANSWER arguments (responding to likely opponent claims).
Be CONCISE (3-10 words per field):
- argument: AT: [opponent claim]
- search_intent: evidence that refutes or mitigates it
- priority: high/medium/low

Output JSON array:
[
  {"argument": "AT: Concise opponent claim", "search_intent": "Evidence that refutes this", "priority": "high"}
]

Only output the JSON array.`, s.resolution, strings.ToUpper(string(s.side)), opponent, existing)
	} else {
		prompt = fmt.Sprintf(`You are a debate strategist for Public Forum debate.

Resolution: %s
Side: %s

Already researched arguments: %s

Generate 2-3 NEW arguments to research (not duplicates of existing).
Be CONCISE (3-10 words per field):
- argument: a specific, provable claim
- search_intent: what evidence to find
- priority: high/medium/low

Output JSON array:
[
  {"argument": "Concise specific claim", "search_intent": "What evidence to find", "priority": "high"}
]

Only output the JSON array.`, s.resolution, strings.ToUpper(string(s.side)), existing)
	}

	specs, err := s.completeSpecs(ctx, prompt)
	if err != nil {
		s.log("enumerate_error", map[string]any{"error": truncate(err.Error(), 100)})
		return
	}
	if len(specs) > limit {
		specs = specs[:limit]
	}

	for _, spec := range specs {
		task := spec.task()
		task.EvidenceType = et
		s.writeGenerated(task)
	}
}

// impactChains generates up to 2 terminal-impact research tasks.
func (s *Strategy) impactChains(ctx context.Context) {
	existing := s.existingArguments(session.EvidenceSupport)

	prompt := fmt.Sprintf(`You are building IMPACT CHAINS for debate arguments.

Resolution: %s
Side: %s

Current arguments: %s

For the existing arguments, identify TERMINAL IMPACT evidence needed.
Impact chains: [internal link] -> [impact].

Be CONCISE (3-10 words per field):
- argument: Impact: [terminal impact]
- search_intent: evidence that [X] leads to [Y]
- priority: high/medium

Generate 2 impact research tasks:
[
  {"argument": "Impact: Concise terminal impact", "search_intent": "Evidence linking to terminal harm", "priority": "medium"}
]

Only output the JSON array.`, s.resolution, strings.ToUpper(string(s.side)), existing)

	specs, err := s.completeSpecs(ctx, prompt)
	if err != nil {
		s.log("impact_error", map[string]any{"error": truncate(err.Error(), 100)})
		return
	}
	if len(specs) > 2 {
		specs = specs[:2]
	}

	for _, spec := range specs {
		task := spec.task()
		task.EvidenceType = session.EvidenceImpact
		s.writeGenerated(task)
	}
}

// deepDive finds the first under-evidenced argument in the brief and
// queues one more research pass for it. One at a time: the next poll
// cycle picks up the next thin argument.
func (s *Strategy) deepDive() {
	brief, err := s.store.ReadBrief()
	if err != nil {
		s.log("deep_dive_error", map[string]any{"error": truncate(err.Error(), 100)})
		return
	}

	names := make([]string, 0, len(brief.Arguments))
	for name := range brief.Arguments {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		total := 0
		for _, cards := range brief.Arguments[name] {
			total += len(cards)
		}
		if total >= deepDiveThreshold {
			continue
		}

		task := &session.Task{
			Argument:     name,
			SearchIntent: "Find additional evidence for: " + name,
			EvidenceType: session.EvidenceSupport,
			Priority:     session.PriorityMedium,
		}
		if wrote := s.writeGenerated(task); wrote {
			s.log("deepening", map[string]any{"argument": truncate(name, 40), "cards": total})
		}
		return
	}

	s.log("brief_covered", nil)
}

// writeGenerated writes a generated task, tolerating duplicates.
func (s *Strategy) writeGenerated(task *session.Task) bool {
	_, err := s.store.WriteTask(task)
	if errors.Is(err, session.ErrDuplicateTask) {
		return false
	}
	if err != nil {
		s.logger.Warn("generated task rejected", "error", err)
		return false
	}
	s.state.IncCreated()
	s.log("task_queued", map[string]any{
		"argument": truncate(task.Argument, 40),
		"type":     string(task.EvidenceType),
		"priority": string(task.Priority),
	})
	return true
}

// completeSpecs runs one completion and parses a JSON array of task
// specs out of the response.
func (s *Strategy) completeSpecs(ctx context.Context, prompt string) ([]taskSpec, error) {
	text, err := llm.Complete(ctx, s.client, s.model, "", prompt)
	if err != nil {
		return nil, err
	}
	raw, err := llm.ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	var specs []taskSpec
	if err := json.Unmarshal([]byte(raw), &specs); err != nil {
		return nil, fmt.Errorf("parse task specs: %w", err)
	}
	return specs, nil
}

// existingArguments renders the brief's current argument names for a
// prompt, or "(none yet)".
func (s *Strategy) existingArguments(et session.EvidenceType) string {
	brief, err := s.store.ReadBrief()
	if err != nil {
		return "(none yet)"
	}
	cat := brief.Arguments
	if et == session.EvidenceAnswer {
		cat = brief.Answers
	}
	if len(cat) == 0 {
		return "(none yet)"
	}
	names := make([]string, 0, len(cat))
	for name := range cat {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, "; ")
}
