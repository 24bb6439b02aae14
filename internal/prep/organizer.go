package prep

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/mquinn/prepflow/internal/events"
	"github.com/mquinn/prepflow/internal/llm"
	"github.com/mquinn/prepflow/internal/session"
)

// organizerStore is the slice of the session store the organizer
// needs. It is the only agent interface that embeds BriefWriter: the
// brief has exactly one writer, enforced here rather than by
// convention.
type organizerStore interface {
	GetPendingCards(role string) ([]session.Card, error)
	MarkCardProcessed(role, id string) error
	WriteFeedback(f *session.Feedback) (string, error)
	GetStats() session.Stats
	session.BriefWriter
	eventLogger
}

const (
	// analysisThreshold is how many cards are placed between
	// brief-gap analysis passes.
	analysisThreshold = 3
	// maxFeedbackPerAnalysis caps feedback per pass so a chatty
	// analysis cannot flood strategy with new tasks.
	maxFeedbackPerAnalysis = 2
)

// Organizer places cut cards into the brief and periodically
// critiques brief coverage, feeding gaps back to the strategy agent.
type Organizer struct {
	base
	store      organizerStore
	client     llm.Client
	model      string
	resolution string
	side       session.Side

	cardsSinceAnalysis int
}

// NewOrganizer creates the organizer agent.
func NewOrganizer(store organizerStore, client llm.Client, model, resolution string, side session.Side, logger *slog.Logger) *Organizer {
	return &Organizer{
		base:       newBase(session.RoleOrganizer, store, logger),
		store:      store,
		client:     client,
		model:      model,
		resolution: resolution,
		side:       side,
	}
}

// CheckDependencies reports whether any cards exist yet.
func (o *Organizer) CheckDependencies() (bool, string) {
	if o.store.GetStats().Cards == 0 {
		return false, "no cut cards found; run the cutter agent first"
	}
	return true, ""
}

// OnStart has no setup.
func (o *Organizer) OnStart(ctx context.Context) error { return nil }

// OnStop has no cleanup.
func (o *Organizer) OnStop(ctx context.Context) error { return nil }

// CheckWork returns pending cards in queue order.
func (o *Organizer) CheckWork(ctx context.Context) ([]any, error) {
	cards, err := o.store.GetPendingCards(session.RoleOrganizer)
	if err != nil {
		return nil, err
	}
	items := make([]any, len(cards))
	for i, c := range cards {
		items[i] = c
	}
	return items, nil
}

// ProcessItem places one card in the brief, then runs a gap analysis
// every analysisThreshold cards.
func (o *Organizer) ProcessItem(ctx context.Context, item any) error {
	card, ok := item.(session.Card)
	if !ok {
		return fmt.Errorf("organizer: unexpected work item %T", item)
	}

	if err := o.store.MarkCardProcessed(session.RoleOrganizer, card.ID); err != nil {
		return fmt.Errorf("mark card %s processed: %w", card.ID, err)
	}

	if err := o.placeCard(card); err != nil {
		return err
	}
	o.state.IncCreated()

	o.cardsSinceAnalysis++
	if o.cardsSinceAnalysis >= analysisThreshold {
		o.analyzeBrief(ctx)
		o.cardsSinceAnalysis = 0
	}
	return nil
}

// placeCard is a whole-document read-modify-write: safe without a
// lock only because this agent is the brief's sole writer.
func (o *Organizer) placeCard(card session.Card) error {
	brief, err := o.store.ReadBrief()
	if err != nil {
		return fmt.Errorf("read brief: %w", err)
	}

	brief.Place(card)

	if err := o.store.WriteBrief(brief); err != nil {
		return fmt.Errorf("write brief: %w", err)
	}

	group := card.SemanticHint
	if group == "" {
		group = "general"
	}
	o.log(events.KindCardPlaced, map[string]any{
		"card_id":  card.ID,
		"argument": truncate(card.Argument, 30),
		"group":    truncate(group, 30),
	})
	return nil
}

// feedbackSpec is the shape the analysis prompt asks the model for.
type feedbackSpec struct {
	Type            string `json:"type"`
	Message         string `json:"message"`
	SuggestedIntent string `json:"suggested_intent"`
}

// analyzeBrief asks the model where the brief is thin and emits up to
// maxFeedbackPerAnalysis feedback items. A well-covered brief
// legitimately produces zero. Errors mean zero feedback, never a loop
// failure.
func (o *Organizer) analyzeBrief(ctx context.Context) {
	brief, err := o.store.ReadBrief()
	if err != nil {
		o.log("analysis_error", map[string]any{"error": truncate(err.Error(), 100)})
		return
	}

	prompt := fmt.Sprintf(`Analyze this debate prep brief for gaps and opportunities.

Resolution: %s
Side: %s

CURRENT BRIEF:
%s

Identify:
1. GAPS: arguments that need more evidence
2. OPPORTUNITIES: new arguments suggested by existing evidence
3. LINK CHAINS: impact scenarios that need connecting evidence

Output JSON array of feedback items:
[
  {"type": "gap", "message": "Brief description of the gap", "suggested_intent": "What to search for"},
  {"type": "opportunity", "message": "New argument to explore", "suggested_intent": "What evidence would support it"},
  {"type": "link_chain", "message": "Impact scenario to develop", "suggested_intent": "What connecting evidence needed"}
]

If the brief is well-covered, output an empty array: []
Only output the JSON array.`, o.resolution, strings.ToUpper(string(o.side)), briefSummary(brief))

	text, err := llm.Complete(ctx, o.client, o.model, "", prompt)
	if err != nil {
		o.log("analysis_error", map[string]any{"error": truncate(err.Error(), 100)})
		return
	}
	raw, err := llm.ExtractJSON(text)
	if err != nil {
		o.log("analysis_error", map[string]any{"error": truncate(err.Error(), 100)})
		return
	}
	var specs []feedbackSpec
	if err := json.Unmarshal([]byte(raw), &specs); err != nil {
		o.log("analysis_error", map[string]any{"error": truncate(err.Error(), 100)})
		return
	}

	if len(specs) > maxFeedbackPerAnalysis {
		specs = specs[:maxFeedbackPerAnalysis]
	}
	for _, spec := range specs {
		fb := &session.Feedback{
			Type:            session.FeedbackType(spec.Type),
			Message:         spec.Message,
			SuggestedIntent: spec.SuggestedIntent,
		}
		if _, err := o.store.WriteFeedback(fb); err != nil {
			o.logger.Warn("feedback rejected", "error", err)
			continue
		}
		o.log("generated_feedback", map[string]any{"type": spec.Type})
	}
}

// briefSummary formats the brief's coverage for the analysis prompt:
// arguments, groups, counts, and a couple of tags per group. Keys are
// sorted for stable output.
func briefSummary(brief *session.Brief) string {
	var lines []string

	categories := []struct {
		label string
		args  session.ArgumentMap
	}{
		{"ARGUMENTS", brief.Arguments},
		{"ANSWERS", brief.Answers},
	}

	for _, cat := range categories {
		if len(cat.args) == 0 {
			continue
		}
		lines = append(lines, "\n## "+cat.label)

		argNames := make([]string, 0, len(cat.args))
		for name := range cat.args {
			argNames = append(argNames, name)
		}
		sort.Strings(argNames)

		for _, argName := range argNames {
			lines = append(lines, "\n### "+argName)
			groups := cat.args[argName]

			groupNames := make([]string, 0, len(groups))
			for name := range groups {
				groupNames = append(groupNames, name)
			}
			sort.Strings(groupNames)

			for _, groupName := range groupNames {
				cards := groups[groupName]
				lines = append(lines, fmt.Sprintf("  - %s: %d cards", groupName, len(cards)))
				for i, card := range cards {
					if i >= 2 {
						break
					}
					lines = append(lines, "    * "+truncate(card.Tag, 50))
				}
			}
		}
	}

	if len(lines) == 0 {
		return "(Empty brief)"
	}
	return strings.Join(lines, "\n")
}
