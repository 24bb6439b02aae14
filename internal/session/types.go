// Package session provides the durable, file-backed shared state for
// the prep pipeline: four work queues (tasks, results, cards,
// feedback), the accumulating brief document, an append-only event
// log, and per-role processed markers. The store owns all persisted
// records; agents round-trip everything durable through it.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Side is which side of the resolution the brief argues.
type Side string

const (
	SidePro Side = "pro"
	SideCon Side = "con"
)

// ParseSide converts user input to a Side.
func ParseSide(s string) (Side, error) {
	switch s {
	case "pro", "aff", "affirmative":
		return SidePro, nil
	case "con", "neg", "negative":
		return SideCon, nil
	}
	return "", fmt.Errorf("invalid side %q (want pro or con)", s)
}

// EvidenceType classifies what a piece of evidence is for.
type EvidenceType string

const (
	// EvidenceSupport backs one of our own arguments.
	EvidenceSupport EvidenceType = "support"
	// EvidenceAnswer responds to an anticipated opponent argument.
	EvidenceAnswer EvidenceType = "answer"
	// EvidenceImpact establishes why an argument matters.
	EvidenceImpact EvidenceType = "impact"
)

func (e EvidenceType) valid() bool {
	switch e {
	case EvidenceSupport, EvidenceAnswer, EvidenceImpact:
		return true
	}
	return false
}

// Priority orders research tasks. Recorded on every Task but queues
// are consumed FIFO; priority-aware scheduling is a known extension
// point, not current behavior.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

func (p Priority) valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// FeedbackType classifies organizer feedback driving the loop back
// into strategy.
type FeedbackType string

const (
	// FeedbackGap flags an argument with no evidence yet.
	FeedbackGap FeedbackType = "gap"
	// FeedbackOpportunity flags a promising but thin line of argument.
	FeedbackOpportunity FeedbackType = "opportunity"
	// FeedbackLinkChain flags a missing causal link to an impact.
	FeedbackLinkChain FeedbackType = "link_chain"
)

func (f FeedbackType) valid() bool {
	switch f {
	case FeedbackGap, FeedbackOpportunity, FeedbackLinkChain:
		return true
	}
	return false
}

// FetchStatus records the outcome of fetching one source.
type FetchStatus string

const (
	FetchSuccess FetchStatus = "success"
	FetchFailed  FetchStatus = "failed"
)

// Task is one unit of research intent, produced by the strategy agent
// and consumed by the search agent. Immutable once written.
type Task struct {
	ID           string       `json:"id"`
	Argument     string       `json:"argument"`
	SearchIntent string       `json:"search_intent"`
	EvidenceType EvidenceType `json:"evidence_type"`
	Priority     Priority     `json:"priority"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Validate checks the task at the store's write boundary.
func (t *Task) Validate() error {
	if t.Argument == "" {
		return fmt.Errorf("task: argument is required")
	}
	if t.SearchIntent == "" {
		return fmt.Errorf("task: search_intent is required")
	}
	if !t.EvidenceType.valid() {
		return fmt.Errorf("task: invalid evidence_type %q", t.EvidenceType)
	}
	if !t.Priority.valid() {
		return fmt.Errorf("task: invalid priority %q", t.Priority)
	}
	return nil
}

// Source is one candidate article inside a SearchResult. FullText is
// present only when FetchStatus is success.
type Source struct {
	URL         string      `json:"url"`
	Title       string      `json:"title,omitempty"`
	FetchStatus FetchStatus `json:"fetch_status"`
	FullText    string      `json:"full_text,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// SearchResult aggregates the fetched (and failed) sources for one
// task. Produced by the search agent, consumed by the cutter. A
// partial result (one of two sources fetched) is valid.
type SearchResult struct {
	ID           string       `json:"id"`
	TaskID       string       `json:"task_id"`
	Query        string       `json:"query"`
	Argument     string       `json:"argument"`
	SearchIntent string       `json:"search_intent"`
	EvidenceType EvidenceType `json:"evidence_type"`
	Sources      []Source     `json:"sources"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Validate checks the result at the store's write boundary.
func (r *SearchResult) Validate() error {
	if r.TaskID == "" {
		return fmt.Errorf("result: task_id is required")
	}
	if r.Query == "" {
		return fmt.Errorf("result: query is required")
	}
	if r.Argument == "" {
		return fmt.Errorf("result: argument is required")
	}
	if len(r.Sources) == 0 {
		return fmt.Errorf("result: at least one source is required")
	}
	return nil
}

// FetchedSources returns only the sources with full text available.
func (r *SearchResult) FetchedSources() []Source {
	var out []Source
	for _, s := range r.Sources {
		if s.FetchStatus == FetchSuccess && s.FullText != "" {
			out = append(out, s)
		}
	}
	return out
}

// Card is a verbatim quoted passage plus citation metadata, the
// atomic unit of evidence. Text is always a contiguous span of the
// source's full text — never model-generated.
type Card struct {
	ID           string       `json:"id"`
	ResultID     string       `json:"result_id"`
	TaskID       string       `json:"task_id"`
	Tag          string       `json:"tag"`
	Author       string       `json:"author,omitempty"`
	Year         string       `json:"year,omitempty"`
	SourceName   string       `json:"source_name,omitempty"`
	URL          string       `json:"url"`
	Text         string       `json:"text"`
	SemanticHint string       `json:"semantic_hint,omitempty"`
	Argument     string       `json:"argument"`
	EvidenceType EvidenceType `json:"evidence_type"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Validate checks the card at the store's write boundary.
func (c *Card) Validate() error {
	if c.Tag == "" {
		return fmt.Errorf("card: tag is required")
	}
	if c.Text == "" {
		return fmt.Errorf("card: text is required")
	}
	if c.Argument == "" {
		return fmt.Errorf("card: argument is required")
	}
	if !c.EvidenceType.valid() {
		return fmt.Errorf("card: invalid evidence_type %q", c.EvidenceType)
	}
	return nil
}

// Feedback is produced by the organizer's gap analysis and consumed by
// the strategy agent to seed new tasks.
type Feedback struct {
	ID              string       `json:"id"`
	Type            FeedbackType `json:"type"`
	Message         string       `json:"message"`
	SuggestedIntent string       `json:"suggested_intent"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Validate checks the feedback at the store's write boundary.
// SuggestedIntent is optional: consumers fall back to Message when the
// analysis pass omits it.
func (f *Feedback) Validate() error {
	if !f.Type.valid() {
		return fmt.Errorf("feedback: invalid type %q", f.Type)
	}
	if f.Message == "" {
		return fmt.Errorf("feedback: message is required")
	}
	return nil
}

// ArgumentMap nests cards by argument name, then semantic group.
type ArgumentMap map[string]map[string][]Card

// Brief is the accumulating output document: cards organized by
// category (arguments vs answers), argument name, and semantic group.
// The organizer is the sole writer; everyone else reads.
type Brief struct {
	Resolution string      `json:"resolution"`
	Side       Side        `json:"side"`
	UpdatedAt  time.Time   `json:"updated_at"`
	Arguments  ArgumentMap `json:"arguments"`
	Answers    ArgumentMap `json:"answers"`
}

// NewBrief creates an empty brief for a resolution and side.
func NewBrief(resolution string, side Side) *Brief {
	return &Brief{
		Resolution: resolution,
		Side:       side,
		UpdatedAt:  time.Now(),
		Arguments:  make(ArgumentMap),
		Answers:    make(ArgumentMap),
	}
}

// Category returns the argument map a card belongs in: answers for
// answer-type evidence, arguments for everything else.
func (b *Brief) Category(et EvidenceType) ArgumentMap {
	if et == EvidenceAnswer {
		if b.Answers == nil {
			b.Answers = make(ArgumentMap)
		}
		return b.Answers
	}
	if b.Arguments == nil {
		b.Arguments = make(ArgumentMap)
	}
	return b.Arguments
}

// Place appends a card under its argument and semantic group,
// creating both as needed. Cards with no semantic hint land in the
// "general" group. Placement is purely additive.
func (b *Brief) Place(card Card) {
	group := card.SemanticHint
	if group == "" {
		group = "general"
	}
	cat := b.Category(card.EvidenceType)
	if cat[card.Argument] == nil {
		cat[card.Argument] = make(map[string][]Card)
	}
	cat[card.Argument][group] = append(cat[card.Argument][group], card)
}

// CardCount returns the total number of cards across both categories.
func (b *Brief) CardCount() int {
	n := 0
	for _, cat := range []ArgumentMap{b.Arguments, b.Answers} {
		for _, groups := range cat {
			for _, cards := range groups {
				n += len(cards)
			}
		}
	}
	return n
}

// ArgumentNames returns the argument names present in a category, for
// prompt construction.
func (b *Brief) ArgumentNames() []string {
	var names []string
	for name := range b.Arguments {
		names = append(names, name)
	}
	for name := range b.Answers {
		names = append(names, name)
	}
	return names
}

// NewID returns a UUIDv7 string, falling back to v4 if the system
// clock is unavailable. V7 ids are time-ordered, so lexically sorted
// record filenames come back in write order. The full string is used
// as the record id: truncating a v7 would keep only the high timestamp
// bits, which repeat for every id minted in the same window.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}
