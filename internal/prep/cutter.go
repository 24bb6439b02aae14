package prep

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/mquinn/prepflow/internal/llm"
	"github.com/mquinn/prepflow/internal/session"
)

// cutterStore is the slice of the session store the cutter needs.
type cutterStore interface {
	GetPendingResults(role string) ([]session.SearchResult, error)
	MarkResultProcessed(role, id string) error
	WriteCard(c *session.Card) (string, error)
	GetStats() session.Stats
	eventLogger
}

const (
	// minCutChars rejects spans too short to be a real quote; a span
	// under this length almost always means the phrases matched the
	// wrong place.
	minCutChars = 50
	// maxCutChars truncates rather than rejects overlong spans.
	maxCutChars = 2000
	// maxSourceChars bounds how much article text goes into the
	// cutting prompt per source.
	maxSourceChars = 8000
)

// Cutter extracts verbatim quotable spans from staged search results.
// The model only proposes cut boundaries (start phrase, end phrase,
// metadata); the text itself is sliced programmatically from the
// source, so every Card.Text is byte-exact from the article. That
// indirection is the point: quotes cannot be hallucinated.
type Cutter struct {
	base
	store  cutterStore
	client llm.Client
	model  string
}

// NewCutter creates the cutter agent.
func NewCutter(store cutterStore, client llm.Client, model string, logger *slog.Logger) *Cutter {
	return &Cutter{
		base:   newBase(session.RoleCutter, store, logger),
		store:  store,
		client: client,
		model:  model,
	}
}

// CheckDependencies reports whether any search results exist yet.
func (c *Cutter) CheckDependencies() (bool, string) {
	if c.store.GetStats().Results == 0 {
		return false, "no search results found; run the search agent first"
	}
	return true, ""
}

// OnStart has no setup.
func (c *Cutter) OnStart(ctx context.Context) error { return nil }

// OnStop has no cleanup.
func (c *Cutter) OnStop(ctx context.Context) error { return nil }

// CheckWork returns pending search results in queue order.
func (c *Cutter) CheckWork(ctx context.Context) ([]any, error) {
	results, err := c.store.GetPendingResults(session.RoleCutter)
	if err != nil {
		return nil, err
	}
	items := make([]any, len(results))
	for i, r := range results {
		items[i] = r
	}
	return items, nil
}

// ProcessItem cuts cards from one search result. The result is marked
// processed up front: cutting gets exactly one pass per result, and a
// result whose cuts all fail extraction is consumed, not retried.
func (c *Cutter) ProcessItem(ctx context.Context, item any) error {
	result, ok := item.(session.SearchResult)
	if !ok {
		return fmt.Errorf("cutter: unexpected work item %T", item)
	}

	if err := c.store.MarkResultProcessed(session.RoleCutter, result.ID); err != nil {
		return fmt.Errorf("mark result %s processed: %w", result.ID, err)
	}

	c.log("processing_result", map[string]any{"result_id": result.ID})

	sources := result.FetchedSources()
	if len(sources) == 0 {
		c.log("no_content", map[string]any{"result_id": result.ID})
		return nil
	}

	cuts := c.generateCuts(ctx, result, sources)
	if len(cuts) == 0 {
		c.log("no_cuts", map[string]any{"result_id": result.ID})
		return nil
	}

	for _, cut := range cuts {
		card := extractCard(cut, sources, result)
		if card == nil {
			// The model proposed a phrase that is not in the source,
			// or the located span is implausible. Skip, never guess.
			c.log("cut_rejected", map[string]any{
				"result_id": result.ID,
				"start":     truncate(cut.StartPhrase, 40),
			})
			continue
		}
		if _, err := c.store.WriteCard(card); err != nil {
			c.logger.Warn("card rejected", "error", err)
			continue
		}
		c.state.IncCreated()
	}
	return nil
}

// cutSpec is what the model returns: boundaries and metadata, never
// the quote text.
type cutSpec struct {
	SourceIndex  int    `json:"source_index"`
	StartPhrase  string `json:"start_phrase"`
	EndPhrase    string `json:"end_phrase"`
	Tag          string `json:"tag"`
	Author       string `json:"author"`
	Year         string `json:"year"`
	SemanticHint string `json:"semantic_hint"`
}

// generateCuts asks the model for 1-3 cut specifications across the
// fetched sources. Errors and unparseable output mean zero cuts.
func (c *Cutter) generateCuts(ctx context.Context, result session.SearchResult, sources []session.Source) []cutSpec {
	var b strings.Builder
	for i, src := range sources {
		title := src.Title
		if title == "" {
			title = "Untitled"
		}
		text := src.FullText
		if len(text) > maxSourceChars {
			text = text[:maxSourceChars]
		}
		fmt.Fprintf(&b, "\n\n=== SOURCE %d: %s ===\nURL: %s\n\n%s", i+1, title, src.URL, text)
	}

	prompt := fmt.Sprintf(`You are cutting evidence cards for debate.

ARGUMENT TO SUPPORT: %s
SEARCH INTENT: %s
EVIDENCE TYPE: %s

SOURCES:%s

Your task: identify 1-3 quotable passages that support the argument.

For EACH card, output a JSON object with:
- source_index: which source (1-based)
- start_phrase: first 5-8 words of the quote (exact match)
- end_phrase: last 5-8 words of the quote (exact match)
- tag: what this evidence proves (5-12 words)
- author: author name or organization
- year: publication year
- semantic_hint: category for organizing similar cards

CRITICAL: output ONLY the cut specifications. DO NOT copy the quote text.

Output as JSON array:
[
  {"source_index": 1, "start_phrase": "According to the study", "end_phrase": "significant economic impact", "tag": "Policy costs the economy billions", "author": "Smith", "year": "2024", "semantic_hint": "economic costs"}
]

Only output the JSON array, nothing else.`, result.Argument, result.SearchIntent, result.EvidenceType, b.String())

	text, err := llm.Complete(ctx, c.client, c.model, "", prompt)
	if err != nil {
		c.log("cuts_error", map[string]any{"error": truncate(err.Error(), 100)})
		return nil
	}
	raw, err := llm.ExtractJSON(text)
	if err != nil {
		c.log("cuts_error", map[string]any{"error": truncate(err.Error(), 100)})
		return nil
	}
	var cuts []cutSpec
	if err := json.Unmarshal([]byte(raw), &cuts); err != nil {
		c.log("cuts_error", map[string]any{"error": truncate(err.Error(), 100)})
		return nil
	}
	return cuts
}

// extractCard locates the cut boundaries in the source text and
// slices the span between them. Returns nil when either phrase cannot
// be located or the span is implausibly short.
func extractCard(cut cutSpec, sources []session.Source, result session.SearchResult) *session.Card {
	idx := cut.SourceIndex - 1
	if idx < 0 || idx >= len(sources) {
		return nil
	}
	src := sources[idx]

	if cut.StartPhrase == "" || cut.EndPhrase == "" {
		return nil
	}

	start := fuzzyFind(src.FullText, cut.StartPhrase)
	if start < 0 {
		return nil
	}
	rel := fuzzyFind(src.FullText[start:], cut.EndPhrase)
	if rel < 0 {
		return nil
	}
	end := start + rel + len(cut.EndPhrase)
	if end > len(src.FullText) {
		end = len(src.FullText)
	}

	text := strings.TrimSpace(src.FullText[start:end])
	if len(text) < minCutChars {
		return nil
	}
	if len(text) > maxCutChars {
		text = text[:maxCutChars] + "..."
	}

	author := cut.Author
	if author == "" {
		author = "Unknown"
	}
	year := cut.Year
	if year == "" {
		year = "2024"
	}

	return &session.Card{
		ResultID:     result.ID,
		TaskID:       result.TaskID,
		Tag:          cut.Tag,
		Author:       author,
		Year:         year,
		SourceName:   src.Title,
		URL:          src.URL,
		Text:         text,
		SemanticHint: cut.SemanticHint,
		Argument:     result.Argument,
		EvidenceType: result.EvidenceType,
	}
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// fuzzyFind locates phrase in text, returning a byte offset or -1.
// Three tiers: exact case-insensitive substring, whitespace-normalized
// substring, then a regex on the first three words. Offsets from the
// normalized tier are approximate; the short-span guard in extractCard
// rejects slices that land badly.
func fuzzyFind(text, phrase string) int {
	tl := strings.ToLower(text)
	pl := strings.ToLower(strings.TrimSpace(phrase))
	if pl == "" {
		return -1
	}

	if idx := strings.Index(tl, pl); idx >= 0 {
		return idx
	}

	tn := whitespaceRe.ReplaceAllString(tl, " ")
	pn := whitespaceRe.ReplaceAllString(pl, " ")
	if idx := strings.Index(tn, pn); idx >= 0 {
		return idx
	}

	words := strings.Fields(pl)
	if len(words) >= 3 {
		pattern := `\b` + regexp.QuoteMeta(words[0]) + `\s+` + regexp.QuoteMeta(words[1]) + `\s+` + regexp.QuoteMeta(words[2])
		re, err := regexp.Compile(pattern)
		if err == nil {
			if loc := re.FindStringIndex(tl); loc != nil {
				return loc[0]
			}
		}
	}

	return -1
}
