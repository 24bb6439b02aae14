package prep

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/mquinn/prepflow/internal/session"
)

func stageResult(t *testing.T, store *session.Store, sources ...session.Source) session.SearchResult {
	t.Helper()
	r := &session.SearchResult{
		TaskID:       "t1",
		Query:        "tiktok ban economic impact",
		Argument:     "Ban destroys creator economy",
		SearchIntent: "economic impact studies",
		EvidenceType: session.EvidenceSupport,
		Sources:      sources,
	}
	if _, err := store.WriteSearchResult(r); err != nil {
		t.Fatalf("WriteSearchResult: %v", err)
	}
	return *r
}

func goodSource() session.Source {
	return session.Source{
		URL:         "https://example.com/study",
		Title:       "Georgetown Study",
		FetchStatus: session.FetchSuccess,
		FullText:    articleText,
	}
}

func cutJSON(start, end string) string {
	return fmt.Sprintf(`[{"source_index": 1, "start_phrase": %q, "end_phrase": %q, "tag": "Ban eliminates 224k creator jobs", "author": "Georgetown", "year": "2024", "semantic_hint": "economic costs"}]`, start, end)
}

func TestCutterProducesVerbatimCard(t *testing.T) {
	store := newTestStore(t)
	result := stageResult(t, store, goodSource())

	client := &fakeLLM{reply: func(string) string {
		return cutJSON("According to a 2024 study", "bearing most of the losses")
	}}
	c := NewCutter(store, client, "test-model", testLogger())

	if err := c.ProcessItem(context.Background(), result); err != nil {
		t.Fatalf("ProcessItem: %v", err)
	}

	cards, err := store.GetPendingCards(session.RoleOrganizer)
	if err != nil {
		t.Fatalf("GetPendingCards: %v", err)
	}
	if len(cards) != 1 {
		t.Fatalf("cut %d cards, want 1", len(cards))
	}
	card := cards[0]

	// The evidence-integrity guarantee: card text appears verbatim
	// (case-insensitively) in the source.
	if !strings.Contains(strings.ToLower(articleText), strings.ToLower(card.Text)) {
		t.Errorf("card text is not a verbatim substring of the source:\n%s", card.Text)
	}
	if !strings.HasPrefix(card.Text, "According to a 2024 study") {
		t.Errorf("card text start = %q", truncate(card.Text, 50))
	}
	if card.Author != "Georgetown" || card.Year != "2024" {
		t.Errorf("citation = %s %s, want Georgetown 2024", card.Author, card.Year)
	}
	if card.ResultID != result.ID || card.TaskID != "t1" {
		t.Errorf("card lineage = result %q task %q", card.ResultID, card.TaskID)
	}
	if card.SemanticHint != "economic costs" {
		t.Errorf("semantic hint = %q", card.SemanticHint)
	}
}

func TestCutterAllFailedSourcesProcessedNoCards(t *testing.T) {
	store := newTestStore(t)
	result := stageResult(t, store, session.Source{
		URL:         "https://dead.org/a",
		FetchStatus: session.FetchFailed,
		Error:       "connection refused",
	})

	client := &fakeLLM{} // must never be called
	c := NewCutter(store, client, "test-model", testLogger())

	if err := c.ProcessItem(context.Background(), result); err != nil {
		t.Fatalf("ProcessItem: %v", err)
	}

	pending, _ := store.GetPendingResults(session.RoleCutter)
	if len(pending) != 0 {
		t.Errorf("all-failed result still pending; must be consumed")
	}
	cards, _ := store.GetPendingCards(session.RoleOrganizer)
	if len(cards) != 0 {
		t.Errorf("cut %d cards from failed sources, want 0", len(cards))
	}
	if client.callCount() != 0 {
		t.Errorf("model called %d times with nothing to cut", client.callCount())
	}
}

func TestCutterMissingPhraseNoCard(t *testing.T) {
	store := newTestStore(t)
	result := stageResult(t, store, goodSource())

	client := &fakeLLM{reply: func(string) string {
		return cutJSON("this phrase appears nowhere in the text", "neither does this one")
	}}
	c := NewCutter(store, client, "test-model", testLogger())

	if err := c.ProcessItem(context.Background(), result); err != nil {
		t.Fatalf("ProcessItem: %v", err)
	}

	cards, _ := store.GetPendingCards(session.RoleOrganizer)
	if len(cards) != 0 {
		t.Errorf("cut %d cards from unlocatable phrases, want 0", len(cards))
	}
	pending, _ := store.GetPendingResults(session.RoleCutter)
	if len(pending) != 0 {
		t.Errorf("result not consumed after failed extraction")
	}
}

func TestCutterUnparseableOutputNoCards(t *testing.T) {
	store := newTestStore(t)
	result := stageResult(t, store, goodSource())

	client := &fakeLLM{reply: func(string) string { return "Sorry, I can't find good passages." }}
	c := NewCutter(store, client, "test-model", testLogger())

	if err := c.ProcessItem(context.Background(), result); err != nil {
		t.Fatalf("ProcessItem: %v", err)
	}
	cards, _ := store.GetPendingCards(session.RoleOrganizer)
	if len(cards) != 0 {
		t.Errorf("cut %d cards from garbage output, want 0", len(cards))
	}
}

func TestExtractCardRejectsShortSpan(t *testing.T) {
	result := session.SearchResult{ID: "r1", TaskID: "t1", Argument: "a", EvidenceType: session.EvidenceSupport}
	sources := []session.Source{{FullText: "The quick brown fox jumps over the lazy dog near the river bank today.", FetchStatus: session.FetchSuccess}}

	card := extractCard(cutSpec{
		SourceIndex: 1,
		StartPhrase: "The quick brown",
		EndPhrase:   "fox jumps",
		Tag:         "too short",
	}, sources, result)
	if card != nil {
		t.Errorf("accepted a %d-char span, want rejection under %d", len(card.Text), minCutChars)
	}
}

func TestExtractCardTruncatesLongSpan(t *testing.T) {
	long := "START OF QUOTE here. " + strings.Repeat("Relevant evidence sentence with substance. ", 100) + "and the very END OF QUOTE."
	result := session.SearchResult{ID: "r1", TaskID: "t1", Argument: "a", EvidenceType: session.EvidenceSupport}
	sources := []session.Source{{FullText: long, FetchStatus: session.FetchSuccess}}

	card := extractCard(cutSpec{
		SourceIndex: 1,
		StartPhrase: "START OF QUOTE here",
		EndPhrase:   "very END OF QUOTE",
		Tag:         "long span",
	}, sources, result)
	if card == nil {
		t.Fatal("long span rejected, want truncation")
	}
	if len(card.Text) != maxCutChars+len("...") {
		t.Errorf("truncated length = %d, want %d", len(card.Text), maxCutChars+len("..."))
	}
	if !strings.HasSuffix(card.Text, "...") {
		t.Errorf("truncated text missing ellipsis")
	}
}

func TestExtractCardBadSourceIndex(t *testing.T) {
	result := session.SearchResult{ID: "r1"}
	sources := []session.Source{{FullText: articleText, FetchStatus: session.FetchSuccess}}

	for _, idx := range []int{0, -1, 2, 99} {
		card := extractCard(cutSpec{SourceIndex: idx, StartPhrase: "According to", EndPhrase: "losses"}, sources, result)
		if card != nil {
			t.Errorf("source_index %d accepted, want nil", idx)
		}
	}
}

func TestFuzzyFindTiers(t *testing.T) {
	text := "The committee found that   widespread\n\nadoption brings measurable gains."

	tests := []struct {
		name   string
		phrase string
		found  bool
	}{
		{"exact", "The committee found", true},
		{"case insensitive", "the COMMITTEE found", true},
		{"whitespace normalized", "that widespread adoption", true},
		{"first three words", "found that widespread progress everywhere", true},
		{"absent", "completely unrelated phrase here", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := fuzzyFind(text, tt.phrase)
			if tt.found && idx < 0 {
				t.Errorf("fuzzyFind(%q) = -1, want found", tt.phrase)
			}
			if !tt.found && idx >= 0 {
				t.Errorf("fuzzyFind(%q) = %d, want -1", tt.phrase, idx)
			}
		})
	}
}

func TestCutterCheckDependencies(t *testing.T) {
	store := newTestStore(t)
	c := NewCutter(store, &fakeLLM{}, "test-model", testLogger())

	if ok, _ := c.CheckDependencies(); ok {
		t.Error("dependencies satisfied with no results")
	}
	stageResult(t, store, goodSource())
	if ok, _ := c.CheckDependencies(); !ok {
		t.Error("dependencies unsatisfied despite staged result")
	}
}
