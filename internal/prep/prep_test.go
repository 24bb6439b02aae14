package prep

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/mquinn/prepflow/internal/fetch"
	"github.com/mquinn/prepflow/internal/llm"
	"github.com/mquinn/prepflow/internal/search"
	"github.com/mquinn/prepflow/internal/session"
)

const testResolution = "The United States should ban TikTok"

func newTestStore(t *testing.T) *session.Store {
	t.Helper()
	store, err := session.New(t.TempDir(), testResolution, session.SidePro)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	return store
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&strings.Builder{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeLLM answers every Chat call via the reply function. A nil reply
// makes every call fail.
type fakeLLM struct {
	mu    sync.Mutex
	reply func(prompt string) string
	calls []string
}

func (f *fakeLLM) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	prompt := messages[len(messages)-1].Content
	f.mu.Lock()
	f.calls = append(f.calls, prompt)
	f.mu.Unlock()
	if f.reply == nil {
		return nil, errors.New("model unavailable")
	}
	return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: f.reply(prompt)}, Done: true}, nil
}

func (f *fakeLLM) ChatStream(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, callback llm.StreamCallback) (*llm.ChatResponse, error) {
	return f.Chat(ctx, model, messages, tools)
}

func (f *fakeLLM) Ping(ctx context.Context) error { return nil }

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeSearcher records queries and serves canned results. When
// perCall is set, successive calls consume successive result sets.
type fakeSearcher struct {
	mu      sync.Mutex
	results []search.Result
	perCall [][]search.Result
	err     error
	queries []string
}

func (f *fakeSearcher) Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.perCall) > 0 {
		r := f.perCall[0]
		f.perCall = f.perCall[1:]
		return r, nil
	}
	return f.results, nil
}

// fakeFetcher serves canned pages by URL. Unknown URLs fail.
type fakeFetcher struct {
	mu      sync.Mutex
	pages   map[string]*fetch.Result
	fetched []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string, maxChars int) (*fetch.Result, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, url)
	f.mu.Unlock()
	page, ok := f.pages[url]
	if !ok {
		return nil, errors.New("connection refused")
	}
	return page, nil
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched)
}

const articleText = `The economic evidence is now overwhelming. According to a 2024 study
from the Georgetown policy center, a nationwide ban would eliminate an
estimated 224,000 creator jobs and erase roughly 24 billion dollars in
annual economic activity, with small businesses bearing most of the
losses. Critics of the ban argue that these figures understate the
disruption, since downstream advertising and logistics firms depend on
the platform as well. The study concludes that any transition period
shorter than two years would significantly deepen the economic impact.`

func articlePage(url, title string) *fetch.Result {
	return &fetch.Result{
		URL:        url,
		Title:      title,
		Content:    articleText,
		Length:     len(articleText),
		StatusCode: 200,
	}
}

func writeTestTask(t *testing.T, store *session.Store, argument string) session.Task {
	t.Helper()
	task := &session.Task{
		Argument:     argument,
		SearchIntent: "evidence for " + argument,
		EvidenceType: session.EvidenceSupport,
		Priority:     session.PriorityHigh,
	}
	if _, err := store.WriteTask(task); err != nil {
		t.Fatalf("WriteTask: %v", err)
	}
	return *task
}
