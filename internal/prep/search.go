package prep

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/mquinn/prepflow/internal/events"
	"github.com/mquinn/prepflow/internal/fetch"
	"github.com/mquinn/prepflow/internal/llm"
	"github.com/mquinn/prepflow/internal/search"
	"github.com/mquinn/prepflow/internal/session"
)

// searchStore is the slice of the session store the search agent needs.
type searchStore interface {
	GetPendingTasks(role string) ([]session.Task, error)
	MarkTaskProcessed(role, id string) error
	WriteSearchResult(r *session.SearchResult) (string, error)
	RecordTaskFailure(taskID string) (int, error)
	TaskFailures(taskID string) int
	CacheQuery(taskID, query string) error
	CachedQuery(taskID string) (string, bool)
	GetStats() session.Stats
	eventLogger
}

// maxFetchPerTask bounds search fan-out: at most this many sources
// are fetched for one task, regardless of how many URLs come back.
const maxFetchPerTask = 2

// searchResultCount is how many results to request per search call;
// most are discarded by domain dedup and the fetch cap.
const searchResultCount = 10

// Search turns one Task into a staged SearchResult: one short query
// generation call, one rate-limited search, a bounded fetch pass, and
// a durable staging write. It is the most failure-prone stage and
// carries the pipeline's retry accounting.
type Search struct {
	base
	store       searchStore
	client      llm.Client
	model       string
	searcher    Searcher
	fetcher     Fetcher
	searchDelay time.Duration
	fetchPause  time.Duration
	maxRetries  int
	lastSearch  time.Time
}

// SearchConfig tunes the search agent.
type SearchConfig struct {
	// SearchDelay is the minimum spacing between search API calls.
	SearchDelay time.Duration
	// FetchPause is the pause between consecutive article fetches.
	FetchPause time.Duration
	// MaxRetries bounds attempts per task before it is durably marked
	// failed and retired. Zero means never retire: failed tasks stay
	// pending for manual retry.
	MaxRetries int
}

// NewSearch creates the search agent.
func NewSearch(store searchStore, client llm.Client, model string, searcher Searcher, fetcher Fetcher, cfg SearchConfig, logger *slog.Logger) *Search {
	return &Search{
		base:        newBase(session.RoleSearch, store, logger),
		store:       store,
		client:      client,
		model:       model,
		searcher:    searcher,
		fetcher:     fetcher,
		searchDelay: cfg.SearchDelay,
		fetchPause:  cfg.FetchPause,
		maxRetries:  cfg.MaxRetries,
	}
}

// CheckDependencies reports whether any tasks exist to work on.
func (s *Search) CheckDependencies() (bool, string) {
	if s.store.GetStats().Tasks == 0 {
		return false, "no research tasks found; run the strategy agent first"
	}
	return true, ""
}

// OnStart has no setup; cached queries are read per task.
func (s *Search) OnStart(ctx context.Context) error { return nil }

// OnStop has no cleanup.
func (s *Search) OnStop(ctx context.Context) error { return nil }

// CheckWork returns pending tasks in queue order.
func (s *Search) CheckWork(ctx context.Context) ([]any, error) {
	tasks, err := s.store.GetPendingTasks(session.RoleSearch)
	if err != nil {
		return nil, err
	}
	items := make([]any, len(tasks))
	for i, t := range tasks {
		items[i] = t
	}
	return items, nil
}

// ProcessItem runs the full per-task protocol: query, search, fetch,
// stage, mark processed. Every failure path goes through fail(), which
// does the retry bookkeeping; only staging marks the task processed,
// so a crash mid-fetch leaves the task eligible for reprocessing.
func (s *Search) ProcessItem(ctx context.Context, item any) error {
	task, ok := item.(session.Task)
	if !ok {
		return fmt.Errorf("search: unexpected work item %T", item)
	}
	defer s.state.ClearCurrent()

	s.state.SetCurrent(task.ID, task.Argument)
	s.log("processing_task", map[string]any{
		"task_id":  task.ID,
		"argument": truncate(task.Argument, 40),
	})

	attempt := s.store.TaskFailures(task.ID)

	s.state.SetProgress("query")
	query, err := s.generateQuery(ctx, task, attempt)
	if err != nil || query == "" {
		s.fail(task, "query generation failed")
		return nil
	}
	s.state.SetQuery(query)
	s.log("query_generated", map[string]any{
		"task_id": task.ID,
		"query":   query,
	})

	// Rate-limit gate: keep a minimum spacing between search calls.
	if wait := s.searchDelay - time.Since(s.lastSearch); wait > 0 {
		s.state.SetProgress("rate_limit_wait")
		sleep(ctx, wait)
	}

	s.state.SetProgress("searching")
	s.lastSearch = time.Now()
	results, err := s.searcher.Search(ctx, query, search.Options{Count: searchResultCount})
	if err != nil || len(results) == 0 {
		reason := "search returned no results"
		if err != nil {
			reason = "search failed: " + truncate(err.Error(), 60)
		}
		s.log(events.KindSearchFailed, map[string]any{"task_id": task.ID, "query": query})
		s.fail(task, reason)
		return nil
	}

	urls := dedupeByDomain(results)
	if len(urls) > maxFetchPerTask {
		urls = urls[:maxFetchPerTask]
	}
	s.log("search_success", map[string]any{
		"query":         query,
		"urls_found":    len(results),
		"urls_to_fetch": len(urls),
	})

	sources := make([]session.Source, 0, len(urls))
	fetched := 0
	for i, u := range urls {
		if i > 0 {
			sleep(ctx, s.fetchPause)
		}
		s.state.SetProgress(fmt.Sprintf("fetch %d/%d", i+1, len(urls)))
		src := s.fetchSource(ctx, u, query)
		if src.FetchStatus == session.FetchSuccess {
			fetched++
		}
		sources = append(sources, src)
	}

	if fetched == 0 {
		s.fail(task, "all fetches failed")
		return nil
	}

	s.state.SetProgress("staging")
	result := &session.SearchResult{
		TaskID:       task.ID,
		Query:        query,
		Argument:     task.Argument,
		SearchIntent: task.SearchIntent,
		EvidenceType: task.EvidenceType,
		Sources:      sources,
	}
	if _, err := s.store.WriteSearchResult(result); err != nil {
		s.fail(task, "staging failed: "+truncate(err.Error(), 60))
		return nil
	}
	s.state.IncCreated()

	// Mark only after staging succeeded.
	if err := s.store.MarkTaskProcessed(session.RoleSearch, task.ID); err != nil {
		return fmt.Errorf("mark task %s processed: %w", task.ID, err)
	}

	s.log("task_complete", map[string]any{
		"task_id":         task.ID,
		"sources_fetched": fetched,
		"sources_failed":  len(sources) - fetched,
	})
	return nil
}

// fetchSource fetches one URL and converts the outcome into a Source
// record. A detected paywall triggers one alternate-source search for
// a free version before giving up.
func (s *Search) fetchSource(ctx context.Context, rawURL, query string) session.Source {
	r, err := s.fetcher.Fetch(ctx, rawURL, 0)
	if err != nil {
		s.log(events.KindFetchFailed, map[string]any{"url": rawURL, "reason": truncate(err.Error(), 80)})
		return session.Source{URL: rawURL, FetchStatus: session.FetchFailed, Error: truncate(err.Error(), 80)}
	}

	if fetch.Paywalled(r) {
		if alt := s.alternateSource(ctx, r, query); alt != nil {
			return *alt
		}
		s.log(events.KindFetchFailed, map[string]any{"url": rawURL, "reason": "paywalled"})
		return session.Source{URL: rawURL, Title: r.Title, FetchStatus: session.FetchFailed, Error: "paywalled"}
	}

	s.log("fetch_success", map[string]any{
		"url":   r.URL,
		"title": truncate(r.Title, 60),
	})
	return session.Source{
		URL:         r.URL,
		Title:       r.Title,
		FetchStatus: session.FetchSuccess,
		FullText:    r.Content,
	}
}

// alternateSource makes one attempt to find a free copy of a
// paywalled article: search for its title, fetch the first hit on a
// different domain. No retries beyond that single shot.
func (s *Search) alternateSource(ctx context.Context, paywalled *fetch.Result, query string) *session.Source {
	altQuery := query + " full text"
	if paywalled.Title != "" {
		altQuery = `"` + paywalled.Title + `"`
	}

	if wait := s.searchDelay - time.Since(s.lastSearch); wait > 0 {
		sleep(ctx, wait)
	}
	s.lastSearch = time.Now()
	results, err := s.searcher.Search(ctx, altQuery, search.Options{Count: 5})
	if err != nil || len(results) == 0 {
		return nil
	}

	blocked := domainOf(paywalled.URL)
	for _, res := range results {
		if domainOf(res.URL) == blocked {
			continue
		}
		r, err := s.fetcher.Fetch(ctx, res.URL, 0)
		if err != nil || fetch.Paywalled(r) {
			return nil
		}
		s.log("alternate_source", map[string]any{"original": paywalled.URL, "url": r.URL})
		return &session.Source{
			URL:         r.URL,
			Title:       r.Title,
			FetchStatus: session.FetchSuccess,
			FullText:    r.Content,
		}
	}
	return nil
}

// generateQuery produces the search query for a task: cache first on
// the initial attempt, otherwise one short completion whose only job
// is a query of at most ~15 words. Retries get progressively stronger
// instructions to vary the wording.
func (s *Search) generateQuery(ctx context.Context, task session.Task, attempt int) (string, error) {
	if attempt == 0 {
		if cached, ok := s.store.CachedQuery(task.ID); ok {
			s.log("query_from_cache", map[string]any{"task_id": task.ID})
			return cached, nil
		}
	}

	retry := ""
	switch {
	case attempt == 1:
		retry = "\nIMPORTANT: the previous search failed. Try broader terms or alternative phrasing."
	case attempt >= 2:
		retry = "\nIMPORTANT: multiple attempts failed. Use very different keywords or approach the topic from a different angle."
	}

	prompt := fmt.Sprintf(`Generate ONE web search query to find evidence for a debate argument.

Argument: %s
Looking for: %s
Evidence type: %s

Requirements: at most 15 words, no quotes, no boolean operators.%s

Output only the query text.`, task.Argument, task.SearchIntent, task.EvidenceType, retry)

	text, err := llm.Complete(ctx, s.client, s.model, "", prompt)
	if err != nil {
		return "", err
	}

	query := strings.TrimSpace(text)
	query = strings.Trim(query, `"'`)
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("empty query from model")
	}
	if words := strings.Fields(query); len(words) > 15 {
		query = strings.Join(words[:15], " ")
	}

	if attempt == 0 {
		if err := s.store.CacheQuery(task.ID, query); err != nil {
			s.logger.Warn("query cache write failed", "error", err)
		}
	}
	return query, nil
}

// fail records one failed attempt for a task. The task stays pending
// for retry until MaxRetries attempts are exhausted, at which point
// it is durably retired so restarts do not resurrect it.
func (s *Search) fail(task session.Task, reason string) {
	n, err := s.store.RecordTaskFailure(task.ID)
	if err != nil {
		s.logger.Warn("failure record write failed", "task", task.ID, "error", err)
	}

	s.log("task_error", map[string]any{
		"task_id":     task.ID,
		"error":       reason,
		"retry_count": n,
		"max_retries": s.maxRetries,
	})

	if s.maxRetries > 0 && n >= s.maxRetries {
		if err := s.store.MarkTaskProcessed(session.RoleSearch, task.ID); err != nil {
			s.logger.Warn("retire failed task", "task", task.ID, "error", err)
			return
		}
		s.log(events.KindTaskFailed, map[string]any{
			"task_id": task.ID,
			"reason":  reason,
		})
	}
}

// dedupeByDomain keeps the first URL per domain, so one slow or
// rate-limited site cannot absorb the whole fetch budget.
func dedupeByDomain(results []search.Result) []string {
	seen := make(map[string]bool)
	var urls []string
	for _, r := range results {
		d := domainOf(r.URL)
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		urls = append(urls, r.URL)
	}
	return urls
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
