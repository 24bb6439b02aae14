package prep

import (
	"context"
	"log/slog"

	"github.com/mquinn/prepflow/internal/fetch"
	"github.com/mquinn/prepflow/internal/search"
)

// Searcher is the search capability the pipeline consumes.
// *search.Manager satisfies it.
type Searcher interface {
	Search(ctx context.Context, query string, opts search.Options) ([]search.Result, error)
}

// Fetcher is the article-fetch capability. *fetch.Fetcher satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, url string, maxChars int) (*fetch.Result, error)
}

// eventLogger is the slice of the session store every agent uses for
// the append-only event log.
type eventLogger interface {
	LogEvent(agent, action string, details map[string]any)
}

// base carries the state every agent shares. Each agent embeds it and
// adds its own narrowed store interface, so only the organizer ever
// holds a handle that can write the brief.
type base struct {
	name   string
	state  *State
	logger *slog.Logger
	events eventLogger
}

func newBase(name string, events eventLogger, logger *slog.Logger) base {
	if logger == nil {
		logger = slog.Default()
	}
	return base{
		name:   name,
		state:  NewState(name),
		logger: logger.With("agent", name),
		events: events,
	}
}

// Name returns the agent's role name.
func (b *base) Name() string { return b.name }

// State returns the agent's live display state.
func (b *base) State() *State { return b.state }

// log appends to the session event log and updates the display state.
func (b *base) log(action string, details map[string]any) {
	b.events.LogEvent(b.name, action, details)
	b.state.Update(action)
}

// truncate shortens s for event details and display lines.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
