package prep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mquinn/prepflow/internal/config"
	"github.com/mquinn/prepflow/internal/events"
	"github.com/mquinn/prepflow/internal/llm"
	"github.com/mquinn/prepflow/internal/session"
)

// FinalizeFunc converts a finished session's brief into durable
// evidence storage and returns the exported path. The evidence
// package provides the production implementation; the runner only
// cares that failures are warnings, not run failures.
type FinalizeFunc func(ctx context.Context, store *session.Store) (string, error)

// Observer renders live progress while the agents run. It must return
// when ctx is cancelled or the deadline passes.
type Observer func(ctx context.Context, store *session.Store, states []*State, deadline time.Time)

// Deps are the external collaborators the pipeline consumes. Bus,
// Logger, Finalize, and WrapLLM are optional.
type Deps struct {
	LLM      llm.Client
	Search   Searcher
	Fetch    Fetcher
	Bus      *events.Bus
	Logger   *slog.Logger
	Finalize FinalizeFunc

	// WrapLLM, when set, decorates the shared client per agent before
	// construction. The usage ledger uses this to attribute token
	// spend to the session and role that incurred it.
	WrapLLM func(c llm.Client, sessionID, role string) llm.Client
}

// llmFor applies the optional per-agent client decoration.
func llmFor(store *session.Store, deps Deps, role string) llm.Client {
	if deps.WrapLLM == nil {
		return deps.LLM
	}
	return deps.WrapLLM(deps.LLM, store.ID, role)
}

// AgentStats is one agent's end-of-run counters.
type AgentStats struct {
	Processed int `json:"processed"`
	Created   int `json:"created"`
}

// Result is what a prep run returns. EvidencePath is empty when
// finalization was skipped or failed.
type Result struct {
	SessionID    string                `json:"session_id"`
	StagingDir   string                `json:"staging_dir"`
	EvidencePath string                `json:"evidence_path,omitempty"`
	Stats        session.Stats         `json:"stats"`
	Agents       map[string]AgentStats `json:"agents"`
}

type runOptions struct {
	sessionID string
	observer  Observer
}

// RunOption configures a prep run.
type RunOption func(*runOptions)

// WithSessionID resumes an existing session instead of creating one.
func WithSessionID(id string) RunOption {
	return func(o *runOptions) { o.sessionID = id }
}

// WithObserver attaches a live status renderer to the run.
func WithObserver(obs Observer) RunOption {
	return func(o *runOptions) { o.observer = obs }
}

// RunPrep runs the four agents concurrently against one session under
// a shared deadline, then collects stats and finalizes. A zero or
// negative duration returns immediately with zeroed counters. A
// finalize failure is reported as a warning in the logs, never as a
// run error: the staged session data stays on disk for recovery.
func RunPrep(ctx context.Context, cfg *config.Config, deps Deps, resolution string, side session.Side, duration time.Duration, opts ...RunOption) (*Result, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store, err := openSession(cfg, deps, logger, resolution, side, o.sessionID)
	if err != nil {
		return nil, err
	}

	runtimes := buildRuntimes(store, cfg, deps, logger)
	deadline := time.Now().Add(duration)
	started := time.Now()

	runAll(ctx, store, runtimes, deadline, o.observer)

	result := &Result{
		SessionID:  store.ID,
		StagingDir: store.Dir(),
		Stats:      store.GetStats(),
		Agents:     collectStats(runtimes),
	}

	if deps.Finalize != nil {
		path, err := deps.Finalize(ctx, store)
		if err != nil {
			logger.Warn("evidence finalization failed", "session", store.ID, "error", err)
		} else {
			result.EvidencePath = path
		}
	}

	deps.Bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceRunner,
		Kind:      events.KindRunComplete,
		Data: map[string]any{
			"session_id": store.ID,
			"cards":      result.Stats.Cards,
			"elapsed_ms": time.Since(started).Milliseconds(),
		},
	})

	return result, nil
}

// RunAgent runs a single agent against a session, for staged manual
// operation: seed tasks with strategy first, then run search against
// the same session, and so on. Every role except strategy requires an
// existing session and passes the agent's dependency pre-flight.
func RunAgent(ctx context.Context, cfg *config.Config, deps Deps, role, resolution string, side session.Side, sessionID string, duration time.Duration, opts ...RunOption) (*Result, error) {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if role != session.RoleStrategy && sessionID == "" {
		return nil, fmt.Errorf("the %s agent needs an existing session (run strategy first)", role)
	}

	store, err := openSession(cfg, deps, logger, resolution, side, sessionID)
	if err != nil {
		return nil, err
	}

	agent, err := buildAgent(store, cfg, deps, logger, role)
	if err != nil {
		return nil, err
	}

	if role != session.RoleStrategy {
		if ok, msg := agent.CheckDependencies(); !ok {
			return nil, fmt.Errorf("%s: %s", role, msg)
		}
	}

	rt := NewRuntime(agent, cfg.Prep.PollInterval(), logger)
	deadline := time.Now().Add(duration)
	runAll(ctx, store, []*Runtime{rt}, deadline, o.observer)

	return &Result{
		SessionID:  store.ID,
		StagingDir: store.Dir(),
		Stats:      store.GetStats(),
		Agents:     collectStats([]*Runtime{rt}),
	}, nil
}

func openSession(cfg *config.Config, deps Deps, logger *slog.Logger, resolution string, side session.Side, sessionID string) (*session.Store, error) {
	sessOpts := []session.Option{session.WithBus(deps.Bus), session.WithLogger(logger)}
	if sessionID != "" {
		store, err := session.Load(cfg.StagingDir, sessionID, sessOpts...)
		if err != nil {
			return nil, fmt.Errorf("resume session %s: %w", sessionID, err)
		}
		return store, nil
	}
	store, err := session.New(cfg.StagingDir, resolution, side, sessOpts...)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return store, nil
}

func buildRuntimes(store *session.Store, cfg *config.Config, deps Deps, logger *slog.Logger) []*Runtime {
	poll := cfg.Prep.PollInterval()
	agents := []Agent{
		newStrategyFor(store, cfg, deps, logger),
		newSearchFor(store, cfg, deps, logger),
		NewCutter(store, llmFor(store, deps, session.RoleCutter), cfg.Models.ForRole("cutter"), logger),
		NewOrganizer(store, llmFor(store, deps, session.RoleOrganizer), cfg.Models.ForRole("organizer"), store.Resolution, store.Side, logger),
	}
	runtimes := make([]*Runtime, len(agents))
	for i, a := range agents {
		runtimes[i] = NewRuntime(a, poll, logger)
	}
	return runtimes
}

func buildAgent(store *session.Store, cfg *config.Config, deps Deps, logger *slog.Logger, role string) (Agent, error) {
	switch role {
	case session.RoleStrategy:
		return newStrategyFor(store, cfg, deps, logger), nil
	case session.RoleSearch:
		return newSearchFor(store, cfg, deps, logger), nil
	case session.RoleCutter:
		return NewCutter(store, llmFor(store, deps, role), cfg.Models.ForRole("cutter"), logger), nil
	case session.RoleOrganizer:
		return NewOrganizer(store, llmFor(store, deps, role), cfg.Models.ForRole("organizer"), store.Resolution, store.Side, logger), nil
	default:
		return nil, fmt.Errorf("unknown agent role %q", role)
	}
}

func newStrategyFor(store *session.Store, cfg *config.Config, deps Deps, logger *slog.Logger) *Strategy {
	return NewStrategy(store, llmFor(store, deps, session.RoleStrategy), cfg.Models.ForRole("strategy"), store.Resolution, store.Side, logger)
}

func newSearchFor(store *session.Store, cfg *config.Config, deps Deps, logger *slog.Logger) *Search {
	return NewSearch(store, llmFor(store, deps, session.RoleSearch), cfg.Models.ForRole("search"), deps.Search, deps.Fetch, SearchConfig{
		SearchDelay: cfg.Prep.SearchDelay(),
		FetchPause:  cfg.Prep.FetchPause(),
		MaxRetries:  cfg.Prep.MaxTaskRetries,
	}, logger)
}

// runAll runs the runtimes (and optional observer) to completion
// under one deadline, logging agent start/stop to the session event
// log so the lifecycle is visible in the export.
func runAll(ctx context.Context, store *session.Store, runtimes []*Runtime, deadline time.Time, observer Observer) {
	var wg sync.WaitGroup
	for _, rt := range runtimes {
		wg.Add(1)
		go func(rt *Runtime) {
			defer wg.Done()
			store.LogEvent(rt.Name(), events.KindAgentStart, nil)
			if err := rt.Run(ctx, deadline); err != nil {
				store.LogEvent(rt.Name(), events.KindAgentStop, map[string]any{"reason": err.Error()})
				return
			}
			store.LogEvent(rt.Name(), events.KindAgentStop, nil)
		}(rt)
	}

	if observer != nil {
		states := make([]*State, len(runtimes))
		for i, rt := range runtimes {
			states[i] = rt.State()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			observer(ctx, store, states, deadline)
		}()
	}

	wg.Wait()
}

func collectStats(runtimes []*Runtime) map[string]AgentStats {
	stats := make(map[string]AgentStats, len(runtimes))
	for _, rt := range runtimes {
		processed, created := rt.State().Counts()
		stats[rt.Name()] = AgentStats{Processed: processed, Created: created}
	}
	return stats
}
