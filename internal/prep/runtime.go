// Package prep implements the debate prep pipeline: four specialized
// agents (strategy, search, cutter, organizer) that cooperate through
// a shared file-backed session store, plus the runtime loop they all
// share and the runner that composes them under one deadline.
package prep

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Status is an agent's position in its run lifecycle.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusStarting Status = "starting"
	StatusChecking Status = "checking"
	StatusWorking  Status = "working"
	StatusWaiting  Status = "waiting"
	StatusStopped  Status = "stopped"
)

// maxRecentActions bounds the action history kept for display.
const maxRecentActions = 5

// Agent is one pipeline stage. CheckWork must be cheap and
// side-effect-free (it runs every poll tick); ProcessItem does the
// real work and is responsible for marking its item processed once
// all downstream effects are durably written.
type Agent interface {
	// Name is the agent's role name ("strategy", "search", ...).
	Name() string

	// State returns the agent's live display state.
	State() *State

	// CheckWork returns pending work items, oldest first.
	CheckWork(ctx context.Context) ([]any, error)

	// ProcessItem handles one work item. An error is logged by the
	// runtime and never stops the loop.
	ProcessItem(ctx context.Context, item any) error

	// OnStart runs once before the poll loop. Errors here abort the
	// run (structural failures, not item-level ones).
	OnStart(ctx context.Context) error

	// OnStop runs once after the loop exits, even on failure.
	OnStop(ctx context.Context) error

	// CheckDependencies is an advisory pre-flight check used by CLI
	// tooling. The runtime itself never enforces it: an agent with
	// unmet dependencies polls and finds no work, which is fine.
	CheckDependencies() (bool, string)
}

// State tracks one agent's activity for concurrent readers (the
// status renderer, the dashboard). All access goes through methods.
type State struct {
	mu sync.Mutex

	name            string
	status          Status
	lastAction      string
	lastActionTime  time.Time
	itemsProcessed  int
	itemsCreated    int
	recentActions   []string
	currentTaskID   string
	currentArgument string
	currentQuery    string
	progress        string
}

// NewState creates an idle state for an agent.
func NewState(name string) *State {
	return &State{name: name, status: StatusIdle}
}

// Snapshot is a point-in-time copy of a State, safe to read without
// holding any lock.
type Snapshot struct {
	Name            string
	Status          Status
	LastAction      string
	LastActionTime  time.Time
	ItemsProcessed  int
	ItemsCreated    int
	RecentActions   []string
	CurrentTaskID   string
	CurrentArgument string
	CurrentQuery    string
	Progress        string
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Name:            s.name,
		Status:          s.status,
		LastAction:      s.lastAction,
		LastActionTime:  s.lastActionTime,
		ItemsProcessed:  s.itemsProcessed,
		ItemsCreated:    s.itemsCreated,
		RecentActions:   append([]string(nil), s.recentActions...),
		CurrentTaskID:   s.currentTaskID,
		CurrentArgument: s.currentArgument,
		CurrentQuery:    s.currentQuery,
		Progress:        s.progress,
	}
}

// Update records an action and stamps the time.
func (s *State) Update(action string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAction = action
	s.lastActionTime = time.Now()
	s.recentActions = append(s.recentActions, action)
	if len(s.recentActions) > maxRecentActions {
		s.recentActions = s.recentActions[len(s.recentActions)-maxRecentActions:]
	}
}

func (s *State) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Status returns the current lifecycle status.
func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *State) incProcessed() {
	s.mu.Lock()
	s.itemsProcessed++
	s.mu.Unlock()
}

// IncCreated bumps the created-items counter.
func (s *State) IncCreated() {
	s.mu.Lock()
	s.itemsCreated++
	s.mu.Unlock()
}

// Counts returns (processed, created).
func (s *State) Counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.itemsProcessed, s.itemsCreated
}

// SetCurrent records the task the agent is working on.
func (s *State) SetCurrent(taskID, argument string) {
	s.mu.Lock()
	s.currentTaskID = taskID
	s.currentArgument = argument
	s.mu.Unlock()
}

// SetQuery records the search query in flight.
func (s *State) SetQuery(q string) {
	s.mu.Lock()
	s.currentQuery = q
	s.mu.Unlock()
}

// SetProgress records a short free-form stage label ("fetch 1/2").
func (s *State) SetProgress(p string) {
	s.mu.Lock()
	s.progress = p
	s.mu.Unlock()
}

// ClearCurrent resets the per-task display fields.
func (s *State) ClearCurrent() {
	s.mu.Lock()
	s.currentTaskID = ""
	s.currentArgument = ""
	s.currentQuery = ""
	s.progress = ""
	s.mu.Unlock()
}

// Runtime drives one agent's poll loop. All four agents share these
// scheduling semantics: starting -> {checking -> working|waiting} ->
// stopped, terminated by deadline, context cancellation, or Stop.
type Runtime struct {
	agent  Agent
	poll   time.Duration
	logger *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRuntime wraps an agent with the shared run loop. poll is the
// sleep between empty checks; zero or negative falls back to 2s.
func NewRuntime(a Agent, poll time.Duration, logger *slog.Logger) *Runtime {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		agent:  a,
		poll:   poll,
		logger: logger.With("agent", a.Name()),
		stopCh: make(chan struct{}),
	}
}

// Name returns the wrapped agent's name.
func (r *Runtime) Name() string { return r.agent.Name() }

// State returns the wrapped agent's state.
func (r *Runtime) State() *State { return r.agent.State() }

// Stop requests the loop to exit at the next check. Safe to call
// more than once and from any goroutine.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *Runtime) stopped() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// Run executes the agent until the deadline passes, the context is
// cancelled, or Stop is called. Item-level errors are logged and the
// loop continues; only OnStart failures abort the run. OnStop always
// runs once the loop has started.
func (r *Runtime) Run(ctx context.Context, deadline time.Time) error {
	st := r.agent.State()

	// A deadline already in the past means there is nothing to do,
	// including the start hook.
	if !time.Now().Before(deadline) {
		st.setStatus(StatusStopped)
		return nil
	}

	st.setStatus(StatusStarting)
	r.logger.Debug("agent starting")

	defer func() {
		st.setStatus(StatusStopped)
		if err := r.agent.OnStop(ctx); err != nil {
			r.logger.Warn("agent stop hook failed", "error", err)
		}
		r.logger.Debug("agent stopped")
	}()

	if err := r.agent.OnStart(ctx); err != nil {
		return fmt.Errorf("%s start: %w", r.agent.Name(), err)
	}

	for time.Now().Before(deadline) && !r.stopped() && ctx.Err() == nil {
		st.setStatus(StatusChecking)

		items, err := r.agent.CheckWork(ctx)
		if err != nil {
			r.logger.Warn("check for work failed", "error", err)
		}

		if len(items) > 0 {
			st.setStatus(StatusWorking)
			for _, item := range items {
				// The deadline is only honored between items; one
				// in-flight item may overrun it slightly.
				if !time.Now().Before(deadline) || r.stopped() || ctx.Err() != nil {
					break
				}
				if err := r.agent.ProcessItem(ctx, item); err != nil {
					r.logger.Warn("process item failed", "error", err)
				}
				st.incProcessed()
			}
		} else {
			st.setStatus(StatusWaiting)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		wait := r.poll
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
		case <-r.stopCh:
		case <-time.After(wait):
		}
	}

	return nil
}

// sleep waits for d, returning early if the context is cancelled.
// Agents use it for rate-limit gaps and inter-fetch pauses.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
