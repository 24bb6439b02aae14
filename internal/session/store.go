package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mquinn/prepflow/internal/events"
)

// ErrNotFound is returned when a session id does not resolve to a
// valid staging directory, or the session's brief is missing or
// malformed.
var ErrNotFound = errors.New("session not found")

// ErrDuplicateTask is returned by WriteTask when the argument is a
// near-duplicate of a task already written this session.
var ErrDuplicateTask = errors.New("duplicate task")

// Consumer role names used for processed markers. Each role keeps an
// independent processed set per queue.
const (
	RoleStrategy  = "strategy"
	RoleSearch    = "search"
	RoleCutter    = "cutter"
	RoleOrganizer = "organizer"
)

const manifestFile = "MANIFEST.json"

// BriefReader is the read-only view of the brief document. All agents
// except the organizer get this.
type BriefReader interface {
	ReadBrief() (*Brief, error)
}

// BriefWriter extends BriefReader with write-back. Only the organizer
// holds one; the brief's single-writer invariant is enforced here at
// the interface boundary rather than by convention.
type BriefWriter interface {
	BriefReader
	WriteBrief(*Brief) error
}

// Store is the durable session state for one prep run.
//
// Staging layout:
//
//	<root>/
//	  MANIFEST.json
//	  <session_id>/
//	    strategy/tasks/task_<id>.json
//	    search/results/result_<id>.json
//	    search/queries/query_<task_id>.json
//	    cutter/cards/card_<id>.json
//	    organizer/brief.json
//	    organizer/feedback/feedback_<id>.json
//	    _read_log.json
//	    _failed_tasks.json
//	    _event_log.jsonl
type Store struct {
	ID         string
	Resolution string
	Side       Side

	root string
	dir  string

	mu       sync.Mutex
	readLog  map[string]map[string]time.Time
	taskSigs []string
	failures map[string]int

	bus    *events.Bus
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithBus attaches an event bus; store events are republished to it.
func WithBus(b *events.Bus) Option {
	return func(s *Store) { s.bus = b }
}

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a fresh session under root and registers it in the
// staging manifest. The session id is a timestamp, so directory
// listings sort chronologically.
func New(root, resolution string, side Side, opts ...Option) (*Store, error) {
	s := &Store{
		ID:         time.Now().Format("2006-01-02_15-04-05"),
		Resolution: resolution,
		Side:       side,
		root:       root,
		logger:     slog.Default(),
		readLog:    make(map[string]map[string]time.Time),
		failures:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dir = filepath.Join(root, s.ID)

	if err := s.setup(); err != nil {
		return nil, err
	}
	if err := s.register(); err != nil {
		return nil, err
	}
	return s, nil
}

// Load reconstructs a session from its persisted state: metadata from
// the brief, processed markers from the read log, task signatures from
// the task queue. This is the crash-recovery / resume contract.
func Load(root, id string, opts ...Option) (*Store, error) {
	dir := filepath.Join(root, id)
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}

	s := &Store{
		ID:       id,
		root:     root,
		dir:      dir,
		logger:   slog.Default(),
		readLog:  make(map[string]map[string]time.Time),
		failures: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}

	brief, err := s.ReadBrief()
	if err != nil {
		return nil, fmt.Errorf("session %q has no readable brief: %w", id, ErrNotFound)
	}
	if brief.Resolution == "" || brief.Side == "" {
		return nil, fmt.Errorf("session %q brief is missing resolution or side: %w", id, ErrNotFound)
	}
	s.Resolution = brief.Resolution
	s.Side = brief.Side

	if err := s.loadReadLog(); err != nil {
		return nil, fmt.Errorf("load read log: %w", err)
	}
	if err := s.loadFailures(); err != nil {
		return nil, fmt.Errorf("load failure markers: %w", err)
	}
	s.loadTaskSignatures()

	return s, nil
}

// Dir returns the session's staging directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) setup() error {
	for _, d := range []string{
		s.tasksDir(), s.resultsDir(), s.queriesDir(), s.cardsDir(), s.feedbackDir(),
	} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create staging dir: %w", err)
		}
	}

	briefPath := s.briefPath()
	if _, err := os.Stat(briefPath); os.IsNotExist(err) {
		if err := writeJSON(briefPath, NewBrief(s.Resolution, s.Side)); err != nil {
			return fmt.Errorf("init brief: %w", err)
		}
	}
	return nil
}

func (s *Store) tasksDir() string    { return filepath.Join(s.dir, "strategy", "tasks") }
func (s *Store) resultsDir() string  { return filepath.Join(s.dir, "search", "results") }
func (s *Store) queriesDir() string  { return filepath.Join(s.dir, "search", "queries") }
func (s *Store) cardsDir() string    { return filepath.Join(s.dir, "cutter", "cards") }
func (s *Store) feedbackDir() string { return filepath.Join(s.dir, "organizer", "feedback") }
func (s *Store) briefPath() string   { return filepath.Join(s.dir, "organizer", "brief.json") }
func (s *Store) readLogPath() string { return filepath.Join(s.dir, "_read_log.json") }
func (s *Store) failuresPath() string {
	return filepath.Join(s.dir, "_failed_tasks.json")
}
func (s *Store) eventLogPath() string { return filepath.Join(s.dir, "_event_log.jsonl") }

// === Tasks ===

// WriteTask persists a research task, assigning an id and timestamp.
// Near-duplicate arguments (by normalized key-word similarity) are
// rejected with ErrDuplicateTask so feedback loops can't re-research
// the same direction under a new phrasing.
func (s *Store) WriteTask(t *Task) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}

	sig := normalizeArgument(t.Argument)
	s.mu.Lock()
	for _, existing := range s.taskSigs {
		if similar(sig, existing) {
			s.mu.Unlock()
			return "", fmt.Errorf("task %q: %w", t.Argument, ErrDuplicateTask)
		}
	}
	s.taskSigs = append(s.taskSigs, sig)
	s.mu.Unlock()

	if t.ID == "" {
		t.ID = NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	path := filepath.Join(s.tasksDir(), "task_"+t.ID+".json")
	if err := writeJSON(path, t); err != nil {
		return "", fmt.Errorf("write task: %w", err)
	}

	s.LogEvent(RoleStrategy, events.KindTaskEnqueued, map[string]any{
		"task_id":  t.ID,
		"argument": t.Argument,
		"priority": string(t.Priority),
	})
	return t.ID, nil
}

// GetPendingTasks returns tasks not yet marked processed by role, in
// queue (filename) order.
func (s *Store) GetPendingTasks(role string) ([]Task, error) {
	paths, err := s.pendingFiles(role, s.tasksDir())
	if err != nil {
		return nil, err
	}
	var tasks []Task
	for _, p := range paths {
		var t Task
		if err := readJSON(p, &t); err != nil {
			s.quarantine(role, p, err)
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// MarkTaskProcessed durably records that role has consumed a task.
// Idempotent.
func (s *Store) MarkTaskProcessed(role, taskID string) error {
	return s.markProcessed(role, s.key(s.tasksDir(), "task_"+taskID+".json"))
}

// === Search results ===

// WriteSearchResult persists a staged search result.
func (s *Store) WriteSearchResult(r *SearchResult) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}
	if r.ID == "" {
		r.ID = NewID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	path := filepath.Join(s.resultsDir(), "result_"+r.ID+".json")
	if err := writeJSON(path, r); err != nil {
		return "", fmt.Errorf("write result: %w", err)
	}

	s.LogEvent(RoleSearch, events.KindResultsStaged, map[string]any{
		"result_id": r.ID,
		"task_id":   r.TaskID,
		"query":     truncate(r.Query, 50),
		"sources":   len(r.Sources),
	})
	return r.ID, nil
}

// GetPendingResults returns staged results not yet processed by role.
func (s *Store) GetPendingResults(role string) ([]SearchResult, error) {
	paths, err := s.pendingFiles(role, s.resultsDir())
	if err != nil {
		return nil, err
	}
	var results []SearchResult
	for _, p := range paths {
		var r SearchResult
		if err := readJSON(p, &r); err != nil {
			s.quarantine(role, p, err)
			continue
		}
		results = append(results, r)
	}
	return results, nil
}

// MarkResultProcessed durably records that role has consumed a result.
func (s *Store) MarkResultProcessed(role, resultID string) error {
	return s.markProcessed(role, s.key(s.resultsDir(), "result_"+resultID+".json"))
}

// === Cards ===

// WriteCard persists a cut card.
func (s *Store) WriteCard(c *Card) (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	if c.ID == "" {
		c.ID = NewID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	path := filepath.Join(s.cardsDir(), "card_"+c.ID+".json")
	if err := writeJSON(path, c); err != nil {
		return "", fmt.Errorf("write card: %w", err)
	}

	s.LogEvent(RoleCutter, events.KindCardCut, map[string]any{
		"card_id": c.ID,
		"tag":     truncate(c.Tag, 40),
	})
	return c.ID, nil
}

// GetPendingCards returns cards not yet processed by role.
func (s *Store) GetPendingCards(role string) ([]Card, error) {
	paths, err := s.pendingFiles(role, s.cardsDir())
	if err != nil {
		return nil, err
	}
	var cards []Card
	for _, p := range paths {
		var c Card
		if err := readJSON(p, &c); err != nil {
			s.quarantine(role, p, err)
			continue
		}
		cards = append(cards, c)
	}
	return cards, nil
}

// MarkCardProcessed durably records that role has consumed a card.
func (s *Store) MarkCardProcessed(role, cardID string) error {
	return s.markProcessed(role, s.key(s.cardsDir(), "card_"+cardID+".json"))
}

// === Feedback ===

// WriteFeedback persists organizer feedback for the strategy agent.
func (s *Store) WriteFeedback(f *Feedback) (string, error) {
	if err := f.Validate(); err != nil {
		return "", err
	}
	if f.ID == "" {
		f.ID = NewID()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}

	path := filepath.Join(s.feedbackDir(), "feedback_"+f.ID+".json")
	if err := writeJSON(path, f); err != nil {
		return "", fmt.Errorf("write feedback: %w", err)
	}

	s.LogEvent(RoleOrganizer, events.KindFeedback, map[string]any{
		"feedback_id":   f.ID,
		"feedback_type": string(f.Type),
		"message":       truncate(f.Message, 50),
	})
	return f.ID, nil
}

// GetPendingFeedback returns feedback not yet processed by role.
func (s *Store) GetPendingFeedback(role string) ([]Feedback, error) {
	paths, err := s.pendingFiles(role, s.feedbackDir())
	if err != nil {
		return nil, err
	}
	var items []Feedback
	for _, p := range paths {
		var f Feedback
		if err := readJSON(p, &f); err != nil {
			s.quarantine(role, p, err)
			continue
		}
		items = append(items, f)
	}
	return items, nil
}

// MarkFeedbackProcessed durably records that role has consumed a
// feedback item.
func (s *Store) MarkFeedbackProcessed(role, feedbackID string) error {
	return s.markProcessed(role, s.key(s.feedbackDir(), "feedback_"+feedbackID+".json"))
}

// === Brief ===

// ReadBrief returns the current brief document.
func (s *Store) ReadBrief() (*Brief, error) {
	var b Brief
	if err := readJSON(s.briefPath(), &b); err != nil {
		return nil, fmt.Errorf("read brief: %w", err)
	}
	return &b, nil
}

// WriteBrief replaces the brief document whole. Callers must read,
// mutate a local copy, and write back; there is no partial update.
func (s *Store) WriteBrief(b *Brief) error {
	b.UpdatedAt = time.Now()
	if err := writeJSON(s.briefPath(), b); err != nil {
		return fmt.Errorf("write brief: %w", err)
	}
	s.LogEvent(RoleOrganizer, "updated_brief", map[string]any{
		"arguments": len(b.Arguments),
		"answers":   len(b.Answers),
		"cards":     b.CardCount(),
	})
	return nil
}

// === Processed markers ===

func (s *Store) key(dir, name string) string {
	rel, err := filepath.Rel(s.dir, filepath.Join(dir, name))
	if err != nil {
		return name
	}
	return filepath.ToSlash(rel)
}

func (s *Store) markProcessed(role, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readLog[role] == nil {
		s.readLog[role] = make(map[string]time.Time)
	}
	if _, done := s.readLog[role][key]; done {
		return nil
	}
	s.readLog[role][key] = time.Now()
	return s.saveReadLogLocked()
}

func (s *Store) isProcessed(role, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.readLog[role][key]
	return ok
}

// pendingFiles lists queue files not processed by role, sorted by
// name. Record ids are time-ordered, so name order is write order.
func (s *Store) pendingFiles(role, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	var pending []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if s.isProcessed(role, s.key(dir, e.Name())) {
			continue
		}
		pending = append(pending, filepath.Join(dir, e.Name()))
	}
	sort.Strings(pending)
	return pending, nil
}

// quarantine sidelines a malformed record so it stops appearing in
// pending scans, and records the event. Good records stay immutable.
func (s *Store) quarantine(role string, path string, cause error) {
	s.logger.Warn("quarantining malformed record", "path", path, "error", cause)
	if err := os.Rename(path, path+".quarantined"); err != nil {
		s.logger.Error("quarantine rename failed", "path", path, "error", err)
		return
	}
	s.LogEvent(role, "quarantined", map[string]any{
		"file":  filepath.Base(path),
		"error": cause.Error(),
	})
}

func (s *Store) loadReadLog() error {
	err := readJSON(s.readLogPath(), &s.readLog)
	if os.IsNotExist(err) {
		s.readLog = make(map[string]map[string]time.Time)
		return nil
	}
	return err
}

func (s *Store) saveReadLogLocked() error {
	return writeJSON(s.readLogPath(), s.readLog)
}

func (s *Store) loadTaskSignatures() {
	entries, err := os.ReadDir(s.tasksDir())
	if err != nil {
		return
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var t Task
		if err := readJSON(filepath.Join(s.tasksDir(), e.Name()), &t); err != nil {
			continue
		}
		s.taskSigs = append(s.taskSigs, normalizeArgument(t.Argument))
	}
}

// === Task failure tracking ===

// RecordTaskFailure durably increments a task's failure count and
// returns the new total. The search agent uses this to decide when a
// task has exhausted its retries, and the counts survive a resume.
func (s *Store) RecordTaskFailure(taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[taskID]++
	n := s.failures[taskID]
	if err := writeJSON(s.failuresPath(), s.failures); err != nil {
		return n, fmt.Errorf("save failure markers: %w", err)
	}
	return n, nil
}

// TaskFailures returns the recorded failure count for a task.
func (s *Store) TaskFailures(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[taskID]
}

func (s *Store) loadFailures() error {
	err := readJSON(s.failuresPath(), &s.failures)
	if os.IsNotExist(err) {
		s.failures = make(map[string]int)
		return nil
	}
	return err
}

// === Query cache ===

type cachedQuery struct {
	TaskID    string    `json:"task_id"`
	Query     string    `json:"query"`
	CreatedAt time.Time `json:"created_at"`
}

// CacheQuery persists the generated query for a task so a resumed
// session doesn't spend another LLM call regenerating it.
func (s *Store) CacheQuery(taskID, query string) error {
	path := filepath.Join(s.queriesDir(), "query_"+taskID+".json")
	return writeJSON(path, cachedQuery{TaskID: taskID, Query: query, CreatedAt: time.Now()})
}

// CachedQuery returns a previously generated query for a task.
func (s *Store) CachedQuery(taskID string) (string, bool) {
	var q cachedQuery
	path := filepath.Join(s.queriesDir(), "query_"+taskID+".json")
	if err := readJSON(path, &q); err != nil || q.Query == "" {
		return "", false
	}
	return q.Query, true
}

// === Event log ===

// LogEntry is one line of the session's append-only event log.
type LogEntry struct {
	Timestamp time.Time      `json:"ts"`
	Agent     string         `json:"agent"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
}

// LogEvent appends to the event log and republishes on the bus. Log
// failures are reported but never fail the calling operation.
func (s *Store) LogEvent(agent, action string, details map[string]any) {
	entry := LogEntry{
		Timestamp: time.Now(),
		Agent:     agent,
		Action:    action,
		Details:   details,
	}

	s.mu.Lock()
	f, err := os.OpenFile(s.eventLogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err == nil {
		if data, merr := json.Marshal(entry); merr == nil {
			f.Write(append(data, '\n'))
		}
		f.Close()
	} else {
		s.logger.Warn("event log append failed", "error", err)
	}
	s.mu.Unlock()

	s.bus.Publish(events.Event{
		Timestamp: entry.Timestamp,
		Source:    agent,
		Kind:      action,
		Data:      details,
	})
}

// EventLog returns the most recent entries, oldest first.
func (s *Store) EventLog(limit int) ([]LogEntry, error) {
	f, err := os.Open(s.eventLogPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var entries []LogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// === Stats ===

// Stats are current queue depths for one session.
type Stats struct {
	Tasks    int `json:"tasks"`
	Results  int `json:"results"`
	Cards    int `json:"cards"`
	Feedback int `json:"feedback"`
}

// GetStats counts the records in each queue.
func (s *Store) GetStats() Stats {
	return Stats{
		Tasks:    countJSON(s.tasksDir()),
		Results:  countJSON(s.resultsDir()),
		Cards:    countJSON(s.cardsDir()),
		Feedback: countJSON(s.feedbackDir()),
	}
}

// TaskStats summarizes task progress derived from the event log.
type TaskStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// GetTaskStats derives per-task progress from the event log: a task
// is completed once results were staged for it, failed once its
// retries were exhausted, pending otherwise.
func (s *Store) GetTaskStats() (TaskStats, error) {
	entries, err := s.EventLog(1000)
	if err != nil {
		return TaskStats{}, err
	}

	enqueued := make(map[string]struct{})
	completed := make(map[string]struct{})
	failed := make(map[string]struct{})

	for _, e := range entries {
		id, _ := e.Details["task_id"].(string)
		if id == "" {
			continue
		}
		switch e.Action {
		case events.KindTaskEnqueued:
			enqueued[id] = struct{}{}
		case events.KindResultsStaged:
			completed[id] = struct{}{}
		case events.KindTaskFailed:
			failed[id] = struct{}{}
		}
	}

	st := TaskStats{
		Total:     len(enqueued),
		Completed: len(completed),
		Failed:    len(failed),
	}
	st.Pending = st.Total - st.Completed - st.Failed
	if st.Pending < 0 {
		st.Pending = 0
	}
	return st, nil
}

func countJSON(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			n++
		}
	}
	return n
}

// === Manifest ===

// ManifestEntry describes one session in the staging manifest.
type ManifestEntry struct {
	Resolution string    `json:"resolution"`
	Side       Side      `json:"side"`
	CreatedAt  time.Time `json:"created_at"`
}

// SessionInfo is a manifest entry paired with its session id.
type SessionInfo struct {
	ID string
	ManifestEntry
}

func (s *Store) register() error {
	manifest, err := readManifest(s.root)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	manifest[s.ID] = ManifestEntry{
		Resolution: s.Resolution,
		Side:       s.Side,
		CreatedAt:  time.Now(),
	}
	if err := writeJSON(filepath.Join(s.root, manifestFile), manifest); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func readManifest(root string) (map[string]ManifestEntry, error) {
	manifest := make(map[string]ManifestEntry)
	err := readJSON(filepath.Join(root, manifestFile), &manifest)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return manifest, nil
}

// Sessions lists the sessions registered under root, newest first.
func Sessions(root string) ([]SessionInfo, error) {
	manifest, err := readManifest(root)
	if err != nil {
		return nil, err
	}
	infos := make([]SessionInfo, 0, len(manifest))
	for id, entry := range manifest {
		infos = append(infos, SessionInfo{ID: id, ManifestEntry: entry})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].CreatedAt.After(infos[j].CreatedAt)
	})
	return infos, nil
}

// MostRecent returns the id of the newest session under root,
// consulting the manifest first and falling back to a directory scan
// for staging areas created without one. ErrNotFound if none exist.
func MostRecent(root string) (string, error) {
	infos, err := Sessions(root)
	if err != nil {
		return "", err
	}
	if len(infos) > 0 {
		return infos[0].ID, nil
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return "", fmt.Errorf("no sessions under %s: %w", root, ErrNotFound)
	}
	var best string
	var bestTime time.Time
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		briefPath := filepath.Join(root, e.Name(), "organizer", "brief.json")
		fi, err := os.Stat(briefPath)
		if err != nil {
			continue
		}
		if best == "" || fi.ModTime().After(bestTime) {
			best = e.Name()
			bestTime = fi.ModTime()
		}
	}
	if best == "" {
		return "", fmt.Errorf("no sessions under %s: %w", root, ErrNotFound)
	}
	return best, nil
}

// === JSON helpers ===

// writeJSON writes via a temp file and rename so readers never see a
// half-written record.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// truncate clips s to at most n bytes on a rune boundary, so event-log
// detail strings stay valid UTF-8.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
