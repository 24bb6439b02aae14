package session

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
	"unicode/utf8"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), "The US should ban single-use plastics", SidePro)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return s
}

func testTask(argument string) *Task {
	return &Task{
		Argument:     argument,
		SearchIntent: "find supporting studies",
		EvidenceType: EvidenceSupport,
		Priority:     PriorityHigh,
	}
}

func TestWriteTaskAssignsID(t *testing.T) {
	s := newTestStore(t)

	id, err := s.WriteTask(testTask("plastic pollution kills marine life"))
	if err != nil {
		t.Fatalf("WriteTask error: %v", err)
	}
	if len(id) != 36 {
		t.Errorf("expected full uuid id, got %q", id)
	}

	path := filepath.Join(s.tasksDir(), "task_"+id+".json")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("task file not written: %v", err)
	}
}

func TestRapidWritesNeverCollide(t *testing.T) {
	s := newTestStore(t)

	// Back-to-back writes land within the same millisecond; each must
	// still get its own file or the queue silently loses records.
	arguments := []string{
		"microplastics contaminate drinking water",
		"recycling infrastructure cannot keep pace",
		"wildlife entanglement deaths are rising",
		"incineration releases toxic dioxins",
		"bans shift consumer behavior durably",
		"petrochemical lobbying blocks reform",
	}
	ids := make(map[string]bool)
	for i, arg := range arguments {
		id, err := s.WriteTask(testTask(arg))
		if err != nil {
			t.Fatalf("WriteTask %d: %v", i, err)
		}
		if ids[id] {
			t.Fatalf("duplicate id %q on write %d", id, i)
		}
		ids[id] = true
	}

	pending, err := s.GetPendingTasks(RoleSearch)
	if err != nil {
		t.Fatalf("GetPendingTasks: %v", err)
	}
	if len(pending) != len(arguments) {
		t.Errorf("pending tasks = %d, want %d", len(pending), len(arguments))
	}
}

func TestWriteTaskValidation(t *testing.T) {
	s := newTestStore(t)

	bad := &Task{Argument: "x"} // missing intent, type, priority
	if _, err := s.WriteTask(bad); err == nil {
		t.Error("expected validation error for incomplete task")
	}

	badType := testTask("some argument")
	badType.EvidenceType = "rebuttal"
	if _, err := s.WriteTask(badType); err == nil {
		t.Error("expected validation error for unknown evidence_type")
	}
}

func TestWriteTaskDeduplication(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.WriteTask(testTask("tiktok ban destroys creator jobs")); err != nil {
		t.Fatalf("first task: %v", err)
	}

	// Same core words, different action verb — a near-duplicate.
	_, err := s.WriteTask(testTask("tiktok ban eliminates creator jobs"))
	if !errors.Is(err, ErrDuplicateTask) {
		t.Errorf("expected ErrDuplicateTask, got %v", err)
	}

	// Genuinely different direction still goes through.
	if _, err := s.WriteTask(testTask("chinese government data collection")); err != nil {
		t.Errorf("distinct argument rejected: %v", err)
	}
}

func TestGetPendingExcludesProcessed(t *testing.T) {
	s := newTestStore(t)

	id1, _ := s.WriteTask(testTask("plastic pollution harms oceans"))
	id2, _ := s.WriteTask(testTask("recycling infrastructure costs"))

	pending, err := s.GetPendingTasks(RoleSearch)
	if err != nil {
		t.Fatalf("GetPendingTasks error: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending tasks, got %d", len(pending))
	}

	if err := s.MarkTaskProcessed(RoleSearch, id1); err != nil {
		t.Fatalf("MarkTaskProcessed error: %v", err)
	}

	pending, _ = s.GetPendingTasks(RoleSearch)
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending task after marking, got %d", len(pending))
	}
	if pending[0].ID != id2 {
		t.Errorf("expected task %s pending, got %s", id2, pending[0].ID)
	}
}

func TestMarkProcessedIdempotent(t *testing.T) {
	s := newTestStore(t)

	id, _ := s.WriteTask(testTask("microplastics in drinking water"))

	for i := 0; i < 3; i++ {
		if err := s.MarkTaskProcessed(RoleSearch, id); err != nil {
			t.Fatalf("MarkTaskProcessed call %d: %v", i+1, err)
		}
	}

	pending, _ := s.GetPendingTasks(RoleSearch)
	if len(pending) != 0 {
		t.Errorf("expected 0 pending after repeated marking, got %d", len(pending))
	}
}

func TestProcessedSetsAreIndependentPerRole(t *testing.T) {
	s := newTestStore(t)

	id, _ := s.WriteTask(testTask("ocean cleanup effectiveness"))
	s.MarkTaskProcessed(RoleSearch, id)

	// A different role's view of the same queue is unaffected.
	pending, _ := s.GetPendingTasks("auditor")
	if len(pending) != 1 {
		t.Errorf("expected task still pending for other role, got %d pending", len(pending))
	}
}

func TestSearchResultRoundTrip(t *testing.T) {
	s := newTestStore(t)

	r := &SearchResult{
		TaskID:       "ab12cd34",
		Query:        "plastic ban economic effects",
		Argument:     "bans reduce pollution",
		SearchIntent: "find studies",
		EvidenceType: EvidenceSupport,
		Sources: []Source{
			{URL: "https://a.example.com", Title: "Study A", FetchStatus: FetchSuccess, FullText: "body text"},
			{URL: "https://b.example.com", FetchStatus: FetchFailed, Error: "timeout"},
		},
	}
	id, err := s.WriteSearchResult(r)
	if err != nil {
		t.Fatalf("WriteSearchResult error: %v", err)
	}

	pending, err := s.GetPendingResults(RoleCutter)
	if err != nil {
		t.Fatalf("GetPendingResults error: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != id {
		t.Fatalf("expected staged result %s pending, got %+v", id, pending)
	}
	if got := len(pending[0].FetchedSources()); got != 1 {
		t.Errorf("FetchedSources() = %d, want 1", got)
	}

	s.MarkResultProcessed(RoleCutter, id)
	pending, _ = s.GetPendingResults(RoleCutter)
	if len(pending) != 0 {
		t.Errorf("expected 0 pending results, got %d", len(pending))
	}
}

func TestCardAndFeedbackQueues(t *testing.T) {
	s := newTestStore(t)

	cardID, err := s.WriteCard(&Card{
		Tag:          "Bans cut ocean plastic 40%",
		Text:         "A 2024 study found bans reduced ocean plastic inflows by forty percent.",
		Argument:     "bans reduce pollution",
		EvidenceType: EvidenceSupport,
		URL:          "https://a.example.com",
	})
	if err != nil {
		t.Fatalf("WriteCard error: %v", err)
	}

	cards, _ := s.GetPendingCards(RoleOrganizer)
	if len(cards) != 1 || cards[0].ID != cardID {
		t.Fatalf("expected card pending for organizer, got %+v", cards)
	}

	fbID, err := s.WriteFeedback(&Feedback{
		Type:            FeedbackGap,
		Message:         "no impact evidence yet",
		SuggestedIntent: "find mortality statistics",
	})
	if err != nil {
		t.Fatalf("WriteFeedback error: %v", err)
	}

	// The suggested intent is optional; the message is not.
	if _, err := s.WriteFeedback(&Feedback{Type: FeedbackGap, Message: "needs impact chain"}); err != nil {
		t.Errorf("WriteFeedback without intent: %v", err)
	}
	if _, err := s.WriteFeedback(&Feedback{Type: FeedbackGap, SuggestedIntent: "find something"}); err == nil {
		t.Error("expected validation error for feedback without a message")
	}

	fb, _ := s.GetPendingFeedback(RoleStrategy)
	if len(fb) != 2 || fb[0].ID != fbID {
		t.Fatalf("expected feedback pending for strategy, got %+v", fb)
	}
}

func TestBriefReadWrite(t *testing.T) {
	s := newTestStore(t)

	brief, err := s.ReadBrief()
	if err != nil {
		t.Fatalf("ReadBrief error: %v", err)
	}
	if brief.Resolution != s.Resolution || brief.Side != SidePro {
		t.Errorf("initial brief metadata wrong: %+v", brief)
	}
	if brief.CardCount() != 0 {
		t.Errorf("fresh brief should be empty, has %d cards", brief.CardCount())
	}

	card := Card{
		ID: "c1", Tag: "tag", Text: "text", Argument: "arg A",
		EvidenceType: EvidenceSupport, SemanticHint: "economics",
	}
	brief.Place(card)
	if err := s.WriteBrief(brief); err != nil {
		t.Fatalf("WriteBrief error: %v", err)
	}

	got, _ := s.ReadBrief()
	if got.CardCount() != 1 {
		t.Errorf("expected 1 card after write-back, got %d", got.CardCount())
	}
	if len(got.Arguments["arg A"]["economics"]) != 1 {
		t.Errorf("card not under expected argument/group: %+v", got.Arguments)
	}
}

func TestBriefPlaceAnswersCategory(t *testing.T) {
	b := NewBrief("resolution", SideCon)

	b.Place(Card{ID: "c1", Tag: "t", Text: "x", Argument: "AT: jobs", EvidenceType: EvidenceAnswer})
	b.Place(Card{ID: "c2", Tag: "t", Text: "x", Argument: "econ growth", EvidenceType: EvidenceImpact})

	if len(b.Answers["AT: jobs"]["general"]) != 1 {
		t.Errorf("answer card not in answers category: %+v", b.Answers)
	}
	if len(b.Arguments["econ growth"]["general"]) != 1 {
		t.Errorf("impact card not in arguments category: %+v", b.Arguments)
	}
}

func TestBriefSameHintSameGroup(t *testing.T) {
	b := NewBrief("resolution", SidePro)
	for i, id := range []string{"c1", "c2"} {
		b.Place(Card{ID: id, Tag: "t", Text: "x", Argument: "arg", EvidenceType: EvidenceSupport, SemanticHint: "health"})
		if got := len(b.Arguments["arg"]["health"]); got != i+1 {
			t.Errorf("after placing %d cards, group has %d", i+1, got)
		}
	}
}

func TestLoadRestoresSession(t *testing.T) {
	root := t.TempDir()
	s, err := New(root, "resolution text", SideCon)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	id, _ := s.WriteTask(testTask("argument one two three"))
	s.MarkTaskProcessed(RoleSearch, id)
	s.RecordTaskFailure("deadbeef")

	loaded, err := Load(root, s.ID)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if loaded.Resolution != "resolution text" || loaded.Side != SideCon {
		t.Errorf("metadata not restored: %+v", loaded)
	}

	// Processed markers survived.
	pending, _ := loaded.GetPendingTasks(RoleSearch)
	if len(pending) != 0 {
		t.Errorf("processed marker lost across Load: %d pending", len(pending))
	}

	// Failure counts survived.
	if got := loaded.TaskFailures("deadbeef"); got != 1 {
		t.Errorf("failure count = %d, want 1", got)
	}

	// Dedup signatures survived: the same argument is still a duplicate.
	if _, err := loaded.WriteTask(testTask("argument one two three")); !errors.Is(err, ErrDuplicateTask) {
		t.Errorf("expected duplicate after Load, got %v", err)
	}
}

func TestLoadMissingSession(t *testing.T) {
	_, err := Load(t.TempDir(), "2020-01-01_00-00-00")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadCorruptBrief(t *testing.T) {
	root := t.TempDir()
	s, _ := New(root, "r", SidePro)
	os.WriteFile(s.briefPath(), []byte("{not json"), 0o644)

	_, err := Load(root, s.ID)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for corrupt brief, got %v", err)
	}
}

func TestQuarantineMalformedRecord(t *testing.T) {
	s := newTestStore(t)
	s.WriteTask(testTask("good argument here"))

	bad := filepath.Join(s.tasksDir(), "task_zzzzzzzz.json")
	os.WriteFile(bad, []byte("{broken"), 0o644)

	pending, err := s.GetPendingTasks(RoleSearch)
	if err != nil {
		t.Fatalf("GetPendingTasks error: %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("expected only the good task, got %d", len(pending))
	}

	if _, err := os.Stat(bad); !os.IsNotExist(err) {
		t.Error("malformed record should have been renamed out of the queue")
	}
	if _, err := os.Stat(bad + ".quarantined"); err != nil {
		t.Errorf("quarantined file missing: %v", err)
	}
}

func TestEventLogAndTaskStats(t *testing.T) {
	s := newTestStore(t)

	id, _ := s.WriteTask(testTask("first argument direction"))
	s.WriteTask(testTask("second distinct topic entirely"))
	s.WriteSearchResult(&SearchResult{
		TaskID: id, Query: "q", Argument: "a", SearchIntent: "i",
		EvidenceType: EvidenceSupport,
		Sources:      []Source{{URL: "https://x.example.com", FetchStatus: FetchSuccess, FullText: "t"}},
	})

	entries, err := s.EventLog(50)
	if err != nil {
		t.Fatalf("EventLog error: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 log entries, got %d", len(entries))
	}
	if entries[0].Action != "enqueue" || entries[2].Action != "staged" {
		t.Errorf("unexpected event ordering: %+v", entries)
	}

	stats, err := s.GetTaskStats()
	if err != nil {
		t.Fatalf("GetTaskStats error: %v", err)
	}
	want := TaskStats{Total: 2, Pending: 1, Completed: 1, Failed: 0}
	if stats != want {
		t.Errorf("GetTaskStats = %+v, want %+v", stats, want)
	}
}

func TestEventLogLimit(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 5; i++ {
		s.LogEvent("runner", "tick", map[string]any{"seq": i})
	}
	entries, _ := s.EventLog(2)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries with limit, got %d", len(entries))
	}
	if seq, _ := entries[1].Details["seq"].(float64); int(seq) != 4 {
		t.Errorf("expected most recent entry last, got %+v", entries[1])
	}
}

func TestGetStats(t *testing.T) {
	s := newTestStore(t)
	s.WriteTask(testTask("unique topic alpha beta"))
	s.WriteCard(&Card{Tag: "t", Text: "x", Argument: "a", EvidenceType: EvidenceSupport})

	stats := s.GetStats()
	if stats.Tasks != 1 || stats.Cards != 1 || stats.Results != 0 || stats.Feedback != 0 {
		t.Errorf("GetStats = %+v", stats)
	}
}

func TestQueryCache(t *testing.T) {
	s := newTestStore(t)

	if _, ok := s.CachedQuery("ab12cd34"); ok {
		t.Error("expected cache miss for unknown task")
	}
	if err := s.CacheQuery("ab12cd34", "plastic ban ocean study"); err != nil {
		t.Fatalf("CacheQuery error: %v", err)
	}
	got, ok := s.CachedQuery("ab12cd34")
	if !ok || got != "plastic ban ocean study" {
		t.Errorf("CachedQuery = %q, %v", got, ok)
	}
}

func TestSessionsAndMostRecent(t *testing.T) {
	root := t.TempDir()

	if _, err := MostRecent(root); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on empty root, got %v", err)
	}

	first, _ := New(root, "first resolution", SidePro)
	// Session ids are second-resolution timestamps; force distinct ids.
	second := &Store{
		ID: first.ID + "x", Resolution: "second resolution", Side: SideCon,
		root: root, readLog: map[string]map[string]time.Time{},
		failures: map[string]int{},
	}
	second.dir = filepath.Join(root, second.ID)
	second.logger = first.logger
	if err := second.setup(); err != nil {
		t.Fatalf("setup second session: %v", err)
	}
	if err := second.register(); err != nil {
		t.Fatalf("register second session: %v", err)
	}

	infos, err := Sessions(root)
	if err != nil {
		t.Fatalf("Sessions error: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(infos))
	}

	recent, err := MostRecent(root)
	if err != nil {
		t.Fatalf("MostRecent error: %v", err)
	}
	if recent != second.ID {
		t.Errorf("MostRecent = %q, want %q", recent, second.ID)
	}
}

func TestNormalizeArgument(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"AT: TikTok ban destroys jobs", "tiktok ban jobs"},
		{"Impact: economic harm to creators", "creators"},
		{"TikTok ban + variant phrasing", "tiktok ban"},
		{"The economy", "economy"},
	}
	for _, tt := range tests {
		if got := normalizeArgument(tt.in); got != tt.want {
			t.Errorf("normalizeArgument(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTruncateKeepsRuneBoundaries(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"plain ascii", 5, "plain"},
		{"short", 50, "short"},
		{"coûts économiques", 4, "coû"}, // û spans bytes 3-4
		{"日本語の証拠", 4, "日"},             // each rune is 3 bytes
		{"日本語の証拠", 6, "日本"},
	}
	for _, tt := range tests {
		got := truncate(tt.in, tt.n)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d) produced invalid UTF-8 %q", tt.in, tt.n, got)
		}
	}
}

func TestNewIDShape(t *testing.T) {
	a, b := NewID(), NewID()
	if a == b {
		t.Error("NewID returned duplicate ids")
	}
	if len(a) != 36 {
		t.Errorf("NewID length = %d, want 36", len(a))
	}
}
