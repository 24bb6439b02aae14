package usage

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mquinn/prepflow/internal/config"
	"github.com/mquinn/prepflow/internal/llm"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	s, err := NewStoreWithDB(db)
	if err != nil {
		t.Fatalf("NewStoreWithDB: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testPricing returns a pricing table for tests.
func testPricing() map[string]config.PricingEntry {
	return map[string]config.PricingEntry{
		"claude-opus-4-20250514":   {InputPerMillion: 15.0, OutputPerMillion: 75.0},
		"claude-sonnet-4-20250514": {InputPerMillion: 3.0, OutputPerMillion: 15.0},
	}
}

func TestRecordAndSummary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recs := []Record{
		{
			Timestamp:    now,
			SessionID:    "sess-1",
			Agent:        "strategy",
			Model:        "claude-opus-4-20250514",
			InputTokens:  1000,
			OutputTokens: 500,
			CostUSD:      0.0525, // 1000/1M*15 + 500/1M*75
		},
		{
			Timestamp:    now,
			SessionID:    "sess-1",
			Agent:        "cutter",
			Model:        "claude-sonnet-4-20250514",
			InputTokens:  2000,
			OutputTokens: 1000,
			CostUSD:      0.021, // 2000/1M*3 + 1000/1M*15
		},
	}

	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	start := now.Add(-1 * time.Minute)
	end := now.Add(1 * time.Minute)
	sum, err := s.Summary(start, end)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}

	if sum.TotalRecords != 2 {
		t.Errorf("TotalRecords = %d, want 2", sum.TotalRecords)
	}
	if sum.TotalInputTokens != 3000 {
		t.Errorf("TotalInputTokens = %d, want 3000", sum.TotalInputTokens)
	}
	if sum.TotalOutputTokens != 1500 {
		t.Errorf("TotalOutputTokens = %d, want 1500", sum.TotalOutputTokens)
	}
	// 0.0525 + 0.021 = 0.0735
	if diff := sum.TotalCostUSD - 0.0735; diff > 0.0001 || diff < -0.0001 {
		t.Errorf("TotalCostUSD = %f, want ~0.0735", sum.TotalCostUSD)
	}
}

func TestSessionSummary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recs := []Record{
		{Timestamp: now, SessionID: "sess-1", Agent: "strategy", Model: "m", InputTokens: 100, OutputTokens: 50, CostUSD: 1.0},
		{Timestamp: now, SessionID: "sess-1", Agent: "cutter", Model: "m", InputTokens: 200, OutputTokens: 100, CostUSD: 2.0},
		{Timestamp: now, SessionID: "sess-2", Agent: "strategy", Model: "m", InputTokens: 400, OutputTokens: 200, CostUSD: 4.0},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := s.SessionSummary("sess-1")
	if err != nil {
		t.Fatalf("SessionSummary: %v", err)
	}
	if sum.TotalRecords != 2 {
		t.Errorf("TotalRecords = %d, want 2", sum.TotalRecords)
	}
	if sum.TotalInputTokens != 300 {
		t.Errorf("TotalInputTokens = %d, want 300", sum.TotalInputTokens)
	}
}

func TestSummaryByAgent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recs := []Record{
		{Timestamp: now, Agent: "strategy", Model: "m", InputTokens: 100, OutputTokens: 50, CostUSD: 1.0},
		{Timestamp: now, Agent: "strategy", Model: "m", InputTokens: 200, OutputTokens: 100, CostUSD: 2.0},
		{Timestamp: now, Agent: "organizer", Model: "m", InputTokens: 50, OutputTokens: 25, CostUSD: 0.5},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	start := now.Add(-1 * time.Minute)
	end := now.Add(1 * time.Minute)
	result, err := s.SummaryByAgent(start, end)
	if err != nil {
		t.Fatalf("SummaryByAgent: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("got %d groups, want 2", len(result))
	}
	strategy := result["strategy"]
	if strategy == nil {
		t.Fatal("missing 'strategy' group")
	}
	if strategy.TotalRecords != 2 || strategy.TotalInputTokens != 300 {
		t.Errorf("strategy group = %+v", strategy)
	}
}

func TestComputeCost(t *testing.T) {
	pricing := testPricing()

	got := ComputeCost("claude-sonnet-4-20250514", 1_000_000, 1_000_000, pricing)
	if diff := got - 18.0; diff > 0.0001 || diff < -0.0001 {
		t.Errorf("ComputeCost = %f, want 18.0", got)
	}

	if got := ComputeCost("unknown-model", 1000, 1000, pricing); got != 0 {
		t.Errorf("unknown model cost = %f, want 0", got)
	}
}

// fakeChatClient returns a canned response with fixed token counts.
type fakeChatClient struct {
	calls int
}

func (f *fakeChatClient) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	f.calls++
	return &llm.ChatResponse{
		Model:        model,
		Message:      llm.Message{Role: "assistant", Content: "ok"},
		Done:         true,
		InputTokens:  120,
		OutputTokens: 30,
	}, nil
}

func (f *fakeChatClient) ChatStream(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, callback llm.StreamCallback) (*llm.ChatResponse, error) {
	return f.Chat(ctx, model, messages, tools)
}

func (f *fakeChatClient) Ping(ctx context.Context) error { return nil }

func TestWrapClientRecordsUsage(t *testing.T) {
	s := testStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	inner := &fakeChatClient{}

	c := WrapClient(inner, s, "sess-9", "cutter", testPricing(), logger)
	if _, err := c.Chat(context.Background(), "claude-sonnet-4-20250514", nil, nil); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if _, err := c.Chat(context.Background(), "claude-sonnet-4-20250514", nil, nil); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	sum, err := s.SessionSummary("sess-9")
	if err != nil {
		t.Fatalf("SessionSummary: %v", err)
	}
	if sum.TotalRecords != 2 {
		t.Errorf("TotalRecords = %d, want 2", sum.TotalRecords)
	}
	if sum.TotalInputTokens != 240 || sum.TotalOutputTokens != 60 {
		t.Errorf("tokens = %d/%d, want 240/60", sum.TotalInputTokens, sum.TotalOutputTokens)
	}
	if sum.TotalCostUSD <= 0 {
		t.Errorf("TotalCostUSD = %f, want > 0", sum.TotalCostUSD)
	}
}

func TestWrapClientNilStorePassthrough(t *testing.T) {
	inner := &fakeChatClient{}
	c := WrapClient(inner, nil, "sess", "strategy", nil, nil)
	if c != llm.Client(inner) {
		t.Error("nil store should return the inner client unchanged")
	}
}
