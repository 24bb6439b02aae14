package usage

import (
	"context"
	"log/slog"

	"github.com/mquinn/prepflow/internal/config"
	"github.com/mquinn/prepflow/internal/llm"
)

// recordingClient decorates an [llm.Client], writing a usage record for
// every successful model call. Recording failures are logged and
// swallowed: the ledger must never break a prep run.
type recordingClient struct {
	llm.Client
	store     *Store
	sessionID string
	agent     string
	pricing   map[string]config.PricingEntry
	logger    *slog.Logger
}

// WrapClient returns a client that records token usage for the given
// session and agent role. If store is nil, c is returned unchanged.
func WrapClient(c llm.Client, store *Store, sessionID, agent string, pricing map[string]config.PricingEntry, logger *slog.Logger) llm.Client {
	if store == nil {
		return c
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &recordingClient{
		Client:    c,
		store:     store,
		sessionID: sessionID,
		agent:     agent,
		pricing:   pricing,
		logger:    logger,
	}
}

func (r *recordingClient) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	resp, err := r.Client.Chat(ctx, model, messages, tools)
	if err == nil {
		r.record(ctx, model, resp)
	}
	return resp, err
}

func (r *recordingClient) ChatStream(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, callback llm.StreamCallback) (*llm.ChatResponse, error) {
	resp, err := r.Client.ChatStream(ctx, model, messages, tools, callback)
	if err == nil {
		r.record(ctx, model, resp)
	}
	return resp, err
}

func (r *recordingClient) record(ctx context.Context, model string, resp *llm.ChatResponse) {
	if resp == nil {
		return
	}
	rec := Record{
		SessionID:    r.sessionID,
		Agent:        r.agent,
		Model:        model,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		CostUSD:      ComputeCost(model, resp.InputTokens, resp.OutputTokens, r.pricing),
	}
	if err := r.store.Record(ctx, rec); err != nil {
		r.logger.Warn("record model usage", "agent", r.agent, "model", model, "error", err)
	}
}
