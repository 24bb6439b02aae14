// Package llm provides LLM client implementations.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// ChatStream sends a streaming chat request. If callback is non-nil, tokens are streamed to it.
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// Complete is a convenience wrapper for single-turn completions: one
// system prompt, one user prompt, text back. The prep agents use this
// for all of their model calls.
func Complete(ctx context.Context, c Client, model, system, prompt string) (string, error) {
	messages := []Message{
		{Role: "user", Content: prompt},
	}
	if system != "" {
		messages = append([]Message{{Role: "system", Content: system}}, messages...)
	}

	resp, err := c.Chat(ctx, model, messages, nil)
	if err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

// ExtractJSON pulls the first JSON value out of a model response,
// stripping markdown code fences when present. Models routinely wrap
// structured output in ```json blocks despite instructions not to.
func ExtractJSON(text string) (string, error) {
	s := strings.TrimSpace(text)

	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		s = strings.TrimPrefix(s, "json")
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}

	// Trim any prose before the first bracket and after the last one.
	start := strings.IndexAny(s, "[{")
	end := strings.LastIndexAny(s, "]}")
	if start < 0 || end < start {
		return "", fmt.Errorf("no JSON found in response")
	}
	return s[start : end+1], nil
}
