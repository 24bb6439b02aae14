// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (prep agents, runner,
// session store) to subscribers (WebSocket handler, MQTT bridge, status
// display). The bus is nil-safe: calling Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceStrategy identifies events from the strategy agent.
	SourceStrategy = "strategy"
	// SourceSearch identifies events from the search agent.
	SourceSearch = "search"
	// SourceCutter identifies events from the cutter agent.
	SourceCutter = "cutter"
	// SourceOrganizer identifies events from the organizer agent.
	SourceOrganizer = "organizer"
	// SourceRunner identifies events from the prep runner.
	SourceRunner = "runner"
)

// Kind constants describe the type of event within a source.
const (
	// KindTaskEnqueued signals the strategy agent queued a research task.
	// Data: task_id, argument, priority.
	KindTaskEnqueued = "enqueue"
	// KindResultsStaged signals the search agent staged results for a task.
	// Data: task_id, results, sources.
	KindResultsStaged = "staged"
	// KindCardCut signals the cutter produced an evidence card.
	// Data: card_id, source_url, evidence_type.
	KindCardCut = "cut"
	// KindCardPlaced signals the organizer placed a card in the brief.
	// Data: card_id, argument.
	KindCardPlaced = "placed_card"
	// KindFeedback signals the organizer issued strategic feedback.
	// Data: feedback_id, feedback_type, target.
	KindFeedback = "feedback"
	// KindPhaseChange signals the strategy agent rotated research phases.
	// Data: phase.
	KindPhaseChange = "phase_change"

	// KindSearchFailed signals a search attempt failed (may be retried).
	// Data: task_id, attempt, error.
	KindSearchFailed = "search_failed"
	// KindFetchFailed signals an article fetch failed.
	// Data: url, error.
	KindFetchFailed = "fetch_failed"
	// KindTaskFailed signals a task exhausted its retries.
	// Data: task_id, attempts.
	KindTaskFailed = "task_failed"

	// KindAgentStart signals an agent's run loop started.
	// Data: agent.
	KindAgentStart = "agent_start"
	// KindAgentStop signals an agent's run loop stopped.
	// Data: agent, reason.
	KindAgentStop = "agent_stop"
	// KindRunComplete signals a prep run finished.
	// Data: session_id, cards, elapsed_ms.
	KindRunComplete = "run_complete"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
