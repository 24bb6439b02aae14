// Package status renders plain-text progress for prep runs: a
// periodic snapshot block while the agents work, and an end-of-run
// summary. No terminal control sequences; output is append-only so it
// works in logs and pipes as well as a terminal.
package status

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/mquinn/prepflow/internal/prep"
	"github.com/mquinn/prepflow/internal/session"
)

// Renderer writes progress snapshots to w at a fixed interval.
type Renderer struct {
	w        io.Writer
	interval time.Duration
}

// New creates a renderer. interval <= 0 defaults to 10 seconds.
func New(w io.Writer, interval time.Duration) *Renderer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Renderer{w: w, interval: interval}
}

// Observe satisfies the runner's observer hook: it prints a snapshot
// block every interval until the deadline passes or ctx is cancelled.
func (r *Renderer) Observe(ctx context.Context, store *session.Store, states []*prep.State, deadline time.Time) {
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		r.printSnapshot(store, states, remaining)

		wait := r.interval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (r *Renderer) printSnapshot(store *session.Store, states []*prep.State, remaining time.Duration) {
	stats := store.GetStats()
	fmt.Fprintf(r.w, "\n[%s remaining] tasks=%d results=%d cards=%d feedback=%d\n",
		formatRemaining(remaining), stats.Tasks, stats.Results, stats.Cards, stats.Feedback)

	for _, st := range states {
		snap := st.Snapshot()
		line := fmt.Sprintf("  %-9s %-8s processed=%d created=%d",
			snap.Name, snap.Status, snap.ItemsProcessed, snap.ItemsCreated)
		if snap.LastAction != "" {
			line += "  " + clip(snap.LastAction, 60)
		}
		fmt.Fprintln(r.w, line)
	}
}

// Summary prints the end-of-run report. Always called, even when the
// run logged item-level errors: partial evidence is still evidence.
func Summary(w io.Writer, res *prep.Result, elapsed time.Duration) {
	fmt.Fprintf(w, "\nPrep run complete (%s)\n", elapsed.Truncate(time.Second))
	fmt.Fprintf(w, "  Session:        %s\n", res.SessionID)
	fmt.Fprintf(w, "  Tasks:          %d\n", res.Stats.Tasks)
	fmt.Fprintf(w, "  Search results: %d\n", res.Stats.Results)
	fmt.Fprintf(w, "  Cards cut:      %d\n", res.Stats.Cards)
	fmt.Fprintf(w, "  Feedback:       %d\n", res.Stats.Feedback)

	names := make([]string, 0, len(res.Agents))
	for name := range res.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		a := res.Agents[name]
		fmt.Fprintf(w, "  %-9s processed=%d created=%d\n", name, a.Processed, a.Created)
	}

	if res.EvidencePath != "" {
		fmt.Fprintf(w, "  Evidence:       %s\n", res.EvidencePath)
	} else {
		fmt.Fprintf(w, "  Staged at:      %s\n", res.StagingDir)
	}
}

// formatRemaining renders a duration as M:SS.
func formatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d.Round(time.Second).Seconds())
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
