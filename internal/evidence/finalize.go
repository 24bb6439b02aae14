package evidence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mquinn/prepflow/internal/session"
)

// ErrNoBrief means a session finished without placing a single card,
// so there is nothing to finalize.
var ErrNoBrief = errors.New("evidence: session produced an empty brief")

// Finalize merges a finished session's brief into the store and
// exports the accumulated evidence for that resolution and side as
// markdown under dir. Returns the path of the written file. The
// session's staged data is left in place for inspection or resume.
func Finalize(ctx context.Context, store *Store, dir string, sess *session.Store) (string, error) {
	brief, err := sess.ReadBrief()
	if err != nil {
		return "", fmt.Errorf("read session brief: %w", err)
	}
	if brief.CardCount() == 0 {
		return "", ErrNoBrief
	}

	if _, err := store.MergeBrief(brief); err != nil {
		return "", fmt.Errorf("merge brief: %w", err)
	}

	// Render the merged view, not just this session's slice, so the
	// export always reflects everything known about the resolution.
	merged, err := store.LoadBrief(brief.Resolution, brief.Side)
	if err != nil {
		return "", fmt.Errorf("load merged brief: %w", err)
	}

	outDir := filepath.Join(dir, Slug(brief.Resolution))
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create evidence dir: %w", err)
	}

	path := filepath.Join(outDir, string(brief.Side)+".md")
	if err := os.WriteFile(path, []byte(RenderMarkdown(merged)), 0o644); err != nil {
		return "", fmt.Errorf("write evidence file: %w", err)
	}
	return path, nil
}

// Slug converts a resolution to a safe directory name: lowercase,
// spaces to underscores, everything but alphanumerics, underscore and
// hyphen dropped, truncated to 100 characters.
func Slug(text string) string {
	s := strings.ToLower(text)
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")

	var b strings.Builder
	for _, r := range s {
		if r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > 100 {
		out = out[:100]
	}
	return out
}
