// Package evidence provides durable storage for cut evidence cards.
// Prep sessions stage their work under a throwaway directory; when a
// run finalizes, the brief's cards merge into a SQLite database keyed
// by resolution and side, so repeated runs on the same topic accumulate
// evidence instead of replacing it.
package evidence

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mquinn/prepflow/internal/session"
)

// Store manages card persistence.
type Store struct {
	db *sql.DB
}

// Open creates a store backed by the SQLite database at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewWithDB creates a store using an existing database connection.
func NewWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS cards (
			id TEXT PRIMARY KEY,
			resolution TEXT NOT NULL,
			side TEXT NOT NULL,
			argument TEXT NOT NULL,
			semantic_group TEXT NOT NULL,
			evidence_type TEXT NOT NULL,
			tag TEXT NOT NULL,
			author TEXT,
			year TEXT,
			source_name TEXT,
			url TEXT,
			text TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_cards_resolution ON cards(resolution, side);
		CREATE INDEX IF NOT EXISTS idx_cards_argument ON cards(argument);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// MergeBrief merges a session brief into the store. Purely additive:
// cards already present (by id) are left untouched, so merging the
// same brief twice is a no-op. Returns how many cards were added.
func (s *Store) MergeBrief(brief *session.Brief) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin merge: %w", err)
	}
	defer tx.Rollback()

	added := 0
	for _, cat := range []session.ArgumentMap{brief.Arguments, brief.Answers} {
		for argument, groups := range cat {
			for group, cards := range groups {
				for _, card := range cards {
					res, err := tx.Exec(`
						INSERT OR IGNORE INTO cards
						(id, resolution, side, argument, semantic_group, evidence_type,
						 tag, author, year, source_name, url, text, created_at)
						VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
					`, card.ID, brief.Resolution, string(brief.Side), argument, group,
						string(card.EvidenceType), card.Tag, card.Author, card.Year,
						card.SourceName, card.URL, card.Text,
						card.CreatedAt.UTC().Format(time.RFC3339))
					if err != nil {
						return 0, fmt.Errorf("insert card %s: %w", card.ID, err)
					}
					n, _ := res.RowsAffected()
					added += int(n)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit merge: %w", err)
	}
	return added, nil
}

// LoadBrief rebuilds a brief from every stored card for a resolution
// and side, in insertion order within each semantic group.
func (s *Store) LoadBrief(resolution string, side session.Side) (*session.Brief, error) {
	rows, err := s.db.Query(`
		SELECT id, argument, semantic_group, evidence_type,
		       tag, author, year, source_name, url, text, created_at
		FROM cards
		WHERE resolution = ? AND side = ?
		ORDER BY argument, semantic_group, created_at, id
	`, resolution, string(side))
	if err != nil {
		return nil, fmt.Errorf("query cards: %w", err)
	}
	defer rows.Close()

	brief := session.NewBrief(resolution, side)
	for rows.Next() {
		var card session.Card
		var group, et, createdAt string
		if err := rows.Scan(&card.ID, &card.Argument, &group, &et,
			&card.Tag, &card.Author, &card.Year, &card.SourceName,
			&card.URL, &card.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scan card: %w", err)
		}
		card.EvidenceType = session.EvidenceType(et)
		card.SemanticHint = group
		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			card.CreatedAt = t
		}
		brief.Place(card)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cards: %w", err)
	}
	return brief, nil
}

// Summary describes one stored resolution side.
type Summary struct {
	Resolution string `json:"resolution"`
	Side       string `json:"side"`
	Cards      int    `json:"cards"`
	Arguments  int    `json:"arguments"`
}

// List returns a summary of every resolution side in the store,
// sorted by resolution then side.
func (s *Store) List() ([]Summary, error) {
	rows, err := s.db.Query(`
		SELECT resolution, side, COUNT(*), COUNT(DISTINCT argument)
		FROM cards
		GROUP BY resolution, side
	`)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.Resolution, &sum.Side, &sum.Cards, &sum.Arguments); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate summaries: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Resolution != out[j].Resolution {
			return out[i].Resolution < out[j].Resolution
		}
		return out[i].Side < out[j].Side
	})
	return out, nil
}
