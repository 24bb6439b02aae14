package evidence

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mquinn/prepflow/internal/session"
)

// RenderMarkdown formats a brief as a readable markdown evidence file:
// arguments first, then answers, each argument's semantic groups as
// subsections with numbered cards in debate citation format
// ("Author '24" followed by the tag and the full verbatim text).
// Ordering is deterministic: arguments and groups alphabetical, cards
// in placement order.
func RenderMarkdown(brief *session.Brief) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n", brief.Resolution)
	fmt.Fprintf(&b, "**Side:** %s\n\n", strings.ToUpper(string(brief.Side)))

	if len(brief.Arguments) > 0 {
		b.WriteString("## Arguments\n\n")
		renderCategory(&b, brief.Arguments, "")
	}
	if len(brief.Answers) > 0 {
		b.WriteString("## Answers (AT)\n\n")
		renderCategory(&b, brief.Answers, "AT: ")
	}

	return b.String()
}

func renderCategory(b *strings.Builder, cat session.ArgumentMap, headingPrefix string) {
	for _, argument := range sortedKeys(cat) {
		name := argument
		// Answer arguments are often already tagged "AT:"; don't stack it.
		if headingPrefix != "" && strings.HasPrefix(strings.ToUpper(name), "AT:") {
			fmt.Fprintf(b, "### %s\n\n", name)
		} else {
			fmt.Fprintf(b, "### %s%s\n\n", headingPrefix, name)
		}

		groups := cat[argument]
		for _, group := range sortedKeys(groups) {
			fmt.Fprintf(b, "#### %s\n\n", group)
			for i, card := range groups[group] {
				renderCard(b, i+1, card)
			}
		}
	}
}

func renderCard(b *strings.Builder, n int, card session.Card) {
	author := card.Author
	if author == "" {
		author = "Unknown"
	}

	fmt.Fprintf(b, "**%d. %s '%s**\n\n", n, author, shortYear(card.Year))
	fmt.Fprintf(b, "*%s*\n\n", card.Tag)

	fmt.Fprintf(b, "**%s**\n", author)
	if card.SourceName != "" {
		fmt.Fprintf(b, "*%s*, %s\n", card.SourceName, card.Year)
	}
	if card.URL != "" {
		fmt.Fprintf(b, "[Source](%s)\n", card.URL)
	}
	b.WriteString("\n")

	b.WriteString(card.Text)
	b.WriteString("\n\n---\n")
	fmt.Fprintf(b, "*Card ID: %s*\n\n", card.ID)
}

// shortYear abbreviates a four-digit year for the citation header
// ("2024" -> "24").
func shortYear(year string) string {
	if len(year) >= 2 {
		return year[len(year)-2:]
	}
	return year
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
