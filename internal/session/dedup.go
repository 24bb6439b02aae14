package session

import (
	"regexp"
	"strings"
)

// Task deduplication works on normalized argument text: strip
// prefixes, variant markers, filler and action words, then compare
// the surviving key words with Jaccard similarity. Two arguments
// above the threshold are treated as the same research direction.
const dedupThreshold = 0.55

var (
	atPrefixRe     = regexp.MustCompile(`^at:\s*`)
	impactPrefixRe = regexp.MustCompile(`^impact:\s*`)
	variantRe      = regexp.MustCompile(`\s*\+\s*[^+]*$`)
	punctRe        = regexp.MustCompile(`[^\w\s]`)
	spaceRe        = regexp.MustCompile(`\s+`)
)

// stopWords are removed before comparison: filler, action verbs and
// descriptors that vary between phrasings of the same core argument.
var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {},
	"in": {}, "on": {}, "at": {}, "to": {}, "for": {}, "of": {},
	"with": {}, "by": {}, "from": {},
	"eliminates": {}, "destroyed": {}, "destroys": {}, "loses": {},
	"lost": {}, "creates": {}, "causes": {}, "leads": {}, "harms": {},
	"impacts": {}, "affects": {}, "threatens": {}, "violates": {},
	"requires": {}, "needed": {}, "harm": {}, "impact": {},
	"affect": {}, "threat": {}, "violation": {}, "requirement": {},
	"economic": {}, "economically": {}, "new": {}, "large": {},
	"significant": {}, "opportunity": {}, "opportunities": {},
	"employment": {}, "employed": {}, "due": {}, "able": {},
	"more": {}, "most": {},
}

// normalizeArgument reduces argument text to its key words.
func normalizeArgument(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	text = atPrefixRe.ReplaceAllString(text, "")
	text = impactPrefixRe.ReplaceAllString(text, "")
	text = variantRe.ReplaceAllString(text, "")

	var words []string
	for _, w := range strings.Fields(text) {
		if _, stop := stopWords[w]; stop || len(w) <= 2 {
			continue
		}
		words = append(words, w)
	}

	text = strings.Join(words, " ")
	text = punctRe.ReplaceAllString(text, "")
	return strings.TrimSpace(spaceRe.ReplaceAllString(text, " "))
}

// similar reports whether two normalized signatures share enough key
// words to be the same argument.
func similar(a, b string) bool {
	if a == b {
		return a != ""
	}

	aWords := wordSet(a)
	bWords := wordSet(b)
	if len(aWords) == 0 || len(bWords) == 0 {
		return false
	}

	intersection := 0
	for w := range aWords {
		if _, ok := bWords[w]; ok {
			intersection++
		}
	}
	union := len(aWords) + len(bWords) - intersection
	if union == 0 {
		return false
	}
	return float64(intersection)/float64(union) > dedupThreshold
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		set[w] = struct{}{}
	}
	return set
}
