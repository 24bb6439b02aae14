package fetch

import "strings"

// minArticleChars is the extracted-text length below which a 200
// response is treated as a paywall stub rather than a real article.
const minArticleChars = 300

// paywallMarkers are phrases that indicate a page served a paywall
// or registration wall instead of the article body.
var paywallMarkers = []string{
	"subscribe to continue",
	"subscribe to read",
	"subscription required",
	"to continue reading",
	"create a free account",
	"sign in to read",
	"register to continue",
	"this content is for subscribers",
	"already a subscriber",
}

// Paywalled reports whether a fetched page looks like a paywall stub:
// either a known marker phrase appears near the top of the text, or a
// 200 response carried almost no readable content.
func Paywalled(r *Result) bool {
	if r == nil {
		return false
	}
	if r.StatusCode == 401 || r.StatusCode == 402 || r.StatusCode == 403 {
		return true
	}

	// Markers buried deep in a long article are usually footer upsell
	// boxes, not walls. Only the leading portion counts.
	head := strings.ToLower(r.Content)
	if len(head) > 2000 {
		head = head[:2000]
	}
	for _, marker := range paywallMarkers {
		if strings.Contains(head, marker) {
			return true
		}
	}

	return r.StatusCode == 200 && len(strings.TrimSpace(r.Content)) < minArticleChars
}
