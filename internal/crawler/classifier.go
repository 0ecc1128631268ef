package crawler

import (
	"bytes"
	"regexp"
	"strings"
)

// maxClassifyBytes bounds how much of the body the classifier inspects.
const maxClassifyBytes = 64 * 1024

var siteKeyPattern = regexp.MustCompile(`data-sitekey="([^"]+)"`)

// RuleClassifier implements Classifier with ordered marker tables. Rules are
// evaluated most-severe first: a page matching both block and challenge
// markers classifies as blocked, since a missed block costs more than a
// spurious challenge.
type RuleClassifier struct {
	blockMarkers     [][]byte
	titleMarkers     []string
	widgetMarkers    [][]byte
	challengeCookies map[string]struct{}
}

// DefaultBlockMarkers are content phrases that indicate a hard denial.
func DefaultBlockMarkers() []string {
	return []string{
		"access denied",
		"you have been blocked",
		"this website is using a security service to protect itself",
		"error 1006",
		"error 1007",
		"error 1008",
	}
}

// DefaultChallengeTitleMarkers are interstitial page titles.
func DefaultChallengeTitleMarkers() []string {
	return []string{
		"just a moment",
		"attention required",
		"checking your browser",
		"verify you are human",
	}
}

// DefaultWidgetMarkers are content fragments of known challenge widgets.
func DefaultWidgetMarkers() []string {
	return []string{
		"cf-challenge",
		"challenge-platform",
		"cf-turnstile",
		"g-recaptcha",
		"h-captcha",
	}
}

// DefaultChallengeCookies are session cookie names set by challenge pages.
func DefaultChallengeCookies() []string {
	return []string{"__cf_bm", "cf_clearance_pending"}
}

// NewRuleClassifier builds a classifier from marker lists. Empty lists fall
// back to the defaults; markers are matched case-insensitively.
func NewRuleClassifier(blockMarkers, titleMarkers, widgetMarkers, cookieMarkers []string) *RuleClassifier {
	if len(blockMarkers) == 0 {
		blockMarkers = DefaultBlockMarkers()
	}
	if len(titleMarkers) == 0 {
		titleMarkers = DefaultChallengeTitleMarkers()
	}
	if len(widgetMarkers) == 0 {
		widgetMarkers = DefaultWidgetMarkers()
	}
	if len(cookieMarkers) == 0 {
		cookieMarkers = DefaultChallengeCookies()
	}
	cookies := make(map[string]struct{}, len(cookieMarkers))
	for _, name := range cookieMarkers {
		cookies[strings.ToLower(strings.TrimSpace(name))] = struct{}{}
	}
	return &RuleClassifier{
		blockMarkers:     lowerAll(blockMarkers),
		titleMarkers:     trimLowerAll(titleMarkers),
		widgetMarkers:    lowerAll(widgetMarkers),
		challengeCookies: cookies,
	}
}

// Classify inspects the snapshot and returns the most severe matching
// outcome. This is a best-effort heuristic, not a guarantee; callers must
// tolerate misclassification.
func (c *RuleClassifier) Classify(snap PageSnapshot) ChallengeOutcome {
	body := snap.Body
	if len(body) > maxClassifyBytes {
		body = body[:maxClassifyBytes]
	}
	lowerBody := bytes.ToLower(body)

	for _, marker := range c.blockMarkers {
		if bytes.Contains(lowerBody, marker) {
			return ChallengeOutcome{Verdict: VerdictBlocked, Indicator: string(marker)}
		}
	}

	lowerTitle := strings.ToLower(snap.Title)
	for _, marker := range c.titleMarkers {
		if strings.Contains(lowerTitle, marker) {
			return ChallengeOutcome{
				Verdict:   VerdictChallenge,
				Indicator: "title:" + marker,
				SiteKey:   extractSiteKey(lowerBody),
			}
		}
	}
	for _, marker := range c.widgetMarkers {
		if bytes.Contains(lowerBody, marker) {
			return ChallengeOutcome{
				Verdict:   VerdictChallenge,
				Indicator: "widget:" + string(marker),
				SiteKey:   extractSiteKey(lowerBody),
			}
		}
	}
	for _, name := range snap.CookieNames {
		if _, ok := c.challengeCookies[strings.ToLower(name)]; ok {
			return ChallengeOutcome{Verdict: VerdictChallenge, Indicator: "cookie:" + name}
		}
	}

	return ChallengeOutcome{Verdict: VerdictClear}
}

func extractSiteKey(lowerBody []byte) string {
	match := siteKeyPattern.FindSubmatch(lowerBody)
	if len(match) < 2 {
		return ""
	}
	return string(match[1])
}

func lowerAll(markers []string) [][]byte {
	out := make([][]byte, 0, len(markers))
	for _, m := range markers {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		out = append(out, bytes.ToLower([]byte(m)))
	}
	return out
}

func trimLowerAll(markers []string) []string {
	out := make([]string, 0, len(markers))
	for _, m := range markers {
		m = strings.ToLower(strings.TrimSpace(m))
		if m == "" {
			continue
		}
		out = append(out, m)
	}
	return out
}
