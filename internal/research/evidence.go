package research

import (
	"math"
	"net/url"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// EvidenceRelevanceFloor is the minimum relevance an excerpt needs to be
	// kept as evidence.
	EvidenceRelevanceFloor = 0.08
	maxExcerptRunes        = 700
	passageTargetRunes     = 600
)

// EvidenceBlock is one extracted excerpt tied to a stored source.
type EvidenceBlock struct {
	SourceID  string
	URL       string
	Title     string
	Domain    string
	Snippet   string
	Text      string
	Excerpt   string
	Relevance float64
}

func (b EvidenceBlock) ref() EvidenceRef {
	return EvidenceRef{
		SourceID:  b.SourceID,
		Excerpt:   b.Excerpt,
		Relevance: b.Relevance,
		URL:       b.URL,
		Title:     b.Title,
	}
}

// ExtractEvidence picks the passage of text that best covers question and
// scores it by the share of question terms it contains. The result is
// deterministic and grows with lexical overlap.
func ExtractEvidence(text, question string) (excerpt string, relevance float64) {
	questionTokens := tokenSet(question)
	if len(questionTokens) == 0 {
		return "", 0
	}

	passages := splitPassages(text)
	bestIndex := -1
	bestMatches := 0
	for i, passage := range passages {
		matches := tokenOverlap(questionTokens, tokenSet(passage))
		if matches > bestMatches {
			bestMatches = matches
			bestIndex = i
		}
	}
	if bestIndex < 0 {
		return "", 0
	}

	relevance = clampScore(float64(bestMatches) / float64(len(questionTokens)))
	return trimToRunes(passages[bestIndex], maxExcerptRunes), relevance
}

func splitPassages(text string) []string {
	normalized := normalizeExtractedText(text)
	if normalized == "" {
		return nil
	}

	lines := strings.Split(normalized, "\n")
	passages := make([]string, 0, len(lines))
	var current strings.Builder
	flush := func() {
		if current.Len() == 0 {
			return
		}
		passages = append(passages, strings.TrimSpace(current.String()))
		current.Reset()
	}
	for _, line := range lines {
		if current.Len() > 0 && utf8.RuneCountInString(current.String())+utf8.RuneCountInString(line) > passageTargetRunes {
			flush()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(line)
	}
	flush()
	return passages
}

// rankEvidence orders blocks by relevance, then URL for stable output.
func rankEvidence(blocks []EvidenceBlock) []EvidenceBlock {
	out := append([]EvidenceBlock(nil), blocks...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Relevance == out[j].Relevance {
			return out[i].URL < out[j].URL
		}
		return out[i].Relevance > out[j].Relevance
	})
	return out
}

func averageRelevance(blocks []EvidenceBlock) float64 {
	if len(blocks) == 0 {
		return 0
	}
	total := 0.0
	for _, block := range blocks {
		total += block.Relevance
	}
	return total / float64(len(blocks))
}

func distinctDomains(blocks []EvidenceBlock) int {
	seen := make(map[string]struct{}, len(blocks))
	for _, block := range blocks {
		domain := block.Domain
		if domain == "" {
			domain = normalizeDomain(hostnameFromURL(block.URL))
		}
		if domain == "" {
			continue
		}
		seen[domain] = struct{}{}
	}
	return len(seen)
}

func canonicalURL(raw string) string {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}
	parsed.Fragment = ""
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Path = strings.TrimRight(parsed.EscapedPath(), "/")
	parsed.RawPath = ""
	query := parsed.Query()
	for key := range query {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "utm_") || lower == "ref" || lower == "fbclid" || lower == "gclid" {
			query.Del(key)
		}
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func canonicalOrRawURL(rawURL string) string {
	canonical := canonicalURL(rawURL)
	if canonical != "" {
		return canonical
	}
	return strings.TrimSpace(rawURL)
}

var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "for": {}, "with": {}, "from": {}, "that": {},
	"this": {}, "what": {}, "when": {}, "where": {}, "which": {}, "about": {}, "into": {}, "their": {},
	"are": {}, "how": {}, "does": {}, "is": {}, "was": {}, "were": {}, "should": {}, "can": {}, "you": {},
	"your": {}, "our": {}, "have": {}, "has": {}, "its": {}, "why": {}, "who": {}, "any": {}, "under": {},
}

func tokenSet(raw string) map[string]struct{} {
	out := make(map[string]struct{})
	fields := strings.FieldsFunc(strings.ToLower(raw), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, field := range fields {
		if len(field) < 3 {
			continue
		}
		if _, isStopWord := stopWords[field]; isStopWord {
			continue
		}
		out[field] = struct{}{}
	}
	return out
}

func tokenOverlap(a, b map[string]struct{}) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	matches := 0
	for token := range a {
		if _, ok := b[token]; ok {
			matches++
		}
	}
	return matches
}

func hostnameFromURL(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(parsed.Hostname()))
}

func clampScore(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return math.Round(value*1000) / 1000
}

func clampRange(value, low, high float64) float64 {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}
