package research

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	defaultProviderScore     = 0.5
	standardScoreThreshold   = 0.25
	recommendationThreshold  = 0.45
	maxSelectedPerDomain     = 2
	trustedDomainBonus       = 0.15
	lowQualityDomainPenalty  = 0.25
	landingPagePenalty       = 0.2
	offTopicCategoryPenalty  = 0.18
	onTopicCategoryBonus     = 0.08
	substantialSnippetBonus  = 0.05
	substantialSnippetRunes  = 80
	genericTitlePenalty      = 0.12
	defaultSelectionCount    = 5
	candidateSnippetMaxRunes = 800
	candidateTitleMaxRunes   = 240
)

// SearchCandidate is one raw search hit from a provider.
type SearchCandidate struct {
	URL         string
	Title       string
	Domain      string
	Snippet     string
	PublishedAt string
	// Relevance is the provider-reported score, nil when the provider has none.
	Relevance *float64
	Provider  string
	Query     string
}

type ScoredCandidate struct {
	SearchCandidate
	QualityScore float64
}

type SelectionInput struct {
	Candidates     []SearchCandidate
	Seen           map[string]struct{}
	Query          string
	SubQuestion    string
	Count          int
	TrustedDomains []string
}

var defaultTrustedDomains = []string{
	"consumerreports.org",
	"energystar.gov",
	"epa.gov",
	"fda.gov",
	"cdc.gov",
	"nih.gov",
	"usda.gov",
	"mayoclinic.org",
	"who.int",
	"rtings.com",
	"nerdwallet.com",
	"investopedia.com",
}

var lowQualityDomainPatterns = []string{
	"pinterest.", "quora.com", "answers.", "ehow.com", "coupon", "deals", "slickdeals",
	"wikihow.com", "ask.com", "scribd.com", "clickbank", "bestreviews.guide",
}

var lowSignalSocialDomains = []string{
	"reddit.com", "quora.com", "facebook.com", "instagram.com", "tiktok.com",
	"pinterest.com", "twitter.com", "x.com", "threads.net", "youtube.com",
}

var landingPathMarkers = []string{
	"/search", "/s/", "/category", "/categories", "/tag/", "/tags/", "/collections",
	"/browse", "/shop/", "/results/", "/c/",
}

var landingQueryKeys = []string{"q", "k", "query", "search", "s"}

var recommendationKeywords = []string{
	"best ", "recommend", "top ", "which ", "should i buy", "worth it", "buy ",
	"under $", "cheapest", "affordable", " vs ", " versus ", "review", "alternatives",
}

// productCategories maps a category to terms that imply it. Sources implying a
// category the query never mentions are treated as off-topic.
var productCategories = map[string][]string{
	"office":  {"office chair", "desk chair", "task chair", "ergonomic office"},
	"gaming":  {"gaming chair", "gamer", "esports"},
	"outdoor": {"patio", "outdoor furniture", "lawn chair", "camping chair"},
	"kids":    {"kids chair", "toddler", "children's", "high chair"},
	"car":     {"car seat", "booster seat"},
	"baby":    {"crib", "stroller", "nursery"},
	"pet":     {"dog bed", "cat tree", "pet bed"},
}

var genericTitlePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\btop\s+\d+\b`),
	regexp.MustCompile(`(?i)\b\d+\s+best\b`),
	regexp.MustCompile(`(?i)\bsponsored\b`),
	regexp.MustCompile(`(?i)\bpromoted\b`),
	regexp.MustCompile(`(?i)\bdeals?\b`),
	regexp.MustCompile(`(?i)\bcoupons?\b`),
	regexp.MustCompile(`(?i)\d+%\s*off\b`),
}

// IsRecommendationQuery reports whether the query reads like a shopping or
// recommendation request.
func IsRecommendationQuery(query string) bool {
	lower := " " + strings.ToLower(strings.Join(strings.Fields(query), " ")) + " "
	for _, keyword := range recommendationKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

// ScoreCandidate computes the quality score of one candidate in [0,1].
func ScoreCandidate(candidate SearchCandidate, query, subQuestion string, trusted []string) float64 {
	score := defaultProviderScore
	if candidate.Relevance != nil {
		score = *candidate.Relevance
	}

	domain := candidateDomain(candidate)
	if isTrustedDomain(domain, trusted) {
		score += trustedDomainBonus
	}
	if matchesAny(domain, lowQualityDomainPatterns) {
		score -= lowQualityDomainPenalty
	}
	if isLandingPage(candidate.URL) {
		score -= landingPagePenalty
	}

	score += categoryAdjustment(query+" "+subQuestion, candidate.Title+" "+candidate.Snippet)

	if utf8.RuneCountInString(strings.TrimSpace(candidate.Snippet)) >= substantialSnippetRunes {
		score += substantialSnippetBonus
	}
	for _, pattern := range genericTitlePatterns {
		if pattern.MatchString(candidate.Title) {
			score -= genericTitlePenalty
			break
		}
	}
	return clampScore(score)
}

// SelectSearchResults ranks candidates and picks up to Count of them. It never
// returns a URL present in Seen, never more than two per domain, and falls back
// to the best-scored candidates when filtering would eliminate every one.
func SelectSearchResults(input SelectionInput) []ScoredCandidate {
	count := input.Count
	if count <= 0 {
		count = defaultSelectionCount
	}
	trusted := input.TrustedDomains
	if len(trusted) == 0 {
		trusted = defaultTrustedDomains
	}
	recommendation := IsRecommendationQuery(input.Query)

	byURL := make(map[string]ScoredCandidate, len(input.Candidates))
	for _, candidate := range input.Candidates {
		key := canonicalOrRawURL(candidate.URL)
		if key == "" {
			continue
		}
		if _, seen := input.Seen[key]; seen {
			continue
		}
		if !fetchableURL(candidate.URL) {
			continue
		}
		candidate.Domain = candidateDomain(candidate)
		candidate.Title = trimToRunes(strings.TrimSpace(candidate.Title), candidateTitleMaxRunes)
		candidate.Snippet = trimToRunes(strings.TrimSpace(candidate.Snippet), candidateSnippetMaxRunes)
		scored := ScoredCandidate{
			SearchCandidate: candidate,
			QualityScore:    ScoreCandidate(candidate, input.Query, input.SubQuestion, trusted),
		}
		if existing, ok := byURL[key]; ok && existing.QualityScore >= scored.QualityScore {
			continue
		}
		byURL[key] = scored
	}

	ranked := make([]ScoredCandidate, 0, len(byURL))
	for _, candidate := range byURL {
		ranked = append(ranked, candidate)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].QualityScore == ranked[j].QualityScore {
			return ranked[i].URL < ranked[j].URL
		}
		return ranked[i].QualityScore > ranked[j].QualityScore
	})

	threshold := standardScoreThreshold
	if recommendation {
		threshold = recommendationThreshold
	}

	selected := capPerDomain(ranked, count, func(candidate ScoredCandidate) bool {
		if candidate.QualityScore < threshold {
			return false
		}
		if recommendation {
			if isDomainOrSubdomain(candidate.Domain, lowSignalSocialDomains) || isLandingPage(candidate.URL) {
				return false
			}
		}
		return true
	})
	if len(selected) > 0 {
		return selected
	}
	return capPerDomain(ranked, count, func(ScoredCandidate) bool { return true })
}

func capPerDomain(ranked []ScoredCandidate, count int, keep func(ScoredCandidate) bool) []ScoredCandidate {
	perDomain := make(map[string]int)
	out := make([]ScoredCandidate, 0, count)
	for _, candidate := range ranked {
		if len(out) >= count {
			break
		}
		if !keep(candidate) {
			continue
		}
		if perDomain[candidate.Domain] >= maxSelectedPerDomain {
			continue
		}
		perDomain[candidate.Domain]++
		out = append(out, candidate)
	}
	return out
}

func categoryAdjustment(queryText, candidateText string) float64 {
	query := strings.ToLower(queryText)
	text := strings.ToLower(candidateText)
	names := make([]string, 0, len(productCategories))
	for name := range productCategories {
		names = append(names, name)
	}
	sort.Strings(names)

	adjustment := 0.0
	for _, name := range names {
		implied := false
		for _, term := range productCategories[name] {
			if strings.Contains(text, term) {
				implied = true
				break
			}
		}
		if !implied {
			continue
		}
		if queryMentionsCategory(query, name) {
			adjustment += onTopicCategoryBonus
		} else {
			adjustment -= offTopicCategoryPenalty
		}
	}
	return adjustment
}

func queryMentionsCategory(query, name string) bool {
	if strings.Contains(query, name) {
		return true
	}
	for _, term := range productCategories[name] {
		if strings.Contains(query, term) {
			return true
		}
	}
	return false
}

func isLandingPage(rawURL string) bool {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Host == "" {
		return false
	}
	path := strings.ToLower(strings.TrimRight(parsed.Path, "/"))
	if path == "" {
		return true
	}
	for _, marker := range landingPathMarkers {
		if strings.Contains(path+"/", marker) {
			return true
		}
	}
	query := parsed.Query()
	for _, key := range landingQueryKeys {
		if query.Get(key) != "" {
			return true
		}
	}
	return false
}

func isTrustedDomain(domain string, trusted []string) bool {
	if domain == "" {
		return false
	}
	if strings.HasSuffix(domain, ".gov") || strings.HasSuffix(domain, ".edu") {
		return true
	}
	for _, entry := range trusted {
		entry = normalizeDomain(entry)
		if entry == "" {
			continue
		}
		if domain == entry || strings.HasSuffix(domain, "."+entry) {
			return true
		}
	}
	return false
}

func matchesAny(domain string, patterns []string) bool {
	for _, pattern := range patterns {
		if strings.Contains(domain, pattern) {
			return true
		}
	}
	return false
}

func isDomainOrSubdomain(domain string, parents []string) bool {
	for _, parent := range parents {
		if domain == parent || strings.HasSuffix(domain, "."+parent) {
			return true
		}
	}
	return false
}

func candidateDomain(candidate SearchCandidate) string {
	if domain := normalizeDomain(candidate.Domain); domain != "" {
		return domain
	}
	return normalizeDomain(hostnameFromURL(candidate.URL))
}

func normalizeDomain(raw string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "www.")
}
