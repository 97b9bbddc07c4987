package research

import (
	"strings"
	"testing"
)

func relevance(v float64) *float64 {
	return &v
}

func readingChairCandidates() []SearchCandidate {
	return []SearchCandidate{
		{URL: "https://www.rtings.com/chair/reviews/best/reading", Title: "Best reading chairs", Snippet: "Wide seats and plush cushions.", Relevance: relevance(0.7)},
		{URL: "https://www.rtings.com/chair/reviews/oversized-armchair", Title: "Oversized armchair review", Snippet: "A deep seat.", Relevance: relevance(0.7)},
		{URL: "https://www.rtings.com/chair/reviews/big-chairs", Title: "Big chairs compared", Snippet: "Roomy picks.", Relevance: relevance(0.7)},
		{URL: "https://wirecutter.example/oversized-reading-chair", Title: "The oversized reading chair we like", Snippet: "Chair-and-a-half picks.", Relevance: relevance(0.7)},
		{URL: "https://furniture.example/search?q=reading+chair", Title: "Reading chair results", Snippet: "Shop now.", Relevance: relevance(0.9)},
		{URL: "https://www.reddit.com/r/furniture/comments/abc/reading_chair", Title: "Any reading chair tips?", Snippet: "Thread.", Relevance: relevance(0.9)},
		{URL: "https://ergo.example/office", Title: "Best office chair for back pain", Snippet: "Lumbar support.", Relevance: relevance(0.6)},
		{URL: "https://gamerzone.example/chairs", Title: "Gaming chair roundup", Snippet: "RGB included.", Relevance: relevance(0.6)},
	}
}

func TestSelectSearchResultsForRecommendationQuery(t *testing.T) {
	query := "best oversized reading chair under $500"
	selected := SelectSearchResults(SelectionInput{
		Candidates:  readingChairCandidates(),
		Query:       query,
		SubQuestion: "Which oversized reading chairs under $500 are most comfortable?",
		Count:       5,
	})

	if len(selected) != 3 {
		t.Fatalf("expected 3 selections, got %d: %+v", len(selected), selected)
	}
	perDomain := make(map[string]int)
	for i, candidate := range selected {
		perDomain[candidate.Domain]++
		for _, excluded := range []string{"reddit.com", "furniture.example", "ergo.example", "gamerzone.example"} {
			if candidate.Domain == excluded {
				t.Fatalf("did not expect %s to be selected", candidate.URL)
			}
		}
		if i > 0 && selected[i-1].QualityScore < candidate.QualityScore {
			t.Fatalf("expected descending quality scores, got %+v", selected)
		}
	}
	if perDomain["rtings.com"] != 2 {
		t.Fatalf("expected the per-domain cap of 2, got %d", perDomain["rtings.com"])
	}
	if perDomain["wirecutter.example"] != 1 {
		t.Fatalf("expected the on-topic non-trusted source, got %+v", selected)
	}
}

func TestScoreCandidatePenalizesOffTopicCategories(t *testing.T) {
	query := "best oversized reading chair under $500"
	onTopic := ScoreCandidate(SearchCandidate{URL: "https://shop.example/reading-chair", Title: "Oversized reading chair", Relevance: relevance(0.6)}, query, "", nil)
	office := ScoreCandidate(SearchCandidate{URL: "https://shop.example/office-chair", Title: "Best office chair", Relevance: relevance(0.6)}, query, "", nil)
	gaming := ScoreCandidate(SearchCandidate{URL: "https://shop.example/gaming", Title: "Gaming chair roundup", Relevance: relevance(0.6)}, query, "", nil)

	if office >= onTopic || gaming >= onTopic {
		t.Fatalf("expected off-topic categories to score lower, on=%v office=%v gaming=%v", onTopic, office, gaming)
	}

	asked := ScoreCandidate(SearchCandidate{URL: "https://shop.example/office-chair", Title: "Best office chair", Relevance: relevance(0.6)}, "best office chair", "", nil)
	if asked <= onTopic {
		t.Fatalf("expected a requested category to earn a bonus, got %v", asked)
	}
}

func TestScoreCandidateStaysInRange(t *testing.T) {
	low := ScoreCandidate(SearchCandidate{URL: "https://www.pinterest.com/search?q=chair", Title: "Top 10 deals 50% off", Relevance: relevance(0)}, "chair", "", nil)
	high := ScoreCandidate(SearchCandidate{URL: "https://energystar.gov/products/chair", Title: "Chair guidance", Snippet: strings.Repeat("detail ", 20), Relevance: relevance(1)}, "chair", "", nil)
	if low != 0 {
		t.Fatalf("expected score clamped to 0, got %v", low)
	}
	if high != 1 {
		t.Fatalf("expected score clamped to 1, got %v", high)
	}
}

func TestSelectSearchResultsIsDeterministic(t *testing.T) {
	input := SelectionInput{Candidates: readingChairCandidates(), Query: "best oversized reading chair under $500", Count: 5}
	first := SelectSearchResults(input)
	second := SelectSearchResults(input)
	if len(first) != len(second) {
		t.Fatalf("expected same length, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i].URL != second[i].URL || first[i].QualityScore != second[i].QualityScore {
			t.Fatalf("selection differs at %d: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestSelectSearchResultsSkipsSeenURLs(t *testing.T) {
	seen := map[string]struct{}{
		canonicalOrRawURL("https://www.rtings.com/chair/reviews/best/reading"): {},
	}
	selected := SelectSearchResults(SelectionInput{
		Candidates: readingChairCandidates(),
		Seen:       seen,
		Query:      "oversized reading chair dimensions",
		Count:      8,
	})
	for _, candidate := range selected {
		if candidate.URL == "https://www.rtings.com/chair/reviews/best/reading" {
			t.Fatalf("expected seen url to be skipped")
		}
	}
	if len(selected) == 0 {
		t.Fatalf("expected remaining candidates to be selected")
	}
}

func TestSelectSearchResultsNeverStarves(t *testing.T) {
	candidates := []SearchCandidate{
		{URL: "https://www.reddit.com/r/chairs/comments/1", Title: "thread", Relevance: relevance(0.2)},
		{URL: "https://furniture.example/search?q=chair", Title: "results", Relevance: relevance(0.2)},
	}
	selected := SelectSearchResults(SelectionInput{Candidates: candidates, Query: "best reading chair", Count: 5})
	if len(selected) != 2 {
		t.Fatalf("expected fallback to best-scored candidates, got %+v", selected)
	}
}

func TestIsRecommendationQuery(t *testing.T) {
	cases := map[string]bool{
		"best oversized reading chair under $500": true,
		"heat pump vs furnace":                    true,
		"how does a heat pump work":               false,
	}
	for query, want := range cases {
		if got := IsRecommendationQuery(query); got != want {
			t.Fatalf("IsRecommendationQuery(%q) = %v, want %v", query, got, want)
		}
	}
}
