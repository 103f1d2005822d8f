// Package detector classifies transcript fragments for emergency utterances.
// Detection is a pure function over a single text fragment: no state, no
// dependencies, safe to call from any goroutine.
package detector

import (
	"strings"
)

// Severity ranks how urgent a detected emergency is
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
)

// rank orders severities for tie-breaking; higher wins
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	}
	return 0
}

// Category groups emergencies for deduplication purposes
type Category string

const (
	CategoryMedical  Category = "Medical"
	CategorySafety   Category = "Safety"
	CategoryPhysical Category = "Physical"
	CategoryRequest  Category = "Request"
)

// Result is the classification of one transcript fragment
type Result struct {
	IsEmergency   bool     `json:"is_emergency"`
	Severity      Severity `json:"severity,omitempty"`
	MatchedPhrase string   `json:"matched_phrase,omitempty"`
	Category      Category `json:"category,omitempty"`
}

// Detect matches text against the pattern catalogue. All patterns are
// tested; when several match, the highest-severity match wins — severity,
// not catalogue order, is the tie-break.
func Detect(text string) Result {
	lower := strings.ToLower(text)

	best := Result{}
	for _, p := range catalogue {
		if !p.re.MatchString(lower) {
			continue
		}
		if !best.IsEmergency || p.severity.rank() > best.Severity.rank() {
			best = Result{
				IsEmergency:   true,
				Severity:      p.severity,
				MatchedPhrase: p.phrase,
				Category:      p.category,
			}
		}
	}
	return best
}

// FilterFalsePositives reports whether the surrounding text indicates the
// matched statement is not a live emergency: hypothetical phrasing, past
// tense, a third party, or educational/entertainment framing.
//
// The checks are deliberately conservative — ambiguous phrasing is NOT
// filtered. A missed real emergency costs far more than a false alert.
func FilterFalsePositives(text string, match Result) bool {
	if !match.IsEmergency {
		return false
	}
	lower := strings.ToLower(text)

	for _, markers := range [][]string{hypotheticalMarkers, pastTenseMarkers, thirdPartyMarkers, educationalMarkers} {
		for _, marker := range markers {
			if strings.Contains(lower, marker) {
				return true
			}
		}
	}
	return false
}

// Evaluate runs detection and the false-positive pass together, returning
// a non-emergency result when the match is filtered out.
func Evaluate(text string) Result {
	match := Detect(text)
	if !match.IsEmergency {
		return match
	}
	if FilterFalsePositives(text, match) {
		return Result{}
	}
	return match
}

var (
	hypotheticalMarkers = []string{
		"what if",
		"what would happen if",
		"if i ever",
		"if i were to",
		"in case i",
		"suppose i",
		"hypothetically",
	}

	pastTenseMarkers = []string{
		"last year",
		"last month",
		"last week",
		"years ago",
		"months ago",
		"weeks ago",
		"days ago",
		"a while back",
		"when i was younger",
		"back when",
		"i used to",
		"i once had",
		"i survived",
	}

	thirdPartyMarkers = []string{
		"my neighbor",
		"my neighbour",
		"my friend",
		"my sister",
		"my brother",
		"my husband",
		"my wife",
		"my son",
		"my daughter",
		"my mother",
		"my father",
		"he had a",
		"she had a",
		"they had a",
		"someone i know",
		"a person i know",
		"on the news",
	}

	educationalMarkers = []string{
		"what are the symptoms",
		"symptoms of a",
		"tell me about",
		"how do you know if",
		"how can you tell",
		"i read about",
		"in the movie",
		"in a movie",
		"on tv",
		"watching a show",
		"documentary",
	}
)
