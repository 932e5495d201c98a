package harvest

import (
	"sort"
	"strings"
	"unicode"
)

// NoFilterLabel tags records that passed through without a topic.
const NoFilterLabel = "no filter"

// wordCoverage is the share of a multi-word alternative's words that must be
// present among a record's tokens.
const wordCoverage = 0.8

// MatchScore describes which record fields satisfied a topic.
type MatchScore struct {
	Matched       bool
	MatchedFields []string
	MatchCount    int
	Alternatives  []string
}

// Label renders the score for the keyword_match column.
func (s MatchScore) Label() string {
	if !s.Matched {
		return ""
	}
	if len(s.Alternatives) == 0 {
		return NoFilterLabel
	}
	return strings.Join(s.Alternatives, ", ")
}

type searchField struct {
	name  string
	value string
}

func searchFields(rec Record) []searchField {
	return []searchField{
		{"title", strings.ToLower(rec.Title)},
		{"company", strings.ToLower(rec.Company)},
		{"summary", strings.ToLower(rec.Summary)},
		{"responsibilities", strings.ToLower(rec.Responsibilities)},
		{"location", strings.ToLower(rec.Location)},
		{"seniority", strings.ToLower(rec.Seniority)},
		{"employment_type", strings.ToLower(rec.EmploymentType)},
		{"work_model", strings.ToLower(rec.WorkModel)},
	}
}

// SplitTopic returns the lowercase comma-separated alternatives of topic.
func SplitTopic(topic string) []string {
	var alts []string
	for _, part := range strings.Split(topic, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			alts = append(alts, part)
		}
	}
	return alts
}

// Match reports whether rec satisfies any alternative of topic. An empty topic
// matches everything.
func Match(rec Record, topic string) bool {
	return Score(rec, topic).Matched
}

// Score evaluates every alternative of topic against rec.
func Score(rec Record, topic string) MatchScore {
	alts := SplitTopic(topic)
	if len(alts) == 0 {
		return MatchScore{Matched: true}
	}
	fields := searchFields(rec)
	values := make([]string, 0, len(fields))
	for _, f := range fields {
		values = append(values, f.value)
	}
	combined := strings.Join(values, " ")
	tokens := tokenize(combined)

	hitFields := map[string]struct{}{}
	var score MatchScore
	for _, alt := range alts {
		if !matchAlternative(alt, combined, fields, tokens, hitFields) {
			continue
		}
		score.Matched = true
		score.MatchCount++
		score.Alternatives = append(score.Alternatives, alt)
	}
	for name := range hitFields {
		score.MatchedFields = append(score.MatchedFields, name)
	}
	sort.Strings(score.MatchedFields)
	return score
}

func matchAlternative(
	alt, combined string,
	fields []searchField,
	tokens []string,
	hitFields map[string]struct{},
) bool {
	found := false
	for _, f := range fields {
		if f.value != "" && strings.Contains(f.value, alt) {
			hitFields[f.name] = struct{}{}
			found = true
		}
	}
	// The joined text can match across field boundaries where no single field does.
	if found || strings.Contains(combined, alt) {
		return true
	}
	for _, f := range fields {
		if tokenOverlap(alt, tokenize(f.value)) {
			hitFields[f.name] = struct{}{}
			found = true
		}
	}
	if found {
		return true
	}
	words := strings.Fields(alt)
	if len(words) < 2 {
		return false
	}
	present := 0
	for _, w := range words {
		if containsToken(tokens, w) {
			present++
		}
	}
	return float64(present)/float64(len(words)) >= wordCoverage
}

func tokenOverlap(alt string, tokens []string) bool {
	for _, tok := range tokens {
		if len(tok) <= 1 || len(alt) <= 1 {
			continue
		}
		if strings.Contains(tok, alt) || strings.Contains(alt, tok) {
			return true
		}
	}
	return false
}

func containsToken(tokens []string, word string) bool {
	for _, tok := range tokens {
		if tok == word {
			return true
		}
	}
	return false
}

func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '+' && r != '#'
	})
}

// Filter returns copies of the records matching topic, with KeywordMatch set.
// Without a topic every record is returned tagged NoFilterLabel.
func Filter(records []Record, topic string) []Record {
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		score := Score(rec, topic)
		if !score.Matched {
			continue
		}
		rec.KeywordMatch = score.Label()
		out = append(out, rec)
	}
	return out
}
