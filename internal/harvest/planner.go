package harvest

import (
	"math/rand/v2"
)

// MaxConcurrentSessions is the hard ceiling on sessions per run.
const MaxConcurrentSessions = 80

type planStep struct {
	upTo    int
	workers int
}

var planSteps = []planStep{
	{10, 2},
	{25, 3},
	{50, 5},
	{100, 8},
	{200, 15},
	{400, 25},
	{800, 40},
}

const planCeiling = 60

func baseWorkers(target int) int {
	for _, step := range planSteps {
		if target <= step.upTo {
			return step.workers
		}
	}
	return planCeiling
}

// Plan returns how many sessions to run for target under mode, bounded by
// available credentials and MaxConcurrentSessions.
func Plan(target int, mode Mode, topic string, available int) int {
	limit := min(available, MaxConcurrentSessions)
	if limit <= 0 {
		return 0
	}
	base := baseWorkers(target)
	var n int
	switch mode {
	case ModeConservative:
		n = int(float64(base) * 0.6)
	case ModeAggressive:
		n = int(float64(base) * 1.5)
	case ModeHybrid:
		if len(SplitTopic(topic)) > 0 {
			n = max(3, min(base, int(float64(available)*0.3)))
		} else {
			n = int(float64(base) * 1.2)
		}
	default:
		n = base
	}
	return max(1, min(n, limit))
}

// Prioritize orders credentials for selection. With a topic, accounts whose hint
// matches it come first; each partition is shuffled independently. Without a
// topic the input order is kept.
func Prioritize(creds []Credential, topic string, rng *rand.Rand) []Credential {
	out := make([]Credential, 0, len(creds))
	if len(SplitTopic(topic)) == 0 {
		return append(out, creds...)
	}
	var matching, rest []Credential
	for _, c := range creds {
		if HintMatches(c.JobTitle, topic) {
			matching = append(matching, c)
		} else {
			rest = append(rest, c)
		}
	}
	shuffle := rand.Shuffle
	if rng != nil {
		shuffle = rng.Shuffle
	}
	shuffle(len(matching), func(i, j int) { matching[i], matching[j] = matching[j], matching[i] })
	shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
	out = append(out, matching...)
	return append(out, rest...)
}

// HintMatches reports whether an account's declared hint relates to topic.
func HintMatches(hint, topic string) bool {
	if hint == "" {
		return false
	}
	return Match(Record{Title: hint}, topic)
}
