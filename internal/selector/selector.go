// Package selector picks the next question to ask.
//
// Selection runs in two regimes: while any question has never been graded,
// only never-graded questions are candidates (uniform pick); once every
// question has at least one grade, candidates are weighted inversely to
// their running average so weak areas come up more often.
package selector

import (
	"math/rand/v2"

	"github.com/pavelanni/quizmail/internal/model"
)

type Selector struct {
	rng *rand.Rand
}

// New creates a selector. A nil rng falls back to a time-seeded source;
// tests pass a fixed-seed source for deterministic draws.
func New(rng *rand.Rand) *Selector {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Selector{rng: rng}
}

// Select returns the next question to ask. Questions in recentIDs and the
// excludeID (the currently outstanding question, if any) are filtered out
// first; if that filter would leave nothing, it is ignored rather than
// stalling, which means a single-question bank simply repeats.
func (s *Selector) Select(questions []model.Question, scores map[string]model.ScoreEntry, recentIDs []string, excludeID string) (model.Question, error) {
	if len(questions) == 0 {
		return model.Question{}, &model.ConfigError{Msg: "question bank is empty"}
	}

	excluded := make(map[string]bool, len(recentIDs)+1)
	for _, id := range recentIDs {
		excluded[id] = true
	}
	if excludeID != "" {
		excluded[excludeID] = true
	}

	candidates := make([]model.Question, 0, len(questions))
	for _, q := range questions {
		if !excluded[q.ID] {
			candidates = append(candidates, q)
		}
	}
	if len(candidates) == 0 {
		candidates = questions
	}

	// Regime 1: never-graded questions take absolute priority.
	var unanswered []model.Question
	for _, q := range candidates {
		if _, ok := scores[q.ID]; !ok {
			unanswered = append(unanswered, q)
		}
	}
	if len(unanswered) > 0 {
		return unanswered[s.rng.IntN(len(unanswered))], nil
	}

	// Regime 2: weighted by how badly each question has gone so far. The +1
	// keeps a perfect question selectable.
	weights := make([]float64, len(candidates))
	var total float64
	for i, q := range candidates {
		w := (100 - scores[q.ID].Average) + 1
		if w < 1 {
			w = 1
		}
		weights[i] = w
		total += w
	}

	draw := s.rng.Float64() * total
	for i, w := range weights {
		draw -= w
		if draw < 0 {
			return candidates[i], nil
		}
	}
	// Floating-point tail: the draw landed exactly on the total.
	return candidates[len(candidates)-1], nil
}
