package model

// Candidate is a node's self-reported metrics plus the score computed by the
// evaluating node. Scores are only comparable within one election pass.
type Candidate struct {
	ID      string        `json:"id"`
	Metrics SystemMetrics `json:"metrics"`
	Score   float64       `json:"score"`
}

// UpsertCandidate overwrites the entry with the same ID or appends a new one,
// keeping the insertion order of existing entries.
func UpsertCandidate(candidates []Candidate, c Candidate) []Candidate {
	for i := range candidates {
		if candidates[i].ID == c.ID {
			candidates[i] = c
			return candidates
		}
	}
	return append(candidates, c)
}

// CloneCandidates returns a copy that does not share the backing array.
func CloneCandidates(candidates []Candidate) []Candidate {
	if len(candidates) == 0 {
		return nil
	}
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	return out
}
