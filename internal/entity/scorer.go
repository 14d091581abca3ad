package entity

import (
	"strings"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

// Scorer rates how likely an extracted party is the same real-world party
// as an existing entity. Scores are in [0,1]. The party is already
// normalized.
type Scorer interface {
	Score(p invoice.Party, e *invoice.Entity) float64
}

// NameScorer compares two canonical names.
type NameScorer interface {
	ScoreNames(a, b string) float64
}

// TokenSet is the Jaccard overlap of the two names' token sets.
type TokenSet struct{}

func (TokenSet) ScoreNames(a, b string) float64 {
	if a == b {
		return 1
	}
	return jaccard(strings.Fields(a), strings.Fields(b))
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	union := len(set)
	inter := 0
	seen := make(map[string]bool, len(b))
	for _, t := range b {
		if seen[t] {
			continue
		}
		seen[t] = true
		if set[t] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

// EditRatio is 1 - levenshtein(a, b) / max(len(a), len(b)), over runes.
type EditRatio struct{}

func (EditRatio) ScoreNames(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := len([]rune(a)), len([]rune(b))
	longest := max(la, lb)
	if longest == 0 {
		return 0
	}
	return 1 - float64(levenshtein(a, b))/float64(longest)
}

// levenshtein counts the single-rune insertions, deletions and
// substitutions that turn a into b.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	// two rows of the distance matrix are enough
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 0
			if ra[i-1] != rb[j-1] {
				cost = 1
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

// Blended scores the name with the best of its inner scorers, checking the
// entity's name and every alias, then mixes in agreement on email domain
// and address tokens when both sides carry them.
type Blended struct {
	Names           []NameScorer
	SecondaryWeight float64
}

// DefaultScorer blends token-set and edit-ratio name similarity with 20%
// secondary-field agreement.
func DefaultScorer() *Blended {
	return &Blended{
		Names:           []NameScorer{TokenSet{}, EditRatio{}},
		SecondaryWeight: 0.2,
	}
}

func (s *Blended) Score(p invoice.Party, e *invoice.Entity) float64 {
	name := CanonicalName(p.Name)
	if name == "" {
		return 0
	}
	if name == e.CanonicalName {
		return 1
	}

	best := s.nameScore(name, e.CanonicalName)
	for _, alias := range e.Aliases {
		best = max(best, s.nameScore(name, CanonicalName(alias)))
	}

	secondary, ok := secondaryAgreement(p, e)
	if !ok {
		return best
	}
	return (1-s.SecondaryWeight)*best + s.SecondaryWeight*secondary
}

func (s *Blended) nameScore(a, b string) float64 {
	if a == b {
		return 1
	}
	var best float64
	for _, n := range s.Names {
		best = max(best, n.ScoreNames(a, b))
	}
	return best
}

// secondaryAgreement averages the secondary fields both sides know.
func secondaryAgreement(p invoice.Party, e *invoice.Entity) (float64, bool) {
	var sum float64
	var n int

	pd, ed := emailDomain(p.Email), emailDomain(e.Email)
	if pd != "" && ed != "" {
		n++
		if pd == ed {
			sum++
		}
	}

	if p.Phone != "" && e.Phone != "" {
		n++
		if p.Phone == e.Phone {
			sum++
		}
	}

	// A website is compared with the other side's website, or failing
	// that with its email domain.
	pw, ew := p.Website, e.Website
	if ew == "" && pw != "" {
		ew = ed
	}
	if pw == "" && ew != "" {
		pw = pd
	}
	if pw != "" && ew != "" {
		n++
		if pw == ew {
			sum++
		}
	}

	pa, ea := strings.Fields(NormalizeAddress(p.Address)), strings.Fields(NormalizeAddress(e.Address))
	if len(pa) > 0 && len(ea) > 0 {
		n++
		sum += jaccard(pa, ea)
	}

	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}
