package marketmaker

import (
	"math/rand"
	"testing"

	"arena/internal/arena"
)

func TestPickWeightedRespectsBoundaries(t *testing.T) {
	t.Parallel()

	m := &Maker{rng: rand.New(rand.NewSource(1))}
	sources := []weightedSource{
		{kind: arena.SourceResearch, weight: 0.40},
		{kind: arena.SourceWeather, weight: 0.25},
		{kind: arena.SourceGitHub, weight: 0.20},
		{kind: arena.SourceNews, weight: 0.15},
	}

	counts := map[arena.SourceKind]int{}
	const trials = 2000
	for i := 0; i < trials; i++ {
		counts[m.pickWeighted(sources).kind]++
	}

	if counts[arena.SourceResearch] == 0 {
		t.Errorf("expected some RESEARCH picks over %d trials", trials)
	}
	// RESEARCH (0.40) should be picked more often than NEWS (0.15) over enough trials.
	if counts[arena.SourceResearch] <= counts[arena.SourceNews] {
		t.Errorf("expected RESEARCH (%d) to outweigh NEWS (%d)", counts[arena.SourceResearch], counts[arena.SourceNews])
	}
}
