package resolution

import (
	"testing"

	"github.com/shopspring/decimal"

	"arena/internal/arena"
)

func TestMatchesCommitment(t *testing.T) {
	t.Parallel()

	criteria := arena.ResearchCriteria{AnswerHash: CommitAnswer("42"), MatchType: "exact_string"}

	cases := []struct {
		name   string
		answer string
		want   bool
	}{
		{"exact match", "42", true},
		{"surrounding whitespace trimmed", "  42  ", true},
		{"wrong answer", "17", false},
		{"trailing whitespace trimmed", "42 ", true},
		{"empty answer", "", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := matchesCommitment(criteria, tc.answer); got != tc.want {
				t.Errorf("matchesCommitment(%q) = %v, want %v", tc.answer, got, tc.want)
			}
		})
	}
}

func TestEvaluateCriteriaStrictAtBoundary(t *testing.T) {
	t.Parallel()

	threshold := decimal.RequireFromString("70.00")

	cases := []struct {
		operator string
		current  string
		want     bool
	}{
		{">", "70.00", false},
		{">", "70.01", true},
		{"<", "70.00", false},
		{"<", "69.99", true},
		{">=", "70.00", true},
		{"<=", "70.00", true},
	}

	for _, tc := range cases {
		got := evaluateCriteria(tc.operator, decimal.RequireFromString(tc.current), threshold)
		if got != tc.want {
			t.Errorf("evaluateCriteria(%s, %s, %s) = %v, want %v", tc.operator, tc.current, threshold, got, tc.want)
		}
	}
}
