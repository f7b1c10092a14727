package market

import (
	"encoding/json"
	"errors"
	"testing"

	"arena/internal/arena"
)

func TestValidateCriteria(t *testing.T) {
	t.Parallel()

	research, _ := json.Marshal(arena.ResearchCriteria{AnswerHash: "abc", MatchType: "exact_string"})
	threshold, _ := json.Marshal(arena.ThresholdCriteria{Subject: "temp_sf", Operator: ">"})
	badResearch, _ := json.Marshal(arena.ResearchCriteria{})
	badThreshold, _ := json.Marshal(arena.ThresholdCriteria{})

	cases := []struct {
		name       string
		sourceKind arena.SourceKind
		criteria   []byte
		wantErr    bool
	}{
		{"valid research", arena.SourceResearch, research, false},
		{"valid weather", arena.SourceWeather, threshold, false},
		{"valid github", arena.SourceGitHub, threshold, false},
		{"valid news", arena.SourceNews, threshold, false},
		{"research missing fields", arena.SourceResearch, badResearch, true},
		{"threshold missing fields", arena.SourceWeather, badThreshold, true},
		{"unknown source kind", arena.SourceKind("BOGUS"), threshold, true},
		{"malformed json", arena.SourceResearch, []byte("not json"), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateCriteria(tc.sourceKind, tc.criteria)
			if tc.wantErr && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.wantErr && err != nil && !errors.Is(err, ErrInvalidCriteria) {
				t.Errorf("expected ErrInvalidCriteria, got %v", err)
			}
		})
	}
}
