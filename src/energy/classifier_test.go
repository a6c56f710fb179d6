package energy

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/text/unicode/norm"
)

func TestClassifyScenarios(t *testing.T) {
	c := DefaultClassifier()
	rc := DefaultRewardConfig()

	cases := []struct {
		name   string
		text   string
		expect Classification
		reward int64
	}{
		{
			name:   "gratitude message",
			text:   "Con cảm ơn vì tình yêu và ánh sáng",
			expect: Classification{Polarity: Positive, PositiveMatches: 3},
			reward: 10000 + 2000*2,
		},
		{
			name:   "single keyword is not enough",
			text:   "cảm ơn nhé",
			expect: Classification{Polarity: Neutral, PositiveMatches: 1},
			reward: 0,
		},
		{
			name:   "negative message",
			text:   "I hate this, so sad and angry",
			expect: Classification{Polarity: Negative, NegativeMatches: 3},
			reward: -5000,
		},
		{
			name:   "tie is neutral",
			text:   "love and peace but hate and fear",
			expect: Classification{Polarity: Neutral, PositiveMatches: 2, NegativeMatches: 2},
			reward: 0,
		},
		{
			name:   "bonus steps are capped",
			text:   "love peace light blessing grateful meditation",
			expect: Classification{Polarity: Positive, PositiveMatches: 6},
			reward: 10000 + 2000*3,
		},
		{
			name:   "upper case vietnamese",
			text:   "CẢM ƠN ÁNH SÁNG",
			expect: Classification{Polarity: Positive, PositiveMatches: 2},
			reward: 10000 + 2000,
		},
		{
			name:   "empty",
			text:   "   ",
			expect: Classification{Polarity: Neutral},
			reward: 0,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := c.Classify(tc.text)
			if d := cmp.Diff(tc.expect, got); d != "" {
				t.Fatalf("unexpected classification: %s", d)
			}
			if r := rc.Reward(got); r != tc.reward {
				t.Fatalf("incorrect reward, expected %d, got %d", tc.reward, r)
			}
		})
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	text := "Con cảm ơn vì tình yêu và ánh sáng"
	first := DefaultClassifier().Classify(text)
	for i := 0; i < 100; i++ {
		if d := cmp.Diff(first, DefaultClassifier().Classify(text)); d != "" {
			t.Fatalf("classification changed on run %d: %s", i, d)
		}
	}
}

func TestClassifyDecomposedInput(t *testing.T) {
	c := DefaultClassifier()
	composed := "Con cảm ơn vì tình yêu và ánh sáng"
	decomposed := norm.NFD.String(composed)
	if composed == decomposed {
		t.Fatal("expected decomposed form to differ byte-wise")
	}
	if d := cmp.Diff(c.Classify(composed), c.Classify(decomposed)); d != "" {
		t.Fatalf("normalization mismatch: %s", d)
	}
}

func TestMatchCount(t *testing.T) {
	c := Classification{Polarity: Negative, PositiveMatches: 1, NegativeMatches: 4}
	if c.MatchCount() != 4 {
		t.Fatalf("expected 4, got %d", c.MatchCount())
	}
	if (Classification{Polarity: Neutral, PositiveMatches: 1}).MatchCount() != 0 {
		t.Fatal("neutral should report no matches")
	}
}

func TestClassificationJSON(t *testing.T) {
	body, err := json.Marshal(Classification{Polarity: Positive, PositiveMatches: 3, NegativeMatches: 1})
	if err != nil {
		t.Fatal(err)
	}
	expected := `{"classification":"positive","positive_matches":3,"negative_matches":1,"match_count":3}`
	if d := cmp.Diff(expected, string(body)); d != "" {
		t.Fatalf("classification json mismatch: %s", d)
	}
}
