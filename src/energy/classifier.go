// Package energy scores free text against a fixed keyword table. Everything here is pure,
// the same text always produces the same classification and reward.
package energy

import (
	"encoding/json"
	"strings"

	"golang.org/x/text/unicode/norm"
)

type Polarity string

const (
	Positive Polarity = "positive"
	Negative Polarity = "negative"
	Neutral  Polarity = "neutral"
)

// Rule - a keyword and the direction it pushes a message
type Rule struct {
	Keyword string
	Weight  int // +1 positive, -1 negative
}

var DefaultRules = buildRules(
	[]string{
		"yêu thương", "bình an", "hạnh phúc", "cảm ơn", "biết ơn",
		"ánh sáng", "chữa lành", "thức tỉnh", "tình yêu", "hy vọng",
		"niềm tin", "tha thứ", "từ bi", "an lạc", "phước lành",
		"thiền", "yoga", "năng lượng", "tâm linh", "giác ngộ",
		"vũ trụ", "thiên thần", "divine", "light", "love", "peace",
		"grateful", "blessing", "meditation", "spiritual", "rich",
	},
	[]string{
		"ghét", "tức giận", "buồn", "chán", "sợ", "lo lắng",
		"hate", "angry", "sad", "fear", "worry", "stupid", "dumb",
	},
)

func buildRules(positive, negative []string) []Rule {
	rules := make([]Rule, 0, len(positive)+len(negative))
	for _, k := range positive {
		rules = append(rules, Rule{Keyword: k, Weight: 1})
	}
	for _, k := range negative {
		rules = append(rules, Rule{Keyword: k, Weight: -1})
	}
	return rules
}

type Classification struct {
	Polarity        Polarity `json:"classification"`
	PositiveMatches int      `json:"positive_matches"`
	NegativeMatches int      `json:"negative_matches"`
}

// MatchCount is the number of keywords backing the classification
func (c Classification) MatchCount() int {
	switch c.Polarity {
	case Positive:
		return c.PositiveMatches
	case Negative:
		return c.NegativeMatches
	}
	return 0
}

func (c Classification) MarshalJSON() ([]byte, error) {
	type plain Classification
	return json.Marshal(struct {
		plain
		MatchCount int `json:"match_count"`
	}{plain(c), c.MatchCount()})
}

type Classifier struct {
	rules      []Rule
	minMatches int
}

// NewClassifier normalizes the rule keywords once so matching is a plain substring test
func NewClassifier(rules []Rule, minMatches int) *Classifier {
	if minMatches < 1 {
		minMatches = 2
	}
	normalized := make([]Rule, 0, len(rules))
	for _, r := range rules {
		k := normalize(r.Keyword)
		if k == "" || r.Weight == 0 {
			continue
		}
		normalized = append(normalized, Rule{Keyword: k, Weight: r.Weight})
	}
	return &Classifier{rules: normalized, minMatches: minMatches}
}

func DefaultClassifier() *Classifier {
	return NewClassifier(DefaultRules, 2)
}

// Classify counts keyword membership, each keyword counts at most once. A single matching
// word never classifies a message.
func (c *Classifier) Classify(text string) Classification {
	msg := normalize(text)
	out := Classification{Polarity: Neutral}
	for _, r := range c.rules {
		if !strings.Contains(msg, r.Keyword) {
			continue
		}
		if r.Weight > 0 {
			out.PositiveMatches++
		} else {
			out.NegativeMatches++
		}
	}

	switch {
	case out.PositiveMatches > out.NegativeMatches && out.PositiveMatches >= c.minMatches:
		out.Polarity = Positive
	case out.NegativeMatches > out.PositiveMatches && out.NegativeMatches >= c.minMatches:
		out.Polarity = Negative
	}
	return out
}

// NFC first so decomposed diacritics (common from mobile keyboards) match the table
func normalize(s string) string {
	return strings.ToLower(norm.NFC.String(strings.TrimSpace(s)))
}
