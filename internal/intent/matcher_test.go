package intent

import (
	"reflect"
	"testing"
)

func TestMatchMapsTextToCapabilities(t *testing.T) {
	matcher := NewMatcher()

	cases := []struct {
		text     string
		expected []string
	}{
		{"analyze the sentiment of this review", []string{"sentiment-analysis"}},
		{"请帮我翻译这段话", []string{"translation"}},
		{"Summarize and translate this article", []string{"summarization", "translation"}},
		{"TRANSCRIBE this audio file", []string{"speech-to-text"}},
		{"write a python script to parse logs", []string{"code-generation", "data-extraction"}},
	}
	for _, tc := range cases {
		if got := matcher.Match(tc.text); !reflect.DeepEqual(got, tc.expected) {
			t.Fatalf("%q: expected %v, got %v", tc.text, tc.expected, got)
		}
	}
}

func TestMatchReturnsNilWhenNothingHits(t *testing.T) {
	matcher := NewMatcher()

	if got := matcher.Match("the weather is nice today"); got != nil {
		t.Fatalf("expected nil for unmatched text, got %v", got)
	}
	if got := matcher.Match("   "); got != nil {
		t.Fatalf("expected nil for blank text, got %v", got)
	}
}

func TestMatchWithCustomRules(t *testing.T) {
	matcher := NewMatcherWithRules([]Rule{
		{Capability: "weather-forecast", Keywords: []string{"weather", "forecast"}},
	})

	if got := matcher.Match("what is the weather tomorrow"); len(got) != 1 || got[0] != "weather-forecast" {
		t.Fatalf("unexpected match: %v", got)
	}
	if got := matcher.Match("translate this"); got != nil {
		t.Fatalf("custom rule set must not inherit defaults, got %v", got)
	}
}
