package pipeline

import (
	"testing"

	"github.com/ent0n29/faqflow/internal/faq"
)

func TestDeriveConfidence(t *testing.T) {
	p := DefaultConfidencePolicy()
	tests := []struct {
		name string
		in   ConfidenceInputs
		want faq.Confidence
	}{
		{name: "no docs", in: ConfidenceInputs{Docs: 0, TopScore: 0.99, SelfReport: faq.ConfidenceHigh}, want: faq.ConfidenceNone},
		{name: "uncertain", in: ConfidenceInputs{Docs: 3, TopScore: 0.95, Uncertain: true}, want: faq.ConfidenceLow},
		{name: "high", in: ConfidenceInputs{Docs: 2, TopScore: 0.85}, want: faq.ConfidenceHigh},
		{name: "high score single doc", in: ConfidenceInputs{Docs: 1, TopScore: 0.95}, want: faq.ConfidenceMedium},
		{name: "many docs low score", in: ConfidenceInputs{Docs: 3, TopScore: 0.72}, want: faq.ConfidenceMedium},
		{name: "capped by self report", in: ConfidenceInputs{Docs: 3, TopScore: 0.9, SelfReport: faq.ConfidenceMedium}, want: faq.ConfidenceMedium},
		{name: "self report never raises", in: ConfidenceInputs{Docs: 1, TopScore: 0.75, SelfReport: faq.ConfidenceHigh}, want: faq.ConfidenceMedium},
		{name: "self report none", in: ConfidenceInputs{Docs: 2, TopScore: 0.9, SelfReport: faq.ConfidenceNone}, want: faq.ConfidenceNone},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveConfidence(tc.in, p); got != tc.want {
				t.Fatalf("DeriveConfidence(%+v) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestDeriveConfidenceFollowsPolicy(t *testing.T) {
	strict := ConfidencePolicy{HighMinDocs: 3, HighMinScore: 0.95, MediumMinDocs: 2}
	if got := DeriveConfidence(ConfidenceInputs{Docs: 2, TopScore: 0.99}, strict); got != faq.ConfidenceMedium {
		t.Fatalf("DeriveConfidence() = %q, want medium", got)
	}
	if got := DeriveConfidence(ConfidenceInputs{Docs: 1, TopScore: 0.99}, strict); got != faq.ConfidenceLow {
		t.Fatalf("DeriveConfidence() = %q, want low", got)
	}
}
