package pipeline

import "github.com/ent0n29/faqflow/internal/faq"

// ConfidencePolicy holds the thresholds used by DeriveConfidence.
type ConfidencePolicy struct {
	HighMinDocs   int
	HighMinScore  float64
	MediumMinDocs int
}

func DefaultConfidencePolicy() ConfidencePolicy {
	return ConfidencePolicy{
		HighMinDocs:   2,
		HighMinScore:  0.85,
		MediumMinDocs: 1,
	}
}

// ConfidenceInputs are the signals a grounded answer carries.
// SelfReport is empty when the generator gave no usable level.
type ConfidenceInputs struct {
	Docs       int
	TopScore   float64
	SelfReport faq.Confidence
	Uncertain  bool
}

// DeriveConfidence collapses retrieval and generator signals into one level:
//
//	no documents                                  -> none
//	generator signalled uncertainty               -> low
//	docs >= HighMinDocs and top >= HighMinScore   -> high
//	docs >= MediumMinDocs                         -> medium
//	otherwise                                     -> low
//
// The result never exceeds the generator's self-reported level.
func DeriveConfidence(in ConfidenceInputs, p ConfidencePolicy) faq.Confidence {
	if in.Docs <= 0 {
		return faq.ConfidenceNone
	}
	if in.Uncertain {
		return faq.ConfidenceLow
	}

	level := faq.ConfidenceLow
	switch {
	case in.Docs >= p.HighMinDocs && in.TopScore >= p.HighMinScore:
		level = faq.ConfidenceHigh
	case in.Docs >= p.MediumMinDocs:
		level = faq.ConfidenceMedium
	}

	if in.SelfReport.Valid() {
		level = faq.MinConfidence(level, in.SelfReport)
	}
	return level
}
