package llm

import (
	"bytes"
	"context"
	"encoding/xml"
	"strings"
	"unicode/utf8"
)

const mockAnswerMaxRunes = 400

// MockGenerator provides deterministic grounded replies when no model is configured.
// It answers from the first context passage using the structured reply format.
type MockGenerator struct{}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

func (g *MockGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}
	return Response{Text: buildMockReply(req), Model: "mock"}, nil
}

func buildMockReply(req Request) string {
	passages := make([]string, 0, len(req.Context))
	for _, c := range req.Context {
		if c = strings.TrimSpace(c); c != "" {
			passages = append(passages, c)
		}
	}

	answer := "I don't have enough information to answer that question."
	confidence := "low"
	switch {
	case len(passages) >= 2:
		answer = firstSentences(passages[0])
		confidence = "high"
	case len(passages) == 1:
		answer = firstSentences(passages[0])
		confidence = "medium"
	}

	var b strings.Builder
	b.WriteString("<response><answer>")
	b.WriteString(escapeXML(answer))
	b.WriteString("</answer><confidence>")
	b.WriteString(confidence)
	b.WriteString("</confidence><sources></sources></response>")
	return b.String()
}

// firstSentences trims a passage to at most two sentences and a rune cap.
func firstSentences(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	end, seen := len(text), 0
	for i, r := range text {
		if r == '.' || r == '?' || r == '!' {
			seen++
			if seen == 2 {
				end = i + 1
				break
			}
		}
	}
	text = text[:end]
	if utf8.RuneCountInString(text) > mockAnswerMaxRunes {
		text = string([]rune(text)[:mockAnswerMaxRunes]) + "..."
	}
	return text
}

func escapeXML(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
