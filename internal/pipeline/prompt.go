package pipeline

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/ent0n29/faqflow/internal/faq"
	"github.com/ent0n29/faqflow/internal/knowledge"
)

const (
	noHistory = "No previous conversation."
	noDocs    = "No relevant documents found."
)

const answerPromptTemplate = `<context>
You are an FAQ assistant. Answer using ONLY the knowledge base and the conversation history below.
</context>

<conversation_history>
%s
</conversation_history>

<knowledge_base>
%s
</knowledge_base>

<rules>
- Answer strictly from the retrieved information.
- Use the conversation history to resolve follow-up questions.
- Do not repeat information already given earlier in the conversation.
- If the information is insufficient, say so and set confidence to low.
- Keep a helpful, professional tone.
</rules>

<query>%s</query>

Reply with exactly this structure:
<response>
<answer>your answer</answer>
<confidence>high|medium|low</confidence>
<sources>comma separated source references</sources>
</response>`

func buildAnswerPrompt(query string, history []faq.Interaction, matches []knowledge.Match) string {
	return fmt.Sprintf(answerPromptTemplate, formatHistory(history), formatDocs(matches), escapeText(query))
}

// formatHistory renders turns oldest first as numbered Q/A pairs.
func formatHistory(history []faq.Interaction) string {
	var lines []string
	n := 0
	for _, in := range history {
		if strings.TrimSpace(in.Query) == "" || strings.TrimSpace(in.Response) == "" {
			continue
		}
		n++
		lines = append(lines, fmt.Sprintf("Q%d: %s", n, in.Query), fmt.Sprintf("A%d: %s", n, in.Response))
	}
	if len(lines) == 0 {
		return noHistory
	}
	return strings.Join(lines, "\n")
}

func formatDocs(matches []knowledge.Match) string {
	if len(matches) == 0 {
		return noDocs
	}
	parts := make([]string, 0, len(matches))
	for i, m := range matches {
		source := m.Source
		if source == "" {
			source = "unknown"
		}
		parts = append(parts, fmt.Sprintf("[Source %d - %s]: %s", i+1, source, m.Content))
	}
	return strings.Join(parts, "\n\n")
}

func contextPassages(matches []knowledge.Match) []string {
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.Content)
	}
	return out
}

type answerReply struct {
	XMLName    xml.Name `xml:"response"`
	Answer     string   `xml:"answer"`
	Confidence string   `xml:"confidence"`
	Sources    string   `xml:"sources"`
}

// generatedAnswer is the generator reply reduced to the signals the
// confidence policy needs.
type generatedAnswer struct {
	Text       string
	SelfReport faq.Confidence
	Uncertain  bool
}

var uncertaintyMarkers = []string{
	"i don't know", "i do not know", "not sure", "insufficient information",
	"don't have enough information", "do not have enough information",
	"cannot find", "can't find", "unable to find", "no information",
}

// parseAnswer reads a <response> block. Replies without one are used
// verbatim and count as a low self-report.
func parseAnswer(raw string) generatedAnswer {
	raw = strings.TrimSpace(raw)
	start := strings.Index(raw, "<response>")
	end := strings.LastIndex(raw, "</response>")
	if start < 0 || end < start {
		return finishAnswer(generatedAnswer{Text: raw, SelfReport: faq.ConfidenceLow})
	}

	block := raw[start : end+len("</response>")]
	var reply answerReply
	if err := xml.Unmarshal([]byte(block), &reply); err != nil {
		// Generators often leave '&' or '<' unescaped inside the answer.
		reply = answerReply{
			Answer:     tagText(block, "answer"),
			Confidence: tagText(block, "confidence"),
		}
	}

	out := generatedAnswer{Text: strings.TrimSpace(reply.Answer)}
	if c, err := faq.ParseConfidence(reply.Confidence); err == nil {
		out.SelfReport = c
	}
	return finishAnswer(out)
}

func finishAnswer(a generatedAnswer) generatedAnswer {
	lower := strings.ToLower(a.Text)
	if a.SelfReport == faq.ConfidenceLow {
		a.Uncertain = true
	}
	for _, marker := range uncertaintyMarkers {
		if strings.Contains(lower, marker) {
			a.Uncertain = true
			break
		}
	}
	return a
}

func tagText(block, tag string) string {
	open, closing := "<"+tag+">", "</"+tag+">"
	i := strings.Index(block, open)
	j := strings.Index(block, closing)
	if i < 0 || j < i {
		return ""
	}
	return block[i+len(open) : j]
}

func escapeText(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
