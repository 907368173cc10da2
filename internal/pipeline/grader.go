package pipeline

import (
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ent0n29/faqflow/internal/faq"
	"github.com/ent0n29/faqflow/internal/knowledge"
	"github.com/ent0n29/faqflow/internal/llm"
)

// Grade is the grader's decision for one query.
type Grade struct {
	Relevant  bool
	Intent    *string
	Rewritten string
	Keywords  []string
}

// Grader triages a query before retrieval. Implementations must be
// idempotent for the same query and history and must not write state.
type Grader interface {
	Grade(ctx context.Context, query string, history []faq.Interaction) (Grade, error)
}

// Topic is one in-domain intent and the words that signal it.
type Topic struct {
	Intent string
	Terms  []string
}

// DefaultTopics covers the FAQ domains the service answers.
var DefaultTopics = []Topic{
	{Intent: "admissions", Terms: []string{
		"admission", "admit", "apply", "applicant", "application", "enroll", "enrollment",
		"requirement", "transcript", "acceptance", "offer", "international", "eligibility",
	}},
	{Intent: "fees", Terms: []string{
		"fee", "tuition", "cost", "price", "payment", "pay", "scholarship", "financial",
		"aid", "refund", "loan", "expensive", "cheap",
	}},
	{Intent: "deadlines", Terms: []string{
		"deadline", "date", "schedule", "semester", "start", "exam", "calendar", "due",
		"late", "term", "timeline",
	}},
	{Intent: "programs", Terms: []string{
		"program", "course", "degree", "major", "minor", "curriculum", "class", "master",
		"bachelor", "online", "credit", "study", "faculty",
	}},
	{Intent: "student_services", Terms: []string{
		"housing", "dorm", "library", "counseling", "advising", "advisor", "career", "tutoring",
		"support", "service", "campus", "parking", "health", "student", "portal", "account",
	}},
}

// DefaultOutOfDomain lists markers of clearly unrelated queries.
var DefaultOutOfDomain = []string{
	"weather", "forecast", "temperature", "sport", "football", "soccer", "basketball",
	"recipe", "cook", "bake", "joke", "funny", "stock", "bitcoin", "crypto", "movie",
	"song", "lyric", "celebrity", "horoscope", "lottery",
}

const followUpMaxKeywords = 6

// KeywordGrader is a deterministic vocabulary-based grader. It rejects only
// when a query names an out-of-domain subject and no domain term; anything
// ambiguous passes through to the confidence-gated stages.
type KeywordGrader struct {
	topics      []Topic
	termIntents map[string]int
	outOfDomain map[string]struct{}
}

func NewKeywordGrader(topics []Topic, outOfDomain []string) *KeywordGrader {
	if len(topics) == 0 {
		topics = DefaultTopics
	}
	if outOfDomain == nil {
		outOfDomain = DefaultOutOfDomain
	}
	g := &KeywordGrader{
		topics:      topics,
		termIntents: make(map[string]int),
		outOfDomain: make(map[string]struct{}, len(outOfDomain)),
	}
	for i, topic := range topics {
		for _, term := range topic.Terms {
			stem := knowledge.Stem(strings.ToLower(term))
			if _, taken := g.termIntents[stem]; !taken {
				g.termIntents[stem] = i
			}
		}
	}
	for _, term := range outOfDomain {
		g.outOfDomain[knowledge.Stem(strings.ToLower(term))] = struct{}{}
	}
	return g
}

func (g *KeywordGrader) Grade(_ context.Context, query string, history []faq.Interaction) (Grade, error) {
	normalized := strings.Join(strings.Fields(query), " ")
	keywords := knowledge.Keywords(normalized)

	hits := make([]int, len(g.topics))
	offTopic := false
	for _, kw := range keywords {
		stem := knowledge.Stem(kw)
		if i, ok := g.termIntents[stem]; ok {
			hits[i]++
		}
		if _, ok := g.outOfDomain[stem]; ok {
			offTopic = true
		}
	}

	best := -1
	for i, n := range hits {
		if n > 0 && (best < 0 || n > hits[best]) {
			best = i
		}
	}

	grade := Grade{Relevant: true, Rewritten: normalized, Keywords: keywords}
	switch {
	case best >= 0:
		grade.Intent = faq.StringPtr(g.topics[best].Intent)
	case offTopic:
		grade.Relevant = false
	case len(keywords) <= followUpMaxKeywords:
		grade.Intent = lastIntent(history)
	}
	return grade, nil
}

func lastIntent(history []faq.Interaction) *string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Intent != nil && *history[i].Intent != "" {
			intent := *history[i].Intent
			return &intent
		}
	}
	return nil
}

const gradePromptTemplate = `<task>
Analyze the user query for FAQ support relevance:
1. Decide whether the query relates to the FAQ topics below.
2. If it does not, set relevance to irrelevant.
3. If it does, correct its grammar and classify its intent.
</task>

<query>%s</query>

<faq_topics>
%s
</faq_topics>

Reply with exactly this structure:
<output>
<relevance>relevant|irrelevant</relevance>
<corrected_query>the corrected query</corrected_query>
<intent>one of the topic names</intent>
<keywords>comma separated key terms</keywords>
</output>`

type gradeReply struct {
	XMLName        xml.Name `xml:"output"`
	Relevance      string   `xml:"relevance"`
	CorrectedQuery string   `xml:"corrected_query"`
	Intent         string   `xml:"intent"`
	Keywords       string   `xml:"keywords"`
}

// LLMGrader asks the generator to grade the query. Generator failures and
// unparseable replies fall back to the keyword decision.
type LLMGrader struct {
	gen      llm.Generator
	keywords *KeywordGrader
	timeout  time.Duration
	logger   *slog.Logger
}

func NewLLMGrader(gen llm.Generator, keywords *KeywordGrader, timeout time.Duration, logger *slog.Logger) *LLMGrader {
	if keywords == nil {
		keywords = NewKeywordGrader(nil, nil)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMGrader{gen: gen, keywords: keywords, timeout: timeout, logger: logger}
}

func (g *LLMGrader) Grade(ctx context.Context, query string, history []faq.Interaction) (Grade, error) {
	base, _ := g.keywords.Grade(ctx, query, history)

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	resp, err := g.gen.Generate(callCtx, llm.Request{
		Query:  base.Rewritten,
		Prompt: fmt.Sprintf(gradePromptTemplate, escapeText(base.Rewritten), topicList(g.keywords.topics)),
	})
	if err != nil {
		if ctx.Err() != nil {
			return Grade{}, ctx.Err()
		}
		g.logger.Warn("llm grader failed, using keyword grade", "error", err)
		return base, nil
	}

	reply, ok := parseGradeReply(resp.Text)
	if !ok {
		g.logger.Warn("llm grader reply unparseable, using keyword grade")
		return base, nil
	}

	if strings.EqualFold(strings.TrimSpace(reply.Relevance), "irrelevant") {
		return Grade{Relevant: false, Rewritten: base.Rewritten, Keywords: base.Keywords}, nil
	}

	grade := base
	grade.Relevant = true
	if corrected := strings.Join(strings.Fields(reply.CorrectedQuery), " "); corrected != "" {
		grade.Rewritten = corrected
	}
	if intent := strings.TrimSpace(reply.Intent); intent != "" && !strings.EqualFold(intent, "unknown") {
		grade.Intent = faq.StringPtr(strings.ToLower(intent))
	}
	if kws := splitKeywords(reply.Keywords); len(kws) > 0 {
		grade.Keywords = kws
	}
	return grade, nil
}

func parseGradeReply(raw string) (gradeReply, bool) {
	start := strings.Index(raw, "<output>")
	end := strings.LastIndex(raw, "</output>")
	if start < 0 || end < start {
		return gradeReply{}, false
	}
	var reply gradeReply
	if err := xml.Unmarshal([]byte(raw[start:end+len("</output>")]), &reply); err != nil {
		return gradeReply{}, false
	}
	return reply, true
}

func topicList(topics []Topic) string {
	lines := make([]string, 0, len(topics))
	for _, t := range topics {
		lines = append(lines, "- "+t.Intent)
	}
	return strings.Join(lines, "\n")
}

func splitKeywords(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if kw := strings.ToLower(strings.TrimSpace(part)); kw != "" {
			out = append(out, kw)
		}
	}
	return out
}
