package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/faqflow/internal/faq"
	"github.com/ent0n29/faqflow/internal/ingest"
	"github.com/ent0n29/faqflow/internal/knowledge"
	"github.com/ent0n29/faqflow/internal/llm"
	"github.com/ent0n29/faqflow/internal/memory"
	"github.com/ent0n29/faqflow/internal/observability"
)

func newTestOrchestrator(t *testing.T, store SessionStore, grader Grader, primary, fallback Stage) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(store, grader, primary, fallback, DefaultConfig(), Options{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	return o
}

func answerWith(c faq.Confidence) faq.Answer {
	return faq.Answer{Text: "answer at " + string(c), Confidence: c, Sources: []string{"faq://a"}, Metadata: map[string]any{}}
}

func TestRejectedQueryPersistsOnceWithoutRetrieval(t *testing.T) {
	store := memory.NewInMemoryStore()
	search := &fakeSearcher{matches: matchesFor(0.9)}
	gen := &scriptedGenerator{text: highReply}
	primary := NewResponder(knowledge.NewHashEmbedder(32), search, gen, DefaultResponderConfig())
	fallback := &fakeStage{answer: answerWith(faq.ConfidenceHigh)}
	o := newTestOrchestrator(t, store, NewKeywordGrader(nil, nil), primary, fallback)

	env, err := o.Handle(context.Background(), Query{Text: "What is the weather today?"})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if env.Confidence != faq.ConfidenceNone || env.Answer != faq.DefaultOutOfScopeAnswer {
		t.Fatalf("Handle() = %+v, want out-of-scope none", env)
	}
	if env.Sources == nil || len(env.Sources) != 0 {
		t.Fatalf("Sources = %#v, want empty list", env.Sources)
	}
	if search.Calls() != 0 || gen.Calls() != 0 || fallback.Calls() != 0 {
		t.Fatalf("rejected query reached later stages: search=%d gen=%d fallback=%d", search.Calls(), gen.Calls(), fallback.Calls())
	}
	n, _ := store.CountInteractions(context.Background(), env.SessionID)
	if n != 1 {
		t.Fatalf("persisted interactions = %d, want 1", n)
	}
	history, _ := store.History(context.Background(), env.SessionID, 10)
	if history[0].Metadata["path"] != string(PathRejected) {
		t.Fatalf("metadata path = %v, want rejected", history[0].Metadata["path"])
	}
}

func TestConfidentPrimarySkipsFallback(t *testing.T) {
	for _, c := range []faq.Confidence{faq.ConfidenceMedium, faq.ConfidenceHigh} {
		primary := &fakeStage{answer: answerWith(c)}
		fallback := &fakeStage{answer: answerWith(faq.ConfidenceHigh)}
		o := newTestOrchestrator(t, memory.NewInMemoryStore(), NewKeywordGrader(nil, nil), primary, fallback)

		env, err := o.Handle(context.Background(), Query{Text: "What are the tuition fees?"})
		if err != nil {
			t.Fatalf("Handle() error = %v", err)
		}
		if fallback.Calls() != 0 {
			t.Fatalf("fallback calls = %d for %s primary, want 0", fallback.Calls(), c)
		}
		if env.Confidence != c {
			t.Fatalf("Confidence = %q, want %q", env.Confidence, c)
		}
	}
}

func TestLowConfidenceFallsBackExactlyOnce(t *testing.T) {
	for _, c := range []faq.Confidence{faq.ConfidenceNone, faq.ConfidenceLow} {
		store := memory.NewInMemoryStore()
		primary := &fakeStage{answer: answerWith(c)}
		canonical := faq.OutOfKnowledge("")
		canonical.Metadata = map[string]any{"fallback_source": SourceNone}
		fallback := &fakeStage{answer: canonical}
		o := newTestOrchestrator(t, store, NewKeywordGrader(nil, nil), primary, fallback)

		env, err := o.Handle(context.Background(), Query{Text: "What are the tuition fees?"})
		if err != nil {
			t.Fatalf("Handle() error = %v", err)
		}
		if fallback.Calls() != 1 {
			t.Fatalf("fallback calls = %d, want 1", fallback.Calls())
		}
		if env.Answer != faq.DefaultOutOfScopeAnswer || env.Confidence != faq.ConfidenceNone || env.Intent != nil {
			t.Fatalf("Handle() = %+v, want the fallback result", env)
		}
		history, _ := store.History(context.Background(), env.SessionID, 10)
		if len(history) != 1 || history[0].Response != faq.DefaultOutOfScopeAnswer {
			t.Fatalf("persisted = %+v, want the fallback result", history)
		}
		if history[0].Metadata["path"] != string(PathFallback) || history[0].Metadata["primary_confidence"] != string(c) {
			t.Fatalf("metadata = %v", history[0].Metadata)
		}
	}
}

func TestFallbackThresholdIsConfigurable(t *testing.T) {
	primary := &fakeStage{answer: answerWith(faq.ConfidenceMedium)}
	fallback := &fakeStage{answer: answerWith(faq.ConfidenceHigh)}
	cfg := DefaultConfig()
	cfg.FallbackThreshold = faq.ConfidenceHigh
	o, err := NewOrchestrator(memory.NewInMemoryStore(), NewKeywordGrader(nil, nil), primary, fallback, cfg, Options{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	if _, err := o.Handle(context.Background(), Query{Text: "tuition fees"}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if fallback.Calls() != 1 {
		t.Fatalf("fallback calls = %d, want 1", fallback.Calls())
	}
}

func TestInteractionCountIsMonotonicUnderConcurrency(t *testing.T) {
	store := memory.NewInMemoryStore()
	o := newTestOrchestrator(t, store, NewKeywordGrader(nil, nil), &fakeStage{answer: answerWith(faq.ConfidenceHigh)}, &fakeStage{})
	ctx := context.Background()

	if _, err := o.Handle(ctx, Query{Text: "tuition fees", UserID: "user-1"}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	before, err := store.UserStats(ctx, "user-1")
	if err != nil {
		t.Fatalf("UserStats() error = %v", err)
	}

	session := uuid.NewString()
	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sid := session
			if i%2 == 0 {
				sid = ""
			}
			_, err := o.Handle(ctx, Query{Text: fmt.Sprintf("tuition fees %d", i), SessionID: sid, UserID: "user-1"})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Handle() error = %v", err)
		}
	}

	after, _ := store.UserStats(ctx, "user-1")
	if after.InteractionCount != before.InteractionCount+n {
		t.Fatalf("interaction_count = %d, want %d", after.InteractionCount, before.InteractionCount+n)
	}
	count, _ := store.CountInteractions(ctx, session)
	if count != n/2 {
		t.Fatalf("session interactions = %d, want %d", count, n/2)
	}
}

func TestTimestampsIncreaseWithinSession(t *testing.T) {
	store := memory.NewInMemoryStore()
	o := newTestOrchestrator(t, store, NewKeywordGrader(nil, nil), &fakeStage{answer: answerWith(faq.ConfidenceHigh)}, &fakeStage{})
	first, err := o.Handle(context.Background(), Query{Text: "tuition fees"})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	second, err := o.Handle(context.Background(), Query{Text: "payment plan", SessionID: first.SessionID})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !second.Timestamp.After(first.Timestamp) {
		t.Fatalf("second timestamp %v not after first %v", second.Timestamp, first.Timestamp)
	}
}

// recordingStage wraps a stage and keeps the inputs it saw.
type recordingStage struct {
	inner  Stage
	mu     sync.Mutex
	inputs []StageInput
}

func (s *recordingStage) Run(ctx context.Context, in StageInput) (faq.Answer, error) {
	s.mu.Lock()
	s.inputs = append(s.inputs, in)
	s.mu.Unlock()
	return s.inner.Run(ctx, in)
}

func newSampleOrchestrator(t *testing.T, store SessionStore, gen llm.Generator) (*Orchestrator, *recordingStage) {
	t.Helper()
	index := knowledge.NewMemoryIndex(256)
	emb := knowledge.NewHashEmbedder(256)
	ing := ingest.New(index, emb, nil, ingest.Config{}, discardLogger())
	if _, err := ing.Documents(context.Background(), ingest.SampleFAQ()); err != nil {
		t.Fatalf("ingest sample: %v", err)
	}

	rcfg := DefaultResponderConfig()
	rcfg.GenerationTimeout = 200 * time.Millisecond
	primary := &recordingStage{inner: NewResponder(emb, index, gen, rcfg)}
	fallback := NewFallbackRetriever(emb, index, gen, nil, DefaultFallbackConfig(), discardLogger())
	return newTestOrchestrator(t, store, NewKeywordGrader(nil, nil), primary, fallback), primary
}

func TestAdmissionScenarioWithFollowUp(t *testing.T) {
	store := memory.NewInMemoryStore()
	o, primary := newSampleOrchestrator(t, store, llm.NewMockGenerator())
	ctx := context.Background()

	first, err := o.Handle(ctx, Query{Text: "What are the admission requirements?"})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if _, err := uuid.Parse(first.SessionID); err != nil {
		t.Fatalf("SessionID = %q, want a UUID", first.SessionID)
	}
	if !first.Confidence.Valid() || first.Confidence == faq.ConfidenceNone {
		t.Fatalf("Confidence = %q, want a grounded level", first.Confidence)
	}
	if first.Intent == nil || *first.Intent != "admissions" {
		t.Fatalf("Intent = %v, want admissions", first.Intent)
	}
	if len(first.Sources) == 0 || first.Sources[0] != "faq://admissions/requirements" {
		t.Fatalf("Sources = %v", first.Sources)
	}

	second, err := o.Handle(ctx, Query{Text: "What about the fees for that program?", SessionID: first.SessionID})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Fatalf("SessionID = %q, want %q", second.SessionID, first.SessionID)
	}
	last := primary.inputs[len(primary.inputs)-1]
	if len(last.History) != 1 || last.History[0].Query != "What are the admission requirements?" {
		t.Fatalf("follow-up history = %+v, want the prior interaction", last.History)
	}
	if !strings.Contains(second.Answer, "tuition") && !strings.Contains(second.Answer, "Tuition") {
		t.Fatalf("Answer = %q, want the tuition entry", second.Answer)
	}
}

func TestWeatherScenarioIsOutOfScope(t *testing.T) {
	o, _ := newSampleOrchestrator(t, memory.NewInMemoryStore(), llm.NewMockGenerator())
	env, err := o.Handle(context.Background(), Query{Text: "What is the weather today?"})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if env.Answer != faq.DefaultOutOfScopeAnswer || env.Confidence != faq.ConfidenceNone || len(env.Sources) != 0 {
		t.Fatalf("Handle() = %+v, want out-of-scope answer", env)
	}
}

func TestGenerationTimeoutPersistsNothing(t *testing.T) {
	store := memory.NewInMemoryStore()
	gen := &scriptedGenerator{text: highReply, delay: time.Second}
	o, _ := newSampleOrchestrator(t, store, gen)
	session := uuid.NewString()

	_, err := o.Handle(context.Background(), Query{Text: "What are the admission requirements?", SessionID: session})
	if !errors.Is(err, faq.ErrGenerationTimeout) {
		t.Fatalf("Handle() error = %v, want ErrGenerationTimeout", err)
	}
	if !faq.IsInfrastructure(err) {
		t.Fatalf("IsInfrastructure(%v) = false, want true", err)
	}
	n, _ := store.CountInteractions(context.Background(), session)
	if n != 0 {
		t.Fatalf("persisted interactions = %d, want 0", n)
	}
}

func TestCallerCancellationPersistsNothing(t *testing.T) {
	store := memory.NewInMemoryStore()
	gen := &scriptedGenerator{text: highReply, delay: time.Second}
	o, _ := newSampleOrchestrator(t, store, gen)
	session := uuid.NewString()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	defer cancel()

	_, err := o.Handle(ctx, Query{Text: "What are the admission requirements?", SessionID: session, UserID: "u-cancel"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Handle() error = %v, want context.Canceled", err)
	}
	if gen.Calls() == 0 {
		t.Fatalf("generator calls = 0, want cancellation during generation")
	}
	n, _ := store.CountInteractions(context.Background(), session)
	if n != 0 {
		t.Fatalf("persisted interactions = %d, want 0", n)
	}
	if _, err := store.UserStats(context.Background(), "u-cancel"); !errors.Is(err, faq.ErrNotFound) {
		t.Fatalf("UserStats() error = %v, want ErrNotFound", err)
	}
}

func TestIrrelevantAndStoreDownNeverShareAShape(t *testing.T) {
	grader := NewKeywordGrader(nil, nil)
	ok := newTestOrchestrator(t, memory.NewInMemoryStore(), grader, &fakeStage{}, &fakeStage{})
	env, err := ok.Handle(context.Background(), Query{Text: "What is the weather today?"})
	if err != nil || env.Confidence != faq.ConfidenceNone || env.SessionID == "" {
		t.Fatalf("irrelevant query = (%+v, %v), want a none envelope", env, err)
	}

	down := &failingStore{}
	broken := newTestOrchestrator(t, down, grader, &fakeStage{}, &fakeStage{})
	env, err = broken.Handle(context.Background(), Query{Text: "What is the weather today?"})
	if !errors.Is(err, faq.ErrPersistence) || !faq.IsInfrastructure(err) {
		t.Fatalf("store down error = %v, want ErrPersistence", err)
	}
	if env.SessionID != "" || env.Answer != "" || env.Sources != nil {
		t.Fatalf("store down envelope = %+v, want zero value", env)
	}
}

func TestPersistFailureSurfaces(t *testing.T) {
	store := &appendFailingStore{InMemoryStore: memory.NewInMemoryStore()}
	o := newTestOrchestrator(t, store, NewKeywordGrader(nil, nil), &fakeStage{answer: answerWith(faq.ConfidenceHigh)}, &fakeStage{})
	_, err := o.Handle(context.Background(), Query{Text: "tuition fees"})
	if !errors.Is(err, faq.ErrPersistence) {
		t.Fatalf("Handle() error = %v, want ErrPersistence", err)
	}
}

func TestValidationHappensBeforeTheMachine(t *testing.T) {
	store := &failingStore{}
	grader := &countingGrader{inner: NewKeywordGrader(nil, nil)}
	o := newTestOrchestrator(t, store, grader, &fakeStage{}, &fakeStage{})

	for _, q := range []Query{
		{Text: "   "},
		{Text: "<b></b>"},
		{Text: strings.Repeat("a", 501)},
		{Text: "fees", SessionID: "not-a-uuid"},
	} {
		_, err := o.Handle(context.Background(), q)
		if !errors.Is(err, faq.ErrValidation) {
			t.Fatalf("Handle(%+v) error = %v, want ErrValidation", q, err)
		}
		if faq.IsInfrastructure(err) {
			t.Fatalf("IsInfrastructure(%v) = true, want false", err)
		}
	}
	if grader.calls != 0 || store.appends != 0 {
		t.Fatalf("invalid input reached the machine: grader=%d appends=%d", grader.calls, store.appends)
	}
}

func TestHandleRecordsMetrics(t *testing.T) {
	metrics := observability.NewMetrics("faqflow_test_orchestrator")
	o, err := NewOrchestrator(memory.NewInMemoryStore(), NewKeywordGrader(nil, nil),
		&fakeStage{answer: answerWith(faq.ConfidenceHigh)}, &fakeStage{}, DefaultConfig(),
		Options{Metrics: metrics, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("NewOrchestrator() error = %v", err)
	}
	if _, err := o.Handle(context.Background(), Query{Text: "tuition fees"}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	seen := map[string]bool{}
	for _, s := range metrics.SnapshotStages().Stages {
		seen[s.Stage] = s.Samples > 0
	}
	for _, stage := range []string{"history", "grading", "responding", "persist", "total"} {
		if !seen[stage] {
			t.Fatalf("stage %q not observed; snapshot = %+v", stage, metrics.SnapshotStages())
		}
	}
}

func TestCanTransition(t *testing.T) {
	if !canTransition(StateResponding, StateFallingBack) || !canTransition(StateGrading, StateRejected) {
		t.Fatalf("expected edges missing")
	}
	if canTransition(StateRejected, StateResponding) || canTransition(StateFallingBack, StateFallingBack) {
		t.Fatalf("unexpected edge allowed")
	}
}

type countingGrader struct {
	inner Grader
	calls int
}

func (g *countingGrader) Grade(ctx context.Context, query string, history []faq.Interaction) (Grade, error) {
	g.calls++
	return g.inner.Grade(ctx, query, history)
}

type appendFailingStore struct {
	*memory.InMemoryStore
}

func (s *appendFailingStore) AppendInteraction(context.Context, string, string, faq.Interaction) (faq.Interaction, error) {
	return faq.Interaction{}, fmt.Errorf("%w: insert interaction: disk full", faq.ErrPersistence)
}
