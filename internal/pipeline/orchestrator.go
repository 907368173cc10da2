// Package pipeline resolves FAQ queries through a fixed state machine:
// grading, primary retrieval-grounded answering and an optional broader
// fallback. Each resolved query is persisted exactly once.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/faqflow/internal/faq"
	"github.com/ent0n29/faqflow/internal/observability"
	"github.com/ent0n29/faqflow/internal/policy"
)

// SessionStore is the part of the session store the orchestrator uses.
type SessionStore interface {
	History(ctx context.Context, sessionID string, limit int) ([]faq.Interaction, error)
	AppendInteraction(ctx context.Context, sessionID, userID string, in faq.Interaction) (faq.Interaction, error)
}

type Config struct {
	HistoryWindow     int
	FallbackThreshold faq.Confidence
	StoreTimeout      time.Duration
	OutOfScopeAnswer  string
}

func DefaultConfig() Config {
	return Config{
		HistoryWindow:     5,
		FallbackThreshold: faq.ConfidenceMedium,
		StoreTimeout:      5 * time.Second,
		OutOfScopeAnswer:  faq.DefaultOutOfScopeAnswer,
	}
}

// Query is one incoming question. SessionID and UserID are optional.
type Query struct {
	Text      string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

type Options struct {
	Metrics   *observability.Metrics
	Telemetry *observability.Telemetry
	Logger    *slog.Logger
}

type Orchestrator struct {
	store    SessionStore
	grader   Grader
	primary  Stage
	fallback Stage
	cfg      Config

	metrics   *observability.Metrics
	tracer    trace.Tracer
	queries   metric.Int64Counter
	durations metric.Float64Histogram
	logger    *slog.Logger
	newID     func() string
}

func NewOrchestrator(store SessionStore, grader Grader, primary, fallback Stage, cfg Config, opts Options) (*Orchestrator, error) {
	if store == nil || grader == nil || primary == nil || fallback == nil {
		return nil, errors.New("pipeline: store, grader, primary and fallback stages are required")
	}
	def := DefaultConfig()
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = def.HistoryWindow
	}
	if !cfg.FallbackThreshold.Valid() {
		cfg.FallbackThreshold = def.FallbackThreshold
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if strings.TrimSpace(cfg.OutOfScopeAnswer) == "" {
		cfg.OutOfScopeAnswer = def.OutOfScopeAnswer
	}

	tel := opts.Telemetry
	if tel == nil {
		tel = observability.NoopTelemetry()
	}
	queries, err := tel.Meter.Int64Counter("faqflow.queries",
		metric.WithDescription("Resolved queries by path and confidence."))
	if err != nil {
		return nil, fmt.Errorf("create query counter: %w", err)
	}
	durations, err := tel.Meter.Float64Histogram("faqflow.query.duration",
		metric.WithDescription("End-to-end query resolution time."),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		store:     store,
		grader:    grader,
		primary:   primary,
		fallback:  fallback,
		cfg:       cfg,
		metrics:   opts.Metrics,
		tracer:    tel.Tracer,
		queries:   queries,
		durations: durations,
		logger:    logger,
		newID:     uuid.NewString,
	}, nil
}

// turn accumulates what the states produce for one query.
type turn struct {
	query     string
	sessionID string
	history   []faq.Interaction
	grade     Grade
	answer    faq.Answer
	primary   faq.Confidence
	path      Path
	timings   map[string]float64
}

// Handle validates q, runs the state machine and persists the outcome.
// Content-level failures to answer return a confidence none envelope;
// infrastructure failures return an error and persist nothing.
func (o *Orchestrator) Handle(ctx context.Context, q Query) (faq.Envelope, error) {
	started := time.Now()

	text, err := policy.ValidateQuery(q.Text)
	if err != nil {
		o.metrics.ObserveStageError(string(StateReceived), "validation")
		return faq.Envelope{}, err
	}
	sessionID := strings.TrimSpace(q.SessionID)
	if sessionID == "" {
		sessionID = o.newID()
	} else if err := policy.ValidateSessionID(sessionID); err != nil {
		o.metrics.ObserveStageError(string(StateReceived), "validation")
		return faq.Envelope{}, err
	}
	userID, err := policy.ValidateUserID(q.UserID)
	if err != nil {
		o.metrics.ObserveStageError(string(StateReceived), "validation")
		return faq.Envelope{}, err
	}

	ctx, span := o.tracer.Start(ctx, "faq.query", trace.WithAttributes(
		attribute.String("faq.session_id", sessionID),
		attribute.Bool("faq.has_user", userID != ""),
	))
	defer span.End()

	t := &turn{query: text, sessionID: sessionID, timings: make(map[string]float64)}

	err = o.timed(ctx, t, "history", func(ctx context.Context) error {
		storeCtx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
		defer cancel()
		var err error
		t.history, err = o.store.History(storeCtx, sessionID, o.cfg.HistoryWindow)
		return err
	})
	if err != nil {
		return faq.Envelope{}, o.fail(span, t, err)
	}

	state := StateReceived
	for state != StateDone {
		out, err := o.step(ctx, state, t)
		if err != nil {
			return faq.Envelope{}, o.fail(span, t, err)
		}
		if !canTransition(state, out.next) {
			return faq.Envelope{}, o.fail(span, t, fmt.Errorf("pipeline: invalid transition %s -> %s", state, out.next))
		}
		if out.grade != nil {
			t.grade = *out.grade
		}
		if out.answer != nil {
			t.answer = *out.answer
		}
		if out.path != "" {
			t.path = out.path
		}
		span.AddEvent("transition", trace.WithAttributes(
			attribute.String("faq.from", string(state)),
			attribute.String("faq.to", string(out.next)),
		))
		state = out.next
	}

	var saved faq.Interaction
	err = o.timed(ctx, t, "persist", func(ctx context.Context) error {
		storeCtx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
		defer cancel()
		var err error
		saved, err = o.store.AppendInteraction(storeCtx, sessionID, userID, faq.Interaction{
			Query:      text,
			Response:   t.answer.Text,
			Confidence: t.answer.Confidence,
			Intent:     t.answer.Intent,
			Metadata:   o.metadata(t),
		})
		return err
	})
	if err != nil {
		o.metrics.ObservePersistError()
		return faq.Envelope{}, o.fail(span, t, err)
	}

	elapsed := time.Since(started)
	o.metrics.ObserveStage("total", elapsed)
	o.metrics.ObserveQuery(string(t.path), string(t.answer.Confidence))
	attrs := metric.WithAttributes(
		attribute.String("path", string(t.path)),
		attribute.String("confidence", string(t.answer.Confidence)),
	)
	o.queries.Add(ctx, 1, attrs)
	o.durations.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	span.SetAttributes(
		attribute.String("faq.path", string(t.path)),
		attribute.String("faq.confidence", string(t.answer.Confidence)),
	)
	o.logger.Info("query resolved",
		"session_id", sessionID,
		"path", t.path,
		"confidence", t.answer.Confidence,
		"duration_ms", elapsed.Milliseconds(),
		"query", policy.LogSafe(text, 120),
	)

	sources := t.answer.Sources
	if sources == nil {
		sources = []string{}
	}
	return faq.Envelope{
		Answer:     t.answer.Text,
		Confidence: t.answer.Confidence,
		Sources:    sources,
		SessionID:  sessionID,
		Timestamp:  saved.CreatedAt,
		Intent:     t.answer.Intent,
	}, nil
}

// step runs the work of one state and names the next.
func (o *Orchestrator) step(ctx context.Context, state State, t *turn) (stageOutcome, error) {
	switch state {
	case StateReceived:
		return stageOutcome{next: StateGrading}, nil

	case StateGrading:
		var grade Grade
		err := o.timed(ctx, t, string(StateGrading), func(ctx context.Context) error {
			var err error
			grade, err = o.grader.Grade(ctx, t.query, t.history)
			return err
		})
		if err != nil {
			return stageOutcome{}, err
		}
		if strings.TrimSpace(grade.Rewritten) == "" {
			grade.Rewritten = t.query
		}
		next := StateResponding
		if !grade.Relevant {
			next = StateRejected
		}
		return stageOutcome{next: next, grade: &grade}, nil

	case StateRejected:
		ans := faq.OutOfKnowledge(o.cfg.OutOfScopeAnswer)
		ans.Intent = t.grade.Intent
		return stageOutcome{next: StateDone, answer: &ans, path: PathRejected}, nil

	case StateResponding:
		var ans faq.Answer
		err := o.timed(ctx, t, string(StateResponding), func(ctx context.Context) error {
			var err error
			ans, err = o.primary.Run(ctx, o.stageInput(t))
			return err
		})
		if err != nil {
			return stageOutcome{}, err
		}
		t.primary = ans.Confidence
		if ans.Confidence.Less(o.cfg.FallbackThreshold) {
			return stageOutcome{next: StateFallingBack, answer: &ans}, nil
		}
		return stageOutcome{next: StateDone, answer: &ans, path: PathPrimary}, nil

	case StateFallingBack:
		var ans faq.Answer
		err := o.timed(ctx, t, string(StateFallingBack), func(ctx context.Context) error {
			var err error
			ans, err = o.fallback.Run(ctx, o.stageInput(t))
			return err
		})
		if err != nil {
			return stageOutcome{}, err
		}
		source, _ := ans.Metadata["fallback_source"].(string)
		if source == "" {
			source = SourceNone
		}
		o.metrics.ObserveFallback(source)
		return stageOutcome{next: StateDone, answer: &ans, path: PathFallback}, nil

	default:
		return stageOutcome{}, fmt.Errorf("pipeline: no handler for state %s", state)
	}
}

func (o *Orchestrator) stageInput(t *turn) StageInput {
	return StageInput{
		Query:    t.grade.Rewritten,
		History:  t.history,
		Intent:   t.grade.Intent,
		Keywords: t.grade.Keywords,
	}
}

// timed runs fn in a child span and records its latency under name.
func (o *Orchestrator) timed(ctx context.Context, t *turn, name string, fn func(context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, "pipeline."+name)
	defer span.End()

	started := time.Now()
	err := fn(ctx)
	d := time.Since(started)
	t.timings[name] = float64(d.Microseconds()) / 1000
	o.metrics.ObserveStage(name, d)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.metrics.ObserveStageError(name, ErrorClass(err))
	}
	return err
}

func (o *Orchestrator) fail(span trace.Span, t *turn, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	o.logger.Error("query failed",
		"session_id", t.sessionID,
		"class", ErrorClass(err),
		"error", err,
		"query", policy.LogSafe(t.query, 120),
	)
	return err
}

func (o *Orchestrator) metadata(t *turn) map[string]any {
	meta := make(map[string]any, len(t.answer.Metadata)+6)
	for k, v := range t.answer.Metadata {
		meta[k] = v
	}
	keywords := t.grade.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	sources := t.answer.Sources
	if sources == nil {
		sources = []string{}
	}
	meta["path"] = string(t.path)
	meta["keywords"] = keywords
	meta["sources"] = sources
	meta["timings_ms"] = maps.Clone(t.timings)
	if t.grade.Rewritten != "" && t.grade.Rewritten != t.query {
		meta["rewritten_query"] = t.grade.Rewritten
	}
	if t.path == PathFallback {
		meta["primary_confidence"] = string(t.primary)
	}
	return meta
}

// ErrorClass labels err for metrics and logs.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, faq.ErrValidation):
		return "validation"
	case errors.Is(err, faq.ErrNotFound):
		return "not_found"
	case errors.Is(err, faq.ErrRetrievalTimeout):
		return "retrieval_timeout"
	case errors.Is(err, faq.ErrGenerationTimeout):
		return "generation_timeout"
	case errors.Is(err, faq.ErrPersistence):
		return "persistence"
	case errors.Is(err, faq.ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	default:
		return "internal"
	}
}
