// Command faqreplay replays FAQ queries against a running server over HTTP
// or WebSocket and reports per-query latency.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/faqflow/internal/protocol"
)

type options struct {
	baseURL      string
	mode         string
	userID       string
	turns        int
	interTurn    time.Duration
	queryTimeout time.Duration
	queries      []string
	newSessions  bool
	verbose      bool
}

type queryRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

type queryReply struct {
	Type       string `json:"type,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	Answer     string `json:"answer"`
	Confidence string `json:"confidence"`
	SessionID  string `json:"session_id"`
	Code       string `json:"code,omitempty"`
	Error      string `json:"error,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

type sample struct {
	Query      string
	Confidence string
	Latency    time.Duration
	Err        error
}

var defaultQueries = []string{
	"What are the admission requirements?",
	"What about the fees for that program?",
	"When is the application deadline?",
	"Is there a payment plan for tuition?",
	"What is the weather today?",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "faqreplay: %v\n", err)
		os.Exit(2)
	}
	samples, err := run(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "faqreplay: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(summarize(samples))
	for _, s := range samples {
		if s.Err != nil {
			os.Exit(1)
		}
	}
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("faqreplay", flag.ContinueOnError)
	var cfg options
	var queriesRaw string
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "faqflow base URL")
	fs.StringVar(&cfg.mode, "mode", "http", "transport: http or ws")
	fs.StringVar(&cfg.userID, "user-id", "faq-replay", "user_id sent with every query")
	fs.IntVar(&cfg.turns, "turns", len(defaultQueries), "number of queries to send")
	fs.DurationVar(&cfg.interTurn, "inter-turn", 0, "delay between queries")
	fs.DurationVar(&cfg.queryTimeout, "query-timeout", 45*time.Second, "timeout per query")
	fs.StringVar(&queriesRaw, "queries", "", "queries separated by '|' (optional)")
	fs.BoolVar(&cfg.newSessions, "new-sessions", false, "start a fresh session for every query")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print one line per query")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	cfg.mode = strings.ToLower(strings.TrimSpace(cfg.mode))
	if cfg.mode != "http" && cfg.mode != "ws" {
		return options{}, fmt.Errorf("mode must be http or ws")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.queryTimeout <= 0 {
		return options{}, fmt.Errorf("query-timeout must be > 0")
	}
	cfg.queries = splitQueries(queriesRaw)
	if len(cfg.queries) == 0 {
		cfg.queries = defaultQueries
	}
	return cfg, nil
}

func splitQueries(raw string) []string {
	var out []string
	for _, q := range strings.Split(raw, "|") {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	return out
}

func run(cfg options) ([]sample, error) {
	if cfg.mode == "ws" {
		return runWS(cfg)
	}
	return runHTTP(cfg)
}

func runHTTP(cfg options) ([]sample, error) {
	client := &http.Client{Timeout: cfg.queryTimeout}
	samples := make([]sample, 0, cfg.turns)
	sessionID := ""
	for i := 0; i < cfg.turns; i++ {
		q := cfg.queries[i%len(cfg.queries)]
		if cfg.newSessions {
			sessionID = ""
		}
		started := time.Now()
		reply, err := postQuery(client, cfg.baseURL, queryRequest{Query: q, SessionID: sessionID, UserID: cfg.userID})
		s := sample{Query: q, Latency: time.Since(started), Err: err, Confidence: reply.Confidence}
		if err == nil {
			sessionID = reply.SessionID
		}
		samples = append(samples, s)
		report(cfg, i, s)
		if cfg.interTurn > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurn)
		}
	}
	return samples, nil
}

func postQuery(client *http.Client, baseURL string, req queryRequest) (queryReply, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return queryReply{}, err
	}
	res, err := client.Post(baseURL+"/v1/faq/query", "application/json", bytes.NewReader(body))
	if err != nil {
		return queryReply{}, err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return queryReply{}, err
	}
	var reply queryReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return queryReply{}, fmt.Errorf("decode reply (status %d): %w", res.StatusCode, err)
	}
	if res.StatusCode != http.StatusOK {
		return reply, fmt.Errorf("status %d: %s: %s", res.StatusCode, reply.Code, reply.Error)
	}
	return reply, nil
}

func runWS(cfg options) ([]sample, error) {
	wsURL, err := wsURLFor(cfg.baseURL)
	if err != nil {
		return nil, fmt.Errorf("build ws URL: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.turns+1)*cfg.queryTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	var ready queryReply
	_ = conn.SetReadDeadline(time.Now().Add(cfg.queryTimeout))
	if err := conn.ReadJSON(&ready); err != nil {
		return nil, fmt.Errorf("await ready: %w", err)
	}

	samples := make([]sample, 0, cfg.turns)
	sessionID := ""
	for i := 0; i < cfg.turns; i++ {
		q := cfg.queries[i%len(cfg.queries)]
		if cfg.newSessions {
			sessionID = ""
		}
		requestID := fmt.Sprintf("replay-%d", i+1)
		started := time.Now()
		err := conn.WriteJSON(protocol.FAQQuery{
			Type:      protocol.TypeFAQQuery,
			RequestID: requestID,
			Query:     q,
			SessionID: sessionID,
			UserID:    cfg.userID,
		})
		if err != nil {
			return samples, fmt.Errorf("query %d send: %w", i+1, err)
		}
		reply, err := awaitReply(conn, requestID, cfg.queryTimeout)
		s := sample{Query: q, Latency: time.Since(started), Err: err, Confidence: reply.Confidence}
		if err == nil {
			sessionID = reply.SessionID
		}
		samples = append(samples, s)
		report(cfg, i, s)
		if cfg.interTurn > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurn)
		}
	}
	return samples, nil
}

func awaitReply(conn *websocket.Conn, requestID string, timeout time.Duration) (queryReply, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		var reply queryReply
		if err := conn.ReadJSON(&reply); err != nil {
			return queryReply{}, err
		}
		if reply.RequestID != requestID {
			continue
		}
		switch protocol.MessageType(reply.Type) {
		case protocol.TypeFAQAnswer:
			return reply, nil
		case protocol.TypeErrorEvent:
			return reply, fmt.Errorf("error_event %s: %s", reply.Code, reply.Detail)
		}
	}
}

func wsURLFor(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/faq/ws"
	return u.String(), nil
}

func report(cfg options, i int, s sample) {
	if !cfg.verbose {
		return
	}
	if s.Err != nil {
		fmt.Fprintf(os.Stderr, "faqreplay: %d/%d %q failed after %s: %v\n", i+1, cfg.turns, s.Query, s.Latency.Round(time.Millisecond), s.Err)
		return
	}
	fmt.Printf("faqreplay: %d/%d %q confidence=%s latency=%s\n", i+1, cfg.turns, s.Query, s.Confidence, s.Latency.Round(time.Millisecond))
}

// summarize renders counts and latency percentiles of the successful samples.
func summarize(samples []sample) string {
	var ok []float64
	confidences := map[string]int{}
	failed := 0
	for _, s := range samples {
		if s.Err != nil {
			failed++
			continue
		}
		ok = append(ok, float64(s.Latency.Microseconds())/1000)
		confidences[s.Confidence]++
	}
	slices.Sort(ok)

	var b strings.Builder
	fmt.Fprintf(&b, "faqreplay: queries=%d ok=%d failed=%d", len(samples), len(ok), failed)
	if len(ok) > 0 {
		fmt.Fprintf(&b, " p50_ms=%.1f p95_ms=%.1f max_ms=%.1f", percentile(ok, 0.50), percentile(ok, 0.95), ok[len(ok)-1])
	}
	for _, level := range []string{"high", "medium", "low", "none"} {
		if n := confidences[level]; n > 0 {
			fmt.Fprintf(&b, " %s=%d", level, n)
		}
	}
	return b.String()
}

// percentile uses nearest-rank on sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	rank = max(0, min(rank, len(sorted)-1))
	return sorted[rank]
}
