package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ent0n29/faqflow/internal/reliability"
)

func TestMemoryIndexSearchOrdersAndFilters(t *testing.T) {
	idx := NewMemoryIndex(2)
	err := idx.Upsert(context.Background(), []Chunk{
		{ID: "b", Source: "fees.html", Content: "fees", Embedding: []float32{1, 0}},
		{ID: "a", Source: "fees.html", Content: "fees again", Embedding: []float32{1, 0}},
		{ID: "c", Source: "deadlines.html", Content: "deadlines", Embedding: []float32{0.6, 0.8}},
		{ID: "d", Source: "weather.html", Content: "weather", Embedding: []float32{0, 1}},
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := idx.Search(context.Background(), []float32{1, 0}, 3, 0.5)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	wantIDs := []string{"a", "b", "c"}
	if len(got) != len(wantIDs) {
		t.Fatalf("len(Search()) = %d, want %d", len(got), len(wantIDs))
	}
	for i, id := range wantIDs {
		if got[i].ID != id {
			t.Fatalf("Search()[%d].ID = %q, want %q", i, got[i].ID, id)
		}
	}

	strict, err := idx.Search(context.Background(), []float32{1, 0}, 10, 0.7)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(strict) != 2 {
		t.Fatalf("len(Search(min=0.7)) = %d, want 2", len(strict))
	}

	if srcs := Sources(got); len(srcs) != 2 || srcs[0] != "fees.html" || srcs[1] != "deadlines.html" {
		t.Fatalf("Sources() = %v", srcs)
	}
}

func TestMemoryIndexRejectsWrongDimension(t *testing.T) {
	idx := NewMemoryIndex(3)
	if err := idx.Upsert(context.Background(), []Chunk{{ID: "x", Embedding: []float32{1}}}); err == nil {
		t.Fatalf("Upsert() error = nil, want dimension error")
	}
}

func TestHashEmbedderIsDeterministicAndTopical(t *testing.T) {
	e := NewHashEmbedder(512)
	vecs, err := e.Embed(context.Background(), []string{
		"What are the tuition fees?",
		"Tuition fee payment schedule",
		"Best pizza recipes",
		"What are the tuition fees?",
	})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if cosine(vecs[0], vecs[3]) < 0.999 {
		t.Fatalf("identical inputs produced different vectors")
	}
	related := cosine(vecs[0], vecs[1])
	unrelated := cosine(vecs[0], vecs[2])
	if related <= unrelated {
		t.Fatalf("cosine(related) = %.3f, want > cosine(unrelated) = %.3f", related, unrelated)
	}
}

func TestKeywordsAndStem(t *testing.T) {
	got := Keywords("What are the Admission requirements for the program?")
	want := []string{"admission", "requirements", "program"}
	if len(got) != len(want) {
		t.Fatalf("Keywords() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Keywords()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	cases := map[string]string{
		"fees":         "fee",
		"deadlines":    "deadline",
		"requirements": "require",
		"policies":     "policy",
		"class":        "class",
	}
	for in, want := range cases {
		if got := Stem(in); got != want {
			t.Fatalf("Stem(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestHTTPEmbedder(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer k" {
			t.Errorf("Authorization = %q, want Bearer k", got)
		}
		var req embeddingRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		resp := map[string]any{"data": []map[string]any{
			{"index": 1, "embedding": []float32{0, 1}},
			{"index": 0, "embedding": []float32{1, 0}},
		}}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer ts.Close()

	e := NewHTTPEmbedder(ts.URL, "k", "text-embedding-3-small", 2)
	vecs, err := e.Embed(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Fatalf("Embed() = %v, want index-ordered vectors", vecs)
	}
}

func TestHTTPEmbedderStatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	_, err := NewHTTPEmbedder(ts.URL, "", "m", 2).Embed(context.Background(), []string{"a"})
	var statusErr *reliability.StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusServiceUnavailable {
		t.Fatalf("Embed() error = %v, want StatusError 503", err)
	}
	if !reliability.IsRetryable(err) {
		t.Fatalf("IsRetryable(503) = false, want true")
	}
}

func TestVectorLiteral(t *testing.T) {
	if got := vectorLiteral([]float32{0.5, -1, 0}); got != "[0.5,-1,0]" {
		t.Fatalf("vectorLiteral() = %q", got)
	}
}

func TestNewEmbedderAutoPicksHash(t *testing.T) {
	e, err := NewEmbedder(EmbedderConfig{Mode: "auto", Dimension: 64})
	if err != nil {
		t.Fatalf("NewEmbedder() error = %v", err)
	}
	if _, ok := e.(*HashEmbedder); !ok {
		t.Fatalf("NewEmbedder(auto) = %T, want *HashEmbedder", e)
	}
	if _, err := NewEmbedder(EmbedderConfig{Mode: "openai"}); err == nil {
		t.Fatalf("NewEmbedder(openai without url) error = nil")
	}
}
