package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mosaic0/mosaic/internal/archetype"
	"github.com/mosaic0/mosaic/internal/generation"
	"github.com/mosaic0/mosaic/internal/knowledge"
	"github.com/mosaic0/mosaic/internal/log"
)

// mockRetriever records calls and returns configured hits or an error.
type mockRetriever struct {
	hits      []knowledge.Hit
	err       error
	calls     int
	lastScope string
	lastTopK  int
}

func (m *mockRetriever) Search(_ context.Context, scope, _ string, topK int) ([]knowledge.Hit, error) {
	m.calls++
	m.lastScope = scope
	m.lastTopK = topK
	if m.err != nil {
		return nil, m.err
	}
	return m.hits, nil
}

// mockGenerator records the last request and returns a configured result.
type mockGenerator struct {
	result  *generation.Result
	err     error
	panicV  any
	calls   int
	lastReq generation.Request
}

func (m *mockGenerator) Generate(_ context.Context, req generation.Request) (*generation.Result, error) {
	m.calls++
	m.lastReq = req
	if m.panicV != nil {
		panic(m.panicV)
	}
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

func testConfig() archetype.Config {
	return archetype.Config{
		Archetype:       archetype.HRAssistant,
		Model:           "gemini-2.5-flash",
		Temperature:     0.3,
		TopK:            5,
		SystemPrompt:    "You are an HR assistant.",
		CollectionScope: "tenant_7_agent_12",
		Timeout:         30 * time.Second,
	}
}

func TestExecute_Success(t *testing.T) {
	retriever := &mockRetriever{hits: []knowledge.Hit{
		{Text: "vacation policy", Score: 0.91},
		{Text: "pto accrual", Score: 0.77},
		{Text: "carryover rules", Score: 0.52},
	}}
	gen := &mockGenerator{result: &generation.Result{
		Text:      "  You accrue 1.5 days per month.  ",
		Model:     "gemini-2.5-flash",
		TokensIn:  42,
		TokensOut: 17,
		Latency:   120 * time.Millisecond,
	}}

	p := New(testConfig(), retriever, gen, log.NewNop())
	res := p.Execute(context.Background(), "how much pto do I accrue?", nil)

	if !res.Success || res.Err != nil {
		t.Fatalf("Execute() success = %v, err = %v", res.Success, res.Err)
	}
	if res.Response != "You accrue 1.5 days per month." {
		t.Errorf("Response = %q, want trimmed model output", res.Response)
	}
	if res.ContextUsed != 3 {
		t.Errorf("ContextUsed = %d, want 3", res.ContextUsed)
	}
	if res.TokensIn != 42 || res.TokensOut != 17 {
		t.Errorf("tokens = %d/%d, want 42/17", res.TokensIn, res.TokensOut)
	}

	if got := res.Metadata[MetaRetrievalResults]; got != 3 {
		t.Errorf("metadata[%s] = %v, want 3", MetaRetrievalResults, got)
	}
	scores, ok := res.Metadata[MetaTopScores].([]float32)
	if !ok || len(scores) != 3 {
		t.Fatalf("metadata[%s] = %v, want 3 scores", MetaTopScores, res.Metadata[MetaTopScores])
	}
	want := []float32{0.91, 0.77, 0.52}
	for i, s := range scores {
		if s != want[i] {
			t.Errorf("topScores[%d] = %v, want %v", i, s, want[i])
		}
	}
	if got := res.Metadata[MetaPostprocessed]; got != true {
		t.Errorf("metadata[%s] = %v, want true", MetaPostprocessed, got)
	}
	if got := res.Metadata[MetaModel]; got != "gemini-2.5-flash" {
		t.Errorf("metadata[%s] = %v", MetaModel, got)
	}

	if retriever.lastScope != "tenant_7_agent_12" {
		t.Errorf("search used scope %q", retriever.lastScope)
	}
	if retriever.lastTopK != 5 {
		t.Errorf("search used topK %d, want 5", retriever.lastTopK)
	}

	// Prompt is built from the joined context plus the query.
	if !strings.Contains(gen.lastReq.Prompt, "vacation policy\n\npto accrual") {
		t.Errorf("prompt missing joined context: %q", gen.lastReq.Prompt)
	}
	if !strings.Contains(gen.lastReq.Prompt, "Question: how much pto do I accrue?") {
		t.Errorf("prompt missing question: %q", gen.lastReq.Prompt)
	}
}

func TestExecute_TopScoresCappedAtThree(t *testing.T) {
	retriever := &mockRetriever{hits: []knowledge.Hit{
		{Text: "a", Score: 0.9}, {Text: "b", Score: 0.8}, {Text: "c", Score: 0.7},
		{Text: "d", Score: 0.6}, {Text: "e", Score: 0.5},
	}}
	gen := &mockGenerator{result: &generation.Result{Text: "ok"}}

	res := New(testConfig(), retriever, gen, log.NewNop()).
		Execute(context.Background(), "q", nil)

	scores := res.Metadata[MetaTopScores].([]float32)
	if len(scores) != 3 {
		t.Errorf("topScores has %d entries, want 3", len(scores))
	}
	if res.ContextUsed != 5 {
		t.Errorf("ContextUsed = %d, want 5", res.ContextUsed)
	}
}

func TestExecute_EmptyRetrievalUsesSentinel(t *testing.T) {
	retriever := &mockRetriever{} // no hits
	gen := &mockGenerator{result: &generation.Result{Text: "answer"}}

	res := New(testConfig(), retriever, gen, log.NewNop()).
		Execute(context.Background(), "anything?", nil)

	if !res.Success {
		t.Fatalf("Execute() failed: %v", res.Err)
	}
	if gen.calls != 1 {
		t.Fatal("generator was not invoked")
	}
	if !strings.Contains(gen.lastReq.Prompt, NoContextSentinel) {
		t.Errorf("prompt missing no-context sentinel: %q", gen.lastReq.Prompt)
	}
	if got := res.Metadata[MetaPostprocessed]; got != true {
		t.Error("postprocessed flag not set on success with empty context")
	}
}

func TestExecute_MissingScopeSkipsRetrieval(t *testing.T) {
	cfg := testConfig()
	cfg.CollectionScope = ""
	retriever := &mockRetriever{}
	gen := &mockGenerator{result: &generation.Result{Text: "answer"}}

	res := New(cfg, retriever, gen, log.NewNop()).
		Execute(context.Background(), "q", nil)

	if retriever.calls != 0 {
		t.Error("retriever called despite missing scope")
	}
	if !res.Success {
		t.Errorf("missing scope must not be an error, got %v", res.Err)
	}
	if !strings.Contains(gen.lastReq.Prompt, NoContextSentinel) {
		t.Error("expected no-context generation")
	}
}

func TestExecute_RetrievalErrorShortCircuits(t *testing.T) {
	retriever := &mockRetriever{err: errors.New("vector store down")}
	gen := &mockGenerator{result: &generation.Result{Text: "should not run"}}

	res := New(testConfig(), retriever, gen, log.NewNop()).
		Execute(context.Background(), "q", nil)

	if res.Success {
		t.Fatal("expected failure")
	}
	if !errors.Is(res.Err, ErrRetrieval) {
		t.Errorf("Err = %v, want ErrRetrieval", res.Err)
	}
	if gen.calls != 0 {
		t.Error("generate ran after retrieval failure")
	}
	if res.Response != "" {
		t.Errorf("Response = %q, want unchanged empty", res.Response)
	}
	if _, set := res.Metadata[MetaPostprocessed]; set {
		t.Error("postprocessed flag set on failed execution")
	}
}

func TestExecute_GenerationErrorKeepsContext(t *testing.T) {
	retriever := &mockRetriever{hits: []knowledge.Hit{{Text: "chunk", Score: 0.8}}}
	gen := &mockGenerator{err: errors.New("model overloaded")}

	res := New(testConfig(), retriever, gen, log.NewNop()).
		Execute(context.Background(), "q", nil)

	if res.Success {
		t.Fatal("expected failure")
	}
	if !errors.Is(res.Err, ErrGeneration) {
		t.Errorf("Err = %v, want ErrGeneration", res.Err)
	}
	if res.ContextUsed != 1 {
		t.Errorf("ContextUsed = %d, want retrieved context kept", res.ContextUsed)
	}
	if res.Response != "" {
		t.Errorf("Response = %q, want unchanged from point of failure", res.Response)
	}
}

func TestExecute_PanicIsContained(t *testing.T) {
	retriever := &mockRetriever{}
	gen := &mockGenerator{panicV: "nil pointer somewhere"}

	res := New(testConfig(), retriever, gen, log.NewNop()).
		Execute(context.Background(), "q", nil)

	if res == nil {
		t.Fatal("Execute() returned nil after panic")
	}
	if res.Success {
		t.Fatal("expected failure after panic")
	}
	if !errors.Is(res.Err, ErrGeneration) {
		t.Errorf("Err = %v, want ErrGeneration", res.Err)
	}
}

func TestExecute_PriorMetadataCopied(t *testing.T) {
	prior := map[string]any{"request_id": "abc-123"}
	gen := &mockGenerator{result: &generation.Result{Text: "ok"}}

	res := New(testConfig(), &mockRetriever{}, gen, log.NewNop()).
		Execute(context.Background(), "q", prior)

	if res.Metadata["request_id"] != "abc-123" {
		t.Error("prior metadata not carried into result")
	}
	if _, leaked := prior[MetaPostprocessed]; leaked {
		t.Error("pipeline mutated the caller's metadata map")
	}
}

func TestExecute_MeasuresWallClock(t *testing.T) {
	gen := &mockGenerator{result: &generation.Result{Text: "ok"}}
	slow := &slowRetriever{delay: 20 * time.Millisecond}

	res := New(testConfig(), slow, gen, log.NewNop()).
		Execute(context.Background(), "q", nil)

	if res.ExecutionTime < slow.delay {
		t.Errorf("ExecutionTime = %s, want at least %s", res.ExecutionTime, slow.delay)
	}
}

type slowRetriever struct{ delay time.Duration }

func (s *slowRetriever) Search(ctx context.Context, _, _ string, _ int) ([]knowledge.Hit, error) {
	select {
	case <-time.After(s.delay):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
