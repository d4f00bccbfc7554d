package stages

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/planforge/planforge/llm"
	"github.com/planforge/planforge/project"
	"github.com/planforge/planforge/ratelimit"
)

// memStore is an in-memory project store for runner tests.
type memStore struct {
	proj     *project.Project
	outputs  map[int]string
	statuses map[int]project.StageStatus
}

func newMemStore() *memStore {
	return &memStore{
		proj:     &project.Project{ID: "p1", Name: "Orchard", Description: "farm inventory"},
		outputs:  make(map[int]string),
		statuses: make(map[int]project.StageStatus),
	}
}

func (m *memStore) GetProject(ctx context.Context, id string) (*project.Project, error) {
	if id != m.proj.ID {
		return nil, project.ErrNotFound
	}
	return m.proj, nil
}

func (m *memStore) GetStageOutput(ctx context.Context, projectID string, stageID int) (string, bool, error) {
	out, ok := m.outputs[stageID]
	return out, ok, nil
}

func (m *memStore) SetStageOutput(ctx context.Context, projectID string, stageID int, text string) error {
	m.outputs[stageID] = text
	m.statuses[stageID] = project.StatusCompleted
	return nil
}

func (m *memStore) SetStageStatus(ctx context.Context, projectID string, stageID int, status project.StageStatus) error {
	m.statuses[stageID] = status
	return nil
}

func (m *memStore) IsCompleted(ctx context.Context, projectID string, stageID int) (bool, error) {
	return m.statuses[stageID] == project.StatusCompleted, nil
}

// captureRenderer records the last context it rendered with.
type captureRenderer struct {
	lastName    string
	lastContext map[string]string
}

func (r *captureRenderer) Render(name string, context map[string]string) (string, error) {
	r.lastName = name
	r.lastContext = context
	return "prompt for " + name, nil
}

// stubClient returns a fixed response or error and counts calls.
type stubClient struct {
	calls  atomic.Int64
	text   string
	err    error
	chunks []llm.Chunk
	stmErr error
}

func (c *stubClient) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return &llm.Response{Text: c.text, FinishReason: "stop"}, nil
}

func (c *stubClient) Stream(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return &stubStream{chunks: c.chunks, err: c.stmErr, pos: -1}, nil
}

type stubStream struct {
	chunks []llm.Chunk
	err    error
	pos    int
}

func (s *stubStream) Next() bool {
	s.pos++
	return s.pos < len(s.chunks)
}

func (s *stubStream) Chunk() *llm.Chunk {
	if s.pos < 0 || s.pos >= len(s.chunks) {
		return nil
	}
	return &s.chunks[s.pos]
}

func (s *stubStream) Err() error   { return s.err }
func (s *stubStream) Close() error { return nil }

func newTestRunner(store Store, renderer Renderer, client llm.Client) *Runner {
	limiter := ratelimit.New(ratelimit.Config{}, zerolog.Nop())
	return NewRunner(store, renderer, client, limiter, "test:bucket", 4096, zerolog.Nop())
}

func TestStageDefinitions(t *testing.T) {
	if len(All()) != 5 {
		t.Fatalf("expected 5 stages, got %d", len(All()))
	}

	// Stage 4 depends on both the refined plan and the earlier review.
	def, err := Get(4)
	if err != nil {
		t.Fatalf("get stage 4 failed: %v", err)
	}
	deps := fmt.Sprint(def.Dependencies)
	if deps != "[3 2]" {
		t.Errorf("unexpected stage 4 dependencies: %v", def.Dependencies)
	}

	if _, err := Get(6); err == nil {
		t.Error("expected error for unknown stage")
	}
}

func TestRunStageDependencyGating(t *testing.T) {
	store := newMemStore()
	client := &stubClient{text: "output"}
	runner := newTestRunner(store, &captureRenderer{}, client)

	_, err := runner.RunStage(context.Background(), "p1", 2, RunOptions{})

	var depErr *DependencyNotMetError
	if !errors.As(err, &depErr) {
		t.Fatalf("expected DependencyNotMetError, got %v", err)
	}
	if depErr.MissingStage != 1 {
		t.Errorf("error should name stage 1 as missing, got %d", depErr.MissingStage)
	}
	if got := client.calls.Load(); got != 0 {
		t.Errorf("dependency failure issued %d provider calls, expected 0", got)
	}
	if store.statuses[2] == project.StatusRunning {
		t.Error("gated stage must not transition to running")
	}
}

func TestRunStagePersistsOutput(t *testing.T) {
	store := newMemStore()
	renderer := &captureRenderer{}
	client := &stubClient{text: "the initial plan"}
	runner := newTestRunner(store, renderer, client)

	out, err := runner.RunStage(context.Background(), "p1", 1, RunOptions{})
	if err != nil {
		t.Fatalf("run stage failed: %v", err)
	}
	if out != "the initial plan" {
		t.Errorf("unexpected output %q", out)
	}
	if store.outputs[1] != "the initial plan" {
		t.Error("output not persisted")
	}
	if store.statuses[1] != project.StatusCompleted {
		t.Errorf("expected completed status, got %s", store.statuses[1])
	}
	if renderer.lastName != "initial_plan" {
		t.Errorf("rendered wrong template: %s", renderer.lastName)
	}
	if renderer.lastContext["project_name"] != "Orchard" {
		t.Error("project attributes missing from stage context")
	}
}

func TestRunStageContextIncludesPriorOutputs(t *testing.T) {
	store := newMemStore()
	store.SetStageOutput(context.Background(), "p1", 1, "the plan")
	renderer := &captureRenderer{}
	runner := newTestRunner(store, renderer, &stubClient{text: "the review"})

	if _, err := runner.RunStage(context.Background(), "p1", 2, RunOptions{}); err != nil {
		t.Fatalf("run stage failed: %v", err)
	}
	if renderer.lastContext["initial_plan"] != "the plan" {
		t.Errorf("prior stage output missing from context: %v", renderer.lastContext)
	}
}

func TestRunStageOverridesWin(t *testing.T) {
	store := newMemStore()
	store.SetStageOutput(context.Background(), "p1", 1, "the plan")
	renderer := &captureRenderer{}
	runner := newTestRunner(store, renderer, &stubClient{text: "the review"})

	opts := RunOptions{Overrides: map[string]string{
		"project_name": "Renamed",
		"initial_plan": "a replacement plan",
		"audience":     "executives",
	}}
	if _, err := runner.RunStage(context.Background(), "p1", 2, opts); err != nil {
		t.Fatalf("run stage failed: %v", err)
	}

	got := renderer.lastContext
	if got["project_name"] != "Renamed" {
		t.Error("override lost to computed project name")
	}
	if got["initial_plan"] != "a replacement plan" {
		t.Error("override lost to persisted stage output")
	}
	if got["audience"] != "executives" {
		t.Error("ad-hoc override variable missing")
	}
}

func TestRunStageErrorsSurfaceVerbatim(t *testing.T) {
	store := newMemStore()
	wantErr := llm.NewInvalidRequestError("openai", "bad prompt", nil)
	client := &stubClient{err: wantErr}
	runner := newTestRunner(store, &captureRenderer{}, client)

	_, err := runner.RunStage(context.Background(), "p1", 1, RunOptions{})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected provider error verbatim, got %v", err)
	}
	if !llm.IsInvalidRequestError(err) {
		t.Error("error kind lost in propagation")
	}
	if got := client.calls.Load(); got != 1 {
		t.Errorf("invalid request was retried: %d calls", got)
	}
	if store.statuses[1] != project.StatusFailed {
		t.Errorf("expected failed status, got %s", store.statuses[1])
	}
	if _, ok := store.outputs[1]; ok {
		t.Error("failed stage must not persist output")
	}
}

func TestRunStageSkipsCompletedWithoutForce(t *testing.T) {
	store := newMemStore()
	store.SetStageOutput(context.Background(), "p1", 1, "existing output")
	client := &stubClient{text: "new output"}
	runner := newTestRunner(store, &captureRenderer{}, client)

	out, err := runner.RunStage(context.Background(), "p1", 1, RunOptions{})
	if err != nil {
		t.Fatalf("run stage failed: %v", err)
	}
	if out != "existing output" {
		t.Errorf("expected stored output on skip, got %q", out)
	}
	if got := client.calls.Load(); got != 0 {
		t.Errorf("skip issued %d provider calls", got)
	}

	// Force reruns and overwrites.
	out, err = runner.RunStage(context.Background(), "p1", 1, RunOptions{Force: true})
	if err != nil {
		t.Fatalf("forced rerun failed: %v", err)
	}
	if out != "new output" || store.outputs[1] != "new output" {
		t.Errorf("forced rerun did not overwrite output: %q", out)
	}
}

func TestRunStageStreaming(t *testing.T) {
	store := newMemStore()
	client := &stubClient{chunks: []llm.Chunk{
		{Index: 0, Text: "Hello"},
		{Index: 1, Text: ", wor"},
		{Index: 2, Text: "ld!"},
		{Index: 3, Final: true, FinishReason: "stop"},
	}}
	runner := newTestRunner(store, &captureRenderer{}, client)

	var received []llm.Chunk
	finals := 0
	opts := RunOptions{
		Stream: true,
		OnChunk: func(c *llm.Chunk) {
			received = append(received, *c)
			if c.Final {
				finals++
				// Completion must not be recorded before the terminal
				// chunk's text is persisted.
				if store.statuses[1] == project.StatusCompleted {
					t.Error("stage completed before terminal chunk was persisted")
				}
			}
		},
	}

	out, err := runner.RunStage(context.Background(), "p1", 1, opts)
	if err != nil {
		t.Fatalf("streaming run failed: %v", err)
	}
	if out != "Hello, world!" {
		t.Errorf("reassembled output mismatch: %q", out)
	}
	if store.outputs[1] != "Hello, world!" {
		t.Error("streamed output not persisted")
	}
	if finals != 1 {
		t.Errorf("expected exactly one terminal chunk, got %d", finals)
	}
	if len(received) != 4 {
		t.Errorf("expected 4 forwarded chunks, got %d", len(received))
	}
}

func TestRunStageStreamInterrupted(t *testing.T) {
	store := newMemStore()
	client := &stubClient{
		chunks: []llm.Chunk{{Index: 0, Text: "Hel"}},
		stmErr: llm.NewStreamInterruptedError("anthropic", "dropped", "Hel", nil),
	}
	runner := newTestRunner(store, &captureRenderer{}, client)

	_, err := runner.RunStage(context.Background(), "p1", 1, RunOptions{Stream: true})
	if !llm.IsStreamInterruptedError(err) {
		t.Fatalf("expected stream interrupted error, got %v", err)
	}
	if store.statuses[1] != project.StatusFailed {
		t.Errorf("expected failed status, got %s", store.statuses[1])
	}
	if _, ok := store.outputs[1]; ok {
		t.Error("interrupted stream must not persist partial output")
	}
}

func TestRunAllStopsAtFirstFailure(t *testing.T) {
	store := newMemStore()
	client := &stubClient{err: llm.NewAuthenticationError("anthropic", "bad key", nil)}
	runner := newTestRunner(store, &captureRenderer{}, client)

	err := runner.RunAll(context.Background(), "p1", RunOptions{})
	if err == nil {
		t.Fatal("expected run-all to fail")
	}
	if !llm.IsAuthenticationError(err) {
		t.Errorf("error kind lost: %v", err)
	}
	if got := client.calls.Load(); got != 1 {
		t.Errorf("run-all continued past a failed stage: %d calls", got)
	}
}

func TestRunAllCompletesEveryStage(t *testing.T) {
	store := newMemStore()
	client := &stubClient{text: "stage output"}
	runner := newTestRunner(store, &captureRenderer{}, client)

	if err := runner.RunAll(context.Background(), "p1", RunOptions{}); err != nil {
		t.Fatalf("run-all failed: %v", err)
	}
	for _, def := range All() {
		if store.statuses[def.ID] != project.StatusCompleted {
			t.Errorf("stage %d not completed: %s", def.ID, store.statuses[def.ID])
		}
	}
}
