package stages

import (
	"context"
	"fmt"
	"strings"

	"dario.cat/mergo"
	"github.com/rs/zerolog"

	"github.com/planforge/planforge/llm"
	"github.com/planforge/planforge/project"
	"github.com/planforge/planforge/ratelimit"
)

// Store is the slice of the project store the runner needs.
type Store interface {
	GetProject(ctx context.Context, id string) (*project.Project, error)
	GetStageOutput(ctx context.Context, projectID string, stageID int) (string, bool, error)
	SetStageOutput(ctx context.Context, projectID string, stageID int, text string) error
	SetStageStatus(ctx context.Context, projectID string, stageID int, status project.StageStatus) error
	IsCompleted(ctx context.Context, projectID string, stageID int) (bool, error)
}

// Renderer turns a template name and a variable set into a finished prompt.
type Renderer interface {
	Render(name string, context map[string]string) (string, error)
}

// RunOptions controls a single stage invocation.
type RunOptions struct {
	// Overrides are ad-hoc template variables; they win over computed
	// values on name collision.
	Overrides map[string]string

	// Stream requests incremental delivery through OnChunk.
	Stream bool

	// OnChunk receives each chunk as it arrives when Stream is set.
	OnChunk func(chunk *llm.Chunk)

	// Force reruns a stage that already completed.
	Force bool

	// Model overrides the configured default model for this invocation.
	Model string
}

// Runner executes stages: it assembles the stage context, renders the
// prompt, calls the provider under the rate limiter, and persists the
// output. Provider errors surface unchanged; the runner adds no taxonomy
// of its own beyond dependency gating.
type Runner struct {
	store     Store
	prompts   Renderer
	client    llm.Client
	limiter   *ratelimit.Limiter
	bucketKey string
	maxTokens int64
	logger    zerolog.Logger
}

// NewRunner creates a Runner. client is typically the cache-wrapped client;
// bucketKey identifies the rate-limit bucket shared by every call the
// runner makes.
func NewRunner(store Store, prompts Renderer, client llm.Client, limiter *ratelimit.Limiter, bucketKey string, maxTokens int64, logger zerolog.Logger) *Runner {
	return &Runner{
		store:     store,
		prompts:   prompts,
		client:    client,
		limiter:   limiter,
		bucketKey: bucketKey,
		maxTokens: maxTokens,
		logger:    logger.With().Str("component", "runner").Logger(),
	}
}

// RunStage executes one stage and returns its output text. A stage that
// already completed is skipped (its stored output returned) unless Force is
// set. Dependency gating happens before any provider call.
func (r *Runner) RunStage(ctx context.Context, projectID string, stageID int, opts RunOptions) (string, error) {
	def, err := Get(stageID)
	if err != nil {
		return "", err
	}
	logger := r.logger.With().Str("project_id", projectID).Int("stage", stageID).Logger()

	if !opts.Force {
		done, err := r.store.IsCompleted(ctx, projectID, stageID)
		if err != nil {
			return "", err
		}
		if done {
			logger.Info().Msg("stage already completed, skipping")
			output, _, err := r.store.GetStageOutput(ctx, projectID, stageID)
			return output, err
		}
	}

	for _, dep := range def.Dependencies {
		done, err := r.store.IsCompleted(ctx, projectID, dep)
		if err != nil {
			return "", err
		}
		if !done {
			return "", &DependencyNotMetError{StageID: stageID, MissingStage: dep}
		}
	}

	stageCtx, err := r.buildContext(ctx, projectID, def, opts.Overrides)
	if err != nil {
		return "", err
	}

	prompt, err := r.prompts.Render(def.TemplateName, stageCtx)
	if err != nil {
		return "", err
	}

	req := &llm.Request{
		Prompt:    prompt,
		Model:     opts.Model,
		MaxTokens: r.maxTokens,
	}

	if err := r.store.SetStageStatus(ctx, projectID, stageID, project.StatusRunning); err != nil {
		return "", err
	}

	logger.Info().Str("stage_name", def.Name).Bool("stream", opts.Stream).Msg("running stage")

	var output string
	err = r.limiter.Do(ctx, r.bucketKey, func(ctx context.Context) error {
		var genErr error
		if opts.Stream {
			output, genErr = r.generateStreaming(ctx, req, opts.OnChunk)
		} else {
			output, genErr = r.generate(ctx, req)
		}
		return genErr
	})
	if err != nil {
		if statusErr := r.store.SetStageStatus(ctx, projectID, stageID, project.StatusFailed); statusErr != nil {
			logger.Error().Err(statusErr).Msg("failed to record stage failure")
		}
		return "", err
	}

	// Completion is persisted output; the status flip rides along in
	// SetStageOutput. For streams this runs only after the terminal chunk.
	if err := r.store.SetStageOutput(ctx, projectID, stageID, output); err != nil {
		return "", err
	}

	logger.Info().Int("output_bytes", len(output)).Msg("stage completed")
	return output, nil
}

// RunAll executes every stage in order, stopping at the first failure.
func (r *Runner) RunAll(ctx context.Context, projectID string, opts RunOptions) error {
	for _, def := range All() {
		if _, err := r.RunStage(ctx, projectID, def.ID, opts); err != nil {
			return fmt.Errorf("stage %d (%s): %w", def.ID, def.Name, err)
		}
	}
	return nil
}

func (r *Runner) generate(ctx context.Context, req *llm.Request) (string, error) {
	resp, err := r.client.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// generateStreaming forwards chunks to onChunk as they arrive and returns
// the reassembled text once the terminal chunk is observed.
func (r *Runner) generateStreaming(ctx context.Context, req *llm.Request, onChunk func(*llm.Chunk)) (string, error) {
	stream, err := r.client.Stream(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var text strings.Builder
	sawFinal := false
	for stream.Next() {
		chunk := stream.Chunk()
		if chunk == nil {
			continue
		}
		text.WriteString(chunk.Text)
		if chunk.Final {
			sawFinal = true
		}
		if onChunk != nil {
			onChunk(chunk)
		}
	}
	if err := stream.Err(); err != nil {
		return "", err
	}
	if !sawFinal {
		return "", llm.NewStreamInterruptedError("", "stream ended without terminal chunk", text.String(), nil)
	}
	return text.String(), nil
}

// buildContext assembles the template variables for a stage: project
// attributes, every earlier stage's persisted output under its context key,
// then user overrides, which win on collision.
func (r *Runner) buildContext(ctx context.Context, projectID string, def *Definition, overrides map[string]string) (map[string]string, error) {
	p, err := r.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	stageCtx := map[string]string{
		"project_name":        p.Name,
		"project_description": p.Description,
	}

	for _, earlier := range All() {
		if earlier.ID >= def.ID {
			break
		}
		output, ok, err := r.store.GetStageOutput(ctx, projectID, earlier.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			stageCtx[earlier.ContextKey] = output
		}
	}

	if len(overrides) > 0 {
		if err := mergo.Merge(&stageCtx, overrides, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merge overrides: %w", err)
		}
	}
	return stageCtx, nil
}
