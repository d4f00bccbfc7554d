package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/planforge/planforge/cache"
	"github.com/planforge/planforge/config"
	"github.com/planforge/planforge/llm"
	"github.com/planforge/planforge/llm/factory"
	"github.com/planforge/planforge/logger"
	"github.com/planforge/planforge/migrations"
	"github.com/planforge/planforge/project"
	"github.com/planforge/planforge/prompts"
	"github.com/planforge/planforge/ratelimit"
	"github.com/planforge/planforge/stages"
)

const usage = `Usage: planforge <command> [flags]

Commands:
  init     create a new project
  run      run one planning stage
  run-all  run every planning stage in order
  status   show projects and stage states
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("missing command")
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return err
	}

	log, err := logger.InitWithOptions(cfg.LogFile, cfg.LogPretty)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "init":
		return cmdInit(ctx, cfg, log, os.Args[2:])
	case "run":
		return cmdRun(ctx, cfg, log, os.Args[2:], false)
	case "run-all":
		return cmdRun(ctx, cfg, log, os.Args[2:], true)
	case "status":
		return cmdStatus(ctx, cfg, log, os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

// openStore opens the sqlite database and applies migrations.
func openStore(cfg *config.Config, log zerolog.Logger) (*project.Store, *sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := migrations.RunMigrations(db, "./migrations", log); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return project.NewStore(db), db, nil
}

func cmdInit(ctx context.Context, cfg *config.Config, log zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	name := fs.String("name", "", "Project name (required)")
	description := fs.String("description", "", "Project description")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("-name is required")
	}

	store, db, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	p, err := store.CreateProject(ctx, *name, *description, stages.IDs())
	if err != nil {
		return err
	}

	fmt.Printf("Created project %s (%s)\n", p.Name, p.ID)
	return nil
}

func cmdRun(ctx context.Context, cfg *config.Config, log zerolog.Logger, args []string, all bool) error {
	name := "run"
	if all {
		name = "run-all"
	}
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	projectID := fs.String("project", "", "Project id (required)")
	stageID := fs.Int("stage", 0, "Stage number 1-5 (required unless run-all)")
	provider := fs.String("provider", cfg.Provider, "Provider: anthropic, openai, or ollama")
	model := fs.String("model", "", "Model override")
	stream := fs.Bool("stream", false, "Stream the response incrementally")
	force := fs.Bool("force", false, "Rerun stages that already completed")
	var overrides varsFlag
	fs.Var(&overrides, "var", "Template variable override as key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *projectID == "" {
		return fmt.Errorf("-project is required")
	}
	if !all && *stageID == 0 {
		return fmt.Errorf("-stage is required")
	}

	store, db, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	runner, key, err := buildRunner(cfg, log, store, *provider, *model)
	if err != nil {
		return err
	}

	opts := stages.RunOptions{
		Overrides: overrides.values,
		Stream:    *stream,
		Force:     *force,
		Model:     key.Model,
	}
	if *stream {
		opts.OnChunk = func(chunk *llm.Chunk) {
			fmt.Print(chunk.Text)
			if chunk.Final {
				fmt.Println()
			}
		}
	}

	if all {
		if err := runner.RunAll(ctx, *projectID, opts); err != nil {
			return err
		}
		fmt.Println("All stages completed.")
		return nil
	}

	output, err := runner.RunStage(ctx, *projectID, *stageID, opts)
	if err != nil {
		return err
	}
	if !*stream {
		fmt.Println(output)
	}
	return nil
}

// buildRunner wires the provider client stack: registry resolution, adapter
// construction, response cache, and rate limiter.
func buildRunner(cfg *config.Config, log zerolog.Logger, store *project.Store, provider, model string) (*stages.Runner, *llm.ClientKey, error) {
	registry := llm.NewRegistry(cfg.ProviderConfig(), cfg.Providers)
	key, err := registry.Resolve(provider, model)
	if err != nil {
		return nil, nil, err
	}

	client, err := factory.New(log).Client(key)
	if err != nil {
		return nil, nil, err
	}

	responseCache, err := cache.New(cache.Config{
		TTL:          time.Duration(cfg.Cache.TTLMinutes) * time.Minute,
		MaxEntries:   cfg.Cache.MaxEntries,
		MaxSizeBytes: int64(cfg.Cache.MaxSizeMB) * 1024 * 1024,
	}, log)
	if err != nil {
		return nil, nil, err
	}
	cachedClient := cache.NewCachedClient(client, responseCache, log)

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: map[string]int{
			key.BucketKey(): cfg.RateLimitFor(provider),
		},
	}, log)

	promptManager := prompts.NewManager(cfg.TemplatesDir, log)
	runner := stages.NewRunner(store, promptManager, cachedClient, limiter, key.BucketKey(), cfg.MaxTokens, log)
	return runner, key, nil
}

func cmdStatus(ctx context.Context, cfg *config.Config, log zerolog.Logger, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	projectID := fs.String("project", "", "Project id (omit to list all projects)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	store, db, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	if *projectID == "" {
		projects, err := store.ListProjects(ctx)
		if err != nil {
			return err
		}
		if len(projects) == 0 {
			fmt.Println("No projects. Create one with: planforge init -name <name>")
			return nil
		}
		for _, p := range projects {
			fmt.Printf("%s  %s  %s\n", p.ID, p.CreatedAt.Format("2006-01-02"), p.Name)
		}
		return nil
	}

	p, err := store.GetProject(ctx, *projectID)
	if err != nil {
		return err
	}
	fmt.Printf("Project: %s (%s)\n", p.Name, p.ID)

	states, err := store.StageStates(ctx, *projectID)
	if err != nil {
		return err
	}
	for _, st := range states {
		def, err := stages.Get(st.StageID)
		if err != nil {
			continue
		}
		fmt.Printf("  %d. %-32s %s\n", st.StageID, def.Name, st.Status)
	}
	return nil
}

// varsFlag collects repeated -var key=value flags.
type varsFlag struct {
	values map[string]string
}

func (v *varsFlag) String() string {
	return strconv.Itoa(len(v.values)) + " vars"
}

func (v *varsFlag) Set(s string) error {
	key, value, found := strings.Cut(s, "=")
	if !found || key == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	if v.values == nil {
		v.values = make(map[string]string)
	}
	v.values[key] = value
	return nil
}
