// Package project persists projects and their per-stage outputs in sqlite.
package project

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

// StageStatus is the lifecycle state of one stage of one project.
type StageStatus string

const (
	StatusPending   StageStatus = "pending"
	StatusRunning   StageStatus = "running"
	StatusCompleted StageStatus = "completed"
	StatusFailed    StageStatus = "failed"
)

// ErrNotFound indicates the requested project does not exist.
var ErrNotFound = errors.New("project not found")

// Project is one planning project.
type Project struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// StageState is the persisted state of one stage of a project.
type StageState struct {
	StageID   int
	Status    StageStatus
	UpdatedAt time.Time
}

// Store handles persistence of projects and stage outputs.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateProject inserts a new project and seeds a pending row for each of
// the given stage ids.
func (s *Store) CreateProject(ctx context.Context, name, description string, stageIDs []int) (*Project, error) {
	if name == "" {
		return nil, fmt.Errorf("project name is required")
	}

	now := time.Now()
	p := &Project{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	queryStr, args, err := sq.Insert("projects").
		Columns("id", "name", "description", "created_at", "updated_at").
		Values(p.ID, p.Name, p.Description, now.Unix(), now.Unix()).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}

	for _, stageID := range stageIDs {
		queryStr, args, err := sq.Insert("stage_outputs").
			Columns("project_id", "stage_id", "status", "output", "updated_at").
			Values(p.ID, stageID, string(StatusPending), nil, now.Unix()).
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("build query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
			return nil, fmt.Errorf("seed stage %d: %w", stageID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return p, nil
}

// GetProject returns the project with the given id.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	queryStr, args, err := sq.Select("id", "name", "description", "created_at", "updated_at").
		From("projects").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var p Project
	var createdAt, updatedAt int64
	row := s.db.QueryRowContext(ctx, queryStr, args...)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("scan project: %w", err)
	}
	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}

// ListProjects returns all projects, newest first.
func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	queryStr, args, err := sq.Select("id", "name", "description", "created_at", "updated_at").
		From("projects").
		OrderBy("created_at DESC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		var p Project
		var createdAt, updatedAt int64
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.CreatedAt = time.Unix(createdAt, 0)
		p.UpdatedAt = time.Unix(updatedAt, 0)
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}

// GetStageOutput returns the persisted output for a stage. The boolean is
// false when the stage has no output yet.
func (s *Store) GetStageOutput(ctx context.Context, projectID string, stageID int) (string, bool, error) {
	queryStr, args, err := sq.Select("output").
		From("stage_outputs").
		Where(sq.Eq{"project_id": projectID, "stage_id": stageID}).
		ToSql()
	if err != nil {
		return "", false, fmt.Errorf("build query: %w", err)
	}

	var output sql.NullString
	row := s.db.QueryRowContext(ctx, queryStr, args...)
	if err := row.Scan(&output); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("scan stage output: %w", err)
	}
	if !output.Valid {
		return "", false, nil
	}
	return output.String, true, nil
}

// SetStageOutput persists a stage's output and marks it completed.
func (s *Store) SetStageOutput(ctx context.Context, projectID string, stageID int, text string) error {
	return s.upsertStage(ctx, projectID, stageID, StatusCompleted, &text)
}

// SetStageStatus transitions a stage without touching its output.
func (s *Store) SetStageStatus(ctx context.Context, projectID string, stageID int, status StageStatus) error {
	return s.upsertStage(ctx, projectID, stageID, status, nil)
}

// IsCompleted reports whether a stage has completed.
func (s *Store) IsCompleted(ctx context.Context, projectID string, stageID int) (bool, error) {
	queryStr, args, err := sq.Select("status").
		From("stage_outputs").
		Where(sq.Eq{"project_id": projectID, "stage_id": stageID}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build query: %w", err)
	}

	var status string
	row := s.db.QueryRowContext(ctx, queryStr, args...)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("scan stage status: %w", err)
	}
	return StageStatus(status) == StatusCompleted, nil
}

// StageStates returns the state of every stage of a project, ordered by
// stage id.
func (s *Store) StageStates(ctx context.Context, projectID string) ([]StageState, error) {
	queryStr, args, err := sq.Select("stage_id", "status", "updated_at").
		From("stage_outputs").
		Where(sq.Eq{"project_id": projectID}).
		OrderBy("stage_id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query stage states: %w", err)
	}
	defer rows.Close()

	var states []StageState
	for rows.Next() {
		var st StageState
		var status string
		var updatedAt int64
		if err := rows.Scan(&st.StageID, &status, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan stage state: %w", err)
		}
		st.Status = StageStatus(status)
		st.UpdatedAt = time.Unix(updatedAt, 0)
		states = append(states, st)
	}
	return states, rows.Err()
}

// upsertStage inserts or updates a stage row. output == nil preserves the
// existing output column.
func (s *Store) upsertStage(ctx context.Context, projectID string, stageID int, status StageStatus, output *string) error {
	now := time.Now().Unix()

	builder := sq.Insert("stage_outputs").
		Columns("project_id", "stage_id", "status", "output", "updated_at")
	if output != nil {
		builder = builder.
			Values(projectID, stageID, string(status), *output, now).
			Suffix("ON CONFLICT(project_id, stage_id) DO UPDATE SET status = excluded.status, output = excluded.output, updated_at = excluded.updated_at")
	} else {
		builder = builder.
			Values(projectID, stageID, string(status), nil, now).
			Suffix("ON CONFLICT(project_id, stage_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at")
	}

	queryStr, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("upsert stage %d: %w", stageID, err)
	}
	return nil
}
