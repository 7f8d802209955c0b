package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	RunRunning  = "running"
	RunFinished = "finished"
	RunFailed   = "failed"
)

// Run groups the artifacts written by one step execution. It satisfies
// Store; writes through it record the run id.
type Run struct {
	ID   string
	Step string

	store   *LocalStore
	mu      sync.Mutex
	summary map[string]interface{}
}

func (s *LocalStore) StartRun(ctx context.Context, step string) (*Run, error) {
	run := &Run{
		ID:      uuid.NewString(),
		Step:    step,
		store:   s,
		summary: make(map[string]interface{}),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, step, status, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, step, RunRunning, time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("%w: start run: %v", ErrArtifactIO, err)
	}
	return run, nil
}

func (r *Run) Resolve(ctx context.Context, ref string) (*Artifact, error) {
	return r.store.Resolve(ctx, ref)
}

func (r *Run) Read(ctx context.Context, ref, dir string) (string, *Artifact, error) {
	return r.store.Read(ctx, ref, dir)
}

func (r *Run) Write(ctx context.Context, localPath, name, kind, description string, metadata map[string]interface{}) (*Artifact, error) {
	return r.store.write(ctx, r.ID, localPath, name, kind, description, metadata)
}

// SetSummary records a value reported by the step, e.g. accuracy.
func (r *Run) SetSummary(key string, value interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary[key] = value
}

func (r *Run) Summary() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]interface{}, len(r.summary))
	for k, v := range r.summary {
		out[k] = v
	}
	return out
}

// Finish stores the summary and marks the run finished, or failed when
// stepErr is not nil.
func (r *Run) Finish(ctx context.Context, stepErr error) error {
	summary, err := json.Marshal(r.Summary())
	if err != nil {
		return fmt.Errorf("%w: encode run summary: %v", ErrArtifactIO, err)
	}
	status, message := RunFinished, ""
	if stepErr != nil {
		status, message = RunFailed, stepErr.Error()
	}
	_, err = r.store.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, summary = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, string(summary), message, time.Now().UnixNano(), r.ID)
	if err != nil {
		return fmt.Errorf("%w: finish run %s: %v", ErrArtifactIO, r.ID, err)
	}
	return nil
}

// RunRecord is a stored run.
type RunRecord struct {
	ID         string                 `json:"id"`
	Step       string                 `json:"step"`
	Status     string                 `json:"status"`
	Summary    map[string]interface{} `json:"summary,omitempty"`
	Error      string                 `json:"error,omitempty"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at,omitempty"`
}

func (s *LocalStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	var (
		rec        RunRecord
		summary    *string
		message    *string
		startedAt  int64
		finishedAt *int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, step, status, summary, error, started_at, finished_at FROM runs WHERE id = ?`, id).
		Scan(&rec.ID, &rec.Step, &rec.Status, &summary, &message, &startedAt, &finishedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: run %s: %v", ErrNotFound, id, err)
	}
	rec.StartedAt = time.Unix(0, startedAt).UTC()
	if finishedAt != nil {
		rec.FinishedAt = time.Unix(0, *finishedAt).UTC()
	}
	if message != nil {
		rec.Error = *message
	}
	if summary != nil && *summary != "" {
		if err := json.Unmarshal([]byte(*summary), &rec.Summary); err != nil {
			return nil, fmt.Errorf("%w: decode run summary: %v", ErrArtifactIO, err)
		}
	}
	return &rec, nil
}
