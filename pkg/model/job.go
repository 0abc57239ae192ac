package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/htgrid/htgrid/pkg/store"
)

// KindJob is the document kind of Job records.
const KindJob = "job"

// Job is one logical unit of remote computation. A job is backed by exactly
// one run, assigned at creation and never reassigned; its status is the
// run's status. Jobs form a DAG through ParentIDs/ChildIDs, used for
// restart and dependency chains.
type Job struct {
	store.Meta

	Title string `json:"title"`

	// InputFiles maps filename -> content hash, mirroring the run's map.
	InputFiles map[string]string `json:"input_files"`

	// RunID is the backing run. Set once at creation.
	RunID string `json:"run_id"`

	ParentIDs []string `json:"parent_ids,omitempty"`
	ChildIDs  []string `json:"child_ids,omitempty"`
}

// NewJobParams is the input to CreateJob.
type NewJobParams struct {
	Author string
	Title  string
	// Inputs maps filename -> file content.
	Inputs map[string][]byte
	Req    ResourceRequest
}

// CreateJob creates a job and its backing run.
//
// Input files are content-hashed; when a DONE run already exists for the
// exact same hash set the new job attaches to it instead of triggering a
// second remote submission ("has this exact input already been computed?").
// Otherwise a fresh run is created in hold with the inputs attached.
func CreateJob(ctx context.Context, st *store.Store, p NewJobParams) (*Job, *Run, error) {
	if len(p.Inputs) == 0 {
		return nil, nil, &ValidationError{Field: "input_files", Msg: "a job needs at least one input file"}
	}

	files := make(map[string]string, len(p.Inputs))
	for name, body := range p.Inputs {
		if name == "" {
			return nil, nil, &ValidationError{Field: "input_files", Msg: "input filename is empty"}
		}
		files[name] = store.HashBytes(body)
	}

	job := &Job{
		Meta:       store.Meta{ID: store.NewID(), Kind: KindJob, Author: p.Author},
		Title:      p.Title,
		InputFiles: files,
	}

	run, err := findCompletedRun(ctx, st, CombinedHash(files))
	if err != nil {
		return nil, nil, err
	}
	if run != nil {
		// Dedup hit: share the finished run, no new submission.
		run.AddOwner(job.ID)
		if err := st.Save(ctx, run); err != nil {
			return nil, nil, fmt.Errorf("attach job to run %s: %w", run.ID, err)
		}
	} else {
		run = NewRun(p.Author, files, p.Req)
		run.AddOwner(job.ID)
		if err := st.Create(ctx, run); err != nil {
			return nil, nil, fmt.Errorf("create run: %w", err)
		}
		for name, body := range p.Inputs {
			if err := st.PutAttachment(ctx, run.ID, name, "text/plain", body); err != nil {
				return nil, nil, fmt.Errorf("stage input %s: %w", name, err)
			}
		}
	}

	job.RunID = run.ID
	if err := st.Create(ctx, job); err != nil {
		return nil, nil, fmt.Errorf("create job: %w", err)
	}
	return job, run, nil
}

// findCompletedRun returns a DONE run with the given input hash, or nil.
// In-flight runs with the same inputs are deliberately not shared: only a
// finished result is safe to reuse.
func findCompletedRun(ctx context.Context, st *store.Store, hash string) (*Run, error) {
	ids, err := st.IDsByInputHash(ctx, KindRun, hash)
	if err != nil {
		return nil, fmt.Errorf("dedup lookup: %w", err)
	}
	for _, id := range ids {
		r, err := LoadRun(ctx, st, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if r.Status == RunDone {
			return r, nil
		}
	}
	return nil, nil
}

// AddChild appends a child job id if not already present. Idempotent.
func (j *Job) AddChild(id string) bool {
	if containsID(j.ChildIDs, id) {
		return false
	}
	j.ChildIDs = append(j.ChildIDs, id)
	return true
}

// AddParent appends a parent job id if not already present. Idempotent.
func (j *Job) AddParent(id string) bool {
	if containsID(j.ParentIDs, id) {
		return false
	}
	j.ParentIDs = append(j.ParentIDs, id)
	return true
}

// Status is the backing run's status.
func (j *Job) Status(ctx context.Context, st *store.Store) (RunStatus, error) {
	r, err := LoadRun(ctx, st, j.RunID)
	if err != nil {
		return "", err
	}
	return r.Status, nil
}

// CloneForRetry copies a job so a task can supersede a failed one. Identity
// fields and the run binding are dropped; the DAG links are kept so the
// replacement sits where the original did.
func (j *Job) CloneForRetry() *Job {
	return &Job{
		Meta:       store.Meta{ID: store.NewID(), Kind: KindJob, Author: j.Author},
		Title:      j.Title,
		InputFiles: copyStringMap(j.InputFiles),
		ParentIDs:  append([]string(nil), j.ParentIDs...),
		ChildIDs:   append([]string(nil), j.ChildIDs...),
	}
}

// LoadJob reads a job document.
func LoadJob(ctx context.Context, st *store.Store, id string) (*Job, error) {
	var j Job
	if err := st.Load(ctx, id, &j); err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	return &j, nil
}

func containsID(ids []string, id string) bool {
	for _, have := range ids {
		if have == id {
			return true
		}
	}
	return false
}
