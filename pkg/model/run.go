package model

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/htgrid/htgrid/pkg/store"
)

// KindRun is the document kind of Run records.
const KindRun = "run"

// ResourceRequest describes what a run asks of the batch system.
type ResourceRequest struct {
	// AppTag names the application the batch system should launch, e.g.
	// "gamess". It selects the input/output codec on our side.
	AppTag string `json:"app_tag"`
	// Resource is the target compute resource (cluster/queue name).
	Resource      string `json:"resource"`
	Cores         int    `json:"cores"`
	MemoryGB      int    `json:"memory_gb"`
	WalltimeHours int    `json:"walltime_hours"`
}

// Run is one concrete submission of a set of input files to the remote
// batch system. Multiple jobs may share a run when their inputs hash
// identically (content-addressed dedup).
type Run struct {
	store.Meta

	// OwnedBy lists the ids of every job backed by this run.
	OwnedBy []string `json:"owned_by"`

	// FilesToRun maps input filename -> content hash. The bytes themselves
	// are attachments on this document.
	FilesToRun map[string]string `json:"files_to_run"`

	// InputHash is the combined hash of FilesToRun, the dedup key.
	InputHash string `json:"input_hash"`

	Status RunStatus       `json:"status"`
	Params ResourceRequest `json:"run_params"`

	// RemoteHandle is the opaque token the batch client returned at submit.
	RemoteHandle string `json:"remote_job_handle,omitempty"`

	// ErrorMessage records the failure that moved the run to error.
	ErrorMessage string `json:"error_message,omitempty"`

	// SubmitCount counts submissions across explicit retries.
	SubmitCount int `json:"submit_count"`
}

func (r *Run) StatusKey() string { return string(r.Status) }
func (r *Run) HashKey() string   { return r.InputHash }

// NewRun builds an unsaved run in hold for the given input-file hash map.
func NewRun(author string, files map[string]string, req ResourceRequest) *Run {
	return &Run{
		Meta:       store.Meta{ID: store.NewID(), Kind: KindRun, Author: author},
		FilesToRun: files,
		InputHash:  CombinedHash(files),
		Status:     RunHold,
		Params:     req,
	}
}

// SetStatus moves the run along a legal lifecycle edge.
func (r *Run) SetStatus(to RunStatus) error {
	if !CanTransition(r.Status, to) {
		return &InvalidStatusTransition{RunID: r.ID, From: r.Status, To: to}
	}
	r.Status = to
	return nil
}

// Fail records a terminal failure with its message.
func (r *Run) Fail(msg string) {
	r.Status = RunError
	r.ErrorMessage = msg
}

// AddOwner appends a job id to OwnedBy if not already present.
func (r *Run) AddOwner(jobID string) bool {
	for _, id := range r.OwnedBy {
		if id == jobID {
			return false
		}
	}
	r.OwnedBy = append(r.OwnedBy, jobID)
	return true
}

// CloneForRetry copies a terminal run into a fresh one, dropping identity
// and remote-side fields. This is the only way a done/error run "moves":
// the original stays as an audit record.
func (r *Run) CloneForRetry() *Run {
	clone := NewRun(r.Author, copyStringMap(r.FilesToRun), r.Params)
	clone.OwnedBy = append([]string(nil), r.OwnedBy...)
	clone.SubmitCount = r.SubmitCount
	return clone
}

// CombinedHash derives the dedup key for a filename -> content-hash map.
// The digest is over the sorted "name:hash" lines, so file order never
// matters and renaming a file changes the key.
func CombinedHash(files map[string]string) string {
	lines := make([]string, 0, len(files))
	for name, hash := range files {
		lines = append(lines, name+":"+hash)
	}
	sort.Strings(lines)
	return store.HashBytes([]byte(strings.Join(lines, "\n")))
}

// LoadRun reads a run document.
func LoadRun(ctx context.Context, st *store.Store, id string) (*Run, error) {
	var r Run
	if err := st.Load(ctx, id, &r); err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	return &r, nil
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
