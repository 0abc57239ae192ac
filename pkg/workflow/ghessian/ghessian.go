// Package ghessian implements the finite-difference Hessian workflow: a
// seed single-point job on the unperturbed geometry, one job per
// perturbed coordinate, an at-equilibrium Hessian job, and a final
// assembly of the gradients into the numerical Hessian matrix.
package ghessian

import (
	"context"
	"fmt"

	"github.com/go-viper/mapstructure/v2"

	"github.com/htgrid/htgrid/pkg/chem"
	"github.com/htgrid/htgrid/pkg/model"
	"github.com/htgrid/htgrid/pkg/store"
)

// Tag is the workflow tag tasks are registered under.
const Tag = "ghessian"

// Workflow states. Persisted in task documents.
const (
	StateWait        = "WAIT"
	StateGenerate    = "GENERATE"
	StateGenWait     = "GEN_WAIT"
	StateProcess     = "PROCESS"
	StateProcessWait = "PROCESS_WAIT"
	StatePostprocess = "POSTPROCESS"
	StateKill        = "KILL"
)

// taskData is the workflow's working set, round-tripped through the
// task's UserData map. WeaklyTypedInput tolerates the number widening a
// JSON round trip introduces.
type taskData struct {
	AppTag string                `mapstructure:"app_tag"`
	Names  []string              `mapstructure:"names"`
	Coords []float64             `mapstructure:"coords"`
	Params map[string]string     `mapstructure:"deck_params"`
	Req    model.ResourceRequest `mapstructure:"resource_request"`
}

func (d taskData) molecule() chem.Molecule {
	return chem.Molecule{Names: d.Names, Coords: d.Coords}
}

func decodeData(t *model.Task) (taskData, error) {
	var d taskData
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &d,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return d, err
	}
	if err := dec.Decode(t.UserData); err != nil {
		return d, fmt.Errorf("decode task data: %w", err)
	}
	return d, nil
}

func encodeData(t *model.Task, d taskData) error {
	out := map[string]any{}
	if err := mapstructure.Decode(d, &out); err != nil {
		return fmt.Errorf("encode task data: %w", err)
	}
	t.UserData = out
	return nil
}

// CreateParams is the input to Create.
type CreateParams struct {
	Author string
	Title  string
	// AppTag selects the chemistry application and its codec.
	AppTag string
	// InputDeck is the application input for the unperturbed geometry.
	InputDeck []byte
	Req       model.ResourceRequest
}

// Create builds the task and its seed job: one single-point run on the
// unperturbed geometry. The perturbed children are generated later, once
// the seed's converged orbitals exist to prime them with.
func Create(ctx context.Context, st *store.Store, p CreateParams) (*model.Task, error) {
	codec, err := chem.Lookup(p.AppTag)
	if err != nil {
		return nil, err
	}
	mol, params, err := codec.ParseInput(p.InputDeck)
	if err != nil {
		return nil, fmt.Errorf("parse input deck: %w", err)
	}

	task, err := model.NewTask(p.Author, p.Title, Tag)
	if err != nil {
		return nil, err
	}
	task.State = StateWait

	// Rewrite the deck through the codec so byte-equal geometries dedup
	// regardless of the author's formatting.
	deck, err := codec.WriteInput(mol, params)
	if err != nil {
		return nil, err
	}
	req := p.Req
	req.AppTag = p.AppTag
	if _, err := createChild(ctx, st, task, "job_0.inp", map[string][]byte{"job_0.inp": deck}, req); err != nil {
		return nil, err
	}

	if err := encodeData(task, taskData{
		AppTag: p.AppTag,
		Names:  mol.Names,
		Coords: mol.Coords,
		Params: params,
		Req:    req,
	}); err != nil {
		return nil, err
	}
	if err := st.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return task, nil
}

// createChild makes a job owned by the task and links both directions.
func createChild(ctx context.Context, st *store.Store, t *model.Task, title string, inputs map[string][]byte, req model.ResourceRequest) (*model.Job, error) {
	job, _, err := model.CreateJob(ctx, st, model.NewJobParams{
		Author: t.Author,
		Title:  fmt.Sprintf("%s/%s", t.Title, title),
		Inputs: inputs,
		Req:    req,
	})
	if err != nil {
		return nil, fmt.Errorf("create child job %s: %w", title, err)
	}
	job.AddParent(t.ID)
	if err := st.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("link child job %s: %w", title, err)
	}
	t.AddChild(job.ID)
	return job, nil
}
