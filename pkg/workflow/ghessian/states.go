package ghessian

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/htgrid/htgrid/pkg/chem"
	"github.com/htgrid/htgrid/pkg/machine"
	"github.com/htgrid/htgrid/pkg/model"
	"github.com/htgrid/htgrid/pkg/store"
)

func init() {
	machine.Register(Tag, machine.Definition{
		Start: StateWait,
		Kill:  StateKill,
		States: map[string]machine.Hooks{
			StateWait:        {OnMain: waitThen(StateGenerate)},
			StateGenerate:    {OnMain: generate},
			StateGenWait:     {OnMain: waitThen(StateProcess)},
			StateProcess:     {OnMain: process},
			StateProcessWait: {OnMain: waitThen(StatePostprocess)},
			StatePostprocess: {OnMain: postprocess},
			StateKill:        {OnMain: kill},
		},
	})
}

// waitThen polls the task's children: advance to next once every child's
// run is done, park on a failed child, stay otherwise.
func waitThen(next string) func(context.Context, machine.Deps, *model.Task) (machine.Outcome, error) {
	return func(ctx context.Context, d machine.Deps, t *model.Task) (machine.Outcome, error) {
		for _, childID := range t.Children {
			run, err := childRun(ctx, d.Store, childID)
			if err != nil {
				return machine.Stay, err
			}
			switch run.Status {
			case model.RunDone:
			case model.RunError, model.RunKilled:
				return machine.Stay, &machine.ChildError{JobID: childID, Message: run.ErrorMessage}
			default:
				return machine.Stay, nil
			}
		}
		return machine.Outcome{Next: next}, nil
	}
}

// generate creates one perturbed single-point job per coordinate, primed
// with the seed job's converged orbitals when the application produced
// them. Resumable: a retried task picks up at the first missing child.
func generate(ctx context.Context, d machine.Deps, t *model.Task) (machine.Outcome, error) {
	data, err := decodeData(t)
	if err != nil {
		return machine.Stay, err
	}
	codec, err := chem.Lookup(data.AppTag)
	if err != nil {
		return machine.Stay, err
	}
	mol := data.molecule()
	if err := mol.Validate(); err != nil {
		return machine.Stay, err
	}

	params := chem.Params(data.Params)
	extra, err := seedOrbitals(ctx, d.Store, t)
	if err != nil {
		return machine.Stay, err
	}
	if len(extra) > 0 {
		params = cloneParams(params)
		params["guess"] = "read"
	}

	created := len(t.Children) - 1 // children beyond the seed
	for i := created; i < len(mol.Coords); i++ {
		deck, err := codec.WriteInput(mol.Perturb(i, PerturbStep), params)
		if err != nil {
			return machine.Stay, err
		}
		name := fmt.Sprintf("job_%d.inp", i+1)
		inputs := map[string][]byte{name: deck}
		for n, body := range extra {
			inputs[n] = body
		}
		if _, err := createChild(ctx, d.Store, t, name, inputs, data.Req); err != nil {
			return machine.Stay, err
		}
	}
	d.Log.Info("perturbed jobs generated",
		zap.String("task_id", t.ID),
		zap.Int("coordinates", len(mol.Coords)))
	return machine.Outcome{Next: StateGenWait}, nil
}

// process adds the at-equilibrium Hessian job.
func process(ctx context.Context, d machine.Deps, t *model.Task) (machine.Outcome, error) {
	data, err := decodeData(t)
	if err != nil {
		return machine.Stay, err
	}
	if len(t.Children) > len(data.Coords)+1 {
		// Already created on a previous attempt.
		return machine.Outcome{Next: StateProcessWait}, nil
	}
	codec, err := chem.Lookup(data.AppTag)
	if err != nil {
		return machine.Stay, err
	}
	params := cloneParams(chem.Params(data.Params))
	params["runtyp"] = "hessian"
	deck, err := codec.WriteInput(data.molecule(), params)
	if err != nil {
		return machine.Stay, err
	}
	if _, err := createChild(ctx, d.Store, t, "job_hessian.inp", map[string][]byte{"job_hessian.inp": deck}, data.Req); err != nil {
		return machine.Stay, err
	}
	return machine.Outcome{Next: StateProcessWait}, nil
}

// postprocess assembles the numerical Hessian from the seed and perturbed
// gradients, rescales it, and stores it with its eigenvalue spectrum as
// the task result.
func postprocess(ctx context.Context, d machine.Deps, t *model.Task) (machine.Outcome, error) {
	data, err := decodeData(t)
	if err != nil {
		return machine.Stay, err
	}
	codec, err := chem.Lookup(data.AppTag)
	if err != nil {
		return machine.Stay, err
	}

	ncoords := len(data.Coords)
	if len(t.Children) < ncoords+1 {
		return machine.Stay, fmt.Errorf("have %d children, want at least %d", len(t.Children), ncoords+1)
	}
	grads := make([][]float64, 0, ncoords+1)
	for _, childID := range t.Children[:ncoords+1] {
		run, err := childRun(ctx, d.Store, childID)
		if err != nil {
			return machine.Stay, err
		}
		out, err := runOutput(ctx, d.Store, run)
		if err != nil {
			return machine.Stay, &machine.ChildError{JobID: childID, Message: err.Error()}
		}
		grad, err := codec.ParseGradient(out)
		if err != nil {
			return machine.Stay, &machine.ChildError{JobID: childID, Message: err.Error()}
		}
		grads = append(grads, grad)
	}

	hess, err := AssembleHessian(grads, PerturbStep)
	if err != nil {
		return machine.Stay, err
	}
	hess.ScaleSym(1/gradientConversion, hess)
	eigs, err := eigenvalues(hess)
	if err != nil {
		return machine.Stay, err
	}

	t.ResultData["hessian"] = matrixRows(hess)
	t.ResultData["force_constants"] = eigs
	t.ResultData["hessian_job_id"] = t.Children[len(t.Children)-1]
	return machine.Outcome{Done: true}, nil
}

// kill cancels every child whose run is still live, then finishes.
func kill(ctx context.Context, d machine.Deps, t *model.Task) (machine.Outcome, error) {
	for _, childID := range t.Children {
		run, err := childRun(ctx, d.Store, childID)
		if err != nil {
			return machine.Stay, err
		}
		if run.Status.Terminal() {
			continue
		}
		if run.RemoteHandle != "" && d.Batch != nil {
			if err := d.Batch.Cancel(ctx, run.RemoteHandle); err != nil {
				// The run is marked killed regardless; a dangling remote job
				// times out on its own.
				d.Log.Warn("cancel remote job",
					zap.String("run_id", run.ID),
					zap.Error(err))
			}
		}
		if err := run.SetStatus(model.RunKilled); err != nil {
			return machine.Stay, err
		}
		if err := d.Store.Save(ctx, run); err != nil {
			return machine.Stay, err
		}
	}
	return machine.Outcome{Done: true}, nil
}

func childRun(ctx context.Context, st *store.Store, jobID string) (*model.Run, error) {
	job, err := model.LoadJob(ctx, st, jobID)
	if err != nil {
		return nil, err
	}
	return model.LoadRun(ctx, st, job.RunID)
}

// seedOrbitals returns any orbital files the seed job's run produced,
// used to prime the perturbed jobs' SCF guess.
func seedOrbitals(ctx context.Context, st *store.Store, t *model.Task) (map[string][]byte, error) {
	if len(t.Children) == 0 {
		return nil, fmt.Errorf("task has no seed job")
	}
	run, err := childRun(ctx, st, t.Children[0])
	if err != nil {
		return nil, err
	}
	names, err := st.ListAttachments(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	out := map[string][]byte{}
	for _, name := range names {
		if !strings.HasSuffix(name, ".orb") {
			continue
		}
		body, _, err := st.GetAttachment(ctx, run.ID, name)
		if err != nil {
			return nil, err
		}
		out[name] = body
	}
	return out, nil
}

// runOutput picks the run's primary output attachment: the first ".out"
// file, else any fetched file that was not an input.
func runOutput(ctx context.Context, st *store.Store, run *model.Run) ([]byte, error) {
	names, err := st.ListAttachments(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	var fallback string
	for _, name := range names {
		if _, isInput := run.FilesToRun[name]; isInput {
			continue
		}
		if strings.HasSuffix(name, ".out") {
			body, _, err := st.GetAttachment(ctx, run.ID, name)
			if err != nil {
				return nil, err
			}
			return body, nil
		}
		if fallback == "" {
			fallback = name
		}
	}
	if fallback == "" {
		return nil, fmt.Errorf("run %s has no output attachment", run.ID)
	}
	body, _, err := st.GetAttachment(ctx, run.ID, fallback)
	return body, err
}

func cloneParams(p chem.Params) chem.Params {
	out := make(chem.Params, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	return out
}
