package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/htgrid/htgrid/pkg/store"
)

// Every entity must be persistable as a store document; the embedded
// meta has to stay reachable through the accessor, not shadowed by the
// field name.
var (
	_ store.Record = (*Job)(nil)
	_ store.Record = (*Run)(nil)
	_ store.Record = (*Task)(nil)
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testInputs() map[string][]byte {
	return map[string][]byte{
		"water.inp": []byte("O 0.0 0.0 0.0\nH 0.0 0.0 1.8\nH 0.0 1.7 -0.4\n"),
	}
}

func TestCreateJob_EmptyInputs(t *testing.T) {
	st := newTestStore(t)

	_, _, err := CreateJob(context.Background(), st, NewJobParams{Author: "mark"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "input_files", verr.Field)
}

func TestCreateJob_NewRunInHold(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	job, run, err := CreateJob(ctx, st, NewJobParams{
		Author: "mark",
		Title:  "water gradient",
		Inputs: testInputs(),
		Req:    ResourceRequest{AppTag: "gamess", Cores: 2, MemoryGB: 2, WalltimeHours: 2},
	})
	require.NoError(t, err)

	assert.Equal(t, RunHold, run.Status)
	assert.Equal(t, []string{job.ID}, run.OwnedBy)
	assert.Equal(t, run.ID, job.RunID)
	assert.Equal(t, run.FilesToRun, job.InputFiles)

	// Input bytes are staged as run attachments.
	body, _, err := st.GetAttachment(ctx, run.ID, "water.inp")
	require.NoError(t, err)
	assert.Equal(t, testInputs()["water.inp"], body)
}

func TestCreateJob_DedupReusesDoneRun(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	req := ResourceRequest{AppTag: "gamess", Cores: 2}
	first, run, err := CreateJob(ctx, st, NewJobParams{Author: "mark", Inputs: testInputs(), Req: req})
	require.NoError(t, err)

	// Second submission while the first is still in flight must NOT share.
	_, run2, err := CreateJob(ctx, st, NewJobParams{Author: "mark", Inputs: testInputs(), Req: req})
	require.NoError(t, err)
	assert.NotEqual(t, run.ID, run2.ID)

	// Complete the first run, then an identical submission reuses it.
	run.Status = RunDone
	require.NoError(t, st.Save(ctx, run))

	second, shared, err := CreateJob(ctx, st, NewJobParams{Author: "mark", Inputs: testInputs(), Req: req})
	require.NoError(t, err)
	assert.Equal(t, run.ID, shared.ID)
	assert.Contains(t, shared.OwnedBy, first.ID)
	assert.Contains(t, shared.OwnedBy, second.ID)
	assert.Equal(t, RunDone, shared.Status)
}

func TestCreateJob_DifferentContentDifferentRun(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	_, runA, err := CreateJob(ctx, st, NewJobParams{Author: "mark", Inputs: testInputs()})
	require.NoError(t, err)
	runA.Status = RunDone
	require.NoError(t, st.Save(ctx, runA))

	other := map[string][]byte{"water.inp": []byte("O 0.0 0.0 0.1\n")}
	_, runB, err := CreateJob(ctx, st, NewJobParams{Author: "mark", Inputs: other})
	require.NoError(t, err)
	assert.NotEqual(t, runA.ID, runB.ID)
}

func TestJob_AddChildIdempotent(t *testing.T) {
	a := &Job{Meta: store.Meta{ID: "a"}}
	assert.True(t, a.AddChild("b"))
	assert.False(t, a.AddChild("b"))
	assert.Equal(t, []string{"b"}, a.ChildIDs)

	assert.True(t, a.AddParent("p"))
	assert.False(t, a.AddParent("p"))
	assert.Equal(t, []string{"p"}, a.ParentIDs)
}

func TestTask_AddChildIdempotent(t *testing.T) {
	task, err := NewTask("mark", "hessian", "ghessian")
	require.NoError(t, err)
	assert.True(t, task.AddChild("j1"))
	assert.False(t, task.AddChild("j1"))
	assert.Equal(t, []string{"j1"}, task.Children)
}

func TestNewTask_RequiresWorkflow(t *testing.T) {
	_, err := NewTask("mark", "hessian", "")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestRun_SetStatus(t *testing.T) {
	r := NewRun("mark", map[string]string{"a.inp": "h1"}, ResourceRequest{})
	require.Equal(t, RunHold, r.Status)

	require.NoError(t, r.SetStatus(RunReady))
	require.NoError(t, r.SetStatus(RunRunning))
	require.NoError(t, r.SetStatus(RunFinished))
	require.NoError(t, r.SetStatus(RunRetrieving))
	require.NoError(t, r.SetStatus(RunDone))

	// Terminal runs never transition again.
	err := r.SetStatus(RunReady)
	var bad *InvalidStatusTransition
	require.ErrorAs(t, err, &bad)
	assert.Equal(t, RunDone, bad.From)
}

func TestRun_SetStatusSkipsIllegalEdge(t *testing.T) {
	r := NewRun("mark", map[string]string{"a.inp": "h1"}, ResourceRequest{})
	// hold -> done bypasses the scheduler's lifecycle; refused.
	err := r.SetStatus(RunDone)
	var bad *InvalidStatusTransition
	require.ErrorAs(t, err, &bad)
}

func TestRun_AuthRetryLoopEdges(t *testing.T) {
	r := NewRun("mark", map[string]string{"a.inp": "h1"}, ResourceRequest{})
	require.NoError(t, r.SetStatus(RunReady))
	require.NoError(t, r.SetStatus(RunRunning))
	require.NoError(t, r.SetStatus(RunUnreachable))
	require.NoError(t, r.SetStatus(RunNotified))
	// Repeated auth failure keeps it in notified.
	require.NoError(t, r.SetStatus(RunNotified))
	// Recovery resumes polling.
	require.NoError(t, r.SetStatus(RunRunning))
}

func TestRun_CloneForRetry(t *testing.T) {
	r := NewRun("mark", map[string]string{"a.inp": "h1"}, ResourceRequest{AppTag: "gamess"})
	r.RemoteHandle = "remote-123"
	r.ErrorMessage = "submission exploded"
	r.Status = RunError
	r.SubmitCount = 3
	r.AddOwner("job-1")

	clone := r.CloneForRetry()
	assert.NotEqual(t, r.ID, clone.ID)
	assert.Equal(t, RunHold, clone.Status)
	assert.Empty(t, clone.RemoteHandle)
	assert.Empty(t, clone.ErrorMessage)
	assert.Equal(t, r.FilesToRun, clone.FilesToRun)
	assert.Equal(t, r.OwnedBy, clone.OwnedBy)
	assert.Equal(t, 3, clone.SubmitCount)
}

func TestCombinedHash_OrderIndependent(t *testing.T) {
	a := CombinedHash(map[string]string{"x.inp": "1", "y.inp": "2"})
	b := CombinedHash(map[string]string{"y.inp": "2", "x.inp": "1"})
	c := CombinedHash(map[string]string{"x.inp": "1", "y.inp": "3"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
