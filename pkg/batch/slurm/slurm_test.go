package slurm

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/htgrid/htgrid/pkg/batch"
)

func testClient(t *testing.T, run commandRunner) *Client {
	t.Helper()
	c := New(Config{Scratch: t.TempDir(), Partition: "batch", SubmitRetries: 1})
	c.run = run
	return c
}

func TestSubmitStagesFilesAndParsesJobID(t *testing.T) {
	var gotScript string
	c := testClient(t, func(ctx context.Context, name string, args ...string) ([]byte, error) {
		require.Equal(t, "sbatch", name)
		require.Len(t, args, 1)
		gotScript = args[0]
		return []byte("Submitted batch job 4242\n"), nil
	})

	handle, err := c.Submit(context.Background(), batch.SubmitRequest{
		Name:          "water-grad",
		AppTag:        "gamess",
		Resource:      "",
		Cores:         4,
		MemoryGB:      2,
		WalltimeHours: 6,
		InputFiles:    map[string][]byte{"water.inp": []byte("mol water")},
	})
	require.NoError(t, err)

	jobid, dir, ok := strings.Cut(handle, "|")
	require.True(t, ok)
	assert.Equal(t, "4242", jobid)

	staged, err := os.ReadFile(filepath.Join(dir, "water.inp"))
	require.NoError(t, err)
	assert.Equal(t, "mol water", string(staged))

	script, err := os.ReadFile(gotScript)
	require.NoError(t, err)
	assert.Contains(t, string(script), "#SBATCH --job-name=water-grad")
	assert.Contains(t, string(script), "#SBATCH --partition=batch")
	assert.Contains(t, string(script), "gamess water.inp > water.out")
	assert.Contains(t, string(script), "echo $? > exit_status")
}

func TestSubmitRetriesThenFails(t *testing.T) {
	var calls int
	c := testClient(t, func(ctx context.Context, name string, args ...string) ([]byte, error) {
		calls++
		return []byte("sbatch: error: Slurm temporarily unable to accept job"), assert.AnError
	})

	_, err := c.Submit(context.Background(), batch.SubmitRequest{
		Name:       "j",
		AppTag:     "gamess",
		InputFiles: map[string][]byte{"a.inp": []byte("x")},
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.False(t, batch.IsAuthError(err))
}

func TestSubmitClassifiesAuthFailure(t *testing.T) {
	c := testClient(t, func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("sbatch: error: Unable to contact slurm controller (connect failure)"), assert.AnError
	})
	c.cfg.SubmitRetries = 0

	_, err := c.Submit(context.Background(), batch.SubmitRequest{
		Name:       "j",
		AppTag:     "gamess",
		InputFiles: map[string][]byte{"a.inp": []byte("x")},
	})
	require.Error(t, err)
	assert.True(t, batch.IsAuthError(err))
}

func TestParseSubmitOutput(t *testing.T) {
	id, err := ParseSubmitOutput("sbatch: verbose noise\nSubmitted batch job 17\n")
	require.NoError(t, err)
	assert.Equal(t, "17", id)

	_, err = ParseSubmitOutput("sbatch: error: invalid partition\n")
	assert.Error(t, err)
}

func TestParseSqueueState(t *testing.T) {
	cases := []struct {
		out  string
		want batch.RemoteStatus
		ok   bool
	}{
		{"PENDING\n", batch.StatusQueued, true},
		{"RUNNING\n", batch.StatusRunning, true},
		{"COMPLETING\n", batch.StatusRunning, true},
		{"COMPLETED\n", batch.StatusFinished, true},
		{"FAILED\n", batch.StatusFailed, true},
		{"TIMEOUT\n", batch.StatusFailed, true},
		{"", "", false},
		{"\n\n", "", false},
	}
	for _, tc := range cases {
		got, ok := ParseSqueueState(tc.out)
		assert.Equal(t, tc.ok, ok, "out=%q", tc.out)
		assert.Equal(t, tc.want, got, "out=%q", tc.out)
	}
}

func TestStatusResolvesExitedJob(t *testing.T) {
	c := testClient(t, func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte("slurm_load_jobs error: Invalid job id specified"), assert.AnError
	})

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "exit_status"), []byte("0\n"), 0o644))
	st, err := c.Status(context.Background(), "99|"+dir)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusFinished, st)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "exit_status"), []byte("137\n"), 0o644))
	st, err = c.Status(context.Background(), "99|"+dir)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusFailed, st)
}

func TestStatusFailsJobGoneWithoutEpilogue(t *testing.T) {
	c := testClient(t, func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte(""), nil
	})
	st, err := c.Status(context.Background(), "99|"+t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, batch.StatusFailed, st)
}

func TestFetchReturnsScratchFiles(t *testing.T) {
	c := testClient(t, nil)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "water.out"), []byte("gradient data"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "exit_status"), []byte("0"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "tmp"), 0o755))

	files, err := c.Fetch(context.Background(), "5|"+dir)
	require.NoError(t, err)
	assert.Equal(t, "gradient data", string(files["water.out"]))
	assert.NotContains(t, files, "tmp")
}

func TestCancelInvokesScancel(t *testing.T) {
	var got []string
	c := testClient(t, func(ctx context.Context, name string, args ...string) ([]byte, error) {
		got = append([]string{name}, args...)
		return nil, nil
	})
	require.NoError(t, c.Cancel(context.Background(), "31|/scratch/x"))
	assert.Equal(t, []string{"scancel", "31"}, got)
}

func TestSplitHandleRejectsMalformed(t *testing.T) {
	_, _, err := splitHandle("no-separator")
	assert.Error(t, err)
	_, _, err = splitHandle("|/dir/only")
	assert.Error(t, err)
}
