package journal

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLWriterEmitsOneLinePerRecord(t *testing.T) {
	var buf bytes.Buffer
	jw := NewJSONLWriter(&buf)
	jw.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	require.NoError(t, jw.WriteRun(&RunRecord{RunID: "r1", From: "ready", To: "running"}))
	require.NoError(t, jw.WriteTask(&TaskRecord{
		TaskID: "t1", Workflow: "ghessian",
		FromState: "WAIT", ToState: "GENERATE", Transition: "running",
	}))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)

	var rec Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, TypeRun, rec.Type)
	assert.Equal(t, "2026-01-02T03:04:05Z", rec.TS.Format(time.RFC3339))

	var run RunRecord
	require.NoError(t, json.Unmarshal(rec.Data, &run))
	assert.Equal(t, "r1", run.RunID)
	assert.Equal(t, "running", run.To)

	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	assert.Equal(t, TypeTask, rec.Type)
}

func TestJSONLWriterRejectsWritesAfterClose(t *testing.T) {
	jw := NewJSONLWriter(&bytes.Buffer{})
	require.NoError(t, jw.Close())
	assert.ErrorIs(t, jw.WriteRun(&RunRecord{RunID: "r1"}), ErrWriterClosed)
}

func TestJSONLWriterConcurrentLinesDoNotInterleave(t *testing.T) {
	var buf bytes.Buffer
	jw := NewJSONLWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = jw.WriteRun(&RunRecord{RunID: "r", From: "hold", To: "ready"})
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 20)
	for _, line := range lines {
		var rec Record
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
	}
}
