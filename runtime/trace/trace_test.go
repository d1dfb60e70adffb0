package trace

import (
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewTraceIDFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^trace-[0-9a-f]{10}$`)
	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		id := NewTraceID()
		require.Regexp(t, pattern, id)
		require.False(t, seen[id], "trace ids must not repeat")
		seen[id] = true
	}
}

func TestRecorderMeasuresLatency(t *testing.T) {
	current := time.Unix(0, 0)
	rec := NewRecorder(WithNow(func() time.Time { return current }))

	step := rec.Step("router")
	current = current.Add(42 * time.Millisecond)
	step.Done(StatusOK, "question maps to relationship lookup")

	decisions := rec.Decisions()
	require.Len(t, decisions, 1)
	require.Equal(t, "router", decisions[0].ToolName)
	require.Equal(t, int64(42), decisions[0].LatencyMS)
	require.Equal(t, StatusOK, decisions[0].Status)
	require.Equal(t, 1, decisions[0].Attempt)
}

func TestRecorderAttempt(t *testing.T) {
	rec := NewRecorder()
	rec.Step("retrieval_refine").Attempt(2).Done(StatusOK, "critic requested refinement")
	rec.Step("retrieval_refine").Attempt(0).Done(StatusOK, "attempt floor")

	decisions := rec.Decisions()
	require.Equal(t, 2, decisions[0].Attempt)
	require.Equal(t, 1, decisions[1].Attempt, "non-positive attempts clamp to 1")
}

func TestRecorderRecordDefaults(t *testing.T) {
	rec := NewRecorder()
	rec.Record(ToolDecision{ToolName: "planner", Rationale: "plan exceeds budget", Status: StatusBlocked})

	decisions := rec.Decisions()
	require.Len(t, decisions, 1)
	require.Equal(t, 1, decisions[0].Attempt)
}

func TestRecorderConcurrentAppend(t *testing.T) {
	rec := NewRecorder()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.Step("retrieval").Done(StatusOK, "branch complete")
		}()
	}
	wg.Wait()
	require.Len(t, rec.Decisions(), 16)
}

func TestDecisionsReturnsCopy(t *testing.T) {
	rec := NewRecorder()
	rec.Step("router").Done(StatusOK, "no retrieval hint detected")

	first := rec.Decisions()
	first[0].ToolName = "mutated"

	require.Equal(t, "router", rec.Decisions()[0].ToolName)
}
