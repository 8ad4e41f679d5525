package verify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/taskgraph/internal/execution"
	"github.com/aristath/taskgraph/internal/graph"
)

func shellVerifier(script string) *CommandVerifier {
	return NewCommandVerifier(execution.Command{Name: "sh", Args: []string{"-c", script}}, nil)
}

func TestCommandVerifier(t *testing.T) {
	tests := []struct {
		name     string
		script   string
		verdict  Verdict
		evidence []string
	}{
		{name: "exit zero passes", script: "echo looks good", verdict: Pass, evidence: []string{"looks good"}},
		{name: "non-zero fails with output", script: "echo 'test X fails'; echo 'lint error' >&2; exit 1", verdict: Fail, evidence: []string{"test X fails", "lint error"}},
		{name: "silent failure", script: "exit 4", verdict: Fail, evidence: []string{"verifier exited with status 4"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := shellVerifier(tt.script).Verify(context.Background(), graph.NewTask("T1"), graph.Artifact{})
			require.NoError(t, err)
			assert.Equal(t, tt.verdict, d.Verdict)
			assert.Equal(t, tt.evidence, d.Evidence)
		})
	}
}

func TestCommandVerifier_ReceivesTaskAndArtifact(t *testing.T) {
	v := shellVerifier(`input=$(cat); case "$input" in *'"id":"T1"'*'"output":"built it"'*) exit 0;; *) echo "$input"; exit 1;; esac`)

	d, err := v.Verify(context.Background(), graph.NewTask("T1"), graph.Artifact{Output: "built it"})
	require.NoError(t, err)
	assert.Equal(t, Pass, d.Verdict, "evidence: %v", d.Evidence)
}

func TestCommandVerifier_CancellationIsError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := shellVerifier("sleep 30").Verify(ctx, graph.NewTask("T1"), graph.Artifact{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommandVerifier_MissingBinaryIsError(t *testing.T) {
	v := NewCommandVerifier(execution.Command{Name: "/nonexistent/verifier"}, nil)
	_, err := v.Verify(context.Background(), graph.NewTask("T1"), graph.Artifact{})
	assert.Error(t, err)
}
