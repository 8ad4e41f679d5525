package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/aristath/taskgraph/internal/execution"
	"github.com/aristath/taskgraph/internal/graph"
)

// Verdict is the binary outcome of a verification.
type Verdict string

const (
	Pass Verdict = "PASS"
	Fail Verdict = "FAIL"
)

// Decision is a verifier's judgement on one artifact.
type Decision struct {
	Verdict  Verdict
	Evidence []string
}

// Passed returns a PASS decision.
func Passed(evidence ...string) Decision { return Decision{Verdict: Pass, Evidence: evidence} }

// Failed returns a FAIL decision carrying evidence.
func Failed(evidence ...string) Decision { return Decision{Verdict: Fail, Evidence: evidence} }

// Verifier judges whether an artifact satisfies its task. A returned error
// means the verifier itself could not run; it fails the attempt.
type Verifier interface {
	Verify(ctx context.Context, task graph.Task, artifact graph.Artifact) (Decision, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, task graph.Task, artifact graph.Artifact) (Decision, error)

func (f VerifierFunc) Verify(ctx context.Context, task graph.Task, artifact graph.Artifact) (Decision, error) {
	return f(ctx, task, artifact)
}

// ErrNoVerifier is returned when a gate has nothing to judge artifacts with.
var ErrNoVerifier = errors.New("no verifier configured")

// AcceptAll passes every artifact. It must be chosen explicitly; a gate
// without a verifier fails every attempt.
var AcceptAll Verifier = VerifierFunc(func(context.Context, graph.Task, graph.Artifact) (Decision, error) {
	return Passed("accepted without verification"), nil
})

// CommandVerifier runs an external command with {task, artifact} as JSON on
// stdin. Exit status 0 is PASS; any other exit is FAIL with the command's
// output lines as evidence.
type CommandVerifier struct {
	cmd   execution.Command
	procs *execution.ProcessManager
}

// NewCommandVerifier creates a verifier for cmd. procs may be nil.
func NewCommandVerifier(cmd execution.Command, procs *execution.ProcessManager) *CommandVerifier {
	return &CommandVerifier{cmd: cmd, procs: procs}
}

type verifyInput struct {
	Task     execution.TaskSpec `json:"task"`
	Artifact graph.Artifact     `json:"artifact"`
}

func (v *CommandVerifier) Verify(ctx context.Context, task graph.Task, artifact graph.Artifact) (Decision, error) {
	input, err := json.Marshal(verifyInput{Task: execution.NewTaskSpec(task), Artifact: artifact})
	if err != nil {
		return Decision{}, fmt.Errorf("failed to encode verification input: %w", err)
	}

	var evidence []string
	stderr, err := v.cmd.Run(ctx, input, v.procs, func(line string) {
		if s := strings.TrimSpace(line); s != "" {
			evidence = append(evidence, s)
		}
	})
	if err == nil {
		return Passed(evidence...), nil
	}

	var exitErr *exec.ExitError
	if ctx.Err() != nil || !errors.As(err, &exitErr) {
		return Decision{}, err
	}
	for _, line := range strings.Split(stderr, "\n") {
		if s := strings.TrimSpace(line); s != "" {
			evidence = append(evidence, s)
		}
	}
	if len(evidence) == 0 {
		evidence = []string{fmt.Sprintf("verifier exited with status %d", exitErr.ExitCode())}
	}
	return Failed(evidence...), nil
}
