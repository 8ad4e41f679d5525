package execution

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/taskgraph/internal/graph"
)

// opsPrefix marks a stdout line reporting consumed operations.
const opsPrefix = "::ops "

const maxLineSize = 1 << 20

// TaskSpec is the JSON document written to a worker's stdin.
type TaskSpec struct {
	ID                 string         `json:"id"`
	Title              string         `json:"title,omitempty"`
	Description        string         `json:"description,omitempty"`
	Role               string         `json:"role,omitempty"`
	FilesRead          []string       `json:"files_read,omitempty"`
	FilesWritten       []string       `json:"files_written,omitempty"`
	AcceptanceCriteria []string       `json:"acceptance_criteria,omitempty"`
	Properties         map[string]any `json:"properties,omitempty"`
	Attempt            int            `json:"attempt"`
	ResourceBudget     int            `json:"resource_budget"`
	PreviousEvidence   []string       `json:"previous_evidence,omitempty"`
}

// NewTaskSpec extracts the worker-facing part of a task. Evidence from the
// last failed attempt is included so a retry can address it.
func NewTaskSpec(t graph.Task) TaskSpec {
	spec := TaskSpec{
		ID:                 t.ID,
		Title:              t.Title,
		Description:        t.Description,
		Role:               t.Role,
		FilesRead:          t.FilesRead,
		FilesWritten:       t.FilesWritten,
		AcceptanceCriteria: t.AcceptanceCriteria,
		Properties:         t.Properties,
		Attempt:            t.AttemptNumber,
		ResourceBudget:     t.ResourceBudget,
	}
	if n := len(t.Attempts); n > 0 {
		spec.PreviousEvidence = t.Attempts[n-1].Evidence
	}
	return spec
}

// Command describes a subprocess invocation.
type Command struct {
	Name    string
	Args    []string
	Env     []string // KEY=VALUE pairs appended to the current environment
	Dir     string
	Timeout time.Duration
}

// Run starts the command in its own process group with stdin, hands every
// stdout line to onLine and returns the captured stderr. Both pipes are
// drained concurrently before the command is waited on.
func (c Command) Run(ctx context.Context, stdin []byte, procs *ProcessManager, onLine func(string)) (string, error) {
	if c.Name == "" {
		return "", fmt.Errorf("no command configured")
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := newCommand(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdin = bytes.NewReader(stdin)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start %s: %w", c.Name, err)
	}
	procs.Track(cmd)
	defer procs.Untrack(cmd)

	var stderr bytes.Buffer
	var g errgroup.Group
	g.Go(func() error {
		sc := bufio.NewScanner(stdoutPipe)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for sc.Scan() {
			onLine(sc.Text())
		}
		if err := sc.Err(); err != nil {
			// Keep draining so the child never blocks on a full pipe.
			_, _ = io.Copy(io.Discard, stdoutPipe)
			return fmt.Errorf("failed to read stdout: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		_, err := io.Copy(&stderr, stderrPipe)
		return err
	})
	readErr := g.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return stderr.String(), fmt.Errorf("%s: %w", c.Name, ctx.Err())
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return stderr.String(), fmt.Errorf("%s failed: %w (stderr: %s)", c.Name, err, msg)
		}
		return stderr.String(), fmt.Errorf("%s failed: %w", c.Name, err)
	}
	return stderr.String(), readErr
}

// CommandWorker executes tasks by running an external command. The task spec
// is written to stdin as JSON; stdout lines "::ops N" report consumed
// operations and every other line becomes artifact output.
type CommandWorker struct {
	cmd   Command
	procs *ProcessManager
}

// NewCommandWorker creates a worker for cmd. procs may be nil.
func NewCommandWorker(cmd Command, procs *ProcessManager) *CommandWorker {
	return &CommandWorker{cmd: cmd, procs: procs}
}

func (w *CommandWorker) Execute(ctx context.Context, task graph.Task, ops OpsReporter) (Result, error) {
	input, err := json.Marshal(NewTaskSpec(task))
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode task spec: %w", err)
	}

	lines, _ := ops.(LineReporter)
	var output []string
	_, err = w.cmd.Run(ctx, input, w.procs, func(line string) {
		if rest, ok := strings.CutPrefix(line, opsPrefix); ok {
			if n, convErr := strconv.Atoi(strings.TrimSpace(rest)); convErr == nil {
				ops.Report(n)
				return
			}
		}
		output = append(output, line)
		if lines != nil {
			lines.Line(line)
		}
	})

	res := Result{Artifact: graph.Artifact{
		Output:   strings.Join(output, "\n"),
		Files:    task.FilesWritten,
		Metadata: map[string]string{"command": w.cmd.Name},
	}}
	return res, err
}
