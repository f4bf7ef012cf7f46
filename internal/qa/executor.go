package qa

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/leeroybrun/edison-sub000/internal/config"
	"github.com/leeroybrun/edison-sub000/internal/storage"
)

// Run is one validator execution request against a cluster round.
type Run struct {
	Validator config.ValidatorConfig
	Root      string
	Tasks     []string
	Round     int
	RoundDir  string
	WorkDir   string
}

// Executor runs one validator and leaves its report in the round directory.
type Executor interface {
	Execute(ctx context.Context, run Run) (Report, error)
}

// CommandExecutor shells out via "sh -c". The command runs in its own
// process group so a timeout kills the entire tree, not just the shell.
// Stdout/stderr are captured to <validator>.txt as raw evidence; the
// structured report is derived from the exit status when the command does
// not write its own <validator>.json.
type CommandExecutor struct {
	Timeout time.Duration
}

func (e *CommandExecutor) Execute(ctx context.Context, run Run) (Report, error) {
	started := time.Now().UTC()
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", run.Validator.Command)
	cmd.Dir = run.WorkDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 3 * time.Second
	cmd.Env = append(cmd.Environ(),
		"EDISON_VALIDATOR="+run.Validator.ID,
		"EDISON_ROOT_TASK="+run.Root,
		"EDISON_TASKS="+strings.Join(run.Tasks, ","),
		fmt.Sprintf("EDISON_ROUND=%d", run.Round),
		"EDISON_ROUND_DIR="+run.RoundDir,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	completed := time.Now().UTC()

	raw := stdout.String()
	if stderr.Len() > 0 {
		raw += "\n--- stderr ---\n" + stderr.String()
	}
	if err := storage.WriteTextAtomic(run.RoundDir+"/"+run.Validator.ID+".txt", raw); err != nil {
		return Report{}, err
	}

	// A command may emit its own structured report; it wins over the derived
	// one as long as it names the right validator.
	if own, err := ReadReport(run.RoundDir, run.Validator.ID); err == nil && own.Validator == run.Validator.ID {
		return own, nil
	}

	r := Report{
		Validator: run.Validator.ID,
		Status:    StatusApproved,
		Findings:  []Finding{},
		Tracking: Tracking{
			ProcessID:   ulid.Make().String(),
			StartedAt:   started,
			CompletedAt: completed,
			DurationMs:  completed.Sub(started).Milliseconds(),
			Model:       run.Validator.Model,
		},
	}
	if runErr != nil {
		r.Status = StatusRejected
		r.Summary = fmt.Sprintf("command failed: %v", runErr)
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		r.Findings = append(r.Findings, Finding{Severity: "error", Message: msg})
	}
	return r, nil
}

// SimulatedExecutor approves unconditionally. It backs validators configured
// without a command, where the actual review happens out of band and the
// round exists to record roster membership and provenance.
type SimulatedExecutor struct{}

func (SimulatedExecutor) Execute(_ context.Context, run Run) (Report, error) {
	now := time.Now().UTC()
	return Report{
		Validator: run.Validator.ID,
		Status:    StatusApproved,
		Summary:   "simulated: no command configured",
		Findings:  []Finding{},
		Tracking: Tracking{
			ProcessID:   ulid.Make().String(),
			StartedAt:   now,
			CompletedAt: now,
			Model:       run.Validator.Model,
		},
	}, nil
}

// Route picks the executor for one validator.
func Route(v config.ValidatorConfig, command *CommandExecutor) Executor {
	if strings.TrimSpace(v.Command) == "" {
		return SimulatedExecutor{}
	}
	return command
}
