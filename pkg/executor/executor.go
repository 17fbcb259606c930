package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dirkhh/adsb-boottest/pkg/config"
)

// stagePrefix is the line prefix the hardware-control script uses to
// announce the stage it is entering (power, netboot, boot, verify, ...).
// The last stage seen before a failing exit becomes the error stage.
const stagePrefix = "boottest-stage:"

// waitDelay is how long a cancelled script gets to die after its process
// group is signalled before Wait gives up on its output pipes.
const waitDelay = 10 * time.Second

// Result is the outcome of a single boot test.
type Result struct {
	Success    bool
	ErrorStage string
}

// RunContext carries run metadata into the executor environment.
type RunContext struct {
	RunID        string
	ImageVersion string
	TriggeredBy  string
}

// Executor runs one boot test against the physical rig. Implementations
// must honor context cancellation so a timed-out run frees the rig.
type Executor interface {
	Run(ctx context.Context, imageURL string, rc RunContext) (*Result, error)
}

// Compile-time interface check.
var _ Executor = (*scriptExecutor)(nil)

type scriptExecutor struct {
	log logrus.FieldLogger
	cfg *config.ExecutorConfig
}

// NewScriptExecutor creates an Executor that shells out to the configured
// hardware-control command.
func NewScriptExecutor(
	log logrus.FieldLogger,
	cfg *config.ExecutorConfig,
) Executor {
	return &scriptExecutor{
		log: log.WithField("component", "executor"),
		cfg: cfg,
	}
}

// Run invokes the boot-test script with the image URL as its final
// argument. The script's combined output is streamed to a per-run console
// log when a results directory is configured. On context cancellation the
// whole process group is killed so serial-console children do not keep the
// rig busy.
func (e *scriptExecutor) Run(
	ctx context.Context, imageURL string, rc RunContext,
) (*Result, error) {
	args := make([]string, 0, len(e.cfg.Args)+1)
	args = append(args, e.cfg.Args...)
	args = append(args, imageURL)

	cmd := exec.CommandContext(ctx, e.cfg.Command, args...)
	cmd.Env = append(os.Environ(),
		"BOOTTEST_RUN_ID="+rc.RunID,
		"BOOTTEST_IMAGE_VERSION="+rc.ImageVersion,
		"BOOTTEST_TRIGGERED_BY="+rc.TriggeredBy,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = waitDelay
	cmd.Cancel = func() error {
		// Negative PID signals the whole process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	cmd.Stderr = cmd.Stdout

	logWriter, logPath, err := e.openConsoleLog(rc.RunID)
	if err != nil {
		return nil, err
	}

	if logWriter != nil {
		defer func() { _ = logWriter.Close() }()
	}

	e.log.WithFields(logrus.Fields{
		"run_id":  rc.RunID,
		"command": e.cfg.Command,
		"log":     logPath,
	}).Info("Starting boot test")

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting boot test script: %w", err)
	}

	lastStage := e.scanOutput(stdout, logWriter, rc.RunID)

	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("running boot test script: %w", waitErr)
		}

		stage := lastStage
		if stage == "" {
			stage = "unknown"
		}

		return &Result{Success: false, ErrorStage: stage}, nil
	}

	return &Result{Success: true}, nil
}

// scanOutput copies script output to the console log while tracking the
// most recent stage announcement.
func (e *scriptExecutor) scanOutput(
	r io.Reader, logWriter io.Writer, runID string,
) string {
	var lastStage string

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		if logWriter != nil {
			_, _ = io.WriteString(logWriter, line+"\n")
		}

		if stage, ok := strings.CutPrefix(line, stagePrefix); ok {
			lastStage = strings.TrimSpace(stage)

			e.log.WithFields(logrus.Fields{
				"run_id": runID,
				"stage":  lastStage,
			}).Debug("Boot test stage")
		}
	}

	return lastStage
}

// openConsoleLog creates the per-run console log file when a results
// directory is configured. Returns a nil writer when logging to disk is
// disabled.
func (e *scriptExecutor) openConsoleLog(
	runID string,
) (io.WriteCloser, string, error) {
	if e.cfg.ResultsDir == "" {
		return nil, "", nil
	}

	dir := RunDir(e.cfg.ResultsDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("creating run directory: %w", err)
	}

	path := filepath.Join(dir, "console.log")

	f, err := os.Create(path)
	if err != nil {
		return nil, "", fmt.Errorf("creating console log: %w", err)
	}

	return f, path, nil
}

// RunDir returns the artifact directory for a run.
func RunDir(resultsDir, runID string) string {
	return filepath.Join(resultsDir, runID)
}
