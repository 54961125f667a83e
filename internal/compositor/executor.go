package compositor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	"github.com/rs/zerolog"

	"github.com/wapuda/vastreel/internal/compose"
	"github.com/wapuda/vastreel/internal/jobs"
	"github.com/wapuda/vastreel/internal/logx"
)

const (
	defaultProbeTimeout = 5 * time.Second
	defaultTimeout      = 120 * time.Second
	// waitDelay bounds how long Wait blocks on output pipes after the
	// process has been killed.
	waitDelay = 5 * time.Second

	timeoutMarker = "--- TIMEOUT OCCURRED ---"
)

var (
	ErrUnavailable = errors.New("compositor not found or not validated")
	ErrFailed      = errors.New("composition failed")
	ErrTimeout     = errors.New("composition timed out")
	ErrExecution   = errors.New("composition could not be executed")
)

// RunError is returned for every unsuccessful Run. Kind is one of
// ErrFailed, ErrTimeout or ErrExecution.
type RunError struct {
	Kind   error
	Cause  error
	Result jobs.ExecutionResult
}

func (e *RunError) Error() string {
	switch {
	case errors.Is(e.Kind, ErrFailed):
		return fmt.Sprintf("%v with exit code %d", e.Kind, e.Result.ExitCode)
	case e.Cause != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Cause)
	default:
		return e.Kind.Error()
	}
}

func (e *RunError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// Runner runs a composition job to completion.
type Runner interface {
	Run(ctx context.Context, job jobs.CompositionJob) (jobs.ExecutionResult, error)
	Version() string
}

type Executor struct {
	bin Binary
}

func NewExecutor(bin Binary) *Executor {
	return &Executor{bin: bin}
}

func (e *Executor) Version() string { return e.bin.Version }

// Run writes the filter graph to a temporary script, invokes the compositor
// with a hard timeout and writes a log artifact next to the output. The
// script is removed on every return path.
func (e *Executor) Run(ctx context.Context, job jobs.CompositionJob) (res jobs.ExecutionResult, err error) {
	logger := logx.FromCtx(ctx).With().Str("component", "compositor").Logger()
	res = jobs.ExecutionResult{ExitCode: -1, LogPath: job.LogPath}

	defer func() {
		if r := recover(); r != nil {
			err = &RunError{Kind: ErrExecution, Cause: fmt.Errorf("panic: %v", r), Result: res}
		}
	}()

	dir := filepath.Dir(job.OutputPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return res, &RunError{Kind: ErrExecution, Cause: err, Result: res}
	}

	script, err := writeScript(dir, job.FilterGraph)
	if err != nil {
		return res, &RunError{Kind: ErrExecution, Cause: err, Result: res}
	}
	defer func() {
		if rmErr := os.Remove(script); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			logger.Warn().Err(rmErr).Str("script", script).Msg("removing filter script")
		}
	}()

	args := compose.Args(job, script)
	res.CommandLine = shellescape.QuoteCommand(append([]string{e.bin.Path}, args...))

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	lw := logx.NewLineWriter(logger, map[string]string{"stream": "stderr"}, zerolog.DebugLevel)

	// #nosec G204 - binary was validated by Probe; args are built by compose.Args
	cmd := exec.CommandContext(runCtx, e.bin.Path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = io.MultiWriter(&stderr, lw)
	cmd.WaitDelay = waitDelay

	logger.Info().Str("event", "compositor.start").Str("cmd_repro", res.CommandLine).Dur("timeout", timeout).Msg("starting compositor")
	started := time.Now()
	runErr := cmd.Run()
	lw.Flush()

	res.Duration = time.Since(started)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	var exitErr *exec.ExitError
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.TimedOut = true
		e.writeLog(logger, job.LogPath, res, fmt.Sprintf("%s after %s", timeoutMarker, timeout))
		discard(job.OutputPath)
		logger.Error().Str("event", "compositor.timeout").Dur("elapsed", res.Duration).Msg("compositor killed after timeout")
		return res, &RunError{Kind: ErrTimeout, Cause: fmt.Errorf("killed after %s", timeout), Result: res}

	case runErr == nil:
		e.writeLog(logger, job.LogPath, res, "")
		if _, statErr := os.Stat(job.OutputPath); statErr != nil {
			return res, &RunError{Kind: ErrFailed, Cause: fmt.Errorf("exit code 0 but no output: %w", statErr), Result: res}
		}
		res.OutputPath = job.OutputPath
		logger.Info().Str("event", "compositor.done").Dur("elapsed", res.Duration).Str("output", job.OutputPath).Msg("composition finished")
		return res, nil

	case errors.As(runErr, &exitErr) && ctx.Err() == nil:
		e.writeLog(logger, job.LogPath, res, "")
		discard(job.OutputPath)
		logger.Error().Str("event", "compositor.failed").Int("exit_code", res.ExitCode).Str("stderr_tail", tail(res.Stderr, 20)).Msg("compositor exited non-zero")
		return res, &RunError{Kind: ErrFailed, Result: res}

	default:
		cause := runErr
		if ctx.Err() != nil {
			cause = ctx.Err()
		}
		e.writeLog(logger, job.LogPath, res, "EXECUTION ERROR: "+cause.Error())
		discard(job.OutputPath)
		logger.Error().Err(cause).Str("event", "compositor.exec_failed").Msg("compositor could not be executed")
		return res, &RunError{Kind: ErrExecution, Cause: cause, Result: res}
	}
}

func writeScript(dir, graph string) (string, error) {
	f, err := os.CreateTemp(dir, "filter-*.txt")
	if err != nil {
		return "", fmt.Errorf("creating filter script: %w", err)
	}
	name := f.Name()
	if _, err := f.WriteString(graph); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("writing filter script: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("closing filter script: %w", err)
	}
	return name, nil
}

func (e *Executor) writeLog(logger zerolog.Logger, path string, res jobs.ExecutionResult, trailer string) {
	if path == "" {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "COMMAND: %s\n", res.CommandLine)
	fmt.Fprintf(&b, "EXIT CODE: %d\n", res.ExitCode)
	fmt.Fprintf(&b, "DURATION: %s\n", res.Duration.Round(time.Millisecond))
	fmt.Fprintf(&b, "STDOUT:\n%s\n", res.Stdout)
	fmt.Fprintf(&b, "STDERR:\n%s\n", res.Stderr)
	if trailer != "" {
		fmt.Fprintf(&b, "\n%s\n", trailer)
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		logger.Warn().Err(err).Str("log", path).Msg("writing compositor log")
	}
}

func discard(path string) {
	_ = os.Remove(path)
}

func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
