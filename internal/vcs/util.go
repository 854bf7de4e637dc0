package vcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ExecError is returned by ExecContext when the command exits unsuccessfully.
// Output carries stdout followed by stderr so callers can classify the
// failure (rejected push, rebase conflict, ...).
type ExecError struct {
	Args   []string
	Output string
	Err    error
}

func (e *ExecError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", strings.Join(e.Args, " "), e.Err, e.Output)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// ExecContext executes a VCS command with timeout and context support.
//
// Example:
//
//	output, err := ExecContext(ctx, 30*time.Second, repoRoot, "git", "status", "--porcelain")
func ExecContext(ctx context.Context, timeout time.Duration, workDir string, name string, args ...string) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		if errors.Is(err, exec.ErrNotFound) {
			err = fmt.Errorf("%w: %v", ErrVCSNotAvailable, err)
		}
		return stdout.Bytes(), &ExecError{
			Args:   append([]string{name}, args...),
			Output: joinOutput(stdout.String(), stderr.String()),
			Err:    err,
		}
	}

	return stdout.Bytes(), nil
}

// joinOutput trims both streams and joins the non-empty ones.
func joinOutput(stdout, stderr string) string {
	stdout, stderr = strings.TrimSpace(stdout), strings.TrimSpace(stderr)
	switch {
	case stdout == "":
		return stderr
	case stderr == "":
		return stdout
	}
	return stdout + "\n" + stderr
}

// ParseLines splits command output into non-empty lines.
func ParseLines(output []byte) []string {
	if len(output) == 0 {
		return nil
	}

	lines := strings.Split(string(output), "\n")
	result := make([]string, 0, len(lines))

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			result = append(result, line)
		}
	}

	return result
}

// TrimOutput trims whitespace and trailing newlines from command output.
func TrimOutput(output []byte) string {
	return strings.TrimSpace(string(output))
}

// OutputOf returns the combined output recorded in an ExecError, or "".
func OutputOf(err error) string {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr.Output
	}
	return ""
}
