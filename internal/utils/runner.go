package utils

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

// Runner abstracts external tool invocation so builds can be exercised
// without touching the host. Arguments are always passed as a vector,
// never through a shell. Run returns the tool's standard output only;
// callers parse it (loop device paths, UUIDs), so warnings on standard
// error must never leak into it.
type Runner interface {
	Run(tool string, args ...string) (string, error)
}

// ToolNotFoundError reports a required external tool missing from PATH.
// This is an environment error and is checked before any mutation.
type ToolNotFoundError struct {
	Tool string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("required tool not found in PATH: %s", e.Tool)
}

// CommandError reports a tool that was found but exited non-zero, with
// its captured diagnostics.
type CommandError struct {
	Tool     string
	Args     []string
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s %s: exit %d: %s", e.Tool, strings.Join(e.Args, " "), e.ExitCode, strings.TrimSpace(e.Output))
}

// ExecRunner runs tools on the host.
type ExecRunner struct{}

func (ExecRunner) Run(tool string, args ...string) (string, error) {
	path, err := exec.LookPath(tool)
	if err != nil {
		return "", &ToolNotFoundError{Tool: tool}
	}
	Log.Debug().Str("tool", tool).Strs("args", args).Msg("Running command")
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		code := -1
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return strings.TrimSpace(stdout.String()), &CommandError{
			Tool:     tool,
			Args:     args,
			ExitCode: code,
			Output:   stderr.String() + stdout.String(),
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// RunInteractive hands the terminal to the tool. Only used by the test
// command to run the emulator in the foreground.
func (ExecRunner) RunInteractive(tool string, args ...string) error {
	path, err := exec.LookPath(tool)
	if err != nil {
		return &ToolNotFoundError{Tool: tool}
	}
	cmd := exec.Command(path, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// CheckTools verifies every listed tool resolves in PATH. Returns the
// first miss so conflicting environments fail before any mutation.
func CheckTools(tools ...string) error {
	for _, t := range tools {
		if _, err := exec.LookPath(t); err != nil {
			return &ToolNotFoundError{Tool: t}
		}
	}
	return nil
}

// Sync flushes pending writes. Called before every unmount and detach.
func Sync() {
	unix.Sync()
}

func CreateIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModePerm)
	}
	return nil
}
