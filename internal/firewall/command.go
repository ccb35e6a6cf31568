package firewall

import (
	"fmt"
	"os"
	"os/exec"
)

// CommandRunner abstracts process execution.
type CommandRunner interface {
	Output(name string, args ...string) ([]byte, error)
	// RunFiles runs name with stdin read from the stdin file (none when
	// empty) and stdout and stderr appended to the log file.
	RunFiles(stdin, log string, name string, args ...string) error
}

// RealCommandRunner executes actual commands.
type RealCommandRunner struct{}

// DefaultCommandRunner is the default command runner.
var DefaultCommandRunner CommandRunner = &RealCommandRunner{}

// Output executes a command and returns its output.
func (r *RealCommandRunner) Output(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).Output()
}

// RunFiles executes a command wired to files.
func (r *RealCommandRunner) RunFiles(stdin, log string, name string, args ...string) error {
	cmd := exec.Command(name, args...)
	if stdin != "" {
		in, err := os.Open(stdin)
		if err != nil {
			return err
		}
		defer in.Close()
		cmd.Stdin = in
	}
	out, err := os.OpenFile(log, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("command %s failed: %w", name, err)
	}
	return nil
}
