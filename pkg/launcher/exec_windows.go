//go:build windows

package launcher

import (
	"os"
	"os/exec"
)

// Exec emulates process replacement on Windows, which has no fork/exec
// primitive equivalent to POSIX execve: it spawns plan's command as a
// child, forwards stdio, waits for completion, and exits this process
// with the child's exit code. Callers must treat a nil error return as
// "unreachable in practice" exactly as on POSIX: os.Exit always fires
// first on any code path that reaches it.
func Exec(plan *Plan) error {
	cmd := exec.Command(plan.Command, plan.Args[1:]...)
	cmd.Env = plan.Env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return err
	}
	err := cmd.Wait()
	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if err != nil {
		return err
	}
	os.Exit(code)
	return nil
}
