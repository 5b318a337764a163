//go:build !windows

package launcher

import (
	"os/exec"
	"syscall"
)

// Exec replaces the current process image with plan's command, per spec
// section 4.4 step 9. It never returns on success.
func Exec(plan *Plan) error {
	binary, err := exec.LookPath(plan.Command)
	if err != nil {
		return err
	}
	return syscall.Exec(binary, plan.Args, plan.Env)
}
