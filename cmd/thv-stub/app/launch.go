package app

import (
	"fmt"
	"os"

	"github.com/stacklok/capsule-broker/pkg/launcher"
)

// runLaunch implements spec section 4.4's start-up algorithm end to end:
// prepare the exec plan, chdir if requested, and replace this process
// image. It never returns on success; any error here is a pre-exec
// failure and must be reported on stderr with a non-zero exit.
func runLaunch() error {
	plan, err := launcher.Prepare(os.Environ(), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "thv-stub: %v\n", err)
		os.Exit(1)
	}

	if plan.Cwd != "" {
		if err := os.Chdir(plan.Cwd); err != nil {
			fmt.Fprintf(os.Stderr, "thv-stub: changing to %s: %v\n", plan.Cwd, err)
			os.Exit(1)
		}
	}

	if err := launcher.Exec(plan); err != nil {
		fmt.Fprintf(os.Stderr, "thv-stub: exec %s: %v\n", plan.Command, err)
		os.Exit(1)
	}
	return nil
}
