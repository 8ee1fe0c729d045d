//go:build unix

package update

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ExecRestarter replaces the running process with the new image, keeping
// the PID so the service manager sees one continuous unit.
type ExecRestarter struct {
	Args []string // argv[1:] for the new image
}

func (r ExecRestarter) Restart(image string) error {
	argv := append([]string{image}, r.Args...)
	if err := unix.Exec(image, argv, os.Environ()); err != nil {
		return fmt.Errorf("update: exec %s: %w", image, err)
	}
	return nil
}
