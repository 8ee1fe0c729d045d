package update

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"sensornode-go/services/config"
)

// Restarter hands control to a freshly installed image.
type Restarter interface {
	Restart(image string) error
}

// CommandRestarter runs a command (typically a reboot) and lets the
// service manager bring the new image up from <slot_dir>/current.
type CommandRestarter struct {
	Command []string
	Timeout time.Duration
}

func (r CommandRestarter) Restart(string) error {
	if len(r.Command) == 0 {
		return errors.New("update: empty restart command")
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, r.Command[0], r.Command[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("update: %v: %w: %s", r.Command, err, out)
	}
	return nil
}

// NewRestarter picks the restarter named by cfg.Restart. args are passed
// to the new image when exec'ing.
func NewRestarter(cfg config.UpdateConfig, args []string) Restarter {
	if cfg.Restart == "reboot" {
		return CommandRestarter{Command: cfg.RebootCommand}
	}
	return ExecRestarter{Args: args}
}
