//go:build !unix

package update

import "errors"

type ExecRestarter struct {
	Args []string
}

func (ExecRestarter) Restart(string) error {
	return errors.New("update: exec restart is only supported on unix")
}
