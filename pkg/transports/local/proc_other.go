//go:build !unix

package local

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

// terminate has no graceful variant outside unix.
func terminate(cmd *exec.Cmd) error {
	return kill(cmd)
}

func kill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
