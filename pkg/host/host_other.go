//go:build !linux

package host

import "os/exec"

// applyPlatformAttrs is a no-op outside Linux: there is no portable
// equivalent of Pdeathsig/process-group binding.
func applyPlatformAttrs(cmd *exec.Cmd) {}

func terminateProcess(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}
