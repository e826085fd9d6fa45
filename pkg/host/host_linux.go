//go:build linux

package host

import (
	"os/exec"
	"syscall"

	"github.com/docker/docker/pkg/parsers/kernel"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// pdeathsigSupported gates use of Pdeathsig on a probed kernel version
// of 2.6.0 or later, rather than assuming it unconditionally.
var pdeathsigSupported bool

func init() {
	v, err := kernel.GetKernelVersion()
	if err != nil {
		logrus.WithError(err).Warn("host: could not determine kernel version, disabling Pdeathsig")
		return
	}
	pdeathsigSupported = kernel.CompareKernelVersion(*v, kernel.VersionInfo{Kernel: 2, Major: 6, Minor: 0}) >= 0
}

// applyPlatformAttrs binds the child to a new process group and arranges
// for it to receive SIGKILL if this process dies first, so an orphaned
// master never leaves zombie attempts behind.
func applyPlatformAttrs(cmd *exec.Cmd) {
	attr := &unix.SysProcAttr{Setpgid: true}
	if pdeathsigSupported {
		attr.Pdeathsig = unix.SIGKILL
	}
	cmd.SysProcAttr = attr
}

func terminateProcess(cmd *exec.Cmd) error {
	// Negative pid signals the whole process group created via Setpgid.
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}
