//go:build !windows

package capture

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// setProcessGroup puts the agent in its own process group so helpers it forks
// are killed along with it.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return cmd.Process.Kill()
}

// killedBySignal reports whether the process was ended by a signal rather than
// by exiting.
func killedBySignal(ps *os.ProcessState) bool {
	ws, ok := ps.Sys().(syscall.WaitStatus)
	if !ok {
		return true
	}
	return ws.Signaled()
}
