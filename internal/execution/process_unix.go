//go:build !windows

package execution

import (
	"os/exec"

	"golang.org/x/sys/unix"
)

// prepareCommandForTermination puts the spawned process in its own
// process group so a later kill-tree can reach every descendant it
// forks, the same Setpgid idiom the teacher uses for sandboxed
// subprocesses.
func prepareCommandForTermination(cmd *exec.Cmd) {
	if cmd == nil {
		return
	}
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
}
