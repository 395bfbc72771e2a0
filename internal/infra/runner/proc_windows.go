package runner

import (
	"os/exec"
	"syscall"
)

// configureProcess hides the console window for the subprocess.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow: true,
	}
}

// wrapMemoryLimit is a no-op on Windows; only the wall clock and output
// cap bound the subprocess here.
func wrapMemoryLimit(argv []string, _ int64) []string { return argv }
