//go:build !windows

package runner

import (
	"fmt"
	"os/exec"
	"strings"
	"syscall"
)

// configureProcess places the subprocess in its own process group so a
// timeout kill takes its children down with it.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// wrapMemoryLimit applies the address-space ceiling through the shell's
// ulimit builtin before exec'ing the real command.
func wrapMemoryLimit(argv []string, limit int64) []string {
	kib := limit >> 10
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	script := fmt.Sprintf("ulimit -v %d; exec %s", kib, strings.Join(quoted, " "))
	return []string{"/bin/sh", "-c", script}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
