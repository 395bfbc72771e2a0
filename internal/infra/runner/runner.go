// Package runner executes extracted solution code in a short-lived
// subprocess with a wall-clock limit, a memory ceiling, and a cap on
// captured output. It exists to produce the terminal output shown in
// the assembled document, not to be a hard security boundary.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/solvepad/solvepad/internal/domain"
)

const (
	// DefaultWallClock bounds one execution end to end, compile included.
	DefaultWallClock = 8 * time.Second

	// DefaultMemoryLimit is the address-space ceiling for the subprocess.
	DefaultMemoryLimit = 256 << 20

	// DefaultOutputLimit caps merged stdout+stderr.
	DefaultOutputLimit = 64 << 10
)

// runtimeSpec describes how one language is compiled and run. compile
// is nil for interpreted languages. Argv entries use {src}, {bin} and
// {dir} placeholders.
type runtimeSpec struct {
	ext     string
	compile []string
	run     []string
}

var runtimes = map[string]runtimeSpec{
	"python": {
		ext: "main.py",
		run: []string{"python3", "{src}"},
	},
	"javascript": {
		ext: "main.js",
		run: []string{"node", "{src}"},
	},
	"c": {
		ext:     "main.c",
		compile: []string{"gcc", "-O2", "-o", "{bin}", "{src}"},
		run:     []string{"{bin}"},
	},
	"c++": {
		ext:     "main.cpp",
		compile: []string{"g++", "-O2", "-std=c++17", "-o", "{bin}", "{src}"},
		run:     []string{"{bin}"},
	},
	"java": {
		ext:     "Main.java",
		compile: []string{"javac", "{src}"},
		run:     []string{"java", "-cp", "{dir}", "Main"},
	},
}

var languageAliases = map[string]string{
	"py":   "python",
	"js":   "javascript",
	"node": "javascript",
	"cpp":  "c++",
}

// Config tunes the execution limits.
type Config struct {
	WallClock   time.Duration
	MemoryLimit int64
	OutputLimit int64
	WorkDir     string // "" = os.TempDir()
}

// Subprocess runs solution code through the host's language toolchains.
type Subprocess struct {
	cfg Config
}

// New creates a runner with the given limits; zero fields take defaults.
func New(cfg Config) *Subprocess {
	if cfg.WallClock <= 0 {
		cfg.WallClock = DefaultWallClock
	}
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = DefaultMemoryLimit
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = DefaultOutputLimit
	}
	return &Subprocess{cfg: cfg}
}

// Execute writes code to a scratch dir, compiles it when the language
// needs it, runs it, and returns merged stdout+stderr. A non-zero exit
// is not an error: whatever the program printed is the result. The
// returned output is truncated at the configured limit.
func (s *Subprocess) Execute(ctx context.Context, language, code string) (string, error) {
	spec, ok := lookupRuntime(language)
	if !ok {
		return "", fmt.Errorf("%w: %s", domain.ErrLanguageUnsupported, language)
	}

	dir, err := os.MkdirTemp(s.cfg.WorkDir, "solvepad-run-")
	if err != nil {
		return "", fmt.Errorf("scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	src := filepath.Join(dir, spec.ext)
	if err := os.WriteFile(src, []byte(code), 0o600); err != nil {
		return "", fmt.Errorf("write source: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.WallClock)
	defer cancel()

	bin := filepath.Join(dir, "solution")
	if spec.compile != nil {
		out, err := s.runArgv(runCtx, dir, expandArgv(spec.compile, src, bin, dir))
		if err != nil {
			return "", fmt.Errorf("compile: %w", err)
		}
		// A compiler that exits non-zero leaves diagnostics in out and
		// no binary; surface the diagnostics as the execution result.
		if _, statErr := os.Stat(bin); statErr != nil && spec.run[0] == "{bin}" {
			return out, nil
		}
	}

	out, err := s.runArgv(runCtx, dir, expandArgv(spec.run, src, bin, dir))
	if err != nil {
		return "", err
	}
	return out, nil
}

// runArgv executes one command in dir with stdin closed and merged
// output, honoring the memory ceiling via the platform shim.
func (s *Subprocess) runArgv(ctx context.Context, dir string, argv []string) (string, error) {
	argv = wrapMemoryLimit(argv, s.cfg.MemoryLimit)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdin = nil
	configureProcess(cmd)

	var buf bytes.Buffer
	lw := &limitWriter{w: &buf, remaining: s.cfg.OutputLimit}
	cmd.Stdout = lw
	cmd.Stderr = lw

	runErr := cmd.Run()
	out := buf.String()
	if lw.truncated {
		out += "\n[output truncated]"
	}

	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("execution timed out after %s", s.cfg.WallClock)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			// The program ran and exited non-zero; its output stands.
			return out, nil
		}
		return "", fmt.Errorf("run %s: %w", argv[0], runErr)
	}
	return out, nil
}

func lookupRuntime(language string) (runtimeSpec, bool) {
	key := strings.ToLower(strings.TrimSpace(language))
	if canonical, ok := languageAliases[key]; ok {
		key = canonical
	}
	spec, ok := runtimes[key]
	return spec, ok
}

// Supported reports whether the runner knows how to execute language.
func Supported(language string) bool {
	_, ok := lookupRuntime(language)
	return ok
}

func expandArgv(argv []string, src, bin, dir string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		a = strings.ReplaceAll(a, "{src}", src)
		a = strings.ReplaceAll(a, "{bin}", bin)
		a = strings.ReplaceAll(a, "{dir}", dir)
		out[i] = a
	}
	return out
}

// limitWriter caps total bytes written, discarding the excess.
type limitWriter struct {
	w         *bytes.Buffer
	remaining int64
	truncated bool
}

func (l *limitWriter) Write(p []byte) (int, error) {
	n := len(p)
	if l.remaining <= 0 {
		l.truncated = l.truncated || n > 0
		return n, nil
	}
	if int64(n) > l.remaining {
		l.w.Write(p[:l.remaining])
		l.remaining = 0
		l.truncated = true
		return n, nil
	}
	l.w.Write(p)
	l.remaining -= int64(n)
	return n, nil
}
