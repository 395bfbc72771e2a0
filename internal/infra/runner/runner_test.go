package runner

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/solvepad/solvepad/internal/domain"
)

func requireBinary(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not installed", name)
	}
}

func TestExecute_UnsupportedLanguage(t *testing.T) {
	r := New(Config{})
	_, err := r.Execute(context.Background(), "cobol", `DISPLAY "HI".`)
	if !errors.Is(err, domain.ErrLanguageUnsupported) {
		t.Errorf("err = %v, want ErrLanguageUnsupported", err)
	}
}

func TestSupported(t *testing.T) {
	for _, lang := range []string{"python", "Python", "js", "cpp", "C++"} {
		if !Supported(lang) {
			t.Errorf("Supported(%q) = false", lang)
		}
	}
	if Supported("brainfuck") {
		t.Error("Supported(brainfuck) = true")
	}
}

func TestExecute_Python(t *testing.T) {
	requireBinary(t, "python3")
	r := New(Config{WorkDir: t.TempDir()})

	out, err := r.Execute(context.Background(), "python", `print("hello", 1+2)`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if strings.TrimSpace(out) != "hello 3" {
		t.Errorf("out = %q", out)
	}
}

func TestExecute_NonZeroExitKeepsOutput(t *testing.T) {
	requireBinary(t, "python3")
	r := New(Config{WorkDir: t.TempDir()})

	out, err := r.Execute(context.Background(), "python", `
import sys
print("before the crash")
sys.exit(3)
`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "before the crash") {
		t.Errorf("out = %q", out)
	}
}

func TestExecute_StderrIsMerged(t *testing.T) {
	requireBinary(t, "python3")
	r := New(Config{WorkDir: t.TempDir()})

	out, err := r.Execute(context.Background(), "python", `
import sys
sys.stderr.write("warn: something\n")
print("done")
`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "warn: something") || !strings.Contains(out, "done") {
		t.Errorf("merged out = %q", out)
	}
}

func TestExecute_WallClockTimeout(t *testing.T) {
	requireBinary(t, "python3")
	r := New(Config{WallClock: 500 * time.Millisecond, WorkDir: t.TempDir()})

	start := time.Now()
	_, err := r.Execute(context.Background(), "python", `
import time
time.sleep(30)
`)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("err = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("took %s, timeout not enforced", elapsed)
	}
}

func TestExecute_OutputTruncated(t *testing.T) {
	requireBinary(t, "python3")
	r := New(Config{OutputLimit: 1024, WorkDir: t.TempDir()})

	out, err := r.Execute(context.Background(), "python", `print("x" * 100000)`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "[output truncated]") {
		t.Error("missing truncation marker")
	}
	if len(out) > 2048 {
		t.Errorf("output length %d, cap not applied", len(out))
	}
}

func TestLimitWriter(t *testing.T) {
	var buf bytes.Buffer
	lw := &limitWriter{w: &buf, remaining: 5}

	n, err := lw.Write([]byte("abc"))
	if n != 3 || err != nil {
		t.Fatalf("write 1: n=%d err=%v", n, err)
	}
	n, err = lw.Write([]byte("defg"))
	if n != 4 || err != nil {
		t.Fatalf("write 2: n=%d err=%v", n, err)
	}
	if buf.String() != "abcde" {
		t.Errorf("buffer = %q, want abcde", buf.String())
	}
	if !lw.truncated {
		t.Error("truncated flag not set")
	}
	// Further writes are swallowed but reported as consumed.
	if n, _ := lw.Write([]byte("zz")); n != 2 {
		t.Errorf("post-cap write n = %d", n)
	}
}
