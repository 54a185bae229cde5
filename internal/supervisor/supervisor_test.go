package supervisor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStartCapturesOutput(t *testing.T) {
	dir := t.TempDir()

	child, err := Start(dir, []string{"sh", "-c", "echo booting; echo oops >&2"})
	if err != nil {
		t.Fatal(err)
	}

	code, err := child.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}

	out, err := os.ReadFile(filepath.Join(dir, LogFile))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "booting") || !strings.Contains(string(out), "oops") {
		t.Fatalf("uml.txt missing output: %q", out)
	}
}

func TestStartRunsInWorkDir(t *testing.T) {
	dir := t.TempDir()

	child, err := Start(dir, []string{"sh", "-c", "pwd"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := child.Wait(); err != nil {
		t.Fatal(err)
	}

	out, err := os.ReadFile(filepath.Join(dir, LogFile))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(out)) != dir {
		t.Fatalf("child ran in %q, want %q", strings.TrimSpace(string(out)), dir)
	}
}

func TestWaitReportsExitCode(t *testing.T) {
	dir := t.TempDir()

	child, err := Start(dir, []string{"sh", "-c", "exit 7"})
	if err != nil {
		t.Fatal(err)
	}
	code, err := child.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if code != 7 {
		t.Fatalf("exit code = %d, want 7", code)
	}
}

func TestStartEmptyArgv(t *testing.T) {
	if _, err := Start(t.TempDir(), nil); err == nil {
		t.Fatal("expected error for empty command line")
	}
}

func TestStartTruncatesOldLog(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, LogFile), []byte("old run\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	child, err := Start(dir, []string{"true"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := child.Wait(); err != nil {
		t.Fatal(err)
	}

	out, err := os.ReadFile(filepath.Join(dir, LogFile))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(out), "old run") {
		t.Fatal("previous run's log not truncated")
	}
}
