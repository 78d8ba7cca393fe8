package helpers

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func TestCommandExitCode(t *testing.T) {
	if code, ok := CommandExitCode(nil); code != 0 || !ok {
		t.Fatalf("got unexpected result for nil error: %d, %t", code, ok)
	}

	err := exec.Command("/bin/sh", "-c", "exit 3").Run()
	if code, ok := CommandExitCode(err); code != 3 || !ok {
		t.Fatalf("got unexpected result: want 3, got %d (%t)", code, ok)
	}

	if code, ok := CommandExitCode(errors.New("spawn failed")); code != 1 || ok {
		t.Fatalf("got unexpected result for a non-exit error: %d, %t", code, ok)
	}
}

func TestResolveExecutable(t *testing.T) {
	dir := t.TempDir()

	exe := filepath.Join(dir, "qemu-fake")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}

	plain := filepath.Join(dir, "plain")
	if err := os.WriteFile(plain, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	if p, err := ResolveExecutable(exe); err != nil || p != exe {
		t.Fatalf("got unexpected result: %s, %v", p, err)
	}

	for _, fname := range []string{plain, dir, filepath.Join(dir, "missing")} {
		if _, err := ResolveExecutable(fname); err == nil {
			t.Fatalf("got unexpected result: want error for %s", fname)
		}
	}
}

func TestLookForFile(t *testing.T) {
	d1, d2 := t.TempDir(), t.TempDir()

	if err := os.WriteFile(filepath.Join(d2, "qdevctl.ini"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	dir, fname, err := LookForFile("qdevctl.ini", d1, d2)
	if err != nil || dir != d2 || fname != filepath.Join(d2, "qdevctl.ini") {
		t.Fatalf("got unexpected result: %s, %s, %v", dir, fname, err)
	}

	if _, _, err := LookForFile("absent.ini", d1, d2); !os.IsNotExist(err) {
		t.Fatalf("got unexpected error: %v", err)
	}
}
