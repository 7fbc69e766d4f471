//go:build linux

package main

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kestrelio/kestrel/runtime"
)

func skipIfNoIOURing(t *testing.T) {
	t.Helper()
	rt, err := runtime.New()
	if err != nil {
		switch err {
		case syscall.ENOSYS:
			t.Skip("io_uring not supported on this kernel")
		case syscall.EPERM:
			t.Skip("io_uring blocked by seccomp or permissions")
		default:
			t.Skipf("io_uring unavailable: %v", err)
		}
	}
	rt.AllowExit()
}

func TestRunCpPlainCopy(t *testing.T) {
	skipIfNoIOURing(t)

	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	want := []byte("copy me with plain sequential read/write")
	require.NoError(t, os.WriteFile(src, want, 0644))

	require.NoError(t, runCp(src, dst, false))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestRunCpLinkedCopy(t *testing.T) {
	skipIfNoIOURing(t)

	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	want := []byte("copy me through a linked read/write chain")
	require.NoError(t, os.WriteFile(src, want, 0644))

	require.NoError(t, runCp(src, dst, true))

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, want, got)
}
