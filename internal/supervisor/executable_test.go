package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeExecutable(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	return path
}

func TestFinder_FirstExistingCandidate(t *testing.T) {
	dir := t.TempDir()
	want := writeExecutable(t, dir, "claude")

	f := NewFinder("claude",
		WithCandidates([]string{filepath.Join(dir, "missing", "{name}"), filepath.Join(dir, "{name}")}),
		WithShellFallback(false),
	)

	res, err := f.Find(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, res.Path)
	require.False(t, res.ViaShell)
}

func TestFinder_SkipsNonExecutable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not meaningful on windows")
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "claude"), []byte("x"), 0o644))

	f := NewFinder("claude", WithCandidates([]string{filepath.Join(dir, "{name}")}), WithShellFallback(false))

	_, err := f.Find(context.Background())
	require.ErrorIs(t, err, ErrExecutableNotFound)
}

func TestFinder_FollowsSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	dir := t.TempDir()
	target := writeExecutable(t, dir, "claude-real")
	link := filepath.Join(dir, "claude")
	require.NoError(t, os.Symlink(target, link))

	f := NewFinder("claude", WithCandidates([]string{link}), WithShellFallback(false))

	res, err := f.Find(context.Background())
	require.NoError(t, err)
	require.Equal(t, link, res.Path)
}

func TestFinder_Override(t *testing.T) {
	dir := t.TempDir()
	want := writeExecutable(t, dir, "my-claude")

	f := NewFinder("claude", WithOverride(want), WithCandidates(nil))
	res, err := f.Find(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, res.Path)

	f = NewFinder("claude", WithOverride(filepath.Join(dir, "nope")))
	_, err = f.Find(context.Background())
	require.ErrorIs(t, err, ErrExecutableNotFound)
}

func TestFinder_ShellFallback(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no login shell on windows")
	}
	f := NewFinder("claude", WithCandidates(nil), WithShell("/bin/sh"))

	res, err := f.Find(context.Background())
	require.NoError(t, err)
	require.True(t, res.ViaShell)
	require.Equal(t, "/bin/sh", res.Path)
	require.Equal(t, "claude", res.Name)
}

func TestFinder_CachesResolution(t *testing.T) {
	dir := t.TempDir()
	path := writeExecutable(t, dir, "claude")
	f := NewFinder("claude", WithCandidates([]string{path}), WithShellFallback(false))

	_, err := f.Find(context.Background())
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	res, err := f.Find(context.Background())
	require.NoError(t, err)
	require.Equal(t, path, res.Path)

	f.Invalidate(context.Background())
	_, err = f.Find(context.Background())
	require.ErrorIs(t, err, ErrExecutableNotFound)
}

func TestFinder_ZeroTTLLooksUpEveryTime(t *testing.T) {
	dir := t.TempDir()
	path := writeExecutable(t, dir, "claude")
	f := NewFinder("claude", WithCandidates([]string{path}), WithShellFallback(false), WithCacheTTL(0))

	_, err := f.Find(context.Background())
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	_, err = f.Find(context.Background())
	require.ErrorIs(t, err, ErrExecutableNotFound)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	require.Equal(t, filepath.Join(home, ".claude", "local", "claude"), expandPath("~/.claude/local/{name}", "claude"))
	require.Equal(t, "/usr/bin/claude", expandPath("/usr/bin/{name}", "claude"))
	require.Equal(t, "~user/bin", expandPath("~user/bin", "claude"))
}

func TestFinder_Paths(t *testing.T) {
	f := NewFinder("agent", WithCandidates([]string{"/opt/{name}/bin/{name}", "/usr/bin/{name}"}))
	require.Equal(t, []string{"/opt/agent/bin/agent", "/usr/bin/agent"}, f.Paths())

	require.Equal(t, []string{"/custom/agent"}, NewFinder("agent", WithOverride("/custom/agent")).Paths())
	require.Empty(t, NewFinder("agent", WithOverride("agent")).Paths())
}

func TestFinder_DefaultCandidateOrder(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	require.Equal(t, []string{
		filepath.Join(home, ".local", "bin", "claude"),
		"/usr/local/bin/claude",
		"/opt/homebrew/bin/claude",
		filepath.Join(home, ".claude", "local", "claude"),
		filepath.Join(home, ".npm-global", "bin", "claude"),
		"/usr/bin/claude",
	}, NewFinder("claude").Paths())
}
