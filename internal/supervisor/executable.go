package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/zjrosen/perch/internal/cachemanager"
	"github.com/zjrosen/perch/internal/log"
)

// DefaultExecutableName is the agent binary name substituted into {name}.
const DefaultExecutableName = "claude"

// DefaultCandidates are tried in order when no override is configured.
// {name} is replaced with the executable name and a leading ~ with the
// user's home directory. The npm global prefix and /usr/bin come last so
// they never shadow the installer's own locations.
var DefaultCandidates = []string{
	"~/.local/bin/{name}",
	"/usr/local/bin/{name}",
	"/opt/homebrew/bin/{name}",
	"~/.claude/local/{name}",
	"~/.npm-global/bin/{name}",
	"/usr/bin/{name}",
}

// defaultShells are tried, after $SHELL, for the login-shell fallback.
var defaultShells = []string{"/bin/zsh", "/bin/bash", "/bin/sh"}

// Resolution is how the agent will be launched.
type Resolution struct {
	// Path is the executable to exec: the agent itself, or a shell.
	Path string
	// ViaShell is set when Path is a login shell that resolves Name from
	// the user's PATH.
	ViaShell bool
	// Name is the agent name run inside the shell.
	Name string
}

// Command returns the program and argv that launch the agent with args.
// Arguments are only quoted in shell mode; a direct exec passes them
// through untouched.
func (r Resolution) Command(args []string) (string, []string) {
	if !r.ViaShell {
		return r.Path, args
	}
	return r.Path, []string{"-l", "-c", shellCommand(r.Name, args)}
}

// Finder locates the agent executable.
type Finder struct {
	name          string
	override      string
	candidates    []string
	shell         string
	shellFallback bool
	ttl           time.Duration
	cache         *cachemanager.ReadThroughCache[string, Resolution, struct{}]
}

// FinderOption configures a Finder.
type FinderOption func(*Finder)

// WithOverride forces a specific executable. A bare name is looked up on
// PATH.
func WithOverride(path string) FinderOption {
	return func(f *Finder) {
		f.override = path
	}
}

// WithCandidates replaces the default candidate list.
func WithCandidates(paths []string) FinderOption {
	return func(f *Finder) {
		f.candidates = append([]string(nil), paths...)
	}
}

// WithShell sets the login shell used for the fallback.
func WithShell(path string) FinderOption {
	return func(f *Finder) {
		f.shell = path
	}
}

// WithShellFallback toggles the login-shell fallback.
func WithShellFallback(enabled bool) FinderOption {
	return func(f *Finder) {
		f.shellFallback = enabled
	}
}

// WithCacheTTL sets how long a resolution is remembered. Zero disables
// caching.
func WithCacheTTL(ttl time.Duration) FinderOption {
	return func(f *Finder) {
		f.ttl = ttl
	}
}

// NewFinder creates a finder for the named executable.
func NewFinder(name string, opts ...FinderOption) *Finder {
	if name == "" {
		name = DefaultExecutableName
	}
	f := &Finder{
		name:          name,
		candidates:    DefaultCandidates,
		shellFallback: true,
		ttl:           5 * time.Minute,
	}
	for _, opt := range opts {
		opt(f)
	}

	manager := cachemanager.NewInMemoryCacheManager[string, Resolution]("executable", f.ttl, cachemanager.DefaultCleanupInterval)
	f.cache = cachemanager.NewReadThroughCache(manager, f.locate, f.ttl <= 0)
	return f
}

// Find resolves the executable: the override if set, then the first
// candidate that exists and is executable, then a login shell.
func (f *Finder) Find(ctx context.Context) (Resolution, error) {
	return f.cache.Get(ctx, f.cacheKey(), struct{}{}, f.ttl)
}

// Invalidate forgets a cached resolution.
func (f *Finder) Invalidate(ctx context.Context) {
	_ = f.cache.Invalidate(ctx, f.cacheKey())
}

// Paths returns the expanded locations the finder checks, override first.
// A bare override name is omitted.
func (f *Finder) Paths() []string {
	var out []string
	if f.override != "" {
		if strings.ContainsRune(f.override, filepath.Separator) || strings.HasPrefix(f.override, "~") {
			out = append(out, expandPath(f.override, f.name))
		}
		return out
	}
	for _, c := range f.candidates {
		out = append(out, expandPath(c, f.name))
	}
	return out
}

func (f *Finder) cacheKey() string {
	return strings.Join([]string{f.name, f.override, f.shell, strings.Join(f.candidates, ":")}, "|")
}

func (f *Finder) locate(_ context.Context, _ struct{}) (Resolution, error) {
	if f.override != "" {
		path, err := f.resolveOverride(f.override)
		if err != nil {
			return Resolution{}, err
		}
		log.Debug(log.CatProc, "Using configured executable", "path", path)
		return Resolution{Path: path, Name: f.name}, nil
	}

	for _, c := range f.candidates {
		path := expandPath(c, f.name)
		if isExecutable(path) {
			log.Debug(log.CatProc, "Found executable", "path", path)
			return Resolution{Path: path, Name: f.name}, nil
		}
	}

	if !f.shellFallback {
		return Resolution{}, fmt.Errorf("%w: %s", ErrExecutableNotFound, f.name)
	}

	shells := make([]string, 0, len(defaultShells)+2)
	if f.shell != "" {
		shells = append(shells, f.shell)
	}
	if env := os.Getenv("SHELL"); env != "" {
		shells = append(shells, env)
	}
	shells = append(shells, defaultShells...)

	for _, sh := range shells {
		if isExecutable(sh) {
			log.Debug(log.CatProc, "Falling back to login shell", "shell", sh, "name", f.name)
			return Resolution{Path: sh, ViaShell: true, Name: f.name}, nil
		}
	}
	return Resolution{}, fmt.Errorf("%w: %s (no login shell available)", ErrExecutableNotFound, f.name)
}

func (f *Finder) resolveOverride(p string) (string, error) {
	if !strings.ContainsRune(p, filepath.Separator) && !strings.HasPrefix(p, "~") {
		path, err := exec.LookPath(p)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrExecutableNotFound, p, err)
		}
		return path, nil
	}
	path := expandPath(p, f.name)
	if !isExecutable(path) {
		return "", fmt.Errorf("%w: %s", ErrExecutableNotFound, path)
	}
	return path, nil
}

// expandPath substitutes {name} and a leading ~.
func expandPath(p, name string) string {
	p = strings.ReplaceAll(p, "{name}", name)
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}

// isExecutable reports whether path is a regular file the user may run.
// Symlinks are followed.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}
