// Package gitsync commits persisted unit changes to a git repository and
// pushes them. Sync runs after a unit is live; its failures are reported,
// never rolled back.
package gitsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Record describes one persisted change to sync.
type Record struct {
	Paths   []string
	Message string
}

// Config configures a Git syncer.
type Config struct {
	// Dir is the repository work tree.
	Dir string `yaml:"dir"`

	Remote string `yaml:"remote"`
	Branch string `yaml:"branch"`

	// Push enables `git push` after each commit.
	Push bool `yaml:"push"`

	// PullOnStart runs `git pull` before units are loaded.
	PullOnStart bool `yaml:"pull_on_start"`

	// Timeout bounds each git invocation. Defaults to 60s.
	Timeout time.Duration `yaml:"timeout"`

	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
}

// Result summarizes a Sync.
type Result struct {
	Committed bool
	Pushed    bool
	Output    string
}

// Status is a parsed `git status`.
type Status struct {
	Branch    string
	Ahead     int
	Behind    int
	Staged    []string
	Unstaged  []string
	Untracked []string
	Conflicts []string
}

// Clean reports whether the work tree has no pending changes.
func (s *Status) Clean() bool {
	return len(s.Staged)+len(s.Unstaged)+len(s.Untracked)+len(s.Conflicts) == 0
}

// Summary is a one-line description for status replies.
func (s *Status) Summary() string {
	if s.Clean() {
		return fmt.Sprintf("%s, clean", s.Branch)
	}
	return fmt.Sprintf("%s, %d staged, %d modified, %d untracked, %d conflicts",
		s.Branch, len(s.Staged), len(s.Unstaged), len(s.Untracked), len(s.Conflicts))
}

// Git runs the git CLI in a work tree. Operations are serialized.
type Git struct {
	cfg    Config
	mu     sync.Mutex
	logger *slog.Logger
}

// New creates a syncer for cfg.Dir.
func New(cfg Config, logger *slog.Logger) *Git {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Remote == "" {
		cfg.Remote = "origin"
	}
	if cfg.AuthorName == "" {
		cfg.AuthorName = "Jarvis Bot"
	}
	if cfg.AuthorEmail == "" {
		cfg.AuthorEmail = "jarvis-bot@localhost"
	}
	return &Git{cfg: cfg, logger: logger.With("component", "gitsync")}
}

// Available reports whether Dir is inside a git work tree.
func (g *Git) Available(ctx context.Context) bool {
	if _, err := exec.LookPath("git"); err != nil {
		return false
	}
	out, err := g.run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// Pull fetches and merges the configured branch.
func (g *Git) Pull(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	args := []string{"pull", "--ff-only", g.cfg.Remote}
	if g.cfg.Branch != "" {
		args = append(args, g.cfg.Branch)
	}
	out, err := g.run(ctx, args...)
	if err != nil {
		return err
	}
	g.logger.Info("repository pulled", "output", firstLine(out))
	return nil
}

// Sync stages rec.Paths, commits them and optionally pushes. A commit with
// nothing to record is a success with Committed false.
func (g *Git) Sync(ctx context.Context, rec Record) (Result, error) {
	if len(rec.Paths) == 0 {
		return Result{}, errors.New("nothing to sync")
	}
	msg := strings.TrimSpace(rec.Message)
	if msg == "" {
		msg = "Update units"
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.run(ctx, append([]string{"add", "--"}, rec.Paths...)...); err != nil {
		return Result{}, err
	}

	// diff --quiet exits 0 when nothing is staged for these paths.
	if _, err := g.run(ctx, append([]string{"diff", "--cached", "--quiet", "--"}, rec.Paths...)...); err == nil {
		return Result{Output: "no changes to commit"}, nil
	}

	commit := []string{
		"-c", "user.name=" + g.cfg.AuthorName,
		"-c", "user.email=" + g.cfg.AuthorEmail,
		"commit", "-m", msg, "--",
	}
	out, err := g.run(ctx, append(commit, rec.Paths...)...)
	if err != nil {
		if strings.Contains(err.Error(), "nothing to commit") {
			return Result{Output: "no changes to commit"}, nil
		}
		return Result{}, err
	}
	res := Result{Committed: true, Output: firstLine(out)}

	if g.cfg.Push {
		args := []string{"push", g.cfg.Remote}
		if g.cfg.Branch != "" {
			args = append(args, "HEAD:"+g.cfg.Branch)
		}
		if _, err := g.run(ctx, args...); err != nil {
			return res, err
		}
		res.Pushed = true
	}

	g.logger.Info("units synced", "paths", len(rec.Paths), "message", msg, "pushed", res.Pushed)
	return res, nil
}

// Status parses `git status --porcelain`.
func (g *Git) Status(ctx context.Context) (*Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := &Status{}
	branch, err := g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, err
	}
	st.Branch = branch

	abOut, _ := g.run(ctx, "rev-list", "--left-right", "--count", "HEAD...@{upstream}")
	if parts := strings.Fields(abOut); len(parts) == 2 {
		st.Ahead, _ = strconv.Atoi(parts[0])
		st.Behind, _ = strconv.Atoi(parts[1])
	}

	out, err := g.run(ctx, "status", "--porcelain=v1", "-uall")
	if err != nil {
		return nil, err
	}
	parsePorcelain(st, out)
	return st, nil
}

func parsePorcelain(st *Status, out string) {
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		x, y := line[0], line[1]
		file := strings.TrimSpace(line[3:])

		if (x == 'U' || y == 'U') || (x == 'A' && y == 'A') || (x == 'D' && y == 'D') {
			st.Conflicts = append(st.Conflicts, file)
			continue
		}
		if x == '?' && y == '?' {
			st.Untracked = append(st.Untracked, file)
			continue
		}
		if x != ' ' {
			st.Staged = append(st.Staged, file)
		}
		if y != ' ' {
			st.Unstaged = append(st.Unstaged, file)
		}
	}
}

func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.cfg.Dir
	out, err := cmd.CombinedOutput()
	result := strings.TrimSpace(string(out))
	if err != nil {
		verb := args[0]
		if verb == "-c" && len(args) > 4 {
			verb = args[4]
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("git %s: %w", verb, ctx.Err())
		}
		if result != "" {
			return "", fmt.Errorf("git %s: %s", verb, result)
		}
		return "", fmt.Errorf("git %s: %w", verb, err)
	}
	return result, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
