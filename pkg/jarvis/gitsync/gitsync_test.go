package gitsync

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-q"},
		{"-c", "user.name=t", "-c", "user.email=t@t", "commit", "-q", "--allow-empty", "-m", "root"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	return dir
}

func TestSyncCommitsOnlyGivenPaths(t *testing.T) {
	t.Parallel()
	dir := initRepo(t)
	ctx := context.Background()
	g := New(Config{Dir: dir}, nil)

	if !g.Available(ctx) {
		t.Fatal("repo not detected")
	}

	unit := filepath.Join(dir, "weather.hcl")
	other := filepath.Join(dir, "scratch.txt")
	for _, p := range []string{unit, other} {
		if err := os.WriteFile(p, []byte("x\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	res, err := g.Sync(ctx, Record{Paths: []string{unit}, Message: "Add unit weather"})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !res.Committed || res.Pushed {
		t.Errorf("result = %+v", res)
	}

	st, err := g.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(st.Untracked) != 1 || st.Untracked[0] != "scratch.txt" || len(st.Staged) != 0 {
		t.Errorf("status = %+v", st)
	}
	if st.Clean() {
		t.Error("tree with an untracked file reported clean")
	}

	// Syncing an unchanged file is not an error.
	res, err = g.Sync(ctx, Record{Paths: []string{unit}, Message: "again"})
	if err != nil || res.Committed {
		t.Errorf("no-op sync = %+v, %v", res, err)
	}
}

func TestPushFailureIsReported(t *testing.T) {
	t.Parallel()
	dir := initRepo(t)
	g := New(Config{Dir: dir, Push: true, Remote: "nowhere"}, nil)

	p := filepath.Join(dir, "a.hcl")
	if err := os.WriteFile(p, []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := g.Sync(context.Background(), Record{Paths: []string{p}})
	if err == nil {
		t.Fatal("push to a missing remote should fail")
	}
	if !res.Committed || res.Pushed {
		t.Errorf("local commit should survive a failed push: %+v", res)
	}
}

func TestNotARepository(t *testing.T) {
	t.Parallel()
	g := New(Config{Dir: t.TempDir()}, nil)
	if g.Available(context.Background()) {
		t.Error("plain directory detected as repository")
	}
}

func TestParsePorcelain(t *testing.T) {
	t.Parallel()
	st := &Status{}
	parsePorcelain(st, "M  staged.hcl\n M edited.hcl\nMM both.hcl\n?? new.hcl\nUU clash.hcl\n")
	if len(st.Staged) != 2 || len(st.Unstaged) != 2 || len(st.Untracked) != 1 || len(st.Conflicts) != 1 {
		t.Errorf("parsed = %+v", st)
	}
}
