package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFSWorkspaceManagerAcquireIsUniqueAndEmpty(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "workspaces")
	mgr, err := NewFSManager(baseDir)
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	a, err := mgr.Acquire(context.Background(), "job-a", 1)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	b, err := mgr.Acquire(context.Background(), "job-a", 1)
	if err != nil {
		t.Fatalf("Acquire() second error = %v", err)
	}
	if a.Dir == b.Dir {
		t.Fatalf("Acquire() returned the same dir twice: %q", a.Dir)
	}
	if filepath.Dir(a.Dir) != baseDir {
		t.Fatalf("workspace %q not under %q", a.Dir, baseDir)
	}

	entries, err := os.ReadDir(a.Dir)
	if err != nil {
		t.Fatalf("ReadDir(workspace) error = %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("fresh workspace not empty: %v", entries)
	}
}

func TestFSWorkspaceManagerRelease(t *testing.T) {
	mgr, err := NewFSManager(filepath.Join(t.TempDir(), "workspaces"))
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	ws, err := mgr.Acquire(context.Background(), "job-a", 2)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := os.MkdirAll(filepath.Join(ws.Dir, "src", ".git"), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}

	if err := mgr.Release(ws); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(ws.Dir); !os.IsNotExist(err) {
		t.Fatalf("workspace should be gone, err = %v", err)
	}
	if err := mgr.Release(ws); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}

	if err := mgr.Release(Workspace{JobID: "x", Dir: t.TempDir()}); err == nil {
		t.Fatal("Release() outside base dir should fail")
	}
}

func TestWithReleasesOnEveryPath(t *testing.T) {
	mgr, err := NewFSManager(filepath.Join(t.TempDir(), "workspaces"))
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	var seen string
	boom := errors.New("publish failed")
	err = With(context.Background(), mgr, "job-a", 1, func(ws Workspace) error {
		seen = ws.Dir
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("With() error = %v, want %v", err, boom)
	}
	if _, err := os.Stat(seen); !os.IsNotExist(err) {
		t.Fatalf("workspace should be removed after failure, err = %v", err)
	}

	func() {
		defer func() { _ = recover() }()
		_ = With(context.Background(), mgr, "job-b", 1, func(ws Workspace) error {
			seen = ws.Dir
			panic("executor crashed")
		})
	}()
	if _, err := os.Stat(seen); !os.IsNotExist(err) {
		t.Fatalf("workspace should be removed after panic, err = %v", err)
	}
}

func TestFSWorkspaceManagerRejectsBadJobIDs(t *testing.T) {
	mgr, err := NewFSManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		if _, err := mgr.Acquire(context.Background(), id, 1); err == nil {
			t.Errorf("Acquire(%q) should fail", id)
		}
	}
}

func TestFSWorkspaceManagerCleanup(t *testing.T) {
	baseDir := filepath.Join(t.TempDir(), "workspaces")
	mgr, err := NewFSManager(baseDir)
	if err != nil {
		t.Fatalf("NewFSManager() error = %v", err)
	}

	oldWS, err := mgr.Acquire(context.Background(), "job-old", 1)
	if err != nil {
		t.Fatalf("Acquire(old) error = %v", err)
	}
	newWS, err := mgr.Acquire(context.Background(), "job-new", 1)
	if err != nil {
		t.Fatalf("Acquire(new) error = %v", err)
	}

	oldTime := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldWS.Dir, oldTime, oldTime); err != nil {
		t.Fatalf("Chtimes(old workspace) error = %v", err)
	}

	report, err := mgr.Cleanup(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if report.DeletedDirs != 1 {
		t.Fatalf("Cleanup() deleted = %d, want 1", report.DeletedDirs)
	}

	if _, err := os.Stat(oldWS.Dir); !os.IsNotExist(err) {
		t.Fatalf("old workspace should be deleted, err = %v", err)
	}
	if _, err := os.Stat(newWS.Dir); err != nil {
		t.Fatalf("new workspace should still exist, err = %v", err)
	}
}
