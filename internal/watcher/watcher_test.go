package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type calls struct {
	mu      sync.Mutex
	indexed []string // scope + ":" + base name
	removed []string
}

func (c *calls) index(scope, path string) {
	c.mu.Lock()
	c.indexed = append(c.indexed, scope+":"+filepath.Base(path))
	c.mu.Unlock()
}

func (c *calls) remove(scope, path string) {
	c.mu.Lock()
	c.removed = append(c.removed, scope+":"+filepath.Base(path))
	c.mu.Unlock()
}

func (c *calls) snapshot() ([]string, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.indexed...), append([]string(nil), c.removed...)
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWatcher_AddRemoveSources(t *testing.T) {
	dir := t.TempDir()
	c := &calls{}
	w := NewWatcher(nil, []string{".txt"}, true, c.index, c.remove)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := w.AddSource(Source{Directory: dir, Scope: "alice"}, false); err != nil {
		t.Fatal(err)
	}
	srcs := w.Sources()
	if len(srcs) != 1 || srcs[0].Directory != filepath.Clean(dir) || srcs[0].Scope != "alice" {
		t.Errorf("Sources() = %v", srcs)
	}
	if err := w.AddSource(Source{Directory: dir, Scope: "alice"}, false); err != nil {
		t.Fatal(err)
	}
	if len(w.Sources()) != 1 {
		t.Errorf("duplicate source added: %v", w.Sources())
	}

	if err := w.RemoveSource(dir); err != nil {
		t.Fatal(err)
	}
	if len(w.Sources()) != 0 {
		t.Errorf("after remove: %v", w.Sources())
	}
}

func TestWatcher_DebounceAndExtensionFilter(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}

	c := &calls{}
	w := NewWatcher([]Source{{Directory: dir, Scope: "alice"}}, []string{".txt"}, true, c.index, c.remove,
		WithDebounce(50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := writeFile(filepath.Join(sub, "f.txt"), "hello"); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(filepath.Join(sub, "f.bin"), "skip"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		indexed, _ := c.snapshot()
		return contains(indexed, "alice:f.txt")
	})

	if err := os.Remove(filepath.Join(sub, "f.txt")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		_, removed := c.snapshot()
		return contains(removed, "alice:f.txt")
	})

	indexed, _ := c.snapshot()
	if contains(indexed, "alice:f.bin") {
		t.Errorf("f.bin should be filtered out, got %v", indexed)
	}
}

func TestWatcher_NestedSourceUsesMostSpecificScope(t *testing.T) {
	dir := t.TempDir()
	inner := filepath.Join(dir, "team")
	if err := os.MkdirAll(inner, 0755); err != nil {
		t.Fatal(err)
	}
	w := NewWatcher([]Source{{Directory: dir, Scope: "alice"}, {Directory: inner, Scope: "team"}}, nil, true, nil, nil)

	scope, ok := w.scopeFor(filepath.Join(inner, "a.txt"))
	if !ok || scope != "team" {
		t.Errorf("scopeFor(inner) = %q, %v", scope, ok)
	}
	scope, ok = w.scopeFor(filepath.Join(dir, "b.txt"))
	if !ok || scope != "alice" {
		t.Errorf("scopeFor(outer) = %q, %v", scope, ok)
	}
	if _, ok := w.scopeFor(filepath.Join(filepath.Dir(dir), "elsewhere.txt")); ok {
		t.Error("path outside every source should have no scope")
	}
}

func TestMatchExtension(t *testing.T) {
	tests := []struct {
		path       string
		extensions []string
		want       bool
	}{
		{"/a/b.txt", []string{".txt"}, true},
		{"/a/b.TXT", []string{".txt"}, true},
		{"/a/b.md", []string{"md"}, true},
		{"/a/b.md", []string{".txt"}, false},
		{"/a/b", nil, true},
		{"/a/b", []string{}, true},
	}
	for _, tt := range tests {
		got := matchExtension(tt.path, tt.extensions)
		if got != tt.want {
			t.Errorf("matchExtension(%q, %v) = %v, want %v", tt.path, tt.extensions, got, tt.want)
		}
	}
}

func TestInDir(t *testing.T) {
	tests := []struct {
		dir  string
		path string
		want bool
	}{
		{"/tmp/a", "/tmp/a", true},
		{"/tmp/a", "/tmp/a/b.txt", true},
		{"/tmp/a", "/tmp/b", false},
		{"/tmp/a", "/tmp/a/../b", false},
	}
	for _, tt := range tests {
		got := inDir(tt.dir, tt.path)
		if got != tt.want {
			t.Errorf("inDir(%q, %q) = %v, want %v", tt.dir, tt.path, got, tt.want)
		}
	}
}

func TestWatcher_SyncExistingFiles(t *testing.T) {
	dir := t.TempDir()
	if err := writeFile(filepath.Join(dir, "a.txt"), "hello"); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(filepath.Join(dir, "ignore.xyz"), "x"); err != nil {
		t.Fatal(err)
	}

	c := &calls{}
	w := NewWatcher([]Source{{Directory: dir, Scope: "bob"}}, []string{".txt"}, true, c.index, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	w.SyncExistingFiles()

	indexed, _ := c.snapshot()
	if len(indexed) != 1 || indexed[0] != "bob:a.txt" {
		t.Errorf("expected one indexed file bob:a.txt, got %v", indexed)
	}
}

func TestWatcher_SyncExistingFiles_nonRecursiveSkipsSubdirs(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(filepath.Join(dir, "top.txt"), "top"); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(filepath.Join(dir, "sub", "deep.txt"), "deep"); err != nil {
		t.Fatal(err)
	}

	c := &calls{}
	w := NewWatcher([]Source{{Directory: dir, Scope: "bob"}}, nil, false, c.index, nil)
	w.SyncExistingFiles()

	indexed, _ := c.snapshot()
	if len(indexed) != 1 || indexed[0] != "bob:top.txt" {
		t.Errorf("got %v", indexed)
	}
}

func TestWatcher_Start_createsMissingRootDirectory(t *testing.T) {
	root := filepath.Join(t.TempDir(), "watch", "me")

	w := NewWatcher([]Source{{Directory: root, Scope: "alice"}}, []string{".txt"}, true, nil, nil)
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if _, err := os.Stat(root); err != nil {
		t.Errorf("root directory should exist after Start: %v", err)
	}
}

func TestWatcher_NewDirectoryIsIndexed(t *testing.T) {
	dir := t.TempDir()
	c := &calls{}
	w := NewWatcher([]Source{{Directory: dir, Scope: "alice"}}, []string{".txt", ".md"}, true, c.index, nil,
		WithDebounce(50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	nested := filepath.Join(dir, "level1", "level2")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(filepath.Join(nested, "deep.txt"), "deep content"); err != nil {
		t.Fatal(err)
	}
	if err := writeFile(filepath.Join(nested, "notes.md"), "notes"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		indexed, _ := c.snapshot()
		return contains(indexed, "alice:deep.txt") && contains(indexed, "alice:notes.md")
	})
	indexed, _ := c.snapshot()
	for _, p := range indexed {
		if !strings.HasPrefix(p, "alice:") {
			t.Errorf("unexpected scope in %q", p)
		}
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0600)
}
