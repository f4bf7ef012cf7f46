package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/leeroybrun/edison-sub000/internal/errs"
)

func newTestRoot(t *testing.T) Paths {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".edison"), 0o755); err != nil {
		t.Fatal(err)
	}
	return Paths{Root: root}
}

func TestFindRootWalksUp(t *testing.T) {
	p := newTestRoot(t)
	nested := filepath.Join(p.Root, "src", "deep", "pkg")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	got, err := FindRoot(nested)
	if err != nil {
		t.Fatalf("FindRoot: %v", err)
	}
	if got.Root != p.Root {
		t.Fatalf("root = %q, want %q", got.Root, p.Root)
	}
}

func TestFindRootFailsClosed(t *testing.T) {
	_, err := FindRoot(t.TempDir())
	var ce *errs.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("want ConfigError, got %v", err)
	}
}

func TestPathLayout(t *testing.T) {
	p := Paths{Root: "/repo"}
	cases := []struct {
		got  string
		want string
	}{
		{p.TaskFile("todo", "T1"), "/repo/.project/tasks/todo/T1.md"},
		{p.SessionTaskFile("S1", "T1"), "/repo/.project/sessions/S1/T1.md"},
		{p.SessionRecord("S1"), "/repo/.project/sessions/S1/session.yaml"},
		{p.EvidenceRound("T1", 2), "/repo/.project/qa/validation-evidence/T1/round-2"},
		{p.Stream("transitions"), "/repo/.project/journal/transitions.jsonl"},
		{p.QARecordFile("T1"), "/repo/.project/qa/records/T1-qa.md"},
		{p.ConfigFile("workflow.yaml"), "/repo/.edison/config/workflow.yaml"},
		{p.SchemasDir(), "/repo/.edison/_generated/schemas"},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Fatalf("path = %q, want %q", tc.got, tc.want)
		}
	}
}

func TestCheckoutClassification(t *testing.T) {
	p := newTestRoot(t)
	if kind := p.Checkout(); kind != CheckoutPrimary {
		t.Fatalf("no .git should classify primary, got %v", kind)
	}

	if err := os.MkdirAll(filepath.Join(p.Root, ".git"), 0o755); err != nil {
		t.Fatal(err)
	}
	if kind := p.Checkout(); kind != CheckoutPrimary {
		t.Fatalf(".git dir should classify primary, got %v", kind)
	}

	linked := newTestRoot(t)
	gitFile := filepath.Join(linked.Root, ".git")
	if err := os.WriteFile(gitFile, []byte("gitdir: /somewhere/.git/worktrees/wt1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if kind := linked.Checkout(); kind != CheckoutLinkedWorktree {
		t.Fatalf(".git file should classify linked worktree, got %v", kind)
	}
}

func TestSessionIDFileIgnoredInPrimary(t *testing.T) {
	p := newTestRoot(t)
	if err := os.WriteFile(p.SessionIDFile(), []byte("claude-pid-1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if id, ok := p.ReadSessionIDFile(); ok {
		t.Fatalf("primary checkout must ignore .session-id, got %q", id)
	}
	// Writes are also suppressed in the primary checkout.
	if err := p.WriteSessionIDFile("other"); err != nil {
		t.Fatal(err)
	}
	b, _ := os.ReadFile(p.SessionIDFile())
	if string(b) != "claude-pid-1\n" {
		t.Fatalf("primary .session-id was rewritten: %q", b)
	}
}

func TestSessionIDFileHonoredInWorktree(t *testing.T) {
	p := newTestRoot(t)
	if err := os.WriteFile(filepath.Join(p.Root, ".git"), []byte("gitdir: /x/.git/worktrees/a"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := p.WriteSessionIDFile("codex-pid-77"); err != nil {
		t.Fatal(err)
	}
	id, ok := p.ReadSessionIDFile()
	if !ok || id != "codex-pid-77" {
		t.Fatalf("got (%q, %v)", id, ok)
	}
}
