package procfs

import (
	"os"
	"testing"
)

func TestAliveSelf(t *testing.T) {
	if !Alive(os.Getpid()) {
		t.Fatal("current process should be alive")
	}
	if Alive(0) || Alive(-1) {
		t.Fatal("non-positive pids are never alive")
	}
}

func TestInspectSelf(t *testing.T) {
	p, err := Inspect(os.Getpid())
	if err != nil {
		t.Fatalf("Inspect(self): %v", err)
	}
	if p.PID != os.Getpid() {
		t.Fatalf("pid = %d, want %d", p.PID, os.Getpid())
	}
	if p.Name == "" {
		t.Fatal("name should be populated")
	}
}

func TestAncestorsStartsAtSelf(t *testing.T) {
	chain := Ancestors(os.Getpid(), 8)
	if len(chain) == 0 {
		t.Fatal("expected at least the current process")
	}
	if chain[0].PID != os.Getpid() {
		t.Fatalf("chain[0].PID = %d, want self %d", chain[0].PID, os.Getpid())
	}
	if len(chain) > 8 {
		t.Fatalf("chain exceeded max: %d", len(chain))
	}
	seen := map[int]bool{}
	for _, p := range chain {
		if seen[p.PID] {
			t.Fatalf("pid %d repeated in chain", p.PID)
		}
		seen[p.PID] = true
	}
}

func TestAncestorsBogusPID(t *testing.T) {
	if chain := Ancestors(-5, 4); len(chain) != 0 {
		t.Fatalf("expected empty chain for bogus pid, got %d entries", len(chain))
	}
}
