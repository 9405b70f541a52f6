package pattern

import "testing"

func TestMatchGlob(t *testing.T) {
	p := Compile("system.* !system.cpu")
	if !p.Match("system.ram") {
		t.Fatalf("expected system.ram to match system.*")
	}
	// First matching term wins; system.cpu matches "system.*" before "!system.cpu"
	// is ever reached, so the negation never fires. This mirrors first-match
	// order in the source expression, not "most specific wins".
	if !p.Match("system.cpu") {
		t.Fatalf("expected system.cpu to match the earlier system.* term")
	}
}

func TestMatchNegationFirst(t *testing.T) {
	p := Compile("!system.cpu system.*")
	if p.Match("system.cpu") {
		t.Fatalf("expected system.cpu excluded by leading negation")
	}
	if !p.Match("system.ram") {
		t.Fatalf("expected system.ram to match system.*")
	}
}

func TestEmptyPatternMatchesNothing(t *testing.T) {
	p := Compile("")
	if p.Match("anything") {
		t.Fatalf("expected empty pattern to match nothing")
	}
}
