package storepath

import (
	"testing"
)

func TestParse(t *testing.T) {
	var tests = []struct {
		in       string
		hash     string
		name     string
		wantFail bool
	}{
		{"/nix/store/7h7qgvs4kgzsn8a1f6s8jbdrsi0ajgb1-hello-2.12.1", "7h7qgvs4kgzsn8a1f6s8jbdrsi0ajgb1", "hello-2.12.1", false},
		{"7h7qgvs4kgzsn8a1f6s8jbdrsi0ajgb1-hello-2.12.1", "7h7qgvs4kgzsn8a1f6s8jbdrsi0ajgb1", "hello-2.12.1", false},
		{"/nix/store/short-name", "", "", true},
		{"/nix/store/7h7qgvs4kgzsn8a1f6s8jbdrsi0ajgb1-", "", "", true},
		{"/nix/store/not-base-32-hash-nope-nope-nope!!!!-name", "", "", true},
		{"", "", "", true},
	}

	for _, tt := range tests {
		sp, err := Parse(tt.in)
		if tt.wantFail {
			if err == nil {
				t.Errorf("Parse(%q) = %v, want error", tt.in, sp)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Parse(%q): unexpected error: %s", tt.in, err)
		}
		if sp.Hash() != tt.hash {
			t.Errorf("Parse(%q).Hash() = %q, want %q", tt.in, sp.Hash(), tt.hash)
		}
		if sp.Name() != tt.name {
			t.Errorf("Parse(%q).Name() = %q, want %q", tt.in, sp.Name(), tt.name)
		}
		if sp.Path() != tt.in {
			t.Errorf("Parse(%q).Path() = %q, want %q", tt.in, sp.Path(), tt.in)
		}
	}
}

func TestEquality(t *testing.T) {
	a, err := Parse("/nix/store/7h7qgvs4kgzsn8a1f6s8jbdrsi0ajgb1-hello-2.12.1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Parse("/nix/store/7h7qgvs4kgzsn8a1f6s8jbdrsi0ajgb1-hello-2.12.1")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("two parses of the same path should be equal")
	}

	set := map[StorePath]bool{a: true}
	if !set[b] {
		t.Errorf("StorePath should be usable as a map key")
	}
}
