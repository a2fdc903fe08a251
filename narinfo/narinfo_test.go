package narinfo

import (
	"testing"

	"lab.nexedi.com/kirr/nixcache/storepath"
)

func mustParse(t *testing.T, s string) storepath.StorePath {
	t.Helper()
	sp, err := storepath.Parse(s)
	if err != nil {
		t.Fatalf("storepath.Parse(%q): %s", s, err)
	}
	return sp
}

func TestRoundTrip(t *testing.T) {
	hello := mustParse(t, "/nix/store/7h7qgvs4kgzsn8a1f6s8jbdrsi0ajgb1-hello-2.12.1")
	glibc := mustParse(t, "/nix/store/8b7qgvs4kgzsn8a1f6s8jbdrsi0ajgb2-glibc-2.38")
	drv := mustParse(t, "/nix/store/9c7qgvs4kgzsn8a1f6s8jbdrsi0ajgb3-hello-2.12.1.drv")

	r := Record{
		StorePath:  hello,
		ContentKey: "deadbeef",
		NarSize:    123456,
		Deriver:    drv,
		References: []storepath.StorePath{hello, glibc},
	}

	text := r.String()
	r2, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse: %s", err)
	}

	if r2.StorePath != r.StorePath {
		t.Errorf("StorePath round trip: got %v, want %v", r2.StorePath, r.StorePath)
	}
	if r2.ContentKey != r.ContentKey {
		t.Errorf("ContentKey round trip: got %q, want %q", r2.ContentKey, r.ContentKey)
	}
	if r2.NarSize != r.NarSize {
		t.Errorf("NarSize round trip: got %d, want %d", r2.NarSize, r.NarSize)
	}
	if r2.Deriver != r.Deriver {
		t.Errorf("Deriver round trip: got %v, want %v", r2.Deriver, r.Deriver)
	}
	deps := r2.GetDependencies()
	if len(deps) != 2 || deps[0] != hello || deps[1] != glibc {
		t.Errorf("References round trip / order: got %v", deps)
	}
}

func TestParseIgnoresUnknownKeys(t *testing.T) {
	hello := mustParse(t, "/nix/store/7h7qgvs4kgzsn8a1f6s8jbdrsi0ajgb1-hello-2.12.1")
	text := "StorePath: " + hello.Path() + "\n" +
		"ContentKey: abc123\n" +
		"Compression: \n" +
		"FileHash: \n" +
		"NarSize: 10\n" +
		"Deriver: \n" +
		"References: \n" +
		"Signature: totally-not-validated\n"

	r, err := Parse(text)
	if err != nil {
		t.Fatalf("Parse: %s", err)
	}
	if r.StorePath != hello {
		t.Errorf("StorePath = %v, want %v", r.StorePath, hello)
	}
	if len(r.References) != 0 {
		t.Errorf("References = %v, want empty", r.References)
	}
}

func TestParseMissingStorePath(t *testing.T) {
	if _, err := Parse("NarSize: 1\n"); err == nil {
		t.Errorf("Parse without StorePath should fail")
	}
}
