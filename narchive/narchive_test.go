package narchive

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"

	"lab.nexedi.com/kirr/nixcache/internal/gitstore"
)

func openTestRepo(t *testing.T) *gitstore.Repository {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "repo.git")
	repo, err := gitstore.Open(dir)
	if err != nil {
		t.Fatalf("gitstore.Open: %s", err)
	}
	return repo
}

// buildArchive hand-assembles a canonical archive byte stream for a
// small tree: a regular file, an executable file, a symlink, and a
// nested empty directory, with entries in canonical (sorted) order.
func buildArchive(t *testing.T) []byte {
	t.Helper()
	var b bytes.Buffer

	writeStr(&b, magic)

	// root directory
	writeStr(&b, "(")
	writeStr(&b, "type")
	writeStr(&b, "directory")

	// entry: README (plain regular file)
	writeStr(&b, "entry")
	writeStr(&b, "(")
	writeStr(&b, "name")
	writeStr(&b, "README")
	writeStr(&b, "node")
	writeStr(&b, "(")
	writeStr(&b, "type")
	writeStr(&b, "regular")
	writeStr(&b, "contents")
	writeStr(&b, "hello world\n")
	writeStr(&b, ")")
	writeStr(&b, ")")

	// entry: empty (empty directory)
	writeStr(&b, "entry")
	writeStr(&b, "(")
	writeStr(&b, "name")
	writeStr(&b, "empty")
	writeStr(&b, "node")
	writeStr(&b, "(")
	writeStr(&b, "type")
	writeStr(&b, "directory")
	writeStr(&b, ")")
	writeStr(&b, ")")

	// entry: hello (executable regular file)
	writeStr(&b, "entry")
	writeStr(&b, "(")
	writeStr(&b, "name")
	writeStr(&b, "hello")
	writeStr(&b, "node")
	writeStr(&b, "(")
	writeStr(&b, "type")
	writeStr(&b, "regular")
	writeStr(&b, "executable")
	writeStr(&b, "")
	writeStr(&b, "contents")
	writeStr(&b, "#!/bin/sh\necho hi\n")
	writeStr(&b, ")")
	writeStr(&b, ")")

	// entry: link -> hello (symlink)
	writeStr(&b, "entry")
	writeStr(&b, "(")
	writeStr(&b, "name")
	writeStr(&b, "link")
	writeStr(&b, "node")
	writeStr(&b, "(")
	writeStr(&b, "type")
	writeStr(&b, "symlink")
	writeStr(&b, "target")
	writeStr(&b, "hello")
	writeStr(&b, ")")
	writeStr(&b, ")")

	writeStr(&b, ")") // close root directory

	return b.Bytes()
}

func TestIngestThenEmit(t *testing.T) {
	repo := openTestRepo(t)
	archive := buildArchive(t)

	oid, n, err := Ingest(context.Background(), repo, bytes.NewReader(archive))
	if err != nil {
		t.Fatalf("Ingest: %s", err)
	}
	if n != int64(len(archive)) {
		t.Errorf("Ingest consumed %d bytes, want %d", n, len(archive))
	}

	entries, err := repo.LookupTreeEntries(oid)
	if err != nil {
		t.Fatalf("LookupTreeEntries: %s", err)
	}
	byName := map[string]gitstore.TreeEntry{}
	for _, e := range entries {
		byName[e.Name] = e
	}

	if e, ok := byName["hello"]; !ok || e.Mode != gitstore.FilemodeBlobExecutable {
		t.Errorf("hello entry = %+v, want executable blob", e)
	}
	if e, ok := byName["README"]; !ok || e.Mode != gitstore.FilemodeBlob {
		t.Errorf("README entry = %+v, want regular blob", e)
	}
	if e, ok := byName["link"]; !ok || e.Mode != gitstore.FilemodeLink {
		t.Errorf("link entry = %+v, want symlink", e)
	}
	emptyEntries, err := repo.LookupTreeEntries(byName["empty"].Oid)
	if err != nil {
		t.Fatalf("LookupTreeEntries(empty): %s", err)
	}
	if len(emptyEntries) != 1 || emptyEntries[0].Name != emptyDirPlaceholder {
		t.Errorf("empty dir entries = %+v, want single placeholder", emptyEntries)
	}

	var out bytes.Buffer
	if err := Emit(context.Background(), repo, oid, &out); err != nil {
		t.Fatalf("Emit: %s", err)
	}
	if !bytes.Equal(out.Bytes(), archive) {
		t.Errorf("Emit(Ingest(archive)) != archive\ngot:  %q\nwant: %q", out.Bytes(), archive)
	}
}

// TestIngestEmitRealFileNamedLikePlaceholder guards against treating a
// genuine, non-empty regular file that happens to be named the same as
// the empty-directory placeholder as if it were the placeholder itself
// — Emit must only ever strip a zero-length blob, never any blob with
// that name.
func TestIngestEmitRealFileNamedLikePlaceholder(t *testing.T) {
	repo := openTestRepo(t)

	var b bytes.Buffer
	writeStr(&b, magic)
	writeStr(&b, "(")
	writeStr(&b, "type")
	writeStr(&b, "directory")
	writeStr(&b, "entry")
	writeStr(&b, "(")
	writeStr(&b, "name")
	writeStr(&b, emptyDirPlaceholder)
	writeStr(&b, "node")
	writeStr(&b, "(")
	writeStr(&b, "type")
	writeStr(&b, "regular")
	writeStr(&b, "contents")
	writeStr(&b, "not actually empty\n")
	writeStr(&b, ")")
	writeStr(&b, ")")
	writeStr(&b, ")")
	archive := b.Bytes()

	oid, _, err := Ingest(context.Background(), repo, bytes.NewReader(archive))
	if err != nil {
		t.Fatalf("Ingest: %s", err)
	}

	var out bytes.Buffer
	if err := Emit(context.Background(), repo, oid, &out); err != nil {
		t.Fatalf("Emit: %s", err)
	}
	if !bytes.Equal(out.Bytes(), archive) {
		t.Errorf("Emit(Ingest(archive)) != archive for a real file named %q\ngot:  %q\nwant: %q", emptyDirPlaceholder, out.Bytes(), archive)
	}
}

func TestIngestBareFileRoot(t *testing.T) {
	repo := openTestRepo(t)

	var b bytes.Buffer
	writeStr(&b, magic)
	writeStr(&b, "(")
	writeStr(&b, "type")
	writeStr(&b, "regular")
	writeStr(&b, "contents")
	writeStr(&b, "just one file\n")
	writeStr(&b, ")")
	archive := b.Bytes()

	oid, _, err := Ingest(context.Background(), repo, bytes.NewReader(archive))
	if err != nil {
		t.Fatalf("Ingest: %s", err)
	}

	entries, err := repo.LookupTreeEntries(oid)
	if err != nil {
		t.Fatalf("LookupTreeEntries: %s", err)
	}
	if len(entries) != 1 || entries[0].Name != rootWrapperName || entries[0].Mode != gitstore.FilemodeBlob {
		t.Fatalf("wrapped root entries = %+v", entries)
	}

	var out bytes.Buffer
	if err := Emit(context.Background(), repo, oid, &out); err != nil {
		t.Fatalf("Emit: %s", err)
	}
	if !bytes.Equal(out.Bytes(), archive) {
		t.Errorf("Emit(Ingest(bare file)) != original\ngot:  %q\nwant: %q", out.Bytes(), archive)
	}
}

func TestIngestMalformedMagic(t *testing.T) {
	repo := openTestRepo(t)
	_, _, err := Ingest(context.Background(), repo, bytes.NewReader([]byte("not an archive")))
	if err == nil {
		t.Fatal("expected error on bad magic")
	}
}

func TestIngestRejectsDeviceEntry(t *testing.T) {
	repo := openTestRepo(t)

	var b bytes.Buffer
	writeStr(&b, magic)
	writeStr(&b, "(")
	writeStr(&b, "type")
	writeStr(&b, "character-device")
	writeStr(&b, ")")

	_, _, err := Ingest(context.Background(), repo, bytes.NewReader(b.Bytes()))
	if err == nil {
		t.Fatal("expected error on unsupported entry kind")
	}
}

func TestIngestDirectoryIsDeterministicallySorted(t *testing.T) {
	repo := openTestRepo(t)

	var b bytes.Buffer
	writeStr(&b, magic)
	writeStr(&b, "(")
	writeStr(&b, "type")
	writeStr(&b, "directory")
	for _, name := range []string{"zzz", "aaa", "mmm"} {
		writeStr(&b, "entry")
		writeStr(&b, "(")
		writeStr(&b, "name")
		writeStr(&b, name)
		writeStr(&b, "node")
		writeStr(&b, "(")
		writeStr(&b, "type")
		writeStr(&b, "regular")
		writeStr(&b, "contents")
		writeStr(&b, name)
		writeStr(&b, ")")
		writeStr(&b, ")")
	}
	writeStr(&b, ")")

	oid, _, err := Ingest(context.Background(), repo, bytes.NewReader(b.Bytes()))
	if err != nil {
		t.Fatalf("Ingest: %s", err)
	}

	entries, err := repo.LookupTreeEntries(oid)
	if err != nil {
		t.Fatalf("LookupTreeEntries: %s", err)
	}
	want := []string{"aaa", "mmm", "zzz"}
	for i, e := range entries {
		if e.Name != want[i] {
			t.Errorf("entries[%d].Name = %q, want %q", i, e.Name, want[i])
		}
	}
}

// TestIngestStreamsWithoutFullBuffering guards against a regression to
// a whole-archive-in-memory implementation: Ingest must accept an
// io.Reader that only yields data incrementally.
func TestIngestStreamsWithoutFullBuffering(t *testing.T) {
	repo := openTestRepo(t)
	archive := buildArchive(t)

	r, w := io.Pipe()
	go func() {
		defer w.Close()
		// dribble the archive out a few bytes at a time
		for i := 0; i < len(archive); i += 3 {
			end := i + 3
			if end > len(archive) {
				end = len(archive)
			}
			w.Write(archive[i:end])
		}
	}()

	oid, n, err := Ingest(context.Background(), repo, r)
	if err != nil {
		t.Fatalf("Ingest: %s", err)
	}
	if n != int64(len(archive)) {
		t.Errorf("n = %d, want %d", n, len(archive))
	}
	if oid == (gitstore.Oid{}) {
		t.Errorf("expected non-zero root oid")
	}
}
