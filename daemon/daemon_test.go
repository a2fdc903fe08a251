package daemon

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"testing"

	"lab.nexedi.com/kirr/nixcache/config"
	"lab.nexedi.com/kirr/nixcache/storepath"
)

type fakeProto struct {
	exists  bool
	info    PathInfo
	hasInfo bool
	contents string
}

func (f *fakeProto) IsValidPath(ctx context.Context, conn io.ReadWriter, path storepath.StorePath) (bool, error) {
	return f.exists, nil
}

func (f *fakeProto) QueryPathInfo(ctx context.Context, conn io.ReadWriter, path storepath.StorePath) (PathInfo, bool, error) {
	return f.info, f.hasInfo, nil
}

func (f *fakeProto) DumpPath(ctx context.Context, conn io.ReadWriter, path storepath.StorePath, sink io.Writer) error {
	_, err := io.WriteString(sink, f.contents)
	return err
}

func mustStorePath(t *testing.T, s string) storepath.StorePath {
	t.Helper()
	sp, err := storepath.Parse(s)
	if err != nil {
		t.Fatalf("storepath.Parse(%q): %s", s, err)
	}
	return sp
}

// startFakeSocket listens on a UNIX socket at path and accepts (and
// discards) one connection, so
// localClient.Connect has something real to dial.
func startFakeSocket(t *testing.T, path string) {
	t.Helper()
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %s", err)
	}
	t.Cleanup(func() { l.Close() })
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(io.Discard, conn)
	}()
}

func TestLocalClientRoundTrip(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "daemon.socket")
	startFakeSocket(t, sockPath)

	orig := LocalSocketPath
	LocalSocketPath = sockPath
	defer func() { LocalSocketPath = orig }()

	hello := mustStorePath(t, "/nix/store/7h7qgvs4kgzsn8a1f6s8jbdrsi0ajgb1-hello-2.12.1")
	proto := &fakeProto{exists: true, hasInfo: true, info: PathInfo{NarSize: 42}, contents: "archive-bytes"}

	c := NewLocal(proto)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %s", err)
	}
	defer c.Disconnect()

	exists, err := c.PathExists(context.Background(), hello)
	if err != nil || !exists {
		t.Fatalf("PathExists = %v, %v", exists, err)
	}

	info, ok, err := c.GetPathInfo(context.Background(), hello)
	if err != nil || !ok || info.NarSize != 42 {
		t.Fatalf("GetPathInfo = %+v, %v, %v", info, ok, err)
	}

	var buf []byte
	w := &sliceWriter{&buf}
	if err := c.Fetch(context.Background(), hello, w); err != nil {
		t.Fatalf("Fetch: %s", err)
	}
	if string(buf) != "archive-bytes" {
		t.Errorf("Fetch contents = %q", buf)
	}
}

func TestLocalClientConnectFailure(t *testing.T) {
	orig := LocalSocketPath
	LocalSocketPath = filepath.Join(t.TempDir(), "does-not-exist.socket")
	defer func() { LocalSocketPath = orig }()

	c := NewLocal(&fakeProto{})
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected error dialing a nonexistent socket")
	}
}

func TestFromConfig(t *testing.T) {
	cfg := config.Store{
		UseLocalNixDaemon: true,
		Builders:          []string{"builder-a", "builder-b"},
	}
	clients := FromConfig(cfg, &fakeProto{})
	if len(clients) != 3 {
		t.Fatalf("FromConfig returned %d clients, want 3", len(clients))
	}
	if clients[0].Address() != "local:"+LocalSocketPath {
		t.Errorf("clients[0].Address() = %q", clients[0].Address())
	}
	if clients[1].Address() != "ssh://builder-a" {
		t.Errorf("clients[1].Address() = %q", clients[1].Address())
	}
}

func TestFromConfigNoLocalDaemon(t *testing.T) {
	cfg := config.Store{UseLocalNixDaemon: false, Builders: []string{"builder-a"}}
	clients := FromConfig(cfg, &fakeProto{})
	if len(clients) != 1 {
		t.Fatalf("FromConfig returned %d clients, want 1", len(clients))
	}
}

type sliceWriter struct{ buf *[]byte }

func (w *sliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}
