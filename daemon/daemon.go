// Package daemon implements the two transports the Closure Resolver
// uses to reach a package daemon: a local UNIX socket and a remote
// host reached over SSH, grounded on
// original_source/src/nix_interface/daemon.rs's NixDaemon<C>::local/
// remote split.
//
// The daemon's wire protocol itself is out of scope here (spec.md
// §1, §6: "the wire protocol implementation of the package daemon
// itself" is an external collaborator) — this package only owns
// connection lifecycle (dial, authenticate, disconnect) and exposes
// that lifecycle plus a raw byte stream to a Protocol implementation
// supplied by the caller.
package daemon

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"lab.nexedi.com/kirr/nixcache/config"
	"lab.nexedi.com/kirr/nixcache/narinfo"
	"lab.nexedi.com/kirr/nixcache/storepath"
)

// LocalSocketPath is the platform convention for the local daemon's
// UNIX socket (spec.md §6). Variable, not const, so tests can point it
// at a temporary socket.
var LocalSocketPath = "/nix/var/nix/daemon-socket/socket"

// RemoteCommand is executed over the SSH channel to speak the daemon
// protocol in stdio mode (spec.md §6).
const RemoteCommand = "nix daemon --stdio"

// ErrDaemonUnavailable is wrapped and returned when a daemon cannot be
// reached at all (dial/handshake/auth failure), as distinct from the
// daemon successfully responding "path not present".
var ErrDaemonUnavailable = errors.New("daemon: unavailable")

// PathInfo is the subset of a package daemon's path-query response
// this module needs to build a narinfo.Record (spec.md §4.D).
type PathInfo struct {
	References []storepath.StorePath
	Deriver    storepath.StorePath
	NarSize    int64
}

// Protocol speaks the package-daemon wire protocol over an already
// connected, raw byte stream. Its implementation is out of scope for
// this module; Client implementations obtain one from the caller and
// never interpret daemon bytes themselves.
type Protocol interface {
	IsValidPath(ctx context.Context, conn io.ReadWriter, path storepath.StorePath) (bool, error)
	QueryPathInfo(ctx context.Context, conn io.ReadWriter, path storepath.StorePath) (PathInfo, bool, error)
	DumpPath(ctx context.Context, conn io.ReadWriter, path storepath.StorePath, sink io.Writer) error
}

// Client is the uniform surface the Closure Resolver drives, no
// matter which transport backs it.
type Client interface {
	// Connect dials the daemon. Callers must call Disconnect on every
	// exit path, success or failure, and must never share a Client
	// across concurrent resolutions (spec.md §5).
	Connect(ctx context.Context) error
	Disconnect()
	Address() string

	PathExists(ctx context.Context, path storepath.StorePath) (bool, error)
	GetPathInfo(ctx context.Context, path storepath.StorePath) (PathInfo, bool, error)
	// Fetch streams path's archive bytes to sink without buffering
	// the whole archive in memory (spec.md §4.D).
	Fetch(ctx context.Context, path storepath.StorePath, sink io.Writer) error
}

// FromConfig builds the ordered daemon list a resolution or health
// check should try, mirroring Store::available_daemons in store.rs:
// the local UNIX-socket daemon first (if enabled), then one remote
// daemon per configured builder host, in configured order.
func FromConfig(cfg config.Store, proto Protocol) []Client {
	var clients []Client
	if cfg.UseLocalNixDaemon {
		clients = append(clients, NewLocal(proto))
	}
	for _, host := range cfg.Builders {
		clients = append(clients, NewRemote(proto, host))
	}
	return clients
}

// BuildNarinfo adapts a daemon's PathInfo response into a narinfo.Record
// keyed by contentKey (the hex Git OID of the already-ingested package
// tree), mirroring Store::build_narinfo in store.rs.
func BuildNarinfo(path storepath.StorePath, contentKey string, info PathInfo) narinfo.Record {
	return narinfo.Record{
		StorePath:   path,
		ContentKey:  contentKey,
		NarSize:     info.NarSize,
		Deriver:     info.Deriver,
		References:  info.References,
	}
}

// ---- local (UNIX socket) transport ----

type localClient struct {
	proto Protocol
	conn  net.Conn
}

// NewLocal returns a Client that dials LocalSocketPath on Connect.
func NewLocal(proto Protocol) Client {
	return &localClient{proto: proto}
}

func (c *localClient) Connect(ctx context.Context) error {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "unix", LocalSocketPath)
	if err != nil {
		return errors.Wrapf(ErrDaemonUnavailable, "local socket %s: %s", LocalSocketPath, err)
	}
	c.conn = conn
	return nil
}

func (c *localClient) Disconnect() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *localClient) Address() string { return "local:" + LocalSocketPath }

func (c *localClient) PathExists(ctx context.Context, path storepath.StorePath) (bool, error) {
	return c.proto.IsValidPath(ctx, c.conn, path)
}

func (c *localClient) GetPathInfo(ctx context.Context, path storepath.StorePath) (PathInfo, bool, error) {
	return c.proto.QueryPathInfo(ctx, c.conn, path)
}

func (c *localClient) Fetch(ctx context.Context, path storepath.StorePath, sink io.Writer) error {
	return c.proto.DumpPath(ctx, c.conn, path, sink)
}

// ---- remote (SSH) transport ----

type remoteClient struct {
	proto Protocol
	host  string

	sshClient *ssh.Client
	session   *ssh.Session
	stream    io.ReadWriter
}

// NewRemote returns a Client that, on Connect, opens an SSH connection
// to host, authenticates as the current user with their
// ~/.ssh/id_ed25519 key, and runs RemoteCommand in an interactive
// session whose stdin/stdout become the daemon byte stream.
func NewRemote(proto Protocol, host string) Client {
	return &remoteClient{proto: proto, host: host}
}

func (c *remoteClient) Connect(ctx context.Context) error {
	signer, err := loadDefaultKey()
	if err != nil {
		return errors.Wrapf(ErrDaemonUnavailable, "remote %s: load key: %s", c.host, err)
	}

	u, err := user.Current()
	if err != nil {
		return errors.Wrapf(ErrDaemonUnavailable, "remote %s: current user: %s", c.host, err)
	}

	addr := c.host
	if _, _, splitErr := net.SplitHostPort(addr); splitErr != nil {
		addr = net.JoinHostPort(addr, "22")
	}

	config := &ssh.ClientConfig{
		User:            u.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // host-key pinning is out of scope (spec.md §1); original_source performs no verification either
		Timeout:         15 * time.Second,
	}

	dialer := net.Dialer{}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(ErrDaemonUnavailable, "remote %s: dial: %s", c.host, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(rawConn, addr, config)
	if err != nil {
		rawConn.Close()
		return errors.Wrapf(ErrDaemonUnavailable, "remote %s: handshake: %s", c.host, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return errors.Wrapf(ErrDaemonUnavailable, "remote %s: session: %s", c.host, err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return errors.Wrapf(ErrDaemonUnavailable, "remote %s: stdin pipe: %s", c.host, err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return errors.Wrapf(ErrDaemonUnavailable, "remote %s: stdout pipe: %s", c.host, err)
	}

	if err := session.Start(RemoteCommand); err != nil {
		session.Close()
		client.Close()
		return errors.Wrapf(ErrDaemonUnavailable, "remote %s: start %q: %s", c.host, RemoteCommand, err)
	}

	c.sshClient = client
	c.session = session
	c.stream = &sessionStream{w: stdin, r: stdout}
	return nil
}

func (c *remoteClient) Disconnect() {
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
	if c.sshClient != nil {
		c.sshClient.Close()
		c.sshClient = nil
	}
	c.stream = nil
}

func (c *remoteClient) Address() string { return "ssh://" + c.host }

func (c *remoteClient) PathExists(ctx context.Context, path storepath.StorePath) (bool, error) {
	return c.proto.IsValidPath(ctx, c.stream, path)
}

func (c *remoteClient) GetPathInfo(ctx context.Context, path storepath.StorePath) (PathInfo, bool, error) {
	return c.proto.QueryPathInfo(ctx, c.stream, path)
}

func (c *remoteClient) Fetch(ctx context.Context, path storepath.StorePath, sink io.Writer) error {
	return c.proto.DumpPath(ctx, c.stream, path, sink)
}

// sessionStream presents an SSH session's stdin/stdout pipes as a
// single io.ReadWriter, as the Rust side gets from tunneling a raw
// channel. It is never closed directly: remoteClient.Disconnect closes
// the owning session and client instead, which tears down both pipes.
type sessionStream struct {
	w io.WriteCloser
	r io.Reader
}

func (s *sessionStream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *sessionStream) Write(p []byte) (int, error) { return s.w.Write(p) }

func loadDefaultKey() (ssh.Signer, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	keyPath := filepath.Join(home, ".ssh", "id_ed25519")
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", keyPath, err)
	}
	return ssh.ParsePrivateKey(data)
}
