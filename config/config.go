// Package config holds the external collaborator's view of how a Store
// is wired: where the Git repository lives, which package daemons and
// Git peers it may consult. Loading this from a file, flags or the
// environment is outside this module's responsibility.
package config

// Store describes how a closure.Resolver should be wired.
type Store struct {
	// Path is the filesystem location of the Git repository backing
	// the cache. It is created (as a bare repository) if it does not
	// already exist.
	Path string

	// Builders is an ordered list of remote daemon addresses
	// ("host" or "host:port"), tried in order after the local daemon
	// (if any).
	Builders []string

	// Remotes is an ordered list of Git remote URLs, tried in order
	// before falling back to daemons.
	Remotes []string

	// UseLocalNixDaemon, when true, prepends the well-known local
	// UNIX-socket daemon to the daemon list (see daemon.LocalSocketPath).
	UseLocalNixDaemon bool
}
