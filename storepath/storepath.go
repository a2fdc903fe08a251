// Package storepath parses and represents Nix store path identifiers:
// opaque strings of the form "<prefix>/<hash32>-<name>" where hash32 is
// a 32-character base-32 digest over the Nix alphabet.
package storepath

import (
	"strings"

	"github.com/nix-community/go-nix/pkg/nixbase32"
	"github.com/pkg/errors"
)

// hashLen is the fixed length of the base-32 hash component of a store
// path, e.g. "7h7qgvs4kgzsn8a1f6s8jbdrsi0ajgb1".
const hashLen = 32

// ErrInvalidPath is returned (wrapped with context) by Parse when the
// input does not have the "<hash32>-<name>" shape after its prefix.
var ErrInvalidPath = errors.New("invalid store path")

// StorePath is an immutable, comparable identifier for a built package
// output. The zero value is not a valid StorePath.
type StorePath struct {
	path string
	hash string
	name string
}

// Parse splits full into its base-32 hash and name, validating that the
// hash is exactly 32 characters of the Nix base-32 alphabet.
//
// full is expected to look like ".../nix/store/<hash32>-<name>"; only
// the last path component is inspected, so callers may pass either a
// bare "<hash32>-<name>" or a fully qualified store path.
func Parse(full string) (StorePath, error) {
	base := full
	if i := strings.LastIndexByte(full, '/'); i >= 0 {
		base = full[i+1:]
	}

	if len(base) <= hashLen || base[hashLen] != '-' {
		return StorePath{}, errors.Wrapf(ErrInvalidPath, "%q: missing <hash>-<name> form", full)
	}

	hash, name := base[:hashLen], base[hashLen+1:]
	if name == "" {
		return StorePath{}, errors.Wrapf(ErrInvalidPath, "%q: empty name", full)
	}
	if _, err := nixbase32.Decode(hash); err != nil {
		return StorePath{}, errors.Wrapf(ErrInvalidPath, "%q: invalid base-32 hash %q: %s", full, hash, err)
	}

	return StorePath{path: full, hash: hash, name: name}, nil
}

// Path returns the full store path as given to Parse.
func (p StorePath) Path() string { return p.path }

// Hash returns the 32-character base-32 hash component.
func (p StorePath) Hash() string { return p.hash }

// Name returns the human-readable name suffix.
func (p StorePath) Name() string { return p.name }

// String implements fmt.Stringer.
func (p StorePath) String() string { return p.path }

// Valid reports whether p was produced by a successful Parse.
func (p StorePath) Valid() bool { return p.hash != "" }
