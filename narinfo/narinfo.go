// Package narinfo implements the archive metadata record: the
// per-package information (size, references, deriver, content key)
// that accompanies every tree ingested into the cache.
//
// Serialization is a canonical line-oriented "Key: value" text block,
// generalizing the one-line-per-ref dump format git-backup.go uses for
// its own "backup.refs" index to one-line-per-field.
package narinfo

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"lab.nexedi.com/kirr/nixcache/storepath"
)

// field order is fixed: this is what makes Record.String() output
// stable and thus safe to hash/compare between peers.
const (
	keyStorePath    = "StorePath"
	keyContentKey   = "ContentKey"
	keyCompression  = "Compression"
	keyFileHash     = "FileHash"
	keyNarSize      = "NarSize"
	keyDeriver      = "Deriver"
	keyReferences   = "References"
)

// Record is the in-memory form of a package's archive metadata.
type Record struct {
	StorePath storepath.StorePath

	// ContentKey is the hex Git OID of the ingested package tree.
	ContentKey string

	// Compression and FileHash are reserved fields carried for
	// forward compatibility with the wire format; this module never
	// populates or validates them (spec.md §3).
	Compression string
	FileHash    string

	// NarSize is the decompressed size of the archive, in bytes.
	NarSize int64

	// Deriver is the store path of the derivation that produced this
	// output, if known.
	Deriver storepath.StorePath

	// References lists this package's direct dependencies, in the
	// order the daemon reported them.
	References []storepath.StorePath
}

// GetDependencies returns References in original order.
func (r Record) GetDependencies() []storepath.StorePath {
	return r.References
}

// String renders the canonical serialized form: one "Key: value" line
// per field, fixed order, trailing newline.
func (r Record) String() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s: %s\n", keyStorePath, r.StorePath.Path())
	fmt.Fprintf(&b, "%s: %s\n", keyContentKey, r.ContentKey)
	fmt.Fprintf(&b, "%s: %s\n", keyCompression, r.Compression)
	fmt.Fprintf(&b, "%s: %s\n", keyFileHash, r.FileHash)
	fmt.Fprintf(&b, "%s: %d\n", keyNarSize, r.NarSize)
	if r.Deriver.Valid() {
		fmt.Fprintf(&b, "%s: %s\n", keyDeriver, r.Deriver.Path())
	} else {
		fmt.Fprintf(&b, "%s: \n", keyDeriver)
	}

	refs := make([]string, len(r.References))
	for i, ref := range r.References {
		refs[i] = ref.Path()
	}
	fmt.Fprintf(&b, "%s: %s\n", keyReferences, strings.Join(refs, " "))

	return b.String()
}

// Parse is the inverse of String. Unknown keys are ignored, so the
// format can gain fields without breaking old readers.
func Parse(data string) (Record, error) {
	r := Record{}

	for _, line := range strings.Split(data, "\n") {
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			key, value, ok = strings.Cut(line, ":")
			if !ok {
				return Record{}, errors.Errorf("narinfo: malformed line %q", line)
			}
		}

		switch key {
		case keyStorePath:
			sp, err := storepath.Parse(value)
			if err != nil {
				return Record{}, errors.Wrap(err, "narinfo: StorePath")
			}
			r.StorePath = sp
		case keyContentKey:
			r.ContentKey = value
		case keyCompression:
			r.Compression = value
		case keyFileHash:
			r.FileHash = value
		case keyNarSize:
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return Record{}, errors.Wrap(err, "narinfo: NarSize")
			}
			r.NarSize = n
		case keyDeriver:
			if value == "" {
				continue
			}
			sp, err := storepath.Parse(value)
			if err != nil {
				return Record{}, errors.Wrap(err, "narinfo: Deriver")
			}
			r.Deriver = sp
		case keyReferences:
			if value == "" {
				continue
			}
			for _, field := range strings.Fields(value) {
				sp, err := storepath.Parse(field)
				if err != nil {
					return Record{}, errors.Wrap(err, "narinfo: References")
				}
				r.References = append(r.References, sp)
			}
		default:
			// unknown key: tolerated, per spec.
		}
	}

	if !r.StorePath.Valid() {
		return Record{}, errors.New("narinfo: missing StorePath")
	}

	return r, nil
}
