// Package gitstore wraps github.com/libgit2/git2go/v31 with the safety
// discipline the teacher repository (lab.nexedi.com/kirr/git-backup,
// internal/git/git.go) documents and enforces: libgit2 hands back
// memory that is only valid for the lifetime of the Go wrapper object
// that produced it (an *Odb.Read result, a *Tree entry's name and Oid,
// ...). If that wrapper is garbage collected before the borrowed bytes
// are done being used, libgit2 may have already freed the underlying
// C memory out from under the slice/string.
//
// The rule enforced here is the teacher's: every method that might
// return borrowed memory copies it out and calls runtime.KeepAlive on
// the object it borrowed from, so nothing outside this package ever
// touches libgit2-owned memory directly. This is the thin capability
// layer spec.md component C ("Git Object Store") describes: blob/tree/
// commit creation, ref read/write, and remote fetch/probe, with
// content-addressed writes (idempotent by construction, since libgit2
// itself dedupes by OID) and a fixed commit signature so package
// commits are reproducible byte-for-byte across independently
// operating peers.
package gitstore

import (
	"context"
	"runtime"
	"time"

	git2go "github.com/libgit2/git2go/v31"
	"github.com/pkg/errors"
)

// Oid is safe to copy and store; every accessor below returns a value
// cloned out of libgit2's memory.
type Oid = git2go.Oid

// Filemode is re-exported so callers building tree entries do not need
// to import git2go directly.
type Filemode = git2go.Filemode

const (
	FilemodeTree           = git2go.FilemodeTree
	FilemodeBlob           = git2go.FilemodeBlob
	FilemodeBlobExecutable = git2go.FilemodeBlobExecutable
	FilemodeLink           = git2go.FilemodeLink
)

// ErrPeerUnavailable is wrapped and returned by Fetch when a Git remote
// cannot be fetched from, as distinct from the remote simply having no
// matching refs.
var ErrPeerUnavailable = errors.New("gitstore: peer unavailable")

// fixedSignature's name, email and time are fixed so that Commit produces the same
// OID on every peer given the same tree and parents (spec.md §4.C,
// §5, §9; teacher uses the same trick in git-backup.go's commit(),
// there with name "gachix"/committer epoch 0; here it backs the
// package-commit chain instead of the backup-snapshot chain).
var fixedSignature = &git2go.Signature{
	Name:  "nixcache",
	Email: "nixcache@localhost",
	When:  time.Unix(0, 0).UTC(),
}

// TreeEntry describes one entry to write into a tree, pre-sorted by
// the caller in the same order the archive codec's canonical form
// uses (spec.md §4.B requires this to equal Git's own tree-entry
// order, which is what keeps tree OIDs stable).
type TreeEntry struct {
	Name string
	Oid  Oid
	Mode Filemode
}

// Repository is a cheaply-clonable handle onto one on-disk Git
// repository, matching the teacher's #[derive(Clone)] Store/GitRepo
// split: the *git2go.Repository pointer is shared, callers do not need
// explicit locking because every mutating operation here either
// writes content-addressed objects (safe to race on, per spec.md §5)
// or goes through libgit2's own reference-locking for ref writes.
type Repository struct {
	repo *git2go.Repository
}

// Open opens an existing repository, or initializes a new bare one at
// path if none exists yet.
func Open(path string) (*Repository, error) {
	repo, err := git2go.OpenRepository(path)
	if err != nil {
		repo, err = git2go.InitRepository(path, true)
		if err != nil {
			return nil, errors.Wrapf(err, "gitstore: init repository at %q", path)
		}
	}
	return &Repository{repo: repo}, nil
}

// Path returns the repository's on-disk path.
func (r *Repository) Path() string {
	p := stringClone(r.repo.Path())
	runtime.KeepAlive(r.repo)
	return p
}

// Blob writes data as a blob object, returning its OID. Idempotent by
// content: writing the same bytes twice returns the same OID without
// creating a duplicate object, since libgit2's object database is
// itself content-addressed.
func (r *Repository) Blob(data []byte) (Oid, error) {
	odb, err := r.repo.Odb()
	if err != nil {
		return Oid{}, errors.Wrap(err, "gitstore: odb")
	}
	oid, err := odb.Write(data, git2go.ObjectBlob)
	if err != nil {
		return Oid{}, errors.Wrap(err, "gitstore: write blob")
	}
	o := oidClone(oid)
	runtime.KeepAlive(odb)
	return *o, nil
}

// Tree writes a tree object from pre-sorted entries.
func (r *Repository) Tree(entries []TreeEntry) (Oid, error) {
	builder, err := r.repo.TreeBuilder()
	if err != nil {
		return Oid{}, errors.Wrap(err, "gitstore: treebuilder")
	}
	defer builder.Free()

	for _, e := range entries {
		id := e.Oid
		if err := builder.Insert(e.Name, &id, e.Mode); err != nil {
			return Oid{}, errors.Wrapf(err, "gitstore: tree insert %q", e.Name)
		}
	}

	oid, err := builder.Write()
	if err != nil {
		return Oid{}, errors.Wrap(err, "gitstore: tree write")
	}
	return *oidClone(oid), nil
}

// Commit creates a commit whose root tree is treeOid and whose parents
// are parentOids, in the given order (duplicates are not elided here —
// callers, i.e. closure.Resolver, are responsible for the dedup spec.md
// §4.F requires, since only they know which duplicates are legitimate
// "same dependency listed twice" collapses vs. a caller bug).
//
// Author and committer are always the fixed signature above, and the
// commit message is msg verbatim (usually the package name) — never
// wall-clock time, so the resulting OID is reproducible.
func (r *Repository) Commit(treeOid Oid, parentOids []Oid, msg string) (Oid, error) {
	tree, err := r.repo.LookupTree(&treeOid)
	if err != nil {
		return Oid{}, errors.Wrapf(err, "gitstore: lookup tree %s", treeOid.String())
	}
	defer tree.Free()

	parents := make([]*git2go.Commit, len(parentOids))
	for i, poid := range parentOids {
		poid := poid
		c, err := r.repo.LookupCommit(&poid)
		if err != nil {
			return Oid{}, errors.Wrapf(err, "gitstore: lookup parent commit %s", poid.String())
		}
		defer c.Free()
		parents[i] = c
	}

	oid, err := r.repo.CreateCommit("", fixedSignature, fixedSignature, msg, tree, parents...)
	if err != nil {
		return Oid{}, errors.Wrap(err, "gitstore: create commit")
	}
	return *oidClone(oid), nil
}

// CommitParents returns the parent OIDs of the commit at oid, in
// order — used to verify the reproducible-parent-order property
// (spec.md §5, §8 property 6) and to read back a closure's dependency
// chain.
func (r *Repository) CommitParents(oid Oid) ([]Oid, error) {
	id := oid
	commit, err := r.repo.LookupCommit(&id)
	if err != nil {
		return nil, errors.Wrapf(err, "gitstore: lookup commit %s", oid.String())
	}
	defer commit.Free()

	n := commit.ParentCount()
	parents := make([]Oid, 0, n)
	for i := uint(0); i < n; i++ {
		parents = append(parents, *oidClone(commit.ParentId(i)))
	}
	runtime.KeepAlive(commit)
	return parents, nil
}

// AddRef creates or force-updates name to point at oid, returning the
// previous target if the ref already existed. Safe against concurrent
// callers racing on the same name: libgit2 serializes the underlying
// filesystem ref update, so "last writer wins" at the storage layer;
// it is the resolver's job (spec.md §5) to guarantee all concurrent
// writers for a given name agree on the OID.
func (r *Repository) AddRef(name string, oid Oid, msg string) (prior Oid, existed bool, err error) {
	if existing, ok, lookErr := r.RefOid(name); lookErr == nil && ok {
		prior, existed = existing, true
	}

	id := oid
	_, err = r.repo.References.Create(name, &id, true, msg)
	if err != nil {
		return prior, existed, errors.Wrapf(err, "gitstore: create ref %q", name)
	}
	return prior, existed, nil
}

// RefExists reports whether name is a reference in this repository.
func (r *Repository) RefExists(name string) (bool, error) {
	_, ok, err := r.RefOid(name)
	return ok, err
}

// RefOid returns the OID name points at, if it exists.
func (r *Repository) RefOid(name string) (Oid, bool, error) {
	ref, err := r.repo.References.Lookup(name)
	if err != nil {
		if isNotFound(err) {
			return Oid{}, false, nil
		}
		return Oid{}, false, errors.Wrapf(err, "gitstore: lookup ref %q", name)
	}
	defer ref.Free()

	target := ref.Target()
	if target == nil {
		return Oid{}, false, nil
	}
	return *oidClone(target), true, nil
}

// ListRefs returns every reference name matching glob (e.g. "refs/*/narinfo").
func (r *Repository) ListRefs(glob string) ([]string, error) {
	iter, err := r.repo.NewReferenceIteratorGlob(glob)
	if err != nil {
		return nil, errors.Wrapf(err, "gitstore: ref iterator %q", glob)
	}

	var names []string
	for {
		ref, err := iter.Next()
		if err != nil {
			if isIterOver(err) {
				break
			}
			return nil, errors.Wrap(err, "gitstore: ref iteration")
		}
		names = append(names, stringClone(ref.Name()))
		ref.Free()
	}
	return names, nil
}

// GetBlob returns a copy of a blob's content.
func (r *Repository) GetBlob(oid Oid) ([]byte, error) {
	odb, err := r.repo.Odb()
	if err != nil {
		return nil, errors.Wrap(err, "gitstore: odb")
	}
	id := oid
	obj, err := odb.Read(&id)
	if err != nil {
		return nil, errors.Wrapf(err, "gitstore: read blob %s", oid.String())
	}
	defer obj.Free()

	data := bytesClone(obj.Data())
	runtime.KeepAlive(obj)
	return data, nil
}

// LookupTreeEntries returns the direct children of the tree at oid, in
// Git's own (byte-sorted) order, which narchive.Emit relies on to
// reproduce the canonical archive ordering.
func (r *Repository) LookupTreeEntries(oid Oid) ([]TreeEntry, error) {
	id := oid
	tree, err := r.repo.LookupTree(&id)
	if err != nil {
		return nil, errors.Wrapf(err, "gitstore: lookup tree %s", oid.String())
	}
	defer tree.Free()

	n := tree.EntryCount()
	entries := make([]TreeEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		e := tree.EntryByIndex(i)
		entries = append(entries, TreeEntry{
			Name: stringClone(e.Name),
			Oid:  *oidClone(e.Id),
			Mode: e.Filemode,
		})
	}
	runtime.KeepAlive(tree)
	return entries, nil
}

// Fetch performs a Git fetch from remoteURL restricted to refspec,
// returning true if at least one matching ref was retrieved and false
// if the remote simply has none matching (spec.md §4.C: must not fail
// in that case).
func (r *Repository) Fetch(ctx context.Context, remoteURL, refspec string) (bool, error) {
	remote, err := r.repo.Remotes.CreateAnonymous(remoteURL)
	if err != nil {
		return false, errors.Wrapf(err, "gitstore: remote %q", remoteURL)
	}
	defer remote.Free()

	before, err := r.ListRefs(refspecDestGlob(refspec))
	if err != nil {
		return false, err
	}

	err = remote.Fetch([]string{refspec}, nil, "")
	if err != nil {
		if isNoMatchingRefs(err) {
			return false, nil
		}
		return false, errors.Wrapf(ErrPeerUnavailable, "fetch %q from %q: %s", refspec, remoteURL, err)
	}

	after, err := r.ListRefs(refspecDestGlob(refspec))
	if err != nil {
		return false, err
	}
	return len(after) > len(before), nil
}

// CheckRemote probes reachability of remoteURL without mutating local
// state: connect, then immediately disconnect.
func (r *Repository) CheckRemote(ctx context.Context, remoteURL string) error {
	remote, err := r.repo.Remotes.CreateAnonymous(remoteURL)
	if err != nil {
		return errors.Wrapf(err, "gitstore: remote %q", remoteURL)
	}
	defer remote.Free()

	if err := remote.ConnectFetch(nil, nil, nil); err != nil {
		return errors.Wrapf(err, "gitstore: connect %q", remoteURL)
	}
	remote.Disconnect()
	return nil
}

// refspecDestGlob turns "refs/<H>/*:refs/<H>/*" into the destination
// glob "refs/<H>/*" so before/after ref-count comparisons look at the
// right namespace.
func refspecDestGlob(refspec string) string {
	for i := len(refspec) - 1; i >= 0; i-- {
		if refspec[i] == ':' {
			return refspec[i+1:]
		}
	}
	return refspec
}

func isNotFound(err error) bool {
	gerr, ok := err.(*git2go.GitError)
	return ok && gerr.Code == git2go.ErrorCodeNotFound
}

func isIterOver(err error) bool {
	gerr, ok := err.(*git2go.GitError)
	return ok && gerr.Code == git2go.ErrorCodeIterOver
}

func isNoMatchingRefs(err error) bool {
	// libgit2 reports an empty/non-matching refspec fetch either as a
	// generic error class or (depending on transport) a not-found —
	// both mean "remote doesn't have it", never "fetch failed".
	gerr, ok := err.(*git2go.GitError)
	if !ok {
		return false
	}
	return gerr.Code == git2go.ErrorCodeNotFound || gerr.Class == git2go.ErrorClassReference
}

func oidClone(oid *Oid) *Oid {
	if oid == nil {
		return &Oid{}
	}
	var o Oid
	copy(o[:], oid[:])
	return &o
}

func stringClone(s string) string {
	b := make([]byte, len(s))
	copy(b, s)
	return string(b)
}

func bytesClone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
