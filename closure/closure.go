// Package closure implements the core orchestration: given a store
// path, resolve it and its full transitive dependency closure into
// Git objects, trying local storage, then Git peers, then package
// daemons, in that order.
//
// Grounded on Store::_add_closure in
// original_source/src/git_store/store.rs, transliterated from Rust's
// async_recursion + manual remote/daemon iteration into Go's
// goroutines, errgroup and singleflight.
package closure

import (
	"context"
	"io"
	"runtime"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"lab.nexedi.com/kirr/nixcache/config"
	"lab.nexedi.com/kirr/nixcache/daemon"
	"lab.nexedi.com/kirr/nixcache/internal/gitstore"
	"lab.nexedi.com/kirr/nixcache/narchive"
	"lab.nexedi.com/kirr/nixcache/narinfo"
	"lab.nexedi.com/kirr/nixcache/refs"
	"lab.nexedi.com/kirr/nixcache/storepath"
)

// defaultMaxDepth bounds the dependency recursion against cycles and
// pathological DAGs (spec.md §4.F, §8: depth 100 succeeds, 101 fails).
const defaultMaxDepth = 100

// Error kinds not already owned by a lower package (spec.md §7).
// Malformed-archive/unsupported-entry/storage faults are narchive's;
// daemon-unreachable is daemon's; peer-unavailable is gitstore's;
// invalid-path is storepath's. Callers
// match with errors.Is.
var (
	ErrUnresolvable       = errors.New("closure: no source has this package")
	ErrDepthExceeded      = errors.New("closure: dependency depth exceeded")
	ErrStorageFault       = errors.New("closure: storage backend failure")
	ErrInvariantViolation = errors.New("closure: internal invariant violated")
)

// DaemonFactory returns a fresh, unconnected set of daemon clients in
// configured order. A fresh slice per call is what lets every
// resolution acquire its own connections without sharing state with
// concurrent resolutions (spec.md §5).
type DaemonFactory func() []daemon.Client

// Resolver is the entry point for closure resolution against one Git
// repository.
type Resolver struct {
	Repo    *gitstore.Repository
	Config  config.Store
	Log     *logrus.Logger
	Daemons DaemonFactory

	// MaxDepth overrides defaultMaxDepth; zero means use the default.
	MaxDepth int

	sf singleflight.Group
}

// NewResolver builds a Resolver with the default depth cap.
func NewResolver(repo *gitstore.Repository, cfg config.Store, log *logrus.Logger, daemons DaemonFactory) *Resolver {
	return &Resolver{Repo: repo, Config: cfg, Log: log, Daemons: daemons}
}

func (r *Resolver) maxDepth() int {
	if r.MaxDepth > 0 {
		return r.MaxDepth
	}
	return defaultMaxDepth
}

// addRefChecked creates-or-updates name to oid, enforcing invariant 5
// (spec.md §3, §5, §7): a ref that already exists must already point
// at oid. Re-adding the same OID is the idempotent case (spec.md §8
// property 5) and is silently accepted; a pre-existing ref pointing at
// a different OID is a programming error, never a storage retry, so it
// is reported as ErrInvariantViolation. AddRef always force-writes, so
// this is a detect-after-write check: by the time the error is
// returned, the ref already points at oid.
func (r *Resolver) addRefChecked(name string, oid gitstore.Oid, msg string) error {
	prior, existed, err := r.Repo.AddRef(name, oid, msg)
	if err != nil {
		return errors.Wrap(ErrStorageFault, err.Error())
	}
	if existed && prior != oid {
		return errors.Wrapf(ErrInvariantViolation, "ref %q already set to %s, refusing to overwrite with %s", name, prior.String(), oid.String())
	}
	return nil
}

// AddClosure resolves path and its full dependency closure, returning
// the number of newly-created narinfo entries (the same metric
// Store::add_closure logs in store.rs: a before/after count of
// "refs/*/narinfo").
func (r *Resolver) AddClosure(ctx context.Context, path storepath.StorePath) (int, error) {
	before, err := r.Repo.ListRefs("refs/*/narinfo")
	if err != nil {
		return 0, errors.Wrap(ErrStorageFault, err.Error())
	}

	if _, err := r.resolve(ctx, path, 0); err != nil {
		return 0, err
	}

	after, err := r.Repo.ListRefs("refs/*/narinfo")
	if err != nil {
		return 0, errors.Wrap(ErrStorageFault, err.Error())
	}
	return len(after) - len(before), nil
}

// AddSingle adds exactly one package's narinfo+tree refs without
// recursing into dependencies, short-circuiting if it is already
// present. Unlike AddClosure's nodes, the result ref here points
// directly at the ingested tree, not at a wrapping commit — this
// mirrors Store::add_single in store.rs, which is deliberately a
// lighter-weight single-node operation (spec.md's "features recovered
// from original_source/").
func (r *Resolver) AddSingle(ctx context.Context, path storepath.StorePath) error {
	hash := path.Hash()
	narinfoRefName := refs.NarinfoRef(hash)
	resultRefName := refs.ResultRef(hash)

	if exists, err := r.Repo.RefExists(narinfoRefName); err != nil {
		return errors.Wrap(ErrStorageFault, err.Error())
	} else if exists {
		r.Log.Debugf("closure: %s already present, skipping add_single", path.Name())
		return nil
	}

	narinfoBlobOid, treeOid, _, found, err := r.fetchFromDaemons(ctx, path)
	if err != nil {
		return err
	}
	if !found {
		return errors.Wrapf(ErrUnresolvable, "%s: no daemon has it", path.Name())
	}

	if err := r.addRefChecked(resultRefName, treeOid, path.Name()); err != nil {
		return err
	}
	if err := r.addRefChecked(narinfoRefName, narinfoBlobOid, path.Name()); err != nil {
		return err
	}
	return nil
}

// EntryExists reports whether both the result and narinfo refs for
// hash are present. This deliberately differs from the before/after
// counting AddClosure uses, which only looks at narinfo refs
// (spec.md §9's explicit resolution of that ambiguity).
func (r *Resolver) EntryExists(hash string) (bool, error) {
	haveNarinfo, err := r.Repo.RefExists(refs.NarinfoRef(hash))
	if err != nil {
		return false, errors.Wrap(ErrStorageFault, err.Error())
	}
	if !haveNarinfo {
		return false, nil
	}
	return r.Repo.RefExists(refs.ResultRef(hash))
}

// resolve is the per-node algorithm (spec.md §4.F): local hit, then
// peer walk, then daemon fallback with dependency recursion, gated by
// a per-hash singleflight so concurrent callers for the same path
// share one resolution.
func (r *Resolver) resolve(ctx context.Context, path storepath.StorePath, depth int) (gitstore.Oid, error) {
	if depth > r.maxDepth() {
		return gitstore.Oid{}, errors.Wrapf(ErrDepthExceeded, "%s at depth %d", path.Name(), depth)
	}

	hash := path.Hash()
	if oid, ok, err := r.Repo.RefOid(refs.ResultRef(hash)); err != nil {
		return gitstore.Oid{}, errors.Wrap(ErrStorageFault, err.Error())
	} else if ok {
		return oid, nil
	}

	v, err, _ := r.sf.Do(hash, func() (interface{}, error) {
		return r.resolveOnce(ctx, path, depth)
	})
	if err != nil {
		return gitstore.Oid{}, err
	}
	return v.(gitstore.Oid), nil
}

func (r *Resolver) resolveOnce(ctx context.Context, path storepath.StorePath, depth int) (gitstore.Oid, error) {
	hash := path.Hash()

	// re-check: another singleflight caller may have just finished
	// while we were waiting to be scheduled.
	if oid, ok, err := r.Repo.RefOid(refs.ResultRef(hash)); err != nil {
		return gitstore.Oid{}, errors.Wrap(ErrStorageFault, err.Error())
	} else if ok {
		return oid, nil
	}

	if found, err := r.peerWalk(ctx, hash, depth); err != nil {
		return gitstore.Oid{}, err
	} else if found {
		oid, ok, err := r.Repo.RefOid(refs.ResultRef(hash))
		if err != nil {
			return gitstore.Oid{}, errors.Wrap(ErrStorageFault, err.Error())
		}
		if !ok {
			return gitstore.Oid{}, errors.Wrapf(ErrInvariantViolation, "remote reported %s but result ref missing after fetch", path.Name())
		}
		return oid, nil
	}

	narinfoBlobOid, treeOid, rec, found, err := r.fetchFromDaemons(ctx, path)
	if err != nil {
		return gitstore.Oid{}, err
	}
	if !found {
		return gitstore.Oid{}, errors.Wrapf(ErrUnresolvable, "%s: no daemon has it and no peer has replicated it", path.Name())
	}

	deps := dedupStorePaths(rec.References)
	parentOids := make([]gitstore.Oid, len(deps))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, dep := range deps {
		i, dep := i, dep
		g.Go(func() error {
			oid, err := r.resolve(gctx, dep, depth+1)
			if err != nil {
				return err
			}
			parentOids[i] = oid
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return gitstore.Oid{}, err
	}

	commitOid, err := r.Repo.Commit(treeOid, parentOids, path.Name())
	if err != nil {
		return gitstore.Oid{}, errors.Wrap(ErrStorageFault, err.Error())
	}

	if err := r.addRefChecked(refs.ResultRef(hash), commitOid, path.Name()); err != nil {
		return gitstore.Oid{}, err
	}
	if err := r.addRefChecked(refs.NarinfoRef(hash), narinfoBlobOid, path.Name()); err != nil {
		return gitstore.Oid{}, err
	}

	return commitOid, nil
}

// peerWalk tries each configured Git remote in order; the first that
// has the root package's refs is adopted for the rest of this node's
// closure (same-remote-only BFS, spec.md §4.F step 2 and
// get_package_commit_from_git_remotes in store.rs). A remote that is
// simply unreachable is logged and skipped, never fatal.
func (r *Resolver) peerWalk(ctx context.Context, hash string, depth int) (bool, error) {
	for _, remoteURL := range r.Config.Remotes {
		got, err := r.fetchFromRemote(ctx, hash, remoteURL)
		if err != nil {
			r.Log.WithError(err).Warnf("closure: peer %s unreachable, trying next", remoteURL)
			continue
		}
		if !got {
			continue
		}

		r.Log.Debugf("closure: using git peer %s for %s", remoteURL, hash)
		if err := r.bfsFromRemote(ctx, hash, remoteURL, depth); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// bfsQueueEntry is one pending node in bfsFromRemote's walk, carrying
// its depth so a dependency that falls through to resolve (below)
// gets a depth consistent with sequential recursion, not BFS level.
type bfsQueueEntry struct {
	hash  string
	depth int
}

// bfsFromRemote walks the dependency ids of an already-fetched root
// (read back out of its just-fetched narinfo blob) and fetches any
// still-missing ones from the same remote, so a successful peer hit
// does not fragment across multiple remotes mid-closure. A dependency
// the adopted remote does not have (or fails to fetch) is not silently
// dropped: it falls back to this node's own full three-tier resolve,
// so the closure still ends up complete (spec.md §8 property 2)
// instead of leaving a dangling reference that would later surface as
// ErrInvariantViolation out of getDepIds.
func (r *Resolver) bfsFromRemote(ctx context.Context, rootHash, remoteURL string, rootDepth int) error {
	visited := map[string]bool{rootHash: true}
	queue := []bfsQueueEntry{{rootHash, rootDepth}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if cur.depth > r.maxDepth() {
			return errors.Wrapf(ErrDepthExceeded, "%s at depth %d", cur.hash, cur.depth)
		}

		deps, err := r.getDepIds(cur.hash)
		if err != nil {
			return err
		}

		for _, dep := range deps {
			depHash := dep.Hash()
			if visited[depHash] {
				continue
			}
			visited[depHash] = true

			have, err := r.EntryExists(depHash)
			if err != nil {
				return err
			}
			if !have {
				if _, err := r.fetchFromRemote(ctx, depHash, remoteURL); err != nil {
					r.Log.WithError(err).Warnf("closure: peer %s fetch failed for dependency %s, continuing BFS", remoteURL, depHash)
				}
				have, err = r.EntryExists(depHash)
				if err != nil {
					return err
				}
			}

			if have {
				queue = append(queue, bfsQueueEntry{depHash, cur.depth + 1})
				continue
			}

			r.Log.Warnf("closure: peer %s lacks dependency %s, falling back to daemon/other peers", remoteURL, depHash)
			if _, err := r.resolve(ctx, dep, cur.depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// fetchFromRemote fetches refs/<hash>/* from remoteURL, reporting
// whether anything new was retrieved.
func (r *Resolver) fetchFromRemote(ctx context.Context, hash, remoteURL string) (bool, error) {
	glob := refs.PkgRef(hash) + "/*"
	return r.Repo.Fetch(ctx, remoteURL, glob+":"+glob)
}

// getDepIds reads back a locally-present narinfo blob's References.
func (r *Resolver) getDepIds(hash string) ([]storepath.StorePath, error) {
	oid, ok, err := r.Repo.RefOid(refs.NarinfoRef(hash))
	if err != nil {
		return nil, errors.Wrap(ErrStorageFault, err.Error())
	}
	if !ok {
		return nil, errors.Wrapf(ErrInvariantViolation, "narinfo ref missing for %s", hash)
	}

	data, err := r.Repo.GetBlob(oid)
	if err != nil {
		return nil, errors.Wrap(ErrStorageFault, err.Error())
	}

	rec, err := narinfo.Parse(string(data))
	if err != nil {
		return nil, errors.Wrap(err, "closure: parsing narinfo")
	}
	return rec.GetDependencies(), nil
}

// fetchFromDaemons iterates configured daemons in order (spec.md
// §4.F step 3), returning the first that reports path_exists. A
// daemon that fails to connect or RPC is logged and skipped
// (warn-and-continue, spec.md §8 scenario 6); only exhausting every
// daemon is reported back as "not found" (found == false), which
// callers turn into ErrUnresolvable.
func (r *Resolver) fetchFromDaemons(ctx context.Context, path storepath.StorePath) (narinfoBlobOid, treeOid gitstore.Oid, rec narinfo.Record, found bool, err error) {
	for _, d := range r.Daemons() {
		if connErr := d.Connect(ctx); connErr != nil {
			r.Log.WithError(connErr).Warnf("closure: daemon %s unreachable, trying next", d.Address())
			continue
		}

		exists, existsErr := d.PathExists(ctx, path)
		if existsErr != nil {
			r.Log.WithError(existsErr).Warnf("closure: daemon %s: path_exists failed for %s", d.Address(), path.Name())
			d.Disconnect()
			continue
		}
		if !exists {
			d.Disconnect()
			continue
		}

		gotTreeOid, ingestErr := r.streamFromDaemon(ctx, d, path)
		if ingestErr != nil {
			d.Disconnect()
			if errors.Is(ingestErr, narchive.ErrMalformedArchive) || errors.Is(ingestErr, narchive.ErrUnsupportedEntry) || errors.Is(ingestErr, narchive.ErrStorageFault) {
				return gitstore.Oid{}, gitstore.Oid{}, narinfo.Record{}, false, ingestErr
			}
			r.Log.WithError(ingestErr).Warnf("closure: daemon %s: fetch failed for %s, trying next", d.Address(), path.Name())
			continue
		}

		pathInfo, haveInfo, infoErr := d.GetPathInfo(ctx, path)
		if infoErr != nil {
			d.Disconnect()
			return gitstore.Oid{}, gitstore.Oid{}, narinfo.Record{}, false, errors.Wrap(infoErr, "closure: query path info")
		}
		if !haveInfo {
			d.Disconnect()
			return gitstore.Oid{}, gitstore.Oid{}, narinfo.Record{}, false, errors.Wrapf(ErrInvariantViolation, "daemon %s fetched %s but reports no path info", d.Address(), path.Name())
		}

		contentKey := gotTreeOid.String()
		built := daemon.BuildNarinfo(path, contentKey, pathInfo)

		blobOid, blobErr := r.Repo.Blob([]byte(built.String()))
		d.Disconnect()
		if blobErr != nil {
			return gitstore.Oid{}, gitstore.Oid{}, narinfo.Record{}, false, errors.Wrap(ErrStorageFault, blobErr.Error())
		}

		r.Log.Debugf("closure: using daemon %s, fetched %s", d.Address(), path.Name())
		return blobOid, gotTreeOid, built, true, nil
	}

	return gitstore.Oid{}, gitstore.Oid{}, narinfo.Record{}, false, nil
}

// streamFromDaemon pipes a daemon's archive bytes directly into
// narchive.Ingest without buffering the whole archive in memory
// (spec.md §4.D): Fetch writes to the pipe while Ingest reads from it
// concurrently.
func (r *Resolver) streamFromDaemon(ctx context.Context, d daemon.Client, path storepath.StorePath) (gitstore.Oid, error) {
	pr, pw := io.Pipe()

	type ingestResult struct {
		oid gitstore.Oid
		err error
	}
	resultCh := make(chan ingestResult, 1)
	go func() {
		oid, _, err := narchive.Ingest(ctx, r.Repo, pr)
		resultCh <- ingestResult{oid, err}
	}()

	fetchErr := d.Fetch(ctx, path, pw)
	pw.CloseWithError(fetchErr)

	res := <-resultCh
	pr.Close()

	if fetchErr != nil {
		return gitstore.Oid{}, errors.Wrap(fetchErr, "closure: daemon fetch")
	}
	if res.err != nil {
		return gitstore.Oid{}, res.err
	}
	return res.oid, nil
}

// dedupStorePaths collapses repeated references to their first
// occurrence, preserving order, so a package listing the same
// dependency twice still produces exactly one commit parent for it
// (spec.md §4.F edge case).
func dedupStorePaths(in []storepath.StorePath) []storepath.StorePath {
	seen := make(map[string]bool, len(in))
	out := make([]storepath.StorePath, 0, len(in))
	for _, sp := range in {
		if seen[sp.Hash()] {
			continue
		}
		seen[sp.Hash()] = true
		out = append(out, sp)
	}
	return out
}
