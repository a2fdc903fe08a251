// Command nixcache drives a closure.Resolver from the command line.
//
// Argument parsing is intentionally thin (spec.md §1 lists CLI parsing
// as an external collaborator's job) — this exists only so the module
// is a runnable program, mirroring the teacher's own
// flag.Parse()-then-dispatch-table main() in git-backup.go, just with
// one flat set of global flags instead of per-command ones.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"lab.nexedi.com/kirr/nixcache/closure"
	"lab.nexedi.com/kirr/nixcache/config"
	"lab.nexedi.com/kirr/nixcache/daemon"
	"lab.nexedi.com/kirr/nixcache/health"
	"lab.nexedi.com/kirr/nixcache/internal/gitstore"
	"lab.nexedi.com/kirr/nixcache/storepath"
)

// countFlag is both a bool and an int flag, for handling repeated
// "-v -v -v" the way Go's own cmd/dist does; adapted from the
// verbatim copy the teacher carried in misc.go.
//
// Copyright 2012 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.
type countFlag int

func (c *countFlag) String() string { return fmt.Sprint(int(*c)) }

func (c *countFlag) Set(s string) error {
	*c++
	return nil
}

func (c *countFlag) IsBoolFlag() bool { return true }

var _ flag.Value = (*countFlag)(nil)

// stringList collects a repeatable flag ("-remote a -remote b ...")
// into an ordered slice.
type stringList []string

func (l *stringList) String() string { return fmt.Sprint([]string(*l)) }

func (l *stringList) Set(s string) error {
	*l = append(*l, s)
	return nil
}

var commands = map[string]func(ctx context.Context, r *closure.Resolver, cfg config.Store, daemons []daemon.Client, argv []string) error{
	"add-closure": cmdAddClosure,
	"add-single":  cmdAddSingle,
	"health":      cmdHealth,
	"list":        cmdList,
}

func usage() {
	fmt.Fprint(os.Stderr,
		`nixcache [options] <command> [args]

    add-closure <store-path>   resolve a package and its full dependency closure
    add-single <store-path>    resolve exactly one package, no recursion
    health                     probe configured daemons and Git remotes
    list                       list every ref currently stored

  common options:

    -repo <path>       path to the backing Git repository (required)
    -remote <url>       a Git peer to consult (repeatable)
    -builder <host>      a remote package daemon to consult (repeatable)
    -local-daemon        use the local UNIX-socket daemon
    -v                   increase verbosity
`)
}

func main() {
	flag.Usage = usage

	var repoPath string
	var remotes, builders stringList
	var useLocalDaemon bool
	var verbosity countFlag

	flag.StringVar(&repoPath, "repo", "", "path to the backing Git repository")
	flag.Var(&remotes, "remote", "a Git peer to consult (repeatable)")
	flag.Var(&builders, "builder", "a remote package daemon to consult (repeatable)")
	flag.BoolVar(&useLocalDaemon, "local-daemon", false, "use the local UNIX-socket daemon")
	flag.Var(&verbosity, "v", "increase verbosity")
	flag.Parse()

	argv := flag.Args()
	if len(argv) == 0 {
		usage()
		os.Exit(1)
	}
	if repoPath == "" {
		fmt.Fprintln(os.Stderr, "E: -repo is required")
		os.Exit(1)
	}

	cmd := commands[argv[0]]
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "E: unknown command %q\n", argv[0])
		os.Exit(1)
	}

	log := logrus.New()
	switch {
	case verbosity >= 2:
		log.SetLevel(logrus.TraceLevel)
	case verbosity == 1:
		log.SetLevel(logrus.DebugLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	cfg := config.Store{
		Path:              repoPath,
		Remotes:           remotes,
		Builders:          builders,
		UseLocalNixDaemon: useLocalDaemon,
	}

	repo, err := gitstore.Open(cfg.Path)
	if err != nil {
		log.WithError(err).Fatal("opening repository")
	}

	// The package-daemon wire protocol is an out-of-scope external
	// collaborator (spec.md §1); a real deployment supplies one here.
	var proto daemon.Protocol
	daemons := daemon.FromConfig(cfg, proto)

	resolver := closure.NewResolver(repo, cfg, log, func() []daemon.Client { return daemon.FromConfig(cfg, proto) })

	if err := cmd(context.Background(), resolver, cfg, daemons, argv[1:]); err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

func cmdAddClosure(ctx context.Context, r *closure.Resolver, cfg config.Store, daemons []daemon.Client, argv []string) error {
	if len(argv) != 1 {
		return fmt.Errorf("usage: nixcache add-closure <store-path>")
	}
	sp, err := storepath.Parse(argv[0])
	if err != nil {
		return err
	}
	added, err := r.AddClosure(ctx, sp)
	if err != nil {
		return err
	}
	fmt.Printf("added %d packages\n", added)
	return nil
}

func cmdAddSingle(ctx context.Context, r *closure.Resolver, cfg config.Store, daemons []daemon.Client, argv []string) error {
	if len(argv) != 1 {
		return fmt.Errorf("usage: nixcache add-single <store-path>")
	}
	sp, err := storepath.Parse(argv[0])
	if err != nil {
		return err
	}
	return r.AddSingle(ctx, sp)
}

func cmdHealth(ctx context.Context, r *closure.Resolver, cfg config.Store, daemons []daemon.Client, argv []string) error {
	report := health.Check(ctx, cfg, daemons, r.Repo, logrus.StandardLogger())
	if !report.OK {
		return fmt.Errorf("health check failed")
	}
	return nil
}

func cmdList(ctx context.Context, r *closure.Resolver, cfg config.Store, daemons []daemon.Client, argv []string) error {
	names, err := r.Repo.ListRefs("refs/*")
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}
