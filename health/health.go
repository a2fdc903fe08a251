// Package health probes connectivity of configured package daemons
// and Git remotes, ported from Store::peer_health_check in
// original_source/src/git_store/store.rs.
package health

import (
	"context"

	"github.com/sirupsen/logrus"

	"lab.nexedi.com/kirr/nixcache/config"
	"lab.nexedi.com/kirr/nixcache/daemon"
	"lab.nexedi.com/kirr/nixcache/internal/gitstore"
)

// PeerResult is one probed peer's outcome.
type PeerResult struct {
	Address string
	OK      bool
	Err     error
}

// Report is the overall health-check outcome: OK is true only if every
// configured daemon and remote succeeded.
type Report struct {
	OK      bool
	Daemons []PeerResult
	Remotes []PeerResult
}

// Check iterates daemons (connect/disconnect) and cfg.Remotes
// (gitstore.CheckRemote), logging a Warn per failure and an Info per
// success, and never aborting early — every peer is probed regardless
// of earlier failures (spec.md §4.H).
func Check(ctx context.Context, cfg config.Store, daemons []daemon.Client, repo *gitstore.Repository, log *logrus.Logger) Report {
	report := Report{OK: true}

	for _, d := range daemons {
		result := PeerResult{Address: d.Address()}
		if err := d.Connect(ctx); err != nil {
			result.Err = err
			report.OK = false
			log.WithError(err).Warnf("health: failed to connect to daemon at %s", d.Address())
		} else {
			result.OK = true
			log.Infof("health: connected to daemon at %s", d.Address())
			d.Disconnect()
		}
		report.Daemons = append(report.Daemons, result)
	}

	for _, remote := range cfg.Remotes {
		result := PeerResult{Address: remote}
		if err := repo.CheckRemote(ctx, remote); err != nil {
			result.Err = err
			report.OK = false
			log.WithError(err).Warnf("health: failed to connect to Git remote %s", remote)
		} else {
			result.OK = true
			log.Infof("health: connected to Git remote %s", remote)
		}
		report.Remotes = append(report.Remotes, result)
	}

	return report
}
