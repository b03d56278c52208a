// Package maintain is the cron entry point: notify owners of overdue
// repositories, then trim what has aged out. The whole sweep holds the
// registry lock so it never interleaves with an admin mutation.
package maintain

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/borggate/borggate/internal/config"
	"github.com/borggate/borggate/internal/notify"
	"github.com/borggate/borggate/internal/registry"
)

// Sender delivers one user's overdue notice. Satisfied by notify.Mailer.
type Sender interface {
	StaleBackups(to, userName string, repos []notify.StaleRepo, now time.Time) error
}

// Rotator forces a log rotation at the end of a sweep. Satisfied by
// lumberjack.Logger.
type Rotator interface {
	Rotate() error
}

type Runner struct {
	Store  *registry.Store
	Mailer Sender
	Cfg    *config.Config
	Log    *logrus.Entry
	LogOut Rotator
}

// Run performs one maintenance sweep. A single user's delivery failure is
// logged and skipped; only registry access errors abort the sweep.
func (r *Runner) Run(now time.Time) error {
	err := r.Store.Locked(func() error {
		return r.notifyStale(now)
	})
	if err != nil {
		return err
	}

	horizon := now.AddDate(0, 0, -r.Cfg.LogRetentionDays)
	pruned, err := r.Store.PruneAudit(horizon)
	if err != nil {
		return err
	}
	if pruned > 0 {
		r.Log.WithField("records", pruned).Info("pruned audit log")
	}

	if r.LogOut != nil {
		if err := r.LogOut.Rotate(); err != nil {
			r.Log.WithError(err).Warn("log rotation failed")
		}
	}
	return nil
}

// due reports whether a stale repository still needs a notice: none sent
// yet, or the last one covered an earlier staleness window.
func due(sr registry.StaleRepo) bool {
	return sr.Last == nil || sr.Last.WindowStart.Before(sr.Repo.LastModified)
}

func (r *Runner) notifyStale(now time.Time) error {
	stale, err := r.Store.StaleRepos(now)
	if err != nil {
		return err
	}

	type pending struct {
		owner registry.User
		repos []registry.StaleRepo
	}
	byOwner := map[string]*pending{}
	var order []string
	for _, sr := range stale {
		if !due(sr) {
			continue
		}
		p, ok := byOwner[sr.Owner.ID]
		if !ok {
			p = &pending{owner: sr.Owner}
			byOwner[sr.Owner.ID] = p
			order = append(order, sr.Owner.ID)
		}
		p.repos = append(p.repos, sr)
	}

	for _, id := range order {
		p := byOwner[id]
		repos := make([]notify.StaleRepo, 0, len(p.repos))
		for _, sr := range p.repos {
			repos = append(repos, notify.StaleRepo{
				Name:          sr.Repo.Name,
				LastModified:  sr.Repo.LastModified,
				ThresholdDays: sr.Repo.ThresholdDays,
				LastServeOK:   sr.Repo.LastServeOK,
			})
		}
		if err := r.Mailer.StaleBackups(p.owner.Email, p.owner.Name, repos, now); err != nil {
			r.Log.WithError(err).WithField("user", p.owner.Name).Warn("notification failed")
			continue
		}
		for _, sr := range p.repos {
			repo := sr.Repo
			if err := r.Store.RecordNotification(&repo, now); err != nil {
				return err
			}
		}
		r.Log.WithFields(logrus.Fields{"user": p.owner.Name, "repos": len(repos)}).
			Info("sent stale-backup notice")
	}
	return nil
}
