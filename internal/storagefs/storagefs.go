// Package storagefs manages the on-disk layout backing the registry:
// <root>/backups/<user>/<repo>. The registry is the only writer; the backup
// tool only ever sees individual repository directories through the serve
// proxy.
package storagefs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/borggate/borggate/internal/fsutil"
)

type Layout struct {
	Root string
}

var ErrInconsistent = errors.New("storage inconsistent with registry")

func New(root string) *Layout {
	return &Layout{Root: root}
}

func (l *Layout) BackupsDir() string { return filepath.Join(l.Root, "backups") }

func (l *Layout) UserDir(user string) string {
	return filepath.Join(l.BackupsDir(), user)
}

func (l *Layout) RepoDir(user, repo string) string {
	return filepath.Join(l.UserDir(user), repo)
}

func (l *Layout) Ensure() error {
	if err := fsutil.EnsureDir(l.Root, 0700); err != nil {
		return err
	}
	return fsutil.EnsureDir(l.BackupsDir(), 0700)
}

func (l *Layout) CreateUser(user string) error {
	return os.Mkdir(l.UserDir(user), 0700)
}

func (l *Layout) DeleteUser(user string) error {
	return os.RemoveAll(l.UserDir(user))
}

func (l *Layout) CreateRepo(user, repo string) error {
	return os.Mkdir(l.RepoDir(user, repo), 0700)
}

func (l *Layout) DeleteRepo(user, repo string) error {
	return os.RemoveAll(l.RepoDir(user, repo))
}

// UsageReport is written by the backup tool's reporting hook inside each
// repository directory. Usage is never recomputed here.
type UsageReport struct {
	BytesUsed     int64 `json:"bytes_used"`
	TransactionID int64 `json:"transaction_id"`
}

// Usage reads the tool's report for one repository. A repository that was
// never written to has no report; that is a zero report, not an error.
func (l *Layout) Usage(user, repo string) (UsageReport, error) {
	b, err := os.ReadFile(filepath.Join(l.RepoDir(user, repo), "usage.json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return UsageReport{}, nil
		}
		return UsageReport{}, err
	}
	var r UsageReport
	if err := json.Unmarshal(b, &r); err != nil {
		return UsageReport{}, fmt.Errorf("parse usage report for %s/%s: %w", user, repo, err)
	}
	return r, nil
}

// AssertConsistent cross-checks the directory tree against the registry's
// view: every user and repo present, nothing stale on disk.
func (l *Layout) AssertConsistent(reposByUser map[string][]string) error {
	for user, repos := range reposByUser {
		userDir := l.UserDir(user)
		st, err := os.Stat(userDir)
		if err != nil || !st.IsDir() {
			return fmt.Errorf("%w: storage for user %q is missing", ErrInconsistent, user)
		}
		known := map[string]bool{}
		for _, repo := range repos {
			known[repo] = true
			rst, err := os.Stat(l.RepoDir(user, repo))
			if err != nil || !rst.IsDir() {
				return fmt.Errorf("%w: repository %q of user %q is missing", ErrInconsistent, repo, user)
			}
		}
		entries, err := os.ReadDir(userDir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !e.IsDir() {
				return fmt.Errorf("%w: stale file %q in user directory of %q", ErrInconsistent, e.Name(), user)
			}
			if !known[e.Name()] {
				return fmt.Errorf("%w: stale repository %q in user directory of %q", ErrInconsistent, e.Name(), user)
			}
		}
	}
	return nil
}
