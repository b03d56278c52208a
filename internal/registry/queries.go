package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/borggate/borggate/internal/quota"
)

// Read-only queries run without the registry lock; sqlite gives them a
// consistent snapshot and mutations are transactional.

func (s *Store) UserByName(name string) (*User, error) {
	var u User
	if err := s.db.Where("name = ?", name).First(&u).Error; err != nil {
		return nil, notFoundOr(err, "user", name)
	}
	return &u, nil
}

func (s *Store) UserByID(id string) (*User, error) {
	var u User
	if err := s.db.Where("id = ?", id).First(&u).Error; err != nil {
		return nil, notFoundOr(err, "user", id)
	}
	return &u, nil
}

func (s *Store) Users() ([]User, error) {
	var users []User
	if err := s.db.Order("name").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return users, nil
}

func (s *Store) RepoByName(name string) (*Repo, error) {
	var r Repo
	if err := s.db.Where("name = ?", name).First(&r).Error; err != nil {
		return nil, notFoundOr(err, "repository", name)
	}
	return &r, nil
}

func (s *Store) RepoByID(id string) (*Repo, error) {
	var r Repo
	if err := s.db.Where("id = ?", id).First(&r).Error; err != nil {
		return nil, notFoundOr(err, "repository", id)
	}
	return &r, nil
}

func (s *Store) ReposOfUser(userID string) ([]Repo, error) {
	var repos []Repo
	if err := s.db.Where("user_id = ?", userID).Order("name").Find(&repos).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return repos, nil
}

func (s *Store) AllRepos() ([]Repo, error) {
	var repos []Repo
	if err := s.db.Order("name").Find(&repos).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return repos, nil
}

func (s *Store) KeysOfSubject(kind SubjectKind, subjectID string) ([]Key, error) {
	var keys []Key
	err := s.db.Where("subject_kind = ? AND subject_id = ?", kind, subjectID).
		Order("seq, created_at").Find(&keys).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return keys, nil
}

func (s *Store) KeyByFingerprint(fp string) (*Key, error) {
	var k Key
	if err := s.db.Where("fingerprint = ?", fp).First(&k).Error; err != nil {
		return nil, notFoundOr(err, "key", fp)
	}
	return &k, nil
}

// UserSummary aggregates the capacity view: allocation from the registry,
// usage from the backup tool's reports.
func (s *Store) UserSummary(u *User) (quota.Summary, error) {
	repos, err := s.ReposOfUser(u.ID)
	if err != nil {
		return quota.Summary{}, err
	}
	sum := quota.Summary{CeilingBytes: u.QuotaBytes}
	for _, r := range repos {
		sum.AllocatedBytes += r.QuotaBytes
		usage, err := s.fs.Usage(u.Name, r.Name)
		if err != nil {
			return quota.Summary{}, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		sum.UsedBytes += usage.BytesUsed
	}
	return sum, nil
}

// StaleRepo pairs a repository over its notification threshold with its
// owner and the notification state of the current window.
type StaleRepo struct {
	Repo  Repo
	Owner User
	Last  *Notification
}

// StaleRepos returns repositories whose last modification is older than
// their threshold. Caller decides, per notification state, what to send.
func (s *Store) StaleRepos(now time.Time) ([]StaleRepo, error) {
	repos, err := s.AllRepos()
	if err != nil {
		return nil, err
	}
	var out []StaleRepo
	for _, r := range repos {
		if now.Sub(r.LastModified) <= time.Duration(r.ThresholdDays)*24*time.Hour {
			continue
		}
		owner, err := s.UserByID(r.UserID)
		if err != nil {
			return nil, err
		}
		var last Notification
		errLast := s.db.Where("repo_id = ?", r.ID).Order("sent_at DESC").First(&last).Error
		sr := StaleRepo{Repo: r, Owner: *owner}
		if errLast == nil {
			sr.Last = &last
		} else if !errors.Is(errLast, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrPersistence, errLast)
		}
		out = append(out, sr)
	}
	return out, nil
}

// RecordNotification closes the current staleness window for a repository.
func (s *Store) RecordNotification(repo *Repo, sentAt time.Time) error {
	return s.write(func(tx *gorm.DB) error {
		n := Notification{
			ID:            uuid.NewString(),
			RepoID:        repo.ID,
			SentAt:        sentAt,
			ThresholdDays: repo.ThresholdDays,
			WindowStart:   repo.LastModified,
		}
		if err := tx.Create(&n).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		return s.audit(tx, "maintenance", "", repo.Name, OpNotify,
			fmt.Sprintf("threshold %dd", repo.ThresholdDays))
	})
}

// RecordEvent writes a bare audit record, used for serve lifecycle and
// admin impersonation marks.
func (s *Store) RecordEvent(userName, repoName, op, detail string) error {
	return s.write(func(tx *gorm.DB) error {
		return s.audit(tx, userName, userName, repoName, op, detail)
	})
}

func (s *Store) AuditForUser(name string, limit int) ([]AuditRecord, error) {
	var recs []AuditRecord
	q := s.db.Where("user_name = ?", name).Order("at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return recs, nil
}

func (s *Store) AuditAll(limit int) ([]AuditRecord, error) {
	var recs []AuditRecord
	q := s.db.Order("at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return recs, nil
}

// PruneAudit drops audit records older than the retention horizon.
func (s *Store) PruneAudit(before time.Time) (int64, error) {
	var n int64
	err := s.write(func(tx *gorm.DB) error {
		res := tx.Where("at < ?", before).Delete(&AuditRecord{})
		if res.Error != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, res.Error)
		}
		n = res.RowsAffected
		return nil
	})
	return n, err
}

// ReposByUserName is the registry view handed to the storage consistency
// check.
func (s *Store) ReposByUserName() (map[string][]string, error) {
	users, err := s.Users()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(users))
	for _, u := range users {
		repos, err := s.ReposOfUser(u.ID)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(repos))
		for _, r := range repos {
			names = append(names, r.Name)
		}
		out[u.Name] = names
	}
	return out, nil
}
