// Package registry is the sole writer of users, repositories, keys,
// notification state and the audit log. Every mutation runs under an
// exclusive file lock shared by all session processes, inside one database
// transaction, and regenerates the authorized_keys file before it commits —
// no caller ever sees a success whose key-file effect is not durable.
package registry

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/borggate/borggate/internal/authkeys"
	"github.com/borggate/borggate/internal/fsutil"
	"github.com/borggate/borggate/internal/privilege"
	"github.com/borggate/borggate/internal/storagefs"
)

const lockTimeout = 30 * time.Second

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

func validateName(name string) error {
	if len(name) > 20 {
		return fmt.Errorf("%w: name must be 20 characters or less", ErrConflict)
	}
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%w: name may only contain [a-zA-Z0-9_]", ErrConflict)
	}
	return nil
}

type Params struct {
	DatabasePath string
	LockPath     string
	Keys         *authkeys.File
	Layout       *storagefs.Layout
	Logger       *logrus.Entry
}

type Store struct {
	db   *gorm.DB
	lock *fsutil.Flock
	keys *authkeys.File
	fs   *storagefs.Layout
	log  *logrus.Entry

	// lockDepth makes locked reentrant for the maintenance sweep, which
	// records notifications while already holding the registry lock. Each
	// process drives the store from a single goroutine.
	lockDepth int
}

// Open prepares the storage layout and the database. The privilege token is
// required: nothing may touch persisted state before the identity check ran.
func Open(_ privilege.Identity, p Params) (*Store, error) {
	if err := p.Layout.Ensure(); err != nil {
		return nil, fmt.Errorf("%w: prepare storage layout: %v", ErrPersistence, err)
	}
	db, err := gorm.Open(sqlite.Open(p.DatabasePath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", ErrPersistence, err)
	}
	if err := db.AutoMigrate(&User{}, &Repo{}, &Key{}, &Notification{}, &AuditRecord{}); err != nil {
		return nil, fmt.Errorf("%w: migrate: %v", ErrPersistence, err)
	}
	log := p.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{
		db:   db,
		lock: fsutil.NewFlock(p.LockPath),
		keys: p.Keys,
		fs:   p.Layout,
		log:  log,
	}, nil
}

// Layout exposes the storage paths for the serve proxy.
func (s *Store) Layout() *storagefs.Layout { return s.fs }

// mutate runs fn under the registry lock in one transaction and regenerates
// authorized_keys before commit. Any failure rolls everything back; the
// previous key file survives because the writer renames atomically.
func (s *Store) mutate(fn func(tx *gorm.DB) error) error {
	return s.locked(func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			if err := fn(tx); err != nil {
				return err
			}
			entries, err := snapshotTx(tx)
			if err != nil {
				return err
			}
			if err := s.keys.Sync(entries); err != nil {
				return fmt.Errorf("%w: write authorized_keys: %v", ErrPersistence, err)
			}
			return nil
		})
	})
}

// write is mutate without key regeneration, for writes that cannot change
// the key set (audit records, serve results, notification state).
func (s *Store) write(fn func(tx *gorm.DB) error) error {
	return s.locked(func() error {
		return s.db.Transaction(fn)
	})
}

// Locked runs fn while holding the registry lock. The maintenance sweep
// uses this to avoid racing an in-flight admin mutation.
func (s *Store) Locked(fn func() error) error {
	return s.locked(fn)
}

func (s *Store) locked(fn func() error) error {
	if s.lockDepth > 0 {
		s.lockDepth++
		defer func() { s.lockDepth-- }()
		return fn()
	}
	if err := s.lock.Acquire(lockTimeout); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	s.lockDepth = 1
	defer func() {
		s.lockDepth = 0
		s.lock.Release()
	}()
	return fn()
}

// snapshotTx builds the authorized_keys view of the current key set.
func snapshotTx(tx *gorm.DB) ([]authkeys.Entry, error) {
	var keys []Key
	if err := tx.Order("created_at, id").Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("%w: load keys: %v", ErrPersistence, err)
	}
	userNames := map[string]string{}
	var users []User
	if err := tx.Find(&users).Error; err != nil {
		return nil, fmt.Errorf("%w: load users: %v", ErrPersistence, err)
	}
	for _, u := range users {
		userNames[u.ID] = u.Name
	}
	repoNames := map[string]string{}
	var repos []Repo
	if err := tx.Find(&repos).Error; err != nil {
		return nil, fmt.Errorf("%w: load repos: %v", ErrPersistence, err)
	}
	for _, r := range repos {
		repoNames[r.ID] = r.Name
	}

	entries := make([]authkeys.Entry, 0, len(keys))
	for _, k := range keys {
		name := userNames[k.SubjectID]
		if k.SubjectKind == SubjectRepo {
			name = repoNames[k.SubjectID]
		}
		if name == "" {
			// a key whose subject is gone must never reach the file
			continue
		}
		entries = append(entries, authkeys.Entry{
			SubjectKind: string(k.SubjectKind),
			SubjectName: name,
			SubjectID:   k.SubjectID,
			Scope:       string(k.Scope),
			Algo:        k.Algo,
			Material:    k.Material,
			Comment:     k.Comment,
			Seq:         k.Seq,
		})
	}
	return entries, nil
}

// Snapshot returns the current authorized_keys view without taking the
// write lock (read-only consumers: the audit check).
func (s *Store) Snapshot() ([]authkeys.Entry, error) {
	return snapshotTx(s.db)
}

// Regenerate rewrites authorized_keys from the current registry state.
// Idempotent: with no intervening mutation the output is byte-identical.
func (s *Store) Regenerate() error {
	return s.locked(func() error {
		entries, err := snapshotTx(s.db)
		if err != nil {
			return err
		}
		if err := s.keys.Sync(entries); err != nil {
			return fmt.Errorf("%w: write authorized_keys: %v", ErrPersistence, err)
		}
		return nil
	})
}

func (s *Store) audit(tx *gorm.DB, actor, userName, repoName, op, detail string) error {
	rec := AuditRecord{
		ID:       uuid.NewString(),
		At:       time.Now(),
		Actor:    actor,
		UserName: userName,
		RepoName: repoName,
		Op:       op,
		Detail:   detail,
	}
	if err := tx.Create(&rec).Error; err != nil {
		return fmt.Errorf("%w: audit: %v", ErrPersistence, err)
	}
	return nil
}

func notFoundOr(err error, what, name string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s %q", ErrNotFound, what, name)
	}
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}
