package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/borggate/borggate/internal/authkeys"
)

// SetUserKey installs a new login key for a user. The previous primary key
// moves to the fallback slot and stays valid until the new key has logged
// in once (guards against locking yourself out with a mistyped key).
func (s *Store) SetUserKey(name, raw, actor string) error {
	parsed, err := authkeys.ParseKey(raw)
	if err != nil {
		return err
	}
	return s.mutate(func(tx *gorm.DB) error {
		var user User
		if err := tx.Where("name = ?", name).First(&user).Error; err != nil {
			return notFoundOr(err, "user", name)
		}
		if err := fingerprintFreeTx(tx, parsed.Fingerprint); err != nil {
			return err
		}
		if err := tx.Where("subject_kind = ? AND subject_id = ? AND slot = ?",
			SubjectUser, user.ID, SlotFallback).Delete(&Key{}).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		if err := tx.Model(&Key{}).
			Where("subject_kind = ? AND subject_id = ? AND slot = ?", SubjectUser, user.ID, SlotPrimary).
			Updates(map[string]any{"slot": SlotFallback, "seq": 1}).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		key := Key{
			ID:          uuid.NewString(),
			Fingerprint: parsed.Fingerprint,
			Algo:        parsed.Algo,
			Material:    parsed.Material,
			Comment:     parsed.Comment,
			SubjectKind: SubjectUser,
			SubjectID:   user.ID,
			Scope:       user.ShellScope(),
			Slot:        SlotPrimary,
			Seq:         0,
			CreatedAt:   time.Now(),
		}
		if err := tx.Create(&key).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		return s.audit(tx, actor, name, "", OpSetKey, parsed.Comment)
	})
}

// SetRepoKey installs the read-write or read-only key of a repository.
// The two slots must hold distinct keys, otherwise the weaker scope would
// be meaningless.
func (s *Store) SetRepoKey(ownerID, repoName string, scope Scope, raw, actor string) error {
	if !scope.Repo() {
		return fmt.Errorf("%w: scope %q is not a repository scope", ErrConflict, scope)
	}
	parsed, err := authkeys.ParseKey(raw)
	if err != nil {
		return err
	}
	return s.mutate(func(tx *gorm.DB) error {
		repo, owner, err := repoWithOwnerTx(tx, ownerID, repoName)
		if err != nil {
			return err
		}
		var sibling Key
		err = tx.Where("subject_kind = ? AND subject_id = ? AND scope != ?",
			SubjectRepo, repo.ID, scope).First(&sibling).Error
		if err == nil && sibling.Fingerprint == parsed.Fingerprint {
			return fmt.Errorf("%w: read-write and read-only keys of %q must differ", ErrConflict, repoName)
		}
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		if err := fingerprintFreeForTx(tx, parsed.Fingerprint, repo.ID, scope); err != nil {
			return err
		}
		if err := tx.Where("subject_kind = ? AND subject_id = ? AND scope = ?",
			SubjectRepo, repo.ID, scope).Delete(&Key{}).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		seq := 0
		if scope == ScopeRepoRO {
			seq = 1
		}
		key := Key{
			ID:          uuid.NewString(),
			Fingerprint: parsed.Fingerprint,
			Algo:        parsed.Algo,
			Material:    parsed.Material,
			Comment:     parsed.Comment,
			SubjectKind: SubjectRepo,
			SubjectID:   repo.ID,
			Scope:       scope,
			Seq:         seq,
			CreatedAt:   time.Now(),
		}
		if err := tx.Create(&key).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		return s.audit(tx, actor, owner.Name, repoName, OpSetKey, string(scope)+" "+parsed.Comment)
	})
}

// ClearRepoKey removes one of a repository's keys.
func (s *Store) ClearRepoKey(ownerID, repoName string, scope Scope, actor string) error {
	return s.mutate(func(tx *gorm.DB) error {
		repo, owner, err := repoWithOwnerTx(tx, ownerID, repoName)
		if err != nil {
			return err
		}
		res := tx.Where("subject_kind = ? AND subject_id = ? AND scope = ?",
			SubjectRepo, repo.ID, scope).Delete(&Key{})
		if res.Error != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: no %s key on repository %q", ErrNotFound, scope, repoName)
		}
		return s.audit(tx, actor, owner.Name, repoName, OpClearKey, string(scope))
	})
}

func fingerprintFreeTx(tx *gorm.DB, fp string) error {
	var existing Key
	err := tx.Where("fingerprint = ?", fp).First(&existing).Error
	if err == nil {
		return fmt.Errorf("%w: key %s is already registered", ErrConflict, fp)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// fingerprintFreeForTx allows re-setting the same slot with the same key
// but rejects a fingerprint registered anywhere else.
func fingerprintFreeForTx(tx *gorm.DB, fp, subjectID string, scope Scope) error {
	var existing Key
	err := tx.Where("fingerprint = ?", fp).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if existing.SubjectID == subjectID && existing.Scope == scope {
		return nil
	}
	return fmt.Errorf("%w: key %s is already registered", ErrConflict, fp)
}
