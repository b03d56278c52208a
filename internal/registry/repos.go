package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/borggate/borggate/internal/quota"
)

type CreateRepoParams struct {
	OwnerName     string
	Name          string
	QuotaBytes    int64
	ThresholdDays int
	Actor         string
}

func (s *Store) CreateRepo(p CreateRepoParams) (*Repo, error) {
	if err := validateName(p.Name); err != nil {
		return nil, err
	}
	now := time.Now()
	repo := &Repo{
		ID:            uuid.NewString(),
		Name:          p.Name,
		QuotaBytes:    p.QuotaBytes,
		ThresholdDays: p.ThresholdDays,
		LastModified:  now,
		LastServeOK:   true,
		CreatedAt:     now,
	}
	dirCreated := false
	var ownerName string
	err := s.mutate(func(tx *gorm.DB) error {
		var owner User
		if err := tx.Where("name = ?", p.OwnerName).First(&owner).Error; err != nil {
			return notFoundOr(err, "user", p.OwnerName)
		}
		ownerName = owner.Name
		repo.UserID = owner.ID

		var count int64
		if err := tx.Model(&Repo{}).Where("user_id = ?", owner.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		if int(count) >= owner.MaxRepos {
			return fmt.Errorf("%w: too many repositories (%d of %d)", ErrConflict, count, owner.MaxRepos)
		}
		var existing Repo
		if err := tx.Where("name = ?", p.Name).First(&existing).Error; err == nil {
			return fmt.Errorf("%w: repository %q already exists", ErrConflict, p.Name)
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		allocated, err := allocatedTx(tx, owner.ID)
		if err != nil {
			return err
		}
		if err := quota.CheckCreate(owner.QuotaBytes, allocated, p.QuotaBytes); err != nil {
			return err
		}
		if err := s.fs.CreateRepo(owner.Name, p.Name); err != nil {
			return fmt.Errorf("%w: create repo storage: %v", ErrPersistence, err)
		}
		dirCreated = true
		if err := tx.Create(repo).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		return s.audit(tx, p.Actor, owner.Name, p.Name, OpCreateRepo, p.Name)
	})
	if err != nil {
		if dirCreated {
			_ = s.fs.DeleteRepo(ownerName, p.Name)
		}
		return nil, err
	}
	s.log.WithField("repo", p.Name).Info("created repository")
	return repo, nil
}

func (s *Store) DeleteRepo(ownerID, name, actor string) error {
	return s.mutate(func(tx *gorm.DB) error {
		repo, owner, err := repoWithOwnerTx(tx, ownerID, name)
		if err != nil {
			return err
		}
		if err := tx.Where("subject_kind = ? AND subject_id = ?", SubjectRepo, repo.ID).Delete(&Key{}).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		if err := tx.Where("repo_id = ?", repo.ID).Delete(&Notification{}).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		if err := tx.Delete(repo).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		if err := s.fs.DeleteRepo(owner.Name, repo.Name); err != nil {
			return fmt.Errorf("%w: remove repo storage: %v", ErrPersistence, err)
		}
		return s.audit(tx, actor, owner.Name, name, OpDeleteRepo, name)
	})
}

// SetRepoQuota resizes a repository allocation. The repository's own
// current allocation is excluded from the sum, and the reported usage is a
// hard floor.
func (s *Store) SetRepoQuota(ownerID, name string, quotaBytes int64, actor string) error {
	return s.write(func(tx *gorm.DB) error {
		repo, owner, err := repoWithOwnerTx(tx, ownerID, name)
		if err != nil {
			return err
		}
		allocated, err := allocatedTx(tx, owner.ID)
		if err != nil {
			return err
		}
		usage, err := s.fs.Usage(owner.Name, repo.Name)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		if err := quota.CheckResize(owner.QuotaBytes, allocated, repo.QuotaBytes, quotaBytes, usage.BytesUsed); err != nil {
			return err
		}
		if err := tx.Model(repo).Update("quota_bytes", quotaBytes).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		return s.audit(tx, actor, owner.Name, name, OpSetQuota, fmt.Sprintf("%d", quotaBytes))
	})
}

// TouchRepo advances last-modified after observed backup activity.
func (s *Store) TouchRepo(repoID string, t time.Time, transactionID int64) error {
	return s.write(func(tx *gorm.DB) error {
		res := tx.Model(&Repo{}).Where("id = ?", repoID).
			Updates(map[string]any{"last_modified": t, "transaction_id": transactionID})
		if res.Error != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: repository %q", ErrNotFound, repoID)
		}
		return nil
	})
}

func (s *Store) SetServeResult(repoID string, ok bool) error {
	return s.write(func(tx *gorm.DB) error {
		return tx.Model(&Repo{}).Where("id = ?", repoID).Update("last_serve_ok", ok).Error
	})
}

func allocatedTx(tx *gorm.DB, userID string) (int64, error) {
	var total int64
	err := tx.Model(&Repo{}).Where("user_id = ?", userID).
		Select("COALESCE(SUM(quota_bytes), 0)").Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return total, nil
}

// repoWithOwnerTx loads a repository by name and checks it belongs to
// ownerID; an empty ownerID skips the ownership check (admin paths).
func repoWithOwnerTx(tx *gorm.DB, ownerID, name string) (*Repo, *User, error) {
	var repo Repo
	if err := tx.Where("name = ?", name).First(&repo).Error; err != nil {
		return nil, nil, notFoundOr(err, "repository", name)
	}
	if ownerID != "" && repo.UserID != ownerID {
		return nil, nil, fmt.Errorf("%w: repository %q", ErrNotFound, name)
	}
	var owner User
	if err := tx.Where("id = ?", repo.UserID).First(&owner).Error; err != nil {
		return nil, nil, notFoundOr(err, "user", repo.UserID)
	}
	return &repo, &owner, nil
}
