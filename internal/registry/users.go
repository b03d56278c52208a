package registry

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type CreateUserParams struct {
	Name       string
	Email      string
	QuotaBytes int64
	MaxRepos   int
	Admin      bool
	Actor      string
}

func (s *Store) CreateUser(p CreateUserParams) (*User, error) {
	if err := validateName(p.Name); err != nil {
		return nil, err
	}
	user := &User{
		ID:         uuid.NewString(),
		Name:       p.Name,
		Email:      p.Email,
		Admin:      p.Admin,
		QuotaBytes: p.QuotaBytes,
		MaxRepos:   p.MaxRepos,
		CreatedAt:  time.Now(),
	}
	dirCreated := false
	err := s.mutate(func(tx *gorm.DB) error {
		var existing User
		if err := tx.Where("name = ?", p.Name).First(&existing).Error; err == nil {
			return fmt.Errorf("%w: user %q already exists", ErrConflict, p.Name)
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		if err := s.fs.CreateUser(p.Name); err != nil {
			return fmt.Errorf("%w: create user storage: %v", ErrPersistence, err)
		}
		dirCreated = true
		if err := tx.Create(user).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		return s.audit(tx, p.Actor, p.Name, "", OpCreateUser, p.Name)
	})
	if err != nil {
		if dirCreated {
			_ = s.fs.DeleteUser(p.Name)
		}
		return nil, err
	}
	s.log.WithField("user", p.Name).Info("created user")
	return user, nil
}

// DeleteUser refuses to delete a user who still owns repositories unless
// cascade is set, in which case repositories, keys, notification state and
// the user's storage directory go with them.
func (s *Store) DeleteUser(name string, cascade bool, actor string) error {
	err := s.mutate(func(tx *gorm.DB) error {
		var user User
		if err := tx.Where("name = ?", name).First(&user).Error; err != nil {
			return notFoundOr(err, "user", name)
		}
		var repos []Repo
		if err := tx.Where("user_id = ?", user.ID).Find(&repos).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		if len(repos) > 0 && !cascade {
			return fmt.Errorf("%w: user %q owns %d repositories", ErrConflict, name, len(repos))
		}
		for _, r := range repos {
			if err := tx.Where("subject_kind = ? AND subject_id = ?", SubjectRepo, r.ID).Delete(&Key{}).Error; err != nil {
				return fmt.Errorf("%w: %v", ErrPersistence, err)
			}
			if err := tx.Where("repo_id = ?", r.ID).Delete(&Notification{}).Error; err != nil {
				return fmt.Errorf("%w: %v", ErrPersistence, err)
			}
		}
		if err := tx.Where("user_id = ?", user.ID).Delete(&Repo{}).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		if err := tx.Where("subject_kind = ? AND subject_id = ?", SubjectUser, user.ID).Delete(&Key{}).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		if err := tx.Delete(&user).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		if err := s.fs.DeleteUser(name); err != nil {
			return fmt.Errorf("%w: remove user storage: %v", ErrPersistence, err)
		}
		return s.audit(tx, actor, name, "", OpDeleteUser, name)
	})
	if err == nil {
		s.log.WithField("user", name).Info("deleted user")
	}
	return err
}

// SetUserQuota changes the ceiling without retroactive checks: existing
// repository allocations stay valid, the invariant is enforced on the next
// create or resize.
func (s *Store) SetUserQuota(name string, quotaBytes int64, actor string) error {
	if quotaBytes <= 0 {
		return fmt.Errorf("%w: quota must be positive", ErrQuotaExceeded)
	}
	return s.write(func(tx *gorm.DB) error {
		var user User
		if err := tx.Where("name = ?", name).First(&user).Error; err != nil {
			return notFoundOr(err, "user", name)
		}
		if err := tx.Model(&user).Update("quota_bytes", quotaBytes).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		return s.audit(tx, actor, name, "", OpSetQuota, fmt.Sprintf("%d", quotaBytes))
	})
}

// SetAdmin toggles the admin flag and rescopes the user's shell keys so
// the authorized_keys file reflects the new permission level immediately.
func (s *Store) SetAdmin(name string, admin bool, actor string) error {
	return s.mutate(func(tx *gorm.DB) error {
		var user User
		if err := tx.Where("name = ?", name).First(&user).Error; err != nil {
			return notFoundOr(err, "user", name)
		}
		if err := tx.Model(&user).Update("admin", admin).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		user.Admin = admin
		if err := tx.Model(&Key{}).
			Where("subject_kind = ? AND subject_id = ?", SubjectUser, user.ID).
			Update("scope", user.ShellScope()).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		return s.audit(tx, actor, name, "", OpPromote, fmt.Sprintf("admin=%v", admin))
	})
}

// RecordLogin advances last-login and, when the login came through the
// primary key, purges the fallback slot: the new key is now verified.
func (s *Store) RecordLogin(userID string, viaFallback bool, now time.Time) error {
	return s.mutate(func(tx *gorm.DB) error {
		var user User
		if err := tx.Where("id = ?", userID).First(&user).Error; err != nil {
			return notFoundOr(err, "user", userID)
		}
		if err := tx.Model(&user).Update("last_login", now).Error; err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		if !viaFallback {
			if err := tx.Where("subject_kind = ? AND subject_id = ? AND slot = ?",
				SubjectUser, userID, SlotFallback).Delete(&Key{}).Error; err != nil {
				return fmt.Errorf("%w: %v", ErrPersistence, err)
			}
		}
		return nil
	})
}
