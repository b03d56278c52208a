package registry

import (
	"time"
)

type Scope string

const (
	ScopeAdminShell Scope = "admin-shell"
	ScopeUserShell  Scope = "user-shell"
	ScopeRepoRW     Scope = "repo-read-write"
	ScopeRepoRO     Scope = "repo-read-only"
)

func (s Scope) Shell() bool { return s == ScopeAdminShell || s == ScopeUserShell }
func (s Scope) Repo() bool  { return s == ScopeRepoRW || s == ScopeRepoRO }

type SubjectKind string

const (
	SubjectUser SubjectKind = "user"
	SubjectRepo SubjectKind = "repo"
)

// Key slots. A user keeps one primary login key plus an optional fallback,
// the previous key that stays valid until the new one has logged in once.
const (
	SlotPrimary  = "primary"
	SlotFallback = "fallback"
)

type User struct {
	ID         string `gorm:"primaryKey"`
	Name       string `gorm:"uniqueIndex;not null"`
	Email      string `gorm:"not null"`
	Admin      bool   `gorm:"not null;default:false"`
	QuotaBytes int64  `gorm:"not null"`
	MaxRepos   int    `gorm:"not null"`
	CreatedAt  time.Time
	LastLogin  *time.Time
}

// ShellScope is the scope synthesized for this user's login keys.
func (u *User) ShellScope() Scope {
	if u.Admin {
		return ScopeAdminShell
	}
	return ScopeUserShell
}

// Repo names are unique across the whole system; they are path components
// of the backup-protocol endpoint.
type Repo struct {
	ID            string `gorm:"primaryKey"`
	Name          string `gorm:"uniqueIndex;not null"`
	UserID        string `gorm:"index;not null"`
	QuotaBytes    int64  `gorm:"not null"`
	ThresholdDays int    `gorm:"not null"`
	LastModified  time.Time
	LastServeOK   bool
	TransactionID int64
	CreatedAt     time.Time
}

type Key struct {
	ID          string `gorm:"primaryKey"`
	Fingerprint string `gorm:"uniqueIndex;not null"`
	Algo        string `gorm:"not null"`
	Material    string `gorm:"not null"`
	Comment     string
	SubjectKind SubjectKind `gorm:"index:idx_key_subject"`
	SubjectID   string      `gorm:"index:idx_key_subject"`
	Scope       Scope       `gorm:"not null"`
	Slot        string
	Seq         int
	CreatedAt   time.Time
}

// Notification records the last stale-backup notice per repository so a
// second sweep within the same staleness window sends nothing.
type Notification struct {
	ID            string `gorm:"primaryKey"`
	RepoID        string `gorm:"index"`
	SentAt        time.Time
	ThresholdDays int
	WindowStart   time.Time
}

type AuditRecord struct {
	ID       string    `gorm:"primaryKey"`
	At       time.Time `gorm:"index"`
	Actor    string
	UserName string `gorm:"index"`
	RepoName string `gorm:"index"`
	Op       string
	Detail   string
}

// Audit operations.
const (
	OpCreateUser   = "CREATE_USER"
	OpDeleteUser   = "DELETE_USER"
	OpSetQuota     = "SET_QUOTA"
	OpSetKey       = "SET_KEY"
	OpClearKey     = "CLEAR_KEY"
	OpCreateRepo   = "CREATE_REPO"
	OpDeleteRepo   = "DELETE_REPO"
	OpServeBegin   = "SERVE_BEGIN"
	OpServeSuccess = "SERVE_SUCCESS"
	OpServeAbort   = "SERVE_ABORT"
	OpServeModify  = "SERVE_MODIFY"
	OpNotify       = "NOTIFY"
	OpImpersonate  = "IMPERSONATE"
	OpPromote      = "PROMOTE"
)

func (r AuditRecord) Format() string {
	subject := r.UserName
	if r.RepoName != "" {
		subject += " " + r.RepoName
	}
	return "[" + r.At.Format(time.RFC3339) + "] " + subject + " " + r.Op + " " + r.Detail
}
