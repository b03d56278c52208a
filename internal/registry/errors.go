package registry

import (
	"errors"

	"github.com/borggate/borggate/internal/quota"
)

// Error taxonomy for the whole gateway. Non-fatal classes are reported to
// the session; persistence failures abort the command with prior durable
// state guaranteed unmodified.
var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrQuotaExceeded    = quota.ErrExceeded
	ErrPermissionDenied = errors.New("permission denied")
	ErrPersistence      = errors.New("persistence failure")
)
