// Package quota gates capacity-affecting mutations. It enforces allocation
// ceilings only: live usage comes from the backup tool's own reporting and
// is informational, except that a repository can never be shrunk below what
// it already holds.
package quota

import (
	"errors"
	"fmt"
)

var ErrExceeded = errors.New("quota exceeded")

const GB = 1000 * 1000 * 1000

// CheckCreate verifies that a new repository of requested bytes still fits
// under the owner's ceiling next to the already allocated repositories.
func CheckCreate(ceiling, allocated, requested int64) error {
	if requested <= 0 {
		return fmt.Errorf("%w: requested quota must be positive", ErrExceeded)
	}
	if allocated+requested > ceiling {
		return fmt.Errorf("%w: %d GB requested, %d GB of %d GB already allocated",
			ErrExceeded, requested/GB, allocated/GB, ceiling/GB)
	}
	return nil
}

// CheckResize is CheckCreate with the resized repository's current
// allocation taken out of the sum, plus the floor of its reported usage.
func CheckResize(ceiling, allocated, current, requested, used int64) error {
	if requested <= 0 {
		return fmt.Errorf("%w: quota must be positive", ErrExceeded)
	}
	if requested < used {
		return fmt.Errorf("%w: repository already holds %d GB, cannot shrink below that",
			ErrExceeded, used/GB)
	}
	if allocated-current+requested > ceiling {
		max := ceiling - (allocated - current)
		return fmt.Errorf("%w: maximum size would be %d GB", ErrExceeded, max/GB)
	}
	return nil
}

// Summary is the per-user capacity view shown in the shell and admin lists.
type Summary struct {
	CeilingBytes   int64
	AllocatedBytes int64
	UsedBytes      int64
}

func (s Summary) CeilingGB() int64   { return s.CeilingBytes / GB }
func (s Summary) AllocatedGB() int64 { return s.AllocatedBytes / GB }
func (s Summary) UsedGB() int64      { return s.UsedBytes / GB }

// OverAllocated flags users whose ceiling was reduced below the sum of
// their repository quotas. The invariant is enforced at create/resize time
// only, so an admin quota cut can legitimately leave a user in this state.
func (s Summary) OverAllocated() bool { return s.AllocatedBytes > s.CeilingBytes }
