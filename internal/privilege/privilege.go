// Package privilege pins the process to the configured service identity
// before anything touches the registry or the authorized_keys file. All
// persisted state is protected by filesystem permissions tied to that one
// identity, so running as anyone else is a fatal error.
package privilege

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// Identity is the proof that the privilege check ran. Constructors that
// touch persisted state take one as an argument.
type Identity struct {
	UID      int
	GID      int
	Username string
}

var ErrWrongIdentity = errors.New("not running as the configured service identity")

// Drop resolves the service user and ensures the process runs as it.
// Started as root it switches real, effective and saved ids; started as the
// service user it is a no-op; any other identity is refused.
func Drop(serviceUser string) (Identity, error) {
	u, err := user.Lookup(serviceUser)
	if err != nil {
		return Identity{}, fmt.Errorf("lookup service user %q: %w", serviceUser, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return Identity{}, fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return Identity{}, fmt.Errorf("parse gid %q: %w", u.Gid, err)
	}
	id := Identity{UID: uid, GID: gid, Username: u.Username}

	euid := os.Geteuid()
	if euid == uid {
		return id, nil
	}
	if euid != 0 {
		return Identity{}, fmt.Errorf("%w: running as uid %d, want %q (uid %d) or root",
			ErrWrongIdentity, euid, serviceUser, uid)
	}

	if err := unix.Setgroups([]int{gid}); err != nil {
		return Identity{}, fmt.Errorf("setgroups: %w", err)
	}
	if err := unix.Setresgid(gid, gid, gid); err != nil {
		return Identity{}, fmt.Errorf("setresgid: %w", err)
	}
	if err := unix.Setresuid(uid, uid, uid); err != nil {
		return Identity{}, fmt.Errorf("setresuid: %w", err)
	}
	if os.Geteuid() != uid || os.Getegid() != gid {
		return Identity{}, fmt.Errorf("%w: privilege drop did not take effect", ErrWrongIdentity)
	}
	return id, nil
}
