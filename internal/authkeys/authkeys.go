// Package authkeys derives the complete authorized_keys file from a
// registry snapshot. Every line forces this program as the command, binds
// the key to its subject and scope through environment options, and turns
// off everything sshd would otherwise allow. The output is deterministic so
// a file diff between regenerations is meaningful.
package authkeys

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/borggate/borggate/internal/fsutil"
)

const (
	ScopeAdminShell = "admin-shell"
	ScopeUserShell  = "user-shell"
	ScopeRepoRW     = "repo-read-write"
	ScopeRepoRO     = "repo-read-only"
)

// Entry is one key taken from a registry snapshot.
type Entry struct {
	SubjectKind string // "user" or "repo"
	SubjectName string
	SubjectID   string
	Scope       string
	Algo        string
	Material    string // base64 key blob
	Comment     string
	Seq         int // insertion order within the subject
}

// Key is the parsed form of submitted public-key material.
type Key struct {
	Algo        string
	Material    string
	Comment     string
	Fingerprint string
}

var ErrInvalidKey = errors.New("invalid ssh public key")

// ParseKey validates raw public-key material. A comment is required; it is
// the only handle users have to tell their keys apart later.
func ParseKey(raw string) (Key, error) {
	pub, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(strings.TrimSpace(raw)))
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if comment == "" {
		return Key{}, fmt.Errorf("%w: no name set, please add a comment to your key", ErrInvalidKey)
	}
	return Key{
		Algo:        pub.Type(),
		Material:    base64.StdEncoding.EncodeToString(pub.Marshal()),
		Comment:     comment,
		Fingerprint: ssh.FingerprintSHA256(pub),
	}, nil
}

func shellScope(scope string) bool {
	return scope == ScopeAdminShell || scope == ScopeUserShell
}

func token(scope string) string {
	if shellScope(scope) {
		return "shell"
	}
	return "serve"
}

// options builds the restriction prefix. restrict disables port, agent and
// X11 forwarding and PTY allocation; shell keys get the PTY back.
func options(selfPath string, e Entry) string {
	opts := []string{
		fmt.Sprintf("command=%q", selfPath+" "+token(e.Scope)),
		fmt.Sprintf("environment=%q", "BORGGATE_SUBJECT_KIND="+e.SubjectKind),
		fmt.Sprintf("environment=%q", "BORGGATE_SUBJECT="+e.SubjectID),
		fmt.Sprintf("environment=%q", "BORGGATE_SCOPE="+e.Scope),
		fmt.Sprintf("environment=%q", fmt.Sprintf("BORGGATE_KEY_SEQ=%d", e.Seq)),
		"restrict",
	}
	if shellScope(e.Scope) {
		opts = append(opts, "pty")
	}
	return strings.Join(opts, ",")
}

// Synthesize renders the full file content. Ordering is stable: subject
// name first, then key insertion order.
func Synthesize(selfPath string, entries []Entry) []byte {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].SubjectName != sorted[j].SubjectName {
			return sorted[i].SubjectName < sorted[j].SubjectName
		}
		return sorted[i].Seq < sorted[j].Seq
	})

	var buf bytes.Buffer
	buf.WriteString("# Generated by borggate. Do not edit; changes are overwritten.\n")
	for _, e := range sorted {
		fmt.Fprintf(&buf, "%s %s %s %s\n", options(selfPath, e), e.Algo, e.Material, e.Comment)
	}
	return buf.Bytes()
}

// File writes the synthesized content to its configured path.
type File struct {
	Path     string
	SelfPath string
}

// Sync atomically replaces the target file. A failed regeneration leaves
// the previous valid file in place.
func (f *File) Sync(entries []Entry) error {
	return fsutil.WriteFileAtomic(f.Path, Synthesize(f.SelfPath, entries), 0600)
}

// Matches reports whether the on-disk file is byte-identical to the
// content derivable from the snapshot.
func (f *File) Matches(entries []Entry, onDisk []byte) bool {
	return bytes.Equal(Synthesize(f.SelfPath, entries), onDisk)
}
