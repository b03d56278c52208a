package shell

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/borggate/borggate/internal/authkeys"
	"github.com/borggate/borggate/internal/config"
	"github.com/borggate/borggate/internal/privilege"
	"github.com/borggate/borggate/internal/quota"
	"github.com/borggate/borggate/internal/registry"
	"github.com/borggate/borggate/internal/storagefs"
)

func testConfig(dir string) *config.Config {
	return &config.Config{
		StorageRoot:        dir,
		ServiceUser:        "borggate",
		ServerName:         "backup1",
		AdminContact:       "root@example.org",
		DefaultUserQuotaGB: 100,
		DefaultRepoQuotaGB: 10,
		MaxReposPerUser:    10,
		StaleThresholdDays: 2,
	}
}

func testSession(t *testing.T, admin bool) (*Session, *registry.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := registry.Open(privilege.Identity{Username: "borggate"}, registry.Params{
		DatabasePath: filepath.Join(dir, "registry.db"),
		LockPath:     filepath.Join(dir, "registry.lock"),
		Keys:         &authkeys.File{Path: filepath.Join(dir, "authorized_keys"), SelfPath: "/usr/local/bin/borggate"},
		Layout:       storagefs.New(dir),
	})
	require.NoError(t, err)
	u, err := store.CreateUser(registry.CreateUserParams{
		Name: "alice", Email: "alice@example.org",
		QuotaBytes: 100 * quota.GB, MaxRepos: 10, Admin: admin, Actor: "test",
	})
	require.NoError(t, err)
	scope := registry.ScopeUserShell
	if admin {
		scope = registry.ScopeAdminShell
	}
	return &Session{
		Store: store,
		Cfg:   testConfig(dir),
		User:  u,
		Scope: scope,
		Out:   &bytes.Buffer{},
		Log:   logrus.NewEntry(logrus.New()),
	}, store
}

func run(t *testing.T, s *Session, input string) (string, int) {
	t.Helper()
	out := &bytes.Buffer{}
	s.In = strings.NewReader(input)
	s.Out = out
	status := s.Run()
	return out.String(), status
}

func pubkey(t *testing.T, comment string) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))) + " " + comment
}

func TestTokenize(t *testing.T) {
	tokens, err := tokenize(`repo keys backup set_rw_key ssh-ed25519 AAAA "my laptop"`)
	require.NoError(t, err)
	assert.Equal(t, []string{"repo", "keys", "backup", "set_rw_key", "ssh-ed25519", "AAAA", "my laptop"}, tokens)

	_, err = tokenize(`repo show "unterminated`)
	assert.Error(t, err)

	tokens, err = tokenize("   ")
	require.NoError(t, err)
	assert.Empty(t, tokens)
}

func TestIdentifyFailsClosed(t *testing.T) {
	s, store := testSession(t, false)
	base := Env{
		SubjectKind: "user", Subject: s.User.ID,
		Scope: string(registry.ScopeUserShell), Logname: "borggate",
	}

	_, _, err := Identify(store, s.Cfg, base)
	require.NoError(t, err)

	wrongLogin := base
	wrongLogin.Logname = "alice"
	_, _, err = Identify(store, s.Cfg, wrongLogin)
	assert.ErrorIs(t, err, registry.ErrPermissionDenied)

	repoKind := base
	repoKind.SubjectKind = "repo"
	_, _, err = Identify(store, s.Cfg, repoKind)
	assert.ErrorIs(t, err, registry.ErrPermissionDenied)

	serveScope := base
	serveScope.Scope = string(registry.ScopeRepoRW)
	_, _, err = Identify(store, s.Cfg, serveScope)
	assert.ErrorIs(t, err, registry.ErrPermissionDenied)

	ghost := base
	ghost.Subject = "no-such-id"
	_, _, err = Identify(store, s.Cfg, ghost)
	assert.ErrorIs(t, err, registry.ErrPermissionDenied)

	// a demoted admin cannot ride an old admin-scoped line
	demoted := base
	demoted.Scope = string(registry.ScopeAdminShell)
	_, _, err = Identify(store, s.Cfg, demoted)
	assert.ErrorIs(t, err, registry.ErrPermissionDenied)
}

func TestAdminCommandDeniedKeepsSessionAlive(t *testing.T) {
	s, _ := testSession(t, false)
	out, status := run(t, s, "admin users\nrepo list\n")
	assert.Contains(t, out, "permission denied")
	assert.Contains(t, out, "no repositories")
	assert.Equal(t, 0, status, "a later successful command resets the status")

	out, status = run(t, s, "admin users\n")
	assert.Contains(t, out, "permission denied")
	assert.Equal(t, 1, status)
}

func TestUnknownCommandKeepsSessionAlive(t *testing.T) {
	s, _ := testSession(t, false)
	out, _ := run(t, s, "frobnicate\nhelp\n")
	assert.Contains(t, out, "unknown command")
	assert.Contains(t, out, "repo create")
	assert.NotContains(t, out, "admin user add", "admin commands are hidden from user shells")
}

func TestRepoLifecycleThroughShell(t *testing.T) {
	s, store := testSession(t, false)
	key := pubkey(t, "backup@host")
	input := strings.Join([]string{
		"repo create backup 20",
		"repo keys backup set_rw_key " + key,
		"repo list",
		"repo show backup",
		"exit",
	}, "\n") + "\n"
	out, status := run(t, s, input)
	assert.Equal(t, 0, status)
	assert.Contains(t, out, "created repository backup")
	assert.Contains(t, out, "installed read-write key")
	assert.Contains(t, out, "20 GB")

	repo, err := store.RepoByName("backup")
	require.NoError(t, err)
	assert.Equal(t, int64(20*quota.GB), repo.QuotaBytes)
}

func TestRepoDeleteNeedsConfirm(t *testing.T) {
	s, store := testSession(t, false)
	_, _ = run(t, s, "repo create backup 20\n")

	out, status := run(t, s, "repo delete backup\n")
	assert.Contains(t, out, "CONFIRM")
	assert.Equal(t, 1, status)
	_, err := store.RepoByName("backup")
	require.NoError(t, err)

	out, status = run(t, s, "repo delete backup CONFIRM\n")
	assert.Contains(t, out, "deleted repository backup")
	assert.Equal(t, 0, status)
	_, err = store.RepoByName("backup")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestQuotaErrorIsReadable(t *testing.T) {
	s, _ := testSession(t, false)
	out, status := run(t, s, "repo create huge 500\n")
	assert.Equal(t, 1, status)
	assert.Contains(t, out, "error:")
	assert.Contains(t, out, "quota exceeded")
}

func TestUsersCannotSeeForeignRepos(t *testing.T) {
	s, store := testSession(t, false)
	_, err := store.CreateUser(registry.CreateUserParams{
		Name: "bob", Email: "bob@example.org", QuotaBytes: 100 * quota.GB, MaxRepos: 10,
	})
	require.NoError(t, err)
	_, err = store.CreateRepo(registry.CreateRepoParams{
		OwnerName: "bob", Name: "bobsrepo", QuotaBytes: 10 * quota.GB, ThresholdDays: 2,
	})
	require.NoError(t, err)

	out, status := run(t, s, "repo show bobsrepo\n")
	assert.Equal(t, 1, status)
	assert.Contains(t, out, "not found")
}

func TestAdminUserManagement(t *testing.T) {
	s, store := testSession(t, true)
	input := strings.Join([]string{
		"admin user add bob bob@example.org 50",
		"admin users",
		"admin user quota bob 30",
		"admin user delete bob CONFIRM",
		"exit",
	}, "\n") + "\n"
	out, status := run(t, s, input)
	assert.Equal(t, 0, status)
	assert.Contains(t, out, "created user bob with 50 GB")
	assert.Contains(t, out, "bob@example.org")
	assert.Contains(t, out, "quota of bob set to 30 GB")
	assert.Contains(t, out, "deleted user bob")

	_, err := store.UserByName("bob")
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestBannerShowsQuota(t *testing.T) {
	s, _ := testSession(t, false)
	out, _ := run(t, s, "exit\n")
	assert.Contains(t, out, "backup1")
	assert.Contains(t, out, "root@example.org")
	assert.Contains(t, out, "0 GB allocated of 100 GB")
}
