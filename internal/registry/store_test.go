package registry

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/borggate/borggate/internal/authkeys"
	"github.com/borggate/borggate/internal/privilege"
	"github.com/borggate/borggate/internal/quota"
	"github.com/borggate/borggate/internal/storagefs"
)

func testStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	keysPath := filepath.Join(dir, "authorized_keys")
	store, err := Open(privilege.Identity{Username: "borggate"}, Params{
		DatabasePath: filepath.Join(dir, "registry.db"),
		LockPath:     filepath.Join(dir, "registry.lock"),
		Keys:         &authkeys.File{Path: keysPath, SelfPath: "/usr/local/bin/borggate"},
		Layout:       storagefs.New(dir),
	})
	require.NoError(t, err)
	return store, keysPath
}

func testPubKey(t *testing.T, comment string) string {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))) + " " + comment
}

func addUser(t *testing.T, s *Store, name string, quotaGB int64) *User {
	t.Helper()
	u, err := s.CreateUser(CreateUserParams{
		Name:       name,
		Email:      name + "@example.org",
		QuotaBytes: quotaGB * quota.GB,
		MaxRepos:   10,
		Actor:      "test",
	})
	require.NoError(t, err)
	return u
}

func TestCreateUserConflict(t *testing.T) {
	s, _ := testStore(t)
	addUser(t, s, "alice", 100)

	_, err := s.CreateUser(CreateUserParams{Name: "alice", Email: "x@y", QuotaBytes: quota.GB, MaxRepos: 10})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestCreateUserNameRules(t *testing.T) {
	s, _ := testStore(t)
	_, err := s.CreateUser(CreateUserParams{Name: "bad name!", Email: "x@y", QuotaBytes: quota.GB, MaxRepos: 10})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.CreateUser(CreateUserParams{Name: strings.Repeat("a", 21), Email: "x@y", QuotaBytes: quota.GB, MaxRepos: 10})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRepoQuotaScenario(t *testing.T) {
	s, _ := testStore(t)
	addUser(t, s, "alice", 100)

	_, err := s.CreateRepo(CreateRepoParams{OwnerName: "alice", Name: "testrepo",
		QuotaBytes: 60 * quota.GB, ThresholdDays: 2, Actor: "alice"})
	require.NoError(t, err)

	_, err = s.CreateRepo(CreateRepoParams{OwnerName: "alice", Name: "second",
		QuotaBytes: 50 * quota.GB, ThresholdDays: 2, Actor: "alice"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	_, err = s.CreateRepo(CreateRepoParams{OwnerName: "alice", Name: "second",
		QuotaBytes: 40 * quota.GB, ThresholdDays: 2, Actor: "alice"})
	require.NoError(t, err)
}

func TestQuotaInvariantHoldsAfterMutations(t *testing.T) {
	s, _ := testStore(t)
	u := addUser(t, s, "alice", 100)

	_, err := s.CreateRepo(CreateRepoParams{OwnerName: "alice", Name: "one",
		QuotaBytes: 30 * quota.GB, ThresholdDays: 2})
	require.NoError(t, err)
	_, err = s.CreateRepo(CreateRepoParams{OwnerName: "alice", Name: "two",
		QuotaBytes: 30 * quota.GB, ThresholdDays: 2})
	require.NoError(t, err)

	require.NoError(t, s.SetRepoQuota(u.ID, "one", 70*quota.GB, "alice"))
	assert.ErrorIs(t, s.SetRepoQuota(u.ID, "two", 31*quota.GB, "alice"), ErrQuotaExceeded)

	sum, err := s.UserSummary(u)
	require.NoError(t, err)
	assert.LessOrEqual(t, sum.AllocatedBytes, u.QuotaBytes)
}

func TestRejectedCreateLeavesStateUnchanged(t *testing.T) {
	s, keysPath := testStore(t)
	u := addUser(t, s, "alice", 100)
	_, err := s.CreateRepo(CreateRepoParams{OwnerName: "alice", Name: "testrepo",
		QuotaBytes: 60 * quota.GB, ThresholdDays: 2})
	require.NoError(t, err)

	before, err := os.ReadFile(keysPath)
	require.NoError(t, err)

	_, err = s.CreateRepo(CreateRepoParams{OwnerName: "alice", Name: "second",
		QuotaBytes: 50 * quota.GB, ThresholdDays: 2})
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	after, err := os.ReadFile(keysPath)
	require.NoError(t, err)
	assert.Equal(t, before, after, "authorized_keys must be untouched by a rejected mutation")

	repos, err := s.ReposOfUser(u.ID)
	require.NoError(t, err)
	assert.Len(t, repos, 1)
	assert.NoDirExists(t, s.Layout().RepoDir("alice", "second"))
}

func TestDeleteUserBlockedThenCascades(t *testing.T) {
	s, _ := testStore(t)
	addUser(t, s, "alice", 100)
	_, err := s.CreateRepo(CreateRepoParams{OwnerName: "alice", Name: "testrepo",
		QuotaBytes: 10 * quota.GB, ThresholdDays: 2})
	require.NoError(t, err)

	err = s.DeleteUser("alice", false, "admin")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, s.DeleteUser("alice", true, "admin"))
	_, err = s.UserByName("alice")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.RepoByName("testrepo")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoDirExists(t, s.Layout().UserDir("alice"))
}

func TestDeleteUnknownUser(t *testing.T) {
	s, _ := testStore(t)
	assert.ErrorIs(t, s.DeleteUser("ghost", false, "admin"), ErrNotFound)
}

func TestUserKeyLifecycle(t *testing.T) {
	s, keysPath := testStore(t)
	u := addUser(t, s, "alice", 100)

	first := testPubKey(t, "alice@old")
	require.NoError(t, s.SetUserKey("alice", first, "alice"))

	b, err := os.ReadFile(keysPath)
	require.NoError(t, err)
	assert.Contains(t, string(b), "alice@old")

	// setting a new key keeps the old one in the fallback slot
	second := testPubKey(t, "alice@new")
	require.NoError(t, s.SetUserKey("alice", second, "alice"))
	keys, err := s.KeysOfSubject(SubjectUser, u.ID)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	b, err = os.ReadFile(keysPath)
	require.NoError(t, err)
	assert.Contains(t, string(b), "alice@old")
	assert.Contains(t, string(b), "alice@new")

	// first login with the new key purges the fallback
	require.NoError(t, s.RecordLogin(u.ID, false, time.Now()))
	keys, err = s.KeysOfSubject(SubjectUser, u.ID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, SlotPrimary, keys[0].Slot)

	b, err = os.ReadFile(keysPath)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "alice@old")
}

func TestDuplicateFingerprintRejected(t *testing.T) {
	s, _ := testStore(t)
	addUser(t, s, "alice", 100)
	addUser(t, s, "bob", 100)

	key := testPubKey(t, "shared@key")
	require.NoError(t, s.SetUserKey("alice", key, "alice"))
	assert.ErrorIs(t, s.SetUserKey("bob", key, "bob"), ErrConflict)
}

func TestRepoKeysDistinctAndSynced(t *testing.T) {
	s, keysPath := testStore(t)
	u := addUser(t, s, "alice", 100)
	_, err := s.CreateRepo(CreateRepoParams{OwnerName: "alice", Name: "testrepo",
		QuotaBytes: 10 * quota.GB, ThresholdDays: 2})
	require.NoError(t, err)

	rw := testPubKey(t, "testrepo-rw")
	require.NoError(t, s.SetRepoKey(u.ID, "testrepo", ScopeRepoRW, rw, "alice"))

	// same key in the other slot is refused
	assert.ErrorIs(t, s.SetRepoKey(u.ID, "testrepo", ScopeRepoRO, rw, "alice"), ErrConflict)

	ro := testPubKey(t, "testrepo-ro")
	require.NoError(t, s.SetRepoKey(u.ID, "testrepo", ScopeRepoRO, ro, "alice"))

	b, err := os.ReadFile(keysPath)
	require.NoError(t, err)
	assert.Contains(t, string(b), "testrepo-rw")
	assert.Contains(t, string(b), "testrepo-ro")
	assert.Contains(t, string(b), "BORGGATE_SCOPE="+string(ScopeRepoRO))

	require.NoError(t, s.ClearRepoKey(u.ID, "testrepo", ScopeRepoRO, "alice"))
	b, err = os.ReadFile(keysPath)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "testrepo-ro")
}

func TestAuthorizedKeysMatchesSnapshotExactly(t *testing.T) {
	s, keysPath := testStore(t)
	u := addUser(t, s, "alice", 100)
	require.NoError(t, s.SetUserKey("alice", testPubKey(t, "alice@laptop"), "alice"))
	_, err := s.CreateRepo(CreateRepoParams{OwnerName: "alice", Name: "testrepo",
		QuotaBytes: 10 * quota.GB, ThresholdDays: 2})
	require.NoError(t, err)
	require.NoError(t, s.SetRepoKey(u.ID, "testrepo", ScopeRepoRW, testPubKey(t, "testrepo-rw"), "alice"))

	onDisk, err := os.ReadFile(keysPath)
	require.NoError(t, err)
	entries, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, string(authkeys.Synthesize("/usr/local/bin/borggate", entries)), string(onDisk))

	// regeneration without mutation is byte-identical
	require.NoError(t, s.Regenerate())
	again, err := os.ReadFile(keysPath)
	require.NoError(t, err)
	assert.Equal(t, onDisk, again)
}

func TestSetAdminRescopesKeys(t *testing.T) {
	s, keysPath := testStore(t)
	u := addUser(t, s, "alice", 100)
	require.NoError(t, s.SetUserKey("alice", testPubKey(t, "alice@laptop"), "alice"))

	require.NoError(t, s.SetAdmin("alice", true, "root"))
	keys, err := s.KeysOfSubject(SubjectUser, u.ID)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, ScopeAdminShell, keys[0].Scope)

	b, err := os.ReadFile(keysPath)
	require.NoError(t, err)
	assert.Contains(t, string(b), "BORGGATE_SCOPE="+string(ScopeAdminShell))
}

func TestTouchRepoAndStaleQuery(t *testing.T) {
	s, _ := testStore(t)
	addUser(t, s, "alice", 100)
	r, err := s.CreateRepo(CreateRepoParams{OwnerName: "alice", Name: "testrepo",
		QuotaBytes: 10 * quota.GB, ThresholdDays: 2})
	require.NoError(t, err)

	old := time.Now().Add(-10 * 24 * time.Hour)
	require.NoError(t, s.TouchRepo(r.ID, old, 3))

	stale, err := s.StaleRepos(time.Now())
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "testrepo", stale[0].Repo.Name)
	assert.Equal(t, "alice", stale[0].Owner.Name)
	assert.Nil(t, stale[0].Last)

	require.NoError(t, s.RecordNotification(&stale[0].Repo, time.Now()))
	stale, err = s.StaleRepos(time.Now())
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.NotNil(t, stale[0].Last)
	assert.Equal(t, stale[0].Repo.LastModified.Unix(), stale[0].Last.WindowStart.Unix())
}

func TestAuditTrailAndPrune(t *testing.T) {
	s, _ := testStore(t)
	addUser(t, s, "alice", 100)
	_, err := s.CreateRepo(CreateRepoParams{OwnerName: "alice", Name: "testrepo",
		QuotaBytes: 10 * quota.GB, ThresholdDays: 2, Actor: "alice"})
	require.NoError(t, err)

	recs, err := s.AuditForUser("alice", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	n, err := s.PruneAudit(time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	recs, err = s.AuditForUser("alice", 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
