package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
storage_root: /srv/borggate
authorized_keys_path: /home/borggate/.ssh/authorized_keys
admin_contact: admin@example.org
notification_mail: backup@example.org
`

func TestParseDefaults(t *testing.T) {
	cfg, err := parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, "borggate", cfg.ServiceUser)
	assert.Equal(t, 100, cfg.DefaultUserQuotaGB)
	assert.Equal(t, 10, cfg.DefaultRepoQuotaGB)
	assert.Equal(t, 2, cfg.StaleThresholdDays)
	assert.Equal(t, "/srv/borggate/borggate.db", cfg.DatabasePath())
	assert.Equal(t, "/srv/borggate/registry.lock", cfg.LockPath())
	assert.Equal(t, "/srv/borggate/logs/borggate.log", cfg.LogFile())
	assert.Equal(t, int64(100)*1000*1000*1000, cfg.DefaultUserQuota())
}

func TestParseRejectsRelativePaths(t *testing.T) {
	_, err := parse([]byte(`
storage_root: srv/borggate
authorized_keys_path: /home/borggate/.ssh/authorized_keys
admin_contact: a@b
notification_mail: c@d
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage_root")
}

func TestParseRequiresContacts(t *testing.T) {
	_, err := parse([]byte(`
storage_root: /srv/borggate
authorized_keys_path: /home/borggate/.ssh/authorized_keys
`))
	require.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("BORGGATE_SERVICE_USER", "backupsvc")
	cfg, err := parse([]byte(minimal))
	require.NoError(t, err)
	assert.Equal(t, "backupsvc", cfg.ServiceUser)
}
