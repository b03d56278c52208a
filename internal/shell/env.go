package shell

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Env carries the variables an authorized_keys line injects into the forced
// command, plus the sshd variables the dispatcher needs. It is the only
// source of identity a remote invocation has.
type Env struct {
	SubjectKind   string `env:"BORGGATE_SUBJECT_KIND"`
	Subject       string `env:"BORGGATE_SUBJECT"`
	Scope         string `env:"BORGGATE_SCOPE"`
	KeySeq        int    `env:"BORGGATE_KEY_SEQ"`
	Logname       string `env:"LOGNAME"`
	SSHConnection string `env:"SSH_CONNECTION"`
	ClientCommand string `env:"SSH_ORIGINAL_COMMAND"`
}

func ParseEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse session environment: %w", err)
	}
	return e, nil
}

// Remote reports whether this process was started by sshd.
func (e Env) Remote() bool { return e.SSHConnection != "" }

// ViaFallback reports whether the login came through the previous key that
// is still valid while the new one is unverified.
func (e Env) ViaFallback() bool { return e.KeySeq == 1 }
