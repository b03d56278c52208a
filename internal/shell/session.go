// Package shell is the restricted interactive surface behind shell-scoped
// keys. It never execs anything; every command is resolved against a static
// table and runs in-process against the registry.
package shell

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/borggate/borggate/internal/config"
	"github.com/borggate/borggate/internal/registry"
)

// Identify resolves the session environment to a registered user, failing
// closed on anything that does not look like a line this program generated.
func Identify(store *registry.Store, cfg *config.Config, e Env) (*registry.User, registry.Scope, error) {
	if e.Logname != cfg.ServiceUser {
		return nil, "", fmt.Errorf("%w: login name %q is not the service user", registry.ErrPermissionDenied, e.Logname)
	}
	if e.SubjectKind != string(registry.SubjectUser) {
		return nil, "", fmt.Errorf("%w: subject kind %q cannot open a shell", registry.ErrPermissionDenied, e.SubjectKind)
	}
	scope := registry.Scope(e.Scope)
	if !scope.Shell() {
		return nil, "", fmt.Errorf("%w: scope %q cannot open a shell", registry.ErrPermissionDenied, e.Scope)
	}
	user, err := store.UserByID(e.Subject)
	if err != nil {
		return nil, "", fmt.Errorf("%w: unknown subject", registry.ErrPermissionDenied)
	}
	if scope == registry.ScopeAdminShell && !user.Admin {
		return nil, "", fmt.Errorf("%w: user %q no longer holds admin scope", registry.ErrPermissionDenied, user.Name)
	}
	return user, scope, nil
}

type Session struct {
	Store *registry.Store
	Cfg   *config.Config
	User  *registry.User
	Scope registry.Scope
	In    io.Reader
	Out   io.Writer
	Log   *logrus.Entry
}

func (s *Session) admin() bool { return s.Scope == registry.ScopeAdminShell }

// actor names the session user in audit records. An admin shell entered via
// local impersonation already logged that step separately.
func (s *Session) actor() string { return s.User.Name }

func (s *Session) printf(format string, args ...any) {
	fmt.Fprintf(s.Out, format+"\n", args...)
}

func (s *Session) banner() {
	s.printf("%s backup service", s.Cfg.ServerName)
	s.printf("questions: %s", s.Cfg.AdminContact)
	if s.User.LastLogin != nil {
		s.printf("last login: %s", s.User.LastLogin.Format(time.RFC1123))
	}
	if sum, err := s.Store.UserSummary(s.User); err == nil {
		s.printf("quota: %d GB allocated of %d GB, %d GB in use",
			sum.AllocatedGB(), sum.CeilingGB(), sum.UsedGB())
		if sum.OverAllocated() {
			s.printf("note: your quota was reduced below your allocations; shrink or delete a repository")
		}
	}
	s.printf("type 'help' for commands")
}

// Run drives the line loop until EOF or an exit command. The return value
// is the process exit status: zero unless the last command failed.
func (s *Session) Run() int {
	s.banner()
	status := 0
	sc := bufio.NewScanner(s.In)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(s.Out, "> ")
		if !sc.Scan() {
			break
		}
		tokens, err := tokenize(sc.Text())
		if err != nil {
			s.printf("error: %v", err)
			status = 1
			continue
		}
		if len(tokens) == 0 {
			continue
		}
		if tokens[0] == "exit" || tokens[0] == "quit" {
			break
		}
		if err := s.dispatch(tokens); err != nil {
			s.printf("error: %s", userMessage(err))
			s.Log.WithFields(logrus.Fields{"user": s.User.Name, "command": tokens[0]}).
				WithError(err).Warn("command failed")
			status = 1
			continue
		}
		status = 0
	}
	return status
}

// Dispatch runs a single command line non-interactively. The local admin
// CLI routes through the same table the interactive shell uses.
func (s *Session) Dispatch(tokens []string) error {
	return s.dispatch(tokens)
}

// userMessage strips the sentinel prefix noise; the wrapped detail already
// reads as a sentence.
func userMessage(err error) string {
	switch {
	case errors.Is(err, registry.ErrPermissionDenied):
		return "permission denied"
	case errors.Is(err, registry.ErrPersistence):
		return "internal error, please contact the administrator"
	default:
		return err.Error()
	}
}
