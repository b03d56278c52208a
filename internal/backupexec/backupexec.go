// Package backupexec is the serve side of the gateway: it turns a
// repo-scoped key into exactly one constrained backup-tool subprocess.
// Every policy decision happens before exec; once the child runs, the
// gateway only watches the outcome.
package backupexec

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/borggate/borggate/internal/config"
	"github.com/borggate/borggate/internal/quota"
	"github.com/borggate/borggate/internal/registry"
	"github.com/borggate/borggate/internal/shell"
)

var ErrRefused = errors.New("serve request refused")

var nowFunc = time.Now

type Proxy struct {
	Store *registry.Store
	Cfg   *config.Config
	Log   *logrus.Entry
}

// Identify resolves a serve invocation to its repository, failing closed on
// anything a generated authorized_keys line would not produce.
func (p *Proxy) Identify(e shell.Env) (*registry.Repo, *registry.User, registry.Scope, error) {
	if e.Logname != p.Cfg.ServiceUser {
		return nil, nil, "", fmt.Errorf("%w: login name %q is not the service user", ErrRefused, e.Logname)
	}
	if e.SubjectKind != string(registry.SubjectRepo) {
		return nil, nil, "", fmt.Errorf("%w: subject kind %q cannot serve", ErrRefused, e.SubjectKind)
	}
	scope := registry.Scope(e.Scope)
	if !scope.Repo() {
		return nil, nil, "", fmt.Errorf("%w: scope %q cannot serve", ErrRefused, e.Scope)
	}
	repo, err := p.Store.RepoByID(e.Subject)
	if err != nil {
		return nil, nil, "", fmt.Errorf("%w: unknown repository", ErrRefused)
	}
	owner, err := p.Store.UserByID(repo.UserID)
	if err != nil {
		return nil, nil, "", fmt.Errorf("%w: repository has no owner", ErrRefused)
	}
	return repo, owner, scope, nil
}

// checkClientCommand admits only an actual serve invocation of the backup
// tool. A read-only key additionally has to announce --append-only itself;
// a client that omits it intends to write and is turned away here, not by
// the tool's own access errors halfway through.
func checkClientCommand(clientCommand string, scope registry.Scope) error {
	words := strings.Fields(clientCommand)
	if len(words) < 2 || words[1] != "serve" {
		return fmt.Errorf("%w: this key only accepts backup-tool serve invocations", ErrRefused)
	}
	if scope == registry.ScopeRepoRO {
		for _, w := range words[2:] {
			if w == "--append-only" {
				return nil
			}
		}
		return fmt.Errorf("%w: this key is read-only, run the client with --append-only", ErrRefused)
	}
	return nil
}

// Serve validates the request, execs the backup tool against the repository
// directory and reports the child's exit code. The repository's activity
// markers advance only when the child exits cleanly and the usage report
// shows a new transaction.
func (p *Proxy) Serve(e shell.Env) (int, error) {
	repo, owner, scope, err := p.Identify(e)
	if err != nil {
		return 2, err
	}
	if err := checkClientCommand(e.ClientCommand, scope); err != nil {
		_ = p.Store.RecordEvent(owner.Name, repo.Name, registry.OpServeAbort, err.Error())
		return 2, err
	}

	repoDir := p.Store.Layout().RepoDir(owner.Name, repo.Name)
	argv := []string{
		"serve",
		"--restrict-to-path", repoDir,
		"--storage-quota", fmt.Sprintf("%dG", repo.QuotaBytes/quota.GB),
	}
	if scope == registry.ScopeRepoRO {
		argv = append(argv, "--append-only")
	}

	if err := p.Store.RecordEvent(owner.Name, repo.Name, registry.OpServeBegin, string(scope)); err != nil {
		return 2, err
	}
	log := p.Log.WithFields(logrus.Fields{"repo": repo.Name, "owner": owner.Name, "scope": scope})
	log.Info("serving")

	cmd := exec.Command(p.Cfg.BorgExecutable, argv...)
	cmd.Dir = p.Store.Layout().UserDir(owner.Name)
	cmd.Env = []string{"SSH_ORIGINAL_COMMAND=" + e.ClientCommand}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	runErr := cmd.Run()
	code := exitCode(runErr)
	if runErr != nil {
		_ = p.Store.SetServeResult(repo.ID, false)
		_ = p.Store.RecordEvent(owner.Name, repo.Name, registry.OpServeAbort, fmt.Sprintf("exit %d", code))
		log.WithField("exit", code).Warn("serve aborted")
		return code, nil
	}

	_ = p.Store.SetServeResult(repo.ID, true)
	_ = p.Store.RecordEvent(owner.Name, repo.Name, registry.OpServeSuccess, string(scope))
	p.advanceActivity(repo, owner)
	log.Info("serve finished")
	return 0, nil
}

// advanceActivity moves last-modified when the usage report shows the tool
// committed a new transaction during this session. A serve that only read
// leaves staleness tracking alone.
func (p *Proxy) advanceActivity(repo *registry.Repo, owner *registry.User) {
	usage, err := p.Store.Layout().Usage(owner.Name, repo.Name)
	if err != nil {
		p.Log.WithError(err).WithField("repo", repo.Name).Warn("usage report unreadable")
		return
	}
	if usage.TransactionID <= repo.TransactionID {
		return
	}
	if err := p.Store.TouchRepo(repo.ID, nowFunc(), usage.TransactionID); err != nil {
		p.Log.WithError(err).WithField("repo", repo.Name).Warn("activity update failed")
		return
	}
	_ = p.Store.RecordEvent(owner.Name, repo.Name, registry.OpServeModify,
		fmt.Sprintf("transaction %d, %d bytes", usage.TransactionID, usage.BytesUsed))
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 2
}
