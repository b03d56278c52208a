// Command borggate is the single binary behind the backup service account.
// sshd invokes it as a forced command for every registered key; operators
// invoke it locally for administration; cron invokes the maintenance sweep.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/borggate/borggate/internal/authkeys"
	"github.com/borggate/borggate/internal/backupexec"
	"github.com/borggate/borggate/internal/config"
	"github.com/borggate/borggate/internal/logging"
	"github.com/borggate/borggate/internal/maintain"
	"github.com/borggate/borggate/internal/notify"
	"github.com/borggate/borggate/internal/privilege"
	"github.com/borggate/borggate/internal/registry"
	"github.com/borggate/borggate/internal/shell"
	"github.com/borggate/borggate/internal/storagefs"
)

var version = "dev"

// Exit codes: 0 success, 1 domain errors, 2 environment or usage errors.
const (
	exitOK     = 0
	exitDomain = 1
	exitUsage  = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 1 && args[0] == "version" {
		fmt.Println("borggate", version)
		return exitOK
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "borggate:", err)
		return exitUsage
	}
	env, err := shell.ParseEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "borggate:", err)
		return exitUsage
	}
	ident, err := privilege.Drop(cfg.ServiceUser)
	if err != nil {
		fmt.Fprintln(os.Stderr, "borggate:", err)
		return exitUsage
	}
	log, rotated, err := logging.Setup(cfg, !env.Remote())
	if err != nil {
		fmt.Fprintln(os.Stderr, "borggate:", err)
		return exitUsage
	}
	entry := log.WithField("pid", os.Getpid())

	keys := &authkeys.File{Path: cfg.AuthorizedKeysPath, SelfPath: cfg.SelfPath}
	layout := storagefs.New(cfg.StorageRoot)
	store, err := registry.Open(ident, registry.Params{
		DatabasePath: cfg.DatabasePath(),
		LockPath:     cfg.LockPath(),
		Keys:         keys,
		Layout:       layout,
		Logger:       entry,
	})
	if err != nil {
		entry.WithError(err).Error("cannot open registry")
		fmt.Fprintln(os.Stderr, "borggate: cannot open registry:", err)
		return exitUsage
	}

	if env.Remote() {
		return runRemote(args, env, cfg, store, entry)
	}
	return runLocal(args, cfg, store, keys, layout, rotated, entry)
}

// runRemote handles sshd invocations. argv carries only the fixed token the
// generated authorized_keys line forces; anything else means the line was
// not ours and the connection is dropped.
func runRemote(args []string, env shell.Env, cfg *config.Config, store *registry.Store, log *logrus.Entry) int {
	if len(args) != 1 {
		log.Warn("remote invocation without forced token")
		fmt.Fprintln(os.Stderr, "borggate: direct invocation is not permitted")
		return exitUsage
	}
	switch args[0] {
	case "shell":
		user, scope, err := shell.Identify(store, cfg, env)
		if err != nil {
			log.WithError(err).Warn("shell session rejected")
			fmt.Fprintln(os.Stderr, "borggate: access denied")
			return exitUsage
		}
		if err := store.RecordLogin(user.ID, env.ViaFallback(), time.Now()); err != nil {
			log.WithError(err).Warn("cannot record login")
		}
		log.WithFields(logrus.Fields{"user": user.Name, "scope": scope}).Info("shell session opened")
		session := &shell.Session{
			Store: store, Cfg: cfg, User: user, Scope: scope,
			In: os.Stdin, Out: os.Stdout, Log: log,
		}
		return session.Run()
	case "serve":
		proxy := &backupexec.Proxy{Store: store, Cfg: cfg, Log: log}
		code, err := proxy.Serve(env)
		if err != nil {
			log.WithError(err).Warn("serve rejected")
			fmt.Fprintln(os.Stderr, "borggate:", err)
		}
		return code
	default:
		log.WithField("token", args[0]).Warn("unknown forced token")
		fmt.Fprintln(os.Stderr, "borggate: access denied")
		return exitUsage
	}
}

func runLocal(args []string, cfg *config.Config, store *registry.Store, keys *authkeys.File,
	layout *storagefs.Layout, rotated maintain.Rotator, log *logrus.Entry) int {
	if len(args) == 0 {
		return usage()
	}
	switch args[0] {
	case "maintain":
		mailer := &notify.Mailer{
			SendmailPath: cfg.SendmailPath,
			From:         cfg.NotificationMail,
			ServerName:   cfg.ServerName,
			AdminContact: cfg.AdminContact,
		}
		runner := &maintain.Runner{Store: store, Mailer: mailer, Cfg: cfg, Log: log, LogOut: rotated}
		if err := runner.Run(time.Now()); err != nil {
			log.WithError(err).Error("maintenance sweep failed")
			fmt.Fprintln(os.Stderr, "borggate:", err)
			return exitDomain
		}
		return exitOK
	case "admin":
		return runAdmin(args[1:], cfg, store, keys, layout, log)
	default:
		return usage()
	}
}

func runAdmin(args []string, cfg *config.Config, store *registry.Store, keys *authkeys.File,
	layout *storagefs.Layout, log *logrus.Entry) int {
	if len(args) == 0 {
		return usage()
	}
	switch args[0] {
	case "shell":
		if len(args) != 2 {
			return usage()
		}
		return impersonate(args[1], cfg, store, log)
	case "regen":
		if err := store.Regenerate(); err != nil {
			fmt.Fprintln(os.Stderr, "borggate:", err)
			return exitDomain
		}
		fmt.Println("authorized_keys regenerated")
		return exitOK
	case "check":
		return check(store, keys, layout)
	default:
		// everything else is the same surface the admin shell offers
		session := localAdminSession(cfg, store, log)
		if err := session.Dispatch(append([]string{"admin"}, args...)); err != nil {
			fmt.Fprintln(os.Stderr, "borggate:", err)
			return exitDomain
		}
		return exitOK
	}
}

// impersonate opens an interactive session as the named user, marked in the
// audit log so shell activity is attributable to the operator's action.
func impersonate(name string, cfg *config.Config, store *registry.Store, log *logrus.Entry) int {
	user, err := store.UserByName(name)
	if err != nil {
		fmt.Fprintln(os.Stderr, "borggate:", err)
		return exitDomain
	}
	if err := store.RecordEvent(user.Name, "", registry.OpImpersonate, "local admin shell"); err != nil {
		fmt.Fprintln(os.Stderr, "borggate:", err)
		return exitDomain
	}
	session := &shell.Session{
		Store: store, Cfg: cfg, User: user, Scope: user.ShellScope(),
		In: os.Stdin, Out: os.Stdout, Log: log,
	}
	return session.Run()
}

// localAdminSession backs the non-interactive admin subcommands. It is not
// tied to a registered user, so administration works before the first user
// exists.
func localAdminSession(cfg *config.Config, store *registry.Store, log *logrus.Entry) *shell.Session {
	return &shell.Session{
		Store: store,
		Cfg:   cfg,
		User:  &registry.User{Name: "local", Admin: true},
		Scope: registry.ScopeAdminShell,
		In:    os.Stdin,
		Out:   os.Stdout,
		Log:   log,
	}
}

// check verifies the two pieces of durable state the registry derives:
// the authorized_keys file and the storage tree.
func check(store *registry.Store, keys *authkeys.File, layout *storagefs.Layout) int {
	entries, err := store.Snapshot()
	if err != nil {
		fmt.Fprintln(os.Stderr, "borggate:", err)
		return exitDomain
	}
	onDisk, err := os.ReadFile(keys.Path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "borggate: authorized_keys unreadable:", err)
		return exitDomain
	}
	ok := true
	if !keys.Matches(entries, onDisk) {
		fmt.Println("authorized_keys does not match the registry, run 'borggate admin regen'")
		ok = false
	}
	reposByUser, err := store.ReposByUserName()
	if err != nil {
		fmt.Fprintln(os.Stderr, "borggate:", err)
		return exitDomain
	}
	if err := layout.AssertConsistent(reposByUser); err != nil {
		fmt.Println(err)
		ok = false
	}
	if !ok {
		return exitDomain
	}
	fmt.Println("registry, authorized_keys and storage are consistent")
	return exitOK
}

func usage() int {
	fmt.Fprint(os.Stderr, `usage: borggate <command>

  maintain                                 run the maintenance sweep (cron)
  version                                  print the version
  admin users                              list users
  admin user add <name> <email> [quotaGB]  register a user
  admin user delete <name> CONFIRM         remove a user and their backups
  admin user quota <name> <GB>             change a user's quota
  admin user promote <name>                grant admin scope
  admin user demote <name>                 revoke admin scope
  admin logs [name]                        show the audit log
  admin shell <name>                       open a session as a user
  admin regen                              rewrite authorized_keys
  admin check                              verify keys and storage layout
`)
	return exitUsage
}
