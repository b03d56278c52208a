package shell

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/borggate/borggate/internal/quota"
	"github.com/borggate/borggate/internal/registry"
)

type command struct {
	path      string
	adminOnly bool
	minArgs   int
	usage     string
	run       func(*Session, []string) error
}

// commands is the complete surface of the restricted shell. Dispatch picks
// the longest matching prefix, so "user key set" wins over "user".
var commands []command

func init() {
	commands = []command{
		{path: "help", usage: "help", run: (*Session).cmdHelp},
		{path: "user", usage: "user", run: (*Session).cmdUserInfo},
		{path: "user key show", usage: "user key show", run: (*Session).cmdUserKeyShow},
		{path: "user key set", minArgs: 1, usage: "user key set <pubkey>", run: (*Session).cmdUserKeySet},
		{path: "repo list", usage: "repo list", run: (*Session).cmdRepoList},
		{path: "repo show", minArgs: 1, usage: "repo show <name>", run: (*Session).cmdRepoShow},
		{path: "repo logs", usage: "repo logs [name]", run: (*Session).cmdRepoLogs},
		{path: "repo create", minArgs: 1, usage: "repo create <name> [quotaGB]", run: (*Session).cmdRepoCreate},
		{path: "repo delete", minArgs: 1, usage: "repo delete <name> CONFIRM", run: (*Session).cmdRepoDelete},
		{path: "repo quota", minArgs: 1, usage: "repo quota <name> [newGB]", run: (*Session).cmdRepoQuota},
		{path: "repo keys", minArgs: 1, usage: "repo keys <name> [set_rw_key|set_ro_key [pubkey]]", run: (*Session).cmdRepoKeys},
		{path: "admin users", adminOnly: true, usage: "admin users", run: (*Session).cmdAdminUsers},
		{path: "admin user add", adminOnly: true, minArgs: 2, usage: "admin user add <name> <email> [quotaGB]", run: (*Session).cmdAdminUserAdd},
		{path: "admin user delete", adminOnly: true, minArgs: 1, usage: "admin user delete <name> CONFIRM", run: (*Session).cmdAdminUserDelete},
		{path: "admin user quota", adminOnly: true, minArgs: 2, usage: "admin user quota <name> <GB>", run: (*Session).cmdAdminUserQuota},
		{path: "admin user promote", adminOnly: true, minArgs: 1, usage: "admin user promote <name>", run: (*Session).cmdAdminUserPromote},
		{path: "admin user demote", adminOnly: true, minArgs: 1, usage: "admin user demote <name>", run: (*Session).cmdAdminUserDemote},
		{path: "admin logs", adminOnly: true, usage: "admin logs [name]", run: (*Session).cmdAdminLogs},
	}
}

func (s *Session) dispatch(tokens []string) error {
	var best *command
	bestLen := 0
	for i := range commands {
		words := strings.Fields(commands[i].path)
		if len(words) > len(tokens) || len(words) <= bestLen {
			continue
		}
		match := true
		for j, w := range words {
			if tokens[j] != w {
				match = false
				break
			}
		}
		if match {
			best = &commands[i]
			bestLen = len(words)
		}
	}
	if best == nil {
		return fmt.Errorf("unknown command %q, try 'help'", strings.Join(tokens, " "))
	}
	if best.adminOnly && !s.admin() {
		return fmt.Errorf("%w: %s", registry.ErrPermissionDenied, best.path)
	}
	args := tokens[bestLen:]
	if len(args) < best.minArgs {
		return fmt.Errorf("usage: %s", best.usage)
	}
	return best.run(s, args)
}

func (s *Session) cmdHelp([]string) error {
	for _, c := range commands {
		if c.adminOnly && !s.admin() {
			continue
		}
		s.printf("  %s", c.usage)
	}
	s.printf("  exit")
	return nil
}

func (s *Session) cmdUserInfo([]string) error {
	sum, err := s.Store.UserSummary(s.User)
	if err != nil {
		return err
	}
	s.printf("user:      %s <%s>", s.User.Name, s.User.Email)
	s.printf("quota:     %d GB", sum.CeilingGB())
	s.printf("allocated: %d GB", sum.AllocatedGB())
	s.printf("in use:    %d GB", sum.UsedGB())
	return nil
}

func (s *Session) cmdUserKeyShow([]string) error {
	keys, err := s.Store.KeysOfSubject(registry.SubjectUser, s.User.ID)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		s.printf("no login key set")
		return nil
	}
	for _, k := range keys {
		s.printf("%-8s %s %s (%s)", k.Slot, k.Fingerprint, k.Comment, k.Algo)
	}
	return nil
}

func (s *Session) cmdUserKeySet(args []string) error {
	if err := s.Store.SetUserKey(s.User.Name, strings.Join(args, " "), s.actor()); err != nil {
		return err
	}
	s.printf("login key replaced; the previous key stays valid until the new one logs in")
	return nil
}

// ownerID scopes repo lookups: users see only their own repositories,
// admins see everything.
func (s *Session) ownerID() string {
	if s.admin() {
		return ""
	}
	return s.User.ID
}

func (s *Session) visibleRepos() ([]registry.Repo, error) {
	if s.admin() {
		return s.Store.AllRepos()
	}
	return s.Store.ReposOfUser(s.User.ID)
}

func (s *Session) lookupRepo(name string) (*registry.Repo, *registry.User, error) {
	repo, err := s.Store.RepoByName(name)
	if err != nil {
		return nil, nil, err
	}
	if !s.admin() && repo.UserID != s.User.ID {
		return nil, nil, fmt.Errorf("%w: repository %q", registry.ErrNotFound, name)
	}
	owner, err := s.Store.UserByID(repo.UserID)
	if err != nil {
		return nil, nil, err
	}
	return repo, owner, nil
}

func (s *Session) cmdRepoList([]string) error {
	repos, err := s.visibleRepos()
	if err != nil {
		return err
	}
	if len(repos) == 0 {
		s.printf("no repositories")
		return nil
	}
	for _, r := range repos {
		s.printf("%-20s %4d GB  last backup %s", r.Name, r.QuotaBytes/quota.GB,
			r.LastModified.Format("2006-01-02 15:04"))
	}
	return nil
}

func (s *Session) cmdRepoShow(args []string) error {
	repo, owner, err := s.lookupRepo(args[0])
	if err != nil {
		return err
	}
	usage, err := s.Store.Layout().Usage(owner.Name, repo.Name)
	if err != nil {
		return err
	}
	s.printf("repository: %s (owner %s)", repo.Name, owner.Name)
	s.printf("quota:      %d GB", repo.QuotaBytes/quota.GB)
	s.printf("in use:     %d GB", usage.BytesUsed/quota.GB)
	s.printf("last backup: %s", repo.LastModified.Format("2006-01-02 15:04"))
	if !repo.LastServeOK {
		s.printf("warning: the last backup session did not finish cleanly")
	}
	return nil
}

func (s *Session) cmdRepoLogs(args []string) error {
	recs, err := s.Store.AuditForUser(s.User.Name, 50)
	if err != nil {
		return err
	}
	for i := len(recs) - 1; i >= 0; i-- {
		if len(args) > 0 && recs[i].RepoName != args[0] {
			continue
		}
		s.printf("%s", recs[i].Format())
	}
	return nil
}

func (s *Session) cmdRepoCreate(args []string) error {
	quotaBytes := s.Cfg.DefaultRepoQuota()
	if len(args) > 1 {
		gbs, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("quota must be a whole number of GB, got %q", args[1])
		}
		quotaBytes = gbs * quota.GB
	}
	repo, err := s.Store.CreateRepo(registry.CreateRepoParams{
		OwnerName:     s.User.Name,
		Name:          args[0],
		QuotaBytes:    quotaBytes,
		ThresholdDays: s.Cfg.StaleThresholdDays,
		Actor:         s.actor(),
	})
	if err != nil {
		return err
	}
	s.printf("created repository %s with %d GB, now set its keys: repo keys %s set_rw_key <pubkey>",
		repo.Name, repo.QuotaBytes/quota.GB, repo.Name)
	return nil
}

func (s *Session) cmdRepoDelete(args []string) error {
	if len(args) < 2 || args[1] != "CONFIRM" {
		return fmt.Errorf("deleting a repository destroys its backups; repeat with: repo delete %s CONFIRM", args[0])
	}
	if err := s.Store.DeleteRepo(s.ownerID(), args[0], s.actor()); err != nil {
		return err
	}
	s.printf("deleted repository %s", args[0])
	return nil
}

func (s *Session) cmdRepoQuota(args []string) error {
	repo, owner, err := s.lookupRepo(args[0])
	if err != nil {
		return err
	}
	if len(args) == 1 {
		usage, err := s.Store.Layout().Usage(owner.Name, repo.Name)
		if err != nil {
			return err
		}
		s.printf("%s: %d GB allocated, %d GB in use", repo.Name, repo.QuotaBytes/quota.GB, usage.BytesUsed/quota.GB)
		return nil
	}
	gbs, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("quota must be a whole number of GB, got %q", args[1])
	}
	if err := s.Store.SetRepoQuota(s.ownerID(), args[0], gbs*quota.GB, s.actor()); err != nil {
		return err
	}
	s.printf("repository %s resized to %d GB", args[0], gbs)
	return nil
}

func (s *Session) cmdRepoKeys(args []string) error {
	repo, _, err := s.lookupRepo(args[0])
	if err != nil {
		return err
	}
	if len(args) == 1 {
		keys, err := s.Store.KeysOfSubject(registry.SubjectRepo, repo.ID)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			s.printf("no keys set; backups cannot run until a key is installed")
			return nil
		}
		for _, k := range keys {
			mode := "read-write"
			if k.Scope == registry.ScopeRepoRO {
				mode = "read-only"
			}
			s.printf("%-10s %s %s", mode, k.Fingerprint, k.Comment)
		}
		return nil
	}

	var scope registry.Scope
	var mode string
	switch args[1] {
	case "set_rw_key":
		scope, mode = registry.ScopeRepoRW, "read-write"
	case "set_ro_key":
		scope, mode = registry.ScopeRepoRO, "read-only"
	default:
		return fmt.Errorf("unknown subcommand %q, expected set_rw_key or set_ro_key", args[1])
	}
	if len(args) == 2 {
		if err := s.Store.ClearRepoKey(s.ownerID(), args[0], scope, s.actor()); err != nil {
			return err
		}
		s.printf("removed the %s key of %s", mode, args[0])
		return nil
	}
	if err := s.Store.SetRepoKey(s.ownerID(), args[0], scope, strings.Join(args[2:], " "), s.actor()); err != nil {
		return err
	}
	s.printf("installed %s key on %s", mode, args[0])
	return nil
}

func (s *Session) cmdAdminUsers([]string) error {
	users, err := s.Store.Users()
	if err != nil {
		return err
	}
	for i := range users {
		u := &users[i]
		sum, err := s.Store.UserSummary(u)
		if err != nil {
			return err
		}
		flag := " "
		if u.Admin {
			flag = "*"
		}
		over := ""
		if sum.OverAllocated() {
			over = "  OVER-ALLOCATED"
		}
		s.printf("%s %-20s %-30s %4d/%4d GB%s", flag, u.Name, u.Email, sum.AllocatedGB(), sum.CeilingGB(), over)
	}
	return nil
}

func (s *Session) cmdAdminUserAdd(args []string) error {
	quotaBytes := s.Cfg.DefaultUserQuota()
	if len(args) > 2 {
		gbs, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("quota must be a whole number of GB, got %q", args[2])
		}
		quotaBytes = gbs * quota.GB
	}
	u, err := s.Store.CreateUser(registry.CreateUserParams{
		Name:       args[0],
		Email:      args[1],
		QuotaBytes: quotaBytes,
		MaxRepos:   s.Cfg.MaxReposPerUser,
		Actor:      s.actor(),
	})
	if err != nil {
		return err
	}
	s.printf("created user %s with %d GB", u.Name, u.QuotaBytes/quota.GB)
	return nil
}

func (s *Session) cmdAdminUserDelete(args []string) error {
	if len(args) < 2 || args[1] != "CONFIRM" {
		return fmt.Errorf("deleting a user destroys all their backups; repeat with: admin user delete %s CONFIRM", args[0])
	}
	if err := s.Store.DeleteUser(args[0], true, s.actor()); err != nil {
		return err
	}
	s.printf("deleted user %s", args[0])
	return nil
}

func (s *Session) cmdAdminUserQuota(args []string) error {
	gbs, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("quota must be a whole number of GB, got %q", args[1])
	}
	if err := s.Store.SetUserQuota(args[0], gbs*quota.GB, s.actor()); err != nil {
		return err
	}
	u, err := s.Store.UserByName(args[0])
	if err != nil {
		return err
	}
	sum, err := s.Store.UserSummary(u)
	if err != nil {
		return err
	}
	s.printf("quota of %s set to %d GB", args[0], gbs)
	if sum.OverAllocated() {
		s.printf("note: %s now has %d GB allocated over a %d GB quota", args[0], sum.AllocatedGB(), sum.CeilingGB())
	}
	return nil
}

func (s *Session) cmdAdminUserPromote(args []string) error {
	if err := s.Store.SetAdmin(args[0], true, s.actor()); err != nil {
		return err
	}
	s.printf("%s now holds admin scope", args[0])
	return nil
}

func (s *Session) cmdAdminUserDemote(args []string) error {
	if err := s.Store.SetAdmin(args[0], false, s.actor()); err != nil {
		return err
	}
	s.printf("%s no longer holds admin scope", args[0])
	return nil
}

func (s *Session) cmdAdminLogs(args []string) error {
	var (
		recs []registry.AuditRecord
		err  error
	)
	if len(args) > 0 {
		recs, err = s.Store.AuditForUser(args[0], 100)
	} else {
		recs, err = s.Store.AuditAll(100)
	}
	if err != nil {
		return err
	}
	for i := len(recs) - 1; i >= 0; i-- {
		s.printf("%s", recs[i].Format())
	}
	return nil
}
