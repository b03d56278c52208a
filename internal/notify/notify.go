// Package notify delivers stale-backup notices through the local MTA.
// Composition happens here; delivery is handed to sendmail so the gateway
// never speaks SMTP itself.
package notify

import (
	"bytes"
	"fmt"
	"os/exec"
	"time"
)

type Mailer struct {
	SendmailPath string
	From         string
	ServerName   string
	AdminContact string
}

// StaleRepo is one overdue repository as the sweep sees it.
type StaleRepo struct {
	Name          string
	LastModified  time.Time
	ThresholdDays int
	LastServeOK   bool
}

// Compose renders the full RFC 2822 message for one user's overdue
// repositories.
func (m *Mailer) Compose(to, userName string, repos []StaleRepo, now time.Time) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", m.From)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: [%s] backups overdue\r\n", m.ServerName)
	fmt.Fprintf(&buf, "Date: %s\r\n", now.Format(time.RFC1123Z))
	buf.WriteString("\r\n")
	fmt.Fprintf(&buf, "Hello %s,\r\n\r\n", userName)
	fmt.Fprintf(&buf, "the following repositories on %s have not received a backup recently:\r\n\r\n", m.ServerName)
	for _, r := range repos {
		days := int(now.Sub(r.LastModified).Hours() / 24)
		fmt.Fprintf(&buf, "  %s: last backup %s (%d days ago, expected every %d days)\r\n",
			r.Name, r.LastModified.Format("2006-01-02"), days, r.ThresholdDays)
		if !r.LastServeOK {
			fmt.Fprintf(&buf, "    the last backup session for %s did not finish cleanly\r\n", r.Name)
		}
	}
	buf.WriteString("\r\n")
	buf.WriteString("Please check the machines that should be backing up to them.\r\n")
	fmt.Fprintf(&buf, "Questions: %s\r\n", m.AdminContact)
	return buf.Bytes()
}

// StaleBackups composes and hands the notice to sendmail. -t takes the
// recipients from the message head, -oi keeps a lone dot from ending input.
func (m *Mailer) StaleBackups(to, userName string, repos []StaleRepo, now time.Time) error {
	msg := m.Compose(to, userName, repos, now)
	cmd := exec.Command(m.SendmailPath, "-t", "-oi")
	cmd.Stdin = bytes.NewReader(msg)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("sendmail: %w: %s", err, bytes.TrimSpace(out))
	}
	return nil
}
