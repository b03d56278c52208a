package authkeys

import (
	"bufio"
	"bytes"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Line is one parsed line of a generated authorized_keys file. Lines that
// are not key lines (the header, blanks, anything hand-edited) are kept
// verbatim so an audit can name them.
type Line struct {
	Raw         string
	SubjectKind string
	SubjectID   string
	Scope       string
	Fingerprint string
	Comment     string
}

func (l Line) IsKey() bool { return l.Fingerprint != "" }

// Parse reads a generated file back. It is the read side of Synthesize,
// used by the audit command and tests to confirm the file matches the
// registry snapshot.
func Parse(data []byte) []Line {
	var lines []Line
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		raw := sc.Text()
		trim := strings.TrimSpace(raw)
		if trim == "" || strings.HasPrefix(trim, "#") {
			lines = append(lines, Line{Raw: raw})
			continue
		}
		pub, comment, opts, _, err := ssh.ParseAuthorizedKey([]byte(raw))
		if err != nil {
			lines = append(lines, Line{Raw: raw})
			continue
		}
		l := Line{
			Raw:         raw,
			Fingerprint: ssh.FingerprintSHA256(pub),
			Comment:     comment,
		}
		for _, o := range opts {
			v, ok := strings.CutPrefix(o, "environment=")
			if !ok {
				continue
			}
			v = strings.Trim(v, `"`)
			name, val, ok := strings.Cut(v, "=")
			if !ok {
				continue
			}
			switch name {
			case "BORGGATE_SUBJECT_KIND":
				l.SubjectKind = val
			case "BORGGATE_SUBJECT":
				l.SubjectID = val
			case "BORGGATE_SCOPE":
				l.Scope = val
			}
		}
		lines = append(lines, l)
	}
	return lines
}
