package manifest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/samber/lo"
)

var (
	namePattern      = regexp.MustCompile(`^(?i)[a-z0-9]([a-z0-9._-]*[a-z0-9])?$`)
	clausePattern    = regexp.MustCompile(`^(~=|===|==|!=|<=|>=|<|>)\s*([A-Za-z0-9.*+!_-]+)$`)
	separatorPattern = regexp.MustCompile(`[-_.]+`)
	optionPattern    = regexp.MustCompile(`\s-{1,2}[A-Za-z]`)
)

// Installer options that pull in requirements of their own.
var installFlags = []string{"-r", "--requirement", "-e", "--editable"}

// File names that identify an archive given as a bare requirement.
var archiveSuffixes = []string{".whl", ".zip", ".tar.gz", ".tar.bz2", ".tgz"}

// A single requirement specifier.
type Requirement struct {
	Name      string   // Distribution name as written.
	Extras    []string // Optional extras, e.g. ["standard"].
	Specifier string   // Version specifier, e.g. "==2.31.0". Empty when unconstrained.
	URL       string   // Direct reference for "name @ url" requirements.
	Marker    string   // Environment marker following ";".
	Options   []string // Per-requirement options, e.g. ["--hash=sha256:..."], verbatim.
	Line      int      // 1-based line number in the manifest.
}

// Returns the PEP 503 normalized name, used to detect duplicates.
func (r Requirement) Key() string {
	return separatorPattern.ReplaceAllString(strings.ToLower(r.Name), "-")
}

// Returns the key used to detect duplicates. The same distribution may be
// declared more than once under different environment markers.
func (r Requirement) declKey() string {
	return r.Key() + ";" + strings.Join(strings.Fields(r.Marker), " ")
}

// Reports whether the requirement pins an exact version.
func (r Requirement) Pinned() bool {
	return strings.HasPrefix(r.Specifier, "==") && !strings.Contains(r.Specifier, ",") && !strings.Contains(r.Specifier, "*")
}

// Formats the requirement back into specifier form.
func (r Requirement) String() string {
	var sb strings.Builder
	sb.WriteString(r.Name)
	if len(r.Extras) > 0 {
		sb.WriteString("[" + strings.Join(r.Extras, ",") + "]")
	}
	if r.URL != "" {
		sb.WriteString(" @ " + r.URL)
	} else {
		sb.WriteString(r.Specifier)
	}
	if r.Marker != "" {
		sb.WriteString(" ; " + r.Marker)
	}
	return sb.String()
}

// An ordered dependency manifest.
type Manifest struct {
	Requirements []Requirement // Requirements in declaration order.
	References   []string      // Local path and URL requirements, verbatim.
	Options      []string      // Installer option lines, verbatim.
}

// Reports whether installing the manifest can produce anything. A manifest
// with only comments or index options installs nothing.
func (m *Manifest) Installs() bool {
	if len(m.Requirements) > 0 || len(m.References) > 0 {
		return true
	}
	return lo.ContainsBy(m.Options, func(opt string) bool {
		flag, _, _ := strings.Cut(strings.Fields(opt)[0], "=")
		return lo.SomeBy(installFlags, func(f string) bool {
			// Short flags may carry their value inline, as in "-rbase.txt".
			return flag == f || (len(f) == 2 && strings.HasPrefix(flag, f))
		})
	})
}

// Returns the normalized names of all requirements in declaration order.
func (m *Manifest) Names() []string {
	return lo.Map(m.Requirements, func(r Requirement, _ int) string {
		return r.Key()
	})
}

// Returns the requirements that do not pin an exact version.
func (m *Manifest) Unpinned() []Requirement {
	return lo.Filter(m.Requirements, func(r Requirement, _ int) bool {
		return r.URL == "" && !r.Pinned()
	})
}

// Reads and parses the manifest file at path.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parses a manifest.
//
// Returns [ErrSyntax] for malformed lines and [ErrDuplicate] when two lines
// name the same distribution under the same marker. A manifest without any
// requirement is valid.
func Parse(r io.Reader) (*Manifest, error) {
	m := &Manifest{}
	seen := make(map[string]int)

	err := scanLines(r, func(line string, n int) error {
		if strings.HasPrefix(line, "-") {
			m.Options = append(m.Options, line)
			return nil
		}
		if isReference(line) {
			m.References = append(m.References, line)
			return nil
		}

		req, err := parseRequirement(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", n, err)
		}
		req.Line = n

		if prev, ok := seen[req.declKey()]; ok {
			return fmt.Errorf("line %d: %w: %q already declared on line %d", n, ErrDuplicate, req.Name, prev)
		}
		seen[req.declKey()] = n

		m.Requirements = append(m.Requirements, req)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Calls fn for every logical line, with comments removed, continuations
// joined and surrounding whitespace trimmed. Blank lines are skipped. The
// line number is that of the first physical line.
func scanLines(r io.Reader, fn func(line string, n int) error) error {
	scanner := bufio.NewScanner(r)

	var (
		pending strings.Builder
		start   int
		n       int
	)

	for scanner.Scan() {
		n++
		text := scanner.Text()
		if pending.Len() == 0 {
			start = n
		}

		if strings.HasSuffix(text, `\`) {
			pending.WriteString(strings.TrimSuffix(text, `\`))
			continue
		}
		pending.WriteString(text)

		line := strings.TrimSpace(stripComment(pending.String()))
		pending.Reset()

		if line == "" {
			continue
		}
		if err := fn(line, start); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}

	if line := strings.TrimSpace(stripComment(pending.String())); line != "" {
		return fn(line, start)
	}
	return nil
}

// Removes a "#" comment. A "#" only starts a comment at the beginning of the
// line or after whitespace, so URL fragments survive.
func stripComment(s string) string {
	for i, c := range s {
		if c != '#' {
			continue
		}
		if i == 0 || s[i-1] == ' ' || s[i-1] == '\t' {
			return s[:i]
		}
	}
	return s
}

// Reports whether a line is a local path or URL rather than a named
// requirement. "name @ url" is a named requirement.
func isReference(line string) bool {
	if loc := optionPattern.FindStringIndex(line); loc != nil {
		line = line[:loc[0]]
	}

	token := strings.Fields(line)[0]
	if i := strings.Index(token, "://"); i >= 0 {
		at := strings.IndexByte(token, '@')
		return at < 0 || at > i
	}
	if strings.HasPrefix(token, "file:") || strings.HasPrefix(token, ".") || strings.HasPrefix(token, "~") {
		return true
	}
	if strings.ContainsAny(token, `/\`) {
		return true
	}
	return lo.SomeBy(archiveSuffixes, func(suffix string) bool {
		return strings.HasSuffix(strings.ToLower(token), suffix)
	})
}

// Parses a single requirement line. Options following the requirement,
// such as "--hash", are split off and kept verbatim.
func parseRequirement(line string) (Requirement, error) {
	var req Requirement

	if loc := optionPattern.FindStringIndex(line); loc != nil {
		req.Options = strings.Fields(line[loc[0]:])
		line = strings.TrimSpace(line[:loc[0]])
	}

	rest, marker, _ := strings.Cut(line, ";")
	req.Marker = strings.TrimSpace(marker)
	rest = strings.TrimSpace(rest)

	if name, url, ok := strings.Cut(rest, "@"); ok {
		req.URL = strings.TrimSpace(url)
		if req.URL == "" {
			return req, fmt.Errorf("%w: %q has an empty direct reference", ErrSyntax, line)
		}
		if strings.ContainsAny(req.URL, " \t") {
			return req, fmt.Errorf("%w: %q combines a direct reference with a version specifier", ErrSyntax, line)
		}
		rest = strings.TrimSpace(name)
	}

	i := strings.IndexAny(rest, "[~=!<> \t")
	if i < 0 {
		i = len(rest)
	}
	req.Name = rest[:i]
	rest = strings.TrimSpace(rest[i:])

	if !namePattern.MatchString(req.Name) {
		return req, fmt.Errorf("%w: %q is not a valid distribution name", ErrSyntax, req.Name)
	}

	if strings.HasPrefix(rest, "[") {
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return req, fmt.Errorf("%w: unterminated extras in %q", ErrSyntax, line)
		}
		extras, err := parseExtras(rest[1:end])
		if err != nil {
			return req, err
		}
		req.Extras = extras
		rest = strings.TrimSpace(rest[end+1:])
	}

	if rest != "" && req.URL != "" {
		return req, fmt.Errorf("%w: %q combines a direct reference with a version specifier", ErrSyntax, line)
	}

	spec, err := parseSpecifier(rest)
	if err != nil {
		return req, err
	}
	req.Specifier = spec

	return req, nil
}

// Parses a comma-separated list of extras.
func parseExtras(s string) ([]string, error) {
	var extras []string
	for _, e := range strings.Split(s, ",") {
		e = strings.TrimSpace(e)
		if !namePattern.MatchString(e) {
			return nil, fmt.Errorf("%w: %q is not a valid extra", ErrSyntax, e)
		}
		extras = append(extras, e)
	}
	return lo.Uniq(extras), nil
}

// Validates a version specifier and returns it with whitespace removed.
// Parenthesized specifiers ("(>=1.0)") are accepted.
func parseSpecifier(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	if s == "" {
		return "", nil
	}

	clauses := strings.Split(s, ",")
	for i, c := range clauses {
		c = strings.TrimSpace(c)
		m := clausePattern.FindStringSubmatch(c)
		if m == nil {
			return "", fmt.Errorf("%w: %q is not a valid version clause", ErrSyntax, c)
		}
		clauses[i] = m[1] + m[2]
	}

	return strings.Join(clauses, ","), nil
}
