package units

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// Pattern is a compiled free-text trigger. A pattern is a sequence of
// literal words, `{name}` placeholders and at most one trailing `*`.
// Matching is anchored, case-insensitive and whitespace-tolerant.
type Pattern struct {
	// Source is the normalized pattern text (single spaces, lower-case literals).
	Source string

	names    []string
	literals int
	re       *regexp.Regexp
}

var placeholderName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// CompilePattern compiles a pattern expression.
func CompilePattern(expr string) (*Pattern, error) {
	fields := strings.Fields(expr)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty pattern")
	}

	var (
		body     strings.Builder
		source   []string
		names    []string
		seen     = map[string]bool{}
		literals int
	)
	for i, field := range fields {
		if i > 0 {
			body.WriteString(`\s+`)
		}
		var src strings.Builder
		rest := field
		for rest != "" {
			switch {
			case rest[0] == '{':
				end := strings.IndexByte(rest, '}')
				if end < 0 {
					return nil, fmt.Errorf("unclosed placeholder in %q", field)
				}
				name := strings.ToLower(rest[1:end])
				if !placeholderName.MatchString(name) {
					return nil, fmt.Errorf("invalid placeholder name %q", rest[1:end])
				}
				if seen[name] || name == "rest" {
					return nil, fmt.Errorf("duplicate placeholder %q", name)
				}
				seen[name] = true
				names = append(names, name)
				fmt.Fprintf(&body, `(?P<%s>.+?)`, name)
				src.WriteString("{" + name + "}")
				rest = rest[end+1:]
			case rest[0] == '}':
				return nil, fmt.Errorf("unbalanced '}' in %q", field)
			case rest[0] == '*':
				if i != len(fields)-1 || len(rest) != 1 || src.Len() != 0 {
					return nil, fmt.Errorf("'*' must be the last element of a pattern")
				}
				names = append(names, "rest")
				body.WriteString(`(?P<rest>.*)`)
				src.WriteByte('*')
				rest = ""
			default:
				n := strings.IndexAny(rest, "{}*")
				if n < 0 {
					n = len(rest)
				}
				lit := rest[:n]
				for _, r := range lit {
					if !unicode.IsSpace(r) {
						literals++
					}
				}
				body.WriteString(regexp.QuoteMeta(lit))
				src.WriteString(strings.ToLower(lit))
				rest = rest[n:]
			}
		}
		source = append(source, src.String())
	}
	if literals == 0 {
		return nil, fmt.Errorf("pattern %q has no literal text", expr)
	}

	// A trailing "*" may match nothing, so the separator before it is optional.
	pattern := body.String()
	if strings.HasSuffix(pattern, `\s+(?P<rest>.*)`) {
		pattern = strings.TrimSuffix(pattern, `\s+(?P<rest>.*)`) + `(?:\s+(?P<rest>.*))?`
	}

	re, err := regexp.Compile(`(?is)^\s*` + pattern + `\s*$`)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", expr, err)
	}
	return &Pattern{
		Source:   strings.Join(source, " "),
		names:    names,
		literals: literals,
		re:       re,
	}, nil
}

// Match reports whether text matches and returns the placeholder captures.
// Trailing sentence punctuation in text is ignored.
func (p *Pattern) Match(text string) (map[string]string, bool) {
	text = strings.TrimRight(strings.TrimSpace(text), ".!?")
	m := p.re.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	captures := make(map[string]string, len(p.names))
	for i, name := range p.re.SubexpNames() {
		if name == "" {
			continue
		}
		captures[name] = strings.TrimSpace(m[i])
	}
	return captures, true
}

// Names returns the placeholder names in declaration order.
func (p *Pattern) Names() []string { return p.names }

// Literals is the count of literal non-space characters, used to rank
// overlapping matches.
func (p *Pattern) Literals() int { return p.literals }

func (p *Pattern) String() string { return p.Source }
