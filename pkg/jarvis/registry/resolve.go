package registry

import (
	"sort"
	"strings"

	"github.com/jholhewres/jarvis/pkg/jarvis/units"
)

// MatchStatus is the outcome of a resolution.
type MatchStatus int

const (
	NoMatch MatchStatus = iota
	Matched
	Ambiguous
)

func (s MatchStatus) String() string {
	switch s {
	case Matched:
		return "match"
	case Ambiguous:
		return "ambiguous"
	default:
		return "none"
	}
}

// Query is what the dispatcher asks the registry to resolve: either a
// command name or free text.
type Query struct {
	Command string
	Text    string
}

// Resolution is the handler (if any) a query maps to.
type Resolution struct {
	Status   MatchStatus
	Unit     string
	Handler  *units.Handler
	Captures map[string]string

	// Candidates names the tied units when Status is Ambiguous.
	Candidates []string
}

// Resolve maps a query to a handler. Commands resolve by exact name.
// Free text is matched against every pattern; the match with the most
// literal characters wins, and a tie between different units is reported
// as ambiguous rather than picked arbitrarily. Resolve never blocks on
// writers.
func (r *Registry) Resolve(q Query) Resolution {
	snap := r.current.Load()

	if q.Command != "" {
		name := CommandName(q.Command)
		b, ok := snap.commands[name]
		if !ok {
			return Resolution{Status: NoMatch}
		}
		return Resolution{Status: Matched, Unit: b.unit, Handler: b.handler}
	}

	text := strings.TrimSpace(q.Text)
	if text == "" {
		return Resolution{Status: NoMatch}
	}

	best := -1
	var (
		winner   *patternBinding
		captures map[string]string
		tied     map[string]bool
	)
	for i := range snap.patterns {
		p := &snap.patterns[i]
		if best >= 0 && p.pattern.Literals() < best {
			// Patterns are ordered by literal length; nothing longer follows.
			break
		}
		m, ok := p.pattern.Match(text)
		if !ok {
			continue
		}
		if winner == nil {
			winner, captures, best = p, m, p.pattern.Literals()
			continue
		}
		if p.unit != winner.unit {
			if tied == nil {
				tied = map[string]bool{winner.unit: true}
			}
			tied[p.unit] = true
		}
	}

	switch {
	case winner == nil:
		return Resolution{Status: NoMatch}
	case len(tied) > 1:
		candidates := make([]string, 0, len(tied))
		for u := range tied {
			candidates = append(candidates, u)
		}
		sort.Strings(candidates)
		return Resolution{Status: Ambiguous, Candidates: candidates}
	default:
		return Resolution{Status: Matched, Unit: winner.unit, Handler: winner.handler, Captures: captures}
	}
}

// CommandName normalizes a command token: leading slash and @bot suffix
// removed, lower-cased, hyphens turned into underscores.
func CommandName(token string) string {
	token = strings.TrimPrefix(strings.TrimSpace(token), "/")
	if at := strings.IndexByte(token, '@'); at >= 0 {
		token = token[:at]
	}
	return strings.ReplaceAll(strings.ToLower(token), "-", "_")
}
