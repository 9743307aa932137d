package registry

import (
	"fmt"
	"sort"

	"github.com/jholhewres/jarvis/pkg/jarvis/faults"
	"github.com/jholhewres/jarvis/pkg/jarvis/units"
)

type entry struct {
	unit *units.Unit // nil unless the unit is active
	desc units.Descriptor
	jobs []string
}

func (e *entry) active() bool {
	return e.unit != nil && e.desc.Status == units.StatusActive
}

type commandBinding struct {
	unit    string
	handler *units.Handler
}

type patternBinding struct {
	unit    string
	pattern *units.Pattern
	handler *units.Handler
}

// snapshot is an immutable trigger table. Writers derive a new snapshot
// with clone/without and publish it; a published snapshot is never mutated.
type snapshot struct {
	units    map[string]*entry
	commands map[string]commandBinding

	// patterns is ordered by descending literal length, then source text.
	patterns []patternBinding
}

func emptySnapshot() *snapshot {
	return &snapshot{
		units:    map[string]*entry{},
		commands: map[string]commandBinding{},
	}
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		units:    make(map[string]*entry, len(s.units)),
		commands: make(map[string]commandBinding, len(s.commands)),
		patterns: append([]patternBinding(nil), s.patterns...),
	}
	for k, v := range s.units {
		next.units[k] = v
	}
	for k, v := range s.commands {
		next.commands[k] = v
	}
	return next
}

// without returns a copy with every trace of unit name removed.
func (s *snapshot) without(name string) *snapshot {
	next := &snapshot{
		units:    make(map[string]*entry, len(s.units)),
		commands: make(map[string]commandBinding, len(s.commands)),
	}
	for k, v := range s.units {
		if k != name {
			next.units[k] = v
		}
	}
	for k, v := range s.commands {
		if v.unit != name {
			next.commands[k] = v
		}
	}
	for _, p := range s.patterns {
		if p.unit != name {
			next.patterns = append(next.patterns, p)
		}
	}
	return next
}

func (s *snapshot) sortPatterns() {
	sort.SliceStable(s.patterns, func(i, j int) bool {
		a, b := s.patterns[i], s.patterns[j]
		if a.pattern.Literals() != b.pattern.Literals() {
			return a.pattern.Literals() > b.pattern.Literals()
		}
		if a.pattern.Source != b.pattern.Source {
			return a.pattern.Source < b.pattern.Source
		}
		return a.unit < b.unit
	})
}

// binder is the units.Registrar handed to a unit while a new snapshot is
// built. Collisions are rejected: the incumbent keeps its trigger.
type binder struct {
	reg  *Registry
	snap *snapshot
	unit string
}

func (b *binder) Command(name string, h *units.Handler) error {
	const op = "registry.commit"
	if b.reg.reserved[name] {
		return faults.Conflict(op, b.unit, "command /%s is reserved", name)
	}
	if existing, ok := b.snap.commands[name]; ok {
		if existing.unit == b.unit {
			return faults.Conflict(op, b.unit, "command /%s registered twice", name)
		}
		return faults.Conflict(op, b.unit, "command /%s is already registered by unit %s", name, existing.unit)
	}
	b.snap.commands[name] = commandBinding{unit: b.unit, handler: h}
	return nil
}

func (b *binder) Pattern(p *units.Pattern, h *units.Handler) error {
	const op = "registry.commit"
	if p == nil {
		return faults.Validation(op, b.unit, "nil pattern")
	}
	for _, existing := range b.snap.patterns {
		if existing.pattern.Source == p.Source {
			return faults.Conflict(op, b.unit, "pattern %q is already registered by unit %s", p.Source, existing.unit)
		}
	}
	b.snap.patterns = append(b.snap.patterns, patternBinding{unit: b.unit, pattern: p, handler: h})
	return nil
}

// trackingScheduler records the jobs a unit adds so a failed commit can
// cancel them and a later version can replace them.
type trackingScheduler struct {
	inner Scheduler
	ids   []string
}

func (t *trackingScheduler) Recurring(id, spec string, h *units.Handler) error {
	if t.inner == nil {
		return fmt.Errorf("no scheduler configured")
	}
	if err := t.inner.Recurring(id, spec, h); err != nil {
		return err
	}
	t.ids = append(t.ids, id)
	return nil
}
