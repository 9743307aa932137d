// Package registry owns the set of active units and the trigger table the
// dispatcher resolves against.
//
// The table is an immutable snapshot published through an atomic pointer:
// readers never lock, and a writer builds a complete replacement table
// (binding the candidate unit through its register entry point) before
// swapping it in. A failed build leaves the previous snapshot untouched, so
// the table never contains a partially registered unit.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jholhewres/jarvis/pkg/jarvis/faults"
	"github.com/jholhewres/jarvis/pkg/jarvis/units"
)

// CoreCommands are the command names reserved by the dispatcher itself.
var CoreCommands = []string{
	"start", "help", "status", "reload", "units", "unload",
	"add_unit", "update_unit", "addmodule", "updatemodule",
}

// Scheduler is the scheduler surface the registry binds unit schedules to.
type Scheduler interface {
	units.SchedulerHandle
	Cancel(id string)
}

// Source is where LoadAll reads unit sources from.
type Source interface {
	List(ctx context.Context) ([]string, error)
	Read(ctx context.Context, name string) ([]byte, error)
}

// Options configures a Registry.
type Options struct {
	Services  units.Services
	Scheduler Scheduler

	// Reserved overrides CoreCommands.
	Reserved []string

	// Disabled names units that LoadAll records as disabled without binding.
	Disabled []string

	Logger *slog.Logger
}

// Registry is safe for concurrent use.
type Registry struct {
	services units.Services
	sched    Scheduler
	reserved map[string]bool
	disabled map[string]bool
	logger   *slog.Logger

	current atomic.Pointer[snapshot]

	// mu serializes writers (commit, unload, load-all).
	mu sync.Mutex

	leaseMu   sync.Mutex
	leases    map[string]uint64
	nextLease uint64
	reloading bool
}

// New creates an empty registry.
func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reserved := opts.Reserved
	if reserved == nil {
		reserved = CoreCommands
	}

	r := &Registry{
		services: opts.Services,
		sched:    opts.Scheduler,
		reserved: make(map[string]bool, len(reserved)),
		disabled: make(map[string]bool, len(opts.Disabled)),
		logger:   logger.With("component", "registry"),
		leases:   make(map[string]uint64),
	}
	for _, name := range reserved {
		r.reserved[name] = true
	}
	for _, name := range opts.Disabled {
		r.disabled[units.NormalizeName(name)] = true
	}
	r.current.Store(emptySnapshot())
	return r
}

// ---------- Leases ----------

// Lease is an exclusive claim on a unit name for the duration of an
// add/update pipeline.
type Lease struct {
	Name string
	id   uint64
}

// Reserve claims name. It fails with a conflict when another operation on
// the same unit, or a full reload, is in flight.
func (r *Registry) Reserve(name string) (*Lease, error) {
	name = units.NormalizeName(name)
	if name == "" {
		return nil, faults.Validation("registry.reserve", "", "unit name is empty after normalization")
	}

	r.leaseMu.Lock()
	defer r.leaseMu.Unlock()

	if r.reloading {
		return nil, faults.Conflict("registry.reserve", name, "reload in progress")
	}
	if _, held := r.leases[name]; held {
		return nil, faults.Conflict("registry.reserve", name, "another operation on this unit is in progress")
	}
	r.nextLease++
	r.leases[name] = r.nextLease
	return &Lease{Name: name, id: r.nextLease}, nil
}

// Release drops a lease. Releasing a stale or nil lease is a no-op.
func (r *Registry) Release(l *Lease) {
	if l == nil {
		return
	}
	r.leaseMu.Lock()
	defer r.leaseMu.Unlock()
	if r.leases[l.Name] == l.id {
		delete(r.leases, l.Name)
	}
}

func (r *Registry) holds(l *Lease) bool {
	r.leaseMu.Lock()
	defer r.leaseMu.Unlock()
	return l != nil && r.leases[l.Name] == l.id
}

// ---------- Stage & commit ----------

// Staged is a validated unit waiting to be committed.
type Staged struct {
	Unit *units.Unit

	// BaseDigest is the digest of the active version the stage was built
	// against, empty for a new unit. Commit rejects the stage if the active
	// version changed in between.
	BaseDigest string
}

// Descriptor returns the staged unit's descriptor.
func (s *Staged) Descriptor() units.Descriptor {
	return s.Unit.Descriptor(units.StatusStaged)
}

// Stage validates source without touching the active table. Trigger
// collisions with other units are reported as conflicts.
func (r *Registry) Stage(name string, src []byte) (*Staged, error) {
	u, err := units.Parse(name, src)
	if err != nil {
		return nil, err
	}

	snap := r.current.Load()
	if err := r.checkConflicts(snap, u); err != nil {
		return nil, err
	}

	staged := &Staged{Unit: u}
	if e := snap.units[u.Name]; e != nil && e.active() {
		staged.BaseDigest = e.unit.Ref.Digest
	}
	return staged, nil
}

// Commit makes a staged unit active under a transient lease. It fails with
// a conflict if the unit is already leased (an add/update or reload is
// running).
func (r *Registry) Commit(s *Staged) error {
	lease, err := r.Reserve(s.Unit.Name)
	if err != nil {
		return err
	}
	defer r.Release(lease)
	return r.CommitWith(lease, s)
}

// CommitWith commits a staged unit under a lease the caller already holds.
func (r *Registry) CommitWith(l *Lease, s *Staged) error {
	const op = "registry.commit"
	if !r.holds(l) || l.Name != s.Unit.Name {
		return faults.Conflict(op, s.Unit.Name, "commit requires a lease on the unit")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := ""
	if e := r.current.Load().units[s.Unit.Name]; e != nil && e.active() {
		current = e.unit.Ref.Digest
	}
	if current != s.BaseDigest {
		return faults.Conflict(op, s.Unit.Name, "unit changed since it was staged")
	}
	return r.commitLocked(s.Unit)
}

// commitLocked swaps in a table with u bound in place of any previous
// version. r.mu must be held.
func (r *Registry) commitLocked(u *units.Unit) error {
	const op = "registry.commit"
	old := r.current.Load()
	prev := old.units[u.Name]

	if prev != nil && prev.active() && prev.unit.Ref.Digest == u.Ref.Digest {
		// Same source already active.
		if prev.desc.Reason != "" {
			next := old.clone()
			e := *prev
			e.desc.Reason = ""
			next.units[u.Name] = &e
			r.current.Store(next)
		}
		return nil
	}

	next, jobs, err := r.bind(old, u)
	if err != nil {
		if faults.KindOf(err) == 0 {
			err = faults.Validation(op, u.Name, "%s", err)
		}
		r.recordFailure(old, u, err)
		r.logger.Warn("unit commit failed", "unit", u.Name, "digest", u.Ref.Short(), "error", err)
		return err
	}

	r.current.Store(next)
	if prev != nil {
		r.cancelJobs(prev.jobs)
	}
	r.logger.Info("unit active",
		"unit", u.Name,
		"version", u.Version,
		"digest", u.Ref.Short(),
		"triggers", len(u.Triggers()),
		"scheduled", len(jobs),
	)
	return nil
}

// bind builds the successor of old with u registered. On failure every
// schedule u managed to add is cancelled again.
func (r *Registry) bind(old *snapshot, u *units.Unit) (*snapshot, []string, error) {
	next := old.without(u.Name)
	b := &binder{reg: r, snap: next, unit: u.Name}

	var handle units.SchedulerHandle
	tracker := &trackingScheduler{inner: r.sched}
	if r.sched != nil {
		handle = tracker
	}

	if err := u.Register(b, r.services, handle); err != nil {
		r.cancelJobs(tracker.ids)
		return nil, nil, err
	}

	next.units[u.Name] = &entry{
		unit: u,
		desc: u.Descriptor(units.StatusActive),
		jobs: tracker.ids,
	}
	next.sortPatterns()
	return next, tracker.ids, nil
}

// recordFailure keeps the previous active version (annotated with the
// reason) or records the unit as failed.
func (r *Registry) recordFailure(old *snapshot, u *units.Unit, cause error) {
	next := old.clone()
	reason := faults.Reason(cause)
	if prev := old.units[u.Name]; prev != nil && prev.active() {
		e := *prev
		e.desc.Reason = reason
		next.units[u.Name] = &e
	} else {
		desc := u.Descriptor(units.StatusFailed)
		desc.Reason = reason
		next.units[u.Name] = &entry{desc: desc}
	}
	r.current.Store(next)
}

func (r *Registry) cancelJobs(ids []string) {
	if r.sched == nil {
		return
	}
	for _, id := range ids {
		r.sched.Cancel(id)
	}
}

func (r *Registry) checkConflicts(snap *snapshot, u *units.Unit) error {
	const op = "registry.stage"
	for _, t := range u.Triggers() {
		switch t.Kind {
		case units.TriggerCommand:
			if r.reserved[t.Key] {
				return faults.Conflict(op, u.Name, "command /%s is reserved", t.Key)
			}
			if b, ok := snap.commands[t.Key]; ok && b.unit != u.Name {
				return faults.Conflict(op, u.Name, "command /%s is already registered by unit %s", t.Key, b.unit)
			}
		case units.TriggerPattern:
			for _, p := range snap.patterns {
				if p.pattern.Source == t.Key && p.unit != u.Name {
					return faults.Conflict(op, u.Name, "pattern %q is already registered by unit %s", t.Key, p.unit)
				}
			}
		}
	}
	return nil
}

// ---------- Unload ----------

// Unload deactivates a unit: its triggers leave the table and its
// schedules are cancelled.
func (r *Registry) Unload(name string) error {
	const op = "registry.unload"
	lease, err := r.Reserve(name)
	if err != nil {
		return err
	}
	defer r.Release(lease)

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current.Load()
	prev, ok := old.units[lease.Name]
	if !ok {
		return faults.Validation(op, lease.Name, "unit is not loaded")
	}
	next := old.without(lease.Name)
	r.current.Store(next)
	r.cancelJobs(prev.jobs)
	r.logger.Info("unit unloaded", "unit", lease.Name)
	return nil
}

// ---------- Load all ----------

// LoadReport summarizes a LoadAll run.
type LoadReport struct {
	Loaded   []string
	Failed   []string
	Disabled []string
	Reasons  map[string]string
}

// LoadAll (re)loads every unit in src, in name order. Each unit is
// validated and committed independently: a failing unit is reported and
// never blocks the others. Units active in the registry but absent from
// src are unloaded. Running it twice over the same source yields the same
// table.
func (r *Registry) LoadAll(ctx context.Context, src Source) (LoadReport, error) {
	const op = "registry.load_all"

	r.leaseMu.Lock()
	if r.reloading || len(r.leases) > 0 {
		r.leaseMu.Unlock()
		return LoadReport{}, faults.Conflict(op, "", "reload in progress")
	}
	r.reloading = true
	r.leaseMu.Unlock()
	defer func() {
		r.leaseMu.Lock()
		r.reloading = false
		r.leaseMu.Unlock()
	}()

	names, err := src.List(ctx)
	if err != nil {
		return LoadReport{}, faults.Persistence(op, "", err)
	}
	sort.Strings(names)

	r.mu.Lock()
	defer r.mu.Unlock()

	report := LoadReport{Reasons: map[string]string{}}
	seen := make(map[string]bool, len(names))

	for _, raw := range names {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		name := units.NormalizeName(raw)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		if r.disabled[name] {
			r.markDisabled(name)
			report.Disabled = append(report.Disabled, name)
			continue
		}

		data, err := src.Read(ctx, raw)
		if err != nil {
			r.fail(&report, name, faults.Persistence(op, name, err))
			continue
		}
		u, err := units.Parse(name, data)
		if err != nil {
			r.fail(&report, name, err)
			continue
		}
		if err := r.commitLocked(u); err != nil {
			r.fail(&report, name, err)
			continue
		}
		report.Loaded = append(report.Loaded, name)
	}

	// Drop units whose source disappeared.
	old := r.current.Load()
	for name, e := range old.units {
		if seen[name] {
			continue
		}
		next := r.current.Load().without(name)
		r.current.Store(next)
		r.cancelJobs(e.jobs)
		r.logger.Info("unit removed from store, unloaded", "unit", name)
	}

	r.logger.Info("units loaded",
		"loaded", len(report.Loaded),
		"failed", len(report.Failed),
		"disabled", len(report.Disabled),
	)
	return report, nil
}

func (r *Registry) fail(report *LoadReport, name string, err error) {
	reason := faults.Reason(err)
	report.Failed = append(report.Failed, name)
	report.Reasons[name] = reason

	// Read and parse failures never reach commitLocked; record them here.
	old := r.current.Load()
	if e := old.units[name]; e == nil || e.desc.Reason != reason {
		next := old.clone()
		if e != nil && e.active() {
			c := *e
			c.desc.Reason = reason
			next.units[name] = &c
		} else {
			next.units[name] = &entry{desc: units.Descriptor{
				Name:   name,
				Status: units.StatusFailed,
				Reason: reason,
			}}
		}
		r.current.Store(next)
	}
	r.logger.Warn("unit failed to load", "unit", name, "error", err)
}

func (r *Registry) markDisabled(name string) {
	old := r.current.Load()
	prev := old.units[name]
	next := old.without(name)
	desc := units.Descriptor{Name: name, Status: units.StatusDisabled}
	if prev != nil {
		desc.Description = prev.desc.Description
		desc.Version = prev.desc.Version
		desc.Source = prev.desc.Source
	}
	next.units[name] = &entry{desc: desc}
	r.current.Store(next)
	if prev != nil {
		r.cancelJobs(prev.jobs)
	}
}

// ---------- Queries ----------

// Units returns every known descriptor, sorted by name.
func (r *Registry) Units() []units.Descriptor {
	snap := r.current.Load()
	out := make([]units.Descriptor, 0, len(snap.units))
	for _, e := range snap.units {
		out = append(out, e.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the descriptor for name.
func (r *Registry) Get(name string) (units.Descriptor, bool) {
	e, ok := r.current.Load().units[units.NormalizeName(name)]
	if !ok {
		return units.Descriptor{}, false
	}
	return e.desc, true
}

// Source returns the source of an active unit.
func (r *Registry) Source(name string) ([]byte, bool) {
	e, ok := r.current.Load().units[units.NormalizeName(name)]
	if !ok || !e.active() {
		return nil, false
	}
	return e.unit.Source, true
}

// Counts returns the number of active and failed units.
func (r *Registry) Counts() (active, failed int) {
	for _, e := range r.current.Load().units {
		switch e.desc.Status {
		case units.StatusActive:
			active++
		case units.StatusFailed:
			failed++
		}
	}
	return active, failed
}

// Bindings returns the trigger table as "kind:key" → owning unit.
func (r *Registry) Bindings() map[string]string {
	snap := r.current.Load()
	out := make(map[string]string, len(snap.commands)+len(snap.patterns))
	for name, b := range snap.commands {
		out[string(units.TriggerCommand)+":"+name] = b.unit
	}
	for _, p := range snap.patterns {
		out[string(units.TriggerPattern)+":"+p.pattern.Source] = p.unit
	}
	return out
}

// Triggers returns the trigger table as sorted "kind:key -> unit" lines.
func (r *Registry) Triggers() []string {
	bindings := r.Bindings()
	out := make([]string, 0, len(bindings))
	for key, unit := range bindings {
		out = append(out, key+" -> "+unit)
	}
	sort.Strings(out)
	return out
}

// IsReserved reports whether name is a core command.
func (r *Registry) IsReserved(name string) bool {
	return r.reserved[strings.ToLower(name)]
}
