// Package units defines Jarvis capability units: named, versioned bundles of
// a description, a set of triggers and handler logic.
//
// Unit source is an HCL document. The document declares a description and a
// single `register` block, which is the unit's registration entry point: the
// registry binds it to a Registrar (the dispatcher's registration surface),
// the read-only Services bag and a SchedulerHandle. Handler logic is a chain
// of compiled-in actions (http_get, note, notes, remind, log) whose results
// feed an HCL reply template.
package units

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Status is the lifecycle state of a unit descriptor.
type Status int

const (
	StatusUnloaded Status = iota
	StatusStaged
	StatusActive
	StatusFailed
	StatusDisabled
)

func (s Status) String() string {
	switch s {
	case StatusUnloaded:
		return "unloaded"
	case StatusStaged:
		return "staged"
	case StatusActive:
		return "active"
	case StatusFailed:
		return "failed"
	case StatusDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// TriggerKind identifies how a trigger fires.
type TriggerKind string

const (
	TriggerCommand  TriggerKind = "command"
	TriggerPattern  TriggerKind = "pattern"
	TriggerSchedule TriggerKind = "schedule"
)

// Trigger is a command name, a free-text pattern or a schedule owned by a unit.
type Trigger struct {
	Kind TriggerKind

	// Key is the command name, the normalized pattern text or the schedule id.
	Key string

	// Spec is the resolved schedule expression (schedule triggers only).
	Spec string
}

// TableKey returns the key under which the trigger is registered in a
// trigger table. Schedules are not part of the table.
func (t Trigger) TableKey() string {
	return string(t.Kind) + ":" + t.Key
}

// SourceRef is the opaque handle of a unit's source in the unit store.
type SourceRef struct {
	Key    string
	Digest string
}

// Short returns an abbreviated digest for logs and job ids.
func (r SourceRef) Short() string {
	if len(r.Digest) > 8 {
		return r.Digest[:8]
	}
	return r.Digest
}

// Descriptor is the registry-facing summary of a unit.
type Descriptor struct {
	Name        string
	Description string
	Version     string
	Triggers    []Trigger
	Usages      []string
	Source      SourceRef
	Status      Status

	// Reason holds the last load/commit failure, if any.
	Reason string
}

// Commands returns the command names among the descriptor's triggers.
func (d Descriptor) Commands() []string {
	var out []string
	for _, t := range d.Triggers {
		if t.Kind == TriggerCommand {
			out = append(out, t.Key)
		}
	}
	return out
}

// Unit is a parsed and validated unit, ready to be bound to a registry.
type Unit struct {
	Name        string
	Description string
	Version     string
	Requires    []string
	Source      []byte
	Ref         SourceRef

	handlers  []*Handler
	schedules []*Handler
}

// Triggers lists every trigger the unit declares, in declaration order.
func (u *Unit) Triggers() []Trigger {
	out := make([]Trigger, 0, len(u.handlers)+len(u.schedules))
	for _, h := range u.handlers {
		out = append(out, h.Trigger)
	}
	for _, h := range u.schedules {
		out = append(out, h.Trigger)
	}
	return out
}

// Descriptor builds a descriptor for the unit in the given status.
func (u *Unit) Descriptor(status Status) Descriptor {
	var usages []string
	for _, h := range u.handlers {
		if h.Usage != "" {
			usages = append(usages, h.Usage)
		}
	}
	return Descriptor{
		Name:        u.Name,
		Description: u.Description,
		Version:     u.Version,
		Triggers:    u.Triggers(),
		Usages:      usages,
		Source:      u.Ref,
		Status:      status,
	}
}

// Registrar is the dispatcher registration surface a unit binds its
// command and pattern handlers to.
type Registrar interface {
	Command(name string, h *Handler) error
	Pattern(p *Pattern, h *Handler) error
}

// SchedulerHandle is the scheduler surface a unit binds its schedule
// handlers to. The id is stable for a given unit version.
type SchedulerHandle interface {
	Recurring(id, spec string, h *Handler) error
}

// Register is the unit's registration entry point. It verifies the unit's
// required services and binds every trigger. A returned error means the
// unit must not become active; the caller discards partial registrations.
func (u *Unit) Register(reg Registrar, services Services, sched SchedulerHandle) error {
	for _, key := range u.Requires {
		if !services.Has(key) {
			return fmt.Errorf("required service %q is not configured", key)
		}
	}
	for _, h := range u.handlers {
		var err error
		switch h.Trigger.Kind {
		case TriggerCommand:
			err = reg.Command(h.Trigger.Key, h)
		case TriggerPattern:
			err = reg.Pattern(h.pattern, h)
		}
		if err != nil {
			return err
		}
	}
	if len(u.schedules) > 0 && sched == nil {
		return fmt.Errorf("unit declares schedules but no scheduler is available")
	}
	for _, h := range u.schedules {
		if err := sched.Recurring(u.JobID(h.Trigger.Key), h.Trigger.Spec, h); err != nil {
			return fmt.Errorf("schedule %q: %w", h.Trigger.Key, err)
		}
	}
	return nil
}

// JobID returns the scheduler id of one of the unit's schedules. Ids embed
// the source digest so two versions of a unit never share a job.
func (u *Unit) JobID(schedule string) string {
	return fmt.Sprintf("unit:%s:%s:%s", u.Name, schedule, u.Ref.Short())
}

// JobIDs returns the scheduler ids of all the unit's schedules.
func (u *Unit) JobIDs() []string {
	ids := make([]string, 0, len(u.schedules))
	for _, h := range u.schedules {
		ids = append(ids, u.JobID(h.Trigger.Key))
	}
	return ids
}

// ---------- Invocation ----------

// EventInfo describes the origin of an invocation.
type EventInfo struct {
	Kind    string // "command", "text", "voice", "tick"
	Channel string
	ChatID  string
	Sender  string
}

// Invocation carries the per-event inputs of a handler run.
type Invocation struct {
	Args  string
	Text  string
	Match map[string]string
	Event EventInfo
}

// Note is a stored chat note.
type Note struct {
	ID        int64
	Text      string
	CreatedAt time.Time
}

// NoteStore persists notes for the note/notes actions.
type NoteStore interface {
	AddNote(ctx context.Context, chatID, text string) (int64, error)
	RecentNotes(ctx context.Context, chatID string, limit int) ([]Note, error)
}

// ReminderScheduler schedules one-shot reminders for the remind action.
type ReminderScheduler interface {
	ScheduleReminder(ctx context.Context, due time.Time, channel, chatID, message string) (string, error)
}

// Runtime holds the collaborators actions run against.
type Runtime struct {
	Services  Services
	HTTP      *http.Client
	Notes     NoteStore
	Reminders ReminderScheduler
	Logger    *slog.Logger

	// Now overrides the clock (tests).
	Now func() time.Time
}

func (rt *Runtime) now() time.Time {
	if rt.Now != nil {
		return rt.Now()
	}
	return time.Now()
}

func (rt *Runtime) logger() *slog.Logger {
	if rt.Logger != nil {
		return rt.Logger
	}
	return slog.Default()
}

func (rt *Runtime) httpClient() *http.Client {
	if rt.HTTP != nil {
		return rt.HTTP
	}
	return &http.Client{Timeout: 15 * time.Second}
}

// ---------- Services ----------

// Enumerated service keys a unit may require or reference.
const (
	ServiceStorageURI    = "storage_uri"
	ServiceOpenWeather   = "openweather_key"
	ServiceExchangeRates = "exchange_rates_url"
	ServiceGitHubToken   = "github_token"
	ServiceGitHubRepo    = "github_repo"
	ServiceDefaultLocale = "default_locale"
)

// ServiceKeys lists every key the Services bag exposes.
var ServiceKeys = []string{
	ServiceStorageURI,
	ServiceOpenWeather,
	ServiceExchangeRates,
	ServiceGitHubToken,
	ServiceGitHubRepo,
	ServiceDefaultLocale,
}

// IsServiceKey reports whether key is an enumerated service key.
func IsServiceKey(key string) bool {
	for _, k := range ServiceKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Services is the read-only bag of collaborator settings handed to units.
// Its String form lists keys only; values are never rendered.
type Services struct {
	values map[string]string
}

// NewServices copies the enumerated keys out of values. Unknown keys are dropped.
func NewServices(values map[string]string) Services {
	s := Services{values: make(map[string]string, len(ServiceKeys))}
	for _, k := range ServiceKeys {
		if v := strings.TrimSpace(values[k]); v != "" {
			s.values[k] = v
		}
	}
	return s
}

// Get returns the value for key, or "".
func (s Services) Get(key string) string { return s.values[key] }

// Has reports whether key is configured.
func (s Services) Has(key string) bool { return s.values[key] != "" }

// Flags reports, for every enumerated key, whether it is configured.
func (s Services) Flags() map[string]bool {
	out := make(map[string]bool, len(ServiceKeys))
	for _, k := range ServiceKeys {
		out[k] = s.Has(k)
	}
	return out
}

func (s Services) String() string {
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return "services[" + strings.Join(keys, ",") + "]"
}

// LogValue keeps secret values out of structured logs.
func (s Services) LogValue() slog.Value {
	return slog.StringValue(s.String())
}

// ---------- Names & digests ----------

var diacritics = runes.Remove(runes.In(unicode.Mn))

// NormalizeName maps a unit name to its canonical form: lower-case, accents
// folded, spaces and hyphens turned into underscores, everything outside
// [a-z0-9_] dropped.
func NormalizeName(name string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, diacritics, norm.NFC), name)
	if err != nil {
		folded = name
	}
	folded = strings.ToLower(strings.TrimSpace(folded))

	var b strings.Builder
	lastUnderscore := false
	for _, r := range folded {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == ' ' || r == '-' || r == '_' || r == '\t':
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimRight(b.String(), "_")
}

// Digest returns the content fingerprint of unit source.
func Digest(src []byte) string {
	sum := blake2b.Sum256(src)
	return hex.EncodeToString(sum[:])
}
