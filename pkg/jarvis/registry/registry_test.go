package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/jholhewres/jarvis/pkg/jarvis/faults"
	"github.com/jholhewres/jarvis/pkg/jarvis/units"
)

type fakeScheduler struct {
	mu     sync.Mutex
	jobs   map[string]string
	failOn string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{jobs: map[string]string{}}
}

func (f *fakeScheduler) Recurring(id, spec string, _ *units.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != "" && strings.Contains(id, f.failOn) {
		return errors.New("scheduler refused")
	}
	if _, exists := f.jobs[id]; exists {
		return fmt.Errorf("job %q already exists", id)
	}
	f.jobs[id] = spec
	return nil
}

func (f *fakeScheduler) Cancel(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, id)
}

func (f *fakeScheduler) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.jobs))
	for id := range f.jobs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type mapSource map[string]string

func (m mapSource) List(context.Context) ([]string, error) {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	return names, nil
}

func (m mapSource) Read(_ context.Context, name string) ([]byte, error) {
	src, ok := m[name]
	if !ok {
		return nil, errors.New("not found")
	}
	return []byte(src), nil
}

// unitSrc builds a unit declaring the given commands, each replying with
// its own name plus tag.
func unitSrc(tag string, commands ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "description = %q\nregister {\n", "unit "+tag)
	for _, c := range commands {
		fmt.Fprintf(&b, "  command %q {\n    reply = %q\n  }\n", c, c+":"+tag)
	}
	b.WriteString("}\n")
	return b.String()
}

func patternSrc(tag string, patterns ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "description = %q\nregister {\n", "unit "+tag)
	for _, p := range patterns {
		fmt.Fprintf(&b, "  pattern %q {\n    reply = %q\n  }\n", p, tag)
	}
	b.WriteString("}\n")
	return b.String()
}

func scheduleSrc(tag string) string {
	return fmt.Sprintf(`description = "scheduled %s"
register {
  command "tick_%s" {
    reply = "%s"
  }
  schedule "morning" {
    when    = "daily at 8am"
    channel = "telegram"
    chat    = "1"
    reply   = "good morning %s"
  }
}
`, tag, tag, tag, tag)
}

func reply(t *testing.T, r *Registry, command string) string {
	t.Helper()
	res := r.Resolve(Query{Command: command})
	if res.Status != Matched {
		t.Fatalf("command %q did not resolve", command)
	}
	out, err := res.Handler.Run(context.Background(), &units.Runtime{}, units.Invocation{})
	if err != nil {
		t.Fatalf("run %q: %v", command, err)
	}
	return out
}

func stageCommit(t *testing.T, r *Registry, name, src string) {
	t.Helper()
	staged, err := r.Stage(name, []byte(src))
	if err != nil {
		t.Fatalf("Stage(%s): %v", name, err)
	}
	if err := r.Commit(staged); err != nil {
		t.Fatalf("Commit(%s): %v", name, err)
	}
}

func TestCommitAndResolve(t *testing.T) {
	t.Parallel()

	r := New(Options{})
	staged, err := r.Stage("Pricer", []byte(unitSrc("v1", "price", "quote")))
	if err != nil {
		t.Fatal(err)
	}
	if d := staged.Descriptor(); d.Status != units.StatusStaged || d.Name != "pricer" {
		t.Errorf("staged descriptor = %+v", d)
	}
	if res := r.Resolve(Query{Command: "price"}); res.Status != NoMatch {
		t.Fatal("staged unit must not be resolvable before commit")
	}
	if err := r.Commit(staged); err != nil {
		t.Fatal(err)
	}

	if got := reply(t, r, "/Price@jarvis_bot"); got != "price:v1" {
		t.Errorf("reply = %q", got)
	}
	d, ok := r.Get("pricer")
	if !ok || d.Status != units.StatusActive {
		t.Errorf("descriptor = %+v, %v", d, ok)
	}
	if active, failed := r.Counts(); active != 1 || failed != 0 {
		t.Errorf("Counts = %d, %d", active, failed)
	}
}

func TestConflictRejectsNewcomer(t *testing.T) {
	t.Parallel()

	r := New(Options{})
	stageCommit(t, r, "first", unitSrc("first", "shared"))

	_, err := r.Stage("second", []byte(unitSrc("second", "shared")))
	if !faults.IsConflict(err) {
		t.Fatalf("Stage err = %v, want conflict", err)
	}
	if got := reply(t, r, "shared"); got != "shared:first" {
		t.Errorf("incumbent lost its command: %q", got)
	}

	_, err = r.Stage("sneaky", []byte(unitSrc("x", "help")))
	if !faults.IsConflict(err) {
		t.Errorf("reserved command err = %v, want conflict", err)
	}

	stageCommit(t, r, "p1", patternSrc("p1", "hello {who}"))
	if _, err := r.Stage("p2", []byte(patternSrc("p2", "HELLO   {who}"))); !faults.IsConflict(err) {
		t.Errorf("duplicate pattern err = %v, want conflict", err)
	}
}

func TestConflictDetectedAtCommit(t *testing.T) {
	t.Parallel()

	r := New(Options{})
	// Both staged against an empty table; the second commit must fail.
	a, err := r.Stage("a", []byte(unitSrc("a", "same")))
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Stage("b", []byte(unitSrc("b", "same", "other")))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Commit(a); err != nil {
		t.Fatal(err)
	}
	if err := r.Commit(b); !faults.IsConflict(err) {
		t.Fatalf("Commit(b) = %v, want conflict", err)
	}
	if res := r.Resolve(Query{Command: "other"}); res.Status != NoMatch {
		t.Error("failed commit leaked a partial registration")
	}
	d, _ := r.Get("b")
	if d.Status != units.StatusFailed || d.Reason == "" {
		t.Errorf("b descriptor = %+v, want failed with reason", d)
	}
}

func TestMissingServiceFailsRegistration(t *testing.T) {
	t.Parallel()

	r := New(Options{Services: units.NewServices(nil)})
	src := "requires = [\"openweather_key\"]\n" + unitSrc("w", "weather")
	staged, err := r.Stage("weather", []byte(src))
	if err != nil {
		t.Fatal(err)
	}
	err = r.Commit(staged)
	if !faults.IsValidation(err) || !strings.Contains(err.Error(), "openweather_key") {
		t.Fatalf("Commit = %v, want validation error naming the service", err)
	}
	if _, failed := r.Counts(); failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
}

func TestUpdateReplacesTriggersAndJobs(t *testing.T) {
	t.Parallel()

	sched := newFakeScheduler()
	r := New(Options{Scheduler: sched})
	stageCommit(t, r, "pricer", unitSrc("v1", "price", "legacy"))
	stageCommit(t, r, "pricer", unitSrc("v2", "price"))

	if got := reply(t, r, "price"); got != "price:v2" {
		t.Errorf("reply = %q, want v2", got)
	}
	if res := r.Resolve(Query{Command: "legacy"}); res.Status != NoMatch {
		t.Error("trigger removed in v2 is still bound")
	}

	stageCommit(t, r, "clock", scheduleSrc("a"))
	first := sched.ids()
	if len(first) != 1 || !strings.HasPrefix(first[0], "unit:clock:morning:") {
		t.Fatalf("jobs = %v", first)
	}
	stageCommit(t, r, "clock", scheduleSrc("b"))
	second := sched.ids()
	if len(second) != 1 || second[0] == first[0] {
		t.Errorf("jobs after update = %v, want one job replacing %v", second, first)
	}
}

func TestFailedUpdateKeepsPreviousVersion(t *testing.T) {
	t.Parallel()

	sched := newFakeScheduler()
	r := New(Options{Scheduler: sched})
	stageCommit(t, r, "clock", scheduleSrc("a"))
	before := sched.ids()

	sched.failOn = "clock"
	staged, err := r.Stage("clock", []byte(scheduleSrc("b")))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Commit(staged); err == nil {
		t.Fatal("expected commit failure")
	}

	if got := reply(t, r, "tick_a"); got != "a" {
		t.Errorf("previous version not serving: %q", got)
	}
	if res := r.Resolve(Query{Command: "tick_b"}); res.Status != NoMatch {
		t.Error("failed version leaked a command")
	}
	d, _ := r.Get("clock")
	if d.Status != units.StatusActive || d.Reason == "" {
		t.Errorf("descriptor = %+v, want active with last error", d)
	}
	if after := sched.ids(); len(after) != 1 || after[0] != before[0] {
		t.Errorf("jobs = %v, want untouched %v", after, before)
	}
}

func TestStaleStageRejected(t *testing.T) {
	t.Parallel()

	r := New(Options{})
	stageCommit(t, r, "pricer", unitSrc("v1", "price"))

	v2, _ := r.Stage("pricer", []byte(unitSrc("v2", "price")))
	v3, _ := r.Stage("pricer", []byte(unitSrc("v3", "price")))
	if err := r.Commit(v2); err != nil {
		t.Fatal(err)
	}
	if err := r.Commit(v3); !faults.IsConflict(err) {
		t.Fatalf("stale commit = %v, want conflict", err)
	}
	if got := reply(t, r, "price"); got != "price:v2" {
		t.Errorf("reply = %q", got)
	}
}

func TestConcurrentCommitsHaveOneWinner(t *testing.T) {
	t.Parallel()

	const contenders = 16
	for round := 0; round < 5; round++ {
		r := New(Options{})
		stageCommit(t, r, "pricer", unitSrc("base", "price"))

		staged := make([]*Staged, contenders)
		for i := range staged {
			s, err := r.Stage("pricer", []byte(unitSrc(fmt.Sprintf("r%d-%d", round, i), "price")))
			if err != nil {
				t.Fatalf("stage %d: %v", i, err)
			}
			staged[i] = s
		}

		start := make(chan struct{})
		errs := make([]error, contenders)
		var wg sync.WaitGroup
		for i := range staged {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				errs[i] = r.Commit(staged[i])
			}(i)
		}
		close(start)
		wg.Wait()

		winner := -1
		for i, err := range errs {
			switch {
			case err == nil:
				if winner >= 0 {
					t.Fatalf("round %d: commits %d and %d both won", round, winner, i)
				}
				winner = i
			case !faults.IsConflict(err):
				t.Errorf("round %d: commit %d = %v, want conflict", round, i, err)
			}
		}
		if winner < 0 {
			t.Fatalf("round %d: no commit won", round)
		}
		if got, want := reply(t, r, "price"), fmt.Sprintf("price:r%d-%d", round, winner); got != want {
			t.Errorf("round %d: reply = %q, want %q", round, got, want)
		}
	}
}

func TestLeases(t *testing.T) {
	t.Parallel()

	r := New(Options{})
	lease, err := r.Reserve("Pricer")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Reserve("pricer"); !faults.IsConflict(err) {
		t.Errorf("second Reserve = %v, want conflict", err)
	}

	staged, err := r.Stage("pricer", []byte(unitSrc("v1", "price")))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Commit(staged); !faults.IsConflict(err) {
		t.Errorf("Commit under foreign lease = %v, want conflict", err)
	}
	if _, err := r.LoadAll(context.Background(), mapSource{}); !faults.IsConflict(err) {
		t.Errorf("LoadAll during lease = %v, want conflict", err)
	}
	if err := r.CommitWith(lease, staged); err != nil {
		t.Fatalf("CommitWith: %v", err)
	}

	r.Release(lease)
	if err := r.CommitWith(lease, staged); !faults.IsConflict(err) {
		t.Errorf("CommitWith released lease = %v, want conflict", err)
	}
	again, err := r.Reserve("pricer")
	if err != nil {
		t.Fatalf("Reserve after release: %v", err)
	}
	r.Release(again)
}

func TestLoadAll(t *testing.T) {
	t.Parallel()

	sched := newFakeScheduler()
	r := New(Options{Scheduler: sched, Disabled: []string{"muted"}})
	src := mapSource{
		"alpha":  unitSrc("alpha", "alpha"),
		"broken": "description = \"oops\"\nregister {",
		"clock":  scheduleSrc("c"),
		"muted":  unitSrc("muted", "muted"),
	}

	report, err := r.LoadAll(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(report.Loaded, ",") != "alpha,clock" {
		t.Errorf("Loaded = %v", report.Loaded)
	}
	if len(report.Failed) != 1 || report.Failed[0] != "broken" || report.Reasons["broken"] == "" {
		t.Errorf("Failed = %v, reasons = %v", report.Failed, report.Reasons)
	}
	if len(report.Disabled) != 1 || report.Disabled[0] != "muted" {
		t.Errorf("Disabled = %v", report.Disabled)
	}
	if res := r.Resolve(Query{Command: "muted"}); res.Status != NoMatch {
		t.Error("disabled unit is bound")
	}

	bindings := r.Bindings()
	jobs := sched.ids()
	if _, err := r.LoadAll(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(r.Bindings()) != fmt.Sprint(bindings) || fmt.Sprint(sched.ids()) != fmt.Sprint(jobs) {
		t.Errorf("second LoadAll changed state:\n%v %v\n%v %v", bindings, jobs, r.Bindings(), sched.ids())
	}

	delete(src, "clock")
	if _, err := r.LoadAll(context.Background(), src); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Get("clock"); ok {
		t.Error("unit removed from the source is still registered")
	}
	if len(sched.ids()) != 0 {
		t.Errorf("jobs of removed unit still scheduled: %v", sched.ids())
	}

	var names []string
	for _, d := range r.Units() {
		names = append(names, d.Name+"="+d.Status.String())
	}
	if got := strings.Join(names, ","); got != "alpha=active,broken=failed,muted=disabled" {
		t.Errorf("Units = %s", got)
	}
}

func TestResolvePatterns(t *testing.T) {
	t.Parallel()

	r := New(Options{})
	stageCommit(t, r, "generic", patternSrc("generic", "add {thing}"))
	stageCommit(t, r, "modules", patternSrc("modules", "add module {name}"))

	res := r.Resolve(Query{Text: "add module stock ticker"})
	if res.Status != Matched || res.Unit != "modules" || res.Captures["name"] != "stock ticker" {
		t.Errorf("longest literal should win: %+v", res)
	}
	res = r.Resolve(Query{Text: "add milk"})
	if res.Status != Matched || res.Unit != "generic" {
		t.Errorf("res = %+v", res)
	}

	stageCommit(t, r, "greeter_a", patternSrc("a", "hi {name}"))
	stageCommit(t, r, "greeter_b", patternSrc("b", "{name} hi"))
	res = r.Resolve(Query{Text: "hi hi"})
	if res.Status != Ambiguous || strings.Join(res.Candidates, ",") != "greeter_a,greeter_b" {
		t.Errorf("res = %+v, want ambiguity between both greeters", res)
	}

	if res := r.Resolve(Query{Text: "completely unrelated"}); res.Status != NoMatch {
		t.Errorf("res = %+v", res)
	}
}

func TestUnload(t *testing.T) {
	t.Parallel()

	sched := newFakeScheduler()
	r := New(Options{Scheduler: sched})
	stageCommit(t, r, "clock", scheduleSrc("u"))
	if err := r.Unload("clock"); err != nil {
		t.Fatal(err)
	}
	if res := r.Resolve(Query{Command: "tick_u"}); res.Status != NoMatch {
		t.Error("unloaded command still bound")
	}
	if len(sched.ids()) != 0 {
		t.Errorf("jobs = %v", sched.ids())
	}
	if err := r.Unload("clock"); !faults.IsValidation(err) {
		t.Errorf("second Unload = %v", err)
	}
}

func TestResolveDuringCommits(t *testing.T) {
	t.Parallel()

	r := New(Options{})
	stageCommit(t, r, "pricer", unitSrc("v0", "price"))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				res := r.Resolve(Query{Command: "price"})
				if res.Status != Matched {
					t.Error("command vanished during an update")
					return
				}
			}
		}()
	}

	for v := 1; v <= 20; v++ {
		stageCommit(t, r, "pricer", unitSrc(fmt.Sprintf("v%d", v), "price"))
	}
	close(stop)
	wg.Wait()

	if got := reply(t, r, "price"); got != "price:v20" {
		t.Errorf("reply = %q", got)
	}
}
