package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jholhewres/jarvis/pkg/jarvis/dispatcher"
	"github.com/jholhewres/jarvis/pkg/jarvis/generator"
	"github.com/jholhewres/jarvis/pkg/jarvis/pipeline"
	"github.com/jholhewres/jarvis/pkg/jarvis/registry"
	"github.com/jholhewres/jarvis/pkg/jarvis/units"
	"github.com/jholhewres/jarvis/pkg/jarvis/unitstore"
)

const pingUnit = `description = "Connectivity check"

register {
  command "ping" {
    reply = "pong"
  }
}
`

type reminder struct {
	due                      time.Time
	channel, chatID, message string
}

type fakeReminders struct {
	got []reminder
}

func (f *fakeReminders) ScheduleReminder(_ context.Context, due time.Time, channel, chatID, message string) (string, error) {
	f.got = append(f.got, reminder{due, channel, chatID, message})
	return "r-1", nil
}

func newTools(t *testing.T) (*tools, *generator.Static, *fakeReminders) {
	t.Helper()
	store := unitstore.NewMemoryStore()
	reg := registry.New(registry.Options{Services: units.NewServices(nil)})
	gen := &generator.Static{Sources: map[string][]byte{}}
	p := pipeline.New(pipeline.Options{Registry: reg, Store: store, Generator: gen})
	rem := &fakeReminders{}
	d := dispatcher.New(dispatcher.Options{Registry: reg, Source: store, Pipeline: p})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &tools{
		deps: Deps{
			Dispatcher: d,
			Registry:   reg,
			Pipeline:   p,
			Reminders:  rem,
			Now:        func() time.Time { return now },
		},
		logger: testLogger(),
	}, gen, rem
}

func call(t *testing.T, handler server.ToolHandlerFunc, name string, args map[string]any) (string, bool) {
	t.Helper()
	result, err := handler(context.Background(), mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: args},
	})
	if err != nil {
		t.Fatalf("%s call failed: %v", name, err)
	}
	if result == nil || len(result.Content) == 0 {
		t.Fatalf("%s returned no content", name)
	}
	text, ok := mcp.AsTextContent(result.Content[0])
	if !ok {
		t.Fatalf("%s content is not text", name)
	}
	return text.Text, result.IsError
}

func TestUnitAddFromSourceThenSend(t *testing.T) {
	t.Parallel()
	tl, _, _ := newTools(t)

	text, isErr := call(t, tl.change(generator.Create), "unit_add", map[string]any{"name": "ping", "source": pingUnit})
	if isErr || !strings.Contains(text, "unit ping created") {
		t.Fatalf("unit_add = %q (error=%v)", text, isErr)
	}

	text, isErr = call(t, tl.send, "jarvis_send", map[string]any{"text": "/ping"})
	if isErr || text != "pong" {
		t.Errorf("jarvis_send = %q (error=%v)", text, isErr)
	}

	text, _ = call(t, tl.list, "unit_list", nil)
	if !strings.Contains(text, "- ping [active] Connectivity check (/ping)") {
		t.Errorf("unit_list = %q", text)
	}

	text, isErr = call(t, tl.show, "unit_show", map[string]any{"name": "ping"})
	if isErr || !strings.Contains(text, "trigger: command:ping") || !strings.Contains(text, `reply = "pong"`) {
		t.Errorf("unit_show = %q", text)
	}

	_, isErr = call(t, tl.change(generator.Create), "unit_add", map[string]any{"name": "ping", "source": pingUnit})
	if !isErr {
		t.Error("adding an existing unit should fail")
	}
}

func TestUnitUpdateFromDescription(t *testing.T) {
	t.Parallel()
	tl, gen, _ := newTools(t)

	if _, isErr := call(t, tl.change(generator.Create), "unit_add", map[string]any{"name": "ping", "source": pingUnit}); isErr {
		t.Fatal("seed add failed")
	}
	gen.Sources["ping"] = []byte(strings.Replace(pingUnit, `"pong"`, `"PONG!"`, 1))

	text, isErr := call(t, tl.change(generator.Update), "unit_update", map[string]any{"name": "ping", "description": "shout"})
	if isErr || !strings.Contains(text, "unit ping updated") {
		t.Fatalf("unit_update = %q (error=%v)", text, isErr)
	}
	if text, _ := call(t, tl.send, "jarvis_send", map[string]any{"text": "/ping"}); text != "PONG!" {
		t.Errorf("after update = %q", text)
	}
	if len(gen.Requests()) != 1 || len(gen.Requests()[0].Existing) == 0 {
		t.Errorf("update request did not carry existing source: %+v", gen.Requests())
	}
}

func TestUnitChangeValidation(t *testing.T) {
	t.Parallel()
	tl, _, _ := newTools(t)

	if _, isErr := call(t, tl.change(generator.Create), "unit_add", map[string]any{"name": "x"}); !isErr {
		t.Error("missing source and description should fail")
	}
	text, isErr := call(t, tl.change(generator.Create), "unit_add", map[string]any{"name": "bad", "source": "nope {"})
	if !isErr || !strings.Contains(text, "validation") {
		t.Errorf("invalid source = %q (error=%v)", text, isErr)
	}
	if _, isErr := call(t, tl.show, "unit_show", map[string]any{"name": "bad"}); !isErr {
		t.Error("rejected unit should not be known")
	}
}

func TestReminderSchedule(t *testing.T) {
	t.Parallel()
	tl, _, rem := newTools(t)

	text, isErr := call(t, tl.remind, "reminder_schedule", map[string]any{
		"when": "in 10 minutes", "message": "stretch", "channel": "telegram", "chat_id": "42",
	})
	if isErr || !strings.Contains(text, "reminder r-1 scheduled") {
		t.Fatalf("reminder_schedule = %q (error=%v)", text, isErr)
	}
	want := time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC)
	if len(rem.got) != 1 || !rem.got[0].due.Equal(want) || rem.got[0].message != "stretch" {
		t.Errorf("scheduled = %+v", rem.got)
	}

	if _, isErr := call(t, tl.remind, "reminder_schedule", map[string]any{
		"when": "someday", "message": "x", "channel": "telegram", "chat_id": "42",
	}); !isErr {
		t.Error("unparseable when should fail")
	}
}

func TestNewRegistersTools(t *testing.T) {
	t.Parallel()
	tl, _, _ := newTools(t)
	s := New(tl.deps, "test")

	resp := s.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	for _, name := range []string{"jarvis_send", "unit_list", "unit_show", "unit_add", "unit_update", "reminder_schedule"} {
		if !strings.Contains(string(data), `"`+name+`"`) {
			t.Errorf("tool %s not listed in %s", name, data)
		}
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
