package units

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/gocty"
	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/jholhewres/jarvis/pkg/jarvis/timespec"
)

// maxResponseBody caps what http_get reads from a response.
const maxResponseBody = 1 << 20

type actionFunc func(ctx context.Context, rt *Runtime, inv Invocation, args map[string]cty.Value) (cty.Value, error)

type actionDef struct {
	required []string
	optional []string
	validate func(attrs hcl.Attributes) error
	run      actionFunc
}

func (d *actionDef) accepts(name string) bool {
	for _, n := range d.required {
		if n == name {
			return true
		}
	}
	for _, n := range d.optional {
		if n == name {
			return true
		}
	}
	return false
}

func (d *actionDef) check(attrs hcl.Attributes) error {
	if d.validate == nil {
		return nil
	}
	return d.validate(attrs)
}

var actionCatalog = map[string]*actionDef{
	"http_get": {
		required: []string{"url"},
		optional: []string{"headers"},
		run:      runHTTPGet,
	},
	"note": {
		required: []string{"text"},
		run:      runNote,
	},
	"notes": {
		optional: []string{"limit"},
		run:      runNotes,
	},
	"remind": {
		required: []string{"message"},
		optional: []string{"in", "at"},
		validate: func(attrs hcl.Attributes) error {
			_, hasIn := attrs["in"]
			_, hasAt := attrs["at"]
			if hasIn == hasAt {
				return fmt.Errorf("exactly one of \"in\" or \"at\" is required")
			}
			return nil
		},
		run: runRemind,
	},
	"log": {
		required: []string{"message"},
		run:      runLog,
	},
}

// ActionTypes lists the action types a unit may use.
func ActionTypes() []string {
	out := make([]string, 0, len(actionCatalog))
	for name := range actionCatalog {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ---------- Actions ----------

func runHTTPGet(ctx context.Context, rt *Runtime, _ Invocation, args map[string]cty.Value) (cty.Value, error) {
	rawURL, err := stringArg(args, "url")
	if err != nil {
		return cty.NilVal, err
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return cty.NilVal, fmt.Errorf("url must be http or https")
	}
	headers, err := headersArg(args, "headers")
	if err != nil {
		return cty.NilVal, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return cty.NilVal, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := rt.httpClient().Do(req)
	if err != nil {
		// The URL may embed an API key; report the host only.
		return cty.NilVal, fmt.Errorf("GET %s: %w", req.URL.Host, unwrapURLError(err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return cty.NilVal, fmt.Errorf("reading response from %s: %w", req.URL.Host, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return cty.NilVal, fmt.Errorf("GET %s: status %d", req.URL.Host, resp.StatusCode)
	}

	text := strings.ToValidUTF8(string(body), "")
	return cty.ObjectVal(map[string]cty.Value{
		"status": cty.NumberIntVal(int64(resp.StatusCode)),
		"body":   cty.StringVal(text),
		"json":   decodeJSON(body),
		"text":   cty.StringVal(text),
	}), nil
}

// decodeJSON turns a response body into a cty value, or null when the body
// is not JSON.
func decodeJSON(body []byte) cty.Value {
	ty, err := ctyjson.ImpliedType(body)
	if err != nil {
		return cty.NullVal(cty.DynamicPseudoType)
	}
	v, err := ctyjson.Unmarshal(body, ty)
	if err != nil {
		return cty.NullVal(cty.DynamicPseudoType)
	}
	return v
}

func unwrapURLError(err error) error {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok && u.Unwrap() != nil {
		return u.Unwrap()
	}
	return err
}

func runNote(ctx context.Context, rt *Runtime, inv Invocation, args map[string]cty.Value) (cty.Value, error) {
	if rt.Notes == nil {
		return cty.NilVal, fmt.Errorf("note storage is not configured")
	}
	text, err := stringArg(args, "text")
	if err != nil {
		return cty.NilVal, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return cty.NilVal, fmt.Errorf("note text is empty")
	}
	id, err := rt.Notes.AddNote(ctx, inv.Event.ChatID, text)
	if err != nil {
		return cty.NilVal, err
	}
	return cty.ObjectVal(map[string]cty.Value{
		"id":   cty.NumberIntVal(id),
		"text": cty.StringVal("✅ Note saved."),
	}), nil
}

var noteItemType = cty.Object(map[string]cty.Type{
	"text":       cty.String,
	"created_at": cty.String,
})

func runNotes(ctx context.Context, rt *Runtime, inv Invocation, args map[string]cty.Value) (cty.Value, error) {
	if rt.Notes == nil {
		return cty.NilVal, fmt.Errorf("note storage is not configured")
	}
	limit := 10
	if v, ok := args["limit"]; ok && !v.IsNull() {
		n, err := convert.Convert(v, cty.Number)
		if err != nil {
			return cty.NilVal, fmt.Errorf("limit must be a number: %w", err)
		}
		if err := gocty.FromCtyValue(n, &limit); err != nil {
			return cty.NilVal, fmt.Errorf("limit: %w", err)
		}
		if limit <= 0 {
			return cty.NilVal, fmt.Errorf("limit must be positive")
		}
	}

	notes, err := rt.Notes.RecentNotes(ctx, inv.Event.ChatID, limit)
	if err != nil {
		return cty.NilVal, err
	}

	items := cty.ListValEmpty(noteItemType)
	text := "No notes found."
	if len(notes) > 0 {
		vals := make([]cty.Value, len(notes))
		var b strings.Builder
		b.WriteString("📝 Your recent notes:\n")
		for i, n := range notes {
			stamp := n.CreatedAt.UTC().Format("2006-01-02 15:04")
			vals[i] = cty.ObjectVal(map[string]cty.Value{
				"text":       cty.StringVal(n.Text),
				"created_at": cty.StringVal(stamp),
			})
			fmt.Fprintf(&b, "\n- %s (added %s UTC)", n.Text, stamp)
		}
		items = cty.ListVal(vals)
		text = b.String()
	}

	return cty.ObjectVal(map[string]cty.Value{
		"count": cty.NumberIntVal(int64(len(notes))),
		"items": items,
		"text":  cty.StringVal(text),
	}), nil
}

func runRemind(ctx context.Context, rt *Runtime, inv Invocation, args map[string]cty.Value) (cty.Value, error) {
	if rt.Reminders == nil {
		return cty.NilVal, fmt.Errorf("reminders are not configured")
	}
	message, err := stringArg(args, "message")
	if err != nil {
		return cty.NilVal, err
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return cty.NilVal, fmt.Errorf("reminder message is empty")
	}

	when, err := stringArg(args, "in")
	if err != nil {
		return cty.NilVal, err
	}
	if when == "" {
		if when, err = stringArg(args, "at"); err != nil {
			return cty.NilVal, err
		}
	}

	now := rt.now()
	due, err := timespec.Due(when, now)
	if err != nil {
		return cty.NilVal, err
	}
	if !due.After(now) {
		return cty.NilVal, fmt.Errorf("reminder time %s is in the past", due.Format(time.RFC3339))
	}

	id, err := rt.Reminders.ScheduleReminder(ctx, due, inv.Event.Channel, inv.Event.ChatID, message)
	if err != nil {
		return cty.NilVal, err
	}
	return cty.ObjectVal(map[string]cty.Value{
		"id":     cty.StringVal(id),
		"due_at": cty.StringVal(due.UTC().Format(time.RFC3339)),
		"text":   cty.StringVal(fmt.Sprintf("✅ Reminder set for %s from now.", timespec.Humanize(due.Sub(now)))),
	}), nil
}

func runLog(_ context.Context, rt *Runtime, inv Invocation, args map[string]cty.Value) (cty.Value, error) {
	message, err := stringArg(args, "message")
	if err != nil {
		return cty.NilVal, err
	}
	rt.logger().Info("unit log", "message", message, "channel", inv.Event.Channel, "chat_id", inv.Event.ChatID)
	return cty.ObjectVal(map[string]cty.Value{
		"text": cty.StringVal(""),
	}), nil
}

// ---------- Argument helpers ----------

func stringArg(args map[string]cty.Value, name string) (string, error) {
	v, ok := args[name]
	if !ok || v.IsNull() {
		return "", nil
	}
	s, err := convert.Convert(v, cty.String)
	if err != nil {
		return "", fmt.Errorf("argument %q must be a string: %w", name, err)
	}
	if !s.IsKnown() || s.IsNull() {
		return "", nil
	}
	return s.AsString(), nil
}

func headersArg(args map[string]cty.Value, name string) (map[string]string, error) {
	v, ok := args[name]
	if !ok || v.IsNull() {
		return nil, nil
	}
	m, err := convert.Convert(v, cty.Map(cty.String))
	if err != nil {
		return nil, fmt.Errorf("argument %q must be a map of strings: %w", name, err)
	}
	var out map[string]string
	if err := gocty.FromCtyValue(m, &out); err != nil {
		return nil, fmt.Errorf("argument %q: %w", name, err)
	}
	return out, nil
}
