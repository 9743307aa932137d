package units

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclsyntax"

	"github.com/jholhewres/jarvis/pkg/jarvis/faults"
	"github.com/jholhewres/jarvis/pkg/jarvis/timespec"
)

// unitFile is the top-level shape of a unit document.
type unitFile struct {
	Description string           `hcl:"description,optional"`
	Version     string           `hcl:"version,optional"`
	Requires    []string         `hcl:"requires,optional"`
	Register    []*registerBlock `hcl:"register,block"`
}

type registerBlock struct {
	Commands  []*handlerBlock  `hcl:"command,block"`
	Patterns  []*handlerBlock  `hcl:"pattern,block"`
	Schedules []*scheduleBlock `hcl:"schedule,block"`
}

type handlerBlock struct {
	Key         string         `hcl:"key,label"`
	Usage       string         `hcl:"usage,optional"`
	RequireArgs bool           `hcl:"require_args,optional"`
	OnError     string         `hcl:"on_error,optional"`
	Actions     []*actionBlock `hcl:"action,block"`
	Reply       hcl.Expression `hcl:"reply,optional"`
}

type scheduleBlock struct {
	ID      string         `hcl:"id,label"`
	When    string         `hcl:"when"`
	Channel string         `hcl:"channel"`
	Chat    string         `hcl:"chat"`
	OnError string         `hcl:"on_error,optional"`
	Actions []*actionBlock `hcl:"action,block"`
	Reply   hcl.Expression `hcl:"reply,optional"`
}

type actionBlock struct {
	Type string   `hcl:"type,label"`
	Name string   `hcl:"name,label"`
	Body hcl.Body `hcl:",remain"`
}

// Variable roots every handler expression may reference.
var baseRoots = []string{"args", "argv", "text", "event", "services", "match"}

var identifier = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// fencedBlock captures the body of the first ``` fenced block.
var fencedBlock = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*[ \t]*\r?\n(.*?)```")

// StripFences returns the contents of the first markdown code fence in src,
// or src unchanged when it carries no fence. Generated source is often
// wrapped in ```hcl fences with prose around it.
func StripFences(src []byte) []byte {
	if m := fencedBlock.FindSubmatch(src); m != nil {
		return fenceBody(m[1])
	}
	// An opening fence without a closing one.
	trimmed := bytes.TrimSpace(src)
	if bytes.HasPrefix(trimmed, []byte("```")) {
		if nl := bytes.IndexByte(trimmed, '\n'); nl >= 0 {
			return fenceBody(trimmed[nl+1:])
		}
	}
	return src
}

// fenceBody copies b trimmed, ending in a single newline. The copy keeps
// the caller's buffer untouched.
func fenceBody(b []byte) []byte {
	b = bytes.TrimSpace(b)
	out := make([]byte, 0, len(b)+1)
	return append(append(out, b...), '\n')
}

// Parse validates unit source and returns the unit. Every failure is a
// faults.KindValidation error naming the unit; nothing is executed.
func Parse(name string, src []byte) (*Unit, error) {
	const op = "units.parse"

	name = NormalizeName(name)
	if name == "" {
		return nil, faults.Validation(op, "", "unit name is empty after normalization")
	}

	body := StripFences(src)
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, faults.Validation(op, name, "unit source is empty")
	}

	file, diags := hclsyntax.ParseConfig(body, name+".hcl", hcl.InitialPos)
	if diags.HasErrors() {
		return nil, faults.Validation(op, name, "%s", diags.Error())
	}

	var doc unitFile
	if diags := gohcl.DecodeBody(file.Body, nil, &doc); diags.HasErrors() {
		return nil, faults.Validation(op, name, "%s", diags.Error())
	}

	if strings.TrimSpace(doc.Description) == "" {
		return nil, faults.Validation(op, name, "missing description")
	}
	switch len(doc.Register) {
	case 0:
		return nil, faults.Validation(op, name, "missing register block")
	case 1:
	default:
		return nil, faults.Validation(op, name, "only one register block is allowed, found %d", len(doc.Register))
	}

	requires := make([]string, 0, len(doc.Requires))
	for _, key := range doc.Requires {
		if !IsServiceKey(key) {
			return nil, faults.Validation(op, name, "requires unknown service %q", key)
		}
		requires = append(requires, key)
	}
	sort.Strings(requires)

	u := &Unit{
		Name:        name,
		Description: strings.TrimSpace(doc.Description),
		Version:     strings.TrimSpace(doc.Version),
		Requires:    requires,
		Source:      body,
		Ref:         SourceRef{Key: name, Digest: Digest(body)},
	}
	if err := u.compile(doc.Register[0]); err != nil {
		return nil, faults.Validation(op, name, "%s", err)
	}
	return u, nil
}

func (u *Unit) compile(reg *registerBlock) error {
	if len(reg.Commands)+len(reg.Patterns)+len(reg.Schedules) == 0 {
		return fmt.Errorf("register block declares no triggers")
	}

	seen := map[string]bool{}
	claim := func(t Trigger) error {
		if seen[t.TableKey()] {
			return fmt.Errorf("duplicate %s trigger %q", t.Kind, t.Key)
		}
		seen[t.TableKey()] = true
		return nil
	}

	for _, b := range reg.Commands {
		key := NormalizeName(strings.TrimPrefix(strings.TrimSpace(b.Key), "/"))
		if key == "" {
			return fmt.Errorf("command %q: invalid command name", b.Key)
		}
		trig := Trigger{Kind: TriggerCommand, Key: key}
		if err := claim(trig); err != nil {
			return err
		}
		h, err := u.compileHandler(trig, b.Actions, b.Reply, nil)
		if err != nil {
			return fmt.Errorf("command %q: %w", key, err)
		}
		h.Usage = strings.TrimSpace(b.Usage)
		h.requireArgs = b.RequireArgs
		h.onError = b.OnError
		u.handlers = append(u.handlers, h)
	}

	for _, b := range reg.Patterns {
		p, err := CompilePattern(b.Key)
		if err != nil {
			return fmt.Errorf("pattern %q: %w", b.Key, err)
		}
		trig := Trigger{Kind: TriggerPattern, Key: p.Source}
		if err := claim(trig); err != nil {
			return err
		}
		h, err := u.compileHandler(trig, b.Actions, b.Reply, p)
		if err != nil {
			return fmt.Errorf("pattern %q: %w", p.Source, err)
		}
		h.Usage = strings.TrimSpace(b.Usage)
		h.requireArgs = b.RequireArgs
		h.onError = b.OnError
		h.pattern = p
		u.handlers = append(u.handlers, h)
	}

	for _, b := range reg.Schedules {
		id := NormalizeName(b.ID)
		if id == "" {
			return fmt.Errorf("schedule %q: invalid schedule id", b.ID)
		}
		spec, err := timespec.Recurring(b.When)
		if err != nil {
			return fmt.Errorf("schedule %q: %w", id, err)
		}
		if strings.TrimSpace(b.Channel) == "" || strings.TrimSpace(b.Chat) == "" {
			return fmt.Errorf("schedule %q: channel and chat are required", id)
		}
		trig := Trigger{Kind: TriggerSchedule, Key: id, Spec: spec.Expr}
		if err := claim(trig); err != nil {
			return err
		}
		h, err := u.compileHandler(trig, b.Actions, b.Reply, nil)
		if err != nil {
			return fmt.Errorf("schedule %q: %w", id, err)
		}
		h.Channel = strings.TrimSpace(b.Channel)
		h.ChatID = strings.TrimSpace(b.Chat)
		h.onError = b.OnError
		u.schedules = append(u.schedules, h)
	}
	return nil
}

// compileHandler checks an action chain and reply template statically:
// action types and arguments, variable roots, forward references and
// function names.
func (u *Unit) compileHandler(trig Trigger, blocks []*actionBlock, reply hcl.Expression, pattern *Pattern) (*Handler, error) {
	h := &Handler{Unit: u.Name, Trigger: trig}

	known := map[string]bool{}
	for _, r := range baseRoots {
		known[r] = true
	}
	later := map[string]bool{}
	for _, b := range blocks {
		later[b.Name] = true
	}

	var placeholders map[string]bool
	if pattern != nil {
		placeholders = map[string]bool{}
		for _, n := range pattern.Names() {
			placeholders[n] = true
		}
	}

	for _, b := range blocks {
		def, ok := actionCatalog[b.Type]
		if !ok {
			return nil, fmt.Errorf("unknown action type %q (available: %s)", b.Type, strings.Join(ActionTypes(), ", "))
		}
		if !identifier.MatchString(b.Name) {
			return nil, fmt.Errorf("action %q: invalid name", b.Name)
		}
		if known[b.Name] {
			return nil, fmt.Errorf("action %q: name is already in use", b.Name)
		}

		attrs, diags := b.Body.JustAttributes()
		if diags.HasErrors() {
			return nil, fmt.Errorf("action %q: %s", b.Name, diags.Error())
		}
		for argName, attr := range attrs {
			if !def.accepts(argName) {
				return nil, fmt.Errorf("action %q: unsupported argument %q for %s", b.Name, argName, b.Type)
			}
			if err := checkExpr(attr.Expr, known, later, placeholders); err != nil {
				return nil, fmt.Errorf("action %q: %w", b.Name, err)
			}
		}
		for _, req := range def.required {
			if _, ok := attrs[req]; !ok {
				return nil, fmt.Errorf("action %q: missing required argument %q", b.Name, req)
			}
		}
		if err := def.check(attrs); err != nil {
			return nil, fmt.Errorf("action %q: %w", b.Name, err)
		}

		h.steps = append(h.steps, &step{kind: b.Type, name: b.Name, def: def, attrs: attrs})
		known[b.Name] = true
	}

	if exprDefined(reply) {
		if err := checkExpr(reply, known, nil, placeholders); err != nil {
			return nil, fmt.Errorf("reply: %w", err)
		}
		h.reply = reply
	} else if len(h.steps) == 0 {
		return nil, fmt.Errorf("handler has neither actions nor a reply")
	}
	return h, nil
}

func checkExpr(expr hcl.Expression, known, later, placeholders map[string]bool) error {
	for _, tr := range expr.Variables() {
		root := tr.RootName()
		if !known[root] {
			if later[root] {
				return fmt.Errorf("reference to action %q before it runs", root)
			}
			return fmt.Errorf("unknown reference %q", root)
		}
		if len(tr) < 2 {
			continue
		}
		attr, ok := tr[1].(hcl.TraverseAttr)
		if !ok {
			continue
		}
		switch root {
		case "services":
			if !IsServiceKey(attr.Name) {
				return fmt.Errorf("unknown service %q", attr.Name)
			}
		case "match":
			if placeholders == nil {
				return fmt.Errorf("match.%s is only available in pattern handlers", attr.Name)
			}
			if !placeholders[attr.Name] {
				return fmt.Errorf("pattern has no placeholder %q", attr.Name)
			}
		case "event":
			switch attr.Name {
			case "kind", "channel", "chat", "sender":
			default:
				return fmt.Errorf("unknown event attribute %q", attr.Name)
			}
		}
	}

	sx, ok := expr.(hclsyntax.Expression)
	if !ok {
		return nil
	}
	var unknown []string
	hclsyntax.VisitAll(sx, func(n hclsyntax.Node) hcl.Diagnostics {
		if call, ok := n.(*hclsyntax.FunctionCallExpr); ok {
			if _, exists := functionNames[call.Name]; !exists {
				unknown = append(unknown, call.Name)
			}
		}
		return nil
	})
	if len(unknown) > 0 {
		return fmt.Errorf("unknown function %q", unknown[0])
	}
	return nil
}

// exprDefined reports whether an optional expression was actually written.
// gohcl fills absent optional attributes with a synthetic static null
// expression, which is not an hclsyntax node.
func exprDefined(expr hcl.Expression) bool {
	if expr == nil {
		return false
	}
	_, written := expr.(hclsyntax.Expression)
	return written
}
