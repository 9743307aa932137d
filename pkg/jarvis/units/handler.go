package units

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// Handler is one compiled trigger handler: an action chain plus a reply
// template. Handlers are immutable once parsed and safe for concurrent use.
type Handler struct {
	// Unit is the owning unit's name.
	Unit    string
	Trigger Trigger
	Usage   string

	// Channel and ChatID are the delivery target of schedule handlers.
	Channel string
	ChatID  string

	requireArgs bool
	onError     string
	pattern     *Pattern
	steps       []*step
	reply       hcl.Expression
}

type step struct {
	kind  string
	name  string
	def   *actionDef
	attrs hcl.Attributes
}

// Pattern returns the compiled pattern of a pattern handler, or nil.
func (h *Handler) Pattern() *Pattern { return h.pattern }

// UsageText is the reply sent when a handler needs arguments and got none.
func (h *Handler) UsageText() string {
	if h.Usage == "" {
		return "This command needs arguments."
	}
	return "Usage: " + h.Usage
}

// Run executes the action chain and renders the reply. When the handler
// declares on_error, action and template failures are logged and answered
// with that text instead of being returned.
func (h *Handler) Run(ctx context.Context, rt *Runtime, inv Invocation) (string, error) {
	if rt == nil {
		rt = &Runtime{}
	}
	if h.requireArgs && strings.TrimSpace(inv.Args) == "" {
		return h.UsageText(), nil
	}

	evalCtx := &hcl.EvalContext{
		Variables: baseVariables(rt.Services, inv),
		Functions: functions(rt.now),
	}

	last := cty.NullVal(cty.DynamicPseudoType)
	for _, s := range h.steps {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		args, err := s.evaluate(evalCtx)
		if err != nil {
			return h.fail(ctx, rt, err)
		}
		result, err := s.def.run(ctx, rt, inv, args)
		if err != nil {
			return h.fail(ctx, rt, fmt.Errorf("action %q: %w", s.name, err))
		}
		evalCtx.Variables[s.name] = result
		last = result
	}

	if h.reply == nil {
		return resultText(last), nil
	}
	v, diags := h.reply.Value(evalCtx)
	if diags.HasErrors() {
		return h.fail(ctx, rt, fmt.Errorf("reply: %s", diags.Error()))
	}
	return strings.TrimSpace(ctyString(v)), nil
}

func (h *Handler) fail(ctx context.Context, rt *Runtime, err error) (string, error) {
	if h.onError == "" || ctx.Err() != nil {
		return "", err
	}
	rt.logger().Warn("unit handler failed, replying with on_error",
		"unit", h.Unit, "trigger", h.Trigger.TableKey(), "error", err)
	return h.onError, nil
}

func (s *step) evaluate(evalCtx *hcl.EvalContext) (map[string]cty.Value, error) {
	args := make(map[string]cty.Value, len(s.attrs))
	for name, attr := range s.attrs {
		v, diags := attr.Expr.Value(evalCtx)
		if diags.HasErrors() {
			return nil, fmt.Errorf("action %q argument %q: %s", s.name, name, diags.Error())
		}
		args[name] = v
	}
	return args, nil
}
