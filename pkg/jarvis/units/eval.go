package units

import (
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// functionNames is the closed set of functions unit expressions may call.
var functionNames = map[string]struct{}{}

func init() {
	for name := range functions(time.Now) {
		functionNames[name] = struct{}{}
	}
}

// FunctionNames lists the callable functions, for prompts and docs.
func FunctionNames() []string {
	out := make([]string, 0, len(functionNames))
	for name := range functionNames {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func functions(now func() time.Time) map[string]function.Function {
	return map[string]function.Function{
		"upper":      stdlib.UpperFunc,
		"lower":      stdlib.LowerFunc,
		"title":      stdlib.TitleFunc,
		"trimspace":  stdlib.TrimSpaceFunc,
		"replace":    stdlib.ReplaceFunc,
		"join":       stdlib.JoinFunc,
		"slice":      stdlib.SliceFunc,
		"element":    stdlib.ElementFunc,
		"split":      stdlib.SplitFunc,
		"format":     stdlib.FormatFunc,
		"length":     stdlib.LengthFunc,
		"coalesce":   stdlib.CoalesceFunc,
		"jsonencode": stdlib.JSONEncodeFunc,
		"tonumber":   stdlib.MakeToFunc(cty.Number),
		"tostring":   stdlib.MakeToFunc(cty.String),
		"urlencode":  urlEncodeFunc,
		"now":        makeNowFunc(now),
	}
}

var urlEncodeFunc = function.New(&function.Spec{
	Params: []function.Parameter{
		{Name: "str", Type: cty.String},
	},
	Type: function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		return cty.StringVal(url.QueryEscape(args[0].AsString())), nil
	},
})

// makeNowFunc returns now([layout]) formatting the current UTC time with a
// Go time layout.
func makeNowFunc(now func() time.Time) function.Function {
	return function.New(&function.Spec{
		VarParam: &function.Parameter{Name: "layout", Type: cty.String},
		Type:     function.StaticReturnType(cty.String),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			layout := "2006-01-02 15:04 MST"
			if len(args) > 0 && args[0].AsString() != "" {
				layout = args[0].AsString()
			}
			return cty.StringVal(now().UTC().Format(layout)), nil
		},
	})
}

// baseVariables builds the per-invocation variables every expression sees.
func baseVariables(services Services, inv Invocation) map[string]cty.Value {
	fields := strings.Fields(inv.Args)
	argv := cty.ListValEmpty(cty.String)
	if len(fields) > 0 {
		vals := make([]cty.Value, len(fields))
		for i, f := range fields {
			vals[i] = cty.StringVal(f)
		}
		argv = cty.ListVal(vals)
	}

	match := cty.MapValEmpty(cty.String)
	if len(inv.Match) > 0 {
		vals := make(map[string]cty.Value, len(inv.Match))
		for k, v := range inv.Match {
			vals[k] = cty.StringVal(v)
		}
		match = cty.MapVal(vals)
	}

	svc := make(map[string]cty.Value, len(ServiceKeys))
	for _, k := range ServiceKeys {
		svc[k] = cty.StringVal(services.Get(k))
	}

	return map[string]cty.Value{
		"args":     cty.StringVal(strings.TrimSpace(inv.Args)),
		"argv":     argv,
		"text":     cty.StringVal(inv.Text),
		"match":    match,
		"services": cty.ObjectVal(svc),
		"event": cty.ObjectVal(map[string]cty.Value{
			"kind":    cty.StringVal(inv.Event.Kind),
			"channel": cty.StringVal(inv.Event.Channel),
			"chat":    cty.StringVal(inv.Event.ChatID),
			"sender":  cty.StringVal(inv.Event.Sender),
		}),
	}
}

// ctyString renders a value as reply text. Strings, numbers and bools
// convert directly; collections fall back to JSON.
func ctyString(v cty.Value) string {
	if v.IsNull() || !v.IsWhollyKnown() {
		return ""
	}
	if s, err := convert.Convert(v, cty.String); err == nil && !s.IsNull() {
		return s.AsString()
	}
	b, err := ctyjson.Marshal(v, v.Type())
	if err != nil {
		return ""
	}
	return string(b)
}

// resultText is the reply a handler without a reply template produces: the
// `text` attribute of its last action result.
func resultText(v cty.Value) string {
	if v.IsNull() || !v.Type().IsObjectType() || !v.Type().HasAttribute("text") {
		return ""
	}
	return ctyString(v.GetAttr("text"))
}
