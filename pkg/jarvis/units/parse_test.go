package units

import (
	"strings"
	"testing"

	"github.com/jholhewres/jarvis/pkg/jarvis/faults"
)

const pricerSource = `
description = "Price lookups"
version     = "0.2.0"
requires    = ["github_token"]

register {
  command "price" {
    usage        = "/price <item>"
    require_args = true
    reply        = "Price of ${args}: unknown"
  }

  pattern "how much is {item}" {
    reply = "Looking up ${match.item}"
  }

  schedule "digest" {
    when    = "daily at 9am"
    channel = "telegram"
    chat    = "42"
    reply   = "Daily price digest"
  }
}
`

func TestParseValidUnit(t *testing.T) {
	t.Parallel()

	u, err := Parse("Pricer", []byte(pricerSource))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if u.Name != "pricer" {
		t.Errorf("Name = %q, want pricer", u.Name)
	}
	if u.Description != "Price lookups" || u.Version != "0.2.0" {
		t.Errorf("unexpected header: %q %q", u.Description, u.Version)
	}
	if len(u.Requires) != 1 || u.Requires[0] != ServiceGitHubToken {
		t.Errorf("Requires = %v", u.Requires)
	}
	if u.Ref.Key != "pricer" || u.Ref.Digest != Digest(u.Source) {
		t.Errorf("Ref = %+v", u.Ref)
	}

	triggers := u.Triggers()
	want := []Trigger{
		{Kind: TriggerCommand, Key: "price"},
		{Kind: TriggerPattern, Key: "how much is {item}"},
		{Kind: TriggerSchedule, Key: "digest", Spec: "0 9 * * *"},
	}
	if len(triggers) != len(want) {
		t.Fatalf("got %d triggers, want %d", len(triggers), len(want))
	}
	for i := range want {
		if triggers[i] != want[i] {
			t.Errorf("trigger %d = %+v, want %+v", i, triggers[i], want[i])
		}
	}

	d := u.Descriptor(StatusStaged)
	if d.Status != StatusStaged || len(d.Usages) != 1 || d.Usages[0] != "/price <item>" {
		t.Errorf("Descriptor = %+v", d)
	}
	if ids := u.JobIDs(); len(ids) != 1 || !strings.HasPrefix(ids[0], "unit:pricer:digest:") {
		t.Errorf("JobIDs = %v", ids)
	}
}

func TestParseStripsFences(t *testing.T) {
	t.Parallel()

	src := "Here is your unit:\n\n```hcl\n" + pricerSource + "```\n\nEnjoy!"
	u, err := Parse("pricer", []byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if strings.Contains(string(u.Source), "```") || strings.Contains(string(u.Source), "Enjoy") {
		t.Errorf("fences or prose kept in source:\n%s", u.Source)
	}
}

func TestStripFencesLeavesInputIntact(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, raw, want string
	}{
		{"closed", "```hcl\ndescription = \"x\"  \n```", "description = \"x\"\n"},
		{"unclosed", "```\ndescription = \"x\"\t\t", "description = \"x\"\n"},
		{"plain", "description = \"x\"", "description = \"x\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			raw := []byte(tt.raw)
			if got := StripFences(raw); string(got) != tt.want {
				t.Errorf("StripFences = %q, want %q", got, tt.want)
			}
			if string(raw) != tt.raw {
				t.Errorf("input rewritten to %q", raw)
			}
		})
	}
}

// handlerUnit wraps one handler body into a minimal unit.
func handlerUnit(kind, key, body string) string {
	return "description = \"x\"\nregister {\n  " + kind + " \"" + key + "\" {\n" + body + "\n  }\n}\n"
}

func TestParseRejects(t *testing.T) {
	t.Parallel()

	minimal := handlerUnit("command", "a", `reply = "a"`)

	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "syntax error",
			src:  "description = \"x\"\nregister {",
		},
		{
			name: "missing description",
			src:  strings.Replace(minimal, `description = "x"`, "", 1),
			want: "missing description",
		},
		{
			name: "dynamic description",
			src:  strings.Replace(minimal, `description = "x"`, `description = "${args}"`, 1),
		},
		{
			name: "missing register",
			src:  `description = "x"`,
			want: "missing register block",
		},
		{
			name: "two register blocks",
			src:  minimal + "register {\n  command \"b\" {\n    reply = \"b\"\n  }\n}\n",
			want: "only one register block",
		},
		{
			name: "empty register",
			src:  "description = \"x\"\nregister {\n}\n",
			want: "declares no triggers",
		},
		{
			name: "unknown service",
			src:  "requires = [\"mongodb\"]\n" + minimal,
			want: `unknown service "mongodb"`,
		},
		{
			name: "unknown top-level attribute",
			src:  "import = \"os\"\n" + minimal,
		},
		{
			name: "duplicate command",
			src: `description = "x"
register {
  command "a" {
    reply = "1"
  }
  command "A" {
    reply = "2"
  }
}`,
			want: `duplicate command trigger "a"`,
		},
		{
			name: "unknown action",
			src:  handlerUnit("command", "a", `action "exec" "run" { cmd = "rm -rf /" }`),
			want: `unknown action type "exec"`,
		},
		{
			name: "unsupported action argument",
			src: handlerUnit("command", "a", `action "http_get" "r" {
  url    = "https://example.com"
  method = "POST"
}`),
			want: `unsupported argument "method"`,
		},
		{
			name: "missing action argument",
			src:  handlerUnit("command", "a", `action "note" "n" {}`),
			want: `missing required argument "text"`,
		},
		{
			name: "remind without time",
			src:  handlerUnit("command", "a", `action "remind" "r" { message = "hi" }`),
			want: `exactly one of "in" or "at"`,
		},
		{
			name: "forward reference",
			src: handlerUnit("command", "a", `action "log" "first" { message = second.text }
action "log" "second" { message = "x" }`),
			want: `reference to action "second" before it runs`,
		},
		{
			name: "unknown variable",
			src:  handlerUnit("command", "a", `reply = "${os.env}"`),
			want: `unknown reference "os"`,
		},
		{
			name: "unknown function",
			src:  handlerUnit("command", "a", `reply = "${file("/etc/passwd")}"`),
			want: `unknown function "file"`,
		},
		{
			name: "unknown service reference",
			src:  handlerUnit("command", "a", `reply = services.aws_secret`),
			want: `unknown service "aws_secret"`,
		},
		{
			name: "match outside pattern",
			src:  handlerUnit("command", "a", `reply = match.city`),
			want: "only available in pattern handlers",
		},
		{
			name: "unknown placeholder",
			src:  handlerUnit("pattern", "weather in {city}", `reply = match.town`),
			want: `no placeholder "town"`,
		},
		{
			name: "malformed pattern",
			src:  handlerUnit("pattern", "add {name", `reply = "x"`),
			want: "unclosed placeholder",
		},
		{
			name: "bad schedule",
			src: handlerUnit("schedule", "s", `when    = "whenever"
channel = "telegram"
chat    = "1"
reply   = "x"`),
			want: "invalid schedule",
		},
		{
			name: "handler without output",
			src:  handlerUnit("command", "a", `usage = "/a"`),
			want: "neither actions nor a reply",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("broken", []byte(tt.src))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !faults.IsValidation(err) {
				t.Errorf("error kind = %v, want validation: %v", faults.KindOf(err), err)
			}
			if tt.want != "" && !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestParseEmptyName(t *testing.T) {
	t.Parallel()

	if _, err := Parse("!!!", []byte(pricerSource)); !faults.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestNormalizeName(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"Weather":            "weather",
		"Currency Converter": "currency_converter",
		"stock-ticker":       "stock_ticker",
		"  Café  Crème ":     "cafe_creme",
		"price@v2!":          "pricev2",
		"__x__":              "x",
		"!!!":                "",
	}
	for in, want := range tests {
		if got := NormalizeName(in); got != want {
			t.Errorf("NormalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestServicesHideValues(t *testing.T) {
	t.Parallel()

	s := NewServices(map[string]string{
		ServiceOpenWeather: "secret-key",
		"unknown":          "dropped",
	})
	if !s.Has(ServiceOpenWeather) || s.Has("unknown") {
		t.Errorf("unexpected membership: %v", s.Flags())
	}
	if strings.Contains(s.String(), "secret-key") {
		t.Errorf("String leaks a value: %s", s)
	}
}
