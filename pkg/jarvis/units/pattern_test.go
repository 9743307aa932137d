package units

import "testing"

func TestCompilePattern(t *testing.T) {
	t.Parallel()

	tests := []struct {
		expr     string
		text     string
		match    bool
		captures map[string]string
	}{
		{"weather in {city}", "weather in Paris", true, map[string]string{"city": "Paris"}},
		{"weather in {city}", "  Weather   IN  new york  ", true, map[string]string{"city": "new york"}},
		{"weather in {city}", "weather in", false, nil},
		{"weather in {city}", "the weather in Paris", false, nil},
		{"what time is it", "What time is it?", true, map[string]string{}},
		{"add module {name}", "add module stock ticker", true, map[string]string{"name": "stock ticker"}},
		{"convert {amount} {from} to {to}", "convert 10 usd to eur", true,
			map[string]string{"amount": "10", "from": "usd", "to": "eur"}},
		{"tell me *", "tell me", true, map[string]string{"rest": ""}},
		{"tell me *", "tell me a joke", true, map[string]string{"rest": "a joke"}},
		{"price(s) {item}", "PRICE(S) gold", true, map[string]string{"item": "gold"}},
	}

	for _, tt := range tests {
		t.Run(tt.expr+"/"+tt.text, func(t *testing.T) {
			p, err := CompilePattern(tt.expr)
			if err != nil {
				t.Fatalf("CompilePattern(%q): %v", tt.expr, err)
			}
			got, ok := p.Match(tt.text)
			if ok != tt.match {
				t.Fatalf("Match(%q) = %v, want %v", tt.text, ok, tt.match)
			}
			for k, v := range tt.captures {
				if got[k] != v {
					t.Errorf("capture %s = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestCompilePatternErrors(t *testing.T) {
	t.Parallel()

	for _, expr := range []string{
		"",
		"   ",
		"{only}",
		"add {name",
		"add name}",
		"add {Bad-Name}",
		"{x} and {x}",
		"* then more",
		"add {rest}",
	} {
		if _, err := CompilePattern(expr); err == nil {
			t.Errorf("CompilePattern(%q) succeeded, want error", expr)
		}
	}
}

func TestPatternLiterals(t *testing.T) {
	t.Parallel()

	short, _ := CompilePattern("add {x}")
	long, _ := CompilePattern("add module {x}")
	if short.Literals() != 3 || long.Literals() != 9 {
		t.Errorf("Literals = %d, %d; want 3, 9", short.Literals(), long.Literals())
	}
	if long.Source != "add module {x}" {
		t.Errorf("Source = %q", long.Source)
	}
}
