package intent

import (
	"context"
	"errors"
	"testing"
)

func TestRegex(t *testing.T) {
	t.Parallel()
	cases := []struct {
		text string
		want Intent
	}{
		{"add module crypto", Intent{Kind: Create, Name: "crypto"}},
		{"Add Module Crypto-Prices that shows bitcoin price", Intent{Kind: Create, Name: "crypto_prices", Description: "shows bitcoin price"}},
		{"please create a new unit called jokes: tell a random joke", Intent{Kind: Create, Name: "jokes", Description: "tell a random joke"}},
		{"make a skill named dice to roll dice", Intent{Kind: Create, Name: "dice", Description: "roll dice"}},
		{"update module weather to use fahrenheit", Intent{Kind: Update, Name: "weather", Description: "use fahrenheit"}},
		{"improve the unit search", Intent{Kind: Update, Name: "search"}},
		{"what's the weather in Paris", Intent{}},
		{"add milk to the list", Intent{}},
	}
	for _, tc := range cases {
		got, err := Regex{}.Classify(context.Background(), tc.text)
		if err != nil {
			t.Fatalf("%q: %v", tc.text, err)
		}
		if got != tc.want {
			t.Errorf("Classify(%q) = %+v, want %+v", tc.text, got, tc.want)
		}
	}
}

type scripted struct {
	reply string
	err   error
}

func (s scripted) Complete(context.Context, string, string) (string, error) { return s.reply, s.err }

func TestLLMClassifier(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c := NewLLM(scripted{reply: "```json\n{\"intent\":\"create\",\"name\":\"Moon Phase\",\"description\":\"show the moon phase\"}\n```"})
	got, err := c.Classify(ctx, "I want you to learn how to tell the moon phase")
	if err != nil {
		t.Fatal(err)
	}
	if got != (Intent{Kind: Create, Name: "moon_phase", Description: "show the moon phase"}) {
		t.Errorf("got %+v", got)
	}

	got, err = NewLLM(scripted{reply: `{"intent":"none"}`}).Classify(ctx, "hi")
	if err != nil || got.Kind != None {
		t.Errorf("none: %+v, %v", got, err)
	}
	if _, err := NewLLM(scripted{reply: "sure!"}).Classify(ctx, "hi"); err == nil {
		t.Error("non-JSON answer should fail")
	}
}

func TestChain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	failing := NewLLM(scripted{err: errors.New("offline")})
	fallback := NewLLM(scripted{reply: `{"intent":"update","name":"notes","description":"add tags"}`})
	chain := NewChain(nil, Regex{}, nil, failing, fallback)

	got, err := chain.Classify(ctx, "add module dice")
	if err != nil || got.Kind != Create || got.Name != "dice" {
		t.Errorf("regex stage: %+v, %v", got, err)
	}

	got, err = chain.Classify(ctx, "could my notes support tags?")
	if err != nil || got.Kind != Update || got.Name != "notes" {
		t.Errorf("llm stage: %+v, %v", got, err)
	}

	got, _ = NewChain(nil, Regex{}).Classify(ctx, "hello there")
	if got.Kind != None {
		t.Errorf("no match: %+v", got)
	}
}
