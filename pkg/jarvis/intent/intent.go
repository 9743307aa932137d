// Package intent recognizes "create a unit" and "update a unit" requests in
// free text. A cheap regex classifier runs first; an optional LLM
// classifier catches phrasings the regexes miss.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jholhewres/jarvis/pkg/jarvis/units"
)

// Kind is the recognized request type.
type Kind int

const (
	None Kind = iota
	Create
	Update
)

func (k Kind) String() string {
	switch k {
	case Create:
		return "create"
	case Update:
		return "update"
	default:
		return "none"
	}
}

// Intent is a classification result. Name is normalized.
type Intent struct {
	Kind        Kind
	Name        string
	Description string
}

// Classifier maps free text to an intent.
type Classifier interface {
	Classify(ctx context.Context, text string) (Intent, error)
}

// ---------- Regex ----------

var (
	createRe = regexp.MustCompile(`(?i)^\s*(?:please\s+)?(?:create|add|make|build)\s+(?:a\s+|an\s+|new\s+)*(?:module|unit|skill)\s+(?:called\s+|named\s+)?["']?([\p{L}\p{N}_\-]+)["']?(?:\s*(?::|-|,)?\s*(?:that|which|to|for)?\s+(.+))?\s*$`)
	updateRe = regexp.MustCompile(`(?i)^\s*(?:please\s+)?(?:update|modify|improve|change|fix)\s+(?:the\s+)?(?:module|unit|skill)\s+["']?([\p{L}\p{N}_\-]+)["']?(?:\s*(?::|-|,)?\s*(?:so\s+that|to|so|with)?\s+(.+))?\s*$`)
)

// Regex classifies with fixed phrasings such as "add module weather that
// shows the forecast" or "update unit weather to use celsius".
type Regex struct{}

func (Regex) Classify(_ context.Context, text string) (Intent, error) {
	if m := createRe.FindStringSubmatch(text); m != nil {
		return build(Create, m[1], m[2]), nil
	}
	if m := updateRe.FindStringSubmatch(text); m != nil {
		return build(Update, m[1], m[2]), nil
	}
	return Intent{}, nil
}

func build(kind Kind, name, desc string) Intent {
	n := units.NormalizeName(name)
	if n == "" {
		return Intent{}
	}
	return Intent{Kind: kind, Name: n, Description: strings.TrimSpace(desc)}
}

// ---------- LLM ----------

// Completer is the slice of the LLM client the classifier needs.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userMessage string) (string, error)
}

const classifierPrompt = `Decide whether the user's message asks to create a new assistant capability
("unit") or to change an existing one. Answer with one JSON object and nothing else:
{"intent": "none" | "create" | "update", "name": "<short snake_case unit name>", "description": "<what it should do>"}
Use "none" for anything else, including ordinary questions.`

// LLM classifies with a chat completion model.
type LLM struct {
	client Completer
}

// NewLLM wraps client.
func NewLLM(client Completer) *LLM { return &LLM{client: client} }

func (c *LLM) Classify(ctx context.Context, text string) (Intent, error) {
	raw, err := c.client.Complete(ctx, classifierPrompt, text)
	if err != nil {
		return Intent{}, fmt.Errorf("classifying intent: %w", err)
	}
	raw = strings.TrimSpace(string(units.StripFences([]byte(raw))))

	var out struct {
		Intent      string `json:"intent"`
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return Intent{}, fmt.Errorf("classifier answered non-JSON: %w", err)
	}
	switch strings.ToLower(out.Intent) {
	case "create":
		return build(Create, out.Name, out.Description), nil
	case "update":
		return build(Update, out.Name, out.Description), nil
	default:
		return Intent{}, nil
	}
}

// ---------- Chain ----------

// Chain asks each classifier in turn; the first non-None intent wins. A
// failing classifier is logged and skipped.
type Chain struct {
	classifiers []Classifier
	logger      *slog.Logger
}

// NewChain builds a chain; nil classifiers are dropped.
func NewChain(logger *slog.Logger, classifiers ...Classifier) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Chain{logger: logger.With("component", "intent")}
	for _, cl := range classifiers {
		if cl != nil {
			c.classifiers = append(c.classifiers, cl)
		}
	}
	return c
}

func (c *Chain) Classify(ctx context.Context, text string) (Intent, error) {
	for _, cl := range c.classifiers {
		in, err := cl.Classify(ctx, text)
		if err != nil {
			c.logger.Warn("intent classifier failed", "classifier", fmt.Sprintf("%T", cl), "error", err)
			continue
		}
		if in.Kind != None {
			c.logger.Debug("intent recognized", "kind", in.Kind.String(), "unit", in.Name)
			return in, nil
		}
	}
	return Intent{}, nil
}
