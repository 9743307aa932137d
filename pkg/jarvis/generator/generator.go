// Package generator produces unit source from a natural-language request.
// The model is a black box: whatever it returns is held to the local
// validity contract (description, register entry point, well-formed HCL)
// before anything downstream sees it.
package generator

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/jholhewres/jarvis/pkg/jarvis/catalog"
	"github.com/jholhewres/jarvis/pkg/jarvis/faults"
	"github.com/jholhewres/jarvis/pkg/jarvis/llm"
	"github.com/jholhewres/jarvis/pkg/jarvis/units"
)

// DefaultTimeout bounds one generation call.
const DefaultTimeout = 90 * time.Second

// Mode says whether a request creates a unit or rewrites one.
type Mode int

const (
	Create Mode = iota
	Update
)

func (m Mode) String() string {
	if m == Update {
		return "update"
	}
	return "create"
}

// Request is consumed once by Generate.
type Request struct {
	// Intent is the raw user sentence, when the request came from free text.
	Intent string

	Name        string
	Description string
	Mode        Mode

	// Existing is the current source, required in Update mode and embedded
	// verbatim in the prompt.
	Existing []byte
}

// Result is the outcome of a generation. An invalid result is not an
// error: the model answered, the answer failed the contract.
type Result struct {
	Name   string
	Source []byte
	Valid  bool
	Reason string

	// Unit is the parsed unit when Valid.
	Unit *units.Unit
}

// Gateway produces unit source.
type Gateway interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// Completer is the slice of the LLM client the gateway needs.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userMessage string) (string, error)
}

const systemPrompt = "You are an expert at writing Jarvis capability units in HCL. " +
	"Generate only the unit source, with no markdown formatting or explanations."

//go:embed prompt.tmpl
var promptText string

var promptTmpl = template.Must(template.New("prompt").Funcs(template.FuncMap{
	"join": func(sep string, items []string) string { return strings.Join(items, sep) },
}).Parse(promptText))

// LLMGateway generates units through a chat completion model.
type LLMGateway struct {
	client  Completer
	timeout time.Duration
	logger  *slog.Logger
}

// NewLLMGateway wraps client; timeout <= 0 uses DefaultTimeout.
func NewLLMGateway(client Completer, timeout time.Duration, logger *slog.Logger) *LLMGateway {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &LLMGateway{client: client, timeout: timeout, logger: logger.With("component", "generator")}
}

// Generate asks the model for a unit and checks the answer locally.
// Transport failures come back as faults.KindTransport with a Timeout or
// Unavailable subkind; content failures come back as an invalid Result.
func (g *LLMGateway) Generate(ctx context.Context, req Request) (Result, error) {
	const op = "generator.generate"
	name, err := checkRequest(req)
	if err != nil {
		return Result{}, err
	}

	prompt, err := BuildPrompt(req)
	if err != nil {
		return Result{}, fmt.Errorf("building prompt: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	raw, err := g.client.Complete(ctx, systemPrompt, prompt)
	if err != nil {
		sub := faults.Unavailable
		if llm.ClassifyError(err) == llm.ErrorTimeout || ctx.Err() != nil {
			sub = faults.Timeout
		}
		g.logger.Warn("generation failed", "unit", name, "mode", req.Mode.String(), "kind", sub, "error", err)
		return Result{}, faults.Transport(op, sub, err)
	}

	res := Check(name, []byte(raw))
	g.logger.Info("unit generated",
		"unit", name,
		"mode", req.Mode.String(),
		"valid", res.Valid,
		"bytes", len(res.Source),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// Check applies the validity contract to raw model output: fences are
// stripped, then the source must parse as a complete unit.
func Check(name string, raw []byte) Result {
	src := append([]byte(nil), units.StripFences(raw)...)
	res := Result{Name: units.NormalizeName(name), Source: src}
	u, err := units.Parse(name, src)
	if err != nil {
		res.Reason = faults.Reason(err)
		return res
	}
	res.Valid, res.Unit = true, u
	return res
}

// BuildPrompt renders the generation prompt for req.
func BuildPrompt(req Request) (string, error) {
	example := ""
	if entries, err := catalog.Defaults(); err == nil {
		for _, e := range entries {
			if e.Name == "note" {
				example = strings.TrimSpace(string(e.Source))
			}
		}
	}

	data := struct {
		Name, Description, Intent, Existing, Example string
		Functions, Actions, Services                 []string
	}{
		Name:        units.NormalizeName(req.Name),
		Description: strings.TrimSpace(req.Description),
		Intent:      strings.TrimSpace(req.Intent),
		Example:     example,
		Functions:   units.FunctionNames(),
		Actions:     units.ActionTypes(),
		Services:    units.ServiceKeys,
	}
	if req.Mode == Update {
		data.Existing = string(req.Existing)
	}

	var b strings.Builder
	if err := promptTmpl.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

func checkRequest(req Request) (string, error) {
	const op = "generator.generate"
	name := units.NormalizeName(req.Name)
	if name == "" {
		return "", faults.Validation(op, "", "unit name is required")
	}
	if req.Mode == Update && len(bytes.TrimSpace(req.Existing)) == 0 {
		return "", faults.Validation(op, name, "update needs the existing source")
	}
	return name, nil
}

// ---------- Static ----------

// Static returns canned source, for tests and offline use. Sources is keyed
// by normalized unit name; Default answers any other name.
type Static struct {
	Sources map[string][]byte
	Default []byte

	// Err, when set, is returned instead of a result.
	Err error

	mu       sync.Mutex
	requests []Request
}

// Requests returns a copy of every request served so far.
func (s *Static) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

func (s *Static) Generate(ctx context.Context, req Request) (Result, error) {
	name, err := checkRequest(req)
	if err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		sub := faults.Unavailable
		if errors.Is(err, context.DeadlineExceeded) {
			sub = faults.Timeout
		}
		return Result{}, faults.Transport("generator.generate", sub, err)
	}
	if s.Err != nil {
		return Result{}, s.Err
	}
	src, ok := s.Sources[name]
	if !ok {
		src = s.Default
	}
	if src == nil {
		return Result{}, faults.Transport("generator.generate", faults.Unavailable, fmt.Errorf("no canned source for %s", name))
	}
	return Check(name, src), nil
}
