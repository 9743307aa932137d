package assistant

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/jarvis/pkg/jarvis/channels"
	"github.com/jholhewres/jarvis/pkg/jarvis/config"
	"github.com/jholhewres/jarvis/pkg/jarvis/generator"
)

const pingUnit = `description = "Connectivity check"

register {
  command "ping" {
    reply = "pong"
  }
}
`

type memChannel struct {
	in chan *channels.IncomingMessage

	mu   sync.Mutex
	sent []*channels.OutgoingMessage
	up   bool
}

func (m *memChannel) Name() string { return "mem" }
func (m *memChannel) Connect(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.up = true
	return nil
}
func (m *memChannel) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.up = false
	return nil
}
func (m *memChannel) Send(_ context.Context, _ string, msg *channels.OutgoingMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return nil
}
func (m *memChannel) Receive() <-chan *channels.IncomingMessage { return m.in }
func (m *memChannel) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.up
}
func (m *memChannel) Health() channels.HealthStatus {
	return channels.HealthStatus{Connected: m.IsConnected()}
}

func (m *memChannel) waitFor(t *testing.T, n int) []*channels.OutgoingMessage {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		if len(m.sent) >= n {
			out := append([]*channels.OutgoingMessage(nil), m.sent...)
			m.mu.Unlock()
			return out
		}
		m.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d replies", n)
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Units.Dir = filepath.Join(dir, "units")
	cfg.Units.Seed = false
	cfg.Database.Path = filepath.Join(dir, "data", "jarvis.db")
	return cfg
}

func TestAssistantRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	if err := os.MkdirAll(cfg.Units.Dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfg.Units.Dir, "ping.hcl"), []byte(pingUnit), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch := &memChannel{in: make(chan *channels.IncomingMessage, 4)}
	if err := a.ChannelManager().Register(ch); err != nil {
		t.Fatal(err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer a.Stop()

	ch.in <- &channels.IncomingMessage{ID: "m1", Channel: "mem", ChatID: "c1", Type: channels.MessageText, Content: "/ping"}
	sent := ch.waitFor(t, 1)
	if sent[0].Content != "pong" || sent[0].ReplyTo != "m1" {
		t.Errorf("reply = %+v", sent[0])
	}

	ch.in <- &channels.IncomingMessage{ID: "m2", Channel: "mem", ChatID: "c1", Type: channels.MessageText, Content: "blah blah"}
	sent = ch.waitFor(t, 2)
	if !strings.Contains(sent[1].Content, "did not understand") {
		t.Errorf("fallback reply = %q", sent[1].Content)
	}
}

func TestAssistantAddUnitPersists(t *testing.T) {
	cfg := testConfig(t)
	gen := &generator.Static{Sources: map[string][]byte{"ping": []byte(pingUnit)}}

	a, err := New(cfg, nil, WithGenerator(gen))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Stop()

	if _, err := a.LoadUnits(context.Background()); err != nil {
		t.Fatalf("LoadUnits: %v", err)
	}
	if _, err := a.Pipeline().Generate(context.Background(), generator.Request{Name: "ping", Description: "reply pong"}); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(cfg.Units.Dir, "ping.hcl"))
	if err != nil || string(data) != pingUnit {
		t.Errorf("stored unit = %q, %v", data, err)
	}
	if _, ok := a.Registry().Get("ping"); !ok {
		t.Error("ping not registered")
	}
}

func TestLoadUnitsSeedsDefaults(t *testing.T) {
	cfg := testConfig(t)
	cfg.Units.Seed = true

	a, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Stop()

	report, err := a.LoadUnits(context.Background())
	if err != nil {
		t.Fatalf("LoadUnits: %v", err)
	}
	if len(report.Loaded)+len(report.Failed) == 0 {
		t.Fatal("no default units were seeded")
	}
	names, _ := a.Store().List(context.Background())
	if len(names) == 0 {
		t.Error("store is empty after seeding")
	}
}
