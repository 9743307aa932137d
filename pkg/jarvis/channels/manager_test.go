package channels

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeChannel struct {
	name       string
	connectErr error

	mu   sync.Mutex
	sent []string
	in   chan *IncomingMessage
	up   bool
}

func newFake(name string) *fakeChannel {
	return &fakeChannel{name: name, in: make(chan *IncomingMessage, 4)}
}

func (f *fakeChannel) Name() string { return f.name }
func (f *fakeChannel) Connect(context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.up = true
	f.mu.Unlock()
	return nil
}
func (f *fakeChannel) Disconnect() error {
	f.mu.Lock()
	f.up = false
	f.mu.Unlock()
	return nil
}
func (f *fakeChannel) Send(_ context.Context, to string, m *OutgoingMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to+":"+m.Content)
	return nil
}
func (f *fakeChannel) Receive() <-chan *IncomingMessage { return f.in }
func (f *fakeChannel) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.up
}
func (f *fakeChannel) Health() HealthStatus { return HealthStatus{Connected: f.IsConnected()} }

func TestManagerAggregatesAndRoutes(t *testing.T) {
	t.Parallel()

	a, b := newFake("a"), newFake("b")
	b.connectErr = errors.New("boom")

	m := NewManager(nil)
	if err := m.Register(a); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(b); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(newFake("a")); err == nil {
		t.Fatal("duplicate registration should fail")
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	a.in <- &IncomingMessage{Channel: "a", ChatID: "1", Content: "hi"}
	select {
	case msg := <-m.Messages():
		if msg.Content != "hi" {
			t.Errorf("content = %q", msg.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not forwarded")
	}

	if err := m.SendText(context.Background(), "a", "1", "pong"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if err := m.SendText(context.Background(), "b", "1", "pong"); !errors.Is(err, ErrChannelDisconnected) {
		t.Errorf("send on failed channel = %v", err)
	}
	if err := m.SendText(context.Background(), "zzz", "1", "pong"); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("send on unknown channel = %v", err)
	}
	if len(a.sent) != 1 || a.sent[0] != "1:pong" {
		t.Errorf("sent = %v", a.sent)
	}

	health := m.HealthAll()
	if !health["a"].Connected || health["b"].Connected {
		t.Errorf("health = %+v", health)
	}

	m.Stop()
	if _, ok := <-m.Messages(); ok {
		t.Error("message stream should be closed after Stop")
	}
}

func TestManagerStartWithoutChannels(t *testing.T) {
	t.Parallel()
	if err := NewManager(nil).Start(context.Background()); err == nil {
		t.Fatal("expected error with no channels")
	}
}

func TestDownloadMediaRequiresMediaChannel(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	if err := m.Register(newFake("a")); err != nil {
		t.Fatal(err)
	}
	_, _, err := m.DownloadMedia(context.Background(), &IncomingMessage{Channel: "a"})
	if !errors.Is(err, ErrMediaDownloadFailed) {
		t.Fatalf("err = %v", err)
	}
}
