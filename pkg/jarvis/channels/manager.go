package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Manager connects a set of channels, merges their inbound messages into a
// single stream and routes replies to the channel a message came from.
type Manager struct {
	channels map[string]Channel

	// messages is the aggregated stream of all channels.
	messages chan *IncomingMessage

	logger *slog.Logger

	// listenWg tracks the per-channel forwarding goroutines.
	listenWg sync.WaitGroup

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		channels: make(map[string]Channel),
		messages: make(chan *IncomingMessage, 256),
		logger:   logger.With("component", "channels"),
	}
}

// Register adds a channel. Must be called before Start.
func (m *Manager) Register(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := ch.Name()
	if _, exists := m.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}
	m.channels[name] = ch
	m.logger.Info("channel registered", "channel", name)
	return nil
}

// Start connects every registered channel. Channels that fail to connect
// are logged and skipped; Start fails only when none connected.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.mu.RLock()
	snapshot := make(map[string]Channel, len(m.channels))
	for k, v := range m.channels {
		snapshot[k] = v
	}
	m.mu.RUnlock()

	if len(snapshot) == 0 {
		return errors.New("no channels registered")
	}

	var connected int
	for name, ch := range snapshot {
		if err := ch.Connect(m.ctx); err != nil {
			m.logger.Error("failed to connect channel", "channel", name, "error", err)
			continue
		}
		connected++
		m.logger.Info("channel connected", "channel", name)

		m.listenWg.Add(1)
		go func(c Channel) {
			defer m.listenWg.Done()
			m.listenChannel(c)
		}(ch)
	}

	if connected == 0 {
		return errors.New("no channel connected")
	}
	m.logger.Info("channel manager started", "channels_connected", connected)
	return nil
}

// Stop disconnects all channels and closes the message stream.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.RLock()
	for name, ch := range m.channels {
		if err := ch.Disconnect(); err != nil {
			m.logger.Error("failed to disconnect channel", "channel", name, "error", err)
		}
	}
	m.mu.RUnlock()

	// Forwarders exit on cancel; only then is closing the stream safe.
	m.listenWg.Wait()
	close(m.messages)
	m.logger.Info("channel manager stopped")
}

// Messages returns the aggregated inbound stream.
func (m *Manager) Messages() <-chan *IncomingMessage {
	return m.messages
}

// Send delivers text to a chat on the named channel.
func (m *Manager) Send(ctx context.Context, channelName, to string, msg *OutgoingMessage) error {
	m.mu.RLock()
	ch, exists := m.channels[channelName]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%q: %w", channelName, ErrChannelNotFound)
	}
	if !ch.IsConnected() {
		return fmt.Errorf("%q: %w", channelName, ErrChannelDisconnected)
	}
	return ch.Send(ctx, to, msg)
}

// SendText is Send for a plain text reply. It matches scheduler.Sink.
func (m *Manager) SendText(ctx context.Context, channelName, to, text string) error {
	return m.Send(ctx, channelName, to, &OutgoingMessage{Content: text})
}

// Channel returns a channel by name.
func (m *Manager) Channel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Names returns the registered channel names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for n := range m.channels {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// HealthAll returns the health of every registered channel.
func (m *Manager) HealthAll() map[string]HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make(map[string]HealthStatus, len(m.channels))
	for name, ch := range m.channels {
		statuses[name] = ch.Health()
	}
	return statuses
}

// DownloadMedia fetches msg's attachment through its source channel.
func (m *Manager) DownloadMedia(ctx context.Context, msg *IncomingMessage) ([]byte, string, error) {
	ch, ok := m.Channel(msg.Channel)
	if !ok {
		return nil, "", fmt.Errorf("%q: %w", msg.Channel, ErrChannelNotFound)
	}
	mc, ok := ch.(MediaChannel)
	if !ok {
		return nil, "", fmt.Errorf("%s: %w", msg.Channel, ErrMediaDownloadFailed)
	}
	return mc.DownloadMedia(ctx, msg)
}

func (m *Manager) listenChannel(ch Channel) {
	in := ch.Receive()
	for {
		select {
		case <-m.ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			select {
			case m.messages <- msg:
			case <-m.ctx.Done():
				return
			}
		}
	}
}
