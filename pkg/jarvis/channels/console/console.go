// Package console implements a local terminal channel on chzyer/readline,
// used by `jarvis chat` to talk to the assistant without a chat platform.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/uuid"

	"github.com/jholhewres/jarvis/pkg/jarvis/channels"
)

const (
	// ChannelName is the console channel's name.
	ChannelName = "console"

	// ChatID is the single conversation the console serves.
	ChatID = "local"
)

// Config configures the console channel.
type Config struct {
	Prompt string

	// HistoryFile persists input history between sessions ("" disables).
	HistoryFile string

	// Sender is reported as the message author.
	Sender string

	// Stdin and Stdout override the terminal (tests).
	Stdin  io.ReadCloser
	Stdout io.Writer
}

// Console implements channels.Channel over a readline REPL.
type Console struct {
	cfg    Config
	logger *slog.Logger

	rl       *readline.Instance
	messages chan *channels.IncomingMessage

	connected atomic.Bool
	lastMsg   atomic.Value // time.Time

	writeMu sync.Mutex
	done    chan struct{}
}

// New creates a console channel.
func New(cfg Config, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prompt == "" {
		cfg.Prompt = "you> "
	}
	if cfg.Sender == "" {
		cfg.Sender = "console"
	}
	return &Console{
		cfg:      cfg,
		logger:   logger.With("component", "console"),
		messages: make(chan *channels.IncomingMessage, 16),
		done:     make(chan struct{}),
	}
}

// Name returns "console".
func (c *Console) Name() string { return ChannelName }

// Connect opens the terminal and starts reading lines.
func (c *Console) Connect(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          c.cfg.Prompt,
		HistoryFile:     c.cfg.HistoryFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdin:           c.cfg.Stdin,
		Stdout:          c.cfg.Stdout,
	})
	if err != nil {
		return fmt.Errorf("console: opening terminal: %w", err)
	}
	c.rl = rl
	c.connected.Store(true)

	go c.readLoop(ctx)
	return nil
}

// Disconnect closes the terminal.
func (c *Console) Disconnect() error {
	if !c.connected.Swap(false) {
		return nil
	}
	return c.rl.Close()
}

// Done is closed when the user ends the session (EOF, ^C or "exit").
func (c *Console) Done() <-chan struct{} { return c.done }

// Send prints a reply above the prompt.
func (c *Console) Send(_ context.Context, _ string, message *channels.OutgoingMessage) error {
	if !c.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := fmt.Fprintf(c.rl.Stdout(), "%s\n", message.Content)
	return err
}

// Receive returns the stream of typed lines.
func (c *Console) Receive() <-chan *channels.IncomingMessage { return c.messages }

// IsConnected reports whether the terminal is open.
func (c *Console) IsConnected() bool { return c.connected.Load() }

// Health returns the channel health status.
func (c *Console) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := c.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{Connected: c.connected.Load(), LastMessageAt: lastAt}
}

func (c *Console) readLoop(ctx context.Context) {
	defer close(c.done)
	for {
		line, err := c.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			c.logger.Warn("console: read failed", "error", err)
			return
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit", "/exit", "/quit":
			return
		}

		c.lastMsg.Store(time.Now())
		msg := &channels.IncomingMessage{
			ID:        uuid.NewString(),
			Channel:   ChannelName,
			From:      c.cfg.Sender,
			FromName:  c.cfg.Sender,
			ChatID:    ChatID,
			Type:      channels.MessageText,
			Content:   line,
			Timestamp: time.Now(),
		}
		select {
		case c.messages <- msg:
		case <-ctx.Done():
			return
		}
	}
}

var _ channels.Channel = (*Console)(nil)
