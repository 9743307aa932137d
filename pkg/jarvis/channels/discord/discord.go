// Package discord implements the Discord channel using discordgo.
package discord

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/jarvis/pkg/jarvis/channels"
)

// maxMessageLen is Discord's per-message character limit.
const maxMessageLen = 2000

// Config holds Discord channel configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Token is the Discord bot token.
	Token string `yaml:"token"`

	// AllowedChannels restricts which channel IDs the bot responds in.
	// Empty means respond in all channels.
	AllowedChannels []string `yaml:"allowed_channels"`

	// RequireMention makes the bot ignore guild messages that neither
	// mention it nor start with "/". Direct messages are always handled.
	RequireMention bool `yaml:"require_mention"`
}

// Discord implements channels.MediaChannel.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	messages chan *channels.IncomingMessage

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	// httpClient downloads attachments.
	httpClient *http.Client
}

// New creates a Discord channel.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:        cfg,
		logger:     logger.With("component", "discord"),
		messages:   make(chan *channels.IncomingMessage, 256),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect opens the gateway WebSocket connection.
func (d *Discord) Connect(_ context.Context) error {
	if d.cfg.Token == "" {
		return errors.New("discord: bot token is required")
	}

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}

	d.session = session
	d.connected.Store(true)

	user := session.State.User
	d.logger.Info("connected", "bot", user.Username, "id", user.ID)
	return nil
}

// Disconnect closes the gateway connection.
func (d *Discord) Disconnect() error {
	d.connected.Store(false)
	if d.session != nil {
		if err := d.session.Close(); err != nil {
			return fmt.Errorf("discord: closing session: %w", err)
		}
	}
	d.logger.Info("disconnected")
	return nil
}

// Send sends text to a channel, split at the message length limit.
func (d *Discord) Send(_ context.Context, to string, message *channels.OutgoingMessage) error {
	if d.session == nil || !d.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	for i, chunk := range splitMessage(message.Content, maxMessageLen) {
		msgSend := &discordgo.MessageSend{Content: chunk}
		if i == 0 && message.ReplyTo != "" {
			msgSend.Reference = &discordgo.MessageReference{MessageID: message.ReplyTo, ChannelID: to}
		}
		if _, err := d.session.ChannelMessageSendComplex(to, msgSend); err != nil {
			d.errorCount.Add(1)
			return fmt.Errorf("discord: sending message: %w", err)
		}
	}
	return nil
}

// Receive returns the incoming messages channel.
func (d *Discord) Receive() <-chan *channels.IncomingMessage { return d.messages }

// IsConnected returns true if the gateway is open.
func (d *Discord) IsConnected() bool { return d.connected.Load() }

// Health returns the channel health status.
func (d *Discord) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := d.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     d.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(d.errorCount.Load()),
	}
}

// DownloadMedia downloads an attachment from its CDN URL.
func (d *Discord) DownloadMedia(ctx context.Context, msg *channels.IncomingMessage) ([]byte, string, error) {
	if msg.Media == nil || msg.Media.URL == "" {
		return nil, "", channels.ErrMediaDownloadFailed
	}
	data, err := channels.Fetch(ctx, d.httpClient, msg.Media.URL)
	if err != nil {
		return nil, "", fmt.Errorf("discord: %w", err)
	}
	return data, msg.Media.MimeType, nil
}

func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	botID := ""
	if s.State != nil && s.State.User != nil {
		botID = s.State.User.ID
	}
	incoming := d.convert(m.Message, botID)
	if incoming == nil {
		return
	}
	d.lastMsg.Store(time.Now())
	select {
	case d.messages <- incoming:
	default:
		d.logger.Warn("message buffer full, dropping message", "msg_id", incoming.ID)
	}
}

// convert maps a Discord message to an IncomingMessage, or nil when the
// message is filtered out or carries nothing usable. Mentions of the bot
// are stripped so "@Jarvis /weather Lisbon" parses as a command.
func (d *Discord) convert(m *discordgo.Message, botID string) *channels.IncomingMessage {
	if m.Author != nil && botID != "" && m.Author.ID == botID {
		return nil
	}
	if len(d.cfg.AllowedChannels) > 0 && !slices.Contains(d.cfg.AllowedChannels, m.ChannelID) {
		return nil
	}

	content, mentioned := stripMention(m.Content, botID)
	guild := m.GuildID != ""
	if guild && d.cfg.RequireMention && !mentioned && !strings.HasPrefix(content, "/") {
		return nil
	}

	in := &channels.IncomingMessage{
		ID:        m.ID,
		Channel:   "discord",
		ChatID:    m.ChannelID,
		IsGroup:   guild,
		Type:      channels.MessageText,
		Content:   content,
		Timestamp: m.Timestamp,
	}
	if m.Author != nil {
		in.From = m.Author.ID
		in.FromName = cmp.Or(m.Author.GlobalName, m.Author.Username)
	}

	if i := slices.IndexFunc(m.Attachments, isAudio); i >= 0 {
		att := m.Attachments[i]
		in.Type = channels.MessageAudio
		in.Media = &channels.MediaInfo{
			Type:     channels.MessageAudio,
			URL:      att.URL,
			MimeType: att.ContentType,
			FileSize: uint64(att.Size),
			Filename: att.Filename,
		}
		return in
	}
	if content == "" {
		return nil
	}
	return in
}

func isAudio(a *discordgo.MessageAttachment) bool {
	return strings.HasPrefix(strings.ToLower(a.ContentType), "audio/")
}

// stripMention removes <@id> and <@!id> mentions of the bot.
func stripMention(content, botID string) (string, bool) {
	if botID == "" {
		return strings.TrimSpace(content), false
	}
	mentioned := false
	for _, tag := range []string{"<@" + botID + ">", "<@!" + botID + ">"} {
		if strings.Contains(content, tag) {
			mentioned = true
			content = strings.ReplaceAll(content, tag, "")
		}
	}
	return strings.TrimSpace(content), mentioned
}

// splitMessage splits text into rune-safe chunks of at most maxLen runes,
// preferring newline boundaries.
func splitMessage(text string, maxLen int) []string {
	runes := []rune(text)
	if len(runes) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(runes) > maxLen {
		cut := maxLen
		for i := maxLen - 1; i > maxLen/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

var _ channels.MediaChannel = (*Discord)(nil)
