// Package telegram implements the Telegram channel on the Bot API over
// plain HTTP: getUpdates long polling, sendMessage replies and getFile
// downloads for voice notes.
package telegram

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jholhewres/jarvis/pkg/jarvis/channels"
)

// DefaultAPIURL is the public Bot API endpoint.
const DefaultAPIURL = "https://api.telegram.org"

// maxMessageLen is the Bot API limit for one text message.
const maxMessageLen = 4096

// Config holds Telegram channel configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Token is the Bot API token (from @BotFather).
	Token string `yaml:"token"`

	// AllowedChats restricts the bot to these chat IDs. Empty allows all.
	AllowedChats []string `yaml:"allowed_chats"`

	// PollTimeout is the getUpdates long-polling timeout.
	PollTimeout time.Duration `yaml:"poll_timeout"`

	// APIURL overrides the Bot API base (local bot servers, tests).
	APIURL string `yaml:"api_url"`
}

// Telegram implements channels.MediaChannel.
type Telegram struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client

	apiURL string

	messages chan *channels.IncomingMessage

	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	// offset is the last processed update ID + 1. Owned by pollLoop.
	offset int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Telegram channel.
func New(cfg Config, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &Telegram{
		cfg:      cfg,
		logger:   logger.With("component", "telegram"),
		client:   &http.Client{Timeout: cfg.PollTimeout + 30*time.Second},
		apiURL:   apiURL,
		messages: make(chan *channels.IncomingMessage, 256),
	}
}

// Name returns "telegram".
func (t *Telegram) Name() string { return "telegram" }

// Connect verifies the token and starts the polling loop.
func (t *Telegram) Connect(ctx context.Context) error {
	if t.cfg.Token == "" {
		return errors.New("telegram: bot token is required")
	}
	if t.connected.Load() {
		return nil
	}

	t.ctx, t.cancel = context.WithCancel(ctx)

	me, err := botCall[tgUser](t.ctx, t, "getMe", nil)
	if err != nil {
		t.cancel()
		return fmt.Errorf("telegram: verifying token: %w", err)
	}
	t.logger.Info("connected", "bot", me.Username, "id", me.ID)
	t.connected.Store(true)

	t.done = make(chan struct{})
	go t.pollLoop()
	return nil
}

// Disconnect stops polling and waits for the loop to exit.
func (t *Telegram) Disconnect() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.done != nil {
		<-t.done
	}
	t.connected.Store(false)
	t.logger.Info("disconnected")
	return nil
}

// Send sends text to a chat, split at the Bot API length limit.
func (t *Telegram) Send(ctx context.Context, to string, message *channels.OutgoingMessage) error {
	if !t.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat ID %q: %w", to, err)
	}

	for i, chunk := range splitMessage(message.Content, maxMessageLen) {
		params := sendParams{ChatID: chatID, Text: chunk}
		if i == 0 && message.ReplyTo != "" {
			if id, err := strconv.ParseInt(message.ReplyTo, 10, 64); err == nil {
				params.ReplyTo = &replyParams{MessageID: id, AllowSendingWithoutReply: true}
			}
		}
		if _, err := botCall[json.RawMessage](ctx, t, "sendMessage", params); err != nil {
			return err
		}
	}
	return nil
}

// Receive returns the incoming messages channel.
func (t *Telegram) Receive() <-chan *channels.IncomingMessage { return t.messages }

// IsConnected returns true while polling.
func (t *Telegram) IsConnected() bool { return t.connected.Load() }

// Health returns the channel health status.
func (t *Telegram) Health() channels.HealthStatus {
	var lastAt time.Time
	if v := t.lastMsg.Load(); v != nil {
		lastAt = v.(time.Time)
	}
	return channels.HealthStatus{
		Connected:     t.connected.Load(),
		LastMessageAt: lastAt,
		ErrorCount:    int(t.errorCount.Load()),
	}
}

// DownloadMedia fetches an attachment through getFile. msg.Media.URL holds
// the Bot API file_id.
func (t *Telegram) DownloadMedia(ctx context.Context, msg *channels.IncomingMessage) ([]byte, string, error) {
	if msg.Media == nil || msg.Media.URL == "" {
		return nil, "", channels.ErrMediaDownloadFailed
	}

	file, err := botCall[tgFile](ctx, t, "getFile", map[string]string{"file_id": msg.Media.URL})
	if err != nil {
		return nil, "", err
	}

	data, err := channels.Fetch(ctx, t.client, fmt.Sprintf("%s/file/bot%s/%s", t.apiURL, t.cfg.Token, file.FilePath))
	if err != nil {
		return nil, "", fmt.Errorf("telegram: %w", err)
	}
	return data, cmp.Or(msg.Media.MimeType, "audio/ogg"), nil
}

// ---------- Polling ----------

func (t *Telegram) pollLoop() {
	defer close(t.done)
	t.logger.Info("polling started")
	backoff := time.Second

	for {
		if t.ctx.Err() != nil {
			t.logger.Info("polling stopped")
			return
		}

		updates, err := botCall[[]tgUpdate](t.ctx, t, "getUpdates", updatesParams{
			Offset:         t.offset,
			Limit:          100,
			Timeout:        int(t.cfg.PollTimeout / time.Second),
			AllowedUpdates: []string{"message"},
		})
		if err != nil {
			if t.ctx.Err() != nil {
				continue
			}
			t.errorCount.Add(1)
			t.logger.Warn("getUpdates failed", "error", err, "backoff", backoff)
			select {
			case <-t.ctx.Done():
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}

		backoff = time.Second
		t.errorCount.Store(0)

		for _, u := range updates {
			if u.UpdateID >= t.offset {
				t.offset = u.UpdateID + 1
			}
			t.processUpdate(u)
		}
	}
}

func (t *Telegram) allowed(chatID int64) bool {
	if len(t.cfg.AllowedChats) == 0 {
		return true
	}
	id := strconv.FormatInt(chatID, 10)
	for _, c := range t.cfg.AllowedChats {
		if strings.TrimSpace(c) == id {
			return true
		}
	}
	return false
}

// processUpdate forwards one update to the message channel.
func (t *Telegram) processUpdate(u tgUpdate) {
	incoming, ok := toIncoming(u.Message)
	if !ok {
		return
	}
	if !t.allowed(u.Message.Chat.ID) {
		t.logger.Debug("chat not allowed", "chat_id", incoming.ChatID)
		return
	}
	t.lastMsg.Store(time.Now())

	select {
	case t.messages <- incoming:
	default:
		t.logger.Warn("message buffer full, dropping message", "msg_id", incoming.ID)
	}
}

// toIncoming maps a Bot API message to an IncomingMessage. Messages from
// bots and messages with neither text nor audio are skipped.
func toIncoming(m *tgMessage) (*channels.IncomingMessage, bool) {
	if m == nil || (m.From != nil && m.From.IsBot) {
		return nil, false
	}

	in := &channels.IncomingMessage{
		ID:        strconv.Itoa(m.MessageID),
		Channel:   "telegram",
		ChatID:    strconv.FormatInt(m.Chat.ID, 10),
		IsGroup:   m.Chat.Type == "group" || m.Chat.Type == "supergroup",
		Type:      channels.MessageText,
		Content:   cmp.Or(m.Text, m.Caption),
		Timestamp: time.Unix(m.Date, 0),
	}
	if u := m.From; u != nil {
		in.From = strconv.FormatInt(u.ID, 10)
		in.FromName = cmp.Or(strings.TrimSpace(u.FirstName+" "+u.LastName), u.Username)
	}

	if a := cmp.Or(m.Voice, m.Audio); a != nil {
		in.Type = channels.MessageAudio
		in.Media = &channels.MediaInfo{
			Type:     channels.MessageAudio,
			URL:      a.FileID,
			MimeType: a.MimeType,
			FileSize: uint64(a.FileSize),
			Duration: uint32(a.Duration),
		}
		return in, true
	}
	return in, in.Content != ""
}

// ---------- Bot API ----------

type tgUpdate struct {
	UpdateID int64      `json:"update_id"`
	Message  *tgMessage `json:"message"`
}

type tgMessage struct {
	MessageID int      `json:"message_id"`
	From      *tgUser  `json:"from"`
	Chat      tgChat   `json:"chat"`
	Date      int64    `json:"date"`
	Text      string   `json:"text"`
	Caption   string   `json:"caption"`
	Audio     *tgAudio `json:"audio"`
	Voice     *tgAudio `json:"voice"`
}

type tgUser struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

type tgChat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

type tgAudio struct {
	FileID   string `json:"file_id"`
	Duration int    `json:"duration"`
	MimeType string `json:"mime_type"`
	FileSize int    `json:"file_size"`
}

type tgFile struct {
	FilePath string `json:"file_path"`
}

// botCall invokes a Bot API method and decodes its result into T.
func botCall[T any](ctx context.Context, t *Telegram, method string, params any) (T, error) {
	var zero T

	var body io.Reader = http.NoBody
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return zero, fmt.Errorf("telegram: encoding %s: %w", method, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint(method), body)
	if err != nil {
		return zero, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return zero, fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
		Result      T      `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return zero, fmt.Errorf("telegram: %s: HTTP %d: %w", method, resp.StatusCode, err)
	}
	if !envelope.OK {
		return zero, fmt.Errorf("telegram: %s: %s", method, envelope.Description)
	}
	return envelope.Result, nil
}

func (t *Telegram) endpoint(method string) string {
	return t.apiURL + "/bot" + t.cfg.Token + "/" + method
}

type sendParams struct {
	ChatID  int64        `json:"chat_id"`
	Text    string       `json:"text"`
	ReplyTo *replyParams `json:"reply_parameters,omitempty"`
}

type replyParams struct {
	MessageID                int64 `json:"message_id"`
	AllowSendingWithoutReply bool  `json:"allow_sending_without_reply"`
}

type updatesParams struct {
	Offset         int64    `json:"offset"`
	Limit          int      `json:"limit"`
	Timeout        int      `json:"timeout"`
	AllowedUpdates []string `json:"allowed_updates"`
}

// splitMessage splits text into chunks of at most maxLen bytes, preferring
// newline boundaries and never cutting inside a UTF-8 sequence.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8Start(text[cut]) {
			cut--
		}
		if idx := strings.LastIndex(text[:cut], "\n"); idx > cut/2 {
			cut = idx + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }

var _ channels.MediaChannel = (*Telegram)(nil)
