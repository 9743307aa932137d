// Package channels defines the transport surface of the assistant. Each
// chat platform implements Channel; the Manager aggregates their inbound
// messages into one stream and routes replies back.
package channels

import (
	"context"
	"errors"
	"time"
)

// MessageType identifies the kind of message content.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageAudio    MessageType = "audio"
	MessageVideo    MessageType = "video"
	MessageDocument MessageType = "document"
)

// Channel is implemented by every transport.
type Channel interface {
	// Name returns the channel identifier (e.g. "telegram").
	Name() string

	// Connect establishes the connection and starts receiving.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send sends a message to a chat.
	Send(ctx context.Context, to string, message *OutgoingMessage) error

	// Receive returns the stream of incoming messages.
	Receive() <-chan *IncomingMessage

	IsConnected() bool
	Health() HealthStatus
}

// MediaChannel is a Channel that can fetch attachments, e.g. voice notes.
type MediaChannel interface {
	Channel

	// DownloadMedia returns the raw bytes and MIME type of msg's attachment.
	DownloadMedia(ctx context.Context, msg *IncomingMessage) ([]byte, string, error)
}

// IncomingMessage is a message received from any channel.
type IncomingMessage struct {
	// ID is the message identifier in the source channel.
	ID string

	// Channel names the source channel.
	Channel string

	// From is the sender identifier on the platform.
	From string

	// FromName is the sender display name, if known.
	FromName string

	// ChatID identifies the conversation replies go to.
	ChatID string

	IsGroup bool
	Type    MessageType

	// Content is the text of the message (or the media caption).
	Content string

	Timestamp time.Time

	// Media describes the attachment, if any.
	Media *MediaInfo
}

// IsVoice reports whether the message carries a voice note or audio clip.
func (m *IncomingMessage) IsVoice() bool {
	return m.Type == MessageAudio && m.Media != nil
}

// OutgoingMessage is a message to be sent through a channel.
type OutgoingMessage struct {
	Content string

	// ReplyTo is the platform ID of the message being answered.
	ReplyTo string
}

// MediaInfo describes media attached to an incoming message.
type MediaInfo struct {
	Type     MessageType
	MimeType string
	Filename string
	FileSize uint64

	// Duration is the length in seconds (audio/video).
	Duration uint32

	// URL is a download URL or a platform file reference.
	URL string
}

// HealthStatus is the health of a channel.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
	Details       map[string]any
}

var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrChannelNotFound     = errors.New("channel not found")
	ErrMediaDownloadFailed = errors.New("failed to download media")
)
