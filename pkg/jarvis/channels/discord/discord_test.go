package discord

import (
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/jarvis/pkg/jarvis/channels"
)

func TestConvert(t *testing.T) {
	t.Parallel()

	d := New(Config{AllowedChannels: []string{"c1"}}, nil)
	author := &discordgo.User{ID: "u1", Username: "ana"}

	tests := []struct {
		name    string
		msg     *discordgo.Message
		want    channels.MessageType
		dropped bool
	}{
		{
			name: "text",
			msg:  &discordgo.Message{ID: "m1", ChannelID: "c1", Author: author, Content: "/help"},
			want: channels.MessageText,
		},
		{
			name:    "other channel",
			msg:     &discordgo.Message{ID: "m2", ChannelID: "c2", Author: author, Content: "/help"},
			dropped: true,
		},
		{
			name: "voice attachment",
			msg: &discordgo.Message{ID: "m3", ChannelID: "c1", Author: author, Attachments: []*discordgo.MessageAttachment{
				{URL: "https://cdn/voice.ogg", ContentType: "audio/ogg", Filename: "voice.ogg"},
			}},
			want: channels.MessageAudio,
		},
		{
			name:    "own message",
			msg:     &discordgo.Message{ID: "m5", ChannelID: "c1", Author: &discordgo.User{ID: "bot"}, Content: "hi"},
			dropped: true,
		},
		{
			name:    "empty",
			msg:     &discordgo.Message{ID: "m4", ChannelID: "c1", Author: author},
			dropped: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.convert(tt.msg, "bot")
			if tt.dropped {
				if got != nil {
					t.Fatalf("expected message to be dropped, got %+v", got)
				}
				return
			}
			if got == nil {
				t.Fatal("message dropped")
			}
			if got.Type != tt.want || got.Channel != "discord" || got.ChatID != "c1" {
				t.Errorf("got %+v", got)
			}
		})
	}
}

func TestConvertMentions(t *testing.T) {
	t.Parallel()

	d := New(Config{RequireMention: true}, nil)
	author := &discordgo.User{ID: "u1", Username: "ana", GlobalName: "Ana"}

	got := d.convert(&discordgo.Message{ID: "m1", GuildID: "g", ChannelID: "c", Author: author, Content: "<@!bot> /weather Lisbon"}, "bot")
	if got == nil || got.Content != "/weather Lisbon" || got.FromName != "Ana" {
		t.Fatalf("mentioned message = %+v", got)
	}

	if got := d.convert(&discordgo.Message{ID: "m2", GuildID: "g", ChannelID: "c", Author: author, Content: "just chatting"}, "bot"); got != nil {
		t.Errorf("unmentioned guild chatter should be ignored, got %+v", got)
	}
	if got := d.convert(&discordgo.Message{ID: "m3", GuildID: "g", ChannelID: "c", Author: author, Content: "/help"}, "bot"); got == nil {
		t.Error("commands in guilds should pass without a mention")
	}
	if got := d.convert(&discordgo.Message{ID: "m4", ChannelID: "dm", Author: author, Content: "hello"}, "bot"); got == nil {
		t.Error("direct messages should always pass")
	}
}

func TestSplitMessage(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("x", 2500)
	chunks := splitMessage(text, maxMessageLen)
	if len(chunks) != 2 || len(chunks[0]) != maxMessageLen {
		t.Fatalf("chunks = %d (%d)", len(chunks), len(chunks[0]))
	}
}
