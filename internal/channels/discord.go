package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/micic-mihajlo/talonbot-sub000/internal/model"
)

// DiscordChannel implements the Channel interface for Discord, mirroring
// TelegramChannel's allowlist-then-Dispatch shape over discordgo's
// gateway session instead of long-polling.
type DiscordChannel struct {
	token        string
	allowedGuild string
	allowedUsers map[string]struct{}
	dispatcher   Dispatcher
	logger       *slog.Logger
	session      *discordgo.Session
}

// NewDiscordChannel creates a new Discord channel. An empty allowedGuild
// accepts messages from any guild; an empty allowedUsers list accepts
// messages from any user.
func NewDiscordChannel(token, allowedGuild string, allowedUsers []string, dispatcher Dispatcher, logger *slog.Logger) *DiscordChannel {
	allowed := make(map[string]struct{}, len(allowedUsers))
	for _, id := range allowedUsers {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscordChannel{
		token:        token,
		allowedGuild: allowedGuild,
		allowedUsers: allowed,
		dispatcher:   dispatcher,
		logger:       logger,
	}
}

func (d *DiscordChannel) Name() string {
	return "discord"
}

func (d *DiscordChannel) Start(ctx context.Context) error {
	sess, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session init failed: %w", err)
	}
	sess.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages

	sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		d.handleMessage(ctx, m)
	})

	if err := sess.Open(); err != nil {
		return fmt.Errorf("discord gateway open failed: %w", err)
	}
	d.session = sess
	d.logger.Info("discord bot started", "user", sess.State.User.Username)

	<-ctx.Done()
	if err := sess.Close(); err != nil {
		d.logger.Warn("discord session close error", "error", err)
	}
	return nil
}

func (d *DiscordChannel) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if d.session != nil && m.Author.ID == d.session.State.User.ID {
		return
	}
	if d.allowedGuild != "" && m.GuildID != "" && m.GuildID != d.allowedGuild {
		d.logger.Warn("discord access denied: guild not allowed", "guild_id", m.GuildID)
		return
	}
	if len(d.allowedUsers) > 0 {
		if _, ok := d.allowedUsers[m.Author.ID]; !ok {
			d.logger.Warn("discord access denied: user not allowed", "user_id", m.Author.ID)
			return
		}
	}

	text := strings.TrimSpace(m.Content)
	if text == "" {
		return
	}

	channelID := m.ChannelID
	in := model.InboundMessage{
		ID:         fmt.Sprintf("discord-%s-%s", channelID, m.ID),
		Source:     model.SourceDiscord,
		ChannelID:  channelID,
		SenderID:   m.Author.ID,
		Text:       text,
		ReceivedAt: time.Now().UTC(),
	}

	result := d.dispatcher.Dispatch(ctx, in, func(reply string) error {
		_, err := d.session.ChannelMessageSend(channelID, reply)
		if err != nil {
			d.logger.Error("failed to send discord reply", "error", err)
		}
		return err
	})
	if !result.Accepted && result.Reason != "" && result.Reason != "duplicate" {
		_, _ = d.session.ChannelMessageSend(channelID, fmt.Sprintf("Could not process message: %s", result.Reason))
	}
}
