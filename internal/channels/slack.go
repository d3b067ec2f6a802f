package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/micic-mihajlo/talonbot-sub000/internal/model"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

// SlackChannel implements the Channel interface for Slack over Socket
// Mode, mirroring the allowlist-then-Dispatch shape of the other channel
// adapters.
type SlackChannel struct {
	botToken     string
	appToken     string
	allowedUsers map[string]struct{}
	dispatcher   Dispatcher
	logger       *slog.Logger

	api    *slack.Client
	client *socketmode.Client
}

// NewSlackChannel creates a new Slack Socket Mode channel. An empty
// allowedUsers list accepts messages from any user.
func NewSlackChannel(botToken, appToken string, allowedUsers []string, dispatcher Dispatcher, logger *slog.Logger) *SlackChannel {
	allowed := make(map[string]struct{}, len(allowedUsers))
	for _, id := range allowedUsers {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackChannel{
		botToken:     botToken,
		appToken:     appToken,
		allowedUsers: allowed,
		dispatcher:   dispatcher,
		logger:       logger,
	}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func (s *SlackChannel) Start(ctx context.Context) error {
	s.api = slack.New(s.botToken, slack.OptionAppLevelToken(s.appToken))
	s.client = socketmode.New(s.api)

	go s.handleEvents(ctx)

	if err := s.client.RunContext(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("slack socket mode run failed: %w", err)
	}
	return nil
}

func (s *SlackChannel) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-s.client.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				s.client.Ack(*evt.Request)
				s.handleEventsAPI(ctx, eventsAPIEvent)
			}
		}
	}
}

func (s *SlackChannel) handleEventsAPI(ctx context.Context, ev slackevents.EventsAPIEvent) {
	if ev.Type != slackevents.CallbackEvent {
		return
	}
	msgEvent, ok := ev.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	if msgEvent.BotID != "" || msgEvent.SubType != "" {
		return
	}
	if len(s.allowedUsers) > 0 {
		if _, allowed := s.allowedUsers[msgEvent.User]; !allowed {
			s.logger.Warn("slack access denied: user not allowed", "user_id", msgEvent.User)
			return
		}
	}

	text := strings.TrimSpace(msgEvent.Text)
	if text == "" {
		return
	}

	channelID := msgEvent.Channel
	in := model.InboundMessage{
		ID:         fmt.Sprintf("slack-%s-%s", channelID, msgEvent.TimeStamp),
		Source:     model.SourceSlack,
		ChannelID:  channelID,
		ThreadID:   msgEvent.ThreadTimeStamp,
		SenderID:   msgEvent.User,
		Text:       text,
		ReceivedAt: time.Now().UTC(),
	}

	result := s.dispatcher.Dispatch(ctx, in, func(reply string) error {
		_, _, err := s.api.PostMessage(channelID, slack.MsgOptionText(reply, false))
		if err != nil {
			s.logger.Error("failed to send slack reply", "error", err)
		}
		return err
	})
	if !result.Accepted && result.Reason != "" && result.Reason != "duplicate" {
		_, _, _ = s.api.PostMessage(channelID, slack.MsgOptionText(fmt.Sprintf("Could not process message: %s", result.Reason), false))
	}
}
