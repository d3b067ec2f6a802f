package channels

import (
	"context"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/micic-mihajlo/talonbot-sub000/internal/model"
	"github.com/micic-mihajlo/talonbot-sub000/internal/session"
	"github.com/stretchr/testify/require"
)

// recordingDispatcher captures the InboundMessage it was handed without
// invoking the reply callback, so these tests don't need a live bot.
type recordingDispatcher struct {
	received *model.InboundMessage
}

func (r *recordingDispatcher) Dispatch(_ context.Context, m model.InboundMessage, _ session.ReplyFunc) model.DispatchResult {
	r.received = &m
	return model.DispatchResult{Accepted: true, SessionKey: "telegram:chat:main"}
}

func TestHandleMessage_DispatchesWithTelegramSource(t *testing.T) {
	disp := &recordingDispatcher{}
	ch := NewTelegramChannel("tok", []int64{42}, disp, nil)

	msg := &tgbotapi.Message{
		MessageID: 7,
		From:      &tgbotapi.User{ID: 42, UserName: "alice"},
		Chat:      &tgbotapi.Chat{ID: 99},
		Text:      "hello there",
	}
	ch.handleMessage(context.Background(), msg)

	require.NotNil(t, disp.received)
	require.Equal(t, model.SourceTelegram, disp.received.Source)
	require.Equal(t, "hello there", disp.received.Text)
	require.Equal(t, "99", disp.received.ChannelID)
	require.Equal(t, "42", disp.received.SenderID)
}

func TestHandleMessage_BlankTextSkipsDispatch(t *testing.T) {
	disp := &recordingDispatcher{}
	ch := NewTelegramChannel("tok", []int64{42}, disp, nil)

	msg := &tgbotapi.Message{
		MessageID: 1,
		From:      &tgbotapi.User{ID: 42},
		Chat:      &tgbotapi.Chat{ID: 1},
		Text:      "   ",
	}
	ch.handleMessage(context.Background(), msg)
	require.Nil(t, disp.received)
}

func TestPollUpdates_ReturnsNilOnContextCancel(t *testing.T) {
	ch := NewTelegramChannel("tok", nil, &recordingDispatcher{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	updates := make(chan tgbotapi.Update)
	err := ch.pollUpdates(ctx, updates)
	require.NoError(t, err)
}

func TestPollUpdates_ErrorsOnClosedChannel(t *testing.T) {
	ch := NewTelegramChannel("tok", nil, &recordingDispatcher{}, nil)
	updates := make(chan tgbotapi.Update)
	close(updates)

	err := ch.pollUpdates(context.Background(), updates)
	require.Error(t, err)
}

func TestPollUpdates_SkipsDisallowedSender(t *testing.T) {
	disp := &recordingDispatcher{}
	ch := NewTelegramChannel("tok", []int64{1}, disp, nil)

	updates := make(chan tgbotapi.Update, 1)
	updates <- tgbotapi.Update{Message: &tgbotapi.Message{
		From: &tgbotapi.User{ID: 999},
		Chat: &tgbotapi.Chat{ID: 1},
		Text: "hi",
	}}
	close(updates)

	err := ch.pollUpdates(context.Background(), updates)
	require.Error(t, err) // channel closed after the one update
	require.Nil(t, disp.received)
}

func TestPollUpdates_ReturnsNilWhenContextExpires(t *testing.T) {
	ch := NewTelegramChannel("tok", nil, &recordingDispatcher{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	updates := make(chan tgbotapi.Update)
	err := ch.pollUpdates(ctx, updates)
	require.NoError(t, err)
}
