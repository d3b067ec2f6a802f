package route

import (
	"testing"

	"github.com/micic-mihajlo/talonbot-sub000/internal/model"
	"github.com/stretchr/testify/require"
)

func TestFromMessage_DefaultsThreadToMain(t *testing.T) {
	r := FromMessage(model.InboundMessage{
		Source:    model.SourceSlack,
		ChannelID: "eng",
	})
	require.Equal(t, "slack:eng:main", r.SessionKey)
}

func TestFromMessage_SanitizesUnsafeChars(t *testing.T) {
	r := FromMessage(model.InboundMessage{
		Source:    model.SourceDiscord,
		ChannelID: "general chat!",
		ThreadID:  "thread#42",
	})
	require.Equal(t, "discord:general_chat_:thread_42", r.SessionKey)
}

func TestFromMessage_IsPure(t *testing.T) {
	m := model.InboundMessage{Source: model.SourceSocket, ChannelID: "a", ThreadID: "b"}
	r1 := FromMessage(m)
	r2 := FromMessage(m)
	require.Equal(t, r1, r2)
}
