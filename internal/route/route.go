// Package route derives the deterministic session key for an inbound
// message (spec.md §4.3). It holds no state.
package route

import (
	"regexp"

	"github.com/micic-mihajlo/talonbot-sub000/internal/model"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func sanitize(s string) string {
	return unsafeChars.ReplaceAllString(s, "_")
}

// FromMessage derives a NormalizedRoute from an InboundMessage. Missing
// thread defaults to "main".
func FromMessage(m model.InboundMessage) model.Route {
	channel := sanitize(m.ChannelID)
	thread := m.ThreadID
	if thread == "" {
		thread = "main"
	} else {
		thread = sanitize(thread)
	}
	r := model.Route{
		Source:  m.Source,
		Channel: channel,
		Thread:  thread,
	}
	r.SessionKey = string(m.Source) + ":" + channel + ":" + thread
	return r
}
