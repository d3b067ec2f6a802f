package channels

import (
	"context"

	"github.com/micic-mihajlo/talonbot-sub000/internal/model"
	"github.com/micic-mihajlo/talonbot-sub000/internal/session"
)

// Channel defines the interface for a messaging platform integration.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening for messages. It should block until the context is canceled or a fatal error occurs.
	Start(ctx context.Context) error
}

// Dispatcher is the control plane's inbound entry point, as each channel
// adapter sees it. Satisfied by *controlplane.ControlPlane; channels never
// import internal/controlplane directly so they stay testable against a
// fake.
type Dispatcher interface {
	Dispatch(ctx context.Context, m model.InboundMessage, reply session.ReplyFunc) model.DispatchResult
}
