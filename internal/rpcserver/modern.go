package rpcserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/micic-mihajlo/talonbot-sub000/internal/model"
)

// modernCommand is the {type, id, sessionKey, ...} shape (spec.md §4.6).
type modernCommand struct {
	Type       string `json:"type"`
	ID         string `json:"id,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
	Message    string `json:"message,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Event      string `json:"event,omitempty"`
	Summarize  *bool  `json:"summarize,omitempty"`
}

type response struct {
	Type    string      `json:"type"`
	Command string      `json:"command,omitempty"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	ID      string      `json:"id,omitempty"`
}

type eventMessage struct {
	Type           string      `json:"type"`
	Event          string      `json:"event"`
	Data           interface{} `json:"data"`
	SubscriptionID string      `json:"subscriptionId"`
}

func (c *connState) handleModern(line []byte, typ string) {
	var cmd modernCommand
	if err := json.Unmarshal(line, &cmd); err != nil {
		c.writeJSON(response{Type: "response", Command: "parse", Success: false, Error: "Failed to parse command"})
		return
	}

	switch typ {
	case "send":
		c.modernSend(cmd)
	case "subscribe":
		c.modernSubscribe(cmd)
	case "get_message":
		c.modernGetMessage(cmd)
	case "get_summary":
		c.modernGetSummary(cmd)
	case "clear":
		c.modernClear(cmd)
	case "abort":
		c.modernAbort(cmd)
	default:
		c.writeJSON(response{Type: "response", Command: typ, ID: cmd.ID, Success: false, Error: fmt.Sprintf("Unsupported command: %s", typ)})
	}
}

// modernSend wraps the command's message in a synthetic InboundMessage and
// enqueues it on this connection's session, reporting "direct" delivery if
// the session was idle at enqueue time (spec.md §4.6's send semantics). A
// "steer" mode aborts whatever is in flight first; the actual assistant
// reply is delivered out-of-band via a turn_end subscription, not as this
// command's response.
func (c *connState) modernSend(cmd modernCommand) {
	sess := c.mgr.sessions.EnsureSession(c.sessionKey)

	wasIdle := sess.IsIdle()
	mode := cmd.Mode
	if mode == "" {
		mode = "follow_up"
	}
	if mode == "steer" {
		sess.Abort()
	}

	msg := model.InboundMessage{
		ID:         cmd.ID,
		Source:     model.SourceSocket,
		SenderID:   "rpc",
		Text:       cmd.Message,
		ReceivedAt: time.Now().UTC(),
	}
	if msg.ID == "" {
		msg.ID = newEventID()
	}

	if err := sess.Enqueue(context.Background(), msg, nil); err != nil {
		c.writeJSON(response{Type: "response", Command: "send", ID: cmd.ID, Success: false, Error: err.Error()})
		return
	}

	deliveredMode := mode
	if wasIdle {
		deliveredMode = "direct"
	}
	c.writeJSON(response{Type: "response", Command: "send", ID: cmd.ID, Success: true, Data: map[string]interface{}{
		"delivered": true,
		"mode":      deliveredMode,
	}})
}

// modernSubscribe registers this connection for exactly one future
// turn_end event on its session, then auto-unsubscribes (spec.md §4.6:
// "single next turn_end event"). Many connections may subscribe
// concurrently; each sees its own next turn.
func (c *connState) modernSubscribe(cmd modernCommand) {
	if cmd.Event != "turn_end" {
		c.writeJSON(response{Type: "response", Command: "subscribe", ID: cmd.ID, Success: false, Error: fmt.Sprintf("Unsupported event: %s", cmd.Event)})
		return
	}
	subID := newEventID()
	sub := c.mgr.bus.Subscribe(bus.TopicSessionTurnEnd)
	c.addSub(subID, sub)

	go func() {
		for ev := range sub.Ch() {
			te, ok := ev.Payload.(model.TurnEndEvent)
			if !ok || te.SessionKey != c.sessionKey {
				continue
			}
			c.removeSub(subID)
			c.mgr.bus.Unsubscribe(sub)
			c.writeJSON(eventMessage{Type: "event", Event: "turn_end", Data: te, SubscriptionID: subID})
			return
		}
	}()

	c.writeJSON(response{Type: "response", Command: "subscribe", ID: cmd.ID, Success: true, Data: map[string]interface{}{"subscriptionId": subID}})
}

func (c *connState) modernGetMessage(cmd modernCommand) {
	sess := c.mgr.sessions.EnsureSession(c.sessionKey)
	entry, ok := sess.GetLastAssistantMessage()
	if !ok {
		c.writeJSON(response{Type: "response", Command: "get_message", ID: cmd.ID, Success: true, Data: nil})
		return
	}
	c.writeJSON(response{Type: "response", Command: "get_message", ID: cmd.ID, Success: true, Data: entry.Text})
}

func (c *connState) modernGetSummary(cmd modernCommand) {
	sess := c.mgr.sessions.EnsureSession(c.sessionKey)
	summary, err := sess.GetSummary(context.Background())
	if err != nil {
		c.writeJSON(response{Type: "response", Command: "get_summary", ID: cmd.ID, Success: false, Error: err.Error()})
		return
	}
	c.writeJSON(response{Type: "response", Command: "get_summary", ID: cmd.ID, Success: true, Data: summary})
}

func (c *connState) modernClear(cmd modernCommand) {
	sess := c.mgr.sessions.EnsureSession(c.sessionKey)
	summarize := cmd.Summarize != nil && *cmd.Summarize
	if err := sess.Clear(summarize); err != nil {
		c.writeJSON(response{Type: "response", Command: "clear", ID: cmd.ID, Success: false, Error: err.Error()})
		return
	}
	c.writeJSON(response{Type: "response", Command: "clear", ID: cmd.ID, Success: true, Data: map[string]interface{}{
		"cleared":       true,
		"alreadyAtRoot": true,
		"targetId":      "root",
	}})
}

func (c *connState) modernAbort(cmd modernCommand) {
	sess := c.mgr.sessions.EnsureSession(c.sessionKey)
	aborted := sess.Abort()
	c.writeJSON(response{Type: "response", Command: "abort", ID: cmd.ID, Success: true, Data: map[string]interface{}{"aborted": aborted}})
}
