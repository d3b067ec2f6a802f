package rpcserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/micic-mihajlo/talonbot-sub000/internal/audit"
	"github.com/micic-mihajlo/talonbot-sub000/internal/model"
)

// legacyCommand is the action-tagged shape kept bit-exact for on-disk
// tooling (spec.md §4.6, §9). original_source/ carried no surviving file
// for this wire format, so its exact field names are inferred from the
// modern shape rather than recovered verbatim — documented in DESIGN.md.
type legacyCommand struct {
	Action     string `json:"action"`
	ID         string `json:"id,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
	Message    string `json:"message,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Alias      string `json:"alias,omitempty"`
	Target     string `json:"target,omitempty"`
}

type legacyResponse struct {
	Action  string      `json:"action"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	ID      string      `json:"id,omitempty"`
}

func (c *connState) handleLegacy(line []byte, action string) {
	var cmd legacyCommand
	if err := json.Unmarshal(line, &cmd); err != nil {
		c.writeJSON(legacyResponse{Action: "parse", Success: false, Error: "Failed to parse command"})
		return
	}

	switch action {
	case "health":
		c.legacyHealth(cmd)
	case "list":
		c.legacyList(cmd)
	case "stop":
		c.legacyStop(cmd)
	case "send":
		c.legacySend(cmd)
	case "get_message":
		c.legacyGetMessage(cmd)
	case "get_summary":
		c.legacyGetSummary(cmd)
	case "clear":
		c.legacyClear(cmd)
	case "abort":
		c.legacyAbort(cmd)
	case "alias_set":
		c.legacyAliasSet(cmd)
	case "alias_remove":
		c.legacyAliasRemove(cmd)
	case "alias_list":
		c.legacyAliasList(cmd)
	case "alias_resolve":
		c.legacyAliasResolve(cmd)
	default:
		c.writeJSON(legacyResponse{Action: action, ID: cmd.ID, Success: false, Error: fmt.Sprintf("Unsupported command: %s", action)})
	}
}

func (c *connState) legacyHealth(cmd legacyCommand) {
	fingerprint, snap := c.mgr.healthData()
	data := map[string]interface{}{
		"healthy":    true,
		"sessionKey": c.sessionKey,
	}
	if fingerprint != "" {
		data["configFingerprint"] = fingerprint
	}
	if snap != nil {
		data["healthy"] = snap.Status == "ok"
		data["status"] = snap.Status
		data["metrics"] = snap.Metrics
		data["issues"] = snap.Issues
	}
	c.writeJSON(legacyResponse{Action: "health", ID: cmd.ID, Success: true, Data: data})
}

func (c *connState) legacyList(cmd legacyCommand) {
	c.writeJSON(legacyResponse{Action: "list", ID: cmd.ID, Success: true, Data: []string{c.sessionKey}})
}

func (c *connState) legacyStop(cmd legacyCommand) {
	sess := c.mgr.sessions.EnsureSession(c.sessionKey)
	sess.Stop()
	c.writeJSON(legacyResponse{Action: "stop", ID: cmd.ID, Success: true})
}

func (c *connState) legacySend(cmd legacyCommand) {
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
		c.writeJSON(legacyResponse{Action: "send", ID: cmd.ID, Success: false, Error: err.Error()})
		return
	}
	deliveredMode := mode
	if wasIdle {
		deliveredMode = "direct"
	}
	c.writeJSON(legacyResponse{Action: "send", ID: cmd.ID, Success: true, Data: map[string]interface{}{
		"delivered": true,
		"mode":      deliveredMode,
	}})
}

func (c *connState) legacyGetMessage(cmd legacyCommand) {
	sess := c.mgr.sessions.EnsureSession(c.sessionKey)
	entry, ok := sess.GetLastAssistantMessage()
	if !ok {
		c.writeJSON(legacyResponse{Action: "get_message", ID: cmd.ID, Success: true, Data: nil})
		return
	}
	c.writeJSON(legacyResponse{Action: "get_message", ID: cmd.ID, Success: true, Data: entry.Text})
}

func (c *connState) legacyGetSummary(cmd legacyCommand) {
	sess := c.mgr.sessions.EnsureSession(c.sessionKey)
	summary, err := sess.GetSummary(context.Background())
	if err != nil {
		c.writeJSON(legacyResponse{Action: "get_summary", ID: cmd.ID, Success: false, Error: err.Error()})
		return
	}
	c.writeJSON(legacyResponse{Action: "get_summary", ID: cmd.ID, Success: true, Data: summary})
}

func (c *connState) legacyClear(cmd legacyCommand) {
	sess := c.mgr.sessions.EnsureSession(c.sessionKey)
	if err := sess.Clear(false); err != nil {
		c.writeJSON(legacyResponse{Action: "clear", ID: cmd.ID, Success: false, Error: err.Error()})
		return
	}
	c.writeJSON(legacyResponse{Action: "clear", ID: cmd.ID, Success: true, Data: map[string]interface{}{
		"cleared":       true,
		"alreadyAtRoot": true,
		"targetId":      "root",
	}})
}

func (c *connState) legacyAbort(cmd legacyCommand) {
	sess := c.mgr.sessions.EnsureSession(c.sessionKey)
	c.writeJSON(legacyResponse{Action: "abort", ID: cmd.ID, Success: true, Data: map[string]interface{}{"aborted": sess.Abort()}})
}

func (c *connState) legacyAliasSet(cmd legacyCommand) {
	if c.mgr.aliases == nil || cmd.Alias == "" {
		c.writeJSON(legacyResponse{Action: "alias_set", ID: cmd.ID, Success: false, Error: "alias name is required"})
		return
	}
	target := cmd.Target
	if target == "" {
		target = c.sessionKey
	}
	sa, err := c.mgr.aliases.Set(cmd.Alias, target)
	if err != nil {
		c.writeJSON(legacyResponse{Action: "alias_set", ID: cmd.ID, Success: false, Error: err.Error()})
		return
	}
	audit.Record(audit.EventAliasSet, cmd.Alias, target)
	c.writeJSON(legacyResponse{Action: "alias_set", ID: cmd.ID, Success: true, Data: sa})
}

func (c *connState) legacyAliasRemove(cmd legacyCommand) {
	if c.mgr.aliases == nil || cmd.Alias == "" {
		c.writeJSON(legacyResponse{Action: "alias_remove", ID: cmd.ID, Success: false, Error: "alias name is required"})
		return
	}
	if err := c.mgr.aliases.Remove(cmd.Alias); err != nil {
		c.writeJSON(legacyResponse{Action: "alias_remove", ID: cmd.ID, Success: false, Error: err.Error()})
		return
	}
	audit.Record(audit.EventAliasRemoved, cmd.Alias, "")
	c.writeJSON(legacyResponse{Action: "alias_remove", ID: cmd.ID, Success: true})
}

func (c *connState) legacyAliasList(cmd legacyCommand) {
	if c.mgr.aliases == nil {
		c.writeJSON(legacyResponse{Action: "alias_list", ID: cmd.ID, Success: true, Data: []string{}})
		return
	}
	all, err := c.mgr.aliases.List()
	if err != nil {
		c.writeJSON(legacyResponse{Action: "alias_list", ID: cmd.ID, Success: false, Error: err.Error()})
		return
	}
	c.writeJSON(legacyResponse{Action: "alias_list", ID: cmd.ID, Success: true, Data: all})
}

func (c *connState) legacyAliasResolve(cmd legacyCommand) {
	if c.mgr.aliases == nil || cmd.Alias == "" {
		c.writeJSON(legacyResponse{Action: "alias_resolve", ID: cmd.ID, Success: false, Error: "alias name is required"})
		return
	}
	key, err := c.mgr.aliases.Resolve(cmd.Alias)
	if err != nil {
		c.writeJSON(legacyResponse{Action: "alias_resolve", ID: cmd.ID, Success: false, Error: err.Error()})
		return
	}
	c.writeJSON(legacyResponse{Action: "alias_resolve", ID: cmd.ID, Success: true, Data: key})
}
