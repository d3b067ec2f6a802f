package controlplane

import (
	"fmt"
	"strings"

	"github.com/micic-mihajlo/talonbot-sub000/internal/model"
	"github.com/micic-mihajlo/talonbot-sub000/internal/session"
)

// tryDispatchCommand recognizes the "!"/"/" command verbs (spec.md §4.6
// step 5: stop, status, alias, help) and runs the matching handler. It
// reports handled=false for anything that doesn't parse to a recognized
// verb, so the caller falls through to normal session/task dispatch.
func (cp *ControlPlane) tryDispatchCommand(r model.Route, text string, reply session.ReplyFunc) (model.DispatchResult, bool) {
	if !strings.HasPrefix(text, "!") && !strings.HasPrefix(text, "/") {
		return model.DispatchResult{}, false
	}
	verb, rest := splitCommand(text[1:])
	switch verb {
	case "stop":
		cp.handleStop(r, rest, reply)
	case "status":
		cp.handleStatus(r, rest, reply)
	case "alias":
		cp.handleAlias(r, rest, reply)
	case "help", "h":
		cp.handleHelp(reply)
	default:
		return model.DispatchResult{}, false
	}
	return model.DispatchResult{Accepted: true, Reason: "command", SessionKey: r.SessionKey}, true
}

// splitCommand splits "verb rest of line" on the first run of whitespace,
// lowercasing the verb.
func splitCommand(s string) (verb, rest string) {
	s = strings.TrimLeft(s, " \t")
	idx := strings.IndexAny(s, " \t")
	if idx < 0 {
		return strings.ToLower(s), ""
	}
	return strings.ToLower(s[:idx]), strings.TrimSpace(s[idx:])
}

// resolveTarget resolves a command's optional target argument: an alias if
// one matches, otherwise the raw string itself (treated as a literal
// session key), falling back to the current route's session key when no
// target was given at all (spec.md §4.6: "falls back to the current
// route").
func (cp *ControlPlane) resolveTarget(raw, current string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return current
	}
	if key, err := cp.aliases.Resolve(raw); err == nil {
		return key
	}
	return raw
}

func reply(r session.ReplyFunc, text string) {
	if r != nil {
		_ = r(text)
	}
}

func (cp *ControlPlane) handleStop(r model.Route, rest string, rf session.ReplyFunc) {
	key := cp.resolveTarget(rest, r.SessionKey)
	s, ok := cp.Session(key)
	if !ok {
		reply(rf, fmt.Sprintf("No active session for %s.", key))
		return
	}
	s.Stop()
	reply(rf, fmt.Sprintf("Stopped session %s.", key))
}

func (cp *ControlPlane) handleStatus(r model.Route, rest string, rf session.ReplyFunc) {
	key := cp.resolveTarget(rest, r.SessionKey)
	s, ok := cp.Session(key)
	if !ok {
		reply(rf, fmt.Sprintf("No active session for %s.", key))
		return
	}
	state := "idle"
	if !s.IsIdle() {
		state = "running"
	}
	reply(rf, fmt.Sprintf("Session %s is %s.", key, state))
}

func (cp *ControlPlane) handleAlias(r model.Route, rest string, rf session.ReplyFunc) {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		reply(rf, "Usage: !alias set|add|remove|rm|delete|list|ls|resolve <name>")
		return
	}
	sub := strings.ToLower(fields[0])
	args := fields[1:]

	switch sub {
	case "set", "add":
		if len(args) == 0 {
			reply(rf, "Usage: !alias set <name>")
			return
		}
		target := r.SessionKey
		if len(args) > 1 {
			target = cp.resolveTarget(args[1], r.SessionKey)
		}
		if _, err := cp.aliases.Set(args[0], target); err != nil {
			reply(rf, "Could not set alias: "+err.Error())
			return
		}
		reply(rf, fmt.Sprintf("Alias %q now points to %s.", args[0], target))

	case "remove", "rm", "delete":
		if len(args) == 0 {
			reply(rf, "Usage: !alias remove <name>")
			return
		}
		if err := cp.aliases.Remove(args[0]); err != nil {
			reply(rf, "Could not remove alias: "+err.Error())
			return
		}
		reply(rf, fmt.Sprintf("Alias %q removed.", args[0]))

	case "list", "ls":
		all, err := cp.aliases.List()
		if err != nil {
			reply(rf, "Could not list aliases: "+err.Error())
			return
		}
		if len(all) == 0 {
			reply(rf, "No aliases registered.")
			return
		}
		var b strings.Builder
		for _, sa := range all {
			fmt.Fprintf(&b, "%s => %s\n", sa.Alias, sa.SessionKey)
		}
		reply(rf, strings.TrimRight(b.String(), "\n"))

	case "resolve":
		if len(args) == 0 {
			reply(rf, "Usage: !alias resolve <name>")
			return
		}
		key, err := cp.aliases.Resolve(args[0])
		if err != nil {
			reply(rf, fmt.Sprintf("No such alias: %s", args[0]))
			return
		}
		reply(rf, fmt.Sprintf("%s => %s", args[0], key))

	default:
		reply(rf, fmt.Sprintf("Unknown alias subcommand: %s", sub))
	}
}

func (cp *ControlPlane) handleHelp(rf session.ReplyFunc) {
	reply(rf, strings.Join([]string{
		"Commands:",
		"!stop [target] - stop a session",
		"!status [target] - report a session's state",
		"!alias set|add|remove|rm|delete|list|ls|resolve <name> [target] - manage session aliases",
		"!help|!h - show this message",
	}, "\n"))
}
