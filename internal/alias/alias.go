// Package alias implements the session alias registry (spec.md §4.4): a
// human-chosen name mapped to a session key, durable via internal/store,
// with single-hop resolution and filesystem symlink mirroring for the RPC
// layer's {alias}.alias -> {sha1(sessionKey)}.sock convention.
package alias

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/micic-mihajlo/talonbot-sub000/internal/model"
	"github.com/micic-mihajlo/talonbot-sub000/internal/talonerr"
)

var validAlias = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Normalize lowercases and trims an alias candidate the same way for every
// caller, so "Runbook" and "runbook" always collide.
func Normalize(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// Valid reports whether a normalized alias is an acceptable name.
func Valid(normalized string) bool {
	return validAlias.MatchString(normalized)
}

// aliasReadWriter is the subset of *store.Store the registry needs,
// expressed as an interface so tests can fake it without a real filesystem.
type aliasReadWriter interface {
	ReadAliasMap() (map[string]model.SessionAlias, error)
	WriteAliasMap(map[string]model.SessionAlias) error
}

// Registry is the in-process alias table, backed by durable storage and
// mirrored as filesystem symlinks for socket discovery.
type Registry struct {
	store   aliasReadWriter
	sockDir string // directory holding per-session .sock files and .alias symlinks
}

// New creates a Registry backed by store, mirroring symlinks into sockDir.
// sockDir may be empty, in which case symlink mirroring is skipped (tests,
// or deployments that resolve purely by session key).
func New(store aliasReadWriter, sockDir string) *Registry {
	return &Registry{store: store, sockDir: sockDir}
}

func (r *Registry) socketPath(sessionKey string) string {
	return filepath.Join(r.sockDir, socketFileName(sessionKey))
}

func (r *Registry) aliasLinkPath(alias string) string {
	return filepath.Join(r.sockDir, alias+".alias")
}

// Set creates or repoints an alias to sessionKey. The normalized alias must
// pass Valid.
func (r *Registry) Set(rawAlias, sessionKey string) (model.SessionAlias, error) {
	normalized := Normalize(rawAlias)
	if !Valid(normalized) {
		return model.SessionAlias{}, talonerr.ErrInvalidAlias
	}

	m, err := r.store.ReadAliasMap()
	if err != nil {
		return model.SessionAlias{}, err
	}
	sa := model.SessionAlias{Alias: normalized, SessionKey: sessionKey, CreatedAt: time.Now().UTC()}
	if existing, ok := m[normalized]; ok {
		sa.CreatedAt = existing.CreatedAt
	}
	m[normalized] = sa
	if err := r.store.WriteAliasMap(m); err != nil {
		return model.SessionAlias{}, err
	}
	r.mirrorSymlink(normalized, sessionKey)
	return sa, nil
}

// Remove deletes an alias. Removing an alias that doesn't exist is a no-op,
// not an error.
func (r *Registry) Remove(rawAlias string) error {
	normalized := Normalize(rawAlias)
	m, err := r.store.ReadAliasMap()
	if err != nil {
		return err
	}
	if _, ok := m[normalized]; !ok {
		return nil
	}
	delete(m, normalized)
	if err := r.store.WriteAliasMap(m); err != nil {
		return err
	}
	if r.sockDir != "" {
		_ = os.Remove(r.aliasLinkPath(normalized))
	}
	return nil
}

// Resolve looks up an alias and returns the session key it points at.
func (r *Registry) Resolve(rawAlias string) (string, error) {
	normalized := Normalize(rawAlias)
	m, err := r.store.ReadAliasMap()
	if err != nil {
		return "", err
	}
	sa, ok := m[normalized]
	if !ok {
		return "", talonerr.ErrAliasNotFound
	}
	return sa.SessionKey, nil
}

// List returns every alias, sorted by name for deterministic output.
func (r *Registry) List() ([]model.SessionAlias, error) {
	m, err := r.store.ReadAliasMap()
	if err != nil {
		return nil, err
	}
	out := make([]model.SessionAlias, 0, len(m))
	for _, sa := range m {
		out = append(out, sa)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out, nil
}

// AliasesForSession returns every alias currently pointing at sessionKey.
func (r *Registry) AliasesForSession(sessionKey string) ([]string, error) {
	m, err := r.store.ReadAliasMap()
	if err != nil {
		return nil, err
	}
	var out []string
	for name, sa := range m {
		if sa.SessionKey == sessionKey {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// mirrorSymlink best-effort (re)creates the {alias}.alias -> {sock} symlink.
// Failures are swallowed: the durable alias map in the store remains the
// source of truth, and socket discovery falls back to direct resolution.
func (r *Registry) mirrorSymlink(normalized, sessionKey string) {
	if r.sockDir == "" {
		return
	}
	link := r.aliasLinkPath(normalized)
	_ = os.Remove(link)
	_ = os.Symlink(r.socketPath(sessionKey), link)
}

// socketFileName is exported as a free function too so rpcserver can derive
// the same name independently without importing this package's Registry.
func socketFileName(sessionKey string) string {
	return fmt.Sprintf("%s.sock", shortHash(sessionKey))
}
