// Package repo implements the repository registry the Task Orchestrator
// and Worktree Manager resolve repo IDs through (spec.md §4.9's "resolve
// repo (explicit id or registry default)"): a static map of repo ID to
// local checkout path and default branch, loaded once at startup from
// configuration.
package repo

import (
	"github.com/micic-mihajlo/talonbot-sub000/internal/config"
	"github.com/micic-mihajlo/talonbot-sub000/internal/talonerr"
)

// entry is one registered repository.
type entry struct {
	path          string
	defaultBranch string
}

// Registry resolves repo IDs to checkout paths, satisfying both
// orchestrator.RepoRegistry and worktree.RepoSource.
type Registry struct {
	repos      map[string]entry
	defaultID  string
	hasDefault bool
}

// New builds a Registry from configuration's repos map and default_repo_id.
func New(repos map[string]config.RepoConfig, defaultRepoID string) *Registry {
	r := &Registry{repos: make(map[string]entry, len(repos))}
	for id, rc := range repos {
		branch := rc.DefaultBranch
		if branch == "" {
			branch = "main"
		}
		r.repos[id] = entry{path: rc.Path, defaultBranch: branch}
	}
	if defaultRepoID != "" {
		if _, ok := r.repos[defaultRepoID]; ok {
			r.defaultID = defaultRepoID
			r.hasDefault = true
		}
	}
	return r
}

// RepoPath returns the local checkout path for repoID.
func (r *Registry) RepoPath(repoID string) (string, error) {
	e, ok := r.repos[repoID]
	if !ok {
		return "", talonerr.ErrRepoNotFound
	}
	return e.path, nil
}

// DefaultBranch returns the configured default branch for repoID, or
// "main" if the repo isn't registered (callers that reach here already
// validated the repo via RepoPath/DefaultRepoID).
func (r *Registry) DefaultBranch(repoID string) string {
	if e, ok := r.repos[repoID]; ok {
		return e.defaultBranch
	}
	return "main"
}

// DefaultRepoID returns the configured default repo ID, if any is set and
// registered.
func (r *Registry) DefaultRepoID() (string, bool) {
	return r.defaultID, r.hasDefault
}
