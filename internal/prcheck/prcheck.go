// Package prcheck verifies that task completion claims referencing a pull
// request actually resolve to an open, real PR (spec.md §4.9's sticky
// no-reply-until-PR-URL invariant): a PR URL is never trusted on the
// model's word alone.
package prcheck

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"
)

// PRURLPattern matches a GitHub pull request URL. Shared by the session
// package's sticky-reply gate and this package's verifier.
var PRURLPattern = regexp.MustCompile(`https://github\.com/[^/\s]+/[^/\s]+/pull/\d+`)

// ExtractPRURL returns the first PR URL found in text, or "" if none.
func ExtractPRURL(text string) string {
	return PRURLPattern.FindString(text)
}

// ExtractPRURLs returns every PR URL found in text, in order of appearance.
// A reply can claim more than one PR; spec.md §4.5/§8 requires every claim
// verified, not just the first.
func ExtractPRURLs(text string) []string {
	return PRURLPattern.FindAllString(text, -1)
}

// Verifier confirms a claimed PR URL actually exists and reports its state.
type Verifier interface {
	Verify(ctx context.Context, prURL string) (Result, error)
}

// Result is the outcome of checking one PR URL.
type Result struct {
	Exists bool
	Open   bool
	Merged bool
}

// GitHubVerifier checks PR existence against the GitHub REST API. It is a
// deliberately thin client: one GET per check, no pagination, no webhook
// subscription — this repo only ever needs a yes/no on one PR at a time.
type GitHubVerifier struct {
	httpClient *http.Client
	token      string
	apiBase    string // overridable in tests; defaults to https://api.github.com
}

// NewGitHubVerifier builds a Verifier. token may be empty for unauthenticated
// (rate-limited) access.
func NewGitHubVerifier(token string) *GitHubVerifier {
	return &GitHubVerifier{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		token:      token,
		apiBase:    "https://api.github.com",
	}
}

var prURLParts = regexp.MustCompile(`^https://github\.com/([^/\s]+)/([^/\s]+)/pull/(\d+)$`)

// Verify fetches the PR's current state from the GitHub API.
func (g *GitHubVerifier) Verify(ctx context.Context, prURL string) (Result, error) {
	m := prURLParts.FindStringSubmatch(prURL)
	if m == nil {
		return Result{}, fmt.Errorf("prcheck: %q is not a recognizable PR URL", prURL)
	}
	owner, repo, number := m[1], m[2], m[3]
	apiURL := fmt.Sprintf("%s/repos/%s/%s/pulls/%s", g.apiBase, owner, repo, number)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("prcheck: build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("prcheck: request %s: %w", apiURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Result{Exists: false}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("prcheck: unexpected status %d from %s", resp.StatusCode, apiURL)
	}

	var body struct {
		State  string `json:"state"`
		Merged bool   `json:"merged"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Result{}, fmt.Errorf("prcheck: decode response: %w", err)
	}
	return Result{
		Exists: true,
		Open:   body.State == "open",
		Merged: body.Merged,
	}, nil
}

// FakeVerifier is a deterministic in-memory Verifier for tests.
type FakeVerifier struct {
	Results map[string]Result
	Err     error
}

// Verify returns the configured canned Result for prURL, or a not-found
// zero Result if unconfigured.
func (f *FakeVerifier) Verify(ctx context.Context, prURL string) (Result, error) {
	if f.Err != nil {
		return Result{}, f.Err
	}
	if r, ok := f.Results[prURL]; ok {
		return r, nil
	}
	return Result{Exists: false}, nil
}
