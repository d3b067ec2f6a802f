package alias

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/micic-mihajlo/talonbot-sub000/internal/store"
	"github.com/micic-mihajlo/talonbot-sub000/internal/talonerr"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	dataDir := t.TempDir()
	s, err := store.Open(dataDir)
	require.NoError(t, err)
	sockDir := filepath.Join(dataDir, "session-control")
	require.NoError(t, os.MkdirAll(sockDir, 0o755))
	return New(s, sockDir), sockDir
}

func TestNormalize_CaseAndWhitespaceInsensitive(t *testing.T) {
	require.Equal(t, "runbook", Normalize("  Runbook  "))
}

func TestSetResolveRemove_RoundTrip(t *testing.T) {
	r, _ := newRegistry(t)
	_, err := r.Set("Runbook", "slack:eng:main")
	require.NoError(t, err)

	key, err := r.Resolve("runbook")
	require.NoError(t, err)
	require.Equal(t, "slack:eng:main", key)

	require.NoError(t, r.Remove("runbook"))
	_, err = r.Resolve("runbook")
	require.ErrorIs(t, err, talonerr.ErrAliasNotFound)
}

func TestSet_RejectsInvalidAlias(t *testing.T) {
	r, _ := newRegistry(t)
	_, err := r.Set("not valid!", "slack:eng:main")
	require.ErrorIs(t, err, talonerr.ErrInvalidAlias)
}

func TestSet_PreservesCreatedAtOnRepoint(t *testing.T) {
	r, _ := newRegistry(t)
	first, err := r.Set("runbook", "slack:eng:main")
	require.NoError(t, err)

	second, err := r.Set("runbook", "slack:eng:other")
	require.NoError(t, err)
	require.Equal(t, first.CreatedAt, second.CreatedAt)
	require.Equal(t, "slack:eng:other", second.SessionKey)
}

func TestSet_MirrorsSymlink(t *testing.T) {
	r, sockDir := newRegistry(t)
	_, err := r.Set("runbook", "slack:eng:main")
	require.NoError(t, err)

	link := filepath.Join(sockDir, "runbook.alias")
	info, err := os.Lstat(link)
	require.NoError(t, err)
	require.True(t, info.Mode()&os.ModeSymlink != 0)

	target, err := os.Readlink(link)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(sockDir, SocketFileName("slack:eng:main")), target)
}

func TestAliasesForSession_FiltersByKey(t *testing.T) {
	r, _ := newRegistry(t)
	_, err := r.Set("runbook", "slack:eng:main")
	require.NoError(t, err)
	_, err = r.Set("oncall", "slack:eng:main")
	require.NoError(t, err)
	_, err = r.Set("other", "slack:ops:main")
	require.NoError(t, err)

	got, err := r.AliasesForSession("slack:eng:main")
	require.NoError(t, err)
	require.Equal(t, []string{"oncall", "runbook"}, got)
}

func TestList_SortedByName(t *testing.T) {
	r, _ := newRegistry(t)
	_, _ = r.Set("zeta", "k1")
	_, _ = r.Set("alpha", "k2")
	list, err := r.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "alpha", list[0].Alias)
	require.Equal(t, "zeta", list[1].Alias)
}
