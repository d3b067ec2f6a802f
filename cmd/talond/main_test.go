package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunStatusCommand_EmptyStoreIsOK(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TALOND_HOME", home)

	code := runStatusCommand([]string{"-json"})
	require.Equal(t, 0, code)
}

func TestRunDoctorCommand_TextOutput(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TALOND_HOME", home)

	code := runDoctorCommand(context.Background(), nil)
	require.NotEqual(t, 2, code)
}

func TestRunDoctorCommand_JSONOutput(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TALOND_HOME", home)

	code := runDoctorCommand(context.Background(), []string{"-json"})
	require.NotEqual(t, 2, code)
}

func TestRunDoctorCommand_WarnsOnMissingEngine(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TALOND_HOME", home)

	// No engine.bin_path configured: doctor should warn, not fail.
	code := runDoctorCommand(context.Background(), nil)
	require.Equal(t, 0, code)
}

func TestCollectWorktrees_MissingRootIsNotAnError(t *testing.T) {
	infos, err := collectWorktrees(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	require.Nil(t, infos)
}

func TestCollectWorktrees_ListsDirectoriesOnly(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "repo-task1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray-file"), []byte("x"), 0o644))

	infos, err := collectWorktrees(root)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, filepath.Join(root, "repo-task1"), infos[0].Path)
	require.WithinDuration(t, time.Now(), infos[0].ModTime, time.Minute)
}

func TestCheckStatus(t *testing.T) {
	require.Equal(t, "OK", checkStatus(true))
	require.Equal(t, "FAIL", checkStatus(false))
}

func TestErrString(t *testing.T) {
	require.Equal(t, "", errString(nil))
	require.Equal(t, "boom", errString(errBoom{}))
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }
