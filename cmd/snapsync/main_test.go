package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eth2030/snapsync/core/rawdb"
	"github.com/eth2030/snapsync/sync"
)

func TestRun_DevSnapSync(t *testing.T) {
	dir := t.TempDir()
	code := run([]string{"--datadir", dir, "--dev.accounts", "200", "--dev.peers", "3", "--log.level", "error"})
	require.Zero(t, code)

	// The staging database keeps the completed checkpoint.
	db, err := rawdb.Open(filepath.Join(dir, "staging"), 0, 0)
	require.NoError(t, err)
	defer db.Close()
	cp, err := sync.LoadCheckpoint(db)
	require.NoError(t, err)
	require.Equal(t, sync.PhaseDone, cp.Phase)
	require.Equal(t, uint64(devHeadBlock), cp.Block)
}

func TestRun_FullMode(t *testing.T) {
	code := run([]string{"--datadir", t.TempDir(), "--mode", "full", "--log.level", "error"})
	require.Zero(t, code)
}

func TestRun_NoPeers(t *testing.T) {
	code := run([]string{"--datadir", t.TempDir(), "--log.level", "error"})
	require.Equal(t, 1, code)
}

func TestRun_InvalidConfig(t *testing.T) {
	require.Equal(t, 2, run([]string{"--datadir", t.TempDir(), "--mode", "light"}))
	require.Equal(t, 2, run([]string{"--config", filepath.Join(t.TempDir(), "missing.toml")}))
	require.Equal(t, 2, run([]string{"--dev.peers", "0"}))
}

func TestRun_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapsync.yaml")
	content := "datadir: " + filepath.Join(dir, "data") + "\nsync_mode: full\nlog_level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	require.Zero(t, run([]string{"--config", path}))
	_, err := os.Stat(filepath.Join(dir, "data", "staging"))
	require.NoError(t, err)
}

func TestRun_DatadirLocked(t *testing.T) {
	dir := t.TempDir()
	db, err := rawdb.Open(filepath.Join(dir, "staging"), 0, 0)
	require.NoError(t, err)
	defer db.Close()

	require.Equal(t, 1, run([]string{"--datadir", dir, "--mode", "full", "--log.level", "error"}))
}

func TestRun_Version(t *testing.T) {
	require.Zero(t, run([]string{"--version"}))
}
