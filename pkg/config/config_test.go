package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	opt, err := Load(nil)
	require.NoError(t, err)
	require.Equal(t, "wrpc", opt.AppName)
	require.True(t, opt.WorkerUseTCP)
}

func TestLoadCLIOverlay(t *testing.T) {
	opt, err := Load([]string{"--worker-name=kitty", "--worker-listen-port=9001"})
	require.NoError(t, err)
	require.Equal(t, "kitty", opt.WorkerName)
	require.Equal(t, 9001, opt.WorkerListenPort)
}

func TestLoadPropertiesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.conf")
	require.NoError(t, os.WriteFile(path, []byte("# a comment\nworker_name = fromfile\nworker_nice = 5\n"), 0o644))

	opt, err := Load([]string{"--worker-config=" + path})
	require.NoError(t, err)
	require.Equal(t, "fromfile", opt.WorkerName)
	require.Equal(t, 5, opt.WorkerNice)
}

func TestLoadCLIOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worker.conf")
	require.NoError(t, os.WriteFile(path, []byte("worker_name = fromfile\n"), 0o644))

	opt, err := Load([]string{"--worker-config=" + path, "--worker-name=fromcli"})
	require.NoError(t, err)
	require.Equal(t, "fromcli", opt.WorkerName)
}
