package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playok/fitalert/internal/config"
)

func TestPidFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fitalert.pid")
	require.NoError(t, writePidFile(path, 4242))

	pid, err := readPidFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)
}

func TestReadPidFileRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	_, err := readPidFile(filepath.Join(dir, "missing.pid"))
	assert.Error(t, err)

	path := filepath.Join(dir, "bad.pid")
	require.NoError(t, writePidFile(path, -3))
	_, err = readPidFile(path)
	assert.Error(t, err)
}

func TestBuildForwardFlags(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ConfigPath = "/etc/fitalert/config.yaml"
	assert.Equal(t, []string{"-config", "/etc/fitalert/config.yaml"}, buildForwardFlags(cfg))
}

func TestNginxConfigUsesBasePath(t *testing.T) {
	out := nginxConfig("/ops/alerts", "127.0.0.1:9924")
	assert.Contains(t, out, "location /ops/alerts/ {")
	assert.Contains(t, out, "proxy_pass         http://127.0.0.1:9924/;")
	assert.NotContains(t, out, "using \"/fitalert\" as example")

	out = nginxConfig("/", "127.0.0.1:9924")
	assert.Contains(t, out, "location /fitalert/ {")
	assert.Contains(t, out, `base_path: "/fitalert"`)
}
