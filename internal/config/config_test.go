package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServerConfigAppliesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := ParseServerConfig([]byte("nodePath: /opt/node/bin/node\nattachTimeout: 30s\n"))
	require.NoError(t, err)
	assert.Equal(t, "/opt/node/bin/node", cfg.NodePath)
	assert.Equal(t, 30*time.Second, cfg.AttachTimeout)
	assert.Equal(t, DefaultAttachRetryInterval, cfg.AttachRetryInterval)
	assert.Equal(t, DefaultLaunchTimeout, cfg.LaunchTimeout)
	assert.Equal(t, int64(DefaultMaxWebSocketMessageSize), cfg.MaxWebSocketMessageSize)
	assert.NotEmpty(t, cfg.WebRoot)
}

func TestParseServerConfigRejectsMalformedDocument(t *testing.T) {
	t.Parallel()

	_, err := ParseServerConfig([]byte("attachTimeout: [1, 2"))
	assert.Error(t, err)
}

func TestLoadServerConfigWithoutPath(t *testing.T) {
	t.Parallel()

	cfg, err := LoadServerConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultNodePath, cfg.NodePath)
}

func TestDecodeLaunchParams(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{"program":"app.js","args":["--x"],"stopOnEntry":true,"port":9229}`)
	params, err := DecodeLaunchParams(RequestAttach, raw)
	require.NoError(t, err)
	assert.Equal(t, RequestAttach, params.Request)
	assert.Equal(t, "app.js", params.Program)
	assert.Equal(t, []string{"--x"}, params.Args)
	assert.True(t, params.StopOnEntry)
	assert.Equal(t, 9229, params.Port)
	assert.Equal(t, "127.0.0.1", params.Address)

	_, err = DecodeLaunchParams(RequestLaunch, json.RawMessage(`{"program":1}`))
	assert.ErrorIs(t, err, ErrInvalidLaunchParams)
}

func TestResolveEnvExplicitValuesWin(t *testing.T) {
	t.Parallel()

	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("A=from-file\nB=from-file\n"), 0o600))

	params := &LaunchParams{EnvFile: envFile, Env: map[string]string{"B": "explicit"}}
	env, err := params.ResolveEnv()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "from-file", "B": "explicit"}, env)

	params.EnvFile = filepath.Join(t.TempDir(), "missing.env")
	_, err = params.ResolveEnv()
	assert.Error(t, err)
}
