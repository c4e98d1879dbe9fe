package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, `
[messenger]
page_token = "tok"
`))
	require.NoError(t, err)
	assert.Equal(t, DefaultHTTPAddr, cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "echo", cfg.Engine.Mode)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, DefaultProfileAPI, cfg.Profile.APIURL)
	assert.Equal(t, "tok", cfg.Messenger.PageToken)
}

func TestLoad_FullConfig(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, `
[messenger]
page_token = "tok"
verify_token = "vt"
app_secret = "as"
app_id = "1"
pass_thread_action = "passed"
take_thread_action = "taken"

[storage]
backend = "postgres"

[engine]
mode = "http"
url = "http://bot.internal/process"
`))
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Storage.Backend)
	assert.Equal(t, "http", cfg.Engine.Mode)
	assert.Equal(t, "taken", cfg.Messenger.TakeThreadAction)
}

func TestLoad_InvalidBackend(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, `
[messenger]
page_token = "tok"

[storage]
backend = "redis"
`))
	assert.Error(t, err)
}

func TestLoad_HTTPEngineRequiresURL(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, `
[messenger]
page_token = "tok"

[engine]
mode = "http"
`))
	assert.Error(t, err)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Backend)
}
