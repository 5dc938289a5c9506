package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Client.Typing, cfg.Client.Typing)
	assert.Equal(t, "sqlite3", cfg.Server.DBDriver)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
client:
  base_url: http://chat.internal
  page_size: 20
  typing:
    expiry: 7s
server:
  db_driver: postgres
  tokens:
    alpha:
      id: u1
      name: Ana
log:
  level: debug
`), 0o600))

	t.Setenv("CHAT_CLIENT_PAGE_SIZE", "30")
	t.Setenv("CHAT_CLIENT_MAX_BACKOFF", "5s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://chat.internal", cfg.Client.BaseURL)
	assert.Equal(t, 30, cfg.Client.PageSize)
	assert.Equal(t, 5*time.Second, cfg.Client.MaxBackoff)
	assert.Equal(t, 7*time.Second, cfg.Client.Typing.Expiry)
	assert.Equal(t, 3*time.Second, cfg.Client.Typing.SendWindow)
	assert.Equal(t, User{ID: "u1", Name: "Ana"}, cfg.Server.Tokens["alpha"])
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("CHAT_CLIENT_PAGE_SIZE", "many")
	_, err := Load("")
	assert.Error(t, err)

	t.Setenv("CHAT_CLIENT_PAGE_SIZE", "10")
	t.Setenv("CHAT_SERVER_DB_DRIVER", "mysql")
	_, err = Load("")
	assert.ErrorContains(t, err, "mysql")
}

func TestParseTokens(t *testing.T) {
	tokens, err := ParseTokens("a=u1:Ana, b=u2")
	require.NoError(t, err)
	assert.Equal(t, map[string]User{"a": {ID: "u1", Name: "Ana"}, "b": {ID: "u2"}}, tokens)

	_, err = ParseTokens("broken")
	assert.Error(t, err)
}
