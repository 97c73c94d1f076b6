package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadLayers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":7000"
jwt:
  secret: from-file
crypto:
  message_secret: file-key
realtime:
  pong_wait: 30s
upload:
  max_asset_bytes: 1024
`), 0o600))

	t.Setenv("CHAT_JWT_SECRET", "from-env")
	t.Setenv("CHAT_UPLOAD_MAX_CHUNK_BYTES", "512")

	cfg, err := Load([]string{"--config", path, "--log-level", "debug"})
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.HTTPAddr)
	assert.Equal(t, "from-env", cfg.JWT.Secret)
	assert.Equal(t, "file-key", cfg.Crypto.MessageSecret)
	assert.Equal(t, 30*time.Second, cfg.Realtime.PongWait)
	assert.Equal(t, int64(1024), cfg.Upload.MaxAssetBytes)
	assert.Equal(t, int64(512), cfg.Upload.MaxChunkBytes)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 50, cfg.Realtime.DefaultPageSize)
}

func TestLoadFlagBeatsEnv(t *testing.T) {
	t.Setenv("CHAT_JWT_SECRET", "s")
	t.Setenv("CHAT_MESSAGE_SECRET", "k")
	t.Setenv("PORT", "9999")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTPAddr)

	cfg, err = Load([]string{"--http-addr", "127.0.0.1:1234"})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:1234", cfg.HTTPAddr)
}

func TestLoadRequiresSecrets(t *testing.T) {
	t.Setenv("CHAT_JWT_SECRET", "")
	t.Setenv("CHAT_MESSAGE_SECRET", "k")

	_, err := Load(nil)
	require.Error(t, err)
}
