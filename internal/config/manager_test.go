package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const validYAML = `
server:
  addr: ":8080"
  base_url: "http://localhost:8080"
redis:
  addr: "localhost:6379"
auth:
  jwt_secret: "test-secret"
telegram:
  enabled: false
  token: ""
  admin_chat_ids: [1001, 1002]
email:
  enabled: false
  from: "noreply@example.com"
  smtp_host: ""
  smtp_port: 587
logging:
  level: "info"
  console: true
  file:
    enabled: false
    path: ""
  telegram:
    enabled: false
    chat_id: 0
    min_level: "warn"
    rate_per_sec: 1
services:
  trading-service: "http://trading:3000"
dispatch:
  unit_ttl: "300s"
  exec_timeout: "5s"
`

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", validYAML)
	m := NewManager(path, nil)
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.Equal(t, []int64{1001, 1002}, cfg.Telegram.AdminChatIDs)
	require.Equal(t, "http://trading:3000", cfg.Services["trading-service"])
	require.Same(t, cfg, m.Get())
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.yaml", validYAML+"\nbogus_key: true\n")
	m := NewManager(path, nil)
	_, err := m.Load()
	require.Error(t, err)
}

func TestValidateRequiresRedisAndSecret(t *testing.T) {
	path := writeConfig(t, "config.json", `{"server":{"addr":":8080"},"redis":{"addr":""},"auth":{"jwt_secret":""}}`)
	m := NewManager(path, nil)
	_, err := m.Load()
	require.Error(t, err)
}

func TestValidateTelegramNeedsToken(t *testing.T) {
	cfg := &Config{
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Auth:     AuthConfig{JWTSecret: "s"},
		Telegram: TelegramConfig{Enabled: true},
	}
	require.Error(t, cfg.Validate())
	cfg.Telegram.Token = "123:abc"
	require.NoError(t, cfg.Validate())
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("dispatch.exec_timeout", "", 5000000000)
	require.NoError(t, err)
	require.Equal(t, int64(5000000000), int64(d))

	_, err = ParseDurationField("dispatch.exec_timeout", "not-a-duration")
	require.Error(t, err)
}
