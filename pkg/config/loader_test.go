package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Server  ServerConfig  `yaml:"server"`
	DB      DBConfig      `yaml:"db"`
	Payment PaymentConfig `yaml:"payment"`
}

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

func TestLoadMergesEnvironmentOverlay(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
server:
  port: ":8080"
  log_level: info
db:
  host: localhost
  port: 5432
  name: escrow
payment:
  timeout: 10s
  api_key: ${GATEWAY_KEY}
`)
	writeFile(t, dir, "staging.yaml", `
db:
  host: db.staging
`)
	writeFile(t, dir, "secrets.env", "GATEWAY_KEY=\"sk_test_1\"\n# comment\n")

	var cfg sample
	require.NoError(t, Load("staging", dir, &cfg))

	assert.Equal(t, ":8080", cfg.Server.Port)
	assert.Equal(t, "db.staging", cfg.DB.Host)
	assert.Equal(t, 5432, cfg.DB.Port)
	assert.Equal(t, "escrow", cfg.DB.Name)
	assert.Equal(t, "sk_test_1", cfg.Payment.APIKey)
	assert.Equal(t, 10*time.Second, cfg.Payment.Timeout)
}

func TestLoadMissingBase(t *testing.T) {
	var cfg sample
	err := Load("local", t.TempDir(), &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base.yaml")
}

func TestMergeMapsKeepsUntouchedKeys(t *testing.T) {
	dst := map[string]interface{}{"a": map[string]interface{}{"x": 1, "y": 2}, "b": "keep"}
	src := map[string]interface{}{"a": map[string]interface{}{"y": 3}}

	got := mergeMaps(dst, src)

	assert.Equal(t, map[string]interface{}{"x": 1, "y": 3}, got["a"])
	assert.Equal(t, "keep", got["b"])
}
