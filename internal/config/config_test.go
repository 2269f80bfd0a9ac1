package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/api/v1", cfg.Server.BasePath)
	assert.Equal(t, 5*time.Minute, cfg.Auth.APIKeyCacheTTL)
	assert.Equal(t, 5, cfg.Tasks.MaxAttempts)
	assert.Equal(t, ProvisionerLocal, cfg.Provisioner.Driver)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
platform:
  root_domain: bots.example.com
tasks:
  workers: 4
`))
	require.NoError(t, err)
	assert.Equal(t, "bots.example.com", cfg.Platform.RootDomain)
	assert.Equal(t, 4, cfg.Tasks.Workers)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"postgres without dsn": "database:\n  driver: postgres\n",
		"unknown driver":       "database:\n  driver: mysql\n",
		"bad schedule":         "reconcile:\n  schedule: every now and then\n",
		"bad provisioner":      "provisioner:\n  driver: nomad\n",
		"no workers":           "tasks:\n  workers: 0\n",
		"relative base path":   "server:\n  base_path: api\n",
	}
	for name, doc := range cases {
		_, err := FromYAML([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(dir)
	assert.ErrorContains(t, err, "not found")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "smarter.yml"), []byte("server:\n  debug: true\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.True(t, cfg.Server.Debug)
}
