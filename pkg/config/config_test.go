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
	path := filepath.Join(t.TempDir(), "paasctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
tenant: acme
runtime: docker
domain: acme.example.com
provider:
  name: hetzner
  region: fsn1
vm:
  user: deploy
  ssh_key: /home/op/.ssh/id_ed25519
services:
  web:
    image: registry/web:1.2.0
    ports: [8080]
    env_file: web.env
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "acme", cfg.Tenant)
	assert.Equal(t, "docker", cfg.Runtime)
	assert.Equal(t, "hetzner", cfg.Provider.Name)
	assert.Equal(t, 22, cfg.VM.Port, "port defaults to 22")

	// Relative env file paths resolve against the config directory.
	assert.Equal(t, filepath.Join(filepath.Dir(path), "web.env"), cfg.Services["web"].EnvFile)
}

func TestLoadNixFlakeResolvesRelative(t *testing.T) {
	path := writeConfig(t, `
tenant: acme
runtime: nix
nix:
  flake: nixos
vm:
  user: deploy
  ssh_key: /home/op/.ssh/id_ed25519
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "nixos"), cfg.Nix.Flake)
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing tenant",
			content: "runtime: docker\nvm:\n  user: deploy\n",
			wantErr: "tenant is required",
		},
		{
			name:    "bad runtime",
			content: "tenant: acme\nruntime: podman\nvm:\n  user: deploy\n",
			wantErr: "runtime",
		},
		{
			name:    "missing vm user",
			content: "tenant: acme\nruntime: docker\n",
			wantErr: "vm.user",
		},
		{
			name:    "docker service without image",
			content: "tenant: acme\nruntime: docker\nvm:\n  user: deploy\nservices:\n  web: {}\n",
			wantErr: "image",
		},
		{
			name:    "nix runtime without flake",
			content: "tenant: acme\nruntime: nix\nvm:\n  user: deploy\n",
			wantErr: "nix.flake",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestEnvironmentHash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "web.env")
	require.NoError(t, os.WriteFile(path, []byte("PORT=8080\nDEBUG=false\n"), 0644))

	h1, err := EnvironmentHash(path)
	require.NoError(t, err)
	assert.Len(t, h1, 64)

	// Stable across reads.
	h2, err := EnvironmentHash(path)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	// Any byte change produces a different digest.
	require.NoError(t, os.WriteFile(path, []byte("PORT=8080\nDEBUG=true\n"), 0644))
	h3, err := EnvironmentHash(path)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)

	_, err = EnvironmentHash(filepath.Join(dir, "missing.env"))
	assert.Error(t, err)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("API_KEY=secret\nPORT=8080\n"), 0644))

	vars, err := LoadEnvFile(path)
	require.NoError(t, err)
	assert.Equal(t, "secret", vars["API_KEY"])
	assert.Equal(t, "8080", vars["PORT"])
}
