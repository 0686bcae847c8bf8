package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet(t *testing.T) {
	for _, name := range []string{"hetzner", "digitalocean", "aws", "linode"} {
		p, err := Get(name)
		require.NoError(t, err)
		assert.Equal(t, name, p.Name())
		assert.NotEmpty(t, p.DefaultImage())
		assert.NotEmpty(t, p.DefaultSize())
	}
}

func TestGetUnknown(t *testing.T) {
	_, err := Get("ovh")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ovh")
}

func TestSupported(t *testing.T) {
	assert.Equal(t, []string{"aws", "digitalocean", "hetzner", "linode"}, Supported())
}
